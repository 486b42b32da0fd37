// Package labeling implements 3D connected-component labeling of
// suprathreshold voxels and the minimum-extent cluster filter.
package labeling

import (
	"fmt"

	"statmap3d/internal/raster"
)

// LabelMap is the result of connected-component labeling. Labels are
// 1-based; 0 marks background voxels.
type LabelMap struct {
	// Labels holds one label per voxel, in the grid's raster order.
	Labels []int32

	// NumLabels is the number of distinct clusters found.
	NumLabels int

	// Sizes maps label -> voxel count. Sizes[0] is unused.
	Sizes []int
}

// Size returns the voxel count of the cluster at the given flat index,
// or 0 for background voxels.
func (m *LabelMap) Size(idx int) int {
	l := m.Labels[idx]
	if l == 0 {
		return 0
	}
	return m.Sizes[l]
}

// Label runs scan-order union-find connected-component labeling over
// the suprathreshold mask. connectivity must be 6, 18 or 26. Labels
// are renumbered so that the first-encountered voxel of each cluster
// in raster order anchors the label, which makes the partition fully
// deterministic for identical input.
func Label(grid raster.Grid, mask []bool, connectivity int) (*LabelMap, error) {
	if connectivity != 6 && connectivity != 18 && connectivity != 26 {
		return nil, fmt.Errorf("labeling: connectivity must be 6, 18 or 26, got %d", connectivity)
	}
	if len(mask) != grid.Len() {
		return nil, fmt.Errorf("labeling: mask length %d does not match grid size %d", len(mask), grid.Len())
	}

	backward := raster.BackwardNeighbors(connectivity)

	// First pass: provisional labels with union-find over the
	// already-visited neighbors.
	parent := make([]int32, 1, 64) // parent[0] unused
	provisional := make([]int32, len(mask))

	var find func(l int32) int32
	find = func(l int32) int32 {
		for parent[l] != l {
			parent[l] = parent[parent[l]] // path halving
			l = parent[l]
		}
		return l
	}
	union := func(a, b int32) {
		ra, rb := find(a), find(b)
		if ra == rb {
			return
		}
		// Keep the smaller (earlier-discovered) root.
		if ra < rb {
			parent[rb] = ra
		} else {
			parent[ra] = rb
		}
	}

	idx := 0
	for z := 0; z < grid.NZ; z++ {
		for y := 0; y < grid.NY; y++ {
			for x := 0; x < grid.NX; x++ {
				if !mask[idx] {
					idx++
					continue
				}
				var lab int32
				for _, o := range backward {
					nx, ny, nz := x+o.DX, y+o.DY, z+o.DZ
					if !grid.InBounds(nx, ny, nz) {
						continue
					}
					nl := provisional[grid.Index(nx, ny, nz)]
					if nl == 0 {
						continue
					}
					if lab == 0 {
						lab = nl
					} else {
						union(lab, nl)
					}
				}
				if lab == 0 {
					lab = int32(len(parent))
					parent = append(parent, lab)
				}
				provisional[idx] = lab
				idx++
			}
		}
	}

	// Second pass: resolve roots and renumber in first-encounter
	// raster order.
	remap := make(map[int32]int32)
	out := &LabelMap{Labels: make([]int32, len(mask)), Sizes: []int{0}}
	var next int32 = 1
	for i, l := range provisional {
		if l == 0 {
			continue
		}
		root := find(l)
		final, ok := remap[root]
		if !ok {
			final = next
			next++
			remap[root] = final
			out.Sizes = append(out.Sizes, 0)
		}
		out.Labels[i] = final
		out.Sizes[final]++
	}
	out.NumLabels = int(next) - 1
	return out, nil
}
