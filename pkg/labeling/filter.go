package labeling

import (
	"fmt"
	"math"

	"statmap3d/internal/raster"

	"statmap3d/pkg/volume"
)

// FilteredMap is a single-direction cluster map after thresholding
// and extent filtering. Stat holds the working statistic (zero
// outside surviving clusters), Size holds the signed cluster extent
// at each voxel for reporting, Labels the surviving partition.
type FilteredMap struct {
	Grid   raster.Grid
	Stat   []float64
	Size   []int32
	Labels *LabelMap

	// Survivors is the number of clusters meeting the extent cutoff.
	Survivors int

	// NoSuprathreshold is set when no voxel exceeded the threshold;
	// NoneSurviveExtent when clusters existed but all were smaller
	// than the extent cutoff. Both are diagnostics, not errors.
	NoSuprathreshold  bool
	NoneSurviveExtent bool
}

// FlatIndex converts voxel coordinates to the map's flat array index.
func (m *FilteredMap) FlatIndex(voxel [3]int) int {
	return m.Grid.Index(voxel[0], voxel[1], voxel[2])
}

// DirectionalMaps bundles the positive-direction map, the
// negative-direction map (computed on a negated private copy) and
// their combination. In Either, negative-direction voxels carry a
// negative Size so the sign of the underlying cluster is recoverable.
type DirectionalMaps struct {
	Pos    *FilteredMap
	Neg    *FilteredMap
	Either *FilteredMap
}

// Filter thresholds data at u, labels the suprathreshold voxels under
// the given connectivity and zeroes every cluster smaller than
// extent voxels. data is owned by the caller and must be a private
// copy; it is not modified.
func Filter(grid raster.Grid, data []float64, u float64, extent, connectivity int) (*FilteredMap, error) {
	if extent < 0 {
		return nil, fmt.Errorf("labeling: negative extent threshold %d", extent)
	}
	mask := make([]bool, len(data))
	any := false
	for i, v := range data {
		if !math.IsNaN(v) && v > u {
			mask[i] = true
			any = true
		}
	}
	out := &FilteredMap{
		Grid: grid,
		Stat: make([]float64, len(data)),
		Size: make([]int32, len(data)),
	}
	if !any {
		out.Labels = &LabelMap{Labels: make([]int32, len(data)), Sizes: []int{0}}
		out.NoSuprathreshold = true
		return out, nil
	}

	labels, err := Label(grid, mask, connectivity)
	if err != nil {
		return nil, err
	}

	// Count survivors and build a keep table per label.
	keep := make([]bool, len(labels.Sizes))
	for l := 1; l < len(labels.Sizes); l++ {
		if labels.Sizes[l] >= extent {
			keep[l] = true
			out.Survivors++
		}
	}

	filtered := &LabelMap{
		Labels:    make([]int32, len(data)),
		NumLabels: labels.NumLabels,
		Sizes:     labels.Sizes,
	}
	for i, l := range labels.Labels {
		if l == 0 || !keep[l] {
			continue
		}
		filtered.Labels[i] = l
		out.Stat[i] = data[i]
		out.Size[i] = int32(labels.Sizes[l])
	}
	out.Labels = filtered
	if out.Survivors == 0 {
		out.NoneSurviveExtent = true
	}
	return out, nil
}

// BuildDirectional computes the positive and negative cluster maps on
// private copies of the field and combines them. The two directions
// are independent and run concurrently.
func BuildDirectional(f *volume.VoxelField, u float64, extent, connectivity int) (*DirectionalMaps, error) {
	type result struct {
		neg bool
		m   *FilteredMap
		err error
	}
	resultChan := make(chan result, 2)

	go func() {
		m, err := Filter(f.Grid, f.Clone(), u, extent, connectivity)
		resultChan <- result{neg: false, m: m, err: err}
	}()
	go func() {
		m, err := Filter(f.Grid, f.Negated(), u, extent, connectivity)
		resultChan <- result{neg: true, m: m, err: err}
	}()

	maps := &DirectionalMaps{}
	for i := 0; i < 2; i++ {
		res := <-resultChan
		if res.err != nil {
			return nil, fmt.Errorf("cluster filtering failed: %v", res.err)
		}
		if res.neg {
			maps.Neg = res.m
		} else {
			maps.Pos = res.m
		}
	}

	// Combine: a voxel cannot survive both directions for u > 0, so
	// the sum preserves each side's working statistic.
	either := &FilteredMap{
		Grid:              f.Grid,
		Stat:              make([]float64, len(maps.Pos.Stat)),
		Size:              make([]int32, len(maps.Pos.Size)),
		Survivors:         maps.Pos.Survivors + maps.Neg.Survivors,
		NoSuprathreshold:  maps.Pos.NoSuprathreshold && maps.Neg.NoSuprathreshold,
		NoneSurviveExtent: maps.Pos.NoneSurviveExtent && maps.Neg.NoneSurviveExtent,
	}
	// Combined labels keep cluster identities unique by offsetting
	// negative-direction labels past the positive ones.
	offset := int32(maps.Pos.Labels.NumLabels)
	combined := &LabelMap{
		Labels:    make([]int32, len(maps.Pos.Labels.Labels)),
		NumLabels: maps.Pos.Labels.NumLabels + maps.Neg.Labels.NumLabels,
		Sizes:     append([]int{}, maps.Pos.Labels.Sizes...),
	}
	combined.Sizes = append(combined.Sizes, maps.Neg.Labels.Sizes[1:]...)
	for i := range either.Stat {
		either.Stat[i] = maps.Pos.Stat[i] + maps.Neg.Stat[i]
		either.Size[i] = maps.Pos.Size[i] - maps.Neg.Size[i]
		switch {
		case maps.Pos.Labels.Labels[i] != 0:
			combined.Labels[i] = maps.Pos.Labels.Labels[i]
		case maps.Neg.Labels.Labels[i] != 0:
			combined.Labels[i] = maps.Neg.Labels.Labels[i] + offset
		}
	}
	either.Labels = combined
	maps.Either = either
	return maps, nil
}
