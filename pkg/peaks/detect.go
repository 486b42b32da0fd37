// Package peaks finds local maxima within surviving clusters and
// enforces a minimum pairwise separation between them.
package peaks

import (
	"fmt"
	"math"
	"sort"

	"statmap3d/internal/raster"

	"statmap3d/pkg/labeling"
	"statmap3d/pkg/volume"
)

// Peak is a local maximum inside a cluster. Peaks start with
// Merged == 1; the collapser accumulates Merged when peaks merge.
// Rank is the containing cluster's rank, assigned by the report.
type Peak struct {
	Voxel   [3]int
	MM      [3]float64
	Value   float64
	Cluster int32
	Merged  int
	Rank    int
}

// Detector finds cluster-wise local maxima. A voxel is a peak iff it
// is not on any of the six grid boundary faces and its value equals
// the maximum over the voxels of its 3x3x3 neighborhood that share
// its cluster label. Equal-valued neighborhood maxima all qualify as
// separate peaks.
type Detector struct {
	// VoxelLimit caps the number of returned peaks; 0 means no cap.
	// When the cap fires only the top peaks by value are kept.
	VoxelLimit int

	// Verbose enables diagnostic output when the cap truncates.
	Verbose bool

	// Truncated records whether the last Detect call dropped peaks
	// to honor VoxelLimit.
	Truncated bool
}

// Detect returns the peaks of a single-direction filtered map, in
// raster scan order. The boundary-face exclusion is deliberate: a
// clipped neighborhood cannot certify a maximum.
func (d *Detector) Detect(f *volume.VoxelField, m *labeling.FilteredMap) []Peak {
	grid := f.Grid
	var found []Peak
	for z := 1; z < grid.NZ-1; z++ {
		for y := 1; y < grid.NY-1; y++ {
			for x := 1; x < grid.NX-1; x++ {
				idx := grid.Index(x, y, z)
				lab := m.Labels.Labels[idx]
				if lab == 0 {
					continue
				}
				v := m.Stat[idx]
				if math.IsNaN(v) {
					continue
				}
				if !d.isNeighborhoodMax(grid, m, x, y, z, lab, v) {
					continue
				}
				found = append(found, Peak{
					Voxel:   [3]int{x, y, z},
					MM:      f.VoxelToMM(x, y, z),
					Value:   v,
					Cluster: lab,
					Merged:  1,
				})
			}
		}
	}
	return d.truncate(found)
}

func (d *Detector) isNeighborhoodMax(grid raster.Grid, m *labeling.FilteredMap, x, y, z int, lab int32, v float64) bool {
	for dz := -1; dz <= 1; dz++ {
		for dy := -1; dy <= 1; dy++ {
			for dx := -1; dx <= 1; dx++ {
				nidx := grid.Index(x+dx, y+dy, z+dz)
				if m.Labels.Labels[nidx] != lab {
					continue
				}
				if m.Stat[nidx] > v {
					return false
				}
			}
		}
	}
	return true
}

// truncate enforces the voxel limit, keeping the top peaks by value.
// The truncation is lossy and is reported when verbose.
func (d *Detector) truncate(found []Peak) []Peak {
	d.Truncated = false
	if d.VoxelLimit <= 0 || len(found) <= d.VoxelLimit {
		return found
	}
	d.Truncated = true
	if d.Verbose {
		fmt.Printf("Peak limit reached: keeping top %d of %d detected peaks\n", d.VoxelLimit, len(found))
	}
	sort.SliceStable(found, func(i, j int) bool {
		return found[i].Value > found[j].Value
	})
	return found[:d.VoxelLimit]
}
