// Package smoothness estimates the spatial smoothness (FWHM) of a
// statistical field from its voxel data. The estimate feeds the
// random-field probability calculations when the caller does not
// supply a smoothness value.
package smoothness

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat"

	"statmap3d/pkg/volume"
)

// fourLn2 relates the roughness of a Gaussian autocorrelation to its
// full width at half maximum: lambda = 4*ln(2) / FWHM^2 in voxel units.
const fourLn2 = 2.7725887222397812

// Estimator derives per-axis FWHM from normalized first differences.
type Estimator struct {
	// MinFWHM is the per-axis floor in voxel units. Discrete fields
	// cannot meaningfully resolve a width below one voxel; values
	// below the floor are clamped. Zero means a floor of 1.
	MinFWHM float64
}

// Estimate returns the per-axis FWHM in mm. The roughness along each
// axis is the mean squared forward difference divided by the field
// variance; both are taken over finite voxels only.
func (e *Estimator) Estimate(f *volume.VoxelField) ([3]float64, error) {
	if f == nil {
		return [3]float64{}, fmt.Errorf("smoothness: nil field")
	}
	grid := f.Grid

	var values []float64
	for _, v := range f.Data {
		if !math.IsNaN(v) {
			values = append(values, v)
		}
	}
	if len(values) < 2 {
		return [3]float64{}, fmt.Errorf("smoothness: not enough finite voxels")
	}
	variance := stat.Variance(values, nil)
	if variance == 0 {
		return [3]float64{}, fmt.Errorf("smoothness: constant field has no resolvable smoothness")
	}

	// Mean squared forward difference per axis.
	var sums [3]float64
	var counts [3]int
	steps := [3][3]int{{1, 0, 0}, {0, 1, 0}, {0, 0, 1}}
	for z := 0; z < grid.NZ; z++ {
		for y := 0; y < grid.NY; y++ {
			for x := 0; x < grid.NX; x++ {
				v := f.Data[grid.Index(x, y, z)]
				if math.IsNaN(v) {
					continue
				}
				for a, s := range steps {
					nx, ny, nz := x+s[0], y+s[1], z+s[2]
					if !grid.InBounds(nx, ny, nz) {
						continue
					}
					n := f.Data[grid.Index(nx, ny, nz)]
					if math.IsNaN(n) {
						continue
					}
					d := n - v
					sums[a] += d * d
					counts[a]++
				}
			}
		}
	}

	floor := e.MinFWHM
	if floor <= 0 {
		floor = 1
	}
	voxmm := voxelSizes(f)
	var out [3]float64
	for a := 0; a < 3; a++ {
		if counts[a] == 0 {
			// Single-voxel axis: no gradient information, fall back
			// to the floor.
			out[a] = floor * voxmm[a]
			continue
		}
		lambda := (sums[a] / float64(counts[a])) / variance
		w := floor
		if lambda > 0 {
			if est := math.Sqrt(fourLn2 / lambda); est > w {
				w = est
			}
		}
		out[a] = w * voxmm[a]
	}
	return out, nil
}

// voxelSizes derives per-axis voxel sizes in mm from the affine's
// column norms.
func voxelSizes(f *volume.VoxelField) [3]float64 {
	var out [3]float64
	for j := 0; j < 3; j++ {
		s := 0.0
		for i := 0; i < 3; i++ {
			v := f.Affine.At(i, j)
			s += v * v
		}
		out[j] = math.Sqrt(s)
	}
	return out
}
