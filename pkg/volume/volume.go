// Package volume defines the VoxelField data model: an immutable 3D
// scalar grid with a voxel-to-world affine transform and optional
// degrees of freedom, plus loading and saving of raw volume files.
package volume

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"statmap3d/internal/raster"
)

// StatKind identifies the statistic stored in a field. T and F
// statistics require degrees of freedom for random-field correction.
type StatKind int

const (
	StatGaussian StatKind = iota
	StatT
	StatF
)

func (k StatKind) String() string {
	switch k {
	case StatGaussian:
		return "Z"
	case StatT:
		return "T"
	case StatF:
		return "F"
	default:
		return "unknown"
	}
}

// NeedsDF reports whether the statistic kind requires degrees of
// freedom for probability calculations.
func (k StatKind) NeedsDF() bool { return k == StatT || k == StatF }

// ErrInvalidVolume is returned when the input data carries no usable
// signal (all zeros or all NaN).
var ErrInvalidVolume = errors.New("volume: data is all zero or NaN")

// VoxelField is a read-only snapshot of a 3D statistical map.
// Callers must treat Data as immutable; analysis passes work on
// private copies and never write back.
type VoxelField struct {
	// Grid holds the voxel dimensions (nx, ny, nz).
	Grid raster.Grid

	// Data is the statistic value per voxel in row-major order
	// (x fastest). len(Data) == nx*ny*nz.
	Data []float64

	// Affine maps homogeneous voxel coordinates to mm (4x4,
	// invertible).
	Affine *mat.Dense

	// DF is the degrees of freedom of the statistic, 0 if unknown.
	DF float64

	// Kind is the statistic type stored in Data.
	Kind StatKind

	// inverse caches the mm-to-voxel transform.
	inverse *mat.Dense
}

// New validates the inputs and builds a VoxelField. It returns a hard
// error for a length mismatch or a non-invertible affine, and
// ErrInvalidVolume when the data contains no finite non-zero value.
func New(nx, ny, nz int, data []float64, affine *mat.Dense, kind StatKind, df float64) (*VoxelField, error) {
	if nx <= 0 || ny <= 0 || nz <= 0 {
		return nil, fmt.Errorf("volume: invalid dimensions %dx%dx%d", nx, ny, nz)
	}
	if len(data) != nx*ny*nz {
		return nil, fmt.Errorf("volume: data length %d does not match dimensions %dx%dx%d", len(data), nx, ny, nz)
	}
	if df < 0 {
		return nil, fmt.Errorf("volume: negative degrees of freedom %g", df)
	}
	if affine == nil {
		affine = DefaultAffine(1, 1, 1)
	}
	r, c := affine.Dims()
	if r != 4 || c != 4 {
		return nil, fmt.Errorf("volume: affine must be 4x4, got %dx%d", r, c)
	}
	var inv mat.Dense
	if err := inv.Inverse(affine); err != nil {
		return nil, fmt.Errorf("volume: affine is not invertible: %v", err)
	}
	usable := false
	for _, v := range data {
		if v != 0 && !math.IsNaN(v) {
			usable = true
			break
		}
	}
	if !usable {
		return nil, ErrInvalidVolume
	}
	return &VoxelField{
		Grid:    raster.Grid{NX: nx, NY: ny, NZ: nz},
		Data:    data,
		Affine:  affine,
		DF:      df,
		Kind:    kind,
		inverse: &inv,
	}, nil
}

// DefaultAffine returns a diagonal voxel-to-mm transform with the
// given isotropic or anisotropic voxel sizes and no translation.
func DefaultAffine(sx, sy, sz float64) *mat.Dense {
	return mat.NewDense(4, 4, []float64{
		sx, 0, 0, 0,
		0, sy, 0, 0,
		0, 0, sz, 0,
		0, 0, 0, 1,
	})
}

// VoxelToMM maps voxel coordinates to world (mm) coordinates through
// the affine transform.
func (f *VoxelField) VoxelToMM(x, y, z int) [3]float64 {
	return f.apply(f.Affine, float64(x), float64(y), float64(z))
}

// MMToVoxel maps world coordinates back to (fractional) voxel
// coordinates through the cached inverse affine.
func (f *VoxelField) MMToVoxel(mm [3]float64) [3]float64 {
	return f.apply(f.inverse, mm[0], mm[1], mm[2])
}

func (f *VoxelField) apply(m *mat.Dense, a, b, c float64) [3]float64 {
	var out [3]float64
	for i := 0; i < 3; i++ {
		out[i] = m.At(i, 0)*a + m.At(i, 1)*b + m.At(i, 2)*c + m.At(i, 3)
	}
	return out
}

// Clone returns a deep copy of the field's data paired with the same
// geometry. Analysis passes that mutate voxel values operate on
// clones so the caller's array is never touched.
func (f *VoxelField) Clone() []float64 {
	out := make([]float64, len(f.Data))
	copy(out, f.Data)
	return out
}

// Negated returns a private negated copy of the data, used for the
// negative-direction cluster computation.
func (f *VoxelField) Negated() []float64 {
	out := make([]float64, len(f.Data))
	for i, v := range f.Data {
		out[i] = -v
	}
	return out
}

// At returns the statistic value at the given voxel coordinates.
func (f *VoxelField) At(x, y, z int) float64 {
	return f.Data[f.Grid.Index(x, y, z)]
}
