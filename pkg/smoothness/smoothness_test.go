package smoothness

import (
	"math"
	"testing"

	"statmap3d/internal/raster"

	"statmap3d/pkg/volume"
)

// gaussianBlob builds a field holding a single Gaussian bump with the
// given per-axis standard deviations in voxels
func gaussianBlob(t *testing.T, n int, sigma [3]float64) *volume.VoxelField {
	t.Helper()
	grid := raster.Grid{NX: n, NY: n, NZ: n}
	data := make([]float64, grid.Len())
	c := float64(n-1) / 2
	for z := 0; z < n; z++ {
		for y := 0; y < n; y++ {
			for x := 0; x < n; x++ {
				dx := (float64(x) - c) / sigma[0]
				dy := (float64(y) - c) / sigma[1]
				dz := (float64(z) - c) / sigma[2]
				data[grid.Index(x, y, z)] = math.Exp(-(dx*dx + dy*dy + dz*dz) / 2)
			}
		}
	}
	f, err := volume.New(n, n, n, data, volume.DefaultAffine(2, 2, 2), volume.StatGaussian, 0)
	if err != nil {
		t.Fatalf("Failed to build field: %v", err)
	}
	return f
}

func TestEstimateBroaderIsSmoother(t *testing.T) {
	e := &Estimator{}

	narrow, err := e.Estimate(gaussianBlob(t, 24, [3]float64{1.5, 1.5, 1.5}))
	if err != nil {
		t.Fatalf("Estimate failed: %v", err)
	}
	broad, err := e.Estimate(gaussianBlob(t, 24, [3]float64{4, 4, 4}))
	if err != nil {
		t.Fatalf("Estimate failed: %v", err)
	}
	for a := 0; a < 3; a++ {
		if broad[a] <= narrow[a] {
			t.Errorf("Axis %d: broad blob FWHM %.3f not above narrow %.3f", a, broad[a], narrow[a])
		}
	}
}

func TestEstimateScaleInvariant(t *testing.T) {
	e := &Estimator{}
	f := gaussianBlob(t, 20, [3]float64{3, 3, 3})

	base, err := e.Estimate(f)
	if err != nil {
		t.Fatalf("Estimate failed: %v", err)
	}

	scaled := f.Clone()
	for i := range scaled {
		scaled[i] *= 17
	}
	g, err := volume.New(20, 20, 20, scaled, volume.DefaultAffine(2, 2, 2), volume.StatGaussian, 0)
	if err != nil {
		t.Fatalf("Failed to build scaled field: %v", err)
	}
	got, err := e.Estimate(g)
	if err != nil {
		t.Fatalf("Estimate failed: %v", err)
	}
	for a := 0; a < 3; a++ {
		if math.Abs(got[a]-base[a]) > 1e-9 {
			t.Errorf("Axis %d: estimate changed under scaling: %.6f vs %.6f", a, got[a], base[a])
		}
	}
}

func TestEstimateAnisotropy(t *testing.T) {
	e := &Estimator{}
	fwhm, err := e.Estimate(gaussianBlob(t, 24, [3]float64{5, 2, 2}))
	if err != nil {
		t.Fatalf("Estimate failed: %v", err)
	}
	if fwhm[0] <= fwhm[1] || fwhm[0] <= fwhm[2] {
		t.Errorf("Expected x to be smoothest, got %v", fwhm)
	}
}

func TestEstimateFloor(t *testing.T) {
	// A single spike is maximally rough; the estimate clamps to the
	// one-voxel floor (2 mm at 2 mm spacing).
	grid := raster.Grid{NX: 8, NY: 8, NZ: 8}
	data := make([]float64, grid.Len())
	data[grid.Index(4, 4, 4)] = 10
	f, err := volume.New(8, 8, 8, data, volume.DefaultAffine(2, 2, 2), volume.StatGaussian, 0)
	if err != nil {
		t.Fatalf("Failed to build field: %v", err)
	}

	e := &Estimator{}
	fwhm, err := e.Estimate(f)
	if err != nil {
		t.Fatalf("Estimate failed: %v", err)
	}
	for a := 0; a < 3; a++ {
		if fwhm[a] < 2 {
			t.Errorf("Axis %d: estimate %.3f below the one-voxel floor", a, fwhm[a])
		}
	}
}

func TestEstimateRejectsConstantField(t *testing.T) {
	grid := raster.Grid{NX: 4, NY: 4, NZ: 4}
	data := make([]float64, grid.Len())
	for i := range data {
		data[i] = 3
	}
	f, err := volume.New(4, 4, 4, data, nil, volume.StatGaussian, 0)
	if err != nil {
		t.Fatalf("Failed to build field: %v", err)
	}
	if _, err := (&Estimator{}).Estimate(f); err == nil {
		t.Error("Expected error for a constant field")
	}
}
