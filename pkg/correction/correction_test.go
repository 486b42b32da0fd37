package correction

import (
	"math"
	"testing"

	"statmap3d/pkg/rft"
	"statmap3d/pkg/volume"
)

// clumpOracle is a synthetic oracle following the Poisson clumping
// form with fixed expected maxima and expected cluster size, so the
// search can be checked against a closed-form target.
type clumpOracle struct {
	em, en float64
}

func (o *clumpOracle) ClusterFWE(kResels, u float64) (float64, error) {
	p := 1.0
	if kResels > 0 {
		beta := math.Pow(math.Gamma(2.5)/o.en, 2.0/3.0)
		p = math.Exp(-beta * math.Pow(kResels, 2.0/3.0))
	}
	return 1 - math.Exp(-o.em*p), nil
}

func (o *clumpOracle) ExpectedClusterResels(u float64) (float64, error) {
	return o.en, nil
}

func (o *clumpOracle) HeightThreshold(alpha float64) (float64, error) {
	return 3.0, nil
}

// TestClusterExtentSearch runs the automatic search on an oracle with
// En = 5 resels and verifies the contract: the returned extent is the
// smallest integer voxel count whose corrected p reaches alpha
func TestClusterExtentSearch(t *testing.T) {
	oracle := &clumpOracle{em: 3, en: 5}
	const rpv = 0.05
	c, err := New(oracle, rpv)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	res, err := c.ClusterExtent(3.09, 0.05, nil)
	if err != nil {
		t.Fatalf("ClusterExtent failed: %v", err)
	}
	if res.Status != OK {
		t.Fatalf("Expected status OK, got %s", res.Status)
	}

	pAt, _ := oracle.ClusterFWE(float64(res.Voxels)*rpv, 3.09)
	if pAt > 0.05 {
		t.Errorf("p at returned extent %d is %g, want <= 0.05", res.Voxels, pAt)
	}
	pBelow, _ := oracle.ClusterFWE(float64(res.Voxels-1)*rpv, 3.09)
	if pBelow <= 0.05 {
		t.Errorf("p at extent %d is %g, want > 0.05 (ceil rounding must be tight)", res.Voxels-1, pBelow)
	}
}

// TestClusterExtentWithRFTOracle runs the search against the real
// random-field oracle
func TestClusterExtentWithRFTOracle(t *testing.T) {
	resels := rft.ReselsBox(32, 32, 32, [3]float64{2, 2, 2}, [3]float64{8, 8, 8})
	rpv := resels[3] / (32 * 32 * 32)
	field, err := rft.NewField(volume.StatGaussian, 0, resels, rpv, 1)
	if err != nil {
		t.Fatalf("NewField failed: %v", err)
	}
	c, err := New(field, rpv)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	u := 3.09
	res, err := c.ClusterExtent(u, 0.05, nil)
	if err != nil {
		t.Fatalf("ClusterExtent failed: %v", err)
	}
	if res.Status != OK {
		t.Fatalf("Expected status OK, got %s", res.Status)
	}
	if res.Voxels < 1 {
		t.Fatalf("Extent must be at least 1 voxel, got %d", res.Voxels)
	}

	pAt, err := field.ClusterFWE(float64(res.Voxels)*rpv, u)
	if err != nil {
		t.Fatalf("ClusterFWE failed: %v", err)
	}
	if pAt > 0.05 {
		t.Errorf("p at returned extent %d is %g, want <= 0.05", res.Voxels, pAt)
	}
}

// TestVoxelThreshold verifies the direct inversion path and the alpha
// validation
func TestVoxelThreshold(t *testing.T) {
	c, err := New(&clumpOracle{em: 3, en: 5}, 0.05)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	u, err := c.VoxelThreshold(0.05)
	if err != nil {
		t.Fatalf("VoxelThreshold failed: %v", err)
	}
	if u != 3.0 {
		t.Errorf("Expected oracle's inverse 3.0, got %g", u)
	}
	for _, alpha := range []float64{0, 1, -0.1, 1.5} {
		if _, err := c.VoxelThreshold(alpha); err == nil {
			t.Errorf("Expected hard error for alpha=%g", alpha)
		}
	}
	if _, err := c.ClusterExtent(3, 0, nil); err == nil {
		t.Error("Expected hard error for alpha=0 in ClusterExtent")
	}
}

// TestJustPvalue verifies a single explicit extent reports its p-value
// without searching
func TestJustPvalue(t *testing.T) {
	oracle := &clumpOracle{em: 3, en: 5}
	c, _ := New(oracle, 0.05)

	res, err := c.ClusterExtent(3.09, 0.05, []int{100})
	if err != nil {
		t.Fatalf("ClusterExtent failed: %v", err)
	}
	if res.Status != JustPvalue {
		t.Errorf("Expected status JustPvalue, got %s", res.Status)
	}
	if res.Voxels != 100 {
		t.Errorf("Expected extent 100, got %d", res.Voxels)
	}
	want, _ := oracle.ClusterFWE(100*0.05, 3.09)
	if res.P != want {
		t.Errorf("Expected p=%g, got %g", want, res.P)
	}
}

// TestBruteForceScan verifies the explicit-range scan stops at the
// first significant extent and reports OutOfRange when exhausted
func TestBruteForceScan(t *testing.T) {
	oracle := &clumpOracle{em: 3, en: 5}
	c, _ := New(oracle, 0.05)

	t.Run("FindsFirstSignificant", func(t *testing.T) {
		var scan []int
		for k := 1; k <= 2000; k += 10 {
			scan = append(scan, k)
		}
		res, err := c.ClusterExtent(3.09, 0.05, scan)
		if err != nil {
			t.Fatalf("ClusterExtent failed: %v", err)
		}
		if res.Status != OK {
			t.Fatalf("Expected status OK, got %s", res.Status)
		}
		if res.P > 0.05 {
			t.Errorf("Scan stopped at extent %d with p=%g > alpha", res.Voxels, res.P)
		}
		// The previous scanned extent must not have been significant
		prev, _ := oracle.ClusterFWE(float64(res.Voxels-10)*0.05, 3.09)
		if prev <= 0.05 {
			t.Errorf("Scan overshot: extent %d already had p=%g", res.Voxels-10, prev)
		}
	})

	t.Run("OutOfRange", func(t *testing.T) {
		res, err := c.ClusterExtent(3.09, 0.05, []int{1, 2, 3})
		if err != nil {
			t.Fatalf("ClusterExtent failed: %v", err)
		}
		if res.Status != OutOfRange {
			t.Errorf("Expected status OutOfRange, got %s", res.Status)
		}
		if res.Voxels != 3 {
			t.Errorf("Expected last scanned extent 3, got %d", res.Voxels)
		}
	})
}

// TestTooRough verifies the shortcut when one voxel is already
// significant
func TestTooRough(t *testing.T) {
	// Tiny expected maxima: even a single voxel crosses alpha.
	oracle := &clumpOracle{em: 0.01, en: 5}
	c, _ := New(oracle, 0.05)

	res, err := c.ClusterExtent(5, 0.05, nil)
	if err != nil {
		t.Fatalf("ClusterExtent failed: %v", err)
	}
	if res.Status != TooRough {
		t.Fatalf("Expected status TooRough, got %s", res.Status)
	}
	if res.Voxels != 1 {
		t.Errorf("Expected extent 1, got %d", res.Voxels)
	}
}

// TestTooManyIter verifies the iteration cap returns the best estimate
// instead of blocking
func TestTooManyIter(t *testing.T) {
	oracle := &clumpOracle{em: 3, en: 5}
	c, _ := New(oracle, 0.05)
	c.MaxIter = 1

	res, err := c.ClusterExtent(3.09, 0.05, nil)
	if err != nil {
		t.Fatalf("ClusterExtent failed: %v", err)
	}
	if res.Status != TooManyIter && res.Status != OK {
		t.Fatalf("Expected TooManyIter (or immediate OK), got %s", res.Status)
	}
	if res.Voxels < 1 {
		t.Errorf("Best estimate must still be a usable extent, got %d", res.Voxels)
	}
}
