package analysis

import (
	"math"
	"testing"

	"statmap3d/internal/raster"

	"statmap3d/pkg/correction"
	"statmap3d/pkg/volume"
)

// buildField creates a test field with 2 mm isotropic spacing
func buildField(t *testing.T, nx, ny, nz int, kind volume.StatKind, df float64, values map[[3]int]float64) *volume.VoxelField {
	t.Helper()
	grid := raster.Grid{NX: nx, NY: ny, NZ: nz}
	data := make([]float64, grid.Len())
	for v, val := range values {
		data[grid.Index(v[0], v[1], v[2])] = val
	}
	f, err := volume.New(nx, ny, nz, data, volume.DefaultAffine(2, 2, 2), kind, df)
	if err != nil {
		t.Fatalf("Failed to build field: %v", err)
	}
	return f
}

// defaultParams returns an uncorrected positive-direction setup
func defaultParams() *Params {
	return &Params{
		Threshold:       3,
		Connectivity:    18,
		Direction:       Positive,
		Separation:      8,
		ExtentThreshold: 0,
	}
}

// TestTwinPeakCollapse is the canonical merge scenario: two adjacent
// equal maxima, wide separation, collapse mode -> a single peak at the
// count-weighted midpoint with Merged=2
func TestTwinPeakCollapse(t *testing.T) {
	f := buildField(t, 10, 10, 10, volume.StatGaussian, 0, map[[3]int]float64{
		{4, 4, 4}: 5,
		{5, 4, 4}: 5,
	})

	p := defaultParams()
	p.Separation = 20
	p.ExtentThreshold = 1
	result, err := New(p).Run(f)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if len(result.Table.Rows) != 1 {
		t.Fatalf("Expected exactly 1 peak, got %d", len(result.Table.Rows))
	}
	row := result.Table.Rows[0]
	if row.Merged != 2 {
		t.Errorf("Expected Merged=2, got %d", row.Merged)
	}
	// Voxels (4,4,4) and (5,4,4) sit at 8 and 10 mm in x: equal counts
	// put the merged peak at the midpoint.
	want := [3]float64{9, 8, 8}
	for i := range want {
		if math.Abs(row.MM[i]-want[i]) > 1e-12 {
			t.Fatalf("Merged peak at %v, want %v", row.MM, want)
		}
	}
	if row.Extent != 2 {
		t.Errorf("Expected cluster extent 2, got %d", row.Extent)
	}
}

// TestExtentStarvedBlob verifies a 10-voxel blob against extent 12
// yields an empty table with the diagnostic flag, not an error
func TestExtentStarvedBlob(t *testing.T) {
	values := map[[3]int]float64{}
	for i := 0; i < 10; i++ {
		values[[3]int{2 + i%5, 4 + i/5, 4}] = 4
	}
	f := buildField(t, 12, 12, 12, volume.StatGaussian, 0, values)

	p := defaultParams()
	p.ExtentThreshold = 12
	result, err := New(p).Run(f)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(result.Table.Rows) != 0 {
		t.Errorf("Expected empty table, got %d rows", len(result.Table.Rows))
	}
	if !result.Diagnostics.NoClustersSurviveExtent {
		t.Error("Expected NoClustersSurviveExtent diagnostic")
	}
	if result.Diagnostics.NoSuprathreshold {
		t.Error("NoSuprathreshold must not be set: the blob exceeded the threshold")
	}
}

// TestRampNoPeaks verifies the boundary-exclusion policy end to end:
// a monotone ramp's corner maximum yields zero peaks
func TestRampNoPeaks(t *testing.T) {
	grid := raster.Grid{NX: 8, NY: 8, NZ: 8}
	data := make([]float64, grid.Len())
	for z := 0; z < 8; z++ {
		for y := 0; y < 8; y++ {
			for x := 0; x < 8; x++ {
				data[grid.Index(x, y, z)] = float64(x+y+z) + 1
			}
		}
	}
	f, err := volume.New(8, 8, 8, data, volume.DefaultAffine(2, 2, 2), volume.StatGaussian, 0)
	if err != nil {
		t.Fatalf("Failed to build field: %v", err)
	}

	p := defaultParams()
	p.Threshold = 0.5
	result, err := New(p).Run(f)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(result.Table.Rows) != 0 {
		t.Errorf("Expected zero peaks from a monotone ramp, got %d", len(result.Table.Rows))
	}
}

// TestNoSuprathreshold verifies the empty, flagged result
func TestNoSuprathreshold(t *testing.T) {
	f := buildField(t, 6, 6, 6, volume.StatGaussian, 0, map[[3]int]float64{{2, 2, 2}: 1})

	result, err := New(defaultParams()).Run(f)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if !result.Diagnostics.NoSuprathreshold {
		t.Error("Expected NoSuprathreshold diagnostic")
	}
	if len(result.Table.Rows) != 0 {
		t.Errorf("Expected empty table, got %d rows", len(result.Table.Rows))
	}
}

// TestDeterminism verifies repeated runs produce identical tables
func TestDeterminism(t *testing.T) {
	values := map[[3]int]float64{}
	// A handful of blobs with deterministic pseudo-random heights.
	seed := 7
	for i := 0; i < 20; i++ {
		seed = (seed*31 + 17) % 97
		values[[3]int{1 + seed%8, 1 + (seed/3)%8, 1 + (seed/7)%8}] = 3.5 + float64(seed%13)/4
	}
	f := buildField(t, 10, 10, 10, volume.StatGaussian, 0, values)

	p := defaultParams()
	p.Separation = 6
	first, err := New(p).Run(f)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	for run := 0; run < 3; run++ {
		again, err := New(p).Run(f)
		if err != nil {
			t.Fatalf("Run %d failed: %v", run, err)
		}
		if len(again.Table.Rows) != len(first.Table.Rows) {
			t.Fatalf("Run %d: row count %d vs %d", run, len(again.Table.Rows), len(first.Table.Rows))
		}
		for i := range first.Table.Rows {
			if again.Table.Rows[i] != first.Table.Rows[i] {
				t.Fatalf("Run %d: row %d differs: %+v vs %+v", run, i, again.Table.Rows[i], first.Table.Rows[i])
			}
		}
	}
}

// TestExtentMonotonicity verifies raising the extent threshold only
// removes peaks
func TestExtentMonotonicity(t *testing.T) {
	f := buildField(t, 12, 12, 12, volume.StatGaussian, 0, map[[3]int]float64{
		{2, 2, 2}: 4, {3, 2, 2}: 4, {4, 2, 2}: 4,
		{8, 8, 8}: 5,
	})

	prev := -1
	for _, k := range []int{0, 1, 2, 3, 4} {
		p := defaultParams()
		p.ExtentThreshold = k
		result, err := New(p).Run(f)
		if err != nil {
			t.Fatalf("Run failed at k=%d: %v", k, err)
		}
		n := len(result.Table.Rows)
		if prev >= 0 && n > prev {
			t.Errorf("Peak count grew from %d to %d at extent %d", prev, n, k)
		}
		prev = n
	}
}

// TestNegativeDirection verifies peaks are drawn from the negated map
func TestNegativeDirection(t *testing.T) {
	f := buildField(t, 8, 8, 8, volume.StatGaussian, 0, map[[3]int]float64{
		{2, 2, 2}: 6,
		{5, 5, 5}: -7,
	})

	p := defaultParams()
	p.Direction = Negative
	result, err := New(p).Run(f)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(result.Table.Rows) != 1 {
		t.Fatalf("Expected 1 negative peak, got %d", len(result.Table.Rows))
	}
	if result.Table.Rows[0].Value != 7 {
		t.Errorf("Negative map carries negated values: expected 7, got %g", result.Table.Rows[0].Value)
	}
	if result.Table.Rows[0].Voxel != [3]int{5, 5, 5} {
		t.Errorf("Wrong peak location: %v", result.Table.Rows[0].Voxel)
	}
}

// TestBothDirections verifies the combined map reports peaks from both
// signs with distinct clusters
func TestBothDirections(t *testing.T) {
	f := buildField(t, 8, 8, 8, volume.StatGaussian, 0, map[[3]int]float64{
		{2, 2, 2}: 6,
		{5, 5, 5}: -7,
	})

	p := defaultParams()
	p.Direction = Both
	result, err := New(p).Run(f)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(result.Table.Rows) != 2 {
		t.Fatalf("Expected 2 peaks, got %d", len(result.Table.Rows))
	}
	// The stronger (negative) peak ranks first; working values are
	// positive in both directions.
	if result.Table.Rows[0].Value != 7 || result.Table.Rows[1].Value != 6 {
		t.Errorf("Unexpected ranking: %g then %g", result.Table.Rows[0].Value, result.Table.Rows[1].Value)
	}
	if result.Table.Rows[0].Cluster == result.Table.Rows[1].Cluster {
		t.Error("Peaks from opposite directions must keep distinct cluster ids")
	}
}

// TestCorrectionDisabled verifies a T map without df reverts to an
// uncorrected run with the diagnostic flag
func TestCorrectionDisabled(t *testing.T) {
	f := buildField(t, 8, 8, 8, volume.StatT, 0, map[[3]int]float64{{3, 3, 3}: 6})

	p := defaultParams()
	p.Correction = VoxelFWE
	p.Alpha = 0.05
	result, err := New(p).Run(f)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if !result.Diagnostics.CorrectionDisabled {
		t.Error("Expected CorrectionDisabled diagnostic")
	}
	if result.Diagnostics.ThresholdUsed != p.Threshold {
		t.Errorf("Uncorrected run must keep u=%g, got %g", p.Threshold, result.Diagnostics.ThresholdUsed)
	}
	if len(result.Table.Rows) != 1 {
		t.Errorf("Expected the uncorrected peak to survive, got %d rows", len(result.Table.Rows))
	}
}

// TestVoxelFWE verifies the corrected threshold replaces u
func TestVoxelFWE(t *testing.T) {
	f := buildField(t, 10, 10, 10, volume.StatGaussian, 0, map[[3]int]float64{
		{4, 4, 4}: 9,
		{7, 7, 7}: 3.5,
	})

	p := defaultParams()
	p.Correction = VoxelFWE
	p.Alpha = 0.05
	p.FWHM = [3]float64{4, 4, 4}
	result, err := New(p).Run(f)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if result.Diagnostics.ThresholdUsed <= p.Threshold {
		t.Errorf("Corrected threshold %g should exceed uncorrected %g", result.Diagnostics.ThresholdUsed, p.Threshold)
	}
	// Only the strong peak survives the corrected threshold.
	if len(result.Table.Rows) != 1 || result.Table.Rows[0].Value != 9 {
		t.Errorf("Expected only the 9.0 peak to survive: %+v", result.Table.Rows)
	}
}

// TestClusterFWE verifies the extent search outcome feeds the filter
func TestClusterFWE(t *testing.T) {
	values := map[[3]int]float64{}
	// A broad slab: comfortably above any plausible corrected extent.
	for z := 3; z <= 6; z++ {
		for y := 3; y <= 6; y++ {
			for x := 3; x <= 6; x++ {
				values[[3]int{x, y, z}] = 4
			}
		}
	}
	values[[3]int{4, 4, 4}] = 6
	f := buildField(t, 10, 10, 10, volume.StatGaussian, 0, values)

	p := defaultParams()
	p.Correction = ClusterFWE
	p.Alpha = 0.05
	p.FWHM = [3]float64{4, 4, 4}
	result, err := New(p).Run(f)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if result.Diagnostics.ExtentSearch == nil {
		t.Fatal("Expected an extent search outcome")
	}
	es := result.Diagnostics.ExtentSearch
	if es.Status != correction.OK && es.Status != correction.TooRough {
		t.Fatalf("Unexpected search status %s", es.Status)
	}
	if result.Diagnostics.ExtentUsed != es.Voxels {
		t.Errorf("Filter did not use the searched extent: %d vs %d", result.Diagnostics.ExtentUsed, es.Voxels)
	}
	if len(result.Table.Rows) == 0 {
		t.Error("The 64-voxel slab should survive the corrected extent")
	}
}

// TestHardErrors verifies malformed parameters fail fast
func TestHardErrors(t *testing.T) {
	f := buildField(t, 6, 6, 6, volume.StatGaussian, 0, map[[3]int]float64{{2, 2, 2}: 5})

	t.Run("BadConnectivity", func(t *testing.T) {
		p := defaultParams()
		p.Connectivity = 7
		if _, err := New(p).Run(f); err == nil {
			t.Error("Expected error for connectivity 7")
		}
	})
	t.Run("NegativeSeparation", func(t *testing.T) {
		p := defaultParams()
		p.Separation = -2
		if _, err := New(p).Run(f); err == nil {
			t.Error("Expected error for negative separation")
		}
	})
	t.Run("BadAlpha", func(t *testing.T) {
		p := defaultParams()
		p.Correction = ClusterFWE
		p.Alpha = 1.5
		if _, err := New(p).Run(f); err == nil {
			t.Error("Expected error for alpha outside (0,1)")
		}
	})
}

// TestParseHelpers verifies the configuration string mappings
func TestParseHelpers(t *testing.T) {
	for s, want := range map[string]Direction{"pos": Positive, "neg": Negative, "posneg": Both, "+/-": Both} {
		got, err := ParseDirection(s)
		if err != nil || got != want {
			t.Errorf("ParseDirection(%q) = %v, %v", s, got, err)
		}
	}
	if _, err := ParseDirection("sideways"); err == nil {
		t.Error("Expected error for unknown direction")
	}
	for s, want := range map[string]CorrectionMethod{"none": CorrectionNone, "voxelFWE": VoxelFWE, "clusterFWE": ClusterFWE} {
		got, err := ParseCorrection(s)
		if err != nil || got != want {
			t.Errorf("ParseCorrection(%q) = %v, %v", s, got, err)
		}
	}
	if _, err := ParseCorrection("bonferroni"); err == nil {
		t.Error("Expected error for unknown correction method")
	}
}
