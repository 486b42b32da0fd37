// Package analysis orchestrates the full thresholding pipeline:
// cluster labeling, extent filtering, optional random-field
// correction, peak detection, peak collapsing and report assembly.
// An Analyzer is an explicit session object; there is no process-wide
// state.
package analysis

import (
	"errors"
	"fmt"
	"math"

	"statmap3d/pkg/correction"
	"statmap3d/pkg/labeling"
	"statmap3d/pkg/peaks"
	"statmap3d/pkg/report"
	"statmap3d/pkg/rft"
	"statmap3d/pkg/smoothness"
	"statmap3d/pkg/volume"
)

// Direction selects which signed cluster map peaks are drawn from.
type Direction int

const (
	Positive Direction = iota
	Negative
	Both
)

// ParseDirection maps the configuration strings to a Direction.
func ParseDirection(s string) (Direction, error) {
	switch s {
	case "pos", "+":
		return Positive, nil
	case "neg", "-":
		return Negative, nil
	case "posneg", "pos/neg", "+/-":
		return Both, nil
	default:
		return 0, fmt.Errorf("analysis: unknown direction %q", s)
	}
}

// CorrectionMethod selects the multiple-comparisons correction.
type CorrectionMethod int

const (
	CorrectionNone CorrectionMethod = iota
	VoxelFWE
	ClusterFWE
)

// ParseCorrection maps the configuration strings to a method.
func ParseCorrection(s string) (CorrectionMethod, error) {
	switch s {
	case "", "none":
		return CorrectionNone, nil
	case "voxelFWE", "voxel-fwe":
		return VoxelFWE, nil
	case "clusterFWE", "cluster-fwe":
		return ClusterFWE, nil
	default:
		return 0, fmt.Errorf("analysis: unknown correction method %q", s)
	}
}

// Params holds the analysis configuration.
type Params struct {
	// Threshold is the cluster-defining voxel threshold u, applied
	// to the statistic (and to its negation for the negative
	// direction).
	Threshold float64

	// Connectivity is the neighbor rule for labeling: 6, 18 or 26.
	Connectivity int

	// Direction selects the positive, negative or combined map.
	Direction Direction

	// SPMCompatible switches the peak collapser to eliminate mode;
	// otherwise close peaks are merged (collapse mode).
	SPMCompatible bool

	// VoxelLimit caps the number of reported peaks (0 = no cap).
	VoxelLimit int

	// Separation is the minimum peak spacing in mm.
	Separation float64

	// ExtentThreshold is the minimum cluster size in voxels.
	ExtentThreshold int

	// Alpha is the target family-wise error rate for correction.
	Alpha float64

	// Correction selects none, voxel-wise or cluster-wise FWE.
	Correction CorrectionMethod

	// FWHM is the field smoothness in mm per axis, used by the
	// built-in probability oracle when none is injected. All zero
	// means estimate the smoothness from the data.
	FWHM [3]float64

	// Conjunctions is the number of conjoined maps for the built-in
	// oracle (0 or 1 = none).
	Conjunctions int

	// Oracle overrides the built-in random-field oracle.
	Oracle correction.Oracle

	// Atlas supplies region names for the report; nil is allowed.
	Atlas report.Atlas

	// Verbose enables progress output.
	Verbose bool
}

// Diagnostics carries the non-fatal, data-dependent conditions of a
// run. "Nothing survived" is a normal, inspectable result.
type Diagnostics struct {
	// NoSuprathreshold: no voxel exceeded the threshold in the
	// selected direction; the table is empty.
	NoSuprathreshold bool

	// NoClustersSurviveExtent: clusters existed but all fell below
	// the extent cutoff; the caller may fall back to the largest
	// cluster at the voxel threshold.
	NoClustersSurviveExtent bool

	// CorrectionDisabled: the statistic requires degrees of freedom
	// that were not supplied; the run proceeded uncorrected.
	CorrectionDisabled bool

	// PeaksTruncated: the voxel limit dropped peaks.
	PeaksTruncated bool

	// ThresholdUsed is the effective voxel threshold after any
	// voxel-wise correction.
	ThresholdUsed float64

	// ExtentUsed is the effective extent threshold after any
	// cluster-wise correction.
	ExtentUsed int

	// ExtentSearch is the cluster-extent search outcome, if run.
	ExtentSearch *correction.ExtentResult
}

// Result bundles the outputs of one analysis pass.
type Result struct {
	// Maps holds the positive, negative and combined cluster maps.
	Maps *labeling.DirectionalMaps

	// Peaks are the surviving peaks of the selected direction.
	Peaks []peaks.Peak

	// Table is the final ranked peak table.
	Table *report.Table

	// Diagnostics carries the run's non-fatal conditions.
	Diagnostics Diagnostics
}

// Analyzer runs the pipeline with a fixed parameter set. It owns all
// intermediate state for the duration of a Run; callers never observe
// partially built maps.
type Analyzer struct {
	params *Params
}

// New creates an analyzer for the given parameters.
func New(params *Params) *Analyzer {
	return &Analyzer{params: params}
}

// Run executes the pipeline on a read-only statistical map. The
// field's data is never mutated; each direction works on a private
// copy.
func (a *Analyzer) Run(f *volume.VoxelField) (*Result, error) {
	p := a.params
	if err := a.validate(f); err != nil {
		return nil, err
	}

	res := &Result{}
	u := p.Threshold
	extent := p.ExtentThreshold

	// Step 1: multiple-comparisons correction, when requested.
	if p.Correction != CorrectionNone {
		corr, err := a.buildCorrector(f)
		switch {
		case errors.Is(err, rft.ErrMissingDF):
			res.Diagnostics.CorrectionDisabled = true
			a.logf("Correction disabled: %s statistic without degrees of freedom\n", f.Kind)
		case err != nil:
			return nil, err
		default:
			switch p.Correction {
			case VoxelFWE:
				u, err = corr.VoxelThreshold(p.Alpha)
				if err != nil {
					return nil, err
				}
				a.logf("Voxel-wise FWE threshold at alpha %.3f: u=%.4f\n", p.Alpha, u)
			case ClusterFWE:
				er, err := corr.ClusterExtent(u, p.Alpha, nil)
				if err != nil {
					return nil, err
				}
				extent = er.Voxels
				res.Diagnostics.ExtentSearch = &er
				a.logf("Cluster-wise FWE extent at alpha %.3f: k=%d voxels (p=%.4g, %s)\n", p.Alpha, er.Voxels, er.P, er.Status)
			}
		}
	}
	res.Diagnostics.ThresholdUsed = u
	res.Diagnostics.ExtentUsed = extent

	// Step 2: threshold, label and extent-filter both directions in
	// parallel on private copies.
	maps, err := labeling.BuildDirectional(f, u, extent, p.Connectivity)
	if err != nil {
		return nil, err
	}
	res.Maps = maps

	m := a.selectMap(maps)
	res.Diagnostics.NoSuprathreshold = m.NoSuprathreshold
	res.Diagnostics.NoClustersSurviveExtent = !m.NoSuprathreshold && m.NoneSurviveExtent
	if m.NoSuprathreshold {
		a.logf("No suprathreshold voxels at u=%.4f\n", u)
	} else if m.NoneSurviveExtent {
		a.logf("No clusters survive extent threshold k=%d\n", extent)
	}

	// Step 3: peak detection within surviving clusters.
	detector := &peaks.Detector{VoxelLimit: p.VoxelLimit, Verbose: p.Verbose}
	found := detector.Detect(f, m)
	res.Diagnostics.PeaksTruncated = detector.Truncated

	// Step 4: enforce the minimum peak separation.
	mode := peaks.Collapse
	if p.SPMCompatible {
		mode = peaks.Eliminate
	}
	collapser := &peaks.Collapser{Separation: p.Separation, Mode: mode}
	surviving, err := collapser.Apply(found)
	if err != nil {
		return nil, err
	}
	res.Peaks = surviving

	// Step 5: rank clusters and assemble the table.
	assembler := &report.Assembler{Atlas: p.Atlas}
	res.Table = assembler.Assemble(surviving, m)
	a.logf("Found %d clusters, %d peaks\n", res.Table.Summarize().Clusters, len(res.Table.Rows))
	return res, nil
}

func (a *Analyzer) validate(f *volume.VoxelField) error {
	p := a.params
	if f == nil {
		return fmt.Errorf("analysis: nil field")
	}
	switch p.Connectivity {
	case 6, 18, 26:
	default:
		return fmt.Errorf("analysis: connectivity must be 6, 18 or 26, got %d", p.Connectivity)
	}
	if p.Separation < 0 {
		return fmt.Errorf("analysis: negative separation %g", p.Separation)
	}
	if p.ExtentThreshold < 0 {
		return fmt.Errorf("analysis: negative extent threshold %d", p.ExtentThreshold)
	}
	if p.Correction != CorrectionNone && (p.Alpha <= 0 || p.Alpha >= 1) {
		return fmt.Errorf("analysis: alpha must be in (0,1), got %g", p.Alpha)
	}
	return nil
}

// buildCorrector wires the corrector to the injected oracle or to the
// built-in random-field oracle derived from the field's geometry and
// smoothness.
func (a *Analyzer) buildCorrector(f *volume.VoxelField) (*correction.Corrector, error) {
	p := a.params
	if f.Kind.NeedsDF() && f.DF <= 0 {
		return nil, rft.ErrMissingDF
	}

	voxmm := voxelSizes(f)
	fwhm := p.FWHM
	if fwhm[0] <= 0 && fwhm[1] <= 0 && fwhm[2] <= 0 {
		est, err := (&smoothness.Estimator{}).Estimate(f)
		if err != nil {
			return nil, fmt.Errorf("analysis: smoothness estimation failed: %v", err)
		}
		fwhm = est
		a.logf("Estimated smoothness: FWHM = [%.2f %.2f %.2f] mm\n", fwhm[0], fwhm[1], fwhm[2])
	}
	for i := range fwhm {
		if fwhm[i] <= 0 {
			fwhm[i] = 2 * voxmm[i] // minimal plausible smoothness
		}
	}
	resels := rft.ReselsBox(f.Grid.NX, f.Grid.NY, f.Grid.NZ, voxmm, fwhm)
	rpv := resels[3] / float64(f.Grid.Len())

	oracle := p.Oracle
	if oracle == nil {
		field, err := rft.NewField(f.Kind, f.DF, resels, rpv, p.Conjunctions)
		if err != nil {
			return nil, err
		}
		oracle = field
	}
	return correction.New(oracle, rpv)
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

func (a *Analyzer) selectMap(maps *labeling.DirectionalMaps) *labeling.FilteredMap {
	switch a.params.Direction {
	case Negative:
		return maps.Neg
	case Both:
		return maps.Either
	default:
		return maps.Pos
	}
}

func (a *Analyzer) logf(format string, args ...interface{}) {
	if a.params.Verbose {
		fmt.Printf(format, args...)
	}
}
