// Package correction computes multiple-comparisons-corrected
// thresholds for a target family-wise error rate: a corrected
// voxel-level height threshold, or a corrected cluster-extent cutoff
// found by a bracketed Newton-Raphson search over the random-field
// cluster probability.
package correction

import (
	"fmt"
	"math"
)

// Oracle is the random-field probability collaborator. The rft
// package provides the built-in implementation; callers may inject
// their own.
type Oracle interface {
	// ClusterFWE returns the corrected p-value for a cluster of the
	// given extent in resels at cluster-defining threshold u.
	ClusterFWE(kResels, u float64) (float64, error)

	// ExpectedClusterResels returns the expected cluster size En in
	// resels at threshold u.
	ExpectedClusterResels(u float64) (float64, error)

	// HeightThreshold returns the voxel-level threshold at which the
	// corrected peak p-value equals alpha.
	HeightThreshold(alpha float64) (float64, error)
}

// Status reports how a cluster-extent search terminated. All statuses
// are informational; only malformed numeric inputs are hard errors.
type Status int

const (
	// OK: the search converged normally.
	OK Status = iota

	// TooRough: a single-voxel cluster is already significant at
	// alpha, so the search short-circuits at extent 1.
	TooRough

	// JustPvalue: the caller supplied one explicit extent; its
	// p-value is reported without searching.
	JustPvalue

	// OutOfRange: an explicit brute-force range was exhausted
	// without reaching alpha; the result carries the last extent
	// scanned.
	OutOfRange

	// TooManyIter: the refinement hit the iteration cap; the result
	// carries the best estimate found.
	TooManyIter
)

func (s Status) String() string {
	switch s {
	case OK:
		return "OK"
	case TooRough:
		return "TooRough"
	case JustPvalue:
		return "JustPvalue"
	case OutOfRange:
		return "OutOfRange"
	case TooManyIter:
		return "TooManyIter"
	default:
		return "unknown"
	}
}

// ExtentResult is the outcome of a cluster-extent search.
type ExtentResult struct {
	// Voxels is the corrected extent threshold in voxels, rounded up.
	Voxels int

	// Resels is the unrounded extent in resels.
	Resels float64

	// P is the corrected p-value at the returned extent.
	P float64

	// Status describes how the search terminated.
	Status Status
}

// Corrector runs threshold searches against an Oracle. The search is
// purely sequential; the iteration cap bounds its runtime.
type Corrector struct {
	// Oracle supplies the corrected probabilities.
	Oracle Oracle

	// ReselsPerVoxel converts extents between resels and voxels.
	ReselsPerVoxel float64

	// MaxIter caps the Newton-Raphson refinement.
	MaxIter int

	// Du is the finite-difference step (in radius units) for the
	// numerical derivative.
	Du float64
}

// New builds a Corrector with the default iteration cap and
// derivative step.
func New(oracle Oracle, reselsPerVoxel float64) (*Corrector, error) {
	if oracle == nil {
		return nil, fmt.Errorf("correction: nil oracle")
	}
	if reselsPerVoxel <= 0 {
		return nil, fmt.Errorf("correction: resels per voxel must be positive, got %g", reselsPerVoxel)
	}
	return &Corrector{
		Oracle:         oracle,
		ReselsPerVoxel: reselsPerVoxel,
		MaxIter:        50,
		Du:             1e-3,
	}, nil
}

// VoxelThreshold returns the voxel-level height threshold whose
// corrected peak p-value equals alpha, via the oracle's inverse.
func (c *Corrector) VoxelThreshold(alpha float64) (float64, error) {
	if alpha <= 0 || alpha >= 1 {
		return 0, fmt.Errorf("correction: alpha must be in (0,1), got %g", alpha)
	}
	return c.Oracle.HeightThreshold(alpha)
}

// ClusterExtent returns the cluster-extent threshold (in voxels) at
// cluster-defining threshold u for family-wise error rate alpha.
//
// search selects the mode: nil runs the automatic bracketed
// Newton-Raphson search; a single extent reports just that extent's
// p-value (JustPvalue); two or more extents are scanned in order and
// the first with p <= alpha is returned (OutOfRange if none reaches
// alpha).
func (c *Corrector) ClusterExtent(u, alpha float64, search []int) (ExtentResult, error) {
	if alpha <= 0 || alpha >= 1 {
		return ExtentResult{}, fmt.Errorf("correction: alpha must be in (0,1), got %g", alpha)
	}

	switch {
	case len(search) == 1:
		k := search[0]
		p, err := c.Oracle.ClusterFWE(float64(k)*c.ReselsPerVoxel, u)
		if err != nil {
			return ExtentResult{}, err
		}
		return ExtentResult{Voxels: k, Resels: float64(k) * c.ReselsPerVoxel, P: p, Status: JustPvalue}, nil
	case len(search) > 1:
		return c.scanExtents(u, alpha, search)
	}
	return c.searchExtent(u, alpha)
}

// scanExtents brute-forces an explicit list of candidate extents.
func (c *Corrector) scanExtents(u, alpha float64, search []int) (ExtentResult, error) {
	var last ExtentResult
	for _, k := range search {
		p, err := c.Oracle.ClusterFWE(float64(k)*c.ReselsPerVoxel, u)
		if err != nil {
			return ExtentResult{}, err
		}
		last = ExtentResult{Voxels: k, Resels: float64(k) * c.ReselsPerVoxel, P: p, Status: OK}
		if p <= alpha {
			return last, nil
		}
	}
	last.Status = OutOfRange
	return last, nil
}

// searchExtent runs the automatic search. The extent is parameterized
// as a cube-root "radius" (volume scales as radius cubed), bracketed
// geometrically and refined by Newton-Raphson on the radius with a
// finite-difference derivative.
func (c *Corrector) searchExtent(u, alpha float64) (ExtentResult, error) {
	pAt := func(rad float64) (float64, error) {
		return c.Oracle.ClusterFWE(rad*rad*rad, u)
	}

	// Shortcut: if one voxel is already significant the field is too
	// rough for an extent search to mean anything.
	pOne, err := c.Oracle.ClusterFWE(c.ReselsPerVoxel, u)
	if err != nil {
		return ExtentResult{}, err
	}
	if pOne <= alpha {
		return ExtentResult{Voxels: 1, Resels: c.ReselsPerVoxel, P: pOne, Status: TooRough}, nil
	}

	en, err := c.Oracle.ExpectedClusterResels(u)
	if err != nil {
		return ExtentResult{}, err
	}
	rad := math.Cbrt(en)

	// Bracket the solution: grow (or shrink) the radius by x1.1 until
	// alpha is crossed.
	lower, upper := rad, rad
	pLower, err := pAt(rad)
	if err != nil {
		return ExtentResult{}, err
	}
	pUpper := pLower
	for i := 0; ; i++ {
		if i >= 1000 {
			return c.finish(upper, pUpper, TooManyIter), nil
		}
		if pUpper < alpha {
			break
		}
		lower, pLower = upper, pUpper
		upper *= 1.1
		if pUpper, err = pAt(upper); err != nil {
			return ExtentResult{}, err
		}
	}
	for pLower < alpha {
		// Initial radius already past alpha; back off to find the
		// lower edge. Bounded below by the single-voxel extent,
		// which the TooRough check proved non-significant.
		upper, pUpper = lower, pLower
		lower /= 1.1
		if pLower, err = pAt(lower); err != nil {
			return ExtentResult{}, err
		}
	}

	// Linear interpolation inside the bracket for the initial guess.
	rad = lower
	if pLower != pUpper {
		rad = lower + (pLower-alpha)/(pLower-pUpper)*(upper-lower)
	}

	// Newton-Raphson refinement with a finite-difference derivative,
	// each step clipped in magnitude and clamped to the bracket.
	epsP := alpha * 1e-6
	maxStep := (upper - lower) / 2
	best, bestDiff := rad, math.Inf(1)
	var p float64
	for iter := 0; iter < c.MaxIter; iter++ {
		if p, err = pAt(rad); err != nil {
			return ExtentResult{}, err
		}
		diff := math.Abs(alpha - p)
		if diff < bestDiff {
			best, bestDiff = rad, diff
		}
		if diff < epsP {
			return c.finish(rad, p, OK), nil
		}
		pd, err := pAt(rad + c.Du)
		if err != nil {
			return ExtentResult{}, err
		}
		dPdr := (pd - p) / c.Du
		if dPdr == 0 {
			break
		}
		step := (p - alpha) / dPdr
		if step > maxStep {
			step = maxStep
		} else if step < -maxStep {
			step = -maxStep
		}
		rad -= step
		if rad < lower {
			rad = lower
		} else if rad > upper {
			rad = upper
		}
	}
	p, err = pAt(best)
	if err != nil {
		return ExtentResult{}, err
	}
	return c.finish(best, p, TooManyIter), nil
}

// finish converts a refined radius back to resels and voxels. The
// voxel count rounds up: the reported integer extent must keep the
// corrected p at or below alpha.
func (c *Corrector) finish(rad, p float64, status Status) ExtentResult {
	resels := rad * rad * rad
	voxels := int(math.Ceil(resels / c.ReselsPerVoxel))
	if voxels < 1 {
		voxels = 1
	}
	return ExtentResult{Voxels: voxels, Resels: resels, P: p, Status: status}
}
