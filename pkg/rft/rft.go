// Package rft implements the random-field-theory probability oracle:
// family-wise corrected p-values for peak heights and cluster extents
// in smooth Gaussian and Student-t statistic fields, following the
// Euler-characteristic density results of Worsley et al. (1996) and
// the Poisson clumping heuristic of Friston et al. (1994).
//
// The correction package consumes this through a small interface, so
// callers with their own probability model can substitute it.
package rft

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"

	"statmap3d/pkg/volume"
)

// ErrUnsupportedKind is returned for statistic kinds the built-in
// oracle has no Euler-characteristic densities for (currently F).
var ErrUnsupportedKind = errors.New("rft: statistic kind not supported by built-in oracle")

// ErrMissingDF is returned when a T field is constructed without
// degrees of freedom. Callers typically treat this as "correction
// disabled" rather than a fatal condition.
var ErrMissingDF = errors.New("rft: statistic kind requires degrees of freedom")

// eps clamps Euler-characteristic densities away from zero; at low
// thresholds a density can go negative and would corrupt the
// expectations downstream.
const eps = 2.220446049250313e-16

// Field describes a smooth statistic field over a 3D search volume.
type Field struct {
	// Kind is the statistic type (Gaussian or T).
	Kind volume.StatKind

	// DF is the (error) degrees of freedom; required for T fields.
	DF float64

	// Resels holds the resel counts of the search volume per
	// dimension 0..3. For a cuboid use ReselsBox.
	Resels [4]float64

	// ReselsPerVoxel converts cluster extents between resels and
	// voxels: extentResels = extentVoxels * ReselsPerVoxel.
	ReselsPerVoxel float64

	// Conjunctions is the number of conjoined maps (n >= 1).
	Conjunctions int
}

// NewField validates the inputs and builds a Field.
func NewField(kind volume.StatKind, df float64, resels [4]float64, reselsPerVoxel float64, conjunctions int) (*Field, error) {
	if kind == volume.StatF {
		return nil, ErrUnsupportedKind
	}
	if kind.NeedsDF() && df <= 0 {
		return nil, ErrMissingDF
	}
	if df < 0 {
		return nil, fmt.Errorf("rft: negative degrees of freedom %g", df)
	}
	if resels[3] <= 0 {
		return nil, fmt.Errorf("rft: 3D resel count must be positive, got %g", resels[3])
	}
	if reselsPerVoxel <= 0 {
		return nil, fmt.Errorf("rft: resels per voxel must be positive, got %g", reselsPerVoxel)
	}
	if conjunctions < 1 {
		conjunctions = 1
	}
	return &Field{
		Kind:           kind,
		DF:             df,
		Resels:         resels,
		ReselsPerVoxel: reselsPerVoxel,
		Conjunctions:   conjunctions,
	}, nil
}

// ReselsBox returns the resel counts of a cuboid search region with
// the given size in voxels, voxel size in mm and smoothness FWHM in
// mm per axis.
func ReselsBox(nx, ny, nz int, voxmm, fwhm [3]float64) [4]float64 {
	rx := float64(nx) * voxmm[0] / fwhm[0]
	ry := float64(ny) * voxmm[1] / fwhm[1]
	rz := float64(nz) * voxmm[2] / fwhm[2]
	return [4]float64{
		1,
		rx + ry + rz,
		rx*ry + rx*rz + ry*rz,
		rx * ry * rz,
	}
}

// ecDensities returns the Euler-characteristic densities rho_0..rho_3
// at threshold u, clamped to a small positive floor.
func (f *Field) ecDensities(u float64) ([4]float64, error) {
	const a = 4 * math.Ln2
	var ec [4]float64
	switch f.Kind {
	case volume.StatGaussian:
		b := math.Exp(-u * u / 2)
		norm := distuv.Normal{Mu: 0, Sigma: 1}
		ec[0] = 1 - norm.CDF(u)
		ec[1] = math.Sqrt(a) / (2 * math.Pi) * b
		ec[2] = a / math.Pow(2*math.Pi, 1.5) * b * u
		ec[3] = math.Pow(a, 1.5) / (4 * math.Pi * math.Pi) * b * (u*u - 1)
	case volume.StatT:
		v := f.DF
		if v <= 0 {
			return ec, ErrMissingDF
		}
		st := distuv.StudentsT{Mu: 0, Sigma: 1, Nu: v}
		base := math.Pow(1+u*u/v, -(v-1)/2)
		lg1, _ := math.Lgamma((v + 1) / 2)
		lg2, _ := math.Lgamma(v / 2)
		gammaRatio := math.Exp(lg1-lg2) / math.Sqrt(v/2)
		ec[0] = 1 - st.CDF(u)
		ec[1] = math.Sqrt(a) / (2 * math.Pi) * base
		ec[2] = a / math.Pow(2*math.Pi, 1.5) * base * u * gammaRatio
		ec[3] = math.Pow(a, 1.5) / (4 * math.Pi * math.Pi) * base * ((v-1)/v*u*u - 1)
	default:
		return ec, ErrUnsupportedKind
	}
	for i := range ec {
		if ec[i] < eps {
			ec[i] = eps
		}
	}
	return ec, nil
}

// P returns the family-wise corrected p-value of observing c or more
// clusters of extent >= kResels resels above threshold u. kResels = 0
// gives the peak-height (set-level height) correction.
func (f *Field) P(c int, kResels, u float64) (float64, error) {
	if c < 1 {
		c = 1
	}
	em, en, err := f.expectations(u)
	if err != nil {
		return 0, err
	}

	// Cluster-size tail under the Poisson clumping heuristic.
	p := 1.0
	if kResels > 0 {
		const d = 3.0
		beta := math.Pow(math.Gamma(d/2+1)/en, 2/d)
		p = math.Exp(-beta * math.Pow(kResels, 2/d))
	}

	pois := distuv.Poisson{Lambda: em*p + eps}
	fwe := 1 - pois.CDF(float64(c-1))
	if fwe < 0 {
		fwe = 0
	}
	if fwe > 1 {
		fwe = 1
	}
	return fwe, nil
}

// PeakFWE returns the corrected p-value for a single peak of height u.
func (f *Field) PeakFWE(u float64) (float64, error) {
	return f.P(1, 0, u)
}

// ClusterFWE returns the corrected p-value for a single cluster of
// the given extent (in resels) at cluster-defining threshold u.
func (f *Field) ClusterFWE(kResels, u float64) (float64, error) {
	return f.P(1, kResels, u)
}

// ExpectedClusterResels returns En, the expected cluster size in
// resels at threshold u. This anchors the extent search radius.
func (f *Field) ExpectedClusterResels(u float64) (float64, error) {
	_, en, err := f.expectations(u)
	return en, err
}

// expectations computes Em (expected number of maxima across the
// search volume, conjunction-adjusted) and En (expected cluster size
// in resels) at threshold u.
func (f *Field) expectations(u float64) (em, en float64, err error) {
	ec, err := f.ecDensities(u)
	if err != nil {
		return 0, 0, err
	}

	// g[d] = sqrt(pi) / Gamma((d+1)/2)
	var g [4]float64
	for d := 0; d < 4; d++ {
		g[d] = math.SqrtPi / math.Gamma(float64(d+1)/2)
	}

	// Upper-triangular Toeplitz of EC.*G raised to the number of
	// conjunctions; its first row carries the conjoined densities.
	m := mat.NewDense(4, 4, nil)
	for i := 0; i < 4; i++ {
		for j := i; j < 4; j++ {
			m.Set(i, j, ec[j-i]*g[j-i])
		}
	}
	var pow mat.Dense
	pow.Pow(m, f.Conjunctions)

	var emd [4]float64
	for d := 0; d < 4; d++ {
		emd[d] = f.Resels[d] / g[d] * pow.At(0, d)
		em += emd[d]
	}
	en = pow.At(0, 0) * f.Resels[3] / emd[3]
	return em, en, nil
}

// HeightThreshold returns the voxel-level threshold u at which the
// corrected peak p-value equals alpha. This is the oracle's inverse
// used for voxel-wise FWE correction; PeakFWE is strictly decreasing
// in u so a bracketed bisection converges unconditionally.
func (f *Field) HeightThreshold(alpha float64) (float64, error) {
	if alpha <= 0 || alpha >= 1 {
		return 0, fmt.Errorf("rft: alpha must be in (0,1), got %g", alpha)
	}

	lo, hi := 0.0, 8.0
	pHi, err := f.PeakFWE(hi)
	if err != nil {
		return 0, err
	}
	for pHi > alpha {
		lo = hi
		hi *= 2
		if hi > 1e6 {
			return 0, fmt.Errorf("rft: no height threshold below %g for alpha %g", hi, alpha)
		}
		if pHi, err = f.PeakFWE(hi); err != nil {
			return 0, err
		}
	}
	for i := 0; i < 200 && hi-lo > 1e-10; i++ {
		mid := (lo + hi) / 2
		p, err := f.PeakFWE(mid)
		if err != nil {
			return 0, err
		}
		if p > alpha {
			lo = mid
		} else {
			hi = mid
		}
	}
	return (lo + hi) / 2, nil
}
