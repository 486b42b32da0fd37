package peaks

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// Mode selects how the collapser resolves a pair of peaks closer than
// the minimum separation.
type Mode int

const (
	// Collapse merges the weaker peak into the stronger one: the
	// stronger peak's mm coordinate becomes the count-weighted
	// centroid and its Merged count absorbs the weaker peak's.
	Collapse Mode = iota

	// Eliminate removes the weaker peak outright.
	Eliminate
)

func (m Mode) String() string {
	switch m {
	case Collapse:
		return "collapse"
	case Eliminate:
		return "eliminate"
	default:
		return "unknown"
	}
}

// Collapser enforces a minimum pairwise mm separation between peaks
// of the same cluster. Merges and deletions never cross cluster
// boundaries.
type Collapser struct {
	// Separation is the minimum peak spacing in mm.
	Separation float64

	// Mode selects eliminate or collapse resolution.
	Mode Mode
}

// Apply returns the surviving peaks. At termination every pair of
// surviving peaks within a cluster is at least Separation apart, or
// the cluster holds a single peak. The input slice is not modified.
func (c *Collapser) Apply(in []Peak) ([]Peak, error) {
	if c.Separation < 0 {
		return nil, fmt.Errorf("peaks: negative separation %g", c.Separation)
	}
	if c.Separation == 0 || len(in) < 2 {
		out := make([]Peak, len(in))
		copy(out, in)
		return out, nil
	}

	// Partition by cluster, preserving detection order within each
	// group.
	order := make([]int32, 0, 8)
	groups := make(map[int32][]Peak)
	for _, p := range in {
		if _, ok := groups[p.Cluster]; !ok {
			order = append(order, p.Cluster)
		}
		groups[p.Cluster] = append(groups[p.Cluster], p)
	}

	var out []Peak
	for _, cl := range order {
		out = append(out, c.collapseGroup(groups[cl])...)
	}
	return out, nil
}

// collapseGroup repeatedly resolves the closest violating pair within
// one cluster's peaks until the separation invariant holds.
func (c *Collapser) collapseGroup(group []Peak) []Peak {
	for len(group) > 1 {
		dist := distanceMatrix(group)

		// Minimum strictly positive pairwise distance.
		minDist := math.Inf(1)
		for i := 0; i < len(group); i++ {
			for j := i + 1; j < len(group); j++ {
				if d := dist.At(i, j); d > 0 && d < minDist {
					minDist = d
				}
			}
		}
		if minDist >= c.Separation {
			break
		}

		// First violating pair in row-major scan order, so equal
		// distances always resolve the same way.
		vi, vj := -1, -1
	scan:
		for i := 0; i < len(group); i++ {
			for j := i + 1; j < len(group); j++ {
				if dist.At(i, j) == minDist {
					vi, vj = i, j
					break scan
				}
			}
		}

		weak, strong := vi, vj
		if group[vi].Value >= group[vj].Value {
			weak, strong = vj, vi
		}
		if c.Mode == Collapse {
			s, w := &group[strong], &group[weak]
			total := float64(s.Merged + w.Merged)
			for k := 0; k < 3; k++ {
				s.MM[k] = (s.MM[k]*float64(s.Merged) + w.MM[k]*float64(w.Merged)) / total
			}
			s.Merged += w.Merged
		}
		group = append(group[:weak], group[weak+1:]...)
	}
	return group
}

// distanceMatrix builds the full pairwise Euclidean distance matrix
// in mm over the group.
func distanceMatrix(group []Peak) *mat.SymDense {
	n := len(group)
	d := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			dx := group[i].MM[0] - group[j].MM[0]
			dy := group[i].MM[1] - group[j].MM[1]
			dz := group[i].MM[2] - group[j].MM[2]
			d.SetSym(i, j, math.Sqrt(dx*dx+dy*dy+dz*dz))
		}
	}
	return d
}
