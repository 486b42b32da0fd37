// Package report ranks clusters, orders peaks and assembles the final
// results table, attaching region names from an injected atlas lookup.
package report

import (
	"fmt"
	"io"
	"sort"

	"gonum.org/v1/gonum/stat"

	"statmap3d/pkg/labeling"
	"statmap3d/pkg/peaks"
)

// NoLabel is the region name attached when no atlas is available or
// the atlas has no entry for a voxel.
const NoLabel = "No Label"

// Atlas maps a voxel coordinate to an anatomical region name. It is
// an external collaborator; nil is allowed.
type Atlas func(voxel [3]int) string

// Row is one line of the results table.
type Row struct {
	Region  string
	Extent  int
	Value   float64
	MM      [3]float64
	Voxel   [3]int
	Cluster int32
	Rank    int
	Merged  int
}

// Table is the ordered peak table: clusters by descending maximum
// statistic, peaks within a cluster by descending statistic.
type Table struct {
	Rows []Row
}

// Summary holds per-table aggregate statistics.
type Summary struct {
	Clusters  int
	Peaks     int
	MaxValue  float64
	MeanValue float64
}

// Assembler builds tables from collapsed peaks.
type Assembler struct {
	// Atlas supplies region names; nil yields NoLabel everywhere.
	Atlas Atlas
}

// Assemble ranks the clusters of the given peaks by their maximum
// contained statistic (rank 1 = highest), sorts peaks within each
// cluster by descending statistic, attaches region labels and cluster
// extents, and returns the final table. The input peaks are final
// and immutable from the caller's perspective; Assemble copies them.
func (a *Assembler) Assemble(ps []peaks.Peak, m *labeling.FilteredMap) *Table {
	// Cluster rank by maximum contained statistic, descending.
	maxByCluster := make(map[int32]float64)
	var clusters []int32
	for _, p := range ps {
		v, ok := maxByCluster[p.Cluster]
		if !ok {
			clusters = append(clusters, p.Cluster)
			maxByCluster[p.Cluster] = p.Value
		} else if p.Value > v {
			maxByCluster[p.Cluster] = p.Value
		}
	}
	sort.SliceStable(clusters, func(i, j int) bool {
		return maxByCluster[clusters[i]] > maxByCluster[clusters[j]]
	})
	rank := make(map[int32]int, len(clusters))
	for i, cl := range clusters {
		rank[cl] = i + 1
	}

	ordered := make([]peaks.Peak, len(ps))
	copy(ordered, ps)
	sort.SliceStable(ordered, func(i, j int) bool {
		ri, rj := rank[ordered[i].Cluster], rank[ordered[j].Cluster]
		if ri != rj {
			return ri < rj
		}
		return ordered[i].Value > ordered[j].Value
	})

	t := &Table{Rows: make([]Row, 0, len(ordered))}
	for _, p := range ordered {
		region := NoLabel
		if a.Atlas != nil {
			if r := a.Atlas(p.Voxel); r != "" {
				region = r
			}
		}
		extent := 0
		if m != nil {
			extent = m.Labels.Size(m.FlatIndex(p.Voxel))
		}
		t.Rows = append(t.Rows, Row{
			Region:  region,
			Extent:  extent,
			Value:   p.Value,
			MM:      p.MM,
			Voxel:   p.Voxel,
			Cluster: p.Cluster,
			Rank:    rank[p.Cluster],
			Merged:  p.Merged,
		})
	}
	return t
}

// Summarize aggregates the table's statistics.
func (t *Table) Summarize() Summary {
	s := Summary{Peaks: len(t.Rows)}
	if len(t.Rows) == 0 {
		return s
	}
	values := make([]float64, len(t.Rows))
	seen := make(map[int32]bool)
	for i, r := range t.Rows {
		values[i] = r.Value
		seen[r.Cluster] = true
	}
	s.Clusters = len(seen)
	s.MaxValue = values[0]
	for _, v := range values {
		if v > s.MaxValue {
			s.MaxValue = v
		}
	}
	s.MeanValue = stat.Mean(values, nil)
	return s
}

// Write renders the table in a fixed-width layout:
// region, cluster extent, statistic, x, y, z (mm).
func (t *Table) Write(w io.Writer) error {
	if _, err := fmt.Fprintf(w, "%-28s %8s %10s %8s %8s %8s\n", "Region", "Extent", "Value", "x(mm)", "y(mm)", "z(mm)"); err != nil {
		return err
	}
	for _, r := range t.Rows {
		if _, err := fmt.Fprintf(w, "%-28s %8d %10.3f %8.1f %8.1f %8.1f\n",
			r.Region, r.Extent, r.Value, r.MM[0], r.MM[1], r.MM[2]); err != nil {
			return err
		}
	}
	return nil
}
