// Package index provides the per-dataset nearest-neighbor indexes: a Flat
// brute-force scan, an HNSW proximity graph, and an IVF inverted-file
// index, plus the Registry that owns one index per dataset and applies the
// selection policy at query time.
package index

import (
	"github.com/thebtf/vexdb/internal/metric"
	"github.com/thebtf/vexdb/pkg/models"
)

// Candidate is one index hit, rescored with the exact metric kernel.
type Candidate struct {
	ID       string
	Score    float64
	Distance float64
}

// Params are the per-request search knobs, already bounded by the
// Registry. Zero values mean engine defaults.
type Params struct {
	EfSearch int
	Nprobe   int
}

// Index is the capability set shared by all index variants. Build replaces
// the index contents wholesale; implementations are safe for concurrent
// Search during and after Build because the Registry swaps whole instances
// rather than mutating a live one.
type Index interface {
	Kind() models.IndexKind
	Build(ids []string, vecs [][]float32) error
	Search(query []float32, k int, p Params) ([]Candidate, error)
	Stats() models.IndexStats
}

// rescore produces final candidate scores using the exact kernel so that
// approximate indexes report the same numbers a Flat scan would.
func rescore(k metric.Kernel, query, vec []float32, id string) Candidate {
	r := k(query, vec)
	return Candidate{ID: id, Score: r.Score, Distance: r.Distance}
}
