package index

import (
	"sort"
	"time"

	"github.com/thebtf/vexdb/internal/metric"
	"github.com/thebtf/vexdb/pkg/models"
	"github.com/thebtf/vexdb/pkg/verrors"
)

// Flat is the brute-force index: every search scans all vectors with the
// exact metric kernel. It is also the fallback when an approximate index
// is untrained or too small to pay off.
type Flat struct {
	metricName models.Metric
	kernel     metric.Kernel

	ids       []string
	vecs      [][]float32
	buildTime time.Duration
}

// NewFlat creates an empty Flat index for the given metric.
func NewFlat(m models.Metric) *Flat {
	return &Flat{metricName: m, kernel: metric.ForMetric(m)}
}

func (f *Flat) Kind() models.IndexKind { return models.IndexFlat }

// Build retains the id and vector slices.
func (f *Flat) Build(ids []string, vecs [][]float32) error {
	if len(ids) != len(vecs) {
		return verrors.New(verrors.CodeIndexing, "ids/vectors length mismatch: %d vs %d", len(ids), len(vecs))
	}
	start := time.Now()
	f.ids = ids
	f.vecs = vecs
	f.buildTime = time.Since(start)
	return nil
}

// Search scans every vector and returns the k best under the metric's
// native ordering. Equal scores break ties by id for determinism.
func (f *Flat) Search(query []float32, k int, _ Params) ([]Candidate, error) {
	if k <= 0 {
		return nil, nil
	}
	out := make([]Candidate, 0, len(f.ids))
	for i, id := range f.ids {
		out = append(out, rescore(f.kernel, query, f.vecs[i], id))
	}
	sortCandidates(f.metricName, out)
	if len(out) > k {
		out = out[:k]
	}
	return out, nil
}

func (f *Flat) Stats() models.IndexStats {
	var bytes int64
	for _, v := range f.vecs {
		bytes += int64(len(v)) * 4
	}
	return models.IndexStats{
		Kind:         models.IndexFlat,
		VectorCount:  len(f.ids),
		SizeBytes:    bytes,
		BuildSeconds: f.buildTime.Seconds(),
		Trained:      true,
	}
}

// sortCandidates orders hits best-first for the metric: similarity metrics
// by score descending, distance metrics by distance ascending.
func sortCandidates(m models.Metric, cands []Candidate) {
	similarity := m.SimilarityOrdered()
	sort.Slice(cands, func(i, j int) bool {
		a, b := cands[i], cands[j]
		if similarity {
			if a.Score != b.Score {
				return a.Score > b.Score
			}
		} else {
			if a.Distance != b.Distance {
				return a.Distance < b.Distance
			}
		}
		return a.ID < b.ID
	})
}
