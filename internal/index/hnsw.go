package index

import (
	"math"
	"sync"
	"time"

	"github.com/coder/hnsw"

	"github.com/thebtf/vexdb/internal/metric"
	"github.com/thebtf/vexdb/pkg/models"
	"github.com/thebtf/vexdb/pkg/verrors"
)

// HNSWParams tune the proximity graph.
type HNSWParams struct {
	M              int
	EfConstruction int
	EfSearch       int
}

// Defaults before auto-scaling is applied.
const (
	DefaultM              = 16
	DefaultEfConstruction = 200
	DefaultEfSearch       = 50
)

// AutoHNSWParams scales graph parameters to the collection size: small
// collections get a cheaper graph, very large ones a denser one.
func AutoHNSWParams(n int) HNSWParams {
	p := HNSWParams{M: DefaultM, EfConstruction: DefaultEfConstruction, EfSearch: DefaultEfSearch}
	switch {
	case n < 10_000:
		if p.M > 8 {
			p.M = 8
		}
		if p.EfConstruction > 100 {
			p.EfConstruction = 100
		}
	case n > 1_000_000:
		if p.M < 32 {
			p.M = 32
		}
		if p.EfConstruction < 400 {
			p.EfConstruction = 400
		}
	}
	return p
}

// HNSW wraps a coder/hnsw graph. String vector ids are mapped to dense
// uint64 keys; candidates are rescored with the exact kernel so scores
// match a Flat scan.
type HNSW struct {
	metricName models.Metric
	kernel     metric.Kernel
	params     HNSWParams

	mu       sync.RWMutex
	graph    *hnsw.Graph[uint64]
	keyToID  map[uint64]string
	vecs     [][]float32
	count    int
	buildDur time.Duration
}

// NewHNSW creates an empty graph index for the given metric.
func NewHNSW(m models.Metric, params HNSWParams) *HNSW {
	if params.M <= 0 {
		params.M = DefaultM
	}
	if params.EfConstruction <= 0 {
		params.EfConstruction = DefaultEfConstruction
	}
	if params.EfSearch <= 0 {
		params.EfSearch = DefaultEfSearch
	}
	return &HNSW{metricName: m, kernel: metric.ForMetric(m), params: params}
}

func (h *HNSW) Kind() models.IndexKind { return models.IndexHNSW }

// Build constructs a fresh graph over the given vectors.
func (h *HNSW) Build(ids []string, vecs [][]float32) error {
	if len(ids) != len(vecs) {
		return verrors.New(verrors.CodeIndexing, "ids/vectors length mismatch: %d vs %d", len(ids), len(vecs))
	}
	start := time.Now()

	graph := hnsw.NewGraph[uint64]()
	graph.M = h.params.M
	graph.EfSearch = h.params.EfConstruction
	graph.Ml = 1.0 / math.Log(float64(h.params.M))
	graph.Distance = graphDistance(h.metricName)

	keyToID := make(map[uint64]string, len(ids))
	for i, id := range ids {
		key := uint64(i)
		graph.Add(hnsw.MakeNode(key, vecs[i]))
		keyToID[key] = id
	}
	graph.EfSearch = h.params.EfSearch

	h.mu.Lock()
	h.graph = graph
	h.keyToID = keyToID
	h.vecs = vecs
	h.count = len(ids)
	h.buildDur = time.Since(start)
	h.mu.Unlock()
	return nil
}

// Search walks the graph and rescores hits with the exact kernel. A
// per-request ef mutates the shared graph, so those searches take the
// write lock and restore the build-time ef before releasing it.
func (h *HNSW) Search(query []float32, k int, p Params) ([]Candidate, error) {
	if p.EfSearch > 0 {
		h.mu.Lock()
		defer h.mu.Unlock()
	} else {
		h.mu.RLock()
		defer h.mu.RUnlock()
	}
	if h.graph == nil || h.graph.Len() == 0 || k <= 0 {
		return nil, nil
	}
	if p.EfSearch > 0 {
		prev := h.graph.EfSearch
		h.graph.EfSearch = p.EfSearch
		defer func() { h.graph.EfSearch = prev }()
	}

	nodes := h.graph.Search(query, k)
	out := make([]Candidate, 0, len(nodes))
	for _, node := range nodes {
		id, ok := h.keyToID[node.Key]
		if !ok {
			continue
		}
		out = append(out, rescore(h.kernel, query, node.Value, id))
	}
	sortCandidates(h.metricName, out)
	return out, nil
}

func (h *HNSW) Stats() models.IndexStats {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var bytes int64
	for _, v := range h.vecs {
		// vector payload plus M neighbor links per node
		bytes += int64(len(v))*4 + int64(h.params.M)*8
	}
	return models.IndexStats{
		Kind:         models.IndexHNSW,
		VectorCount:  h.count,
		SizeBytes:    bytes,
		BuildSeconds: h.buildDur.Seconds(),
		Parameters: map[string]int{
			"m":               h.params.M,
			"ef_construction": h.params.EfConstruction,
			"ef_search":       h.params.EfSearch,
		},
		Trained: h.graph != nil,
	}
}

// graphDistance maps a dataset metric onto the distance the graph walks.
// Negated dot keeps larger products closer; the exact rescore restores the
// reported numbers afterwards.
func graphDistance(m models.Metric) hnsw.DistanceFunc {
	switch m {
	case models.MetricEuclidean:
		return hnsw.EuclideanDistance
	case models.MetricCosine:
		return hnsw.CosineDistance
	default:
		kernel := metric.ForMetric(m)
		return func(a, b hnsw.Vector) float32 {
			return float32(kernel(a, b).Distance)
		}
	}
}
