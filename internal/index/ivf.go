package index

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/thebtf/vexdb/internal/metric"
	"github.com/thebtf/vexdb/pkg/models"
	"github.com/thebtf/vexdb/pkg/verrors"
)

// IVFParams tune the inverted-file index.
type IVFParams struct {
	Nlist  int
	Nprobe int
}

const (
	DefaultNprobe   = 10
	kmeansMaxIters  = 20
	kmeansTolerance = 1e-4
)

// NlistFor sizes the coarse quantizer for a collection of n vectors.
func NlistFor(n int) int {
	return clamp(n/100, 100, 4096)
}

// NprobeFor sizes the default query width for a collection of n vectors.
func NprobeFor(n int) int {
	return clamp(n/1000, 10, 128)
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// IVF partitions vectors into nlist clusters around k-means centroids; a
// search scans only the nprobe clusters whose centroids lie closest to the
// query, then rescores members with the exact kernel.
type IVF struct {
	metricName models.Metric
	kernel     metric.Kernel
	params     IVFParams

	mu        sync.RWMutex
	centroids [][]float32
	postings  [][]int // row indexes per centroid
	ids       []string
	vecs      [][]float32
	trained   bool
	buildDur  time.Duration
}

// NewIVF creates an untrained inverted-file index for the given metric.
func NewIVF(m models.Metric, params IVFParams) *IVF {
	if params.Nprobe <= 0 {
		params.Nprobe = DefaultNprobe
	}
	return &IVF{metricName: m, kernel: metric.ForMetric(m), params: params}
}

func (ivf *IVF) Kind() models.IndexKind { return models.IndexIVF }

// Build trains the quantizer over all vectors and assigns each vector to
// its nearest centroid. nlist collapses to the collection size when the
// collection is smaller than the requested cluster count.
func (ivf *IVF) Build(ids []string, vecs [][]float32) error {
	if len(ids) != len(vecs) {
		return verrors.New(verrors.CodeIndexing, "ids/vectors length mismatch: %d vs %d", len(ids), len(vecs))
	}
	start := time.Now()

	nlist := ivf.params.Nlist
	if nlist <= 0 {
		nlist = NlistFor(len(vecs))
	}
	if nlist > len(vecs) {
		nlist = len(vecs)
	}

	var centroids [][]float32
	var postings [][]int
	if nlist > 0 {
		centroids = kmeans(vecs, nlist)
		postings = make([][]int, len(centroids))
		for i, v := range vecs {
			c := nearestCentroid(centroids, v)
			postings[c] = append(postings[c], i)
		}
	}

	ivf.mu.Lock()
	ivf.centroids = centroids
	ivf.postings = postings
	ivf.ids = ids
	ivf.vecs = vecs
	ivf.trained = len(centroids) > 0
	ivf.params.Nlist = nlist
	ivf.buildDur = time.Since(start)
	ivf.mu.Unlock()
	return nil
}

// Search probes the clusters nearest the query and rescores their members.
func (ivf *IVF) Search(query []float32, k int, p Params) ([]Candidate, error) {
	ivf.mu.RLock()
	defer ivf.mu.RUnlock()
	if !ivf.trained || k <= 0 {
		return nil, nil
	}

	nprobe := p.Nprobe
	if nprobe <= 0 {
		nprobe = ivf.params.Nprobe
	}
	if nprobe > len(ivf.centroids) {
		nprobe = len(ivf.centroids)
	}

	// Rank centroids by squared euclidean distance to the query.
	type centroidDist struct {
		idx  int
		dist float64
	}
	dists := make([]centroidDist, len(ivf.centroids))
	for i, c := range ivf.centroids {
		dists[i] = centroidDist{idx: i, dist: squaredDistance(query, c)}
	}
	sort.Slice(dists, func(i, j int) bool { return dists[i].dist < dists[j].dist })

	var out []Candidate
	for _, cd := range dists[:nprobe] {
		for _, row := range ivf.postings[cd.idx] {
			out = append(out, rescore(ivf.kernel, query, ivf.vecs[row], ivf.ids[row]))
		}
	}
	sortCandidates(ivf.metricName, out)
	if len(out) > k {
		out = out[:k]
	}
	return out, nil
}

func (ivf *IVF) Stats() models.IndexStats {
	ivf.mu.RLock()
	defer ivf.mu.RUnlock()
	var bytes int64
	for _, v := range ivf.vecs {
		bytes += int64(len(v)) * 4
	}
	for _, c := range ivf.centroids {
		bytes += int64(len(c)) * 4
	}
	return models.IndexStats{
		Kind:         models.IndexIVF,
		VectorCount:  len(ivf.ids),
		SizeBytes:    bytes,
		BuildSeconds: ivf.buildDur.Seconds(),
		Parameters: map[string]int{
			"nlist":  ivf.params.Nlist,
			"nprobe": ivf.params.Nprobe,
		},
		Trained: ivf.trained,
	}
}

// kmeans runs Lloyd's algorithm with deterministic stride-sampled seeds.
func kmeans(vecs [][]float32, k int) [][]float32 {
	n := len(vecs)
	dims := len(vecs[0])

	centroids := make([][]float32, k)
	stride := n / k
	if stride == 0 {
		stride = 1
	}
	for i := 0; i < k; i++ {
		seed := vecs[(i*stride)%n]
		centroids[i] = append([]float32(nil), seed...)
	}

	assign := make([]int, n)
	for iter := 0; iter < kmeansMaxIters; iter++ {
		for i, v := range vecs {
			assign[i] = nearestCentroid(centroids, v)
		}

		sums := make([][]float64, k)
		counts := make([]int, k)
		for i := range sums {
			sums[i] = make([]float64, dims)
		}
		for i, v := range vecs {
			c := assign[i]
			counts[c]++
			for d, x := range v {
				sums[c][d] += float64(x)
			}
		}

		var shift float64
		for c := range centroids {
			if counts[c] == 0 {
				// Reseed an empty cluster from a spread-out member.
				centroids[c] = append(centroids[c][:0], vecs[(c*7+iter)%n]...)
				continue
			}
			for d := range centroids[c] {
				updated := float32(sums[c][d] / float64(counts[c]))
				delta := float64(updated - centroids[c][d])
				shift += delta * delta
				centroids[c][d] = updated
			}
		}
		if shift < kmeansTolerance {
			break
		}
	}
	return centroids
}

func nearestCentroid(centroids [][]float32, v []float32) int {
	best, bestDist := 0, math.Inf(1)
	for i, c := range centroids {
		if d := squaredDistance(v, c); d < bestDist {
			best, bestDist = i, d
		}
	}
	return best
}

func squaredDistance(a, b []float32) float64 {
	var sum float64
	for i := range a {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return sum
}
