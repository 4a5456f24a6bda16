// Package metric implements the similarity kernels used for ranking.
package metric

import (
	"math"

	"github.com/thebtf/vexdb/pkg/models"
)

// Result is the (score, distance) pair a kernel produces for one candidate.
type Result struct {
	Score    float64
	Distance float64
}

// Kernel computes score and distance for a query/candidate pair.
// Both vectors must have the same length; callers validate dimensions.
type Kernel func(q, v []float32) Result

// ForMetric returns the kernel for a metric. Unknown metrics fall back to cosine.
func ForMetric(m models.Metric) Kernel {
	switch m {
	case models.MetricEuclidean:
		return Euclidean
	case models.MetricManhattan:
		return Manhattan
	case models.MetricDot:
		return Dot
	case models.MetricHamming:
		return Hamming
	default:
		return Cosine
	}
}

// Cosine computes s = (q.v)/(|q||v|), d = 1-s. Zero-norm inputs score 0.
func Cosine(q, v []float32) Result {
	var dot, nq, nv float64
	for i := range q {
		dot += float64(q[i]) * float64(v[i])
		nq += float64(q[i]) * float64(q[i])
		nv += float64(v[i]) * float64(v[i])
	}
	if nq == 0 || nv == 0 {
		return Result{Score: 0, Distance: 1}
	}
	s := dot / (math.Sqrt(nq) * math.Sqrt(nv))
	return Result{Score: s, Distance: 1 - s}
}

// Dot computes s = q.v, d = -s.
func Dot(q, v []float32) Result {
	var dot float64
	for i := range q {
		dot += float64(q[i]) * float64(v[i])
	}
	return Result{Score: dot, Distance: -dot}
}

// Euclidean computes d = |q-v|2, s = 1/(1+d).
func Euclidean(q, v []float32) Result {
	var sum float64
	for i := range q {
		diff := float64(q[i]) - float64(v[i])
		sum += diff * diff
	}
	d := math.Sqrt(sum)
	return Result{Score: 1 / (1 + d), Distance: d}
}

// Manhattan computes d = sum |qi-vi|, s = 1/(1+d).
func Manhattan(q, v []float32) Result {
	var sum float64
	for i := range q {
		sum += math.Abs(float64(q[i]) - float64(v[i]))
	}
	return Result{Score: 1 / (1 + sum), Distance: sum}
}

// Hamming binarizes each component at 0.5 and computes the fraction of
// differing bits: d = differing/D, s = 1-d.
func Hamming(q, v []float32) Result {
	if len(q) == 0 {
		return Result{Score: 1, Distance: 0}
	}
	differ := 0
	for i := range q {
		if (q[i] > 0.5) != (v[i] > 0.5) {
			differ++
		}
	}
	d := float64(differ) / float64(len(q))
	return Result{Score: 1 - d, Distance: d}
}

// Better reports whether result a ranks ahead of result b under metric m.
// Cosine, dot, and hamming rank by score descending; euclidean and manhattan
// by distance ascending. Ties are broken by the caller using internal offset.
func Better(m models.Metric, a, b Result) bool {
	if m.SimilarityOrdered() {
		return a.Score > b.Score
	}
	return a.Distance < b.Distance
}
