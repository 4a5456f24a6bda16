package metric

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/thebtf/vexdb/pkg/models"
)

func TestCosine(t *testing.T) {
	tests := []struct {
		name     string
		q, v     []float32
		score    float64
		distance float64
	}{
		{
			name:     "identical",
			q:        []float32{1, 0, 0},
			v:        []float32{1, 0, 0},
			score:    1.0,
			distance: 0.0,
		},
		{
			name:     "orthogonal",
			q:        []float32{1, 0, 0},
			v:        []float32{0, 1, 0},
			score:    0.0,
			distance: 1.0,
		},
		{
			name:     "close",
			q:        []float32{1, 0, 0},
			v:        []float32{0.9, 0.1, 0},
			score:    0.9939,
			distance: 0.0061,
		},
		{
			name:     "zero norm",
			q:        []float32{0, 0, 0},
			v:        []float32{1, 2, 3},
			score:    0.0,
			distance: 1.0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := Cosine(tt.q, tt.v)
			assert.InDelta(t, tt.score, r.Score, 1e-3)
			assert.InDelta(t, tt.distance, r.Distance, 1e-3)
		})
	}
}

func TestEuclidean(t *testing.T) {
	r := Euclidean([]float32{0, 0}, []float32{3, 4})
	assert.InDelta(t, 5.0, r.Distance, 1e-6)
	assert.InDelta(t, 1.0/6.0, r.Score, 1e-3)

	r = Euclidean([]float32{0, 0}, []float32{0, 0})
	assert.InDelta(t, 0.0, r.Distance, 1e-9)
	assert.InDelta(t, 1.0, r.Score, 1e-9)
}

func TestManhattan(t *testing.T) {
	r := Manhattan([]float32{1, 2}, []float32{4, -2})
	assert.InDelta(t, 7.0, r.Distance, 1e-6)
	assert.InDelta(t, 1.0/8.0, r.Score, 1e-6)
}

func TestDot(t *testing.T) {
	r := Dot([]float32{1, 2, 3}, []float32{4, 5, 6})
	assert.InDelta(t, 32.0, r.Score, 1e-6)
	assert.InDelta(t, -32.0, r.Distance, 1e-6)
}

func TestHamming(t *testing.T) {
	tests := []struct {
		name     string
		q, v     []float32
		distance float64
	}{
		{"identical binary", []float32{1, 0, 1, 0}, []float32{1, 0, 1, 0}, 0.0},
		{"all differ", []float32{1, 1, 1, 1}, []float32{0, 0, 0, 0}, 1.0},
		{"half differ", []float32{1, 1, 0, 0}, []float32{1, 0, 1, 0}, 0.5},
		{"threshold at 0.5", []float32{0.6, 0.4}, []float32{0.7, 0.3}, 0.0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := Hamming(tt.q, tt.v)
			assert.InDelta(t, tt.distance, r.Distance, 1e-9)
			assert.InDelta(t, 1-tt.distance, r.Score, 1e-9)
		})
	}
}

func TestBetter(t *testing.T) {
	hi := Result{Score: 0.9, Distance: 0.1}
	lo := Result{Score: 0.2, Distance: 0.8}

	assert.True(t, Better(models.MetricCosine, hi, lo))
	assert.False(t, Better(models.MetricCosine, lo, hi))

	// Distance metrics rank by ascending distance.
	assert.True(t, Better(models.MetricEuclidean, hi, lo))
	assert.False(t, Better(models.MetricManhattan, lo, hi))
}

func TestForMetric(t *testing.T) {
	q := []float32{1, 0}
	v := []float32{0, 1}

	assert.Equal(t, Cosine(q, v), ForMetric(models.MetricCosine)(q, v))
	assert.Equal(t, Euclidean(q, v), ForMetric(models.MetricEuclidean)(q, v))
	assert.Equal(t, Dot(q, v), ForMetric(models.MetricDot)(q, v))
	// Unknown metric falls back to cosine.
	assert.Equal(t, Cosine(q, v), ForMetric(models.Metric("bogus"))(q, v))
}
