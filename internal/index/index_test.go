package index

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thebtf/vexdb/pkg/models"
)

func axisVectors(n, dims int) ([]string, [][]float32) {
	rng := rand.New(rand.NewSource(42))
	ids := make([]string, n)
	vecs := make([][]float32, n)
	for i := range ids {
		ids[i] = fmt.Sprintf("v%04d", i)
		v := make([]float32, dims)
		for d := range v {
			v[d] = rng.Float32()
		}
		vecs[i] = v
	}
	return ids, vecs
}

func TestFlatSearchCosine(t *testing.T) {
	f := NewFlat(models.MetricCosine)
	require.NoError(t, f.Build(
		[]string{"x", "y", "near-x"},
		[][]float32{{1, 0, 0}, {0, 1, 0}, {0.9, 0.1, 0}},
	))

	got, err := f.Search([]float32{1, 0, 0}, 2, Params{})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "x", got[0].ID)
	assert.InDelta(t, 1.0, got[0].Score, 1e-9)
	assert.Equal(t, "near-x", got[1].ID)
	assert.InDelta(t, 0.9939, got[1].Score, 1e-4)
}

func TestFlatSearchEuclideanOrdersByDistance(t *testing.T) {
	f := NewFlat(models.MetricEuclidean)
	require.NoError(t, f.Build(
		[]string{"far", "close"},
		[][]float32{{3, 4}, {0.1, 0}},
	))

	got, err := f.Search([]float32{0, 0}, 2, Params{})
	require.NoError(t, err)
	assert.Equal(t, "close", got[0].ID)
	assert.Equal(t, "far", got[1].ID)
	assert.InDelta(t, 5.0, got[1].Distance, 1e-9)
	assert.InDelta(t, 1.0/6.0, got[1].Score, 1e-9)
}

func TestFlatTieBreaksByID(t *testing.T) {
	f := NewFlat(models.MetricCosine)
	require.NoError(t, f.Build(
		[]string{"b", "a"},
		[][]float32{{1, 0}, {1, 0}},
	))
	got, err := f.Search([]float32{1, 0}, 2, Params{})
	require.NoError(t, err)
	assert.Equal(t, "a", got[0].ID)
	assert.Equal(t, "b", got[1].ID)
}

func TestAutoHNSWParams(t *testing.T) {
	tests := []struct {
		n         int
		maxM      int
		maxEfCons int
		minM      int
		minEfCons int
	}{
		{n: 500, maxM: 8, maxEfCons: 100},
		{n: 50_000, maxM: DefaultM, maxEfCons: DefaultEfConstruction},
		{n: 2_000_000, minM: 32, minEfCons: 400},
	}
	for _, tt := range tests {
		p := AutoHNSWParams(tt.n)
		if tt.maxM > 0 {
			assert.LessOrEqual(t, p.M, tt.maxM, "n=%d", tt.n)
			assert.LessOrEqual(t, p.EfConstruction, tt.maxEfCons, "n=%d", tt.n)
		}
		if tt.minM > 0 {
			assert.GreaterOrEqual(t, p.M, tt.minM, "n=%d", tt.n)
			assert.GreaterOrEqual(t, p.EfConstruction, tt.minEfCons, "n=%d", tt.n)
		}
	}
}

func TestHNSWRecallOnSmallSet(t *testing.T) {
	ids, vecs := axisVectors(200, 8)
	h := NewHNSW(models.MetricCosine, AutoHNSWParams(len(ids)))
	require.NoError(t, h.Build(ids, vecs))

	// Query with an exact stored vector; the graph must surface it first.
	got, err := h.Search(vecs[17], 5, Params{EfSearch: 100})
	require.NoError(t, err)
	require.NotEmpty(t, got)
	assert.Equal(t, ids[17], got[0].ID)
	assert.InDelta(t, 1.0, got[0].Score, 1e-6)
}

func TestHNSWConcurrentEfSearch(t *testing.T) {
	ids, vecs := axisVectors(200, 8)
	h := NewHNSW(models.MetricCosine, AutoHNSWParams(len(ids)))
	require.NoError(t, h.Build(ids, vecs))

	// Mixed default and per-request ef searches must not interfere.
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(ef int) {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				got, err := h.Search(vecs[i], 3, Params{EfSearch: ef})
				assert.NoError(t, err)
				assert.NotEmpty(t, got)
			}
		}(g * 20) // ef 0 uses the build-time default
	}
	wg.Wait()

	// A per-request ef must not stick to the shared graph.
	assert.Equal(t, h.params.EfSearch, h.graph.EfSearch)
}

func TestHNSWEmptySearch(t *testing.T) {
	h := NewHNSW(models.MetricCosine, HNSWParams{})
	got, err := h.Search([]float32{1, 0}, 5, Params{})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestIVFClamps(t *testing.T) {
	assert.Equal(t, 100, NlistFor(50))
	assert.Equal(t, 150, NlistFor(15_000))
	assert.Equal(t, 4096, NlistFor(10_000_000))
	assert.Equal(t, 10, NprobeFor(500))
	assert.Equal(t, 50, NprobeFor(50_000))
	assert.Equal(t, 128, NprobeFor(1_000_000))
}

func TestIVFSearchFindsExactMember(t *testing.T) {
	ids, vecs := axisVectors(400, 6)
	ivf := NewIVF(models.MetricEuclidean, IVFParams{Nlist: 8, Nprobe: 8})
	require.NoError(t, ivf.Build(ids, vecs))

	stats := ivf.Stats()
	assert.True(t, stats.Trained)
	assert.Equal(t, 400, stats.VectorCount)

	// Probing every cluster is exhaustive, so the exact member must win.
	got, err := ivf.Search(vecs[123], 3, Params{Nprobe: 8})
	require.NoError(t, err)
	require.NotEmpty(t, got)
	assert.Equal(t, ids[123], got[0].ID)
	assert.InDelta(t, 0.0, got[0].Distance, 1e-6)
}

func TestIVFNlistCollapsesToCollectionSize(t *testing.T) {
	ivf := NewIVF(models.MetricCosine, IVFParams{Nlist: 100, Nprobe: 100})
	require.NoError(t, ivf.Build(
		[]string{"a", "b", "c"},
		[][]float32{{1, 0}, {0, 1}, {1, 1}},
	))
	assert.Equal(t, 3, ivf.Stats().Parameters["nlist"])
}

func TestRegistrySelectPolicy(t *testing.T) {
	r := NewRegistry(1)
	ds := &models.Dataset{ID: "ds1", Metric: models.MetricCosine, IndexKind: models.IndexHNSW}

	// No index yet: Flat scan.
	assert.Nil(t, r.Select("ds1", ds.IndexKind, 50))

	ids, vecs := axisVectors(150, 4)
	src := func(context.Context) ([]string, [][]float32, error) { return ids, vecs, nil }
	_, err := r.Build(context.Background(), ds, Config{Kind: models.IndexHNSW}, src)
	require.NoError(t, err)

	// Below the HNSW floor the index is ignored.
	assert.Nil(t, r.Select("ds1", ds.IndexKind, 50))
	assert.NotNil(t, r.Select("ds1", ds.IndexKind, 150))

	// Declared flat datasets never use an approximate index.
	assert.Nil(t, r.Select("ds1", models.IndexFlat, 150))
}

func TestRegistryBuildIdempotent(t *testing.T) {
	r := NewRegistry(1)
	ds := &models.Dataset{ID: "ds1", Metric: models.MetricCosine, IndexKind: models.IndexHNSW}
	ids, vecs := axisVectors(150, 4)

	calls := 0
	src := func(context.Context) ([]string, [][]float32, error) {
		calls++
		return ids, vecs, nil
	}

	first, err := r.Build(context.Background(), ds, Config{Kind: models.IndexHNSW}, src)
	require.NoError(t, err)

	// Same kind, same row count, no force: the existing index is kept.
	second, err := r.Build(context.Background(), ds, Config{Kind: models.IndexHNSW}, src)
	require.NoError(t, err)
	assert.Equal(t, first.VectorCount, second.VectorCount)
	assert.Equal(t, first.BuildSeconds, second.BuildSeconds)

	// Force always rebuilds.
	_, err = r.Build(context.Background(), ds, Config{Kind: models.IndexHNSW, ForceRebuild: true}, src)
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRegistryDrop(t *testing.T) {
	r := NewRegistry(1)
	ds := &models.Dataset{ID: "ds1", Metric: models.MetricCosine, IndexKind: models.IndexFlat}
	ids, vecs := axisVectors(10, 4)
	_, err := r.Build(context.Background(), ds, Config{Kind: models.IndexFlat},
		func(context.Context) ([]string, [][]float32, error) { return ids, vecs, nil })
	require.NoError(t, err)

	_, ok := r.Stats("ds1")
	assert.True(t, ok)
	r.Drop("ds1")
	_, ok = r.Stats("ds1")
	assert.False(t, ok)
}

func TestShouldAutoBuild(t *testing.T) {
	assert.False(t, ShouldAutoBuild(models.IndexDefault, 9_999))
	assert.True(t, ShouldAutoBuild(models.IndexDefault, 10_000))
	assert.True(t, ShouldAutoBuild(models.IndexIVF, 12_000))
	assert.False(t, ShouldAutoBuild(models.IndexHNSW, 12_000))
	assert.False(t, ShouldAutoBuild(models.IndexFlat, 12_000))
}

func TestSearchParamsBounds(t *testing.T) {
	p := SearchParams(nil)
	assert.Equal(t, DefaultEfSearch, p.EfSearch)
	assert.Equal(t, DefaultNprobe, p.Nprobe)

	p = SearchParams(&models.SearchOptions{EfSearch: 500, Nprobe: -3})
	assert.Equal(t, 200, p.EfSearch)
	assert.Equal(t, 1, p.Nprobe)
}
