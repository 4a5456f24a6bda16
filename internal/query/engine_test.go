package query

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thebtf/vexdb/internal/cache"
	"github.com/thebtf/vexdb/internal/index"
	"github.com/thebtf/vexdb/internal/kv"
	"github.com/thebtf/vexdb/internal/storage"
	"github.com/thebtf/vexdb/pkg/models"
	"github.com/thebtf/vexdb/pkg/verrors"
)

type fixture struct {
	engine  *Engine
	store   *storage.Engine
	handles *storage.HandleCache
	ds      *models.Dataset
}

func newFixture(t *testing.T, metric models.Metric, vectors []*models.Vector) *fixture {
	t.Helper()
	store, err := storage.NewEngine(t.TempDir())
	require.NoError(t, err)

	now := time.Now().UTC()
	ds := &models.Dataset{
		ID:         "ds1",
		Name:       "docs",
		Dimensions: 3,
		Metric:     metric,
		IndexKind:  models.IndexFlat,
		TenantID:   "t1",
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	require.NoError(t, store.Create(ds, false))

	w, err := store.Open(ds.ID, storage.ModeReadWrite)
	require.NoError(t, err)
	for _, v := range vectors {
		if v.CreatedAt.IsZero() {
			v.CreatedAt, v.UpdatedAt = now, now
		}
		require.NoError(t, w.Append(v))
	}
	require.NoError(t, w.Commit())
	require.NoError(t, w.Close())

	handles := storage.NewHandleCache(store)
	t.Cleanup(handles.Close)
	return &fixture{
		engine:  New(handles, index.NewRegistry(1), cache.New(kv.NewMemory(100))),
		store:   store,
		handles: handles,
		ds:      ds,
	}
}

func corpus() []*models.Vector {
	return []*models.Vector{
		{ID: "v1", DocumentID: "docA", Values: []float32{1, 0, 0}, Content: "intro to vector databases",
			Metadata: map[string]any{"category": "tech", "priority": float64(2)}},
		{ID: "v2", DocumentID: "docA", Values: []float32{0.9, 0.1, 0}, Content: "vector search in practice",
			Metadata: map[string]any{"category": "tech", "priority": float64(1)}},
		{ID: "v3", DocumentID: "docB", Values: []float32{0, 1, 0}, Content: "gardening for beginners",
			Metadata: map[string]any{"category": "hobby", "priority": float64(3)}},
		{ID: "v4", DocumentID: "docC", Values: []float32{0, 0, 1}, Content: "cooking with vectors of flavor",
			Metadata: map[string]any{"category": "food", "priority": float64(5)}},
	}
}

func TestSearchRanksAndScores(t *testing.T) {
	f := newFixture(t, models.MetricCosine, corpus())

	results, stats, err := f.engine.Search(context.Background(), f.ds, []float32{1, 0, 0}, &models.SearchOptions{TopK: 2})
	require.NoError(t, err)
	require.Len(t, results, 2)

	assert.Equal(t, "v1", results[0].ID)
	assert.Equal(t, 1, results[0].Rank)
	assert.InDelta(t, 1.0, results[0].Score, 1e-9)
	assert.Equal(t, "v2", results[1].ID)
	assert.Equal(t, 2, results[1].Rank)
	assert.InDelta(t, 0.9939, results[1].Score, 1e-4)
	assert.Equal(t, 4, stats.VectorsScanned)
}

func TestSearchDimensionMismatch(t *testing.T) {
	f := newFixture(t, models.MetricCosine, corpus())
	_, _, err := f.engine.Search(context.Background(), f.ds, []float32{1, 0}, nil)
	require.Error(t, err)
	assert.Equal(t, verrors.CodeInvalidDimensions, verrors.CodeOf(err))
}

func TestSearchMetadataFilter(t *testing.T) {
	f := newFixture(t, models.MetricCosine, corpus())

	results, _, err := f.engine.Search(context.Background(), f.ds, []float32{1, 0, 0}, &models.SearchOptions{
		TopK:    10,
		Filters: "category = 'tech' AND priority > 1",
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "v1", results[0].ID)
}

func TestSearchInvalidFilter(t *testing.T) {
	f := newFixture(t, models.MetricCosine, corpus())
	_, _, err := f.engine.Search(context.Background(), f.ds, []float32{1, 0, 0}, &models.SearchOptions{
		Filters: "category = = 'tech'",
	})
	require.Error(t, err)
	assert.Equal(t, verrors.CodeInvalidFilter, verrors.CodeOf(err))
}

func TestSearchThreshold(t *testing.T) {
	f := newFixture(t, models.MetricCosine, corpus())

	results, _, err := f.engine.Search(context.Background(), f.ds, []float32{1, 0, 0}, &models.SearchOptions{
		TopK:         10,
		Threshold:    0.95,
		HasThreshold: true,
	})
	require.NoError(t, err)
	require.Len(t, results, 2)
	for _, r := range results {
		assert.GreaterOrEqual(t, r.Score, 0.95)
	}
}

func TestSearchGroupByDocument(t *testing.T) {
	f := newFixture(t, models.MetricCosine, corpus())

	results, _, err := f.engine.Search(context.Background(), f.ds, []float32{1, 0, 0}, &models.SearchOptions{
		TopK:            10,
		GroupByDocument: true,
	})
	require.NoError(t, err)
	// v1 and v2 share docA; only the better one survives.
	docs := make(map[string]int)
	for _, r := range results {
		docs[r.DocumentID]++
	}
	assert.Equal(t, 1, docs["docA"])
	assert.Equal(t, "v1", results[0].ID)
}

func TestSearchIncludeFlags(t *testing.T) {
	f := newFixture(t, models.MetricCosine, corpus())

	results, _, err := f.engine.Search(context.Background(), f.ds, []float32{1, 0, 0}, &models.SearchOptions{
		TopK:           1,
		IncludeContent: true,
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "intro to vector databases", results[0].Content)
	assert.Nil(t, results[0].Metadata)

	results, _, err = f.engine.Search(context.Background(), f.ds, []float32{1, 0, 0}, &models.SearchOptions{
		TopK:            1,
		IncludeMetadata: true,
	})
	require.NoError(t, err)
	assert.Empty(t, results[0].Content)
	assert.Equal(t, "tech", results[0].Metadata["category"])
}

func TestSearchMetricOverride(t *testing.T) {
	f := newFixture(t, models.MetricCosine, corpus())

	results, _, err := f.engine.Search(context.Background(), f.ds, []float32{0, 0, 0}, &models.SearchOptions{
		TopK:   1,
		Metric: models.MetricEuclidean,
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	// v2 sits closest to the origin by L2 even though it would rank second
	// under the dataset's cosine metric.
	assert.Equal(t, "v2", results[0].ID)
	assert.InDelta(t, 0.90554, results[0].Distance, 1e-4)
}

func TestSearchCaching(t *testing.T) {
	f := newFixture(t, models.MetricCosine, corpus())
	ctx := context.Background()
	opts := &models.SearchOptions{TopK: 2}

	first, stats, err := f.engine.Search(ctx, f.ds, []float32{1, 0, 0}, opts)
	require.NoError(t, err)
	assert.Greater(t, stats.VectorsScanned, 0)

	// Second identical query is served from cache: no scan work.
	second, stats, err := f.engine.Search(ctx, f.ds, []float32{1, 0, 0}, opts)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.VectorsScanned)
	assert.Equal(t, first, second)

	// Invalidation forces recomputation.
	f.engine.Invalidate(ctx, f.ds.ID)
	_, stats, err = f.engine.Search(ctx, f.ds, []float32{1, 0, 0}, opts)
	require.NoError(t, err)
	assert.Greater(t, stats.VectorsScanned, 0)
}

func TestHybridSearchPrefersBothLists(t *testing.T) {
	f := newFixture(t, models.MetricCosine, corpus())

	results, _, err := f.engine.HybridSearch(context.Background(), f.ds, []float32{1, 0, 0}, &models.HybridOptions{
		SearchOptions: models.SearchOptions{TopK: 3},
		Query:         "vector databases",
		Fusion:        models.FusionRRF,
	})
	require.NoError(t, err)
	require.NotEmpty(t, results)
	// v1 leads both rankings: top vector hit and a lexical match for both
	// query tokens.
	assert.Equal(t, "v1", results[0].ID)
	assert.Equal(t, 1, results[0].Rank)
}

func TestHybridSearchValidatesFusion(t *testing.T) {
	f := newFixture(t, models.MetricCosine, corpus())
	_, _, err := f.engine.HybridSearch(context.Background(), f.ds, []float32{1, 0, 0}, &models.HybridOptions{
		SearchOptions: models.SearchOptions{TopK: 3},
		Query:         "vector",
		Fusion:        "median",
	})
	require.Error(t, err)
	assert.Equal(t, verrors.CodeInvalidSearchParams, verrors.CodeOf(err))
}

func TestRerankBoostsTokenOverlap(t *testing.T) {
	f := newFixture(t, models.MetricCosine, []*models.Vector{
		{ID: "a", Values: []float32{1, 0, 0}, Content: "completely unrelated text"},
		{ID: "b", Values: []float32{0.99, 0.14, 0}, Content: "vector database search guide"},
	})

	results, _, err := f.engine.Search(context.Background(), f.ds, []float32{1, 0, 0}, &models.SearchOptions{
		TopK:      2,
		Rerank:    true,
		QueryText: "vector database search",
	})
	require.NoError(t, err)
	require.Len(t, results, 2)
	// The overlap boost lifts b past a's slightly better cosine score.
	assert.Equal(t, "b", results[0].ID)
}
