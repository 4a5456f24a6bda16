package ingest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thebtf/vexdb/internal/cache"
	"github.com/thebtf/vexdb/internal/index"
	"github.com/thebtf/vexdb/internal/kv"
	"github.com/thebtf/vexdb/internal/query"
	"github.com/thebtf/vexdb/internal/storage"
	"github.com/thebtf/vexdb/pkg/models"
	"github.com/thebtf/vexdb/pkg/verrors"
)

type fixture struct {
	pipeline *Pipeline
	store    *storage.Engine
	handles  *storage.HandleCache
	registry *index.Registry
	ds       *models.Dataset
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := storage.NewEngine(t.TempDir())
	require.NoError(t, err)

	now := time.Now().UTC()
	ds := &models.Dataset{
		ID:         "ds1",
		Name:       "docs",
		Dimensions: 3,
		Metric:     models.MetricCosine,
		IndexKind:  models.IndexFlat,
		TenantID:   "t1",
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	require.NoError(t, store.Create(ds, false))

	handles := storage.NewHandleCache(store)
	t.Cleanup(handles.Close)
	registry := index.NewRegistry(1)
	queries := query.New(handles, registry, cache.New(kv.NewMemory(100)))
	return &fixture{
		pipeline: New(store, handles, registry, queries),
		store:    store,
		handles:  handles,
		registry: registry,
		ds:       ds,
	}
}

func (f *fixture) liveCount(t *testing.T) int {
	t.Helper()
	h, release, err := f.handles.Reader(f.ds.ID)
	require.NoError(t, err)
	defer release()
	return h.Count()
}

func vec(id string, values ...float32) *models.Vector {
	return &models.Vector{ID: id, Values: values, Content: "content of " + id}
}

func TestInsertBatch(t *testing.T) {
	f := newFixture(t)

	result, err := f.pipeline.Insert(context.Background(), f.ds, []*models.Vector{
		vec("a", 1, 0, 0),
		vec("b", 0, 1, 0),
		vec("c", 0, 0, 1),
	}, nil)
	require.NoError(t, err)

	assert.Equal(t, 3, result.Inserted)
	assert.Zero(t, result.Skipped)
	assert.Zero(t, result.Failed)
	assert.Equal(t, 3, f.liveCount(t))
}

func TestInsertAssignsIDsAndHashes(t *testing.T) {
	f := newFixture(t)
	v := &models.Vector{Values: []float32{1, 0, 0}, Content: "hello"}

	result, err := f.pipeline.Insert(context.Background(), f.ds, []*models.Vector{v}, nil)
	require.NoError(t, err)

	assert.Equal(t, 1, result.Inserted)
	assert.NotEmpty(t, v.ID)
	assert.Equal(t, models.HashContent("hello"), v.ContentHash)
	assert.False(t, v.CreatedAt.IsZero())
}

func TestInsertCollectsRowErrors(t *testing.T) {
	f := newFixture(t)

	result, err := f.pipeline.Insert(context.Background(), f.ds, []*models.Vector{
		vec("good", 1, 0, 0),
		vec("short", 1, 0), // wrong dimensionality
		vec("also-good", 0, 1, 0),
	}, nil)
	require.NoError(t, err)

	assert.Equal(t, 2, result.Inserted)
	assert.Equal(t, 1, result.Failed)
	require.Len(t, result.ErrorMessages, 1)
	assert.Contains(t, result.ErrorMessages[0], "short")
	assert.Equal(t, 2, f.liveCount(t))
}

func TestInsertSkipExisting(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.pipeline.Insert(ctx, f.ds, []*models.Vector{vec("a", 1, 0, 0)}, nil)
	require.NoError(t, err)

	result, err := f.pipeline.Insert(ctx, f.ds, []*models.Vector{
		vec("a", 9, 9, 9),
		vec("b", 0, 1, 0),
	}, &models.InsertOptions{SkipExisting: true})
	require.NoError(t, err)

	assert.Equal(t, 1, result.Inserted)
	assert.Equal(t, 1, result.Skipped)
	assert.Equal(t, 2, f.liveCount(t))
}

func TestInsertDuplicateIsRowError(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.pipeline.Insert(ctx, f.ds, []*models.Vector{vec("a", 1, 0, 0)}, nil)
	require.NoError(t, err)

	result, err := f.pipeline.Insert(ctx, f.ds, []*models.Vector{vec("a", 1, 0, 0)}, nil)
	require.NoError(t, err)
	assert.Zero(t, result.Inserted)
	assert.Equal(t, 1, result.Failed)
}

func TestInsertOverwritePreservesCreatedAt(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first := vec("a", 1, 0, 0)
	_, err := f.pipeline.Insert(ctx, f.ds, []*models.Vector{first}, nil)
	require.NoError(t, err)

	second := vec("a", 0, 1, 0)
	second.Content = "replaced"
	result, err := f.pipeline.Insert(ctx, f.ds, []*models.Vector{second}, &models.InsertOptions{Overwrite: true})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Inserted)

	h, release, err := f.handles.Reader(f.ds.ID)
	require.NoError(t, err)
	defer release()
	row, err := h.FindByID("a")
	require.NoError(t, err)
	assert.Equal(t, "replaced", row.Content)
	assert.Equal(t, first.CreatedAt.Unix(), row.CreatedAt.Unix())
	assert.Equal(t, 1, h.Count())
}

func TestDeleteCommitsRemoval(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.pipeline.Insert(ctx, f.ds, []*models.Vector{vec("a", 1, 0, 0), vec("b", 0, 1, 0)}, nil)
	require.NoError(t, err)

	require.NoError(t, f.pipeline.Delete(ctx, f.ds, "a"))
	assert.Equal(t, 1, f.liveCount(t))

	err = f.pipeline.Delete(ctx, f.ds, "a")
	require.Error(t, err)
	assert.Equal(t, verrors.CodeNotFound, verrors.CodeOf(err))
}

func TestUpdateUnknownVector(t *testing.T) {
	f := newFixture(t)
	err := f.pipeline.Update(context.Background(), f.ds, vec("missing", 1, 0, 0))
	require.Error(t, err)
	assert.Equal(t, verrors.CodeNotFound, verrors.CodeOf(err))
}

func TestSourceFeedsIndexBuild(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.pipeline.Insert(ctx, f.ds, []*models.Vector{
		vec("a", 1, 0, 0),
		vec("b", 0, 1, 0),
		vec("c", 0, 0, 1),
	}, nil)
	require.NoError(t, err)

	stats, err := f.registry.Build(ctx, f.ds, index.Config{Kind: models.IndexFlat}, Source(f.handles, f.ds.ID))
	require.NoError(t, err)
	assert.Equal(t, 3, stats.VectorCount)
	assert.True(t, stats.Trained)
}

func TestInsertInvalidatesSearchCache(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	queries := query.New(f.handles, f.registry, cache.New(kv.NewMemory(100)))
	f.pipeline.queries = queries

	_, err := f.pipeline.Insert(ctx, f.ds, []*models.Vector{vec("a", 1, 0, 0)}, nil)
	require.NoError(t, err)

	results, _, err := queries.Search(ctx, f.ds, []float32{1, 0, 0}, &models.SearchOptions{TopK: 5})
	require.NoError(t, err)
	require.Len(t, results, 1)

	_, err = f.pipeline.Insert(ctx, f.ds, []*models.Vector{vec("b", 1, 0, 0)}, nil)
	require.NoError(t, err)

	results, _, err = queries.Search(ctx, f.ds, []float32{1, 0, 0}, &models.SearchOptions{TopK: 5})
	require.NoError(t, err)
	assert.Len(t, results, 2)
}
