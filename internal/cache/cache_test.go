package cache

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thebtf/vexdb/internal/kv"
	"github.com/thebtf/vexdb/pkg/models"
)

func TestDatasetRoundTrip(t *testing.T) {
	c := New(kv.NewMemory(100))
	ctx := context.Background()

	_, ok := c.GetDataset(ctx, "ds1")
	assert.False(t, ok)

	c.PutDataset(ctx, &models.Dataset{ID: "ds1", Name: "docs", Dimensions: 3})
	got, ok := c.GetDataset(ctx, "ds1")
	require.True(t, ok)
	assert.Equal(t, "docs", got.Name)
	assert.Equal(t, 3, got.Dimensions)
}

func TestSearchKeyDiscriminates(t *testing.T) {
	optsA := &models.SearchOptions{TopK: 10}
	optsB := &models.SearchOptions{TopK: 20}

	base := SearchKey("ds1", []float32{1, 0}, optsA)
	assert.Equal(t, base, SearchKey("ds1", []float32{1, 0}, optsA))
	assert.NotEqual(t, base, SearchKey("ds2", []float32{1, 0}, optsA))
	assert.NotEqual(t, base, SearchKey("ds1", []float32{0, 1}, optsA))
	assert.NotEqual(t, base, SearchKey("ds1", []float32{1, 0}, optsB))
}

func TestSearchRoundTripAndInvalidation(t *testing.T) {
	c := New(kv.NewMemory(100))
	ctx := context.Background()

	key := SearchKey("ds1", []float32{1, 0}, &models.SearchOptions{TopK: 5})
	c.PutSearch(ctx, key, []models.SearchResult{{ID: "v1", Score: 0.9, Rank: 1}})

	got, ok := c.GetSearch(ctx, key)
	require.True(t, ok)
	require.Len(t, got, 1)
	assert.Equal(t, "v1", got[0].ID)

	// Any write to the dataset clears its search entries.
	c.InvalidateDataset(ctx, "ds1")
	_, ok = c.GetSearch(ctx, key)
	assert.False(t, ok)
}

func TestInvalidationIsDatasetScoped(t *testing.T) {
	c := New(kv.NewMemory(100))
	ctx := context.Background()

	c.PutVector(ctx, "ds1", &models.Vector{ID: "v1"})
	c.PutVector(ctx, "ds2", &models.Vector{ID: "v1"})

	c.InvalidateDataset(ctx, "ds1")

	_, ok := c.GetVector(ctx, "ds1", "v1")
	assert.False(t, ok)
	_, ok = c.GetVector(ctx, "ds2", "v1")
	assert.True(t, ok)
}

func TestNilStoreDisablesCache(t *testing.T) {
	c := New(nil)
	ctx := context.Background()

	c.PutDataset(ctx, &models.Dataset{ID: "ds1"})
	_, ok := c.GetDataset(ctx, "ds1")
	assert.False(t, ok)
	c.InvalidateDataset(ctx, "ds1") // must not panic
}
