// Package cache memoizes derived state in the shared KV store. Entries
// are namespaced per concern with fixed TTLs and invalidated per dataset
// on any write. Cache failures degrade silently; the primary path never
// depends on a hit.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog/log"

	"github.com/thebtf/vexdb/internal/kv"
	"github.com/thebtf/vexdb/pkg/models"
)

// Namespace TTLs.
const (
	DatasetTTL   = time.Hour
	SearchTTL    = 5 * time.Minute
	VectorTTL    = 30 * time.Minute
	EmbeddingTTL = time.Hour
)

const (
	nsDataset   = "ds"
	nsSearch    = "search"
	nsVector    = "vec"
	nsEmbedding = "emb"
)

// Cache wraps the KV store with typed, namespaced accessors.
type Cache struct {
	store   kv.Store
	enabled bool
}

// New creates a cache over the given store. A nil store disables caching
// entirely.
func New(store kv.Store) *Cache {
	return &Cache{store: store, enabled: store != nil}
}

func (c *Cache) get(ctx context.Context, key string, out any) bool {
	if !c.enabled {
		return false
	}
	data, err := c.store.Get(ctx, key)
	if err != nil {
		if err != kv.ErrMiss {
			log.Debug().Err(err).Str("key", key).Msg("Cache get failed")
		}
		return false
	}
	if err := json.Unmarshal(data, out); err != nil {
		log.Debug().Err(err).Str("key", key).Msg("Cache entry undecodable, dropping")
		_ = c.store.Delete(ctx, key)
		return false
	}
	return true
}

func (c *Cache) set(ctx context.Context, key string, value any, ttl time.Duration) {
	if !c.enabled {
		return
	}
	data, err := json.Marshal(value)
	if err != nil {
		return
	}
	if err := c.store.Set(ctx, key, data, ttl); err != nil {
		log.Debug().Err(err).Str("key", key).Msg("Cache set failed")
	}
}

// GetDataset fetches a cached dataset record.
func (c *Cache) GetDataset(ctx context.Context, id string) (*models.Dataset, bool) {
	var ds models.Dataset
	if !c.get(ctx, fmt.Sprintf("%s:%s", nsDataset, id), &ds) {
		return nil, false
	}
	return &ds, true
}

// PutDataset caches a dataset record.
func (c *Cache) PutDataset(ctx context.Context, ds *models.Dataset) {
	c.set(ctx, fmt.Sprintf("%s:%s", nsDataset, ds.ID), ds, DatasetTTL)
}

// GetVector fetches a cached vector record.
func (c *Cache) GetVector(ctx context.Context, datasetID, vectorID string) (*models.Vector, bool) {
	var v models.Vector
	if !c.get(ctx, fmt.Sprintf("%s:%s:%s", nsVector, datasetID, vectorID), &v) {
		return nil, false
	}
	return &v, true
}

// PutVector caches a vector record.
func (c *Cache) PutVector(ctx context.Context, datasetID string, v *models.Vector) {
	c.set(ctx, fmt.Sprintf("%s:%s:%s", nsVector, datasetID, v.ID), v, VectorTTL)
}

// GetEmbedding fetches a cached embedding by content hash.
func (c *Cache) GetEmbedding(ctx context.Context, contentHash string) ([]float32, bool) {
	var vec []float32
	if !c.get(ctx, fmt.Sprintf("%s:%s", nsEmbedding, contentHash), &vec) {
		return nil, false
	}
	return vec, true
}

// PutEmbedding caches an embedding by content hash.
func (c *Cache) PutEmbedding(ctx context.Context, contentHash string, vec []float32) {
	c.set(ctx, fmt.Sprintf("%s:%s", nsEmbedding, contentHash), vec, EmbeddingTTL)
}

// SearchKey derives the cache key for a search: the dataset id plus
// digests of the query vector and the full option set, so any change to
// either misses.
func SearchKey(datasetID string, query []float32, opts any) string {
	queryJSON, _ := json.Marshal(query)
	optsJSON, _ := json.Marshal(opts)
	qh := sha256.Sum256(queryJSON)
	oh := sha256.Sum256(optsJSON)
	return fmt.Sprintf("%s:%s:%s:%s", nsSearch, datasetID, hex.EncodeToString(qh[:]), hex.EncodeToString(oh[:]))
}

// GetSearch fetches cached search results.
func (c *Cache) GetSearch(ctx context.Context, key string) ([]models.SearchResult, bool) {
	var results []models.SearchResult
	if !c.get(ctx, key, &results) {
		return nil, false
	}
	return results, true
}

// PutSearch caches search results.
func (c *Cache) PutSearch(ctx context.Context, key string, results []models.SearchResult) {
	c.set(ctx, key, results, SearchTTL)
}

// InvalidateDataset drops every cached entry derived from a dataset.
// Called on any write: insert, update, delete, drop.
func (c *Cache) InvalidateDataset(ctx context.Context, datasetID string) {
	if !c.enabled {
		return
	}
	prefixes := []string{
		fmt.Sprintf("%s:%s", nsDataset, datasetID),
		fmt.Sprintf("%s:%s:", nsSearch, datasetID),
		fmt.Sprintf("%s:%s:", nsVector, datasetID),
	}
	for _, p := range prefixes {
		if err := c.store.DeletePrefix(ctx, p); err != nil {
			log.Debug().Err(err).Str("prefix", p).Msg("Cache invalidation failed")
		}
	}
}
