// Package ingest implements the batch insert pipeline: per-row validation
// with error collection, a single commit per batch, write invalidation of
// derived state, and fire-and-forget index rebuild scheduling.
package ingest

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/thebtf/vexdb/internal/index"
	"github.com/thebtf/vexdb/internal/query"
	"github.com/thebtf/vexdb/internal/storage"
	"github.com/thebtf/vexdb/pkg/models"
	"github.com/thebtf/vexdb/pkg/verrors"
)

// maxErrorMessages bounds the per-batch error list returned to the caller.
const maxErrorMessages = 100

// Pipeline writes vector batches into datasets.
type Pipeline struct {
	store    *storage.Engine
	handles  *storage.HandleCache
	registry *index.Registry
	queries  *query.Engine
}

// New creates an insert pipeline sharing the process-wide handle cache and
// index registry.
func New(store *storage.Engine, handles *storage.HandleCache, registry *index.Registry, queries *query.Engine) *Pipeline {
	return &Pipeline{
		store:    store,
		handles:  handles,
		registry: registry,
		queries:  queries,
	}
}

// Insert appends a batch of vectors to a dataset and commits once. Row
// errors (bad dimensions, duplicates) are collected without aborting the
// batch; a storage failure aborts and surfaces as a storage error.
func (p *Pipeline) Insert(ctx context.Context, ds *models.Dataset, vectors []*models.Vector, opts *models.InsertOptions) (*models.BatchResult, error) {
	if opts == nil {
		opts = &models.InsertOptions{}
	}
	start := time.Now()

	h, err := p.store.Open(ds.ID, storage.ModeReadWrite)
	if err != nil {
		return nil, err
	}
	defer h.Close()

	result := &models.BatchResult{}
	now := time.Now().UTC()
	for _, v := range vectors {
		if err := ctx.Err(); err != nil {
			return nil, verrors.Wrap(verrors.CodeTimeout, err, "insert interrupted")
		}
		if v.ID == "" {
			v.ID = uuid.NewString()
		}
		exists := h.HasID(v.ID)
		if exists && opts.SkipExisting {
			result.Skipped++
			continue
		}

		if v.ContentHash == "" {
			v.ContentHash = models.HashContent(v.Content)
		}
		if v.CreatedAt.IsZero() {
			v.CreatedAt = now
		}
		v.UpdatedAt = now

		if exists && opts.Overwrite {
			err = h.Overwrite(v)
		} else {
			err = h.Append(v)
		}
		if err != nil {
			if rowError(err) {
				result.Failed++
				if len(result.ErrorMessages) < maxErrorMessages {
					result.ErrorMessages = append(result.ErrorMessages, v.ID+": "+err.Error())
				}
				continue
			}
			return nil, verrors.Wrap(verrors.CodeStorage, err, "append failed")
		}
		result.Inserted++
	}

	if result.Inserted > 0 {
		if err := h.Commit(); err != nil {
			return nil, verrors.Wrap(verrors.CodeStorage, err, "commit failed")
		}
		p.invalidate(ctx, ds.ID)
		p.maybeScheduleBuild(ds, h.Count())
	}

	result.ProcessingMS = time.Since(start).Milliseconds()
	return result, nil
}

// Delete removes one vector and commits.
func (p *Pipeline) Delete(ctx context.Context, ds *models.Dataset, vectorID string) error {
	h, err := p.store.Open(ds.ID, storage.ModeReadWrite)
	if err != nil {
		return err
	}
	defer h.Close()

	if err := h.DeleteByID(vectorID); err != nil {
		return err
	}
	if err := h.Commit(); err != nil {
		return verrors.Wrap(verrors.CodeStorage, err, "commit failed")
	}
	p.invalidate(ctx, ds.ID)
	return nil
}

// Update overwrites one vector in place, preserving its creation time, and
// commits.
func (p *Pipeline) Update(ctx context.Context, ds *models.Dataset, v *models.Vector) error {
	h, err := p.store.Open(ds.ID, storage.ModeReadWrite)
	if err != nil {
		return err
	}
	defer h.Close()

	if !h.HasID(v.ID) {
		return verrors.NotFound("vector", v.ID)
	}
	if v.ContentHash == "" {
		v.ContentHash = models.HashContent(v.Content)
	}
	v.UpdatedAt = time.Now().UTC()
	if err := h.Overwrite(v); err != nil {
		return err
	}
	if err := h.Commit(); err != nil {
		return verrors.Wrap(verrors.CodeStorage, err, "commit failed")
	}
	p.invalidate(ctx, ds.ID)
	return nil
}

// Source adapts the handle cache into a row feed for index builds.
func Source(handles *storage.HandleCache, datasetID string) index.Source {
	return func(ctx context.Context) ([]string, [][]float32, error) {
		h, release, err := handles.Reader(datasetID)
		if err != nil {
			return nil, nil, err
		}
		defer release()

		ids := h.IDs()
		vecs := make([][]float32, len(ids))
		for i := range ids {
			if err := ctx.Err(); err != nil {
				return nil, nil, err
			}
			vecs[i] = h.Embedding(i)
		}
		return ids, vecs, nil
	}
}

// invalidate drops derived per-dataset state after a successful commit.
// The registry entry goes too: an index built before this write no longer
// covers the live set, and serving it would hide the new rows. Searches
// fall back to the exact scan until the next build.
func (p *Pipeline) invalidate(ctx context.Context, datasetID string) {
	p.handles.Invalidate(datasetID)
	p.queries.Invalidate(ctx, datasetID)
	p.registry.Drop(datasetID)
}

// maybeScheduleBuild kicks off a background index build once a dataset
// crosses the auto-build threshold.
func (p *Pipeline) maybeScheduleBuild(ds *models.Dataset, liveCount int) {
	if !index.ShouldAutoBuild(ds.IndexKind, liveCount) {
		return
	}
	log.Info().
		Str("dataset_id", ds.ID).
		Int("vector_count", liveCount).
		Msg("Scheduling background index build")
	p.registry.ScheduleBuild(ds, index.Config{}, Source(p.handles, ds.ID))
}

// rowError reports whether an append failure is confined to one row.
func rowError(err error) bool {
	switch verrors.CodeOf(err) {
	case verrors.CodeInvalidDimensions, verrors.CodeAlreadyExists, verrors.CodeValidation:
		return true
	}
	return false
}
