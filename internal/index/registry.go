package index

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/thebtf/vexdb/pkg/models"
	"github.com/thebtf/vexdb/pkg/verrors"
)

// Policy thresholds for choosing and triggering indexes.
const (
	// Below this count an HNSW dataset is served by a Flat scan.
	minHNSWVectors = 100
	// An IVF index needs at least this many vectors per centroid list.
	minIVFPerList = 40
	// Crossing this count on ingest triggers an async build for
	// default/ivf datasets.
	AutoBuildThreshold = 10_000

	defaultBuildWorkers = 2
	buildTimeout        = 10 * time.Minute
)

// Config shapes a build request.
type Config struct {
	Kind         models.IndexKind
	HNSW         HNSWParams
	IVF          IVFParams
	ForceRebuild bool
}

// Source supplies the live rows of a dataset at build time. It is invoked
// once per coalesced build, inside the build worker.
type Source func(ctx context.Context) (ids []string, vecs [][]float32, err error)

// Registry owns one index per dataset. Builds run on a bounded worker
// pool; concurrent builds of the same dataset coalesce into one. The
// active index is swapped atomically, so searches during a rebuild see the
// previous index untouched.
type Registry struct {
	mu      sync.RWMutex
	indexes map[string]Index

	group singleflight.Group
	sem   *semaphore.Weighted
}

// NewRegistry creates a registry with the given build concurrency.
func NewRegistry(workers int) *Registry {
	if workers <= 0 {
		workers = defaultBuildWorkers
	}
	return &Registry{
		indexes: make(map[string]Index),
		sem:     semaphore.NewWeighted(int64(workers)),
	}
}

// Get returns the active index for a dataset, if any.
func (r *Registry) Get(datasetID string) (Index, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	idx, ok := r.indexes[datasetID]
	return idx, ok
}

// Drop discards the active index for a dataset.
func (r *Registry) Drop(datasetID string) {
	r.mu.Lock()
	delete(r.indexes, datasetID)
	r.mu.Unlock()
}

// Stats reports the active index's stats, if one exists.
func (r *Registry) Stats(datasetID string) (models.IndexStats, bool) {
	idx, ok := r.Get(datasetID)
	if !ok {
		return models.IndexStats{}, false
	}
	return idx.Stats(), true
}

// Select decides which index serves a query: the active index when it is
// trained and large enough to beat brute force, otherwise nil, meaning the
// caller scans Flat.
func (r *Registry) Select(datasetID string, declared models.IndexKind, liveCount int) Index {
	if declared == models.IndexFlat {
		return nil
	}
	idx, ok := r.Get(datasetID)
	if !ok {
		return nil
	}
	stats := idx.Stats()
	if !stats.Trained {
		return nil
	}
	switch idx.Kind() {
	case models.IndexHNSW:
		if liveCount < minHNSWVectors {
			return nil
		}
	case models.IndexIVF:
		if nlist := stats.Parameters["nlist"]; liveCount < minIVFPerList*nlist {
			return nil
		}
	}
	return idx
}

// ShouldAutoBuild reports whether crossing to liveCount on ingest warrants
// a background IVF build for the declared kind.
func ShouldAutoBuild(declared models.IndexKind, liveCount int) bool {
	if declared != models.IndexDefault && declared != models.IndexIVF {
		return false
	}
	return liveCount >= AutoBuildThreshold
}

// Build creates or rebuilds a dataset's index and swaps it in atomically.
// Without ForceRebuild, an existing index of the requested kind that
// already covers the live rows is returned unchanged. Concurrent calls for
// the same dataset share one build.
func (r *Registry) Build(ctx context.Context, ds *models.Dataset, cfg Config, src Source) (models.IndexStats, error) {
	result, err, _ := r.group.Do(ds.ID, func() (any, error) {
		return r.build(ctx, ds, cfg, src)
	})
	if err != nil {
		return models.IndexStats{}, err
	}
	return result.(models.IndexStats), nil
}

func (r *Registry) build(ctx context.Context, ds *models.Dataset, cfg Config, src Source) (models.IndexStats, error) {
	if err := r.sem.Acquire(ctx, 1); err != nil {
		return models.IndexStats{}, verrors.Wrap(verrors.CodeIndexing, err, "acquire build worker")
	}
	defer r.sem.Release(1)

	ids, vecs, err := src(ctx)
	if err != nil {
		return models.IndexStats{}, verrors.Wrap(verrors.CodeIndexing, err, "load vectors for index build")
	}

	kind := resolveBuildKind(cfg.Kind, ds.IndexKind)
	if !cfg.ForceRebuild {
		if existing, ok := r.Get(ds.ID); ok {
			stats := existing.Stats()
			if stats.Kind == kind && stats.VectorCount == len(ids) && stats.Trained {
				return stats, nil
			}
		}
	}

	idx, err := r.newIndex(kind, ds.Metric, cfg, len(ids))
	if err != nil {
		return models.IndexStats{}, err
	}
	if err := idx.Build(ids, vecs); err != nil {
		return models.IndexStats{}, err
	}

	r.mu.Lock()
	r.indexes[ds.ID] = idx
	r.mu.Unlock()

	stats := idx.Stats()
	log.Info().
		Str("dataset_id", ds.ID).
		Str("index_type", string(stats.Kind)).
		Int("vector_count", stats.VectorCount).
		Float64("build_seconds", stats.BuildSeconds).
		Msg("Index build complete")
	return stats, nil
}

func (r *Registry) newIndex(kind models.IndexKind, m models.Metric, cfg Config, n int) (Index, error) {
	switch kind {
	case models.IndexFlat:
		return NewFlat(m), nil
	case models.IndexHNSW:
		params := cfg.HNSW
		if params.M <= 0 && params.EfConstruction <= 0 {
			params = AutoHNSWParams(n)
		}
		return NewHNSW(m, params), nil
	case models.IndexIVF:
		params := cfg.IVF
		if params.Nlist <= 0 {
			params.Nlist = NlistFor(n)
		}
		if params.Nprobe <= 0 {
			params.Nprobe = NprobeFor(n)
		}
		return NewIVF(m, params), nil
	default:
		return nil, verrors.New(verrors.CodeIndexing, "unknown index type %q", kind)
	}
}

// resolveBuildKind maps the declared "default" kind onto IVF, the engine's
// standard approximate index.
func resolveBuildKind(requested, declared models.IndexKind) models.IndexKind {
	kind := requested
	if kind == "" || kind == models.IndexDefault {
		kind = declared
	}
	if kind == "" || kind == models.IndexDefault {
		kind = models.IndexIVF
	}
	return kind
}

// ScheduleBuild launches a fire-and-forget background build. Failure is
// logged and leaves the dataset on a Flat scan.
func (r *Registry) ScheduleBuild(ds *models.Dataset, cfg Config, src Source) {
	dsCopy := *ds
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), buildTimeout)
		defer cancel()
		if _, err := r.Build(ctx, &dsCopy, cfg, src); err != nil {
			log.Error().Err(err).Str("dataset_id", dsCopy.ID).Msg("Background index build failed")
		}
	}()
}

// SearchParams bounds the per-request knobs: efSearch to [1, 200], nprobe
// to [1, 100], falling back to engine defaults when unset.
func SearchParams(opts *models.SearchOptions) Params {
	p := Params{EfSearch: DefaultEfSearch, Nprobe: DefaultNprobe}
	if opts == nil {
		return p
	}
	if opts.EfSearch != 0 {
		p.EfSearch = clamp(opts.EfSearch, 1, 200)
	}
	if opts.Nprobe != 0 {
		p.Nprobe = clamp(opts.Nprobe, 1, 100)
	}
	return p
}
