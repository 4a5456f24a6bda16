// Package query implements the search pipeline: candidate retrieval
// through the index registry or a flat scan, metric scoring, filter and
// threshold application, dedup/group/rerank post-processing, and hybrid
// vector+lexical fusion.
package query

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/thebtf/vexdb/internal/cache"
	"github.com/thebtf/vexdb/internal/filter"
	"github.com/thebtf/vexdb/internal/fusion"
	"github.com/thebtf/vexdb/internal/index"
	"github.com/thebtf/vexdb/internal/lexical"
	"github.com/thebtf/vexdb/internal/metric"
	"github.com/thebtf/vexdb/internal/storage"
	"github.com/thebtf/vexdb/pkg/models"
	"github.com/thebtf/vexdb/pkg/verrors"
)

// overscanFactor leaves headroom for filtering when retrieving candidates.
const overscanFactor = 10

// rerankBoost weights the token-overlap bonus applied by rerank.
const rerankBoost = 0.1

// Engine answers nearest-neighbor and hybrid queries.
type Engine struct {
	handles  *storage.HandleCache
	registry *index.Registry
	cache    *cache.Cache

	mu      sync.Mutex
	lexical map[string]*lexical.Index
}

// New creates a query engine over the shared handle cache and registry.
func New(handles *storage.HandleCache, registry *index.Registry, c *cache.Cache) *Engine {
	return &Engine{
		handles:  handles,
		registry: registry,
		cache:    c,
		lexical:  make(map[string]*lexical.Index),
	}
}

// Invalidate drops derived per-dataset state after a write or drop.
func (e *Engine) Invalidate(ctx context.Context, datasetID string) {
	e.mu.Lock()
	delete(e.lexical, datasetID)
	e.mu.Unlock()
	e.cache.InvalidateDataset(ctx, datasetID)
}

// Search runs the full pipeline and returns ranked results with stats.
func (e *Engine) Search(ctx context.Context, ds *models.Dataset, query []float32, opts *models.SearchOptions) ([]models.SearchResult, models.SearchStats, error) {
	if opts == nil {
		opts = &models.SearchOptions{}
	}
	if err := opts.Validate(); err != nil {
		return nil, models.SearchStats{}, verrors.Wrap(verrors.CodeInvalidSearchParams, err, "invalid search options")
	}
	if len(query) != ds.Dimensions {
		return nil, models.SearchStats{}, verrors.InvalidDimensions(ds.Dimensions, len(query))
	}
	filterExpr, err := filter.Parse(opts.Filters)
	if err != nil {
		return nil, models.SearchStats{}, err
	}

	cacheKey := cache.SearchKey(ds.ID, query, opts)
	if results, ok := e.cache.GetSearch(ctx, cacheKey); ok {
		return results, models.SearchStats{}, nil
	}

	h, release, err := e.handles.Reader(ds.ID)
	if err != nil {
		return nil, models.SearchStats{}, err
	}
	defer release()

	var stats models.SearchStats
	dbStart := time.Now()
	m := ds.Metric
	if opts.Metric != "" {
		m = opts.Metric
	}
	candidates := e.retrieve(h, ds, m, query, opts, &stats)
	stats.DatabaseTimeMS = time.Since(dbStart).Milliseconds()

	postStart := time.Now()
	results := e.postProcess(h, m, candidates, filterExpr, opts, &stats)
	stats.PostProcessingMS = time.Since(postStart).Milliseconds()

	e.cache.PutSearch(ctx, cacheKey, results)
	return results, stats, nil
}

// retrieve gathers scored candidates, best-first. The approximate index is
// used only when the dataset's own metric applies and the index returned
// enough hits; otherwise the engine falls back to an exact flat scan.
func (e *Engine) retrieve(h *storage.Handle, ds *models.Dataset, m models.Metric, query []float32, opts *models.SearchOptions, stats *models.SearchStats) []index.Candidate {
	liveCount := h.Count()
	overscan := overscanFactor * opts.TopK

	if m == ds.Metric {
		if idx := e.registry.Select(ds.ID, ds.IndexKind, liveCount); idx != nil {
			cands, err := idx.Search(query, overscan, index.SearchParams(opts))
			if err != nil {
				log.Warn().Err(err).Str("dataset_id", ds.ID).Msg("Index search failed, falling back to flat scan")
			} else {
				stats.IndexHits = len(cands)
				if len(cands) >= opts.TopK || len(cands) == liveCount {
					return cands
				}
			}
		}
	}

	// Flat scan with the effective metric kernel.
	kernel := metric.ForMetric(m)
	cands := make([]index.Candidate, 0, liveCount)
	ids := h.IDs()
	for i, id := range ids {
		r := kernel(query, h.Embedding(i))
		cands = append(cands, index.Candidate{ID: id, Score: r.Score, Distance: r.Distance})
	}
	stats.VectorsScanned = len(cands)
	sortByMetric(m, cands)
	if len(cands) > overscan {
		cands = cands[:overscan]
	}
	return cands
}

// postProcess applies thresholds, the metadata filter, dedup, grouping,
// and rerank, then truncates to top_k and assigns ranks.
func (e *Engine) postProcess(h *storage.Handle, m models.Metric, cands []index.Candidate, filterExpr filter.Expr, opts *models.SearchOptions, stats *models.SearchStats) []models.SearchResult {
	results := make([]models.SearchResult, 0, opts.TopK)
	seen := make(map[string]struct{})
	kept := 0

	for _, c := range cands {
		if opts.HasThreshold && c.Score < opts.Threshold {
			continue
		}
		if opts.HasMaxDistance && c.Distance > opts.MaxDistance {
			continue
		}
		if opts.HasMinScore && c.Score < opts.MinScore {
			continue
		}
		if opts.Deduplicate {
			if _, dup := seen[c.ID]; dup {
				continue
			}
			seen[c.ID] = struct{}{}
		}

		rowIdx, ok := h.Lookup(c.ID)
		if !ok {
			continue
		}
		row, err := h.Get(rowIdx)
		if err != nil {
			log.Warn().Err(err).Str("vector_id", c.ID).Msg("Skipping unreadable row")
			continue
		}

		if filterExpr != nil {
			match, err := filter.Evaluate(filterExpr, row.Metadata)
			if err != nil || !match {
				continue
			}
		}
		kept++

		result := models.SearchResult{
			ID:         c.ID,
			DocumentID: row.DocumentID,
			Score:      c.Score,
			Distance:   c.Distance,
		}
		if opts.IncludeContent {
			result.Content = row.Content
		}
		if opts.IncludeMetadata {
			result.Metadata = row.Metadata
		}
		if opts.Rerank && opts.QueryText != "" {
			result.Score += rerankBoost * tokenOverlap(opts.QueryText, row.Content)
		}
		results = append(results, result)

		// Without rerank or grouping the candidates are already ordered, so
		// top_k survivors are enough.
		if !opts.Rerank && !opts.GroupByDocument && len(results) >= opts.TopK {
			break
		}
	}
	stats.FilteredResults = kept

	if opts.GroupByDocument {
		results = groupByDocument(results)
	}
	if opts.Rerank {
		sortResults(m, results)
	}
	if len(results) > opts.TopK {
		results = results[:opts.TopK]
	}
	for i := range results {
		results[i].Rank = i + 1
	}
	return results
}

// HybridSearch fuses the vector ranking with a lexical TF-IDF ranking and
// then applies the standard post-processing uniformly.
func (e *Engine) HybridSearch(ctx context.Context, ds *models.Dataset, query []float32, opts *models.HybridOptions) ([]models.SearchResult, models.SearchStats, error) {
	if opts == nil {
		opts = &models.HybridOptions{}
	}
	if err := opts.Validate(); err != nil {
		return nil, models.SearchStats{}, verrors.Wrap(verrors.CodeInvalidSearchParams, err, "invalid hybrid options")
	}
	if len(query) != ds.Dimensions {
		return nil, models.SearchStats{}, verrors.InvalidDimensions(ds.Dimensions, len(query))
	}
	filterExpr, err := filter.Parse(opts.Filters)
	if err != nil {
		return nil, models.SearchStats{}, err
	}

	h, release, err := e.handles.Reader(ds.ID)
	if err != nil {
		return nil, models.SearchStats{}, err
	}
	defer release()

	var stats models.SearchStats
	dbStart := time.Now()
	m := ds.Metric
	if opts.Metric != "" {
		m = opts.Metric
	}
	overscan := overscanFactor * opts.TopK

	vecCands := e.retrieve(h, ds, m, query, &opts.SearchOptions, &stats)
	vecEntries := make([]fusion.Entry, len(vecCands))
	for i, c := range vecCands {
		vecEntries[i] = fusion.Entry{ID: c.ID, Score: c.Score, Rank: i + 1}
	}

	textHits := e.lexicalIndex(ds.ID, h).Search(opts.Query, overscan)
	textEntries := make([]fusion.Entry, len(textHits))
	for i, hit := range textHits {
		textEntries[i] = fusion.Entry{ID: hit.ID, Score: hit.Score, Rank: i + 1}
	}
	stats.DatabaseTimeMS = time.Since(dbStart).Milliseconds()

	postStart := time.Now()
	fused := fusion.Fuse(opts.Fusion, vecEntries, textEntries, opts.VectorWeight, opts.TextWeight)

	// Distances come from the vector branch; text-only hits keep zero.
	vecByID := make(map[string]index.Candidate, len(vecCands))
	for _, c := range vecCands {
		vecByID[c.ID] = c
	}
	cands := make([]index.Candidate, 0, len(fused))
	for _, f := range fused {
		c := index.Candidate{ID: f.ID, Score: f.Score}
		if vc, ok := vecByID[f.ID]; ok {
			c.Distance = vc.Distance
		}
		cands = append(cands, c)
	}

	// Fused scores are similarity-ordered regardless of the metric.
	results := e.postProcess(h, models.MetricCosine, cands, filterExpr, &opts.SearchOptions, &stats)
	stats.PostProcessingMS = time.Since(postStart).Milliseconds()
	return results, stats, nil
}

// lexicalIndex returns the dataset's inverted index, building it from the
// live rows on first use after an invalidation.
func (e *Engine) lexicalIndex(datasetID string, h *storage.Handle) *lexical.Index {
	e.mu.Lock()
	defer e.mu.Unlock()
	if idx, ok := e.lexical[datasetID]; ok {
		return idx
	}

	idx := lexical.NewIndex()
	docs := make([]lexical.Document, 0, h.Count())
	for _, id := range h.IDs() {
		rowIdx, ok := h.Lookup(id)
		if !ok {
			continue
		}
		row, err := h.Get(rowIdx)
		if err != nil {
			continue
		}
		if row.Content != "" {
			docs = append(docs, lexical.Document{ID: row.ID, Content: row.Content})
		}
	}
	idx.Build(docs)
	e.lexical[datasetID] = idx
	return idx
}

// tokenOverlap measures what fraction of the query's tokens appear in the
// content.
func tokenOverlap(queryText, content string) float64 {
	queryTokens := lexical.Tokenize(queryText)
	if len(queryTokens) == 0 {
		return 0
	}
	contentSet := make(map[string]struct{})
	for _, tok := range lexical.Tokenize(content) {
		contentSet[tok] = struct{}{}
	}
	var overlap int
	for _, tok := range queryTokens {
		if _, ok := contentSet[tok]; ok {
			overlap++
		}
	}
	return float64(overlap) / float64(len(queryTokens))
}

func sortByMetric(m models.Metric, cands []index.Candidate) {
	similarity := m.SimilarityOrdered()
	sort.SliceStable(cands, func(i, j int) bool {
		a, b := cands[i], cands[j]
		if similarity {
			if a.Score != b.Score {
				return a.Score > b.Score
			}
		} else {
			if a.Distance != b.Distance {
				return a.Distance < b.Distance
			}
		}
		return a.ID < b.ID
	})
}

func sortResults(m models.Metric, results []models.SearchResult) {
	similarity := m.SimilarityOrdered()
	sort.SliceStable(results, func(i, j int) bool {
		a, b := results[i], results[j]
		if similarity {
			if a.Score != b.Score {
				return a.Score > b.Score
			}
		} else {
			if a.Distance != b.Distance {
				return a.Distance < b.Distance
			}
		}
		return a.ID < b.ID
	})
}

// groupByDocument keeps the best-scoring chunk per document; the input is
// already ordered best-first. Vectors without a document id pass through
// ungrouped.
func groupByDocument(results []models.SearchResult) []models.SearchResult {
	out := results[:0]
	seen := make(map[string]struct{})
	for _, r := range results {
		if r.DocumentID == "" {
			out = append(out, r)
			continue
		}
		if _, ok := seen[r.DocumentID]; ok {
			continue
		}
		seen[r.DocumentID] = struct{}{}
		out = append(out, r)
	}
	return out
}
