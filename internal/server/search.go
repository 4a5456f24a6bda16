package server

import (
	"net/http"
	"time"

	"github.com/thebtf/vexdb/pkg/models"
	"github.com/thebtf/vexdb/pkg/verrors"
)

// searchRequest is the /search body: a query vector plus inline options.
// The pointer fields distinguish absent thresholds from explicit zeros.
type searchRequest struct {
	models.SearchOptions
	Vector      []float32 `json:"vector"`
	Threshold   *float64  `json:"threshold,omitempty"`
	MaxDistance *float64  `json:"max_distance,omitempty"`
	MinScore    *float64  `json:"min_score,omitempty"`
}

func (req *searchRequest) options() *models.SearchOptions {
	opts := req.SearchOptions
	if req.Threshold != nil {
		opts.Threshold = *req.Threshold
		opts.HasThreshold = true
	}
	if req.MaxDistance != nil {
		opts.MaxDistance = *req.MaxDistance
		opts.HasMaxDistance = true
	}
	if req.MinScore != nil {
		opts.MinScore = *req.MinScore
		opts.HasMinScore = true
	}
	return &opts
}

func (s *Service) handleSearch(w http.ResponseWriter, r *http.Request) {
	ds, err := s.datasetFor(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req searchRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if len(req.Vector) == 0 {
		writeError(w, r, verrors.New(verrors.CodeValidation, "query vector is required"))
		return
	}
	start := time.Now()
	results, stats, err := s.queries.Search(r.Context(), ds, req.Vector, req.options())
	if err != nil {
		writeError(w, r, err)
		return
	}
	s.metrics.observeSearch(time.Since(start))
	writeJSON(w, http.StatusOK, models.SearchResponse{Results: results, Stats: stats})
}

// textSearchRequest is the /search/text body. The query text is embedded by
// the configured provider before the vector search runs.
type textSearchRequest struct {
	searchRequest
	Query string `json:"query"`
}

func (s *Service) handleTextSearch(w http.ResponseWriter, r *http.Request) {
	if s.embedder == nil {
		writeError(w, r, verrors.New(verrors.CodeUnimplemented, "text search requires an embedding provider"))
		return
	}
	ds, err := s.datasetFor(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req textSearchRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.Query == "" {
		writeError(w, r, verrors.New(verrors.CodeValidation, "query text is required"))
		return
	}
	vec, err := s.embedder.Embed(r.Context(), req.Query)
	if err != nil {
		writeError(w, r, verrors.Wrap(verrors.CodeInternal, err, "embed query text"))
		return
	}
	opts := req.options()
	if opts.QueryText == "" {
		opts.QueryText = req.Query
	}
	start := time.Now()
	results, stats, err := s.queries.Search(r.Context(), ds, vec, opts)
	if err != nil {
		writeError(w, r, err)
		return
	}
	s.metrics.observeSearch(time.Since(start))
	writeJSON(w, http.StatusOK, models.SearchResponse{Results: results, Stats: stats})
}

// hybridSearchRequest is the /search/hybrid body.
type hybridSearchRequest struct {
	searchRequest
	Query        string              `json:"query"`
	Fusion       models.FusionMethod `json:"fusion,omitempty"`
	VectorWeight float64             `json:"vector_weight,omitempty"`
	TextWeight   float64             `json:"text_weight,omitempty"`
}

func (s *Service) handleHybridSearch(w http.ResponseWriter, r *http.Request) {
	ds, err := s.datasetFor(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req hybridSearchRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if len(req.Vector) == 0 {
		writeError(w, r, verrors.New(verrors.CodeValidation, "query vector is required"))
		return
	}
	if req.Query == "" {
		writeError(w, r, verrors.New(verrors.CodeValidation, "query text is required"))
		return
	}
	opts := &models.HybridOptions{
		SearchOptions: *req.options(),
		Query:         req.Query,
		Fusion:        req.Fusion,
		VectorWeight:  req.VectorWeight,
		TextWeight:    req.TextWeight,
	}
	start := time.Now()
	results, stats, err := s.queries.HybridSearch(r.Context(), ds, req.Vector, opts)
	if err != nil {
		writeError(w, r, err)
		return
	}
	s.metrics.observeSearch(time.Since(start))
	writeJSON(w, http.StatusOK, models.SearchResponse{Results: results, Stats: stats})
}
