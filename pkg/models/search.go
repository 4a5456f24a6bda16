package models

import "fmt"

// Top-k bounds for searches.
const (
	MinTopK = 1
	MaxTopK = 1000

	DefaultTopK = 10
)

// SearchOptions tunes a nearest-neighbor query.
type SearchOptions struct {
	TopK            int     `json:"top_k,omitempty"`
	Threshold       float64 `json:"threshold,omitempty"`
	MaxDistance     float64 `json:"max_distance,omitempty"`
	MinScore        float64 `json:"min_score,omitempty"`
	Metric          Metric  `json:"metric,omitempty"` // override of the dataset metric
	IncludeContent  bool    `json:"include_content,omitempty"`
	IncludeMetadata bool    `json:"include_metadata,omitempty"`
	Filters         any     `json:"filters,omitempty"` // map, structured map, or SQL string
	Deduplicate     bool    `json:"deduplicate,omitempty"`
	GroupByDocument bool    `json:"group_by_document,omitempty"`
	Rerank          bool    `json:"rerank,omitempty"`
	QueryText       string  `json:"query_text,omitempty"` // used by rerank token-overlap boost
	EfSearch        int     `json:"ef_search,omitempty"`
	Nprobe          int     `json:"nprobe,omitempty"`

	// HasThreshold and friends distinguish "unset" from zero. Populated by
	// the HTTP layer from raw JSON presence; callers constructing options
	// directly set them explicitly.
	HasThreshold   bool `json:"-"`
	HasMaxDistance bool `json:"-"`
	HasMinScore    bool `json:"-"`
}

// Validate bounds the options. TopK of zero is replaced with the default.
func (o *SearchOptions) Validate() error {
	if o.TopK == 0 {
		o.TopK = DefaultTopK
	}
	if o.TopK < MinTopK || o.TopK > MaxTopK {
		return fmt.Errorf("top_k must be in [%d, %d], got %d", MinTopK, MaxTopK, o.TopK)
	}
	if o.Metric != "" && !o.Metric.Valid() {
		return fmt.Errorf("unknown metric override %q", o.Metric)
	}
	return nil
}

// SearchResult is a single ranked hit.
type SearchResult struct {
	ID         string         `json:"id"`
	DocumentID string         `json:"document_id,omitempty"`
	Score      float64        `json:"score"`
	Distance   float64        `json:"distance"`
	Rank       int            `json:"rank"`
	Content    string         `json:"content,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// SearchStats reports work done by one query.
type SearchStats struct {
	VectorsScanned   int   `json:"vectors_scanned"`
	IndexHits        int   `json:"index_hits"`
	FilteredResults  int   `json:"filtered_results"`
	DatabaseTimeMS   int64 `json:"database_time_ms"`
	PostProcessingMS int64 `json:"post_processing_time_ms"`
}

// SearchResponse is the wire shape of a search reply.
type SearchResponse struct {
	Results []SearchResult `json:"results"`
	Stats   SearchStats    `json:"stats"`
}

// FusionMethod selects how vector and lexical rankings are combined.
type FusionMethod string

const (
	FusionWeightedSum FusionMethod = "weighted_sum"
	FusionRRF         FusionMethod = "rrf"
	FusionCombSUM     FusionMethod = "combsum"
	FusionCombMNZ     FusionMethod = "combmnz"
	FusionBorda       FusionMethod = "borda"
)

// Valid reports whether m is a known fusion method.
func (m FusionMethod) Valid() bool {
	switch m {
	case FusionWeightedSum, FusionRRF, FusionCombSUM, FusionCombMNZ, FusionBorda:
		return true
	}
	return false
}

// HybridOptions extends SearchOptions with fusion parameters.
type HybridOptions struct {
	SearchOptions
	Query        string       `json:"query"` // lexical query text
	Fusion       FusionMethod `json:"fusion,omitempty"`
	VectorWeight float64      `json:"vector_weight,omitempty"`
	TextWeight   float64      `json:"text_weight,omitempty"`
}

// Validate bounds the hybrid options and normalizes the weights so they sum to 1.
func (o *HybridOptions) Validate() error {
	if err := o.SearchOptions.Validate(); err != nil {
		return err
	}
	if o.Fusion == "" {
		o.Fusion = FusionRRF
	}
	if !o.Fusion.Valid() {
		return fmt.Errorf("unknown fusion method %q", o.Fusion)
	}
	if o.VectorWeight == 0 && o.TextWeight == 0 {
		o.VectorWeight, o.TextWeight = 0.5, 0.5
	}
	if o.VectorWeight < 0 || o.TextWeight < 0 {
		return fmt.Errorf("fusion weights must be non-negative")
	}
	if sum := o.VectorWeight + o.TextWeight; sum > 0 {
		o.VectorWeight /= sum
		o.TextWeight /= sum
	}
	return nil
}
