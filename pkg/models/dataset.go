// Package models defines the core data types shared across vexdb components.
package models

import (
	"fmt"
	"time"
)

// Metric identifies the distance metric a dataset is queried with.
type Metric string

const (
	MetricCosine    Metric = "cosine"
	MetricEuclidean Metric = "euclidean"
	MetricManhattan Metric = "manhattan"
	MetricDot       Metric = "dot"
	MetricHamming   Metric = "hamming"
)

// Valid reports whether m is a known metric.
func (m Metric) Valid() bool {
	switch m {
	case MetricCosine, MetricEuclidean, MetricManhattan, MetricDot, MetricHamming:
		return true
	}
	return false
}

// SimilarityOrdered reports whether results under this metric are ranked by
// score descending (as opposed to distance ascending).
func (m Metric) SimilarityOrdered() bool {
	switch m {
	case MetricCosine, MetricDot, MetricHamming:
		return true
	}
	return false
}

// IndexKind identifies the declared index type of a dataset.
type IndexKind string

const (
	IndexFlat    IndexKind = "flat"
	IndexHNSW    IndexKind = "hnsw"
	IndexIVF     IndexKind = "ivf"
	IndexDefault IndexKind = "default"
)

// Valid reports whether k is a known index kind.
func (k IndexKind) Valid() bool {
	switch k {
	case IndexFlat, IndexHNSW, IndexIVF, IndexDefault:
		return true
	}
	return false
}

// Dimension bounds for datasets.
const (
	MinDimensions = 1
	MaxDimensions = 10000
)

// Dataset is the unit of isolation: a tenant-scoped collection of
// fixed-dimension vectors sharing a single metric.
type Dataset struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Description string            `json:"description,omitempty"`
	Dimensions  int               `json:"dimensions"`
	Metric      Metric            `json:"metric"`
	IndexKind   IndexKind         `json:"index_type"`
	TenantID    string            `json:"tenant_id"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// DatasetSpec is the request shape for creating a dataset.
type DatasetSpec struct {
	Name        string            `json:"name"`
	Description string            `json:"description,omitempty"`
	Dimensions  int               `json:"dimensions"`
	Metric      Metric            `json:"metric,omitempty"`
	IndexKind   IndexKind         `json:"index_type,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	Overwrite   bool              `json:"overwrite,omitempty"`
}

// Validate checks the spec against the dataset invariants.
func (s *DatasetSpec) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("dataset name is required")
	}
	if s.Dimensions < MinDimensions || s.Dimensions > MaxDimensions {
		return fmt.Errorf("dimensions must be in [%d, %d], got %d", MinDimensions, MaxDimensions, s.Dimensions)
	}
	if s.Metric != "" && !s.Metric.Valid() {
		return fmt.Errorf("unknown metric %q", s.Metric)
	}
	if s.IndexKind != "" && !s.IndexKind.Valid() {
		return fmt.Errorf("unknown index type %q", s.IndexKind)
	}
	return nil
}

// WithDefaults returns a copy of the spec with metric and index defaults applied.
func (s DatasetSpec) WithDefaults() DatasetSpec {
	if s.Metric == "" {
		s.Metric = MetricCosine
	}
	if s.IndexKind == "" {
		s.IndexKind = IndexDefault
	}
	return s
}

// DatasetKey derives the storage identifier for a tenant's dataset name.
// Names are only unique per tenant, so the on-disk key carries the tenant
// to keep equally named datasets apart.
func DatasetKey(tenantID, name string) string {
	if tenantID == "" {
		return name
	}
	return tenantID + "__" + name
}

// DatasetStats summarizes the live state of a dataset.
type DatasetStats struct {
	DatasetID   string     `json:"dataset_id"`
	VectorCount int        `json:"vector_count"`
	SizeBytes   int64      `json:"size_bytes"`
	Index       IndexStats `json:"index"`
}

// IndexStats describes the current index of a dataset.
type IndexStats struct {
	Kind         IndexKind      `json:"type"`
	VectorCount  int            `json:"vector_count"`
	SizeBytes    int64          `json:"approx_size_bytes"`
	BuildSeconds float64        `json:"build_seconds"`
	Parameters   map[string]int `json:"parameters,omitempty"`
	Trained      bool           `json:"trained"`
}
