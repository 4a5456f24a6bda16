package models

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// Vector is one embedding row inside a dataset.
type Vector struct {
	ID          string         `json:"id"`
	DocumentID  string         `json:"document_id,omitempty"`
	ChunkID     string         `json:"chunk_id,omitempty"`
	ChunkIndex  int            `json:"chunk_index,omitempty"`
	ChunkCount  int            `json:"chunk_count,omitempty"`
	Values      []float32      `json:"values"`
	Content     string         `json:"content,omitempty"`
	ContentHash string         `json:"content_hash,omitempty"`
	ContentType string         `json:"content_type,omitempty"`
	Language    string         `json:"language,omitempty"`
	Model       string         `json:"model,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// HashContent returns the hex SHA-256 of the content bytes, or "" for empty content.
func HashContent(content string) string {
	if content == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// BatchResult reports the outcome of a batch insert.
type BatchResult struct {
	Inserted      int      `json:"inserted"`
	Skipped       int      `json:"skipped"`
	Failed        int      `json:"failed"`
	ErrorMessages []string `json:"error_messages,omitempty"`
	ProcessingMS  int64    `json:"processing_ms"`
}

// InsertOptions controls batch insert behavior.
type InsertOptions struct {
	SkipExisting bool `json:"skip_existing,omitempty"`
	Overwrite    bool `json:"overwrite,omitempty"`
}
