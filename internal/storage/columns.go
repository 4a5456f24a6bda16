package storage

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	json "github.com/goccy/go-json"

	"github.com/thebtf/vexdb/pkg/models"
)

// On-disk column files inside a generation directory. Every attribute is its
// own tensor; the embedding column is raw little-endian float32 of fixed
// shape N x D, everything else is a JSON array of equal length N.
const (
	colEmbedding   = "embedding.f32"
	colIDs         = "id.json"
	colDocumentIDs = "document_id.json"
	colChunkIDs    = "chunk_id.json"
	colChunkIndex  = "chunk_index.json"
	colChunkCount  = "chunk_count.json"
	colContent     = "content.json"
	colContentHash = "content_hash.json"
	colContentType = "content_type.json"
	colLanguage    = "language.json"
	colModel       = "model.json"
	colMetadata    = "metadata.json"
	colCreatedAt   = "created_at.json"
	colUpdatedAt   = "updated_at.json"
)

// columns is the in-memory columnar representation of a dataset generation.
// All slices have equal length; embeddings holds len(ids)*dims floats.
type columns struct {
	dims int

	ids         []string
	documentIDs []string
	chunkIDs    []string
	chunkIndex  []int
	chunkCount  []int
	content     []string
	contentHash []string
	contentType []string
	language    []string
	model       []string
	metadata    []string // JSON-encoded objects, "" for none
	createdAt   []time.Time
	updatedAt   []time.Time
	embeddings  []float32
}

func newColumns(dims int) *columns {
	return &columns{dims: dims}
}

func (c *columns) len() int { return len(c.ids) }

// indexOf returns the position of a vector id, or -1.
func (c *columns) indexOf(id string) int {
	for i, existing := range c.ids {
		if existing == id {
			return i
		}
	}
	return -1
}

// appendRow adds one fully-formed row. The caller validates dimensions.
func (c *columns) appendRow(v models.Vector) error {
	metaJSON := ""
	if len(v.Metadata) > 0 {
		encoded, err := json.Marshal(v.Metadata)
		if err != nil {
			return fmt.Errorf("encode metadata for %s: %w", v.ID, err)
		}
		metaJSON = string(encoded)
	}

	c.ids = append(c.ids, v.ID)
	c.documentIDs = append(c.documentIDs, v.DocumentID)
	c.chunkIDs = append(c.chunkIDs, v.ChunkID)
	c.chunkIndex = append(c.chunkIndex, v.ChunkIndex)
	c.chunkCount = append(c.chunkCount, v.ChunkCount)
	c.content = append(c.content, v.Content)
	c.contentHash = append(c.contentHash, v.ContentHash)
	c.contentType = append(c.contentType, v.ContentType)
	c.language = append(c.language, v.Language)
	c.model = append(c.model, v.Model)
	c.metadata = append(c.metadata, metaJSON)
	c.createdAt = append(c.createdAt, v.CreatedAt)
	c.updatedAt = append(c.updatedAt, v.UpdatedAt)
	c.embeddings = append(c.embeddings, v.Values...)
	return nil
}

// row materializes row i. Values aliases the column storage; callers must
// not mutate it.
func (c *columns) row(i int) (models.Vector, error) {
	if i < 0 || i >= c.len() {
		return models.Vector{}, fmt.Errorf("row %d out of range [0, %d)", i, c.len())
	}
	var meta map[string]any
	if c.metadata[i] != "" {
		if err := json.Unmarshal([]byte(c.metadata[i]), &meta); err != nil {
			return models.Vector{}, fmt.Errorf("decode metadata for row %d: %w", i, err)
		}
	}
	return models.Vector{
		ID:          c.ids[i],
		DocumentID:  c.documentIDs[i],
		ChunkID:     c.chunkIDs[i],
		ChunkIndex:  c.chunkIndex[i],
		ChunkCount:  c.chunkCount[i],
		Values:      c.embedding(i),
		Content:     c.content[i],
		ContentHash: c.contentHash[i],
		ContentType: c.contentType[i],
		Language:    c.language[i],
		Model:       c.model[i],
		Metadata:    meta,
		CreatedAt:   c.createdAt[i],
		UpdatedAt:   c.updatedAt[i],
	}, nil
}

// embedding returns the D-length slice for row i, aliasing column storage.
func (c *columns) embedding(i int) []float32 {
	return c.embeddings[i*c.dims : (i+1)*c.dims]
}

// deleteRow removes element i from every column.
func (c *columns) deleteRow(i int) error {
	if i < 0 || i >= c.len() {
		return fmt.Errorf("row %d out of range [0, %d)", i, c.len())
	}
	c.ids = append(c.ids[:i], c.ids[i+1:]...)
	c.documentIDs = append(c.documentIDs[:i], c.documentIDs[i+1:]...)
	c.chunkIDs = append(c.chunkIDs[:i], c.chunkIDs[i+1:]...)
	c.chunkIndex = append(c.chunkIndex[:i], c.chunkIndex[i+1:]...)
	c.chunkCount = append(c.chunkCount[:i], c.chunkCount[i+1:]...)
	c.content = append(c.content[:i], c.content[i+1:]...)
	c.contentHash = append(c.contentHash[:i], c.contentHash[i+1:]...)
	c.contentType = append(c.contentType[:i], c.contentType[i+1:]...)
	c.language = append(c.language[:i], c.language[i+1:]...)
	c.model = append(c.model[:i], c.model[i+1:]...)
	c.metadata = append(c.metadata[:i], c.metadata[i+1:]...)
	c.createdAt = append(c.createdAt[:i], c.createdAt[i+1:]...)
	c.updatedAt = append(c.updatedAt[:i], c.updatedAt[i+1:]...)
	c.embeddings = append(c.embeddings[:i*c.dims], c.embeddings[(i+1)*c.dims:]...)
	return nil
}

// clone deep-copies the columns so writers can stage changes without
// touching a reader-visible snapshot.
func (c *columns) clone() *columns {
	dup := &columns{
		dims:        c.dims,
		ids:         append([]string(nil), c.ids...),
		documentIDs: append([]string(nil), c.documentIDs...),
		chunkIDs:    append([]string(nil), c.chunkIDs...),
		chunkIndex:  append([]int(nil), c.chunkIndex...),
		chunkCount:  append([]int(nil), c.chunkCount...),
		content:     append([]string(nil), c.content...),
		contentHash: append([]string(nil), c.contentHash...),
		contentType: append([]string(nil), c.contentType...),
		language:    append([]string(nil), c.language...),
		model:       append([]string(nil), c.model...),
		metadata:    append([]string(nil), c.metadata...),
		createdAt:   append([]time.Time(nil), c.createdAt...),
		updatedAt:   append([]time.Time(nil), c.updatedAt...),
		embeddings:  append([]float32(nil), c.embeddings...),
	}
	return dup
}

// save writes every column into dir. Files are written whole; the caller
// makes the generation visible atomically afterwards.
func (c *columns) save(dir string) error {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create generation dir: %w", err)
	}

	jsonCols := map[string]any{
		colIDs:         c.ids,
		colDocumentIDs: c.documentIDs,
		colChunkIDs:    c.chunkIDs,
		colChunkIndex:  c.chunkIndex,
		colChunkCount:  c.chunkCount,
		colContent:     c.content,
		colContentHash: c.contentHash,
		colContentType: c.contentType,
		colLanguage:    c.language,
		colModel:       c.model,
		colMetadata:    c.metadata,
		colCreatedAt:   timesToStrings(c.createdAt),
		colUpdatedAt:   timesToStrings(c.updatedAt),
	}
	for name, data := range jsonCols {
		encoded, err := json.Marshal(data)
		if err != nil {
			return fmt.Errorf("encode column %s: %w", name, err)
		}
		if err := os.WriteFile(filepath.Join(dir, name), encoded, 0o640); err != nil {
			return fmt.Errorf("write column %s: %w", name, err)
		}
	}

	buf := make([]byte, len(c.embeddings)*4)
	for i, f := range c.embeddings {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	if err := os.WriteFile(filepath.Join(dir, colEmbedding), buf, 0o640); err != nil {
		return fmt.Errorf("write column %s: %w", colEmbedding, err)
	}
	return nil
}

// load reads every column from dir and validates that all columns agree on
// the row count. Any mismatch is treated as corruption.
func loadColumns(dir string, dims int) (*columns, error) {
	c := newColumns(dims)

	readJSON := func(name string, target any) error {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return fmt.Errorf("missing chunks: column %s: %w", name, err)
		}
		if err := json.Unmarshal(data, target); err != nil {
			return fmt.Errorf("corrupt column %s: %w", name, err)
		}
		return nil
	}

	var createdAt, updatedAt []string
	loads := []struct {
		name   string
		target any
	}{
		{colIDs, &c.ids},
		{colDocumentIDs, &c.documentIDs},
		{colChunkIDs, &c.chunkIDs},
		{colChunkIndex, &c.chunkIndex},
		{colChunkCount, &c.chunkCount},
		{colContent, &c.content},
		{colContentHash, &c.contentHash},
		{colContentType, &c.contentType},
		{colLanguage, &c.language},
		{colModel, &c.model},
		{colMetadata, &c.metadata},
		{colCreatedAt, &createdAt},
		{colUpdatedAt, &updatedAt},
	}
	for _, l := range loads {
		if err := readJSON(l.name, l.target); err != nil {
			return nil, err
		}
	}

	var err error
	if c.createdAt, err = stringsToTimes(createdAt); err != nil {
		return nil, fmt.Errorf("corrupt column %s: %w", colCreatedAt, err)
	}
	if c.updatedAt, err = stringsToTimes(updatedAt); err != nil {
		return nil, fmt.Errorf("corrupt column %s: %w", colUpdatedAt, err)
	}

	raw, err := os.ReadFile(filepath.Join(dir, colEmbedding))
	if err != nil {
		return nil, fmt.Errorf("missing chunks: column %s: %w", colEmbedding, err)
	}
	if len(raw)%4 != 0 {
		return nil, fmt.Errorf("corrupt column %s: size %d not float32-aligned", colEmbedding, len(raw))
	}
	c.embeddings = make([]float32, len(raw)/4)
	for i := range c.embeddings {
		c.embeddings[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
	}

	n := len(c.ids)
	if dims > 0 && len(c.embeddings) != n*dims {
		return nil, fmt.Errorf("corrupt store: %d embeddings for %d rows of dim %d", len(c.embeddings), n, dims)
	}
	for _, check := range []struct {
		name string
		got  int
	}{
		{colDocumentIDs, len(c.documentIDs)},
		{colChunkIDs, len(c.chunkIDs)},
		{colChunkIndex, len(c.chunkIndex)},
		{colChunkCount, len(c.chunkCount)},
		{colContent, len(c.content)},
		{colContentHash, len(c.contentHash)},
		{colContentType, len(c.contentType)},
		{colLanguage, len(c.language)},
		{colModel, len(c.model)},
		{colMetadata, len(c.metadata)},
		{colCreatedAt, len(c.createdAt)},
		{colUpdatedAt, len(c.updatedAt)},
	} {
		if check.got != n {
			return nil, fmt.Errorf("corrupt store: column %s has %d rows, expected %d", check.name, check.got, n)
		}
	}
	return c, nil
}

func timesToStrings(ts []time.Time) []string {
	out := make([]string, len(ts))
	for i, t := range ts {
		out[i] = t.UTC().Format(time.RFC3339Nano)
	}
	return out
}

func stringsToTimes(ss []string) ([]time.Time, error) {
	out := make([]time.Time, len(ss))
	for i, s := range ss {
		if s == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return nil, err
		}
		out[i] = t
	}
	return out, nil
}
