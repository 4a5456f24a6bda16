// Package transfer implements the import/export file formats (CSV, JSON,
// JSONL) and the async job bodies that stream them.
package transfer

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"github.com/thebtf/vexdb/pkg/models"
	"github.com/thebtf/vexdb/pkg/verrors"
)

// Format identifies a transfer file format.
type Format string

const (
	FormatCSV   Format = "csv"
	FormatJSON  Format = "json"
	FormatJSONL Format = "jsonl"
)

// ParseFormat normalizes a format name. Empty selects JSON.
func ParseFormat(s string) (Format, error) {
	switch Format(strings.ToLower(strings.TrimSpace(s))) {
	case "":
		return FormatJSON, nil
	case FormatCSV:
		return FormatCSV, nil
	case FormatJSON:
		return FormatJSON, nil
	case FormatJSONL:
		return FormatJSONL, nil
	}
	return "", verrors.New(verrors.CodeValidation, "unknown format %q, want csv, json, or jsonl", s)
}

// ContentType returns the MIME type served for a format.
func (f Format) ContentType() string {
	switch f {
	case FormatCSV:
		return "text/csv"
	case FormatJSONL:
		return "application/x-ndjson"
	default:
		return "application/json"
	}
}

// Extension returns the file extension for a format, with the dot.
func (f Format) Extension() string {
	return "." + string(f)
}

// csvHeader is the fixed CSV column order.
var csvHeader = []string{
	"id", "document_id", "values", "content", "metadata",
	"chunk_id", "content_hash", "content_type", "language",
	"chunk_index", "chunk_count", "model", "created_at", "updated_at",
}

// Encoder streams vectors into a transfer file.
type Encoder struct {
	format  Format
	w       io.Writer
	csv     *csv.Writer
	started bool // JSON array opened
	count   int
}

// NewEncoder creates an encoder for the format. Close must be called to
// finish the output.
func NewEncoder(w io.Writer, format Format) *Encoder {
	e := &Encoder{format: format, w: w}
	if format == FormatCSV {
		e.csv = csv.NewWriter(w)
	}
	return e
}

// Encode writes one vector.
func (e *Encoder) Encode(v *models.Vector) error {
	switch e.format {
	case FormatCSV:
		if !e.started {
			e.started = true
			if err := e.csv.Write(csvHeader); err != nil {
				return err
			}
		}
		record, err := csvRecord(v)
		if err != nil {
			return err
		}
		return e.csv.Write(record)
	case FormatJSONL:
		data, err := json.Marshal(v)
		if err != nil {
			return err
		}
		_, err = e.w.Write(append(data, '\n'))
		return err
	default:
		prefix := ",\n  "
		if !e.started {
			e.started = true
			prefix = "[\n  "
		}
		data, err := json.Marshal(v)
		if err != nil {
			return err
		}
		if _, err := io.WriteString(e.w, prefix); err != nil {
			return err
		}
		_, err = e.w.Write(data)
		return err
	}
}

// Close terminates the output.
func (e *Encoder) Close() error {
	switch e.format {
	case FormatCSV:
		if !e.started {
			if err := e.csv.Write(csvHeader); err != nil {
				return err
			}
		}
		e.csv.Flush()
		return e.csv.Error()
	case FormatJSONL:
		return nil
	default:
		if !e.started {
			_, err := io.WriteString(e.w, "[]\n")
			return err
		}
		_, err := io.WriteString(e.w, "\n]\n")
		return err
	}
}

func csvRecord(v *models.Vector) ([]string, error) {
	values, err := json.Marshal(v.Values)
	if err != nil {
		return nil, err
	}
	metadata := ""
	if len(v.Metadata) > 0 {
		data, err := json.Marshal(v.Metadata)
		if err != nil {
			return nil, err
		}
		metadata = string(data)
	}
	return []string{
		v.ID,
		v.DocumentID,
		string(values),
		v.Content,
		metadata,
		v.ChunkID,
		v.ContentHash,
		v.ContentType,
		v.Language,
		strconv.Itoa(v.ChunkIndex),
		strconv.Itoa(v.ChunkCount),
		v.Model,
		timeField(v.CreatedAt),
		timeField(v.UpdatedAt),
	}, nil
}

func timeField(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

// Decoder streams vectors out of a transfer file. Row-level problems are
// returned as typed validation errors so callers can collect them without
// aborting; anything else ends the stream.
type Decoder struct {
	format Format
	csv    *csv.Reader
	header []string

	jsonRows []*models.Vector // FormatJSON buffers the array up front
	jsonPos  int
	jsonErr  error
	loaded   bool

	scanner *jsonlScanner
	line    int
}

// NewDecoder creates a decoder for the format.
func NewDecoder(r io.Reader, format Format) *Decoder {
	d := &Decoder{format: format}
	switch format {
	case FormatCSV:
		d.csv = csv.NewReader(r)
		d.csv.FieldsPerRecord = -1
	case FormatJSON:
		var rows []*models.Vector
		d.jsonErr = json.NewDecoder(r).Decode(&rows)
		d.jsonRows = rows
		d.loaded = true
	default:
		d.scanner = newJSONLScanner(r)
	}
	return d
}

// Next returns the next vector. io.EOF ends the stream; a validation
// error describes one bad row and the stream continues past it.
func (d *Decoder) Next() (*models.Vector, error) {
	switch d.format {
	case FormatCSV:
		return d.nextCSV()
	case FormatJSON:
		if d.jsonErr != nil {
			err := d.jsonErr
			d.jsonErr = nil
			return nil, verrors.Wrap(verrors.CodeValidation, err, "parse json array")
		}
		if d.jsonPos >= len(d.jsonRows) {
			return nil, io.EOF
		}
		v := d.jsonRows[d.jsonPos]
		d.jsonPos++
		return v, nil
	default:
		return d.nextJSONL()
	}
}

func (d *Decoder) nextCSV() (*models.Vector, error) {
	for {
		record, err := d.csv.Read()
		if err != nil {
			return nil, err
		}
		d.line++
		if d.header == nil {
			d.header = normalizeHeader(record)
			if err := validateHeader(d.header); err != nil {
				return nil, err
			}
			continue
		}
		v, err := vectorFromCSV(d.header, record)
		if err != nil {
			return nil, verrors.Wrap(verrors.CodeValidation, err, fmt.Sprintf("csv line %d", d.line))
		}
		return v, nil
	}
}

func (d *Decoder) nextJSONL() (*models.Vector, error) {
	line, err := d.scanner.next()
	if err != nil {
		return nil, err
	}
	d.line++
	var v models.Vector
	if err := json.Unmarshal(line, &v); err != nil {
		return nil, verrors.Wrap(verrors.CodeValidation, err, fmt.Sprintf("jsonl line %d", d.line))
	}
	return &v, nil
}

func normalizeHeader(record []string) []string {
	out := make([]string, len(record))
	for i, col := range record {
		out[i] = strings.ToLower(strings.TrimSpace(col))
	}
	return out
}

func validateHeader(header []string) error {
	have := make(map[string]struct{}, len(header))
	for _, col := range header {
		have[col] = struct{}{}
	}
	for _, col := range []string{"id", "values"} {
		if _, ok := have[col]; !ok {
			return verrors.New(verrors.CodeValidation, "csv header is missing required column %q", col)
		}
	}
	return nil
}

func vectorFromCSV(header, record []string) (*models.Vector, error) {
	v := &models.Vector{}
	for i, col := range header {
		if i >= len(record) {
			break
		}
		field := record[i]
		switch col {
		case "id":
			v.ID = field
		case "document_id":
			v.DocumentID = field
		case "values":
			if err := json.Unmarshal([]byte(field), &v.Values); err != nil {
				return nil, fmt.Errorf("values: %w", err)
			}
		case "content":
			v.Content = field
		case "metadata":
			if field != "" {
				if err := json.Unmarshal([]byte(field), &v.Metadata); err != nil {
					return nil, fmt.Errorf("metadata: %w", err)
				}
			}
		case "chunk_id":
			v.ChunkID = field
		case "content_hash":
			v.ContentHash = field
		case "content_type":
			v.ContentType = field
		case "language":
			v.Language = field
		case "chunk_index":
			if field != "" {
				n, err := strconv.Atoi(field)
				if err != nil {
					return nil, fmt.Errorf("chunk_index: %w", err)
				}
				v.ChunkIndex = n
			}
		case "chunk_count":
			if field != "" {
				n, err := strconv.Atoi(field)
				if err != nil {
					return nil, fmt.Errorf("chunk_count: %w", err)
				}
				v.ChunkCount = n
			}
		case "model":
			v.Model = field
		case "created_at":
			if field != "" {
				t, err := time.Parse(time.RFC3339, field)
				if err != nil {
					return nil, fmt.Errorf("created_at: %w", err)
				}
				v.CreatedAt = t
			}
		case "updated_at":
			if field != "" {
				t, err := time.Parse(time.RFC3339, field)
				if err != nil {
					return nil, fmt.Errorf("updated_at: %w", err)
				}
				v.UpdatedAt = t
			}
		}
	}
	return v, nil
}
