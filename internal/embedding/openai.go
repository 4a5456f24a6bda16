// Package embedding turns query text into vectors through an
// OpenAI-compatible REST endpoint (OpenAI itself, LiteLLM, Ollama, or any
// proxy speaking the /embeddings wire format). It backs text and hybrid
// search for callers that do not embed client-side.
package embedding

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog/log"
)

const (
	DefaultBaseURL = "https://api.openai.com/v1"
	DefaultModel   = "text-embedding-3-small"

	httpTimeout = 30 * time.Second
)

// Config selects the endpoint and model. The API key is deliberately not
// part of the YAML config surface; it arrives via VEXDB_EMBEDDING_API_KEY.
type Config struct {
	BaseURL    string
	Model      string
	APIKey     string
	Dimensions int // 0 lets the model decide
}

// Client is a minimal /embeddings caller. Safe for concurrent use.
type Client struct {
	http    *http.Client
	baseURL string
	model   string
	apiKey  string
	dims    int
}

func NewClient(cfg Config) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("embedding API key is required")
	}
	baseURL := strings.TrimSuffix(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	model := cfg.Model
	if model == "" {
		model = DefaultModel
	}
	return &Client{
		http:    &http.Client{Timeout: httpTimeout},
		baseURL: baseURL,
		model:   model,
		apiKey:  cfg.APIKey,
		dims:    cfg.Dimensions,
	}, nil
}

type embedRequest struct {
	Input          any    `json:"input"`
	Model          string `json:"model"`
	EncodingFormat string `json:"encoding_format"`
	Dimensions     int    `json:"dimensions,omitempty"`
}

type embedResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
	Model string `json:"model"`
}

// Embed returns the embedding for a single text.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := c.request(ctx, text)
	if err != nil {
		return nil, err
	}
	if len(vecs) == 0 {
		return nil, fmt.Errorf("embedding API returned no result for model %s", c.model)
	}
	return vecs[0], nil
}

// EmbedBatch embeds texts in one call, preserving input order.
func (c *Client) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	vecs, err := c.request(ctx, texts)
	if err != nil {
		return nil, err
	}
	if len(vecs) != len(texts) {
		return nil, fmt.Errorf("embedding API returned %d results for %d inputs (model=%s)",
			len(vecs), len(texts), c.model)
	}
	return vecs, nil
}

func (c *Client) request(ctx context.Context, input any) ([][]float32, error) {
	body, err := json.Marshal(embedRequest{
		Input:          input,
		Model:          c.model,
		EncodingFormat: "float",
		Dimensions:     c.dims,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal embedding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create embedding request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call embedding endpoint %s: %w", c.baseURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("embedding API error (model=%s, status=%d): %s",
			c.model, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	var decoded embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("decode embedding response from %s: %w", c.baseURL, err)
	}

	// The API is allowed to reorder entries; Index restores input order.
	sort.Slice(decoded.Data, func(i, j int) bool {
		return decoded.Data[i].Index < decoded.Data[j].Index
	})
	out := make([][]float32, len(decoded.Data))
	for i, d := range decoded.Data {
		out[i] = d.Embedding
	}

	log.Debug().
		Str("model", c.model).
		Int("inputs", len(out)).
		Dur("elapsed", time.Since(start)).
		Msg("Embedded query text")
	return out, nil
}
