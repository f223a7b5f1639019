// Package embeddings provides text normalization and the client for the
// pinned embedding model server. Exactly one embedding model serves the whole
// plane: index vectors and query vectors must come from the same model, so
// the model name is fixed at construction and never varies per call.
package embeddings

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"

	"github.com/synapsehq/synapse/pkg/synerr"
)

// Normalize canonicalizes text before embedding or fingerprinting: Unicode
// NFC, trimmed, with internal whitespace runs collapsed to single spaces.
// Semantically identical queries that differ only in spacing or composed
// form normalize to the same string.
func Normalize(s string) string {
	return strings.Join(strings.Fields(norm.NFC.String(s)), " ")
}

// Client embeds text batches against a pinned model server.
type Client struct {
	endpoint  string
	model     string
	dimension int
	batchSize int
	client    *http.Client
}

// Option configures the client.
type Option func(*Client)

// WithBatchSize caps texts per Embed call.
func WithBatchSize(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.batchSize = n
		}
	}
}

// WithHTTPClient swaps the underlying HTTP client (tests).
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.client = hc }
}

// New creates a client pinned to one embedding model.
func New(endpoint, model string, dimension int, opts ...Option) *Client {
	c := &Client{
		endpoint:  strings.TrimRight(endpoint, "/"),
		model:     model,
		dimension: dimension,
		batchSize: 512,
		client:    &http.Client{Timeout: 2 * time.Minute},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Model returns the pinned model name.
func (c *Client) Model() string { return c.model }

// Dimension returns the pinned embedding dimension.
func (c *Client) Dimension() int { return c.dimension }

type embedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

// Embed returns one vector per input text, in input order. Inputs are
// normalized before being sent. All failures carry the embedding-unavailable
// kind so callers can degrade to retrieval-free operation.
func (c *Client) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	if len(texts) > c.batchSize {
		return nil, synerr.Newf(synerr.KindValidation, "batch size %d exceeds max %d", len(texts), c.batchSize)
	}

	normalized := make([]string, len(texts))
	for i, t := range texts {
		normalized[i] = Normalize(t)
	}

	body, err := json.Marshal(embedRequest{Model: c.model, Input: normalized})
	if err != nil {
		return nil, synerr.Wrap(synerr.KindEmbeddingUnavailable, err, "marshal embed request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/api/embed", bytes.NewReader(body))
	if err != nil {
		return nil, synerr.Wrap(synerr.KindEmbeddingUnavailable, err, "create embed request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, synerr.Wrap(synerr.KindEmbeddingUnavailable, err, "embed request")
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return nil, synerr.Wrap(synerr.KindEmbeddingUnavailable, err, "read embed response")
	}
	if resp.StatusCode != http.StatusOK {
		return nil, synerr.Newf(synerr.KindEmbeddingUnavailable,
			"embed API status %d: %s", resp.StatusCode, truncate(respBody, 256))
	}

	var result embedResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, synerr.Wrap(synerr.KindEmbeddingUnavailable, err, "decode embed response")
	}
	if len(result.Embeddings) != len(texts) {
		return nil, synerr.Newf(synerr.KindEmbeddingUnavailable,
			"expected %d embeddings, got %d", len(texts), len(result.Embeddings))
	}
	for i, v := range result.Embeddings {
		if len(v) != c.dimension {
			return nil, synerr.Newf(synerr.KindEmbeddingUnavailable,
				"embedding %d has dimension %d, want %d", i, len(v), c.dimension)
		}
	}
	return result.Embeddings, nil
}

// EmbedOne embeds a single text.
func (c *Client) EmbedOne(ctx context.Context, text string) ([]float32, error) {
	vecs, err := c.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// HealthCheck verifies the server answers for the pinned model.
func (c *Client) HealthCheck(ctx context.Context) error {
	_, err := c.EmbedOne(ctx, "health check")
	return err
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
