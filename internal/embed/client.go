package embed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"tke/internal/cache"
	"tke/internal/config"
	"tke/internal/tkerr"
)

// Client calls the embedding service. Vectors are cached by exact input text;
// service failures always propagate, a degraded zero vector is never returned.
type Client struct {
	url         string
	http        *http.Client
	batchClient *http.Client
	cache       *cache.Cache
	dimension   int
}

// NewClient builds an embedding client. cache may be nil.
func NewClient(cfg config.EmbedConfig, c *cache.Cache) *Client {
	return &Client{
		url:         cfg.URL,
		http:        &http.Client{Timeout: time.Duration(cfg.TimeoutSec) * time.Second},
		batchClient: &http.Client{Timeout: time.Duration(cfg.BatchTimeoutSec) * time.Second},
		cache:       c,
		dimension:   cfg.Dimension,
	}
}

type embedRequest struct {
	Inputs    []string `json:"inputs"`
	Normalize bool     `json:"normalize"`
}

type embedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

// Embed returns the vector for one text, consulting the cache first.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	if strings.TrimSpace(text) == "" {
		return nil, tkerr.Inputf("embed: empty text")
	}
	if c.cache != nil {
		if vec, ok := c.cache.GetEmbedding(ctx, text); ok {
			return vec, nil
		}
	}
	vecs, err := c.post(ctx, c.http, []string{text})
	if err != nil {
		return nil, err
	}
	if c.cache != nil {
		c.cache.SetEmbedding(ctx, text, vecs[0])
	}
	return vecs[0], nil
}

// EmbedBatch embeds several texts in one request. Cached entries are reused;
// only the misses hit the service.
func (c *Client) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, tkerr.Inputf("embed: no texts")
	}
	out := make([][]float32, len(texts))
	var missing []string
	var missingIdx []int
	for i, t := range texts {
		if strings.TrimSpace(t) == "" {
			return nil, tkerr.Inputf("embed: empty text at index %d", i)
		}
		if c.cache != nil {
			if vec, ok := c.cache.GetEmbedding(ctx, t); ok {
				out[i] = vec
				continue
			}
		}
		missing = append(missing, t)
		missingIdx = append(missingIdx, i)
	}
	if len(missing) > 0 {
		vecs, err := c.post(ctx, c.batchClient, missing)
		if err != nil {
			return nil, err
		}
		for j, vec := range vecs {
			out[missingIdx[j]] = vec
			if c.cache != nil {
				c.cache.SetEmbedding(ctx, missing[j], vec)
			}
		}
	}
	return out, nil
}

func (c *Client) post(ctx context.Context, hc *http.Client, texts []string) ([][]float32, error) {
	body, _ := json.Marshal(embedRequest{Inputs: texts, Normalize: true})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := hc.Do(req)
	if err != nil {
		return nil, tkerr.Dependencyf("embed service: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, tkerr.Dependencyf("embed service status %d: %s", resp.StatusCode, string(raw))
	}

	var er embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&er); err != nil {
		return nil, tkerr.Dependencyf("embed service: decode response: %v", err)
	}
	if len(er.Embeddings) != len(texts) {
		return nil, tkerr.Dependencyf("embed service: got %d vectors for %d texts",
			len(er.Embeddings), len(texts))
	}
	for i, vec := range er.Embeddings {
		if c.dimension > 0 && len(vec) != c.dimension {
			return nil, tkerr.Dependencyf("embed service: vector %d has dimension %d, want %d",
				i, len(vec), c.dimension)
		}
	}
	return er.Embeddings, nil
}

// Health checks the service with a tiny probe text.
func (c *Client) Health(ctx context.Context) error {
	_, err := c.post(ctx, c.http, []string{"ping"})
	if err != nil {
		return fmt.Errorf("embed health: %w", err)
	}
	return nil
}
