package rerank

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"tke/internal/cache"
	"tke/internal/config"
	"tke/internal/tkerr"
)

// Document is one candidate to rescore.
type Document struct {
	ID   string
	Text string
}

// Client calls the cross-encoder rerank service. Results are cached on the
// query plus the candidate id set.
type Client struct {
	url   string
	http  *http.Client
	cache *cache.Cache
}

// NewClient builds a rerank client. cache may be nil.
func NewClient(cfg config.RerankConfig, c *cache.Cache) *Client {
	return &Client{
		url:   cfg.URL,
		http:  &http.Client{Timeout: time.Duration(cfg.TimeoutSec) * time.Second},
		cache: c,
	}
}

type rerankRequest struct {
	Query     string   `json:"query"`
	Documents []string `json:"documents"`
	TopK      int      `json:"top_k"`
}

type rerankResult struct {
	Index int     `json:"index"`
	Score float64 `json:"score"`
}

type rerankResponse struct {
	Results []rerankResult `json:"results"`
}

// Rerank returns relevance scores keyed by document id. Failures propagate;
// callers fall back to their pre-rerank ordering.
func (c *Client) Rerank(ctx context.Context, query string, docs []Document) (map[string]float64, error) {
	if len(docs) == 0 {
		return map[string]float64{}, nil
	}

	ids := make([]string, len(docs))
	texts := make([]string, len(docs))
	for i, d := range docs {
		ids[i] = d.ID
		texts[i] = d.Text
	}

	var key string
	if c.cache != nil {
		key = cache.RerankKey(query, ids)
		if scores, ok := c.cache.GetRerank(ctx, key); ok {
			return scores, nil
		}
	}

	body, _ := json.Marshal(rerankRequest{Query: query, Documents: texts, TopK: len(docs)})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, tkerr.Dependencyf("rerank service: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, tkerr.Dependencyf("rerank service status %d: %s", resp.StatusCode, string(raw))
	}

	var rr rerankResponse
	if err := json.NewDecoder(resp.Body).Decode(&rr); err != nil {
		return nil, tkerr.Dependencyf("rerank service: decode response: %v", err)
	}
	if len(rr.Results) == 0 {
		return nil, tkerr.Dependencyf("rerank service: empty results for %d documents", len(docs))
	}

	scores := make(map[string]float64, len(rr.Results))
	for _, res := range rr.Results {
		if res.Index < 0 || res.Index >= len(docs) {
			return nil, tkerr.Dependencyf("rerank service: result index %d out of range for %d documents",
				res.Index, len(docs))
		}
		scores[docs[res.Index].ID] = res.Score
	}
	if c.cache != nil {
		c.cache.SetRerank(ctx, key, scores)
	}
	return scores, nil
}
