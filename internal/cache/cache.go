package cache

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"sort"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"tke/internal/config"
)

// TTLs per namespace.
const (
	embeddingTTL = 24 * time.Hour
	resultTTL    = 5 * time.Minute
	rerankTTL    = time.Hour
)

// Cache wraps redis with namespaced keys and fail-open semantics: any redis
// error counts as a miss and never propagates to the caller.
type Cache struct {
	client *redis.Client
	logger *zap.Logger

	hits   atomic.Int64
	misses atomic.Int64
}

// Stats is a point-in-time snapshot of cache effectiveness.
type Stats struct {
	Hits   int64   `json:"hits"`
	Misses int64   `json:"misses"`
	Rate   float64 `json:"hit_rate"`
}

// New connects to redis. The connection is verified lazily: a dead redis
// degrades the engine to uncached operation instead of failing startup.
func New(cfg config.RedisConfig, logger *zap.Logger) *Cache {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return &Cache{client: client, logger: logger}
}

func md5hex(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

// EmbeddingKey hashes the exact input text.
func EmbeddingKey(text string) string {
	return "tke:embedding:" + md5hex(text)
}

// ResultKey hashes the full query shape so different filters or modes never
// collide.
func ResultKey(query, mode string, filters map[string]string, topK int) string {
	payload, _ := json.Marshal(struct {
		Query   string            `json:"query"`
		Mode    string            `json:"mode"`
		Filters map[string]string `json:"filters"`
		TopK    int               `json:"top_k"`
	}{query, mode, filters, topK})
	return "tke:result:" + md5hex(string(payload))
}

// RerankKey hashes the query plus the sorted candidate ids, so candidate
// order does not fragment the cache.
func RerankKey(query string, docIDs []string) string {
	ids := append([]string(nil), docIDs...)
	sort.Strings(ids)
	payload, _ := json.Marshal(struct {
		Query  string   `json:"query"`
		DocIDs []string `json:"doc_ids"`
	}{query, ids})
	return "tke:rerank:" + md5hex(string(payload))
}

func (c *Cache) get(ctx context.Context, key string, dest interface{}) bool {
	raw, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.logger.Debug("cache get failed", zap.String("key", key), zap.Error(err))
		}
		c.misses.Add(1)
		return false
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		c.misses.Add(1)
		return false
	}
	c.hits.Add(1)
	return true
}

func (c *Cache) set(ctx context.Context, key string, value interface{}, ttl time.Duration) {
	raw, err := json.Marshal(value)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, key, raw, ttl).Err(); err != nil {
		c.logger.Debug("cache set failed", zap.String("key", key), zap.Error(err))
	}
}

// GetEmbedding returns a cached vector for the text, if any.
func (c *Cache) GetEmbedding(ctx context.Context, text string) ([]float32, bool) {
	var vec []float32
	ok := c.get(ctx, EmbeddingKey(text), &vec)
	return vec, ok
}

// SetEmbedding caches a vector for 24h.
func (c *Cache) SetEmbedding(ctx context.Context, text string, vec []float32) {
	c.set(ctx, EmbeddingKey(text), vec, embeddingTTL)
}

// GetResult returns a cached serialized query result.
func (c *Cache) GetResult(ctx context.Context, key string, dest interface{}) bool {
	return c.get(ctx, key, dest)
}

// SetResult caches a query result for 5min.
func (c *Cache) SetResult(ctx context.Context, key string, value interface{}) {
	c.set(ctx, key, value, resultTTL)
}

// GetRerank returns cached rerank scores keyed by doc id.
func (c *Cache) GetRerank(ctx context.Context, key string) (map[string]float64, bool) {
	var scores map[string]float64
	ok := c.get(ctx, key, &scores)
	return scores, ok
}

// SetRerank caches rerank scores for 1h.
func (c *Cache) SetRerank(ctx context.Context, key string, scores map[string]float64) {
	c.set(ctx, key, scores, rerankTTL)
}

// GetStats snapshots hit/miss counters.
func (c *Cache) GetStats() Stats {
	h, m := c.hits.Load(), c.misses.Load()
	s := Stats{Hits: h, Misses: m}
	if h+m > 0 {
		s.Rate = float64(h) / float64(h+m)
	}
	return s
}

// Ping reports whether redis is reachable, for the stats endpoint.
func (c *Cache) Ping(ctx context.Context) bool {
	return c.client.Ping(ctx).Err() == nil
}

// Close shuts down the redis client.
func (c *Cache) Close() error { return c.client.Close() }
