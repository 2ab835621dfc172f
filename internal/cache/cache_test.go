package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"tke/internal/config"
)

func newTestCache(t *testing.T) (*Cache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	c := New(config.RedisConfig{Addr: mr.Addr()}, zap.NewNop())
	t.Cleanup(func() { c.Close() })
	return c, mr
}

func TestEmbeddingRoundTrip(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()

	_, ok := c.GetEmbedding(ctx, "毛刺问题")
	assert.False(t, ok)

	c.SetEmbedding(ctx, "毛刺问题", []float32{0.1, 0.2, 0.3})
	vec, ok := c.GetEmbedding(ctx, "毛刺问题")
	require.True(t, ok)
	assert.Equal(t, []float32{0.1, 0.2, 0.3}, vec)

	// expires after 24h
	mr.FastForward(24*time.Hour + time.Second)
	_, ok = c.GetEmbedding(ctx, "毛刺问题")
	assert.False(t, ok)
}

func TestResultKeyDistinguishesShape(t *testing.T) {
	base := ResultKey("毛刺", "hybrid", map[string]string{"part_number": "A1"}, 10)
	assert.NotEqual(t, base, ResultKey("毛刺", "semantic", map[string]string{"part_number": "A1"}, 10))
	assert.NotEqual(t, base, ResultKey("毛刺", "hybrid", map[string]string{"part_number": "A2"}, 10))
	assert.NotEqual(t, base, ResultKey("毛刺", "hybrid", map[string]string{"part_number": "A1"}, 20))
	assert.Equal(t, base, ResultKey("毛刺", "hybrid", map[string]string{"part_number": "A1"}, 10))
}

func TestRerankKeyOrderInsensitive(t *testing.T) {
	a := RerankKey("毛刺", []string{"i1", "i2", "i3"})
	b := RerankKey("毛刺", []string{"i3", "i1", "i2"})
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, RerankKey("毛刺", []string{"i1", "i2"}))
}

func TestResultTTL(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()
	key := ResultKey("统计", "structured", nil, 5)

	c.SetResult(ctx, key, map[string]int{"total": 7})
	var got map[string]int
	require.True(t, c.GetResult(ctx, key, &got))
	assert.Equal(t, 7, got["total"])

	mr.FastForward(5*time.Minute + time.Second)
	assert.False(t, c.GetResult(ctx, key, &got))
}

func TestFailOpenWhenRedisDown(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()
	mr.Close()

	// no panic, no error: everything is a miss
	c.SetEmbedding(ctx, "x", []float32{1})
	_, ok := c.GetEmbedding(ctx, "x")
	assert.False(t, ok)
	assert.False(t, c.Ping(ctx))
}

func TestStats(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	c.GetEmbedding(ctx, "a") // miss
	c.SetEmbedding(ctx, "a", []float32{1})
	c.GetEmbedding(ctx, "a") // hit

	s := c.GetStats()
	assert.Equal(t, int64(1), s.Hits)
	assert.Equal(t, int64(1), s.Misses)
	assert.InDelta(t, 0.5, s.Rate, 1e-9)
}
