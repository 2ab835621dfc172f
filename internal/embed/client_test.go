package embed

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"tke/internal/cache"
	"tke/internal/config"
	"tke/internal/tkerr"
)

func testServer(t *testing.T, dim int, calls *int) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*calls++
		var req struct {
			Inputs    []string `json:"inputs"`
			Normalize bool     `json:"normalize"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.True(t, req.Normalize)
		vecs := make([][]float32, len(req.Inputs))
		for i := range req.Inputs {
			vecs[i] = make([]float32, dim)
			vecs[i][0] = float32(len(req.Inputs[i]))
		}
		json.NewEncoder(w).Encode(map[string]interface{}{"embeddings": vecs})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testConfig(url string) config.EmbedConfig {
	return config.EmbedConfig{URL: url, Dimension: 4, TimeoutSec: 5, BatchTimeoutSec: 5}
}

func TestEmbedRejectsEmptyText(t *testing.T) {
	c := NewClient(testConfig("http://unused"), nil)
	_, err := c.Embed(context.Background(), "   ")
	assert.ErrorIs(t, err, tkerr.ErrInput)

	_, err = c.EmbedBatch(context.Background(), []string{"ok", ""})
	assert.ErrorIs(t, err, tkerr.ErrInput)
}

func TestEmbedUsesCache(t *testing.T) {
	calls := 0
	srv := testServer(t, 4, &calls)
	mr := miniredis.RunT(t)
	ca := cache.New(config.RedisConfig{Addr: mr.Addr()}, zap.NewNop())

	c := NewClient(testConfig(srv.URL), ca)
	ctx := context.Background()

	v1, err := c.Embed(ctx, "毛刺")
	require.NoError(t, err)
	v2, err := c.Embed(ctx, "毛刺")
	require.NoError(t, err)
	assert.Equal(t, v1, v2)
	assert.Equal(t, 1, calls)
}

func TestEmbedBatchPartialCache(t *testing.T) {
	calls := 0
	srv := testServer(t, 4, &calls)
	mr := miniredis.RunT(t)
	ca := cache.New(config.RedisConfig{Addr: mr.Addr()}, zap.NewNop())

	c := NewClient(testConfig(srv.URL), ca)
	ctx := context.Background()

	_, err := c.Embed(ctx, "a")
	require.NoError(t, err)

	vecs, err := c.EmbedBatch(ctx, []string{"a", "bb", "ccc"})
	require.NoError(t, err)
	require.Len(t, vecs, 3)
	assert.Equal(t, float32(1), vecs[0][0])
	assert.Equal(t, float32(2), vecs[1][0])
	assert.Equal(t, float32(3), vecs[2][0])
	assert.Equal(t, 2, calls) // one single, one batch for the two misses
}

func TestEmbedDimensionMismatch(t *testing.T) {
	calls := 0
	srv := testServer(t, 3, &calls) // serves 3-d vectors, client expects 4
	c := NewClient(testConfig(srv.URL), nil)
	_, err := c.Embed(context.Background(), "x")
	assert.ErrorIs(t, err, tkerr.ErrDependency)
}

func TestEmbedServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not loaded", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient(testConfig(srv.URL), nil)
	_, err := c.Embed(context.Background(), "x")
	assert.ErrorIs(t, err, tkerr.ErrDependency)
}
