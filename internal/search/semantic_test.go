package search

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"tke/internal/rerank"
	"tke/internal/store/vector"
)

type fakeEmbedder struct{}

func (fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return []float32{0.1, 0.2}, nil
}

type fakeStore struct {
	cases  []vector.Scored
	issues []vector.Scored

	issueLimit     int
	issueThreshold float64
}

func (f *fakeStore) EnsureCollections(ctx context.Context) error { return nil }
func (f *fakeStore) UpsertCases(ctx context.Context, p []vector.Point) error {
	return nil
}
func (f *fakeStore) UpsertIssues(ctx context.Context, p []vector.Point) error {
	return nil
}
func (f *fakeStore) DeleteCase(ctx context.Context, caseID string) error { return nil }
func (f *fakeStore) SearchCases(ctx context.Context, vec []float32, limit int, threshold float64, fl *vector.Filters) ([]vector.Scored, error) {
	return f.cases, nil
}
func (f *fakeStore) SearchIssues(ctx context.Context, vec []float32, limit int, threshold float64, fl *vector.Filters) ([]vector.Scored, error) {
	f.issueLimit, f.issueThreshold = limit, threshold
	return f.issues, nil
}
func (f *fakeStore) Counts(ctx context.Context) (uint64, uint64, error) { return 0, 0, nil }
func (f *fakeStore) Close() error                                      { return nil }

type fakeReranker struct {
	scores map[string]float64
	fail   bool
}

func (f *fakeReranker) Rerank(ctx context.Context, query string, docs []rerank.Document) (map[string]float64, error) {
	if f.fail {
		return nil, errors.New("rerank down")
	}
	return f.scores, nil
}

func issueHit(id string, score float64, payload map[string]interface{}) vector.Scored {
	if payload == nil {
		payload = map[string]interface{}{}
	}
	payload["issue_id"] = id
	return vector.Scored{ID: id, Score: score, Payload: payload}
}

func TestIssueSearchWidensCandidatePool(t *testing.T) {
	store := &fakeStore{}
	s := NewSearcher(fakeEmbedder{}, store, nil, nil, zap.NewNop())

	_, err := s.Search(context.Background(), "毛刺", 5, nil, false)
	require.NoError(t, err)
	assert.Equal(t, 15, store.issueLimit)
	assert.Equal(t, 0.4, store.issueThreshold)
}

func TestMetadataBoosts(t *testing.T) {
	store := &fakeStore{issues: []vector.Scored{
		issueHit("plain", 0.6, nil),
		issueHit("ok-result", 0.6, map[string]interface{}{"result_t1": "OK"}),
		issueHit("part-match", 0.6, map[string]interface{}{"part_number": "A123"}),
	}}
	s := NewSearcher(fakeEmbedder{}, store, nil, nil, zap.NewNop())

	resp, err := s.Search(context.Background(), "A123 毛刺", 3, nil, false)
	require.NoError(t, err)
	require.Len(t, resp.Results, 3)

	// ×1.3 part match beats ×1.15 OK boost beats unboosted
	assert.Equal(t, "part-match", resp.Results[0].Payload["issue_id"])
	assert.Equal(t, "ok-result", resp.Results[1].Payload["issue_id"])
	assert.Equal(t, "plain", resp.Results[2].Payload["issue_id"])
	assert.InDelta(t, 0.78, resp.Results[0].Score, 1e-9)
	assert.InDelta(t, 0.69, resp.Results[1].Score, 1e-9)
}

func TestRerankOverridesVectorOrder(t *testing.T) {
	store := &fakeStore{issues: []vector.Scored{
		issueHit("i1", 0.9, nil),
		issueHit("i2", 0.5, nil),
	}}
	rr := &fakeReranker{scores: map[string]float64{"i1": 0.2, "i2": 0.8}}
	s := NewSearcher(fakeEmbedder{}, store, rr, nil, zap.NewNop())

	resp, err := s.Search(context.Background(), "毛刺", 2, nil, false)
	require.NoError(t, err)
	assert.Equal(t, "i2", resp.Results[0].Payload["issue_id"])
}

func TestRerankFailureFallsBackToVectorScores(t *testing.T) {
	store := &fakeStore{issues: []vector.Scored{
		issueHit("i1", 0.9, nil),
		issueHit("i2", 0.5, nil),
	}}
	s := NewSearcher(fakeEmbedder{}, store, &fakeReranker{fail: true}, nil, zap.NewNop())

	resp, err := s.Search(context.Background(), "毛刺", 2, nil, false)
	require.NoError(t, err)
	assert.Equal(t, "i1", resp.Results[0].Payload["issue_id"])
}

func TestIssueText(t *testing.T) {
	got := issueText(map[string]interface{}{
		"problem":         "边缘毛刺",
		"solution":        "增加去毛刺工序",
		"vl_descriptions": []interface{}{"图示毛刺位置"},
	})
	assert.Equal(t, "边缘毛刺 增加去毛刺工序 图示毛刺位置", got)
}

func TestInterleaveByScore(t *testing.T) {
	a := []Result{{Type: "case", Score: 0.9}, {Type: "case", Score: 0.3}}
	b := []Result{{Type: "issue", Score: 0.7}}
	merged := interleave(a, b, 10)
	require.Len(t, merged, 3)
	assert.Equal(t, 0.9, merged[0].Score)
	assert.Equal(t, 0.7, merged[1].Score)
	assert.Equal(t, 0.3, merged[2].Score)
}
