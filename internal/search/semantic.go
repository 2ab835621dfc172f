package search

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/tmc/langchaingo/llms"
	"go.uber.org/zap"

	"tke/internal/llm"
	"tke/internal/rerank"
	"tke/internal/store/vector"
)

// Granularity is the semantic retrieval level.
type Granularity string

const (
	CaseLevel    Granularity = "CASE_LEVEL"
	IssueLevel   Granularity = "ISSUE_LEVEL"
	HybridLevel  Granularity = "HYBRID"
	caseScoreMin             = 0.5
	issueScoreMin            = 0.4
)

// Result is one retrieval hit, from either branch.
type Result struct {
	Type    string                 `json:"type"` // case | issue | structured
	Score   float64                `json:"score"`
	Sources []string               `json:"sources,omitempty"`
	Payload map[string]interface{} `json:"payload"`
}

// SemanticResponse is the vector branch output.
type SemanticResponse struct {
	Query      string      `json:"query"`
	Mode       Granularity `json:"mode"`
	Results    []Result    `json:"results"`
	TotalFound int         `json:"total_found"`
}

// Embedder produces query vectors.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Reranker rescores candidates with a cross-encoder.
type Reranker interface {
	Rerank(ctx context.Context, query string, docs []rerank.Document) (map[string]float64, error)
}

// Searcher is the semantic retrieval branch over the vector collections.
type Searcher struct {
	embedder Embedder
	store    vector.Store
	reranker Reranker
	model    llms.Model // optional, granularity routing
	logger   *zap.Logger
}

// NewSearcher builds the semantic branch. reranker and model may be nil.
func NewSearcher(embedder Embedder, store vector.Store, reranker Reranker,
	m llms.Model, logger *zap.Logger) *Searcher {
	return &Searcher{embedder: embedder, store: store, reranker: reranker, model: m, logger: logger}
}

// Search runs adaptive semantic retrieval. classify=false forces issue level.
func (s *Searcher) Search(ctx context.Context, query string, topK int, f *vector.Filters, classify bool) (*SemanticResponse, error) {
	mode := IssueLevel
	if classify {
		mode = s.route(ctx, query)
	}

	vec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	var results []Result
	switch mode {
	case CaseLevel:
		results, err = s.searchCases(ctx, vec, topK, f)
	case HybridLevel:
		var cases, issues []Result
		if cases, err = s.searchCases(ctx, vec, topK, f); err != nil {
			return nil, err
		}
		if issues, err = s.searchIssues(ctx, query, vec, topK, f); err != nil {
			return nil, err
		}
		results = interleave(cases, issues, topK)
	default:
		results, err = s.searchIssues(ctx, query, vec, topK, f)
	}
	if err != nil {
		return nil, err
	}

	return &SemanticResponse{
		Query:      query,
		Mode:       mode,
		Results:    results,
		TotalFound: len(results),
	}, nil
}

const routePrompt = `判断这个查询应该按整个案例还是按单个问题来检索。

查询: %s

CASE_LEVEL: 找某个零件/某轮试作的整体情况
ISSUE_LEVEL: 找具体缺陷问题及解决方案
HYBRID: 两者都要

只返回 JSON: {"level": "CASE_LEVEL|ISSUE_LEVEL|HYBRID"}`

// route asks the model for retrieval granularity, defaulting to issue level.
func (s *Searcher) route(ctx context.Context, query string) Granularity {
	if s.model == nil {
		return IssueLevel
	}
	response, err := llm.Call(ctx, s.model, fmt.Sprintf(routePrompt, query))
	if err != nil {
		s.logger.Debug("granularity routing failed", zap.Error(err))
		return IssueLevel
	}
	var parsed struct {
		Level string `json:"level"`
	}
	if err := json.Unmarshal([]byte(llm.CleanJSON(response)), &parsed); err != nil {
		return IssueLevel
	}
	switch Granularity(strings.ToUpper(parsed.Level)) {
	case CaseLevel, HybridLevel:
		return Granularity(strings.ToUpper(parsed.Level))
	}
	return IssueLevel
}

func (s *Searcher) searchCases(ctx context.Context, vec []float32, topK int, f *vector.Filters) ([]Result, error) {
	hits, err := s.store.SearchCases(ctx, vec, topK, caseScoreMin, f)
	if err != nil {
		return nil, fmt.Errorf("case search: %w", err)
	}
	results := make([]Result, 0, len(hits))
	for _, h := range hits {
		results = append(results, Result{Type: "case", Score: h.Score, Payload: h.Payload})
	}
	return results, nil
}

// searchIssues retrieves a widened candidate pool, reranks it, applies the
// metadata boosts, and cuts to topK.
func (s *Searcher) searchIssues(ctx context.Context, query string, vec []float32, topK int, f *vector.Filters) ([]Result, error) {
	hits, err := s.store.SearchIssues(ctx, vec, 3*topK, issueScoreMin, f)
	if err != nil {
		return nil, fmt.Errorf("issue search: %w", err)
	}
	if len(hits) == 0 {
		return nil, nil
	}

	scores := s.rerankScores(ctx, query, hits)

	results := make([]Result, 0, len(hits))
	for _, h := range hits {
		score, ok := scores[h.ID]
		if !ok {
			score = h.Score
		}
		results = append(results, Result{
			Type:    "issue",
			Score:   boost(score, query, h.Payload),
			Payload: h.Payload,
		})
	}
	sort.SliceStable(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if len(results) > topK {
		results = results[:topK]
	}
	return results, nil
}

// rerankScores asks the cross-encoder; on failure the vector ordering stands.
func (s *Searcher) rerankScores(ctx context.Context, query string, hits []vector.Scored) map[string]float64 {
	if s.reranker == nil {
		return nil
	}
	docs := make([]rerank.Document, 0, len(hits))
	for _, h := range hits {
		docs = append(docs, rerank.Document{ID: h.ID, Text: issueText(h.Payload)})
	}
	scores, err := s.reranker.Rerank(ctx, query, docs)
	if err != nil {
		s.logger.Warn("rerank failed, using vector scores", zap.Error(err))
		return nil
	}
	return scores
}

// issueText is the rerank document: problem, solution, then every VL
// description.
func issueText(payload map[string]interface{}) string {
	parts := []string{str(payload["problem"]), str(payload["solution"])}
	if descs, ok := payload["vl_descriptions"].([]interface{}); ok {
		for _, d := range descs {
			parts = append(parts, str(d))
		}
	}
	return strings.TrimSpace(strings.Join(parts, " "))
}

// boost applies the OK-result and part-number-in-query multipliers.
func boost(score float64, query string, payload map[string]interface{}) float64 {
	if str(payload["result_t1"]) == "OK" || str(payload["result_t2"]) == "OK" {
		score *= 1.15
	}
	if pn := str(payload["part_number"]); pn != "" && strings.Contains(query, pn) {
		score *= 1.3
	}
	return score
}

func str(v interface{}) string {
	s, _ := v.(string)
	return s
}

// interleave merges two scored lists in descending score order.
func interleave(a, b []Result, limit int) []Result {
	merged := append(append([]Result{}, a...), b...)
	sort.SliceStable(merged, func(i, j int) bool { return merged[i].Score > merged[j].Score })
	if len(merged) > limit {
		merged = merged[:limit]
	}
	return merged
}
