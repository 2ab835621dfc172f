package search

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"tke/internal/cache"
	"tke/internal/expand"
	"tke/internal/store/vector"
	"tke/internal/text2sql"
	"tke/internal/tkerr"
)

// rrfK is the Reciprocal Rank Fusion constant.
const rrfK = 60

// Mode selects the retrieval strategy for one request.
type Mode string

const (
	ModeAuto       Mode = "AUTO"
	ModeStructured Mode = "STRUCTURED"
	ModeSemantic   Mode = "SEMANTIC"
	ModeHybrid     Mode = "HYBRID"
)

// Request is one search invocation.
type Request struct {
	Query     string            `json:"query"`
	Mode      Mode              `json:"mode"`
	TopK      int               `json:"top_k"`
	Filters   map[string]string `json:"filters,omitempty"`
	ReturnSQL bool              `json:"return_sql,omitempty"`
}

// Response is the full answer shape, cacheable as-is.
type Response struct {
	Query            string               `json:"query"`
	ExpandedQuery    string               `json:"expanded_query"`
	Mode             string               `json:"mode"`
	IntentConfidence float64              `json:"intent_confidence"`
	SynonymsUsed     []expand.Replacement `json:"synonyms_used"`
	TotalFound       int                  `json:"total_found"`
	Results          []Result             `json:"results"`
	GeneratedSQL     string               `json:"generated_sql,omitempty"`
	CachedAt         string               `json:"_cached_at,omitempty"`
}

// SQLBackend is the structured branch.
type SQLBackend interface {
	Generate(ctx context.Context, question, expanded string) text2sql.GenerateResult
	Execute(ctx context.Context, sql string, limit int) text2sql.ExecResult
}

// SemanticBackend is the vector branch.
type SemanticBackend interface {
	Search(ctx context.Context, query string, topK int, f *vector.Filters, classify bool) (*SemanticResponse, error)
}

// Hybrid fuses the structured and semantic branches.
type Hybrid struct {
	expander *expand.Expander
	sql      SQLBackend
	semantic SemanticBackend
	cache    *cache.Cache
	logger   *zap.Logger
}

// NewHybrid builds the fused searcher. cache may be nil.
func NewHybrid(expander *expand.Expander, sql SQLBackend, semantic SemanticBackend,
	c *cache.Cache, logger *zap.Logger) *Hybrid {
	return &Hybrid{expander: expander, sql: sql, semantic: semantic, cache: c, logger: logger}
}

// Search runs the full pipeline: cache, expansion, dispatch, fusion.
func (h *Hybrid) Search(ctx context.Context, req Request) (*Response, error) {
	if strings.TrimSpace(req.Query) == "" {
		return nil, tkerr.Inputf("empty query")
	}
	if req.TopK <= 0 {
		req.TopK = 10
	}
	if req.Mode == "" {
		req.Mode = ModeAuto
	}

	var key string
	if h.cache != nil {
		key = cache.ResultKey(req.Query, string(req.Mode), req.Filters, req.TopK)
		var cached Response
		if h.cache.GetResult(ctx, key, &cached) {
			return &cached, nil
		}
	}

	expansion := h.expander.Expand(ctx, req.Query)
	mode := req.Mode
	if mode == ModeAuto {
		mode = Mode(expansion.Intent)
	}

	resp := &Response{
		Query:            req.Query,
		ExpandedQuery:    expansion.Expanded,
		Mode:             string(mode),
		IntentConfidence: expansion.Confidence,
		SynonymsUsed:     expansion.SynonymsUsed,
	}

	var err error
	switch mode {
	case ModeStructured:
		err = h.runStructured(ctx, req, expansion, resp)
	case ModeHybrid:
		err = h.runHybrid(ctx, req, expansion, resp)
	default:
		err = h.runSemantic(ctx, req, expansion, resp)
	}
	if err != nil {
		return nil, err
	}

	resp.TotalFound = len(resp.Results)
	if !req.ReturnSQL {
		resp.GeneratedSQL = ""
	}

	if h.cache != nil {
		cached := *resp
		cached.CachedAt = time.Now().UTC().Format(time.RFC3339)
		h.cache.SetResult(ctx, key, &cached)
	}
	return resp, nil
}

// runStructured executes the SQL branch, falling back to semantic on failure.
func (h *Hybrid) runStructured(ctx context.Context, req Request, expansion expand.Expansion, resp *Response) error {
	results, sql, err := h.structuredResults(ctx, expansion, req.Filters, req.TopK)
	if err != nil {
		h.logger.Warn("structured branch failed, falling back to semantic",
			zap.String("query", req.Query), zap.Error(err))
		resp.Mode = string(ModeSemantic)
		return h.runSemantic(ctx, req, expansion, resp)
	}
	resp.Results = results
	resp.GeneratedSQL = sql
	return nil
}

func (h *Hybrid) runSemantic(ctx context.Context, req Request, expansion expand.Expansion, resp *Response) error {
	sem, err := h.semantic.Search(ctx, expansion.Expanded, req.TopK, toVectorFilters(req.Filters), true)
	if err != nil {
		return err
	}
	resp.Results = sem.Results
	return nil
}

// runHybrid runs both branches concurrently and fuses with RRF. A branch
// failure degrades to partial results instead of failing the request.
func (h *Hybrid) runHybrid(ctx context.Context, req Request, expansion expand.Expansion, resp *Response) error {
	var structured, semantic []Result
	var sql string

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		results, generated, err := h.structuredResults(gctx, expansion, req.Filters, req.TopK*2)
		if err != nil {
			h.logger.Warn("structured branch failed in hybrid", zap.Error(err))
			return nil
		}
		structured, sql = results, generated
		return nil
	})
	g.Go(func() error {
		sem, err := h.semantic.Search(gctx, expansion.Expanded, req.TopK*2, toVectorFilters(req.Filters), true)
		if err != nil {
			h.logger.Warn("semantic branch failed in hybrid", zap.Error(err))
			return nil
		}
		semantic = sem.Results
		return nil
	})
	g.Wait()

	if structured == nil && semantic == nil {
		return tkerr.Dependencyf("both retrieval branches failed")
	}

	resp.Results = fuse(structured, semantic, req.TopK)
	resp.GeneratedSQL = sql
	return nil
}

// structuredResults generates, filters, and executes SQL, shaping rows as
// results.
func (h *Hybrid) structuredResults(ctx context.Context, expansion expand.Expansion, filters map[string]string, limit int) ([]Result, string, error) {
	gen := h.sql.Generate(ctx, expansion.Original, expansion.Expanded)
	if !gen.Valid {
		return nil, "", fmt.Errorf("sql generation: %s", gen.Error)
	}
	sql := spliceFilters(gen.SQL, filters)

	exec := h.sql.Execute(ctx, sql, limit)
	if exec.Error != "" {
		return nil, sql, fmt.Errorf("sql execution: %s", exec.Error)
	}

	results := make([]Result, 0, len(exec.Rows))
	for _, row := range exec.Rows {
		results = append(results, Result{Type: "structured", Payload: row})
	}
	return results, sql, nil
}

// spliceFilters applies extra equality filters by wrapping the statement, so
// the generated SQL's own clauses stay intact.
func spliceFilters(sql string, filters map[string]string) string {
	var conds []string
	for _, col := range []string{"part_number", "trial_version"} {
		if v, ok := filters[col]; ok && v != "" {
			conds = append(conds, fmt.Sprintf("%s = '%s'", col, strings.ReplaceAll(v, "'", "''")))
		}
	}
	if v, ok := filters["result"]; ok && v != "" {
		escaped := strings.ReplaceAll(v, "'", "''")
		conds = append(conds, fmt.Sprintf("(result_t1 = '%s' OR result_t2 = '%s')", escaped, escaped))
	}
	if len(conds) == 0 {
		return sql
	}
	return fmt.Sprintf("SELECT * FROM (%s) AS t WHERE %s", sql, strings.Join(conds, " AND "))
}

func toVectorFilters(filters map[string]string) *vector.Filters {
	if len(filters) == 0 {
		return nil
	}
	return &vector.Filters{
		PartNumber:   filters["part_number"],
		TrialVersion: filters["trial_version"],
		Result:       filters["result"],
	}
}

// dedupKey identifies a result across branches: issue id, else case id, else
// a hash of the problem text.
func dedupKey(r Result) string {
	if id := str(r.Payload["issue_id"]); id != "" {
		return id
	}
	if id := str(r.Payload["case_id"]); id != "" {
		return id
	}
	sum := md5.Sum([]byte(str(r.Payload["problem"])))
	return "p:" + hex.EncodeToString(sum[:])
}

// fuse merges the two ranked lists with Reciprocal Rank Fusion, tagging each
// result with the branches it came from.
func fuse(structured, semantic []Result, topK int) []Result {
	type entry struct {
		result Result
		score  float64
	}
	merged := make(map[string]*entry)
	var order []string

	addList := func(list []Result, source string) {
		seen := make(map[string]bool, len(list))
		for rank, r := range list {
			key := dedupKey(r)
			if seen[key] {
				// only the best rank of a duplicate counts
				continue
			}
			seen[key] = true
			e, ok := merged[key]
			if !ok {
				e = &entry{result: r}
				e.result.Sources = nil
				merged[key] = e
				order = append(order, key)
			}
			e.score += 1.0 / float64(rrfK+rank+1)
			e.result.Sources = append(e.result.Sources, source)
		}
	}
	addList(structured, "structured")
	addList(semantic, "semantic")

	out := make([]Result, 0, len(order))
	for _, key := range order {
		e := merged[key]
		e.result.Score = e.score
		out = append(out, e.result)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if len(out) > topK {
		out = out[:topK]
	}
	return out
}
