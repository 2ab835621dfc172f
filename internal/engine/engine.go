package engine

import (
	"context"
	"os"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"tke/internal/audit"
	"tke/internal/auth"
	"tke/internal/cache"
	"tke/internal/index"
	"tke/internal/mapping"
	"tke/internal/model"
	"tke/internal/search"
	"tke/internal/store/repo"
	"tke/internal/store/vector"
	"tke/internal/vlm"
)

// Tool names checked against the RBAC gate.
const (
	ToolSearch     = "search"
	ToolIngest     = "ingest_case"
	ToolDeleteCase = "delete_case"
)

// Extractor turns one workbook into a case plus anchored images.
type Extractor interface {
	Extract(ctx context.Context, path string) (*model.Case, []*model.ImageRef, error)
}

// Indexer writes and removes cases across both stores.
type Indexer interface {
	IndexCase(ctx context.Context, c *model.Case, force bool) (*index.Result, error)
	DeleteCase(ctx context.Context, caseID string) error
}

// Vision is the slice of the VLM client the engine uses for enrichment.
type Vision interface {
	AnalyzeImage(ctx context.Context, name string, data []byte) (*vlm.ImageAnalysis, error)
	Health(ctx context.Context) error
}

// Validator re-checks image→issue mappings against rendered pages.
type Validator interface {
	Validate(ctx context.Context, c *model.Case, xlsxPath string) (*mapping.Summary, error)
}

// Searcher is the fused query backend.
type Searcher interface {
	Search(ctx context.Context, req search.Request) (*search.Response, error)
}

// Engine wires the ingestion and query pipelines.
type Engine struct {
	extractor Extractor
	validator Validator // nil disables page validation
	vision    Vision    // nil disables image enrichment
	indexer   Indexer
	searcher  Searcher
	gate      *auth.Gate
	audit     *audit.Sink
	store     *repo.Store
	vectors   vector.Store
	cache     *cache.Cache
	logger    *zap.Logger

	vlmConcurrency int
}

// Options are the optional collaborators of New.
type Options struct {
	Validator      Validator
	Vision         Vision
	Cache          *cache.Cache
	VLMConcurrency int
}

// New assembles the engine.
func New(extractor Extractor, indexer Indexer, searcher Searcher,
	gate *auth.Gate, sink *audit.Sink, store *repo.Store, vectors vector.Store,
	logger *zap.Logger, opts Options) *Engine {

	concurrency := opts.VLMConcurrency
	if concurrency < 1 {
		concurrency = 4
	}
	return &Engine{
		extractor:      extractor,
		validator:      opts.Validator,
		vision:         opts.Vision,
		indexer:        indexer,
		searcher:       searcher,
		gate:           gate,
		audit:          sink,
		store:          store,
		vectors:        vectors,
		cache:          opts.Cache,
		logger:         logger,
		vlmConcurrency: concurrency,
	}
}

// IngestOptions controls one ingestion run.
type IngestOptions struct {
	Force     bool // reindex an existing case
	Validate  bool // run page-level mapping validation
	VLMEnrich bool // run per-image analysis
}

// IngestReport summarizes one ingested case.
type IngestReport struct {
	CaseID           string `json:"case_id"`
	Issues           int    `json:"issues"`
	Images           int    `json:"images"`
	ImagesAssigned   int    `json:"images_assigned"`
	AutoCorrected    int    `json:"auto_corrected"`
	PendingReview    int    `json:"pending_review"`
	ValidationStatus string `json:"validation_status"`
	CasePoints       int    `json:"case_points"`
	IssuePoints      int    `json:"issue_points"`
}

// IngestCase runs the full pipeline on one workbook: extract, map images,
// optionally validate and enrich, then index.
func (e *Engine) IngestCase(ctx context.Context, path string, user *model.UserContext, opts IngestOptions) (*IngestReport, error) {
	start := time.Now()
	params := map[string]interface{}{"path": path, "force": opts.Force}
	if err := e.gate.Check(ToolIngest, user); err != nil {
		e.record(ctx, user, ToolIngest, params, map[string]interface{}{"error": err.Error()}, start)
		return nil, err
	}

	report, err := e.ingest(ctx, path, opts)
	result := map[string]interface{}{}
	if err != nil {
		result["error"] = err.Error()
	} else {
		result["status"] = "success"
		result["case_id"] = report.CaseID
	}
	e.record(ctx, user, ToolIngest, params, result, start)
	return report, err
}

func (e *Engine) ingest(ctx context.Context, path string, opts IngestOptions) (*IngestReport, error) {
	c, images, err := e.extractor.Extract(ctx, path)
	if err != nil {
		return nil, err
	}

	assigned := mapping.Assign(c.Issues, images)
	report := &IngestReport{
		CaseID:         c.CaseID,
		Issues:         c.TotalIssues(),
		Images:         len(images),
		ImagesAssigned: assigned,
	}

	if opts.Validate && e.validator != nil {
		sum, err := e.validator.Validate(ctx, c, path)
		if err != nil {
			return nil, err
		}
		report.AutoCorrected = sum.AutoCorrected
		report.PendingReview = sum.PendingReview
	}

	if opts.VLMEnrich && e.vision != nil {
		e.enrichImages(ctx, c)
	}

	res, err := e.indexer.IndexCase(ctx, c, opts.Force)
	if err != nil {
		return nil, err
	}
	report.CasePoints = res.CasePoints
	report.IssuePoints = res.IssuePoints
	report.ValidationStatus = string(c.ValidationStatus)
	return report, nil
}

// enrichImages runs per-image analysis with bounded concurrency. A failed
// image keeps empty VL fields and never fails the case.
func (e *Engine) enrichImages(ctx context.Context, c *model.Case) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.vlmConcurrency)

	enriched := 0
	maxConf := 0.0
	for _, img := range c.AllImages() {
		g.Go(func() error {
			data, err := os.ReadFile(img.FilePath)
			if err != nil {
				e.logger.Warn("image read failed", zap.String("image_id", img.ImageID), zap.Error(err))
				return nil
			}
			analysis, err := e.vision.AnalyzeImage(gctx, img.ImageID, data)
			if err != nil {
				e.logger.Warn("image analysis failed", zap.String("image_id", img.ImageID), zap.Error(err))
				return nil
			}
			img.VLDescription = analysis.Description
			if len(analysis.DefectTypes) > 0 {
				img.DefectType = analysis.DefectTypes[0]
			}
			img.Severity = model.Severity(analysis.Severity)
			img.Tags = analysis.Tags
			img.KeyInsights = analysis.Insights
			img.SuggestedActions = analysis.Actions
			img.VLMConfidence = analysis.Confidence
			return nil
		})
		enriched++
	}
	g.Wait()

	for _, img := range c.AllImages() {
		if img.VLMConfidence > maxConf {
			maxConf = img.VLMConfidence
		}
	}
	if enriched > 0 {
		c.VLMProcessed = true
		c.VLMConfidence = maxConf
	}
}

// Query runs one gated, audited search.
func (e *Engine) Query(ctx context.Context, req search.Request, user *model.UserContext) (*search.Response, error) {
	start := time.Now()
	params := map[string]interface{}{
		"query": req.Query, "mode": string(req.Mode), "top_k": req.TopK,
	}
	if err := e.gate.Check(ToolSearch, user); err != nil {
		e.record(ctx, user, ToolSearch, params, map[string]interface{}{"error": err.Error()}, start)
		return nil, err
	}

	resp, err := e.searcher.Search(ctx, req)

	result := map[string]interface{}{}
	if err != nil {
		result["error"] = err.Error()
	} else {
		result["status"] = "success"
		result["total_found"] = resp.TotalFound
		e.logQuery(ctx, resp, start)
	}
	e.record(ctx, user, ToolSearch, params, result, start)
	return resp, err
}

// logQuery appends to query_log, best effort.
func (e *Engine) logQuery(ctx context.Context, resp *search.Response, start time.Time) {
	if e.store == nil {
		return
	}
	entry := repo.QueryLogEntry{
		Original:        resp.Query,
		Expanded:        resp.ExpandedQuery,
		Intent:          resp.Mode,
		SQL:             resp.GeneratedSQL,
		ResultCount:     resp.TotalFound,
		ExecutionTimeMS: time.Since(start).Milliseconds(),
	}
	if err := e.store.QueryLog.Insert(ctx, entry); err != nil {
		e.logger.Warn("query log insert failed", zap.Error(err))
	}
}

// DeleteCase removes a case from both stores.
func (e *Engine) DeleteCase(ctx context.Context, caseID string, user *model.UserContext) error {
	start := time.Now()
	params := map[string]interface{}{"case_id": caseID}
	if err := e.gate.Check(ToolDeleteCase, user); err != nil {
		e.record(ctx, user, ToolDeleteCase, params, map[string]interface{}{"error": err.Error()}, start)
		return err
	}

	err := e.indexer.DeleteCase(ctx, caseID)
	result := map[string]interface{}{}
	if err != nil {
		result["error"] = err.Error()
	} else {
		result["status"] = "success"
	}
	e.record(ctx, user, ToolDeleteCase, params, result, start)
	return err
}

// Stats is the engine health and size snapshot.
type Stats struct {
	Cases        int         `json:"cases"`
	Issues       int         `json:"issues"`
	CaseVectors  uint64      `json:"case_vectors"`
	IssueVectors uint64      `json:"issue_vectors"`
	Cache        cache.Stats `json:"cache"`
	CacheUp      bool        `json:"cache_up"`
	VLMUp        bool        `json:"vlm_up"`
}

// GetStats collects counts from every store. Unreachable dependencies zero
// their section instead of failing the call.
func (e *Engine) GetStats(ctx context.Context) (*Stats, error) {
	s := &Stats{}

	cases, issues, err := e.store.Cases.Counts(ctx)
	if err != nil {
		return nil, err
	}
	s.Cases, s.Issues = cases, issues

	if cv, iv, err := e.vectors.Counts(ctx); err == nil {
		s.CaseVectors, s.IssueVectors = cv, iv
	} else {
		e.logger.Warn("vector counts failed", zap.Error(err))
	}

	if e.cache != nil {
		s.Cache = e.cache.GetStats()
		s.CacheUp = e.cache.Ping(ctx)
	}
	if e.vision != nil {
		s.VLMUp = e.vision.Health(ctx) == nil
	}
	return s, nil
}

// Init prepares both stores: relational schema and vector collections.
func (e *Engine) Init(ctx context.Context) error {
	if err := e.store.Migrate(ctx); err != nil {
		return err
	}
	return e.vectors.EnsureCollections(ctx)
}

func (e *Engine) record(ctx context.Context, user *model.UserContext, tool string,
	params, result map[string]interface{}, start time.Time) {
	if e.audit == nil {
		return
	}
	e.audit.Record(ctx, user, tool, params, result, start, time.Now())
}
