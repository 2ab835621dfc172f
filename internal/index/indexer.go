package index

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"tke/internal/model"
	"tke/internal/store/repo"
	"tke/internal/store/vector"
	"tke/internal/tkerr"
)

// Embedder is the slice of the embedding client the indexer needs.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// Result reports how many points each collection received.
type Result struct {
	CasePoints  int `json:"case_points"`
	IssuePoints int `json:"issue_points"`
}

// Indexer writes a case into the relational store and both vector
// collections. Dual-write is best effort, delete-first: a rerun with force
// re-cleans both sides, so partial failures are safe to retry.
type Indexer struct {
	vectors vector.Store
	cases   *repo.CaseRepo
	embed   Embedder
	logger  *zap.Logger
}

// NewIndexer builds an Indexer.
func NewIndexer(vectors vector.Store, cases *repo.CaseRepo, embed Embedder, logger *zap.Logger) *Indexer {
	return &Indexer{vectors: vectors, cases: cases, embed: embed, logger: logger}
}

// IndexCase persists the case. With force, existing rows and vectors are
// removed first; without force an already-indexed case is a conflict.
// A failure after the relational write returns ErrPartialWrite naming the
// side that succeeded.
func (x *Indexer) IndexCase(ctx context.Context, c *model.Case, force bool) (*Result, error) {
	for _, is := range c.Issues {
		rollup(is)
	}

	if force {
		if err := x.vectors.DeleteCase(ctx, c.CaseID); err != nil {
			return nil, fmt.Errorf("clean vectors for %s: %w", c.CaseID, err)
		}
	}

	if err := x.cases.Upsert(ctx, c, force); err != nil {
		return nil, err
	}

	summary := caseSummary(c)
	caseVec, err := x.embed.Embed(ctx, summary)
	if err != nil {
		return nil, fmt.Errorf("%w: relational rows written, case embedding failed: %v",
			tkerr.ErrPartialWrite, err)
	}

	indexed := indexedIssues(c)
	texts := make([]string, len(indexed))
	for i, is := range indexed {
		texts[i] = issueText(is)
	}
	issueVecs, err := x.embed.EmbedBatch(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("%w: relational rows written, issue embeddings failed: %v",
			tkerr.ErrPartialWrite, err)
	}

	casePoint := vector.Point{ID: c.CaseID, Vector: caseVec, Payload: casePayload(c, summary)}
	if err := x.vectors.UpsertCases(ctx, []vector.Point{casePoint}); err != nil {
		return nil, fmt.Errorf("%w: relational rows written, case vector upsert failed: %v",
			tkerr.ErrPartialWrite, err)
	}

	issuePoints := make([]vector.Point, len(indexed))
	for i, is := range indexed {
		issuePoints[i] = vector.Point{ID: is.IssueID, Vector: issueVecs[i], Payload: issuePayload(c, is, texts[i])}
	}
	if err := x.vectors.UpsertIssues(ctx, issuePoints); err != nil {
		return nil, fmt.Errorf("%w: relational rows and case vector written, issue vector upsert failed: %v",
			tkerr.ErrPartialWrite, err)
	}

	x.logger.Info("case indexed",
		zap.String("case_id", c.CaseID),
		zap.Int("issues", len(issuePoints)),
		zap.Bool("force", force))
	return &Result{CasePoints: 1, IssuePoints: len(issuePoints)}, nil
}

// DeleteCase removes the case from both sides.
func (x *Indexer) DeleteCase(ctx context.Context, caseID string) error {
	vecErr := x.vectors.DeleteCase(ctx, caseID)
	relErr := x.cases.Delete(ctx, caseID)
	switch {
	case vecErr != nil && relErr != nil:
		return tkerr.Dependencyf("delete %s: vectors: %v; relational: %v", caseID, vecErr, relErr)
	case vecErr != nil:
		return fmt.Errorf("%w: relational rows deleted, vector delete failed: %v",
			tkerr.ErrPartialWrite, vecErr)
	case relErr != nil:
		return fmt.Errorf("%w: vectors deleted, relational delete failed: %v",
			tkerr.ErrPartialWrite, relErr)
	}
	return nil
}

func indexedIssues(c *model.Case) []*model.Issue {
	out := make([]*model.Issue, 0, len(c.Issues))
	for _, is := range c.Issues {
		if is.RowID != "" {
			out = append(out, is)
		}
	}
	return out
}

// rollup aggregates the image-level VLM fields onto the issue.
func rollup(is *model.Issue) {
	var defects, tags, insights, actions []string
	for _, img := range is.Images {
		if img.DefectType != "" {
			defects = append(defects, img.DefectType)
		}
		is.Severity = model.MaxSeverity(is.Severity, img.Severity)
		tags = append(tags, img.Tags...)
		insights = append(insights, img.KeyInsights...)
		actions = append(actions, img.SuggestedActions...)
		if img.VLMConfidence > is.VLMConfidence {
			is.VLMConfidence = img.VLMConfidence
		}
	}
	if len(defects) > 0 {
		is.DefectTypes = model.UniqueHead(append(defects, is.DefectTypes...), 10)
	}
	if len(tags) > 0 {
		is.Tags = model.UniqueHead(append(is.Tags, tags...), 10)
	}
	if len(insights) > 0 {
		is.KeyInsights = model.UniqueHead(append(is.KeyInsights, insights...), 5)
	}
	if len(actions) > 0 {
		is.SuggestedActions = model.UniqueHead(append(is.SuggestedActions, actions...), 5)
	}
}

// caseSummary composes the text behind the case-level vector.
func caseSummary(c *model.Case) string {
	parts := []string{fmt.Sprintf("零件号 %s 材料 %s %d 个问题",
		c.PartNumber, c.Material, c.TotalIssues())}
	n := 0
	for _, is := range c.Issues {
		if is.Problem == "" {
			continue
		}
		parts = append(parts, is.Problem)
		if n++; n == 3 {
			break
		}
	}
	parts = append(parts, model.UniqueHead(c.KeyInsights, 2)...)
	return strings.Join(parts, " ")
}

// issueText composes the text behind one issue-level vector. Empty fields
// are skipped so sparse rows still embed cleanly.
func issueText(is *model.Issue) string {
	var parts []string
	add := func(label, v string) {
		if v != "" {
			parts = append(parts, label+v)
		}
	}
	add("问题: ", is.Problem)
	add("解决方案: ", is.Solution)
	for _, img := range is.Images {
		add("图片描述: ", img.VLDescription)
		add("图中文字: ", img.TextInImage)
	}
	if len(is.DefectTypes) > 0 {
		parts = append(parts, "缺陷类型: "+strings.Join(is.DefectTypes, " "))
	}
	add("型试: ", string(is.Trial))
	if is.ResultT1 != "" {
		parts = append(parts, "T1结果: "+string(is.ResultT1))
	}
	if is.ResultT2 != "" {
		parts = append(parts, "T2结果: "+string(is.ResultT2))
	}
	add("分类: ", is.Category)
	return strings.Join(parts, " ")
}

func casePayload(c *model.Case, summary string) map[string]interface{} {
	return map[string]interface{}{
		"case_id":           c.CaseID,
		"part_number":       c.PartNumber,
		"internal_number":   c.InternalNumber,
		"mold_type":         c.MoldType,
		"material":          c.Material,
		"color":             c.Color,
		"total_issues":      c.TotalIssues(),
		"source_file":       c.SourceFile,
		"text_summary":      summary,
		"vlm_processed":     c.VLMProcessed,
		"vlm_summary":       c.VLMSummary,
		"vlm_confidence":    c.VLMConfidence,
		"tags":              c.Tags,
		"key_insights":      c.KeyInsights,
		"validation_status": string(c.ValidationStatus),
	}
}

func issuePayload(c *model.Case, is *model.Issue, combined string) map[string]interface{} {
	var descriptions []string
	for _, img := range is.Images {
		if img.VLDescription != "" {
			descriptions = append(descriptions, img.VLDescription)
		}
	}
	return map[string]interface{}{
		"issue_id":          is.IssueID,
		"case_id":           c.CaseID,
		"part_number":       c.PartNumber,
		"trial_version":     string(is.Trial),
		"category":          is.Category,
		"problem":           is.Problem,
		"solution":          is.Solution,
		"result_t1":         string(is.ResultT1),
		"result_t2":         string(is.ResultT2),
		"defect_types":      is.DefectTypes,
		"severity":          string(is.Severity),
		"tags":              is.Tags,
		"key_insights":      is.KeyInsights,
		"suggested_actions": is.SuggestedActions,
		"vl_descriptions":   descriptions,
		"combined_text":     combined,
		"has_images":        is.HasImages(),
		"image_count":       len(is.Images),
		"vlm_confidence":    is.VLMConfidence,
	}
}
