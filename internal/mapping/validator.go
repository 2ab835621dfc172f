package mapping

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"tke/internal/config"
	"tke/internal/excel"
	"tke/internal/model"
	"tke/internal/vlm"
)

// Converter renders a spreadsheet to page images. The production
// implementation calls an external document converter service.
type Converter interface {
	RenderPages(ctx context.Context, xlsxPath string, dpi int) ([][]byte, error)
}

// Judge is the slice of the vision client the validator needs.
type Judge interface {
	ValidateMappings(ctx context.Context, pageImage []byte, images map[string][]byte, mc vlm.MappingContext) ([]vlm.MappingVerdict, error)
}

// Summary reports what validation did to a case.
type Summary struct {
	AutoCorrected     int     `json:"auto_corrected"`
	PendingReview     int     `json:"pending_review"`
	AverageConfidence float64 `json:"average_confidence"`
}

// ReviewItem is one image whose mapping a human must confirm.
type ReviewItem struct {
	CaseID           string  `json:"case_id"`
	ImageID          string  `json:"image_id"`
	FilePath         string  `json:"file_path"`
	CurrentMapping   string  `json:"current_mapping"`
	SuggestedMapping string  `json:"suggested_mapping,omitempty"`
	Confidence       float64 `json:"confidence"`
	Reason           string  `json:"reason,omitempty"`
}

// Validator re-checks anchor-based image mappings against rendered pages.
type Validator struct {
	judge     Judge
	converter Converter
	cfg       config.IngestConfig
	logger    *zap.Logger

	now func() time.Time
}

// NewValidator builds a Validator. converter may be nil, in which case
// Validate is a no-op that leaves anchor mappings untouched.
func NewValidator(judge Judge, converter Converter, cfg config.IngestConfig, logger *zap.Logger) *Validator {
	return &Validator{judge: judge, converter: converter, cfg: cfg, logger: logger, now: time.Now}
}

// page groups the issues and images that land on one rendered page.
type page struct {
	number   int // 1-based
	rowFrom  int
	rowTo    int // 0 = unbounded
	issues   []*model.Issue
	images   []*model.ImageRef
	rendered []byte
}

// pageRanges turns explicit row breaks into per-page row spans. Without
// breaks, pages are fixed-size blocks of rowsPerPage rows.
func pageRanges(breaks []int, rowsPerPage, pageCount int) [][2]int {
	if len(breaks) > 0 {
		ranges := make([][2]int, 0, len(breaks)+1)
		from := 1
		for _, b := range breaks {
			ranges = append(ranges, [2]int{from, b})
			from = b + 1
		}
		ranges = append(ranges, [2]int{from, 0})
		return ranges
	}
	if rowsPerPage < 1 {
		rowsPerPage = 40
	}
	ranges := make([][2]int, 0, pageCount)
	for p := 0; p < pageCount; p++ {
		from := p*rowsPerPage + 1
		to := from + rowsPerPage - 1
		if p == pageCount-1 {
			to = 0
		}
		ranges = append(ranges, [2]int{from, to})
	}
	return ranges
}

func inRange(row int, r [2]int) bool {
	if row < r[0] {
		return false
	}
	return r[1] == 0 || row <= r[1]
}

// Validate renders the source workbook, asks the vision model to judge every
// page's image→row mappings, and applies the correction policy. Page-level
// failures keep the anchor mappings and mark the case failed; they never
// abort ingestion.
func (v *Validator) Validate(ctx context.Context, c *model.Case, xlsxPath string) (*Summary, error) {
	sum := &Summary{}
	if v.converter == nil || v.judge == nil {
		return sum, nil
	}

	rendered, err := v.converter.RenderPages(ctx, xlsxPath, v.cfg.RenderDPI)
	if err != nil {
		v.logger.Warn("page render failed, keeping anchor mappings",
			zap.String("case_id", c.CaseID), zap.Error(err))
		c.ValidationStatus = model.ValidationFailed
		return sum, nil
	}
	if len(rendered) == 0 {
		c.ValidationStatus = model.ValidationFailed
		return sum, nil
	}

	breaks, err := excel.ReadRowBreaks(xlsxPath)
	if err != nil {
		v.logger.Warn("row break read failed", zap.Error(err))
		breaks = nil
	}
	ranges := pageRanges(breaks, v.cfg.RowsPerPage, len(rendered))

	pages := v.buildPages(c, rendered, ranges)

	limit := v.cfg.VLMConcurrency
	if limit < 1 {
		limit = 1
	}
	var mu sync.Mutex
	var confidences []float64
	var reviews []ReviewItem
	failed := false

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for _, p := range pages {
		if len(p.issues) == 0 || len(p.images) == 0 {
			continue
		}
		g.Go(func() error {
			verdicts, err := v.judgePage(gctx, c, p)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				v.logger.Warn("page validation failed, keeping anchor mappings",
					zap.String("case_id", c.CaseID), zap.Int("page", p.number), zap.Error(err))
				failed = true
				return nil
			}
			v.apply(c, p, verdicts, sum, &confidences, &reviews)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return sum, err
	}

	if len(confidences) > 0 {
		total := 0.0
		for _, conf := range confidences {
			total += conf
		}
		sum.AverageConfidence = total / float64(len(confidences))
	}
	if failed {
		c.ValidationStatus = model.ValidationFailed
	} else {
		c.ValidationStatus = model.ValidationCompleted
	}
	if len(reviews) > 0 {
		if err := v.writeReviewQueue(c.CaseID, reviews); err != nil {
			v.logger.Warn("review queue write failed", zap.Error(err))
		}
	}
	return sum, nil
}

// buildPages partitions the case's issues and attached images by page.
func (v *Validator) buildPages(c *model.Case, rendered [][]byte, ranges [][2]int) []*page {
	pages := make([]*page, 0, len(rendered))
	for i := range rendered {
		if i >= len(ranges) {
			break
		}
		p := &page{number: i + 1, rowFrom: ranges[i][0], rowTo: ranges[i][1], rendered: rendered[i]}
		for _, is := range c.Issues {
			if inRange(is.ExcelRow, ranges[i]) {
				p.issues = append(p.issues, is)
			}
			for _, img := range is.Images {
				if inRange(img.Anchor.RowStart, ranges[i]) {
					img.Page = p.number
					p.images = append(p.images, img)
				}
			}
		}
		pages = append(pages, p)
	}
	return pages
}

// judgePage submits one page to the vision model.
func (v *Validator) judgePage(ctx context.Context, c *model.Case, p *page) ([]vlm.MappingVerdict, error) {
	current := make(map[string]string, len(p.images)) // image id → owning row id
	for _, is := range p.issues {
		for _, img := range is.Images {
			current[img.ImageID] = is.RowID
		}
	}

	mc := vlm.MappingContext{
		CaseID:  c.CaseID,
		Columns: []string{"row_id", "型试", "分类", "問題点", "原因，对策"},
	}
	for _, is := range p.issues {
		mc.Rows = append(mc.Rows, vlm.MappingRow{
			RowID: is.RowID,
			Values: map[string]string{
				"型试":    string(is.Trial),
				"分类":    is.Category,
				"問題点":   is.Problem,
				"原因，对策": is.Solution,
			},
		})
	}

	files := make(map[string][]byte, len(p.images))
	for _, img := range p.images {
		data, err := os.ReadFile(img.FilePath)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", img.FilePath, err)
		}
		name := filepath.Base(img.FilePath)
		files[name] = data
		mc.Images = append(mc.Images, vlm.MappingImage{
			ImageID:        img.ImageID,
			Filename:       name,
			AnchorRow:      img.Anchor.RowStart,
			CurrentMapping: current[img.ImageID],
		})
	}
	return v.judge.ValidateMappings(ctx, p.rendered, files, mc)
}

// apply runs the correction policy over one page's verdicts. Caller holds
// the case mutex.
func (v *Validator) apply(c *model.Case, p *page, verdicts []vlm.MappingVerdict, sum *Summary, confidences *[]float64, reviews *[]ReviewItem) {
	byID := make(map[string]*model.ImageRef, len(p.images))
	for _, img := range p.images {
		byID[img.ImageID] = img
	}
	rows := make(map[string]*model.Issue, len(c.Issues))
	for _, is := range c.Issues {
		rows[is.RowID] = is
	}

	for _, verdict := range verdicts {
		img, ok := byID[verdict.ImageID]
		if !ok {
			continue
		}
		*confidences = append(*confidences, verdict.Confidence)
		now := v.now()

		confirmed := verdict.Status == "confirmed" ||
			(verdict.ValidatedMapping != "" && verdict.ValidatedMapping == verdict.CurrentMapping)
		if confirmed {
			img.MappingValidation = model.MappingValidation{
				Status:      model.MappingValidated,
				Method:      model.MethodVLMConfirmed,
				Confidence:  verdict.Confidence,
				Reason:      verdict.Reasoning,
				ValidatedAt: now,
			}
			continue
		}

		target, known := rows[verdict.ValidatedMapping]
		if known && verdict.Confidence >= v.autoCorrectThreshold() {
			moveImage(c, img, target)
			img.MappingValidation = model.MappingValidation{
				Status:      model.MappingValidated,
				Method:      model.MethodVLMCorrected,
				Confidence:  verdict.Confidence,
				Reason:      verdict.Reasoning,
				ValidatedAt: now,
			}
			sum.AutoCorrected++
			continue
		}

		img.MappingValidation = model.MappingValidation{
			Status:     model.MappingReviewRequired,
			Method:     model.MethodAnchorBased,
			Confidence: verdict.Confidence,
			Reason:     verdict.Reasoning,
		}
		sum.PendingReview++
		*reviews = append(*reviews, ReviewItem{
			CaseID:           c.CaseID,
			ImageID:          img.ImageID,
			FilePath:         img.FilePath,
			CurrentMapping:   verdict.CurrentMapping,
			SuggestedMapping: verdict.ValidatedMapping,
			Confidence:       verdict.Confidence,
			Reason:           verdict.Reasoning,
		})
	}
}

func (v *Validator) autoCorrectThreshold() float64 {
	if v.cfg.AutoCorrectThreshold > 0 {
		return v.cfg.AutoCorrectThreshold
	}
	return 0.90
}

// moveImage detaches the image from every issue and attaches it to target
// exactly once.
func moveImage(c *model.Case, img *model.ImageRef, target *model.Issue) {
	for _, is := range c.Issues {
		kept := is.Images[:0]
		for _, other := range is.Images {
			if other.ImageID != img.ImageID {
				kept = append(kept, other)
			}
		}
		is.Images = kept
	}
	target.Images = append(target.Images, img)
}

// writeReviewQueue drops the pending items as one JSON file per case.
func (v *Validator) writeReviewQueue(caseID string, items []ReviewItem) error {
	if v.cfg.ReviewQueueDir == "" {
		return nil
	}
	if err := os.MkdirAll(v.cfg.ReviewQueueDir, 0o755); err != nil {
		return err
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ImageID < items[j].ImageID })
	raw, err := json.MarshalIndent(map[string]interface{}{
		"case_id":    caseID,
		"created_at": v.now().Format(time.RFC3339),
		"items":      items,
	}, "", "  ")
	if err != nil {
		return err
	}
	path := filepath.Join(v.cfg.ReviewQueueDir, caseID+".json")
	return os.WriteFile(path, raw, 0o644)
}
