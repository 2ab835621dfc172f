package mapping

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"tke/internal/config"
	"tke/internal/model"
	"tke/internal/vlm"
)

type fakeConverter struct {
	pages [][]byte
	err   error
}

func (f *fakeConverter) RenderPages(ctx context.Context, path string, dpi int) ([][]byte, error) {
	return f.pages, f.err
}

type fakeJudge struct {
	verdicts []vlm.MappingVerdict
	err      error
	calls    int
	lastCtx  vlm.MappingContext
}

func (f *fakeJudge) ValidateMappings(ctx context.Context, page []byte, images map[string][]byte, mc vlm.MappingContext) ([]vlm.MappingVerdict, error) {
	f.calls++
	f.lastCtx = mc
	return f.verdicts, f.err
}

// validationCase builds a two-issue case with one image anchored near r1.
func validationCase(t *testing.T, dir string) *model.Case {
	t.Helper()
	imgPath := filepath.Join(dir, "case_img001.jpg")
	require.NoError(t, os.WriteFile(imgPath, []byte("jpeg"), 0o644))

	img := &model.ImageRef{
		ImageID:  "case_img001",
		FilePath: imgPath,
		Anchor:   model.Anchor{RowStart: 21, RowEnd: 23, Type: model.AnchorTwoCell},
		SpatialMatch: model.SpatialMatch{
			Type: model.MatchPrimary, Confidence: 0.9, RowDistance: 1,
		},
		MappingValidation: model.MappingValidation{
			Status: model.MappingPending, Method: model.MethodAnchorBased, Confidence: 0.9,
		},
	}
	r1 := &model.Issue{
		IssueID: "TS-A-1-1-20", RowID: "r1", ExcelRow: 20,
		Problem: "边缘毛刺", Solution: "增加去毛刺工序",
		Images: []*model.ImageRef{img},
	}
	r2 := &model.Issue{
		IssueID: "TS-A-1-2-25", RowID: "r2", ExcelRow: 25,
		Problem: "孔径偏小", Solution: "修模扩孔",
	}
	return &model.Case{
		CaseID:           "TS-A-1",
		Issues:           []*model.Issue{r1, r2},
		ValidationStatus: model.ValidationNotStarted,
	}
}

func testValidator(judge Judge, conv Converter, dir string) *Validator {
	return NewValidator(judge, conv, config.IngestConfig{
		ReviewQueueDir:       filepath.Join(dir, "queue"),
		AutoCorrectThreshold: 0.90,
		RowsPerPage:          40,
		VLMConcurrency:       2,
	}, zap.NewNop())
}

func TestValidateConfirms(t *testing.T) {
	dir := t.TempDir()
	c := validationCase(t, dir)
	judge := &fakeJudge{verdicts: []vlm.MappingVerdict{
		{ImageID: "case_img001", Status: "confirmed", Confidence: 0.97, CurrentMapping: "r1", ValidatedMapping: "r1"},
	}}
	v := testValidator(judge, &fakeConverter{pages: [][]byte{[]byte("png")}}, dir)

	sum, err := v.Validate(context.Background(), c, "report.xlsx")
	require.NoError(t, err)

	assert.Equal(t, model.ValidationCompleted, c.ValidationStatus)
	assert.Equal(t, 0, sum.AutoCorrected)
	assert.Equal(t, 0, sum.PendingReview)
	assert.InDelta(t, 0.97, sum.AverageConfidence, 1e-9)

	img := c.Issues[0].Images[0]
	assert.Equal(t, model.MappingValidated, img.MappingValidation.Status)
	assert.Equal(t, model.MethodVLMConfirmed, img.MappingValidation.Method)
	assert.False(t, img.MappingValidation.ValidatedAt.IsZero())

	// the judge saw both rows and the current mapping
	require.Len(t, judge.lastCtx.Rows, 2)
	require.Len(t, judge.lastCtx.Images, 1)
	assert.Equal(t, "r1", judge.lastCtx.Images[0].CurrentMapping)
	assert.Equal(t, 21, judge.lastCtx.Images[0].AnchorRow)
}

func TestValidateAutoCorrectsAboveThreshold(t *testing.T) {
	dir := t.TempDir()
	c := validationCase(t, dir)
	judge := &fakeJudge{verdicts: []vlm.MappingVerdict{
		{ImageID: "case_img001", Status: "corrected", Confidence: 0.95, CurrentMapping: "r1", ValidatedMapping: "r2"},
	}}
	v := testValidator(judge, &fakeConverter{pages: [][]byte{[]byte("png")}}, dir)

	sum, err := v.Validate(context.Background(), c, "report.xlsx")
	require.NoError(t, err)

	assert.Equal(t, 1, sum.AutoCorrected)
	assert.Empty(t, c.Issues[0].Images)
	require.Len(t, c.Issues[1].Images, 1)

	img := c.Issues[1].Images[0]
	assert.Equal(t, model.MappingValidated, img.MappingValidation.Status)
	assert.Equal(t, model.MethodVLMCorrected, img.MappingValidation.Method)
}

func TestValidateLowConfidenceGoesToReview(t *testing.T) {
	dir := t.TempDir()
	c := validationCase(t, dir)
	judge := &fakeJudge{verdicts: []vlm.MappingVerdict{
		{ImageID: "case_img001", Status: "corrected", Confidence: 0.6, CurrentMapping: "r1", ValidatedMapping: "r2", Reasoning: "圈注指向下一行"},
	}}
	v := testValidator(judge, &fakeConverter{pages: [][]byte{[]byte("png")}}, dir)

	sum, err := v.Validate(context.Background(), c, "report.xlsx")
	require.NoError(t, err)

	assert.Equal(t, 1, sum.PendingReview)
	// image stays on the original issue
	require.Len(t, c.Issues[0].Images, 1)
	img := c.Issues[0].Images[0]
	assert.Equal(t, model.MappingReviewRequired, img.MappingValidation.Status)

	raw, err := os.ReadFile(filepath.Join(dir, "queue", "TS-A-1.json"))
	require.NoError(t, err)
	var queued struct {
		CaseID string       `json:"case_id"`
		Items  []ReviewItem `json:"items"`
	}
	require.NoError(t, json.Unmarshal(raw, &queued))
	assert.Equal(t, "TS-A-1", queued.CaseID)
	require.Len(t, queued.Items, 1)
	assert.Equal(t, "r2", queued.Items[0].SuggestedMapping)
}

func TestValidateUnknownTargetGoesToReview(t *testing.T) {
	dir := t.TempDir()
	c := validationCase(t, dir)
	judge := &fakeJudge{verdicts: []vlm.MappingVerdict{
		{ImageID: "case_img001", Status: "corrected", Confidence: 0.99, CurrentMapping: "r1", ValidatedMapping: "r9"},
	}}
	v := testValidator(judge, &fakeConverter{pages: [][]byte{[]byte("png")}}, dir)

	sum, err := v.Validate(context.Background(), c, "report.xlsx")
	require.NoError(t, err)
	assert.Equal(t, 0, sum.AutoCorrected)
	assert.Equal(t, 1, sum.PendingReview)
	require.Len(t, c.Issues[0].Images, 1)
}

func TestValidateRenderFailureKeepsAnchors(t *testing.T) {
	dir := t.TempDir()
	c := validationCase(t, dir)
	judge := &fakeJudge{}
	v := testValidator(judge, &fakeConverter{err: errors.New("soffice crashed")}, dir)

	_, err := v.Validate(context.Background(), c, "report.xlsx")
	require.NoError(t, err)

	assert.Equal(t, model.ValidationFailed, c.ValidationStatus)
	assert.Equal(t, 0, judge.calls)
	assert.Equal(t, model.MappingPending, c.Issues[0].Images[0].MappingValidation.Status)
}

func TestValidateJudgeFailureMarksCaseFailed(t *testing.T) {
	dir := t.TempDir()
	c := validationCase(t, dir)
	judge := &fakeJudge{err: errors.New("vlm down")}
	v := testValidator(judge, &fakeConverter{pages: [][]byte{[]byte("png")}}, dir)

	_, err := v.Validate(context.Background(), c, "report.xlsx")
	require.NoError(t, err)

	assert.Equal(t, model.ValidationFailed, c.ValidationStatus)
	assert.Equal(t, model.MappingPending, c.Issues[0].Images[0].MappingValidation.Status)
}

func TestValidateNilConverterIsNoop(t *testing.T) {
	dir := t.TempDir()
	c := validationCase(t, dir)
	v := testValidator(&fakeJudge{}, nil, dir)

	sum, err := v.Validate(context.Background(), c, "report.xlsx")
	require.NoError(t, err)
	assert.Zero(t, sum.AutoCorrected)
	assert.Equal(t, model.ValidationNotStarted, c.ValidationStatus)
}

func TestPageRangesFromBreaks(t *testing.T) {
	ranges := pageRanges([]int{40, 80}, 0, 3)
	assert.Equal(t, [][2]int{{1, 40}, {41, 80}, {81, 0}}, ranges)
}

func TestPageRangesFallback(t *testing.T) {
	ranges := pageRanges(nil, 40, 2)
	assert.Equal(t, [][2]int{{1, 40}, {41, 0}}, ranges)

	assert.True(t, inRange(40, ranges[0]))
	assert.False(t, inRange(41, ranges[0]))
	assert.True(t, inRange(1000, ranges[1]))
}
