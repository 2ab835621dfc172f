package excel

import (
	"bytes"
	"context"
	"image"
	"image/png"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"

	"tke/internal/model"
)

func pngBytes(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 8, 8))
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

// writeWorkbook builds a minimal trial report: metadata cells, a header row
// at row 18, and three data rows.
func writeWorkbook(t *testing.T, path string, withImages bool) {
	t.Helper()
	f := excelize.NewFile()
	sheet := f.GetSheetName(0)

	require.NoError(t, f.SetCellValue(sheet, "F4", "模具A"))
	require.NoError(t, f.SetCellValue(sheet, "F6", "A123-B45"))
	require.NoError(t, f.SetCellValue(sheet, "F8", "N-778"))
	require.NoError(t, f.SetCellValue(sheet, "G13", "ADC12"))
	require.NoError(t, f.SetCellValue(sheet, "I13", "ADC12"))
	require.NoError(t, f.SetCellValue(sheet, "G14", "黑色"))
	require.NoError(t, f.SetCellValue(sheet, "G19", "DC-350"))

	// header at 1-based row 18 → data starts at row 20
	for col, token := range map[string]string{
		"B18": "NO", "C18": "型试", "D18": "分类", "E18": "問題点",
		"H18": "原因，对策", "K18": "原因分类",
	} {
		require.NoError(t, f.SetCellValue(sheet, col, token))
	}
	require.NoError(t, f.SetCellValue(sheet, "L19", "T1"))
	require.NoError(t, f.SetCellValue(sheet, "M19", "T2"))

	type row struct {
		no, trial, category, problem, solution, t1, t2 string
	}
	rows := map[int]row{
		20: {"1", "T1", "外观", "边缘毛刺", "增加去毛刺工序", "NG", "OK"},
		21: {"2", "T1", "尺寸", "孔径偏小", "修模扩孔", "NG", ""},
		25: {"3", "T2", "外观", "表面缩水", "调整保压", "", "OK"},
	}
	for r, v := range rows {
		set := func(col, val string) {
			require.NoError(t, f.SetCellValue(sheet, col+itoa(r), val))
		}
		set("B", v.no)
		set("C", v.trial)
		set("D", v.category)
		set("E", v.problem)
		set("H", v.solution)
		set("L", v.t1)
		set("M", v.t2)
	}

	if withImages {
		pic := pngBytes(t)
		// logo plus two content images
		for _, cell := range []string{"A1", "F21", "F26"} {
			require.NoError(t, f.AddPictureFromBytes(sheet, cell, &excelize.Picture{
				Extension: ".png", File: pic,
			}))
		}
	}
	require.NoError(t, f.SaveAs(path))
}

func itoa(n int) string {
	return string(rune('0'+n/10)) + string(rune('0'+n%10))
}

func TestExtractCaseAndIssues(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "A123-B45试作报告.xlsx")
	writeWorkbook(t, path, false)

	e := NewExtractor(filepath.Join(dir, "images"), zap.NewNop())
	c, images, err := e.Extract(context.Background(), path)
	require.NoError(t, err)
	assert.Empty(t, images)

	assert.Equal(t, "TS-A123-B45-N-778", c.CaseID)
	assert.Equal(t, "A123-B45", c.PartNumber)
	assert.Equal(t, "模具A", c.MoldType)
	assert.Equal(t, "ADC12", c.Material) // duplicates collapse
	assert.Equal(t, "黑色", c.Color)
	assert.Equal(t, "DC-350", c.MoldingMachine)
	assert.Equal(t, model.ValidationNotStarted, c.ValidationStatus)

	require.Len(t, c.Issues, 3)
	first := c.Issues[0]
	assert.Equal(t, "TS-A123-B45-N-778-1-20", first.IssueID)
	assert.Equal(t, 1, first.IssueNumber)
	assert.Equal(t, "r1", first.RowID)
	assert.Equal(t, 20, first.ExcelRow)
	assert.Equal(t, model.TrialT1, first.Trial)
	assert.Equal(t, "边缘毛刺", first.Problem)
	assert.Equal(t, "增加去毛刺工序", first.Solution)
	assert.Equal(t, model.ResultNG, first.ResultT1)
	assert.Equal(t, model.ResultOK, first.ResultT2)

	// gap row 22-24 is skipped, row 25 still parsed
	assert.Equal(t, 25, c.Issues[2].ExcelRow)
	assert.Equal(t, 3, c.TotalIssues())
}

func TestExtractImagesSkipsLogo(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "report.xlsx")
	writeWorkbook(t, path, true)

	e := NewExtractor(filepath.Join(dir, "images"), zap.NewNop())
	_, images, err := e.Extract(context.Background(), path)
	require.NoError(t, err)

	// three pictures embedded, first (A1 logo) skipped
	require.Len(t, images, 2)
	assert.Equal(t, "report_img001", images[0].ImageID)
	assert.FileExists(t, images[0].FilePath)
	assert.Equal(t, 21, images[0].Anchor.RowStart)
	assert.NotEqual(t, model.AnchorUnknown, images[0].Anchor.Type)
}

func TestExtractFailsOnMissingFile(t *testing.T) {
	e := NewExtractor(t.TempDir(), zap.NewNop())
	_, _, err := e.Extract(context.Background(), "/nonexistent.xlsx")
	assert.ErrorIs(t, err, ErrExtraction)
}

func TestCaseIDFallbackWhenInternalMissing(t *testing.T) {
	id := buildCaseID("A123", "")
	assert.Contains(t, id, "TS-A123-")
	assert.Len(t, id, len("TS-A123-")+8)
}

func TestReadRowBreaksResolvesRenamedSheetPart(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "renamed.xlsx")

	// the only sheet lives in sheet2.xml after the default one is dropped
	f := excelize.NewFile()
	_, err := f.NewSheet("试作报告")
	require.NoError(t, err)
	require.NoError(t, f.DeleteSheet("Sheet1"))
	require.NoError(t, f.SetCellValue("试作报告", "B18", "NO"))
	require.NoError(t, f.InsertPageBreak("试作报告", "A21"))
	require.NoError(t, f.InsertPageBreak("试作报告", "A41"))
	require.NoError(t, f.SaveAs(path))

	breaks, err := ReadRowBreaks(path)
	require.NoError(t, err)
	assert.Equal(t, []int{20, 40}, breaks)
}

func TestReadRowBreaksEmptyWithoutManualBreaks(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "plain.xlsx")
	writeWorkbook(t, path, false)

	breaks, err := ReadRowBreaks(path)
	require.NoError(t, err)
	assert.Empty(t, breaks)
}

func TestFindHeaderRowRequiresThreeTokens(t *testing.T) {
	rows := make([][]string, 30)
	rows[17] = []string{"", "NO", "型试", "", "問題点"} // 3 tokens at row 18
	got, ok := findHeaderRow(rows)
	require.True(t, ok)
	assert.Equal(t, 17, got)

	rows[17] = []string{"", "NO", "型试"} // only 2 tokens
	_, ok = findHeaderRow(rows)
	assert.False(t, ok)
}
