package excel

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/draw"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"

	"tke/internal/model"
)

// ErrExtraction marks an unreadable or structurally invalid workbook.
var ErrExtraction = errors.New("extraction error")

// header discovery scans this 1-based row window for the data table header.
const (
	headerScanFrom    = 15
	headerScanTo      = 30
	fallbackHeaderRow = 19 // 0-based, used when no header row matches
	jpegQuality       = 90
)

// canonical header tokens; a row containing 3+ is the table header.
var headerTokens = []string{"NO", "問題点", "原因，对策", "型试"}

// columns indexes the data table, 0-based. Filled from the header row with
// fixed fallbacks.
type columns struct {
	no         int
	trial      int
	category   int
	problem    int
	solution   int
	causeClass int
	t1         int
	t2         int
}

func defaultColumns() columns {
	return columns{no: 1, trial: 2, category: 3, problem: 4, solution: 7, causeClass: 10, t1: 11, t2: 12}
}

// Extractor turns a trial-report workbook into a Case plus anchored images.
type Extractor struct {
	imagesDir string
	logger    *zap.Logger
}

// NewExtractor builds an Extractor writing images under imagesDir.
func NewExtractor(imagesDir string, logger *zap.Logger) *Extractor {
	return &Extractor{imagesDir: imagesDir, logger: logger}
}

// Extract reads the workbook into a Case with issues, and returns the
// anchored image refs separately for the mapper.
func (e *Extractor) Extract(ctx context.Context, path string) (*model.Case, []*model.ImageRef, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: open %s: %v", ErrExtraction, path, err)
	}
	defer f.Close()

	sheet := f.GetSheetName(0)
	rows, err := f.GetRows(sheet)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: read sheet: %v", ErrExtraction, err)
	}
	if len(rows) == 0 {
		return nil, nil, fmt.Errorf("%w: empty sheet in %s", ErrExtraction, path)
	}

	c := e.readMetadata(f, sheet)
	c.SourceFile = path
	c.ValidationStatus = model.ValidationNotStarted
	c.CaseID = buildCaseID(c.PartNumber, c.InternalNumber)

	headerRow, found := findHeaderRow(rows)
	if !found {
		e.logger.Warn("data header not found, using fallback row",
			zap.String("file", filepath.Base(path)), zap.Int("row", fallbackHeaderRow))
		headerRow = fallbackHeaderRow
	}
	cols := locateColumns(rows, headerRow)

	c.Issues = parseIssues(rows, headerRow, cols, c.CaseID)
	if len(c.Issues) == 0 {
		return nil, nil, fmt.Errorf("%w: no data rows in %s", ErrExtraction, path)
	}

	images, err := e.extractImages(f, sheet, path, c.CaseID)
	if err != nil {
		return nil, nil, err
	}
	return c, images, nil
}

// readMetadata pulls the fixed header cells. Blank cells stay empty strings.
func (e *Extractor) readMetadata(f *excelize.File, sheet string) *model.Case {
	cell := func(ref string) string {
		v, _ := f.GetCellValue(sheet, ref)
		return strings.TrimSpace(v)
	}
	materials := model.UniqueHead([]string{cell("G13"), cell("I13"), cell("K13")}, 3)
	return &model.Case{
		MoldType:       cell("F4"),
		PartNumber:     cell("F6"),
		InternalNumber: cell("F8"),
		Material:       strings.Join(materials, "/"),
		Color:          cell("G14"),
		MoldingMachine: cell("G19"),
	}
}

// buildCaseID forms "TS-<part>-<internal>", falling back to a random suffix
// when the internal number is missing.
func buildCaseID(partNumber, internalNumber string) string {
	part := sanitizeID(partNumber)
	if part == "" {
		part = "unknown"
	}
	internal := sanitizeID(internalNumber)
	if internal == "" {
		internal = uuid.NewString()[:8]
	}
	return "TS-" + part + "-" + internal
}

func sanitizeID(s string) string {
	s = strings.TrimSpace(s)
	s = strings.ReplaceAll(s, " ", "")
	return strings.ReplaceAll(s, "/", "-")
}

// findHeaderRow returns the 0-based header row index.
func findHeaderRow(rows [][]string) (int, bool) {
	for r := headerScanFrom; r <= headerScanTo && r <= len(rows); r++ {
		hits := 0
		for _, token := range headerTokens {
			if rowContains(rows[r-1], token) {
				hits++
			}
		}
		if hits >= 3 {
			return r - 1, true
		}
	}
	return 0, false
}

func rowContains(row []string, token string) bool {
	for _, cell := range row {
		if strings.Contains(strings.TrimSpace(cell), token) {
			return true
		}
	}
	return false
}

// locateColumns maps header tokens to column indexes, searching the header
// row and the one beneath it (T1/T2 live on the second header line).
func locateColumns(rows [][]string, headerRow int) columns {
	cols := defaultColumns()
	find := func(row []string, token string) int {
		for i, cell := range row {
			if strings.Contains(strings.TrimSpace(cell), token) {
				return i
			}
		}
		return -1
	}
	header := rows[headerRow]
	if i := find(header, "NO"); i >= 0 {
		cols.no = i
	}
	if i := find(header, "型试"); i >= 0 {
		cols.trial = i
	}
	if i := find(header, "分类"); i >= 0 {
		cols.category = i
	}
	if i := find(header, "問題点"); i >= 0 {
		cols.problem = i
	}
	if i := find(header, "原因，对策"); i >= 0 {
		cols.solution = i
	}
	if i := find(header, "原因分类"); i >= 0 {
		cols.causeClass = i
	}
	if headerRow+1 < len(rows) {
		sub := rows[headerRow+1]
		if i := find(sub, "T1"); i >= 0 {
			cols.t1 = i
		}
		if i := find(sub, "T2"); i >= 0 {
			cols.t2 = i
		}
	}
	return cols
}

// parseIssues walks the data rows. The first data row is header + 2 in
// 1-based coordinates. A long run of empty rows terminates the table.
func parseIssues(rows [][]string, headerRow int, cols columns, caseID string) []*model.Issue {
	var issues []*model.Issue
	empties := 0
	seq := 0

	at := func(row []string, idx int) string {
		if idx < 0 || idx >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[idx])
	}

	for r := headerRow + 1; r < len(rows); r++ {
		excelRow := r + 1 // 1-based
		row := rows[r]

		no := at(row, cols.no)
		problem := at(row, cols.problem)
		if no == "" && problem == "" {
			empties++
			if empties >= 10 {
				break
			}
			continue
		}
		empties = 0
		if problem == "" {
			continue
		}

		number, err := strconv.Atoi(strings.TrimSpace(no))
		if err != nil || number < 1 {
			number = seq + 1
		}
		seq++

		issues = append(issues, &model.Issue{
			IssueID:     fmt.Sprintf("%s-%d-%d", caseID, number, excelRow),
			IssueNumber: number,
			RowID:       fmt.Sprintf("r%d", seq),
			ExcelRow:    excelRow,
			Trial:       parseTrial(at(row, cols.trial)),
			Category:    at(row, cols.category),
			Problem:     problem,
			Solution:    at(row, cols.solution),
			ResultT1:    parseResult(at(row, cols.t1)),
			ResultT2:    parseResult(at(row, cols.t2)),
			CauseClass:  at(row, cols.causeClass),
		})
	}
	return issues
}

func parseTrial(s string) model.TrialVersion {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "T0":
		return model.TrialT0
	case "T1":
		return model.TrialT1
	case "T2":
		return model.TrialT2
	case "T3":
		return model.TrialT3
	}
	return ""
}

func parseResult(s string) model.TrialResult {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "OK", "○":
		return model.ResultOK
	case "NG", "×":
		return model.ResultNG
	}
	return ""
}

// extractImages saves every embedded picture except the first (the header
// logo) as JPEG and pairs it with its drawing anchor.
func (e *Extractor) extractImages(f *excelize.File, sheet, path, caseID string) ([]*model.ImageRef, error) {
	anchors, err := readDrawingAnchors(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrExtraction, err)
	}

	cells, err := f.GetPictureCells(sheet)
	if err != nil {
		return nil, fmt.Errorf("%w: list pictures: %v", ErrExtraction, err)
	}

	// anchors queue keyed by from-cell, consumed in document order
	type cellKey struct{ row, col int }
	queues := make(map[cellKey][]model.Anchor)
	for _, a := range anchors {
		k := cellKey{a.RowStart, a.ColStart}
		queues[k] = append(queues[k], a)
	}

	caseStem := sanitizeID(strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)))
	dir := filepath.Join(e.imagesDir, caseStem)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create images dir: %w", err)
	}

	// top-to-bottom order so the skipped first picture is the header logo
	sort.Slice(cells, func(i, j int) bool {
		ci, ri, _ := excelize.CellNameToCoordinates(cells[i])
		cj, rj, _ := excelize.CellNameToCoordinates(cells[j])
		if ri != rj {
			return ri < rj
		}
		return ci < cj
	})

	var refs []*model.ImageRef
	index := 0
	for _, cell := range cells {
		pics, err := f.GetPictures(sheet, cell)
		if err != nil {
			e.logger.Warn("read picture failed", zap.String("cell", cell), zap.Error(err))
			continue
		}
		col, row, err := excelize.CellNameToCoordinates(cell)
		if err != nil {
			continue
		}
		for _, pic := range pics {
			index++
			if index == 1 {
				continue // header logo
			}

			anchor := model.Anchor{RowStart: row, RowEnd: row, ColStart: col, ColEnd: col, Type: model.AnchorUnknown}
			k := cellKey{row, col}
			if q := queues[k]; len(q) > 0 {
				anchor = q[0]
				queues[k] = q[1:]
			}

			imageID := fmt.Sprintf("%s_img%03d", caseStem, index-1)
			filePath := filepath.Join(dir, imageID+".jpg")
			if err := saveJPEG(pic.File, filePath); err != nil {
				e.logger.Warn("save image failed",
					zap.String("image_id", imageID), zap.Error(err))
				continue
			}
			refs = append(refs, &model.ImageRef{
				ImageID:  imageID,
				FilePath: filePath,
				Anchor:   anchor,
			})
		}
	}
	return refs, nil
}

// saveJPEG decodes the picture bytes, flattens to RGB, and writes JPEG.
func saveJPEG(data []byte, path string) error {
	src, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("decode image: %w", err)
	}
	rgb := image.NewRGBA(src.Bounds())
	draw.Draw(rgb, rgb.Bounds(), image.White, image.Point{}, draw.Src)
	draw.Draw(rgb, rgb.Bounds(), src, src.Bounds().Min, draw.Over)

	out, err := os.Create(path)
	if err != nil {
		return err
	}
	defer out.Close()
	return jpeg.Encode(out, rgb, &jpeg.Options{Quality: jpegQuality})
}
