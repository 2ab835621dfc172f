package excel

import (
	"archive/zip"
	"encoding/xml"
	"fmt"
	"io"
	gopath "path"
	"sort"
	"strings"

	"tke/internal/model"
)

// emuPerInch is the OOXML drawing unit (1/914400 inch).
const emuPerInch = 914400

// rowsPerInch approximates the default row height for one-cell anchor spans.
const rowsPerInch = 15

// xdrMarker is one side of an anchor in xl/drawings/drawingN.xml.
type xdrMarker struct {
	Col    int   `xml:"col"`
	ColOff int64 `xml:"colOff"`
	Row    int   `xml:"row"`
	RowOff int64 `xml:"rowOff"`
}

type xdrExtent struct {
	CX int64 `xml:"cx,attr"`
	CY int64 `xml:"cy,attr"`
}

type xdrAnchor struct {
	From xdrMarker  `xml:"from"`
	To   *xdrMarker `xml:"to"`
	Ext  *xdrExtent `xml:"ext"`
	Pic  *struct{}  `xml:"pic"`
}

type xdrDrawing struct {
	TwoCell []xdrAnchor `xml:"twoCellAnchor"`
	OneCell []xdrAnchor `xml:"oneCellAnchor"`
}

// readDrawingAnchors parses the workbook's drawing parts and returns picture
// anchors in document order. Rows and cols are converted to 1-based.
func readDrawingAnchors(path string) ([]model.Anchor, error) {
	r, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("open workbook archive: %w", err)
	}
	defer r.Close()

	var names []string
	files := make(map[string]*zip.File)
	for _, f := range r.File {
		if strings.HasPrefix(f.Name, "xl/drawings/drawing") && strings.HasSuffix(f.Name, ".xml") {
			names = append(names, f.Name)
			files[f.Name] = f
		}
	}
	sort.Strings(names)

	var anchors []model.Anchor
	for _, name := range names {
		raw, err := readZipFile(files[name])
		if err != nil {
			return nil, err
		}
		var doc xdrDrawing
		if err := xml.Unmarshal(raw, &doc); err != nil {
			return nil, fmt.Errorf("parse %s: %w", name, err)
		}
		for _, a := range doc.TwoCell {
			if a.Pic == nil {
				continue
			}
			anchor := model.Anchor{
				RowStart:    a.From.Row + 1,
				ColStart:    a.From.Col + 1,
				RowOffsTop:  a.From.RowOff,
				ColOffsLeft: a.From.ColOff,
				Type:        model.AnchorTwoCell,
			}
			if a.To != nil {
				anchor.RowEnd = a.To.Row + 1
				anchor.ColEnd = a.To.Col + 1
				anchor.RowOffsBottom = a.To.RowOff
				anchor.ColOffsRight = a.To.ColOff
			} else {
				anchor.RowEnd = anchor.RowStart
				anchor.ColEnd = anchor.ColStart
			}
			anchors = append(anchors, anchor)
		}
		for _, a := range doc.OneCell {
			if a.Pic == nil {
				continue
			}
			anchor := model.Anchor{
				RowStart:    a.From.Row + 1,
				ColStart:    a.From.Col + 1,
				RowOffsTop:  a.From.RowOff,
				ColOffsLeft: a.From.ColOff,
				Type:        model.AnchorOneCell,
			}
			anchor.RowEnd = anchor.RowStart
			anchor.ColEnd = anchor.ColStart
			if a.Ext != nil {
				anchor.Width = float64(a.Ext.CX) / emuPerInch * 96
				anchor.Height = float64(a.Ext.CY) / emuPerInch * 96
				// approximate the covered rows from the picture height
				span := int(float64(a.Ext.CY) / emuPerInch * rowsPerInch)
				anchor.RowEnd = anchor.RowStart + span
			}
			anchors = append(anchors, anchor)
		}
	}
	return anchors, nil
}

type brk struct {
	ID int `xml:"id,attr"`
}

type worksheetBreaks struct {
	RowBreaks struct {
		Brk []brk `xml:"brk"`
	} `xml:"rowBreaks"`
}

type workbookSheets struct {
	Sheets struct {
		Sheet []struct {
			Name string `xml:"name,attr"`
			RID  string `xml:"http://schemas.openxmlformats.org/officeDocument/2006/relationships id,attr"`
		} `xml:"sheet"`
	} `xml:"sheets"`
}

type workbookRels struct {
	Rels []struct {
		ID     string `xml:"Id,attr"`
		Target string `xml:"Target,attr"`
	} `xml:"Relationship"`
}

// firstSheetPart resolves the workbook's first sheet (workbook order, the one
// the extractor reads) to its worksheet part name. Part numbering is not
// guaranteed to follow sheet order, so the relationship table decides.
func firstSheetPart(byName map[string]*zip.File) (string, error) {
	const fallback = "xl/worksheets/sheet1.xml"

	wb, ok := byName["xl/workbook.xml"]
	if !ok {
		return fallback, nil
	}
	raw, err := readZipFile(wb)
	if err != nil {
		return "", err
	}
	var doc workbookSheets
	if err := xml.Unmarshal(raw, &doc); err != nil {
		return "", fmt.Errorf("parse workbook.xml: %w", err)
	}
	if len(doc.Sheets.Sheet) == 0 || doc.Sheets.Sheet[0].RID == "" {
		return fallback, nil
	}
	rid := doc.Sheets.Sheet[0].RID

	rels, ok := byName["xl/_rels/workbook.xml.rels"]
	if !ok {
		return fallback, nil
	}
	rraw, err := readZipFile(rels)
	if err != nil {
		return "", err
	}
	var rdoc workbookRels
	if err := xml.Unmarshal(rraw, &rdoc); err != nil {
		return "", fmt.Errorf("parse workbook rels: %w", err)
	}
	for _, rel := range rdoc.Rels {
		if rel.ID != rid {
			continue
		}
		if strings.HasPrefix(rel.Target, "/") {
			return strings.TrimPrefix(rel.Target, "/"), nil
		}
		return gopath.Join("xl", rel.Target), nil
	}
	return fallback, nil
}

// ReadRowBreaks returns the first sheet's explicit page break rows (1-based),
// ascending. An empty slice means no manual breaks.
func ReadRowBreaks(path string) ([]int, error) {
	r, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("open workbook archive: %w", err)
	}
	defer r.Close()

	byName := make(map[string]*zip.File, len(r.File))
	for _, f := range r.File {
		byName[f.Name] = f
	}
	part, err := firstSheetPart(byName)
	if err != nil {
		return nil, err
	}
	f, ok := byName[part]
	if !ok {
		return nil, nil
	}
	raw, err := readZipFile(f)
	if err != nil {
		return nil, err
	}
	var ws worksheetBreaks
	if err := xml.Unmarshal(raw, &ws); err != nil {
		return nil, fmt.Errorf("parse %s: %w", part, err)
	}
	breaks := make([]int, 0, len(ws.RowBreaks.Brk))
	for _, b := range ws.RowBreaks.Brk {
		breaks = append(breaks, b.ID)
	}
	sort.Ints(breaks)
	return breaks, nil
}

func readZipFile(f *zip.File) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}
