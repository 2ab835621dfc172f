package mapping

import (
	"sort"

	"tke/internal/model"
)

// topOffsetBoostEMU is the anchor top offset beyond which a primary match
// gets a small confidence boost: the picture visibly hangs below the row it
// is anchored to, which usually means it illustrates the row above.
const topOffsetBoostEMU = 100000

// Score rates one issue row against one image anchor. The image's
// row_start..row_end span is the reference.
func Score(issueRow int, anchor model.Anchor) model.SpatialMatch {
	none := model.SpatialMatch{Type: model.MatchNone}

	switch {
	case issueRow < anchor.RowStart:
		d := anchor.RowStart - issueRow
		switch {
		case d <= 3:
			conf := 1.0 - 0.10*float64(d)
			if anchor.RowOffsTop > topOffsetBoostEMU {
				conf += 0.05
				if conf > 1.0 {
					conf = 1.0
				}
			}
			return model.SpatialMatch{Type: model.MatchPrimary, Confidence: conf, RowDistance: d}
		case d <= 8:
			return model.SpatialMatch{Type: model.MatchSecondary, Confidence: maxf(0.6, 0.85-0.05*float64(d)), RowDistance: d}
		case d <= 50:
			return model.SpatialMatch{Type: model.MatchTertiary, Confidence: maxf(0.4, 0.65-0.01*float64(d)), RowDistance: d}
		default:
			return none
		}

	case issueRow <= anchor.RowEnd:
		span := anchor.RowEnd - anchor.RowStart
		if span <= 3 {
			return model.SpatialMatch{Type: model.MatchInline, Confidence: 0.85}
		}
		return model.SpatialMatch{Type: model.MatchOverlap, Confidence: 0.70}

	default:
		d := issueRow - anchor.RowEnd
		if d <= 5 {
			return model.SpatialMatch{Type: model.MatchPostImage, Confidence: maxf(0, 0.35-0.07*float64(d)), RowDistance: d}
		}
		return none
	}
}

func maxf(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

// Assign maps every image onto its best-matching issue. Images with no
// candidate stay unattached (the file remains on disk). Returns the number
// of assigned images.
func Assign(issues []*model.Issue, images []*model.ImageRef) int {
	assigned := 0
	for _, img := range images {
		type candidate struct {
			issue *model.Issue
			match model.SpatialMatch
		}
		var candidates []candidate
		for _, is := range issues {
			if is.ExcelRow == 0 {
				continue
			}
			m := Score(is.ExcelRow, img.Anchor)
			if m.Type != model.MatchNone {
				candidates = append(candidates, candidate{is, m})
			}
		}
		if len(candidates) == 0 {
			img.SpatialMatch = model.SpatialMatch{Type: model.MatchNone}
			continue
		}
		sort.SliceStable(candidates, func(i, j int) bool {
			if candidates[i].match.Confidence != candidates[j].match.Confidence {
				return candidates[i].match.Confidence > candidates[j].match.Confidence
			}
			return candidates[i].match.RowDistance < candidates[j].match.RowDistance
		})

		best := candidates[0]
		img.SpatialMatch = best.match
		img.MappingValidation = model.MappingValidation{
			Status:     model.MappingPending,
			Method:     model.MethodAnchorBased,
			Confidence: best.match.Confidence,
		}
		best.issue.Images = append(best.issue.Images, img)
		assigned++
	}
	return assigned
}
