package model

import "time"

// TrialVersion 型试版本
type TrialVersion string

const (
	TrialT0 TrialVersion = "T0"
	TrialT1 TrialVersion = "T1"
	TrialT2 TrialVersion = "T2"
	TrialT3 TrialVersion = "T3"
)

// TrialResult 单次型试结果
type TrialResult string

const (
	ResultOK TrialResult = "OK"
	ResultNG TrialResult = "NG"
)

// Severity 缺陷严重程度
type Severity string

const (
	SeverityHigh   Severity = "high"
	SeverityMedium Severity = "medium"
	SeverityLow    Severity = "low"
)

// severityRank orders severities for the max rollup (high > medium > low).
var severityRank = map[Severity]int{
	SeverityHigh:   3,
	SeverityMedium: 2,
	SeverityLow:    1,
}

// MaxSeverity returns the higher of two severities; empty counts lowest.
func MaxSeverity(a, b Severity) Severity {
	if severityRank[b] > severityRank[a] {
		return b
	}
	return a
}

// ValidationStatus case 级别的映射校验状态
type ValidationStatus string

const (
	ValidationNotStarted ValidationStatus = "not_started"
	ValidationCompleted  ValidationStatus = "completed"
	ValidationFailed     ValidationStatus = "failed"
)

// AnchorType 图片锚点类型
type AnchorType string

const (
	AnchorOneCell AnchorType = "oneCell"
	AnchorTwoCell AnchorType = "twoCell"
	AnchorUnknown AnchorType = "unknown"
)

// Anchor is the rectangular cell region an embedded picture is attached to.
// Offsets are in EMU (1/914400 inch); Height/Width are derived pixels.
type Anchor struct {
	RowStart      int        `json:"row_start"`
	RowEnd        int        `json:"row_end"`
	ColStart      int        `json:"col_start"`
	ColEnd        int        `json:"col_end"`
	RowOffsTop    int64      `json:"row_offs_top"`
	RowOffsBottom int64      `json:"row_offs_bottom"`
	ColOffsLeft   int64      `json:"col_offs_left"`
	ColOffsRight  int64      `json:"col_offs_right"`
	Height        float64    `json:"height"`
	Width         float64    `json:"width"`
	Type          AnchorType `json:"anchor_type"`
}

// MatchType 图片-问题空间匹配类型
type MatchType string

const (
	MatchPrimary   MatchType = "primary"
	MatchSecondary MatchType = "secondary"
	MatchTertiary  MatchType = "tertiary"
	MatchInline    MatchType = "inline"
	MatchOverlap   MatchType = "overlap"
	MatchPostImage MatchType = "post_image"
	MatchNone      MatchType = "none"
)

// SpatialMatch records how an image was assigned to an issue.
type SpatialMatch struct {
	Type        MatchType `json:"type"`
	Confidence  float64   `json:"confidence"`
	RowDistance int       `json:"row_distance"`
}

// MappingStatus mapping_validation 状态
type MappingStatus string

const (
	MappingPending        MappingStatus = "pending"
	MappingValidated      MappingStatus = "validated"
	MappingReviewRequired MappingStatus = "review_required"
)

// MappingMethod 映射确定方式
type MappingMethod string

const (
	MethodAnchorBased  MappingMethod = "anchor_based"
	MethodVLMConfirmed MappingMethod = "vlm_confirmed"
	MethodVLMCorrected MappingMethod = "vlm_corrected"
	MethodManual       MappingMethod = "manual"
)

// MappingValidation VLM 校验后的映射状态
type MappingValidation struct {
	Status      MappingStatus `json:"status"`
	Method      MappingMethod `json:"method"`
	Confidence  float64       `json:"confidence"`
	Reason      string        `json:"reason,omitempty"`
	ValidatedAt time.Time     `json:"validated_at,omitempty"`
	ReviewedBy  string        `json:"reviewed_by,omitempty"`
}

// ImageRef is one embedded picture extracted from the spreadsheet.
type ImageRef struct {
	ImageID  string `json:"image_id"`
	FilePath string `json:"file_path"`
	Anchor   Anchor `json:"anchor"`
	Page     int    `json:"page,omitempty"`

	SpatialMatch      SpatialMatch      `json:"spatial_match"`
	MappingValidation MappingValidation `json:"mapping_validation"`

	// VLM enrichment
	VLDescription     string   `json:"vl_description,omitempty"`
	DefectType        string   `json:"defect_type,omitempty"`
	EquipmentPart     string   `json:"equipment_part,omitempty"`
	TextInImage       string   `json:"text_in_image,omitempty"`
	VisualAnnotations string   `json:"visual_annotations,omitempty"`
	Severity          Severity `json:"severity,omitempty"`
	Tags              []string `json:"tags,omitempty"`
	KeyInsights       []string `json:"key_insights,omitempty"`
	SuggestedActions  []string `json:"suggested_actions,omitempty"`
	VLMConfidence     float64  `json:"vlm_confidence,omitempty"`
}

// Issue is one row of the case's data table.
type Issue struct {
	IssueID     string       `json:"issue_id"`
	IssueNumber int          `json:"issue_number"`
	RowID       string       `json:"row_id"`
	ExcelRow    int          `json:"excel_row"`
	Trial       TrialVersion `json:"trial_version,omitempty"`
	Category    string       `json:"category,omitempty"`
	Problem     string       `json:"problem,omitempty"`
	Solution    string       `json:"solution,omitempty"`
	ResultT1    TrialResult  `json:"result_t1,omitempty"`
	ResultT2    TrialResult  `json:"result_t2,omitempty"`
	CauseClass  string       `json:"cause_classification,omitempty"`

	// rollups aggregated from images
	DefectTypes      []string `json:"defect_types,omitempty"`
	Severity         Severity `json:"severity,omitempty"`
	Tags             []string `json:"tags,omitempty"`
	KeyInsights      []string `json:"key_insights,omitempty"`
	SuggestedActions []string `json:"suggested_actions,omitempty"`
	VLMConfidence    float64  `json:"vlm_confidence"`

	Images []*ImageRef `json:"images,omitempty"`
}

// HasImages reports whether any image is attached.
func (i *Issue) HasImages() bool { return len(i.Images) > 0 }

// Case is one spreadsheet's worth of troubleshooting data.
type Case struct {
	CaseID         string `json:"case_id"`
	PartNumber     string `json:"part_number,omitempty"`
	InternalNumber string `json:"internal_number,omitempty"`
	MoldType       string `json:"mold_type,omitempty"`
	Material       string `json:"material,omitempty"`
	Color          string `json:"color,omitempty"`
	MoldingMachine string `json:"molding_machine,omitempty"`
	SourceFile     string `json:"source_file"`

	Issues []*Issue `json:"issues"`

	// VLM rollups
	VLMProcessed  bool     `json:"vlm_processed"`
	VLMSummary    string   `json:"vlm_summary,omitempty"`
	VLMConfidence float64  `json:"vlm_confidence"`
	Tags          []string `json:"tags,omitempty"`
	KeyInsights   []string `json:"key_insights,omitempty"`

	ValidationStatus ValidationStatus `json:"validation_status"`
}

// TotalIssues counts issues with an assigned row id.
func (c *Case) TotalIssues() int {
	n := 0
	for _, is := range c.Issues {
		if is.RowID != "" {
			n++
		}
	}
	return n
}

// AllImages flattens the image refs across all issues.
func (c *Case) AllImages() []*ImageRef {
	var out []*ImageRef
	for _, is := range c.Issues {
		out = append(out, is.Images...)
	}
	return out
}

// Synonym maps a colloquial/ASR surface form to a canonical term.
type Synonym struct {
	Canonical  string    `json:"canonical"`
	Surface    string    `json:"surface"`
	TermType   string    `json:"term_type"`
	Confidence float64   `json:"confidence"`
	UsageCount int       `json:"usage_count"`
	LastUsedAt time.Time `json:"last_used_at,omitempty"`
	Source     string    `json:"source,omitempty"`
}

// Learning is an error-pattern record surfaced into the text-to-SQL prompt.
type Learning struct {
	Title          string    `json:"title"`
	Learning       string    `json:"learning"`
	LearningType   string    `json:"learning_type"`
	TablesAffected []string  `json:"tables_affected"`
	UsageCount     int       `json:"usage_count"`
	CreatedAt      time.Time `json:"created_at"`
}

// ValidatedQuery is a known-good question/SQL example seeded to text-to-SQL.
type ValidatedQuery struct {
	Name       string   `json:"name"`
	Question   string   `json:"question"`
	SQL        string   `json:"sql"`
	TablesUsed []string `json:"tables_used"`
	Summary    string   `json:"summary,omitempty"`
}

// UserContext flows with every query. Nil is valid only when strict mode
// is off.
type UserContext struct {
	UserID string   `json:"user_id"`
	Roles  []string `json:"roles"`
	OrgID  string   `json:"org_id,omitempty"`
}

// UniqueHead keeps the first n distinct non-empty strings in insertion order.
func UniqueHead(in []string, n int) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, n)
	for _, s := range in {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
		if len(out) == n {
			break
		}
	}
	return out
}
