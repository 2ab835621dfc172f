package repo

import (
	"context"
	"fmt"
	"time"

	"tke/internal/model"
	"tke/internal/store/relational"
	"tke/internal/tkerr"
)

// CaseRepo persists cases and their issues.
type CaseRepo struct {
	adapter relational.Adapter
}

// Exists reports whether a case row is present.
func (r *CaseRepo) Exists(ctx context.Context, caseID string) (bool, error) {
	q := bind(r.adapter.GetDatabaseType(),
		"SELECT COUNT(*) AS n FROM troubleshooting_cases WHERE case_id = ?")
	res, err := r.adapter.ExecuteQuery(ctx, q, caseID)
	if err != nil {
		return false, err
	}
	if len(res.Rows) == 0 {
		return false, nil
	}
	return asInt(res.Rows[0]["n"]) > 0, nil
}

// Upsert writes the case row and all issue rows in one transaction.
// When force is false and the case already exists, ErrConflict is returned.
func (r *CaseRepo) Upsert(ctx context.Context, c *model.Case, force bool) error {
	exists, err := r.Exists(ctx, c.CaseID)
	if err != nil {
		return err
	}
	if exists && !force {
		return fmt.Errorf("%w: case %s already indexed (use force_reindex)", tkerr.ErrConflict, c.CaseID)
	}

	dbType := r.adapter.GetDatabaseType()
	now := time.Now().UTC().Format(time.RFC3339)

	tx, err := r.adapter.DB().BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	// delete-before-upsert keeps reruns idempotent
	if _, err := tx.ExecContext(ctx,
		bind(dbType, "DELETE FROM troubleshooting_issues WHERE case_id = ?"), c.CaseID); err != nil {
		return fmt.Errorf("delete issues: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		bind(dbType, "DELETE FROM troubleshooting_cases WHERE case_id = ?"), c.CaseID); err != nil {
		return fmt.Errorf("delete case: %w", err)
	}

	insertCase := bind(dbType, `INSERT INTO troubleshooting_cases
		(case_id, part_number, internal_number, mold_type, material, color, molding_machine,
		 total_issues, source_file, vlm_processed, vlm_summary, vlm_confidence,
		 key_insights, tags, validation_status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if _, err := tx.ExecContext(ctx, insertCase,
		c.CaseID, c.PartNumber, c.InternalNumber, c.MoldType, c.Material, c.Color,
		c.MoldingMachine, c.TotalIssues(), c.SourceFile, boolInt(c.VLMProcessed),
		c.VLMSummary, c.VLMConfidence, encodeList(c.KeyInsights), encodeList(c.Tags),
		string(c.ValidationStatus), now, now); err != nil {
		return fmt.Errorf("insert case %s: %w", c.CaseID, err)
	}

	insertIssue := bind(dbType, `INSERT INTO troubleshooting_issues
		(issue_id, case_id, issue_number, excel_row, trial_version, category,
		 problem, solution, result_t1, result_t2, cause_classification,
		 defect_types, vlm_processed, vlm_confidence, severity, tags,
		 key_insights, suggested_actions, has_images, image_count, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	for _, is := range c.Issues {
		if is.RowID == "" {
			continue
		}
		if _, err := tx.ExecContext(ctx, insertIssue,
			is.IssueID, c.CaseID, is.IssueNumber, is.ExcelRow, string(is.Trial),
			is.Category, is.Problem, is.Solution, string(is.ResultT1), string(is.ResultT2),
			is.CauseClass, encodeList(is.DefectTypes), boolInt(is.VLMConfidence > 0),
			is.VLMConfidence, string(is.Severity), encodeList(is.Tags),
			encodeList(is.KeyInsights), encodeList(is.SuggestedActions),
			boolInt(is.HasImages()), len(is.Images), now, now); err != nil {
			return fmt.Errorf("insert issue %s: %w", is.IssueID, err)
		}
	}

	return tx.Commit()
}

// Delete removes the case row; issues cascade.
func (r *CaseRepo) Delete(ctx context.Context, caseID string) error {
	dbType := r.adapter.GetDatabaseType()
	// SQLite may run without foreign_keys pragma, so delete issues explicitly.
	if err := r.adapter.Exec(ctx,
		bind(dbType, "DELETE FROM troubleshooting_issues WHERE case_id = ?"), caseID); err != nil {
		return err
	}
	return r.adapter.Exec(ctx,
		bind(dbType, "DELETE FROM troubleshooting_cases WHERE case_id = ?"), caseID)
}

// Counts returns case and issue row counts.
func (r *CaseRepo) Counts(ctx context.Context) (cases int, issues int, err error) {
	res, err := r.adapter.ExecuteQuery(ctx, "SELECT COUNT(*) AS n FROM troubleshooting_cases")
	if err != nil {
		return 0, 0, err
	}
	if len(res.Rows) > 0 {
		cases = asInt(res.Rows[0]["n"])
	}
	res, err = r.adapter.ExecuteQuery(ctx, "SELECT COUNT(*) AS n FROM troubleshooting_issues")
	if err != nil {
		return 0, 0, err
	}
	if len(res.Rows) > 0 {
		issues = asInt(res.Rows[0]["n"])
	}
	return cases, issues, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
