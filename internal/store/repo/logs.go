package repo

import (
	"context"
	"time"

	"github.com/google/uuid"

	"tke/internal/store/relational"
)

// QueryLogEntry is one served query, for offline analysis.
type QueryLogEntry struct {
	Original        string
	Expanded        string
	Intent          string
	SQL             string
	ResultCount     int
	ExecutionTimeMS int64
	SessionID       string
}

// QueryLogRepo appends to the query log.
type QueryLogRepo struct {
	adapter relational.Adapter
}

// Insert appends one entry.
func (r *QueryLogRepo) Insert(ctx context.Context, e QueryLogEntry) error {
	q := bind(r.adapter.GetDatabaseType(), `INSERT INTO query_log
		(id, original, expanded, intent, sql_text, result_count, execution_time_ms, session_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	return r.adapter.Exec(ctx, q,
		uuid.NewString(), e.Original, e.Expanded, e.Intent, e.SQL,
		e.ResultCount, e.ExecutionTimeMS, e.SessionID,
		time.Now().UTC().Format(time.RFC3339))
}

// AuditRow is the relational form of an audit record.
type AuditRow struct {
	UserID       string
	ToolName     string
	ParamsHash   string
	ResultStatus string
	LatencyMS    int64
	Timestamp    time.Time
}

// AuditRepo appends to the audit log table.
type AuditRepo struct {
	adapter relational.Adapter
}

// Insert appends one audit row.
func (r *AuditRepo) Insert(ctx context.Context, row AuditRow) error {
	q := bind(r.adapter.GetDatabaseType(), `INSERT INTO audit_log
		(id, user_id, tool_name, params_hash, result_status, latency_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	return r.adapter.Exec(ctx, q,
		uuid.NewString(), row.UserID, row.ToolName, row.ParamsHash,
		row.ResultStatus, row.LatencyMS, row.Timestamp.UTC().Format(time.RFC3339))
}

// Count returns total audit rows (used in tests and stats).
func (r *AuditRepo) Count(ctx context.Context) (int, error) {
	res, err := r.adapter.ExecuteQuery(ctx, "SELECT COUNT(*) AS n FROM audit_log")
	if err != nil {
		return 0, err
	}
	if len(res.Rows) == 0 {
		return 0, nil
	}
	return asInt(res.Rows[0]["n"]), nil
}
