package repo

import (
	"context"
	"fmt"
)

// schemaStatements is the relational layout. List columns hold JSON text,
// timestamps are ISO-8601 text, so the same DDL works on PostgreSQL, SQLite
// and MySQL.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS troubleshooting_cases (
		case_id         VARCHAR(128) PRIMARY KEY,
		part_number     VARCHAR(128),
		internal_number VARCHAR(128),
		mold_type       VARCHAR(128),
		material        VARCHAR(256),
		color           VARCHAR(128),
		molding_machine VARCHAR(128),
		total_issues    INTEGER NOT NULL DEFAULT 0,
		source_file     TEXT,
		vlm_processed   INTEGER NOT NULL DEFAULT 0,
		vlm_summary     TEXT,
		vlm_confidence  REAL NOT NULL DEFAULT 0,
		key_insights    TEXT,
		tags            TEXT,
		validation_status VARCHAR(32) NOT NULL DEFAULT 'not_started',
		created_at      VARCHAR(64),
		updated_at      VARCHAR(64)
	)`,
	`CREATE TABLE IF NOT EXISTS troubleshooting_issues (
		issue_id        VARCHAR(160) PRIMARY KEY,
		case_id         VARCHAR(128) NOT NULL REFERENCES troubleshooting_cases(case_id) ON DELETE CASCADE,
		issue_number    INTEGER NOT NULL,
		excel_row       INTEGER NOT NULL,
		trial_version   VARCHAR(8),
		category        VARCHAR(128),
		problem         TEXT,
		solution        TEXT,
		result_t1       VARCHAR(8),
		result_t2       VARCHAR(8),
		cause_classification VARCHAR(128),
		defect_types    TEXT,
		vlm_processed   INTEGER NOT NULL DEFAULT 0,
		vlm_confidence  REAL NOT NULL DEFAULT 0,
		severity        VARCHAR(16),
		tags            TEXT,
		key_insights    TEXT,
		suggested_actions TEXT,
		has_images      INTEGER NOT NULL DEFAULT 0,
		image_count     INTEGER NOT NULL DEFAULT 0,
		created_at      VARCHAR(64),
		updated_at      VARCHAR(64)
	)`,
	`CREATE TABLE IF NOT EXISTS synonyms (
		canonical   VARCHAR(128) NOT NULL,
		surface     VARCHAR(128) NOT NULL,
		term_type   VARCHAR(32),
		confidence  REAL NOT NULL DEFAULT 1.0,
		usage_count INTEGER NOT NULL DEFAULT 0,
		last_used_at VARCHAR(64),
		source      VARCHAR(64),
		PRIMARY KEY (canonical, surface)
	)`,
	`CREATE TABLE IF NOT EXISTS validated_queries (
		name        VARCHAR(128) PRIMARY KEY,
		question    TEXT NOT NULL,
		sql_text    TEXT NOT NULL,
		tables_used TEXT,
		summary     TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS learnings (
		title           VARCHAR(256) PRIMARY KEY,
		learning        TEXT NOT NULL,
		learning_type   VARCHAR(64),
		tables_affected TEXT,
		usage_count     INTEGER NOT NULL DEFAULT 0,
		created_at      VARCHAR(64)
	)`,
	`CREATE TABLE IF NOT EXISTS query_log (
		id              VARCHAR(64) PRIMARY KEY,
		original        TEXT,
		expanded        TEXT,
		intent          VARCHAR(16),
		sql_text        TEXT,
		result_count    INTEGER,
		execution_time_ms INTEGER,
		user_feedback   TEXT,
		session_id      VARCHAR(64),
		created_at      VARCHAR(64)
	)`,
	`CREATE TABLE IF NOT EXISTS audit_log (
		id            VARCHAR(64) PRIMARY KEY,
		user_id       VARCHAR(128),
		tool_name     VARCHAR(128) NOT NULL,
		params_hash   VARCHAR(16) NOT NULL,
		result_status VARCHAR(32) NOT NULL,
		latency_ms    INTEGER NOT NULL,
		created_at    VARCHAR(64) NOT NULL
	)`,
}

// Migrate creates all tables when missing.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if err := s.adapter.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}
