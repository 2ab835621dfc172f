package relational

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// SQLiteAdapter SQLite adapter（本地部署与测试用）
type SQLiteAdapter struct {
	db     *sql.DB
	config *Config
}

// NewSQLiteAdapter creates SQLite adapter
func NewSQLiteAdapter(config *Config) *SQLiteAdapter {
	return &SQLiteAdapter{config: config}
}

// Connect connects to database
func (a *SQLiteAdapter) Connect(ctx context.Context) error {
	path := a.config.FilePath
	if path == "" {
		path = ":memory:"
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	// A single connection keeps :memory: databases coherent across calls.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}

	a.db = db
	return nil
}

// Close closes connection
func (a *SQLiteAdapter) Close() error {
	if a.db != nil {
		return a.db.Close()
	}
	return nil
}

// ExecuteQuery executes query
func (a *SQLiteAdapter) ExecuteQuery(ctx context.Context, query string, args ...interface{}) (*QueryResult, error) {
	return executeQuery(ctx, a.db, query, args...)
}

// Exec executes a write statement
func (a *SQLiteAdapter) Exec(ctx context.Context, stmt string, args ...interface{}) error {
	_, err := a.db.ExecContext(ctx, stmt, args...)
	return err
}

// DryRunSQL 使用 EXPLAIN QUERY PLAN 验证语法（不执行）
func (a *SQLiteAdapter) DryRunSQL(ctx context.Context, sqlText string) error {
	_, err := a.ExecuteQuery(ctx, "EXPLAIN QUERY PLAN "+sqlText)
	return err
}

// GetDatabaseType gets database type
func (a *SQLiteAdapter) GetDatabaseType() DatabaseType { return SQLite }

// DB exposes the underlying pool
func (a *SQLiteAdapter) DB() *sql.DB { return a.db }
