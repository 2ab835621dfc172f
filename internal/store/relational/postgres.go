package relational

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// PostgresAdapter PostgreSQL adapter
type PostgresAdapter struct {
	db     *sql.DB
	config *Config
}

// NewPostgresAdapter creates PostgreSQL adapter
func NewPostgresAdapter(config *Config) *PostgresAdapter {
	return &PostgresAdapter{config: config}
}

// Connect connects to database
func (a *PostgresAdapter) Connect(ctx context.Context) error {
	dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
		a.config.Host,
		a.config.Port,
		a.config.User,
		a.config.Password,
		a.config.Database,
	)

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	if a.config.MaxOpenConns > 0 {
		db.SetMaxOpenConns(a.config.MaxOpenConns)
	}
	if a.config.MaxIdleConns > 0 {
		db.SetMaxIdleConns(a.config.MaxIdleConns)
	}

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}

	a.db = db
	return nil
}

// Close closes connection
func (a *PostgresAdapter) Close() error {
	if a.db != nil {
		return a.db.Close()
	}
	return nil
}

// ExecuteQuery executes query
func (a *PostgresAdapter) ExecuteQuery(ctx context.Context, query string, args ...interface{}) (*QueryResult, error) {
	return executeQuery(ctx, a.db, query, args...)
}

// Exec executes a write statement
func (a *PostgresAdapter) Exec(ctx context.Context, stmt string, args ...interface{}) error {
	_, err := a.db.ExecContext(ctx, stmt, args...)
	return err
}

// DryRunSQL 使用 EXPLAIN 验证语法（不执行）
func (a *PostgresAdapter) DryRunSQL(ctx context.Context, sqlText string) error {
	_, err := a.ExecuteQuery(ctx, "EXPLAIN "+sqlText)
	return err
}

// GetDatabaseType gets database type
func (a *PostgresAdapter) GetDatabaseType() DatabaseType { return PostgreSQL }

// DB exposes the underlying pool
func (a *PostgresAdapter) DB() *sql.DB { return a.db }

func executeQuery(ctx context.Context, db *sql.DB, query string, args ...interface{}) (*QueryResult, error) {
	start := time.Now()

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return &QueryResult{
			Error:         err.Error(),
			ExecutionTime: time.Since(start).Milliseconds(),
		}, err
	}
	defer rows.Close()

	columns, result, err := scanRows(rows)
	if err != nil {
		return nil, err
	}

	return &QueryResult{
		Columns:       columns,
		Rows:          result,
		RowCount:      len(result),
		ExecutionTime: time.Since(start).Milliseconds(),
	}, nil
}
