package relational

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/go-sql-driver/mysql"
)

// MySQLAdapter MySQL adapter
type MySQLAdapter struct {
	db     *sql.DB
	config *Config
}

// NewMySQLAdapter creates MySQL adapter
func NewMySQLAdapter(config *Config) *MySQLAdapter {
	return &MySQLAdapter{config: config}
}

// Connect connects to database
func (a *MySQLAdapter) Connect(ctx context.Context) error {
	dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true&charset=utf8mb4",
		a.config.User,
		a.config.Password,
		a.config.Host,
		a.config.Port,
		a.config.Database,
	)

	db, err := sql.Open("mysql", dsn)
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
func (a *MySQLAdapter) Close() error {
	if a.db != nil {
		return a.db.Close()
	}
	return nil
}

// ExecuteQuery executes query
func (a *MySQLAdapter) ExecuteQuery(ctx context.Context, query string, args ...interface{}) (*QueryResult, error) {
	return executeQuery(ctx, a.db, query, args...)
}

// Exec executes a write statement
func (a *MySQLAdapter) Exec(ctx context.Context, stmt string, args ...interface{}) error {
	_, err := a.db.ExecContext(ctx, stmt, args...)
	return err
}

// DryRunSQL 使用 EXPLAIN 验证语法（不执行）
func (a *MySQLAdapter) DryRunSQL(ctx context.Context, sqlText string) error {
	_, err := a.ExecuteQuery(ctx, "EXPLAIN "+sqlText)
	return err
}

// GetDatabaseType gets database type
func (a *MySQLAdapter) GetDatabaseType() DatabaseType { return MySQL }

// DB exposes the underlying pool
func (a *MySQLAdapter) DB() *sql.DB { return a.db }
