package relational

import (
	"context"
	"database/sql"
)

// DatabaseType 数据库类型枚举
type DatabaseType string

const (
	MySQL      DatabaseType = "mysql"
	PostgreSQL DatabaseType = "postgresql"
	SQLite     DatabaseType = "sqlite"
)

// Adapter 数据库适配器接口
// 轻量级设计：只负责连接和执行SQL，不做ORM
type Adapter interface {
	// Connect 连接数据库
	Connect(ctx context.Context) error

	// Close 关闭连接
	Close() error

	// ExecuteQuery 执行查询，返回统一的 QueryResult 结构
	ExecuteQuery(ctx context.Context, query string, args ...interface{}) (*QueryResult, error)

	// Exec 执行写语句（DDL / INSERT / UPDATE / DELETE）
	Exec(ctx context.Context, stmt string, args ...interface{}) error

	// DryRunSQL 验证 SQL 语法（EXPLAIN，不执行）
	DryRunSQL(ctx context.Context, sql string) error

	// GetDatabaseType 获取数据库类型
	GetDatabaseType() DatabaseType

	// DB exposes the underlying pool for the typed repositories.
	DB() *sql.DB
}

// QueryResult 查询结果（统一结构）
type QueryResult struct {
	Columns       []string                 `json:"columns"`
	Rows          []map[string]interface{} `json:"rows"`
	RowCount      int                      `json:"row_count"`
	ExecutionTime int64                    `json:"execution_time_ms"`
	Error         string                   `json:"error,omitempty"`
}

// Config 数据库连接配置（通用）
type Config struct {
	Type     string
	Host     string
	Port     int
	Database string
	User     string
	Password string

	// SQLite特有
	FilePath string

	// 连接池配置
	MaxOpenConns int
	MaxIdleConns int
}

// NewAdapter 工厂函数：根据配置创建对应的适配器
func NewAdapter(config *Config) (Adapter, error) {
	switch config.Type {
	case "mysql":
		return NewMySQLAdapter(config), nil
	case "postgresql":
		return NewPostgresAdapter(config), nil
	case "sqlite":
		return NewSQLiteAdapter(config), nil
	default:
		return nil, &UnsupportedDatabaseError{Type: config.Type}
	}
}

// UnsupportedDatabaseError 不支持的数据库类型错误
type UnsupportedDatabaseError struct {
	Type string
}

func (e *UnsupportedDatabaseError) Error() string {
	return "unsupported database type: " + e.Type
}

// scanRows reads all rows into the unified map form. []byte values become
// strings so results serialize cleanly.
func scanRows(rows *sql.Rows) ([]string, []map[string]interface{}, error) {
	columns, err := rows.Columns()
	if err != nil {
		return nil, nil, err
	}

	var result []map[string]interface{}
	for rows.Next() {
		values := make([]interface{}, len(columns))
		valuePtrs := make([]interface{}, len(columns))
		for i := range values {
			valuePtrs[i] = &values[i]
		}

		if err := rows.Scan(valuePtrs...); err != nil {
			return nil, nil, err
		}

		row := make(map[string]interface{})
		for i, col := range columns {
			val := values[i]
			if b, ok := val.([]byte); ok {
				row[col] = string(b)
			} else {
				row[col] = val
			}
		}
		result = append(result, row)
	}

	if err := rows.Err(); err != nil {
		return nil, nil, err
	}
	return columns, result, nil
}
