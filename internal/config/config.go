package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Config is the full engine configuration, loaded from file + environment.
type Config struct {
	LLM      LLMConfig      `mapstructure:"llm"`
	Embed    EmbedConfig    `mapstructure:"embed"`
	Rerank   RerankConfig   `mapstructure:"rerank"`
	VLM      VLMConfig      `mapstructure:"vlm"`
	Database DatabaseConfig `mapstructure:"database"`
	Qdrant   QdrantConfig   `mapstructure:"qdrant"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Ingest   IngestConfig   `mapstructure:"ingest"`
	RBAC     RBACConfig     `mapstructure:"rbac"`
	Audit    AuditConfig    `mapstructure:"audit"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// LLMConfig OpenAI 兼容模型配置
type LLMConfig struct {
	ModelName string `mapstructure:"model_name"`
	Token     string `mapstructure:"token"`
	BaseURL   string `mapstructure:"base_url"`
}

// EmbedConfig embedding 服务配置
type EmbedConfig struct {
	URL              string `mapstructure:"url"`
	Dimension        int    `mapstructure:"dimension"`
	TimeoutSec       int    `mapstructure:"timeout_sec"`
	BatchTimeoutSec  int    `mapstructure:"batch_timeout_sec"`
}

// RerankConfig 重排序服务配置
type RerankConfig struct {
	URL        string `mapstructure:"url"`
	TimeoutSec int    `mapstructure:"timeout_sec"`
}

// VLMConfig 视觉语言模型服务配置
type VLMConfig struct {
	BaseURL        string `mapstructure:"base_url"`
	WebhookURL     string `mapstructure:"webhook_url"`
	JobTTLSec      int    `mapstructure:"job_ttl_sec"`
	WaitTimeoutSec int    `mapstructure:"wait_timeout_sec"`
	MaxRetries     int    `mapstructure:"max_retries"`
}

// DatabaseConfig 关系库连接配置
type DatabaseConfig struct {
	Type         string `mapstructure:"type"` // postgresql | sqlite | mysql
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	Database     string `mapstructure:"database"`
	User         string `mapstructure:"user"`
	Password     string `mapstructure:"password"`
	FilePath     string `mapstructure:"file_path"` // sqlite only
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
}

// QdrantConfig 向量库配置
type QdrantConfig struct {
	Host            string `mapstructure:"host"`
	Port            int    `mapstructure:"port"`
	CaseCollection  string `mapstructure:"case_collection"`
	IssueCollection string `mapstructure:"issue_collection"`
}

// RedisConfig 缓存配置
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// IngestConfig 抽取管线配置
type IngestConfig struct {
	ImagesDir            string  `mapstructure:"images_dir"`
	ReviewQueueDir       string  `mapstructure:"review_queue_dir"`
	AutoCorrectThreshold float64 `mapstructure:"auto_correct_threshold"`
	RowsPerPage          int     `mapstructure:"rows_per_page"` // fallback when no row breaks
	RenderDPI            int     `mapstructure:"render_dpi"`
	ConverterURL         string  `mapstructure:"converter_url"`
	VLMConcurrency       int     `mapstructure:"vlm_concurrency"`
}

// RBACConfig 工具级权限配置
type RBACConfig struct {
	Strict bool `mapstructure:"strict"`
	// ProtectedTools maps tool name to allowed roles.
	ProtectedTools map[string][]string `mapstructure:"protected_tools"`
}

// AuditConfig 审计日志配置
type AuditConfig struct {
	FilePath   string `mapstructure:"file_path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// LoggingConfig 应用日志配置
type LoggingConfig struct {
	Level string `mapstructure:"level"`
	JSON  bool   `mapstructure:"json"`
}

// Load reads configuration from the given file (optional) plus TKE_*
// environment overrides, applying defaults for anything unset.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("TKE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("llm.model_name", "deepseek-v3")
	v.SetDefault("llm.base_url", "https://api.deepseek.com/v1")

	v.SetDefault("embed.url", "http://localhost:8081/embed")
	v.SetDefault("embed.dimension", 1024)
	v.SetDefault("embed.timeout_sec", 30)
	v.SetDefault("embed.batch_timeout_sec", 60)

	v.SetDefault("rerank.url", "http://localhost:8082/rerank")
	v.SetDefault("rerank.timeout_sec", 30)

	v.SetDefault("vlm.base_url", "http://localhost:8083")
	v.SetDefault("vlm.job_ttl_sec", 3600)
	v.SetDefault("vlm.wait_timeout_sec", 600)
	v.SetDefault("vlm.max_retries", 3)

	v.SetDefault("database.type", "postgresql")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.database", "tke")
	v.SetDefault("database.user", "tke")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)

	v.SetDefault("qdrant.host", "localhost")
	v.SetDefault("qdrant.port", 6334)
	v.SetDefault("qdrant.case_collection", "cases")
	v.SetDefault("qdrant.issue_collection", "issues")

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)

	v.SetDefault("ingest.images_dir", "data/images")
	v.SetDefault("ingest.review_queue_dir", "data/review_queue")
	v.SetDefault("ingest.auto_correct_threshold", 0.90)
	v.SetDefault("ingest.rows_per_page", 40)
	v.SetDefault("ingest.render_dpi", 150)
	v.SetDefault("ingest.vlm_concurrency", 4)

	v.SetDefault("rbac.strict", false)

	v.SetDefault("audit.file_path", "logs/audit.jsonl")
	v.SetDefault("audit.max_size_mb", 100)
	v.SetDefault("audit.max_backups", 10)
	v.SetDefault("audit.max_age_days", 30)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.json", true)
}
