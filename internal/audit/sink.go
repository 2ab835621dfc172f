package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"tke/internal/config"
	"tke/internal/model"
	"tke/internal/store/repo"
)

// Sink records every tool invocation to a rotating JSONL file and, best
// effort, to the audit_log table. Failures never propagate to the caller.
type Sink struct {
	file   *zap.Logger
	rows   *repo.AuditRepo
	logger *zap.Logger
}

// NewSink builds the audit sink. rows may be nil to skip the table write.
func NewSink(cfg config.AuditConfig, rows *repo.AuditRepo, logger *zap.Logger) *Sink {
	writer := zapcore.AddSync(&lumberjack.Logger{
		Filename:   cfg.FilePath,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   true,
	})
	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "timestamp"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	core := zapcore.NewCore(zapcore.NewJSONEncoder(encoderCfg), writer, zapcore.InfoLevel)
	return &Sink{file: zap.New(core), rows: rows, logger: logger}
}

// HashParams computes the stable 16-hex-char parameter fingerprint. Map keys
// are sorted so equal parameter sets always hash alike.
func HashParams(params map[string]interface{}) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]json.RawMessage, 0, len(keys))
	for _, k := range keys {
		kv, _ := json.Marshal(map[string]interface{}{k: params[k]})
		parts = append(parts, kv)
	}
	raw, _ := json.Marshal(parts)
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])[:16]
}

// DeriveStatus inspects a tool result and classifies the outcome.
func DeriveStatus(result map[string]interface{}) string {
	if len(result) == 0 {
		return "unknown"
	}
	if _, ok := result["error"]; ok {
		return "error"
	}
	if status, ok := result["status"].(string); ok {
		lower := strings.ToLower(status)
		switch {
		case strings.Contains(lower, "not_configured"):
			return "not_configured"
		case strings.Contains(lower, "error"), strings.Contains(lower, "fail"):
			return "error"
		}
	}
	return "success"
}

// Record writes one audit entry. start/end bound the tool invocation.
func (s *Sink) Record(ctx context.Context, user *model.UserContext, tool string,
	params map[string]interface{}, result map[string]interface{}, start, end time.Time) {

	userID := ""
	if user != nil {
		userID = user.UserID
	}
	row := repo.AuditRow{
		UserID:       userID,
		ToolName:     tool,
		ParamsHash:   HashParams(params),
		ResultStatus: DeriveStatus(result),
		LatencyMS:    end.Sub(start).Milliseconds(),
		Timestamp:    end,
	}

	s.file.Info("tool_invocation",
		zap.String("user_id", row.UserID),
		zap.String("tool_name", row.ToolName),
		zap.String("params_hash", row.ParamsHash),
		zap.String("result_status", row.ResultStatus),
		zap.Int64("latency_ms", row.LatencyMS),
	)

	if s.rows != nil {
		if err := s.rows.Insert(ctx, row); err != nil {
			s.logger.Warn("audit row insert failed", zap.Error(err))
		}
	}
}

// Close flushes the file sink.
func (s *Sink) Close() error { return s.file.Sync() }
