package text2sql

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/pkoukk/tiktoken-go"
	"github.com/tmc/langchaingo/llms"
	"go.uber.org/zap"

	"tke/internal/llm"
	"tke/internal/model"
	"tke/internal/store/relational"
)

// KnowledgeSource feeds validated queries and learnings into the prompt.
type KnowledgeSource interface {
	ValidatedQueries(ctx context.Context) ([]model.ValidatedQuery, error)
	TopLearnings(ctx context.Context, limit int) ([]model.Learning, error)
}

// SynonymSource feeds defect term mappings into the prompt.
type SynonymSource interface {
	LoadByType(ctx context.Context, termType string) ([]model.Synonym, error)
}

// GenerateResult is the outcome of one text-to-SQL attempt.
type GenerateResult struct {
	SQL         string   `json:"sql,omitempty"`
	Valid       bool     `json:"valid"`
	Error       string   `json:"error,omitempty"`
	TablesUsed  []string `json:"tables_used,omitempty"`
	ContextUsed []string `json:"context_used,omitempty"`
	Explanation string   `json:"explanation,omitempty"`
}

// ExecResult is a bounded query execution with the unbounded total.
type ExecResult struct {
	Columns    []string                 `json:"columns"`
	Rows       []map[string]interface{} `json:"rows"`
	RowCount   int                      `json:"row_count"`
	TotalCount int                      `json:"total_count"`
	Error      string                   `json:"error,omitempty"`
}

// Generator turns natural-language questions into validated SELECT statements.
type Generator struct {
	model     llms.Model
	adapter   relational.Adapter
	knowledge KnowledgeSource
	synonyms  SynonymSource
	schema    *SchemaDoc
	logger    *zap.Logger
	tokenizer *tiktoken.Tiktoken
}

// NewGenerator builds a Generator. schema may be nil to use the built-in doc.
func NewGenerator(m llms.Model, adapter relational.Adapter, knowledge KnowledgeSource,
	synonyms SynonymSource, schema *SchemaDoc, logger *zap.Logger) *Generator {
	if schema == nil {
		schema = DefaultSchemaDoc()
	}
	// cl100k_base matches GPT/DeepSeek family tokenizers
	tokenizer, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		tokenizer = nil
	}
	return &Generator{
		model:     m,
		adapter:   adapter,
		knowledge: knowledge,
		synonyms:  synonyms,
		schema:    schema,
		logger:    logger,
		tokenizer: tokenizer,
	}
}

func (g *Generator) countTokens(text string) int {
	if g.tokenizer == nil {
		return len(text) / 2
	}
	return len(g.tokenizer.Encode(text, nil, nil))
}

const sqlPrompt = `你是制造业试作问题数据库的 SQL 专家。根据上下文为问题生成一条只读 SQL。

%s
## 问题
%s

要求:
- 只生成一条 SELECT 语句,不允许任何写操作
- 只返回 JSON: {"sql": "...", "explanation": "..."}`

// selectPattern extracts the first SELECT statement from free-form output.
var selectPattern = regexp.MustCompile(`(?is)(SELECT\b.+?)(?:;|$)`)

// Generate produces and validates SQL for the question. expanded, when
// non-empty, is the synonym-expanded form used for context matching.
func (g *Generator) Generate(ctx context.Context, question, expanded string) GenerateResult {
	matchText := expanded
	if matchText == "" {
		matchText = question
	}
	contextText, contextUsed := g.buildContext(ctx, matchText, false)
	prompt := fmt.Sprintf(sqlPrompt, contextText, question)

	response, err := g.callLLM(ctx, prompt)
	if err != nil {
		return GenerateResult{Error: fmt.Sprintf("LLM call failed: %v", err), ContextUsed: contextUsed}
	}

	sql, explanation := parseResponse(response)
	if sql == "" {
		return GenerateResult{Error: "no SQL in model response", ContextUsed: contextUsed}
	}
	sql = llm.CleanSQL(sql)

	if err := ValidateSQL(sql); err != nil {
		return GenerateResult{SQL: sql, Error: err.Error(), ContextUsed: contextUsed}
	}
	if err := g.adapter.DryRunSQL(ctx, sql); err != nil {
		return GenerateResult{SQL: sql, Error: fmt.Sprintf("syntax check failed: %v", err), ContextUsed: contextUsed}
	}

	return GenerateResult{
		SQL:         sql,
		Valid:       true,
		TablesUsed:  ExtractTables(sql),
		ContextUsed: contextUsed,
		Explanation: explanation,
	}
}

// callLLM invokes the model at low temperature with backoff retry.
func (g *Generator) callLLM(ctx context.Context, prompt string) (string, error) {
	var response string
	var err error
	maxRetries := 2
	backoffDelays := []time.Duration{1 * time.Second, 3 * time.Second}

	for attempt := 0; attempt <= maxRetries; attempt++ {
		response, err = g.model.Call(ctx, prompt,
			llms.WithTemperature(0.1), llms.WithMaxTokens(500))
		if err == nil {
			return response, nil
		}
		if attempt < maxRetries {
			select {
			case <-time.After(backoffDelays[attempt]):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}
	}
	return "", fmt.Errorf("after %d attempts: %w", maxRetries+1, err)
}

// parseResponse expects {"sql","explanation"} JSON; falls back to extracting
// the first SELECT.
func parseResponse(response string) (sql, explanation string) {
	var parsed struct {
		SQL         string `json:"sql"`
		Explanation string `json:"explanation"`
	}
	if err := json.Unmarshal([]byte(llm.CleanJSON(response)), &parsed); err == nil && parsed.SQL != "" {
		return parsed.SQL, parsed.Explanation
	}
	if m := selectPattern.FindStringSubmatch(response); m != nil {
		return strings.TrimSpace(m[1]), ""
	}
	return "", ""
}

// Execute runs a validated statement, fetching up to limit rows plus the
// unbounded total via a COUNT(*) wrapper. Errors surface in the result.
func (g *Generator) Execute(ctx context.Context, sql string, limit int) ExecResult {
	sql = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(sql), ";"))
	if err := ValidateSQL(sql); err != nil {
		return ExecResult{Error: err.Error()}
	}

	result, err := g.adapter.ExecuteQuery(ctx, sql)
	if err != nil {
		return ExecResult{Error: err.Error()}
	}

	rows := result.Rows
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}

	total := result.RowCount
	countSQL := fmt.Sprintf("SELECT COUNT(*) AS n FROM (%s) AS t", sql)
	if countResult, err := g.adapter.ExecuteQuery(ctx, countSQL); err == nil && len(countResult.Rows) > 0 {
		if n, ok := toInt(countResult.Rows[0]["n"]); ok {
			total = n
		}
	} else if err != nil {
		g.logger.Debug("total count query failed", zap.Error(err))
	}

	return ExecResult{
		Columns:    result.Columns,
		Rows:       rows,
		RowCount:   len(rows),
		TotalCount: total,
		Error:      "",
	}
}

func toInt(v interface{}) (int, bool) {
	switch n := v.(type) {
	case int64:
		return int(n), true
	case int:
		return n, true
	case float64:
		return int(n), true
	case string:
		var i int
		if _, err := fmt.Sscanf(n, "%d", &i); err == nil {
			return i, true
		}
	}
	return 0, false
}
