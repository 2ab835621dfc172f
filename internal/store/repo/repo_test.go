package repo

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tke/internal/model"
	"tke/internal/store/relational"
	"tke/internal/tkerr"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	adapter, err := relational.NewAdapter(&relational.Config{Type: "sqlite", FilePath: ":memory:"})
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, adapter.Connect(ctx))
	t.Cleanup(func() { adapter.Close() })

	s := New(adapter)
	require.NoError(t, s.Migrate(ctx))
	return s
}

func storedCase() *model.Case {
	return &model.Case{
		CaseID:           "TS-A123-N1",
		PartNumber:       "A123",
		InternalNumber:   "N1",
		Material:         "ADC12/PA66",
		SourceFile:       "a.xlsx",
		ValidationStatus: model.ValidationCompleted,
		Tags:             []string{"压铸", "毛刺"},
		Issues: []*model.Issue{
			{
				IssueID: "TS-A123-N1-1-20", IssueNumber: 1, RowID: "r1", ExcelRow: 20,
				Trial: model.TrialT1, Problem: "边缘毛刺", Solution: "增加去毛刺工序",
				ResultT1: model.ResultNG, ResultT2: model.ResultOK,
				DefectTypes: []string{"毛刺"}, Severity: model.SeverityHigh,
			},
			{
				IssueID: "TS-A123-N1-2-25", IssueNumber: 2, RowID: "r2", ExcelRow: 25,
				Problem: "表面缩水", Solution: "调整保压",
			},
			// no row id: not part of the indexed table
			{IssueID: "loose", Problem: "备注行"},
		},
	}
}

func TestCaseUpsertAndCounts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Cases.Upsert(ctx, storedCase(), false))

	cases, issues, err := s.Cases.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, cases)
	assert.Equal(t, 2, issues) // the row without row_id is skipped

	exists, err := s.Cases.Exists(ctx, "TS-A123-N1")
	require.NoError(t, err)
	assert.True(t, exists)

	res, err := s.Adapter().ExecuteQuery(ctx,
		"SELECT total_issues, defect_types FROM troubleshooting_cases c JOIN troubleshooting_issues i ON i.case_id = c.case_id WHERE i.issue_id = 'TS-A123-N1-1-20'")
	require.NoError(t, err)
	require.Len(t, res.Rows, 1)
	assert.EqualValues(t, 2, res.Rows[0]["total_issues"])
	assert.Equal(t, `["毛刺"]`, res.Rows[0]["defect_types"])
}

func TestCaseUpsertConflictWithoutForce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Cases.Upsert(ctx, storedCase(), false))
	err := s.Cases.Upsert(ctx, storedCase(), false)
	assert.ErrorIs(t, err, tkerr.ErrConflict)

	// force replaces instead of duplicating
	c := storedCase()
	c.Material = "ADC12"
	require.NoError(t, s.Cases.Upsert(ctx, c, true))
	cases, issues, err := s.Cases.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, cases)
	assert.Equal(t, 2, issues)
}

func TestCaseDeleteRemovesIssues(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Cases.Upsert(ctx, storedCase(), false))
	require.NoError(t, s.Cases.Delete(ctx, "TS-A123-N1"))

	cases, issues, err := s.Cases.Counts(ctx)
	require.NoError(t, err)
	assert.Zero(t, cases)
	assert.Zero(t, issues)
}

func TestSynonymRoundTripAndBump(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Synonyms.Upsert(ctx, model.Synonym{
		Canonical: "毛刺", Surface: "毛边", TermType: "defect", Confidence: 0.9,
	}))
	require.NoError(t, s.Synonyms.Upsert(ctx, model.Synonym{
		Canonical: "缩水", Surface: "缩印", TermType: "defect", Confidence: 0.8,
	}))
	// replacing the same pair keeps one row
	require.NoError(t, s.Synonyms.Upsert(ctx, model.Synonym{
		Canonical: "毛刺", Surface: "毛边", TermType: "defect", Confidence: 0.95,
	}))

	all, err := s.Synonyms.LoadAll(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	require.NoError(t, s.Synonyms.BumpUsage(ctx, "毛刺", "毛边"))
	require.NoError(t, s.Synonyms.BumpUsage(ctx, "毛刺", "毛边"))

	defects, err := s.Synonyms.LoadByType(ctx, "defect")
	require.NoError(t, err)
	for _, syn := range defects {
		if syn.Surface == "毛边" {
			assert.Equal(t, 2, syn.UsageCount)
			assert.InDelta(t, 0.95, syn.Confidence, 1e-9)
		}
	}
}

func TestKnowledgeRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Knowledge.SaveValidatedQuery(ctx, model.ValidatedQuery{
		Name:       "count_by_severity",
		Question:   "按严重程度统计问题数量",
		SQL:        "SELECT severity, COUNT(*) FROM troubleshooting_issues GROUP BY severity",
		TablesUsed: []string{"troubleshooting_issues"},
	}))
	queries, err := s.Knowledge.ValidatedQueries(ctx)
	require.NoError(t, err)
	require.Len(t, queries, 1)
	assert.Equal(t, []string{"troubleshooting_issues"}, queries[0].TablesUsed)

	old := model.Learning{
		Title: "旧经验", Learning: "LIMIT 必须显式", LearningType: "sql_pattern",
		UsageCount: 1, CreatedAt: time.Now().Add(-time.Hour),
	}
	hot := model.Learning{
		Title: "热门经验", Learning: "result_t1 用大写 OK/NG", LearningType: "data_format",
		TablesAffected: []string{"troubleshooting_issues"}, UsageCount: 9,
	}
	require.NoError(t, s.Knowledge.SaveLearning(ctx, old))
	require.NoError(t, s.Knowledge.SaveLearning(ctx, hot))

	top, err := s.Knowledge.TopLearnings(ctx, 1)
	require.NoError(t, err)
	require.Len(t, top, 1)
	assert.Equal(t, "热门经验", top[0].Title)
}

func TestQueryAndAuditLogs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.QueryLog.Insert(ctx, QueryLogEntry{
		Original: "毛刺怎么处理", Expanded: "毛刺 如何 处理",
		Intent: "SEMANTIC", ResultCount: 3, ExecutionTimeMS: 120,
	}))
	res, err := s.Adapter().ExecuteQuery(ctx, "SELECT intent FROM query_log")
	require.NoError(t, err)
	require.Len(t, res.Rows, 1)
	assert.Equal(t, "SEMANTIC", res.Rows[0]["intent"])

	require.NoError(t, s.Audit.Insert(ctx, AuditRow{
		UserID: "u1", ToolName: "search", ParamsHash: "0123456789abcdef",
		ResultStatus: "success", LatencyMS: 40, Timestamp: time.Now(),
	}))
	n, err := s.Audit.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
