package text2sql

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"tke/internal/store/relational"
)

func newTestAdapter(t *testing.T) relational.Adapter {
	t.Helper()
	adapter, err := relational.NewAdapter(&relational.Config{Type: "sqlite", FilePath: ":memory:"})
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, adapter.Connect(ctx))
	t.Cleanup(func() { adapter.Close() })

	require.NoError(t, adapter.Exec(ctx,
		`CREATE TABLE troubleshooting_issues (issue_id TEXT PRIMARY KEY, severity TEXT)`))
	for _, row := range [][2]string{
		{"c1-issue-1", "high"}, {"c1-issue-2", "medium"}, {"c2-issue-1", "high"},
	} {
		require.NoError(t, adapter.Exec(ctx,
			"INSERT INTO troubleshooting_issues VALUES (?, ?)", row[0], row[1]))
	}
	return adapter
}

func TestExecuteLimitsRowsButCountsAll(t *testing.T) {
	g := NewGenerator(nil, newTestAdapter(t), nil, nil, nil, zap.NewNop())

	res := g.Execute(context.Background(), "SELECT issue_id FROM troubleshooting_issues", 2)
	assert.Empty(t, res.Error)
	assert.Equal(t, 2, res.RowCount)
	assert.Equal(t, 3, res.TotalCount)
	assert.Equal(t, []string{"issue_id"}, res.Columns)
}

func TestExecuteStripsTrailingSemicolon(t *testing.T) {
	g := NewGenerator(nil, newTestAdapter(t), nil, nil, nil, zap.NewNop())
	res := g.Execute(context.Background(),
		"SELECT COUNT(*) AS n FROM troubleshooting_issues WHERE severity = 'high';", 10)
	assert.Empty(t, res.Error)
	assert.Equal(t, 1, res.RowCount)
}

func TestExecuteRejectsUnsafeSQL(t *testing.T) {
	g := NewGenerator(nil, newTestAdapter(t), nil, nil, nil, zap.NewNop())
	res := g.Execute(context.Background(), "DELETE FROM troubleshooting_issues", 10)
	assert.NotEmpty(t, res.Error)
	assert.Zero(t, res.RowCount)
}

func TestExecuteSurfacesQueryError(t *testing.T) {
	g := NewGenerator(nil, newTestAdapter(t), nil, nil, nil, zap.NewNop())
	res := g.Execute(context.Background(), "SELECT nope FROM missing_table", 10)
	assert.NotEmpty(t, res.Error)
}
