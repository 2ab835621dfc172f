package relational

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecuteQueryScansBytesAsStrings(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("SELECT issue_id, severity FROM troubleshooting_issues").
		WillReturnRows(sqlmock.NewRows([]string{"issue_id", "severity"}).
			AddRow([]byte("c1-issue-1"), "high").
			AddRow([]byte("c1-issue-2"), nil))

	res, err := executeQuery(context.Background(), db,
		"SELECT issue_id, severity FROM troubleshooting_issues")
	require.NoError(t, err)

	assert.Equal(t, []string{"issue_id", "severity"}, res.Columns)
	assert.Equal(t, 2, res.RowCount)
	assert.Equal(t, "c1-issue-1", res.Rows[0]["issue_id"])
	assert.Equal(t, "high", res.Rows[0]["severity"])
	assert.Nil(t, res.Rows[1]["severity"])
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestExecuteQuerySurfacesError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("SELECT").WillReturnError(errors.New("relation does not exist"))

	res, err := executeQuery(context.Background(), db, "SELECT 1")
	require.Error(t, err)
	assert.Contains(t, res.Error, "relation does not exist")
}

func TestPostgresDryRunPrependsExplain(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	a := &PostgresAdapter{db: db}
	mock.ExpectQuery(`EXPLAIN SELECT \* FROM troubleshooting_cases`).
		WillReturnRows(sqlmock.NewRows([]string{"QUERY PLAN"}).AddRow("Seq Scan"))

	require.NoError(t, a.DryRunSQL(context.Background(), "SELECT * FROM troubleshooting_cases"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestNewAdapterRejectsUnknownType(t *testing.T) {
	_, err := NewAdapter(&Config{Type: "oracle"})
	require.Error(t, err)
	var unsupported *UnsupportedDatabaseError
	assert.ErrorAs(t, err, &unsupported)
}

func TestSQLiteAdapterRoundTrip(t *testing.T) {
	a, err := NewAdapter(&Config{Type: "sqlite", FilePath: ":memory:"})
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, a.Connect(ctx))
	defer a.Close()

	assert.Equal(t, SQLite, a.GetDatabaseType())
	require.NoError(t, a.Exec(ctx, "CREATE TABLE t (id TEXT PRIMARY KEY, n INTEGER)"))
	require.NoError(t, a.Exec(ctx, "INSERT INTO t VALUES (?, ?)", "a", 1))

	require.NoError(t, a.DryRunSQL(ctx, "SELECT * FROM t"))
	assert.Error(t, a.DryRunSQL(ctx, "SELECT * FROM missing"))

	res, err := a.ExecuteQuery(ctx, "SELECT id, n FROM t")
	require.NoError(t, err)
	assert.Equal(t, 1, res.RowCount)
	assert.EqualValues(t, 1, res.Rows[0]["n"])
}
