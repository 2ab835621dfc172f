package text2sql

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateSQLAccepts(t *testing.T) {
	for _, sql := range []string{
		"SELECT * FROM troubleshooting_cases",
		"select count(*) from troubleshooting_issues where severity = 'high'",
		"SELECT part_number, COUNT(*) FROM troubleshooting_cases GROUP BY part_number;",
	} {
		assert.NoError(t, ValidateSQL(sql), sql)
	}
}

func TestValidateSQLRejects(t *testing.T) {
	for name, sql := range map[string]string{
		"empty":             "   ",
		"not select":        "EXPLAIN SELECT 1",
		"delete":            "DELETE FROM troubleshooting_cases",
		"drop":              "SELECT 1; DROP TABLE troubleshooting_cases",
		"update":            "UPDATE troubleshooting_cases SET part_number='x'",
		"comment":           "SELECT * FROM troubleshooting_cases -- hidden",
		"multi statement":   "SELECT 1; SELECT 2",
		"insert in select":  "SELECT * FROM t WHERE x = (INSERT INTO y VALUES (1))",
		"keyword in string": "SELECT * FROM t WHERE note = 'please DELETE this'",
	} {
		assert.Error(t, ValidateSQL(sql), name)
	}
}

func TestValidateSQLKeywordInsideIdentifierAllowed(t *testing.T) {
	// word boundary: updated_at is not UPDATE
	assert.NoError(t, ValidateSQL("SELECT updated_at FROM troubleshooting_cases"))
	assert.NoError(t, ValidateSQL("SELECT created_at FROM troubleshooting_issues"))
}

func TestExtractTables(t *testing.T) {
	sql := `SELECT c.part_number, COUNT(*) FROM troubleshooting_cases c
		JOIN troubleshooting_issues i ON i.case_id = c.case_id
		JOIN troubleshooting_issues dup ON 1=1`
	assert.Equal(t, []string{"troubleshooting_cases", "troubleshooting_issues"}, ExtractTables(sql))
}

func TestParseResponse(t *testing.T) {
	sql, expl := parseResponse("```json\n{\"sql\": \"SELECT 1\", \"explanation\": \"试一下\"}\n```")
	assert.Equal(t, "SELECT 1", sql)
	assert.Equal(t, "试一下", expl)

	sql, _ = parseResponse("Here is the query:\nSELECT part_number FROM troubleshooting_cases;")
	assert.Equal(t, "SELECT part_number FROM troubleshooting_cases", sql)

	sql, _ = parseResponse("抱歉,无法生成")
	assert.Empty(t, sql)
}
