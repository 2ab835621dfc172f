package text2sql

import (
	"fmt"
	"regexp"
	"strings"
)

// forbiddenPattern matches any write/DDL keyword anywhere in the statement,
// including inside string literals. The policy is intentionally conservative:
// a false rejection is cheap, a mutation is not.
var forbiddenPattern = regexp.MustCompile(
	`(?i)\b(DROP|DELETE|TRUNCATE|INSERT|UPDATE|ALTER|CREATE|GRANT|REVOKE)\b`)

// tablePattern extracts identifiers after FROM/JOIN.
var tablePattern = regexp.MustCompile(`(?i)\b(?:FROM|JOIN)\s+([a-zA-Z_][a-zA-Z0-9_]*)`)

// ValidateSQL performs the static safety check on a candidate statement.
func ValidateSQL(sql string) error {
	trimmed := strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(sql), ";"))
	if trimmed == "" {
		return fmt.Errorf("empty SQL")
	}
	if !strings.HasPrefix(strings.ToUpper(trimmed), "SELECT") {
		return fmt.Errorf("only SELECT statements are allowed")
	}
	if m := forbiddenPattern.FindString(trimmed); m != "" {
		return fmt.Errorf("forbidden keyword %q", m)
	}
	if strings.Contains(trimmed, "--") {
		return fmt.Errorf("line comments are not allowed")
	}
	if strings.Contains(trimmed, ";") {
		return fmt.Errorf("multiple statements are not allowed")
	}
	return nil
}

// ExtractTables returns the deduplicated table names referenced by the SQL.
func ExtractTables(sql string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, m := range tablePattern.FindAllStringSubmatch(sql, -1) {
		name := strings.ToLower(m[1])
		if !seen[name] {
			seen[name] = true
			out = append(out, name)
		}
	}
	return out
}
