package repo

import (
	"encoding/json"
	"fmt"
	"strings"

	"tke/internal/store/relational"
)

// Store bundles the typed repositories over one relational adapter.
type Store struct {
	Cases      *CaseRepo
	Synonyms   *SynonymRepo
	Knowledge  *KnowledgeRepo
	QueryLog   *QueryLogRepo
	Audit      *AuditRepo
	adapter    relational.Adapter
}

// New creates the repository bundle.
func New(adapter relational.Adapter) *Store {
	return &Store{
		Cases:     &CaseRepo{adapter: adapter},
		Synonyms:  &SynonymRepo{adapter: adapter},
		Knowledge: &KnowledgeRepo{adapter: adapter},
		QueryLog:  &QueryLogRepo{adapter: adapter},
		Audit:     &AuditRepo{adapter: adapter},
		adapter:   adapter,
	}
}

// Adapter returns the underlying adapter (used by text-to-SQL execution).
func (s *Store) Adapter() relational.Adapter { return s.adapter }

// bind rewrites ? placeholders to $1..$n for PostgreSQL. Queries are written
// with ? so SQLite and MySQL work unchanged.
func bind(t relational.DatabaseType, query string) string {
	if t != relational.PostgreSQL {
		return query
	}
	var sb strings.Builder
	n := 0
	for _, ch := range query {
		if ch == '?' {
			n++
			fmt.Fprintf(&sb, "$%d", n)
			continue
		}
		sb.WriteRune(ch)
	}
	return sb.String()
}

// encodeList serializes a string list column. Lists are stored as JSON text
// in every dialect so the adapter stays portable.
func encodeList(v []string) string {
	if len(v) == 0 {
		return "[]"
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "[]"
	}
	return string(b)
}

// decodeList parses a JSON list column; tolerant of NULL and empty text.
func decodeList(raw interface{}) []string {
	s, ok := raw.(string)
	if !ok || s == "" {
		return nil
	}
	var out []string
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil
	}
	return out
}

func asString(raw interface{}) string {
	if s, ok := raw.(string); ok {
		return s
	}
	return ""
}

func asInt(raw interface{}) int {
	switch v := raw.(type) {
	case int64:
		return int(v)
	case int:
		return v
	case float64:
		return int(v)
	}
	return 0
}

func asFloat(raw interface{}) float64 {
	switch v := raw.(type) {
	case float64:
		return v
	case int64:
		return float64(v)
	case string:
		var f float64
		fmt.Sscanf(v, "%g", &f)
		return f
	}
	return 0
}
