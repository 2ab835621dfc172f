package text2sql

import (
	"context"
	"fmt"
	"strings"
	"unicode"

	"tke/internal/model"
)

// contextBudgetTokens caps the assembled prompt context. Layers are appended
// in priority order and later layers are dropped when the budget runs out.
const contextBudgetTokens = 4000

// tokenize splits a question into latin word runs plus individual CJK
// characters, for word-overlap matching.
func tokenize(s string) map[string]bool {
	out := make(map[string]bool)
	var latin []rune
	flush := func() {
		if len(latin) > 0 {
			out[strings.ToLower(string(latin))] = true
			latin = latin[:0]
		}
	}
	for _, r := range s {
		switch {
		case unicode.IsLetter(r) && r < 0x2E80, unicode.IsDigit(r):
			latin = append(latin, r)
		case unicode.Is(unicode.Han, r):
			flush()
			out[string(r)] = true
		default:
			flush()
		}
	}
	flush()
	return out
}

func overlap(a, b map[string]bool) int {
	n := 0
	for t := range a {
		if b[t] {
			n++
		}
	}
	return n
}

// similarQueries picks up to n validated queries by word-overlap with the
// question. Zero-overlap examples are skipped.
func similarQueries(question string, all []model.ValidatedQuery, n int) []model.ValidatedQuery {
	qt := tokenize(question)
	type scored struct {
		q     model.ValidatedQuery
		score int
	}
	var ranked []scored
	for _, v := range all {
		if s := overlap(qt, tokenize(v.Question)); s > 0 {
			ranked = append(ranked, scored{v, s})
		}
	}
	for i := 0; i < len(ranked); i++ {
		for j := i + 1; j < len(ranked); j++ {
			if ranked[j].score > ranked[i].score {
				ranked[i], ranked[j] = ranked[j], ranked[i]
			}
		}
	}
	if len(ranked) > n {
		ranked = ranked[:n]
	}
	out := make([]model.ValidatedQuery, len(ranked))
	for i, r := range ranked {
		out[i] = r.q
	}
	return out
}

// relevantSynonyms keeps defect synonyms whose surface or canonical form
// appears in the query.
func relevantSynonyms(query string, syns []model.Synonym) []model.Synonym {
	var out []model.Synonym
	for _, s := range syns {
		if strings.Contains(query, s.Surface) || strings.Contains(query, s.Canonical) {
			out = append(out, s)
		}
	}
	return out
}

// buildContext assembles the layered prompt context in priority order,
// returning the text and the names of the layers that made it in.
func (g *Generator) buildContext(ctx context.Context, question string, includeRuntime bool) (string, []string) {
	var sb strings.Builder
	var used []string
	budget := contextBudgetTokens

	appendLayer := func(name, text string) bool {
		if text == "" {
			return true
		}
		cost := g.countTokens(text)
		if cost > budget {
			return false
		}
		sb.WriteString(text)
		sb.WriteString("\n")
		used = append(used, name)
		budget -= cost
		return true
	}

	// 1. table schemas
	if g.schema != nil {
		var b strings.Builder
		b.WriteString("## 表结构\n")
		for _, t := range g.schema.Tables {
			b.WriteString(fmt.Sprintf("表 %s: %s\n", t.Name, t.Description))
			for _, c := range t.ImportantColumns {
				b.WriteString(fmt.Sprintf("  - %s: %s\n", c.Name, c.Description))
			}
			for _, note := range t.DataQualityNotes {
				b.WriteString(fmt.Sprintf("  注意: %s\n", note))
			}
		}
		appendLayer("schemas", b.String())
	}

	// 2. business rules
	if g.schema != nil && len(g.schema.BusinessRules) > 0 {
		var b strings.Builder
		b.WriteString("## 业务规则\n")
		for _, r := range g.schema.BusinessRules {
			b.WriteString("- " + r + "\n")
		}
		appendLayer("business_rules", b.String())
	}

	// 3. similar validated queries
	if g.knowledge != nil {
		if all, err := g.knowledge.ValidatedQueries(ctx); err == nil {
			picked := similarQueries(question, all, 3)
			if len(picked) > 0 {
				var b strings.Builder
				b.WriteString("## 相似的已验证查询\n")
				for _, v := range picked {
					b.WriteString(fmt.Sprintf("问: %s\nSQL: %s\n", v.Question, v.SQL))
				}
				appendLayer("validated_queries", b.String())
			}
		}
	}

	// 4. defect synonym mappings
	if g.synonyms != nil {
		if syns, err := g.synonyms.LoadByType(ctx, "defect"); err == nil {
			rel := relevantSynonyms(question, syns)
			if len(rel) > 0 {
				var b strings.Builder
				b.WriteString("## 术语对照\n")
				for _, s := range rel {
					b.WriteString(fmt.Sprintf("- %s = %s\n", s.Canonical, s.Surface))
				}
				appendLayer("synonyms", b.String())
			}
		}
	}

	// 5. learnings
	if g.knowledge != nil {
		if learnings, err := g.knowledge.TopLearnings(ctx, 3); err == nil && len(learnings) > 0 {
			var b strings.Builder
			b.WriteString("## 历史经验\n")
			for _, l := range learnings {
				b.WriteString(fmt.Sprintf("- %s: %s\n", l.Title, l.Learning))
			}
			appendLayer("learnings", b.String())
		}
	}

	// 6. runtime schema introspection, only on demand
	if includeRuntime {
		if text := g.runtimeSchema(ctx); text != "" {
			appendLayer("runtime_schema", "## 实际表结构\n"+text)
		}
	}

	return sb.String(), used
}

// runtimeSchema introspects live table structure through the adapter.
func (g *Generator) runtimeSchema(ctx context.Context) string {
	var sb strings.Builder
	for _, table := range []string{"troubleshooting_cases", "troubleshooting_issues"} {
		var query string
		switch g.adapter.GetDatabaseType() {
		case "mysql":
			query = fmt.Sprintf("DESCRIBE %s", table)
		case "sqlite":
			query = fmt.Sprintf("PRAGMA table_info(%s)", table)
		case "postgresql":
			query = fmt.Sprintf("SELECT column_name, data_type FROM information_schema.columns WHERE table_name='%s'", table)
		default:
			continue
		}
		result, err := g.adapter.ExecuteQuery(ctx, query)
		if err != nil {
			continue
		}
		sb.WriteString(fmt.Sprintf("Table %s:\n", table))
		for _, row := range result.Rows {
			var colName, colType string
			switch g.adapter.GetDatabaseType() {
			case "mysql":
				colName, _ = row["Field"].(string)
				colType, _ = row["Type"].(string)
			case "sqlite":
				colName, _ = row["name"].(string)
				colType, _ = row["type"].(string)
			case "postgresql":
				colName, _ = row["column_name"].(string)
				colType, _ = row["data_type"].(string)
			}
			if colName != "" {
				sb.WriteString(fmt.Sprintf("  - %s: %s\n", colName, colType))
			}
		}
	}
	return sb.String()
}
