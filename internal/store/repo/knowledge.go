package repo

import (
	"context"
	"time"

	"tke/internal/model"
	"tke/internal/store/relational"
)

// KnowledgeRepo persists validated queries and learnings that feed the
// text-to-SQL prompt.
type KnowledgeRepo struct {
	adapter relational.Adapter
}

// ValidatedQueries returns all known-good question/SQL examples.
func (r *KnowledgeRepo) ValidatedQueries(ctx context.Context) ([]model.ValidatedQuery, error) {
	res, err := r.adapter.ExecuteQuery(ctx,
		"SELECT name, question, sql_text, tables_used, summary FROM validated_queries")
	if err != nil {
		return nil, err
	}
	out := make([]model.ValidatedQuery, 0, len(res.Rows))
	for _, row := range res.Rows {
		out = append(out, model.ValidatedQuery{
			Name:       asString(row["name"]),
			Question:   asString(row["question"]),
			SQL:        asString(row["sql_text"]),
			TablesUsed: decodeList(row["tables_used"]),
			Summary:    asString(row["summary"]),
		})
	}
	return out, nil
}

// SaveValidatedQuery inserts or replaces an example by name.
func (r *KnowledgeRepo) SaveValidatedQuery(ctx context.Context, q model.ValidatedQuery) error {
	dbType := r.adapter.GetDatabaseType()
	if err := r.adapter.Exec(ctx,
		bind(dbType, "DELETE FROM validated_queries WHERE name = ?"), q.Name); err != nil {
		return err
	}
	return r.adapter.Exec(ctx, bind(dbType, `INSERT INTO validated_queries
		(name, question, sql_text, tables_used, summary) VALUES (?, ?, ?, ?, ?)`),
		q.Name, q.Question, q.SQL, encodeList(q.TablesUsed), q.Summary)
}

// TopLearnings returns up to limit learnings ordered by usage then recency.
func (r *KnowledgeRepo) TopLearnings(ctx context.Context, limit int) ([]model.Learning, error) {
	q := bind(r.adapter.GetDatabaseType(), `SELECT title, learning, learning_type,
		tables_affected, usage_count, created_at FROM learnings
		ORDER BY usage_count DESC, created_at DESC LIMIT ?`)
	res, err := r.adapter.ExecuteQuery(ctx, q, limit)
	if err != nil {
		return nil, err
	}
	out := make([]model.Learning, 0, len(res.Rows))
	for _, row := range res.Rows {
		created, _ := time.Parse(time.RFC3339, asString(row["created_at"]))
		out = append(out, model.Learning{
			Title:          asString(row["title"]),
			Learning:       asString(row["learning"]),
			LearningType:   asString(row["learning_type"]),
			TablesAffected: decodeList(row["tables_affected"]),
			UsageCount:     asInt(row["usage_count"]),
			CreatedAt:      created,
		})
	}
	return out, nil
}

// SaveLearning inserts or replaces a learning by title.
func (r *KnowledgeRepo) SaveLearning(ctx context.Context, l model.Learning) error {
	dbType := r.adapter.GetDatabaseType()
	if err := r.adapter.Exec(ctx,
		bind(dbType, "DELETE FROM learnings WHERE title = ?"), l.Title); err != nil {
		return err
	}
	created := l.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	return r.adapter.Exec(ctx, bind(dbType, `INSERT INTO learnings
		(title, learning, learning_type, tables_affected, usage_count, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`),
		l.Title, l.Learning, l.LearningType, encodeList(l.TablesAffected),
		l.UsageCount, created.Format(time.RFC3339))
}
