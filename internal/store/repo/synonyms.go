package repo

import (
	"context"
	"time"

	"tke/internal/model"
	"tke/internal/store/relational"
)

// SynonymRepo persists the surface→canonical term table.
type SynonymRepo struct {
	adapter relational.Adapter
}

// LoadAll returns the whole synonym table.
func (r *SynonymRepo) LoadAll(ctx context.Context) ([]model.Synonym, error) {
	res, err := r.adapter.ExecuteQuery(ctx,
		"SELECT canonical, surface, term_type, confidence, usage_count FROM synonyms")
	if err != nil {
		return nil, err
	}
	out := make([]model.Synonym, 0, len(res.Rows))
	for _, row := range res.Rows {
		out = append(out, model.Synonym{
			Canonical:  asString(row["canonical"]),
			Surface:    asString(row["surface"]),
			TermType:   asString(row["term_type"]),
			Confidence: asFloat(row["confidence"]),
			UsageCount: asInt(row["usage_count"]),
		})
	}
	return out, nil
}

// LoadByType returns synonyms of one term_type (e.g. "defect").
func (r *SynonymRepo) LoadByType(ctx context.Context, termType string) ([]model.Synonym, error) {
	q := bind(r.adapter.GetDatabaseType(),
		"SELECT canonical, surface, term_type, confidence, usage_count FROM synonyms WHERE term_type = ?")
	res, err := r.adapter.ExecuteQuery(ctx, q, termType)
	if err != nil {
		return nil, err
	}
	out := make([]model.Synonym, 0, len(res.Rows))
	for _, row := range res.Rows {
		out = append(out, model.Synonym{
			Canonical:  asString(row["canonical"]),
			Surface:    asString(row["surface"]),
			TermType:   asString(row["term_type"]),
			Confidence: asFloat(row["confidence"]),
			UsageCount: asInt(row["usage_count"]),
		})
	}
	return out, nil
}

// Upsert inserts or replaces a synonym pair.
func (r *SynonymRepo) Upsert(ctx context.Context, s model.Synonym) error {
	dbType := r.adapter.GetDatabaseType()
	del := bind(dbType, "DELETE FROM synonyms WHERE canonical = ? AND surface = ?")
	if err := r.adapter.Exec(ctx, del, s.Canonical, s.Surface); err != nil {
		return err
	}
	ins := bind(dbType, `INSERT INTO synonyms
		(canonical, surface, term_type, confidence, usage_count, last_used_at, source)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	return r.adapter.Exec(ctx, ins,
		s.Canonical, s.Surface, s.TermType, s.Confidence, s.UsageCount,
		time.Now().UTC().Format(time.RFC3339), s.Source)
}

// BumpUsage increments usage_count and refreshes last_used_at for the pair.
// Best effort: expansion does not depend on it.
func (r *SynonymRepo) BumpUsage(ctx context.Context, canonical, surface string) error {
	q := bind(r.adapter.GetDatabaseType(), `UPDATE synonyms
		SET usage_count = usage_count + 1, last_used_at = ?
		WHERE canonical = ? AND surface = ?`)
	return r.adapter.Exec(ctx, q, time.Now().UTC().Format(time.RFC3339), canonical, surface)
}
