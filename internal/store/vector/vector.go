package vector

import "context"

// Scored is one vector search hit with its payload.
type Scored struct {
	ID      string
	Score   float64
	Payload map[string]interface{}
}

// Filters narrows a search by exact payload fields. Empty fields are ignored.
type Filters struct {
	PartNumber   string
	TrialVersion string
	Result       string // matches result_t1 or result_t2
}

// Point is one vector plus payload to upsert.
type Point struct {
	ID      string // logical id (case_id / issue_id); hashed to a point uuid
	Vector  []float32
	Payload map[string]interface{}
}

// Store is the dual-collection vector index.
type Store interface {
	// EnsureCollections creates missing collections and verifies dimension.
	EnsureCollections(ctx context.Context) error

	// UpsertCases / UpsertIssues write points into the respective collection.
	UpsertCases(ctx context.Context, points []Point) error
	UpsertIssues(ctx context.Context, points []Point) error

	// DeleteCase removes all points of one case from both collections.
	DeleteCase(ctx context.Context, caseID string) error

	// SearchCases / SearchIssues run filtered similarity search.
	SearchCases(ctx context.Context, vec []float32, limit int, threshold float64, f *Filters) ([]Scored, error)
	SearchIssues(ctx context.Context, vec []float32, limit int, threshold float64, f *Filters) ([]Scored, error)

	// Counts returns exact point counts per collection.
	Counts(ctx context.Context) (cases uint64, issues uint64, err error)

	Close() error
}
