package vector

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"

	"tke/internal/config"
)

// Qdrant implements Store over a qdrant instance with two collections
// (case-level and issue-level), cosine distance.
type Qdrant struct {
	client    *qdrant.Client
	caseColl  string
	issueColl string
	dim       uint64
}

// NewQdrant connects to qdrant and returns the store.
func NewQdrant(cfg config.QdrantConfig, dim int) (*Qdrant, error) {
	client, err := qdrant.NewClient(&qdrant.Config{
		Host: cfg.Host,
		Port: cfg.Port,
	})
	if err != nil {
		return nil, fmt.Errorf("qdrant connect: %w", err)
	}
	return &Qdrant{
		client:    client,
		caseColl:  cfg.CaseCollection,
		issueColl: cfg.IssueCollection,
		dim:       uint64(dim),
	}, nil
}

// EnsureCollections creates missing collections and verifies the vector
// dimension of existing ones. A dimension mismatch is a startup-fatal error.
func (q *Qdrant) EnsureCollections(ctx context.Context) error {
	for _, coll := range []string{q.caseColl, q.issueColl} {
		exists, err := q.client.CollectionExists(ctx, coll)
		if err != nil {
			return fmt.Errorf("check collection %s: %w", coll, err)
		}
		if !exists {
			err = q.client.CreateCollection(ctx, &qdrant.CreateCollection{
				CollectionName: coll,
				VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
					Size:     q.dim,
					Distance: qdrant.Distance_Cosine,
				}),
			})
			if err != nil {
				return fmt.Errorf("create collection %s: %w", coll, err)
			}
			continue
		}

		info, err := q.client.GetCollectionInfo(ctx, coll)
		if err != nil {
			return fmt.Errorf("inspect collection %s: %w", coll, err)
		}
		params := info.GetConfig().GetParams().GetVectorsConfig().GetParams()
		if params != nil && params.GetSize() != q.dim {
			return fmt.Errorf("collection %s dimension %d != configured %d",
				coll, params.GetSize(), q.dim)
		}
	}
	return nil
}

// pointID derives a deterministic UUID from the logical id so reindexing
// overwrites instead of duplicating.
func pointID(logical string) *qdrant.PointId {
	return qdrant.NewID(uuid.NewSHA1(uuid.NameSpaceURL, []byte(logical)).String())
}

func (q *Qdrant) upsert(ctx context.Context, coll string, points []Point) error {
	if len(points) == 0 {
		return nil
	}
	structs := make([]*qdrant.PointStruct, 0, len(points))
	for _, p := range points {
		structs = append(structs, &qdrant.PointStruct{
			Id:      pointID(p.ID),
			Vectors: qdrant.NewVectors(p.Vector...),
			Payload: qdrant.NewValueMap(normalizePayload(p.Payload)),
		})
	}
	_, err := q.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: coll,
		Wait:           qdrant.PtrOf(true),
		Points:         structs,
	})
	if err != nil {
		return fmt.Errorf("upsert %d points into %s: %w", len(points), coll, err)
	}
	return nil
}

// UpsertCases writes case-level points.
func (q *Qdrant) UpsertCases(ctx context.Context, points []Point) error {
	return q.upsert(ctx, q.caseColl, points)
}

// UpsertIssues writes issue-level points.
func (q *Qdrant) UpsertIssues(ctx context.Context, points []Point) error {
	return q.upsert(ctx, q.issueColl, points)
}

// DeleteCase removes all points whose payload case_id matches.
func (q *Qdrant) DeleteCase(ctx context.Context, caseID string) error {
	filter := &qdrant.Filter{
		Must: []*qdrant.Condition{qdrant.NewMatch("case_id", caseID)},
	}
	for _, coll := range []string{q.caseColl, q.issueColl} {
		_, err := q.client.Delete(ctx, &qdrant.DeletePoints{
			CollectionName: coll,
			Wait:           qdrant.PtrOf(true),
			Points:         qdrant.NewPointsSelectorFilter(filter),
		})
		if err != nil {
			return fmt.Errorf("delete case %s from %s: %w", caseID, coll, err)
		}
	}
	return nil
}

func buildFilter(f *Filters) *qdrant.Filter {
	if f == nil {
		return nil
	}
	var must []*qdrant.Condition
	if f.PartNumber != "" {
		must = append(must, qdrant.NewMatch("part_number", f.PartNumber))
	}
	if f.TrialVersion != "" {
		must = append(must, qdrant.NewMatch("trial_version", f.TrialVersion))
	}
	var should []*qdrant.Condition
	if f.Result != "" {
		should = append(should,
			qdrant.NewMatch("result_t1", f.Result),
			qdrant.NewMatch("result_t2", f.Result))
	}
	if len(must) == 0 && len(should) == 0 {
		return nil
	}
	return &qdrant.Filter{Must: must, Should: should}
}

func (q *Qdrant) search(ctx context.Context, coll string, vec []float32, limit int, threshold float64, f *Filters) ([]Scored, error) {
	resp, err := q.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: coll,
		Query:          qdrant.NewQuery(vec...),
		Filter:         buildFilter(f),
		Limit:          qdrant.PtrOf(uint64(limit)),
		ScoreThreshold: qdrant.PtrOf(float32(threshold)),
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", coll, err)
	}

	out := make([]Scored, 0, len(resp))
	for _, pt := range resp {
		payload := payloadToMap(pt.GetPayload())
		id := ""
		if v, ok := payload["issue_id"].(string); ok && v != "" {
			id = v
		} else if v, ok := payload["case_id"].(string); ok {
			id = v
		}
		out = append(out, Scored{
			ID:      id,
			Score:   float64(pt.GetScore()),
			Payload: payload,
		})
	}
	return out, nil
}

// SearchCases runs similarity search over the case collection.
func (q *Qdrant) SearchCases(ctx context.Context, vec []float32, limit int, threshold float64, f *Filters) ([]Scored, error) {
	return q.search(ctx, q.caseColl, vec, limit, threshold, f)
}

// SearchIssues runs similarity search over the issue collection.
func (q *Qdrant) SearchIssues(ctx context.Context, vec []float32, limit int, threshold float64, f *Filters) ([]Scored, error) {
	return q.search(ctx, q.issueColl, vec, limit, threshold, f)
}

// Counts returns exact point counts for both collections.
func (q *Qdrant) Counts(ctx context.Context) (uint64, uint64, error) {
	cases, err := q.client.Count(ctx, &qdrant.CountPoints{
		CollectionName: q.caseColl,
		Exact:          qdrant.PtrOf(true),
	})
	if err != nil {
		return 0, 0, err
	}
	issues, err := q.client.Count(ctx, &qdrant.CountPoints{
		CollectionName: q.issueColl,
		Exact:          qdrant.PtrOf(true),
	})
	if err != nil {
		return 0, 0, err
	}
	return cases, issues, nil
}

// Close shuts down the client connection.
func (q *Qdrant) Close() error { return q.client.Close() }

// normalizePayload rewrites typed string slices into the []interface{} form
// the qdrant value constructors accept; NewValueMap panics on []string.
func normalizePayload(p map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(p))
	for k, v := range p {
		if ss, ok := v.([]string); ok {
			items := make([]interface{}, len(ss))
			for i, s := range ss {
				items[i] = s
			}
			out[k] = items
			continue
		}
		out[k] = v
	}
	return out
}

// payloadToMap converts a qdrant payload into plain Go values.
func payloadToMap(p map[string]*qdrant.Value) map[string]interface{} {
	out := make(map[string]interface{}, len(p))
	for k, v := range p {
		out[k] = valueToAny(v)
	}
	return out
}

func valueToAny(v *qdrant.Value) interface{} {
	switch kind := v.GetKind().(type) {
	case *qdrant.Value_StringValue:
		return kind.StringValue
	case *qdrant.Value_IntegerValue:
		return kind.IntegerValue
	case *qdrant.Value_DoubleValue:
		return kind.DoubleValue
	case *qdrant.Value_BoolValue:
		return kind.BoolValue
	case *qdrant.Value_ListValue:
		items := kind.ListValue.GetValues()
		list := make([]interface{}, 0, len(items))
		for _, it := range items {
			list = append(list, valueToAny(it))
		}
		return list
	case *qdrant.Value_StructValue:
		return payloadToMap(kind.StructValue.GetFields())
	default:
		return nil
	}
}
