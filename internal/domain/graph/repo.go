package graph

import "context"

// Repository is the persistence boundary for the knowledge graph. Get
// methods return (nil, nil) when the row does not exist.
type Repository interface {
	SemanticSearch(ctx context.Context, vec []float32, limit int) ([]Hit, error)
	LexicalSearch(ctx context.Context, query string, limit int) ([]Hit, error)

	GetEntity(ctx context.Context, id int64) (*Entity, error)
	FindEntityByText(ctx context.Context, text string) (*Entity, error)
	EntitiesByIDs(ctx context.Context, ids []int64) ([]Entity, error)

	// EdgesTouching returns every relationship with at least one endpoint in
	// ids, ordered by relationship id.
	EdgesTouching(ctx context.Context, ids []int64) ([]Relationship, error)
	OutgoingNeighbors(ctx context.Context, id int64) ([]Neighbor, error)
	IncomingNeighbors(ctx context.Context, id int64) ([]Neighbor, error)

	Stats(ctx context.Context) (*Stats, error)
	// TopByDegree ranks entities by how many edges touch them. An empty
	// entityType ranks across all types.
	TopByDegree(ctx context.Context, entityType string, limit int) ([]DegreeEntity, error)
	CountEntities(ctx context.Context) (int64, error)

	// EnsureEntity returns the id of the entity with e's (text, type),
	// inserting it first when absent. The bool reports whether a row was
	// created. Existing rows are never modified.
	EnsureEntity(ctx context.Context, e *Entity) (int64, bool, error)
	// EnsureRelationship inserts the edge unless an edge with the same
	// (source, target, type) already exists.
	EnsureRelationship(ctx context.Context, rel *Relationship) (bool, error)
}
