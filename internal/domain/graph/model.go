// Package graph searches and walks the medical knowledge graph held in
// rag.entities and rag.entity_relationships. Entities are conditions,
// medications, symptoms, anatomy, and procedures; edges are typed and
// directed.
package graph

// Entity types stored in the graph.
const (
	TypeCondition  = "CONDITION"
	TypeMedication = "MEDICATION"
	TypeSymptom    = "SYMPTOM"
	TypeAnatomy    = "ANATOMY"
	TypeProcedure  = "PROCEDURE"
)

// Relationship types attached by the starter dataset. Extraction may add
// others; nothing below depends on a closed set.
const (
	RelTreatedBy    = "treated_by"
	RelPresentsWith = "presents_with"
	RelAffects      = "affects"
	RelDiagnosedBy  = "diagnosed_by"
)

// Search modes recorded on every response.
const (
	ModeSemantic = "semantic"
	ModeLexical  = "lexical"
)

// Traversal bounds. A traversal never returns more than MaxSubgraphNodes
// nodes regardless of depth.
const (
	MaxTraversalDepth = 2
	MaxSubgraphNodes  = 200
)

// Entity is one knowledge-graph node.
type Entity struct {
	ID         int64   `json:"entity_id"`
	Text       string  `json:"entity_text"`
	Type       string  `json:"entity_type"`
	Confidence float64 `json:"confidence"`
	ResourceID string  `json:"resource_id,omitempty"`
}

// Relationship is one directed, typed edge.
type Relationship struct {
	ID         int64   `json:"relationship_id"`
	SourceID   int64   `json:"source_entity_id"`
	TargetID   int64   `json:"target_entity_id"`
	Type       string  `json:"relationship_type"`
	Confidence float64 `json:"confidence"`
	ResourceID string  `json:"resource_id,omitempty"`
}

// Hit is one search result with its relevance score in [0,1].
type Hit struct {
	Entity
	Score float64 `json:"score"`
}

// Response is an ordered result list plus the mode that produced it.
type Response struct {
	Results        []Hit  `json:"results"`
	SearchMode     string `json:"search_mode"`
	FallbackReason string `json:"fallback_reason,omitempty"`
}

// Subgraph is a bounded neighborhood around one root entity. Nodes and edges
// are flat lists; every edge endpoint is present in Nodes.
type Subgraph struct {
	RootID int64          `json:"root_entity_id"`
	Depth  int            `json:"depth"`
	Nodes  []Entity       `json:"nodes"`
	Edges  []Relationship `json:"edges"`
}

// Neighbor is one edge of an entity with the entity on the far end.
type Neighbor struct {
	RelationshipType string  `json:"relationship_type"`
	Confidence       float64 `json:"confidence"`
	Entity           Entity  `json:"entity"`
}

// EntityRelationships holds both edge directions of one entity.
type EntityRelationships struct {
	Entity   Entity     `json:"entity"`
	Outgoing []Neighbor `json:"outgoing"`
	Incoming []Neighbor `json:"incoming"`
}

// DegreeEntity is an entity ranked by how many edges touch it.
type DegreeEntity struct {
	Entity
	Degree int64 `json:"degree"`
}

// Stats summarizes graph size and composition.
type Stats struct {
	TotalEntities       int64            `json:"total_entities"`
	TotalRelationships  int64            `json:"total_relationships"`
	EntitiesByType      map[string]int64 `json:"entities_by_type"`
	RelationshipsByType map[string]int64 `json:"relationships_by_type"`
	TopEntities         []DegreeEntity   `json:"top_entities"`
}
