package graph

import (
	"context"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/clinrag/clinrag/internal/platform/errs"
)

// DefaultLimit bounds search results when the caller does not say otherwise.
const DefaultLimit = 10

// Embedder is the slice of the embedding client this service needs.
type Embedder interface {
	EmbedText(ctx context.Context, text string) ([]float32, error)
	MockMode() bool
}

type Service struct {
	repo     Repository
	embedder Embedder
	logger   zerolog.Logger
}

func NewService(repo Repository, embedder Embedder, logger zerolog.Logger) *Service {
	return &Service{repo: repo, embedder: embedder, logger: logger}
}

// Search ranks entities against the query. Dense search over entity
// embeddings is preferred; the embedding table is optional, so an empty or
// failing vector path falls back to substring match ranked by confidence.
func (s *Service) Search(ctx context.Context, query string, limit int) (*Response, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, errs.Inputf("query must not be empty")
	}
	if limit <= 0 {
		limit = DefaultLimit
	}

	if s.embedder.MockMode() {
		return s.lexical(ctx, query, limit, "embedding service degraded to mock mode")
	}

	vec, err := s.embedder.EmbedText(ctx, query)
	if err != nil {
		s.logger.Warn().Err(err).Msg("query embedding failed, using lexical entity search")
		return s.lexical(ctx, query, limit, "embedding service unavailable")
	}

	hits, err := s.repo.SemanticSearch(ctx, vec, limit)
	if err != nil {
		s.logger.Warn().Err(err).Msg("entity vector search failed, using lexical entity search")
		return s.lexical(ctx, query, limit, "vector search failed")
	}
	if len(hits) == 0 {
		return s.lexical(ctx, query, limit, "no entity embeddings")
	}

	return &Response{Results: hits, SearchMode: ModeSemantic}, nil
}

func (s *Service) lexical(ctx context.Context, query string, limit int, reason string) (*Response, error) {
	hits, err := s.repo.LexicalSearch(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	return &Response{Results: hits, SearchMode: ModeLexical, FallbackReason: reason}, nil
}

// Traverse walks the graph breadth-first from rootID. Depth is clamped to
// MaxTraversalDepth and the subgraph to MaxSubgraphNodes; when the cap cuts
// a level, higher-confidence entities win, then lower ids. Every returned
// edge has both endpoints in Nodes.
func (s *Service) Traverse(ctx context.Context, rootID int64, depth int) (*Subgraph, error) {
	if depth <= 0 {
		depth = 1
	}
	if depth > MaxTraversalDepth {
		depth = MaxTraversalDepth
	}

	root, err := s.repo.GetEntity(ctx, rootID)
	if err != nil {
		return nil, err
	}
	if root == nil {
		return nil, errs.Inputf("entity %d not found", rootID)
	}

	sub := &Subgraph{RootID: root.ID, Depth: depth, Nodes: []Entity{*root}}
	visited := map[int64]bool{root.ID: true}
	seenEdge := map[int64]bool{}
	frontier := []int64{root.ID}

	for level := 0; level < depth && len(frontier) > 0; level++ {
		rels, err := s.repo.EdgesTouching(ctx, frontier)
		if err != nil {
			return nil, err
		}

		discovered := map[int64]bool{}
		for _, rel := range rels {
			if !visited[rel.SourceID] {
				discovered[rel.SourceID] = true
			}
			if !visited[rel.TargetID] {
				discovered[rel.TargetID] = true
			}
		}

		var next []int64
		if len(discovered) > 0 && len(sub.Nodes) < MaxSubgraphNodes {
			ids := make([]int64, 0, len(discovered))
			for id := range discovered {
				ids = append(ids, id)
			}
			candidates, err := s.repo.EntitiesByIDs(ctx, ids)
			if err != nil {
				return nil, err
			}
			sort.Slice(candidates, func(i, j int) bool {
				if candidates[i].Confidence != candidates[j].Confidence {
					return candidates[i].Confidence > candidates[j].Confidence
				}
				return candidates[i].ID < candidates[j].ID
			})
			for _, c := range candidates {
				if len(sub.Nodes) >= MaxSubgraphNodes {
					break
				}
				visited[c.ID] = true
				sub.Nodes = append(sub.Nodes, c)
				next = append(next, c.ID)
			}
		}

		for _, rel := range rels {
			if seenEdge[rel.ID] || !visited[rel.SourceID] || !visited[rel.TargetID] {
				continue
			}
			seenEdge[rel.ID] = true
			sub.Edges = append(sub.Edges, rel)
		}
		frontier = next
	}

	return sub, nil
}

// Relationships resolves the entity named by text and returns its outgoing
// and incoming edges.
func (s *Service) Relationships(ctx context.Context, entityText string) (*EntityRelationships, error) {
	entityText = strings.TrimSpace(entityText)
	if entityText == "" {
		return nil, errs.Inputf("entity must not be empty")
	}

	e, err := s.repo.FindEntityByText(ctx, entityText)
	if err != nil {
		return nil, err
	}
	if e == nil {
		return nil, errs.Inputf("entity %q not found in the knowledge graph", entityText)
	}

	outgoing, err := s.repo.OutgoingNeighbors(ctx, e.ID)
	if err != nil {
		return nil, err
	}
	incoming, err := s.repo.IncomingNeighbors(ctx, e.ID)
	if err != nil {
		return nil, err
	}

	return &EntityRelationships{Entity: *e, Outgoing: outgoing, Incoming: incoming}, nil
}

// Statistics reports entity and relationship counts plus the highest-degree
// entities.
func (s *Service) Statistics(ctx context.Context) (*Stats, error) {
	return s.repo.Stats(ctx)
}

// TopEntities ranks entities of one type by degree; entityType "" ranks all
// types together.
func (s *Service) TopEntities(ctx context.Context, entityType string, limit int) ([]DegreeEntity, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	return s.repo.TopByDegree(ctx, strings.ToUpper(strings.TrimSpace(entityType)), limit)
}

// Network resolves the entity named by text and returns the subgraph around
// it, ready for node-link rendering.
func (s *Service) Network(ctx context.Context, entityText string, depth int) (*Subgraph, error) {
	entityText = strings.TrimSpace(entityText)
	if entityText == "" {
		return nil, errs.Inputf("entity must not be empty")
	}

	e, err := s.repo.FindEntityByText(ctx, entityText)
	if err != nil {
		return nil, err
	}
	if e == nil {
		return nil, errs.Inputf("entity %q not found in the knowledge graph", entityText)
	}
	return s.Traverse(ctx, e.ID, depth)
}
