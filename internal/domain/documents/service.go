package documents

import (
	"context"
	"strings"

	"github.com/rs/zerolog"

	"github.com/clinrag/clinrag/internal/platform/errs"
)

// DefaultTopK bounds search results when the caller does not say otherwise.
const DefaultTopK = 10

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

// Search embeds the query and ranks documents by cosine similarity. When the
// embedding path is degraded or the store holds no embedded documents, it
// falls back to lexical substring ranking and says so in the response.
func (s *Service) Search(ctx context.Context, query string, topK int, f Filters) (*Response, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, errs.Inputf("query must not be empty")
	}
	if topK <= 0 {
		topK = DefaultTopK
	}

	if s.embedder.MockMode() {
		return s.lexical(ctx, query, f, topK, "embedding service degraded to mock mode")
	}

	vec, err := s.embedder.EmbedText(ctx, query)
	if err != nil {
		s.logger.Warn().Err(err).Msg("query embedding failed, using lexical search")
		return s.lexical(ctx, query, f, topK, "embedding service unavailable")
	}

	hits, err := s.repo.SemanticSearch(ctx, vec, f, topK)
	if err != nil {
		s.logger.Warn().Err(err).Msg("vector search failed, using lexical search")
		return s.lexical(ctx, query, f, topK, "vector search failed")
	}
	if len(hits) == 0 {
		return s.lexical(ctx, query, f, topK, "no embedded documents")
	}

	return &Response{Results: hits, SearchMode: ModeSemantic}, nil
}

func (s *Service) lexical(ctx context.Context, query string, f Filters, topK int, reason string) (*Response, error) {
	hits, err := s.repo.LexicalSearch(ctx, query, f, topK)
	if err != nil {
		return nil, err
	}
	return &Response{Results: hits, SearchMode: ModeLexical, FallbackReason: reason}, nil
}

// Timeline buckets the patient's documents by month for trend rendering.
func (s *Service) Timeline(ctx context.Context, patientID string) ([]TimelineBucket, error) {
	patientID = strings.TrimSpace(patientID)
	if patientID == "" {
		return nil, errs.Inputf("patient id must not be empty")
	}
	return s.repo.TimelineByPatient(ctx, patientID)
}

// GetDocument returns the full text and metadata of one document.
func (s *Service) GetDocument(ctx context.Context, id string) (*Document, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, errs.Inputf("document id must not be empty")
	}
	doc, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, errs.Inputf("document %s not found", id)
	}
	return doc, nil
}
