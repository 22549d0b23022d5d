package retrieval

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/clinrag/clinrag/internal/domain/documents"
	"github.com/clinrag/clinrag/internal/domain/graph"
	"github.com/clinrag/clinrag/internal/platform/errs"
)

// DocumentSearcher is the slice of the documents service this package needs.
type DocumentSearcher interface {
	Search(ctx context.Context, query string, topK int, f documents.Filters) (*documents.Response, error)
}

// GraphSearcher is the slice of the graph service this package needs.
type GraphSearcher interface {
	Search(ctx context.Context, query string, limit int) (*graph.Response, error)
}

type Service struct {
	docs   DocumentSearcher
	graph  GraphSearcher
	logger zerolog.Logger
}

func NewService(docs DocumentSearcher, graphSvc GraphSearcher, logger zerolog.Logger) *Service {
	return &Service{docs: docs, graph: graphSvc, logger: logger}
}

// Hybrid runs document search and knowledge-graph search concurrently and
// merges them by reciprocal-rank fusion. Graph entities vote for the source
// document named by their resource id; entities without one contribute
// nothing. The fused ordering is deterministic given identical sub-results.
func (s *Service) Hybrid(ctx context.Context, query string, topK int, f documents.Filters) (*HybridResponse, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, errs.Inputf("query must not be empty")
	}
	if topK <= 0 {
		topK = DefaultTopK
	}

	var docResp *documents.Response
	var kgResp *graph.Response

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		resp, err := s.docs.Search(gctx, query, topK, f)
		if err != nil {
			return fmt.Errorf("document search: %w", err)
		}
		docResp = resp
		return nil
	})
	g.Go(func() error {
		resp, err := s.graph.Search(gctx, query, topK)
		if err != nil {
			return fmt.Errorf("knowledge-graph search: %w", err)
		}
		kgResp = resp
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	resp := &HybridResponse{
		Results:      fuse(docResp.Results, kgResp.Results, topK),
		DocumentMode: docResp.SearchMode,
		GraphMode:    kgResp.SearchMode,
	}
	if docResp.FallbackReason != "" {
		resp.FallbackReason = docResp.FallbackReason
	} else if kgResp.FallbackReason != "" {
		resp.FallbackReason = kgResp.FallbackReason
	}
	return resp, nil
}

// fuse merges the two rankings: fused_score(d) = Σ_s w_s / (RRFK + rank_s(d))
// with 1-based ranks. When several entities vote for the same document, the
// best graph rank counts once.
func fuse(docHits []documents.Hit, kgHits []graph.Hit, topK int) []FusedHit {
	acc := map[string]*FusedHit{}
	get := func(docID string) *FusedHit {
		if h, ok := acc[docID]; ok {
			return h
		}
		h := &FusedHit{DocID: docID}
		acc[docID] = h
		return h
	}

	for i, dh := range docHits {
		h := get(dh.DocID)
		h.Score += WeightFHIR / float64(RRFK+i+1)
		if dh.Score > h.RawCosine {
			h.RawCosine = dh.Score
		}
		h.Snippet = dh.Snippet
		h.Sources = addSource(h.Sources, SourceFHIR)
	}

	ranked := map[string]bool{}
	for i, kh := range kgHits {
		if kh.ResourceID == "" {
			continue
		}
		h := get(kh.ResourceID)
		if !ranked[kh.ResourceID] {
			ranked[kh.ResourceID] = true
			h.Score += WeightKG / float64(RRFK+i+1)
		}
		if kh.Score > h.RawCosine {
			h.RawCosine = kh.Score
		}
		h.Entities = append(h.Entities, kh.Text)
		h.Sources = addSource(h.Sources, SourceKG)
	}

	fused := make([]FusedHit, 0, len(acc))
	for _, h := range acc {
		sort.Strings(h.Sources)
		fused = append(fused, *h)
	}
	sortFused(fused)
	if len(fused) > topK {
		fused = fused[:topK]
	}
	return fused
}

// sortFused orders by fused score descending, then higher raw cosine, then
// document id ascending.
func sortFused(hits []FusedHit) {
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		if hits[i].RawCosine != hits[j].RawCosine {
			return hits[i].RawCosine > hits[j].RawCosine
		}
		return hits[i].DocID < hits[j].DocID
	})
}

func addSource(sources []string, source string) []string {
	for _, s := range sources {
		if s == source {
			return sources
		}
	}
	return append(sources, source)
}
