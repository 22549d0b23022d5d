package retrieval

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/rs/zerolog"

	"github.com/clinrag/clinrag/internal/domain/documents"
	"github.com/clinrag/clinrag/internal/domain/graph"
	"github.com/clinrag/clinrag/internal/platform/errs"
)

type fakeDocSearcher struct {
	resp *documents.Response
	err  error
}

func (f *fakeDocSearcher) Search(ctx context.Context, query string, topK int, filters documents.Filters) (*documents.Response, error) {
	return f.resp, f.err
}

type fakeGraphSearcher struct {
	resp *graph.Response
	err  error
}

func (f *fakeGraphSearcher) Search(ctx context.Context, query string, limit int) (*graph.Response, error) {
	return f.resp, f.err
}

func docHit(id string, score float64) documents.Hit {
	return documents.Hit{Document: documents.Document{DocID: id}, Score: score}
}

func kgHit(text, resourceID string, score float64) graph.Hit {
	return graph.Hit{Entity: graph.Entity{Text: text, ResourceID: resourceID}, Score: score}
}

func TestHybrid_EmptyQuery(t *testing.T) {
	svc := NewService(&fakeDocSearcher{}, &fakeGraphSearcher{}, zerolog.Nop())
	if _, err := svc.Hybrid(context.Background(), "", 3, documents.Filters{}); !errs.IsInput(err) {
		t.Fatalf("expected InputError, got %v", err)
	}
}

func TestHybrid_FusesBothSources(t *testing.T) {
	docs := &fakeDocSearcher{resp: &documents.Response{
		Results:    []documents.Hit{docHit("d1", 0.9), docHit("d2", 0.8)},
		SearchMode: documents.ModeSemantic,
	}}
	kg := &fakeGraphSearcher{resp: &graph.Response{
		Results: []graph.Hit{
			kgHit("chest pain", "d2", 0.95),
			kgHit("angina", "d3", 0.70),
			kgHit("orphan entity", "", 0.60),
		},
		SearchMode: graph.ModeSemantic,
	}}
	svc := NewService(docs, kg, zerolog.Nop())

	resp, err := svc.Hybrid(context.Background(), "chest pain", 10, documents.Filters{})
	if err != nil {
		t.Fatalf("hybrid: %v", err)
	}
	if len(resp.Results) != 3 {
		t.Fatalf("got %d results, want 3", len(resp.Results))
	}

	// d2 collects votes from both sources and must outrank its position in
	// either list alone.
	if resp.Results[0].DocID != "d2" {
		t.Errorf("rank 1 = %q, want d2", resp.Results[0].DocID)
	}
	if !reflect.DeepEqual(resp.Results[0].Sources, []string{SourceFHIR, SourceKG}) {
		t.Errorf("d2 sources = %v", resp.Results[0].Sources)
	}
	if resp.Results[1].DocID != "d1" || resp.Results[2].DocID != "d3" {
		t.Errorf("ordering = %q, %q", resp.Results[1].DocID, resp.Results[2].DocID)
	}

	wantD2 := WeightFHIR/float64(RRFK+2) + WeightKG/float64(RRFK+1)
	if got := resp.Results[0].Score; got != wantD2 {
		t.Errorf("d2 fused score = %v, want %v", got, wantD2)
	}
	if resp.Results[0].Entities[0] != "chest pain" {
		t.Errorf("d2 entities = %v", resp.Results[0].Entities)
	}
}

func TestHybrid_DeterministicOrdering(t *testing.T) {
	docs := &fakeDocSearcher{resp: &documents.Response{
		Results:    []documents.Hit{docHit("d1", 0.9), docHit("d2", 0.8), docHit("d3", 0.7)},
		SearchMode: documents.ModeSemantic,
	}}
	kg := &fakeGraphSearcher{resp: &graph.Response{
		Results:    []graph.Hit{kgHit("e1", "d3", 0.9), kgHit("e2", "d1", 0.8)},
		SearchMode: graph.ModeLexical,
	}}
	svc := NewService(docs, kg, zerolog.Nop())

	first, err := svc.Hybrid(context.Background(), "dyspnea", 10, documents.Filters{})
	if err != nil {
		t.Fatalf("hybrid: %v", err)
	}
	for i := 0; i < 5; i++ {
		again, err := svc.Hybrid(context.Background(), "dyspnea", 10, documents.Filters{})
		if err != nil {
			t.Fatalf("hybrid: %v", err)
		}
		if !reflect.DeepEqual(first.Results, again.Results) {
			t.Fatalf("run %d ordering differs:\n%+v\n%+v", i, first.Results, again.Results)
		}
	}
}

func TestHybrid_DuplicateEntityVotesCountOnce(t *testing.T) {
	docs := &fakeDocSearcher{resp: &documents.Response{SearchMode: documents.ModeSemantic}}
	kg := &fakeGraphSearcher{resp: &graph.Response{
		Results: []graph.Hit{
			kgHit("diabetes mellitus type 2", "doc-a", 0.9),
			kgHit("hyperglycemia", "doc-a", 0.8),
		},
		SearchMode: graph.ModeSemantic,
	}}
	svc := NewService(docs, kg, zerolog.Nop())

	resp, err := svc.Hybrid(context.Background(), "diabetes", 10, documents.Filters{})
	if err != nil {
		t.Fatalf("hybrid: %v", err)
	}
	if len(resp.Results) != 1 {
		t.Fatalf("got %d results", len(resp.Results))
	}
	want := WeightKG / float64(RRFK+1)
	if resp.Results[0].Score != want {
		t.Errorf("score = %v, want single best-rank vote %v", resp.Results[0].Score, want)
	}
	if len(resp.Results[0].Entities) != 2 {
		t.Errorf("entities = %v, want both recorded", resp.Results[0].Entities)
	}
}

func TestHybrid_SubSearchErrorPropagates(t *testing.T) {
	docs := &fakeDocSearcher{err: errors.New("pool exhausted")}
	kg := &fakeGraphSearcher{resp: &graph.Response{SearchMode: graph.ModeLexical}}
	svc := NewService(docs, kg, zerolog.Nop())

	if _, err := svc.Hybrid(context.Background(), "sepsis", 3, documents.Filters{}); err == nil {
		t.Fatal("expected error from failing sub-search")
	}
}

func TestHybrid_CarriesFallbackReason(t *testing.T) {
	docs := &fakeDocSearcher{resp: &documents.Response{
		SearchMode:     documents.ModeLexical,
		FallbackReason: "no embedded documents",
	}}
	kg := &fakeGraphSearcher{resp: &graph.Response{SearchMode: graph.ModeLexical, FallbackReason: "no entity embeddings"}}
	svc := NewService(docs, kg, zerolog.Nop())

	resp, err := svc.Hybrid(context.Background(), "fever", 3, documents.Filters{})
	if err != nil {
		t.Fatalf("hybrid: %v", err)
	}
	if resp.DocumentMode != documents.ModeLexical || resp.FallbackReason != "no embedded documents" {
		t.Errorf("mode=%q reason=%q", resp.DocumentMode, resp.FallbackReason)
	}
}

func TestSortFused_TieBreaks(t *testing.T) {
	hits := []FusedHit{
		{DocID: "b", Score: 0.5, RawCosine: 0.7},
		{DocID: "a", Score: 0.5, RawCosine: 0.7},
		{DocID: "c", Score: 0.5, RawCosine: 0.9},
		{DocID: "d", Score: 0.6, RawCosine: 0.1},
	}
	sortFused(hits)

	want := []string{"d", "c", "a", "b"}
	for i, id := range want {
		if hits[i].DocID != id {
			t.Fatalf("position %d = %q, want %q (full: %+v)", i, hits[i].DocID, id, hits)
		}
	}
}
