package chat

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/clinrag/clinrag/internal/domain/documents"
	"github.com/clinrag/clinrag/internal/domain/graph"
	"github.com/clinrag/clinrag/internal/domain/imaging"
	"github.com/clinrag/clinrag/internal/domain/memory"
	"github.com/clinrag/clinrag/internal/domain/retrieval"
	"github.com/clinrag/clinrag/internal/platform/errs"
)

type fakeDocs struct {
	resp    *documents.Response
	doc     *documents.Document
	buckets []documents.TimelineBucket
	err     error

	queries []string
}

func (f *fakeDocs) Search(ctx context.Context, query string, topK int, fl documents.Filters) (*documents.Response, error) {
	f.queries = append(f.queries, query)
	if f.err != nil {
		return nil, f.err
	}
	return f.resp, nil
}

func (f *fakeDocs) GetDocument(ctx context.Context, id string) (*documents.Document, error) {
	if f.doc == nil {
		return nil, errs.Inputf("document %s not found", id)
	}
	return f.doc, nil
}

func (f *fakeDocs) Timeline(ctx context.Context, patientID string) ([]documents.TimelineBucket, error) {
	return f.buckets, nil
}

type fakeGraph struct {
	resp  *graph.Response
	rels  *graph.EntityRelationships
	stats *graph.Stats
	top   []graph.DegreeEntity
	sub   *graph.Subgraph
	err   error

	queries []string
}

func (f *fakeGraph) Search(ctx context.Context, query string, limit int) (*graph.Response, error) {
	f.queries = append(f.queries, query)
	if f.err != nil {
		return nil, f.err
	}
	return f.resp, nil
}

func (f *fakeGraph) Relationships(ctx context.Context, entityText string) (*graph.EntityRelationships, error) {
	if f.rels == nil {
		return nil, errs.Inputf("entity %q not found in the knowledge graph", entityText)
	}
	return f.rels, nil
}

func (f *fakeGraph) Statistics(ctx context.Context) (*graph.Stats, error) {
	return f.stats, f.err
}

func (f *fakeGraph) TopEntities(ctx context.Context, entityType string, limit int) ([]graph.DegreeEntity, error) {
	return f.top, f.err
}

func (f *fakeGraph) Network(ctx context.Context, entityText string, depth int) (*graph.Subgraph, error) {
	if f.sub == nil {
		return nil, errs.Inputf("entity %q not found in the knowledge graph", entityText)
	}
	return f.sub, nil
}

type fakeImages struct {
	resp      *imaging.Response
	studies   []imaging.Study
	details   *imaging.StudyDetails
	patients  []imaging.PatientImaging
	encounter *imaging.EncounterImaging
	reports   []imaging.Report
	err       error

	queries []string
}

func (f *fakeImages) SearchImages(ctx context.Context, query string, topK int, fl imaging.Filters) (*imaging.Response, error) {
	f.queries = append(f.queries, query)
	if f.err != nil {
		return nil, f.err
	}
	return f.resp, nil
}

func (f *fakeImages) PatientStudies(ctx context.Context, patientID string) ([]imaging.Study, error) {
	return f.studies, f.err
}

func (f *fakeImages) StudyDetails(ctx context.Context, studyID string) (*imaging.StudyDetails, error) {
	if f.details == nil {
		return nil, errs.Inputf("imaging study %s not found", studyID)
	}
	return f.details, nil
}

func (f *fakeImages) PatientsWithImaging(ctx context.Context, limit int) ([]imaging.PatientImaging, error) {
	return f.patients, f.err
}

func (f *fakeImages) EncounterImaging(ctx context.Context, encounterID string) (*imaging.EncounterImaging, error) {
	if f.encounter == nil {
		return nil, errs.Unavailable("fhir server", nil)
	}
	return f.encounter, nil
}

func (f *fakeImages) Reports(ctx context.Context, patientID string, limit int) ([]imaging.Report, error) {
	return f.reports, f.err
}

type fakeHybrid struct {
	resp *retrieval.HybridResponse
	err  error

	queries []string
}

func (f *fakeHybrid) Hybrid(ctx context.Context, query string, topK int, fl documents.Filters) (*retrieval.HybridResponse, error) {
	f.queries = append(f.queries, query)
	if f.err != nil {
		return nil, f.err
	}
	return f.resp, nil
}

// unitEmbedder gives every text the same vector so recall similarity is
// always 1; enough for exercising the memory tools.
type unitEmbedder struct{}

func (unitEmbedder) EmbedText(ctx context.Context, text string) ([]float32, error) {
	return []float32{1, 0, 0}, nil
}

func testServices() (Services, *fakeDocs, *fakeGraph, *fakeImages, *fakeHybrid) {
	docs := &fakeDocs{resp: &documents.Response{SearchMode: documents.ModeSemantic}}
	gr := &fakeGraph{resp: &graph.Response{SearchMode: graph.ModeSemantic}, stats: &graph.Stats{
		TotalEntities:       3,
		TotalRelationships:  2,
		EntitiesByType:      map[string]int64{"MEDICATION": 1, "CONDITION": 2},
		RelationshipsByType: map[string]int64{"treated_by": 2},
	}}
	img := &fakeImages{resp: &imaging.Response{SearchMode: "semantic"}}
	hyb := &fakeHybrid{resp: &retrieval.HybridResponse{
		DocumentMode: documents.ModeSemantic,
		GraphMode:    graph.ModeSemantic,
	}}
	svcs := Services{
		Documents: docs,
		Graph:     gr,
		Imaging:   img,
		Hybrid:    hyb,
		Memory:    memory.NewStore(unitEmbedder{}, 0, zerolog.Nop()),
	}
	return svcs, docs, gr, img, hyb
}

func dispatch(t *testing.T, r *Registry, name, args string) map[string]any {
	t.Helper()
	ctx := WithSession(context.Background(), "sess-test")
	return r.Dispatch(ctx, name, json.RawMessage(args))
}

func TestToolRegistry_CatalogComplete(t *testing.T) {
	svcs, _, _, _, _ := testServices()
	r := NewToolRegistry(svcs, zerolog.Nop())

	want := []string{
		"search_fhir_documents", "search_knowledge_graph", "hybrid_search",
		"get_document_details", "search_medical_images", "get_patient_imaging_studies",
		"get_imaging_study_details", "get_radiology_reports", "search_patients_with_imaging",
		"get_encounter_imaging", "list_radiology_queries", "get_entity_statistics",
		"get_entity_relationships",
		"plot_symptom_frequency", "plot_entity_distribution", "plot_patient_timeline",
		"plot_entity_network", "visualize_graphrag_results",
		"remember_information", "recall_information", "get_memory_stats",
	}
	names := map[string]bool{}
	for _, n := range r.Names() {
		names[n] = true
	}
	for _, n := range want {
		if !names[n] {
			t.Errorf("catalog is missing %s", n)
		}
	}
	if len(r.Names()) != len(want) {
		t.Errorf("catalog holds %d tools, want %d", len(r.Names()), len(want))
	}

	schemas := r.Schemas()
	if len(schemas) != len(want) {
		t.Fatalf("got %d schemas", len(schemas))
	}
	for _, s := range schemas {
		if s.Description == "" {
			t.Errorf("%s has no description", s.Name)
		}
		if s.Parameters["type"] != "object" {
			t.Errorf("%s schema is not an object", s.Name)
		}
	}
}

func TestDispatch_SuccessEnvelope(t *testing.T) {
	svcs, docs, _, _, _ := testServices()
	docs.resp = &documents.Response{
		Results:    []documents.Hit{{Document: documents.Document{DocID: "1474"}, Score: 0.91, Snippet: "chest pain"}},
		SearchMode: documents.ModeSemantic,
	}
	r := NewToolRegistry(svcs, zerolog.Nop())

	env := dispatch(t, r, "search_fhir_documents", `{"query":"chest pain"}`)
	if env["status"] != "success" {
		t.Fatalf("status = %v", env["status"])
	}
	if env["search_mode"] != "semantic" {
		t.Errorf("search_mode = %v", env["search_mode"])
	}
	if _, present := env["fallback_reason"]; present {
		t.Error("empty fallback_reason should be omitted")
	}
	data, ok := env["data"].(map[string]any)
	if !ok {
		t.Fatalf("data missing: %v", env)
	}
	if data["count"] != 1 {
		t.Errorf("count = %v", data["count"])
	}
	if _, hoisted := data["search_mode"]; hoisted {
		t.Error("search_mode should be lifted out of data")
	}
}

func TestDispatch_FallbackReasonHoisted(t *testing.T) {
	svcs, docs, _, _, _ := testServices()
	docs.resp = &documents.Response{SearchMode: documents.ModeLexical, FallbackReason: "embedding service unavailable"}
	r := NewToolRegistry(svcs, zerolog.Nop())

	env := dispatch(t, r, "search_fhir_documents", `{"query":"fever"}`)
	if env["search_mode"] != "lexical" {
		t.Errorf("search_mode = %v", env["search_mode"])
	}
	if env["fallback_reason"] != "embedding service unavailable" {
		t.Errorf("fallback_reason = %v", env["fallback_reason"])
	}
}

func TestDispatch_ErrorsBecomeFailEnvelopes(t *testing.T) {
	svcs, docs, _, _, _ := testServices()
	docs.err = errs.Unavailable("database", nil)
	r := NewToolRegistry(svcs, zerolog.Nop())

	env := dispatch(t, r, "search_fhir_documents", `{"query":"fever"}`)
	if env["status"] != "fail" {
		t.Fatalf("status = %v", env["status"])
	}
	if msg, _ := env["error"].(string); !strings.Contains(msg, "database") {
		t.Errorf("error = %v", env["error"])
	}
}

func TestDispatch_UnknownTool(t *testing.T) {
	svcs, _, _, _, _ := testServices()
	r := NewToolRegistry(svcs, zerolog.Nop())

	env := dispatch(t, r, "drop_all_tables", `{}`)
	if env["status"] != "fail" {
		t.Fatalf("status = %v", env["status"])
	}
}

func TestDispatch_BadArguments(t *testing.T) {
	svcs, _, _, _, _ := testServices()
	r := NewToolRegistry(svcs, zerolog.Nop())

	env := dispatch(t, r, "search_fhir_documents", `{"query": ["not","a","string"]}`)
	if env["status"] != "fail" {
		t.Fatalf("status = %v", env["status"])
	}
}

func TestDispatch_PanicIsCaptured(t *testing.T) {
	r := NewRegistry(zerolog.Nop())
	r.Register(Tool{
		Name:       "explode",
		Parameters: objectSchema(nil, map[string]any{}),
		Handler: func(ctx context.Context, raw json.RawMessage) (map[string]any, error) {
			panic("boom")
		},
	})

	env := r.Dispatch(context.Background(), "explode", nil)
	if env["status"] != "fail" {
		t.Fatalf("status = %v", env["status"])
	}
	if msg, _ := env["error"].(string); !strings.Contains(msg, "boom") {
		t.Errorf("error = %v", env["error"])
	}
}

func TestTool_NumericPatientIDTolerated(t *testing.T) {
	svcs, docs, _, _, _ := testServices()
	r := NewToolRegistry(svcs, zerolog.Nop())

	env := dispatch(t, r, "search_fhir_documents", `{"query":"fever","patient_id":1234}`)
	if env["status"] != "success" {
		t.Fatalf("numeric patient_id rejected: %v", env)
	}
	if len(docs.queries) != 1 {
		t.Fatalf("search not reached")
	}
}

func TestTool_HybridSearch(t *testing.T) {
	svcs, _, _, _, hyb := testServices()
	hyb.resp = &retrieval.HybridResponse{
		Results: []retrieval.FusedHit{
			{DocID: "1474", Score: 0.032, Sources: []string{"fhir", "kg"}},
			{DocID: "2001", Score: 0.016, Sources: []string{"fhir"}},
		},
		DocumentMode: documents.ModeSemantic,
		GraphMode:    graph.ModeSemantic,
	}
	r := NewToolRegistry(svcs, zerolog.Nop())

	env := dispatch(t, r, "hybrid_search", `{"query":"diabetes care","top_k":5}`)
	if env["status"] != "success" || env["search_mode"] != "hybrid" {
		t.Fatalf("envelope = %v", env)
	}
	data := env["data"].(map[string]any)
	if data["count"] != 2 {
		t.Errorf("count = %v", data["count"])
	}
	if data["document_search_mode"] != "semantic" || data["graph_search_mode"] != "semantic" {
		t.Errorf("modes = %v / %v", data["document_search_mode"], data["graph_search_mode"])
	}
}

func TestTool_EntityDistributionChart(t *testing.T) {
	svcs, _, _, _, _ := testServices()
	r := NewToolRegistry(svcs, zerolog.Nop())

	env := dispatch(t, r, "plot_entity_distribution", `{}`)
	if env["status"] != "success" {
		t.Fatalf("envelope = %v", env)
	}
	data := env["data"].(map[string]any)
	if data["chart_type"] != "pie" {
		t.Errorf("chart_type = %v", data["chart_type"])
	}
	chart := data["data"].(map[string]any)
	types := chart["types"].([]string)
	counts := chart["counts"].([]int64)
	if len(types) != 2 || types[0] != "CONDITION" || types[1] != "MEDICATION" {
		t.Errorf("types = %v, want sorted", types)
	}
	if counts[0] != 2 || counts[1] != 1 {
		t.Errorf("counts = %v", counts)
	}
}

func TestTool_SymptomFrequencyChart(t *testing.T) {
	svcs, _, gr, _, _ := testServices()
	gr.top = []graph.DegreeEntity{
		{Entity: graph.Entity{ID: 7, Text: "shortness of breath", Type: graph.TypeSymptom}, Degree: 5},
		{Entity: graph.Entity{ID: 9, Text: "chest pain", Type: graph.TypeSymptom}, Degree: 3},
	}
	r := NewToolRegistry(svcs, zerolog.Nop())

	env := dispatch(t, r, "plot_symptom_frequency", `{"limit":5}`)
	data := env["data"].(map[string]any)
	if data["chart_type"] != "bar" {
		t.Fatalf("chart_type = %v", data["chart_type"])
	}
	chart := data["data"].(map[string]any)
	symptoms := chart["symptoms"].([]string)
	if len(symptoms) != 2 || symptoms[0] != "shortness of breath" {
		t.Errorf("symptoms = %v", symptoms)
	}
}

func TestTool_DocumentDetailsIncludesText(t *testing.T) {
	svcs, docs, _, _, _ := testServices()
	docs.doc = &documents.Document{DocID: "1474", ResourceType: "DocumentReference", ClinicalNotes: "Full clinical narrative."}
	r := NewToolRegistry(svcs, zerolog.Nop())

	env := dispatch(t, r, "get_document_details", `{"document_id":"1474"}`)
	if env["status"] != "success" {
		t.Fatalf("envelope = %v", env)
	}
	data := env["data"].(map[string]any)
	if data["text"] != "Full clinical narrative." {
		t.Errorf("text = %v", data["text"])
	}
}

func TestTool_RadiologyQueryCatalog(t *testing.T) {
	svcs, _, _, _, _ := testServices()
	r := NewToolRegistry(svcs, zerolog.Nop())

	env := dispatch(t, r, "list_radiology_queries", `{"category":"reports"}`)
	data := env["data"].(map[string]any)
	catalog, ok := data["queries"].(imaging.QueryCatalog)
	if !ok {
		t.Fatalf("queries = %T", data["queries"])
	}
	if len(catalog) != 1 {
		t.Errorf("category filter returned %d categories", len(catalog))
	}
}

func TestMemoryTools_RoundTrip(t *testing.T) {
	svcs, _, _, _, _ := testServices()
	r := NewToolRegistry(svcs, zerolog.Nop())

	env := dispatch(t, r, "remember_information", `{"text":"patient is allergic to penicillin"}`)
	if env["status"] != "success" {
		t.Fatalf("remember envelope = %v", env)
	}

	env = dispatch(t, r, "recall_information", `{"query":"allergies"}`)
	data := env["data"].(map[string]any)
	if data["count"] != 1 {
		t.Fatalf("recall count = %v", data["count"])
	}
	items := data["memories"].([]memory.Item)
	if items[0].Text != "patient is allergic to penicillin" {
		t.Errorf("memory = %+v", items[0])
	}

	env = dispatch(t, r, "get_memory_stats", `{}`)
	data = env["data"].(map[string]any)
	stats, ok := data["stats"].(memory.Stats)
	if !ok || stats.Count != 1 {
		t.Errorf("stats = %v", data["stats"])
	}
}

func TestMemoryTools_RequireSession(t *testing.T) {
	svcs, _, _, _, _ := testServices()
	r := NewToolRegistry(svcs, zerolog.Nop())

	env := r.Dispatch(context.Background(), "remember_information", json.RawMessage(`{"text":"x"}`))
	if env["status"] != "fail" {
		t.Fatalf("envelope = %v", env)
	}
}

func TestMemoryTools_SessionPartitioning(t *testing.T) {
	svcs, _, _, _, _ := testServices()
	r := NewToolRegistry(svcs, zerolog.Nop())

	ctxA := WithSession(context.Background(), "sess-a")
	ctxB := WithSession(context.Background(), "sess-b")

	r.Dispatch(ctxA, "remember_information", json.RawMessage(`{"text":"fact for a"}`))

	env := r.Dispatch(ctxB, "recall_information", json.RawMessage(`{"query":"fact"}`))
	data := env["data"].(map[string]any)
	if data["count"] != 0 {
		t.Errorf("session b sees %v foreign memories", data["count"])
	}
}
