package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/clinrag/clinrag/internal/domain/documents"
	"github.com/clinrag/clinrag/internal/domain/graph"
	"github.com/clinrag/clinrag/internal/domain/imaging"
	"github.com/clinrag/clinrag/internal/domain/memory"
	"github.com/clinrag/clinrag/internal/domain/retrieval"
	"github.com/clinrag/clinrag/internal/platform/errs"
)

// The tool handlers depend on narrow slices of the retrieval services so
// tests can swap fakes in.

type DocumentSearcher interface {
	Search(ctx context.Context, query string, topK int, f documents.Filters) (*documents.Response, error)
	GetDocument(ctx context.Context, id string) (*documents.Document, error)
	Timeline(ctx context.Context, patientID string) ([]documents.TimelineBucket, error)
}

type GraphSearcher interface {
	Search(ctx context.Context, query string, limit int) (*graph.Response, error)
	Relationships(ctx context.Context, entityText string) (*graph.EntityRelationships, error)
	Statistics(ctx context.Context) (*graph.Stats, error)
	TopEntities(ctx context.Context, entityType string, limit int) ([]graph.DegreeEntity, error)
	Network(ctx context.Context, entityText string, depth int) (*graph.Subgraph, error)
}

type ImageSearcher interface {
	SearchImages(ctx context.Context, query string, topK int, f imaging.Filters) (*imaging.Response, error)
	PatientStudies(ctx context.Context, patientID string) ([]imaging.Study, error)
	StudyDetails(ctx context.Context, studyID string) (*imaging.StudyDetails, error)
	PatientsWithImaging(ctx context.Context, limit int) ([]imaging.PatientImaging, error)
	EncounterImaging(ctx context.Context, encounterID string) (*imaging.EncounterImaging, error)
	Reports(ctx context.Context, patientID string, limit int) ([]imaging.Report, error)
}

type HybridSearcher interface {
	Hybrid(ctx context.Context, query string, topK int, f documents.Filters) (*retrieval.HybridResponse, error)
}

type MemoryStore interface {
	Remember(ctx context.Context, sessionID, text string) error
	Recall(ctx context.Context, sessionID, query string, topK int) ([]memory.Item, error)
	Stats(sessionID string) memory.Stats
	Clear(sessionID string)
}

// Services bundles everything the tool catalog reaches into.
type Services struct {
	Documents DocumentSearcher
	Graph     GraphSearcher
	Imaging   ImageSearcher
	Hybrid    HybridSearcher
	Memory    MemoryStore
}

// flexString tolerates models that send numbers where the schema says
// string, which happens constantly with numeric patient ids.
type flexString string

func (s *flexString) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case string:
		*s = flexString(v)
	case float64:
		*s = flexString(strconv.FormatFloat(v, 'f', -1, 64))
	case nil:
		*s = ""
	default:
		return fmt.Errorf("expected string, got %T", raw)
	}
	return nil
}

func objectSchema(required []string, props map[string]any) map[string]any {
	schema := map[string]any{"type": "object", "properties": props}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func prop(typ, desc string) map[string]any {
	return map[string]any{"type": typ, "description": desc}
}

func decodeArgs(raw json.RawMessage, into any) error {
	if err := json.Unmarshal(raw, into); err != nil {
		return errs.Inputf("bad tool arguments: %v", err)
	}
	return nil
}

// NewToolRegistry wires the full catalog: retrieval, visualization, and
// memory tools.
func NewToolRegistry(svcs Services, logger zerolog.Logger) *Registry {
	r := NewRegistry(logger)
	registerRetrievalTools(r, svcs)
	registerVisualizationTools(r, svcs)
	registerMemoryTools(r, svcs)
	return r
}

func registerRetrievalTools(r *Registry, svcs Services) {
	r.Register(Tool{
		Name:        "search_fhir_documents",
		Description: "Search clinical documents (FHIR DocumentReference notes) by semantic similarity, with lexical fallback.",
		Parameters: objectSchema([]string{"query"}, map[string]any{
			"query":      prop("string", "Free-text clinical query"),
			"patient_id": prop("string", "Restrict results to one patient"),
			"top_k":      prop("integer", "Maximum results, default 10"),
		}),
		Handler: func(ctx context.Context, raw json.RawMessage) (map[string]any, error) {
			var args struct {
				Query     string     `json:"query"`
				PatientID flexString `json:"patient_id"`
				TopK      int        `json:"top_k"`
			}
			if err := decodeArgs(raw, &args); err != nil {
				return nil, err
			}
			resp, err := svcs.Documents.Search(ctx, args.Query, args.TopK, documents.Filters{PatientID: string(args.PatientID)})
			if err != nil {
				return nil, err
			}
			return map[string]any{
				"documents":       resp.Results,
				"count":           len(resp.Results),
				"search_mode":     resp.SearchMode,
				"fallback_reason": resp.FallbackReason,
			}, nil
		},
	})

	r.Register(Tool{
		Name:        "search_knowledge_graph",
		Description: "Search the medical knowledge graph for entities (conditions, medications, symptoms, anatomy, procedures).",
		Parameters: objectSchema([]string{"query"}, map[string]any{
			"query": prop("string", "Entity or concept to look up"),
			"limit": prop("integer", "Maximum entities, default 10"),
		}),
		Handler: func(ctx context.Context, raw json.RawMessage) (map[string]any, error) {
			var args struct {
				Query string `json:"query"`
				Limit int    `json:"limit"`
			}
			if err := decodeArgs(raw, &args); err != nil {
				return nil, err
			}
			resp, err := svcs.Graph.Search(ctx, args.Query, args.Limit)
			if err != nil {
				return nil, err
			}
			return map[string]any{
				"entities":        resp.Results,
				"count":           len(resp.Results),
				"search_mode":     resp.SearchMode,
				"fallback_reason": resp.FallbackReason,
			}, nil
		},
	})

	r.Register(Tool{
		Name:        "hybrid_search",
		Description: "Run document search and knowledge-graph search together and fuse the rankings. Best for broad clinical questions.",
		Parameters: objectSchema([]string{"query"}, map[string]any{
			"query":      prop("string", "Free-text clinical query"),
			"patient_id": prop("string", "Restrict document results to one patient"),
			"top_k":      prop("integer", "Maximum fused results, default 10"),
		}),
		Handler: func(ctx context.Context, raw json.RawMessage) (map[string]any, error) {
			var args struct {
				Query     string     `json:"query"`
				PatientID flexString `json:"patient_id"`
				TopK      int        `json:"top_k"`
			}
			if err := decodeArgs(raw, &args); err != nil {
				return nil, err
			}
			resp, err := svcs.Hybrid.Hybrid(ctx, args.Query, args.TopK, documents.Filters{PatientID: string(args.PatientID)})
			if err != nil {
				return nil, err
			}
			return map[string]any{
				"results":              resp.Results,
				"count":                len(resp.Results),
				"document_search_mode": resp.DocumentMode,
				"graph_search_mode":    resp.GraphMode,
				"search_mode":          "hybrid",
				"fallback_reason":      resp.FallbackReason,
			}, nil
		},
	})

	r.Register(Tool{
		Name:        "get_document_details",
		Description: "Fetch one clinical document by id, including its full text.",
		Parameters: objectSchema([]string{"document_id"}, map[string]any{
			"document_id": prop("string", "Document id from a previous search"),
		}),
		Handler: func(ctx context.Context, raw json.RawMessage) (map[string]any, error) {
			var args struct {
				DocumentID flexString `json:"document_id"`
			}
			if err := decodeArgs(raw, &args); err != nil {
				return nil, err
			}
			doc, err := svcs.Documents.GetDocument(ctx, string(args.DocumentID))
			if err != nil {
				return nil, err
			}
			return map[string]any{"document": doc, "text": doc.ClinicalNotes}, nil
		},
	})

	r.Register(Tool{
		Name:        "search_medical_images",
		Description: "Search radiology images (chest X-rays) by text description using image embeddings.",
		Parameters: objectSchema([]string{"query"}, map[string]any{
			"query":         prop("string", "Description of the imaging finding, e.g. 'pneumonia in the right lung'"),
			"patient_id":    prop("string", "Restrict to one patient or MIMIC subject"),
			"view_position": prop("string", "Restrict to a view position such as PA, AP, or LATERAL"),
			"limit":         prop("integer", "Maximum images, default 10"),
		}),
		Handler: func(ctx context.Context, raw json.RawMessage) (map[string]any, error) {
			var args struct {
				Query        string     `json:"query"`
				PatientID    flexString `json:"patient_id"`
				ViewPosition string     `json:"view_position"`
				Limit        int        `json:"limit"`
			}
			if err := decodeArgs(raw, &args); err != nil {
				return nil, err
			}
			resp, err := svcs.Imaging.SearchImages(ctx, args.Query, args.Limit, imaging.Filters{
				PatientID:    string(args.PatientID),
				ViewPosition: args.ViewPosition,
			})
			if err != nil {
				return nil, err
			}
			return map[string]any{
				"images":          resp.Images,
				"count":           len(resp.Images),
				"search_mode":     resp.SearchMode,
				"fallback_reason": resp.FallbackReason,
			}, nil
		},
	})

	r.Register(Tool{
		Name:        "get_patient_imaging_studies",
		Description: "List the imaging studies of one patient, merged from the image store and the FHIR server.",
		Parameters: objectSchema([]string{"patient_id"}, map[string]any{
			"patient_id": prop("string", "FHIR patient id or MIMIC subject id"),
		}),
		Handler: func(ctx context.Context, raw json.RawMessage) (map[string]any, error) {
			var args struct {
				PatientID flexString `json:"patient_id"`
			}
			if err := decodeArgs(raw, &args); err != nil {
				return nil, err
			}
			studies, err := svcs.Imaging.PatientStudies(ctx, string(args.PatientID))
			if err != nil {
				return nil, err
			}
			return map[string]any{"patient_id": string(args.PatientID), "studies": studies, "count": len(studies)}, nil
		},
	})

	r.Register(Tool{
		Name:        "get_imaging_study_details",
		Description: "Fetch one imaging study with its image rows.",
		Parameters: objectSchema([]string{"study_id"}, map[string]any{
			"study_id": prop("string", "Study id, e.g. s50414267"),
		}),
		Handler: func(ctx context.Context, raw json.RawMessage) (map[string]any, error) {
			var args struct {
				StudyID flexString `json:"study_id"`
			}
			if err := decodeArgs(raw, &args); err != nil {
				return nil, err
			}
			details, err := svcs.Imaging.StudyDetails(ctx, string(args.StudyID))
			if err != nil {
				return nil, err
			}
			return map[string]any{"study": details.Study, "images": details.Images}, nil
		},
	})

	r.Register(Tool{
		Name:        "get_radiology_reports",
		Description: "Fetch the radiology DiagnosticReports of one patient from the FHIR server.",
		Parameters: objectSchema([]string{"patient_id"}, map[string]any{
			"patient_id": prop("string", "FHIR patient id"),
			"limit":      prop("integer", "Maximum reports, default 10"),
		}),
		Handler: func(ctx context.Context, raw json.RawMessage) (map[string]any, error) {
			var args struct {
				PatientID flexString `json:"patient_id"`
				Limit     int        `json:"limit"`
			}
			if err := decodeArgs(raw, &args); err != nil {
				return nil, err
			}
			reports, err := svcs.Imaging.Reports(ctx, string(args.PatientID), args.Limit)
			if err != nil {
				return nil, err
			}
			return map[string]any{"reports": reports, "count": len(reports)}, nil
		},
	})

	r.Register(Tool{
		Name:        "search_patients_with_imaging",
		Description: "List patients that have imaging data, with subject-to-patient mappings where assigned.",
		Parameters: objectSchema(nil, map[string]any{
			"limit": prop("integer", "Maximum patients, default 20"),
		}),
		Handler: func(ctx context.Context, raw json.RawMessage) (map[string]any, error) {
			var args struct {
				Limit int `json:"limit"`
			}
			if err := decodeArgs(raw, &args); err != nil {
				return nil, err
			}
			patients, err := svcs.Imaging.PatientsWithImaging(ctx, args.Limit)
			if err != nil {
				return nil, err
			}
			return map[string]any{"patients": patients, "count": len(patients)}, nil
		},
	})

	r.Register(Tool{
		Name:        "get_encounter_imaging",
		Description: "Find the imaging studies and images tied to one encounter.",
		Parameters: objectSchema([]string{"encounter_id"}, map[string]any{
			"encounter_id": prop("string", "FHIR encounter id"),
		}),
		Handler: func(ctx context.Context, raw json.RawMessage) (map[string]any, error) {
			var args struct {
				EncounterID flexString `json:"encounter_id"`
			}
			if err := decodeArgs(raw, &args); err != nil {
				return nil, err
			}
			enc, err := svcs.Imaging.EncounterImaging(ctx, string(args.EncounterID))
			if err != nil {
				return nil, err
			}
			return map[string]any{"encounter_id": enc.EncounterID, "studies": enc.Studies, "images": enc.Images}, nil
		},
	})

	r.Register(Tool{
		Name:        "list_radiology_queries",
		Description: "List example radiology questions this assistant can answer, optionally filtered by category.",
		Parameters: objectSchema(nil, map[string]any{
			"category": prop("string", "One of: patients, studies, reports, search"),
		}),
		Handler: func(ctx context.Context, raw json.RawMessage) (map[string]any, error) {
			var args struct {
				Category string `json:"category"`
			}
			if err := decodeArgs(raw, &args); err != nil {
				return nil, err
			}
			return map[string]any{"queries": imaging.Queries(args.Category)}, nil
		},
	})

	r.Register(Tool{
		Name:        "get_entity_statistics",
		Description: "High-level overview of the knowledge graph: entity and relationship counts by type, highest-degree entities.",
		Parameters:  objectSchema(nil, map[string]any{}),
		Handler: func(ctx context.Context, raw json.RawMessage) (map[string]any, error) {
			stats, err := svcs.Graph.Statistics(ctx)
			if err != nil {
				return nil, err
			}
			return map[string]any{"statistics": stats}, nil
		},
	})

	r.Register(Tool{
		Name:        "get_entity_relationships",
		Description: "List the typed relationships of one knowledge-graph entity, both outgoing and incoming.",
		Parameters: objectSchema([]string{"entity"}, map[string]any{
			"entity": prop("string", "Entity name, e.g. 'diabetes'"),
		}),
		Handler: func(ctx context.Context, raw json.RawMessage) (map[string]any, error) {
			var args struct {
				Entity string `json:"entity"`
			}
			if err := decodeArgs(raw, &args); err != nil {
				return nil, err
			}
			rels, err := svcs.Graph.Relationships(ctx, args.Entity)
			if err != nil {
				return nil, err
			}
			return map[string]any{"entity": rels.Entity, "outgoing": rels.Outgoing, "incoming": rels.Incoming}, nil
		},
	})
}

func registerVisualizationTools(r *Registry, svcs Services) {
	r.Register(Tool{
		Name:        "plot_symptom_frequency",
		Description: "Bar chart of the most frequently connected symptoms in the knowledge graph.",
		Parameters: objectSchema(nil, map[string]any{
			"limit": prop("integer", "Number of symptoms, default 10"),
		}),
		Handler: func(ctx context.Context, raw json.RawMessage) (map[string]any, error) {
			var args struct {
				Limit int `json:"limit"`
			}
			if err := decodeArgs(raw, &args); err != nil {
				return nil, err
			}
			top, err := svcs.Graph.TopEntities(ctx, graph.TypeSymptom, args.Limit)
			if err != nil {
				return nil, err
			}
			symptoms := make([]string, len(top))
			frequencies := make([]int64, len(top))
			for i, d := range top {
				symptoms[i] = d.Text
				frequencies[i] = d.Degree
			}
			return map[string]any{
				"chart_type": "bar",
				"title":      "Most frequent symptoms",
				"data":       map[string]any{"symptoms": symptoms, "frequencies": frequencies},
			}, nil
		},
	})

	r.Register(Tool{
		Name:        "plot_entity_distribution",
		Description: "Pie chart of knowledge-graph entities by type.",
		Parameters:  objectSchema(nil, map[string]any{}),
		Handler: func(ctx context.Context, raw json.RawMessage) (map[string]any, error) {
			stats, err := svcs.Graph.Statistics(ctx)
			if err != nil {
				return nil, err
			}
			types := make([]string, 0, len(stats.EntitiesByType))
			for t := range stats.EntitiesByType {
				types = append(types, t)
			}
			sort.Strings(types)
			counts := make([]int64, len(types))
			for i, t := range types {
				counts[i] = stats.EntitiesByType[t]
			}
			return map[string]any{
				"chart_type": "pie",
				"title":      "Entity distribution by type",
				"data":       map[string]any{"types": types, "counts": counts},
			}, nil
		},
	})

	r.Register(Tool{
		Name:        "plot_patient_timeline",
		Description: "Line chart of one patient's clinical documents per month.",
		Parameters: objectSchema([]string{"patient_id"}, map[string]any{
			"patient_id": prop("string", "FHIR patient id"),
		}),
		Handler: func(ctx context.Context, raw json.RawMessage) (map[string]any, error) {
			var args struct {
				PatientID flexString `json:"patient_id"`
			}
			if err := decodeArgs(raw, &args); err != nil {
				return nil, err
			}
			buckets, err := svcs.Documents.Timeline(ctx, string(args.PatientID))
			if err != nil {
				return nil, err
			}
			months := make([]string, len(buckets))
			counts := make([]int64, len(buckets))
			for i, b := range buckets {
				months[i] = b.Month
				counts[i] = b.Count
			}
			return map[string]any{
				"chart_type": "line",
				"title":      "Patient documentation timeline",
				"data":       map[string]any{"months": months, "counts": counts},
			}, nil
		},
	})

	r.Register(Tool{
		Name:        "plot_entity_network",
		Description: "Node-link diagram of the knowledge graph around one entity.",
		Parameters: objectSchema([]string{"entity"}, map[string]any{
			"entity": prop("string", "Entity name at the center of the network"),
			"depth":  prop("integer", "Traversal depth, 1 or 2 (default 2)"),
		}),
		Handler: func(ctx context.Context, raw json.RawMessage) (map[string]any, error) {
			var args struct {
				Entity string `json:"entity"`
				Depth  int    `json:"depth"`
			}
			if err := decodeArgs(raw, &args); err != nil {
				return nil, err
			}
			if args.Depth == 0 {
				args.Depth = graph.MaxTraversalDepth
			}
			sub, err := svcs.Graph.Network(ctx, args.Entity, args.Depth)
			if err != nil {
				return nil, err
			}
			return map[string]any{
				"chart_type": "network",
				"title":      "Entity network: " + strings.TrimSpace(args.Entity),
				"data": map[string]any{
					"root_entity_id": sub.RootID,
					"depth":          sub.Depth,
					"nodes":          sub.Nodes,
					"edges":          sub.Edges,
				},
			}, nil
		},
	})

	r.Register(Tool{
		Name:        "visualize_graphrag_results",
		Description: "Bar chart of fused hybrid-retrieval scores for a query, labeled with each document's evidence sources.",
		Parameters: objectSchema([]string{"query"}, map[string]any{
			"query": prop("string", "Free-text clinical query"),
			"top_k": prop("integer", "Maximum documents, default 10"),
		}),
		Handler: func(ctx context.Context, raw json.RawMessage) (map[string]any, error) {
			var args struct {
				Query string `json:"query"`
				TopK  int    `json:"top_k"`
			}
			if err := decodeArgs(raw, &args); err != nil {
				return nil, err
			}
			resp, err := svcs.Hybrid.Hybrid(ctx, args.Query, args.TopK, documents.Filters{})
			if err != nil {
				return nil, err
			}
			docs := make([]string, len(resp.Results))
			scores := make([]float64, len(resp.Results))
			sources := make([]string, len(resp.Results))
			for i, h := range resp.Results {
				docs[i] = h.DocID
				scores[i] = h.Score
				sources[i] = strings.Join(h.Sources, "+")
			}
			return map[string]any{
				"chart_type":  "bar",
				"title":       "Hybrid retrieval scores",
				"search_mode": "hybrid",
				"data":        map[string]any{"documents": docs, "fused_scores": scores, "sources": sources},
			}, nil
		},
	})
}

func registerMemoryTools(r *Registry, svcs Services) {
	r.Register(Tool{
		Name:        "remember_information",
		Description: "Store a fact in this session's memory for later turns.",
		Parameters: objectSchema([]string{"text"}, map[string]any{
			"text": prop("string", "The fact to remember"),
		}),
		Handler: func(ctx context.Context, raw json.RawMessage) (map[string]any, error) {
			var args struct {
				Text string `json:"text"`
			}
			if err := decodeArgs(raw, &args); err != nil {
				return nil, err
			}
			session := SessionFromContext(ctx)
			if session == "" {
				return nil, errs.Inputf("no active session")
			}
			if err := svcs.Memory.Remember(ctx, session, args.Text); err != nil {
				return nil, err
			}
			return map[string]any{"saved": true}, nil
		},
	})

	r.Register(Tool{
		Name:        "recall_information",
		Description: "Recall facts previously stored in this session's memory, ranked by similarity to the query.",
		Parameters: objectSchema([]string{"query"}, map[string]any{
			"query": prop("string", "What to look for"),
			"top_k": prop("integer", "Maximum memories, default 3"),
		}),
		Handler: func(ctx context.Context, raw json.RawMessage) (map[string]any, error) {
			var args struct {
				Query string `json:"query"`
				TopK  int    `json:"top_k"`
			}
			if err := decodeArgs(raw, &args); err != nil {
				return nil, err
			}
			session := SessionFromContext(ctx)
			if session == "" {
				return nil, errs.Inputf("no active session")
			}
			items, err := svcs.Memory.Recall(ctx, session, args.Query, args.TopK)
			if err != nil {
				return nil, err
			}
			return map[string]any{"memories": items, "count": len(items)}, nil
		},
	})

	r.Register(Tool{
		Name:        "get_memory_stats",
		Description: "Report how many facts this session's memory holds and its capacity.",
		Parameters:  objectSchema(nil, map[string]any{}),
		Handler: func(ctx context.Context, raw json.RawMessage) (map[string]any, error) {
			session := SessionFromContext(ctx)
			if session == "" {
				return nil, errs.Inputf("no active session")
			}
			stats := svcs.Memory.Stats(session)
			return map[string]any{"stats": stats}, nil
		},
	})
}
