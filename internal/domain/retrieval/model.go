// Package retrieval fuses document search and knowledge-graph search into
// one ranked result list by reciprocal-rank fusion.
package retrieval

// Source labels recorded in each fused hit's provenance set.
const (
	SourceFHIR = "fhir"
	SourceKG   = "kg"
)

// Fusion parameters. Document evidence outweighs graph evidence.
const (
	RRFK       = 60
	WeightFHIR = 1.0
	WeightKG   = 0.7
)

// DefaultTopK bounds fused results when the caller does not say otherwise.
const DefaultTopK = 10

// FusedHit is one document in the fused ranking. RawCosine keeps the best
// raw score either source produced for the document; Entities lists the
// graph entities that voted for it.
type FusedHit struct {
	DocID     string   `json:"document_id"`
	Score     float64  `json:"fused_score"`
	RawCosine float64  `json:"raw_cosine"`
	Sources   []string `json:"sources"`
	Snippet   string   `json:"snippet,omitempty"`
	Entities  []string `json:"entities,omitempty"`
}

// HybridResponse carries the fused ranking plus the modes each sub-search
// ran in.
type HybridResponse struct {
	Results        []FusedHit `json:"results"`
	DocumentMode   string     `json:"document_search_mode"`
	GraphMode      string     `json:"graph_search_mode"`
	FallbackReason string     `json:"fallback_reason,omitempty"`
}
