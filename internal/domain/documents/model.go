// Package documents searches the clinical-note vectors extracted from FHIR
// DocumentReference resources. Dense search is the primary path; a lexical
// substring match covers stores without embeddings.
package documents

import (
	"strings"
	"time"
	"unicode/utf8"
)

// Search modes recorded on every response.
const (
	ModeSemantic = "semantic"
	ModeLexical  = "lexical"
)

const snippetLen = 200

// Document is one clinical note row. ClinicalNotes carries the full text;
// search responses expose a snippet instead.
type Document struct {
	DocID         string     `json:"document_id"`
	PatientID     string     `json:"patient_id,omitempty"`
	EncounterID   string     `json:"encounter_id,omitempty"`
	ResourceType  string     `json:"resource_type"`
	DocumentDate  *time.Time `json:"document_date,omitempty"`
	ClinicalNotes string     `json:"-"`
}

// Hit is one search result with its relevance score in [0,1].
type Hit struct {
	Document
	Score   float64 `json:"score"`
	Snippet string  `json:"snippet"`
}

// Response is an ordered result list plus the mode that produced it.
type Response struct {
	Results        []Hit  `json:"results"`
	SearchMode     string `json:"search_mode"`
	FallbackReason string `json:"fallback_reason,omitempty"`
}

// Filters narrows a search to one patient and/or a date range.
type Filters struct {
	PatientID string
	From      *time.Time
	To        *time.Time
}

// TimelineBucket is one month of a patient's documentation history.
type TimelineBucket struct {
	Month string `json:"month"`
	Count int64  `json:"count"`
}

// Snippet returns the leading part of the note, cut at a rune boundary.
func Snippet(text string) string {
	text = strings.TrimSpace(text)
	if utf8.RuneCountInString(text) <= snippetLen {
		return text
	}
	runes := []rune(text)
	return string(runes[:snippetLen]) + "..."
}
