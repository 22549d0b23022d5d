// Package imaging searches the radiology image vectors ingested from
// MIMIC-CXR and resolves them against FHIR imaging resources. The store is
// vectorsearch.mimic_cxr_images plus the subject-to-patient assignments in
// vectorsearch.patient_image_mapping.
package imaging

// Match types recorded on patient mappings.
const (
	MatchRandomAssignment = "random_assignment"
	MatchSyntheaGenerated = "synthea_generated"
)

// DefaultTopK bounds image search results when the caller does not say
// otherwise.
const DefaultTopK = 10

// Image is one radiology image row. EmbeddingModel names the model that
// produced the stored vector.
type Image struct {
	ImageID        string `json:"image_id"`
	SubjectID      string `json:"subject_id"`
	StudyID        string `json:"study_id"`
	ImagePath      string `json:"image_path,omitempty"`
	ViewPosition   string `json:"view_position,omitempty"`
	Modality       string `json:"modality,omitempty"`
	StudyDate      string `json:"study_date,omitempty"`
	FHIRResourceID string `json:"fhir_resource_id,omitempty"`
	EmbeddingModel string `json:"-"`
}

// Hit is one search result. PatientID and PatientName come from the subject
// mapping when one exists.
type Hit struct {
	Image
	Score       float64 `json:"similarity_score"`
	PatientID   string  `json:"patient_id,omitempty"`
	PatientName string  `json:"patient_name,omitempty"`
}

// Response is an ordered image result list.
type Response struct {
	Images         []Hit  `json:"images"`
	SearchMode     string `json:"search_mode"`
	FallbackReason string `json:"fallback_reason,omitempty"`
}

// Filters narrows an image search. PatientID matches either the raw MIMIC
// subject id or the mapped FHIR patient id.
type Filters struct {
	PatientID    string
	ViewPosition string
}

// Study summarizes the images of one imaging study. Description and Status
// are filled from FHIR when the study has been materialized there.
type Study struct {
	StudyID        string   `json:"study_id"`
	SubjectID      string   `json:"subject_id"`
	StudyDate      string   `json:"study_date,omitempty"`
	Modality       string   `json:"modality,omitempty"`
	ViewPositions  []string `json:"view_positions,omitempty"`
	ImageCount     int      `json:"image_count"`
	FHIRResourceID string   `json:"fhir_resource_id,omitempty"`
	Description    string   `json:"description,omitempty"`
	Status         string   `json:"status,omitempty"`
}

// StudyDetails is one study with its image rows.
type StudyDetails struct {
	Study
	Images []Image `json:"images"`
}

// PatientImaging summarizes one subject holding images, with mapping info
// when assigned.
type PatientImaging struct {
	SubjectID   string  `json:"subject_id"`
	PatientID   string  `json:"patient_id,omitempty"`
	PatientName string  `json:"patient_name,omitempty"`
	MatchType   string  `json:"match_type,omitempty"`
	Confidence  float64 `json:"match_confidence,omitempty"`
	StudyCount  int64   `json:"study_count"`
	ImageCount  int64   `json:"image_count"`
}

// Mapping assigns a MIMIC subject to a FHIR patient.
type Mapping struct {
	SubjectID   string  `json:"mimic_subject_id"`
	PatientID   string  `json:"fhir_patient_id"`
	PatientName string  `json:"fhir_patient_name,omitempty"`
	Confidence  float64 `json:"match_confidence"`
	MatchType   string  `json:"match_type"`
}

// Report is one radiology DiagnosticReport projected for tool output.
type Report struct {
	ReportID   string `json:"report_id"`
	Status     string `json:"status,omitempty"`
	Effective  string `json:"effective_time,omitempty"`
	Conclusion string `json:"conclusion,omitempty"`
	StudyID    string `json:"study_id,omitempty"`
}

// EncounterImaging is everything imaging-related found for one encounter.
type EncounterImaging struct {
	EncounterID string  `json:"encounter_id"`
	Studies     []Study `json:"studies"`
	Images      []Image `json:"images"`
}
