package imaging

import "context"

// Repository is the persistence boundary for image vectors and subject
// mappings. Get methods return (nil, nil) when the row does not exist.
type Repository interface {
	SemanticSearch(ctx context.Context, vec []float32, f Filters, topK int) ([]Hit, error)

	StudiesByPatient(ctx context.Context, patientID string) ([]Study, error)
	StudyByID(ctx context.Context, studyID string) (*StudyDetails, error)
	PatientsWithImaging(ctx context.Context, limit int) ([]PatientImaging, error)
	ImagesByFHIRResourceIDs(ctx context.Context, ids []string) ([]Image, error)

	// Ingestion-facing operations.
	ExistingImageIDs(ctx context.Context) (map[string]bool, error)
	UpsertImage(ctx context.Context, img *Image, vec []float32) error
	SetFHIRResource(ctx context.Context, imageID, fhirResourceID string) error
	CountImages(ctx context.Context) (int64, error)

	GetMapping(ctx context.Context, subjectID string) (*Mapping, error)
	UpsertMapping(ctx context.Context, m *Mapping) error
}
