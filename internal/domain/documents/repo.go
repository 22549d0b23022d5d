package documents

import "context"

// Repository reads the clinical-note vector table. Scored results come back
// ordered best-first.
type Repository interface {
	// SemanticSearch ranks embedded documents by cosine similarity to vec.
	// The returned hits carry score = (1 + cosine) / 2.
	SemanticSearch(ctx context.Context, vec []float32, f Filters, topK int) ([]Hit, error)
	// LexicalSearch ranks documents by case-insensitive occurrence count of
	// query, normalizing scores against the best match.
	LexicalSearch(ctx context.Context, query string, f Filters, topK int) ([]Hit, error)
	GetByID(ctx context.Context, id string) (*Document, error)
	// TimelineByPatient buckets the patient's dated documents by calendar
	// month, oldest first.
	TimelineByPatient(ctx context.Context, patientID string) ([]TimelineBucket, error)
}
