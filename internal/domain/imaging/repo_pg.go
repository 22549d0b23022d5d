package imaging

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"github.com/clinrag/clinrag/internal/platform/db"
)

type repoPG struct {
	pool *pgxpool.Pool
}

func NewRepo(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

func (r *repoPG) conn(ctx context.Context) querier {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

const imageCols = `image_id, subject_id, study_id, COALESCE(image_path, ''),
	COALESCE(view_position, ''), COALESCE(modality, ''), COALESCE(study_date, ''),
	COALESCE(fhir_resource_id, '')`

func (r *repoPG) SemanticSearch(ctx context.Context, vec []float32, f Filters, topK int) ([]Hit, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT i.image_id, i.subject_id, i.study_id, COALESCE(i.image_path, ''),
		       COALESCE(i.view_position, ''), COALESCE(i.modality, ''), COALESCE(i.study_date, ''),
		       COALESCE(i.fhir_resource_id, ''),
		       COALESCE(m.fhir_patient_id, ''), COALESCE(m.fhir_patient_name, ''),
		       (2 - (i.vector <=> $1::vector)) / 2 AS score
		FROM vectorsearch.mimic_cxr_images i
		LEFT JOIN vectorsearch.patient_image_mapping m ON m.mimic_subject_id = i.subject_id
		WHERE i.vector IS NOT NULL
		  AND ($2 = '' OR i.subject_id = $2 OR m.fhir_patient_id = $2)
		  AND ($3 = '' OR UPPER(i.view_position) = UPPER($3))
		ORDER BY i.vector <=> $1::vector, i.image_id
		LIMIT $4`,
		pgvector.NewVector(vec), f.PatientID, f.ViewPosition, topK)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var hits []Hit
	for rows.Next() {
		var h Hit
		if err := rows.Scan(&h.ImageID, &h.SubjectID, &h.StudyID, &h.ImagePath,
			&h.ViewPosition, &h.Modality, &h.StudyDate, &h.FHIRResourceID,
			&h.PatientID, &h.PatientName, &h.Score); err != nil {
			return nil, err
		}
		hits = append(hits, h)
	}
	return hits, rows.Err()
}

// StudiesByPatient accepts either a MIMIC subject id or a mapped FHIR
// patient id.
func (r *repoPG) StudiesByPatient(ctx context.Context, patientID string) ([]Study, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT i.study_id, i.subject_id,
		       MAX(COALESCE(i.study_date, '')), MAX(COALESCE(i.modality, '')),
		       ARRAY_AGG(DISTINCT i.view_position) FILTER (WHERE i.view_position IS NOT NULL),
		       COUNT(*), MAX(COALESCE(i.fhir_resource_id, ''))
		FROM vectorsearch.mimic_cxr_images i
		WHERE i.subject_id = $1
		   OR i.subject_id IN (
			SELECT mimic_subject_id FROM vectorsearch.patient_image_mapping
			WHERE fhir_patient_id = $1)
		GROUP BY i.study_id, i.subject_id
		ORDER BY MAX(COALESCE(i.study_date, '')) DESC, i.study_id`,
		patientID)
	if err != nil {
		return nil, err
	}
	return collectStudies(rows)
}

func (r *repoPG) StudyByID(ctx context.Context, studyID string) (*StudyDetails, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+imageCols+` FROM vectorsearch.mimic_cxr_images WHERE study_id = $1 ORDER BY image_id`,
		studyID)
	if err != nil {
		return nil, err
	}
	images, err := collectImages(rows)
	if err != nil {
		return nil, err
	}
	if len(images) == 0 {
		return nil, nil
	}

	details := &StudyDetails{
		Study: Study{
			StudyID:    studyID,
			SubjectID:  images[0].SubjectID,
			ImageCount: len(images),
		},
		Images: images,
	}
	seen := map[string]bool{}
	for _, img := range images {
		if details.StudyDate == "" {
			details.StudyDate = img.StudyDate
		}
		if details.Modality == "" {
			details.Modality = img.Modality
		}
		if details.FHIRResourceID == "" {
			details.FHIRResourceID = img.FHIRResourceID
		}
		if img.ViewPosition != "" && !seen[img.ViewPosition] {
			seen[img.ViewPosition] = true
			details.ViewPositions = append(details.ViewPositions, img.ViewPosition)
		}
	}
	return details, nil
}

func (r *repoPG) PatientsWithImaging(ctx context.Context, limit int) ([]PatientImaging, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT i.subject_id,
		       COALESCE(m.fhir_patient_id, ''), COALESCE(m.fhir_patient_name, ''),
		       COALESCE(m.match_type, ''), COALESCE(m.match_confidence, 0),
		       COUNT(DISTINCT i.study_id), COUNT(*)
		FROM vectorsearch.mimic_cxr_images i
		LEFT JOIN vectorsearch.patient_image_mapping m ON m.mimic_subject_id = i.subject_id
		GROUP BY i.subject_id, m.fhir_patient_id, m.fhir_patient_name, m.match_type, m.match_confidence
		ORDER BY COUNT(*) DESC, i.subject_id
		LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []PatientImaging
	for rows.Next() {
		var p PatientImaging
		if err := rows.Scan(&p.SubjectID, &p.PatientID, &p.PatientName,
			&p.MatchType, &p.Confidence, &p.StudyCount, &p.ImageCount); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (r *repoPG) ImagesByFHIRResourceIDs(ctx context.Context, ids []string) ([]Image, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+imageCols+` FROM vectorsearch.mimic_cxr_images WHERE fhir_resource_id = ANY($1) ORDER BY image_id`,
		ids)
	if err != nil {
		return nil, err
	}
	return collectImages(rows)
}

func (r *repoPG) ExistingImageIDs(ctx context.Context) (map[string]bool, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT image_id FROM vectorsearch.mimic_cxr_images`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ids := map[string]bool{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids[id] = true
	}
	return ids, rows.Err()
}

func (r *repoPG) UpsertImage(ctx context.Context, img *Image, vec []float32) error {
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO vectorsearch.mimic_cxr_images
			(image_id, subject_id, study_id, image_path, view_position, modality, study_date, vector, embedding_model)
		VALUES ($1, $2, $3, NULLIF($4, ''), NULLIF($5, ''), NULLIF($6, ''), NULLIF($7, ''), $8,
			COALESCE(NULLIF($9, ''), 'nvidia/nvclip'))
		ON CONFLICT (image_id) DO UPDATE SET
			subject_id = EXCLUDED.subject_id,
			study_id = EXCLUDED.study_id,
			image_path = EXCLUDED.image_path,
			view_position = EXCLUDED.view_position,
			modality = EXCLUDED.modality,
			study_date = EXCLUDED.study_date,
			vector = EXCLUDED.vector,
			embedding_model = EXCLUDED.embedding_model,
			updated_at = NOW()`,
		img.ImageID, img.SubjectID, img.StudyID, img.ImagePath,
		img.ViewPosition, img.Modality, img.StudyDate,
		pgvector.NewVector(vec), img.EmbeddingModel)
	return err
}

func (r *repoPG) SetFHIRResource(ctx context.Context, imageID, fhirResourceID string) error {
	_, err := r.conn(ctx).Exec(ctx, `
		UPDATE vectorsearch.mimic_cxr_images
		SET fhir_resource_id = $2, updated_at = NOW()
		WHERE image_id = $1`,
		imageID, fhirResourceID)
	return err
}

func (r *repoPG) CountImages(ctx context.Context) (int64, error) {
	var n int64
	err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM vectorsearch.mimic_cxr_images`).Scan(&n)
	return n, err
}

func (r *repoPG) GetMapping(ctx context.Context, subjectID string) (*Mapping, error) {
	var m Mapping
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT mimic_subject_id, fhir_patient_id, COALESCE(fhir_patient_name, ''),
		       COALESCE(match_confidence, 0), COALESCE(match_type, '')
		FROM vectorsearch.patient_image_mapping
		WHERE mimic_subject_id = $1`,
		subjectID).Scan(&m.SubjectID, &m.PatientID, &m.PatientName, &m.Confidence, &m.MatchType)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (r *repoPG) UpsertMapping(ctx context.Context, m *Mapping) error {
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO vectorsearch.patient_image_mapping
			(mimic_subject_id, fhir_patient_id, fhir_patient_name, match_confidence, match_type)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5)
		ON CONFLICT (mimic_subject_id) DO UPDATE SET
			fhir_patient_id = EXCLUDED.fhir_patient_id,
			fhir_patient_name = EXCLUDED.fhir_patient_name,
			match_confidence = EXCLUDED.match_confidence,
			match_type = EXCLUDED.match_type`,
		m.SubjectID, m.PatientID, m.PatientName, m.Confidence, m.MatchType)
	return err
}

func collectImages(rows pgx.Rows) ([]Image, error) {
	defer rows.Close()
	var images []Image
	for rows.Next() {
		var img Image
		if err := rows.Scan(&img.ImageID, &img.SubjectID, &img.StudyID, &img.ImagePath,
			&img.ViewPosition, &img.Modality, &img.StudyDate, &img.FHIRResourceID); err != nil {
			return nil, err
		}
		images = append(images, img)
	}
	return images, rows.Err()
}

func collectStudies(rows pgx.Rows) ([]Study, error) {
	defer rows.Close()
	var studies []Study
	for rows.Next() {
		var s Study
		var views []string
		if err := rows.Scan(&s.StudyID, &s.SubjectID, &s.StudyDate, &s.Modality,
			&views, &s.ImageCount, &s.FHIRResourceID); err != nil {
			return nil, err
		}
		s.ViewPositions = views
		studies = append(studies, s)
	}
	return studies, rows.Err()
}
