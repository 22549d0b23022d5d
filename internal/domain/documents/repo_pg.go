package documents

import (
	"context"
	"errors"
	"fmt"

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

const docCols = `doc_id, COALESCE(patient_id, ''), COALESCE(encounter_id, ''),
	resource_type, document_date, COALESCE(clinical_notes, '')`

func (r *repoPG) SemanticSearch(ctx context.Context, vec []float32, f Filters, topK int) ([]Hit, error) {
	args := []interface{}{pgvector.NewVector(vec)}
	where := `notes_vector IS NOT NULL`
	where, args = appendFilters(where, args, f)
	args = append(args, topK)

	rows, err := r.conn(ctx).Query(ctx, fmt.Sprintf(`
		SELECT `+docCols+`,
		       (2 - (notes_vector <=> $1::vector)) / 2 AS score
		FROM vectorsearch.docref_vectors
		WHERE %s
		ORDER BY notes_vector <=> $1::vector, doc_id
		LIMIT $%d`, where, len(args)),
		args...)
	if err != nil {
		return nil, fmt.Errorf("semantic document search: %w", err)
	}
	defer rows.Close()
	return collectHits(rows)
}

func (r *repoPG) LexicalSearch(ctx context.Context, query string, f Filters, topK int) ([]Hit, error) {
	args := []interface{}{query}
	where := `clinical_notes IS NOT NULL AND position(lower($1) in lower(clinical_notes)) > 0`
	where, args = appendFilters(where, args, f)
	args = append(args, topK)

	rows, err := r.conn(ctx).Query(ctx, fmt.Sprintf(`
		SELECT `+docCols+`,
		       ((length(lower(clinical_notes)) - length(replace(lower(clinical_notes), lower($1), ''))) / length($1))::float8 AS score
		FROM vectorsearch.docref_vectors
		WHERE %s
		ORDER BY score DESC, doc_id
		LIMIT $%d`, where, len(args)),
		args...)
	if err != nil {
		return nil, fmt.Errorf("lexical document search: %w", err)
	}
	defer rows.Close()

	hits, err := collectHits(rows)
	if err != nil {
		return nil, err
	}
	// Normalize occurrence counts against the best match.
	if len(hits) > 0 && hits[0].Score > 0 {
		max := hits[0].Score
		for i := range hits {
			hits[i].Score /= max
		}
	}
	return hits, nil
}

func (r *repoPG) GetByID(ctx context.Context, id string) (*Document, error) {
	doc := &Document{}
	err := r.conn(ctx).QueryRow(ctx,
		`SELECT `+docCols+` FROM vectorsearch.docref_vectors WHERE doc_id = $1`, id).
		Scan(&doc.DocID, &doc.PatientID, &doc.EncounterID, &doc.ResourceType, &doc.DocumentDate, &doc.ClinicalNotes)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get document %s: %w", id, err)
	}
	return doc, nil
}

func (r *repoPG) TimelineByPatient(ctx context.Context, patientID string) ([]TimelineBucket, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT to_char(document_date, 'YYYY-MM') AS month, COUNT(*)
		FROM vectorsearch.docref_vectors
		WHERE patient_id = $1 AND document_date IS NOT NULL
		GROUP BY month
		ORDER BY month`,
		patientID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var buckets []TimelineBucket
	for rows.Next() {
		var b TimelineBucket
		if err := rows.Scan(&b.Month, &b.Count); err != nil {
			return nil, fmt.Errorf("scan timeline bucket: %w", err)
		}
		buckets = append(buckets, b)
	}
	return buckets, rows.Err()
}

func appendFilters(where string, args []interface{}, f Filters) (string, []interface{}) {
	if f.PatientID != "" {
		args = append(args, f.PatientID)
		where += fmt.Sprintf(" AND patient_id = $%d", len(args))
	}
	if f.From != nil {
		args = append(args, *f.From)
		where += fmt.Sprintf(" AND document_date >= $%d", len(args))
	}
	if f.To != nil {
		args = append(args, *f.To)
		where += fmt.Sprintf(" AND document_date <= $%d", len(args))
	}
	return where, args
}

func collectHits(rows pgx.Rows) ([]Hit, error) {
	var hits []Hit
	for rows.Next() {
		var h Hit
		if err := rows.Scan(&h.DocID, &h.PatientID, &h.EncounterID, &h.ResourceType,
			&h.DocumentDate, &h.ClinicalNotes, &h.Score); err != nil {
			return nil, fmt.Errorf("scan document hit: %w", err)
		}
		h.Snippet = Snippet(h.ClinicalNotes)
		hits = append(hits, h)
	}
	return hits, rows.Err()
}
