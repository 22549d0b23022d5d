package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// Vector dimensions are parameterized per column: clinical-note embeddings
// and knowledge-graph entity embeddings are 384-dimensional, image embeddings
// are 1024-dimensional. The two must never be conflated.
const (
	TextVectorDim  = 384
	ImageVectorDim = 1024
)

// schemaStatements is executed in order by EnsureTables. Every statement is
// idempotent (IF NOT EXISTS / ON CONFLICT-safe DDL) so the bootstrap can run
// at every startup: existing objects are left in place.
var schemaStatements = []string{
	`CREATE EXTENSION IF NOT EXISTS vector`,

	`CREATE SCHEMA IF NOT EXISTS rag`,
	`CREATE SCHEMA IF NOT EXISTS vectorsearch`,

	// Knowledge-graph nodes. (entity_text, entity_type) is the natural key.
	fmt.Sprintf(`CREATE TABLE IF NOT EXISTS rag.entities (
		entity_id    BIGSERIAL PRIMARY KEY,
		entity_text  VARCHAR(500) NOT NULL,
		entity_type  VARCHAR(50) NOT NULL,
		confidence   DOUBLE PRECISION NOT NULL DEFAULT %g,
		resource_id  VARCHAR(255),
		created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		CONSTRAINT entities_text_type_key UNIQUE (entity_text, entity_type)
	)`, 0.8),

	// Directed, typed edges between entities.
	fmt.Sprintf(`CREATE TABLE IF NOT EXISTS rag.entity_relationships (
		relationship_id   BIGSERIAL PRIMARY KEY,
		source_entity_id  BIGINT NOT NULL REFERENCES rag.entities(entity_id),
		target_entity_id  BIGINT NOT NULL REFERENCES rag.entities(entity_id),
		relationship_type VARCHAR(100) NOT NULL,
		confidence        DOUBLE PRECISION NOT NULL DEFAULT %g,
		resource_id       VARCHAR(255),
		created_at        TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		CONSTRAINT relationships_src_tgt_type_key UNIQUE (source_entity_id, target_entity_id, relationship_type)
	)`, 0.7),

	// Optional entity-text embeddings for semantic KG search. The graph is
	// searchable by substring match when this table is empty.
	fmt.Sprintf(`CREATE TABLE IF NOT EXISTS rag.entity_vectors (
		entity_id   BIGINT PRIMARY KEY REFERENCES rag.entities(entity_id),
		text_vector vector(%d)
	)`, TextVectorDim),

	// Clinical-note vectors produced by upstream DocumentReference ingestion.
	fmt.Sprintf(`CREATE TABLE IF NOT EXISTS vectorsearch.docref_vectors (
		doc_id         VARCHAR(255) PRIMARY KEY,
		patient_id     VARCHAR(255),
		encounter_id   VARCHAR(255),
		resource_type  VARCHAR(100) NOT NULL DEFAULT 'DocumentReference',
		document_date  TIMESTAMPTZ,
		clinical_notes TEXT,
		notes_vector   vector(%d)
	)`, TextVectorDim),

	// Radiology image vectors written by the ingestion pipeline.
	fmt.Sprintf(`CREATE TABLE IF NOT EXISTS vectorsearch.mimic_cxr_images (
		image_id         VARCHAR(128) PRIMARY KEY,
		subject_id       VARCHAR(20) NOT NULL,
		study_id         VARCHAR(20) NOT NULL,
		image_path       VARCHAR(500),
		view_position    VARCHAR(20),
		modality         VARCHAR(20),
		study_date       VARCHAR(20),
		vector           vector(%d),
		embedding_model  VARCHAR(100) NOT NULL DEFAULT 'nvidia/nvclip',
		fhir_resource_id VARCHAR(255),
		created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at       TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`, ImageVectorDim),

	// MIMIC subject to FHIR patient assignments.
	`CREATE TABLE IF NOT EXISTS vectorsearch.patient_image_mapping (
		mimic_subject_id  VARCHAR(20) PRIMARY KEY,
		fhir_patient_id   VARCHAR(255) NOT NULL,
		fhir_patient_name VARCHAR(255),
		match_confidence  DOUBLE PRECISION,
		match_type        VARCHAR(50),
		created_at        TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,

	// Scalar indexes.
	`CREATE INDEX IF NOT EXISTS idx_entities_type ON rag.entities(entity_type)`,
	`CREATE INDEX IF NOT EXISTS idx_entities_text ON rag.entities(LOWER(entity_text))`,
	`CREATE INDEX IF NOT EXISTS idx_relationships_source ON rag.entity_relationships(source_entity_id)`,
	`CREATE INDEX IF NOT EXISTS idx_relationships_target ON rag.entity_relationships(target_entity_id)`,
	`CREATE INDEX IF NOT EXISTS idx_docref_patient ON vectorsearch.docref_vectors(patient_id)`,
	`CREATE INDEX IF NOT EXISTS idx_cxr_subject ON vectorsearch.mimic_cxr_images(subject_id)`,
	`CREATE INDEX IF NOT EXISTS idx_cxr_study ON vectorsearch.mimic_cxr_images(study_id)`,
	`CREATE INDEX IF NOT EXISTS idx_cxr_view ON vectorsearch.mimic_cxr_images(view_position)`,
	`CREATE INDEX IF NOT EXISTS idx_cxr_fhir ON vectorsearch.mimic_cxr_images(fhir_resource_id)`,

	// Approximate-nearest-neighbor indexes, cosine metric.
	`CREATE INDEX IF NOT EXISTS idx_docref_vector_hnsw ON vectorsearch.docref_vectors
		USING hnsw (notes_vector vector_cosine_ops) WITH (m = 16, ef_construction = 100)`,
	`CREATE INDEX IF NOT EXISTS idx_cxr_vector_hnsw ON vectorsearch.mimic_cxr_images
		USING hnsw (vector vector_cosine_ops) WITH (m = 16, ef_construction = 100)`,
	`CREATE INDEX IF NOT EXISTS idx_entity_vector_hnsw ON rag.entity_vectors
		USING hnsw (text_vector vector_cosine_ops) WITH (m = 16, ef_construction = 100)`,
}

// EnsureTables creates the schemas, tables, and indexes the service depends
// on. Safe to call at every startup.
func EnsureTables(ctx context.Context, pool *pgxpool.Pool, logger zerolog.Logger) error {
	for _, stmt := range schemaStatements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure tables: %w", err)
		}
	}
	logger.Debug().Int("statements", len(schemaStatements)).Msg("schema bootstrap complete")
	return nil
}
