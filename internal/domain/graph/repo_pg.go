package graph

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

const entityCols = `entity_id, entity_text, entity_type, confidence, COALESCE(resource_id, '')`

func (r *repoPG) SemanticSearch(ctx context.Context, vec []float32, limit int) ([]Hit, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT e.entity_id, e.entity_text, e.entity_type, e.confidence, COALESCE(e.resource_id, ''),
		       (2 - (v.text_vector <=> $1::vector)) / 2 AS score
		FROM rag.entity_vectors v
		JOIN rag.entities e ON e.entity_id = v.entity_id
		WHERE v.text_vector IS NOT NULL
		ORDER BY v.text_vector <=> $1::vector, e.entity_id
		LIMIT $2`,
		pgvector.NewVector(vec), limit)
	if err != nil {
		return nil, err
	}
	return collectHits(rows)
}

// LexicalSearch matches the query as a literal substring and ranks by
// extraction confidence. position() avoids LIKE metacharacter surprises.
func (r *repoPG) LexicalSearch(ctx context.Context, query string, limit int) ([]Hit, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+entityCols+`, confidence AS score
		FROM rag.entities
		WHERE position(lower($1) in lower(entity_text)) > 0
		ORDER BY confidence DESC, entity_id
		LIMIT $2`,
		query, limit)
	if err != nil {
		return nil, err
	}
	return collectHits(rows)
}

func (r *repoPG) GetEntity(ctx context.Context, id int64) (*Entity, error) {
	return scanEntityRow(r.conn(ctx).QueryRow(ctx,
		`SELECT `+entityCols+` FROM rag.entities WHERE entity_id = $1`, id))
}

// FindEntityByText resolves an entity reference the way users type them:
// exact case-insensitive match first, best substring match second.
func (r *repoPG) FindEntityByText(ctx context.Context, text string) (*Entity, error) {
	e, err := scanEntityRow(r.conn(ctx).QueryRow(ctx, `
		SELECT `+entityCols+` FROM rag.entities
		WHERE lower(entity_text) = lower($1)
		ORDER BY confidence DESC, entity_id
		LIMIT 1`, text))
	if err != nil || e != nil {
		return e, err
	}
	return scanEntityRow(r.conn(ctx).QueryRow(ctx, `
		SELECT `+entityCols+` FROM rag.entities
		WHERE position(lower($1) in lower(entity_text)) > 0
		ORDER BY confidence DESC, entity_id
		LIMIT 1`, text))
}

func (r *repoPG) EntitiesByIDs(ctx context.Context, ids []int64) ([]Entity, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+entityCols+` FROM rag.entities WHERE entity_id = ANY($1) ORDER BY entity_id`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entities []Entity
	for rows.Next() {
		var e Entity
		if err := rows.Scan(&e.ID, &e.Text, &e.Type, &e.Confidence, &e.ResourceID); err != nil {
			return nil, err
		}
		entities = append(entities, e)
	}
	return entities, rows.Err()
}

func (r *repoPG) EdgesTouching(ctx context.Context, ids []int64) ([]Relationship, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT relationship_id, source_entity_id, target_entity_id, relationship_type, confidence, COALESCE(resource_id, '')
		FROM rag.entity_relationships
		WHERE source_entity_id = ANY($1) OR target_entity_id = ANY($1)
		ORDER BY relationship_id`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rels []Relationship
	for rows.Next() {
		var rel Relationship
		if err := rows.Scan(&rel.ID, &rel.SourceID, &rel.TargetID, &rel.Type, &rel.Confidence, &rel.ResourceID); err != nil {
			return nil, err
		}
		rels = append(rels, rel)
	}
	return rels, rows.Err()
}

func (r *repoPG) OutgoingNeighbors(ctx context.Context, id int64) ([]Neighbor, error) {
	return r.neighbors(ctx, `
		SELECT r.relationship_type, r.confidence,
		       e.entity_id, e.entity_text, e.entity_type, e.confidence, COALESCE(e.resource_id, '')
		FROM rag.entity_relationships r
		JOIN rag.entities e ON e.entity_id = r.target_entity_id
		WHERE r.source_entity_id = $1
		ORDER BY r.confidence DESC, r.relationship_id`, id)
}

func (r *repoPG) IncomingNeighbors(ctx context.Context, id int64) ([]Neighbor, error) {
	return r.neighbors(ctx, `
		SELECT r.relationship_type, r.confidence,
		       e.entity_id, e.entity_text, e.entity_type, e.confidence, COALESCE(e.resource_id, '')
		FROM rag.entity_relationships r
		JOIN rag.entities e ON e.entity_id = r.source_entity_id
		WHERE r.target_entity_id = $1
		ORDER BY r.confidence DESC, r.relationship_id`, id)
}

func (r *repoPG) neighbors(ctx context.Context, sql string, id int64) ([]Neighbor, error) {
	rows, err := r.conn(ctx).Query(ctx, sql, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Neighbor
	for rows.Next() {
		var n Neighbor
		if err := rows.Scan(&n.RelationshipType, &n.Confidence,
			&n.Entity.ID, &n.Entity.Text, &n.Entity.Type, &n.Entity.Confidence, &n.Entity.ResourceID); err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func (r *repoPG) Stats(ctx context.Context) (*Stats, error) {
	st := &Stats{
		EntitiesByType:      map[string]int64{},
		RelationshipsByType: map[string]int64{},
	}

	rows, err := r.conn(ctx).Query(ctx,
		`SELECT entity_type, COUNT(*) FROM rag.entities GROUP BY entity_type`)
	if err != nil {
		return nil, err
	}
	if err := collectCounts(rows, st.EntitiesByType, &st.TotalEntities); err != nil {
		return nil, err
	}

	rows, err = r.conn(ctx).Query(ctx,
		`SELECT relationship_type, COUNT(*) FROM rag.entity_relationships GROUP BY relationship_type`)
	if err != nil {
		return nil, err
	}
	if err := collectCounts(rows, st.RelationshipsByType, &st.TotalRelationships); err != nil {
		return nil, err
	}

	st.TopEntities, err = r.TopByDegree(ctx, "", 10)
	if err != nil {
		return nil, err
	}
	return st, nil
}

func (r *repoPG) TopByDegree(ctx context.Context, entityType string, limit int) ([]DegreeEntity, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT e.entity_id, e.entity_text, e.entity_type, e.confidence, COALESCE(e.resource_id, ''),
		       COUNT(*) AS degree
		FROM rag.entities e
		JOIN rag.entity_relationships r
		  ON r.source_entity_id = e.entity_id OR r.target_entity_id = e.entity_id
		WHERE $1 = '' OR e.entity_type = $1
		GROUP BY e.entity_id
		ORDER BY degree DESC, e.entity_id
		LIMIT $2`,
		entityType, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []DegreeEntity
	for rows.Next() {
		var d DegreeEntity
		if err := rows.Scan(&d.ID, &d.Text, &d.Type, &d.Confidence, &d.ResourceID, &d.Degree); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (r *repoPG) CountEntities(ctx context.Context) (int64, error) {
	var n int64
	err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM rag.entities`).Scan(&n)
	return n, err
}

func (r *repoPG) EnsureEntity(ctx context.Context, e *Entity) (int64, bool, error) {
	var id int64
	err := r.conn(ctx).QueryRow(ctx,
		`SELECT entity_id FROM rag.entities WHERE entity_text = $1 AND entity_type = $2`,
		e.Text, e.Type).Scan(&id)
	if err == nil {
		return id, false, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, false, err
	}

	err = r.conn(ctx).QueryRow(ctx, `
		INSERT INTO rag.entities (entity_text, entity_type, confidence, resource_id)
		VALUES ($1, $2, $3, NULLIF($4, ''))
		ON CONFLICT (entity_text, entity_type) DO NOTHING
		RETURNING entity_id`,
		e.Text, e.Type, e.Confidence, e.ResourceID).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		// Lost an insert race; the row exists now.
		err = r.conn(ctx).QueryRow(ctx,
			`SELECT entity_id FROM rag.entities WHERE entity_text = $1 AND entity_type = $2`,
			e.Text, e.Type).Scan(&id)
		return id, false, err
	}
	if err != nil {
		return 0, false, err
	}
	return id, true, nil
}

func (r *repoPG) EnsureRelationship(ctx context.Context, rel *Relationship) (bool, error) {
	var id int64
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT relationship_id FROM rag.entity_relationships
		WHERE source_entity_id = $1 AND target_entity_id = $2 AND relationship_type = $3`,
		rel.SourceID, rel.TargetID, rel.Type).Scan(&id)
	if err == nil {
		return false, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return false, err
	}

	tag, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO rag.entity_relationships (source_entity_id, target_entity_id, relationship_type, confidence, resource_id)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''))
		ON CONFLICT (source_entity_id, target_entity_id, relationship_type) DO NOTHING`,
		rel.SourceID, rel.TargetID, rel.Type, rel.Confidence, rel.ResourceID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func scanEntityRow(row pgx.Row) (*Entity, error) {
	var e Entity
	err := row.Scan(&e.ID, &e.Text, &e.Type, &e.Confidence, &e.ResourceID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func collectHits(rows pgx.Rows) ([]Hit, error) {
	defer rows.Close()
	var hits []Hit
	for rows.Next() {
		var h Hit
		if err := rows.Scan(&h.ID, &h.Text, &h.Type, &h.Confidence, &h.ResourceID, &h.Score); err != nil {
			return nil, err
		}
		hits = append(hits, h)
	}
	return hits, rows.Err()
}

func collectCounts(rows pgx.Rows, into map[string]int64, total *int64) error {
	defer rows.Close()
	for rows.Next() {
		var key string
		var n int64
		if err := rows.Scan(&key, &n); err != nil {
			return err
		}
		into[key] = n
		*total += n
	}
	return rows.Err()
}
