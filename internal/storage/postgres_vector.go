package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"cortexmem/internal/storeerr"
)

// PostgresVectorStore implements VectorStore on top of pgvector, used as
// the L3 vector fallback when a dedicated Qdrant instance isn't configured.
// Each logical collection maps to its own embeddings_<collection> table.
type PostgresVectorStore struct {
	pool    *pgxpool.Pool
	metrics *Metrics
}

// NewPostgresVectorStore wraps an already-open pool.
func NewPostgresVectorStore(pool *pgxpool.Pool) *PostgresVectorStore {
	return &PostgresVectorStore{pool: pool, metrics: NewMetrics()}
}

func vectorTable(collection string) string {
	return "embeddings_" + sanitizeIdent(collection)
}

func sanitizeIdent(s string) string {
	var b strings.Builder
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' {
			b.WriteRune(r)
		} else {
			b.WriteRune('_')
		}
	}
	return b.String()
}

func (p *PostgresVectorStore) CreateCollection(ctx context.Context, name string, dimensions int, metric string) error {
	start := time.Now()
	if _, err := p.pool.Exec(ctx, `CREATE EXTENSION IF NOT EXISTS vector`); err != nil {
		p.metrics.Record(time.Since(start), "connection", 0, 0)
		return &storeerr.ConnectionError{Backend: "postgres-vector", Cause: err}
	}
	vecType := "vector"
	if dimensions > 0 {
		vecType = fmt.Sprintf("vector(%d)", dimensions)
	}
	table := vectorTable(name)
	_, err := p.pool.Exec(ctx, fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
  id TEXT PRIMARY KEY,
  vec %s,
  metadata JSONB NOT NULL DEFAULT '{}'::jsonb
)`, table, vecType))
	if err != nil {
		p.metrics.Record(time.Since(start), "query", 0, 0)
		return &storeerr.QueryError{Backend: "postgres-vector", Operation: "create_collection", Cause: err}
	}
	p.metrics.Record(time.Since(start), "", 0, 0)
	return nil
}

func (p *PostgresVectorStore) UpsertPoint(ctx context.Context, collection string, point VectorPoint) error {
	start := time.Now()
	table := vectorTable(collection)
	vecLit := toVectorLiteral(point.Vector)
	_, err := p.pool.Exec(ctx, fmt.Sprintf(`
INSERT INTO %s(id, vec, metadata) VALUES($1, $2::vector, $3)
ON CONFLICT (id) DO UPDATE SET vec=EXCLUDED.vec, metadata=EXCLUDED.metadata
`, table), point.ID, vecLit, point.Metadata)
	if err != nil {
		p.metrics.Record(time.Since(start), "query", len(point.Vector)*4, 0)
		return &storeerr.QueryError{Backend: "postgres-vector", Operation: "upsert_point", Cause: err}
	}
	p.metrics.Record(time.Since(start), "", len(point.Vector)*4, 0)
	return nil
}

func (p *PostgresVectorStore) SearchByVector(ctx context.Context, collection string, vector []float32, k int, filter map[string]string) ([]VectorResult, error) {
	start := time.Now()
	if k <= 0 {
		k = 10
	}
	table := vectorTable(collection)
	vecLit := toVectorLiteral(vector)
	args := []any{vecLit, k}
	where := ""
	if len(filter) > 0 {
		where = "WHERE metadata @> $3"
		args = append(args, filter)
	}
	query := fmt.Sprintf(`SELECT id, 1 - (vec <=> $1::vector) AS score, metadata FROM %s %s ORDER BY vec <=> $1::vector LIMIT $2`, table, where)
	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		p.metrics.Record(time.Since(start), "query", 0, 0)
		return nil, &storeerr.QueryError{Backend: "postgres-vector", Operation: "search_by_vector", Cause: err}
	}
	defer rows.Close()
	out := make([]VectorResult, 0, k)
	for rows.Next() {
		var r VectorResult
		var md map[string]string
		if err := rows.Scan(&r.ID, &r.Score, &md); err != nil {
			return nil, &storeerr.DataError{Backend: "postgres-vector", Detail: "scan row", Cause: err}
		}
		r.Metadata = md
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, &storeerr.QueryError{Backend: "postgres-vector", Operation: "search_by_vector", Cause: err}
	}
	p.metrics.Record(time.Since(start), "", 0, len(out))
	return out, nil
}

func (p *PostgresVectorStore) Scroll(ctx context.Context, collection string, limit int, offset string) ([]VectorPoint, string, error) {
	start := time.Now()
	if limit <= 0 {
		limit = 100
	}
	table := vectorTable(collection)
	query := fmt.Sprintf(`SELECT id, vec, metadata FROM %s WHERE id > $1 ORDER BY id LIMIT $2`, table)
	rows, err := p.pool.Query(ctx, query, offset, limit)
	if err != nil {
		p.metrics.Record(time.Since(start), "query", 0, 0)
		return nil, "", &storeerr.QueryError{Backend: "postgres-vector", Operation: "scroll", Cause: err}
	}
	defer rows.Close()
	var out []VectorPoint
	var lastID string
	for rows.Next() {
		var pt VectorPoint
		var vecLit string
		var md map[string]string
		if err := rows.Scan(&pt.ID, &vecLit, &md); err != nil {
			return nil, "", &storeerr.DataError{Backend: "postgres-vector", Detail: "scan row", Cause: err}
		}
		pt.Metadata = md
		out = append(out, pt)
		lastID = pt.ID
	}
	next := ""
	if len(out) == limit {
		next = lastID
	}
	p.metrics.Record(time.Since(start), "", 0, len(out))
	return out, next, nil
}

func (p *PostgresVectorStore) DeletePoints(ctx context.Context, collection string, ids ...string) error {
	start := time.Now()
	table := vectorTable(collection)
	_, err := p.pool.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id = ANY($1)`, table), ids)
	if err != nil {
		p.metrics.Record(time.Since(start), "query", 0, 0)
		return &storeerr.QueryError{Backend: "postgres-vector", Operation: "delete_points", Cause: err}
	}
	p.metrics.Record(time.Since(start), "", 0, 0)
	return nil
}

func (p *PostgresVectorStore) Metrics() *Metrics { return p.metrics }

func toVectorLiteral(v []float32) string {
	if len(v) == 0 {
		return "[]"
	}
	var b strings.Builder
	b.WriteByte('[')
	for i, x := range v {
		if i > 0 {
			b.WriteByte(',')
		}
		fmt.Fprintf(&b, "%g", x)
	}
	b.WriteByte(']')
	return b.String()
}
