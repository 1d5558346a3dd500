package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"cortexmem/internal/storeerr"
)

// PostgresRelationalStore adapts a pgx connection pool to the
// RelationalStore capability interface used by L1's cold-path backup and
// L2 working memory. Tables are addressed by name and assumed to already
// exist with an "id" primary key column; callers migrate schema themselves,
// mirroring the teacher's Init-on-construct
// pattern without hardcoding a fixed table set here.
type PostgresRelationalStore struct {
	pool    *pgxpool.Pool
	metrics *Metrics
}

// NewPostgresRelationalStore wraps an already-open pool.
func NewPostgresRelationalStore(pool *pgxpool.Pool) *PostgresRelationalStore {
	return &PostgresRelationalStore{pool: pool, metrics: NewMetrics()}
}

func (p *PostgresRelationalStore) Insert(ctx context.Context, table string, row map[string]any) error {
	start := time.Now()
	cols := make([]string, 0, len(row))
	placeholders := make([]string, 0, len(row))
	args := make([]any, 0, len(row))
	i := 1
	for k, v := range row {
		cols = append(cols, k)
		placeholders = append(placeholders, fmt.Sprintf("$%d", i))
		args = append(args, v)
		i++
	}
	query := fmt.Sprintf(`INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (id) DO NOTHING`,
		table, strings.Join(cols, ","), strings.Join(placeholders, ","))
	_, err := p.pool.Exec(ctx, query, args...)
	if err != nil {
		p.metrics.Record(time.Since(start), "query", 0, 0)
		return &storeerr.QueryError{Backend: "postgres", Operation: "insert:" + table, Cause: err}
	}
	p.metrics.Record(time.Since(start), "", 0, 0)
	return nil
}

func (p *PostgresRelationalStore) Update(ctx context.Context, table string, filters Filter, data map[string]any) (int, error) {
	start := time.Now()
	setClauses := make([]string, 0, len(data))
	args := make([]any, 0, len(data)+len(filters))
	i := 1
	for k, v := range data {
		setClauses = append(setClauses, fmt.Sprintf("%s=$%d", k, i))
		args = append(args, v)
		i++
	}
	whereClauses, whereArgs := buildWhere(filters, &i)
	args = append(args, whereArgs...)
	query := fmt.Sprintf(`UPDATE %s SET %s`, table, strings.Join(setClauses, ","))
	if len(whereClauses) > 0 {
		query += " WHERE " + strings.Join(whereClauses, " AND ")
	}
	tag, err := p.pool.Exec(ctx, query, args...)
	if err != nil {
		p.metrics.Record(time.Since(start), "query", 0, 0)
		return 0, &storeerr.QueryError{Backend: "postgres", Operation: "update:" + table, Cause: err}
	}
	p.metrics.Record(time.Since(start), "", 0, 0)
	return int(tag.RowsAffected()), nil
}

func (p *PostgresRelationalStore) Query(ctx context.Context, table string, filters Filter, orderBy string, limit int) ([]map[string]any, error) {
	start := time.Now()
	i := 1
	whereClauses, args := buildWhere(filters, &i)
	query := fmt.Sprintf(`SELECT * FROM %s`, table)
	if len(whereClauses) > 0 {
		query += " WHERE " + strings.Join(whereClauses, " AND ")
	}
	if orderBy != "" {
		query += " ORDER BY " + orderBy
	}
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		p.metrics.Record(time.Since(start), "query", 0, 0)
		return nil, &storeerr.QueryError{Backend: "postgres", Operation: "query:" + table, Cause: err}
	}
	defer rows.Close()
	fields := rows.FieldDescriptions()
	var out []map[string]any
	for rows.Next() {
		vals, err := rows.Values()
		if err != nil {
			return nil, &storeerr.DataError{Backend: "postgres", Detail: "scan row", Cause: err}
		}
		row := make(map[string]any, len(fields))
		for idx, f := range fields {
			row[string(f.Name)] = vals[idx]
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, &storeerr.QueryError{Backend: "postgres", Operation: "query:" + table, Cause: err}
	}
	p.metrics.Record(time.Since(start), "", 0, len(out))
	return out, nil
}

func (p *PostgresRelationalStore) DeleteByFilters(ctx context.Context, table string, filters Filter) (int, error) {
	start := time.Now()
	i := 1
	whereClauses, args := buildWhere(filters, &i)
	query := fmt.Sprintf(`DELETE FROM %s`, table)
	if len(whereClauses) > 0 {
		query += " WHERE " + strings.Join(whereClauses, " AND ")
	}
	tag, err := p.pool.Exec(ctx, query, args...)
	if err != nil {
		p.metrics.Record(time.Since(start), "query", 0, 0)
		return 0, &storeerr.QueryError{Backend: "postgres", Operation: "delete:" + table, Cause: err}
	}
	p.metrics.Record(time.Since(start), "", 0, 0)
	return int(tag.RowsAffected()), nil
}

func (p *PostgresRelationalStore) Execute(ctx context.Context, sql string, args ...any) error {
	start := time.Now()
	_, err := p.pool.Exec(ctx, sql, args...)
	if err != nil {
		p.metrics.Record(time.Since(start), "query", 0, 0)
		return &storeerr.QueryError{Backend: "postgres", Operation: "execute", Cause: err}
	}
	p.metrics.Record(time.Since(start), "", 0, 0)
	return nil
}

func (p *PostgresRelationalStore) Metrics() *Metrics { return p.metrics }

func buildWhere(filters Filter, counter *int) ([]string, []any) {
	clauses := make([]string, 0, len(filters))
	args := make([]any, 0, len(filters))
	for k, v := range filters {
		clauses = append(clauses, fmt.Sprintf("%s=$%d", k, *counter))
		args = append(args, v)
		*counter++
	}
	return clauses, args
}
