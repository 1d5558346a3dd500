// Package storage defines the narrow, per-backend-kind capability
// interfaces tiers depend on (KV, relational, vector, graph, full-text),
// plus concrete adapters and in-memory fakes of each. Tiers never depend
// on a concrete backend type, only on the capability interface they need,
// following the abstract-base-class-as-capability-interface design note.
package storage

import (
	"context"
	"time"
)

// KVStore is the capability interface backing L1's hot path: pipelined
// list operations plus key expiry.
type KVStore interface {
	ListPush(ctx context.Context, key string, values ...string) error
	ListTrim(ctx context.Context, key string, start, stop int64) error
	ListRange(ctx context.Context, key string, start, stop int64) ([]string, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error
	ScanKeys(ctx context.Context, pattern string) ([]string, error)
	Delete(ctx context.Context, key string) error
	Metrics() *Metrics
}

// Filter is a simple equality-filter map used by RelationalStore queries.
type Filter map[string]any

// RelationalStore is the capability interface backing L2 working memory
// and L1's cold-path backup.
type RelationalStore interface {
	Insert(ctx context.Context, table string, row map[string]any) error
	Update(ctx context.Context, table string, filters Filter, data map[string]any) (int, error)
	Query(ctx context.Context, table string, filters Filter, orderBy string, limit int) ([]map[string]any, error)
	DeleteByFilters(ctx context.Context, table string, filters Filter) (int, error)
	Execute(ctx context.Context, sql string, args ...any) error
	Metrics() *Metrics
}

// VectorPoint is a single vector upsert/search unit.
type VectorPoint struct {
	ID       string
	Vector   []float32
	Metadata map[string]string
}

// VectorResult is one nearest-neighbor hit, with a higher Score meaning
// closer by the configured distance metric.
type VectorResult struct {
	ID       string
	Score    float64
	Metadata map[string]string
}

// VectorStore is the capability interface backing L3's vector half of the
// dual index.
type VectorStore interface {
	CreateCollection(ctx context.Context, name string, dimensions int, metric string) error
	UpsertPoint(ctx context.Context, collection string, point VectorPoint) error
	SearchByVector(ctx context.Context, collection string, vector []float32, k int, filter map[string]string) ([]VectorResult, error)
	Scroll(ctx context.Context, collection string, limit int, offset string) ([]VectorPoint, string, error)
	DeletePoints(ctx context.Context, collection string, ids ...string) error
	Metrics() *Metrics
}

// GraphStore is the capability interface backing L3's graph half of the
// dual index.
type GraphStore interface {
	UpsertNode(ctx context.Context, id string, labels []string, props map[string]any) error
	UpsertEdge(ctx context.Context, srcID, rel, dstID string, props map[string]any) error
	Neighbors(ctx context.Context, id, rel string) ([]string, error)
	GetNode(ctx context.Context, id string) (map[string]any, bool, error)
	DeleteNode(ctx context.Context, id string) error
	// ExecuteParameterizedQuery is the narrow escape hatch for arbitrary
	// Cypher/graph queries that the capability interface doesn't model.
	ExecuteParameterizedQuery(ctx context.Context, query string, params map[string]any) ([]map[string]any, error)
	Metrics() *Metrics
}

// FullTextResult is one search hit from the full-text backend.
type FullTextResult struct {
	ID     string
	Score  float64
	Facets map[string]string
}

// FullTextStore is the capability interface backing L4's semantic memory.
type FullTextStore interface {
	IndexDocument(ctx context.Context, id, text string, facets map[string]string) error
	GetDocument(ctx context.Context, id string) (map[string]any, bool, error)
	Search(ctx context.Context, query string, facetFilter map[string]string, limit int) ([]FullTextResult, error)
	UpdateDocument(ctx context.Context, id string, fields map[string]any) error
	DeleteDocument(ctx context.Context, id string) error
	DeleteByFilter(ctx context.Context, facetFilter map[string]string) (int, error)
	Metrics() *Metrics
}
