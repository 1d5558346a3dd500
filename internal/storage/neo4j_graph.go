package storage

import (
	"context"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"cortexmem/internal/storeerr"
)

// Neo4jGraphStore adapts a Neo4j driver session to the GraphStore
// capability interface backing L3's graph half of the dual index. Nodes
// are merged by an "id" property with the caller-supplied labels attached,
// and edges merged as untyped relationships named by rel, following the
// same upsert-by-natural-key shape as the relational graph tables.
type Neo4jGraphStore struct {
	driver  neo4j.DriverWithContext
	metrics *Metrics
}

// NewNeo4jGraphStore dials the given bolt/neo4j URI with basic auth.
func NewNeo4jGraphStore(uri, username, password string) (*Neo4jGraphStore, error) {
	driver, err := neo4j.NewDriverWithContext(uri, neo4j.BasicAuth(username, password, ""))
	if err != nil {
		return nil, &storeerr.ConnectionError{Backend: "neo4j", Cause: err}
	}
	return &Neo4jGraphStore{driver: driver, metrics: NewMetrics()}, nil
}

func (g *Neo4jGraphStore) session(ctx context.Context) neo4j.SessionWithContext {
	return g.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
}

func (g *Neo4jGraphStore) UpsertNode(ctx context.Context, id string, labels []string, props map[string]any) error {
	start := time.Now()
	sess := g.session(ctx)
	defer sess.Close(ctx)

	labelClause := ""
	for _, l := range labels {
		labelClause += ":" + l
	}
	merged := make(map[string]any, len(props)+1)
	for k, v := range props {
		merged[k] = v
	}
	merged["id"] = id
	_, err := sess.Run(ctx, "MERGE (n"+labelClause+" {id: $id}) SET n += $props", map[string]any{
		"id":    id,
		"props": merged,
	})
	if err != nil {
		g.metrics.Record(time.Since(start), "query", 0, 0)
		return &storeerr.QueryError{Backend: "neo4j", Operation: "upsert_node", Cause: err}
	}
	g.metrics.Record(time.Since(start), "", 0, 0)
	return nil
}

func (g *Neo4jGraphStore) UpsertEdge(ctx context.Context, srcID, rel, dstID string, props map[string]any) error {
	start := time.Now()
	sess := g.session(ctx)
	defer sess.Close(ctx)

	if props == nil {
		props = map[string]any{}
	}
	cypher := "MATCH (a {id: $src}), (b {id: $dst}) MERGE (a)-[r:" + rel + "]->(b) SET r += $props"
	_, err := sess.Run(ctx, cypher, map[string]any{
		"src": srcID, "dst": dstID, "props": props,
	})
	if err != nil {
		g.metrics.Record(time.Since(start), "query", 0, 0)
		return &storeerr.QueryError{Backend: "neo4j", Operation: "upsert_edge", Cause: err}
	}
	g.metrics.Record(time.Since(start), "", 0, 0)
	return nil
}

func (g *Neo4jGraphStore) Neighbors(ctx context.Context, id, rel string) ([]string, error) {
	start := time.Now()
	sess := g.session(ctx)
	defer sess.Close(ctx)

	cypher := "MATCH (a {id: $id})-[:" + rel + "]->(b) RETURN b.id AS id ORDER BY b.id"
	result, err := sess.Run(ctx, cypher, map[string]any{"id": id})
	if err != nil {
		g.metrics.Record(time.Since(start), "query", 0, 0)
		return nil, &storeerr.QueryError{Backend: "neo4j", Operation: "neighbors", Cause: err}
	}
	var out []string
	for result.Next(ctx) {
		rec := result.Record()
		v, _ := rec.Get("id")
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	if err := result.Err(); err != nil {
		return nil, &storeerr.QueryError{Backend: "neo4j", Operation: "neighbors", Cause: err}
	}
	g.metrics.Record(time.Since(start), "", 0, len(out))
	return out, nil
}

func (g *Neo4jGraphStore) GetNode(ctx context.Context, id string) (map[string]any, bool, error) {
	start := time.Now()
	sess := g.session(ctx)
	defer sess.Close(ctx)

	result, err := sess.Run(ctx, "MATCH (n {id: $id}) RETURN properties(n) AS props", map[string]any{"id": id})
	if err != nil {
		g.metrics.Record(time.Since(start), "query", 0, 0)
		return nil, false, &storeerr.QueryError{Backend: "neo4j", Operation: "get_node", Cause: err}
	}
	if !result.Next(ctx) {
		g.metrics.Record(time.Since(start), "", 0, 0)
		return nil, false, nil
	}
	rec := result.Record()
	v, _ := rec.Get("props")
	props, _ := v.(map[string]any)
	g.metrics.Record(time.Since(start), "", 0, 0)
	return props, true, nil
}

func (g *Neo4jGraphStore) DeleteNode(ctx context.Context, id string) error {
	start := time.Now()
	sess := g.session(ctx)
	defer sess.Close(ctx)

	_, err := sess.Run(ctx, "MATCH (n {id: $id}) DETACH DELETE n", map[string]any{"id": id})
	if err != nil {
		g.metrics.Record(time.Since(start), "query", 0, 0)
		return &storeerr.QueryError{Backend: "neo4j", Operation: "delete_node", Cause: err}
	}
	g.metrics.Record(time.Since(start), "", 0, 0)
	return nil
}

// ExecuteParameterizedQuery is the escape hatch for arbitrary Cypher the
// capability interface doesn't model (multi-hop traversals, aggregations).
func (g *Neo4jGraphStore) ExecuteParameterizedQuery(ctx context.Context, query string, params map[string]any) ([]map[string]any, error) {
	start := time.Now()
	sess := g.session(ctx)
	defer sess.Close(ctx)

	result, err := sess.Run(ctx, query, params)
	if err != nil {
		g.metrics.Record(time.Since(start), "query", 0, 0)
		return nil, &storeerr.QueryError{Backend: "neo4j", Operation: "execute_parameterized_query", Cause: err}
	}
	var out []map[string]any
	for result.Next(ctx) {
		rec := result.Record()
		row := make(map[string]any, len(rec.Keys))
		for _, k := range rec.Keys {
			v, _ := rec.Get(k)
			row[k] = v
		}
		out = append(out, row)
	}
	if err := result.Err(); err != nil {
		return nil, &storeerr.QueryError{Backend: "neo4j", Operation: "execute_parameterized_query", Cause: err}
	}
	g.metrics.Record(time.Since(start), "", 0, len(out))
	return out, nil
}

func (g *Neo4jGraphStore) Metrics() *Metrics { return g.metrics }

// Close releases the underlying driver connections.
func (g *Neo4jGraphStore) Close(ctx context.Context) error { return g.driver.Close(ctx) }
