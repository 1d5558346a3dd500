package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMemoryKVListLifecycle(t *testing.T) {
	ctx := context.Background()
	kv := NewMemoryKV()

	// LPUSH semantics: a multi-value push lands with the last argument
	// closest to the head, so "a","b","c" leaves the list as c,b,a.
	require.NoError(t, kv.ListPush(ctx, "turns:s1", "a", "b", "c"))
	vals, err := kv.ListRange(ctx, "turns:s1", 0, -1)
	require.NoError(t, err)
	require.Equal(t, []string{"c", "b", "a"}, vals)

	require.NoError(t, kv.ListTrim(ctx, "turns:s1", 0, 1))
	vals, err = kv.ListRange(ctx, "turns:s1", 0, -1)
	require.NoError(t, err)
	require.Equal(t, []string{"c", "b"}, vals)

	keys, err := kv.ScanKeys(ctx, "turns:*")
	require.NoError(t, err)
	require.Contains(t, keys, "turns:s1")

	require.NoError(t, kv.Delete(ctx, "turns:s1"))
	vals, err = kv.ListRange(ctx, "turns:s1", 0, -1)
	require.NoError(t, err)
	require.Empty(t, vals)
}

func TestMemoryRelationalQueryAndUpdate(t *testing.T) {
	ctx := context.Background()
	r := NewMemoryRelational()

	require.NoError(t, r.Insert(ctx, "facts", map[string]any{"id": "f1", "session_id": "s1", "text": "likes dark mode"}))
	require.NoError(t, r.Insert(ctx, "facts", map[string]any{"id": "f2", "session_id": "s2", "text": "likes coffee"}))

	rows, err := r.Query(ctx, "facts", Filter{"session_id": "s1"}, "", 0)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, "f1", rows[0]["id"])

	n, err := r.Update(ctx, "facts", Filter{"session_id": "s1"}, map[string]any{"text": "likes light mode"})
	require.NoError(t, err)
	require.Equal(t, 1, n)

	rows, err = r.Query(ctx, "facts", Filter{"session_id": "s1"}, "", 0)
	require.NoError(t, err)
	require.Equal(t, "likes light mode", rows[0]["text"])

	deleted, err := r.DeleteByFilters(ctx, "facts", Filter{"session_id": "s2"})
	require.NoError(t, err)
	require.Equal(t, 1, deleted)
}

func TestMemoryVectorStoreSearchRanksByCosine(t *testing.T) {
	ctx := context.Background()
	v := NewMemoryVectorStore()
	require.NoError(t, v.CreateCollection(ctx, "episodes", 3, "cosine"))

	require.NoError(t, v.UpsertPoint(ctx, "episodes", VectorPoint{ID: "e1", Vector: []float32{1, 0, 0}, Metadata: map[string]string{"session_id": "s1"}}))
	require.NoError(t, v.UpsertPoint(ctx, "episodes", VectorPoint{ID: "e2", Vector: []float32{0, 1, 0}, Metadata: map[string]string{"session_id": "s1"}}))

	results, err := v.SearchByVector(ctx, "episodes", []float32{1, 0, 0}, 5, nil)
	require.NoError(t, err)
	require.NotEmpty(t, results)
	require.Equal(t, "e1", results[0].ID)
	require.InDelta(t, 1.0, results[0].Score, 0.0001)

	require.NoError(t, v.DeletePoints(ctx, "episodes", "e1"))
	pts, _, err := v.Scroll(ctx, "episodes", 10, "")
	require.NoError(t, err)
	require.Len(t, pts, 1)
	require.Equal(t, "e2", pts[0].ID)
}

func TestMemoryGraphUpsertAndNeighbors(t *testing.T) {
	ctx := context.Background()
	g := NewMemoryGraph()

	require.NoError(t, g.UpsertNode(ctx, "episode:e1", []string{"Episode"}, map[string]any{"summary": "discussed deploys"}))
	require.NoError(t, g.UpsertNode(ctx, "entity:kubernetes", []string{"Entity"}, map[string]any{"name": "kubernetes"}))
	require.NoError(t, g.UpsertEdge(ctx, "episode:e1", "MENTIONS", "entity:kubernetes", nil))
	require.NoError(t, g.UpsertEdge(ctx, "episode:e1", "MENTIONS", "entity:kubernetes", nil)) // idempotent

	neighbors, err := g.Neighbors(ctx, "episode:e1", "MENTIONS")
	require.NoError(t, err)
	require.Equal(t, []string{"entity:kubernetes"}, neighbors)

	node, ok, err := g.GetNode(ctx, "entity:kubernetes")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "kubernetes", node["name"])

	require.NoError(t, g.DeleteNode(ctx, "episode:e1"))
	_, ok, err = g.GetNode(ctx, "episode:e1")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestMemoryFullTextSearchAndFacets(t *testing.T) {
	ctx := context.Background()
	f := NewMemoryFullText()

	require.NoError(t, f.IndexDocument(ctx, "k1", "The team prefers Kubernetes over Nomad for orchestration.", map[string]string{"knowledge_type": "fact", "domain": "infra"}))
	require.NoError(t, f.IndexDocument(ctx, "k2", "The team prefers espresso over drip coffee.", map[string]string{"knowledge_type": "fact", "domain": "culture"}))

	results, err := f.Search(ctx, "kubernetes", nil, 10)
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, "k1", results[0].ID)

	results, err = f.Search(ctx, "team", map[string]string{"domain": "culture"}, 10)
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, "k2", results[0].ID)

	n, err := f.DeleteByFilter(ctx, map[string]string{"domain": "infra"})
	require.NoError(t, err)
	require.Equal(t, 1, n)
}
