package l3

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"cortexmem/internal/model"
	"cortexmem/internal/storage"
)

func vec768() []float32 {
	v := make([]float32, 768)
	v[0] = 1.0
	return v
}

func TestStoreWritesBothIndexesAndClosesCrossReference(t *testing.T) {
	ctx := context.Background()
	vstore := storage.NewMemoryVectorStore()
	gstore := storage.NewMemoryGraph()
	tier := New(vstore, gstore, DefaultConfig())

	episode := model.Episode{
		SessionID:       "s1",
		Summary:         "discussed deployment plan",
		Embedding:       vec768(),
		ImportanceScore: 0.8,
	}
	stored, err := tier.Store(ctx, episode, []EntityMention{{EntityID: "entity:deploy", Confidence: 0.9}})
	require.NoError(t, err)
	require.NotEmpty(t, stored.VectorID)
	require.NotEmpty(t, stored.GraphNodeID)

	node, ok, err := gstore.GetNode(ctx, stored.EpisodeID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, stored.VectorID, node["vectorId"])

	neighbors, err := gstore.Neighbors(ctx, stored.EpisodeID, "MENTIONS")
	require.NoError(t, err)
	require.Contains(t, neighbors, "entity:deploy")
}

func TestStorePadsShortEmbeddingWhenNotStrict(t *testing.T) {
	ctx := context.Background()
	tier := New(storage.NewMemoryVectorStore(), storage.NewMemoryGraph(), Config{Collection: "episodes", Dimensions: 768})

	stored, err := tier.Store(ctx, model.Episode{SessionID: "s1", Summary: "short embedding case", Embedding: []float32{0.1, 0.2}}, nil)
	require.NoError(t, err)
	require.Len(t, stored.Embedding, 768)
}

func TestStoreRejectsMismatchedLengthWhenStrict(t *testing.T) {
	ctx := context.Background()
	tier := New(storage.NewMemoryVectorStore(), storage.NewMemoryGraph(), Config{Collection: "episodes", Dimensions: 768, StrictDimensions: true})

	_, err := tier.Store(ctx, model.Episode{SessionID: "s1", Summary: "strict mismatch", Embedding: []float32{0.1, 0.2}}, nil)
	require.Error(t, err)
}

func TestSearchSimilarReturnsSessionFilteredResults(t *testing.T) {
	ctx := context.Background()
	tier := New(storage.NewMemoryVectorStore(), storage.NewMemoryGraph(), DefaultConfig())

	a := vec768()
	b := vec768()
	b[1] = 0.5

	_, err := tier.Store(ctx, model.Episode{SessionID: "s1", Summary: "episode a", Embedding: a}, nil)
	require.NoError(t, err)
	_, err = tier.Store(ctx, model.Episode{SessionID: "s2", Summary: "episode b", Embedding: b}, nil)
	require.NoError(t, err)

	results, err := tier.SearchSimilar(ctx, a, map[string]string{"session_id": "s1"}, 5)
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, "episode a", results[0].Episode.Summary)
	require.Greater(t, results[0].SimilarityScore, 0.0)
}

func TestQueryTemporalFiltersByValidInterval(t *testing.T) {
	ctx := context.Background()
	tier := New(storage.NewMemoryVectorStore(), storage.NewMemoryGraph(), DefaultConfig())

	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	inRange := model.Episode{
		SessionID: "s1", Summary: "in range", Embedding: vec768(),
		ValidFrom: now.Add(-48 * time.Hour), ValidTo: now.Add(48 * time.Hour),
		ImportanceScore: 0.5,
	}
	expired := model.Episode{
		SessionID: "s1", Summary: "expired", Embedding: vec768(),
		ValidFrom: now.Add(-96 * time.Hour), ValidTo: now.Add(-24 * time.Hour),
		ImportanceScore: 0.9,
	}
	_, err := tier.Store(ctx, inRange, nil)
	require.NoError(t, err)
	_, err = tier.Store(ctx, expired, nil)
	require.NoError(t, err)

	results, err := tier.QueryTemporal(ctx, now)
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, "in range", results[0].Summary)
}

func TestReconcileMissingFromGraphDetectsPartialFailure(t *testing.T) {
	ctx := context.Background()
	vstore := storage.NewMemoryVectorStore()
	gstore := storage.NewMemoryGraph()
	tier := New(vstore, gstore, DefaultConfig())

	stored, err := tier.Store(ctx, model.Episode{SessionID: "s1", Summary: "will lose graph node", Embedding: vec768()}, nil)
	require.NoError(t, err)

	require.NoError(t, gstore.DeleteNode(ctx, stored.EpisodeID))

	missing, err := tier.ReconcileMissingFromGraph(ctx)
	require.NoError(t, err)
	require.Contains(t, missing, stored.EpisodeID)
}

func TestDeleteRemovesBothIndexes(t *testing.T) {
	ctx := context.Background()
	vstore := storage.NewMemoryVectorStore()
	gstore := storage.NewMemoryGraph()
	tier := New(vstore, gstore, DefaultConfig())

	stored, err := tier.Store(ctx, model.Episode{SessionID: "s1", Summary: "to be deleted", Embedding: vec768()}, nil)
	require.NoError(t, err)

	require.NoError(t, tier.Delete(ctx, stored.EpisodeID, stored.VectorID))

	_, ok, err := gstore.GetNode(ctx, stored.EpisodeID)
	require.NoError(t, err)
	require.False(t, ok)
}
