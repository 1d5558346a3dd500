package l2

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"cortexmem/internal/model"
	"cortexmem/internal/storage"
)

func TestStoreFactRejectsBelowThreshold(t *testing.T) {
	ctx := context.Background()
	tier := New(storage.NewMemoryRelational(), Config{MinCIAR: 0.6, TTLDays: 7})

	certainty := 0.4
	impact := 0.5
	_, err := tier.StoreFact(ctx, model.Fact{
		SessionID: "s1",
		Content:   "maybe they like tea",
		FactType:  "mention",
		Certainty: certainty,
		Impact:    impact,
		CreatedAt: time.Now().UTC(),
	})
	require.Error(t, err)
	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
}

func TestStoreFactAndRetrieveIncrementsAccessCount(t *testing.T) {
	ctx := context.Background()
	tier := New(storage.NewMemoryRelational(), Config{MinCIAR: 0.6, TTLDays: 7})

	certainty := 0.95
	impact := 0.9
	stored, err := tier.StoreFact(ctx, model.Fact{
		SessionID: "s1",
		Content:   "the user always wants dark mode",
		FactType:  "preference",
		Certainty: certainty,
		Impact:    impact,
		CreatedAt: time.Now().UTC(),
	})
	require.NoError(t, err)
	require.GreaterOrEqual(t, stored.CIARScore, 0.6)
	require.Equal(t, 0, stored.AccessCount)

	fetched, ok, err := tier.Retrieve(ctx, stored.FactID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 1, fetched.AccessCount)
	require.Greater(t, fetched.RecencyBoost, stored.RecencyBoost)
}

func TestQueryBySessionOrdersByScoreDescending(t *testing.T) {
	ctx := context.Background()
	tier := New(storage.NewMemoryRelational(), Config{MinCIAR: 0.3, TTLDays: 7})

	high := 0.99
	low := 0.6
	_, err := tier.StoreFact(ctx, model.Fact{SessionID: "s1", Content: "a", FactType: "instruction", Certainty: high, Impact: high, CreatedAt: time.Now().UTC()})
	require.NoError(t, err)
	_, err = tier.StoreFact(ctx, model.Fact{SessionID: "s1", Content: "b", FactType: "mention", Certainty: low, Impact: low, CreatedAt: time.Now().UTC()})
	require.NoError(t, err)

	facts, err := tier.QueryBySession(ctx, "s1", 0, false, 10)
	require.NoError(t, err)
	require.Len(t, facts, 2)
	require.GreaterOrEqual(t, facts[0].CIARScore, facts[1].CIARScore)
}

func TestCleanupBelowRelevanceSweepsStaleLowAccessFacts(t *testing.T) {
	ctx := context.Background()
	tier := New(storage.NewMemoryRelational(), Config{MinCIAR: 0.05, TTLDays: 365})

	certainty := 0.9
	impact := 0.9
	stale, err := tier.StoreFact(ctx, model.Fact{
		SessionID: "s1",
		Content:   "stale fact nobody revisits",
		FactType:  "mention",
		Certainty: certainty,
		Impact:    impact,
		CreatedAt: time.Now().UTC().AddDate(0, 0, -60),
	})
	require.NoError(t, err)
	_, err = tier.rel.Update(ctx, factsTable, storage.Filter{"fact_id": stale.FactID}, map[string]any{
		"last_accessed": time.Now().UTC().AddDate(0, 0, -60),
	})
	require.NoError(t, err)

	fresh, err := tier.StoreFact(ctx, model.Fact{
		SessionID: "s1",
		Content:   "fresh fact accessed often",
		FactType:  "preference",
		Certainty: certainty,
		Impact:    impact,
		CreatedAt: time.Now().UTC(),
	})
	require.NoError(t, err)
	_, _, err = tier.Retrieve(ctx, fresh.FactID)
	require.NoError(t, err)

	swept, err := tier.CleanupBelowRelevance(ctx, 0.1, 0.9)
	require.NoError(t, err)
	require.Equal(t, 1, swept)

	_, ok, err := tier.Retrieve(ctx, stale.FactID)
	require.NoError(t, err)
	require.False(t, ok)

	_, ok, err = tier.Retrieve(ctx, fresh.FactID)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestCleanupExpiredRemovesOldFacts(t *testing.T) {
	ctx := context.Background()
	tier := New(storage.NewMemoryRelational(), Config{MinCIAR: 0.05, TTLDays: 7})

	certainty := 0.9
	impact := 0.9
	_, err := tier.StoreFact(ctx, model.Fact{
		SessionID: "s1",
		Content:   "old fact",
		FactType:  "instruction",
		Certainty: certainty,
		Impact:    impact,
		CreatedAt: time.Now().UTC().AddDate(0, 0, -30),
	})
	require.NoError(t, err)

	n, err := tier.CleanupExpired(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
}
