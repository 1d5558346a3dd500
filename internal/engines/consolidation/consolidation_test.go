package consolidation

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"cortexmem/internal/llm"
	"cortexmem/internal/model"
	"cortexmem/internal/storage"
	"cortexmem/internal/tiers/l2"
	"cortexmem/internal/tiers/l3"
)

type fakeEmbedder struct {
	dims int
}

func (f *fakeEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = make([]float32, f.dims)
	}
	return out, nil
}

func seedFacts(ctx context.Context, t *testing.T, tier *l2.Tier, sessionID string, times []time.Time) {
	for i, ts := range times {
		certainty := 0.9
		impact := 0.9
		_, err := tier.StoreFact(ctx, model.Fact{
			SessionID: sessionID,
			Content:   "fact content",
			FactType:  "instruction",
			Certainty: certainty,
			Impact:    impact,
			CreatedAt: ts,
		})
		require.NoError(t, err, "fact %d", i)
	}
}

func TestConsolidateSessionClustersByTimeGapAndFallsBackOnNoLLM(t *testing.T) {
	ctx := context.Background()
	l2Tier := l2.New(storage.NewMemoryRelational(), l2.Config{MinCIAR: 0.1, TTLDays: 90})
	l3Tier := l3.New(storage.NewMemoryVectorStore(), storage.NewMemoryGraph(), l3.DefaultConfig())

	now := time.Now().UTC()
	// An earlier episode ending at -60h places the consolidation cursor
	// before all three facts.
	_, err := l3Tier.Store(ctx, model.Episode{
		SessionID: "s1", Summary: "earlier episode summary", Embedding: make([]float32, 768),
		ValidFrom: now.Add(-70 * time.Hour), ValidTo: now.Add(-60 * time.Hour),
	}, nil)
	require.NoError(t, err)
	seedFacts(ctx, t, l2Tier, "s1", []time.Time{
		now.Add(-50 * time.Hour),
		now.Add(-49 * time.Hour),
		now.Add(-2 * time.Hour),
	})

	engine := New(l2Tier, l3Tier, nil, &fakeEmbedder{dims: 768}, Config{TimeWindowHours: 24})
	stats := engine.ConsolidateSession(ctx, "s1")

	require.Equal(t, 3, stats.FactsRetrieved)
	require.Equal(t, 2, stats.EpisodesCreated)
	require.Equal(t, 0, stats.Errors)
}

func TestConsolidateSessionUsesLLMSynthesisWhenAvailable(t *testing.T) {
	ctx := context.Background()
	l2Tier := l2.New(storage.NewMemoryRelational(), l2.Config{MinCIAR: 0.1, TTLDays: 90})
	l3Tier := l3.New(storage.NewMemoryVectorStore(), storage.NewMemoryGraph(), l3.DefaultConfig())

	now := time.Now().UTC()
	seedFacts(ctx, t, l2Tier, "s1", []time.Time{now.Add(-1 * time.Hour)})

	provider := llm.Provider(&staticProvider{response: `{"summary":"user decided on deployment plan","narrative":"a detailed account"}`})
	engine := New(l2Tier, l3Tier, provider, &fakeEmbedder{dims: 768}, DefaultConfig())

	stats := engine.ConsolidateSession(ctx, "s1")
	require.Equal(t, 1, stats.EpisodesCreated)
}

type staticProvider struct {
	response string
}

func (s *staticProvider) Chat(ctx context.Context, msgs []llm.Message, model string) (llm.Message, error) {
	return llm.Message{Role: "assistant", Content: s.response}, nil
}
