package promotion

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"cortexmem/internal/llm"
	"cortexmem/internal/model"
	"cortexmem/internal/storage"
	"cortexmem/internal/tiers/l1"
	"cortexmem/internal/tiers/l2"
)

func seedTurns(ctx context.Context, t *testing.T, tier *l1.Tier, sessionID string, contents []string) {
	for _, c := range contents {
		require.NoError(t, tier.AppendTurn(ctx, model.Turn{SessionID: sessionID, Role: "user", Content: c, CreatedAt: time.Now().UTC()}))
	}
}

func TestPromoteSessionBelowMinimumTurnsSkips(t *testing.T) {
	ctx := context.Background()
	l1Tier := l1.New(storage.NewMemoryKV(), storage.NewMemoryRelational(), l1.DefaultConfig())
	l2Tier := l2.New(storage.NewMemoryRelational(), l2.DefaultConfig())
	engine := New(l1Tier, l2Tier, nil, DefaultConfig())

	seedTurns(ctx, t, l1Tier, "s1", []string{"hi"})

	stats := engine.PromoteSession(ctx, "s1")
	require.Equal(t, "below_minimum", stats.Reason)
	require.Equal(t, 0, stats.FactsPromoted)
}

func TestPromoteSessionFallsBackToRuleBasedExtractionOnLLMFailure(t *testing.T) {
	ctx := context.Background()
	l1Tier := l1.New(storage.NewMemoryKV(), storage.NewMemoryRelational(), l1.DefaultConfig())
	l2Tier := l2.New(storage.NewMemoryRelational(), l2.Config{MinCIAR: 0.1, TTLDays: 7})
	engine := New(l1Tier, l2Tier, nil, Config{BatchMinTurns: 2, PromotionThreshold: 0.1})

	seedTurns(ctx, t, l1Tier, "s1", []string{
		"my email is someone@example.com",
		"i always prefer dark mode in every app",
		"i prefer quiet offices",
	})

	stats := engine.PromoteSession(ctx, "s1")
	require.Greater(t, stats.FactsExtracted, 0)
	require.Greater(t, stats.FactsPromoted, 0)
}

func TestPromoteSessionUsesLLMSegmentationAndExtractionWhenAvailable(t *testing.T) {
	ctx := context.Background()
	l1Tier := l1.New(storage.NewMemoryKV(), storage.NewMemoryRelational(), l1.DefaultConfig())
	l2Tier := l2.New(storage.NewMemoryRelational(), l2.Config{MinCIAR: 0.1, TTLDays: 7})

	segmentResponse := `[{"topic":"preferences","summary":"user preferences","turn_indices":[0,1],"certainty":0.9,"impact":0.8}]`
	factResponse := `[{"content":"user prefers dark mode","type":"preference","category":"personal","certainty":0.9,"impact":0.9}]`

	calls := 0
	provider := llm.Provider(&sequencedProvider{responses: []string{segmentResponse, factResponse}, calls: &calls})

	engine := New(l1Tier, l2Tier, provider, Config{BatchMinTurns: 2, PromotionThreshold: 0.1})
	seedTurns(ctx, t, l1Tier, "s1", []string{"i like dark mode", "it's easier on my eyes"})

	stats := engine.PromoteSession(ctx, "s1")
	require.Equal(t, 1, stats.FactsExtracted)
	require.Equal(t, 1, stats.FactsPromoted)
}

type sequencedProvider struct {
	responses []string
	calls     *int
}

func (s *sequencedProvider) Chat(ctx context.Context, msgs []llm.Message, model string) (llm.Message, error) {
	i := *s.calls
	*s.calls++
	if i >= len(s.responses) {
		return llm.Message{}, nil
	}
	return llm.Message{Role: "assistant", Content: s.responses[i]}, nil
}
