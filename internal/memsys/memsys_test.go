package memsys

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"cortexmem/internal/engines/consolidation"
	"cortexmem/internal/engines/distillation"
	"cortexmem/internal/engines/promotion"
	"cortexmem/internal/engines/synthesis"
	"cortexmem/internal/lock"
	"cortexmem/internal/model"
	"cortexmem/internal/storage"
	"cortexmem/internal/tiers/l1"
	"cortexmem/internal/tiers/l2"
	"cortexmem/internal/tiers/l3"
	"cortexmem/internal/tiers/l4"
)

func buildSystem(flags Flags) *System {
	l1Tier := l1.New(storage.NewMemoryKV(), storage.NewMemoryRelational(), l1.DefaultConfig())
	l2Tier := l2.New(storage.NewMemoryRelational(), l2.Config{MinCIAR: 0.1, TTLDays: 90})
	l3Tier := l3.New(storage.NewMemoryVectorStore(), storage.NewMemoryGraph(), l3.DefaultConfig())
	l4Tier := l4.New(storage.NewMemoryFullText())

	promotionEngine := promotion.New(l1Tier, l2Tier, nil, promotion.Config{BatchMinTurns: 2, PromotionThreshold: 0.1})
	consolidationEngine := consolidation.New(l2Tier, l3Tier, nil, nil, consolidation.DefaultConfig())
	distillationEngine := distillation.New(l3Tier, l4Tier, nil, distillation.DefaultConfig())
	synthesizer := synthesis.New(l4Tier, nil, synthesis.DefaultConfig())

	return New(l1Tier, l2Tier, l3Tier, l4Tier, promotionEngine, consolidationEngine, distillationEngine, synthesizer, flags)
}

func TestGetContextBlockEmitsStandingOrdersAheadOfKeyFacts(t *testing.T) {
	ctx := context.Background()
	sys := buildSystem(DefaultFlags())

	require.NoError(t, sys.L1.AppendTurn(ctx, model.Turn{SessionID: "s1", Role: "user", Content: "hello", CreatedAt: time.Now().UTC()}))

	_, err := sys.L2.StoreFact(ctx, model.Fact{
		SessionID: "s1", Content: "always respond in French", FactType: "instruction",
		Certainty: 0.95, Impact: 0.95, CreatedAt: time.Now().UTC(),
	})
	require.NoError(t, err)
	_, err = sys.L2.StoreFact(ctx, model.Fact{
		SessionID: "s1", Content: "user likes tea", FactType: "preference",
		Certainty: 0.9, Impact: 0.8, CreatedAt: time.Now().UTC(),
	})
	require.NoError(t, err)

	block, err := sys.GetContextBlock(ctx, "s1", 0, 10, 10)
	require.NoError(t, err)
	require.Len(t, block.StandingOrders, 1)
	require.Len(t, block.KeyFacts, 1)

	rendered := block.ToPromptString()
	ordersIdx := indexOf(rendered, "[ACTIVE STANDING ORDERS]")
	factsIdx := indexOf(rendered, "[KEY FACTS]")
	require.GreaterOrEqual(t, ordersIdx, 0)
	require.GreaterOrEqual(t, factsIdx, 0)
	require.Less(t, ordersIdx, factsIdx)
}

func TestToPromptStringOmitsStandingOrdersSectionWhenNoInstructionFacts(t *testing.T) {
	block := ContextBlock{
		KeyFacts: []model.Fact{{Content: "user likes tea"}},
	}
	rendered := block.ToPromptString()
	require.NotContains(t, rendered, "[ACTIVE STANDING ORDERS]")
	require.Contains(t, rendered, "[KEY FACTS]")
}

func TestRunPromotionCycleSkippedWhenDisabled(t *testing.T) {
	flags := DefaultFlags()
	flags.EnablePromotion = false
	sys := buildSystem(flags)

	stats, ran := sys.RunPromotionCycle(context.Background(), "s1")
	require.False(t, ran)
	require.Equal(t, "skipped", stats.Reason)
}

func TestRunPromotionCycleReportsLockedWhenLeaseAlreadyHeld(t *testing.T) {
	ctx := context.Background()
	sys := buildSystem(DefaultFlags())
	rel := storage.NewMemoryRelational()
	sys.EnableLocking(rel, time.Minute)

	held, acquired, err := lock.Acquire(ctx, rel, "s1:promotion", time.Minute)
	require.NoError(t, err)
	require.True(t, acquired)
	defer held.Release(ctx)

	stats, ran := sys.RunPromotionCycle(ctx, "s1")
	require.False(t, ran)
	require.Equal(t, "locked", stats.Reason)
}

func TestCleanupSessionClearsL1AndL2(t *testing.T) {
	ctx := context.Background()
	sys := buildSystem(DefaultFlags())

	require.NoError(t, sys.L1.AppendTurn(ctx, model.Turn{SessionID: "s1", Role: "user", Content: "hi", CreatedAt: time.Now().UTC()}))
	_, err := sys.L2.StoreFact(ctx, model.Fact{SessionID: "s1", Content: "x", FactType: "instruction", Certainty: 0.9, Impact: 0.9, CreatedAt: time.Now().UTC()})
	require.NoError(t, err)

	require.NoError(t, sys.CleanupSession(ctx, "s1"))

	turns, err := sys.L1.RetrieveSession(ctx, "s1")
	require.NoError(t, err)
	require.Empty(t, turns)

	facts, err := sys.L2.QueryBySession(ctx, "s1", 0, true, 10)
	require.NoError(t, err)
	require.Empty(t, facts)
}

func indexOf(s, substr string) int {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return i
		}
	}
	return -1
}
