package synthesis

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"cortexmem/internal/llm"
	"cortexmem/internal/model"
	"cortexmem/internal/storage"
	"cortexmem/internal/testhelpers"
	"cortexmem/internal/tiers/l4"
)

func TestSynthesizeFallsBackWithoutProvider(t *testing.T) {
	ctx := context.Background()
	l4Tier := l4.New(storage.NewMemoryFullText())
	_, err := l4Tier.Store(ctx, model.KnowledgeDocument{
		KnowledgeType:   "insight",
		Title:           "Deploy cadence",
		Content:         "The team ships on Tuesdays.",
		SourceEpisodes:  []string{"ep-1"},
		UsefulnessScore: 0.8,
	})
	require.NoError(t, err)

	synth := New(l4Tier, nil, Config{SimilarityThreshold: 0, MaxResults: 5, CacheBound: 10})
	result := synth.Synthesize(ctx, "deploy", l4.SearchFilter{})
	require.Equal(t, "fallback", result.Source)
	require.Contains(t, result.Answer, "Deploy cadence")
}

func TestSynthesizeCachesSecondCallWithSameKey(t *testing.T) {
	ctx := context.Background()
	l4Tier := l4.New(storage.NewMemoryFullText())
	_, err := l4Tier.Store(ctx, model.KnowledgeDocument{
		KnowledgeType:  "insight",
		Title:          "Retry budget",
		Content:        "Clients retry three times.",
		SourceEpisodes: []string{"ep-1"},
	})
	require.NoError(t, err)

	synth := New(l4Tier, nil, Config{SimilarityThreshold: 0, MaxResults: 5, CacheBound: 10})
	first := synth.Synthesize(ctx, "retry", l4.SearchFilter{})
	require.Equal(t, "fallback", first.Source)

	second := synth.Synthesize(ctx, "retry", l4.SearchFilter{})
	require.Equal(t, "cache", second.Source)
}

func TestSynthesizeUsesLLMWhenAvailable(t *testing.T) {
	ctx := context.Background()
	l4Tier := l4.New(storage.NewMemoryFullText())
	_, err := l4Tier.Store(ctx, model.KnowledgeDocument{
		KnowledgeType:  "insight",
		Title:          "Deploy cadence",
		Content:        "The team ships on Tuesdays.",
		SourceEpisodes: []string{"ep-1"},
	})
	require.NoError(t, err)

	provider := llm.Provider(&testhelpers.FakeProvider{Resp: llm.Message{Role: "assistant", Content: "Deploys happen on Tuesdays [1]."}})
	synth := New(l4Tier, provider, Config{SimilarityThreshold: 0, MaxResults: 5, CacheBound: 10})
	result := synth.Synthesize(ctx, "deploy", l4.SearchFilter{})
	require.Equal(t, "llm", result.Source)
	require.Contains(t, result.Answer, "Tuesdays")
}

func TestSynthesizeDetectsConflictTagFacet(t *testing.T) {
	ctx := context.Background()
	l4Tier := l4.New(storage.NewMemoryFullText())
	_, err := l4Tier.Store(ctx, model.KnowledgeDocument{
		KnowledgeType:  "recommendation",
		Title:          "Conflicting guidance",
		Content:        "Use feature flags for risky changes.",
		SourceEpisodes: []string{"ep-1"},
		Facets:         map[string]string{"conflict_tag": "flags-vs-branches"},
	})
	require.NoError(t, err)

	synth := New(l4Tier, nil, Config{SimilarityThreshold: 0, MaxResults: 5, CacheBound: 10})
	result := synth.Synthesize(ctx, "feature flags", l4.SearchFilter{})
	require.True(t, result.HasConflicts)
}
