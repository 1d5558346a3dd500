// Package consolidation implements the ConsolidationEngine: it clusters L2
// Working Memory facts by time gap, synthesizes each cluster into an L3
// Episode via an LLM summary+narrative call plus an embedding call, and
// stores it bi-temporally.
package consolidation

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"cortexmem/internal/llm"
	"cortexmem/internal/model"
	"cortexmem/internal/observability"
	"cortexmem/internal/tiers/l2"
	"cortexmem/internal/tiers/l3"
)

// Config tunes the time-gap clustering window.
type Config struct {
	TimeWindowHours float64
}

// DefaultConfig mirrors the documented 24h clustering window.
func DefaultConfig() Config {
	return Config{TimeWindowHours: 24}
}

// Stats reports one consolidation run's outcome.
type Stats struct {
	FactsRetrieved  int    `json:"facts_retrieved"`
	EpisodesCreated int    `json:"episodes_created"`
	Errors          int    `json:"errors"`
	LastError       string `json:"last_error,omitempty"`
	Reason          string `json:"reason,omitempty"`
}

// Engine is the ConsolidationEngine: L2 -> L3.
type Engine struct {
	l2       *l2.Tier
	l3       *l3.Tier
	provider llm.Provider
	embedder llm.Embedder
	config   Config
}

// New constructs a ConsolidationEngine over the given tiers, LLM
// collaborator, and embedder.
func New(l2Tier *l2.Tier, l3Tier *l3.Tier, provider llm.Provider, embedder llm.Embedder, cfg Config) *Engine {
	if cfg.TimeWindowHours <= 0 {
		cfg.TimeWindowHours = 24
	}
	return &Engine{l2: l2Tier, l3: l3Tier, provider: provider, embedder: embedder, config: cfg}
}

type synthesis struct {
	Summary   string `json:"summary"`
	Narrative string `json:"narrative"`
}

// ConsolidateSession runs one consolidation cycle for a session: resolve
// the cursor, pull facts since then, cluster by time gap, and synthesize
// one episode per cluster. A single cluster's synthesis or embedding
// failure is counted and skipped, never aborting the batch.
func (e *Engine) ConsolidateSession(ctx context.Context, sessionID string) Stats {
	log := observability.LoggerWithTrace(ctx)
	stats := Stats{}
	now := time.Now().UTC()

	cursor, found, err := e.l3.LatestEpisodeEnd(ctx, sessionID)
	if err != nil {
		stats.Errors++
		stats.LastError = err.Error()
		return stats
	}
	if !found {
		cursor = now.Add(-time.Duration(e.config.TimeWindowHours) * time.Hour)
	}

	facts, err := e.l2.QueryBySession(ctx, sessionID, 0, true, 10000)
	if err != nil {
		stats.Errors++
		stats.LastError = err.Error()
		return stats
	}
	inWindow := make([]model.Fact, 0, len(facts))
	for _, f := range facts {
		if f.CreatedAt.Before(cursor) || f.CreatedAt.After(now) {
			continue
		}
		inWindow = append(inWindow, f)
	}
	stats.FactsRetrieved = len(inWindow)
	if len(inWindow) == 0 {
		return stats
	}

	for _, cluster := range e.clusterByTimeGap(inWindow) {
		if err := e.consolidateCluster(ctx, sessionID, cluster, now); err != nil {
			stats.Errors++
			stats.LastError = err.Error()
			log.Warn().Err(err).Str("session_id", sessionID).Msg("consolidation_episode_failed")
			continue
		}
		stats.EpisodesCreated++
	}
	return stats
}

// clusterByTimeGap sorts facts by extraction time and starts a new cluster
// whenever the gap from the current cluster's start exceeds the
// configured time window.
func (e *Engine) clusterByTimeGap(facts []model.Fact) [][]model.Fact {
	sorted := append([]model.Fact(nil), facts...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].CreatedAt.Before(sorted[j].CreatedAt) })

	window := time.Duration(e.config.TimeWindowHours) * time.Hour
	var clusters [][]model.Fact
	var current []model.Fact
	var clusterStart time.Time
	for _, f := range sorted {
		if len(current) == 0 {
			clusterStart = f.CreatedAt
			current = []model.Fact{f}
			continue
		}
		if f.CreatedAt.Sub(clusterStart) > window {
			clusters = append(clusters, current)
			clusterStart = f.CreatedAt
			current = []model.Fact{f}
			continue
		}
		current = append(current, f)
	}
	if len(current) > 0 {
		clusters = append(clusters, current)
	}
	return clusters
}

func (e *Engine) consolidateCluster(ctx context.Context, sessionID string, cluster []model.Fact, now time.Time) error {
	syn := e.synthesize(ctx, cluster)

	var embedding []float32
	if e.embedder != nil {
		vecs, err := e.embedder.Embed(ctx, []string{syn.Summary + " " + syn.Narrative})
		if err == nil && len(vecs) > 0 {
			embedding = vecs[0]
		}
	}

	ids := make([]string, 0, len(cluster))
	var importanceSum float64
	for _, f := range cluster {
		ids = append(ids, f.FactID)
		importanceSum += f.CIARScore
	}
	importance := 0.0
	if len(cluster) > 0 {
		importance = importanceSum / float64(len(cluster))
	}

	episode := model.Episode{
		SessionID:       sessionID,
		Summary:         syn.Summary,
		Narrative:       syn.Narrative,
		SourceFactIDs:   ids,
		Embedding:       embedding,
		ValidFrom:       cluster[0].CreatedAt,
		ValidTo:         cluster[len(cluster)-1].CreatedAt,
		ObservedAt:      now,
		ImportanceScore: importance,
	}
	_, err := e.l3.Store(ctx, episode, nil)
	return err
}

// synthesize requests a summary+narrative for the cluster, falling back to
// a minimal templated summary on LLM failure or invalid JSON.
func (e *Engine) synthesize(ctx context.Context, cluster []model.Fact) synthesis {
	log := observability.LoggerWithTrace(ctx)
	fallback := synthesis{Summary: fmt.Sprintf("Episode with %d facts", len(cluster))}
	if e.provider == nil {
		return fallback
	}

	msg, err := e.provider.Chat(ctx, []llm.Message{
		{Role: "system", Content: "You summarize a cluster of facts into a JSON object with fields summary and narrative. Return strict JSON only."},
		{Role: "user", Content: clusterPrompt(cluster)},
	}, "")
	if err != nil {
		log.Warn().Err(err).Msg("consolidation_synthesis_llm_failed")
		return fallback
	}

	var syn synthesis
	if err := json.Unmarshal([]byte(stripCodeFence(msg.Content)), &syn); err != nil || syn.Summary == "" {
		log.Warn().Err(err).Msg("consolidation_synthesis_invalid_json")
		return fallback
	}
	return syn
}

func clusterPrompt(cluster []model.Fact) string {
	var b strings.Builder
	b.WriteString("Summarize these facts:\n")
	for _, f := range cluster {
		b.WriteString("- ")
		b.WriteString(f.Content)
		b.WriteString("\n")
	}
	return b.String()
}

func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimSuffix(s, "```")
	}
	return strings.TrimSpace(s)
}
