// Package distillation implements the DistillationEngine: it distills a
// batch of L3 episodes into L4 knowledge documents, one per knowledge
// type, via an LLM synthesis call over a compact episode projection.
package distillation

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"cortexmem/internal/llm"
	"cortexmem/internal/model"
	"cortexmem/internal/observability"
	"cortexmem/internal/tiers/l3"
	"cortexmem/internal/tiers/l4"
)

// Config tunes the episode-count gate and the knowledge-type template set.
type Config struct {
	EpisodeThreshold int
	KnowledgeTypes   []string
	SelfCritique     bool
}

// DefaultConfig mirrors the documented threshold of 5 candidate episodes
// and the domain's five-type template set.
func DefaultConfig() Config {
	return Config{
		EpisodeThreshold: 5,
		KnowledgeTypes:   []string{"summary", "insight", "pattern", "recommendation", "rule"},
	}
}

// Stats reports one distillation run's outcome.
type Stats struct {
	EpisodesConsidered int    `json:"episodes_considered"`
	DocumentsCreated   int    `json:"documents_created"`
	Errors             int    `json:"errors"`
	LastError          string `json:"last_error,omitempty"`
	Reason             string `json:"reason,omitempty"`
}

// Engine is the DistillationEngine: L3 -> L4.
type Engine struct {
	l3       *l3.Tier
	l4       *l4.Tier
	provider llm.Provider
	config   Config
}

// New constructs a DistillationEngine over the given tiers and LLM
// collaborator.
func New(l3Tier *l3.Tier, l4Tier *l4.Tier, provider llm.Provider, cfg Config) *Engine {
	if cfg.EpisodeThreshold <= 0 {
		cfg.EpisodeThreshold = 5
	}
	if len(cfg.KnowledgeTypes) == 0 {
		cfg.KnowledgeTypes = DefaultConfig().KnowledgeTypes
	}
	return &Engine{l3: l3Tier, l4: l4Tier, provider: provider, config: cfg}
}

type reply struct {
	Content   string   `json:"content"`
	Title     string   `json:"title"`
	KeyPoints []string `json:"key_points"`
}

// Distill runs one distillation cycle, optionally scoped to a session.
// forceProcess bypasses the episode-count threshold gate.
func (e *Engine) Distill(ctx context.Context, sessionID string, forceProcess bool) Stats {
	log := observability.LoggerWithTrace(ctx)
	stats := Stats{}

	episodes, err := e.l3.RecentEpisodes(ctx, sessionID, 0)
	if err != nil {
		stats.Errors++
		stats.LastError = err.Error()
		return stats
	}
	stats.EpisodesConsidered = len(episodes)
	if len(episodes) == 0 {
		stats.Reason = "no_candidate_episodes"
		return stats
	}
	if !forceProcess && len(episodes) < e.config.EpisodeThreshold {
		stats.Reason = "below_threshold"
		return stats
	}

	projection := projectEpisodes(episodes)
	sourceIDs := make([]string, 0, len(episodes))
	for _, ep := range episodes {
		sourceIDs = append(sourceIDs, ep.EpisodeID)
	}

	for _, kType := range e.config.KnowledgeTypes {
		r, err := e.synthesizeType(ctx, kType, projection)
		if err != nil {
			stats.Errors++
			stats.LastError = err.Error()
			log.Warn().Err(err).Str("knowledge_type", kType).Msg("distillation_type_failed")
			continue
		}
		if r == nil {
			continue
		}

		if e.config.SelfCritique {
			r = e.critique(ctx, kType, projection, r)
		}

		doc := model.KnowledgeDocument{
			KnowledgeType:   kType,
			Title:           r.Title,
			Content:         r.Content,
			SourceEpisodes:  sourceIDs,
			Facets:          aggregateFacets(episodes),
			UsefulnessScore: 0.5,
		}
		if _, err := e.l4.Store(ctx, doc); err != nil {
			stats.Errors++
			stats.LastError = err.Error()
			log.Warn().Err(err).Str("knowledge_type", kType).Msg("distillation_store_failed")
			continue
		}
		stats.DocumentsCreated++
	}
	return stats
}

// synthesizeType calls the LLM with the knowledge type's instruction over
// the episode projection and best-effort-parses the reply. A nil,nil
// result (no provider configured) skips that type entirely rather than
// fabricating a document.
func (e *Engine) synthesizeType(ctx context.Context, kType, projection string) (*reply, error) {
	if e.provider == nil {
		return nil, nil
	}
	msg, err := e.provider.Chat(ctx, []llm.Message{
		{Role: "system", Content: fmt.Sprintf("You produce a %s distilled from the following episodes. Return strict JSON with fields content, title, key_points.", kType)},
		{Role: "user", Content: projection},
	}, "")
	if err != nil {
		return nil, err
	}

	var r reply
	if err := json.Unmarshal([]byte(stripCodeFence(msg.Content)), &r); err != nil || r.Content == "" {
		// Best-effort: treat the raw reply text as the content.
		if strings.TrimSpace(msg.Content) == "" {
			return nil, fmt.Errorf("empty distillation reply for type %s", kType)
		}
		r = reply{Content: msg.Content, Title: kType}
	}
	return &r, nil
}

type critiqueResponse struct {
	Action  string `json:"action"`
	Content string `json:"content"`
	Title   string `json:"title"`
}

const (
	critiqueActionAccept = "accept"
	critiqueActionRefine = "refine"
)

// critique runs one self-critique pass over a freshly synthesized reply,
// asking the model to flag claims in content/title unsupported by the
// source projection and either accept the draft as-is or return a refined
// replacement. It mirrors the agent memory controller's think/refine step
// but collapsed to a single round: distillation is a background lifecycle
// job, not an interactive loop, so there is no budget for iterating further.
// Any error, empty reply, or unparsable response keeps the original draft;
// a self-critique failure must never block the document from being stored.
func (e *Engine) critique(ctx context.Context, kType, projection string, draft *reply) *reply {
	log := observability.LoggerWithTrace(ctx)
	msg, err := e.provider.Chat(ctx, []llm.Message{
		{Role: "system", Content: fmt.Sprintf(
			"You review a draft %s distilled from the episodes below for claims the episodes do not support. "+
				"Return strict JSON with fields action (\"accept\" or \"refine\"), content, title. "+
				"Use action \"refine\" only when you rewrite content to remove or soften an unsupported claim; "+
				"otherwise use \"accept\" and repeat the draft unchanged.", kType)},
		{Role: "user", Content: "Episodes:\n" + projection},
		{Role: "user", Content: fmt.Sprintf("Draft title: %s\nDraft content: %s", draft.Title, draft.Content)},
	}, "")
	if err != nil {
		log.Warn().Err(err).Str("knowledge_type", kType).Msg("distillation_critique_failed")
		return draft
	}

	var resp critiqueResponse
	if err := json.Unmarshal([]byte(stripCodeFence(msg.Content)), &resp); err != nil {
		log.Warn().Err(err).Str("knowledge_type", kType).Msg("distillation_critique_unparsable")
		return draft
	}
	if resp.Action != critiqueActionRefine || strings.TrimSpace(resp.Content) == "" {
		return draft
	}
	refined := *draft
	refined.Content = resp.Content
	if strings.TrimSpace(resp.Title) != "" {
		refined.Title = resp.Title
	}
	return &refined
}

func projectEpisodes(episodes []model.Episode) string {
	var b strings.Builder
	for _, ep := range episodes {
		b.WriteString(ep.EpisodeID)
		b.WriteString(": ")
		b.WriteString(ep.Summary)
		if len(ep.Entities) > 0 {
			sample := ep.Entities
			if len(sample) > 5 {
				sample = sample[:5]
			}
			b.WriteString(" [")
			b.WriteString(strings.Join(sample, ", "))
			b.WriteString("]")
		}
		b.WriteString("\n")
	}
	return b.String()
}

func aggregateFacets(episodes []model.Episode) map[string]string {
	topics := map[string]bool{}
	for _, ep := range episodes {
		for _, t := range ep.Topics {
			topics[t] = true
		}
	}
	if len(topics) == 0 {
		return nil
	}
	names := make([]string, 0, len(topics))
	for t := range topics {
		names = append(names, t)
	}
	sort.Strings(names)
	return map[string]string{"topics": strings.Join(names, ",")}
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
