// Package memsys composes the four memory tiers, the three lifecycle
// engines, and the knowledge synthesizer into the UnifiedMemorySystem
// facade: a single entry point for rendering an agent's working context
// and for driving the L1->L2->L3->L4 promotion cascade.
package memsys

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

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

// Flags gate each lifecycle engine independently, so any one of them can
// be ablated without touching the others. A disabled engine's run method
// returns a "skipped" stat without any side effects.
type Flags struct {
	EnablePromotion     bool
	EnableConsolidation bool
	EnableDistillation  bool
	EnableTelemetry     bool
}

// DefaultFlags enables every engine.
func DefaultFlags() Flags {
	return Flags{EnablePromotion: true, EnableConsolidation: true, EnableDistillation: true, EnableTelemetry: true}
}

// System is the UnifiedMemorySystem facade.
type System struct {
	L1 *l1.Tier
	L2 *l2.Tier
	L3 *l3.Tier
	L4 *l4.Tier

	Promotion     *promotion.Engine
	Consolidation *consolidation.Engine
	Distillation  *distillation.Engine
	Synthesizer   *synthesis.Synthesizer

	flags Flags

	lockRel storage.RelationalStore
	lockTTL time.Duration
}

// New composes a UnifiedMemorySystem from its already-constructed parts.
func New(l1Tier *l1.Tier, l2Tier *l2.Tier, l3Tier *l3.Tier, l4Tier *l4.Tier,
	promotionEngine *promotion.Engine, consolidationEngine *consolidation.Engine,
	distillationEngine *distillation.Engine, synthesizer *synthesis.Synthesizer, flags Flags) *System {
	return &System{
		L1: l1Tier, L2: l2Tier, L3: l3Tier, L4: l4Tier,
		Promotion: promotionEngine, Consolidation: consolidationEngine,
		Distillation: distillationEngine, Synthesizer: synthesizer,
		flags: flags,
	}
}

// EnableLocking turns on best-effort mutual exclusion for the Run*Cycle
// methods below: each cycle takes a lease on "<sessionID>:<engine>" before
// running and releases it afterward, so two schedulers (e.g. an HTTP-driven
// run and a periodic sweep) never drive the same session's engine
// concurrently. Locking is skipped entirely when rel is nil, which is the
// default — most deployments run one scheduler and don't need it.
func (s *System) EnableLocking(rel storage.RelationalStore, ttl time.Duration) {
	s.lockRel = rel
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	s.lockTTL = ttl
}

// withSessionLock runs fn while holding a lease on "<sessionID>:<engine>",
// when locking is enabled. If the lease is already held by a concurrent
// call, locked is true and fn does not run.
func (s *System) withSessionLock(ctx context.Context, sessionID, engine string, fn func()) (locked bool, err error) {
	if s.lockRel == nil {
		fn()
		return false, nil
	}
	l, acquired, err := lock.Acquire(ctx, s.lockRel, sessionID+":"+engine, s.lockTTL)
	if err != nil {
		return false, fmt.Errorf("memsys: acquire %s lock: %w", engine, err)
	}
	if !acquired {
		return true, nil
	}
	defer func() { _ = l.Release(ctx) }()
	fn()
	return false, nil
}

// RunPromotionCycle runs the PromotionEngine for a session, or reports
// "skipped" without side effects if disabled or "locked" if another caller
// already holds the session's promotion lease.
func (s *System) RunPromotionCycle(ctx context.Context, sessionID string) (promotion.Stats, bool) {
	if !s.flags.EnablePromotion || s.Promotion == nil {
		return promotion.Stats{Reason: "skipped"}, false
	}
	var stats promotion.Stats
	locked, err := s.withSessionLock(ctx, sessionID, "promotion", func() {
		stats = s.Promotion.PromoteSession(ctx, sessionID)
	})
	if err != nil {
		return promotion.Stats{Errors: 1, LastError: err.Error()}, false
	}
	if locked {
		return promotion.Stats{Reason: "locked"}, false
	}
	return stats, true
}

// RunConsolidationCycle runs the ConsolidationEngine for a session, or
// reports "skipped" without side effects if disabled or "locked" if another
// caller already holds the session's consolidation lease.
func (s *System) RunConsolidationCycle(ctx context.Context, sessionID string) (consolidation.Stats, bool) {
	if !s.flags.EnableConsolidation || s.Consolidation == nil {
		return consolidation.Stats{Reason: "skipped"}, false
	}
	var stats consolidation.Stats
	locked, err := s.withSessionLock(ctx, sessionID, "consolidation", func() {
		stats = s.Consolidation.ConsolidateSession(ctx, sessionID)
	})
	if err != nil {
		return consolidation.Stats{Errors: 1, LastError: err.Error()}, false
	}
	if locked {
		return consolidation.Stats{Reason: "locked"}, false
	}
	return stats, true
}

// RunDistillationCycle runs the DistillationEngine, or reports "skipped"
// without side effects if disabled or "locked" if another caller already
// holds the session's distillation lease.
func (s *System) RunDistillationCycle(ctx context.Context, sessionID string, force bool) (distillation.Stats, bool) {
	if !s.flags.EnableDistillation || s.Distillation == nil {
		return distillation.Stats{Reason: "skipped"}, false
	}
	var stats distillation.Stats
	locked, err := s.withSessionLock(ctx, sessionID, "distillation", func() {
		stats = s.Distillation.Distill(ctx, sessionID, force)
	})
	if err != nil {
		return distillation.Stats{Errors: 1, LastError: err.Error()}, false
	}
	if locked {
		return distillation.Stats{Reason: "locked"}, false
	}
	return stats, true
}

// CleanupSession cascade-deletes a session's L1/L2/L3 state. L4 knowledge
// documents are shared across sessions by design and are never deleted by
// this path.
func (s *System) CleanupSession(ctx context.Context, sessionID string) error {
	if err := s.L1.ClearSession(ctx, sessionID); err != nil {
		return fmt.Errorf("memsys: cleanup l1: %w", err)
	}
	if _, err := s.L2.DeleteSession(ctx, sessionID); err != nil {
		return fmt.Errorf("memsys: cleanup l2: %w", err)
	}
	if _, err := s.L3.DeleteSession(ctx, sessionID); err != nil {
		return fmt.Errorf("memsys: cleanup l3: %w", err)
	}
	return nil
}

// ContextBlock aggregates everything GetContextBlock assembles for a
// single rendering pass.
type ContextBlock struct {
	StandingOrders    []model.Fact
	KeyFacts          []model.Fact
	RecentTurns       []model.Turn
	RelatedEpisodes   []model.Episode
	RelevantKnowledge []model.KnowledgeDocument
}

// GetContextBlock assembles recent L1 turns, L2 facts above min_ciar, and a
// small sample of related L3 episodes into a single renderable block.
func (s *System) GetContextBlock(ctx context.Context, sessionID string, minCIAR float64, maxTurns, maxFacts int) (ContextBlock, error) {
	turns, err := s.L1.RetrieveSession(ctx, sessionID)
	if err != nil {
		return ContextBlock{}, fmt.Errorf("memsys: retrieve turns: %w", err)
	}
	if maxTurns > 0 && len(turns) > maxTurns {
		turns = turns[:maxTurns]
	}

	facts, err := s.L2.QueryBySession(ctx, sessionID, minCIAR, false, maxFacts)
	if err != nil {
		return ContextBlock{}, fmt.Errorf("memsys: query facts: %w", err)
	}

	var standing, key []model.Fact
	for _, f := range facts {
		if f.FactType == "instruction" {
			standing = append(standing, f)
		} else {
			key = append(key, f)
		}
	}

	var episodes []model.Episode
	if s.L3 != nil {
		episodes, err = s.L3.RecentEpisodes(ctx, sessionID, 3)
		if err != nil {
			episodes = nil
		}
	}

	return ContextBlock{
		StandingOrders:  standing,
		KeyFacts:        key,
		RecentTurns:     turns,
		RelatedEpisodes: episodes,
	}, nil
}

// ToPromptString renders the context block in section order: standing
// orders, key facts, recent conversation, related episodes, relevant
// knowledge. The [ACTIVE STANDING ORDERS] section is emitted ahead of
// everything else whenever any instruction-type fact is present — a
// behavioral precedence guarantee, not just a formatting convention.
func (c ContextBlock) ToPromptString() string {
	var b strings.Builder

	if len(c.StandingOrders) > 0 {
		b.WriteString("[ACTIVE STANDING ORDERS]\n")
		for _, f := range c.StandingOrders {
			fmt.Fprintf(&b, "- %s\n", f.Content)
		}
		b.WriteString("\n")
	}

	if len(c.KeyFacts) > 0 {
		b.WriteString("[KEY FACTS]\n")
		for _, f := range c.KeyFacts {
			fmt.Fprintf(&b, "- %s\n", f.Content)
		}
		b.WriteString("\n")
	}

	if len(c.RecentTurns) > 0 {
		b.WriteString("[RECENT CONVERSATION]\n")
		for i := len(c.RecentTurns) - 1; i >= 0; i-- {
			t := c.RecentTurns[i]
			fmt.Fprintf(&b, "%s: %s\n", t.Role, t.Content)
		}
		b.WriteString("\n")
	}

	if len(c.RelatedEpisodes) > 0 {
		b.WriteString("[RELATED EPISODES]\n")
		for _, ep := range c.RelatedEpisodes {
			fmt.Fprintf(&b, "- %s\n", ep.Summary)
		}
		b.WriteString("\n")
	}

	if len(c.RelevantKnowledge) > 0 {
		b.WriteString("[RELEVANT KNOWLEDGE]\n")
		for _, doc := range c.RelevantKnowledge {
			fmt.Fprintf(&b, "- %s: %s\n", doc.Title, doc.Content)
		}
	}

	return strings.TrimRight(b.String(), "\n")
}

// WithRelevantKnowledge attaches the documents of a direct L4 search for
// query, ordered by usefulness score, to an already-built context block. On
// a search error the block is returned unchanged.
func (s *System) WithRelevantKnowledge(ctx context.Context, block ContextBlock, query string, limit int) ContextBlock {
	if s.L4 == nil || query == "" {
		return block
	}
	hits, err := s.L4.Search(ctx, query, l4.SearchFilter{}, limit)
	if err != nil {
		return block
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Document.UsefulnessScore > hits[j].Document.UsefulnessScore })
	docs := make([]model.KnowledgeDocument, 0, len(hits))
	for _, h := range hits {
		docs = append(docs, h.Document)
	}
	block.RelevantKnowledge = docs
	return block
}
