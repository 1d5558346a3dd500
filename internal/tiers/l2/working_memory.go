// Package l2 implements the Working Memory tier: CIAR-gated facts persisted
// to a relational table, re-scored on every access, swept by TTL.
package l2

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"cortexmem/internal/ciar"
	"cortexmem/internal/model"
	"cortexmem/internal/storage"
)

const factsTable = "working_memory"

// ValidationError reports that a candidate fact was rejected before being
// written, e.g. for failing the CIAR significance gate.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return e.Reason }

// Config tunes the tier's significance floor and expiry.
type Config struct {
	MinCIAR float64
	TTLDays int
}

// DefaultConfig mirrors the documented defaults: a 0.6 CIAR floor and a
// 7-day TTL.
func DefaultConfig() Config {
	return Config{MinCIAR: 0.6, TTLDays: 7}
}

// Tier is the L2 Working Memory store.
type Tier struct {
	rel    storage.RelationalStore
	config Config
}

// New constructs an L2 tier over a relational store.
func New(rel storage.RelationalStore, cfg Config) *Tier {
	if cfg.MinCIAR <= 0 {
		cfg.MinCIAR = 0.6
	}
	if cfg.TTLDays <= 0 {
		cfg.TTLDays = 7
	}
	return &Tier{rel: rel, config: cfg}
}

// StoreFact computes the fact's CIAR components, rejects it with a
// *ValidationError if the composite score is below the configured floor,
// and otherwise persists it with access bookkeeping initialized to zero.
func (t *Tier) StoreFact(ctx context.Context, fact model.Fact) (model.Fact, error) {
	now := time.Now().UTC()
	if fact.FactID == "" {
		fact.FactID = uuid.NewString()
	}
	if fact.CreatedAt.IsZero() {
		fact.CreatedAt = now
	}

	components := ciar.CalculateComponents(ciar.Input{
		Content:     fact.Content,
		FactType:    fact.FactType,
		Important:   fact.Metadata != nil && fact.Metadata["important"] == true,
		AccessCount: 0,
		CreatedAt:   fact.CreatedAt,
		Now:         now,
		ExplicitCertainty: nonZeroPtr(fact.Certainty),
		ExplicitImpact:    nonZeroPtr(fact.Impact),
	})
	fact.Certainty = components.Certainty
	fact.Impact = components.Impact
	fact.AgeDecay = components.AgeDecay
	fact.RecencyBoost = components.RecencyBoost
	fact.CIARScore = components.Score()
	fact.AccessCount = 0
	fact.LastAccessedAt = fact.CreatedAt

	if !ciar.ExceedsThreshold(fact.CIARScore, t.config.MinCIAR) {
		return model.Fact{}, &ValidationError{Reason: fmt.Sprintf("ciar_score %.3f below threshold %.3f", fact.CIARScore, t.config.MinCIAR)}
	}

	row := factToRow(fact)
	if err := t.rel.Insert(ctx, factsTable, row); err != nil {
		return model.Fact{}, fmt.Errorf("l2: insert fact: %w", err)
	}
	return fact, nil
}

// nonZeroPtr returns a pointer to v if the caller supplied an explicit,
// non-zero value, or nil to let the scorer infer it.
func nonZeroPtr(v float64) *float64 {
	if v == 0 {
		return nil
	}
	return &v
}

// QueryBySession returns facts for a session ordered by ciar_score DESC,
// last_accessed DESC, bounded by limit. Unless includeLowCIAR is set, only
// facts at or above the configured floor (or the explicit minCIAR override,
// if non-zero) are returned.
func (t *Tier) QueryBySession(ctx context.Context, sessionID string, minCIAR float64, includeLowCIAR bool, limit int) ([]model.Fact, error) {
	rows, err := t.rel.Query(ctx, factsTable, storage.Filter{"session_id": sessionID}, "ciar_score DESC", 0)
	if err != nil {
		return nil, fmt.Errorf("l2: query by session: %w", err)
	}
	floor := t.config.MinCIAR
	if minCIAR > 0 {
		floor = minCIAR
	}
	facts := make([]model.Fact, 0, len(rows))
	for _, row := range rows {
		fact := factFromRow(row)
		if !includeLowCIAR && fact.CIARScore < floor {
			continue
		}
		facts = append(facts, fact)
	}
	facts = sortByScoreThenAccess(facts)
	if limit > 0 && len(facts) > limit {
		facts = facts[:limit]
	}
	return facts, nil
}

// sortByScoreThenAccess enforces the documented tie-break (ciar_score DESC,
// last_accessed DESC) independent of what the backing store's ORDER BY
// honored, since not every adapter supports a two-column sort.
func sortByScoreThenAccess(facts []model.Fact) []model.Fact {
	out := append([]model.Fact(nil), facts...)
	for i := 1; i < len(out); i++ {
		j := i
		for j > 0 && less(out[j], out[j-1]) {
			out[j], out[j-1] = out[j-1], out[j]
			j--
		}
	}
	return out
}

func less(a, b model.Fact) bool {
	if a.CIARScore != b.CIARScore {
		return a.CIARScore > b.CIARScore
	}
	return a.LastAccessedAt.After(b.LastAccessedAt)
}

// Retrieve fetches a single fact by id, increments its access bookkeeping,
// recomputes recency_boost and the composite score, and persists the
// update before returning the refreshed fact.
func (t *Tier) Retrieve(ctx context.Context, factID string) (model.Fact, bool, error) {
	rows, err := t.rel.Query(ctx, factsTable, storage.Filter{"fact_id": factID}, "", 1)
	if err != nil {
		return model.Fact{}, false, fmt.Errorf("l2: retrieve query: %w", err)
	}
	if len(rows) == 0 {
		return model.Fact{}, false, nil
	}
	fact := factFromRow(rows[0])

	now := time.Now().UTC()
	fact.AccessCount++
	fact.LastAccessedAt = now
	components := ciar.CalculateComponents(ciar.Input{
		ExplicitCertainty: &fact.Certainty,
		ExplicitImpact:    &fact.Impact,
		AccessCount:       fact.AccessCount,
		Important:         fact.Metadata != nil && fact.Metadata["important"] == true,
		CreatedAt:         fact.CreatedAt,
		Now:               now,
	})
	fact.AgeDecay = components.AgeDecay
	fact.RecencyBoost = components.RecencyBoost
	fact.CIARScore = components.Score()

	if _, err := t.rel.Update(ctx, factsTable, storage.Filter{"fact_id": factID}, map[string]any{
		"access_count":  fact.AccessCount,
		"last_accessed": fact.LastAccessedAt,
		"age_decay":     fact.AgeDecay,
		"recency_boost": fact.RecencyBoost,
		"ciar_score":    fact.CIARScore,
	}); err != nil {
		return model.Fact{}, false, fmt.Errorf("l2: retrieve update: %w", err)
	}
	return fact, true, nil
}

// CleanupExpired deletes facts whose created_at is older than ttl_days.
func (t *Tier) CleanupExpired(ctx context.Context) (int, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -t.config.TTLDays)
	rows, err := t.rel.Query(ctx, factsTable, storage.Filter{}, "", 0)
	if err != nil {
		return 0, fmt.Errorf("l2: cleanup scan: %w", err)
	}
	expired := 0
	for _, row := range rows {
		fact := factFromRow(row)
		if fact.CreatedAt.Before(cutoff) {
			n, err := t.rel.DeleteByFilters(ctx, factsTable, storage.Filter{"fact_id": fact.FactID})
			if err != nil {
				return expired, fmt.Errorf("l2: cleanup delete: %w", err)
			}
			expired += n
		}
	}
	return expired, nil
}

// CleanupBelowRelevance sweeps facts whose time-decayed, access-boosted
// relevance has fallen below floor, independent of ttl_days. Relevance is
// ciar_score decayed by days since last access and boosted by log-scaled
// access frequency, the same shape as the agent memory store's
// relevance-based prune. This is additive: it never loosens the mandatory
// CleanupExpired sweep, only runs ahead of it.
func (t *Tier) CleanupBelowRelevance(ctx context.Context, floor float64, decayPerDay float64) (int, error) {
	if decayPerDay <= 0 || decayPerDay >= 1 {
		decayPerDay = 0.98
	}
	rows, err := t.rel.Query(ctx, factsTable, storage.Filter{}, "", 0)
	if err != nil {
		return 0, fmt.Errorf("l2: relevance scan: %w", err)
	}
	now := time.Now().UTC()
	swept := 0
	for _, row := range rows {
		fact := factFromRow(row)
		daysSinceAccess := now.Sub(fact.LastAccessedAt).Hours() / 24
		decay := math.Pow(decayPerDay, daysSinceAccess)
		accessBoost := 1.0 + 0.1*math.Log1p(float64(fact.AccessCount))
		relevance := fact.CIARScore * decay * accessBoost
		if relevance >= floor {
			continue
		}
		n, err := t.rel.DeleteByFilters(ctx, factsTable, storage.Filter{"fact_id": fact.FactID})
		if err != nil {
			return swept, fmt.Errorf("l2: relevance delete: %w", err)
		}
		swept += n
	}
	return swept, nil
}

// Health reports the backing relational store's success-rate snapshot,
// used by the aggregate health endpoint.
func (t *Tier) Health() storage.Snapshot {
	return t.rel.Metrics().Snapshot()
}

// DeleteSession removes every fact belonging to a session, used by the
// facade's cascade-delete cleanup path.
func (t *Tier) DeleteSession(ctx context.Context, sessionID string) (int, error) {
	n, err := t.rel.DeleteByFilters(ctx, factsTable, storage.Filter{"session_id": sessionID})
	if err != nil {
		return 0, fmt.Errorf("l2: delete session: %w", err)
	}
	return n, nil
}

func factToRow(f model.Fact) map[string]any {
	return map[string]any{
		"fact_id":          f.FactID,
		"session_id":       f.SessionID,
		"content":          f.Content,
		"fact_type":        f.FactType,
		"fact_category":    f.FactCategory,
		"certainty":        f.Certainty,
		"impact":           f.Impact,
		"age_decay":        f.AgeDecay,
		"recency_boost":    f.RecencyBoost,
		"ciar_score":       f.CIARScore,
		"source_uri":       f.SourceURI,
		"source_type":      f.SourceType,
		"topic_segment_id": f.TopicSegmentID,
		"access_count":     f.AccessCount,
		"metadata":         f.Metadata,
		"extracted_at":     f.CreatedAt,
		"last_accessed":    f.LastAccessedAt,
	}
}

func factFromRow(row map[string]any) model.Fact {
	f := model.Fact{
		FactID:         stringField(row, "fact_id"),
		SessionID:      stringField(row, "session_id"),
		Content:        stringField(row, "content"),
		FactType:       stringField(row, "fact_type"),
		FactCategory:   stringField(row, "fact_category"),
		Certainty:      floatField(row, "certainty"),
		Impact:         floatField(row, "impact"),
		AgeDecay:       floatField(row, "age_decay"),
		RecencyBoost:   floatField(row, "recency_boost"),
		CIARScore:      floatField(row, "ciar_score"),
		SourceURI:      stringField(row, "source_uri"),
		SourceType:     stringField(row, "source_type"),
		TopicSegmentID: stringField(row, "topic_segment_id"),
		AccessCount:    intField(row, "access_count"),
	}
	if md, ok := row["metadata"].(map[string]any); ok {
		f.Metadata = md
	}
	if ts, ok := row["extracted_at"].(time.Time); ok {
		f.CreatedAt = ts
	}
	if ts, ok := row["last_accessed"].(time.Time); ok {
		f.LastAccessedAt = ts
	}
	return f
}

func stringField(row map[string]any, key string) string {
	if v, ok := row[key].(string); ok {
		return v
	}
	return ""
}

func floatField(row map[string]any, key string) float64 {
	switch v := row[key].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	}
	return 0
}

func intField(row map[string]any, key string) int {
	switch v := row[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}
