// Package promotion implements the PromotionEngine: it lifts facts out of
// an L1 turn window into L2 Working Memory, topic-segmenting the window
// and extracting typed facts via a single LLM collaborator call each, with
// regex-based fallbacks when the LLM is unavailable or misbehaves.
package promotion

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"cortexmem/internal/ciar"
	"cortexmem/internal/llm"
	"cortexmem/internal/model"
	"cortexmem/internal/observability"
	"cortexmem/internal/tiers/l1"
	"cortexmem/internal/tiers/l2"
)

// Config tunes the engine's trigger and promotion gate.
type Config struct {
	BatchMinTurns      int
	PromotionThreshold float64
}

// DefaultConfig mirrors the documented defaults.
func DefaultConfig() Config {
	return Config{BatchMinTurns: 3, PromotionThreshold: 0.6}
}

// Segment is one topic span of a turn window, as returned by the
// TopicSegmenter (LLM or synthetic fallback).
type Segment struct {
	Topic            string   `json:"topic"`
	Summary          string   `json:"summary"`
	KeyPoints        []string `json:"key_points"`
	TurnIndices      []int    `json:"turn_indices"`
	Certainty        float64  `json:"certainty"`
	Impact           float64  `json:"impact"`
	ParticipantCount int      `json:"participant_count"`
	MessageCount     int      `json:"message_count"`
	TemporalContext  string   `json:"temporal_context"`
}

// extractedFact is the FactExtractor's typed output shape before CIAR
// scoring and persistence.
type extractedFact struct {
	Content   string  `json:"content"`
	Type      string  `json:"type"`
	Category  string  `json:"category"`
	Certainty float64 `json:"certainty"`
	Impact    float64 `json:"impact"`
}

// Stats reports one promotion run's outcome.
type Stats struct {
	TurnsRetrieved int    `json:"turns_retrieved"`
	FactsExtracted int    `json:"facts_extracted"`
	FactsPromoted  int    `json:"facts_promoted"`
	Errors         int    `json:"errors"`
	LastError      string `json:"last_error,omitempty"`
	Reason         string `json:"reason,omitempty"`
}

// Engine is the PromotionEngine: L1 -> L2.
type Engine struct {
	l1       *l1.Tier
	l2       *l2.Tier
	provider llm.Provider
	config   Config
}

// New constructs a PromotionEngine over the given tiers and LLM collaborator.
func New(l1Tier *l1.Tier, l2Tier *l2.Tier, provider llm.Provider, cfg Config) *Engine {
	return &Engine{l1: l1Tier, l2: l2Tier, provider: provider, config: cfg}
}

// PromoteSession runs one promotion cycle for a session: retrieve the L1
// window, segment by topic, extract facts per segment, score, and persist
// to L2 those clearing the promotion threshold.
func (e *Engine) PromoteSession(ctx context.Context, sessionID string) Stats {
	log := observability.LoggerWithTrace(ctx)
	stats := Stats{}

	turns, err := e.l1.RetrieveSession(ctx, sessionID)
	if err != nil {
		stats.Errors++
		stats.LastError = err.Error()
		return stats
	}
	stats.TurnsRetrieved = len(turns)
	if len(turns) < e.config.BatchMinTurns {
		stats.Reason = "below_minimum"
		return stats
	}

	segments := e.segmentTopics(ctx, turns)
	for _, seg := range segments {
		facts := e.extractFacts(ctx, seg, turns)
		stats.FactsExtracted += len(facts)
		for _, ef := range facts {
			fact := model.Fact{
				SessionID: sessionID,
				Content:   ef.Content,
				FactType:  normalizeFactType(ef.Type),
				FactCategory: ef.Category,
				Certainty: ef.Certainty,
				Impact:    ef.Impact,
				CreatedAt: time.Now().UTC(),
			}
			components := ciar.CalculateComponents(ciar.Input{
				Content:            fact.Content,
				FactType:           fact.FactType,
				ExplicitCertainty:  nonZeroPtr(fact.Certainty),
				ExplicitImpact:     nonZeroPtr(fact.Impact),
				CreatedAt:          fact.CreatedAt,
			})
			if components.Score() < e.config.PromotionThreshold {
				continue
			}
			fact.Certainty = components.Certainty
			fact.Impact = components.Impact
			if _, err := e.l2.StoreFact(ctx, fact); err != nil {
				stats.Errors++
				stats.LastError = err.Error()
				log.Warn().Err(err).Str("session_id", sessionID).Msg("promotion_store_fact_failed")
				continue
			}
			stats.FactsPromoted++
		}
	}
	return stats
}

func nonZeroPtr(v float64) *float64 {
	if v == 0 {
		return nil
	}
	return &v
}

func normalizeFactType(t string) string {
	switch strings.ToLower(strings.TrimSpace(t)) {
	case "instruction", "preference", "constraint", "relationship", "entity", "event", "mention":
		return strings.ToLower(t)
	default:
		return "mention"
	}
}

// segmentTopics makes a single LLM call asking for a JSON segment list. On
// failure or invalid/empty output it falls back to a single synthetic
// segment covering the whole window at low certainty.
func (e *Engine) segmentTopics(ctx context.Context, turns []model.Turn) []Segment {
	log := observability.LoggerWithTrace(ctx)
	if e.provider == nil {
		return []Segment{syntheticSegment(turns)}
	}

	prompt := segmentationPrompt(turns)
	msg, err := e.provider.Chat(ctx, []llm.Message{
		{Role: "system", Content: "You segment a conversation into topics and return strict JSON only."},
		{Role: "user", Content: prompt},
	}, "")
	if err != nil {
		log.Warn().Err(err).Msg("promotion_segmentation_llm_failed")
		return []Segment{syntheticSegment(turns)}
	}

	var segments []Segment
	if err := json.Unmarshal([]byte(stripCodeFence(msg.Content)), &segments); err != nil || len(segments) == 0 {
		log.Warn().Err(err).Msg("promotion_segmentation_invalid_json")
		return []Segment{syntheticSegment(turns)}
	}
	return segments
}

func syntheticSegment(turns []model.Turn) Segment {
	return Segment{
		Topic:        "conversation",
		Summary:      "Unsegmented conversation window",
		TurnIndices:  rangeInts(len(turns)),
		Certainty:    0.3,
		MessageCount: len(turns),
	}
}

func rangeInts(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = i
	}
	return out
}

func segmentationPrompt(turns []model.Turn) string {
	var b strings.Builder
	b.WriteString("Segment the following turns by topic. Return a JSON array of objects with fields: ")
	b.WriteString("topic, summary, key_points, turn_indices, certainty, impact, participant_count, message_count, temporal_context.\n\n")
	for i, t := range turns {
		fmt.Fprintf(&b, "[%d] %s: %s\n", i, t.Role, t.Content)
	}
	return b.String()
}

// extractFacts makes a single LLM call asking for typed facts grounded in
// the segment's turns. On LLM failure or invalid JSON it falls back to
// regex-based extraction.
func (e *Engine) extractFacts(ctx context.Context, seg Segment, turns []model.Turn) []extractedFact {
	log := observability.LoggerWithTrace(ctx)
	segmentText := segmentText(seg, turns)

	if e.provider == nil {
		return ruleBasedExtract(segmentText)
	}

	msg, err := e.provider.Chat(ctx, []llm.Message{
		{Role: "system", Content: "You extract durable facts from a conversation segment and return strict JSON only."},
		{Role: "user", Content: extractionPrompt(segmentText)},
	}, "")
	if err != nil {
		log.Warn().Err(err).Msg("promotion_extraction_llm_failed")
		return ruleBasedExtract(segmentText)
	}

	var facts []extractedFact
	if err := json.Unmarshal([]byte(stripCodeFence(msg.Content)), &facts); err != nil || len(facts) == 0 {
		log.Warn().Err(err).Msg("promotion_extraction_invalid_json")
		return ruleBasedExtract(segmentText)
	}
	return facts
}

func segmentText(seg Segment, turns []model.Turn) string {
	if len(seg.TurnIndices) == 0 {
		var b strings.Builder
		for _, t := range turns {
			b.WriteString(t.Content)
			b.WriteString("\n")
		}
		return b.String()
	}
	var b strings.Builder
	for _, idx := range seg.TurnIndices {
		if idx < 0 || idx >= len(turns) {
			continue
		}
		b.WriteString(turns[idx].Content)
		b.WriteString("\n")
	}
	return b.String()
}

func extractionPrompt(segmentText string) string {
	return "Extract durable facts from this text as a JSON array of objects with fields: " +
		"content, type (instruction|preference|constraint|relationship|entity|event|mention), category, certainty, impact.\n\n" + segmentText
}

var (
	emailRe      = regexp.MustCompile(`[\w.+-]+@[\w-]+\.[\w.-]+`)
	possessiveRe = regexp.MustCompile(`(?i)\bmy\s+(\w+)\s+is\s+([^.!?\n]+)`)
	preferenceRe = regexp.MustCompile(`(?i)\bi\s+(?:like|love|prefer|enjoy|hate|dislike)\s+([^.!?\n]+)`)
)

// ruleBasedExtract is the regex fallback used when the LLM is unreachable
// or its output can't be parsed as the documented JSON fact shape.
func ruleBasedExtract(text string) []extractedFact {
	var facts []extractedFact
	for _, m := range emailRe.FindAllString(text, -1) {
		facts = append(facts, extractedFact{
			Content: "Contact email: " + m, Type: "entity", Category: "personal",
			Certainty: 0.9, Impact: 0.5,
		})
	}
	for _, m := range possessiveRe.FindAllStringSubmatch(text, -1) {
		facts = append(facts, extractedFact{
			Content: fmt.Sprintf("%s is %s", strings.TrimSpace(m[1]), strings.TrimSpace(m[2])),
			Type:    "entity", Category: "personal", Certainty: 0.7, Impact: 0.5,
		})
	}
	for _, m := range preferenceRe.FindAllStringSubmatch(text, -1) {
		facts = append(facts, extractedFact{
			Content: "User preference: " + strings.TrimSpace(m[1]),
			Type:    "preference", Category: "personal", Certainty: 0.8, Impact: 0.6,
		})
	}
	return facts
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
