// Package synthesis implements the KnowledgeSynthesizer: query-time
// retrieval and LLM synthesis over L4 knowledge documents, with a bounded
// cache, conflict surfacing, and a concatenated fallback on LLM failure.
package synthesis

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"cortexmem/internal/llm"
	"cortexmem/internal/observability"
	"cortexmem/internal/tiers/l4"
)

// Config tunes the cache lifetime, result shaping, and eviction bound.
type Config struct {
	CacheTTL           time.Duration
	SimilarityThreshold float64
	MaxResults         int
	CacheBound         int
}

// DefaultConfig mirrors the documented defaults: a 1h cache, a 0.85
// similarity floor, 5 max results, and a 100-entry cache bound.
func DefaultConfig() Config {
	return Config{CacheTTL: time.Hour, SimilarityThreshold: 0.85, MaxResults: 5, CacheBound: 100}
}

var negativeWords = []string{"avoid", "never", "don't", "do not", "against", "stop", "discourage"}
var positiveWords = []string{"should", "always", "recommend", "prefer", "adopt", "use"}

// Result is one synthesis call's full output.
type Result struct {
	Answer      string   `json:"answer"`
	Source      string   `json:"source"` // "cache" | "llm" | "fallback"
	Candidates  int      `json:"candidates"`
	HasConflicts bool    `json:"has_conflicts"`
	Conflicts   []string `json:"conflicts,omitempty"`
	ElapsedMS   int64    `json:"elapsed_ms"`
}

type cacheEntry struct {
	result    Result
	cachedAt  time.Time
}

// Synthesizer is the KnowledgeSynthesizer: L4 query-time.
type Synthesizer struct {
	l4       *l4.Tier
	provider llm.Provider
	config   Config

	mu    sync.Mutex
	cache map[string]cacheEntry
}

// New constructs a KnowledgeSynthesizer over an L4 tier and LLM collaborator.
func New(l4Tier *l4.Tier, provider llm.Provider, cfg Config) *Synthesizer {
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = time.Hour
	}
	if cfg.SimilarityThreshold <= 0 {
		cfg.SimilarityThreshold = 0.85
	}
	if cfg.MaxResults <= 0 {
		cfg.MaxResults = 5
	}
	if cfg.CacheBound <= 0 {
		cfg.CacheBound = 100
	}
	return &Synthesizer{l4: l4Tier, provider: provider, config: cfg, cache: map[string]cacheEntry{}}
}

// Synthesize answers a query from L4 knowledge documents: cache lookup,
// metadata-first retrieval, similarity-threshold filtering, conflict
// detection, then an LLM synthesis call (or a concatenated fallback).
func (s *Synthesizer) Synthesize(ctx context.Context, query string, filter l4.SearchFilter) Result {
	start := time.Now()
	key := cacheKey(query, filter)

	if cached, ok := s.cacheGet(key); ok {
		cached.ElapsedMS = time.Since(start).Milliseconds()
		return cached
	}

	hits, err := s.l4.Search(ctx, query, filter, 2*s.config.MaxResults)
	if err != nil {
		return Result{Answer: "", Source: "fallback", ElapsedMS: time.Since(start).Milliseconds()}
	}

	kept := make([]l4.SearchResult, 0, len(hits))
	for i, h := range hits {
		score := h.SearchScore
		if score <= 0 {
			score = syntheticScore(i)
		}
		if score >= s.config.SimilarityThreshold {
			kept = append(kept, h)
		}
	}
	if len(kept) > s.config.MaxResults {
		kept = kept[:s.config.MaxResults]
	}

	conflicts := detectConflicts(kept)

	result := s.answer(ctx, query, kept, conflicts)
	result.Candidates = len(kept)
	result.HasConflicts = len(conflicts) > 0
	result.Conflicts = conflicts
	result.ElapsedMS = time.Since(start).Milliseconds()

	s.cacheSet(key, result)
	return result
}

func syntheticScore(position int) float64 {
	score := 1.0 - 0.05*float64(position)
	if score < 0.6 {
		return 0.6
	}
	return score
}

// detectConflicts surfaces documents carrying an explicit conflict_tag
// facet, plus opposing-polarity pairs among recommendation-type documents
// found via a simple positive/negative keyword heuristic.
func detectConflicts(hits []l4.SearchResult) []string {
	var conflicts []string
	var positives, negatives []string
	for _, h := range hits {
		doc := h.Document
		if tag, ok := doc.Facets["conflict_tag"]; ok && tag != "" {
			conflicts = append(conflicts, fmt.Sprintf("%s: conflict_tag=%s", doc.DocumentID, tag))
		}
		if doc.KnowledgeType != "recommendation" {
			continue
		}
		lower := strings.ToLower(doc.Content)
		if containsAny(lower, negativeWords) {
			negatives = append(negatives, doc.DocumentID)
		}
		if containsAny(lower, positiveWords) {
			positives = append(positives, doc.DocumentID)
		}
	}
	if len(positives) > 0 && len(negatives) > 0 {
		conflicts = append(conflicts, fmt.Sprintf("opposing recommendations: %s vs %s", strings.Join(positives, ","), strings.Join(negatives, ",")))
	}
	return conflicts
}

func containsAny(text string, words []string) bool {
	for _, w := range words {
		if strings.Contains(text, w) {
			return true
		}
	}
	return false
}

func (s *Synthesizer) answer(ctx context.Context, query string, hits []l4.SearchResult, conflicts []string) Result {
	log := observability.LoggerWithTrace(ctx)
	if s.provider == nil || len(hits) == 0 {
		return Result{Answer: fallbackAnswer(hits), Source: "fallback"}
	}

	msg, err := s.provider.Chat(ctx, []llm.Message{
		{Role: "system", Content: "Answer the query in 3-5 sentences, citing document numbers like [1], [2]."},
		{Role: "user", Content: synthesisPrompt(query, hits, conflicts)},
	}, "")
	if err != nil {
		log.Warn().Err(err).Msg("synthesis_llm_failed")
		return Result{Answer: fallbackAnswer(hits), Source: "fallback"}
	}
	if strings.TrimSpace(msg.Content) == "" {
		return Result{Answer: fallbackAnswer(hits), Source: "fallback"}
	}
	return Result{Answer: msg.Content, Source: "llm"}
}

func synthesisPrompt(query string, hits []l4.SearchResult, conflicts []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Query: %s\n\nDocuments:\n", query)
	for i, h := range hits {
		fmt.Fprintf(&b, "[%d] %s: %s\n", i+1, h.Document.Title, h.Document.Content)
	}
	if len(conflicts) > 0 {
		b.WriteString("\nConflicts detected:\n")
		for _, c := range conflicts {
			b.WriteString("- ")
			b.WriteString(c)
			b.WriteString("\n")
		}
	}
	return b.String()
}

func fallbackAnswer(hits []l4.SearchResult) string {
	var b strings.Builder
	for i, h := range hits {
		if i > 0 {
			b.WriteString(" ")
		}
		head := h.Document.Content
		if len(head) > 160 {
			head = head[:160]
		}
		fmt.Fprintf(&b, "%s: %s", h.Document.Title, head)
	}
	return b.String()
}

func cacheKey(query string, filter l4.SearchFilter) string {
	parts := []string{"kt=" + filter.KnowledgeType}
	keys := make([]string, 0, len(filter.Facets))
	for k := range filter.Facets {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		parts = append(parts, k+"="+filter.Facets[k])
	}
	tags := append([]string(nil), filter.Tags...)
	sort.Strings(tags)
	parts = append(parts, "tags="+strings.Join(tags, ","))
	parts = append(parts, fmt.Sprintf("minconf=%.4f", filter.MinConfidence))

	sum := sha256.Sum256([]byte(query + "|" + strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])
}

func (s *Synthesizer) cacheGet(key string) (Result, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.cache[key]
	if !ok {
		return Result{}, false
	}
	if time.Since(entry.cachedAt) > s.config.CacheTTL {
		delete(s.cache, key)
		return Result{}, false
	}
	result := entry.result
	result.Source = "cache"
	return result, true
}

func (s *Synthesizer) cacheSet(key string, result Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.cache) >= s.config.CacheBound {
		s.evictOldest()
	}
	s.cache[key] = cacheEntry{result: result, cachedAt: time.Now()}
}

func (s *Synthesizer) evictOldest() {
	var oldestKey string
	var oldestAt time.Time
	for k, v := range s.cache {
		if oldestKey == "" || v.cachedAt.Before(oldestAt) {
			oldestKey = k
			oldestAt = v.cachedAt
		}
	}
	if oldestKey != "" {
		delete(s.cache, oldestKey)
	}
}
