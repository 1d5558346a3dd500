// Package l4 implements the Semantic Memory tier: durable knowledge
// documents with full-text search, faceted filtering, and provenance.
package l4

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"cortexmem/internal/model"
	"cortexmem/internal/observability"
	"cortexmem/internal/storage"
)

const payloadField = "payload"

// ValidationError reports a structural invariant violation caught before
// a document is written (e.g. missing provenance).
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return e.Reason }

// Tier is the L4 Semantic Memory store.
type Tier struct {
	ft storage.FullTextStore
}

// New constructs an L4 tier over a full-text store.
func New(ft storage.FullTextStore) *Tier {
	return &Tier{ft: ft}
}

// Health reports the backing full-text store's success-rate snapshot, used
// by the aggregate health endpoint.
func (t *Tier) Health() storage.Snapshot {
	return t.ft.Metrics().Snapshot()
}

// Store indexes a knowledge document for both full-text search and
// faceted retrieval. SourceEpisodes must be non-empty; the caller is
// responsible for having already confirmed those episodes exist in L3.
func (t *Tier) Store(ctx context.Context, doc model.KnowledgeDocument) (model.KnowledgeDocument, error) {
	if len(doc.SourceEpisodes) == 0 {
		return model.KnowledgeDocument{}, &ValidationError{Reason: "source_episode_ids must be non-empty"}
	}
	if doc.DocumentID == "" {
		doc.DocumentID = uuid.NewString()
	}
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = time.Now().UTC()
	}
	doc.UsefulnessScore = clamp01(doc.UsefulnessScore)

	if err := t.ft.IndexDocument(ctx, doc.DocumentID, searchableText(doc), buildFacets(doc)); err != nil {
		return model.KnowledgeDocument{}, fmt.Errorf("l4: index document: %w", err)
	}
	if err := t.persistPayload(ctx, doc); err != nil {
		return model.KnowledgeDocument{}, fmt.Errorf("l4: persist payload: %w", err)
	}
	return doc, nil
}

func searchableText(doc model.KnowledgeDocument) string {
	return doc.Title + "\n" + doc.Content
}

func buildFacets(doc model.KnowledgeDocument) map[string]string {
	facets := make(map[string]string, len(doc.Facets)+2)
	for k, v := range doc.Facets {
		facets[k] = v
	}
	facets["knowledge_type"] = doc.KnowledgeType
	if len(doc.Tags) > 0 {
		sorted := append([]string(nil), doc.Tags...)
		sort.Strings(sorted)
		facets["tags"] = strings.Join(sorted, ",")
	}
	return facets
}

func (t *Tier) persistPayload(ctx context.Context, doc model.KnowledgeDocument) error {
	payload, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal document: %w", err)
	}
	return t.ft.UpdateDocument(ctx, doc.DocumentID, map[string]any{payloadField: string(payload)})
}

// SearchFilter names the facets the search-semantics section documents:
// knowledge_type, arbitrary domain facets, tags, and a usefulness/
// confidence floor. RawFacets, if set, is merged in last and wins on key
// conflicts — the documented "raw filter override".
type SearchFilter struct {
	KnowledgeType string
	Facets        map[string]string
	Tags          []string
	MinConfidence float64
	RawFacets     map[string]string
}

// SearchResult pairs a rehydrated document with its full-text search_score.
type SearchResult struct {
	Document    model.KnowledgeDocument
	SearchScore float64
}

// Search builds an equality-facet filter from the named facets, executes
// the full-text query, applies the client-side tag/confidence refinements
// the backend's equality-only facet filter can't express, and sorts by
// usefulness_score descending by default.
func (t *Tier) Search(ctx context.Context, query string, filter SearchFilter, limit int) ([]SearchResult, error) {
	if limit <= 0 {
		limit = 10
	}
	equality := map[string]string{}
	for k, v := range filter.Facets {
		equality[k] = v
	}
	if filter.KnowledgeType != "" {
		equality["knowledge_type"] = filter.KnowledgeType
	}
	for k, v := range filter.RawFacets {
		equality[k] = v
	}

	// Over-fetch since tag/min-confidence filtering happens after hydration.
	hits, err := t.ft.Search(ctx, query, equality, limit*4)
	if err != nil {
		return nil, fmt.Errorf("l4: search: %w", err)
	}

	out := make([]SearchResult, 0, len(hits))
	for _, hit := range hits {
		doc, ok, err := t.hydrate(ctx, hit.ID)
		if err != nil || !ok {
			continue
		}
		if !hasAllTags(doc.Tags, filter.Tags) {
			continue
		}
		if doc.ConfidenceScore < filter.MinConfidence {
			continue
		}
		out = append(out, SearchResult{Document: doc, SearchScore: hit.Score})
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Document.UsefulnessScore > out[j].Document.UsefulnessScore
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// CountForEpisodes returns the number of knowledge documents citing at
// least one of the given episode ids as a source, used by the memory_state
// diagnostic endpoint since L4 itself is session-agnostic.
func (t *Tier) CountForEpisodes(ctx context.Context, episodeIDs []string) (int, error) {
	if len(episodeIDs) == 0 {
		return 0, nil
	}
	wanted := make(map[string]bool, len(episodeIDs))
	for _, id := range episodeIDs {
		wanted[id] = true
	}
	hits, err := t.ft.Search(ctx, "", nil, 0)
	if err != nil {
		return 0, fmt.Errorf("l4: count for episodes: %w", err)
	}
	count := 0
	for _, hit := range hits {
		doc, ok, err := t.hydrate(ctx, hit.ID)
		if err != nil || !ok {
			continue
		}
		for _, src := range doc.SourceEpisodes {
			if wanted[src] {
				count++
				break
			}
		}
	}
	return count, nil
}

func hasAllTags(have, want []string) bool {
	if len(want) == 0 {
		return true
	}
	set := make(map[string]bool, len(have))
	for _, t := range have {
		set[t] = true
	}
	for _, w := range want {
		if !set[w] {
			return false
		}
	}
	return true
}

// Retrieve fetches a document by id. On a hit, it increments access
// bookkeeping and re-indexes the document; that side effect is
// best-effort and never fails the read.
func (t *Tier) Retrieve(ctx context.Context, id string) (model.KnowledgeDocument, bool, error) {
	doc, ok, err := t.hydrate(ctx, id)
	if err != nil {
		return model.KnowledgeDocument{}, false, fmt.Errorf("l4: retrieve: %w", err)
	}
	if !ok {
		return model.KnowledgeDocument{}, false, nil
	}

	doc.AccessCount++
	doc.LastAccessedAt = time.Now().UTC()
	if err := t.persistPayload(ctx, doc); err != nil {
		observability.LoggerWithTrace(ctx).Warn().Err(err).Str("document_id", id).Msg("l4_retrieve_reindex_failed")
	}
	return doc, true, nil
}

// UpdateUsefulness adjusts a document's usefulness_score by delta, clamped
// to [0,1].
func (t *Tier) UpdateUsefulness(ctx context.Context, id string, delta float64) (model.KnowledgeDocument, error) {
	doc, ok, err := t.hydrate(ctx, id)
	if err != nil {
		return model.KnowledgeDocument{}, fmt.Errorf("l4: update usefulness: %w", err)
	}
	if !ok {
		return model.KnowledgeDocument{}, fmt.Errorf("l4: document %s not found", id)
	}
	doc.UsefulnessScore = clamp01(doc.UsefulnessScore + delta)
	if err := t.persistPayload(ctx, doc); err != nil {
		return model.KnowledgeDocument{}, fmt.Errorf("l4: persist usefulness update: %w", err)
	}
	return doc, nil
}

// RecordValidation increments a document's validation_count, e.g. when a
// downstream consumer confirms the knowledge still holds.
func (t *Tier) RecordValidation(ctx context.Context, id string) (model.KnowledgeDocument, error) {
	doc, ok, err := t.hydrate(ctx, id)
	if err != nil {
		return model.KnowledgeDocument{}, fmt.Errorf("l4: record validation: %w", err)
	}
	if !ok {
		return model.KnowledgeDocument{}, fmt.Errorf("l4: document %s not found", id)
	}
	doc.ValidationCount++
	if err := t.persistPayload(ctx, doc); err != nil {
		return model.KnowledgeDocument{}, fmt.Errorf("l4: persist validation update: %w", err)
	}
	return doc, nil
}

// Delete removes a document by id.
func (t *Tier) Delete(ctx context.Context, id string) error {
	return t.ft.DeleteDocument(ctx, id)
}

func (t *Tier) hydrate(ctx context.Context, id string) (model.KnowledgeDocument, bool, error) {
	fields, ok, err := t.ft.GetDocument(ctx, id)
	if err != nil {
		return model.KnowledgeDocument{}, false, err
	}
	if !ok {
		return model.KnowledgeDocument{}, false, nil
	}
	raw, ok := fields[payloadField].(string)
	if !ok {
		return model.KnowledgeDocument{}, false, fmt.Errorf("document %s missing payload field", id)
	}
	var doc model.KnowledgeDocument
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return model.KnowledgeDocument{}, false, fmt.Errorf("decode document %s: %w", id, err)
	}
	return doc, true, nil
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
