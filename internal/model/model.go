// Package model defines the data entities shared across all four memory
// tiers: Turn (L1), Fact (L2), Episode (L3), and KnowledgeDocument (L4).
package model

import "time"

// Turn is a single conversational exchange held in L1 Active Context.
type Turn struct {
	SessionID string         `json:"session_id"`
	TurnID    string         `json:"turn_id"`
	Role      string         `json:"role"` // "user" | "assistant" | "system" | "tool"
	Content   string         `json:"content"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Fact is a CIAR-gated unit of extracted knowledge held in L2 Working
// Memory. FactType "instruction" facts take mandatory precedence in
// rendered context (see internal/memsys).
type Fact struct {
	FactID         string         `json:"fact_id"`
	SessionID      string         `json:"session_id"`
	Content        string         `json:"content"`
	FactType       string         `json:"fact_type"` // preference | constraint | entity | mention | relationship | event | instruction
	FactCategory   string         `json:"fact_category,omitempty"` // personal | business | technical | operational
	Certainty      float64        `json:"certainty"`
	Impact         float64        `json:"impact"`
	AgeDecay       float64        `json:"age_decay"`
	RecencyBoost   float64        `json:"recency_boost"`
	CIARScore      float64        `json:"ciar_score"`
	SourceURI      string         `json:"source_uri,omitempty"`
	SourceType     string         `json:"source_type,omitempty"`
	TopicSegmentID string         `json:"topic_segment_id,omitempty"`
	AccessCount    int            `json:"access_count"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	LastAccessedAt time.Time      `json:"last_accessed_at"`
}

// Episode is a bi-temporal, dual-indexed (vector + graph) unit of L3
// Episodic Memory. ValidFrom/ValidTo describe when the underlying facts
// were true in the world (valid-time); ObservedAt is when the system
// recorded them (transaction-time). VectorID/GraphNodeID are the
// cross-reference handles tying the two index halves together.
type Episode struct {
	EpisodeID       string         `json:"episode_id"`
	SessionID       string         `json:"session_id"`
	Summary         string         `json:"summary"`
	Narrative       string         `json:"narrative,omitempty"`
	SourceFactIDs   []string       `json:"source_fact_ids,omitempty"`
	Embedding       []float32      `json:"-"`
	Entities        []string       `json:"entities,omitempty"`
	Topics          []string       `json:"topics,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
	ValidFrom       time.Time      `json:"fact_valid_from"`
	ValidTo         time.Time      `json:"fact_valid_to,omitzero"`
	ObservedAt      time.Time      `json:"source_observation_timestamp"`
	TimeWindowStart time.Time      `json:"time_window_start,omitzero"`
	TimeWindowEnd   time.Time      `json:"time_window_end,omitzero"`
	ImportanceScore float64        `json:"importance_score"`
	VectorID        string         `json:"vector_id,omitempty"`
	GraphNodeID     string         `json:"graph_node_id,omitempty"`
}

// KnowledgeDocument is a synthesized, long-lived unit of L4 Semantic
// Memory. UsefulnessScore/AccessCount/ValidationCount are the only mutable
// fields; identity and provenance are fixed at creation.
type KnowledgeDocument struct {
	DocumentID      string            `json:"document_id"`
	KnowledgeType   string            `json:"knowledge_type"` // summary | insight | pattern | recommendation | rule
	Title           string            `json:"title"`
	Content         string            `json:"content"`
	ConfidenceScore float64           `json:"confidence_score"`
	Tags            []string          `json:"tags,omitempty"`
	Facets          map[string]string `json:"facets,omitempty"`
	SourceEpisodes  []string          `json:"source_episodes,omitempty"`
	UsefulnessScore float64           `json:"usefulness_score"`
	AccessCount     int               `json:"access_count"`
	ValidationCount int               `json:"validation_count"`
	CreatedAt       time.Time         `json:"created_at"`
	LastAccessedAt  time.Time         `json:"last_accessed_at"`
}
