// Package l3 implements the Episodic Memory tier: bi-temporal episodes
// dual-indexed into a vector store (similarity search) and a graph store
// (entity traversal), kept in sync from the caller's perspective.
package l3

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"cortexmem/internal/model"
	"cortexmem/internal/storage"
	"cortexmem/internal/storeerr"
)

const episodeLabel = "Episode"

// Config tunes the tier's vector dimension and collection naming.
type Config struct {
	Collection       string
	Dimensions       int
	StrictDimensions bool // if true, a mismatched embedding length is a DataError rather than pad/truncate
	DistanceMetric   string
}

// DefaultConfig mirrors the documented default: a 768-dim cosine collection
// named "episodes", lenient about embedding length.
func DefaultConfig() Config {
	return Config{Collection: "episodes", Dimensions: 768, DistanceMetric: "cosine"}
}

// Tier is the L3 Episodic Memory store.
type Tier struct {
	vector storage.VectorStore
	graph  storage.GraphStore
	config Config
}

// New constructs an L3 tier over a vector store and a graph store.
func New(vector storage.VectorStore, graph storage.GraphStore, cfg Config) *Tier {
	if cfg.Collection == "" {
		cfg.Collection = "episodes"
	}
	if cfg.Dimensions <= 0 {
		cfg.Dimensions = 768
	}
	if cfg.DistanceMetric == "" {
		cfg.DistanceMetric = "cosine"
	}
	return &Tier{vector: vector, graph: graph, config: cfg}
}

// EntityMention is one entity referenced by an episode, with the bi-temporal
// and confidence attributes the MENTIONS edge carries.
type EntityMention struct {
	EntityID   string
	Confidence float64
}

// Store validates the embedding, ensures the vector collection exists, and
// writes the episode to both indexes: the vector point first (carrying the
// full payload), then the graph node and its MENTIONS edges, finally
// closing the cross-reference by writing the vector id onto the graph
// node. A failure between the vector write and the graph write leaves a
// recoverable inconsistency that ReconcileMissingFromGraph can detect.
func (t *Tier) Store(ctx context.Context, episode model.Episode, mentions []EntityMention) (model.Episode, error) {
	if episode.EpisodeID == "" {
		episode.EpisodeID = uuid.NewString()
	}
	if episode.ObservedAt.IsZero() {
		episode.ObservedAt = time.Now().UTC()
	}
	if episode.ValidFrom.IsZero() {
		episode.ValidFrom = episode.ObservedAt
	}

	embedding, err := t.normalizeEmbedding(episode.Embedding)
	if err != nil {
		return model.Episode{}, err
	}
	episode.Embedding = embedding

	if err := t.vector.CreateCollection(ctx, t.config.Collection, t.config.Dimensions, t.config.DistanceMetric); err != nil {
		return model.Episode{}, fmt.Errorf("l3: create collection: %w", err)
	}

	episode.VectorID = uuid.NewString()
	if err := t.vector.UpsertPoint(ctx, t.config.Collection, storage.VectorPoint{
		ID:       episode.VectorID,
		Vector:   episode.Embedding,
		Metadata: episodeToMetadata(episode),
	}); err != nil {
		return model.Episode{}, fmt.Errorf("l3: upsert vector point: %w", err)
	}

	episode.GraphNodeID = episode.EpisodeID
	if err := t.graph.UpsertNode(ctx, episode.EpisodeID, []string{episodeLabel}, episodeNodeProps(episode)); err != nil {
		return model.Episode{}, fmt.Errorf("l3: upsert graph node: %w", err)
	}

	for _, m := range mentions {
		if err := t.graph.UpsertNode(ctx, m.EntityID, []string{"Entity"}, map[string]any{"entityId": m.EntityID}); err != nil {
			return model.Episode{}, fmt.Errorf("l3: upsert entity node: %w", err)
		}
		if err := t.graph.UpsertEdge(ctx, episode.EpisodeID, "MENTIONS", m.EntityID, map[string]any{
			"factValidFrom":              episode.ValidFrom,
			"factValidTo":                episode.ValidTo,
			"sourceObservationTimestamp": episode.ObservedAt,
			"confidence":                 m.Confidence,
		}); err != nil {
			return model.Episode{}, fmt.Errorf("l3: upsert mentions edge: %w", err)
		}
	}

	// Close the cross-reference: the graph node now carries the vector id.
	if err := t.graph.UpsertNode(ctx, episode.EpisodeID, []string{episodeLabel}, episodeNodeProps(episode)); err != nil {
		return model.Episode{}, fmt.Errorf("l3: write back vector id: %w", err)
	}

	return episode, nil
}

func (t *Tier) normalizeEmbedding(embedding []float32) ([]float32, error) {
	if len(embedding) == t.config.Dimensions {
		return embedding, nil
	}
	if t.config.StrictDimensions {
		return nil, &storeerr.DataError{Backend: "l3", Detail: fmt.Sprintf("embedding length %d != required %d", len(embedding), t.config.Dimensions)}
	}
	out := make([]float32, t.config.Dimensions)
	copy(out, embedding)
	return out, nil
}

// SimilarityResult pairs a rehydrated episode with its similarity score.
type SimilarityResult struct {
	Episode         model.Episode
	SimilarityScore float64
}

// SearchSimilar delegates to the vector backend, applying an optional
// payload filter (e.g. session_id) before scoring.
func (t *Tier) SearchSimilar(ctx context.Context, vector []float32, filters map[string]string, limit int) ([]SimilarityResult, error) {
	results, err := t.vector.SearchByVector(ctx, t.config.Collection, vector, limit, filters)
	if err != nil {
		return nil, fmt.Errorf("l3: search similar: %w", err)
	}
	out := make([]SimilarityResult, 0, len(results))
	for _, r := range results {
		ep, err := episodeFromMetadata(r.Metadata)
		if err != nil {
			continue
		}
		out = append(out, SimilarityResult{Episode: ep, SimilarityScore: r.Score})
	}
	return out, nil
}

// QueryTemporal returns episodes whose valid-time interval contains
// queryTime, ordered by importance_score descending. The vector backend's
// capability interface has no range-filter primitive, so this scrolls the
// full collection and filters client-side.
func (t *Tier) QueryTemporal(ctx context.Context, queryTime time.Time) ([]model.Episode, error) {
	episodes, err := t.scrollAll(ctx)
	if err != nil {
		return nil, err
	}
	var out []model.Episode
	for _, ep := range episodes {
		if ep.ValidFrom.After(queryTime) {
			continue
		}
		if !ep.ValidTo.IsZero() && !ep.ValidTo.After(queryTime) {
			continue
		}
		out = append(out, ep)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ImportanceScore > out[j].ImportanceScore })
	return out, nil
}

// RecentEpisodes returns episodes sorted most-recently-observed first,
// optionally filtered to one session, truncated to limit (0 means
// unbounded). Used by DistillationEngine's candidate retrieval, which
// needs recency rather than the valid-time-interval membership
// QueryTemporal applies.
func (t *Tier) RecentEpisodes(ctx context.Context, sessionID string, limit int) ([]model.Episode, error) {
	episodes, err := t.scrollAll(ctx)
	if err != nil {
		return nil, err
	}
	var out []model.Episode
	for _, ep := range episodes {
		if sessionID != "" && ep.SessionID != sessionID {
			continue
		}
		out = append(out, ep)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ObservedAt.After(out[j].ObservedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (t *Tier) scrollAll(ctx context.Context) ([]model.Episode, error) {
	var out []model.Episode
	offset := ""
	for {
		points, next, err := t.vector.Scroll(ctx, t.config.Collection, 256, offset)
		if err != nil {
			return nil, fmt.Errorf("l3: scroll: %w", err)
		}
		for _, p := range points {
			ep, err := episodeFromMetadata(p.Metadata)
			if err != nil {
				continue
			}
			out = append(out, ep)
		}
		if next == "" || len(points) == 0 {
			break
		}
		offset = next
	}
	return out, nil
}

// LatestEpisodeEnd returns the most recent fact_valid_to (falling back to
// source_observation_timestamp when unset) among a session's episodes,
// used by ConsolidationEngine to resolve its cursor.
func (t *Tier) LatestEpisodeEnd(ctx context.Context, sessionID string) (time.Time, bool, error) {
	episodes, err := t.scrollAll(ctx)
	if err != nil {
		return time.Time{}, false, err
	}
	var latest time.Time
	found := false
	for _, ep := range episodes {
		if ep.SessionID != sessionID {
			continue
		}
		end := ep.ValidTo
		if end.IsZero() {
			end = ep.ObservedAt
		}
		if !found || end.After(latest) {
			latest = end
			found = true
		}
	}
	return latest, found, nil
}

// DeleteSession removes every episode belonging to a session from both
// indexes, used by the facade's cascade-delete cleanup path. A failure
// deleting one episode is recorded but does not abort the sweep.
func (t *Tier) DeleteSession(ctx context.Context, sessionID string) (int, error) {
	episodes, err := t.scrollAll(ctx)
	if err != nil {
		return 0, err
	}
	deleted := 0
	var lastErr error
	for _, ep := range episodes {
		if ep.SessionID != sessionID {
			continue
		}
		if err := t.Delete(ctx, ep.EpisodeID, ep.VectorID); err != nil {
			lastErr = err
			continue
		}
		deleted++
	}
	return deleted, lastErr
}

// Health reports the worse of the vector and graph store success-rate
// snapshots, since both indexes must be reachable for L3 to serve reads.
func (t *Tier) Health() storage.Snapshot {
	v := t.vector.Metrics().Snapshot()
	g := t.graph.Metrics().Snapshot()
	if v.Count > 0 && g.Count > 0 && g.SuccessRate < v.SuccessRate {
		return g
	}
	if v.Count == 0 {
		return g
	}
	return v
}

// QueryGraph is the narrow escape hatch forwarding a parameterized
// graph/Cypher query; safe parameterization is the caller's responsibility.
func (t *Tier) QueryGraph(ctx context.Context, query string, params map[string]any) ([]map[string]any, error) {
	rows, err := t.graph.ExecuteParameterizedQuery(ctx, query, params)
	if err != nil {
		return nil, fmt.Errorf("l3: query graph: %w", err)
	}
	return rows, nil
}

// ReconcileMissingFromGraph scrolls the vector collection and reports every
// episode id present in the vector store but missing its graph node,
// the recoverable partial-failure case between Store's vector and graph
// writes.
func (t *Tier) ReconcileMissingFromGraph(ctx context.Context) ([]string, error) {
	episodes, err := t.scrollAll(ctx)
	if err != nil {
		return nil, err
	}
	var missing []string
	for _, ep := range episodes {
		_, ok, err := t.graph.GetNode(ctx, ep.EpisodeID)
		if err != nil {
			return nil, fmt.Errorf("l3: reconcile get node: %w", err)
		}
		if !ok {
			missing = append(missing, ep.EpisodeID)
		}
	}
	return missing, nil
}

// ReconcileMissingFromVector reports which of the given candidate episode
// ids (typically enumerated by an operator via QueryGraph) have no
// corresponding vector point. The vector capability interface has no
// "list all ids" primitive, so candidates must come from the graph side.
func (t *Tier) ReconcileMissingFromVector(ctx context.Context, episodeIDs []string) ([]string, error) {
	episodes, err := t.scrollAll(ctx)
	if err != nil {
		return nil, err
	}
	present := make(map[string]bool, len(episodes))
	for _, ep := range episodes {
		present[ep.EpisodeID] = true
	}
	var missing []string
	for _, id := range episodeIDs {
		if !present[id] {
			missing = append(missing, id)
		}
	}
	return missing, nil
}

// Delete removes an episode from both indexes: the vector point (skipped
// when vectorID is empty) and then the graph node. It returns only an error;
// whether the episode existed beforehand is not reported.
func (t *Tier) Delete(ctx context.Context, episodeID, vectorID string) error {
	if vectorID != "" {
		if err := t.vector.DeletePoints(ctx, t.config.Collection, vectorID); err != nil {
			return fmt.Errorf("l3: delete vector point: %w", err)
		}
	}
	if err := t.graph.DeleteNode(ctx, episodeID); err != nil {
		return fmt.Errorf("l3: delete graph node: %w", err)
	}
	return nil
}

func episodeNodeProps(ep model.Episode) map[string]any {
	return map[string]any{
		"episodeId":                  ep.EpisodeID,
		"sessionId":                  ep.SessionID,
		"summary":                    ep.Summary,
		"factValidFrom":              ep.ValidFrom,
		"factValidTo":                ep.ValidTo,
		"sourceObservationTimestamp": ep.ObservedAt,
		"importanceScore":            ep.ImportanceScore,
		"vectorId":                   ep.VectorID,
	}
}

// episodeMetadata is the JSON envelope stashed in the vector point's
// string-valued metadata map, since VectorStore.Metadata is map[string]string.
type episodeMetadata struct {
	EpisodeID       string         `json:"episode_id"`
	SessionID       string         `json:"session_id"`
	Summary         string         `json:"summary"`
	Narrative       string         `json:"narrative,omitempty"`
	SourceFactIDs   []string       `json:"source_fact_ids,omitempty"`
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

func episodeToMetadata(ep model.Episode) map[string]string {
	env := episodeMetadata{
		EpisodeID: ep.EpisodeID, SessionID: ep.SessionID, Summary: ep.Summary, Narrative: ep.Narrative,
		SourceFactIDs: ep.SourceFactIDs, Entities: ep.Entities, Topics: ep.Topics, Metadata: ep.Metadata,
		ValidFrom: ep.ValidFrom, ValidTo: ep.ValidTo, ObservedAt: ep.ObservedAt,
		TimeWindowStart: ep.TimeWindowStart, TimeWindowEnd: ep.TimeWindowEnd,
		ImportanceScore: ep.ImportanceScore, VectorID: ep.VectorID, GraphNodeID: ep.GraphNodeID,
	}
	payload, _ := json.Marshal(env)
	return map[string]string{
		"session_id": ep.SessionID,
		"episode_id": ep.EpisodeID,
		"payload":    string(payload),
	}
}

func episodeFromMetadata(md map[string]string) (model.Episode, error) {
	raw, ok := md["payload"]
	if !ok {
		return model.Episode{}, fmt.Errorf("l3: vector point missing episode payload")
	}
	var env episodeMetadata
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return model.Episode{}, fmt.Errorf("l3: decode episode payload: %w", err)
	}
	return model.Episode{
		EpisodeID: env.EpisodeID, SessionID: env.SessionID, Summary: env.Summary, Narrative: env.Narrative,
		SourceFactIDs: env.SourceFactIDs, Entities: env.Entities, Topics: env.Topics, Metadata: env.Metadata,
		ValidFrom: env.ValidFrom, ValidTo: env.ValidTo, ObservedAt: env.ObservedAt,
		TimeWindowStart: env.TimeWindowStart, TimeWindowEnd: env.TimeWindowEnd,
		ImportanceScore: env.ImportanceScore, VectorID: env.VectorID, GraphNodeID: env.GraphNodeID,
	}, nil
}
