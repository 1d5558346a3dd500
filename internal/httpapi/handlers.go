package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"cortexmem/internal/llm"
	"cortexmem/internal/memsys"
	"cortexmem/internal/model"
	"cortexmem/internal/observability"
	"cortexmem/internal/storage"
)

type runTurnRequest struct {
	SessionID string         `json:"session_id"`
	TurnID    string         `json:"turn_id"`
	Role      string         `json:"role"`
	Content   string         `json:"content"`
	Timestamp *time.Time     `json:"timestamp,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

type runTurnResponse struct {
	UserTurn      model.Turn `json:"user_turn"`
	AssistantTurn model.Turn `json:"assistant_turn"`
}

// handleRunTurn writes the caller's turn to L1, assembles a context block
// from the memory facade, obtains an assistant reply through the LLM
// router, and writes the assistant's turn to L1 as well. It does not run
// any agent reasoning loop: the LLM call is a single narrow collaborator
// call, same as every lifecycle engine's.
func (s *Server) handleRunTurn(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req runTurnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	if req.SessionID == "" || req.Content == "" {
		respondError(w, http.StatusBadRequest, errDataError("session_id and content are required"))
		return
	}
	if req.Role == "" {
		req.Role = "user"
	}
	if req.TurnID == "" {
		req.TurnID = uuid.NewString()
	}
	createdAt := time.Now().UTC()
	if req.Timestamp != nil {
		createdAt = req.Timestamp.UTC()
	}

	sessionID := s.namespaced(req.SessionID)
	userTurn := model.Turn{
		SessionID: sessionID, TurnID: req.TurnID, Role: req.Role,
		Content: req.Content, Metadata: req.Metadata, CreatedAt: createdAt,
	}
	if err := s.sys.L1.AppendTurn(ctx, userTurn); err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}

	assistantContent := s.reply(ctx, sessionID, req.Content)
	assistantTurn := model.Turn{
		SessionID: sessionID, TurnID: uuid.NewString(), Role: "assistant",
		Content: assistantContent, CreatedAt: time.Now().UTC(),
	}
	if err := s.sys.L1.AppendTurn(ctx, assistantTurn); err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}

	respondJSON(w, http.StatusOK, runTurnResponse{UserTurn: userTurn, AssistantTurn: assistantTurn})
}

// reply renders the current context block and asks the LLM router for an
// assistant message. Any router failure falls back to a minimal
// acknowledgement rather than failing the whole turn, matching the
// facade's documented policy of swallowing non-critical read-path
// failures.
func (s *Server) reply(ctx context.Context, sessionID, userContent string) string {
	if s.llmRouter == nil {
		return "(no LLM provider configured)"
	}
	block, err := s.sys.GetContextBlock(ctx, sessionID, s.minCIAR, 20, 20)
	if err != nil {
		observability.LoggerWithTrace(ctx).Warn().Err(err).Str("session_id", sessionID).Msg("run_turn_context_block_failed")
		block = memsys.ContextBlock{}
	}
	msgs := []llm.Message{
		{Role: "system", Content: block.ToPromptString()},
		{Role: "user", Content: userContent},
	}
	out, err := s.llmRouter.Chat(ctx, msgs, "")
	if err != nil {
		observability.LoggerWithTrace(ctx).Warn().Err(err).Str("session_id", sessionID).Msg("run_turn_llm_failed")
		return "(assistant reply unavailable)"
	}
	return out.Content
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"sessions": s.trackedSessions()})
}

type memoryStateResponse struct {
	SessionID  string `json:"session_id"`
	L1Turns    int    `json:"l1_turns"`
	L2Facts    int    `json:"l2_facts"`
	L3Episodes int    `json:"l3_episodes"`
	L4Docs     int    `json:"l4_docs"`
}

func (s *Server) handleMemoryState(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	externalID := r.URL.Query().Get("session_id")
	if externalID == "" {
		respondError(w, http.StatusBadRequest, errDataError("session_id query parameter is required"))
		return
	}
	sessionID := s.agentPrefix + ":" + externalID

	turns, err := s.sys.L1.RetrieveSession(ctx, sessionID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	facts, err := s.sys.L2.QueryBySession(ctx, sessionID, 0, true, 0)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	episodes, err := s.sys.L3.RecentEpisodes(ctx, sessionID, 0)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	episodeIDs := make([]string, 0, len(episodes))
	for _, ep := range episodes {
		episodeIDs = append(episodeIDs, ep.EpisodeID)
	}
	docCount, err := s.sys.L4.CountForEpisodes(ctx, episodeIDs)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}

	respondJSON(w, http.StatusOK, memoryStateResponse{
		SessionID: externalID, L1Turns: len(turns), L2Facts: len(facts),
		L3Episodes: len(episodes), L4Docs: docCount,
	})
}

// handleCleanupForce cascade-deletes one session, or every tracked session
// when session_id=all.
func (s *Server) handleCleanupForce(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	externalID := r.URL.Query().Get("session_id")
	if externalID == "" {
		respondError(w, http.StatusBadRequest, errDataError("session_id query parameter is required"))
		return
	}

	if externalID == "all" {
		cleaned := 0
		for _, id := range s.trackedSessions() {
			if err := s.sys.CleanupSession(ctx, id); err != nil {
				respondError(w, http.StatusInternalServerError, err)
				return
			}
			s.forget(id)
			cleaned++
		}
		respondJSON(w, http.StatusOK, map[string]any{"cleaned_sessions": cleaned})
		return
	}

	sessionID := s.agentPrefix + ":" + externalID
	if err := s.sys.CleanupSession(ctx, sessionID); err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	s.forget(sessionID)
	respondJSON(w, http.StatusOK, map[string]any{"cleaned_sessions": 1})
}

type componentHealth struct {
	Status      string  `json:"status"`
	SuccessRate float64 `json:"success_rate,omitempty"`
	SampleCount int64   `json:"sample_count,omitempty"`
}

type healthResponse struct {
	Status     string                      `json:"status"`
	Components map[string]componentHealth  `json:"components"`
	Providers  map[string]componentHealth  `json:"llm_providers,omitempty"`
}

// handleHealth aggregates every tier's backing-store success rate plus a
// live probe of each configured LLM provider into one of three statuses:
// healthy iff everything is reachable, degraded if some but not all
// hot-path components are unavailable, unhealthy otherwise.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	components := map[string]componentHealth{
		"l1_active_context": tierHealth(s.sys.L1.Health()),
		"l2_working_memory": tierHealth(s.sys.L2.Health()),
		"l3_episodic_memory": tierHealth(s.sys.L3.Health()),
		"l4_semantic_memory": tierHealth(s.sys.L4.Health()),
	}

	providers := map[string]componentHealth{}
	if s.llmRouter != nil {
		probeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()
		for _, st := range s.llmRouter.HealthCheck(probeCtx, 3*time.Second) {
			status := "healthy"
			if !st.Healthy {
				status = "unhealthy"
			}
			providers[st.Name] = componentHealth{Status: status}
		}
	}

	healthyCount, total := 0, 0
	for _, c := range components {
		total++
		if c.Status == "healthy" {
			healthyCount++
		}
	}
	anyProviderHealthy := len(providers) == 0
	for _, p := range providers {
		total++
		if p.Status == "healthy" {
			healthyCount++
			anyProviderHealthy = true
		}
	}

	overall := "unhealthy"
	switch {
	case healthyCount == total && anyProviderHealthy:
		overall = "healthy"
	case healthyCount > 0:
		overall = "degraded"
	}

	respondJSON(w, http.StatusOK, healthResponse{Status: overall, Components: components, Providers: providers})
}

type tokenMetricsResponse struct {
	Timestamp     int64            `json:"timestamp"`
	WindowSeconds int64            `json:"window_seconds,omitempty"`
	Models        []llm.TokenTotal `json:"models"`
}

// handleMetricsTokens reports cumulative prompt/completion token usage by
// model, optionally limited to a trailing window (?window=1h, ?window=7d,
// or ?windowSeconds=3600). With no window it returns all-time, in-process
// totals accumulated since this process started.
func (s *Server) handleMetricsTokens(w http.ResponseWriter, r *http.Request) {
	window, err := parseWindowParam(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	models, applied := llm.TokenTotalsForWindow(window)
	resp := tokenMetricsResponse{Timestamp: time.Now().Unix(), Models: models}
	if applied > 0 {
		resp.WindowSeconds = int64(applied.Seconds())
	}
	respondJSON(w, http.StatusOK, resp)
}

func parseWindowParam(r *http.Request) (time.Duration, error) {
	q := r.URL.Query()
	if raw := strings.TrimSpace(q.Get("windowSeconds")); raw != "" {
		secs, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || secs <= 0 {
			return 0, errDataError("invalid windowSeconds parameter")
		}
		return time.Duration(secs) * time.Second, nil
	}
	if raw := strings.TrimSpace(q.Get("window")); raw != "" {
		dur, err := parseFlexibleDuration(raw)
		if err != nil {
			return 0, fmt.Errorf("invalid window parameter: %w", err)
		}
		return dur, nil
	}
	return 0, nil
}

// parseFlexibleDuration accepts anything time.ParseDuration does, plus a
// trailing "d" (day) or "w" (week) unit for convenience in query strings.
func parseFlexibleDuration(raw string) (time.Duration, error) {
	if raw == "" {
		return 0, nil
	}
	if dur, err := time.ParseDuration(raw); err == nil {
		if dur <= 0 {
			return 0, errors.New("duration must be positive")
		}
		return dur, nil
	}
	if len(raw) < 2 {
		return 0, errors.New("duration is too short")
	}
	base := strings.TrimSpace(raw[:len(raw)-1])
	unit := raw[len(raw)-1]
	multiplier, ok := map[byte]time.Duration{
		'd': 24 * time.Hour,
		'w': 7 * 24 * time.Hour,
	}[unit]
	if !ok {
		return 0, fmt.Errorf("unsupported unit %q", unit)
	}
	n, err := strconv.Atoi(base)
	if err != nil || n <= 0 {
		return 0, errors.New("duration must be a positive number")
	}
	return time.Duration(n) * multiplier, nil
}

func tierHealth(snap storage.Snapshot) componentHealth {
	if snap.Count == 0 {
		return componentHealth{Status: "healthy"}
	}
	status := "healthy"
	if snap.SuccessRate < 0.5 {
		status = "unhealthy"
	} else if snap.SuccessRate < 1.0 {
		status = "degraded"
	}
	return componentHealth{Status: status, SuccessRate: snap.SuccessRate, SampleCount: snap.Count}
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, err error) {
	respondJSON(w, status, map[string]any{"error": err.Error()})
}

type dataError string

func (e dataError) Error() string { return string(e) }

func errDataError(msg string) error { return dataError(strings.TrimSpace(msg)) }
