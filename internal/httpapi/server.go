// Package httpapi exposes the UnifiedMemorySystem facade as a small JSON
// API: write/read a conversational turn, list tracked sessions, report
// per-tier counts, force a cleanup, and aggregate component health.
package httpapi

import (
	"context"
	"net/http"
	"sync"
	"time"

	"cortexmem/internal/llm"
	"cortexmem/internal/llm/router"
	"cortexmem/internal/memsys"
)

// Server wires the memory facade and the LLM router behind net/http.
type Server struct {
	sys         *memsys.System
	llmRouter   *router.Router
	agentPrefix string
	minCIAR     float64

	mu       sync.Mutex
	sessions map[string]time.Time

	mux *http.ServeMux
}

// NewServer constructs the HTTP API server. agentPrefix namespaces every
// external session id as "<agentPrefix>:<id>" before it ever reaches the
// facade, so two agent types can never collide on a session id.
func NewServer(sys *memsys.System, llmRouter *router.Router, agentPrefix string, minCIAR float64) *Server {
	if agentPrefix == "" {
		agentPrefix = "agent"
	}
	s := &Server{
		sys:         sys,
		llmRouter:   llmRouter,
		agentPrefix: agentPrefix,
		minCIAR:     minCIAR,
		sessions:    make(map[string]time.Time),
		mux:         http.NewServeMux(),
	}
	s.registerRoutes()
	return s
}

// ServeHTTP satisfies http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("POST /run_turn", s.handleRunTurn)
	s.mux.HandleFunc("GET /sessions", s.handleListSessions)
	s.mux.HandleFunc("GET /memory_state", s.handleMemoryState)
	s.mux.HandleFunc("POST /cleanup_force", s.handleCleanupForce)
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /metrics/tokens", s.handleMetricsTokens)
}

// namespaced rewrites an external session id to its internal, agent-typed
// form and records it in the in-process session registry.
func (s *Server) namespaced(externalID string) string {
	id := s.agentPrefix + ":" + externalID
	s.mu.Lock()
	s.sessions[id] = time.Now().UTC()
	s.mu.Unlock()
	return id
}

func (s *Server) forget(id string) {
	s.mu.Lock()
	delete(s.sessions, id)
	s.mu.Unlock()
}

func (s *Server) trackedSessions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		out = append(out, id)
	}
	return out
}

// llmProvider is the narrow collaborator the run_turn handler uses to
// produce an assistant reply. It is satisfied by *router.Router.
type llmProvider interface {
	Chat(ctx context.Context, msgs []llm.Message, model string) (llm.Message, error)
}

var _ llmProvider = (*router.Router)(nil)
