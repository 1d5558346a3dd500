// Package router builds the ordered-fallback multi-provider LLM client: a
// priority-sorted chain of providers, each dialed through its own
// per-provider timeout, with concurrent health checks and an active chat
// call that walks the chain on failure. It replaces the teacher's
// single-provider factory selection with the fan-out-then-pick shape the
// significance scorer and lifecycle engines need when any one provider can
// be down.
package router

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"cortexmem/internal/config"
	"cortexmem/internal/llm"
	"cortexmem/internal/llm/anthropic"
	"cortexmem/internal/llm/google"
	openaillm "cortexmem/internal/llm/openai"
	"cortexmem/internal/observability"
)

// entry pairs a built provider with its configured priority and timeout.
type entry struct {
	name     string
	model    string
	provider llm.Provider
	timeout  time.Duration
}

// Router is an ordered-fallback llm.Provider: Chat tries each configured
// provider in ascending priority order, moving to the next on error.
type Router struct {
	mu      sync.RWMutex
	entries []entry
}

// Build constructs one adapter per enabled entry in cfg.Providers and
// sorts the chain by ascending Priority (lower numbers tried first).
func Build(cfg config.Config, httpClient *http.Client) (*Router, error) {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	r := &Router{}
	for _, p := range cfg.Providers {
		if !p.Enabled {
			continue
		}
		prov, err := build(p, httpClient)
		if err != nil {
			return nil, fmt.Errorf("build provider %s: %w", p.Name, err)
		}
		timeout := p.Timeout
		if timeout <= 0 {
			timeout = 20 * time.Second
		}
		r.entries = append(r.entries, entry{name: p.Name, model: p.Model, provider: prov, timeout: timeout})
	}
	if len(r.entries) == 0 {
		return nil, fmt.Errorf("no enabled LLM providers configured")
	}
	sort.SliceStable(r.entries, func(i, j int) bool {
		return providerPriority(cfg, r.entries[i].name) < providerPriority(cfg, r.entries[j].name)
	})
	return r, nil
}

func providerPriority(cfg config.Config, name string) int {
	for _, p := range cfg.Providers {
		if p.Name == name {
			return p.Priority
		}
	}
	return 999
}

func build(p config.ProviderConfig, httpClient *http.Client) (llm.Provider, error) {
	switch p.Name {
	case "openai", "groq", "mistral":
		return openaillm.New(p.AsOpenAI(""), httpClient), nil
	case "anthropic":
		return anthropic.New(p.AsAnthropic(), httpClient), nil
	case "google":
		return google.New(p.AsGoogle(), httpClient)
	default:
		return nil, fmt.Errorf("unsupported provider name: %s", p.Name)
	}
}

// Chat walks the provider chain in priority order, applying each entry's
// own timeout, and returns the first success. If every provider fails, it
// returns the last error encountered.
func (r *Router) Chat(ctx context.Context, msgs []llm.Message, model string) (llm.Message, error) {
	r.mu.RLock()
	entries := append([]entry(nil), r.entries...)
	r.mu.RUnlock()

	log := observability.LoggerWithTrace(ctx)
	var lastErr error
	for _, e := range entries {
		callModel := model
		if callModel == "" {
			callModel = e.model
		}
		callCtx, cancel := context.WithTimeout(ctx, e.timeout)
		msg, err := e.provider.Chat(callCtx, msgs, callModel)
		cancel()
		if err == nil {
			return msg, nil
		}
		log.Warn().Err(err).Str("provider", e.name).Msg("llm_provider_fallback")
		lastErr = err
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no llm providers available")
	}
	return llm.Message{}, lastErr
}

// HealthStatus reports whether a single provider answered a trivial probe.
type HealthStatus struct {
	Name    string
	Healthy bool
	Err     error
}

// HealthCheck concurrently probes every configured provider with a minimal
// chat call and a short deadline, returning one status per provider.
func (r *Router) HealthCheck(ctx context.Context, probeTimeout time.Duration) []HealthStatus {
	r.mu.RLock()
	entries := append([]entry(nil), r.entries...)
	r.mu.RUnlock()

	statuses := make([]HealthStatus, len(entries))
	g, gctx := errgroup.WithContext(ctx)
	for i, e := range entries {
		i, e := i, e
		g.Go(func() error {
			callCtx, cancel := context.WithTimeout(gctx, probeTimeout)
			defer cancel()
			_, err := e.provider.Chat(callCtx, []llm.Message{{Role: "user", Content: "ping"}}, e.model)
			statuses[i] = HealthStatus{Name: e.name, Healthy: err == nil, Err: err}
			return nil
		})
	}
	_ = g.Wait()
	return statuses
}

// Names returns the configured provider names in fallback order, for
// diagnostics endpoints.
func (r *Router) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.entries))
	for i, e := range r.entries {
		out[i] = e.name
	}
	return out
}
