package router

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"cortexmem/internal/llm"
)

type fakeProvider struct {
	fail bool
	name string
}

func (f *fakeProvider) Chat(ctx context.Context, msgs []llm.Message, model string) (llm.Message, error) {
	if f.fail {
		return llm.Message{}, errors.New("provider unavailable: " + f.name)
	}
	return llm.Message{Role: "assistant", Content: "ok from " + f.name}, nil
}

func TestRouterChatFallsBackOnFailure(t *testing.T) {
	r := &Router{entries: []entry{
		{name: "primary", provider: &fakeProvider{fail: true, name: "primary"}, timeout: 5 * time.Second},
		{name: "secondary", provider: &fakeProvider{name: "secondary"}, timeout: 5 * time.Second},
	}}

	msg, err := r.Chat(context.Background(), []llm.Message{{Role: "user", Content: "hi"}}, "")
	require.NoError(t, err)
	require.Equal(t, "ok from secondary", msg.Content)
}

func TestRouterChatReturnsLastErrorWhenAllFail(t *testing.T) {
	r := &Router{entries: []entry{
		{name: "only", provider: &fakeProvider{fail: true, name: "only"}, timeout: 5 * time.Second},
	}}
	_, err := r.Chat(context.Background(), nil, "")
	require.Error(t, err)
}

func TestRouterHealthCheckReportsEachProvider(t *testing.T) {
	r := &Router{entries: []entry{
		{name: "a", provider: &fakeProvider{name: "a"}, timeout: 5 * time.Second},
		{name: "b", provider: &fakeProvider{fail: true, name: "b"}, timeout: 5 * time.Second},
	}}
	statuses := r.HealthCheck(context.Background(), 5 * time.Second)
	require.Len(t, statuses, 2)
	byName := map[string]HealthStatus{}
	for _, s := range statuses {
		byName[s.Name] = s
	}
	require.True(t, byName["a"].Healthy)
	require.False(t, byName["b"].Healthy)
}
