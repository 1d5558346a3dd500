package testhelpers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"

	"cortexmem/internal/llm"
)

// FakeProvider is a simple LLM provider for tests, configured with a fixed
// response or error.
type FakeProvider struct {
	Resp llm.Message
	Err  error
}

func (f *FakeProvider) Chat(ctx context.Context, msgs []llm.Message, model string) (llm.Message, error) {
	if f.Err != nil {
		return llm.Message{}, f.Err
	}
	return f.Resp, nil
}

// NewTestServer returns an httptest.Server for the given handler func.
func NewTestServer(handler func(w http.ResponseWriter, r *http.Request)) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(handler))
}

// WaitGroupDoneOnce returns a function that will call wg.Done() only once; useful for
// tests that need to ensure a WaitGroup is decremented a single time from multiple places.
func WaitGroupDoneOnce(wg *sync.WaitGroup) func() {
	once := sync.Once{}
	return func() { once.Do(wg.Done) }
}
