package llm

import (
	"context"
	"strings"
	"sync"
)

// Embedder is the capability interface for turning text into vectors,
// satisfied by anything that can reach an embeddings endpoint. Tiers depend
// on this narrow interface rather than a concrete provider, mirroring the
// chat Provider interface's shape.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// EmbedFunc adapts a plain function to the Embedder interface.
type EmbedFunc func(ctx context.Context, texts []string) ([][]float32, error)

// Embed implements Embedder.
func (f EmbedFunc) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	return f(ctx, texts)
}

// ConcurrentEmbed fans a batch of embedding calls out across a bounded
// worker pool, one call per text, skipping near-empty inputs with a
// zero vector rather than wasting a round trip on them.
func ConcurrentEmbed(ctx context.Context, embed func(ctx context.Context, text string) ([]float32, error), texts []string, dimensions, concurrency int) [][]float32 {
	if concurrency <= 0 {
		concurrency = 5
	}
	results := make([][]float32, len(texts))
	var wg sync.WaitGroup
	sem := make(chan struct{}, concurrency)

	for i, text := range texts {
		wg.Add(1)
		go func(i int, text string) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			if len(strings.TrimSpace(text)) < 3 {
				results[i] = make([]float32, dimensions)
				return
			}
			vec, err := embed(ctx, text)
			if err != nil || len(vec) == 0 {
				results[i] = make([]float32, dimensions)
				return
			}
			results[i] = vec
		}(i, text)
	}
	wg.Wait()
	return results
}
