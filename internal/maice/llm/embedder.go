package llm

import (
	"context"

	"github.com/bdobrica/maice/internal/maice/memory"
)

// Embedder adapts the shared client to the memory store's Embedder interface.
type Embedder struct {
	client *Client
}

// NewEmbedder returns an Embedder over the shared client.
func NewEmbedder(client *Client) *Embedder {
	return &Embedder{client: client}
}

// Embed produces a vector embedding for the given text. Empty text yields a
// nil vector without a provider call.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, nil
	}
	return e.client.embed(ctx, text)
}

var _ memory.Embedder = (*Embedder)(nil)
