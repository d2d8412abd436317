// Package memory implements the durable long-term memory: deduplicated
// semantic facts and embedding-indexed episodes, with cosine-similarity
// retrieval and background extraction of new memories from recent
// transcripts.
//
// Similarity search is computed in Go over a copy-and-scan of the user's
// rows rather than inside SQLite, because modernc.org/sqlite does not
// support custom C functions. At the expected scale (hundreds to low
// thousands of episodes per user) this is fast and keeps no lock held
// across the scan.
package memory

import (
	"context"
	"errors"
	"math"
	"time"
)

var (
	// ErrDimensionMismatch is returned when an embedding's length differs
	// from the store's configured dimensionality. Caught at this boundary;
	// a mismatched vector never reaches persistence or a similarity scan.
	ErrDimensionMismatch = errors.New("memory: embedding dimension mismatch")

	// ErrMalformedExtraction is returned when the extractor's output cannot
	// be validated as a well-formed extraction document. Nothing is
	// persisted from a malformed document.
	ErrMalformedExtraction = errors.New("memory: malformed extraction document")

	// ErrEmptyText is returned when a fact or episode has no text after
	// trimming.
	ErrEmptyText = errors.New("memory: empty text")
)

// Fact is an atomic, short, deduplicated semantic statement about a user.
type Fact struct {
	ID              string
	UserID          string
	Text            string
	SourceEpisodeID string // empty when the fact was inserted directly
	CreatedAt       time.Time
}

// Episode is a compressed slice of conversation with its embedding. The
// embedding is computed once at creation and immutable afterwards;
// re-embedding requires a new episode.
type Episode struct {
	ID         string
	UserID     string
	Summary    string
	Embedding  []float32
	Importance float64
	CreatedAt  time.Time
}

// ScoredEpisode pairs an episode with its similarity to a query embedding.
type ScoredEpisode struct {
	Episode
	Similarity float64
}

// Embedder produces vector embeddings for text. Implementations range from
// a no-op stub to an OpenAI-compatible provider.
type Embedder interface {
	// Embed produces a vector embedding for the given text.
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Extractor proposes new facts and episodes from a recent transcript. The
// returned bytes are an untrusted JSON document in the extraction schema;
// the store validates and parses it before anything is persisted.
type Extractor interface {
	Propose(ctx context.Context, transcript []string) ([]byte, error)
}

// CosineSimilarity computes the cosine similarity between two vectors.
// Defined as 0 (not an error) when either vector is empty, mismatched, or
// has zero magnitude.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}

	if normA == 0 || normB == 0 {
		return 0
	}

	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
