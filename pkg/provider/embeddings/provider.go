// Package embeddings defines the Provider interface for vector embedding backends.
//
// An embeddings provider maps lecture and course text to dense float32 vectors.
// The indexer embeds transcript and document chunks with it, and the retrieval
// planner embeds each question so the semantic index can rank chunks by cosine
// similarity.
//
// Implementations must be safe for concurrent use.
package embeddings

import "context"

// Provider is the abstraction over any text-embedding backend.
//
// All vectors returned by a single Provider share the length reported by
// Dimensions. Chunks and queries must be embedded by the same model or the
// similarity scores are meaningless.
type Provider interface {
	// Embed computes the embedding vector for a single text string.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch computes embedding vectors for texts in one provider call. The
	// i-th result corresponds to texts[i].
	//
	// A batch fails as a whole: on error the returned slice is nil. Callers that
	// want partial progress split their input into several batches.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the fixed length of every vector produced by this
	// provider.
	Dimensions() int

	// ModelID returns the provider-specific model identifier
	// (e.g., "text-embedding-3-small", "nomic-embed-text").
	ModelID() string
}
