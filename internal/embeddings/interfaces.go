// Package embeddings declares the Embedder contract the Indexer embeds
// chunk text against, plus a caching/validating wrapper around any
// concrete implementation. The embedding model itself is injected — this
// package owns only the contract, not a model.
package embeddings

import "context"

// Embedder turns chunk text into fixed-dimension vectors. Implementations
// are expected to be stateless with respect to the index host: no
// conversation history, no session state, just text in and vectors out.
type Embedder interface {
	// Embed returns one vector per input text, in the same order.
	Embed(ctx context.Context, texts []string) ([][]float32, error)

	// Dimension returns the fixed vector length this embedder produces.
	Dimension() int

	// Model identifies the embedding model in use, for logging and the
	// embedding request.
	Model() string
}

// Config describes how the Indexer should call an Embedder: batch size
// and request timeout. The model identity and dimension come from the
// Embedder itself.
type Config struct {
	BatchSize      int `json:"batch_size"`
	TimeoutSeconds int `json:"timeout_seconds"`
}
