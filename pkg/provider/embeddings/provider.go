// Package embeddings defines the Provider interface for text embedding backends.
//
// An embeddings provider maps issue text to a dense float32 vector. The
// similar-issue index compares these vectors by Euclidean distance, so every
// vector stored for a deployment must come from the same model.
//
// Implementations must be safe for concurrent use.
package embeddings

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrMalformedInput reports text that the provider cannot embed, such as a
// blank string or text with no content left after preprocessing. It is a
// client error: retrying the same input will fail again.
//
// Any other error from a Provider is an infrastructure failure (network,
// server, quota) and must not be reported to callers as bad input.
var ErrMalformedInput = errors.New("embeddings: malformed input")

// Provider is the abstraction over any text-embedding backend.
//
// All embedding vectors returned by a single Provider instance must share the same
// dimensionality (returned by Dimensions).
//
// Implementations must be safe for concurrent use.
type Provider interface {
	// Embed computes the embedding vector for a single text string. Returns a
	// float32 slice of length Dimensions(), an error wrapping
	// [ErrMalformedInput] for unembeddable text, or another error if the
	// request fails or ctx is cancelled.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch computes embedding vectors for a slice of text strings in a single
	// provider call. The returned slice has the same length as texts and the i-th
	// element corresponds to texts[i].
	//
	// Returns an error if any single embedding fails or if ctx is cancelled. Partial
	// results are not returned; on error the entire slice is nil.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the fixed length of every embedding vector produced by this
	// provider.
	Dimensions() int

	// ModelID returns the provider-specific model identifier used for embeddings
	// (e.g., "text-embedding-3-small", "nomic-embed-text").
	ModelID() string
}

// CheckText returns an error wrapping [ErrMalformedInput] if any of texts is
// blank. Remote providers call it before issuing a request.
func CheckText(texts ...string) error {
	for i, t := range texts {
		if strings.TrimSpace(t) == "" {
			return fmt.Errorf("%w: text %d is blank", ErrMalformedInput, i)
		}
	}
	return nil
}
