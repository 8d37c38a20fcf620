package resilience

import (
	"context"
	"errors"
	"fmt"

	"github.com/MrWong99/bcj/pkg/provider/embeddings"
)

// EmbeddingsFallback implements [embeddings.Provider] with failover across
// several endpoints serving the same model. Malformed input is returned
// straight away: every endpoint would reject it.
type EmbeddingsFallback struct {
	group *FallbackGroup[embeddings.Provider]
}

// Compile-time interface assertion.
var _ embeddings.Provider = (*EmbeddingsFallback)(nil)

// IsEmbeddingsNeutral reports errors that must neither trip a breaker nor
// move on to the next provider: caller cancellation and malformed input.
func IsEmbeddingsNeutral(err error) bool {
	return IsCallerError(err) || errors.Is(err, embeddings.ErrMalformedInput)
}

// NewEmbeddingsFallback creates an [EmbeddingsFallback] with primary as the
// preferred backend. cfg.CircuitBreaker.Neutral defaults to
// [IsEmbeddingsNeutral].
func NewEmbeddingsFallback(primary embeddings.Provider, primaryName string, cfg FallbackConfig) *EmbeddingsFallback {
	if cfg.CircuitBreaker.Neutral == nil {
		cfg.CircuitBreaker.Neutral = IsEmbeddingsNeutral
	}
	return &EmbeddingsFallback{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback registers another endpoint. Its vectors must be interchangeable
// with the primary's, so a differing dimension is rejected.
func (f *EmbeddingsFallback) AddFallback(name string, p embeddings.Provider) error {
	primary := f.group.Primary()
	if p.Dimensions() != primary.Dimensions() {
		return fmt.Errorf("resilience: embeddings fallback %q has %d dimensions, primary %d",
			name, p.Dimensions(), primary.Dimensions())
	}
	f.group.AddFallback(name, p)
	return nil
}

// Embed implements [embeddings.Provider].
func (f *EmbeddingsFallback) Embed(ctx context.Context, text string) ([]float32, error) {
	return ExecuteWithResult(f.group, func(p embeddings.Provider) ([]float32, error) {
		return p.Embed(ctx, text)
	})
}

// EmbedBatch implements [embeddings.Provider].
func (f *EmbeddingsFallback) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	return ExecuteWithResult(f.group, func(p embeddings.Provider) ([][]float32, error) {
		return p.EmbedBatch(ctx, texts)
	})
}

// Dimensions returns the primary's dimension, which every entry shares.
func (f *EmbeddingsFallback) Dimensions() int {
	return f.group.Primary().Dimensions()
}

// ModelID returns the primary's model identifier.
func (f *EmbeddingsFallback) ModelID() string {
	return f.group.Primary().ModelID()
}

// States returns the breaker state of every endpoint keyed by name.
func (f *EmbeddingsFallback) States() map[string]State {
	return f.group.States()
}
