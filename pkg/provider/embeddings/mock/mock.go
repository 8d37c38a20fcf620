// Package mock provides a test double for the embeddings.Provider interface.
//
// Provider answers from EmbedFunc when set, otherwise from the canned
// EmbedResult / EmbedErr fields, and records every call so tests can assert
// which texts were embedded.
//
//	p := &mock.Provider{
//	    EmbedFunc:       func(text string) ([]float32, error) { return []float32{float32(len(text))}, nil },
//	    DimensionsValue: 1,
//	}
//	vec, _ := p.Embed(ctx, "hello world")
package mock

import (
	"context"
	"slices"
	"sync"

	"github.com/MrWong99/bcj/pkg/provider/embeddings"
)

// Ensure Provider implements embeddings.Provider at compile time.
var _ embeddings.Provider = (*Provider)(nil)

// EmbedCall records a single invocation of Embed.
type EmbedCall struct {
	Ctx  context.Context
	Text string
}

// EmbedBatchCall records a single invocation of EmbedBatch.
type EmbedBatchCall struct {
	Ctx context.Context
	// Texts is a copy of the slice passed to EmbedBatch.
	Texts []string
}

// Provider is a mock implementation of embeddings.Provider.
type Provider struct {
	mu sync.Mutex

	// EmbedFunc, if set, computes every vector for both Embed and
	// EmbedBatch. It is called without the mock's lock held, so it may block.
	EmbedFunc func(text string) ([]float32, error)

	// EmbedResult and EmbedErr are returned by Embed when EmbedFunc is nil.
	EmbedResult []float32
	EmbedErr    error

	// EmbedBatchErr, if non-nil, is returned from EmbedBatch before
	// EmbedFunc is consulted.
	EmbedBatchErr error

	DimensionsValue int
	ModelIDValue    string

	EmbedCalls      []EmbedCall
	EmbedBatchCalls []EmbedBatchCall
}

// Embed records the call and returns EmbedFunc(text), or EmbedResult and
// EmbedErr.
func (p *Provider) Embed(ctx context.Context, text string) ([]float32, error) {
	p.mu.Lock()
	p.EmbedCalls = append(p.EmbedCalls, EmbedCall{Ctx: ctx, Text: text})
	fn, res, err := p.EmbedFunc, p.EmbedResult, p.EmbedErr
	p.mu.Unlock()

	if fn != nil {
		return fn(text)
	}
	return slices.Clone(res), err
}

// EmbedBatch records the call. With EmbedFunc set it embeds each text in
// turn and fails on the first error; otherwise it returns one copy of
// EmbedResult per text.
func (p *Provider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	p.mu.Lock()
	p.EmbedBatchCalls = append(p.EmbedBatchCalls, EmbedBatchCall{Ctx: ctx, Texts: slices.Clone(texts)})
	fn, res, err := p.EmbedFunc, p.EmbedResult, p.EmbedBatchErr
	p.mu.Unlock()

	if err != nil {
		return nil, err
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		if fn == nil {
			out[i] = slices.Clone(res)
			continue
		}
		v, err := fn(t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// Dimensions returns DimensionsValue.
func (p *Provider) Dimensions() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.DimensionsValue
}

// ModelID returns ModelIDValue.
func (p *Provider) ModelID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ModelIDValue
}

// Calls returns the number of Embed and EmbedBatch calls recorded so far.
func (p *Provider) Calls() (embed, batch int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.EmbedCalls), len(p.EmbedBatchCalls)
}

// Reset clears all recorded calls.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.EmbedCalls = nil
	p.EmbedBatchCalls = nil
}
