// Package cached wraps an embeddings.Provider with an LRU of recent Embed
// results.
//
// Similar-issue queries tend to repeat: the same report is often looked up
// several times while it is being triaged. Caching Embed avoids a model round
// trip for each repeat, and concurrent calls for the same text share a single
// upstream request. EmbedBatch is used for writes, whose texts are rarely
// repeated, and passes straight through.
package cached

import (
	"context"
	"fmt"
	"slices"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"github.com/MrWong99/bcj/pkg/provider/embeddings"
)

var _ embeddings.Provider = (*Provider)(nil)

// Provider is a caching decorator around another embeddings.Provider.
type Provider struct {
	inner embeddings.Provider
	cache *lru.Cache[string, []float32]
	group singleflight.Group
}

// New wraps inner with an LRU holding up to size vectors.
func New(inner embeddings.Provider, size int) (*Provider, error) {
	if inner == nil {
		return nil, fmt.Errorf("cached embeddings: inner provider must not be nil")
	}
	c, err := lru.New[string, []float32](size)
	if err != nil {
		return nil, fmt.Errorf("cached embeddings: %w", err)
	}
	return &Provider{inner: inner, cache: c}, nil
}

// Embed implements embeddings.Provider. Errors are not cached.
//
// The shared upstream call is detached from the cancellation of whichever
// caller started it. Each caller waits on its own ctx, so one caller giving
// up neither fails the others nor aborts the request they share.
func (p *Provider) Embed(ctx context.Context, text string) ([]float32, error) {
	if v, ok := p.cache.Get(text); ok {
		return slices.Clone(v), nil
	}
	shared := context.WithoutCancel(ctx)
	ch := p.group.DoChan(text, func() (any, error) {
		vec, err := p.inner.Embed(shared, text)
		if err != nil {
			return nil, err
		}
		p.cache.Add(text, vec)
		return vec, nil
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return slices.Clone(res.Val.([]float32)), nil
	}
}

// EmbedBatch implements embeddings.Provider without caching.
func (p *Provider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	return p.inner.EmbedBatch(ctx, texts)
}

// Dimensions implements embeddings.Provider.
func (p *Provider) Dimensions() int { return p.inner.Dimensions() }

// ModelID implements embeddings.Provider.
func (p *Provider) ModelID() string { return p.inner.ModelID() }

// Len returns the number of cached vectors.
func (p *Provider) Len() int { return p.cache.Len() }
