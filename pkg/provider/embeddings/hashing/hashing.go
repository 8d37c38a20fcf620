// Package hashing provides an offline embeddings provider that maps text to a
// signed bag-of-words vector using the hashing trick.
//
// Text is lowercased, punctuation, symbols and digits become spaces, and
// English stop words and one-letter tokens are dropped. Each remaining token
// is hashed with xxHash64 into one of Dimensions buckets; the top hash bit
// picks the sign. The summed vector is L2-normalised, so documents sharing
// more vocabulary land closer together in Euclidean space.
//
// No model download or network access is required, which makes this the
// default provider for development and tests.
package hashing

import (
	"context"
	"fmt"
	"math"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/cespare/xxhash/v2"

	"github.com/MrWong99/bcj/pkg/provider/embeddings"
)

// DefaultDimensions is the vector length used when New is given 0.
const DefaultDimensions = 256

// Ensure Provider implements the embeddings.Provider interface at compile time.
var _ embeddings.Provider = (*Provider)(nil)

// Provider is a stateless feature-hashing embedder. It is safe for
// concurrent use.
type Provider struct {
	dims int
}

// New returns a Provider producing vectors of length dims, or
// DefaultDimensions when dims is 0.
func New(dims int) (*Provider, error) {
	if dims == 0 {
		dims = DefaultDimensions
	}
	if dims < 0 {
		return nil, fmt.Errorf("hashing embeddings: dimensions must be positive, got %d", dims)
	}
	return &Provider{dims: dims}, nil
}

// Tokens returns the tokens of text that contribute to its embedding, in
// order of appearance.
func Tokens(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return unicode.IsSpace(r) || unicode.IsPunct(r) || unicode.IsSymbol(r) || unicode.IsDigit(r)
	})
	out := fields[:0]
	for _, f := range fields {
		if utf8.RuneCountInString(f) <= 1 {
			continue
		}
		if _, stop := stopWords[f]; stop {
			continue
		}
		out = append(out, f)
	}
	return out
}

// Embed implements embeddings.Provider. Text with no surviving tokens fails
// with [embeddings.ErrMalformedInput].
func (p *Provider) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return p.embed(text)
}

// EmbedBatch implements embeddings.Provider.
func (p *Provider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		v, err := p.embed(t)
		if err != nil {
			return nil, fmt.Errorf("text %d: %w", i, err)
		}
		out[i] = v
	}
	return out, nil
}

func (p *Provider) embed(text string) ([]float32, error) {
	tokens := Tokens(text)
	if len(tokens) == 0 {
		return nil, fmt.Errorf("hashing embeddings: %w: no indexable words in %q", embeddings.ErrMalformedInput, truncate(text, 40))
	}

	acc := make([]float64, p.dims)
	for _, tok := range tokens {
		h := xxhash.Sum64String(tok)
		idx := h % uint64(p.dims)
		if h>>63 == 1 {
			acc[idx]--
		} else {
			acc[idx]++
		}
	}

	var norm float64
	for _, v := range acc {
		norm += v * v
	}
	vec := make([]float32, p.dims)
	// Colliding opposite signs can cancel every bucket.
	if norm == 0 {
		return vec, nil
	}
	norm = math.Sqrt(norm)
	for i, v := range acc {
		vec[i] = float32(v / norm)
	}
	return vec, nil
}

// Dimensions implements embeddings.Provider.
func (p *Provider) Dimensions() int { return p.dims }

// ModelID implements embeddings.Provider.
func (p *Provider) ModelID() string {
	return fmt.Sprintf("hashing-xxh64-%d", p.dims)
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n]) + "…"
}
