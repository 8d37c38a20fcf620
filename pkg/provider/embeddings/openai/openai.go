// Package openai provides an embeddings provider backed by the OpenAI API or
// any server that speaks its /v1/embeddings protocol.
package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"

	"github.com/MrWong99/bcj/pkg/provider/embeddings"
)

// DefaultModel is the default OpenAI embeddings model.
const DefaultModel = oai.EmbeddingModelTextEmbedding3Small

var _ embeddings.Provider = (*Provider)(nil)

// Provider implements embeddings.Provider using the OpenAI API.
type Provider struct {
	client     oai.Client
	model      string
	dimensions int
	// shorten is set when dimensions was requested explicitly and must be
	// sent with every request.
	shorten bool
}

type settings struct {
	baseURL      string
	organization string
	timeout      time.Duration
	dimensions   int
}

// Option configures a [Provider].
type Option func(*settings)

// WithBaseURL points the client at an OpenAI-compatible server.
func WithBaseURL(url string) Option { return func(s *settings) { s.baseURL = url } }

// WithOrganization sends the OpenAI-Organization header.
func WithOrganization(org string) Option { return func(s *settings) { s.organization = org } }

// WithTimeout bounds each HTTP request.
func WithTimeout(d time.Duration) Option { return func(s *settings) { s.timeout = d } }

// WithDimensions asks the model for vectors of length dims. Only the
// text-embedding-3 family supports shortened vectors.
func WithDimensions(dims int) Option { return func(s *settings) { s.dimensions = dims } }

// New returns a provider for model, or [DefaultModel] when model is empty.
func New(apiKey string, model string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai embeddings: apiKey must not be empty")
	}
	if model == "" {
		model = DefaultModel
	}

	cfg := &settings{}
	for _, o := range opts {
		o(cfg)
	}
	if cfg.dimensions < 0 {
		return nil, fmt.Errorf("openai embeddings: dimensions must not be negative, got %d", cfg.dimensions)
	}

	reqOpts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.organization != "" {
		reqOpts = append(reqOpts, option.WithOrganization(cfg.organization))
	}
	if cfg.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{Timeout: cfg.timeout}))
	}

	p := &Provider{
		client:     oai.NewClient(reqOpts...),
		model:      model,
		dimensions: cfg.dimensions,
		shorten:    cfg.dimensions > 0,
	}
	if p.dimensions == 0 {
		p.dimensions = modelDimensions(model)
	}
	return p, nil
}

// request sends one embeddings call for n inputs and returns the vectors in
// input order.
func (p *Provider) request(ctx context.Context, op string, n int, input oai.EmbeddingNewParamsInputUnion) ([][]float32, error) {
	req := oai.EmbeddingNewParams{Model: p.model, Input: input}
	if p.shorten {
		req.Dimensions = param.NewOpt(int64(p.dimensions))
	}
	resp, err := p.client.Embeddings.New(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("openai embeddings: %s: %w", op, classify(err))
	}
	if len(resp.Data) != n {
		return nil, fmt.Errorf("openai embeddings: %s: got %d vectors for %d inputs", op, len(resp.Data), n)
	}
	out := make([][]float32, n)
	for _, d := range resp.Data {
		if d.Index < 0 || int(d.Index) >= n {
			return nil, fmt.Errorf("openai embeddings: %s: vector index %d out of range", op, d.Index)
		}
		vec := make([]float32, len(d.Embedding))
		for i, v := range d.Embedding {
			vec[i] = float32(v)
		}
		out[d.Index] = vec
	}
	return out, nil
}

// Embed implements embeddings.Provider.
func (p *Provider) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := embeddings.CheckText(text); err != nil {
		return nil, fmt.Errorf("openai embeddings: embed: %w", err)
	}
	vecs, err := p.request(ctx, "embed", 1, oai.EmbeddingNewParamsInputUnion{OfString: param.NewOpt(text)})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch implements embeddings.Provider. The whole batch goes out as a
// single request.
func (p *Provider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	if err := embeddings.CheckText(texts...); err != nil {
		return nil, fmt.Errorf("openai embeddings: embed batch: %w", err)
	}
	return p.request(ctx, "embed batch", len(texts), oai.EmbeddingNewParamsInputUnion{OfArrayOfStrings: texts})
}

// Dimensions implements embeddings.Provider.
func (p *Provider) Dimensions() int {
	return p.dimensions
}

// ModelID implements embeddings.Provider.
func (p *Provider) ModelID() string {
	return p.model
}

// classify marks 400 responses (input too long, invalid characters) as
// malformed input. Everything else stays an infrastructure error.
func classify(err error) error {
	var apiErr *oai.Error
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusBadRequest {
		return errors.Join(embeddings.ErrMalformedInput, err)
	}
	return err
}

// modelDimensions returns the native vector length of known OpenAI models.
func modelDimensions(model string) int {
	if strings.Contains(strings.ToLower(model), "text-embedding-3-large") {
		return 3072
	}
	// text-embedding-3-small, ada-002 and unknown models.
	return 1536
}
