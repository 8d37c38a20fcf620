// Package ollama provides an embeddings provider backed by an Ollama server.
//
// It talks to Ollama's native /api/embed endpoint, which accepts a list of
// inputs per request, so a whole issue batch is embedded in one round trip.
//
//	p, err := ollama.New("", "nomic-embed-text") // http://localhost:11434
//	if err != nil {
//	    log.Fatal(err)
//	}
//	vec, err := p.Embed(ctx, "login crashes on save")
package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/bcj/pkg/provider/embeddings"
)

// DefaultBaseURL is the default base URL for a locally running Ollama instance.
const DefaultBaseURL = "http://localhost:11434"

var _ embeddings.Provider = (*Provider)(nil)

// Provider embeds text through an Ollama server.
//
// The vector length comes from WithDimensions, then the built-in table of
// known models, and finally a single probe request on the first Dimensions
// call whose result is cached.
type Provider struct {
	endpoint string
	model    string
	client   *http.Client

	// preset is the vector length known at construction, 0 if unknown.
	preset int

	probeOnce sync.Once
	probed    int
	probeErr  error
}

type settings struct {
	timeout    time.Duration
	dimensions int
	client     *http.Client
}

// Option configures a [Provider].
type Option func(*settings)

// WithTimeout bounds each HTTP request. Zero means none.
func WithTimeout(d time.Duration) Option { return func(s *settings) { s.timeout = d } }

// WithDimensions sets the vector length and skips the probe request.
func WithDimensions(dims int) Option { return func(s *settings) { s.dimensions = dims } }

// WithHTTPClient replaces the HTTP client. WithTimeout is ignored when set.
func WithHTTPClient(c *http.Client) Option { return func(s *settings) { s.client = c } }

// New returns a provider for model on the server at baseURL, or
// [DefaultBaseURL] when baseURL is empty.
func New(baseURL string, model string, opts ...Option) (*Provider, error) {
	if model == "" {
		return nil, errors.New("ollama embeddings: model must not be empty")
	}
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	var cfg settings
	for _, o := range opts {
		o(&cfg)
	}
	if cfg.dimensions < 0 {
		return nil, fmt.Errorf("ollama embeddings: dimensions must not be negative, got %d", cfg.dimensions)
	}
	if cfg.client == nil {
		cfg.client = &http.Client{Timeout: cfg.timeout}
	}
	if cfg.dimensions == 0 {
		cfg.dimensions = knownDimensions(model)
	}
	return &Provider{
		endpoint: strings.TrimRight(baseURL, "/") + "/api/embed",
		model:    model,
		client:   cfg.client,
		preset:   cfg.dimensions,
	}, nil
}

// Embed implements embeddings.Provider.
func (p *Provider) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := p.embed(ctx, "embed", []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch implements embeddings.Provider. The whole batch goes out as a
// single /api/embed request.
func (p *Provider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	return p.embed(ctx, "embed batch", texts)
}

func (p *Provider) embed(ctx context.Context, op string, texts []string) ([][]float32, error) {
	if err := embeddings.CheckText(texts...); err != nil {
		return nil, fmt.Errorf("ollama embeddings: %s: %w", op, err)
	}
	vecs, err := p.post(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("ollama embeddings: %s: %w", op, err)
	}
	return vecs, nil
}

// Dimensions implements embeddings.Provider. For unknown models it issues one
// probe request; if that fails, 0 is returned and [Provider.DetectErr]
// reports why.
func (p *Provider) Dimensions() int {
	if p.preset != 0 {
		return p.preset
	}
	p.probeOnce.Do(func() {
		vecs, err := p.post(context.Background(), []string{"probe"})
		if err != nil {
			p.probeErr = err
			return
		}
		p.probed = len(vecs[0])
	})
	return p.probed
}

// DetectErr returns the error of a failed dimension probe.
func (p *Provider) DetectErr() error {
	p.Dimensions()
	return p.probeErr
}

// ModelID implements embeddings.Provider.
func (p *Provider) ModelID() string { return p.model }

// post sends one /api/embed request and checks that a vector came back for
// every input.
func (p *Provider) post(ctx context.Context, texts []string) ([][]float32, error) {
	payload, err := json.Marshal(struct {
		Model string   `json:"model"`
		Input []string `json:"input"`
	}{p.model, texts})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp)
	}

	var out struct {
		Embeddings [][]float32 `json:"embeddings"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if len(out.Embeddings) != len(texts) {
		return nil, fmt.Errorf("got %d vectors for %d inputs", len(out.Embeddings), len(texts))
	}
	return out.Embeddings, nil
}

// statusError turns a non-200 response into an error. Ollama answers 400 for
// input it cannot embed, which is reported as malformed input.
func statusError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	msg := strings.TrimSpace(string(raw))
	var body struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(raw, &body) == nil && body.Error != "" {
		msg = body.Error
	}
	err := fmt.Errorf("unexpected status %d: %s", resp.StatusCode, msg)
	if resp.StatusCode == http.StatusBadRequest {
		return errors.Join(embeddings.ErrMalformedInput, err)
	}
	return err
}

// modelSizes lists the vector length of common Ollama embedding models,
// matched by substring of the model tag.
var modelSizes = []struct {
	family string
	dims   int
}{
	{"nomic-embed-text", 768},
	{"mxbai-embed-large", 1024},
	{"all-minilm", 384},
	{"bge-m3", 1024},
	{"snowflake-arctic-embed", 1024},
}

func knownDimensions(model string) int {
	lower := strings.ToLower(model)
	for _, m := range modelSizes {
		if strings.Contains(lower, m.family) {
			return m.dims
		}
	}
	return 0
}
