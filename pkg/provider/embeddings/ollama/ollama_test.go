package ollama_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MrWong99/bcj/pkg/provider/embeddings"
	"github.com/MrWong99/bcj/pkg/provider/embeddings/ollama"
)

// unreachable is a port unlikely to be open; any request against it fails.
const unreachable = "http://127.0.0.1:19999"

// embedServer answers /api/embed with the first len(input) vectors of
// responses and counts requests.
func embedServer(t *testing.T, wantModel string, responses [][]float32) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.URL.Path != "/api/embed" || r.Method != http.MethodPost {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		var req struct {
			Model string   `json:"model"`
			Input []string `json:"input"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.Model != wantModel {
			t.Errorf("model: got %q, want %q", req.Model, wantModel)
		}
		out := responses
		if len(out) > len(req.Input) {
			out = out[:len(req.Input)]
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"model": wantModel, "embeddings": out})
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func statusServer(t *testing.T, status int, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestNew_EmptyModel(t *testing.T) {
	if _, err := ollama.New("", ""); err == nil {
		t.Fatal("expected error for empty model, got nil")
	}
}

func TestEmbed_Single(t *testing.T) {
	want := []float32{0.1, 0.2, 0.3, 0.4}
	srv, _ := embedServer(t, "nomic-embed-text", [][]float32{want})

	p, err := ollama.New(srv.URL+"/", "nomic-embed-text")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	got, err := p.Embed(context.Background(), "login crashes on save")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(got) != len(want) || got[3] != want[3] {
		t.Errorf("Embed = %v, want %v", got, want)
	}
}

func TestEmbedBatch(t *testing.T) {
	vecs := [][]float32{{0.1, 0.2}, {0.3, 0.4}, {0.5, 0.6}}
	srv, calls := embedServer(t, "nomic-embed-text", vecs)

	p, _ := ollama.New(srv.URL, "nomic-embed-text")
	got, err := p.EmbedBatch(context.Background(), []string{"a", "b", "c"})
	if err != nil {
		t.Fatalf("EmbedBatch: %v", err)
	}
	for i := range vecs {
		if got[i][0] != vecs[i][0] {
			t.Errorf("vec[%d] = %v, want %v", i, got[i], vecs[i])
		}
	}
	if calls.Load() != 1 {
		t.Errorf("requests = %d, want 1", calls.Load())
	}
}

func TestEmbedBatch_CountMismatch(t *testing.T) {
	srv, _ := embedServer(t, "nomic-embed-text", [][]float32{{1, 2}})
	p, _ := ollama.New(srv.URL, "nomic-embed-text")
	if _, err := p.EmbedBatch(context.Background(), []string{"a", "b"}); err == nil {
		t.Fatal("expected error when server returns fewer vectors than inputs")
	}
}

func TestEmbedBatch_Empty(t *testing.T) {
	p, _ := ollama.New(unreachable, "nomic-embed-text")
	got, err := p.EmbedBatch(context.Background(), nil)
	if err != nil || got != nil {
		t.Fatalf("EmbedBatch(nil) = %v, %v; want nil, nil", got, err)
	}
}

func TestEmbed_BlankText(t *testing.T) {
	p, _ := ollama.New(unreachable, "nomic-embed-text")
	if _, err := p.Embed(context.Background(), "   "); !errors.Is(err, embeddings.ErrMalformedInput) {
		t.Fatalf("Embed: want ErrMalformedInput, got %v", err)
	}
	if _, err := p.EmbedBatch(context.Background(), []string{"x", ""}); !errors.Is(err, embeddings.ErrMalformedInput) {
		t.Fatalf("EmbedBatch: want ErrMalformedInput, got %v", err)
	}
}

func TestEmbed_StatusClassification(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		malformed bool
	}{
		{"bad request", http.StatusBadRequest, `{"error":"input length exceeds context length"}`, true},
		{"server error", http.StatusInternalServerError, "internal server error", false},
		{"model missing", http.StatusNotFound, `{"error":"model not found"}`, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			srv := statusServer(t, tc.status, tc.body)
			p, _ := ollama.New(srv.URL, "nomic-embed-text")
			_, err := p.Embed(context.Background(), "hello")
			if err == nil {
				t.Fatal("expected error")
			}
			if got := errors.Is(err, embeddings.ErrMalformedInput); got != tc.malformed {
				t.Errorf("malformed = %v, want %v (err: %v)", got, tc.malformed, err)
			}
		})
	}
}

func TestEmbed_MalformedJSON(t *testing.T) {
	srv := statusServer(t, http.StatusOK, "not-json")
	p, _ := ollama.New(srv.URL, "nomic-embed-text")
	if _, err := p.Embed(context.Background(), "hello"); err == nil {
		t.Fatal("expected error for malformed JSON, got nil")
	}
}

func TestDimensions(t *testing.T) {
	tests := []struct {
		model string
		opts  []ollama.Option
		want  int
	}{
		{"nomic-embed-text", nil, 768},
		{"nomic-embed-text:latest", nil, 768},
		{"mxbai-embed-large", nil, 1024},
		{"all-minilm", nil, 384},
		{"bge-m3", nil, 1024},
		{"custom-model", []ollama.Option{ollama.WithDimensions(256)}, 256},
	}
	for _, tt := range tests {
		t.Run(tt.model, func(t *testing.T) {
			p, err := ollama.New(unreachable, tt.model, tt.opts...)
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			if got := p.Dimensions(); got != tt.want {
				t.Errorf("Dimensions(): got %d, want %d", got, tt.want)
			}
		})
	}
}

func TestDimensions_AutoDetect(t *testing.T) {
	probe := make([]float32, 512)
	srv, calls := embedServer(t, "custom-embed", [][]float32{probe})

	p, _ := ollama.New(srv.URL, "custom-embed")
	for i := range 3 {
		if got := p.Dimensions(); got != 512 {
			t.Errorf("call %d: Dimensions() = %d, want 512", i, got)
		}
	}
	if calls.Load() != 1 {
		t.Errorf("expected exactly 1 probe request, got %d", calls.Load())
	}
}

func TestDimensions_ProbeFailure(t *testing.T) {
	p, _ := ollama.New(unreachable, "custom-embed", ollama.WithTimeout(500*time.Millisecond))
	if got := p.Dimensions(); got != 0 {
		t.Errorf("Dimensions() = %d, want 0", got)
	}
	if p.DetectErr() == nil {
		t.Error("DetectErr() = nil after failed probe")
	}
}

func TestEmbed_ContextCancelled(t *testing.T) {
	stop := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-stop:
		}
	}))
	defer srv.Close()
	defer close(stop)

	p, _ := ollama.New(srv.URL, "nomic-embed-text")
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	_, err := p.Embed(ctx, "hello")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("want context.DeadlineExceeded, got %v", err)
	}
}
