package openai

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/MrWong99/bcj/pkg/provider/embeddings"
)

// fakeServer answers POST /embeddings with one vector per input, whose
// first component is the input index. It records the last request body.
func fakeServer(t *testing.T, status int, last *map[string]any) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.URL.Path != "/embeddings" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if last != nil {
			*last = body
		}
		w.Header().Set("Content-Type", "application/json")
		if status != http.StatusOK {
			w.WriteHeader(status)
			_, _ = w.Write([]byte(`{"error":{"message":"input too long","type":"invalid_request_error"}}`))
			return
		}

		n := 1
		if in, ok := body["input"].([]any); ok {
			n = len(in)
		}
		data := make([]map[string]any, n)
		for i := range n {
			data[i] = map[string]any{"object": "embedding", "index": i, "embedding": []float64{float64(i), 0.5}}
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"object": "list",
			"data":   data,
			"model":  body["model"],
			"usage":  map[string]any{"prompt_tokens": 1, "total_tokens": 1},
		})
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func TestModelDimensions(t *testing.T) {
	tests := []struct {
		model string
		want  int
	}{
		{"text-embedding-3-small", 1536},
		{"text-embedding-3-large", 3072},
		{"text-embedding-ada-002", 1536},
		{"some-future-model", 1536},
	}
	for _, tc := range tests {
		if got := modelDimensions(tc.model); got != tc.want {
			t.Errorf("modelDimensions(%q) = %d, want %d", tc.model, got, tc.want)
		}
	}
}

// TestNew_DefaultModel verifies that an empty model string defaults to text-embedding-3-small.
func TestNew_DefaultModel(t *testing.T) {
	p, err := New("sk-test", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.ModelID() != DefaultModel {
		t.Errorf("expected default model %s, got %s", DefaultModel, p.ModelID())
	}
	if p.Dimensions() != 1536 {
		t.Errorf("Dimensions() = %d, want 1536", p.Dimensions())
	}
}

// TestNew_MissingAPIKey checks that an empty API key is rejected.
func TestNew_MissingAPIKey(t *testing.T) {
	if _, err := New("", "text-embedding-3-small"); err == nil {
		t.Fatal("expected error for empty API key")
	}
	if _, err := New("sk-test", "", WithDimensions(-1)); err == nil {
		t.Fatal("expected error for negative dimensions")
	}
}

func TestEmbed_SendsDimensions(t *testing.T) {
	var body map[string]any
	srv, _ := fakeServer(t, http.StatusOK, &body)

	p, err := New("sk-test", "text-embedding-3-small", WithBaseURL(srv.URL+"/"), WithDimensions(2))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if p.Dimensions() != 2 {
		t.Errorf("Dimensions() = %d, want 2", p.Dimensions())
	}

	vec, err := p.Embed(context.Background(), "login crashes on save")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(vec) != 2 || vec[1] != 0.5 {
		t.Errorf("Embed = %v", vec)
	}
	if got, _ := body["dimensions"].(float64); got != 2 {
		t.Errorf("request dimensions = %v, want 2", body["dimensions"])
	}
}

func TestEmbedBatch_OrdersByIndex(t *testing.T) {
	srv, calls := fakeServer(t, http.StatusOK, nil)
	p, _ := New("sk-test", "", WithBaseURL(srv.URL+"/"))

	vecs, err := p.EmbedBatch(context.Background(), []string{"a b", "c d", "e f"})
	if err != nil {
		t.Fatalf("EmbedBatch: %v", err)
	}
	for i, v := range vecs {
		if v[0] != float32(i) {
			t.Errorf("vecs[%d][0] = %v, want %d", i, v[0], i)
		}
	}
	if calls.Load() != 1 {
		t.Errorf("server called %d times, want 1", calls.Load())
	}
}

func TestEmbed_BlankTextNeverLeavesProcess(t *testing.T) {
	srv, calls := fakeServer(t, http.StatusOK, nil)
	p, _ := New("sk-test", "", WithBaseURL(srv.URL+"/"))

	if _, err := p.Embed(context.Background(), "  \n"); !errors.Is(err, embeddings.ErrMalformedInput) {
		t.Fatalf("Embed: want ErrMalformedInput, got %v", err)
	}
	if _, err := p.EmbedBatch(context.Background(), []string{"ok", ""}); !errors.Is(err, embeddings.ErrMalformedInput) {
		t.Fatalf("EmbedBatch: want ErrMalformedInput, got %v", err)
	}
	if calls.Load() != 0 {
		t.Errorf("server called %d times, want 0", calls.Load())
	}
}

func TestEmbed_BadRequestIsMalformedInput(t *testing.T) {
	srv, _ := fakeServer(t, http.StatusBadRequest, nil)
	p, _ := New("sk-test", "", WithBaseURL(srv.URL+"/"))

	_, err := p.Embed(context.Background(), "way too long")
	if !errors.Is(err, embeddings.ErrMalformedInput) {
		t.Fatalf("want ErrMalformedInput, got %v", err)
	}
}

func TestEmbed_ServerErrorIsNotMalformedInput(t *testing.T) {
	srv, _ := fakeServer(t, http.StatusUnauthorized, nil)
	p, _ := New("sk-test", "", WithBaseURL(srv.URL+"/"))

	_, err := p.Embed(context.Background(), "text")
	if err == nil {
		t.Fatal("expected error")
	}
	if errors.Is(err, embeddings.ErrMalformedInput) {
		t.Errorf("401 misclassified as malformed input: %v", err)
	}
}
