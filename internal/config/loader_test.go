package config_test

import (
	"strings"
	"testing"

	"github.com/MrWong99/bcj/internal/config"
)

func TestValidate_Rejects(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		yaml    string
		mention string
	}{
		{"log level", "server:\n  log_level: verbose\n", "log_level"},
		{"negative shutdown", "server:\n  shutdown_timeout: -1s\n", "shutdown_timeout"},
		{"driver", "store:\n  driver: mongo\n", "store.driver"},
		{"postgres without dsn", "store:\n  driver: postgres\n  embedding_dimensions: 4\n", "store.dsn"},
		{"sqlite without dsn", "store:\n  driver: sqlite\n", "store.dsn"},
		{"negative dims", "store:\n  embedding_dimensions: -3\n", "embedding_dimensions"},
		{"unnamed fallback", "providers:\n  embedding_fallbacks:\n    - model: x\n", "embedding_fallbacks[0].name"},
		{"warm concurrency", "index:\n  warm_concurrency: -1\n", "warm_concurrency"},
		{"repair interval", "index:\n  repair_interval: -5s\n", "repair_interval"},
		{"max k", "index:\n  max_k: -1\n", "max_k"},
		{"query cache", "index:\n  query_cache_size: -10\n", "query_cache_size"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := config.LoadFromReader(strings.NewReader(tc.yaml))
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !strings.Contains(err.Error(), tc.mention) {
				t.Errorf("error should mention %q, got: %v", tc.mention, err)
			}
		})
	}
}

func TestValidate_JoinsAllErrors(t *testing.T) {
	t.Parallel()
	yaml := `
server:
  log_level: loud
store:
  driver: sqlite
index:
  max_k: -1
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	for _, want := range []string{"log_level", "store.dsn", "max_k"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("joined error is missing %q: %v", want, err)
		}
	}
}

func TestValidate_UnknownProviderNameIsOnlyAWarning(t *testing.T) {
	t.Parallel()
	yaml := `
providers:
  embeddings:
    name: my-private-embedder
  embedding_fallbacks:
    - name: hashing
`
	cfg, err := config.LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Store.EmbeddingDimensions != 0 {
		t.Errorf("dimensions default only applies to the hashing embedder, got %d", cfg.Store.EmbeddingDimensions)
	}
}

func TestValidate_MemoryNeedsNoDSN(t *testing.T) {
	t.Parallel()
	if _, err := config.LoadFromReader(strings.NewReader("store:\n  driver: memory\n")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
