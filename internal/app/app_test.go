package app_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/MrWong99/bcj/internal/app"
	"github.com/MrWong99/bcj/internal/config"
	"github.com/MrWong99/bcj/internal/observe"
	"github.com/MrWong99/bcj/pkg/provider/embeddings"
	"github.com/MrWong99/bcj/pkg/provider/embeddings/hashing"
	"github.com/MrWong99/bcj/pkg/store"
	"github.com/MrWong99/bcj/pkg/store/memstore"
)

// testConfig returns a defaulted config for an in-memory deployment.
func testConfig(t *testing.T, yaml string) *config.Config {
	t.Helper()
	cfg, err := config.LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	return cfg
}

// testRegistry registers the hashing embedder and a memory store factory
// that hands out st.
func testRegistry(st store.Store) *config.Registry {
	reg := config.NewRegistry()
	reg.RegisterEmbeddings("hashing", func(config.ProviderEntry) (embeddings.Provider, error) {
		return hashing.New(0)
	})
	reg.RegisterStore(config.DriverMemory, func(context.Context, config.StoreConfig) (store.Store, error) {
		return st, nil
	})
	return reg
}

func testMetrics(t *testing.T) app.Option {
	t.Helper()
	m, err := observe.NewMetrics(noop.NewMeterProvider())
	if err != nil {
		t.Fatal(err)
	}
	return app.WithMetrics(m)
}

func newApp(t *testing.T, cfg *config.Config, reg *config.Registry, opts ...app.Option) *app.App {
	t.Helper()
	opts = append([]app.Option{testMetrics(t), app.WithGatherer(prometheus.NewRegistry())}, opts...)
	a, err := app.New(context.Background(), cfg, reg, opts...)
	if err != nil {
		t.Fatalf("New() returned error: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.Shutdown(ctx)
	})
	return a
}

func request(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, path, strings.NewReader(body)))
	return rec
}

func TestNew_FromRegistry(t *testing.T) {
	t.Parallel()
	a := newApp(t, testConfig(t, ""), testRegistry(memstore.New()))

	h := a.Handler()
	if rec := request(t, h, "POST", "/v1/bug", `{"user_id": 3, "summary": "crash on save", "structured_info": {"id": 1, "date": "2024-05-01"}}`); rec.Code != http.StatusOK {
		t.Fatalf("insert: %d %s", rec.Code, rec.Body)
	}
	if rec := request(t, h, "POST", "/v1/bug/similar", `{"user_id": 3, "summary": "crash on save"}`); rec.Code != http.StatusOK {
		t.Fatalf("query: %d %s", rec.Code, rec.Body)
	}
	if rec := request(t, h, "GET", "/healthz", ""); rec.Code != http.StatusOK {
		t.Errorf("healthz: %d", rec.Code)
	}
	if rec := request(t, h, "GET", "/metrics", ""); rec.Code != http.StatusOK {
		t.Errorf("metrics: %d", rec.Code)
	}
}

func TestNew_UnregisteredDriver(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t, "store:\n  driver: sqlite\n  dsn: x.db\n")
	_, err := app.New(context.Background(), cfg, testRegistry(memstore.New()), testMetrics(t))
	if !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Fatalf("err = %v, want ErrProviderNotRegistered", err)
	}
}

// closeCounter records Close calls on a memstore.
type closeCounter struct {
	*memstore.Store
	closed int
}

func (c *closeCounter) Close() error { c.closed++; return nil }

func TestNew_DimensionMismatchOpensNoStore(t *testing.T) {
	t.Parallel()
	opened := false
	reg := testRegistry(nil)
	reg.RegisterStore(config.DriverMemory, func(context.Context, config.StoreConfig) (store.Store, error) {
		opened = true
		return memstore.New(), nil
	})
	cfg := testConfig(t, "store:\n  embedding_dimensions: 12\n")
	_, err := app.New(context.Background(), cfg, reg, testMetrics(t))
	if err == nil || !strings.Contains(err.Error(), "dimensions") {
		t.Fatalf("err = %v, want a dimension mismatch", err)
	}
	if opened {
		t.Error("store was opened despite the embeddings error")
	}
}

func TestNew_StoreSizedFromModel(t *testing.T) {
	t.Parallel()
	var got config.StoreConfig
	reg := testRegistry(nil)
	reg.RegisterEmbeddings("wide", func(config.ProviderEntry) (embeddings.Provider, error) {
		return hashing.New(512)
	})
	reg.RegisterStore(config.DriverMemory, func(_ context.Context, cfg config.StoreConfig) (store.Store, error) {
		got = cfg
		return memstore.New(), nil
	})
	cfg := testConfig(t, "providers:\n  embeddings:\n    name: wide\n")
	newApp(t, cfg, reg)
	if got.EmbeddingDimensions != 512 {
		t.Errorf("store opened with %d dimensions, want 512", got.EmbeddingDimensions)
	}
	if cfg.Store.EmbeddingDimensions != 0 {
		t.Errorf("config mutated: embedding_dimensions = %d", cfg.Store.EmbeddingDimensions)
	}
}

func TestNew_FallbackDimensionMismatch(t *testing.T) {
	t.Parallel()
	reg := testRegistry(memstore.New())
	reg.RegisterEmbeddings("narrow", func(config.ProviderEntry) (embeddings.Provider, error) {
		return hashing.New(8)
	})
	cfg := testConfig(t, "providers:\n  embedding_fallbacks:\n    - name: narrow\n")
	if _, err := app.New(context.Background(), cfg, reg, testMetrics(t)); err == nil {
		t.Fatal("expected an error for a fallback with a different dimension")
	}
}

func TestNew_InjectedStoreIsNotClosed(t *testing.T) {
	t.Parallel()
	st := &closeCounter{Store: memstore.New()}
	a, err := app.New(context.Background(), testConfig(t, ""), config.NewRegistry(),
		app.WithStore(st), app.WithEmbedder(mustHashing(t)), testMetrics(t))
	if err != nil {
		t.Fatalf("New() returned error: %v", err)
	}
	if err := a.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if st.closed != 0 {
		t.Errorf("injected store closed %d times, want 0", st.closed)
	}
}

func mustHashing(t *testing.T) embeddings.Provider {
	t.Helper()
	p, err := hashing.New(0)
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func TestServe_WarmsBeforeReady(t *testing.T) {
	t.Parallel()
	st := memstore.New()
	ctx := context.Background()
	if err := st.RegisterTenant(ctx, 42); err != nil {
		t.Fatal(err)
	}
	vec, err := mustHashing(t).Embed(ctx, "stored before start")
	if err != nil {
		t.Fatal(err)
	}
	if err := st.Insert(ctx, 42, store.Record{ID: 1, Summary: "stored before start", Embedding: vec}); err != nil {
		t.Fatal(err)
	}

	a := newApp(t, testConfig(t, ""), testRegistry(st))
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- a.Serve(runCtx, ln) }()

	waitReady(t, "http://"+ln.Addr().String())

	if n, err := a.Manager().IndexSize(ctx, 42); err != nil || n != 1 {
		t.Errorf("IndexSize after warm = %d, %v; want 1", n, err)
	}

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("Serve returned %v, want context.Canceled", err)
	}
}

// waitReady polls /readyz until it answers 200.
func waitReady(t *testing.T, base string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		resp, err := http.Get(base + "/readyz")
		if err == nil {
			_, _ = io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return
			}
		}
		if time.Now().After(deadline) {
			t.Fatal("server never became ready")
		}
		time.Sleep(20 * time.Millisecond)
	}
}

// flakyListing fails the first ListTenants call.
type flakyListing struct {
	*memstore.Store
	calls atomic.Int32
}

func (s *flakyListing) ListTenants(ctx context.Context) ([]int64, error) {
	if s.calls.Add(1) == 1 {
		return nil, errors.New("connection reset")
	}
	return s.Store.ListTenants(ctx)
}

func TestServe_RetriesFailedTenantListing(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := &flakyListing{Store: memstore.New()}
	if err := st.RegisterTenant(ctx, 9); err != nil {
		t.Fatal(err)
	}
	vec, err := mustHashing(t).Embed(ctx, "flaky database")
	if err != nil {
		t.Fatal(err)
	}
	if err := st.Insert(ctx, 9, store.Record{ID: 1, Summary: "flaky database", Embedding: vec}); err != nil {
		t.Fatal(err)
	}

	a := newApp(t, testConfig(t, ""), testRegistry(st))
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() { _ = a.Serve(runCtx, ln) }()

	waitReady(t, "http://"+ln.Addr().String())
	if st.calls.Load() < 2 {
		t.Errorf("ready after %d tenant listings, want a retry", st.calls.Load())
	}
	if n, err := a.Manager().IndexSize(ctx, 9); err != nil || n != 1 {
		t.Errorf("IndexSize = %d, %v; want 1", n, err)
	}
}

func TestApplyConfig(t *testing.T) {
	t.Parallel()
	lv := new(slog.LevelVar)
	old := testConfig(t, "server:\n  log_level: info\n")
	a := newApp(t, old, testRegistry(memstore.New()), app.WithLevelVar(lv))

	updated := testConfig(t, "server:\n  log_level: debug\nindex:\n  repair_interval: 2s\n")
	a.ApplyConfig(old, updated)
	if lv.Level() != slog.LevelDebug {
		t.Errorf("level = %v, want debug", lv.Level())
	}
}

func TestSlogLevel(t *testing.T) {
	t.Parallel()
	tests := map[config.LogLevel]slog.Level{
		config.LogDebug: slog.LevelDebug,
		config.LogInfo:  slog.LevelInfo,
		config.LogWarn:  slog.LevelWarn,
		config.LogError: slog.LevelError,
		"":              slog.LevelInfo,
	}
	for in, want := range tests {
		if got := app.SlogLevel(in); got != want {
			t.Errorf("SlogLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestShutdownIsIdempotent(t *testing.T) {
	t.Parallel()
	a := newApp(t, testConfig(t, ""), testRegistry(memstore.New()))
	for range 3 {
		if err := a.Shutdown(context.Background()); err != nil {
			t.Fatalf("Shutdown: %v", err)
		}
	}
}
