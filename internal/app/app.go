// Package app wires the bcj subsystems into a running server.
//
// The App struct owns the full lifecycle: New opens the store, builds the
// embeddings chain and the index cache, Run serves HTTP until the context
// ends, and Shutdown tears everything down in order.
//
// For testing, inject doubles via functional options (WithStore,
// WithEmbedder, etc.). When an option is not provided, New creates real
// implementations from the config through the [config.Registry].
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/bcj/internal/api"
	"github.com/MrWong99/bcj/internal/config"
	"github.com/MrWong99/bcj/internal/health"
	"github.com/MrWong99/bcj/internal/indexcache"
	"github.com/MrWong99/bcj/internal/observe"
	"github.com/MrWong99/bcj/internal/resilience"
	"github.com/MrWong99/bcj/pkg/provider/embeddings"
	"github.com/MrWong99/bcj/pkg/provider/embeddings/cached"
	"github.com/MrWong99/bcj/pkg/store"
)

// App owns all subsystem lifetimes of the bcj server.
type App struct {
	cfg      *config.Config
	registry *config.Registry

	// Subsystems, initialised in New and torn down in Shutdown.
	store    store.Store
	embedder embeddings.Provider
	fallback *resilience.EmbeddingsFallback
	manager  *indexcache.Manager
	metrics  *observe.Metrics
	gatherer prometheus.Gatherer
	level    *slog.LevelVar
	handler  http.Handler
	server   *http.Server
	warmed   health.Gate
	warmGate health.Checker

	// closers are called in order during Shutdown.
	closers []func() error

	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithStore injects a store instead of opening one from config. The caller
// keeps ownership; Shutdown does not close it.
func WithStore(s store.Store) Option {
	return func(a *App) { a.store = s }
}

// WithEmbedder injects the embeddings provider instead of creating one from
// config. Fallbacks and the query cache are still layered on top.
func WithEmbedder(p embeddings.Provider) Option {
	return func(a *App) { a.embedder = p }
}

// WithMetrics injects the metric instruments. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithGatherer sets the Prometheus gatherer served on /metrics.
// Default: [prometheus.DefaultGatherer].
func WithGatherer(g prometheus.Gatherer) Option {
	return func(a *App) { a.gatherer = g }
}

// WithLevelVar lets hot reloads change the level of the caller's logger.
func WithLevelVar(lv *slog.LevelVar) Option {
	return func(a *App) { a.level = lv }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. reg supplies the
// store and embeddings factories for anything not injected via opts.
func New(ctx context.Context, cfg *config.Config, reg *config.Registry, opts ...Option) (*App, error) {
	a := &App{
		cfg:      cfg,
		registry: reg,
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.gatherer == nil {
		a.gatherer = prometheus.DefaultGatherer
	}
	if a.level == nil {
		a.level = new(slog.LevelVar)
		a.level.Set(SlogLevel(cfg.Server.LogLevel))
	}

	// ── 1. Embeddings ────────────────────────────────────────────────────
	// First, so that the store can size its vector column from the model.
	dims, err := a.initEmbeddings()
	if err != nil {
		return nil, fmt.Errorf("app: init embeddings: %w", err)
	}

	// ── 2. Store ─────────────────────────────────────────────────────────
	storeCfg := cfg.Store
	storeCfg.EmbeddingDimensions = dims
	if err := a.initStore(ctx, storeCfg); err != nil {
		return nil, fmt.Errorf("app: init store: %w", err)
	}

	// ── 3. Index cache ───────────────────────────────────────────────────
	a.manager = indexcache.New(a.store, a.embedder, a.metrics, indexcache.Options{
		WarmConcurrency: cfg.Index.WarmConcurrency,
		RepairInterval:  cfg.Index.RepairInterval,
		MaxK:            cfg.Index.MaxK,
	})
	// The manager must stop before the store it reads from closes.
	a.closers = append([]func() error{a.manager.Close}, a.closers...)

	// ── 4. HTTP ──────────────────────────────────────────────────────────
	a.initHTTP()

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

func (a *App) initStore(ctx context.Context, cfg config.StoreConfig) error {
	if a.store != nil {
		return nil
	}
	st, err := a.registry.CreateStore(ctx, cfg)
	if err != nil {
		return err
	}
	a.store = st
	a.closers = append(a.closers, st.Close)
	slog.Info("store opened", "driver", cfg.Driver, "embedding_dimensions", cfg.EmbeddingDimensions)
	return nil
}

// initEmbeddings builds the chain query cache → fallback group → providers
// and returns the vector dimension every provider in it shares. A configured
// store dimension must match the primary's.
func (a *App) initEmbeddings() (int, error) {
	primaryName := a.cfg.Providers.Embeddings.Name
	primary := a.embedder
	if primary == nil {
		p, err := a.registry.CreateEmbeddings(a.cfg.Providers.Embeddings)
		if err != nil {
			return 0, fmt.Errorf("create embeddings provider %q: %w", primaryName, err)
		}
		primary = p
	}
	dims := primary.Dimensions()
	if want := a.cfg.Store.EmbeddingDimensions; want > 0 && dims != want {
		return 0, fmt.Errorf("embeddings provider %q has %d dimensions, store expects %d",
			primaryName, dims, want)
	}
	slog.Info("provider created", "kind", "embeddings", "name", primaryName, "model", primary.ModelID())

	a.fallback = resilience.NewEmbeddingsFallback(primary, primaryName, resilience.FallbackConfig{})
	for i, entry := range a.cfg.Providers.EmbeddingFallbacks {
		p, err := a.registry.CreateEmbeddings(entry)
		if err != nil {
			return 0, fmt.Errorf("create embeddings fallback %d %q: %w", i, entry.Name, err)
		}
		if err := a.fallback.AddFallback(fallbackName(i, entry), p); err != nil {
			return 0, err
		}
		slog.Info("provider created", "kind", "embeddings_fallback", "name", entry.Name, "model", p.ModelID())
	}

	var chain embeddings.Provider = a.fallback
	if size := a.cfg.Index.QueryCacheSize; size > 0 {
		c, err := cached.New(chain, size)
		if err != nil {
			return 0, err
		}
		chain = c
	}
	a.embedder = chain
	return dims, nil
}

func fallbackName(i int, e config.ProviderEntry) string {
	return fmt.Sprintf("%s#%d", e.Name, i+1)
}

func (a *App) initHTTP() {
	mux := http.NewServeMux()
	api.New(a.manager).Register(mux)
	health.New(
		health.PingCheck("store", a.store),
		health.AnyCheck("embeddings", a.embeddingsAvailable),
		health.Checker{Name: "index", Check: a.indexReady},
	).Register(mux)
	mux.Handle("GET /metrics", promhttp.HandlerFor(a.gatherer, promhttp.HandlerOpts{}))

	a.warmGate = a.warmed.Checker("index")
	a.handler = observe.Middleware(a.metrics)(mux)
	a.server = &http.Server{
		Addr:              a.cfg.Server.ListenAddr,
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// embeddingsAvailable reports each embeddings endpoint as usable unless its
// circuit breaker is open.
func (a *App) embeddingsAvailable() map[string]bool {
	states := a.fallback.States()
	out := make(map[string]bool, len(states))
	for name, st := range states {
		out[name] = st != resilience.StateOpen
	}
	return out
}

// indexReady passes once the warm-up has run and the tenant list has been
// read, possibly by a later retry of the repair loop.
func (a *App) indexReady(ctx context.Context) error {
	if err := a.warmGate.Check(ctx); err != nil {
		return err
	}
	return a.manager.Ready()
}

// Handler returns the fully wired HTTP handler, including middleware.
func (a *App) Handler() http.Handler { return a.handler }

// Manager returns the index cache.
func (a *App) Manager() *indexcache.Manager { return a.manager }

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run warms the index cache (when configured), then serves HTTP on the
// configured address until ctx is cancelled. /readyz fails until warming
// has finished.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.Server.ListenAddr)
	if err != nil {
		return fmt.Errorf("app: listen %s: %w", a.cfg.Server.ListenAddr, err)
	}
	return a.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	go a.warm(ctx)

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server listening", "addr", ln.Addr().String())
		errCh <- a.server.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve: %w", err)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *App) warm(ctx context.Context) {
	defer a.warmed.Open()
	if !a.cfg.Index.ShouldWarm() {
		return
	}
	start := time.Now()
	if err := a.manager.Warm(ctx); err != nil {
		// Unfinished tenants stay stale and a failed tenant listing is
		// retried; the repair loop handles both.
		slog.Warn("index warm-up incomplete", "err", err, "duration", time.Since(start))
		return
	}
	slog.Info("index warmed", "tenants", len(a.manager.Tenants()), "duration", time.Since(start))
}

// ─── Hot reload ──────────────────────────────────────────────────────────────

// ApplyConfig applies the hot-reloadable part of a config change. It is
// meant as the [config.Watcher] callback.
func (a *App) ApplyConfig(old, new *config.Config) {
	d := config.Diff(old, new)
	if d.LogLevelChanged {
		a.level.Set(SlogLevel(d.NewLogLevel))
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.RepairIntervalChanged {
		a.manager.SetRepairInterval(d.NewRepairInterval)
		slog.Info("repair interval changed", "interval", d.NewRepairInterval)
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("config changes need a restart to take effect", "keys", d.RestartRequired)
	}
}

// SlogLevel converts a config log level to its slog counterpart.
func SlogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown drains in-flight HTTP requests and then tears down all subsystems
// in order. It respects the context deadline: if ctx expires before all
// closers finish, remaining closers are skipped and the context error is
// returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		if err := a.server.Shutdown(ctx); err != nil {
			slog.Warn("http server shutdown error", "err", err)
			shutdownErr = err
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}
