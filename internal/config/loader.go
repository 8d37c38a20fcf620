package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"embeddings": {"hashing", "openai", "ollama"},
}

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and
// validates the result. An empty document yields the default config.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.ShutdownTimeout < 0 {
		errs = append(errs, fmt.Errorf("server.shutdown_timeout %s must not be negative", cfg.Server.ShutdownTimeout))
	}

	// Store
	switch {
	case cfg.Store.Driver != "" && !cfg.Store.Driver.IsValid():
		errs = append(errs, fmt.Errorf("store.driver %q is invalid; valid values: postgres, sqlite, memory", cfg.Store.Driver))
	case (cfg.Store.Driver == DriverPostgres || cfg.Store.Driver == DriverSQLite) && cfg.Store.DSN == "":
		errs = append(errs, fmt.Errorf("store.dsn is required for driver %q", cfg.Store.Driver))
	}
	if cfg.Store.EmbeddingDimensions < 0 {
		errs = append(errs, fmt.Errorf("store.embedding_dimensions %d must not be negative", cfg.Store.EmbeddingDimensions))
	}

	// Providers
	validateProviderName("embeddings", cfg.Providers.Embeddings.Name)
	namesSeen := map[string]string{cfg.Providers.Embeddings.Name: "providers.embeddings"}
	for i, fb := range cfg.Providers.EmbeddingFallbacks {
		prefix := fmt.Sprintf("providers.embedding_fallbacks[%d]", i)
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
			continue
		}
		validateProviderName("embeddings", fb.Name)
		key := fb.Name + "/" + fb.Model
		if prev, ok := namesSeen[key]; ok {
			slog.Warn("embedding fallback duplicates an earlier provider", "entry", prefix, "duplicate_of", prev)
		}
		namesSeen[key] = prefix
	}

	// Index
	if cfg.Index.WarmConcurrency < 0 {
		errs = append(errs, fmt.Errorf("index.warm_concurrency %d must not be negative", cfg.Index.WarmConcurrency))
	}
	if cfg.Index.RepairInterval < 0 {
		errs = append(errs, fmt.Errorf("index.repair_interval %s must not be negative", cfg.Index.RepairInterval))
	}
	if cfg.Index.MaxK < 0 {
		errs = append(errs, fmt.Errorf("index.max_k %d must not be negative", cfg.Index.MaxK))
	}
	if cfg.Index.QueryCacheSize < 0 {
		errs = append(errs, fmt.Errorf("index.query_cache_size %d must not be negative", cfg.Index.QueryCacheSize))
	}

	if cfg.Store.Driver == DriverMemory && !cfg.Index.ShouldWarm() {
		slog.Debug("index.warm_on_start is off; the memory store starts empty either way")
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
