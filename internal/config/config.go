// Package config provides the configuration schema, loader, provider registry
// and file watcher for the bcj similar-issue service.
package config

import "time"

// LogLevel controls log verbosity for the bcj server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// StoreDriver selects the persistent store implementation.
type StoreDriver string

const (
	DriverPostgres StoreDriver = "postgres"
	DriverSQLite   StoreDriver = "sqlite"
	DriverMemory   StoreDriver = "memory"
)

// IsValid reports whether d is a recognised store driver.
func (d StoreDriver) IsValid() bool {
	switch d {
	case DriverPostgres, DriverSQLite, DriverMemory:
		return true
	}
	return false
}

// Defaults applied by [ApplyDefaults] to zero-valued fields.
const (
	DefaultListenAddr        = ":8080"
	DefaultShutdownTimeout   = 15 * time.Second
	DefaultEmbeddingProvider = "hashing"
	DefaultHashingDimensions = 256
	DefaultServiceName       = "bcj"
)

// Config is the root configuration structure for bcj.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Store     StoreConfig     `yaml:"store"`
	Providers ProvidersConfig `yaml:"providers"`
	Index     IndexConfig     `yaml:"index"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ServerConfig holds network and logging settings for the HTTP server.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity. Hot-reloadable.
	LogLevel LogLevel `yaml:"log_level"`

	// ShutdownTimeout bounds the graceful drain of in-flight requests.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// StoreConfig selects and configures the persistent store.
type StoreConfig struct {
	Driver StoreDriver `yaml:"driver"`

	// DSN is the connection string for postgres or the database file path
	// for sqlite. Ignored by the memory driver.
	DSN string `yaml:"dsn"`

	// EmbeddingDimensions is the width of the embedding column. Must match
	// the model configured in Providers.Embeddings.
	EmbeddingDimensions int `yaml:"embedding_dimensions"`
}

// ProvidersConfig declares the embeddings provider and its fallbacks.
// Each entry selects a named provider registered in the [Registry].
type ProvidersConfig struct {
	Embeddings ProviderEntry `yaml:"embeddings"`

	// EmbeddingFallbacks are tried in order when the primary provider fails
	// or its circuit breaker is open.
	EmbeddingFallbacks []ProviderEntry `yaml:"embedding_fallbacks"`
}

// ProviderEntry is the common configuration block shared by all providers.
// The Name field is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider implementation (e.g., "openai", "ollama").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API if any.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	// Leave empty to use the provider's built-in default.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider (e.g., "text-embedding-3-small").
	Model string `yaml:"model"`

	// Options holds provider-specific configuration values not covered by the
	// standard fields above.
	Options map[string]any `yaml:"options"`
}

// IndexConfig tunes the per-tenant index cache.
type IndexConfig struct {
	// WarmOnStart loads every known tenant's index before the server reports
	// ready. Defaults to true when omitted.
	WarmOnStart *bool `yaml:"warm_on_start"`

	WarmConcurrency int `yaml:"warm_concurrency"`

	// RepairInterval is how often stale indexes are rebuilt. Hot-reloadable.
	RepairInterval time.Duration `yaml:"repair_interval"`

	// MaxK caps the number of neighbours a query may request. 0 means no cap.
	MaxK int `yaml:"max_k"`

	// QueryCacheSize is the number of embedded query texts kept in an LRU.
	// 0 disables the cache.
	QueryCacheSize int `yaml:"query_cache_size"`
}

// ShouldWarm reports whether the index should be warmed on start.
func (c IndexConfig) ShouldWarm() bool {
	return c.WarmOnStart == nil || *c.WarmOnStart
}

// TelemetryConfig names the service in exported traces and metrics.
type TelemetryConfig struct {
	ServiceName    string `yaml:"service_name"`
	ServiceVersion string `yaml:"service_version"`
}

// ApplyDefaults fills zero-valued fields of cfg with their defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = DefaultShutdownTimeout
	}
	if cfg.Store.Driver == "" {
		cfg.Store.Driver = DriverMemory
	}
	if cfg.Providers.Embeddings.Name == "" {
		cfg.Providers.Embeddings.Name = DefaultEmbeddingProvider
	}
	if cfg.Store.EmbeddingDimensions == 0 && cfg.Providers.Embeddings.Name == DefaultEmbeddingProvider {
		cfg.Store.EmbeddingDimensions = DefaultHashingDimensions
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = DefaultServiceName
	}
}
