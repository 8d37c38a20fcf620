package config

import (
	"reflect"
	"slices"
	"time"
)

// ConfigDiff describes what changed between two configs.
//
// LogLevel and RepairInterval are applied on the fly. Every other change is
// listed in RestartRequired so the caller can tell the operator.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	RepairIntervalChanged bool
	NewRepairInterval     time.Duration

	// RestartRequired names the top-level keys whose change only takes
	// effect after a restart, e.g. "store" or "server.listen_addr".
	RestartRequired []string
}

// Changed reports whether d carries any change at all.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || d.RepairIntervalChanged || len(d.RestartRequired) > 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.Index.RepairInterval != new.Index.RepairInterval {
		d.RepairIntervalChanged = true
		d.NewRepairInterval = new.Index.RepairInterval
	}

	if old.Server.ListenAddr != new.Server.ListenAddr {
		d.RestartRequired = append(d.RestartRequired, "server.listen_addr")
	}
	if old.Server.ShutdownTimeout != new.Server.ShutdownTimeout {
		d.RestartRequired = append(d.RestartRequired, "server.shutdown_timeout")
	}
	if old.Store != new.Store {
		d.RestartRequired = append(d.RestartRequired, "store")
	}
	if !providersEqual(old.Providers, new.Providers) {
		d.RestartRequired = append(d.RestartRequired, "providers")
	}
	if old.Index.ShouldWarm() != new.Index.ShouldWarm() ||
		old.Index.WarmConcurrency != new.Index.WarmConcurrency ||
		old.Index.MaxK != new.Index.MaxK ||
		old.Index.QueryCacheSize != new.Index.QueryCacheSize {
		d.RestartRequired = append(d.RestartRequired, "index")
	}
	if old.Telemetry != new.Telemetry {
		d.RestartRequired = append(d.RestartRequired, "telemetry")
	}
	return d
}

func providersEqual(a, b ProvidersConfig) bool {
	return entryEqual(a.Embeddings, b.Embeddings) &&
		slices.EqualFunc(a.EmbeddingFallbacks, b.EmbeddingFallbacks, entryEqual)
}

func entryEqual(a, b ProviderEntry) bool {
	return a.Name == b.Name && a.APIKey == b.APIKey && a.BaseURL == b.BaseURL &&
		a.Model == b.Model && reflect.DeepEqual(a.Options, b.Options)
}
