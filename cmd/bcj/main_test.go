package main

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MrWong99/bcj/internal/config"
)

func TestOptionHelpers(t *testing.T) {
	opts := map[string]any{
		"organization": "org-1",
		"dimensions":   512,
		"wide":         1024.0,
		"timeout":      "15s",
		"bad_timeout":  "soon",
		"not_string":   7,
	}
	if got := optString(opts, "organization"); got != "org-1" {
		t.Errorf("optString = %q", got)
	}
	if got := optString(opts, "not_string"); got != "" {
		t.Errorf("optString on int = %q, want empty", got)
	}
	if got := optString(nil, "organization"); got != "" {
		t.Errorf("optString on nil map = %q", got)
	}
	if got := optInt(opts, "dimensions"); got != 512 {
		t.Errorf("optInt = %d", got)
	}
	if got := optInt(opts, "wide"); got != 1024 {
		t.Errorf("optInt on float = %d", got)
	}
	if got := optDuration(opts, "timeout"); got != 15*time.Second {
		t.Errorf("optDuration = %s", got)
	}
	if got := optDuration(opts, "bad_timeout"); got != 0 {
		t.Errorf("optDuration on garbage = %s, want 0", got)
	}
}

func TestRegisterBuiltins(t *testing.T) {
	reg := config.NewRegistry()
	registerBuiltins(reg)

	p, err := reg.CreateEmbeddings(config.ProviderEntry{Name: "hashing", Options: map[string]any{"dimensions": 32}})
	if err != nil {
		t.Fatalf("hashing: %v", err)
	}
	if p.Dimensions() != 32 {
		t.Errorf("hashing dimensions = %d, want 32", p.Dimensions())
	}

	if _, err := reg.CreateEmbeddings(config.ProviderEntry{Name: "openai"}); err == nil {
		t.Error("openai without an API key should fail")
	}
	if _, err := reg.CreateEmbeddings(config.ProviderEntry{Name: "ollama"}); err == nil {
		t.Error("ollama without a model should fail")
	}
	if _, err := reg.CreateEmbeddings(config.ProviderEntry{Name: "cohere"}); !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("unknown provider: err = %v", err)
	}

	ctx := context.Background()
	for _, cfg := range []config.StoreConfig{
		{Driver: config.DriverMemory},
		{Driver: config.DriverSQLite, DSN: ":memory:"},
	} {
		st, err := reg.CreateStore(ctx, cfg)
		if err != nil {
			t.Fatalf("%s: %v", cfg.Driver, err)
		}
		if err := st.Ping(ctx); err != nil {
			t.Errorf("%s ping: %v", cfg.Driver, err)
		}
		_ = st.Close()
	}
}
