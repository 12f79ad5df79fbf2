package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"driveline/internal/config"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := config.Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Core.DefaultMaxAttempts != 5 {
		t.Fatalf("default_max_attempts = %d, want 5", cfg.Core.DefaultMaxAttempts)
	}
	if cfg.Core.MaxPayloadBytes != 65536 {
		t.Fatalf("max_payload_bytes = %d, want 65536", cfg.Core.MaxPayloadBytes)
	}
}

func TestLoadMissingFileFallsBack(t *testing.T) {
	cfg, err := config.Load(t.TempDir())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Dispatcher.Workers != 4 {
		t.Fatalf("workers = %d, want default 4", cfg.Dispatcher.Workers)
	}
}

func TestFromYAMLOverridesDefaults(t *testing.T) {
	data := []byte(`core:
  default_max_attempts: 2

webhooks:
  - url: https://example.com/hooks/driveline
    types: [forum.post.created]
`)
	cfg, err := config.FromYAML(data)
	if err != nil {
		t.Fatalf("from yaml: %v", err)
	}
	if cfg.Core.DefaultMaxAttempts != 2 {
		t.Fatalf("default_max_attempts = %d, want 2", cfg.Core.DefaultMaxAttempts)
	}
	// Unset fields keep their defaults.
	if cfg.Dispatcher.IntervalSeconds != 2 {
		t.Fatalf("interval_seconds = %d, want default 2", cfg.Dispatcher.IntervalSeconds)
	}
	if len(cfg.Webhooks) != 1 || cfg.Webhooks[0].Types[0] != "forum.post.created" {
		t.Fatalf("webhooks = %v", cfg.Webhooks)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []string{
		"core:\n  default_max_attempts: 0\n",
		"dispatcher:\n  workers: 0\n",
		"dispatcher:\n  interval_seconds: 0\n",
		"webhooks:\n  - secret: x\n",
	}
	for i, y := range cases {
		if _, err := config.FromYAML([]byte(y)); err == nil {
			t.Errorf("case %d: expected validation error", i)
		}
	}
}

func TestLoadReadsWorkspaceFile(t *testing.T) {
	dir := t.TempDir()
	content := "core:\n  max_payload_bytes: 1024\n"
	if err := os.WriteFile(filepath.Join(dir, "driveline.yml"), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := config.Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Core.MaxPayloadBytes != 1024 {
		t.Fatalf("max_payload_bytes = %d, want 1024", cfg.Core.MaxPayloadBytes)
	}
}
