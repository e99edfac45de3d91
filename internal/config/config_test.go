package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nwatkins/stagehand/internal/config"
)

func TestDefault_IsValid(t *testing.T) {
	cfg := config.Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config must validate: %v", err)
	}
	if cfg.Store.Driver != config.StoreBolt {
		t.Errorf("default store driver: want bolt, got %s", cfg.Store.Driver)
	}
	if cfg.Queue.MaxAttempts != 3 {
		t.Errorf("default max attempts: want 3, got %d", cfg.Queue.MaxAttempts)
	}
}

func TestLoad_MissingFileReturnsDefaults(t *testing.T) {
	cfg, err := config.Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("Load on missing file: %v", err)
	}
	if cfg.Node.Port != 8080 {
		t.Errorf("want default port 8080, got %d", cfg.Node.Port)
	}
}

func TestLoad_OverlaysFileOnDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := []byte(`
node:
  port: 9999
queue:
  max_attempts: 5
auth:
  enabled: true
  api_key: sekrit
`)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Node.Port != 9999 {
		t.Errorf("port: want 9999, got %d", cfg.Node.Port)
	}
	if cfg.Queue.MaxAttempts != 5 {
		t.Errorf("max_attempts: want 5, got %d", cfg.Queue.MaxAttempts)
	}
	if !cfg.Auth.Enabled || cfg.Auth.APIKey != "sekrit" {
		t.Errorf("auth not overlaid: %+v", cfg.Auth)
	}
	// Untouched sections keep their defaults.
	if cfg.Queue.VisibilityTimeoutMs != 30_000 {
		t.Errorf("visibility timeout default lost: %d", cfg.Queue.VisibilityTimeoutMs)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("STAGEHAND_AUTH_API_KEY", "env-key")
	t.Setenv("STAGEHAND_PORT", "7070")
	t.Setenv("STAGEHAND_DATA_DIR", "/tmp/sh-test")

	cfg, err := config.Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Auth.APIKey != "env-key" || !cfg.Auth.Enabled {
		t.Errorf("env api key not applied: %+v", cfg.Auth)
	}
	if cfg.Node.Port != 7070 {
		t.Errorf("env port not applied: %d", cfg.Node.Port)
	}
	if cfg.Node.DataDir != "/tmp/sh-test" {
		t.Errorf("env data dir not applied: %s", cfg.Node.DataDir)
	}
}

func TestLoad_MongoEnvSwitchesDriver(t *testing.T) {
	t.Setenv("STAGEHAND_MONGO_URI", "mongodb://localhost:27017")

	cfg, err := config.Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Store.Driver != config.StoreMongo {
		t.Errorf("driver: want mongo, got %s", cfg.Store.Driver)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("mongo config with URI should validate: %v", err)
	}
}

func TestValidate_Rejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{"bad port", func(c *config.Config) { c.Node.Port = 0 }},
		{"empty data dir", func(c *config.Config) { c.Node.DataDir = "" }},
		{"unknown driver", func(c *config.Config) { c.Store.Driver = "etcd" }},
		{"mongo without uri", func(c *config.Config) { c.Store.Driver = config.StoreMongo }},
		{"zero attempts", func(c *config.Config) { c.Queue.MaxAttempts = 0 }},
		{"zero visibility", func(c *config.Config) { c.Queue.VisibilityTimeoutMs = 0 }},
		{"bad schedule ahead", func(c *config.Config) { c.Queue.MaxScheduleAhead = "90 days" }},
		{"no workers", func(c *config.Config) { c.Dispatcher.Workers = 0 }},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			cfg := config.Default()
			c.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error, got nil")
			}
		})
	}
}

func TestMaxScheduleAhead(t *testing.T) {
	cfg := config.Default()

	d, err := cfg.MaxScheduleAhead()
	if err != nil {
		t.Fatalf("MaxScheduleAhead: %v", err)
	}
	if d != 2160*time.Hour {
		t.Errorf("want 2160h, got %v", d)
	}

	cfg.Queue.MaxScheduleAhead = ""
	if d, err := cfg.MaxScheduleAhead(); err != nil || d != 0 {
		t.Errorf("empty value should mean no cap: d=%v err=%v", d, err)
	}

	cfg.Queue.MaxScheduleAhead = "-1h"
	if _, err := cfg.MaxScheduleAhead(); err == nil {
		t.Error("negative duration should be rejected")
	}
}
