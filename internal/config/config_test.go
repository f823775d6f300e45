package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Engine.BatchSize != 25 {
		t.Errorf("BatchSize = %d, want 25", cfg.Engine.BatchSize)
	}
	if cfg.DB.ExpiryWindow != 24*time.Hour {
		t.Errorf("ExpiryWindow = %v, want 24h", cfg.DB.ExpiryWindow)
	}
	if cfg.Remote.Kind != "http" {
		t.Errorf("Remote.Kind = %q, want %q", cfg.Remote.Kind, "http")
	}
	if cfg.Retry.CriticalMaxAttempts != 8 {
		t.Errorf("CriticalMaxAttempts = %d, want 8", cfg.Retry.CriticalMaxAttempts)
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("Default() should validate, got: %v", err)
	}
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "driftq.yaml")

	content := `
db:
  path: /var/lib/driftq/queue.db
  expiry_window: 48h
engine:
  batch_size: 50
remote:
  kind: http
  url: https://sync.example.com
daemon:
  pull_interval: 1m
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.DB.Path != "/var/lib/driftq/queue.db" {
		t.Errorf("DB.Path = %q, want the configured path", cfg.DB.Path)
	}
	if cfg.DB.ExpiryWindow != 48*time.Hour {
		t.Errorf("ExpiryWindow = %v, want 48h", cfg.DB.ExpiryWindow)
	}
	if cfg.Engine.BatchSize != 50 {
		t.Errorf("BatchSize = %d, want 50", cfg.Engine.BatchSize)
	}
	if cfg.Daemon.PullInterval != time.Minute {
		t.Errorf("PullInterval = %v, want 1m", cfg.Daemon.PullInterval)
	}

	// Keys absent from the file keep their defaults.
	if cfg.Engine.FanOut != 4 {
		t.Errorf("FanOut = %d, want default 4", cfg.Engine.FanOut)
	}
	if cfg.Retry.MaxAttempts != 5 {
		t.Errorf("MaxAttempts = %d, want default 5", cfg.Retry.MaxAttempts)
	}

	// The probe URL is derived from the remote URL when unset.
	if cfg.Remote.ProbeURL != "https://sync.example.com/health" {
		t.Errorf("ProbeURL = %q, want derived /health URL", cfg.Remote.ProbeURL)
	}
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err == nil {
		t.Fatal("Load() with a missing explicit path should fail")
	}
}

func TestLoadDefaultWithoutFile(t *testing.T) {
	// No driftq.yaml in the package directory, so defaults apply.
	cfg, err := LoadDefault()
	if err != nil {
		t.Fatalf("LoadDefault() failed: %v", err)
	}
	if cfg.Engine.BatchSize != 25 {
		t.Errorf("BatchSize = %d, want default 25", cfg.Engine.BatchSize)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("DRIFTQ_ENGINE_BATCH_SIZE", "75")
	t.Setenv("DRIFTQ_DAEMON_PULL_INTERVAL", "90s")
	t.Setenv("DRIFTQ_REMOTE_URL", "https://env.example.com")
	t.Setenv("DRIFTQ_CONFLICT_POLICY_FILE", "/etc/driftq/policy.yaml")

	cfg, err := LoadDefault()
	if err != nil {
		t.Fatalf("LoadDefault() failed: %v", err)
	}

	if cfg.Engine.BatchSize != 75 {
		t.Errorf("BatchSize = %d, want env override 75", cfg.Engine.BatchSize)
	}
	if cfg.Daemon.PullInterval != 90*time.Second {
		t.Errorf("PullInterval = %v, want env override 90s", cfg.Daemon.PullInterval)
	}
	if cfg.Remote.URL != "https://env.example.com" {
		t.Errorf("Remote.URL = %q, want env override", cfg.Remote.URL)
	}
	if cfg.Conflict.PolicyFile != "/etc/driftq/policy.yaml" {
		t.Errorf("Conflict.PolicyFile = %q, want env override", cfg.Conflict.PolicyFile)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "driftq.yaml")
	if err := os.WriteFile(path, []byte("engine:\n  batch_size: 10\n"), 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	t.Setenv("DRIFTQ_ENGINE_BATCH_SIZE", "99")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if cfg.Engine.BatchSize != 99 {
		t.Errorf("BatchSize = %d, want environment to win over the file", cfg.Engine.BatchSize)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		errMsg string
	}{
		{
			name:   "valid defaults",
			mutate: func(c *Config) {},
		},
		{
			name:   "empty db path",
			mutate: func(c *Config) { c.DB.Path = "" },
			errMsg: "db.path",
		},
		{
			name:   "zero expiry window",
			mutate: func(c *Config) { c.DB.ExpiryWindow = 0 },
			errMsg: "db.expiry_window",
		},
		{
			name:   "zero batch size",
			mutate: func(c *Config) { c.Engine.BatchSize = 0 },
			errMsg: "engine.batch_size",
		},
		{
			name:   "zero fan out",
			mutate: func(c *Config) { c.Engine.FanOut = 0 },
			errMsg: "engine.fan_out",
		},
		{
			name:   "max delay below base delay",
			mutate: func(c *Config) { c.Retry.MaxDelay = c.Retry.BaseDelay / 2 },
			errMsg: "retry.max_delay",
		},
		{
			name:   "critical attempts below max attempts",
			mutate: func(c *Config) { c.Retry.CriticalMaxAttempts = c.Retry.MaxAttempts - 1 },
			errMsg: "retry.critical_max_attempts",
		},
		{
			name:   "unknown remote kind",
			mutate: func(c *Config) { c.Remote.Kind = "carrier-pigeon" },
			errMsg: "remote.kind",
		},
		{
			name:   "negative pull interval",
			mutate: func(c *Config) { c.Daemon.PullInterval = -time.Second },
			errMsg: "daemon.pull_interval",
		},
		{
			name:   "dashboard enabled without addr",
			mutate: func(c *Config) { c.Dashboard.Enabled = true; c.Dashboard.Addr = "" },
			errMsg: "dashboard.addr",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.errMsg == "" {
				if err != nil {
					t.Errorf("Validate() unexpected error: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatal("Validate() expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.errMsg) {
				t.Errorf("Validate() error = %v, want error containing %q", err, tt.errMsg)
			}
		})
	}
}
