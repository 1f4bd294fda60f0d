package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/solarcrm/fieldsync/internal/models"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fieldsync.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

// TestLoad_defaults verifies defaults without a config file.
func TestLoad_defaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if cfg.Sync.MaxRetries != 3 {
		t.Errorf("MaxRetries = %d, want 3", cfg.Sync.MaxRetries)
	}
	if cfg.Sync.Periodic != "@every 30s" {
		t.Errorf("Periodic = %q", cfg.Sync.Periodic)
	}
	if cfg.Sync.SettleDelay != 2*time.Second {
		t.Errorf("SettleDelay = %v, want 2s", cfg.Sync.SettleDelay)
	}
	if cfg.Remote.Driver != "rest" {
		t.Errorf("Remote.Driver = %q, want rest", cfg.Remote.Driver)
	}
	if _, ok := cfg.Kinds[models.KindChecklist]; !ok {
		t.Error("built-in checklist kind missing")
	}
}

// TestLoad_file verifies YAML values and kind overrides.
func TestLoad_file(t *testing.T) {
	path := writeConfig(t, `
app:
  owner_id: installer-7
sync:
  max_retries: 5
  settle_delay: 1500ms
remote:
  driver: postgres
  dsn: postgres://localhost/crm
kinds:
  checklist:
    table: checklists_v2
    owner_column: instalador_id
    photos_field: fotos_urls
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if cfg.App.OwnerID != "installer-7" {
		t.Errorf("OwnerID = %q", cfg.App.OwnerID)
	}
	if cfg.Sync.MaxRetries != 5 {
		t.Errorf("MaxRetries = %d, want 5", cfg.Sync.MaxRetries)
	}
	if cfg.Sync.SettleDelay != 1500*time.Millisecond {
		t.Errorf("SettleDelay = %v", cfg.Sync.SettleDelay)
	}
	if got := cfg.Kinds[models.KindChecklist].Table; got != "checklists_v2" {
		t.Errorf("checklist table = %q, want override", got)
	}
	if got := cfg.Kinds[models.KindLeadConversion].Table; got != "clientes" {
		t.Errorf("lead_conversion table = %q, want built-in", got)
	}
}

// TestLoad_env verifies environment overrides.
func TestLoad_env(t *testing.T) {
	t.Setenv("FIELDSYNC_REMOTE_API_KEY", "secret")
	t.Setenv("FIELDSYNC_SYNC_MAX_RETRIES", "4")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if cfg.Remote.APIKey != "secret" {
		t.Errorf("APIKey = %q", cfg.Remote.APIKey)
	}
	if cfg.Sync.MaxRetries != 4 {
		t.Errorf("MaxRetries = %d, want 4", cfg.Sync.MaxRetries)
	}
}

// TestLoad_missingFile verifies a clear error.
func TestLoad_missingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

// TestValidate verifies structural checks.
func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"no data dir", func(c *Config) { c.Store.DataDir = "" }},
		{"zero retries", func(c *Config) { c.Sync.MaxRetries = 0 }},
		{"negative settle", func(c *Config) { c.Sync.SettleDelay = -time.Second }},
		{"bad remote driver", func(c *Config) { c.Remote.Driver = "mongo" }},
		{"redis without addr", func(c *Config) { c.Lock.Driver = "redis" }},
		{"bad lock driver", func(c *Config) { c.Lock.Driver = "etcd" }},
		{"bad jpeg quality", func(c *Config) { c.Media.JPEGQuality = 0 }},
		{"kind without table", func(c *Config) {
			c.Kinds[models.KindChecklist] = models.KindSpec{}
		}},
		{"follow-up without key", func(c *Config) {
			c.Kinds["extra"] = models.KindSpec{Table: "x", FollowUps: []models.FollowUp{{Table: "leads"}}}
		}},
	}

	base := Default()
	if err := base.Validate(); err != nil {
		t.Fatalf("Default().Validate() = %v", err)
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Validate() = nil, want error")
			}
		})
	}
}
