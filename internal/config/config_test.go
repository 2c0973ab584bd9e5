package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Default Config Tests
// =============================================================================

func TestDefault(t *testing.T) {
	cfg := Default()
	require.NotNil(t, cfg)

	assert.NotEmpty(t, cfg.DataDir)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "sqlite", cfg.Secrets.Backend)
	assert.Equal(t, "none", cfg.Legacy.Backend)
	assert.Equal(t, 5*time.Minute, cfg.OAuth.RefreshMargin)
	assert.Equal(t, 3, cfg.Sync.MaxAttempts)
	assert.Equal(t, time.Hour, cfg.Sync.Interval)

	// roughly six months back and twelve months forward
	assert.InDelta(t, 182.5, cfg.Sync.WindowPast.Hours()/24, 1)
	assert.InDelta(t, 365, cfg.Sync.WindowFuture.Hours()/24, 1)
}

// =============================================================================
// Load Tests
// =============================================================================

func TestLoad_FileAndEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "labcal.yaml")
	content := `
server:
  port: 9090
sync:
  window_past: 720h
  max_attempts: 5
google:
  client_id: from-file
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))

	t.Setenv("LABCAL_GOOGLE_CLIENT_ID", "from-env")
	t.Setenv("LABCAL_SYNC_WINDOW_FUTURE", "48h")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 720*time.Hour, cfg.Sync.WindowPast)
	assert.Equal(t, 48*time.Hour, cfg.Sync.WindowFuture)
	assert.Equal(t, 5, cfg.Sync.MaxAttempts)
	assert.Equal(t, "from-env", cfg.Google.ClientID)
	// untouched keys keep defaults
	assert.Equal(t, 5*time.Minute, cfg.OAuth.RefreshMargin)
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default().Server.Port, cfg.Server.Port)
}

func TestLoad_InvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server: [unclosed"), 0600))

	_, err := Load(path)
	assert.Error(t, err)
}

// =============================================================================
// Validate Tests
// =============================================================================

func validConfig() *Config {
	cfg := Default()
	cfg.Google.ClientID = "id"
	cfg.Google.ClientSecret = "secret"
	cfg.Google.RedirectURL = "http://localhost:8080/api/v1/calendar/oauth/callback"
	cfg.Auth.JWTSecret = "jwt"
	cfg.Secrets.Passphrase = "pass"
	cfg.Webhook.Address = "https://example.org/api/v1/calendar/webhook"
	return cfg
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid", func(*Config) {}, false},
		{"missing client", func(c *Config) { c.Google.ClientID = "" }, true},
		{"missing passphrase", func(c *Config) { c.Secrets.Passphrase = "" }, true},
		{"gsm without project", func(c *Config) { c.Secrets.Backend = "gsm" }, true},
		{"gsm with project", func(c *Config) { c.Secrets.Backend = "gsm"; c.Secrets.GCPProject = "p" }, false},
		{"unknown backend", func(c *Config) { c.Secrets.Backend = "vault" }, true},
		{"zero window", func(c *Config) { c.Sync.WindowPast = 0 }, true},
		{"no attempts", func(c *Config) { c.Sync.MaxAttempts = 0 }, true},
		{"webhook without address", func(c *Config) { c.Webhook.Address = "" }, true},
		{"webhook disabled", func(c *Config) { c.Webhook.Enabled = false; c.Webhook.Address = "" }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
