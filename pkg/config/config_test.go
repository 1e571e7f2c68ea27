package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, defaultAckTimeout, cfg.Client.AckTimeout)
	require.Equal(t, defaultReconcileTolerance, cfg.Client.ReconcileTolerance)
	require.Equal(t, defaultMaxReconnectAttempts, cfg.Client.MaxReconnectAttempts)
	require.Equal(t, []string{"*"}, cfg.Server.CORSAllowedOrigins)
}

func TestLoad_YAMLThenEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "socialchat.yaml")
	content := []byte(`
log_level: debug
client:
  ws_url: ws://chat.example.com/ws
  ack_timeout: 3s
  history_page_size: 50
server:
  port: "9090"
  cors_allowed_origins: ["https://app.example.com"]
`)
	require.NoError(t, os.WriteFile(path, content, 0o600))

	t.Setenv("SOCIALCHAT_ACK_TIMEOUT", "7s")
	t.Setenv("CORS_ALLOWED_ORIGINS", "https://a.example.com, https://b.example.com")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "debug", cfg.LogLevel)
	require.Equal(t, "ws://chat.example.com/ws", cfg.Client.WSURL)
	require.Equal(t, 7*time.Second, cfg.Client.AckTimeout)
	require.Equal(t, 50, cfg.Client.HistoryPageSize)
	require.Equal(t, "9090", cfg.Server.Port)
	require.Equal(t, []string{"https://a.example.com", "https://b.example.com"}, cfg.Server.CORSAllowedOrigins)
}

func TestLoad_InvalidDurationFallsBack(t *testing.T) {
	t.Setenv("SOCIALCHAT_TYPING_EXPIRY", "soon")

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, defaultTypingExpiry, cfg.Client.TypingExpiry)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{"defaults", func(c *Config) {}, false},
		{"zero ack timeout", func(c *Config) { c.Client.AckTimeout = 0 }, true},
		{"max delay below base", func(c *Config) { c.Client.ReconnectMaxDelay = time.Millisecond }, true},
		{"page size too large", func(c *Config) { c.Client.HistoryPageSize = 500 }, true},
		{"production without tls", func(c *Config) { c.Server.TLS.Env = "production" }, true},
		{"dev tls without files", func(c *Config) { c.Server.TLS.EnableTLS = true }, false},
		{"cert without key", func(c *Config) { c.Server.TLS.CertPath = "relay.crt" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Equal(t, tt.wantErr, err != nil)
		})
	}
}
