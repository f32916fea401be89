package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("AGENT_SERVER_URL", "http://agent:4000")
	t.Setenv("AGENT_SERVER_TOKEN", "secret")
	t.Setenv("DATABASE_URL", "postgres://relay@db/relay")
}

func TestLoad_Defaults(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "5000", cfg.Server.Port)
	assert.Equal(t, 100, cfg.RateLimit.MessagesPerWindow)
	assert.Equal(t, time.Minute, cfg.RateLimit.Window)
	assert.Equal(t, 1000, cfg.RateLimit.MessagesPerHour)
	assert.Equal(t, 24*time.Hour, cfg.Retention.MessageTTL)
	assert.Equal(t, 10*time.Second, cfg.Forward.Timeout)
	assert.Equal(t, 2, cfg.Forward.MaxRetries)
}

func TestLoad_MissingRequired(t *testing.T) {
	t.Setenv("AGENT_SERVER_URL", "")
	t.Setenv("AGENT_SERVER_TOKEN", "")
	t.Setenv("DATABASE_URL", "")

	_, err := Load("")
	assert.Error(t, err)
}

func TestLoad_EnvWinsOverYAML(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("PORT", "9999")
	t.Setenv("RATE_LIMIT_WINDOW_MS", "30000")
	t.Setenv("ALLOWED_ORIGINS", "https://app.example.com, https://admin.example.com")

	path := filepath.Join(t.TempDir(), "relay.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: "8080"
  allowed_origins: ["https://old.example.com"]
rate_limit:
  messages_per_window: 50
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "9999", cfg.Server.Port, "env overrides the file")
	assert.Equal(t, 50, cfg.RateLimit.MessagesPerWindow, "file overrides the default")
	assert.Equal(t, 30*time.Second, cfg.RateLimit.Window)
	assert.Equal(t, []string{"https://app.example.com", "https://admin.example.com"},
		cfg.Server.AllowedOrigins)
}

func TestLoad_MissingFileIsFine(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := Load("/nonexistent/relay.yaml")
	require.NoError(t, err)
	assert.Equal(t, "5000", cfg.Server.Port)
}
