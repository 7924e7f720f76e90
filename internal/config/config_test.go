package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	t.Run("defaults plus required env", func(t *testing.T) {
		t.Setenv("BEACON_DATABASE_URL", "postgres://localhost/beacon")
		t.Setenv("BEACON_AUTH_SERVICE_SECRET", "s3cret")
		t.Setenv("BEACON_APNS_ENABLED", "false")

		cfg, err := Load()
		require.NoError(t, err)

		assert.Equal(t, "8080", cfg.Server.Port)
		assert.Equal(t, "shadow", cfg.Dispatch.Mode)
		assert.Equal(t, 0, cfg.Dispatch.RolloutPercent)
		assert.Equal(t, 5, cfg.Dispatch.MaxAttempts)
		assert.Equal(t, 300, cfg.Enqueue.PepScanLimit)
		assert.Equal(t, 400, cfg.Enqueue.TaskScanLimit)
		assert.Equal(t, "postgres://localhost/beacon", cfg.Database.URL)
		assert.Equal(t, "s3cret", cfg.Auth.ServiceSecret)
	})

	t.Run("env overrides nested keys", func(t *testing.T) {
		t.Setenv("BEACON_DATABASE_URL", "postgres://localhost/beacon")
		t.Setenv("BEACON_AUTH_SERVICE_SECRET", "s3cret")
		t.Setenv("BEACON_APNS_ENABLED", "false")
		t.Setenv("BEACON_DISPATCH_MODE", "send")
		t.Setenv("BEACON_DISPATCH_ROLLOUT_PERCENT", "25")

		cfg, err := Load()
		require.NoError(t, err)

		assert.Equal(t, "send", cfg.Dispatch.Mode)
		assert.Equal(t, 25, cfg.Dispatch.RolloutPercent)
	})

	t.Run("config file sits between defaults and env", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "config.yaml")
		require.NoError(t, os.WriteFile(path, []byte(`
database:
  url: postgres://file/beacon
auth:
  service_secret: from-file
dispatch:
  mode: send
apns:
  enabled: false
`), 0o600))

		t.Setenv(ConfigPathEnvVar, path)
		t.Setenv("BEACON_DISPATCH_MODE", "shadow")

		cfg, err := Load()
		require.NoError(t, err)

		assert.Equal(t, "postgres://file/beacon", cfg.Database.URL)
		assert.Equal(t, "shadow", cfg.Dispatch.Mode, "env beats file")
	})

	t.Run("missing database url fails", func(t *testing.T) {
		t.Setenv("BEACON_AUTH_SERVICE_SECRET", "s3cret")
		t.Setenv("BEACON_APNS_ENABLED", "false")

		_, err := Load()
		assert.Error(t, err)
	})

	t.Run("enabled apns requires credentials", func(t *testing.T) {
		t.Setenv("BEACON_DATABASE_URL", "postgres://localhost/beacon")
		t.Setenv("BEACON_AUTH_SERVICE_SECRET", "s3cret")

		_, err := Load()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "apns")
	})
}

func TestEnvTransform(t *testing.T) {
	assert.Equal(t, "dispatch.rollout_percent", envTransform("BEACON_DISPATCH_ROLLOUT_PERCENT"))
	assert.Equal(t, "database.url", envTransform("BEACON_DATABASE_URL"))
	assert.Equal(t, "server.read_header_timeout", envTransform("BEACON_SERVER_READ_HEADER_TIMEOUT"))
}
