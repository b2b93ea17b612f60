package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestDefaults(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "mysql", cfg.Database.Driver)
	assert.Equal(t, 30*24*time.Hour, cfg.Retention.RetentionWindow())
	assert.Equal(t, time.Hour, cfg.Retention.Interval())
	assert.Equal(t, 15*time.Minute, cfg.Retention.LockDuration())
	assert.Equal(t, time.Hour, cfg.Storage.StagingMaxAge())
	assert.Equal(t, 256, cfg.Tree.MaxDepth)
	assert.True(t, cfg.Retention.Enabled)
}

func TestLoadConfigAppliesEnvOverrides(t *testing.T) {
	t.Setenv("GD_DB_PASSWORD", "from-env")
	t.Setenv("GD_JWT_SECRET", "env-secret")
	path := writeConfig(t, `
database:
  driver: Postgres
  password: from-file
retention:
  enabled: true
  window_days: 7
storage:
  base_path: /srv/grantdocs
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, "from-env", cfg.Database.Password)
	assert.Equal(t, "env-secret", cfg.Auth.JWTSecret)
	assert.Equal(t, 7*24*time.Hour, cfg.Retention.RetentionWindow())
	assert.Same(t, cfg, AppConfig)
}

func TestLoadConfigRejectsInvalidValues(t *testing.T) {
	cases := map[string]string{
		"unknown driver":    "database:\n  driver: sqlite\n",
		"negative window":   "retention:\n  window_days: -1\n",
		"compression level": "export:\n  compression_level: 12\n",
		"depth too large":   "tree:\n  max_depth: 10000\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, body))
			require.Error(t, err)
		})
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}
