package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsValidate(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "sqlcipher", cfg.Store.Backend)
	assert.GreaterOrEqual(t, cfg.Store.PBKDF2Iterations, 100_000)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[store]
path = "/tmp/test-store.db"
backend = "sqlite"

[group]
rotation_max_age_seconds = 3600
rotation_max_messages = 50

[logging]
level = "debug"
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "sqlite", cfg.Store.Backend)
	assert.Equal(t, "/tmp/test-store.db", cfg.Store.Path)
	assert.Equal(t, 3600, cfg.Group.RotationMaxAgeSeconds)
	assert.Equal(t, 50, cfg.Group.RotationMaxMessages)
	assert.Equal(t, "debug", cfg.Logging.Level)
	// Untouched sections keep their defaults.
	assert.Equal(t, 600, cfg.Verification.SASTimeoutSeconds)
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("E2EE_STORE_BACKEND", "sqlite")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "sqlite", cfg.Store.Backend)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Store.Backend = "postgres"
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Store.PBKDF2Iterations = 10
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Logging.Level = "verbose"
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Group.RotationMaxMessages = 0
	assert.Error(t, cfg.Validate())
}
