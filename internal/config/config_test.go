package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var allKeys = []string{
	"CONFIG_FILE", "HOST", "PORT", "DATA_DIR", "STORAGE", "GATEWAY_TOKEN", "LOG_LEVEL", "LOG_FORMAT",
	"RATE_LIMIT_RPS", "RATE_LIMIT_BURST", "MODEL_REFRESH_CRON", "CONTEXT_TTL_MS", "DISCOVERY_TIMEOUT_MS",
	"AUTO_DETECT_MODELS",
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range allKeys {
		t.Setenv(EnvPrefix+k, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
	assert.Equal(t, "127.0.0.1:8765", cfg.Addr())
	assert.True(t, cfg.AutoDetectModels)
	assert.Zero(t, cfg.ContextTTL, "page contexts are kept until replaced or forgotten")
}

func TestLoadFileThenEnv(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "tabmind.toml")
	content := `
port = "9000"
storage = "sqlite"
log_format = "json"
context_ttl_ms = 5000
auto_detect_models = false
model_refresh_cron = "@every 30m"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	t.Setenv(EnvPrefix+"CONFIG_FILE", path)
	t.Setenv(EnvPrefix+"PORT", "9100")
	t.Setenv(EnvPrefix+"RATE_LIMIT_RPS", "2.5")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "9100", cfg.Port)
	assert.Equal(t, "sqlite", cfg.Storage)
	assert.Equal(t, "json", cfg.LogFormat)
	assert.Equal(t, 5*time.Second, cfg.ContextTTL)
	assert.False(t, cfg.AutoDetectModels)
	assert.Equal(t, "@every 30m", cfg.ModelRefreshCron)
	assert.Equal(t, 2.5, cfg.RateLimitRPS)
	assert.Equal(t, 10, cfg.RateLimitBurst)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	clearEnv(t)
	t.Setenv(EnvPrefix+"STORAGE", "postgres")
	_, err := Load()
	assert.Error(t, err)

	clearEnv(t)
	t.Setenv(EnvPrefix+"CONTEXT_TTL_MS", "soon")
	_, err = Load()
	assert.Error(t, err)

	clearEnv(t)
	t.Setenv(EnvPrefix+"CONTEXT_TTL_MS", "-1")
	_, err = Load()
	assert.Error(t, err)

	clearEnv(t)
	t.Setenv(EnvPrefix+"CONFIG_FILE", filepath.Join(t.TempDir(), "missing.toml"))
	_, err = Load()
	assert.Error(t, err)
}
