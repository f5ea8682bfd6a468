package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, "feedback-core", cfg.Service.Name)
	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 8095, cfg.Server.Port)
	assert.Equal(t, "10M", cfg.Server.BodyLimit)
	assert.False(t, cfg.Server.Debug)

	assert.Equal(t, 10, cfg.Database.PoolSize)
	assert.Equal(t, 20, cfg.Database.MaxOverflow)

	assert.Equal(t, 5, cfg.Queue.MaxAttempts)
	assert.Equal(t, 4, cfg.Queue.Workers["annotate"])
	assert.Equal(t, 1, cfg.Queue.Workers["reports"])

	assert.Equal(t, 256, cfg.Vector.Dimensions)
	assert.True(t, cfg.RateLimit.Enabled)
	assert.Equal(t, 10, cfg.RateLimit.Burst)
	assert.Equal(t, "admin", cfg.Security.AdminUsername)
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	t.Setenv("FEEDBACK_SERVER_PORT", "9200")
	t.Setenv("FEEDBACK_DATABASE_URL", "postgres://override:x@db:5432/feedback")
	t.Setenv("FEEDBACK_FEATURES_ENGLISH_ONLY", "true")
	t.Setenv("FEEDBACK_LOGGING_LEVEL", "debug")

	cfg, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, 9200, cfg.Server.Port)
	assert.Equal(t, "postgres://override:x@db:5432/feedback", cfg.Database.URL)
	assert.True(t, cfg.Features.EnglishOnly)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoadConfigFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := []byte(`
server:
  port: 9300
  debug: true
cache:
  url: redis://cache:6379/0
  default_ttl: 2m
`)
	require.NoError(t, os.WriteFile(path, content, 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 9300, cfg.Server.Port)
	assert.True(t, cfg.Server.Debug)
	assert.Equal(t, "redis://cache:6379/0", cfg.Cache.URL)
	assert.Equal(t, "2m0s", cfg.Cache.DefaultTTL.String())

	// untouched keys keep their defaults
	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
}

func TestValidateConfig(t *testing.T) {
	base := func() *Config {
		cfg, err := LoadConfig("")
		require.NoError(t, err)
		return cfg
	}

	t.Run("valid", func(t *testing.T) {
		assert.NoError(t, ValidateConfig(base()))
	})

	t.Run("bad port", func(t *testing.T) {
		cfg := base()
		cfg.Server.Port = 0
		assert.ErrorContains(t, ValidateConfig(cfg), "invalid server port")
	})

	t.Run("missing database url", func(t *testing.T) {
		cfg := base()
		cfg.Database.URL = ""
		assert.ErrorContains(t, ValidateConfig(cfg), "database url is required")
	})

	t.Run("bad pool size", func(t *testing.T) {
		cfg := base()
		cfg.Database.PoolSize = 0
		assert.ErrorContains(t, ValidateConfig(cfg), "pool_size")
	})

	t.Run("jwt secret required in production", func(t *testing.T) {
		cfg := base()
		cfg.Service.Environment = "production"
		cfg.Security.JWTSecret = ""
		assert.ErrorContains(t, ValidateConfig(cfg), "jwt_secret")
	})

	t.Run("bad vector dimensions", func(t *testing.T) {
		cfg := base()
		cfg.Vector.Dimensions = 0
		assert.ErrorContains(t, ValidateConfig(cfg), "vector dimensions")
	})
}
