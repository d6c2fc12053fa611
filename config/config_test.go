package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("IDENTITY_DB_DRIVER", "")
	t.Setenv("IDENTITY_CACHE_BACKEND", "")
	t.Setenv("IDENTITY_CACHE_TTL", "")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, "memory", cfg.Cache.Backend)
	assert.Equal(t, time.Hour, cfg.Cache.MappingTTL)
	assert.Equal(t, time.Hour, cfg.Cache.MigrationTTL)
	assert.Equal(t, time.Hour, cfg.Cache.ValidationTTL)
}

func TestLoadConfigOverrides(t *testing.T) {
	t.Setenv("IDENTITY_DB_DRIVER", "postgres")
	t.Setenv("IDENTITY_CACHE_BACKEND", "valkey")
	t.Setenv("IDENTITY_CACHE_TTL", "30m")
	t.Setenv("IDENTITY_VALIDATION_CACHE_TTL", "5m")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, "valkey", cfg.Cache.Backend)
	assert.Equal(t, 30*time.Minute, cfg.Cache.MappingTTL)
	assert.Equal(t, 5*time.Minute, cfg.Cache.ValidationTTL)
}
