// Package config loads the TTL, storage-backend, and cache-backend settings
// shared by the lidmapping store and the Signal session repository.
package config

import (
	"time"
)

// Config holds every setting the identity core needs at construction time.
type Config struct {
	Database DatabaseConfig
	Cache    CacheConfig
}

// DatabaseConfig selects the KV persistence backend.
type DatabaseConfig struct {
	Driver string // "sqlite" | "postgres"
	DSN    string
}

// CacheConfig selects the mapping/migration/validation cache backend and
// their TTLs (LoadConfig defaults all three to one shared value).
type CacheConfig struct {
	Backend        string // "memory" | "valkey"
	ValkeyAddress  string
	ValkeyPassword string
	ValkeyDB       int
	KeyPrefix      string

	MappingTTL    time.Duration
	MigrationTTL  time.Duration
	ValidationTTL time.Duration
}

// LoadConfig reads settings from the environment, falling back to defaults
// matched to the teacher's sqlite/in-process-cache-first deployment model.
func LoadConfig() (*Config, error) {
	ttl := getEnvDuration("IDENTITY_CACHE_TTL", time.Hour)

	cfg := &Config{
		Database: DatabaseConfig{
			Driver: getEnv("IDENTITY_DB_DRIVER", "sqlite"),
			DSN:    getEnv("IDENTITY_DB_DSN", "file:identity.db?_foreign_keys=on"),
		},
		Cache: CacheConfig{
			Backend:        getEnv("IDENTITY_CACHE_BACKEND", "memory"),
			ValkeyAddress:  getEnv("VALKEY_ADDRESS", "localhost:6379"),
			ValkeyPassword: getEnv("VALKEY_PASSWORD", ""),
			ValkeyDB:       getEnvInt("VALKEY_DB", 0),
			KeyPrefix:      getEnv("VALKEY_KEY_PREFIX", "identity:"),
			MappingTTL:     getEnvDuration("IDENTITY_MAPPING_CACHE_TTL", ttl),
			MigrationTTL:   getEnvDuration("IDENTITY_MIGRATION_CACHE_TTL", ttl),
			ValidationTTL:  getEnvDuration("IDENTITY_VALIDATION_CACHE_TTL", ttl),
		},
	}
	return cfg, nil
}
