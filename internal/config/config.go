// Package config provides configuration loading for ragd.
package config

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidConfig indicates invalid configuration.
var ErrInvalidConfig = errors.New("invalid configuration")

// Embedding provider types.
const (
	EmbeddingProviderRemote = "remote"
	EmbeddingProviderLocal  = "local"
)

// Rerank provider types.
const (
	RerankProviderNone   = "none"
	RerankProviderRemote = "remote"
	RerankProviderLocal  = "local"
)

// Store backends.
const (
	StoreBackendPostgres = "postgres"
	StoreBackendChromem  = "chromem"
)

// Session backends.
const (
	SessionBackendMemory = "memory"
	SessionBackendRedis  = "redis"
)

// Config is the root configuration for ragd.
type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Logging   LoggingConfig   `koanf:"logging"`
	Store     StoreConfig     `koanf:"store"`
	Embedding EmbeddingConfig `koanf:"embedding"`
	Rerank    RerankConfig    `koanf:"rerank"`
	Search    SearchConfig    `koanf:"search"`
	Session   SessionConfig   `koanf:"session"`
	Migration MigrationConfig `koanf:"migration"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host string `koanf:"host"`
	Port int    `koanf:"port"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// StoreConfig selects and configures the persistence backend.
type StoreConfig struct {
	Backend  string         `koanf:"backend"`
	Postgres PostgresConfig `koanf:"postgres"`
	Chromem  ChromemConfig  `koanf:"chromem"`
}

// PostgresConfig holds pgvector-backed store configuration.
type PostgresConfig struct {
	DSN      Secret `koanf:"dsn"`
	MaxConns int    `koanf:"max_conns"`
}

// ChromemConfig holds embedded store configuration.
type ChromemConfig struct {
	Path     string `koanf:"path"`
	Compress bool   `koanf:"compress"`
}

// EmbeddingConfig holds the default embedding provider configuration.
// Per-tenant overrides are loaded through the tenant config store; this
// block is the platform default for tenants with no explicit setting.
type EmbeddingConfig struct {
	Provider          string   `koanf:"provider"`
	Model             string   `koanf:"model"`
	Dimension         int      `koanf:"dimension"`
	BaseURL           string   `koanf:"base_url"`
	APIKey            Secret   `koanf:"api_key"`
	Timeout           Duration `koanf:"timeout"`
	RequestsPerSecond float64  `koanf:"requests_per_second"`
}

// RerankConfig holds reranker configuration.
type RerankConfig struct {
	Provider string   `koanf:"provider"`
	Model    string   `koanf:"model"`
	BaseURL  string   `koanf:"base_url"`
	Timeout  Duration `koanf:"timeout"`
	TopN     int      `koanf:"top_n"`
}

// SearchConfig holds similarity search defaults.
type SearchConfig struct {
	Threshold         float32  `koanf:"threshold"`
	Limit             int      `koanf:"limit"`
	Deadline          Duration `koanf:"deadline"`
	TokenBudget       int      `koanf:"token_budget"`
	PerChunkCharLimit int      `koanf:"per_chunk_char_limit"`
}

// SessionConfig holds conversation session configuration.
type SessionConfig struct {
	InactivitySeconds int         `koanf:"inactivity_seconds"`
	Backend           string      `koanf:"backend"`
	Redis             RedisConfig `koanf:"redis"`
}

// RedisConfig holds redis session store configuration.
type RedisConfig struct {
	Addr     string `koanf:"addr"`
	Password Secret `koanf:"password"`
	DB       int    `koanf:"db"`
}

// MigrationConfig holds embedding migration coordinator configuration.
type MigrationConfig struct {
	BatchSize  int `koanf:"batch_size"`
	MaxRetries int `koanf:"max_retries"`
}

// InactivityWindow returns the session inactivity window as a duration.
func (c SessionConfig) InactivityWindow() time.Duration {
	return time.Duration(c.InactivitySeconds) * time.Second
}

// NewDefault returns a Config populated with production-ready defaults.
func NewDefault() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "localhost",
			Port: 9180,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Store: StoreConfig{
			Backend: StoreBackendChromem,
			Postgres: PostgresConfig{
				MaxConns: 8,
			},
			Chromem: ChromemConfig{
				Path: "~/.config/ragd/vectorstore",
			},
		},
		Embedding: EmbeddingConfig{
			Provider:          EmbeddingProviderLocal,
			Model:             "BAAI/bge-small-en-v1.5",
			Dimension:         384,
			BaseURL:           "http://localhost:8080",
			Timeout:           Duration(30 * time.Second),
			RequestsPerSecond: 20,
		},
		Rerank: RerankConfig{
			Provider: RerankProviderNone,
			Timeout:  Duration(10 * time.Second),
			TopN:     10,
		},
		Search: SearchConfig{
			Threshold:         0.2,
			Limit:             10,
			Deadline:          Duration(3 * time.Second),
			TokenBudget:       2048,
			PerChunkCharLimit: 2000,
		},
		Session: SessionConfig{
			InactivitySeconds: 60,
			Backend:           SessionBackendMemory,
		},
		Migration: MigrationConfig{
			BatchSize:  500,
			MaxRetries: 3,
		},
	}
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case StoreBackendPostgres:
		if !c.Store.Postgres.DSN.IsSet() {
			return fmt.Errorf("%w: store.postgres.dsn required for postgres backend", ErrInvalidConfig)
		}
	case StoreBackendChromem:
		if c.Store.Chromem.Path == "" {
			return fmt.Errorf("%w: store.chromem.path required for chromem backend", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown store backend %q", ErrInvalidConfig, c.Store.Backend)
	}

	switch c.Embedding.Provider {
	case EmbeddingProviderRemote, EmbeddingProviderLocal:
	default:
		return fmt.Errorf("%w: unknown embedding provider %q", ErrInvalidConfig, c.Embedding.Provider)
	}
	if c.Embedding.Dimension <= 0 {
		return fmt.Errorf("%w: embedding.dimension must be positive", ErrInvalidConfig)
	}

	switch c.Rerank.Provider {
	case RerankProviderNone, RerankProviderRemote, RerankProviderLocal:
	default:
		return fmt.Errorf("%w: unknown rerank provider %q", ErrInvalidConfig, c.Rerank.Provider)
	}

	if c.Search.Threshold < -1 || c.Search.Threshold > 1 {
		return fmt.Errorf("%w: search.threshold must be in [-1, 1]", ErrInvalidConfig)
	}
	if c.Search.Limit <= 0 {
		return fmt.Errorf("%w: search.limit must be positive", ErrInvalidConfig)
	}
	if c.Search.TokenBudget <= 0 {
		return fmt.Errorf("%w: search.token_budget must be positive", ErrInvalidConfig)
	}

	if c.Session.InactivitySeconds <= 0 {
		return fmt.Errorf("%w: session.inactivity_seconds must be positive", ErrInvalidConfig)
	}
	switch c.Session.Backend {
	case SessionBackendMemory:
	case SessionBackendRedis:
		if c.Session.Redis.Addr == "" {
			return fmt.Errorf("%w: session.redis.addr required for redis backend", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown session backend %q", ErrInvalidConfig, c.Session.Backend)
	}

	if c.Migration.BatchSize <= 0 {
		return fmt.Errorf("%w: migration.batch_size must be positive", ErrInvalidConfig)
	}
	if c.Migration.MaxRetries < 0 {
		return fmt.Errorf("%w: migration.max_retries cannot be negative", ErrInvalidConfig)
	}

	return nil
}
