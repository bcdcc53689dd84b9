// Package config loads service configuration from the environment, with an
// optional .env file, and builds the logger and identity store it names.
package config

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/hansy/drawspell-sub000/service/internal/cache"
	"github.com/hansy/drawspell-sub000/service/internal/database"
	"github.com/hansy/drawspell-sub000/service/internal/identity"
)

// Identity store backends.
const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
	BackendSQLite   = "sqlite"
)

// Config is the service configuration.
type Config struct {
	IdentityBackend  string        `env:"DRAWSPELL_IDENTITY_BACKEND" envDefault:"memory"`
	RedisURL         string        `env:"DRAWSPELL_REDIS_URL"`
	DatabaseURL      string        `env:"DRAWSPELL_DATABASE_URL"`
	SQLitePath       string        `env:"DRAWSPELL_SQLITE_PATH" envDefault:"data/identities.db"`
	IdentityTTL      time.Duration `env:"DRAWSPELL_IDENTITY_TTL" envDefault:"720h"`
	SnapshotEvery    int           `env:"DRAWSPELL_SNAPSHOT_EVERY" envDefault:"50"`
	SnapshotInterval time.Duration `env:"DRAWSPELL_SNAPSHOT_INTERVAL" envDefault:"2m"`
	VerifyWorkers    int           `env:"DRAWSPELL_VERIFY_WORKERS" envDefault:"4"`
	LogLevel         string        `env:"DRAWSPELL_LOG_LEVEL" envDefault:"info"`
	LogFormat        string        `env:"DRAWSPELL_LOG_FORMAT" envDefault:"text"`
}

// Load reads the given .env files, if present, then parses the environment.
// Variables already set in the environment win over .env values.
func Load(envFiles ...string) (Config, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("load %s: %w", f, err)
		}
	}
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	return cfg, cfg.Validate()
}

// Validate checks values that parsing alone cannot.
func (c Config) Validate() error {
	switch c.IdentityBackend {
	case BackendMemory, BackendSQLite:
	case BackendRedis:
		if c.RedisURL == "" {
			return errors.New("DRAWSPELL_REDIS_URL is required for the redis backend")
		}
	case BackendPostgres:
		if c.DatabaseURL == "" {
			return errors.New("DRAWSPELL_DATABASE_URL is required for the postgres backend")
		}
	default:
		return fmt.Errorf("unknown identity backend %q", c.IdentityBackend)
	}
	if c.SnapshotEvery < 0 || c.SnapshotInterval < 0 {
		return errors.New("snapshot policy must not be negative")
	}
	if c.VerifyWorkers < 1 {
		return errors.New("DRAWSPELL_VERIFY_WORKERS must be at least 1")
	}
	return nil
}

// NewLogger builds the root logger.
func (c Config) NewLogger() (*logrus.Logger, error) {
	log := logrus.New()
	log.SetOutput(os.Stderr)
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	log.SetLevel(level)
	switch strings.ToLower(c.LogFormat) {
	case "json":
		log.SetFormatter(&logrus.JSONFormatter{})
	case "text", "":
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	default:
		return nil, fmt.Errorf("unknown log format %q", c.LogFormat)
	}
	return log, nil
}

// OpenIdentityStore connects the configured identity backend. The returned
// close func releases it.
func (c Config) OpenIdentityStore(ctx context.Context) (identity.Store, func(), error) {
	switch c.IdentityBackend {
	case BackendRedis:
		rdb, err := cache.Connect(ctx, c.RedisURL)
		if err != nil {
			return nil, nil, err
		}
		return cache.NewIdentityStore(rdb, c.IdentityTTL), func() { _ = rdb.Close() }, nil
	case BackendPostgres:
		pool, err := database.ConnectPostgres(ctx, c.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		return database.NewPostgresIdentityStore(pool), pool.Close, nil
	case BackendSQLite:
		s, err := database.OpenSQLite(c.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { _ = s.Close() }, nil
	default:
		return identity.NewMemoryStore(), func() {}, nil
	}
}
