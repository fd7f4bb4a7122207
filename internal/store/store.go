// Package store persists exclusion history, behavior baselines, rotation
// state and circuit breaker state so they survive restarts.
package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"wallet-copy-trader/internal/circuit"
	"wallet-copy-trader/internal/monitor"
	"wallet-copy-trader/internal/redflag"
)

// Backend names accepted by Open.
const (
	BackendFile     = "file"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

// Store is everything the risk components need persisted.
type Store interface {
	redflag.ExclusionStore
	monitor.BaselineStore
	circuit.StateStore
	Close() error
}

// Options selects and configures a backend.
type Options struct {
	Backend  string
	Dir      string
	Redis    RedisOptions
	Postgres PostgresOptions
}

// Open returns the configured backend.
func Open(ctx context.Context, opts Options, logger zerolog.Logger) (Store, error) {
	logger = logger.With().Str("component", "store").Str("backend", opts.Backend).Logger()

	switch strings.ToLower(opts.Backend) {
	case "", BackendFile:
		return NewFileStore(opts.Dir, logger)
	case BackendRedis:
		return NewRedisStore(ctx, opts.Redis, logger)
	case BackendPostgres:
		s, err := NewPostgresStore(ctx, opts.Postgres, logger)
		if err != nil {
			return nil, err
		}
		if err := s.RunMigrations(ctx); err != nil {
			s.Close()
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", opts.Backend)
	}
}
