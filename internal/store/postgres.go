package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"wallet-copy-trader/internal/circuit"
	"wallet-copy-trader/internal/monitor"
	"wallet-copy-trader/internal/redflag"
	"wallet-copy-trader/internal/wallet"
)

// PostgresOptions holds PostgreSQL connection settings.
type PostgresOptions struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
}

// DSN builds the keyword/value connection string.
func (o PostgresOptions) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		o.Host, o.Port, o.User, o.Password, o.Database, o.SSLMode,
	)
}

// PostgresStore keeps state in PostgreSQL.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger zerolog.Logger
}

// NewPostgresStore opens a pool and pings the database.
func NewPostgresStore(ctx context.Context, opts PostgresOptions, logger zerolog.Logger) (*PostgresStore, error) {
	poolConfig, err := pgxpool.ParseConfig(opts.DSN())
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	poolConfig.MaxConns = 10
	poolConfig.MinConns = 2
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(connectCtx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}
	if err := pool.Ping(connectCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	logger.Info().Str("database", opts.Database).Msg("Connected to PostgreSQL")
	return &PostgresStore{pool: pool, logger: logger}, nil
}

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS wallet_exclusions (
		id VARCHAR(36) PRIMARY KEY,
		address VARCHAR(42) NOT NULL,
		flag VARCHAR(40) NOT NULL,
		severity VARCHAR(10) NOT NULL,
		confidence DOUBLE PRECISION NOT NULL,
		reason TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		reconsider_at TIMESTAMPTZ,
		permanent BOOLEAN NOT NULL DEFAULT FALSE
	)`,
	`CREATE INDEX IF NOT EXISTS idx_wallet_exclusions_address ON wallet_exclusions(address)`,
	`CREATE INDEX IF NOT EXISTS idx_wallet_exclusions_created_at ON wallet_exclusions(created_at)`,

	`CREATE TABLE IF NOT EXISTS wallet_baselines (
		address VARCHAR(42) PRIMARY KEY,
		data JSONB NOT NULL,
		captured_at TIMESTAMPTZ NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS wallet_rotation (
		address VARCHAR(42) PRIMARY KEY,
		active BOOLEAN NOT NULL,
		size_factor DOUBLE PRECISION NOT NULL,
		data JSONB NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE INDEX IF NOT EXISTS idx_wallet_rotation_active ON wallet_rotation(active)`,

	`CREATE TABLE IF NOT EXISTS circuit_breaker_state (
		id SMALLINT PRIMARY KEY DEFAULT 1 CHECK (id = 1),
		state VARCHAR(10) NOT NULL,
		data JSONB NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
}

// RunMigrations creates the tables if they do not exist.
func (s *PostgresStore) RunMigrations(ctx context.Context) error {
	s.logger.Info().Msg("Running database migrations...")
	for i, stmt := range migrations {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migration %d failed: %w", i, err)
		}
	}
	s.logger.Info().Int("statements", len(migrations)).Msg("Database migrations completed")
	return nil
}

// AppendExclusion implements redflag.ExclusionStore.
func (s *PostgresStore) AppendExclusion(ctx context.Context, rec redflag.ExclusionRecord) error {
	query := `
		INSERT INTO wallet_exclusions (id, address, flag, severity, confidence, reason, created_at, reconsider_at, permanent)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO NOTHING`

	var reconsider *time.Time
	if !rec.ReconsiderAt.IsZero() {
		reconsider = &rec.ReconsiderAt
	}
	_, err := s.pool.Exec(ctx, query,
		rec.ID, rec.Address, string(rec.Flag), rec.Severity.String(), rec.Confidence,
		rec.Reason, rec.CreatedAt, reconsider, rec.Permanent,
	)
	if err != nil {
		return fmt.Errorf("insert exclusion: %w", err)
	}
	return nil
}

// LoadExclusions implements redflag.ExclusionStore.
func (s *PostgresStore) LoadExclusions(ctx context.Context) ([]redflag.ExclusionRecord, error) {
	query := `
		SELECT id, address, flag, severity, confidence, reason, created_at, reconsider_at, permanent
		FROM wallet_exclusions
		ORDER BY created_at ASC`

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query exclusions: %w", err)
	}
	defer rows.Close()

	var out []redflag.ExclusionRecord
	for rows.Next() {
		var (
			rec        redflag.ExclusionRecord
			flag       string
			severity   string
			reconsider *time.Time
		)
		if err := rows.Scan(&rec.ID, &rec.Address, &flag, &severity, &rec.Confidence,
			&rec.Reason, &rec.CreatedAt, &reconsider, &rec.Permanent); err != nil {
			return nil, fmt.Errorf("scan exclusion: %w", err)
		}
		rec.Flag = redflag.FlagType(flag)
		if rec.Severity, err = wallet.ParseSeverity(severity); err != nil {
			s.logger.Warn().Err(err).Str("id", rec.ID).Msg("Skipping exclusion with unknown severity")
			continue
		}
		if reconsider != nil {
			rec.ReconsiderAt = *reconsider
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// SaveBaseline implements monitor.BaselineStore.
func (s *PostgresStore) SaveBaseline(ctx context.Context, b monitor.Baseline) error {
	data, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("marshal baseline: %w", err)
	}
	query := `
		INSERT INTO wallet_baselines (address, data, captured_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (address) DO UPDATE SET
			data = EXCLUDED.data,
			captured_at = EXCLUDED.captured_at`
	if _, err := s.pool.Exec(ctx, query, b.Address, data, b.CapturedAt); err != nil {
		return fmt.Errorf("upsert baseline: %w", err)
	}
	return nil
}

// LoadBaselines implements monitor.BaselineStore.
func (s *PostgresStore) LoadBaselines(ctx context.Context) ([]monitor.Baseline, error) {
	var out []monitor.Baseline
	err := s.scanJSON(ctx, `SELECT data FROM wallet_baselines`, func(data []byte) error {
		var b monitor.Baseline
		if err := json.Unmarshal(data, &b); err != nil {
			return err
		}
		out = append(out, b)
		return nil
	})
	return out, err
}

// SaveRotation implements monitor.BaselineStore.
func (s *PostgresStore) SaveRotation(ctx context.Context, e monitor.RotationEntry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal rotation entry: %w", err)
	}
	query := `
		INSERT INTO wallet_rotation (address, active, size_factor, data, updated_at)
		VALUES ($1, $2, $3, $4, CURRENT_TIMESTAMP)
		ON CONFLICT (address) DO UPDATE SET
			active = EXCLUDED.active,
			size_factor = EXCLUDED.size_factor,
			data = EXCLUDED.data,
			updated_at = CURRENT_TIMESTAMP`
	if _, err := s.pool.Exec(ctx, query, e.Address, e.Active, e.SizeFactor, data); err != nil {
		return fmt.Errorf("upsert rotation entry: %w", err)
	}
	return nil
}

// LoadRotations implements monitor.BaselineStore.
func (s *PostgresStore) LoadRotations(ctx context.Context) ([]monitor.RotationEntry, error) {
	var out []monitor.RotationEntry
	err := s.scanJSON(ctx, `SELECT data FROM wallet_rotation`, func(data []byte) error {
		var e monitor.RotationEntry
		if err := json.Unmarshal(data, &e); err != nil {
			return err
		}
		out = append(out, e)
		return nil
	})
	return out, err
}

// SaveBreakerState implements circuit.StateStore.
func (s *PostgresStore) SaveBreakerState(ctx context.Context, snap circuit.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal breaker state: %w", err)
	}
	query := `
		INSERT INTO circuit_breaker_state (id, state, data, updated_at)
		VALUES (1, $1, $2, CURRENT_TIMESTAMP)
		ON CONFLICT (id) DO UPDATE SET
			state = EXCLUDED.state,
			data = EXCLUDED.data,
			updated_at = CURRENT_TIMESTAMP`
	if _, err := s.pool.Exec(ctx, query, string(snap.State), data); err != nil {
		return fmt.Errorf("upsert breaker state: %w", err)
	}
	return nil
}

// LoadBreakerState implements circuit.StateStore.
func (s *PostgresStore) LoadBreakerState(ctx context.Context) (*circuit.Snapshot, error) {
	var data []byte
	err := s.pool.QueryRow(ctx, `SELECT data FROM circuit_breaker_state WHERE id = 1`).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load breaker state: %w", err)
	}
	var snap circuit.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("parse breaker state: %w", err)
	}
	return &snap, nil
}

// Close closes the pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	s.logger.Info().Msg("Database connection closed")
	return nil
}

func (s *PostgresStore) scanJSON(ctx context.Context, query string, fn func([]byte) error) error {
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return fmt.Errorf("scan: %w", err)
		}
		if err := fn(data); err != nil {
			s.logger.Warn().Err(err).Msg("Skipping unreadable row")
		}
	}
	return rows.Err()
}
