package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"wallet-copy-trader/internal/circuit"
	"wallet-copy-trader/internal/monitor"
	"wallet-copy-trader/internal/redflag"
)

// Redis key layout, all under the configured prefix:
//
//	{prefix}:exclusion:{id}    ExclusionRecord JSON; expires ExclusionRetention
//	                           after its reconsideration time, permanent records never
//	{prefix}:baselines         hash address -> Baseline JSON
//	{prefix}:rotations         hash address -> RotationEntry JSON
//	{prefix}:breaker           string, Snapshot JSON
//	{prefix}:updated_at        unix seconds of the last write
const (
	defaultKeyPrefix          = "copytrader"
	defaultExclusionRetention = 30 * 24 * time.Hour
)

// RedisOptions configures the Redis backend.
type RedisOptions struct {
	Address  string
	Password string
	DB       int
	PoolSize int
	Prefix   string
	// ExclusionRetention is how long a record outlives its reconsideration
	// time. Zero means 30 days.
	ExclusionRetention time.Duration
}

// RedisStore shares state between instances through Redis. Unlike a cache,
// write failures are returned to the caller.
type RedisStore struct {
	client    *redis.Client
	prefix    string
	retention time.Duration
	logger    zerolog.Logger
	now       func() time.Time
}

// NewRedisStore connects and pings Redis.
func NewRedisStore(ctx context.Context, opts RedisOptions, logger zerolog.Logger) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Address,
		Password: opts.Password,
		DB:       opts.DB,
		PoolSize: opts.PoolSize,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", opts.Address, err)
	}

	logger.Info().Str("address", opts.Address).Int("db", opts.DB).Msg("Redis store connected")
	s := NewRedisStoreWithClient(client, opts.Prefix, logger)
	if opts.ExclusionRetention > 0 {
		s.retention = opts.ExclusionRetention
	}
	return s, nil
}

// NewRedisStoreWithClient wraps an existing client.
func NewRedisStoreWithClient(client *redis.Client, prefix string, logger zerolog.Logger) *RedisStore {
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	return &RedisStore{
		client:    client,
		prefix:    prefix,
		retention: defaultExclusionRetention,
		logger:    logger,
		now:       time.Now,
	}
}

func (s *RedisStore) key(name string) string {
	return s.prefix + ":" + name
}

// write runs fn in a MULTI/EXEC transaction and stamps updated_at.
func (s *RedisStore) write(ctx context.Context, fn func(pipe redis.Pipeliner)) error {
	pipe := s.client.TxPipeline()
	fn(pipe)
	pipe.Set(ctx, s.key("updated_at"), time.Now().Unix(), 0)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis exec: %w", err)
	}
	return nil
}

// AppendExclusion implements redflag.ExclusionStore. A record already past
// its retention is not written.
func (s *RedisStore) AppendExclusion(ctx context.Context, rec redflag.ExclusionRecord) error {
	var ttl time.Duration
	if !rec.Permanent {
		ttl = rec.ReconsiderAt.Add(s.retention).Sub(s.now())
		if ttl <= 0 {
			s.logger.Debug().Str("id", rec.ID).Msg("Exclusion record already past retention, not stored")
			return nil
		}
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal exclusion: %w", err)
	}
	return s.write(ctx, func(pipe redis.Pipeliner) {
		pipe.Set(ctx, s.key("exclusion:"+rec.ID), data, ttl)
	})
}

// LoadExclusions implements redflag.ExclusionStore. Records come back
// oldest first.
func (s *RedisStore) LoadExclusions(ctx context.Context) ([]redflag.ExclusionRecord, error) {
	var keys []string
	iter := s.client.Scan(ctx, 0, s.key("exclusion:*"), 200).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan exclusions: %w", err)
	}
	if len(keys) == 0 {
		return nil, nil
	}

	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("load exclusions: %w", err)
	}
	out := make([]redflag.ExclusionRecord, 0, len(values))
	for i, v := range values {
		item, ok := v.(string)
		if !ok {
			// Expired between SCAN and MGET.
			continue
		}
		var rec redflag.ExclusionRecord
		if err := json.Unmarshal([]byte(item), &rec); err != nil {
			s.logger.Warn().Err(err).Str("key", keys[i]).Msg("Skipping unreadable exclusion record")
			continue
		}
		out = append(out, rec)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// SaveBaseline implements monitor.BaselineStore.
func (s *RedisStore) SaveBaseline(ctx context.Context, b monitor.Baseline) error {
	return s.hset(ctx, "baselines", b.Address, b)
}

// LoadBaselines implements monitor.BaselineStore.
func (s *RedisStore) LoadBaselines(ctx context.Context) ([]monitor.Baseline, error) {
	var out []monitor.Baseline
	err := s.hscan(ctx, "baselines", func(data []byte) error {
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
func (s *RedisStore) SaveRotation(ctx context.Context, e monitor.RotationEntry) error {
	return s.hset(ctx, "rotations", e.Address, e)
}

// LoadRotations implements monitor.BaselineStore.
func (s *RedisStore) LoadRotations(ctx context.Context) ([]monitor.RotationEntry, error) {
	var out []monitor.RotationEntry
	err := s.hscan(ctx, "rotations", func(data []byte) error {
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
func (s *RedisStore) SaveBreakerState(ctx context.Context, snap circuit.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal breaker state: %w", err)
	}
	return s.write(ctx, func(pipe redis.Pipeliner) {
		pipe.Set(ctx, s.key("breaker"), data, 0)
	})
}

// LoadBreakerState implements circuit.StateStore.
func (s *RedisStore) LoadBreakerState(ctx context.Context) (*circuit.Snapshot, error) {
	data, err := s.client.Get(ctx, s.key("breaker")).Bytes()
	if errors.Is(err, redis.Nil) {
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

// Close closes the client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) hset(ctx context.Context, hash, field string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s entry: %w", hash, err)
	}
	return s.write(ctx, func(pipe redis.Pipeliner) {
		pipe.HSet(ctx, s.key(hash), field, data)
	})
}

func (s *RedisStore) hscan(ctx context.Context, hash string, fn func([]byte) error) error {
	all, err := s.client.HGetAll(ctx, s.key(hash)).Result()
	if err != nil {
		return fmt.Errorf("load %s: %w", hash, err)
	}
	for field, value := range all {
		if err := fn([]byte(value)); err != nil {
			s.logger.Warn().Err(err).Str("hash", hash).Str("field", field).Msg("Skipping unreadable entry")
		}
	}
	return nil
}
