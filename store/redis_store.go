package store

import (
	"context"
	"encoding/json"

	"github.com/go-redis/redis/v8"

	"github.com/zuko-freemind/taskcore/core"
)

// RedisStore is a durable, shared-process Store backed by Redis, grounded
// on the teacher's RedisTaskQueue/RedisStateStore Get/Set idiom. It
// implements the same Store interface as FileStore/MemoryStore, so a
// Manager can be pointed at Redis instead of disk without any other
// component changing.
type RedisStore struct {
	client  *redis.Client
	prefix  string
	breaker core.CircuitBreaker
	logger  core.Logger
}

// RedisStoreConfig configures a RedisStore.
type RedisStoreConfig struct {
	Addr    string
	Prefix  string
	Breaker core.CircuitBreaker // optional; nil disables circuit breaking
	Logger  core.Logger
}

// NewRedisStore connects to addr and scopes every key under prefix.
func NewRedisStore(cfg RedisStoreConfig) *RedisStore {
	logger := cfg.Logger
	if logger == nil {
		logger = core.NoOpLogger{}
	}
	return &RedisStore{
		client:  redis.NewClient(&redis.Options{Addr: cfg.Addr}),
		prefix:  cfg.Prefix,
		breaker: cfg.Breaker,
		logger:  logger,
	}
}

func (s *RedisStore) key(k string) string { return s.prefix + k }

func (s *RedisStore) Load(key string, def interface{}) interface{} {
	ctx := context.Background()
	var raw string
	err := s.withBreaker(ctx, func(ctx context.Context) error {
		var getErr error
		raw, getErr = s.client.Get(ctx, s.key(key)).Result()
		return getErr
	})
	if err == redis.Nil || err != nil {
		if err != nil && err != redis.Nil {
			s.logger.Warn("redis store: load failed, returning default", map[string]interface{}{"key": key, "error": err.Error()})
		}
		return def
	}
	var v interface{}
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		s.logger.Warn("redis store: unreadable value, returning default", map[string]interface{}{"key": key, "error": err.Error()})
		return def
	}
	return v
}

func (s *RedisStore) Save(key string, value interface{}) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return core.Wrap("redisStore.Save", key, core.ErrStorageFailure)
	}
	ctx := context.Background()
	err = s.withBreaker(ctx, func(ctx context.Context) error {
		return s.client.Set(ctx, s.key(key), raw, 0).Err()
	})
	if err != nil {
		return core.Wrap("redisStore.Save", key, core.ErrStorageFailure)
	}
	return nil
}

func (s *RedisStore) Clear(key string) error {
	ctx := context.Background()
	err := s.withBreaker(ctx, func(ctx context.Context) error {
		return s.client.Del(ctx, s.key(key)).Err()
	})
	if err != nil {
		return core.Wrap("redisStore.Clear", key, core.ErrStorageFailure)
	}
	return nil
}

func (s *RedisStore) withBreaker(ctx context.Context, fn func(ctx context.Context) error) error {
	if s.breaker == nil {
		return fn(ctx)
	}
	return s.breaker.Execute(ctx, fn)
}

// Close releases the underlying Redis connection pool.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
