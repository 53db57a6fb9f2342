package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore implements Store on top of a Redis server.
type RedisStore struct {
	client *redis.Client
}

// Opts holds configuration for the Redis store.
type Opts struct {
	Addr     string
	Password string
	DB       int
}

// Option configures the Redis store.
type Option func(*Opts)

// WithAddr sets the Redis server address (host:port).
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// WithPassword sets the Redis password.
func WithPassword(password string) Option {
	return func(o *Opts) { o.Password = password }
}

// WithDB selects the Redis logical database.
func WithDB(db int) Option {
	return func(o *Opts) { o.DB = db }
}

// NewRedisStore connects to Redis and verifies the connection with a ping.
func NewRedisStore(ctx context.Context, opts ...Option) (*RedisStore, error) {
	cfg := Opts{Addr: "localhost:6379"}
	for _, opt := range opts {
		opt(&cfg)
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed for %s: %w", cfg.Addr, err)
	}
	slog.Info("Redis store ready", "addr", cfg.Addr, "db", cfg.DB)
	return &RedisStore{client: client}, nil
}

// Close releases the underlying Redis connection pool.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Get retrieves a value, reporting whether the key exists.
func (s *RedisStore) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		slog.Error("RedisStore Get error", "error", err, "key", key)
		return "", false, err
	}
	return val, true, nil
}

// Set stores a value with an optional expiry.
func (s *RedisStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := s.client.Set(ctx, key, value, ttl).Err(); err != nil {
		slog.Error("RedisStore Set error", "error", err, "key", key)
		return err
	}
	return nil
}

// Delete removes a key.
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, key).Err(); err != nil {
		slog.Error("RedisStore Delete error", "error", err, "key", key)
		return err
	}
	return nil
}

// AddToSet adds a member to a Redis set.
func (s *RedisStore) AddToSet(ctx context.Context, key, member string) error {
	if err := s.client.SAdd(ctx, key, member).Err(); err != nil {
		slog.Error("RedisStore AddToSet error", "error", err, "key", key)
		return err
	}
	return nil
}

// SetMembers returns all members of a Redis set.
func (s *RedisStore) SetMembers(ctx context.Context, key string) ([]string, error) {
	members, err := s.client.SMembers(ctx, key).Result()
	if err != nil {
		slog.Error("RedisStore SetMembers error", "error", err, "key", key)
		return nil, err
	}
	return members, nil
}

// Keys returns all keys matching the pattern.
func (s *RedisStore) Keys(ctx context.Context, pattern string) ([]string, error) {
	keys, err := s.client.Keys(ctx, pattern).Result()
	if err != nil {
		slog.Error("RedisStore Keys error", "error", err, "pattern", pattern)
		return nil, err
	}
	return keys, nil
}
