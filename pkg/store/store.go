// Package store wraps the shared key-value store connection with
// namespaced operations. Every key argument passes through the
// namespace key builder before touching the wire, so no caller can
// bypass prefixing.
package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dbcove/dbcove/pkg/config"
	"github.com/dbcove/dbcove/pkg/keys"
	"github.com/dbcove/dbcove/pkg/logger"
)

// Config holds the store connection configuration
type Config struct {
	Host     string
	Port     int
	Password string
	DB       int

	// Reconnection is automatic with exponential backoff between
	// MinRetryBackoff and MaxRetryBackoff, bounded by MaxRetries
	// per command.
	MaxRetries      int
	MinRetryBackoff time.Duration
	MaxRetryBackoff time.Duration

	PoolSize     int
	MinIdleConns int
}

// DefaultConfig returns a default configuration for local development
func DefaultConfig() Config {
	return Config{
		Host:            "localhost",
		Port:            6379,
		Password:        "",
		DB:              0,
		MaxRetries:      3,
		MinRetryBackoff: 100 * time.Millisecond,
		MaxRetryBackoff: 3 * time.Second,
		PoolSize:        10,
		MinIdleConns:    2,
	}
}

// FromGlobalConfig creates a store config from the global configuration
func FromGlobalConfig(cfg *config.Config) Config {
	c := DefaultConfig()
	c.Host = cfg.GetOrDefault("store.host", c.Host)
	if port, err := strconv.Atoi(cfg.Get("store.port")); err == nil && port > 0 {
		c.Port = port
	}
	c.Password = cfg.Get("store.password")
	if db, err := strconv.Atoi(cfg.Get("store.db")); err == nil && db >= 0 {
		c.DB = db
	}
	return c
}

// Store presents namespaced operations over one persistent multiplexed
// store connection per service process. Each call is independently
// atomic at the store level; there is no cross-call transaction.
type Store struct {
	client *redis.Client
	keys   *keys.Builder
	logger *logger.Logger
}

// Connect establishes the store connection and verifies it with a ping
func Connect(ctx context.Context, cfg Config, kb *keys.Builder, log *logger.Logger) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:            fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password:        cfg.Password,
		DB:              cfg.DB,
		MaxRetries:      cfg.MaxRetries,
		MinRetryBackoff: cfg.MinRetryBackoff,
		MaxRetryBackoff: cfg.MaxRetryBackoff,
		PoolSize:        cfg.PoolSize,
		MinIdleConns:    cfg.MinIdleConns,
	})

	// Test the connection
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, &StoreUnavailableError{Op: "connect", Err: err}
	}

	return &Store{client: client, keys: kb, logger: log}, nil
}

// Keys returns the namespace key builder the store was created with
func (s *Store) Keys() *keys.Builder {
	return s.keys
}

// Ping checks if the store connection is alive
func (s *Store) Ping(ctx context.Context) error {
	return wrapErr("ping", s.client.Ping(ctx).Err())
}

// Close closes the store connection
func (s *Store) Close() error {
	return s.client.Close()
}

// Set stores a value under the namespaced key. A positive ttl sets the
// expiry atomically with the value (single SET with EX); zero persists
// indefinitely.
func (s *Store) Set(ctx context.Context, logicalKey string, value Value, ttl time.Duration, opts ...keys.Option) error {
	key, err := s.keys.Build(logicalKey, opts...)
	if err != nil {
		return err
	}
	return wrapErr("set", s.client.Set(ctx, key, value.arg(), ttl).Err())
}

// Get retrieves the value stored under the namespaced key. The second
// return value reports whether the key was present.
func (s *Store) Get(ctx context.Context, logicalKey string, opts ...keys.Option) (Value, bool, error) {
	key, err := s.keys.Build(logicalKey, opts...)
	if err != nil {
		return Value{}, false, err
	}
	raw, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return Value{}, false, nil
	}
	if err != nil {
		return Value{}, false, wrapErr("get", err)
	}
	return StringValue(raw), true, nil
}

// Delete removes the namespaced key
func (s *Store) Delete(ctx context.Context, logicalKey string, opts ...keys.Option) error {
	key, err := s.keys.Build(logicalKey, opts...)
	if err != nil {
		return err
	}
	return wrapErr("delete", s.client.Del(ctx, key).Err())
}

// Expire sets a ttl on an existing namespaced key. Returns false when
// the key does not exist.
func (s *Store) Expire(ctx context.Context, logicalKey string, ttl time.Duration, opts ...keys.Option) (bool, error) {
	key, err := s.keys.Build(logicalKey, opts...)
	if err != nil {
		return false, err
	}
	ok, err := s.client.Expire(ctx, key, ttl).Result()
	return ok, wrapErr("expire", err)
}

// Increment atomically increments the counter at the namespaced key
// and returns the new value
func (s *Store) Increment(ctx context.Context, logicalKey string, opts ...keys.Option) (int64, error) {
	key, err := s.keys.Build(logicalKey, opts...)
	if err != nil {
		return 0, err
	}
	n, err := s.client.Incr(ctx, key).Result()
	return n, wrapErr("increment", err)
}

// Decrement atomically decrements the counter at the namespaced key
// and returns the new value
func (s *Store) Decrement(ctx context.Context, logicalKey string, opts ...keys.Option) (int64, error) {
	key, err := s.keys.Build(logicalKey, opts...)
	if err != nil {
		return 0, err
	}
	n, err := s.client.Decr(ctx, key).Result()
	return n, wrapErr("decrement", err)
}

// HashSet sets a field in the hash at the namespaced key
func (s *Store) HashSet(ctx context.Context, logicalKey, field string, value Value, opts ...keys.Option) error {
	key, err := s.keys.Build(logicalKey, opts...)
	if err != nil {
		return err
	}
	return wrapErr("hash set", s.client.HSet(ctx, key, field, value.arg()).Err())
}

// HashGet retrieves a field from the hash at the namespaced key
func (s *Store) HashGet(ctx context.Context, logicalKey, field string, opts ...keys.Option) (Value, bool, error) {
	key, err := s.keys.Build(logicalKey, opts...)
	if err != nil {
		return Value{}, false, err
	}
	raw, err := s.client.HGet(ctx, key, field).Result()
	if errors.Is(err, redis.Nil) {
		return Value{}, false, nil
	}
	if err != nil {
		return Value{}, false, wrapErr("hash get", err)
	}
	return StringValue(raw), true, nil
}

// HashGetAll retrieves all fields of the hash at the namespaced key
func (s *Store) HashGetAll(ctx context.Context, logicalKey string, opts ...keys.Option) (map[string]Value, error) {
	key, err := s.keys.Build(logicalKey, opts...)
	if err != nil {
		return nil, err
	}
	raw, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, wrapErr("hash get all", err)
	}
	values := make(map[string]Value, len(raw))
	for field, v := range raw {
		values[field] = StringValue(v)
	}
	return values, nil
}

// ListPush prepends values to the list at the namespaced key
func (s *Store) ListPush(ctx context.Context, logicalKey string, value Value, opts ...keys.Option) error {
	key, err := s.keys.Build(logicalKey, opts...)
	if err != nil {
		return err
	}
	return wrapErr("list push", s.client.LPush(ctx, key, value.arg()).Err())
}

// ListRange returns the elements of the list at the namespaced key
// between start and stop (inclusive, store semantics)
func (s *Store) ListRange(ctx context.Context, logicalKey string, start, stop int64, opts ...keys.Option) ([]Value, error) {
	key, err := s.keys.Build(logicalKey, opts...)
	if err != nil {
		return nil, err
	}
	raw, err := s.client.LRange(ctx, key, start, stop).Result()
	if err != nil {
		return nil, wrapErr("list range", err)
	}
	values := make([]Value, len(raw))
	for i, v := range raw {
		values[i] = StringValue(v)
	}
	return values, nil
}

// SetAdd adds a member to the set at the namespaced key
func (s *Store) SetAdd(ctx context.Context, logicalKey string, value Value, opts ...keys.Option) error {
	key, err := s.keys.Build(logicalKey, opts...)
	if err != nil {
		return err
	}
	return wrapErr("set add", s.client.SAdd(ctx, key, value.arg()).Err())
}

// SetMembers returns all members of the set at the namespaced key
func (s *Store) SetMembers(ctx context.Context, logicalKey string, opts ...keys.Option) ([]Value, error) {
	key, err := s.keys.Build(logicalKey, opts...)
	if err != nil {
		return nil, err
	}
	raw, err := s.client.SMembers(ctx, key).Result()
	if err != nil {
		return nil, wrapErr("set members", err)
	}
	values := make([]Value, len(raw))
	for i, v := range raw {
		values[i] = StringValue(v)
	}
	return values, nil
}

// SortedSetAdd adds a member with a score to the sorted set at the
// namespaced key
func (s *Store) SortedSetAdd(ctx context.Context, logicalKey string, score float64, value Value, opts ...keys.Option) error {
	key, err := s.keys.Build(logicalKey, opts...)
	if err != nil {
		return err
	}
	member := redis.Z{Score: score, Member: value.arg()}
	return wrapErr("sorted set add", s.client.ZAdd(ctx, key, member).Err())
}

// SortedSetRange returns the members of the sorted set at the
// namespaced key between rank start and stop, lowest score first
func (s *Store) SortedSetRange(ctx context.Context, logicalKey string, start, stop int64, opts ...keys.Option) ([]Value, error) {
	key, err := s.keys.Build(logicalKey, opts...)
	if err != nil {
		return nil, err
	}
	raw, err := s.client.ZRange(ctx, key, start, stop).Result()
	if err != nil {
		return nil, wrapErr("sorted set range", err)
	}
	values := make([]Value, len(raw))
	for i, v := range raw {
		values[i] = StringValue(v)
	}
	return values, nil
}
