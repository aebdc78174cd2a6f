// Package store is the persisted, cross-instance state shared by every
// exam runtime instance. Records are keyed, carry a TTL, and every write that
// guards an invariant is a per-key conditional update (SETNX, HSETNX or a
// compare-and-delete script), never a blind overwrite.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrNotFound is returned when a key does not exist.
var ErrNotFound = errors.New("store: key not found")

const defaultPrefix = "examrt:"

var (
	delIfEqualScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0`)

	expireIfEqualScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0`)

	hdelIfEqualScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], ARGV[1]) == ARGV[2] then
	return redis.call('HDEL', KEYS[1], ARGV[1])
end
return 0`)
)

// Store wraps a Redis client with key prefixing and the conditional
// operations the runtime components need.
type Store struct {
	rdb    redis.UniversalClient
	prefix string
}

// Open connects to the Redis server at url (redis://host:port/db) and
// verifies the connection.
func Open(ctx context.Context, url string) (*Store, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	s := New(redis.NewClient(opts))
	if err := s.Ping(ctx); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an existing client.
func New(rdb redis.UniversalClient) *Store {
	return &Store{rdb: rdb, prefix: defaultPrefix}
}

// Client exposes the underlying client for components that need Redis
// features beyond keyed records (pub/sub).
func (s *Store) Client() redis.UniversalClient {
	return s.rdb
}

// Key returns the fully prefixed key name.
func (s *Store) Key(key string) string {
	return s.prefix + key
}

func (s *Store) Ping(ctx context.Context) error {
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.rdb.Close()
}

// Get returns the raw value of key or ErrNotFound.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := s.rdb.Get(ctx, s.Key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	return val, nil
}

// Set writes key with the given TTL. A TTL <= 0 means no expiry.
func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := s.rdb.Set(ctx, s.Key(key), value, normalizeTTL(ttl)).Err(); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

// SetNX writes key only if it does not exist. It reports whether the write
// happened.
func (s *Store) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	ok, err := s.rdb.SetNX(ctx, s.Key(key), value, normalizeTTL(ttl)).Result()
	if err != nil {
		return false, fmt.Errorf("setnx %s: %w", key, err)
	}
	return ok, nil
}

// Delete removes keys. Missing keys are not an error.
func (s *Store) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = s.Key(k)
	}
	if err := s.rdb.Del(ctx, full...).Err(); err != nil {
		return fmt.Errorf("delete: %w", err)
	}
	return nil
}

// DeleteIfEqual removes key only while it still holds value.
func (s *Store) DeleteIfEqual(ctx context.Context, key string, value []byte) (bool, error) {
	n, err := delIfEqualScript.Run(ctx, s.rdb, []string{s.Key(key)}, value).Int()
	if err != nil {
		return false, fmt.Errorf("delete-if-equal %s: %w", key, err)
	}
	return n > 0, nil
}

// ExpireIfEqual refreshes the TTL of key only while it still holds value.
// Used for lease renewal.
func (s *Store) ExpireIfEqual(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	n, err := expireIfEqualScript.Run(ctx, s.rdb, []string{s.Key(key)}, value, ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("expire-if-equal %s: %w", key, err)
	}
	return n > 0, nil
}

// TTL returns the remaining lifetime of key, or ErrNotFound.
func (s *Store) TTL(ctx context.Context, key string) (time.Duration, error) {
	d, err := s.rdb.PTTL(ctx, s.Key(key)).Result()
	if err != nil {
		return 0, fmt.Errorf("ttl %s: %w", key, err)
	}
	if d == -2 {
		return 0, ErrNotFound
	}
	return d, nil
}

// HSetNX sets field in hash only if the field is absent.
func (s *Store) HSetNX(ctx context.Context, hash, field, value string) (bool, error) {
	ok, err := s.rdb.HSetNX(ctx, s.Key(hash), field, value).Result()
	if err != nil {
		return false, fmt.Errorf("hsetnx %s %s: %w", hash, field, err)
	}
	return ok, nil
}

// HDelIfEqual removes field from hash only while it still holds value.
func (s *Store) HDelIfEqual(ctx context.Context, hash, field, value string) (bool, error) {
	n, err := hdelIfEqualScript.Run(ctx, s.rdb, []string{s.Key(hash)}, field, value).Int()
	if err != nil {
		return false, fmt.Errorf("hdel-if-equal %s %s: %w", hash, field, err)
	}
	return n > 0, nil
}

// HGet returns one field of hash or ErrNotFound.
func (s *Store) HGet(ctx context.Context, hash, field string) (string, error) {
	val, err := s.rdb.HGet(ctx, s.Key(hash), field).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("hget %s %s: %w", hash, field, err)
	}
	return val, nil
}

// HGetAll returns every field of hash. A missing hash is an empty map.
func (s *Store) HGetAll(ctx context.Context, hash string) (map[string]string, error) {
	m, err := s.rdb.HGetAll(ctx, s.Key(hash)).Result()
	if err != nil {
		return nil, fmt.Errorf("hgetall %s: %w", hash, err)
	}
	return m, nil
}

func (s *Store) SAdd(ctx context.Context, set string, members ...string) error {
	args := make([]any, len(members))
	for i, m := range members {
		args[i] = m
	}
	if err := s.rdb.SAdd(ctx, s.Key(set), args...).Err(); err != nil {
		return fmt.Errorf("sadd %s: %w", set, err)
	}
	return nil
}

func (s *Store) SRem(ctx context.Context, set string, members ...string) error {
	args := make([]any, len(members))
	for i, m := range members {
		args[i] = m
	}
	if err := s.rdb.SRem(ctx, s.Key(set), args...).Err(); err != nil {
		return fmt.Errorf("srem %s: %w", set, err)
	}
	return nil
}

func (s *Store) SMembers(ctx context.Context, set string) ([]string, error) {
	members, err := s.rdb.SMembers(ctx, s.Key(set)).Result()
	if err != nil {
		return nil, fmt.Errorf("smembers %s: %w", set, err)
	}
	return members, nil
}

// GetJSON decodes the JSON value of key into v.
func (s *Store) GetJSON(ctx context.Context, key string, v any) error {
	data, err := s.Get(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %s: %w", key, err)
	}
	return nil
}

// SetJSON encodes v as JSON and writes it with the given TTL.
func (s *Store) SetJSON(ctx context.Context, key string, v any, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return s.Set(ctx, key, data, ttl)
}

// TTLUntil returns the TTL for a record that must not outlive deadline plus
// grace. Already-past deadlines get the grace period alone so the record
// still self-expires.
func TTLUntil(deadline time.Time, grace time.Duration) time.Duration {
	ttl := time.Until(deadline) + grace
	if ttl < grace {
		ttl = grace
	}
	if ttl < time.Second {
		ttl = time.Second
	}
	return ttl
}

// normalizeTTL maps non-positive TTLs to "no expiry" (0 for go-redis).
func normalizeTTL(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return 0
	}
	return ttl
}
