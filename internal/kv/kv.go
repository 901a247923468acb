// Package kv is a typed facade over the external key/value store the rest
// of the gateway is built on. Every component that needs shared state —
// quota counters, sticky bindings, refresh locks — goes through here rather
// than holding a *redis.Client directly, so the storage backend stays a
// single swappable seam.
//
// Every store failure surfaces wrapped in ErrStorage so callers can branch on
// a single sentinel without caring whether the underlying cause was a network
// error, a timeout, or a protocol error. An absent key is reported as
// ErrNotFound instead.
package kv

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrStorage wraps every error this package returns.
var ErrStorage = errors.New("kv: storage error")

// ErrNotFound is returned by Get/HGet when the key (or field) is absent.
// It is intentionally distinct from ErrStorage so callers can tell "no
// value" from "the store is unreachable".
var ErrNotFound = errors.New("kv: not found")

// Store is a typed wrapper over go-redis. Connection pooling is delegated
// entirely to the underlying client.
type Store struct {
	rdb redis.UniversalClient
}

// New wraps an already-connected client. The gateway's app-lifecycle code
// owns connecting and pinging; this package only ever uses the client it is
// given.
func New(rdb redis.UniversalClient) *Store {
	return &Store{rdb: rdb}
}

func wrap(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, redis.Nil) {
		return ErrNotFound
	}
	return fmt.Errorf("%w: %v", ErrStorage, err)
}

// ─── strings ──────────────────────────────────────────────────────────────

// Get returns the string value of key, or ErrNotFound if it does not exist.
func (s *Store) Get(ctx context.Context, key string) (string, error) {
	v, err := s.rdb.Get(ctx, key).Result()
	return v, wrap(err)
}

// Set stores key unconditionally, with no expiry.
func (s *Store) Set(ctx context.Context, key, value string) error {
	return wrap(s.rdb.Set(ctx, key, value, 0).Err())
}

// SetEX stores key with the given TTL.
func (s *Store) SetEX(ctx context.Context, key, value string, ttl time.Duration) error {
	return wrap(s.rdb.Set(ctx, key, value, ttl).Err())
}

// SetNX stores key only if it does not already exist, with the given TTL.
// Used for the refresh-lock sentinel (refresh_lock:<account_id>).
func (s *Store) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ok, err := s.rdb.SetNX(ctx, key, value, ttl).Result()
	return ok, wrap(err)
}

// Del removes one or more keys. Missing keys are not an error.
func (s *Store) Del(ctx context.Context, keys ...string) error {
	return wrap(s.rdb.Del(ctx, keys...).Err())
}

// Exists reports whether key is present.
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	n, err := s.rdb.Exists(ctx, key).Result()
	return n > 0, wrap(err)
}

// Expire sets or refreshes a key's TTL.
func (s *Store) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return wrap(s.rdb.Expire(ctx, key, ttl).Err())
}

// TTL returns the remaining time-to-live for key. A negative duration means
// the key either does not exist or has no expiry — see redis.Client.TTL.
func (s *Store) TTL(ctx context.Context, key string) (time.Duration, error) {
	d, err := s.rdb.TTL(ctx, key).Result()
	return d, wrap(err)
}

// Incr increments key by 1 and returns the new value.
func (s *Store) Incr(ctx context.Context, key string) (int64, error) {
	n, err := s.rdb.Incr(ctx, key).Result()
	return n, wrap(err)
}

// Decr decrements key by 1 and returns the new value.
func (s *Store) Decr(ctx context.Context, key string) (int64, error) {
	n, err := s.rdb.Decr(ctx, key).Result()
	return n, wrap(err)
}

// IncrBy increments key by delta and returns the new value.
func (s *Store) IncrBy(ctx context.Context, key string, delta int64) (int64, error) {
	n, err := s.rdb.IncrBy(ctx, key, delta).Result()
	return n, wrap(err)
}

// IncrByFloat increments key by delta and returns the new value. Used for
// cost counters (daily_cost, total_cost, weekly_opus_cost).
func (s *Store) IncrByFloat(ctx context.Context, key string, delta float64) (float64, error) {
	n, err := s.rdb.IncrByFloat(ctx, key, delta).Result()
	return n, wrap(err)
}

// ─── hashes ───────────────────────────────────────────────────────────────

// HGet returns one field of a hash.
func (s *Store) HGet(ctx context.Context, key, field string) (string, error) {
	v, err := s.rdb.HGet(ctx, key, field).Result()
	return v, wrap(err)
}

// HSet writes one or more field/value pairs into a hash. fields must be an
// even-length slice of alternating field, value.
func (s *Store) HSet(ctx context.Context, key string, fields ...any) error {
	return wrap(s.rdb.HSet(ctx, key, fields...).Err())
}

// HGetAll returns the entire hash as a map.
func (s *Store) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	m, err := s.rdb.HGetAll(ctx, key).Result()
	return m, wrap(err)
}

// HDel removes one or more fields from a hash.
func (s *Store) HDel(ctx context.Context, key string, fields ...string) error {
	return wrap(s.rdb.HDel(ctx, key, fields...).Err())
}

// ─── sorted sets ────────────────────────────────────────────────────────────

// ZAdd adds a single member with the given score.
func (s *Store) ZAdd(ctx context.Context, key string, score float64, member string) error {
	return wrap(s.rdb.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err())
}

// ZRem removes one or more members from a sorted set.
func (s *Store) ZRem(ctx context.Context, key string, members ...any) error {
	return wrap(s.rdb.ZRem(ctx, key, members...).Err())
}

// ZCard returns the cardinality of a sorted set.
func (s *Store) ZCard(ctx context.Context, key string) (int64, error) {
	n, err := s.rdb.ZCard(ctx, key).Result()
	return n, wrap(err)
}

// ZRemRangeByScore removes all members scored within [min, max].
func (s *Store) ZRemRangeByScore(ctx context.Context, key string, min, max float64) error {
	return wrap(s.rdb.ZRemRangeByScore(ctx, key, fmt.Sprintf("%f", min), fmt.Sprintf("%f", max)).Err())
}

// ZScore returns the score of member in a sorted set.
func (s *Store) ZScore(ctx context.Context, key, member string) (float64, error) {
	v, err := s.rdb.ZScore(ctx, key, member).Result()
	return v, wrap(err)
}

// ZRangeByScore returns every member scored within [min, max], ascending.
func (s *Store) ZRangeByScore(ctx context.Context, key string, min, max float64) ([]string, error) {
	members, err := s.rdb.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min: fmt.Sprintf("%f", min),
		Max: fmt.Sprintf("%f", max),
	}).Result()
	return members, wrap(err)
}

// ─── key iteration ──────────────────────────────────────────────────────────

// ScanKeys iterates every key matching pattern using SCAN rather than a
// blocking KEYS call, so listing large key namespaces never stalls the
// shared Redis connection. fn is invoked once per key; returning a
// non-nil error from fn stops the scan early and propagates that error.
func (s *Store) ScanKeys(ctx context.Context, pattern string, fn func(key string) error) error {
	var cursor uint64
	for {
		keys, next, err := s.rdb.Scan(ctx, cursor, pattern, 200).Result()
		if err != nil {
			return wrap(err)
		}
		for _, k := range keys {
			if err := fn(k); err != nil {
				return err
			}
		}
		if next == 0 {
			return nil
		}
		cursor = next
	}
}

// Client exposes the underlying redis client for subsystems that need
// primitives this facade does not wrap directly. The gateway's own
// components (including the refresh coordinator's lock, which uses SetNX)
// all go through the Store methods instead.
func (s *Store) Client() redis.UniversalClient {
	return s.rdb
}
