// Package kv is the typed Key/Value Store Adapter (C2): hash fields, lists,
// sorted sets, counters, TTLs, atomic Lua scripts and cursored SCAN, backed
// by github.com/redis/go-redis/v9. Every read-modify-write that spec.md §4.2
// requires to be race-free is expressed as a Lua script invoked with EVALSHA.
package kv

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store is the narrow surface every other component depends on. It is
// satisfied both by a real Redis client and, in tests, by a client pointed
// at a github.com/alicebob/miniredis/v2 instance.
type Store struct {
	rdb *redis.Client

	joinSHA       string
	deductTimeSHA string
	claimWinSHA   string
	rateLimitSHA  string
}

// New wraps an existing *redis.Client and loads the atomic scripts.
func New(ctx context.Context, rdb *redis.Client) (*Store, error) {
	s := &Store{rdb: rdb}
	if err := s.loadScripts(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Open dials addr and wraps the resulting client.
func Open(ctx context.Context, addr string) (*Store, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, err
	}
	return New(ctx, rdb)
}

// Close releases the underlying connection pool.
func (s *Store) Close() error { return s.rdb.Close() }

func (s *Store) loadScripts(ctx context.Context) error {
	for _, pair := range []struct {
		src *string
		lua string
	}{
		{&s.joinSHA, joinScriptLua},
		{&s.deductTimeSHA, deductTimeScriptLua},
		{&s.claimWinSHA, claimWinScriptLua},
		{&s.rateLimitSHA, rateLimitScriptLua},
	} {
		sha, err := s.rdb.ScriptLoad(ctx, pair.lua).Result()
		if err != nil {
			return err
		}
		*pair.src = sha
	}
	return nil
}

// --- generic typed primitives used by internal/session ---

// HSet writes a hash's fields.
func (s *Store) HSet(ctx context.Context, key string, fields map[string]interface{}) error {
	return s.rdb.HSet(ctx, key, fields).Err()
}

// HGetAll reads an entire hash; an empty, non-nil map means the key does not exist.
func (s *Store) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	return s.rdb.HGetAll(ctx, key).Result()
}

// Exists reports whether key exists.
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	n, err := s.rdb.Exists(ctx, key).Result()
	return n > 0, err
}

// Expire refreshes key's TTL.
func (s *Store) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return s.rdb.Expire(ctx, key, ttl).Err()
}

// Del removes one or more keys.
func (s *Store) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return s.rdb.Del(ctx, keys...).Err()
}

// RPush appends a JSON-encoded entry to a list key.
func (s *Store) RPush(ctx context.Context, key string, value string) error {
	return s.rdb.RPush(ctx, key, value).Err()
}

// LRange reads a slice of a list key.
func (s *Store) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	return s.rdb.LRange(ctx, key, start, stop).Result()
}

// ZAdd indexes id into a sorted set scored by score (publicLobbyIndex).
func (s *Store) ZAdd(ctx context.Context, key string, score float64, member string) error {
	return s.rdb.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err()
}

// ZRem removes member from a sorted set.
func (s *Store) ZRem(ctx context.Context, key string, member string) error {
	return s.rdb.ZRem(ctx, key, member).Err()
}

// ZRevRangeByScore returns members ordered newest first, for lobby listing.
func (s *Store) ZRevRangeByScore(ctx context.Context, key string, offset, count int64) ([]string, error) {
	return s.rdb.ZRevRangeByScore(ctx, key, &redis.ZRangeBy{
		Min: "-inf", Max: "+inf", Offset: offset, Count: count,
	}).Result()
}

// SAdd adds a member to a set (ipActiveSet).
func (s *Store) SAdd(ctx context.Context, key string, member string) error {
	return s.rdb.SAdd(ctx, key, member).Err()
}

// SRem removes a member from a set.
func (s *Store) SRem(ctx context.Context, key string, member string) error {
	return s.rdb.SRem(ctx, key, member).Err()
}

// SCard reports a set's cardinality (active-game IP quota check).
func (s *Store) SCard(ctx context.Context, key string) (int64, error) {
	return s.rdb.SCard(ctx, key).Result()
}

// Scan performs one cursored SCAN step over the given key pattern.
func (s *Store) Scan(ctx context.Context, cursor uint64, match string, count int64) (keys []string, next uint64, err error) {
	return s.rdb.Scan(ctx, cursor, match, count).Result()
}

// Set writes a plain string key with a TTL (used for single-slot offers and
// the abandonment timer record, both stored as small JSON blobs).
func (s *Store) Set(ctx context.Context, key string, value string, ttl time.Duration) error {
	return s.rdb.Set(ctx, key, value, ttl).Err()
}

// Get reads a plain string key; redis.Nil is translated to ("", false, nil).
func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := s.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

// Pipeliner is the narrow subset of redis.Pipeliner used by internal/session's
// batched commits (e.g. multi-hash-set on rematch creation, multi-key
// delete on archive-and-delete) — the Redis analogue of the teacher's
// PendingWrites-then-MultiUpdate commit idiom, since Redis has no
// multi-storage-write primitive of its own.
type Pipeliner = redis.Pipeliner

// Pipeline runs fn against a fresh pipeline and sends all queued commands in
// one round trip. It is a plain pipeline, not a MULTI/EXEC transaction, so the
// commands are not applied atomically.
func (s *Store) Pipeline(ctx context.Context, fn func(redis.Pipeliner) error) error {
	pipe := s.rdb.Pipeline()
	if err := fn(pipe); err != nil {
		return err
	}
	_, err := pipe.Exec(ctx)
	return err
}
