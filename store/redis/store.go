// Package redis implements the record store on Redis. Values are plain
// strings with a PX expiry, conditional writes use SETNX and a compare and
// swap script, and prefix listing walks the keyspace with SCAN.
//
// Usage:
//
//	client := goredis.NewClient(&goredis.Options{Addr: "localhost:6379"})
//	s := redis.New(client, redis.WithKeyPrefix("kintai:"))
//	if err := s.Ping(ctx); err != nil { ... }
package redis

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/k2tzumi/hue-kintai-slask-command/core"
)

const defaultTTL = 10 * time.Minute

const scanCount = 256

var compareAndSwapScript = goredis.NewScript(`
local current = redis.call("GET", KEYS[1])
if current == ARGV[1] then
  redis.call("SET", KEYS[1], ARGV[2], "PX", ARGV[3])
  return 1
end
return 0
`)

type Option func(*Store)

// WithKeyPrefix namespaces every key, for sharing a database between apps.
func WithKeyPrefix(prefix string) Option {
	return func(s *Store) { s.prefix = prefix }
}

func WithDefaultTTL(ttl time.Duration) Option {
	return func(s *Store) {
		if ttl > 0 {
			s.defaultTTL = ttl
		}
	}
}

// Store is a core.AtomicRecordStore backed by Redis. The caller owns the
// client lifecycle.
type Store struct {
	client     goredis.Cmdable
	prefix     string
	defaultTTL time.Duration
}

func New(client goredis.Cmdable, opts ...Option) *Store {
	s := &Store{client: client, defaultTTL: defaultTTL}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

func (s *Store) Ping(ctx context.Context) error {
	if s == nil || s.client == nil {
		return fmt.Errorf("redis: client is required")
	}
	return s.client.Ping(ctx).Err()
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := s.ready(key); err != nil {
		return nil, false, err
	}
	value, err := s.client.Get(ctx, s.key(key)).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("redis: get %q: %w", key, err)
	}
	return value, true, nil
}

func (s *Store) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := s.ready(key); err != nil {
		return err
	}
	if err := s.client.Set(ctx, s.key(key), value, s.ttl(ttl)).Err(); err != nil {
		return fmt.Errorf("redis: put %q: %w", key, err)
	}
	return nil
}

func (s *Store) Remove(ctx context.Context, key string) error {
	if err := s.ready(key); err != nil {
		return err
	}
	if err := s.client.Del(ctx, s.key(key)).Err(); err != nil {
		return fmt.Errorf("redis: remove %q: %w", key, err)
	}
	return nil
}

func (s *Store) PutIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	if err := s.ready(key); err != nil {
		return false, err
	}
	stored, err := s.client.SetNX(ctx, s.key(key), value, s.ttl(ttl)).Result()
	if err != nil {
		return false, fmt.Errorf("redis: put if absent %q: %w", key, err)
	}
	return stored, nil
}

func (s *Store) CompareAndSwap(ctx context.Context, key string, previous []byte, next []byte, ttl time.Duration) (bool, error) {
	if err := s.ready(key); err != nil {
		return false, err
	}
	swapped, err := compareAndSwapScript.Run(ctx, s.client,
		[]string{s.key(key)},
		string(previous), string(next), s.ttl(ttl).Milliseconds(),
	).Int64()
	if err != nil {
		return false, fmt.Errorf("redis: compare and swap %q: %w", key, err)
	}
	return swapped == 1, nil
}

// Keys returns live keys under prefix, with the store namespace stripped.
func (s *Store) Keys(ctx context.Context, prefix string) ([]string, error) {
	if s == nil || s.client == nil {
		return nil, fmt.Errorf("redis: client is required")
	}
	match := escapeGlob(s.key(prefix)) + "*"
	seen := map[string]struct{}{}
	var cursor uint64
	for {
		keys, next, err := s.client.Scan(ctx, cursor, match, scanCount).Result()
		if err != nil {
			return nil, fmt.Errorf("redis: scan %q: %w", prefix, err)
		}
		for _, key := range keys {
			seen[strings.TrimPrefix(key, s.prefix)] = struct{}{}
		}
		if next == 0 {
			break
		}
		cursor = next
	}
	out := make([]string, 0, len(seen))
	for key := range seen {
		out = append(out, key)
	}
	sort.Strings(out)
	return out, nil
}

func (s *Store) ready(key string) error {
	if s == nil || s.client == nil {
		return fmt.Errorf("redis: client is required")
	}
	if strings.TrimSpace(key) == "" {
		return fmt.Errorf("redis: key is required")
	}
	return nil
}

func (s *Store) key(key string) string {
	return s.prefix + key
}

func (s *Store) ttl(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return s.defaultTTL
	}
	return ttl
}

func escapeGlob(pattern string) string {
	var b strings.Builder
	for _, r := range pattern {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteRune('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

var (
	_ core.AtomicRecordStore = (*Store)(nil)
	_ core.KeyLister         = (*Store)(nil)
)
