// Package redis provides a store.Storage on Redis hashes. Each key maps to a
// hash with "value" and "etag" fields; conditional writes run as one Lua script
// so the ETag check and the write are atomic on the server.
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/nextlevelbuilder/turnkit/internal/store"
)

// casScript writes value/etag unless ARGV[3] is a concrete ETag that differs
// from the stored one. Returns 1 on write, 0 on conflict.
var casScript = goredis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'etag')
if ARGV[3] ~= '' and ARGV[3] ~= '*' and cur and cur ~= ARGV[3] then
  return 0
end
redis.call('HSET', KEYS[1], 'value', ARGV[1], 'etag', ARGV[2])
if tonumber(ARGV[4]) > 0 then
  redis.call('PEXPIRE', KEYS[1], ARGV[4])
end
return 1
`)

// Options configures the Redis storage.
type Options struct {
	// Prefix is prepended to every storage key (e.g. "turnkit:").
	Prefix string
	// TTL expires items after the given duration; zero keeps them forever.
	TTL time.Duration
}

// Storage implements store.Storage on a go-redis client.
type Storage struct {
	client goredis.UniversalClient
	opts   Options
}

var _ store.Storage = (*Storage)(nil)

// New wraps an existing client.
func New(client goredis.UniversalClient, opts Options) *Storage {
	return &Storage{client: client, opts: opts}
}

// Dial connects to addr and verifies the connection.
func Dial(ctx context.Context, addr, password string, db int, opts Options) (*Storage, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", addr, err)
	}
	return New(client, opts), nil
}

// Close closes the underlying client.
func (s *Storage) Close() error {
	return s.client.Close()
}

func (s *Storage) key(k string) string {
	return s.opts.Prefix + k
}

func (s *Storage) Read(ctx context.Context, keys []string) (map[string]store.Item, error) {
	out := make(map[string]store.Item, len(keys))
	if len(keys) == 0 {
		return out, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*goredis.SliceCmd, len(keys))
	for i, k := range keys {
		cmds[i] = pipe.HMGet(ctx, s.key(k), "value", "etag")
	}
	if _, err := pipe.Exec(ctx); err != nil && err != goredis.Nil {
		return nil, fmt.Errorf("redis read items: %w", err)
	}

	for i, cmd := range cmds {
		vals, err := cmd.Result()
		if err != nil || len(vals) != 2 || vals[0] == nil {
			continue
		}
		value, _ := vals[0].(string)
		etag, _ := vals[1].(string)
		out[keys[i]] = store.Item{Value: []byte(value), ETag: etag}
	}
	return out, nil
}

// Write applies items one script call at a time. Unlike the SQL backends a
// conflict on a later key does not roll back earlier keys of the same call.
func (s *Storage) Write(ctx context.Context, items map[string]store.Item) error {
	ttl := s.opts.TTL.Milliseconds()
	for key, it := range items {
		value := string(it.Value)
		if value == "" {
			value = "null"
		}
		n, err := casScript.Run(ctx, s.client, []string{s.key(key)},
			value, uuid.NewString(), it.ETag, ttl).Int()
		if err != nil {
			return fmt.Errorf("redis write %q: %w", key, err)
		}
		if n == 0 {
			return &store.ConflictError{Key: key}
		}
	}
	return nil
}

func (s *Storage) Delete(ctx context.Context, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = s.key(k)
	}
	if err := s.client.Del(ctx, full...).Err(); err != nil {
		return fmt.Errorf("redis delete items: %w", err)
	}
	return nil
}
