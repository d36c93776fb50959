package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// DefaultRedisPrefix namespaces counter keys in Redis.
	DefaultRedisPrefix = "rl:cnt:"

	// DefaultRedisBlockPrefix namespaces block markers when the default
	// counter prefix is used. A custom prefix P gets P + "blk:".
	DefaultRedisBlockPrefix = "rl:blk:"
)

// fixedWindowScript checks the block marker, then increments the counter and
// starts the window expiry on the first request. A counter found without a
// TTL gets one so it cannot live forever. When ARGV[3] is positive and the
// count exceeds ARGV[2], the marker is set for ARGV[3] ms and the counter is
// dropped so the key starts a fresh window after the block.
//
// Returns {count, pttl}, or {-1, block pttl} while blocked.
var fixedWindowScript = redis.NewScript(`
local blocked = redis.call('PTTL', KEYS[2])
if blocked > 0 then
	return {-1, blocked}
end
local count = redis.call('INCR', KEYS[1])
local ttl = redis.call('PTTL', KEYS[1])
if count == 1 or ttl < 0 then
	redis.call('PEXPIRE', KEYS[1], ARGV[1])
	ttl = tonumber(ARGV[1])
end
local block = tonumber(ARGV[3])
if block > 0 and count > tonumber(ARGV[2]) then
	redis.call('SET', KEYS[2], '1', 'PX', block)
	redis.call('DEL', KEYS[1])
	return {-1, block}
end
return {count, ttl}
`)

// RedisOptions configures a RedisStore connection.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	PoolSize int
	Prefix   string
}

// RedisStore is a fixed-window Store backed by a single Redis instance. The
// read-modify-write runs as one Lua script, so it is atomic per key. Window
// and block expiry are delegated to Redis TTLs.
type RedisStore struct {
	client      *redis.Client
	prefix      string
	blockPrefix string
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(ctx context.Context, opts RedisOptions) (*RedisStore, error) {
	if opts.Addr == "" {
		return nil, errors.New("redis address is required")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
		PoolSize: opts.PoolSize,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return NewRedisStoreWithClient(client, opts.Prefix), nil
}

// NewRedisStoreWithClient wraps an existing client. An empty prefix means
// DefaultRedisPrefix.
func NewRedisStoreWithClient(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" || prefix == DefaultRedisPrefix {
		return &RedisStore{client: client, prefix: DefaultRedisPrefix, blockPrefix: DefaultRedisBlockPrefix}
	}
	return &RedisStore{client: client, prefix: prefix, blockPrefix: prefix + "blk:"}
}

// RecordAndCheck counts one request for key in Redis.
func (s *RedisStore) RecordAndCheck(ctx context.Context, key Key, policy Policy, now time.Time) (Decision, error) {
	windowMs := policy.Window.Milliseconds()
	if windowMs <= 0 {
		windowMs = 1
	}
	blockMs := policy.BlockDuration.Milliseconds()
	if policy.BlockDuration > 0 && blockMs == 0 {
		blockMs = 1
	}

	keys := []string{s.prefix + string(key), s.blockPrefix + string(key)}
	res, err := fixedWindowScript.Run(ctx, s.client, keys,
		windowMs, policy.MaxRequests, blockMs).Int64Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("redis record %s: %w", key.Redacted(), err)
	}
	if len(res) != 2 {
		return Decision{}, fmt.Errorf("redis record %s: unexpected script result %v", key.Redacted(), res)
	}

	count, ttl := res[0], time.Duration(res[1])*time.Millisecond
	if count < 0 {
		return blockedDecision(now.Add(ttl), policy), nil
	}
	windowStart := now.Add(ttl - policy.Window)
	return windowDecision(count, windowStart, policy), nil
}

// Ping checks the Redis connection.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the Redis client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
