// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultRedisPoolSize    = 10
	defaultRedisDialTimeout = 5 * time.Second
	defaultRedisKeyPrefix   = "ratelimit"
)

// windowScript is the shared-mode check-and-increment for sliding and fixed
// windows. Counters are keyed by bucket and window start, so a replica only
// ever INCRs the counter of the window it evaluated. The ":seen" key keeps
// the latest time any replica observed, which clamps slower clocks.
var windowScript = redis.NewScript(`
local base = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local capacity = tonumber(ARGV[3])
local sliding = tonumber(ARGV[4])
local ttl = tonumber(ARGV[5])

local seenKey = base .. ':seen'
local seen = tonumber(redis.call('GET', seenKey) or '0')
if seen > now then
  now = seen
end

local start = now - (now % window)
local curKey = base .. ':' .. string.format('%d', start)
local cur = tonumber(redis.call('GET', curKey) or '0')
local prev = 0
if sliding == 1 then
  prev = tonumber(redis.call('GET', base .. ':' .. string.format('%d', start - window)) or '0')
end

local allowed = 0
if prev * (window - (now - start)) + (cur + 1) * window <= capacity * window then
  cur = redis.call('INCR', curKey)
  redis.call('PEXPIRE', curKey, 2 * window + ttl)
  allowed = 1
end
redis.call('SET', seenKey, string.format('%d', now), 'PX', 2 * window + ttl)

return {allowed, cur, prev, start, now}
`)

// tokenScript is the shared-mode token bucket.
var tokenScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local rate = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local state = redis.call('HMGET', key, 'tokens', 'ts')
local tokens = tonumber(state[1])
local ts = tonumber(state[2])
if tokens == nil or ts == nil then
  tokens = capacity
  ts = now
end
if now < ts then
  now = ts
end

tokens = math.min(capacity, tokens + (now - ts) * rate)
local allowed = 0
if tokens >= 1 then
  tokens = tokens - 1
  allowed = 1
end

redis.call('HSET', key, 'tokens', tostring(tokens), 'ts', string.format('%d', now))
redis.call('PEXPIRE', key, ttl)

return {allowed, tostring(tokens), now}
`)

// RedisConfig configures a RedisStore.
type RedisConfig struct {
	// URL takes precedence over Addrs when set, e.g. redis://localhost:6379/0.
	URL string
	// Addrs with more than one entry selects a cluster client.
	Addrs        []string
	Username     string
	Password     string
	DB           int
	PoolSize     int
	MaxRetries   int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	KeyPrefix    string
	// IdleTTL is added to every key's expiry on top of the policy's settle time.
	IdleTTL time.Duration
}

// RedisStore is a Store shared by all replicas through Redis.
//
// Each check is one script invocation, so Redis applies concurrent checks
// for a bucket one at a time. Idle buckets expire through key TTLs.
type RedisStore struct {
	client  redis.UniversalClient
	prefix  string
	idleTTL time.Duration

	closeOnce sync.Once
	closeErr  error
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	client, err := newRedisClient(cfg)
	if err != nil {
		return nil, err
	}
	s := NewRedisStoreWithClient(client, cfg.KeyPrefix, cfg.IdleTTL)

	if err := pingWithRetry(ctx, client, cfg.MaxRetries); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return s, nil
}

// NewRedisStoreWithClient wraps an existing client. The store owns the
// client and closes it on Close.
func NewRedisStoreWithClient(client redis.UniversalClient, prefix string, idleTTL time.Duration) *RedisStore {
	if prefix == "" {
		prefix = defaultRedisKeyPrefix
	}
	return &RedisStore{
		client:  client,
		prefix:  prefix,
		idleTTL: idleTTL,
	}
}

func newRedisClient(cfg RedisConfig) (redis.UniversalClient, error) {
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = defaultRedisPoolSize
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultRedisDialTimeout
	}

	if cfg.URL != "" {
		opts, err := redis.ParseURL(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("invalid redis url: %w", err)
		}
		opts.PoolSize = cfg.PoolSize
		opts.MaxRetries = cfg.MaxRetries
		opts.DialTimeout = cfg.DialTimeout
		if cfg.ReadTimeout > 0 {
			opts.ReadTimeout = cfg.ReadTimeout
		}
		if cfg.WriteTimeout > 0 {
			opts.WriteTimeout = cfg.WriteTimeout
		}
		return redis.NewClient(opts), nil
	}

	if len(cfg.Addrs) == 0 {
		return nil, fmt.Errorf("redis url or addresses are required")
	}
	return redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:        cfg.Addrs,
		Username:     cfg.Username,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MaxRetries:   cfg.MaxRetries,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}), nil
}

func pingWithRetry(ctx context.Context, client redis.UniversalClient, maxRetries int) error {
	attempts := max(maxRetries+1, 1)
	backoff := 100 * time.Millisecond
	var lastErr error
	for i := 0; i < attempts; i++ {
		if lastErr = client.Ping(ctx).Err(); lastErr == nil {
			return nil
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return lastErr
}

// baseKey puts every key of a bucket in one hash slot.
func (s *RedisStore) baseKey(key BucketKey) string {
	return s.prefix + ":{" + key.ClientKey + "|" + key.PolicyID + "}"
}

// CheckAndIncrement runs the policy's script against the bucket.
func (s *RedisStore) CheckAndIncrement(ctx context.Context, key BucketKey, p *Policy, now time.Time) (*Bucket, error) {
	if p.EffectiveAlgorithm() == AlgorithmTokenBucket {
		return s.takeToken(ctx, key, p, now)
	}

	sliding := 0
	if p.EffectiveAlgorithm() == AlgorithmSlidingWindow {
		sliding = 1
	}
	res, err := windowScript.Run(ctx, s.client, []string{s.baseKey(key)},
		now.UnixMilli(), p.windowMillis(), p.Capacity(), sliding, s.idleTTL.Milliseconds(),
	).Slice()
	if err != nil {
		return nil, newStoreError("redis", "check_and_increment", err)
	}
	vals, err := asInt64s(res, 5)
	if err != nil {
		return nil, &StoreError{Kind: StoreUnavailable, Backend: "redis", Op: "check_and_increment", Err: err}
	}

	return &Bucket{
		Key:         key,
		Allowed:     vals[0] == 1,
		Current:     vals[1],
		Previous:    vals[2],
		WindowStart: time.UnixMilli(vals[3]),
		Now:         time.UnixMilli(vals[4]),
	}, nil
}

func (s *RedisStore) takeToken(ctx context.Context, key BucketKey, p *Policy, now time.Time) (*Bucket, error) {
	ttl := (p.SettleTime() + s.idleTTL).Milliseconds()
	res, err := tokenScript.Run(ctx, s.client, []string{s.baseKey(key) + ":tb"},
		now.UnixMilli(), p.Capacity(), strconv.FormatFloat(tokenRate(p), 'g', -1, 64), max(ttl, 1),
	).Slice()
	if err != nil {
		return nil, newStoreError("redis", "check_and_increment", err)
	}
	if len(res) != 3 {
		return nil, &StoreError{Kind: StoreUnavailable, Backend: "redis", Op: "check_and_increment",
			Err: fmt.Errorf("unexpected script result length %d", len(res))}
	}
	allowed, err1 := asInt64(res[0])
	tokenStr, _ := res[1].(string)
	tokens, err2 := strconv.ParseFloat(tokenStr, 64)
	effNow, err3 := asInt64(res[2])
	if err := errors.Join(err1, err2, err3); err != nil {
		return nil, &StoreError{Kind: StoreUnavailable, Backend: "redis", Op: "check_and_increment", Err: err}
	}

	return &Bucket{
		Key:     key,
		Allowed: allowed == 1,
		Tokens:  tokens,
		Now:     time.UnixMilli(effNow),
	}, nil
}

// EvictIdle is a no-op: every key carries a TTL of its policy's settle time
// plus the idle TTL, so Redis expires idle buckets on its own.
func (s *RedisStore) EvictIdle(context.Context, time.Duration, time.Time) ([]BucketKey, error) {
	return nil, nil
}

// Ping checks connectivity.
func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return newStoreError("redis", "ping", err)
	}
	return nil
}

// Close releases Redis resources. It is idempotent.
func (s *RedisStore) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.client.Close()
	})
	return s.closeErr
}

func asInt64s(values []interface{}, n int) ([]int64, error) {
	if len(values) != n {
		return nil, fmt.Errorf("unexpected script result length %d, want %d", len(values), n)
	}
	out := make([]int64, n)
	for i, v := range values {
		x, err := asInt64(v)
		if err != nil {
			return nil, fmt.Errorf("result[%d]: %w", i, err)
		}
		out[i] = x
	}
	return out, nil
}

func asInt64(v interface{}) (int64, error) {
	switch x := v.(type) {
	case int64:
		return x, nil
	case int:
		return int64(x), nil
	case float64:
		return int64(x), nil
	case string:
		n, err := strconv.ParseInt(x, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("parse int64 from %q: %w", x, err)
		}
		return n, nil
	default:
		return 0, fmt.Errorf("unsupported numeric type %T", v)
	}
}
