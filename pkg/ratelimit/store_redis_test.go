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
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// redisAddr returns a reachable Redis address or skips the test.
func redisAddr(t *testing.T) string {
	t.Helper()
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	client := redis.NewClient(&redis.Options{Addr: addr, DialTimeout: 200 * time.Millisecond})
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available at %s: %v", addr, err)
	}
	return addr
}

func TestRedisStore(t *testing.T) {
	addr := redisAddr(t)
	testStoreConformance(t, func(t *testing.T) Store {
		s, err := NewRedisStore(context.Background(), RedisConfig{
			Addrs:     []string{addr},
			KeyPrefix: fmt.Sprintf("gate-test-%d", time.Now().UnixNano()),
			IdleTTL:   time.Minute,
		})
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}

func TestRedisStore_KeysExpire(t *testing.T) {
	addr := redisAddr(t)
	client := redis.NewClient(&redis.Options{Addr: addr})
	prefix := fmt.Sprintf("gate-ttl-%d", time.Now().UnixNano())
	s := NewRedisStoreWithClient(client, prefix, time.Minute)
	defer s.Close()

	key := BucketKey{ClientKey: "c", PolicyID: "p"}
	_, err := s.CheckAndIncrement(context.Background(), key, &Policy{ID: "p", Window: time.Second, Limit: 1}, time.Now())
	require.NoError(t, err)

	keys, err := client.Keys(context.Background(), prefix+":*").Result()
	require.NoError(t, err)
	require.NotEmpty(t, keys)
	for _, k := range keys {
		ttl, err := client.PTTL(context.Background(), k).Result()
		require.NoError(t, err)
		assert.Greater(t, ttl, time.Duration(0), "key %s has no ttl", k)
	}

	evicted, err := s.EvictIdle(context.Background(), time.Minute, time.Now())
	assert.NoError(t, err)
	assert.Empty(t, evicted)
}

func TestRedisStore_Unreachable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := NewRedisStore(ctx, RedisConfig{Addrs: []string{"127.0.0.1:1"}, DialTimeout: 100 * time.Millisecond})
	assert.Error(t, err)

	// A store whose server goes away reports UNAVAILABLE.
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", DialTimeout: 100 * time.Millisecond, MaxRetries: -1})
	s := NewRedisStoreWithClient(client, "", time.Minute)
	defer s.Close()

	_, err = s.CheckAndIncrement(ctx, BucketKey{ClientKey: "c", PolicyID: "p"}, &Policy{ID: "p", Window: time.Minute, Limit: 1}, time.Now())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStoreUnavailable)
	assert.ErrorIs(t, s.Ping(ctx), ErrStoreUnavailable)
}

func TestRedisStore_BaseKeySharesHashSlot(t *testing.T) {
	s := &RedisStore{prefix: "ratelimit"}
	assert.Equal(t, "ratelimit:{client-a|search}", s.baseKey(BucketKey{ClientKey: "client-a", PolicyID: "search"}))
}

func TestNewRedisClient_RequiresAddress(t *testing.T) {
	_, err := newRedisClient(RedisConfig{})
	assert.Error(t, err)

	_, err = newRedisClient(RedisConfig{URL: "://bad"})
	assert.Error(t, err)

	c, err := newRedisClient(RedisConfig{URL: "redis://localhost:6379/2"})
	require.NoError(t, err)
	_ = c.Close()
}
