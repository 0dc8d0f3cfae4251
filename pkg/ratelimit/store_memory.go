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
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

const (
	// DefaultShards is the number of independently locked partitions.
	DefaultShards = 64

	// DefaultLockTimeout bounds the wait for a shard lock.
	DefaultLockTimeout = 50 * time.Millisecond
)

var errStoreClosed = errors.New("store is closed")

// memoryBucket holds the state of one key. It is only touched with its
// shard's lock held.
type memoryBucket struct {
	policy   *Policy
	window   windowState
	tokens   *rate.Limiter
	lastSeen int64
}

type memoryShard struct {
	sem     *semaphore.Weighted
	buckets map[BucketKey]*memoryBucket
}

// MemoryStore is an in-process Store for single-replica deployments.
//
// Keys are spread over shards, each guarded by its own lock, so unrelated
// identities never wait on each other. Lock waits are bounded and surface as
// a *StoreError of kind TIMEOUT.
type MemoryStore struct {
	shards      []*memoryShard
	lockTimeout time.Duration
	closed      atomic.Bool
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithShards sets the number of shards.
func WithShards(n int) MemoryOption {
	return func(s *MemoryStore) {
		if n > 0 {
			s.shards = make([]*memoryShard, n)
		}
	}
}

// WithLockTimeout sets how long a request may wait for its shard.
func WithLockTimeout(d time.Duration) MemoryOption {
	return func(s *MemoryStore) {
		if d > 0 {
			s.lockTimeout = d
		}
	}
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		shards:      make([]*memoryShard, DefaultShards),
		lockTimeout: DefaultLockTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	for i := range s.shards {
		s.shards[i] = &memoryShard{
			sem:     semaphore.NewWeighted(1),
			buckets: make(map[BucketKey]*memoryBucket),
		}
	}
	return s
}

func (s *MemoryStore) shardFor(key BucketKey) *memoryShard {
	return s.shards[xxhash.Sum64String(key.String())%uint64(len(s.shards))]
}

// acquire takes the shard lock, waiting at most lockTimeout.
func (s *MemoryStore) acquire(ctx context.Context, sh *memoryShard, op string) error {
	if s.closed.Load() {
		return &StoreError{Kind: StoreUnavailable, Backend: "memory", Op: op, Err: errStoreClosed}
	}
	if sh.sem.TryAcquire(1) {
		return nil
	}
	lctx, cancel := context.WithTimeout(ctx, s.lockTimeout)
	defer cancel()
	if err := sh.sem.Acquire(lctx, 1); err != nil {
		return newStoreError("memory", op, err)
	}
	return nil
}

// CheckAndIncrement evaluates one request against the bucket for key and
// counts it if allowed, in one step under the shard lock.
func (s *MemoryStore) CheckAndIncrement(ctx context.Context, key BucketKey, p *Policy, now time.Time) (*Bucket, error) {
	sh := s.shardFor(key)
	if err := s.acquire(ctx, sh, "check_and_increment"); err != nil {
		return nil, err
	}
	defer sh.sem.Release(1)

	b, ok := sh.buckets[key]
	if !ok {
		b = &memoryBucket{}
		sh.buckets[key] = b
	}
	b.policy = p

	if p.EffectiveAlgorithm() == AlgorithmTokenBucket {
		return b.takeToken(key, p, now), nil
	}

	allowed, eff := b.window.take(p, now.UnixMilli())
	b.lastSeen = eff
	return &Bucket{
		Key:         key,
		Allowed:     allowed,
		Now:         time.UnixMilli(eff),
		WindowStart: time.UnixMilli(b.window.WindowStart),
		Current:     b.window.Current,
		Previous:    b.window.Previous,
	}, nil
}

func (b *memoryBucket) takeToken(key BucketKey, p *Policy, now time.Time) *Bucket {
	// rate.Limiter moves its clock backwards when given an older time, so
	// the clamp has to happen here.
	if ms := now.UnixMilli(); ms < b.lastSeen {
		now = time.UnixMilli(b.lastSeen)
	}
	limit := rate.Limit(float64(p.Limit) / p.Window.Seconds())
	burst := int(p.Capacity())
	if b.tokens == nil {
		b.tokens = rate.NewLimiter(limit, burst)
	} else if b.tokens.Limit() != limit || b.tokens.Burst() != burst {
		b.tokens.SetLimitAt(now, limit)
		b.tokens.SetBurstAt(now, burst)
	}

	allowed := b.tokens.AllowN(now, 1)
	b.lastSeen = max(b.lastSeen, now.UnixMilli())
	return &Bucket{
		Key:     key,
		Allowed: allowed,
		Now:     now,
		Tokens:  b.tokens.TokensAt(now),
	}
}

// EvictIdle removes buckets idle for longer than ttl, or than their policy's
// settle time if that is longer. Each shard is swept under its lock, so a
// bucket is never removed while an increment on it is in flight.
func (s *MemoryStore) EvictIdle(ctx context.Context, ttl time.Duration, now time.Time) ([]BucketKey, error) {
	nowMs := now.UnixMilli()
	var evicted []BucketKey
	for _, sh := range s.shards {
		if err := s.acquire(ctx, sh, "evict_idle"); err != nil {
			return evicted, err
		}
		for key, b := range sh.buckets {
			threshold := ttl
			if b.policy != nil {
				threshold = max(ttl, b.policy.SettleTime())
			}
			if nowMs-b.lastSeen > threshold.Milliseconds() {
				delete(sh.buckets, key)
				evicted = append(evicted, key)
			}
		}
		sh.sem.Release(1)
	}
	return evicted, nil
}

// Len returns the number of live buckets. Useful for testing.
func (s *MemoryStore) Len() int {
	n := 0
	for _, sh := range s.shards {
		if err := sh.sem.Acquire(context.Background(), 1); err != nil {
			continue
		}
		n += len(sh.buckets)
		sh.sem.Release(1)
	}
	return n
}

// Close makes every further call fail with UNAVAILABLE.
func (s *MemoryStore) Close() error {
	s.closed.Store(true)
	return nil
}
