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
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/hector-gate/internal/clock"
	"github.com/kadirpekel/hector-gate/pkg/auth"
)

// epoch is aligned to a minute so window boundaries fall on whole minutes.
var epoch = time.Unix(1_700_000_040, 0)

func newTestLimiter(t *testing.T, store Store) (*Limiter, *clock.Virtual) {
	t.Helper()
	clk := clock.NewVirtual(epoch)
	l, err := NewLimiter(store, WithClock(clk), WithStoreTimeout(5*time.Second))
	require.NoError(t, err)
	return l, clk
}

func check(t *testing.T, l *Limiter, client string, p *Policy) *Result {
	t.Helper()
	res, err := l.Check(context.Background(), auth.NewIdentity(client, nil), p)
	require.NoError(t, err)
	return res
}

// testStoreConformance runs the behavior every Store must share.
func testStoreConformance(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("FixedWindowExample", func(t *testing.T) {
		l, clk := newTestLimiter(t, newStore(t))
		p := &Policy{ID: "fixed", Window: time.Minute, Limit: 5, Algorithm: AlgorithmFixedWindow}

		for i := 0; i < 5; i++ {
			res := check(t, l, "clientA", p)
			require.True(t, res.Allowed, "request %d", i+1)
			assert.EqualValues(t, 4-i, res.Remaining)
		}

		clk.Advance(time.Second)
		res := check(t, l, "clientA", p)
		assert.False(t, res.Allowed)
		require.NotNil(t, res.RetryAfter)
		assert.Equal(t, 59*time.Second, *res.RetryAfter)
		assert.Zero(t, res.Remaining)

		clk.Set(epoch.Add(61 * time.Second))
		assert.True(t, check(t, l, "clientA", p).Allowed)
	})

	t.Run("DefaultAlgorithmRegainsQuotaAfterWindow", func(t *testing.T) {
		l, clk := newTestLimiter(t, newStore(t))
		p := &Policy{ID: "default", Window: time.Minute, Limit: 5}

		for i := 0; i < 5; i++ {
			require.True(t, check(t, l, "clientA", p).Allowed, "request %d", i+1)
		}

		clk.Advance(time.Second)
		res := check(t, l, "clientA", p)
		assert.False(t, res.Allowed)
		require.NotNil(t, res.RetryAfter)
		assert.Equal(t, 59*time.Second, *res.RetryAfter)

		clk.Set(epoch.Add(61 * time.Second))
		admitted := 0
		for i := 0; i < 5; i++ {
			if check(t, l, "clientA", p).Allowed {
				admitted++
			}
		}
		assert.Equal(t, 5, admitted)
		assert.False(t, check(t, l, "clientA", p).Allowed)
	})

	t.Run("SlidingWindowExample", func(t *testing.T) {
		l, clk := newTestLimiter(t, newStore(t))
		p := &Policy{ID: "sliding", Window: time.Minute, Limit: 5, Algorithm: AlgorithmSlidingWindow}

		for i := 0; i < 5; i++ {
			require.True(t, check(t, l, "clientA", p).Allowed)
		}

		clk.Advance(time.Second)
		res := check(t, l, "clientA", p)
		assert.False(t, res.Allowed)
		require.NotNil(t, res.RetryAfter)
		assert.Equal(t, 71*time.Second, *res.RetryAfter)

		// The previous window still weighs 59/60 of its count.
		clk.Set(epoch.Add(61 * time.Second))
		assert.False(t, check(t, l, "clientA", p).Allowed)

		clk.Set(epoch.Add(72 * time.Second))
		assert.True(t, check(t, l, "clientA", p).Allowed)
	})

	t.Run("TokenBucketExample", func(t *testing.T) {
		l, clk := newTestLimiter(t, newStore(t))
		p := &Policy{ID: "tokens", Window: time.Minute, Limit: 5, Algorithm: AlgorithmTokenBucket}

		for i := 0; i < 5; i++ {
			require.True(t, check(t, l, "clientA", p).Allowed, "request %d", i+1)
		}

		clk.Advance(time.Second)
		res := check(t, l, "clientA", p)
		assert.False(t, res.Allowed)
		require.NotNil(t, res.RetryAfter)
		assert.InDelta(t, float64(11*time.Second), float64(*res.RetryAfter), float64(5*time.Millisecond))

		clk.Set(epoch.Add(13 * time.Second))
		assert.True(t, check(t, l, "clientA", p).Allowed)
		assert.False(t, check(t, l, "clientA", p).Allowed)
	})

	t.Run("BurstExtendsCapacity", func(t *testing.T) {
		l, _ := newTestLimiter(t, newStore(t))
		p := &Policy{ID: "burst", Window: time.Minute, Limit: 3, Burst: 2}

		for i := 0; i < 5; i++ {
			res := check(t, l, "clientA", p)
			require.True(t, res.Allowed, "request %d", i+1)
			assert.EqualValues(t, 5, res.Limit)
		}
		assert.False(t, check(t, l, "clientA", p).Allowed)
	})

	t.Run("ClientsAreIndependent", func(t *testing.T) {
		l, _ := newTestLimiter(t, newStore(t))
		p := &Policy{ID: "indep", Window: time.Minute, Limit: 1}

		assert.True(t, check(t, l, "clientA", p).Allowed)
		assert.False(t, check(t, l, "clientA", p).Allowed)
		assert.True(t, check(t, l, "clientB", p).Allowed)
	})

	t.Run("ConcurrentRequestsAdmitExactlyLimit", func(t *testing.T) {
		for _, alg := range []Algorithm{AlgorithmSlidingWindow, AlgorithmFixedWindow, AlgorithmTokenBucket} {
			t.Run(string(alg), func(t *testing.T) {
				l, _ := newTestLimiter(t, newStore(t))
				p := &Policy{ID: "concurrent-" + string(alg), Window: time.Minute, Limit: 10, Algorithm: alg}

				var allowed atomic.Int64
				var wg sync.WaitGroup
				for i := 0; i < 40; i++ {
					wg.Add(1)
					go func() {
						defer wg.Done()
						res, err := l.Check(context.Background(), auth.NewIdentity("clientA", nil), p)
						if err == nil && res.Allowed {
							allowed.Add(1)
						}
					}()
				}
				wg.Wait()
				assert.EqualValues(t, 10, allowed.Load())
			})
		}
	})

	t.Run("ClockSkewNeverRewinds", func(t *testing.T) {
		store := newStore(t)
		p := &Policy{ID: "skew", Window: time.Minute, Limit: 5, Algorithm: AlgorithmFixedWindow}
		key := BucketKey{ClientKey: "clientA", PolicyID: p.ID}
		ctx := context.Background()

		later := epoch.Add(90 * time.Second)
		b, err := store.CheckAndIncrement(ctx, key, p, later)
		require.NoError(t, err)
		require.True(t, b.Allowed)

		// A replica whose clock is 80s behind.
		b, err = store.CheckAndIncrement(ctx, key, p, epoch.Add(10*time.Second))
		require.NoError(t, err)
		assert.True(t, b.Allowed)
		assert.Equal(t, later.UnixMilli(), b.Now.UnixMilli())
		assert.EqualValues(t, 2, b.Current)
		assert.Equal(t, epoch.Add(60*time.Second).UnixMilli(), b.WindowStart.UnixMilli())
	})
}

func TestLimiter_InvalidIdentifier(t *testing.T) {
	l, _ := newTestLimiter(t, NewMemoryStore())
	p := &Policy{ID: "p", Window: time.Minute, Limit: 1}

	_, err := l.Check(context.Background(), auth.NewIdentity("", nil), p)
	assert.ErrorIs(t, err, ErrInvalidIdentifier)

	_, err = l.Check(context.Background(), nil, p)
	assert.ErrorIs(t, err, ErrInvalidIdentifier)
}

func TestLimiter_RequiresStore(t *testing.T) {
	_, err := NewLimiter(nil)
	assert.Error(t, err)
}

type failingStore struct {
	err error
}

func (f failingStore) CheckAndIncrement(context.Context, BucketKey, *Policy, time.Time) (*Bucket, error) {
	return nil, f.err
}

func (f failingStore) EvictIdle(context.Context, time.Duration, time.Time) ([]BucketKey, error) {
	return nil, f.err
}

func (f failingStore) Close() error { return nil }

func TestLimiter_WrapsForeignStoreErrors(t *testing.T) {
	l, _ := newTestLimiter(t, failingStore{err: context.DeadlineExceeded})
	_, err := l.Check(context.Background(), auth.NewIdentity("c", nil), &Policy{ID: "p", Window: time.Minute, Limit: 1})

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStoreUnavailable)
	assert.ErrorIs(t, err, ErrStoreTimeout)
}
