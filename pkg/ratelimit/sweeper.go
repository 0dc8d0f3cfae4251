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
	"log/slog"
	"time"

	"github.com/kadirpekel/hector-gate/internal/clock"
)

// DefaultSweepInterval is how often a Sweeper evicts idle buckets.
const DefaultSweepInterval = time.Minute

// Sweeper periodically evicts idle buckets from a Store.
type Sweeper struct {
	Store    Store
	IdleTTL  time.Duration
	Interval time.Duration
	Clock    clock.Clock
	Logger   *slog.Logger

	// OnEvict is called once per evicted bucket.
	OnEvict func(ctx context.Context, key BucketKey)
}

// Run sweeps until ctx is cancelled. It always returns nil.
func (s *Sweeper) Run(ctx context.Context) error {
	interval := s.Interval
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	clk := s.clock()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-clk.After(interval):
		}
		if _, err := s.SweepOnce(ctx); err != nil && ctx.Err() == nil {
			s.logger().Warn("Idle bucket sweep failed", "error", err)
		}
	}
}

// SweepOnce runs a single eviction pass and returns the number of buckets
// removed. Keys evicted before an error are still reported.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	evicted, err := s.Store.EvictIdle(ctx, s.IdleTTL, s.clock().Now())
	for _, key := range evicted {
		if s.OnEvict != nil {
			s.OnEvict(ctx, key)
		}
	}
	if len(evicted) > 0 {
		s.logger().Debug("Evicted idle buckets", "count", len(evicted))
	}
	return len(evicted), err
}

func (s *Sweeper) clock() clock.Clock {
	if s.Clock == nil {
		return clock.New()
	}
	return s.Clock
}

func (s *Sweeper) logger() *slog.Logger {
	if s.Logger == nil {
		return slog.Default()
	}
	return s.Logger
}
