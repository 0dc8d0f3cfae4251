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
	"time"

	"github.com/kadirpekel/hector-gate/internal/clock"
	"github.com/kadirpekel/hector-gate/pkg/auth"
)

// DefaultStoreTimeout bounds a single store call made by the Limiter.
const DefaultStoreTimeout = 500 * time.Millisecond

// Limiter applies policies to identities through a Store.
//
// It never decides what to do when the store fails: store errors are
// returned unchanged so the caller can apply its fail-open or fail-closed
// rule.
type Limiter struct {
	store   Store
	clock   clock.Clock
	timeout time.Duration
}

// LimiterOption configures a Limiter.
type LimiterOption func(*Limiter)

// WithClock sets the time source.
func WithClock(c clock.Clock) LimiterOption {
	return func(l *Limiter) {
		if c != nil {
			l.clock = c
		}
	}
}

// WithStoreTimeout bounds each store call.
func WithStoreTimeout(d time.Duration) LimiterOption {
	return func(l *Limiter) {
		if d > 0 {
			l.timeout = d
		}
	}
}

// NewLimiter creates a limiter backed by store.
func NewLimiter(store Store, opts ...LimiterOption) (*Limiter, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	l := &Limiter{
		store:   store,
		clock:   clock.New(),
		timeout: DefaultStoreTimeout,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Check admits or denies one request from id under p. An allowed request is
// counted before Check returns and is not refunded if the caller later
// abandons the request.
func (l *Limiter) Check(ctx context.Context, id *auth.Identity, p *Policy) (*Result, error) {
	if id.ClientKey() == "" {
		return nil, ErrInvalidIdentifier
	}
	if p == nil {
		return nil, fmt.Errorf("policy is required")
	}

	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	key := BucketKey{ClientKey: id.ClientKey(), PolicyID: p.ID}
	b, err := l.store.CheckAndIncrement(ctx, key, p, l.clock.Now())
	if err != nil {
		if !IsStoreError(err) {
			err = newStoreError("unknown", "check_and_increment", err)
		}
		return nil, err
	}
	return summarize(p, b), nil
}

// Store returns the underlying store.
func (l *Limiter) Store() Store {
	return l.store
}
