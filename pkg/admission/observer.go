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

package admission

import (
	"context"
	"time"

	"github.com/kadirpekel/hector-gate/pkg/auth"
	"github.com/kadirpekel/hector-gate/pkg/ratelimit"
)

// Stage is the pipeline stage that produced a decision.
type Stage string

const (
	StageAuth      Stage = "auth"
	StageRateLimit Stage = "rate_limit"
)

// DecisionEvent describes one admission decision. It carries internal detail
// (the auth failure kind, the underlying error) that never reaches callers.
type DecisionEvent struct {
	RequestID string
	Route     string
	ClientKey string
	PolicyID  string

	// Fingerprint identifies the credential without revealing it.
	Fingerprint string

	Stage    Stage
	Reason   Reason
	Allowed  bool
	Degraded bool

	// AuthKind is set when authentication failed.
	AuthKind auth.Kind

	Algorithm  ratelimit.Algorithm
	Limit      int64
	Remaining  int64
	RetryAfter time.Duration

	Duration time.Duration
	Err      error
}

// StoreEvent describes a quota store failure.
type StoreEvent struct {
	RequestID string
	Key       ratelimit.BucketKey
	Backend   string
	Op        string
	Kind      ratelimit.StoreErrorKind

	// FailOpen reports whether the request was admitted regardless.
	FailOpen bool
	Err      error
}

// Observer receives pipeline events. Implementations must be safe for
// concurrent use and must not block.
type Observer interface {
	DecisionMade(ctx context.Context, ev DecisionEvent)
	StoreUnavailable(ctx context.Context, ev StoreEvent)
	BucketEvicted(ctx context.Context, key ratelimit.BucketKey)
}

// Observers fans events out to every member.
type Observers []Observer

func (o Observers) DecisionMade(ctx context.Context, ev DecisionEvent) {
	for _, obs := range o {
		obs.DecisionMade(ctx, ev)
	}
}

func (o Observers) StoreUnavailable(ctx context.Context, ev StoreEvent) {
	for _, obs := range o {
		obs.StoreUnavailable(ctx, ev)
	}
}

func (o Observers) BucketEvicted(ctx context.Context, key ratelimit.BucketKey) {
	for _, obs := range o {
		obs.BucketEvicted(ctx, key)
	}
}

// NoopObserver discards all events.
type NoopObserver struct{}

func (NoopObserver) DecisionMade(context.Context, DecisionEvent)         {}
func (NoopObserver) StoreUnavailable(context.Context, StoreEvent)        {}
func (NoopObserver) BucketEvicted(context.Context, ratelimit.BucketKey) {}

var (
	_ Observer = Observers(nil)
	_ Observer = NoopObserver{}
)
