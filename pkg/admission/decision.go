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

// Package admission decides, per request, whether a caller may proceed.
//
// A Pipeline authenticates the credential, looks up the route's quota
// policy and consults the rate limiter. It is the only place where errors
// from those stages become user-visible outcomes; transports (HTTP, gRPC)
// only map a Decision to their own status codes.
package admission

import (
	"context"
	"math"
	"time"

	"github.com/kadirpekel/hector-gate/pkg/auth"
	"github.com/kadirpekel/hector-gate/pkg/ratelimit"
)

// Reason is the user-visible outcome of an admission check.
type Reason string

const (
	ReasonOK               Reason = "OK"
	ReasonAuthFailed       Reason = "AUTH_FAILED"
	ReasonRateLimited      Reason = "RATE_LIMITED"
	ReasonStoreUnavailable Reason = "STORE_UNAVAILABLE"
)

// Decision is the result of one admission check. It is never persisted.
type Decision struct {
	Allowed bool
	Reason  Reason

	// RetryAfter is set only for RATE_LIMITED.
	RetryAfter *time.Duration

	// Degraded marks a request admitted by a fail-open rule.
	Degraded bool

	// AuthUnavailable marks an AUTH_FAILED rejection caused by an unreachable
	// credential source rather than a bad credential.
	AuthUnavailable bool

	RequestID string
	Route     string

	// Identity is nil when authentication failed or was skipped.
	Identity *auth.Identity

	// Result is nil when rate limiting did not run.
	Result *ratelimit.Result
}

// RetryAfterSeconds rounds RetryAfter up to whole seconds, with a minimum of
// one. It returns 0 when no retry hint is set.
func (d *Decision) RetryAfterSeconds() int64 {
	if d == nil || d.RetryAfter == nil {
		return 0
	}
	secs := int64(math.Ceil(d.RetryAfter.Seconds()))
	return max(secs, 1)
}

// ClientKey returns the identity's client key, or "".
func (d *Decision) ClientKey() string {
	if d == nil {
		return ""
	}
	return d.Identity.ClientKey()
}

type decisionKey struct{}
type requestIDKey struct{}

// ContextWithDecision attaches d to ctx.
func ContextWithDecision(ctx context.Context, d *Decision) context.Context {
	return context.WithValue(ctx, decisionKey{}, d)
}

// DecisionFromContext returns the decision attached by the boundary, or nil.
func DecisionFromContext(ctx context.Context) *Decision {
	d, _ := ctx.Value(decisionKey{}).(*Decision)
	return d
}

// ContextWithRequestID makes Admit reuse id instead of generating one.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestIDFromContext returns the request id set with ContextWithRequestID.
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}
