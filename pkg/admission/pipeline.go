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
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/kadirpekel/hector-gate/internal/clock"
	"github.com/kadirpekel/hector-gate/pkg/auth"
	"github.com/kadirpekel/hector-gate/pkg/ratelimit"
)

const tracerName = "github.com/kadirpekel/hector-gate/pkg/admission"

// SpanAdmit is the span wrapping every Admit call.
const SpanAdmit = "admission.admit"

// Options configures a Pipeline. The fail-open flags are fixed for the
// lifetime of the pipeline.
type Options struct {
	// AuthFailOpen admits requests while the credential source is
	// unreachable. Such requests carry no identity, so they are not rate
	// limited.
	AuthFailOpen bool

	// StoreFailOpen admits requests when the quota store fails.
	StoreFailOpen bool

	// UnknownRouteFailOpen admits requests for routes without a policy.
	UnknownRouteFailOpen bool

	Observer Observer
	Logger   *slog.Logger
	Clock    clock.Clock
	Tracer   trace.Tracer

	// NewRequestID generates request ids. Default: uuid v4.
	NewRequestID func() string
}

// Pipeline runs AUTH then RATE_LIMIT for each request.
type Pipeline struct {
	validator auth.Validator
	limiter   *ratelimit.Limiter
	policies  atomic.Pointer[ratelimit.PolicySet]
	opts      Options
}

// New creates a pipeline. limiter may be nil to disable rate limiting, in
// which case policies is ignored.
func New(validator auth.Validator, limiter *ratelimit.Limiter, policies *ratelimit.PolicySet, opts Options) (*Pipeline, error) {
	if validator == nil {
		return nil, fmt.Errorf("validator is required")
	}
	if limiter != nil && policies == nil {
		return nil, fmt.Errorf("policies are required when rate limiting is enabled")
	}
	if opts.Observer == nil {
		opts.Observer = NoopObserver{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Tracer == nil {
		opts.Tracer = otel.Tracer(tracerName)
	}
	if opts.NewRequestID == nil {
		opts.NewRequestID = uuid.NewString
	}

	p := &Pipeline{
		validator: validator,
		limiter:   limiter,
		opts:      opts,
	}
	if policies != nil {
		p.policies.Store(policies)
	}
	return p, nil
}

// SetPolicies atomically replaces the route table. In-flight requests keep
// the table they started with.
func (p *Pipeline) SetPolicies(ps *ratelimit.PolicySet) {
	if ps != nil {
		p.policies.Store(ps)
	}
}

// Policies returns the current route table.
func (p *Pipeline) Policies() *ratelimit.PolicySet {
	return p.policies.Load()
}

// Observer returns the pipeline's observer.
func (p *Pipeline) Observer() Observer {
	return p.opts.Observer
}

// Admit decides whether the caller presenting credential may use route.
// It never returns nil. An admitted request has already consumed its quota
// slot; abandoning it afterwards does not give the slot back.
func (p *Pipeline) Admit(ctx context.Context, credential, route string) *Decision {
	start := p.opts.Clock.Now()

	requestID := RequestIDFromContext(ctx)
	if requestID == "" {
		requestID = p.opts.NewRequestID()
	}

	ctx, span := p.opts.Tracer.Start(ctx, SpanAdmit,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("admission.route", route),
			attribute.String("admission.request_id", requestID),
		),
	)
	defer span.End()

	d := &Decision{RequestID: requestID, Route: route}
	ev := DecisionEvent{
		RequestID:   requestID,
		Route:       route,
		Fingerprint: auth.Fingerprint(credential),
		Stage:       StageAuth,
	}

	p.run(ctx, credential, d, &ev)

	ev.Reason = d.Reason
	ev.Allowed = d.Allowed
	ev.Degraded = d.Degraded
	ev.ClientKey = d.ClientKey()
	if d.RetryAfter != nil {
		ev.RetryAfter = *d.RetryAfter
	}
	ev.Duration = p.opts.Clock.Since(start)

	span.SetAttributes(
		attribute.String("admission.reason", string(d.Reason)),
		attribute.Bool("admission.allowed", d.Allowed),
		attribute.Bool("admission.degraded", d.Degraded),
		attribute.String("admission.stage", string(ev.Stage)),
	)
	if ev.PolicyID != "" {
		span.SetAttributes(attribute.String("admission.policy", ev.PolicyID))
	}
	if ev.Err != nil {
		span.RecordError(ev.Err)
	}
	if d.Allowed {
		span.SetStatus(codes.Ok, "")
	} else {
		span.SetStatus(codes.Error, string(d.Reason))
	}

	p.opts.Observer.DecisionMade(ctx, ev)
	return d
}

func (p *Pipeline) run(ctx context.Context, credential string, d *Decision, ev *DecisionEvent) {
	// AUTH
	id, err := p.validator.Validate(ctx, credential)
	if err != nil {
		ev.Err = err
		ev.AuthKind = auth.KindOf(err)
		if auth.IsUpstreamUnavailable(err) && p.opts.AuthFailOpen {
			p.opts.Logger.Warn("Credential source unavailable, admitting without rate limit",
				"request_id", d.RequestID, "route", d.Route, "error", err)
			p.admit(d, true)
			return
		}
		p.reject(d, ReasonAuthFailed)
		d.AuthUnavailable = auth.IsUpstreamUnavailable(err)
		return
	}
	d.Identity = id

	// RATE_LIMIT
	ev.Stage = StageRateLimit
	if p.limiter == nil {
		p.admit(d, false)
		return
	}

	policy, err := p.Policies().Lookup(d.Route)
	if err != nil {
		ev.Err = err
		if p.opts.UnknownRouteFailOpen {
			p.opts.Logger.Warn("No quota policy for route, admitting without rate limit",
				"request_id", d.RequestID, "route", d.Route)
			p.admit(d, false)
			return
		}
		p.opts.Logger.Error("No quota policy for route, rejecting; add the route or a default policy",
			"request_id", d.RequestID, "route", d.Route)
		p.reject(d, ReasonStoreUnavailable)
		return
	}
	ev.PolicyID = policy.ID
	ev.Algorithm = policy.EffectiveAlgorithm()

	res, err := p.limiter.Check(ctx, id, policy)
	if err != nil {
		ev.Err = err
		p.storeFailure(ctx, d, policy, err)
		return
	}
	d.Result = res
	ev.Limit = res.Limit
	ev.Remaining = res.Remaining

	if !res.Allowed {
		p.reject(d, ReasonRateLimited)
		d.RetryAfter = res.RetryAfter
		return
	}
	p.admit(d, false)
}

func (p *Pipeline) storeFailure(ctx context.Context, d *Decision, policy *ratelimit.Policy, err error) {
	if errors.Is(err, ratelimit.ErrInvalidIdentifier) {
		p.reject(d, ReasonAuthFailed)
		return
	}

	sev := StoreEvent{
		RequestID: d.RequestID,
		Key:       ratelimit.BucketKey{ClientKey: d.ClientKey(), PolicyID: policy.ID},
		Kind:      ratelimit.StoreUnavailable,
		FailOpen:  p.opts.StoreFailOpen,
		Err:       err,
	}
	var se *ratelimit.StoreError
	if errors.As(err, &se) {
		sev.Backend = se.Backend
		sev.Op = se.Op
		sev.Kind = se.Kind
	}
	p.opts.Observer.StoreUnavailable(ctx, sev)

	if p.opts.StoreFailOpen {
		p.admit(d, true)
		return
	}
	p.reject(d, ReasonStoreUnavailable)
}

func (p *Pipeline) admit(d *Decision, degraded bool) {
	d.Allowed = true
	d.Reason = ReasonOK
	d.Degraded = degraded
}

func (p *Pipeline) reject(d *Decision, reason Reason) {
	d.Allowed = false
	d.Reason = reason
	d.Degraded = false
}

