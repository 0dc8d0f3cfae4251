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
	"fmt"
	"sort"
	"strings"
	"time"
)

// Algorithm selects how a policy counts requests.
type Algorithm string

const (
	// AlgorithmSlidingWindow weights the previous window's count by how much
	// of it still overlaps the trailing window.
	AlgorithmSlidingWindow Algorithm = "sliding_window"

	// AlgorithmFixedWindow counts only the current aligned window.
	AlgorithmFixedWindow Algorithm = "fixed_window"

	// AlgorithmTokenBucket refills Limit tokens per Window up to Limit+Burst.
	AlgorithmTokenBucket Algorithm = "token_bucket"
)

// IsValid reports whether a is a known algorithm.
func (a Algorithm) IsValid() bool {
	switch a {
	case AlgorithmSlidingWindow, AlgorithmFixedWindow, AlgorithmTokenBucket:
		return true
	default:
		return false
	}
}

// WildcardRoute selects the fallback policy.
const WildcardRoute = "*"

// Policy is a rate limit applied to a route. Policies are read-only once
// they are part of a PolicySet.
type Policy struct {
	// ID names the bucket family. Routes sharing an ID share quota.
	ID        string
	Window    time.Duration
	Limit     int64
	Burst     int64
	Algorithm Algorithm
}

// Validate checks the policy invariants.
func (p *Policy) Validate() error {
	if p.ID == "" {
		return NewValidationError("id", "is required")
	}
	if p.Window < time.Millisecond {
		return NewValidationError("window", fmt.Sprintf("must be at least 1ms, got %s", p.Window))
	}
	if p.Limit <= 0 {
		return NewValidationError("limit", fmt.Sprintf("must be positive, got %d", p.Limit))
	}
	if p.Burst < 0 {
		return NewValidationError("burst", fmt.Sprintf("must be non-negative, got %d", p.Burst))
	}
	if p.Algorithm != "" && !p.Algorithm.IsValid() {
		return NewValidationError("algorithm", fmt.Sprintf("unknown algorithm %q (valid: sliding_window, fixed_window, token_bucket)", p.Algorithm))
	}
	return nil
}

// Capacity is the number of requests admitted in a full window.
func (p *Policy) Capacity() int64 {
	return p.Limit + p.Burst
}

// EffectiveAlgorithm returns the algorithm, defaulting to the fixed window.
// A limited client regains its full quota once the window rolls over.
func (p *Policy) EffectiveAlgorithm() Algorithm {
	if p.Algorithm == "" {
		return AlgorithmFixedWindow
	}
	return p.Algorithm
}

// SettleTime is how long a bucket must be idle before it is indistinguishable
// from a new one. Evicting it earlier would change future decisions.
func (p *Policy) SettleTime() time.Duration {
	if p.EffectiveAlgorithm() == AlgorithmTokenBucket {
		return time.Duration(float64(p.Window) * float64(p.Capacity()) / float64(p.Limit))
	}
	return 2 * p.Window
}

func (p *Policy) windowMillis() int64 {
	return p.Window.Milliseconds()
}

func (p *Policy) String() string {
	return fmt.Sprintf("%s(%s %d+%d/%s)", p.ID, p.EffectiveAlgorithm(), p.Limit, p.Burst, p.Window)
}

// PolicySet maps routes to policies. It is immutable after construction and
// safe to share between goroutines.
type PolicySet struct {
	routes   map[string]*Policy
	fallback *Policy
}

// NewPolicySet validates and copies the given policies. A route of "*" or a
// non-nil fallback is used for routes without their own entry. Policies with
// an empty ID take the route as ID.
func NewPolicySet(routes map[string]Policy, fallback *Policy) (*PolicySet, error) {
	s := &PolicySet{routes: make(map[string]*Policy, len(routes))}
	byID := make(map[string]*Policy)

	register := func(route string, p Policy) (*Policy, error) {
		if p.ID == "" {
			p.ID = route
		}
		if err := p.Validate(); err != nil {
			return nil, fmt.Errorf("route %q: %w", route, err)
		}
		if prev, ok := byID[p.ID]; ok && !samePolicy(prev, &p) {
			return nil, fmt.Errorf("route %q: policy id %q is already used with different parameters", route, p.ID)
		}
		cp := p
		byID[p.ID] = &cp
		return &cp, nil
	}

	if fallback != nil {
		p, err := register(WildcardRoute, *fallback)
		if err != nil {
			return nil, err
		}
		s.fallback = p
	}

	for _, key := range sortedKeys(routes) {
		route := strings.TrimSpace(key)
		if route == "" {
			return nil, NewValidationError("routes", "route must not be empty")
		}
		p, err := register(route, routes[key])
		if err != nil {
			return nil, err
		}
		if route == WildcardRoute {
			s.fallback = p
			continue
		}
		s.routes[route] = p
	}
	return s, nil
}

// Lookup returns the policy for route, or a *PolicyError if none applies.
func (s *PolicySet) Lookup(route string) (*Policy, error) {
	if s != nil {
		if p, ok := s.routes[route]; ok {
			return p, nil
		}
		if s.fallback != nil {
			return s.fallback, nil
		}
	}
	return nil, &PolicyError{Kind: PolicyUnknownRoute, Route: route}
}

// Routes returns the configured routes in sorted order, without the fallback.
func (s *PolicySet) Routes() []string {
	if s == nil {
		return nil
	}
	routes := make([]string, 0, len(s.routes))
	for r := range s.routes {
		routes = append(routes, r)
	}
	sort.Strings(routes)
	return routes
}

// Fallback returns the wildcard policy, if any.
func (s *PolicySet) Fallback() *Policy {
	if s == nil {
		return nil
	}
	return s.fallback
}

func samePolicy(a, b *Policy) bool {
	return a.Window == b.Window && a.Limit == b.Limit && a.Burst == b.Burst &&
		a.EffectiveAlgorithm() == b.EffectiveAlgorithm()
}

func sortedKeys(m map[string]Policy) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// BucketKey identifies one quota bucket.
type BucketKey struct {
	ClientKey string
	PolicyID  string
}

func (k BucketKey) String() string {
	return k.ClientKey + "|" + k.PolicyID
}

// Bucket is the state a store reports after one check-and-increment.
type Bucket struct {
	Key     BucketKey
	Allowed bool

	// Now is the time the decision was evaluated at, after clamping to the
	// bucket's last-seen time.
	Now time.Time

	// Window algorithms.
	WindowStart time.Time
	Current     int64
	Previous    int64

	// Token bucket.
	Tokens float64
}

// Result is the limiter's verdict for one request.
type Result struct {
	Allowed   bool
	Limit     int64
	Remaining int64

	// RetryAfter is set only when the request was denied.
	RetryAfter *time.Duration

	// ResetAt is when the current window ends, or when a token bucket is full.
	ResetAt time.Time

	Policy *Policy
	Bucket *Bucket
}
