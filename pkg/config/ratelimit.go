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

package config

import (
	"fmt"
	"strings"
	"time"
)

const (
	DefaultPolicyWindow = 60 * time.Second
	DefaultPolicyLimit  = 100

	minDefaultWindow = time.Second
	maxDefaultWindow = time.Hour
	maxDefaultLimit  = 1000
)

var validAlgorithms = map[string]bool{
	"":               true,
	"sliding_window": true,
	"fixed_window":   true,
	"token_bucket":   true,
}

// RateLimitConfig maps routes to quota policies.
//
// Routes are "METHOD /pattern" (chi patterns, e.g. "GET /v1/tasks/{id}") or a
// bare gRPC full method name. DefaultPolicy applies to routes not listed; a
// route key of "*" is equivalent.
//
// Example:
//
//	rate_limit:
//	  default_policy: {window: 60s, limit: 100}
//	  routes:
//	    "POST /v1/tasks": {window: 60s, limit: 10, burst: 5, algorithm: token_bucket}
//	  idle_ttl: 10m
type RateLimitConfig struct {
	// Default: true
	Enabled *bool `yaml:"enabled,omitempty"`

	// DefaultPolicy defaults to 100 requests per 60s when no routes are
	// configured.
	DefaultPolicy *PolicyConfig `yaml:"default_policy,omitempty"`

	Routes map[string]PolicyConfig `yaml:"routes,omitempty"`

	// UnknownRouteFailOpen admits requests for routes without a policy
	// instead of rejecting them.
	UnknownRouteFailOpen bool `yaml:"unknown_route_fail_open,omitempty"`

	// FailOpen admits requests, marked degraded, when the store fails.
	FailOpen bool `yaml:"fail_open,omitempty"`

	// IdleTTL is how long a bucket may go untouched before eviction.
	// Default: 10m
	IdleTTL time.Duration `yaml:"idle_ttl,omitempty"`

	// Default: 1m
	SweepInterval time.Duration `yaml:"sweep_interval,omitempty"`
}

// PolicyConfig is one quota policy.
type PolicyConfig struct {
	// ID names the bucket family. Defaults to the route key. Routes that
	// share an ID share buckets.
	ID     string        `yaml:"id,omitempty"`
	Window time.Duration `yaml:"window"`
	Limit  int64         `yaml:"limit"`
	Burst  int64         `yaml:"burst,omitempty"`

	// Algorithm is fixed_window (default), sliding_window or token_bucket.
	Algorithm string `yaml:"algorithm,omitempty"`
}

// IsEnabled reports whether rate limiting is active.
func (c *RateLimitConfig) IsEnabled() bool {
	return BoolValue(c.Enabled, true)
}

// SetDefaults applies default values to RateLimitConfig.
func (c *RateLimitConfig) SetDefaults() {
	if c.Enabled == nil {
		c.Enabled = BoolPtr(true)
	}
	if c.DefaultPolicy == nil && len(c.Routes) == 0 {
		c.DefaultPolicy = &PolicyConfig{}
	}
	if c.DefaultPolicy != nil {
		if c.DefaultPolicy.Window == 0 {
			c.DefaultPolicy.Window = DefaultPolicyWindow
		}
		if c.DefaultPolicy.Limit == 0 {
			c.DefaultPolicy.Limit = DefaultPolicyLimit
		}
		if c.DefaultPolicy.ID == "" {
			c.DefaultPolicy.ID = "default"
		}
	}
	if c.IdleTTL == 0 {
		c.IdleTTL = 10 * time.Minute
	}
	if c.SweepInterval == 0 {
		c.SweepInterval = time.Minute
	}
}

// Validate checks the rate limit configuration.
func (c *RateLimitConfig) Validate() error {
	if !c.IsEnabled() {
		return nil
	}

	if p := c.DefaultPolicy; p != nil {
		if err := p.validate("default_policy"); err != nil {
			return err
		}
		if p.Window < minDefaultWindow || p.Window > maxDefaultWindow {
			return fmt.Errorf("default_policy.window must be between %s and %s, got %s", minDefaultWindow, maxDefaultWindow, p.Window)
		}
		if p.Limit > maxDefaultLimit {
			return fmt.Errorf("default_policy.limit must be between 1 and %d, got %d", maxDefaultLimit, p.Limit)
		}
	}

	for route, p := range c.Routes {
		if strings.TrimSpace(route) == "" {
			return fmt.Errorf("routes: empty route key")
		}
		if err := p.validate(fmt.Sprintf("routes[%q]", route)); err != nil {
			return err
		}
	}

	if c.IdleTTL < 0 {
		return fmt.Errorf("idle_ttl must be non-negative")
	}
	if c.SweepInterval < 0 {
		return fmt.Errorf("sweep_interval must be non-negative")
	}
	return nil
}

func (p *PolicyConfig) validate(field string) error {
	if p.Window < time.Millisecond {
		return fmt.Errorf("%s.window must be at least 1ms", field)
	}
	if p.Limit <= 0 {
		return fmt.Errorf("%s.limit must be positive", field)
	}
	if p.Burst < 0 {
		return fmt.Errorf("%s.burst must be non-negative", field)
	}
	if !validAlgorithms[p.Algorithm] {
		return fmt.Errorf("invalid %s.algorithm %q (valid: sliding_window, fixed_window, token_bucket)", field, p.Algorithm)
	}
	return nil
}
