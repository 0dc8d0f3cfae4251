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

// Package config loads and validates hector-gate configuration.
//
// Configuration is read by a provider (file, consul, etcd, zookeeper),
// parsed as YAML or JSON, expanded against the environment, decoded into
// Config, defaulted and validated.
package config

import (
	"fmt"
)

// Config is the root configuration.
//
// Example:
//
//	server:
//	  address: ":8080"
//	auth:
//	  api_keys:
//	    - id: svc-a
//	      hash: 9f86d081...
//	rate_limit:
//	  default_policy: {window: 60s, limit: 100}
//	  routes:
//	    "GET /v1/tasks": {window: 60s, limit: 10}
//	store:
//	  backend: redis
//	  redis:
//	    addresses: ["localhost:6379"]
type Config struct {
	Server        ServerConfig        `yaml:"server,omitempty"`
	Auth          AuthConfig          `yaml:"auth,omitempty"`
	RateLimit     RateLimitConfig     `yaml:"rate_limit,omitempty"`
	Store         StoreConfig         `yaml:"store,omitempty"`
	Logger        LoggerConfig        `yaml:"logger,omitempty"`
	Observability ObservabilityConfig `yaml:"observability,omitempty"`
}

// SetDefaults applies defaults to every section.
func (c *Config) SetDefaults() {
	c.Server.SetDefaults()
	c.Auth.SetDefaults()
	c.RateLimit.SetDefaults()
	c.Store.SetDefaults()
	c.Logger.SetDefaults()
	c.Observability.SetDefaults()
}

// Validate checks every section. The first failing section is reported.
func (c *Config) Validate() error {
	sections := []struct {
		name     string
		validate func() error
	}{
		{"server", c.Server.Validate},
		{"auth", c.Auth.Validate},
		{"rate_limit", c.RateLimit.Validate},
		{"store", c.Store.Validate},
		{"logger", c.Logger.Validate},
		{"observability", c.Observability.Validate},
	}
	for _, s := range sections {
		if err := s.validate(); err != nil {
			return fmt.Errorf("%s: %w", s.name, err)
		}
	}
	return nil
}

// BoolPtr returns a pointer to b.
func BoolPtr(b bool) *bool {
	return &b
}

// BoolValue dereferences p, returning def when p is nil.
func BoolValue(p *bool, def bool) bool {
	if p == nil {
		return def
	}
	return *p
}
