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
	"net/url"
	"strings"
	"time"
)

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	// Address to listen on.
	// Default: ":8080"
	Address string `yaml:"address,omitempty"`

	// Upstream, when set, turns the server into a reverse proxy that forwards
	// admitted requests to this URL.
	Upstream string `yaml:"upstream,omitempty"`

	// ProxyPrefix is the path prefix forwarded to Upstream.
	// Default: "/"
	ProxyPrefix string `yaml:"proxy_prefix,omitempty"`

	// ExcludePaths are never admission-checked.
	// Default: ["/health", "/metrics"]
	ExcludePaths []string `yaml:"exclude_paths,omitempty"`

	ReadTimeout     time.Duration `yaml:"read_timeout,omitempty"`
	WriteTimeout    time.Duration `yaml:"write_timeout,omitempty"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout,omitempty"`
}

// SetDefaults applies default values to ServerConfig.
func (c *ServerConfig) SetDefaults() {
	if c.Address == "" {
		c.Address = ":8080"
	}
	if c.ProxyPrefix == "" {
		c.ProxyPrefix = "/"
	}
	if c.ExcludePaths == nil {
		c.ExcludePaths = []string{"/health", "/metrics"}
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = 10 * time.Second
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 30 * time.Second
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = 10 * time.Second
	}
}

// Validate checks the server configuration.
func (c *ServerConfig) Validate() error {
	if c.Upstream != "" {
		u, err := url.Parse(c.Upstream)
		if err != nil {
			return fmt.Errorf("invalid upstream %q: %w", c.Upstream, err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("upstream %q must use http or https", c.Upstream)
		}
	}
	if !strings.HasPrefix(c.ProxyPrefix, "/") {
		return fmt.Errorf("proxy_prefix %q must start with /", c.ProxyPrefix)
	}
	if c.ReadTimeout < 0 || c.WriteTimeout < 0 || c.ShutdownTimeout < 0 {
		return fmt.Errorf("timeouts must be non-negative")
	}
	return nil
}
