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

// ObservabilityConfig configures tracing and metrics.
type ObservabilityConfig struct {
	Tracing TracingConfig `yaml:"tracing,omitempty"`
	Metrics MetricsConfig `yaml:"metrics,omitempty"`
}

// TracingConfig configures OpenTelemetry tracing.
type TracingConfig struct {
	// Default: false
	Enabled bool `yaml:"enabled,omitempty"`

	// Exporter is "otlp" (gRPC) or "stdout".
	// Default: otlp
	Exporter string `yaml:"exporter,omitempty"`

	// Endpoint is the OTLP collector address.
	// Default: localhost:4317
	Endpoint string `yaml:"endpoint,omitempty"`

	// SamplingRate is the fraction of traces sampled, 0.0 to 1.0.
	// Default: 1.0
	SamplingRate float64 `yaml:"sampling_rate,omitempty"`

	// Default: hector-gate
	ServiceName    string `yaml:"service_name,omitempty"`
	ServiceVersion string `yaml:"service_version,omitempty"`

	// Insecure disables TLS to the collector.
	// Default: true
	Insecure *bool `yaml:"insecure,omitempty"`

	Headers map[string]string `yaml:"headers,omitempty"`

	// Default: 10s
	Timeout time.Duration `yaml:"timeout,omitempty"`
}

// MetricsConfig configures Prometheus metrics.
type MetricsConfig struct {
	// Default: true
	Enabled *bool `yaml:"enabled,omitempty"`

	// Endpoint is the scrape path.
	// Default: /metrics
	Endpoint string `yaml:"endpoint,omitempty"`

	// Namespace prefixes every metric name.
	// Default: hector_gate
	Namespace string `yaml:"namespace,omitempty"`
}

// SetDefaults applies defaults to tracing and metrics.
func (c *ObservabilityConfig) SetDefaults() {
	c.Tracing.SetDefaults()
	c.Metrics.SetDefaults()
}

// Validate checks tracing and metrics.
func (c *ObservabilityConfig) Validate() error {
	if err := c.Tracing.Validate(); err != nil {
		return fmt.Errorf("tracing: %w", err)
	}
	if err := c.Metrics.Validate(); err != nil {
		return fmt.Errorf("metrics: %w", err)
	}
	return nil
}

// SetDefaults applies default values to TracingConfig.
func (c *TracingConfig) SetDefaults() {
	if c.Exporter == "" {
		c.Exporter = "otlp"
	}
	if c.Endpoint == "" {
		c.Endpoint = "localhost:4317"
	}
	if c.SamplingRate == 0 {
		c.SamplingRate = 1.0
	}
	if c.ServiceName == "" {
		c.ServiceName = "hector-gate"
	}
	if c.Insecure == nil {
		c.Insecure = BoolPtr(true)
	}
	if c.Timeout == 0 {
		c.Timeout = 10 * time.Second
	}
}

// Validate checks TracingConfig.
func (c *TracingConfig) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.SamplingRate < 0 || c.SamplingRate > 1 {
		return fmt.Errorf("sampling_rate must be between 0 and 1, got %f", c.SamplingRate)
	}
	if c.Exporter != "otlp" && c.Exporter != "stdout" {
		return fmt.Errorf("invalid exporter %q (valid: otlp, stdout)", c.Exporter)
	}
	if c.Exporter == "otlp" && c.Endpoint == "" {
		return fmt.Errorf("endpoint is required for the otlp exporter")
	}
	return nil
}

// IsInsecure reports whether the exporter connection skips TLS.
func (c *TracingConfig) IsInsecure() bool {
	return BoolValue(c.Insecure, true)
}

// IsEnabled reports whether metrics are collected and served.
func (c *MetricsConfig) IsEnabled() bool {
	return BoolValue(c.Enabled, true)
}

// SetDefaults applies default values to MetricsConfig.
func (c *MetricsConfig) SetDefaults() {
	if c.Enabled == nil {
		c.Enabled = BoolPtr(true)
	}
	if c.Endpoint == "" {
		c.Endpoint = "/metrics"
	}
	if c.Namespace == "" {
		c.Namespace = "hector_gate"
	}
}

// Validate checks MetricsConfig.
func (c *MetricsConfig) Validate() error {
	if !c.IsEnabled() {
		return nil
	}
	if !strings.HasPrefix(c.Endpoint, "/") {
		return fmt.Errorf("endpoint %q must start with /", c.Endpoint)
	}
	if strings.ContainsAny(c.Namespace, " -.") {
		return fmt.Errorf("namespace %q may only contain letters, digits and underscores", c.Namespace)
	}
	return nil
}
