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

// Package httpclient builds the HTTP clients hector-gate uses for outbound
// calls, such as JWKS downloads.
package httpclient

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net/http"
	"os"
	"time"
)

// DefaultTimeout bounds a whole request when no timeout is set.
const DefaultTimeout = 10 * time.Second

// TLSConfig holds TLS settings for outbound connections.
type TLSConfig struct {
	InsecureSkipVerify bool   // Skip certificate verification (dev/test only)
	CACertificate      string // Path to a PEM encoded CA bundle
}

// IsZero reports whether c leaves the system defaults untouched.
func (c *TLSConfig) IsZero() bool {
	return c == nil || (!c.InsecureSkipVerify && c.CACertificate == "")
}

type options struct {
	timeout time.Duration
	tls     *TLSConfig
}

// Option configures New.
type Option func(*options)

// WithTimeout sets the overall request timeout.
func WithTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// WithTLS applies TLS settings to the client's transport.
func WithTLS(cfg *TLSConfig) Option {
	return func(o *options) {
		o.tls = cfg
	}
}

// New creates an *http.Client. Unlike a bare http.Client it never waits
// forever, and a CA bundle that cannot be read is an error rather than a
// silent fallback to the system pool.
func New(opts ...Option) (*http.Client, error) {
	o := options{timeout: DefaultTimeout}
	for _, opt := range opts {
		opt(&o)
	}

	transport, err := ConfigureTLS(o.tls)
	if err != nil {
		return nil, err
	}
	return &http.Client{Transport: transport, Timeout: o.timeout}, nil
}

// ConfigureTLS clones the default transport and applies cfg to it.
func ConfigureTLS(cfg *TLSConfig) (*http.Transport, error) {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.IsZero() {
		return transport, nil
	}

	tlsCfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if cfg.CACertificate != "" {
		pem, err := os.ReadFile(cfg.CACertificate)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA certificate from %s: %w", cfg.CACertificate, err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("failed to parse CA certificate from %s", cfg.CACertificate)
		}
		tlsCfg.RootCAs = pool
	}
	if cfg.InsecureSkipVerify {
		tlsCfg.InsecureSkipVerify = true
	}
	transport.TLSClientConfig = tlsCfg
	return transport, nil
}
