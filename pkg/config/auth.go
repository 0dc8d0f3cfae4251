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
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// AuthConfig configures credential validation.
//
// Example:
//
//	auth:
//	  jwt:
//	    jwks_url: https://auth.example.com/.well-known/jwks.json
//	    issuer: https://auth.example.com/
//	    audience: tasks-api
//	  api_keys:
//	    - id: svc-a
//	      hash: 2c26b46b68ffc68ff99b453c1d30413413422d706483bfa0f98a5e886266e7ae
//	      attributes: {team: payments}
type AuthConfig struct {
	// Enabled turns on credential validation. When disabled the client IP
	// becomes the client key.
	// Default: true
	Enabled *bool `yaml:"enabled,omitempty"`

	JWT *JWTConfig `yaml:"jwt,omitempty"`

	APIKeys []APIKeyConfig `yaml:"api_keys,omitempty"`

	// FailOpen admits requests, unlimited and marked degraded, while the
	// JWKS endpoint is unreachable.
	// Default: false
	FailOpen bool `yaml:"fail_open,omitempty"`
}

// JWTConfig configures JWT validation against a JWKS endpoint.
type JWTConfig struct {
	JWKSURL  string `yaml:"jwks_url"`
	Issuer   string `yaml:"issuer,omitempty"`
	Audience string `yaml:"audience,omitempty"`

	// Default: 15m
	RefreshInterval time.Duration `yaml:"refresh_interval,omitempty"`

	// Default: 5s
	FetchTimeout time.Duration `yaml:"fetch_timeout,omitempty"`

	AcceptableSkew time.Duration `yaml:"acceptable_skew,omitempty"`

	// RevokedIDs lists revoked jti values.
	RevokedIDs []string `yaml:"revoked_ids,omitempty"`

	// CACertificate is a PEM bundle trusted for the JWKS endpoint.
	CACertificate string `yaml:"ca_certificate,omitempty"`

	// InsecureSkipVerify disables TLS verification of the JWKS endpoint.
	// Only for development.
	InsecureSkipVerify bool `yaml:"insecure_skip_verify,omitempty"`
}

// APIKeyConfig is one entry of the static API key table.
type APIKeyConfig struct {
	ID string `yaml:"id"`

	// Hash is the hex SHA-256 of the key. See "hector-gate hash-key".
	Hash string `yaml:"hash"`

	Attributes map[string]string `yaml:"attributes,omitempty"`

	// ExpiresAt is an RFC 3339 timestamp. Empty means no expiry.
	ExpiresAt string `yaml:"expires_at,omitempty"`

	Revoked bool `yaml:"revoked,omitempty"`
}

// IsEnabled reports whether credentials are validated.
func (c *AuthConfig) IsEnabled() bool {
	return BoolValue(c.Enabled, true)
}

// SetDefaults applies default values to AuthConfig.
func (c *AuthConfig) SetDefaults() {
	if c.Enabled == nil {
		c.Enabled = BoolPtr(true)
	}
	if c.JWT != nil {
		if c.JWT.RefreshInterval == 0 {
			c.JWT.RefreshInterval = 15 * time.Minute
		}
		if c.JWT.FetchTimeout == 0 {
			c.JWT.FetchTimeout = 5 * time.Second
		}
	}
}

// Validate checks the auth configuration.
func (c *AuthConfig) Validate() error {
	if !c.IsEnabled() {
		return nil
	}
	if c.JWT == nil && len(c.APIKeys) == 0 {
		return fmt.Errorf("jwt or api_keys is required when auth is enabled")
	}

	if c.JWT != nil {
		if c.JWT.JWKSURL == "" {
			return fmt.Errorf("jwt.jwks_url is required")
		}
		if !strings.HasPrefix(c.JWT.JWKSURL, "http://") && !strings.HasPrefix(c.JWT.JWKSURL, "https://") {
			return fmt.Errorf("jwt.jwks_url %q must be an http(s) URL", c.JWT.JWKSURL)
		}
		if c.JWT.RefreshInterval < 0 || c.JWT.FetchTimeout < 0 || c.JWT.AcceptableSkew < 0 {
			return fmt.Errorf("jwt durations must be non-negative")
		}
	}

	seen := make(map[string]bool, len(c.APIKeys))
	for i, k := range c.APIKeys {
		if k.ID == "" {
			return fmt.Errorf("api_keys[%d].id is required", i)
		}
		if seen[k.ID] {
			return fmt.Errorf("api_keys[%d].id %q is duplicated", i, k.ID)
		}
		seen[k.ID] = true

		if sum, err := hex.DecodeString(k.Hash); err != nil || len(sum) != 32 {
			return fmt.Errorf("api_keys[%d].hash must be 64 hex characters", i)
		}
		if _, err := k.Expiry(); err != nil {
			return fmt.Errorf("api_keys[%d].expires_at: %w", i, err)
		}
	}
	return nil
}

// Expiry parses ExpiresAt. The zero time means no expiry.
func (k *APIKeyConfig) Expiry() (time.Time, error) {
	if k.ExpiresAt == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, k.ExpiresAt)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid RFC 3339 timestamp %q", k.ExpiresAt)
	}
	return t, nil
}
