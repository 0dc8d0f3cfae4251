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

package auth

import (
	"context"
	"fmt"

	"github.com/kadirpekel/hector-gate/internal/clock"
	"github.com/kadirpekel/hector-gate/internal/httpclient"
	"github.com/kadirpekel/hector-gate/pkg/config"
)

// ClientIPPrefix prefixes client keys derived from network addresses when
// authentication is disabled.
const ClientIPPrefix = "ip:"

// NewValidatorFromConfig creates the configured validator. The returned
// close function releases the JWKS cache and is never nil.
//
// With auth disabled the validator is a Passthrough: the boundary passes
// the client address as the credential.
func NewValidatorFromConfig(ctx context.Context, cfg *config.AuthConfig, opts ...JWTOption) (Validator, func(), error) {
	noop := func() {}
	if cfg == nil || !cfg.IsEnabled() {
		return Passthrough{Prefix: ClientIPPrefix}, noop, nil
	}

	o := jwtOptions{clock: clock.New()}
	for _, opt := range opts {
		opt(&o)
	}

	chain := &Chain{}
	closeFn := noop

	if cfg.JWT != nil {
		client, err := httpclient.New(
			httpclient.WithTimeout(cfg.JWT.FetchTimeout),
			httpclient.WithTLS(&httpclient.TLSConfig{
				CACertificate:      cfg.JWT.CACertificate,
				InsecureSkipVerify: cfg.JWT.InsecureSkipVerify,
			}),
		)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create JWKS client: %w", err)
		}
		opts = append([]JWTOption{WithJWKSClient(client)}, opts...)

		v, err := NewJWTValidator(ctx, JWTConfig{
			JWKSURL:         cfg.JWT.JWKSURL,
			Issuer:          cfg.JWT.Issuer,
			Audience:        cfg.JWT.Audience,
			RefreshInterval: cfg.JWT.RefreshInterval,
			FetchTimeout:    cfg.JWT.FetchTimeout,
			AcceptableSkew:  cfg.JWT.AcceptableSkew,
			RevokedIDs:      cfg.JWT.RevokedIDs,
		}, opts...)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create JWT validator: %w", err)
		}
		chain.JWT = v
		closeFn = v.Close
	}

	if len(cfg.APIKeys) > 0 {
		keys := make([]APIKey, 0, len(cfg.APIKeys))
		for i, k := range cfg.APIKeys {
			expires, err := k.Expiry()
			if err != nil {
				closeFn()
				return nil, nil, fmt.Errorf("api_keys[%d]: %w", i, err)
			}
			keys = append(keys, APIKey{
				ID:         k.ID,
				Hash:       k.Hash,
				Attributes: k.Attributes,
				ExpiresAt:  expires,
				Revoked:    k.Revoked,
			})
		}
		v, err := NewAPIKeyValidator(keys, o.clock)
		if err != nil {
			closeFn()
			return nil, nil, fmt.Errorf("failed to create API key validator: %w", err)
		}
		chain.APIKey = v
	}

	return chain, closeFn, nil
}
