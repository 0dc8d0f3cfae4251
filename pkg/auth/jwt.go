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
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"

	"github.com/kadirpekel/hector-gate/internal/clock"
)

// JWTConfig configures a JWTValidator.
type JWTConfig struct {
	JWKSURL string
	// Issuer and Audience are checked only when non-empty.
	Issuer   string
	Audience string
	// RefreshInterval is the minimum interval between JWKS refreshes.
	RefreshInterval time.Duration
	// FetchTimeout bounds a single JWKS download.
	FetchTimeout time.Duration
	// AcceptableSkew is tolerated on exp, nbf and iat.
	AcceptableSkew time.Duration
	// RevokedIDs lists jti values that must be rejected.
	RevokedIDs []string
}

// JWTValidator validates signed JWTs against a JWKS endpoint.
// The key set is cached and refreshed in the background to follow key rotation.
type JWTValidator struct {
	jwksURL  string
	cache    *jwk.Cache
	cancel   context.CancelFunc
	issuer   string
	audience string
	skew     time.Duration
	revoked  map[string]struct{}
	clock    clock.Clock
	logger   *slog.Logger
}

// JWTOption configures a JWTValidator.
type JWTOption func(*jwtOptions)

type jwtOptions struct {
	clock      clock.Clock
	logger     *slog.Logger
	httpClient *http.Client
}

// WithJWTClock sets the clock used for exp/nbf checks.
func WithJWTClock(c clock.Clock) JWTOption {
	return func(o *jwtOptions) { o.clock = c }
}

// WithJWTLogger sets the logger.
func WithJWTLogger(l *slog.Logger) JWTOption {
	return func(o *jwtOptions) { o.logger = l }
}

// WithJWKSClient sets the HTTP client used to download the key set.
func WithJWKSClient(c *http.Client) JWTOption {
	return func(o *jwtOptions) { o.httpClient = c }
}

// NewJWTValidator registers the JWKS URL and attempts an initial fetch.
//
// A failed initial fetch is logged, not returned: until the endpoint becomes
// reachable every Validate call reports KindUpstreamUnavailable.
func NewJWTValidator(ctx context.Context, cfg JWTConfig, opts ...JWTOption) (*JWTValidator, error) {
	if cfg.JWKSURL == "" {
		return nil, fmt.Errorf("jwks_url is required")
	}
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = 15 * time.Minute
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 5 * time.Second
	}

	o := jwtOptions{
		clock:  clock.New(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.httpClient == nil {
		o.httpClient = &http.Client{Timeout: cfg.FetchTimeout}
	}

	cctx, cancel := context.WithCancel(ctx)
	cache := jwk.NewCache(cctx)
	if err := cache.Register(cfg.JWKSURL,
		jwk.WithMinRefreshInterval(cfg.RefreshInterval),
		jwk.WithHTTPClient(o.httpClient),
	); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to register JWKS URL: %w", err)
	}

	fetchCtx, fetchCancel := context.WithTimeout(cctx, cfg.FetchTimeout)
	defer fetchCancel()
	if _, err := cache.Refresh(fetchCtx, cfg.JWKSURL); err != nil {
		o.logger.Warn("Initial JWKS fetch failed, tokens will be rejected as upstream unavailable until it succeeds",
			"jwks_url", cfg.JWKSURL, "error", err)
	}

	revoked := make(map[string]struct{}, len(cfg.RevokedIDs))
	for _, id := range cfg.RevokedIDs {
		revoked[id] = struct{}{}
	}

	return &JWTValidator{
		jwksURL:  cfg.JWKSURL,
		cache:    cache,
		cancel:   cancel,
		issuer:   cfg.Issuer,
		audience: cfg.Audience,
		skew:     cfg.AcceptableSkew,
		revoked:  revoked,
		clock:    o.clock,
		logger:   o.logger,
	}, nil
}

// Validate verifies signature, expiry, issuer, audience and revocation.
// The client key is "jwt:" followed by the subject.
func (v *JWTValidator) Validate(ctx context.Context, credential string) (*Identity, error) {
	if credential == "" {
		return nil, newError(KindMissing, nil)
	}
	if !LooksLikeJWT(credential) {
		return nil, newError(KindMalformed, fmt.Errorf("%w: not a compact JWS", ErrInvalidToken))
	}

	keyset, err := v.cache.Get(ctx, v.jwksURL)
	if err != nil {
		return nil, newError(KindUpstreamUnavailable, fmt.Errorf("failed to get JWKS: %w", err))
	}

	parseOpts := []jwt.ParseOption{
		jwt.WithKeySet(keyset),
		jwt.WithValidate(true),
		jwt.WithClock(jwt.ClockFunc(v.clock.Now)),
		jwt.WithAcceptableSkew(v.skew),
	}
	if v.issuer != "" {
		parseOpts = append(parseOpts, jwt.WithIssuer(v.issuer))
	}
	if v.audience != "" {
		parseOpts = append(parseOpts, jwt.WithAudience(v.audience))
	}

	token, err := jwt.Parse([]byte(credential), parseOpts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired()) {
			return nil, newError(KindExpired, fmt.Errorf("%w: %v", ErrTokenExpired, err))
		}
		return nil, newError(KindMalformed, fmt.Errorf("%w: %v", ErrInvalidToken, err))
	}

	if token.Subject() == "" {
		return nil, newError(KindMalformed, fmt.Errorf("%w: missing sub claim", ErrInvalidToken))
	}
	if jti := token.JwtID(); jti != "" {
		if _, ok := v.revoked[jti]; ok {
			return nil, newError(KindRevoked, nil)
		}
	}

	attrs := map[string]string{
		"sub": token.Subject(),
	}
	if iss := token.Issuer(); iss != "" {
		attrs["iss"] = iss
	}
	if jti := token.JwtID(); jti != "" {
		attrs["jti"] = jti
	}
	// Only string-valued private claims are carried.
	for name, value := range token.PrivateClaims() {
		if s, ok := value.(string); ok {
			attrs[name] = s
		}
	}

	return NewIdentity("jwt:"+token.Subject(), attrs), nil
}

// Close stops the background JWKS refresh.
func (v *JWTValidator) Close() {
	if v.cancel != nil {
		v.cancel()
	}
}

var _ Validator = (*JWTValidator)(nil)
