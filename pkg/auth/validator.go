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
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"strings"
)

// Validator turns a raw credential into an Identity.
//
// Implementations do not retry. A failing key source is reported as
// KindUpstreamUnavailable and the caller decides what to do with it.
type Validator interface {
	Validate(ctx context.Context, credential string) (*Identity, error)
}

// ValidatorFunc adapts a function to Validator.
type ValidatorFunc func(ctx context.Context, credential string) (*Identity, error)

func (f ValidatorFunc) Validate(ctx context.Context, credential string) (*Identity, error) {
	return f(ctx, credential)
}

// Chain routes JWT-shaped credentials to the JWT validator and everything
// else to the API key validator. Either may be nil.
type Chain struct {
	JWT    Validator
	APIKey Validator
}

func (c *Chain) Validate(ctx context.Context, credential string) (*Identity, error) {
	if credential == "" {
		return nil, newError(KindMissing, nil)
	}
	if LooksLikeJWT(credential) && c.JWT != nil {
		return c.JWT.Validate(ctx, credential)
	}
	if c.APIKey != nil {
		return c.APIKey.Validate(ctx, credential)
	}
	return nil, newError(KindMalformed, nil)
}

// Passthrough accepts any non-empty credential as the client key itself.
// It is used when authentication is disabled and callers are bucketed by
// network address.
type Passthrough struct {
	Prefix string
}

func (p Passthrough) Validate(_ context.Context, credential string) (*Identity, error) {
	if credential == "" {
		return nil, newError(KindMissing, nil)
	}
	return NewIdentity(p.Prefix+credential, nil), nil
}

// ExtractCredential strips an optional "Bearer " prefix from an
// Authorization header value.
func ExtractCredential(header string) string {
	header = strings.TrimSpace(header)
	if len(header) > 7 && strings.EqualFold(header[:7], "bearer ") {
		return strings.TrimSpace(header[7:])
	}
	return header
}

// LooksLikeJWT reports whether s has the shape of a compact JWS: three
// dot-separated segments whose header decodes to a JSON object.
func LooksLikeJWT(s string) bool {
	parts := strings.Split(s, ".")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" {
		return false
	}
	header, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return false
	}
	return len(header) > 0 && header[0] == '{'
}

// Fingerprint returns a short, non-reversible tag for a credential that is
// safe to log.
func Fingerprint(credential string) string {
	if credential == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(credential))
	return hex.EncodeToString(sum[:4])
}

var (
	_ Validator = (*Chain)(nil)
	_ Validator = Passthrough{}
	_ Validator = ValidatorFunc(nil)
)
