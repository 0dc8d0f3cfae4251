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
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/kadirpekel/hector-gate/internal/clock"
)

// APIKey is one entry of the static key table. Only the SHA-256 hash of the
// key is kept.
type APIKey struct {
	ID         string
	Hash       string
	Attributes map[string]string
	ExpiresAt  time.Time
	Revoked    bool
}

type apiKeyEntry struct {
	APIKey
	sum []byte
}

// APIKeyValidator validates opaque keys against a static table.
type APIKeyValidator struct {
	entries []apiKeyEntry
	clock   clock.Clock
}

// NewAPIKeyValidator builds a validator from a key table.
func NewAPIKeyValidator(keys []APIKey, c clock.Clock) (*APIKeyValidator, error) {
	if c == nil {
		c = clock.New()
	}
	seen := make(map[string]bool, len(keys))
	entries := make([]apiKeyEntry, 0, len(keys))
	for i, k := range keys {
		if k.ID == "" {
			return nil, fmt.Errorf("api_keys[%d].id is required", i)
		}
		if seen[k.ID] {
			return nil, fmt.Errorf("api_keys[%d].id %q is duplicated", i, k.ID)
		}
		seen[k.ID] = true

		sum, err := hex.DecodeString(strings.ToLower(k.Hash))
		if err != nil || len(sum) != sha256.Size {
			return nil, fmt.Errorf("api_keys[%d].hash must be a hex encoded SHA-256 digest", i)
		}
		entries = append(entries, apiKeyEntry{APIKey: k, sum: sum})
	}
	return &APIKeyValidator{entries: entries, clock: c}, nil
}

// Validate looks the key up by hash. The client key is "key:" followed by the
// entry id.
func (v *APIKeyValidator) Validate(_ context.Context, credential string) (*Identity, error) {
	if credential == "" {
		return nil, newError(KindMissing, nil)
	}
	sum := sha256.Sum256([]byte(credential))

	var match *apiKeyEntry
	// Every entry is compared so timing does not depend on the table order.
	for i := range v.entries {
		if subtle.ConstantTimeCompare(v.entries[i].sum, sum[:]) == 1 {
			match = &v.entries[i]
		}
	}
	if match == nil {
		return nil, newError(KindMalformed, fmt.Errorf("%w: unknown api key", ErrInvalidToken))
	}
	if match.Revoked {
		return nil, newError(KindRevoked, nil)
	}
	if !match.ExpiresAt.IsZero() && !v.clock.Now().Before(match.ExpiresAt) {
		return nil, newError(KindExpired, fmt.Errorf("%w: api key %s expired at %s",
			ErrTokenExpired, match.ID, match.ExpiresAt.Format(time.RFC3339)))
	}

	attrs := make(map[string]string, len(match.Attributes)+1)
	for k, val := range match.Attributes {
		attrs[k] = val
	}
	attrs["key_id"] = match.ID
	return NewIdentity("key:"+match.ID, attrs), nil
}

// HashKey returns the hex SHA-256 digest stored in the key table.
func HashKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

var _ Validator = (*APIKeyValidator)(nil)
