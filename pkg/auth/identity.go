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
	"maps"
)

// Identity is the validated caller. It is created once per request and never
// modified afterwards.
type Identity struct {
	clientKey  string
	attributes map[string]string
}

// NewIdentity copies attrs so the caller cannot mutate the result.
func NewIdentity(clientKey string, attrs map[string]string) *Identity {
	return &Identity{
		clientKey:  clientKey,
		attributes: maps.Clone(attrs),
	}
}

// ClientKey is the stable key used to bucket quota state.
func (i *Identity) ClientKey() string {
	if i == nil {
		return ""
	}
	return i.clientKey
}

// Attribute returns a single attribute.
func (i *Identity) Attribute(name string) (string, bool) {
	if i == nil {
		return "", false
	}
	v, ok := i.attributes[name]
	return v, ok
}

// Attributes returns a copy of all attributes.
func (i *Identity) Attributes() map[string]string {
	if i == nil {
		return nil
	}
	return maps.Clone(i.attributes)
}

type identityContextKey struct{}

// ContextWithIdentity attaches id to ctx.
func ContextWithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityContextKey{}, id)
}

// IdentityFromContext returns the identity attached by the admission layer.
func IdentityFromContext(ctx context.Context) (*Identity, bool) {
	id, ok := ctx.Value(identityContextKey{}).(*Identity)
	return id, ok && id != nil
}
