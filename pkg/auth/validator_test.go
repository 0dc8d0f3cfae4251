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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractCredential(t *testing.T) {
	tests := []struct {
		header string
		want   string
	}{
		{"Bearer abc.def.ghi", "abc.def.ghi"},
		{"bearer   token", "token"},
		{"BEARER token", "token"},
		{"raw-key", "raw-key"},
		{"  raw-key  ", "raw-key"},
		{"", ""},
		{"Bearer", "Bearer"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ExtractCredential(tt.header), "header %q", tt.header)
	}
}

func TestLooksLikeJWT(t *testing.T) {
	assert.True(t, LooksLikeJWT("eyJhbGciOiJSUzI1NiJ9.eyJzdWIiOiJ4In0.c2ln"))
	assert.False(t, LooksLikeJWT("a.b.c"))
	assert.False(t, LooksLikeJWT("plain-api-key"))
	assert.False(t, LooksLikeJWT("eyJhbGciOiJSUzI1NiJ9..c2ln"))
	assert.False(t, LooksLikeJWT("eyJhbGciOiJSUzI1NiJ9.x.y.z"))
}

func TestChain_Dispatch(t *testing.T) {
	var jwtCalls, keyCalls int
	chain := &Chain{
		JWT: ValidatorFunc(func(_ context.Context, _ string) (*Identity, error) {
			jwtCalls++
			return NewIdentity("jwt:u", nil), nil
		}),
		APIKey: ValidatorFunc(func(_ context.Context, _ string) (*Identity, error) {
			keyCalls++
			return NewIdentity("key:k", nil), nil
		}),
	}

	id, err := chain.Validate(context.Background(), "eyJhbGciOiJSUzI1NiJ9.eyJzdWIiOiJ4In0.c2ln")
	require.NoError(t, err)
	assert.Equal(t, "jwt:u", id.ClientKey())

	id, err = chain.Validate(context.Background(), "opaque-key")
	require.NoError(t, err)
	assert.Equal(t, "key:k", id.ClientKey())

	_, err = chain.Validate(context.Background(), "")
	assert.Equal(t, KindMissing, KindOf(err))

	assert.Equal(t, 1, jwtCalls)
	assert.Equal(t, 1, keyCalls)
}

func TestChain_NoValidatorForShape(t *testing.T) {
	chain := &Chain{}
	_, err := chain.Validate(context.Background(), "opaque-key")
	assert.Equal(t, KindMalformed, KindOf(err))
}

func TestPassthrough(t *testing.T) {
	id, err := Passthrough{Prefix: "ip:"}.Validate(context.Background(), "10.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, "ip:10.0.0.1", id.ClientKey())

	_, err = Passthrough{}.Validate(context.Background(), "")
	assert.Equal(t, KindMissing, KindOf(err))
}

func TestError_Matching(t *testing.T) {
	err := newError(KindUpstreamUnavailable, errors.New("dial tcp: connection refused"))
	wrapped := errors.Join(errors.New("context"), err)

	assert.True(t, errors.Is(wrapped, ErrUpstreamUnavailable))
	assert.False(t, errors.Is(wrapped, ErrInvalidToken))
	assert.True(t, IsUpstreamUnavailable(wrapped))
	assert.Equal(t, Kind(""), KindOf(errors.New("plain")))
	assert.Contains(t, err.Error(), "UPSTREAM_UNAVAILABLE")
}

func TestIdentityContext(t *testing.T) {
	ctx := context.Background()
	_, ok := IdentityFromContext(ctx)
	assert.False(t, ok)

	attrs := map[string]string{"role": "admin"}
	id := NewIdentity("jwt:u", attrs)
	attrs["role"] = "changed"

	got, ok := IdentityFromContext(ContextWithIdentity(ctx, id))
	require.True(t, ok)
	role, _ := got.Attribute("role")
	assert.Equal(t, "admin", role)
}

func TestFingerprint(t *testing.T) {
	assert.Equal(t, "", Fingerprint(""))
	assert.Len(t, Fingerprint("secret"), 8)
	assert.Equal(t, Fingerprint("secret"), Fingerprint("secret"))
	assert.NotEqual(t, Fingerprint("secret"), Fingerprint("other"))
}
