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
	"errors"
	"fmt"
)

// Kind classifies why a credential was not accepted.
type Kind string

const (
	KindMissing   Kind = "MISSING"
	KindMalformed Kind = "MALFORMED"
	KindExpired   Kind = "EXPIRED"
	KindRevoked   Kind = "REVOKED"

	// KindUpstreamUnavailable means the key or secret source could not be
	// reached. It says nothing about the credential itself.
	KindUpstreamUnavailable Kind = "UPSTREAM_UNAVAILABLE"
)

// Sentinel errors, one per Kind. An *Error matches its sentinel with errors.Is.
var (
	ErrMissingCredential   = errors.New("missing credential")
	ErrInvalidToken        = errors.New("invalid token")
	ErrTokenExpired        = errors.New("token expired")
	ErrRevoked             = errors.New("credential revoked")
	ErrUpstreamUnavailable = errors.New("credential source unavailable")
)

// Error is returned by every Validator.
type Error struct {
	Kind Kind
	Err  error
}

func newError(kind Kind, err error) *Error {
	if err == nil {
		err = sentinel(kind)
	}
	return &Error{Kind: kind, Err: err}
}

func (e *Error) Error() string {
	return fmt.Sprintf("auth %s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the sentinel for e.Kind.
func (e *Error) Is(target error) bool {
	return target == sentinel(e.Kind)
}

func sentinel(kind Kind) error {
	switch kind {
	case KindMissing:
		return ErrMissingCredential
	case KindMalformed:
		return ErrInvalidToken
	case KindExpired:
		return ErrTokenExpired
	case KindRevoked:
		return ErrRevoked
	case KindUpstreamUnavailable:
		return ErrUpstreamUnavailable
	default:
		return nil
	}
}

// KindOf returns the Kind of an auth error, or "" if err is not one.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return ""
}

// IsUpstreamUnavailable reports whether err was caused by an unreachable
// credential source rather than by the credential.
func IsUpstreamUnavailable(err error) bool {
	return KindOf(err) == KindUpstreamUnavailable
}
