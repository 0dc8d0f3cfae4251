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

package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
)

// Common errors.
var (
	// ErrStoreUnavailable matches every *StoreError.
	ErrStoreUnavailable = errors.New("quota store unavailable")

	// ErrStoreTimeout matches a *StoreError of kind TIMEOUT.
	ErrStoreTimeout = errors.New("quota store timeout")

	// ErrUnknownRoute matches a *PolicyError of kind UNKNOWN_ROUTE.
	ErrUnknownRoute = errors.New("no rate limit policy for route")

	// ErrInvalidIdentifier is returned when an identity has no client key.
	ErrInvalidIdentifier = errors.New("invalid identifier")
)

// StoreErrorKind classifies store failures.
type StoreErrorKind string

const (
	StoreUnavailable StoreErrorKind = "UNAVAILABLE"
	StoreTimeout     StoreErrorKind = "TIMEOUT"
)

// StoreError is returned when a quota store cannot answer. It is never
// returned for a denied request.
type StoreError struct {
	Kind    StoreErrorKind
	Backend string
	Op      string
	Err     error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("%s store %s %s: %v", e.Backend, e.Op, e.Kind, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// Is matches ErrStoreUnavailable for every kind and ErrStoreTimeout for
// timeouts.
func (e *StoreError) Is(target error) bool {
	switch target {
	case ErrStoreUnavailable:
		return true
	case ErrStoreTimeout:
		return e.Kind == StoreTimeout
	default:
		return false
	}
}

// newStoreError classifies err as a timeout or as unavailability.
func newStoreError(backend, op string, err error) *StoreError {
	kind := StoreUnavailable
	if isTimeout(err) {
		kind = StoreTimeout
	}
	return &StoreError{Kind: kind, Backend: backend, Op: op, Err: err}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// IsStoreError reports whether err came from a quota store.
func IsStoreError(err error) bool {
	var se *StoreError
	return errors.As(err, &se)
}

// PolicyErrorKind classifies policy lookup failures.
type PolicyErrorKind string

const PolicyUnknownRoute PolicyErrorKind = "UNKNOWN_ROUTE"

// PolicyError is returned when no policy applies to a route. It indicates a
// configuration defect, not a caller error.
type PolicyError struct {
	Kind  PolicyErrorKind
	Route string
}

func (e *PolicyError) Error() string {
	return fmt.Sprintf("policy %s: %q", e.Kind, e.Route)
}

func (e *PolicyError) Is(target error) bool {
	return target == ErrUnknownRoute && e.Kind == PolicyUnknownRoute
}

// IsPolicyError reports whether err is a *PolicyError.
func IsPolicyError(err error) bool {
	var pe *PolicyError
	return errors.As(err, &pe)
}

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

// Error returns the validation error message.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error: %s: %s", e.Field, e.Message)
}

// NewValidationError creates a new ValidationError.
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: message,
	}
}
