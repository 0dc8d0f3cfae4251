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

// Package clock abstracts time so quota windows can be driven by a real or a
// virtual clock.
package clock

import "time"

// Clock is the time source used by the limiter, the stores and the sweeper.
type Clock interface {
	Now() time.Time
	Since(t time.Time) time.Duration
	// After returns a channel that receives the time once d has elapsed.
	After(d time.Duration) <-chan time.Time
}

// Real delegates to the time package.
type Real struct{}

// New returns the wall clock.
func New() Real {
	return Real{}
}

func (Real) Now() time.Time {
	return time.Now()
}

func (Real) Since(t time.Time) time.Duration {
	return time.Since(t)
}

func (Real) After(d time.Duration) <-chan time.Time {
	return time.After(d)
}
