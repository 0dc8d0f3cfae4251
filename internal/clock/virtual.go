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

package clock

import (
	"sync"
	"time"
)

// Virtual is a manually advanced clock for deterministic tests.
//
// Safe for concurrent use.
type Virtual struct {
	mu      sync.RWMutex
	current time.Time
	waiters []waiter
}

type waiter struct {
	deadline time.Time
	ch       chan time.Time
}

// NewVirtual creates a Virtual clock starting at start.
func NewVirtual(start time.Time) *Virtual {
	return &Virtual{current: start}
}

func (c *Virtual) Now() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.current
}

func (c *Virtual) Since(t time.Time) time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.current.Sub(t)
}

// After fires once the clock is advanced to or past now+d.
func (c *Virtual) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch := make(chan time.Time, 1)
	if d <= 0 {
		ch <- c.current
		return ch
	}
	c.waiters = append(c.waiters, waiter{deadline: c.current.Add(d), ch: ch})
	return ch
}

// Advance moves the clock forward by d. Panics if d is negative.
func (c *Virtual) Advance(d time.Duration) {
	if d < 0 {
		panic("clock: cannot advance by negative duration")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = c.current.Add(d)
	c.fire()
}

// Set moves the clock to t. Panics if t is before the current time.
func (c *Virtual) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t.Before(c.current) {
		panic("clock: cannot set time to the past")
	}
	c.current = t
	c.fire()
}

// Waiters reports how many After channels are still pending.
func (c *Virtual) Waiters() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.waiters)
}

// fire must be called with c.mu held.
func (c *Virtual) fire() {
	remaining := c.waiters[:0]
	for _, w := range c.waiters {
		if !w.deadline.After(c.current) {
			w.ch <- c.current
			continue
		}
		remaining = append(remaining, w)
	}
	c.waiters = remaining
}

var (
	_ Clock = Real{}
	_ Clock = (*Virtual)(nil)
)
