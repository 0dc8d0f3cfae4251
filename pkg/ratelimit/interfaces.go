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
	"time"
)

// Store holds quota buckets.
//
// CheckAndIncrement must be linearizable per BucketKey: concurrent calls for
// the same key are applied one at a time and each caller sees the state its
// own call produced. Failures are reported as *StoreError and never as a
// zero count.
type Store interface {
	// CheckAndIncrement evaluates one request at time now and, if allowed,
	// counts it in the same atomic step.
	CheckAndIncrement(ctx context.Context, key BucketKey, p *Policy, now time.Time) (*Bucket, error)

	// EvictIdle removes buckets that saw no traffic for longer than ttl (or
	// their policy's settle time, whichever is longer) and returns their keys.
	EvictIdle(ctx context.Context, ttl time.Duration, now time.Time) ([]BucketKey, error)

	// Close releases resources held by the store.
	Close() error
}

// Ensure interface compliance at compile time.
var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*RedisStore)(nil)
	_ Store = (*SQLStore)(nil)
)
