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

// Package ratelimit enforces per-client quota policies.
//
// A Policy allows Limit requests (plus Burst) per Window using one of three
// algorithms: a fixed window (the default), a sliding window, or a token
// bucket. Bucket state lives in a Store, keyed by client and policy:
//
//   - MemoryStore: sharded in-process state for a single replica.
//   - RedisStore: one Lua script per check, shared by all replicas.
//   - SQLStore: a row lock per bucket in Postgres, MySQL or SQLite.
//
// # Basic Usage
//
//	store := ratelimit.NewMemoryStore()
//	limiter, err := ratelimit.NewLimiter(store)
//
//	policies, err := ratelimit.NewPolicySet(map[string]ratelimit.Policy{
//	    "POST /v1/tasks": {Window: time.Minute, Limit: 10},
//	}, &ratelimit.Policy{ID: "default", Window: time.Minute, Limit: 100})
//
//	policy, err := policies.Lookup("POST /v1/tasks")
//	result, err := limiter.Check(ctx, identity, policy)
//	if err != nil {
//	    // The store failed; apply the fail-open or fail-closed rule.
//	}
//	if !result.Allowed {
//	    // Reject, advertising *result.RetryAfter.
//	}
//
// # Idle Buckets
//
// A Sweeper periodically removes buckets that have been idle for longer than
// both the idle TTL and their policy's settle time, after which a bucket is
// indistinguishable from a fresh one. Redis expires keys on its own.
package ratelimit
