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

// Package gate is an admission control layer for HTTP and gRPC services.
//
// Every request passes two stages. AUTH validates the caller's credential
// (a JWT checked against a JWKS endpoint, or an API key) and yields an
// identity. RATE_LIMIT charges that identity against the quota policy of the
// requested route in a shared quota store (memory, Redis or SQL). The result
// is a single decision: admitted, or rejected as AUTH_FAILED, RATE_LIMITED
// or STORE_UNAVAILABLE.
//
// # Quick Start
//
//	gate.yaml
//	auth:
//	  api_keys:
//	    - id: billing
//	      hash: "${BILLING_KEY_HASH}"
//	rate_limit:
//	  default_policy: {window: 60s, limit: 100}
//	  routes:
//	    "POST /v1/tasks": {window: 60s, limit: 10, burst: 5, algorithm: token_bucket}
//	server:
//	  upstream: http://localhost:9000
//
// Start the gate:
//
//	hector-gate serve --config gate.yaml
//
// # Using as Go Library
//
//	import (
//	    "github.com/kadirpekel/hector-gate/pkg/admission"
//	    "github.com/kadirpekel/hector-gate/pkg/auth"
//	    "github.com/kadirpekel/hector-gate/pkg/ratelimit"
//	)
//
// Build a validator and a limiter, then wrap handlers with
// admission.Middleware or gRPC servers with admission.UnaryServerInterceptor.
package gate
