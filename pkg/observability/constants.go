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

// Package observability turns admission events into logs, metrics and traces.
package observability

// Span and attribute names.
const (
	SpanHTTPRequest = "http.request"

	AttrHTTPMethod       = "http.request.method"
	AttrHTTPRoute        = "http.route"
	AttrHTTPStatusCode   = "http.response.status_code"
	AttrHTTPResponseSize = "http.response.body.size"
	AttrErrorType        = "error.type"

	meterName = "github.com/kadirpekel/hector-gate"
)
