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

package admission

import (
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/kadirpekel/hector-gate/pkg/auth"
)

// HTTP header names used at the boundary.
const (
	HeaderRequestID          = "X-Request-ID"
	HeaderAPIKey             = "X-API-Key"
	HeaderRateLimitLimit     = "X-RateLimit-Limit"
	HeaderRateLimitRemaining = "X-RateLimit-Remaining"
	HeaderRateLimitReset     = "X-RateLimit-Reset"
	HeaderDegraded           = "X-Admission-Degraded"
	HeaderClientKey          = "X-Client-Key"
	HeaderOriginalMethod     = "X-Original-Method"
	HeaderOriginalURI        = "X-Original-URI"
	HeaderForwardedMethod    = "X-Forwarded-Method"
	HeaderForwardedURI       = "X-Forwarded-Uri"
)

// HTTPOptions configures the HTTP boundary.
type HTTPOptions struct {
	// ExcludePaths bypass admission entirely.
	ExcludePaths []string

	// ClientIPCredential uses the client address as the credential. Set it
	// when the pipeline's validator is an auth.Passthrough.
	ClientIPCredential bool

	// Route overrides how the route is derived from a request.
	Route func(r *http.Request) string

	Logger *slog.Logger
}

func (o *HTTPOptions) setDefaults() {
	if o.Route == nil {
		o.Route = RouteFromRequest
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Middleware admits or rejects each request before next runs. Admitted
// requests carry the decision and identity in their context.
//
// Mounted inline on a chi route (r.With(mw).Get(...)), the route is the
// matched pattern such as "GET /v1/tasks/{id}"; elsewhere it is the path.
func Middleware(p *Pipeline, opts HTTPOptions) func(http.Handler) http.Handler {
	opts.setDefaults()
	excluded := make(map[string]bool, len(opts.ExcludePaths))
	for _, path := range opts.ExcludePaths {
		excluded[path] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if excluded[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			credential := CredentialFromRequest(r)
			if opts.ClientIPCredential {
				credential = ClientIP(r)
			}

			ctx := ContextWithRequestID(r.Context(), r.Header.Get(HeaderRequestID))
			d := p.Admit(ctx, credential, opts.Route(r))
			WriteHeaders(w, d)

			if !d.Allowed {
				WriteRejection(w, d)
				return
			}

			ctx = ContextWithDecision(r.Context(), d)
			ctx = auth.ContextWithIdentity(ctx, d.Identity)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// Handler is a forward-auth endpoint for proxies such as nginx auth_request
// or Traefik ForwardAuth. The checked route comes from the original method
// and URI headers set by the proxy. It answers 200 to admit, with the
// client key in X-Client-Key, or the mapped rejection status.
func Handler(p *Pipeline, opts HTTPOptions) http.Handler {
	opts.setDefaults()

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		credential := CredentialFromRequest(r)
		if opts.ClientIPCredential {
			credential = ClientIP(r)
		}

		ctx := ContextWithRequestID(r.Context(), r.Header.Get(HeaderRequestID))
		d := p.Admit(ctx, credential, ForwardedRoute(r))
		WriteHeaders(w, d)

		if !d.Allowed {
			WriteRejection(w, d)
			return
		}
		if key := d.ClientKey(); key != "" {
			w.Header().Set(HeaderClientKey, key)
		}
		w.WriteHeader(http.StatusOK)
	})
}

// CredentialFromRequest reads the Authorization header, with or without a
// Bearer prefix, falling back to X-API-Key.
func CredentialFromRequest(r *http.Request) string {
	if c := auth.ExtractCredential(r.Header.Get("Authorization")); c != "" {
		return c
	}
	return strings.TrimSpace(r.Header.Get(HeaderAPIKey))
}

// RouteFromRequest returns "METHOD pattern" using chi's matched route
// pattern. Unrouted requests and catch-all matches use the request path.
func RouteFromRequest(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" && !strings.HasSuffix(pattern, "*") {
			return r.Method + " " + pattern
		}
	}
	return r.Method + " " + r.URL.Path
}

// ForwardedRoute returns the route of the request a proxy is asking about.
func ForwardedRoute(r *http.Request) string {
	method := firstHeader(r, HeaderOriginalMethod, HeaderForwardedMethod)
	if method == "" {
		method = r.Method
	}
	uri := firstHeader(r, HeaderOriginalURI, HeaderForwardedURI)
	if uri == "" {
		uri = r.URL.Path
	}
	if i := strings.IndexAny(uri, "?#"); i >= 0 {
		uri = uri[:i]
	}
	return strings.ToUpper(method) + " " + uri
}

// ClientIP returns the first X-Forwarded-For address, X-Real-IP, or the
// remote address without its port.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
		return ip
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func firstHeader(r *http.Request, names ...string) string {
	for _, name := range names {
		if v := r.Header.Get(name); v != "" {
			return v
		}
	}
	return ""
}

// WriteHeaders sets the request id, degraded marker and quota headers.
func WriteHeaders(w http.ResponseWriter, d *Decision) {
	h := w.Header()
	h.Set(HeaderRequestID, d.RequestID)
	if d.Degraded {
		h.Set(HeaderDegraded, "true")
	}
	if res := d.Result; res != nil {
		h.Set(HeaderRateLimitLimit, strconv.FormatInt(res.Limit, 10))
		h.Set(HeaderRateLimitRemaining, strconv.FormatInt(res.Remaining, 10))
		h.Set(HeaderRateLimitReset, strconv.FormatInt(res.ResetAt.Unix(), 10))
	}
}

// StatusCode maps a decision to an HTTP status.
func StatusCode(d *Decision) int {
	switch d.Reason {
	case ReasonOK:
		return http.StatusOK
	case ReasonAuthFailed:
		return http.StatusUnauthorized
	case ReasonRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusServiceUnavailable
	}
}

type rejectionBody struct {
	Error     string `json:"error"`
	Reason    Reason `json:"reason"`
	RequestID string `json:"request_id"`
	ResetAt   *int64 `json:"reset_at,omitempty"`
}

var rejectionMessages = map[Reason]string{
	ReasonAuthFailed:       "authentication required",
	ReasonRateLimited:      "rate limit exceeded",
	ReasonStoreUnavailable: "service temporarily unavailable",
}

// WriteRejection writes the status, Retry-After and JSON body for a
// rejected decision.
func WriteRejection(w http.ResponseWriter, d *Decision) {
	h := w.Header()
	switch d.Reason {
	case ReasonAuthFailed:
		// No challenge when the credential was never checked.
		if !d.AuthUnavailable {
			h.Set("WWW-Authenticate", "Bearer")
		}
	case ReasonRateLimited:
		h.Set("Retry-After", strconv.FormatInt(d.RetryAfterSeconds(), 10))
	}
	h.Set("Content-Type", "application/json")
	w.WriteHeader(StatusCode(d))

	msg := rejectionMessages[d.Reason]
	if d.AuthUnavailable {
		msg = "credential verification unavailable"
	}
	body := rejectionBody{
		Error:     msg,
		Reason:    d.Reason,
		RequestID: d.RequestID,
	}
	if d.Result != nil {
		reset := d.Result.ResetAt.Unix()
		body.ResetAt = &reset
	}
	_ = json.NewEncoder(w).Encode(body)
}
