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
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/hector-gate/pkg/auth"
	"github.com/kadirpekel/hector-gate/pkg/ratelimit"
)

func newItemsRouter(p *Pipeline, seen *[]string) http.Handler {
	r := chi.NewRouter()
	r.With(Middleware(p, HTTPOptions{})).Get("/items/{id}", func(w http.ResponseWriter, r *http.Request) {
		d := DecisionFromContext(r.Context())
		id, _ := auth.IdentityFromContext(r.Context())
		if d != nil && seen != nil {
			*seen = append(*seen, d.Route+" "+id.ClientKey())
		}
		w.WriteHeader(http.StatusNoContent)
	})
	return r
}

func get(h http.Handler, path string, header http.Header) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for k, vv := range header {
		for _, v := range vv {
			req.Header.Add(k, v)
		}
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func bearer(token string) http.Header {
	return http.Header{"Authorization": {"Bearer " + token}}
}

func TestMiddleware_EnforcesRoutePolicy(t *testing.T) {
	f := newFixture(t, Options{}, nil)
	var seen []string
	h := newItemsRouter(f.pipeline, &seen)
	reset := strconv.FormatInt(epoch.Add(time.Minute).Unix(), 10)

	for i, remaining := range []string{"1", "0"} {
		rec := get(h, "/items/"+strconv.Itoa(i), bearer("key-alice"))
		require.Equal(t, http.StatusNoContent, rec.Code)
		assert.Equal(t, "2", rec.Header().Get(HeaderRateLimitLimit))
		assert.Equal(t, remaining, rec.Header().Get(HeaderRateLimitRemaining))
		assert.Equal(t, reset, rec.Header().Get(HeaderRateLimitReset))
		assert.NotEmpty(t, rec.Header().Get(HeaderRequestID))
	}
	assert.Equal(t, []string{itemsRoute + " key:alice", itemsRoute + " key:alice"}, seen)

	rec := get(h, "/items/9", bearer("key-alice"))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "RATE_LIMITED", body["reason"])
	assert.Equal(t, "rate limit exceeded", body["error"])
	assert.Equal(t, rec.Header().Get(HeaderRequestID), body["request_id"])
	assert.EqualValues(t, epoch.Add(time.Minute).Unix(), body["reset_at"])

	// API key header works as well as a bearer token.
	rec = get(h, "/items/1", http.Header{HeaderAPIKey: {"key-bob"}})
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestMiddleware_Rejections(t *testing.T) {
	tests := []struct {
		name       string
		opts       Options
		closeStore bool
		header     http.Header
		wantStatus int
		wantReason string
		wantAuth   string
		wantDegr   string
	}{
		{
			name: "missing credential", header: nil,
			wantStatus: http.StatusUnauthorized, wantReason: "AUTH_FAILED", wantAuth: "Bearer",
		},
		{
			name: "invalid credential", header: bearer("bogus"),
			wantStatus: http.StatusUnauthorized, wantReason: "AUTH_FAILED", wantAuth: "Bearer",
		},
		{
			name: "credential source down", header: bearer("down"),
			wantStatus: http.StatusUnauthorized, wantReason: "AUTH_FAILED",
		},
		{
			name: "store unavailable", header: bearer("key-a"), closeStore: true,
			wantStatus: http.StatusServiceUnavailable, wantReason: "STORE_UNAVAILABLE",
		},
		{
			name: "store unavailable fail open", header: bearer("key-a"), closeStore: true,
			opts:       Options{StoreFailOpen: true},
			wantStatus: http.StatusNoContent, wantDegr: "true",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, tt.opts, nil)
			if tt.closeStore {
				require.NoError(t, f.store.Close())
			}
			rec := get(newItemsRouter(f.pipeline, nil), "/items/1", tt.header)

			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Equal(t, tt.wantAuth, rec.Header().Get("WWW-Authenticate"))
			assert.Equal(t, tt.wantDegr, rec.Header().Get(HeaderDegraded))
			assert.Empty(t, rec.Header().Get("Retry-After"))
			assert.Empty(t, rec.Header().Get(HeaderRateLimitLimit))
			if tt.wantReason != "" {
				var body rejectionBody
				require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
				assert.Equal(t, Reason(tt.wantReason), body.Reason)
				assert.Nil(t, body.ResetAt)
			}
		})
	}
}

func TestMiddleware_RequestIDAndExclusions(t *testing.T) {
	f := newFixture(t, Options{}, &ratelimit.Policy{ID: "default", Window: time.Minute, Limit: 10})
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	h := Middleware(f.pipeline, HTTPOptions{ExcludePaths: []string{"/health"}})(next)

	rec := get(h, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Header().Get(HeaderRequestID))
	assert.Empty(t, f.events.decisions)

	rec = get(h, "/anything", http.Header{
		"Authorization": {"Bearer key-a"},
		HeaderRequestID: {"abc-123"},
	})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "abc-123", rec.Header().Get(HeaderRequestID))
	assert.Equal(t, "GET /anything", f.events.last().Route)
}

func TestMiddleware_ClientIPCredential(t *testing.T) {
	limiter, err := ratelimit.NewLimiter(ratelimit.NewMemoryStore())
	require.NoError(t, err)
	policies, err := ratelimit.NewPolicySet(nil, &ratelimit.Policy{ID: "default", Window: time.Minute, Limit: 1})
	require.NoError(t, err)
	p, err := New(auth.Passthrough{Prefix: auth.ClientIPPrefix}, limiter, policies, Options{})
	require.NoError(t, err)

	var keys []string
	h := Middleware(p, HTTPOptions{ClientIPCredential: true})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		keys = append(keys, DecisionFromContext(r.Context()).ClientKey())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.7:4711"
	req.Header.Set("Authorization", "Bearer ignored")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"ip:192.0.2.7"}, keys)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestHandler_ForwardAuth(t *testing.T) {
	f := newFixture(t, Options{}, &ratelimit.Policy{ID: "default", Window: time.Minute, Limit: 1})
	h := Handler(f.pipeline, HTTPOptions{})

	forward := func(credential string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/admit", nil)
		req.Header.Set(HeaderOriginalMethod, "post")
		req.Header.Set(HeaderOriginalURI, "/orders/7?expand=true")
		if credential != "" {
			req.Header.Set(HeaderAPIKey, credential)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	rec := forward("key-carol")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "key:carol", rec.Header().Get(HeaderClientKey))
	assert.Equal(t, "POST /orders/7", f.events.last().Route)
	assert.Empty(t, rec.Body.String())

	rec = forward("key-carol")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Empty(t, rec.Header().Get(HeaderClientKey))

	rec = forward("")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestForwardedRoute(t *testing.T) {
	tests := []struct {
		name   string
		header map[string]string
		want   string
	}{
		{name: "request itself", want: "GET /admit"},
		{name: "nginx", header: map[string]string{HeaderOriginalMethod: "DELETE", HeaderOriginalURI: "/a/b?x=1"}, want: "DELETE /a/b"},
		{name: "traefik", header: map[string]string{HeaderForwardedMethod: "put", HeaderForwardedURI: "/c#frag"}, want: "PUT /c"},
		{name: "uri only", header: map[string]string{HeaderForwardedURI: "/d"}, want: "GET /d"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/admit", nil)
			for k, v := range tt.header {
				req.Header.Set(k, v)
			}
			assert.Equal(t, tt.want, ForwardedRoute(req))
		})
	}
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name   string
		remote string
		header map[string]string
		want   string
	}{
		{name: "remote addr", remote: "198.51.100.1:1234", want: "198.51.100.1"},
		{name: "remote without port", remote: "198.51.100.1", want: "198.51.100.1"},
		{name: "forwarded for", remote: "10.0.0.1:1", header: map[string]string{"X-Forwarded-For": "203.0.113.5, 10.0.0.2"}, want: "203.0.113.5"},
		{name: "real ip", remote: "10.0.0.1:1", header: map[string]string{"X-Real-IP": " 203.0.113.9 "}, want: "203.0.113.9"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remote
			for k, v := range tt.header {
				req.Header.Set(k, v)
			}
			assert.Equal(t, tt.want, ClientIP(req))
		})
	}
}

func TestCredentialFromRequest(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	assert.Empty(t, CredentialFromRequest(req))

	req.Header.Set(HeaderAPIKey, " key-x ")
	assert.Equal(t, "key-x", CredentialFromRequest(req))

	req.Header.Set("Authorization", "bearer tok")
	assert.Equal(t, "tok", CredentialFromRequest(req))
}

func TestRouteFromRequest(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/plain/path", nil)
	assert.Equal(t, "POST /plain/path", RouteFromRequest(req))

	var got string
	r := chi.NewRouter()
	r.Route("/api", func(r chi.Router) {
		r.With(func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
				got = RouteFromRequest(req)
				next.ServeHTTP(w, req)
			})
		}).Get("/users/{id}", func(http.ResponseWriter, *http.Request) {})
	})
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/users/42", nil))
	assert.Equal(t, "GET /api/users/{id}", got)
}

func TestStatusCode(t *testing.T) {
	assert.Equal(t, http.StatusOK, StatusCode(&Decision{Reason: ReasonOK}))
	assert.Equal(t, http.StatusUnauthorized, StatusCode(&Decision{Reason: ReasonAuthFailed}))
	assert.Equal(t, http.StatusTooManyRequests, StatusCode(&Decision{Reason: ReasonRateLimited}))
	assert.Equal(t, http.StatusServiceUnavailable, StatusCode(&Decision{Reason: ReasonStoreUnavailable}))
}

func TestDecisionContext(t *testing.T) {
	assert.Nil(t, DecisionFromContext(context.Background()))
	d := &Decision{RequestID: "x"}
	assert.Same(t, d, DecisionFromContext(ContextWithDecision(context.Background(), d)))
}
