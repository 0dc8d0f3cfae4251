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

package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/hector-gate/pkg/admission"
	"github.com/kadirpekel/hector-gate/pkg/auth"
	"github.com/kadirpekel/hector-gate/pkg/config"
	"github.com/kadirpekel/hector-gate/pkg/observability"
	"github.com/kadirpekel/hector-gate/pkg/ratelimit"
)

type upstream struct {
	*httptest.Server
	hits      atomic.Int64
	clientKey atomic.Value
}

func newUpstream(t *testing.T) *upstream {
	t.Helper()
	u := &upstream{}
	u.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u.hits.Add(1)
		u.clientKey.Store(r.Header.Get(admission.HeaderClientKey))
		_, _ = fmt.Fprintf(w, "upstream %s %s", r.Method, r.URL.Path)
	}))
	t.Cleanup(u.Close)
	return u
}

func newTestServer(t *testing.T, upstreamURL string) (*Server, *admission.Pipeline) {
	t.Helper()
	cfg, err := config.Parse([]byte(fmt.Sprintf(`
server:
  upstream: %q
auth:
  enabled: false
rate_limit:
  default_policy: {window: 60s, limit: 100}
  routes:
    "GET /v1/items/{id}": {id: items, window: 60s, limit: 2}
`, upstreamURL)))
	require.NoError(t, err)

	store := ratelimit.NewMemoryStore()
	t.Cleanup(func() { _ = store.Close() })
	limiter, err := ratelimit.NewLimiter(store)
	require.NoError(t, err)
	policies, err := ratelimit.NewPolicySetFromConfig(&cfg.RateLimit)
	require.NoError(t, err)

	p, err := admission.New(auth.Passthrough{Prefix: auth.ClientIPPrefix}, limiter, policies, admission.Options{})
	require.NoError(t, err)

	metrics, err := observability.NewMetrics(&cfg.Observability.Metrics)
	require.NoError(t, err)

	s, err := New(Options{Config: cfg, Pipeline: p, Store: store, Metrics: metrics})
	require.NoError(t, err)
	return s, p
}

func serve(s http.Handler, method, target string, header http.Header) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	for k, vv := range header {
		for _, v := range vv {
			req.Header.Add(k, v)
		}
	}
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	return rec
}

func TestServer_ProxyEnforcesRoutePolicy(t *testing.T) {
	up := newUpstream(t)
	s, _ := newTestServer(t, up.URL)

	// Both paths match the same pattern and share its quota.
	rec := serve(s, http.MethodGet, "/v1/items/1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "upstream GET /v1/items/1", rec.Body.String())
	assert.Equal(t, "2", rec.Header().Get(admission.HeaderRateLimitLimit))
	assert.Equal(t, "1", rec.Header().Get(admission.HeaderRateLimitRemaining))
	assert.Equal(t, "ip:192.0.2.1", up.clientKey.Load())

	rec = serve(s, http.MethodGet, "/v1/items/2", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = serve(s, http.MethodGet, "/v1/items/3", nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
	assert.Equal(t, int64(2), up.hits.Load())

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "RATE_LIMITED", body["reason"])
}

func TestServer_OtherMethodsUseDefaultPolicy(t *testing.T) {
	up := newUpstream(t)
	s, _ := newTestServer(t, up.URL)

	for i := 0; i < 3; i++ {
		rec := serve(s, http.MethodPost, "/v1/items/1", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "100", rec.Header().Get(admission.HeaderRateLimitLimit))
	}

	rec := serve(s, http.MethodGet, "/unlisted/path", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "upstream GET /unlisted/path", rec.Body.String())
}

func TestServer_CallerCannotSpoofClientKey(t *testing.T) {
	up := newUpstream(t)
	s, _ := newTestServer(t, up.URL)

	rec := serve(s, http.MethodGet, "/anything", http.Header{admission.HeaderClientKey: {"admin"}})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ip:192.0.2.1", up.clientKey.Load())
}

func TestServer_OperationalEndpointsBypassAdmission(t *testing.T) {
	up := newUpstream(t)
	s, _ := newTestServer(t, up.URL)

	rec := serve(s, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Header().Get(admission.HeaderRateLimitLimit))
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())

	rec = serve(s, http.MethodGet, "/ready", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = serve(s, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Zero(t, up.hits.Load())
}

func TestServer_ForwardAuth(t *testing.T) {
	s, _ := newTestServer(t, "")

	rec := serve(s, http.MethodGet, AdmitPath, http.Header{
		admission.HeaderOriginalMethod: {"POST"},
		admission.HeaderOriginalURI:    {"/v1/orders?page=2"},
		"X-Forwarded-For":              {"198.51.100.7"},
	})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ip:198.51.100.7", rec.Header().Get(admission.HeaderClientKey))
	assert.NotEmpty(t, rec.Header().Get(admission.HeaderRequestID))

	// Without an upstream, other paths are not proxied.
	rec = serve(s, http.MethodGet, "/v1/items/1", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_ReloadAppliesNewRoutes(t *testing.T) {
	up := newUpstream(t)
	s, p := newTestServer(t, up.URL)

	policies, err := ratelimit.NewPolicySet(map[string]ratelimit.Policy{
		"GET /v2/things/{id}": {ID: "things", Window: time.Minute, Limit: 1},
	}, &ratelimit.Policy{ID: "default", Window: time.Minute, Limit: 100})
	require.NoError(t, err)
	p.SetPolicies(policies)
	require.NoError(t, s.Reload())

	rec := serve(s, http.MethodGet, "/v2/things/a", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = serve(s, http.MethodGet, "/v2/things/b", nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestMount_RecoversMalformedPattern(t *testing.T) {
	assert.NoError(t, mount(chi.NewRouter(), "/ok/{id}", http.NotFoundHandler()))
	assert.Error(t, mount(chi.NewRouter(), "no-leading-slash", http.NotFoundHandler()))
}

func TestHTTPPattern(t *testing.T) {
	tests := []struct {
		route   string
		pattern string
		ok      bool
	}{
		{"GET /v1/tasks/{id}", "/v1/tasks/{id}", true},
		{"post /v1/tasks", "/v1/tasks", true},
		{"/pkg.Service/Method", "", false},
		{"*", "", false},
		{"FETCH /x", "", false},
		{"GET v1", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.route, func(t *testing.T) {
			pattern, ok := httpPattern(tt.route)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.pattern, pattern)
		})
	}
}

func TestServer_ServeShutsDownOnCancel(t *testing.T) {
	s, _ := newTestServer(t, "")

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, ln) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + ln.Addr().String() + "/health")
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}
