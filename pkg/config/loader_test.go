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

package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/kadirpekel/hector-gate/pkg/config/provider"
)

// sha256("test")
const testKeyHash = "9f86d081884c7d659a2feaa0c55ad015a3bf4f1b2b0b822cd15d6c15b0f00a08"

const minimalYAML = `
auth:
  enabled: false
`

func writeConfig(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "gate.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

func TestParse_Defaults(t *testing.T) {
	cfg, err := Parse([]byte(minimalYAML))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	if cfg.Server.Address != ":8080" {
		t.Errorf("server.address = %q, want :8080", cfg.Server.Address)
	}
	if !cfg.RateLimit.IsEnabled() {
		t.Error("rate limiting should be enabled by default")
	}
	p := cfg.RateLimit.DefaultPolicy
	if p == nil {
		t.Fatal("expected a default policy when no routes are configured")
	}
	if p.ID != "default" || p.Window != 60*time.Second || p.Limit != 100 {
		t.Errorf("default policy = %+v, want default 100/60s", *p)
	}
	if cfg.Store.Backend != "memory" || cfg.Store.Timeout != 500*time.Millisecond {
		t.Errorf("store = %s/%s, want memory/500ms", cfg.Store.Backend, cfg.Store.Timeout)
	}
	if cfg.RateLimit.FailOpen || cfg.Auth.FailOpen || cfg.RateLimit.UnknownRouteFailOpen {
		t.Error("fail-open flags must default to false")
	}
	if cfg.Logger.Level != "info" || cfg.Logger.Format != "simple" {
		t.Errorf("logger = %s/%s", cfg.Logger.Level, cfg.Logger.Format)
	}
	if !cfg.Observability.Metrics.IsEnabled() || cfg.Observability.Metrics.Namespace != "hector_gate" {
		t.Errorf("metrics = %+v", cfg.Observability.Metrics)
	}
}

func TestParse_FullConfig(t *testing.T) {
	yaml := `
server:
  address: ":9090"
  upstream: http://localhost:3000
auth:
  fail_open: true
  jwt:
    jwks_url: https://auth.example.com/.well-known/jwks.json
    audience: tasks
  api_keys:
    - id: svc-a
      hash: ` + testKeyHash + `
      attributes: {team: payments}
      expires_at: 2030-01-01T00:00:00Z
rate_limit:
  routes:
    "POST /v1/tasks": {window: 1m, limit: 10, burst: 5, algorithm: token_bucket}
    "GET /v1/tasks/{id}": {id: tasks-read, window: 30s, limit: 50}
  fail_open: true
  idle_ttl: 5m
store:
  backend: redis
  timeout: 250ms
  redis:
    url: redis://localhost:6379/1
`
	cfg, err := Parse([]byte(yaml))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	if cfg.RateLimit.DefaultPolicy != nil {
		t.Error("routes without default_policy must not get a default")
	}
	post := cfg.RateLimit.Routes["POST /v1/tasks"]
	if post.Window != time.Minute || post.Limit != 10 || post.Burst != 5 || post.Algorithm != "token_bucket" {
		t.Errorf("POST route = %+v", post)
	}
	if got := cfg.RateLimit.Routes["GET /v1/tasks/{id}"].ID; got != "tasks-read" {
		t.Errorf("route id = %q", got)
	}
	if cfg.RateLimit.IdleTTL != 5*time.Minute || !cfg.RateLimit.FailOpen {
		t.Errorf("rate_limit = %+v", cfg.RateLimit)
	}
	if cfg.Store.Timeout != 250*time.Millisecond || cfg.Store.Redis.KeyPrefix != "ratelimit" {
		t.Errorf("store = %+v", cfg.Store)
	}
	if cfg.Auth.JWT.RefreshInterval != 15*time.Minute {
		t.Errorf("jwt refresh = %s", cfg.Auth.JWT.RefreshInterval)
	}
	key := cfg.Auth.APIKeys[0]
	if key.ExpiresAt != "2030-01-01T00:00:00Z" || key.Attributes["team"] != "payments" {
		t.Errorf("api key = %+v", key)
	}
	if _, err := key.Expiry(); err != nil {
		t.Errorf("Expiry() error = %v", err)
	}
}

func TestParse_JSON(t *testing.T) {
	cfg, err := Parse([]byte(`{"auth": {"enabled": false}, "store": {"backend": "memory", "memory": {"shards": 8}}}`))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if cfg.Store.Memory.Shards != 8 {
		t.Errorf("shards = %d, want 8", cfg.Store.Memory.Shards)
	}
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr string
	}{
		{"invalid syntax", "auth: [unclosed", "failed to parse"},
		{"auth without credentials", "{}", "auth: jwt or api_keys is required"},
		{"bad duration", minimalYAML + "rate_limit:\n  idle_ttl: soon\n", "failed to decode"},
		{"bad algorithm", minimalYAML + "rate_limit:\n  routes:\n    \"GET /a\": {window: 1s, limit: 1, algorithm: leaky}\n", "algorithm"},
		{"zero limit", minimalYAML + "rate_limit:\n  routes:\n    \"GET /a\": {window: 1s, limit: 0}\n", "limit must be positive"},
		{"default window too long", minimalYAML + "rate_limit:\n  default_policy: {window: 2h, limit: 10}\n", "default_policy.window"},
		{"default limit too high", minimalYAML + "rate_limit:\n  default_policy: {window: 1m, limit: 5000}\n", "default_policy.limit"},
		{"unknown backend", minimalYAML + "store:\n  backend: mongo\n", "invalid backend"},
		{"sql without database", minimalYAML + "store:\n  backend: sql\n", "database is required"},
		{"bad upstream", minimalYAML + "server:\n  upstream: ftp://x\n", "upstream"},
		{"bad log level", minimalYAML + "logger:\n  level: loud\n", "invalid log level"},
		{"bad jwks url", "auth:\n  jwt:\n    jwks_url: file:///keys\n", "jwks_url"},
		{"short key hash", "auth:\n  api_keys:\n    - {id: a, hash: abcd}\n", "64 hex"},
		{"duplicate key id", "auth:\n  api_keys:\n    - {id: a, hash: " + testKeyHash + "}\n    - {id: a, hash: " + testKeyHash + "}\n", "duplicated"},
		{"bad sampling rate", minimalYAML + "observability:\n  tracing: {enabled: true, sampling_rate: 2}\n", "sampling_rate"},
		{"bad namespace", minimalYAML + "observability:\n  metrics: {namespace: hector-gate}\n", "namespace"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.input))
			if err == nil {
				t.Fatalf("expected error containing %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %q, want it to contain %q", err, tt.wantErr)
			}
		})
	}
}

func TestParse_DisabledRateLimitSkipsPolicyValidation(t *testing.T) {
	cfg, err := Parse([]byte(minimalYAML + "rate_limit:\n  enabled: false\n  routes:\n    \"GET /a\": {window: 1s, limit: 0}\n"))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if cfg.RateLimit.IsEnabled() {
		t.Error("expected rate limiting to be disabled")
	}
}

func TestLoader_EnvVarExpansion(t *testing.T) {
	t.Setenv("GATE_TEST_REDIS", "redis://cache:6379/0")
	t.Setenv("GATE_TEST_PREFIX", "gate")

	yaml := minimalYAML + `
store:
  backend: redis
  redis:
    url: ${GATE_TEST_REDIS}
    key_prefix: $GATE_TEST_PREFIX
    password: ${GATE_TEST_UNSET:-fallback}
`
	cfg, err := Parse([]byte(yaml))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	r := cfg.Store.Redis
	if r.URL != "redis://cache:6379/0" || r.KeyPrefix != "gate" || r.Password != "fallback" {
		t.Errorf("redis = %+v", r)
	}
}

func TestLoadConfigFile(t *testing.T) {
	path := writeConfig(t, t.TempDir(), minimalYAML)

	cfg, loader, err := LoadConfigFile(context.Background(), path)
	if err != nil {
		t.Fatalf("LoadConfigFile() error = %v", err)
	}
	defer loader.Close()

	if cfg.Auth.IsEnabled() {
		t.Error("expected auth disabled")
	}
	if loader.Provider().Type() != provider.TypeFile {
		t.Errorf("provider = %s", loader.Provider().Type())
	}

	if _, _, err := LoadConfigFile(context.Background(), filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestLoader_Watch(t *testing.T) {
	path := writeConfig(t, t.TempDir(), minimalYAML)

	p, err := provider.NewFileProvider(path)
	if err != nil {
		t.Fatal(err)
	}
	reloaded := make(chan *Config, 4)
	loader := NewLoader(p, WithOnChange(func(cfg *Config) { reloaded <- cfg }))
	defer loader.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- loader.Watch(ctx) }()

	// Give the watcher time to register.
	time.Sleep(200 * time.Millisecond)

	writeConfig(t, filepath.Dir(path), minimalYAML+"rate_limit:\n  default_policy: {window: 1m, limit: 7}\n")
	select {
	case cfg := <-reloaded:
		if cfg.RateLimit.DefaultPolicy.Limit != 7 {
			t.Errorf("reloaded limit = %d, want 7", cfg.RateLimit.DefaultPolicy.Limit)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("config was not reloaded")
	}

	// An invalid config is not passed on.
	writeConfig(t, filepath.Dir(path), "{}")
	select {
	case cfg := <-reloaded:
		t.Fatalf("invalid config was applied: %+v", cfg)
	case <-time.After(500 * time.Millisecond):
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Watch() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Watch did not return after cancel")
	}
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	configPath := writeConfig(t, dir, minimalYAML)
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte("GATE_DOTENV_A=from-config-dir\nGATE_DOTENV_B=from-config-dir\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	explicit := filepath.Join(dir, "explicit.env")
	if err := os.WriteFile(explicit, []byte("GATE_DOTENV_A=explicit\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	t.Setenv("GATE_DOTENV_A", "")
	t.Setenv("GATE_DOTENV_B", "")
	os.Unsetenv("GATE_DOTENV_A")
	os.Unsetenv("GATE_DOTENV_B")

	if err := LoadDotEnv(configPath, explicit); err != nil {
		t.Fatalf("LoadDotEnv() error = %v", err)
	}
	if got := os.Getenv("GATE_DOTENV_A"); got != "explicit" {
		t.Errorf("GATE_DOTENV_A = %q, want explicit", got)
	}
	if got := os.Getenv("GATE_DOTENV_B"); got != "from-config-dir" {
		t.Errorf("GATE_DOTENV_B = %q, want from-config-dir", got)
	}

	if err := LoadDotEnv(configPath, filepath.Join(dir, "missing.env")); err == nil {
		t.Error("expected error for missing explicit env file")
	}
}

func TestDatabaseConfig_DSN(t *testing.T) {
	tests := []struct {
		name string
		cfg  DatabaseConfig
		want string
	}{
		{
			name: "postgres",
			cfg:  DatabaseConfig{Driver: "postgres", Host: "db", Database: "gate", Username: "u", Password: "p"},
			want: "host=db port=5432 dbname=gate user=u password=p sslmode=disable",
		},
		{
			name: "mysql",
			cfg:  DatabaseConfig{Driver: "mysql", Host: "db", Database: "gate", Username: "u", Password: "p"},
			want: "u:p@tcp(db:3306)/gate",
		},
		{
			name: "sqlite",
			cfg:  DatabaseConfig{Driver: "sqlite", Database: "/tmp/gate.db"},
			want: "/tmp/gate.db?_txlock=immediate&_busy_timeout=5000",
		},
		{
			name: "sqlite with params",
			cfg:  DatabaseConfig{Driver: "sqlite3", Database: "gate.db?cache=shared"},
			want: "gate.db?cache=shared&_txlock=immediate&_busy_timeout=5000",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.cfg.SetDefaults()
			if err := tt.cfg.Validate(); err != nil {
				t.Fatalf("Validate() error = %v", err)
			}
			if got := tt.cfg.DSN(); got != tt.want {
				t.Errorf("DSN() = %q, want %q", got, tt.want)
			}
		})
	}

	if (&DatabaseConfig{Driver: "postgres", Database: "gate"}).Validate() == nil {
		t.Error("expected error for postgres without host")
	}
}

func TestDBPool_SharesHandles(t *testing.T) {
	cfg := &DatabaseConfig{Driver: "sqlite", Database: filepath.Join(t.TempDir(), "gate.db")}
	cfg.SetDefaults()

	pool := NewDBPool()
	a, err := pool.Get(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	b, err := pool.Get(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if a != b {
		t.Error("expected the same handle for the same DSN")
	}
	if err := pool.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
	if err := a.Ping(); err == nil {
		t.Error("expected closed handle after pool.Close")
	}
}
