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

package observability

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/kadirpekel/hector-gate/pkg/admission"
	"github.com/kadirpekel/hector-gate/pkg/config"
	"github.com/kadirpekel/hector-gate/pkg/ratelimit"
)

// Metrics records admission events as OpenTelemetry instruments exported in
// Prometheus format. A nil *Metrics records nothing.
type Metrics struct {
	registry *prometheus.Registry
	provider *sdkmetric.MeterProvider

	decisions     metric.Int64Counter
	duration      metric.Float64Histogram
	authFailures  metric.Int64Counter
	storeFailures metric.Int64Counter
	evictions     metric.Int64Counter
	httpRequests  metric.Int64Counter
	httpDuration  metric.Float64Histogram
}

// NewMetrics creates the instruments on a private Prometheus registry.
// It returns nil when metrics are disabled.
func NewMetrics(cfg *config.MetricsConfig) (*Metrics, error) {
	if cfg == nil || !cfg.IsEnabled() {
		return nil, nil
	}

	registry := prometheus.NewRegistry()
	exporter, err := otelprom.New(
		otelprom.WithRegisterer(registry),
		otelprom.WithNamespace(cfg.Namespace),
		otelprom.WithoutScopeInfo(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	meter := provider.Meter(meterName)
	m := &Metrics{registry: registry, provider: provider}

	if m.decisions, err = meter.Int64Counter("admission_decisions",
		metric.WithDescription("Admission decisions by reason")); err != nil {
		return nil, fmt.Errorf("failed to create decisions counter: %w", err)
	}
	if m.duration, err = meter.Float64Histogram("admission_decision_duration",
		metric.WithDescription("Time to reach an admission decision"),
		metric.WithUnit("s")); err != nil {
		return nil, fmt.Errorf("failed to create decision duration histogram: %w", err)
	}
	if m.authFailures, err = meter.Int64Counter("auth_failures",
		metric.WithDescription("Credential validation failures by kind")); err != nil {
		return nil, fmt.Errorf("failed to create auth failures counter: %w", err)
	}
	if m.storeFailures, err = meter.Int64Counter("store_failures",
		metric.WithDescription("Quota store failures")); err != nil {
		return nil, fmt.Errorf("failed to create store failures counter: %w", err)
	}
	if m.evictions, err = meter.Int64Counter("buckets_evicted",
		metric.WithDescription("Idle quota buckets evicted")); err != nil {
		return nil, fmt.Errorf("failed to create evictions counter: %w", err)
	}
	if m.httpRequests, err = meter.Int64Counter("http_requests",
		metric.WithDescription("HTTP requests served")); err != nil {
		return nil, fmt.Errorf("failed to create http requests counter: %w", err)
	}
	if m.httpDuration, err = meter.Float64Histogram("http_request_duration",
		metric.WithDescription("HTTP request duration"),
		metric.WithUnit("s")); err != nil {
		return nil, fmt.Errorf("failed to create http duration histogram: %w", err)
	}

	return m, nil
}

// Handler serves the registry in Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Shutdown stops the meter provider.
func (m *Metrics) Shutdown(ctx context.Context) error {
	if m == nil {
		return nil
	}
	return m.provider.Shutdown(ctx)
}

func (m *Metrics) DecisionMade(ctx context.Context, ev admission.DecisionEvent) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("reason", string(ev.Reason)),
		attribute.String("stage", string(ev.Stage)),
		attribute.Bool("degraded", ev.Degraded),
	)
	m.decisions.Add(ctx, 1, attrs)
	m.duration.Record(ctx, ev.Duration.Seconds(), metric.WithAttributes(attribute.String("reason", string(ev.Reason))))

	if ev.AuthKind != "" {
		m.authFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", string(ev.AuthKind))))
	}
}

func (m *Metrics) StoreUnavailable(ctx context.Context, ev admission.StoreEvent) {
	if m == nil {
		return
	}
	m.storeFailures.Add(ctx, 1, metric.WithAttributes(
		attribute.String("backend", ev.Backend),
		attribute.String("kind", string(ev.Kind)),
		attribute.Bool("fail_open", ev.FailOpen),
	))
}

func (m *Metrics) BucketEvicted(ctx context.Context, _ ratelimit.BucketKey) {
	if m == nil {
		return
	}
	m.evictions.Add(ctx, 1)
}

// RecordHTTPRequest records one served HTTP request.
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, route string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("route", route),
		attribute.String("status", strconv.Itoa(status)),
	)
	m.httpRequests.Add(ctx, 1, attrs)
	m.httpDuration.Record(ctx, duration.Seconds(), attrs)
}

var _ admission.Observer = (*Metrics)(nil)
