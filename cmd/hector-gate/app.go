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

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"slices"

	"github.com/kadirpekel/hector-gate/pkg/admission"
	"github.com/kadirpekel/hector-gate/pkg/auth"
	"github.com/kadirpekel/hector-gate/pkg/config"
	"github.com/kadirpekel/hector-gate/pkg/observability"
	"github.com/kadirpekel/hector-gate/pkg/ratelimit"
	"github.com/kadirpekel/hector-gate/pkg/server"
)

// gateApp holds every long-lived component of a running gate.
type gateApp struct {
	cfg    *config.Config
	logger *slog.Logger

	// seen is the last config received, so a pending restart-only change
	// is reported once rather than on every reload.
	seen *config.Config

	tracer   *observability.Tracer
	metrics  *observability.Metrics
	pool     *config.DBPool
	store    ratelimit.Store
	pipeline *admission.Pipeline
	server   *server.Server
	sweeper  *ratelimit.Sweeper

	closeAuth func()
}

// newGateApp wires the configured components. On error everything created
// so far is released.
func newGateApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (app *gateApp, err error) {
	app = &gateApp{cfg: cfg, seen: cfg, logger: logger, closeAuth: func() {}}
	defer func() {
		if err != nil {
			app.Close(context.Background())
			app = nil
		}
	}()

	if app.tracer, err = observability.NewTracer(ctx, &cfg.Observability.Tracing); err != nil {
		return app, fmt.Errorf("failed to initialize tracing: %w", err)
	}
	if app.metrics, err = observability.NewMetrics(&cfg.Observability.Metrics); err != nil {
		return app, fmt.Errorf("failed to initialize metrics: %w", err)
	}
	observer := admission.Observers{observability.NewEventLogger(logger), app.metrics}

	validator, closeAuth, err := auth.NewValidatorFromConfig(ctx, &cfg.Auth, auth.WithJWTLogger(logger))
	if err != nil {
		return app, fmt.Errorf("failed to create credential validator: %w", err)
	}
	app.closeAuth = closeAuth

	var (
		limiter  *ratelimit.Limiter
		policies *ratelimit.PolicySet
	)
	if cfg.RateLimit.IsEnabled() {
		app.pool = config.NewDBPool()
		if app.store, err = ratelimit.NewStoreFromConfig(ctx, &cfg.Store, &cfg.RateLimit, app.pool); err != nil {
			return app, err
		}
		if limiter, err = ratelimit.NewLimiter(app.store, ratelimit.WithStoreTimeout(cfg.Store.Timeout)); err != nil {
			return app, err
		}
		if policies, err = ratelimit.NewPolicySetFromConfig(&cfg.RateLimit); err != nil {
			return app, fmt.Errorf("invalid rate limit policies: %w", err)
		}
	} else {
		logger.Warn("Rate limiting is disabled")
	}

	app.pipeline, err = admission.New(validator, limiter, policies, admission.Options{
		AuthFailOpen:         cfg.Auth.FailOpen,
		StoreFailOpen:        cfg.RateLimit.FailOpen,
		UnknownRouteFailOpen: cfg.RateLimit.UnknownRouteFailOpen,
		Observer:             observer,
		Logger:               logger,
		Tracer:               app.tracer.Tracer(),
	})
	if err != nil {
		return app, err
	}

	app.server, err = server.New(server.Options{
		Config:   cfg,
		Pipeline: app.pipeline,
		Metrics:  app.metrics,
		Tracer:   app.tracer,
		Store:    app.store,
		Logger:   logger,
	})
	if err != nil {
		return app, err
	}

	if app.store != nil {
		app.sweeper = &ratelimit.Sweeper{
			Store:    app.store,
			IdleTTL:  cfg.RateLimit.IdleTTL,
			Interval: cfg.RateLimit.SweepInterval,
			Logger:   logger,
			OnEvict:  observer.BucketEvicted,
		}
	}

	logger.Info("Admission gate configured",
		"auth", cfg.Auth.IsEnabled(),
		"store", cfg.Store.Backend,
		"routes", len(cfg.RateLimit.Routes),
		"auth_fail_open", cfg.Auth.FailOpen,
		"store_fail_open", cfg.RateLimit.FailOpen)
	return app, nil
}

// reload applies a changed config. Only route policies take effect; other
// changes are reported and wait for a restart.
func (a *gateApp) reload(cfg *config.Config) {
	fresh := ignoredChanges(a.seen, cfg)
	for _, section := range ignoredChanges(a.cfg, cfg) {
		if slices.Contains(fresh, section) {
			a.logger.Warn("Config change requires a restart, ignoring", "section", section)
		}
	}
	a.seen = cfg

	if a.pipeline.Policies() == nil {
		return
	}
	policies, err := ratelimit.NewPolicySetFromConfig(&cfg.RateLimit)
	if err != nil {
		a.logger.Error("Invalid policies in reloaded config, keeping previous", "error", err)
		return
	}
	a.pipeline.SetPolicies(policies)
	if err := a.server.Reload(); err != nil {
		a.logger.Error("Failed to rebuild routes", "error", err)
		return
	}
	a.logger.Info("Route policies reloaded", "routes", len(policies.Routes()))
}

// ignoredChanges lists the sections of next that differ from prev in ways
// a reload cannot apply.
func ignoredChanges(prev, next *config.Config) []string {
	var sections []string
	if !reflect.DeepEqual(prev.Auth, next.Auth) {
		sections = append(sections, "auth")
	}
	if !reflect.DeepEqual(prev.Store, next.Store) {
		sections = append(sections, "store")
	}
	if prev.RateLimit.IsEnabled() != next.RateLimit.IsEnabled() {
		sections = append(sections, "rate_limit.enabled")
	}
	if prev.RateLimit.FailOpen != next.RateLimit.FailOpen {
		sections = append(sections, "rate_limit.fail_open")
	}
	if prev.RateLimit.UnknownRouteFailOpen != next.RateLimit.UnknownRouteFailOpen {
		sections = append(sections, "rate_limit.unknown_route_fail_open")
	}
	if !reflect.DeepEqual(prev.Server, next.Server) {
		sections = append(sections, "server")
	}
	return sections
}

// Close releases every component in reverse order of creation.
func (a *gateApp) Close(ctx context.Context) error {
	var errs []error
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	if a.pool != nil {
		errs = append(errs, a.pool.Close())
	}
	a.closeAuth()
	errs = append(errs, a.metrics.Shutdown(ctx), a.tracer.Shutdown(ctx))
	return errors.Join(errs...)
}
