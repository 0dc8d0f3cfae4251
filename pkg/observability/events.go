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
	"log/slog"

	"github.com/kadirpekel/hector-gate/pkg/admission"
	"github.com/kadirpekel/hector-gate/pkg/ratelimit"
)

// EventLogger writes admission events to a structured logger. Credentials
// never appear in its output; only their fingerprint does.
type EventLogger struct {
	logger *slog.Logger
}

// NewEventLogger returns an EventLogger writing to logger, or to the default
// logger when nil.
func NewEventLogger(logger *slog.Logger) *EventLogger {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventLogger{logger: logger}
}

func (l *EventLogger) DecisionMade(ctx context.Context, ev admission.DecisionEvent) {
	attrs := []slog.Attr{
		slog.String("request_id", ev.RequestID),
		slog.String("route", ev.Route),
		slog.String("reason", string(ev.Reason)),
		slog.String("stage", string(ev.Stage)),
		slog.Duration("duration", ev.Duration),
	}
	if ev.ClientKey != "" {
		attrs = append(attrs, slog.String("client_key", ev.ClientKey))
	}
	if ev.Fingerprint != "" {
		attrs = append(attrs, slog.String("credential", ev.Fingerprint))
	}
	if ev.PolicyID != "" {
		attrs = append(attrs,
			slog.String("policy", ev.PolicyID),
			slog.String("algorithm", string(ev.Algorithm)),
			slog.Int64("limit", ev.Limit),
			slog.Int64("remaining", ev.Remaining),
		)
	}
	if ev.AuthKind != "" {
		attrs = append(attrs, slog.String("auth_failure", string(ev.AuthKind)))
	}
	if ev.RetryAfter > 0 {
		attrs = append(attrs, slog.Duration("retry_after", ev.RetryAfter))
	}
	if ev.Degraded {
		attrs = append(attrs, slog.Bool("degraded", true))
	}
	if ev.Err != nil {
		attrs = append(attrs, slog.String("error", ev.Err.Error()))
	}

	switch {
	case ev.Degraded:
		l.logger.LogAttrs(ctx, slog.LevelWarn, "Request admitted in degraded mode", attrs...)
	case ev.Allowed:
		l.logger.LogAttrs(ctx, slog.LevelDebug, "Request admitted", attrs...)
	default:
		l.logger.LogAttrs(ctx, slog.LevelInfo, "Request rejected", attrs...)
	}
}

func (l *EventLogger) StoreUnavailable(ctx context.Context, ev admission.StoreEvent) {
	l.logger.LogAttrs(ctx, slog.LevelError, "Quota store unavailable",
		slog.String("request_id", ev.RequestID),
		slog.String("client_key", ev.Key.ClientKey),
		slog.String("policy", ev.Key.PolicyID),
		slog.String("backend", ev.Backend),
		slog.String("op", ev.Op),
		slog.String("kind", string(ev.Kind)),
		slog.Bool("fail_open", ev.FailOpen),
		slog.Any("error", ev.Err),
	)
}

func (l *EventLogger) BucketEvicted(ctx context.Context, key ratelimit.BucketKey) {
	l.logger.LogAttrs(ctx, slog.LevelDebug, "Evicted idle bucket",
		slog.String("client_key", key.ClientKey),
		slog.String("policy", key.PolicyID),
	)
}

var _ admission.Observer = (*EventLogger)(nil)
