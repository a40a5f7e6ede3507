package instrumentation

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Attribute keys. Values are metadata only, never credentials.
const (
	AttrOutcome    = "oauthlab.outcome"
	AttrParameter  = "oauthlab.parameter"
	AttrReason     = "oauthlab.reason"
	AttrError      = "oauth.error"
	AttrPKCE       = "oauthlab.pkce"
	AttrTokenURL   = "oauthlab.token_endpoint"
	AttrAuthMethod = "oauthlab.token_auth_method"
	AttrRoute      = "http.route"
)

// Metrics holds the metric instruments. All Record methods are safe on a nil
// receiver.
type Metrics struct {
	FlowsStarted       metric.Int64Counter
	CallbacksProcessed metric.Int64Counter
	CodeExchanges      metric.Int64Counter
	ExchangeDuration   metric.Float64Histogram
	ValidationFailures metric.Int64Counter
	ReplaysDetected    metric.Int64Counter
	EventsDropped      metric.Int64Counter
	RateLimitExceeded  metric.Int64Counter
	FlowsInStore       metric.Int64ObservableGauge
}

func newMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	if m.FlowsStarted, err = meter.Int64Counter("oauthlab.flows.started",
		metric.WithDescription("Number of flows started"),
		metric.WithUnit("{flow}"),
	); err != nil {
		return nil, fmt.Errorf("flows.started: %w", err)
	}
	if m.CallbacksProcessed, err = meter.Int64Counter("oauthlab.callbacks.processed",
		metric.WithDescription("Number of authorization callbacks processed"),
		metric.WithUnit("{callback}"),
	); err != nil {
		return nil, fmt.Errorf("callbacks.processed: %w", err)
	}
	if m.CodeExchanges, err = meter.Int64Counter("oauthlab.code.exchanges",
		metric.WithDescription("Number of token endpoint requests"),
		metric.WithUnit("{exchange}"),
	); err != nil {
		return nil, fmt.Errorf("code.exchanges: %w", err)
	}
	if m.ExchangeDuration, err = meter.Float64Histogram("oauthlab.code.exchange.duration",
		metric.WithDescription("Token endpoint request duration"),
		metric.WithUnit("ms"),
	); err != nil {
		return nil, fmt.Errorf("code.exchange.duration: %w", err)
	}
	if m.ValidationFailures, err = meter.Int64Counter("oauthlab.validation.failures",
		metric.WithDescription("Security parameter validation failures by reason"),
		metric.WithUnit("{failure}"),
	); err != nil {
		return nil, fmt.Errorf("validation.failures: %w", err)
	}
	if m.ReplaysDetected, err = meter.Int64Counter("oauthlab.replays.detected",
		metric.WithDescription("Callbacks rejected because their state was already used"),
		metric.WithUnit("{replay}"),
	); err != nil {
		return nil, fmt.Errorf("replays.detected: %w", err)
	}
	if m.EventsDropped, err = meter.Int64Counter("oauthlab.events.dropped",
		metric.WithDescription("Events dropped for slow subscribers"),
		metric.WithUnit("{event}"),
	); err != nil {
		return nil, fmt.Errorf("events.dropped: %w", err)
	}
	if m.RateLimitExceeded, err = meter.Int64Counter("oauthlab.rate_limit.exceeded",
		metric.WithDescription("Requests rejected by the rate limiter"),
		metric.WithUnit("{request}"),
	); err != nil {
		return nil, fmt.Errorf("rate_limit.exceeded: %w", err)
	}
	if m.FlowsInStore, err = meter.Int64ObservableGauge("oauthlab.flows.stored",
		metric.WithDescription("Flows currently held in memory"),
		metric.WithUnit("{flow}"),
	); err != nil {
		return nil, fmt.Errorf("flows.stored: %w", err)
	}
	return m, nil
}

// RecordFlowStarted counts a started flow.
func (m *Metrics) RecordFlowStarted(ctx context.Context, pkce bool) {
	if m == nil {
		return
	}
	m.FlowsStarted.Add(ctx, 1, metric.WithAttributes(attribute.Bool(AttrPKCE, pkce)))
}

// RecordCallback counts a processed callback by outcome.
func (m *Metrics) RecordCallback(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.CallbacksProcessed.Add(ctx, 1, metric.WithAttributes(attribute.String(AttrOutcome, outcome)))
}

// RecordExchange counts a token endpoint request and its duration.
func (m *Metrics) RecordExchange(ctx context.Context, outcome string, durationMs float64) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String(AttrOutcome, outcome))
	m.CodeExchanges.Add(ctx, 1, attrs)
	m.ExchangeDuration.Record(ctx, durationMs, attrs)
}

// RecordValidationFailure counts one failed sub-check.
func (m *Metrics) RecordValidationFailure(ctx context.Context, parameter, reason string) {
	if m == nil {
		return
	}
	m.ValidationFailures.Add(ctx, 1, metric.WithAttributes(
		attribute.String(AttrParameter, parameter),
		attribute.String(AttrReason, reason),
	))
}

// RecordReplay counts a rejected replayed callback.
func (m *Metrics) RecordReplay(ctx context.Context) {
	if m == nil {
		return
	}
	m.ReplaysDetected.Add(ctx, 1)
}

// RecordEventDropped counts an event dropped for a slow subscriber.
func (m *Metrics) RecordEventDropped(ctx context.Context) {
	if m == nil {
		return
	}
	m.EventsDropped.Add(ctx, 1)
}

// RecordRateLimited counts a rejected request.
func (m *Metrics) RecordRateLimited(ctx context.Context, route string) {
	if m == nil {
		return
	}
	m.RateLimitExceeded.Add(ctx, 1, metric.WithAttributes(attribute.String(AttrRoute, route)))
}

// RecordError marks span as failed with err.
func RecordError(span trace.Span, err error) {
	if span == nil || err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
