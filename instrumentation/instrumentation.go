// Package instrumentation provides the OpenTelemetry meters, tracers and metric
// instruments used across the flow engine.
//
// Never record credential values (codes, verifiers, tokens, client secrets) as
// attributes. Record metadata only.
package instrumentation

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

const (
	DefaultServiceName    = "oauthlab"
	DefaultServiceVersion = "unknown"

	scopePrefix = "github.com/mnehpets/oauthlab/"
)

// Config holds instrumentation configuration.
type Config struct {
	ServiceName    string
	ServiceVersion string

	// Enabled selects SDK providers. When false, no-op providers are used.
	Enabled bool

	// MetricReaders are attached to the SDK meter provider. Exporters plug in
	// here; tests use a ManualReader.
	MetricReaders []sdkmetric.Reader

	// SpanProcessors are attached to the SDK tracer provider.
	SpanProcessors []sdktrace.SpanProcessor
}

// Instrumentation owns the meter and tracer providers.
type Instrumentation struct {
	meterProvider  metric.MeterProvider
	tracerProvider trace.TracerProvider
	metrics        *Metrics

	shutdownFuncs []func(context.Context) error
	shutdownOnce  sync.Once
}

// New creates an Instrumentation.
func New(cfg Config) (*Instrumentation, error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = DefaultServiceName
	}
	if cfg.ServiceVersion == "" {
		cfg.ServiceVersion = DefaultServiceVersion
	}

	inst := &Instrumentation{}
	if cfg.Enabled {
		res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		))
		if err != nil {
			// Schema URL conflicts are not fatal; fall back to our attributes alone.
			res = resource.NewWithAttributes(semconv.SchemaURL,
				semconv.ServiceName(cfg.ServiceName),
				semconv.ServiceVersion(cfg.ServiceVersion),
			)
		}

		mopts := []sdkmetric.Option{sdkmetric.WithResource(res)}
		for _, r := range cfg.MetricReaders {
			mopts = append(mopts, sdkmetric.WithReader(r))
		}
		mp := sdkmetric.NewMeterProvider(mopts...)

		topts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
		for _, sp := range cfg.SpanProcessors {
			topts = append(topts, sdktrace.WithSpanProcessor(sp))
		}
		tp := sdktrace.NewTracerProvider(topts...)

		inst.meterProvider = mp
		inst.tracerProvider = tp
		inst.shutdownFuncs = append(inst.shutdownFuncs, mp.Shutdown, tp.Shutdown)
	} else {
		inst.meterProvider = noop.NewMeterProvider()
		inst.tracerProvider = tracenoop.NewTracerProvider()
	}

	m, err := newMetrics(inst.Meter("flow"))
	if err != nil {
		return nil, fmt.Errorf("instrumentation: create metrics: %w", err)
	}
	inst.metrics = m
	return inst, nil
}

// Shutdown flushes and stops the providers. Later calls are no-ops.
func (i *Instrumentation) Shutdown(ctx context.Context) error {
	var errs []error
	i.shutdownOnce.Do(func() {
		for _, fn := range i.shutdownFuncs {
			if err := fn(ctx); err != nil {
				errs = append(errs, err)
			}
		}
	})
	return errors.Join(errs...)
}

// Meter returns the meter for scope.
func (i *Instrumentation) Meter(scope string) metric.Meter {
	return i.meterProvider.Meter(scopePrefix + scope)
}

// Tracer returns the tracer for scope.
func (i *Instrumentation) Tracer(scope string) trace.Tracer {
	return i.tracerProvider.Tracer(scopePrefix + scope)
}

// Metrics returns the metric instruments.
func (i *Instrumentation) Metrics() *Metrics {
	return i.metrics
}

// RegisterFlowCount reports the number of flows held in the store as a gauge.
func (i *Instrumentation) RegisterFlowCount(count func() int64) error {
	_, err := i.Meter("flow").RegisterCallback(func(_ context.Context, o metric.Observer) error {
		o.ObserveInt64(i.metrics.FlowsInStore, count())
		return nil
	}, i.metrics.FlowsInStore)
	return err
}
