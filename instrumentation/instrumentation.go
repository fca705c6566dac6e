// Package instrumentation provides OpenTelemetry metrics and tracing for the
// OAuth library. When disabled it falls back to no-op providers with zero
// overhead, so callers can wire it unconditionally.
package instrumentation

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

// DefaultServiceVersion is used when no version is provided
const DefaultServiceVersion = "unknown"

// Config holds instrumentation configuration
type Config struct {
	// ServiceName is the name of the service emitting telemetry
	ServiceName string

	// ServiceVersion is the version of the service
	ServiceVersion string

	// Enabled controls whether instrumentation is active.
	// When false, no-op providers are used.
	Enabled bool

	// MeterProvider supplies the meter; nil means no-op
	MeterProvider metric.MeterProvider

	// TracerProvider supplies the tracer; nil means no-op
	TracerProvider trace.TracerProvider

	// Resource allows custom resource attributes.
	// If nil, a default resource is created from service name and version.
	Resource *resource.Resource
}

// Instrumentation provides OpenTelemetry instrumentation components
type Instrumentation struct {
	config   Config
	resource *resource.Resource

	meterProvider  metric.MeterProvider
	tracerProvider trace.TracerProvider

	metrics *Metrics

	shutdownFuncs []func(context.Context) error
	shutdownOnce  sync.Once
}

// New creates a new instrumentation instance. With Enabled false (or nil
// providers) every instrument is a no-op.
func New(config Config) (*Instrumentation, error) {
	if config.ServiceName == "" {
		config.ServiceName = "oauth"
	}
	if config.ServiceVersion == "" {
		config.ServiceVersion = DefaultServiceVersion
	}

	res := config.Resource
	if res == nil {
		var err error
		res, err = resource.New(
			context.Background(),
			resource.WithAttributes(
				semconv.ServiceName(config.ServiceName),
				semconv.ServiceVersion(config.ServiceVersion),
			),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create resource: %w", err)
		}
	}

	inst := &Instrumentation{
		config:   config,
		resource: res,
	}

	if config.Enabled && config.MeterProvider != nil {
		inst.meterProvider = config.MeterProvider
	} else {
		inst.meterProvider = metricnoop.NewMeterProvider()
	}
	if config.Enabled && config.TracerProvider != nil {
		inst.tracerProvider = config.TracerProvider
	} else {
		inst.tracerProvider = tracenoop.NewTracerProvider()
	}

	metrics, err := newMetrics(inst.Meter("github.com/openshelf/oauth"))
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics: %w", err)
	}
	inst.metrics = metrics

	return inst, nil
}

// Meter returns a named meter from the configured provider
func (i *Instrumentation) Meter(name string) metric.Meter {
	return i.meterProvider.Meter(name)
}

// Tracer returns a named tracer from the configured provider
func (i *Instrumentation) Tracer(name string) trace.Tracer {
	return i.tracerProvider.Tracer(name)
}

// Metrics returns the pre-configured metric instruments
func (i *Instrumentation) Metrics() *Metrics {
	return i.metrics
}

// RegisterShutdown registers a function to run on Shutdown. Not safe for
// concurrent use; register everything during setup.
func (i *Instrumentation) RegisterShutdown(f func(context.Context) error) {
	i.shutdownFuncs = append(i.shutdownFuncs, f)
}

// Shutdown runs all registered shutdown functions exactly once
func (i *Instrumentation) Shutdown(ctx context.Context) error {
	var err error
	i.shutdownOnce.Do(func() {
		for _, f := range i.shutdownFuncs {
			if e := f(ctx); e != nil && err == nil {
				err = e
			}
		}
	})
	return err
}
