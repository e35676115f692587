package telemetry

import (
	"context"
	"io"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const instrumentationName = "github.com/3cpo-dev/benchfleet"

// Tracer wraps an OpenTelemetry tracer used for run phase spans.
type Tracer struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
	out      io.Closer
}

// NewNoopTracer returns a tracer whose spans are discarded.
func NewNoopTracer() *Tracer {
	return &Tracer{tracer: noop.NewTracerProvider().Tracer(instrumentationName)}
}

// NewFileTracer writes spans as JSON to path. An empty path yields a noop
// tracer; stdout is reserved for the run summary.
func NewFileTracer(serviceName, serviceVersion, path string) (*Tracer, error) {
	if path == "" {
		return NewNoopTracer(), nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	exporter, err := stdouttrace.New(stdouttrace.WithWriter(f))
	if err != nil {
		f.Close()
		return nil, err
	}
	t, err := NewTracer(serviceName, serviceVersion, exporter)
	if err != nil {
		f.Close()
		return nil, err
	}
	t.out = f
	return t, nil
}

// NewTracer builds a tracer on exporter and installs it as the global
// provider.
func NewTracer(serviceName, serviceVersion string, exporter sdktrace.SpanExporter) (*Tracer, error) {
	res, err := resource.New(context.Background(),
		resource.WithAttributes(
			attribute.String("service.name", serviceName),
			attribute.String("service.version", serviceVersion),
		),
	)
	if err != nil {
		return nil, err
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSpanProcessor(sdktrace.NewSimpleSpanProcessor(exporter)),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	return &Tracer{provider: tp, tracer: tp.Tracer(instrumentationName)}, nil
}

// StartPhase opens a span for a run phase.
func (t *Tracer) StartPhase(ctx context.Context, phase string, attrs map[string]string) (context.Context, trace.Span) {
	kv := make([]attribute.KeyValue, 0, len(attrs)+1)
	kv = append(kv, attribute.String("phase", phase))
	for k, v := range attrs {
		kv = append(kv, attribute.String(k, v))
	}
	return t.tracer.Start(ctx, phase, trace.WithAttributes(kv...))
}

// EndPhase ends span, marking it failed when err is non-nil.
func EndPhase(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// Shutdown flushes pending spans and closes the output file.
func (t *Tracer) Shutdown(ctx context.Context) error {
	if t.provider == nil {
		return nil
	}
	err := t.provider.Shutdown(ctx)
	if t.out != nil {
		if cerr := t.out.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
