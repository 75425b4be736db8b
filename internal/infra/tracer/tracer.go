package tracer

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"agent-spawner/internal/domain"
	"agent-spawner/internal/infra/config"
)

const tracerName = "agent-spawner"

// Setup initializes OpenTelemetry tracing and returns a shutdown function.
// When cfg.Enabled is false, a noop TracerProvider is used.
func Setup(ctx context.Context, cfg config.TracerConfig) (func(context.Context) error, error) {
	noopShutdown := func(context.Context) error { return nil }

	if !cfg.Enabled {
		otel.SetTracerProvider(noop.NewTracerProvider())
		return noopShutdown, nil
	}

	var exporter sdktrace.SpanExporter
	switch cfg.Exporter {
	case "stdout":
		exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("create stdout exporter: %w", err)
		}
		exporter = exp
	case "noop", "":
		otel.SetTracerProvider(noop.NewTracerProvider())
		return noopShutdown, nil
	default:
		return nil, fmt.Errorf("unsupported exporter: %s", cfg.Exporter)
	}

	res := resource.NewSchemaless(attribute.String("service.name", tracerName))
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
	otel.SetTracerProvider(tp)

	return tp.Shutdown, nil
}

// StartSpan starts a named span on the global provider.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, name, opts...)
}

// RecordError records an error on the span, tags it with the error's
// domain code and sets error status.
func RecordError(span trace.Span, err error) {
	if err == nil {
		span.SetStatus(codes.Error, "")
		return
	}
	span.RecordError(err)
	span.SetAttributes(attribute.String("error.code", string(domain.ErrorCodeOf(err))))
	span.SetStatus(codes.Error, err.Error())
}

// SetOK sets the span status to OK.
func SetOK(span trace.Span) {
	span.SetStatus(codes.Ok, "")
}

// StringAttr is a convenience for attribute.String.
func StringAttr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// IntAttr is a convenience for attribute.Int.
func IntAttr(key string, value int) attribute.KeyValue {
	return attribute.Int(key, value)
}

// CycleAttrs describes a finished matching cycle.
func CycleAttrs(r domain.CycleReport) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("cycle.id", r.CycleID),
		attribute.Int("cycle.jobs", r.Jobs),
		attribute.Int("cycle.skipped", r.Skipped),
		attribute.Int("cycle.unmatched", r.Unmatched),
		attribute.Int("cycle.launches", len(r.Launches)),
		attribute.StringSlice("cycle.failed_agents", r.FailedAgents),
	}
}

// FinishLaunch annotates a launch span with the command's result. Handled
// outcomes end OK; failed and killed launches record their error.
func FinishLaunch(span trace.Span, r domain.LaunchResult) {
	attrs := []attribute.KeyValue{
		attribute.String("launch.outcome", string(r.Outcome)),
		attribute.Int("launch.exit_code", r.ExitCode),
		attribute.Int64("launch.duration_ms", r.Duration.Milliseconds()),
	}
	if r.Signal != "" {
		attrs = append(attrs, attribute.String("launch.signal", r.Signal))
	}
	span.SetAttributes(attrs...)

	if r.Outcome.Handled() {
		SetOK(span)
		return
	}
	RecordError(span, r.Err)
}
