package tracer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"agent-spawner/internal/domain"
	"agent-spawner/internal/infra/config"
)

func TestSetupDisabled(t *testing.T) {
	shutdown, err := Setup(context.Background(), config.TracerConfig{Enabled: false})
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	defer shutdown(context.Background())

	if _, ok := otel.GetTracerProvider().(noop.TracerProvider); !ok {
		t.Errorf("expected noop provider, got %T", otel.GetTracerProvider())
	}
}

func TestSetupExporters(t *testing.T) {
	for _, exporter := range []string{"", "noop", "stdout"} {
		shutdown, err := Setup(context.Background(), config.TracerConfig{Enabled: true, Exporter: exporter})
		if err != nil {
			t.Fatalf("Setup(%q): %v", exporter, err)
		}
		if err := shutdown(context.Background()); err != nil {
			t.Errorf("shutdown(%q): %v", exporter, err)
		}
	}
	otel.SetTracerProvider(noop.NewTracerProvider())
}

func TestSetupUnsupportedExporter(t *testing.T) {
	_, err := Setup(context.Background(), config.TracerConfig{Enabled: true, Exporter: "jaeger"})
	if err == nil {
		t.Error("expected error for unsupported exporter")
	}
}

func TestStartSpanAndHelpers(t *testing.T) {
	otel.SetTracerProvider(noop.NewTracerProvider())

	ctx, span := StartSpan(context.Background(), "poller.cycle",
		trace.WithAttributes(StringAttr("trigger", "timer"), IntAttr("jobs", 3)))
	if ctx == nil {
		t.Error("context should not be nil")
	}
	SetOK(span)
	RecordError(span, errors.New("fetch failed"))
	span.End()
}

// recordSpans installs an in-memory provider for the duration of the test.
func recordSpans(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	sr := tracetest.NewSpanRecorder()
	otel.SetTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr)))
	t.Cleanup(func() { otel.SetTracerProvider(noop.NewTracerProvider()) })
	return sr
}

func attrMap(kvs []attribute.KeyValue) map[attribute.Key]attribute.Value {
	m := make(map[attribute.Key]attribute.Value, len(kvs))
	for _, kv := range kvs {
		m[kv.Key] = kv.Value
	}
	return m
}

func TestCycleAttrs(t *testing.T) {
	attrs := attrMap(CycleAttrs(domain.CycleReport{
		CycleID:      "01CYCLE",
		Jobs:         5,
		Skipped:      1,
		Unmatched:    2,
		FailedAgents: []string{"mac"},
		Launches:     []domain.LaunchResult{{Agent: "linux"}, {Agent: "mac"}},
	}))

	assert.Equal(t, "01CYCLE", attrs["cycle.id"].AsString())
	assert.Equal(t, int64(5), attrs["cycle.jobs"].AsInt64())
	assert.Equal(t, int64(1), attrs["cycle.skipped"].AsInt64())
	assert.Equal(t, int64(2), attrs["cycle.unmatched"].AsInt64())
	assert.Equal(t, int64(2), attrs["cycle.launches"].AsInt64())
	assert.Equal(t, []string{"mac"}, attrs["cycle.failed_agents"].AsStringSlice())
}

func TestFinishLaunchHandledOutcomeIsOK(t *testing.T) {
	sr := recordSpans(t)

	_, span := StartSpan(context.Background(), "launch.invoke")
	FinishLaunch(span, domain.LaunchResult{
		Outcome:  domain.OutcomeTemporaryFailure,
		ExitCode: domain.ExitTempFail,
		Duration: 1500 * time.Millisecond,
	})
	span.End()

	ended := sr.Ended()
	require.Len(t, ended, 1)
	assert.Equal(t, codes.Ok, ended[0].Status().Code)
	attrs := attrMap(ended[0].Attributes())
	assert.Equal(t, "temporary_failure", attrs["launch.outcome"].AsString())
	assert.Equal(t, int64(75), attrs["launch.exit_code"].AsInt64())
	assert.Equal(t, int64(1500), attrs["launch.duration_ms"].AsInt64())
	_, hasSignal := attrs["launch.signal"]
	assert.False(t, hasSignal)
}

func TestFinishLaunchKilledRecordsErrorCode(t *testing.T) {
	sr := recordSpans(t)

	_, span := StartSpan(context.Background(), "launch.invoke")
	FinishLaunch(span, domain.LaunchResult{
		Outcome: domain.OutcomeKilled,
		Signal:  "killed",
		Err:     domain.NewSubSystemError("launch", "Invoker.Invoke", domain.ErrLaunchKilled, "killed"),
	})
	span.End()

	ended := sr.Ended()
	require.Len(t, ended, 1)
	assert.Equal(t, codes.Error, ended[0].Status().Code)
	attrs := attrMap(ended[0].Attributes())
	assert.Equal(t, "killed", attrs["launch.signal"].AsString())
	assert.Equal(t, string(domain.CodeLaunchKilled), attrs["error.code"].AsString())
	require.Len(t, ended[0].Events(), 1, "error event")
}

func TestRecordErrorNil(t *testing.T) {
	sr := recordSpans(t)

	_, span := StartSpan(context.Background(), "launch.invoke")
	RecordError(span, nil)
	span.End()

	require.Len(t, sr.Ended(), 1)
	assert.Equal(t, codes.Error, sr.Ended()[0].Status().Code)
}
