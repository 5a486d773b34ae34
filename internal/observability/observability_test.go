package observability

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/contrib/processors/minsev"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace/noop"
)

func resetGlobals(t *testing.T) {
	logger := slog.Default()
	t.Cleanup(func() {
		slog.SetDefault(logger)
		otel.SetTracerProvider(noop.NewTracerProvider())
	})
}

func TestInstrumentText(t *testing.T) {
	defer slog.SetDefault(slog.Default())

	var buf bytes.Buffer
	shutdown, err := Instrument(context.Background(), Options{Level: slog.LevelWarn, Format: FormatText, Writer: &buf})
	require.NoError(t, err)
	require.NotNil(t, shutdown)

	slog.Info("hidden")
	slog.Warn("shown", "key", "value")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "msg=shown key=value")
	assert.NoError(t, shutdown(context.Background()))
}

func TestInstrumentJSON(t *testing.T) {
	defer slog.SetDefault(slog.Default())

	var buf bytes.Buffer
	_, err := Instrument(context.Background(), Options{Level: slog.LevelDebug, Format: FormatJSON, Exporter: ExporterNone, Writer: &buf})
	require.NoError(t, err)

	slog.Debug("hello")
	assert.Contains(t, buf.String(), `"msg":"hello"`)
}

func TestInstrumentStdoutExporter(t *testing.T) {
	resetGlobals(t)

	var buf bytes.Buffer
	shutdown, err := Instrument(context.Background(), Options{Level: slog.LevelInfo, Exporter: ExporterStdout, Writer: &buf})
	require.NoError(t, err)

	slog.Debug("filtered")
	slog.Info("exported")
	require.NoError(t, shutdown(context.Background()))

	assert.Contains(t, buf.String(), "exported")
	assert.NotContains(t, buf.String(), "filtered")
}

func TestInstrumentStdoutExporterTraces(t *testing.T) {
	resetGlobals(t)

	var buf bytes.Buffer
	shutdown, err := Instrument(context.Background(), Options{Level: slog.LevelInfo, Exporter: ExporterStdout, Writer: &buf})
	require.NoError(t, err)

	ctx, span := otel.Tracer("obi-auth/test").Start(context.Background(), "obtain token")
	assert.True(t, span.IsRecording())
	assert.True(t, span.SpanContext().IsValid())
	slog.InfoContext(ctx, "inside span")
	span.End()
	require.NoError(t, shutdown(context.Background()))

	out := buf.String()
	assert.Contains(t, out, `"Name":"obtain token"`)
	assert.Contains(t, out, span.SpanContext().TraceID().String())
}

func TestInstrumentErrors(t *testing.T) {
	_, err := Instrument(context.Background(), Options{Format: "xml"})
	assert.ErrorContains(t, err, "unknown log format")

	_, err = Instrument(context.Background(), Options{Exporter: "zipkin"})
	assert.ErrorContains(t, err, "unknown log exporter")
}

func TestSeverity(t *testing.T) {
	assert.Equal(t, minsev.SeverityDebug, severity(slog.LevelDebug))
	assert.Equal(t, minsev.SeverityInfo, severity(slog.LevelInfo))
	assert.Equal(t, minsev.SeverityWarn, severity(slog.LevelWarn))
	assert.Equal(t, minsev.SeverityError, severity(slog.LevelError))
}
