// Package observability configures process-wide logging and tracing.
//
// Logs always go to stderr so stdout stays reserved for the token printed by
// the CLI. With an exporter other than "none", records are handed to an
// OpenTelemetry logger provider instead of a local slog handler, and spans go
// to a tracer provider sharing the same exporter kind.
package observability

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/contrib/processors/minsev"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploggrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutlog"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/log"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// ServiceName identifies this process in exported telemetry.
const ServiceName = "obi-auth"

const (
	FormatText = "text"
	FormatJSON = "json"
)

const (
	ExporterNone     = "none"
	ExporterStdout   = "stdout"
	ExporterOTLPHTTP = "otlp-http"
	ExporterOTLPGRPC = "otlp-grpc"
)

// ShutdownFunc flushes and releases exporter resources.
type ShutdownFunc func(context.Context) error

// Options selects the log pipeline.
type Options struct {
	Level    slog.Level
	Format   string
	Exporter string
	// Writer defaults to os.Stderr.
	Writer io.Writer
}

// Instrument installs the default slog logger and, when exporting, the global
// tracer provider. The returned ShutdownFunc is never nil and must be called
// before exit to flush exported records and spans.
func Instrument(ctx context.Context, opts Options) (ShutdownFunc, error) {
	noop := func(context.Context) error { return nil }

	if opts.Writer == nil {
		opts.Writer = os.Stderr
	}

	if opts.Exporter == "" || opts.Exporter == ExporterNone {
		handler, err := newHandler(opts.Writer, opts.Level, opts.Format)
		if err != nil {
			return noop, err
		}
		slog.SetDefault(slog.New(handler))
		return noop, nil
	}

	logExporter, err := newLogExporter(ctx, opts.Exporter, opts.Writer)
	if err != nil {
		return noop, err
	}
	spanExporter, err := newSpanExporter(ctx, opts.Exporter, opts.Writer)
	if err != nil {
		return noop, errors.Join(err, logExporter.Shutdown(ctx))
	}

	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(semconv.ServiceName(ServiceName)))
	if err != nil {
		return noop, errors.Join(fmt.Errorf("building resource: %w", err), logExporter.Shutdown(ctx), spanExporter.Shutdown(ctx))
	}

	loggerProvider := log.NewLoggerProvider(
		log.WithResource(res),
		log.WithProcessor(minsev.NewLogProcessor(log.NewBatchProcessor(logExporter), severity(opts.Level))),
	)
	tracerProvider := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(spanExporter),
	)
	otel.SetTracerProvider(tracerProvider)
	slog.SetDefault(slog.New(otelslog.NewHandler(ServiceName, otelslog.WithLoggerProvider(loggerProvider))))

	return func(ctx context.Context) error {
		// Spans first, so log records emitted while ending them still flush.
		return errors.Join(tracerProvider.Shutdown(ctx), loggerProvider.Shutdown(ctx))
	}, nil
}

func newHandler(w io.Writer, level slog.Level, format string) (slog.Handler, error) {
	opts := &slog.HandlerOptions{Level: level}
	switch format {
	case "", FormatText:
		return slog.NewTextHandler(w, opts), nil
	case FormatJSON:
		return slog.NewJSONHandler(w, opts), nil
	default:
		return nil, fmt.Errorf("unknown log format %q", format)
	}
}

func newLogExporter(ctx context.Context, name string, w io.Writer) (log.Exporter, error) {
	switch name {
	case ExporterStdout:
		return stdoutlog.New(stdoutlog.WithWriter(w))
	case ExporterOTLPHTTP:
		return otlploghttp.New(ctx)
	case ExporterOTLPGRPC:
		return otlploggrpc.New(ctx)
	default:
		return nil, errors.New("unknown log exporter " + name)
	}
}

func newSpanExporter(ctx context.Context, name string, w io.Writer) (sdktrace.SpanExporter, error) {
	switch name {
	case ExporterStdout:
		return stdouttrace.New(stdouttrace.WithWriter(w))
	case ExporterOTLPHTTP:
		return otlptracehttp.New(ctx)
	case ExporterOTLPGRPC:
		return otlptracegrpc.New(ctx)
	default:
		return nil, errors.New("unknown trace exporter " + name)
	}
}

// severity maps a slog level onto the OpenTelemetry severity scale.
func severity(level slog.Level) minsev.Severity {
	switch {
	case level <= slog.LevelDebug:
		return minsev.SeverityDebug
	case level <= slog.LevelInfo:
		return minsev.SeverityInfo
	case level <= slog.LevelWarn:
		return minsev.SeverityWarn
	default:
		return minsev.SeverityError
	}
}
