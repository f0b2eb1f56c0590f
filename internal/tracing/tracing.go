// Package tracing wires optional OTLP task tracing. When disabled, the
// no-op global tracer keeps every call site free of conditionals.
package tracing

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "clawdeck"

// Options configures the exporter.
type Options struct {
	Enabled  bool
	Endpoint string
	Protocol string // "grpc" (default) or "http"
	Insecure bool
	Version  string
}

// Setup installs the global tracer provider and returns its shutdown
// function. With Enabled false it returns a no-op shutdown.
func Setup(ctx context.Context, opts Options) (func(context.Context) error, error) {
	if !opts.Enabled {
		return func(context.Context) error { return nil }, nil
	}

	var (
		exporter *otlptrace.Exporter
		err      error
	)
	switch opts.Protocol {
	case "", "grpc":
		gopts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(opts.Endpoint)}
		if opts.Insecure {
			gopts = append(gopts, otlptracegrpc.WithInsecure())
		}
		exporter, err = otlptracegrpc.New(ctx, gopts...)
	case "http":
		hopts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(opts.Endpoint)}
		if opts.Insecure {
			hopts = append(hopts, otlptracehttp.WithInsecure())
		}
		exporter, err = otlptracehttp.New(ctx, hopts...)
	default:
		return nil, fmt.Errorf("unknown telemetry protocol %q", opts.Protocol)
	}
	if err != nil {
		return nil, fmt.Errorf("otlp exporter: %w", err)
	}

	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName("clawdeck"),
		semconv.ServiceVersion(opts.Version),
	))
	if err != nil {
		return nil, fmt.Errorf("trace resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(5*time.Second)),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}

// StartTask opens a span covering one queued task's execution.
func StartTask(ctx context.Context, channelID, taskID string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "task.run",
		trace.WithAttributes(
			attribute.String("clawdeck.channel_id", channelID),
			attribute.String("clawdeck.task_id", taskID),
		))
}

// EndTask closes a task span with its terminal status.
func EndTask(span trace.Span, status string, err error) {
	span.SetAttributes(attribute.String("clawdeck.task_status", status))
	if err != nil {
		span.RecordError(err)
	}
	span.End()
}
