// Package observer provides OTEL-based observability for the agent pipeline.
//
// It implements the root Tracer contract over OpenTelemetry and exposes
// counters and histograms for model calls, tool executions, and turns. Users
// export to any OTEL-compatible backend by setting the standard OTEL env vars
// (OTEL_EXPORTER_OTLP_ENDPOINT, ...).
package observer

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

const scopeName = "github.com/zysoong/breezerun/observer"

// Instruments holds the meters used across the pipeline.
type Instruments struct {
	ModelRequests  metric.Int64Counter
	ToolExecutions metric.Int64Counter
	TurnsStarted   metric.Int64Counter
	TurnsFinished  metric.Int64Counter

	ModelDuration metric.Float64Histogram
	ToolDuration  metric.Float64Histogram
	TurnDuration  metric.Float64Histogram
}

// Init sets up OTEL trace and metric providers with OTLP HTTP exporters.
// Returns the instruments and a shutdown function that must be called on
// application exit.
func Init(ctx context.Context) (*Instruments, func(context.Context) error, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceName("breezerun")),
		resource.WithFromEnv(),
	)
	if err != nil {
		return nil, nil, err
	}

	traceExp, err := otlptracehttp.New(ctx)
	if err != nil {
		return nil, nil, err
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	metricExp, err := otlpmetrichttp.New(ctx)
	if err != nil {
		_ = tp.Shutdown(ctx)
		return nil, nil, err
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExp)),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(mp)

	inst, err := newInstruments()
	if err != nil {
		_ = tp.Shutdown(ctx)
		_ = mp.Shutdown(ctx)
		return nil, nil, err
	}

	shutdown := func(ctx context.Context) error {
		return errors.Join(tp.Shutdown(ctx), mp.Shutdown(ctx))
	}
	return inst, shutdown, nil
}

func newInstruments() (*Instruments, error) {
	meter := otel.Meter(scopeName)

	modelRequests, err := meter.Int64Counter("model.requests",
		metric.WithDescription("Model stream request count"),
		metric.WithUnit("{request}"))
	if err != nil {
		return nil, err
	}
	toolExecutions, err := meter.Int64Counter("tool.executions",
		metric.WithDescription("Tool execution count"),
		metric.WithUnit("{execution}"))
	if err != nil {
		return nil, err
	}
	turnsStarted, err := meter.Int64Counter("turn.started",
		metric.WithDescription("Agent turns started"),
		metric.WithUnit("{turn}"))
	if err != nil {
		return nil, err
	}
	turnsFinished, err := meter.Int64Counter("turn.finished",
		metric.WithDescription("Agent turns finished, by status"),
		metric.WithUnit("{turn}"))
	if err != nil {
		return nil, err
	}
	modelDuration, err := meter.Float64Histogram("model.duration",
		metric.WithDescription("Model stream duration"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}
	toolDuration, err := meter.Float64Histogram("tool.duration",
		metric.WithDescription("Tool execution duration"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}
	turnDuration, err := meter.Float64Histogram("turn.duration",
		metric.WithDescription("Agent turn duration"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}

	return &Instruments{
		ModelRequests:  modelRequests,
		ToolExecutions: toolExecutions,
		TurnsStarted:   turnsStarted,
		TurnsFinished:  turnsFinished,
		ModelDuration:  modelDuration,
		ToolDuration:   toolDuration,
		TurnDuration:   turnDuration,
	}, nil
}
