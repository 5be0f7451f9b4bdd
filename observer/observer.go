// Package observer provides OTEL-based observability for the pipeline.
//
// It exposes instruments for the dispatch loop, an instrumented wrapper
// for tool handlers, and a Tracer the executor threads through task
// spans. Users export to any OTEL-compatible backend by setting standard
// OTEL env vars.
package observer

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/log/global"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const scopeName = "github.com/showrun/showrun/observer"

// Instruments holds all OTEL instruments used by the pipeline wrappers.
type Instruments struct {
	Tracer trace.Tracer
	Meter  metric.Meter
	Logger otellog.Logger

	// Counters
	TaskExecutions    metric.Int64Counter
	StepExecutions    metric.Int64Counter
	QueueClaims       metric.Int64Counter
	SemaphoreTimeouts metric.Int64Counter
	NotifierSends     metric.Int64Counter

	// Histograms
	TaskDuration  metric.Float64Histogram
	StepDuration  metric.Float64Histogram
	SemaphoreWait metric.Float64Histogram
}

// Init sets up OTEL trace, metric, and log providers with OTLP HTTP exporters.
// Configuration comes from standard OTEL env vars (OTEL_EXPORTER_OTLP_ENDPOINT, etc.).
// Returns a shutdown function that must be called on application exit.
func Init(ctx context.Context) (*Instruments, func(context.Context) error, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceName("showrun")),
		resource.WithFromEnv(),
	)
	if err != nil {
		return nil, nil, err
	}

	// Trace provider
	traceExp, err := otlptracehttp.New(ctx)
	if err != nil {
		return nil, nil, err
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	// Metric provider
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

	// Log provider
	logExp, err := otlploghttp.New(ctx)
	if err != nil {
		_ = tp.Shutdown(ctx)
		_ = mp.Shutdown(ctx)
		return nil, nil, err
	}
	lp := sdklog.NewLoggerProvider(
		sdklog.WithProcessor(sdklog.NewBatchProcessor(logExp)),
		sdklog.WithResource(res),
	)
	global.SetLoggerProvider(lp)

	inst, err := newInstruments()
	if err != nil {
		_ = tp.Shutdown(ctx)
		_ = mp.Shutdown(ctx)
		_ = lp.Shutdown(ctx)
		return nil, nil, err
	}

	shutdown := func(ctx context.Context) error {
		return errors.Join(
			tp.Shutdown(ctx),
			mp.Shutdown(ctx),
			lp.Shutdown(ctx),
		)
	}

	return inst, shutdown, nil
}

func newInstruments() (*Instruments, error) {
	tracer := otel.Tracer(scopeName)
	meter := otel.Meter(scopeName)
	logger := global.GetLoggerProvider().Logger(scopeName)

	taskExecutions, err := meter.Int64Counter("task.executions",
		metric.WithDescription("Task attempts by final outcome"),
		metric.WithUnit("{execution}"))
	if err != nil {
		return nil, err
	}

	stepExecutions, err := meter.Int64Counter("step.executions",
		metric.WithDescription("Step executions by tool and status"),
		metric.WithUnit("{execution}"))
	if err != nil {
		return nil, err
	}

	queueClaims, err := meter.Int64Counter("queue.claims",
		metric.WithDescription("Tasks claimed off the queue"),
		metric.WithUnit("{claim}"))
	if err != nil {
		return nil, err
	}

	semaphoreTimeouts, err := meter.Int64Counter("semaphore.timeouts",
		metric.WithDescription("Semaphore acquires abandoned at wait timeout"),
		metric.WithUnit("{timeout}"))
	if err != nil {
		return nil, err
	}

	notifierSends, err := meter.Int64Counter("notifier.sends",
		metric.WithDescription("Alerts handed to the notifier"),
		metric.WithUnit("{alert}"))
	if err != nil {
		return nil, err
	}

	taskDuration, err := meter.Float64Histogram("task.duration",
		metric.WithDescription("Wall-clock time of one task attempt"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}

	stepDuration, err := meter.Float64Histogram("step.duration",
		metric.WithDescription("Step execution duration"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}

	semaphoreWait, err := meter.Float64Histogram("semaphore.wait",
		metric.WithDescription("Time spent waiting for a semaphore slot"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}

	return &Instruments{
		Tracer:            tracer,
		Meter:             meter,
		Logger:            logger,
		TaskExecutions:    taskExecutions,
		StepExecutions:    stepExecutions,
		QueueClaims:       queueClaims,
		SemaphoreTimeouts: semaphoreTimeouts,
		NotifierSends:     notifierSends,
		TaskDuration:      taskDuration,
		StepDuration:      stepDuration,
		SemaphoreWait:     semaphoreWait,
	}, nil
}
