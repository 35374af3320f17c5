// Package observer provides OTEL-based observability for the troupe
// runtime.
//
// It exports traces, metrics, and logs through OTLP HTTP and offers
// ready-made hooks for the gateway's usage records, breaker transitions,
// and manager drop events. Configure the exporters with the standard
// OTEL env vars (OTEL_EXPORTER_OTLP_ENDPOINT, etc.).
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

const scopeName = "github.com/troupe-ai/troupe/observer"

// Instruments holds all OTEL instruments used by the hooks.
type Instruments struct {
	Tracer trace.Tracer
	Meter  metric.Meter
	Logger otellog.Logger

	// Counters
	TokenUsage         metric.Int64Counter
	CostTotal          metric.Float64Counter
	ModelRequests      metric.Int64Counter
	ToolExecutions     metric.Int64Counter
	TaskExecutions     metric.Int64Counter
	WorkflowRuns       metric.Int64Counter
	BreakerTransitions metric.Int64Counter
	RateLimitRejects   metric.Int64Counter
	DroppedMessages    metric.Int64Counter
	MemoryEvictions    metric.Int64Counter

	// Histograms
	ModelLatency    metric.Float64Histogram
	TaskDuration    metric.Float64Histogram
	WorkflowLatency metric.Float64Histogram

	Cost *CostCalculator
}

// Init sets up OTEL trace, metric, and log providers with OTLP HTTP
// exporters. Returns a shutdown function that must be called on
// application exit.
func Init(ctx context.Context, pricing map[string]ModelPricing) (*Instruments, func(context.Context) error, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceName("troupe")),
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

	inst, err := newInstruments(pricing)
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

func newInstruments(pricing map[string]ModelPricing) (*Instruments, error) {
	tracer := otel.Tracer(scopeName)
	meter := otel.Meter(scopeName)
	logger := global.GetLoggerProvider().Logger(scopeName)

	tokenUsage, err := meter.Int64Counter("model.token.usage",
		metric.WithDescription("Total tokens consumed"),
		metric.WithUnit("{token}"))
	if err != nil {
		return nil, err
	}

	costTotal, err := meter.Float64Counter("model.cost.total",
		metric.WithDescription("Cumulative model cost in USD"),
		metric.WithUnit("USD"))
	if err != nil {
		return nil, err
	}

	modelRequests, err := meter.Int64Counter("model.requests",
		metric.WithDescription("Model request count"),
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

	taskExecutions, err := meter.Int64Counter("agent.tasks",
		metric.WithDescription("Agent task execution count"),
		metric.WithUnit("{task}"))
	if err != nil {
		return nil, err
	}

	workflowRuns, err := meter.Int64Counter("workflow.runs",
		metric.WithDescription("Workflow execution count"),
		metric.WithUnit("{run}"))
	if err != nil {
		return nil, err
	}

	breakerTransitions, err := meter.Int64Counter("breaker.transitions",
		metric.WithDescription("Circuit breaker state transitions"),
		metric.WithUnit("{transition}"))
	if err != nil {
		return nil, err
	}

	rateLimitRejects, err := meter.Int64Counter("ratelimit.rejections",
		metric.WithDescription("Rate limiter rejections"),
		metric.WithUnit("{rejection}"))
	if err != nil {
		return nil, err
	}

	droppedMessages, err := meter.Int64Counter("inbox.dropped",
		metric.WithDescription("Messages shed by full inboxes"),
		metric.WithUnit("{message}"))
	if err != nil {
		return nil, err
	}

	memoryEvictions, err := meter.Int64Counter("memory.evictions",
		metric.WithDescription("Memory items evicted"),
		metric.WithUnit("{item}"))
	if err != nil {
		return nil, err
	}

	modelLatency, err := meter.Float64Histogram("model.latency",
		metric.WithDescription("Model call latency"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}

	taskDuration, err := meter.Float64Histogram("agent.task.duration",
		metric.WithDescription("Agent task duration"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}

	workflowLatency, err := meter.Float64Histogram("workflow.duration",
		metric.WithDescription("Workflow run duration"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}

	return &Instruments{
		Tracer:             tracer,
		Meter:              meter,
		Logger:             logger,
		TokenUsage:         tokenUsage,
		CostTotal:          costTotal,
		ModelRequests:      modelRequests,
		ToolExecutions:     toolExecutions,
		TaskExecutions:     taskExecutions,
		WorkflowRuns:       workflowRuns,
		BreakerTransitions: breakerTransitions,
		RateLimitRejects:   rateLimitRejects,
		DroppedMessages:    droppedMessages,
		MemoryEvictions:    memoryEvictions,
		ModelLatency:       modelLatency,
		TaskDuration:       taskDuration,
		WorkflowLatency:    workflowLatency,
		Cost:               NewCostCalculator(pricing),
	}, nil
}
