package telemetry

import (
	"context"
	"log"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"
)

var (
	// Global tracer for the application
	Tracer trace.Tracer

	// Global meter for custom metrics
	Meter metric.Meter

	// Custom metrics
	ExecutionsStarted   metric.Int64Counter
	ExecutionsCompleted metric.Int64Counter
	ExecutionsFailed    metric.Int64Counter
	ExecutionsCancelled metric.Int64Counter
	ExecutionsTimedOut  metric.Int64Counter
	StepsAdvanced       metric.Int64Counter
	TimeoutsFired       metric.Int64Counter
	StepLatency         metric.Float64Histogram
)

// The global meter is a no-op until InitTelemetry installs a provider, so
// engine code can record unconditionally.
func init() {
	Tracer = otel.Tracer("civiflow")
	Meter = otel.Meter("civiflow")
	if err := initMetrics(); err != nil {
		log.Printf("[Telemetry] Failed to create metrics: %v", err)
	}
}

// InitTelemetry initializes OpenTelemetry tracing and metrics
func InitTelemetry(ctx context.Context, serviceName, otelEndpoint string) (func(context.Context) error, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion("1.0.0"),
			attribute.String("environment", "production"),
		),
	)
	if err != nil {
		return nil, err
	}

	traceExporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(otelEndpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, err
	}

	traceProvider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)

	otel.SetTracerProvider(traceProvider)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	// Rebind the globals to the installed provider.
	Tracer = otel.Tracer(serviceName)
	Meter = otel.Meter(serviceName)
	if err := initMetrics(); err != nil {
		return nil, err
	}

	log.Printf("[Telemetry] Initialized with endpoint %s", otelEndpoint)

	return func(ctx context.Context) error {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return traceProvider.Shutdown(shutdownCtx)
	}, nil
}

// initMetrics creates all custom metrics
func initMetrics() error {
	var err error

	ExecutionsStarted, err = Meter.Int64Counter(
		"civiflow.executions.started",
		metric.WithDescription("Number of workflow executions started"),
	)
	if err != nil {
		return err
	}

	ExecutionsCompleted, err = Meter.Int64Counter(
		"civiflow.executions.completed",
		metric.WithDescription("Number of workflow executions completed successfully"),
	)
	if err != nil {
		return err
	}

	ExecutionsFailed, err = Meter.Int64Counter(
		"civiflow.executions.failed",
		metric.WithDescription("Number of workflow executions that ended failed"),
	)
	if err != nil {
		return err
	}

	ExecutionsCancelled, err = Meter.Int64Counter(
		"civiflow.executions.cancelled",
		metric.WithDescription("Number of workflow executions cancelled"),
	)
	if err != nil {
		return err
	}

	ExecutionsTimedOut, err = Meter.Int64Counter(
		"civiflow.executions.timed_out",
		metric.WithDescription("Number of workflow executions that ended on a timeout"),
	)
	if err != nil {
		return err
	}

	StepsAdvanced, err = Meter.Int64Counter(
		"civiflow.steps.advanced",
		metric.WithDescription("Number of step transitions performed"),
	)
	if err != nil {
		return err
	}

	TimeoutsFired, err = Meter.Int64Counter(
		"civiflow.timeouts.fired",
		metric.WithDescription("Number of step timeout actions fired"),
	)
	if err != nil {
		return err
	}

	StepLatency, err = Meter.Float64Histogram(
		"civiflow.step.latency",
		metric.WithDescription("Time spent on a step from entry to resolution in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return err
	}

	return nil
}
