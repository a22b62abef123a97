package observability

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/haasonsaas/mxbot/internal/commands"
)

// Tracer creates spans for command invocations and sync iterations.
//
// Usage:
//
//	tracer, shutdown := observability.NewTracer(observability.TraceConfig{
//	    ServiceName: "mxbot",
//	    Endpoint:    "localhost:4317",
//	})
//	defer shutdown(ctx)
//	dispatcher.AddObserver(tracer.CommandObserver())
type Tracer struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
	config   TraceConfig
}

// TraceConfig configures the distributed tracing behavior.
type TraceConfig struct {
	// ServiceName identifies this service in traces
	ServiceName string

	// ServiceVersion identifies the service version
	ServiceVersion string

	// Environment specifies the deployment environment (production, staging, dev)
	Environment string

	// Endpoint is the OTLP collector endpoint (e.g., "localhost:4317")
	// If empty, tracing is disabled
	Endpoint string

	// SamplingRate controls what fraction of traces are recorded (0.0 to 1.0)
	// Defaults to 1.0 if not specified
	SamplingRate float64

	// EnableInsecure disables TLS for the OTLP connection (dev/testing only)
	EnableInsecure bool
}

func noopShutdown(context.Context) error { return nil }

// NewTracer creates a new tracer with the given configuration.
// Returns the tracer and a shutdown function that must be called on exit.
//
// If config.Endpoint is empty, a no-op tracer is returned that doesn't export traces.
func NewTracer(config TraceConfig) (*Tracer, func(context.Context) error) {
	if config.ServiceName == "" {
		config.ServiceName = "mxbot"
	}
	if config.Endpoint == "" {
		return &Tracer{tracer: otel.Tracer(config.ServiceName), config: config}, noopShutdown
	}
	if config.SamplingRate == 0 {
		config.SamplingRate = 1.0
	}

	opts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(config.Endpoint),
	}
	if config.EnableInsecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptrace.New(context.Background(), otlptracegrpc.NewClient(opts...))
	if err != nil {
		return &Tracer{tracer: otel.Tracer(config.ServiceName), config: config}, noopShutdown
	}

	attrs := []attribute.KeyValue{
		semconv.ServiceName(config.ServiceName),
		semconv.ServiceVersion(config.ServiceVersion),
	}
	if config.Environment != "" {
		attrs = append(attrs, semconv.DeploymentEnvironment(config.Environment))
	}
	res, err := resource.New(context.Background(), resource.WithAttributes(attrs...))
	if err != nil {
		res = resource.Default()
	}

	var sampler sdktrace.Sampler
	switch {
	case config.SamplingRate >= 1.0:
		sampler = sdktrace.AlwaysSample()
	case config.SamplingRate <= 0.0:
		sampler = sdktrace.NeverSample()
	default:
		sampler = sdktrace.TraceIDRatioBased(config.SamplingRate)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	)
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return &Tracer{
		provider: provider,
		tracer:   provider.Tracer(config.ServiceName),
		config:   config,
	}, provider.Shutdown
}

// newTracerWithProvider wraps an existing provider.
func newTracerWithProvider(provider trace.TracerProvider, name string) *Tracer {
	return &Tracer{tracer: provider.Tracer(name), config: TraceConfig{ServiceName: name}}
}

// Start creates a new span and returns a context containing it.
func (t *Tracer) Start(ctx context.Context, name string, kind trace.SpanKind, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, name, trace.WithSpanKind(kind), trace.WithAttributes(attrs...))
}

// RecordError records an error on the span and sets the span status to error.
func (t *Tracer) RecordError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// TraceSync creates a span for one sync iteration.
func (t *Tracer) TraceSync(ctx context.Context, since string, rooms int) (context.Context, trace.Span) {
	return t.Start(ctx, "matrix.sync", trace.SpanKindConsumer,
		attribute.String("matrix.since", since),
		attribute.Int("matrix.rooms", rooms),
	)
}

// CommandObserver returns an observer that records one span per matched
// command, from preparation until completion or failure.
func (t *Tracer) CommandObserver() commands.Observer {
	return &commandTracer{tracer: t, spans: make(map[*commands.Context]trace.Span)}
}

type commandTracer struct {
	tracer *Tracer
	mu     sync.Mutex
	spans  map[*commands.Context]trace.Span
}

func (c *commandTracer) OnCommandEvent(ctx context.Context, evt commands.Event) {
	switch evt.Kind {
	case commands.EventPrepare:
		if evt.Context == nil {
			return
		}
		_, span := c.tracer.Start(ctx, "command "+evt.Name, trace.SpanKindServer,
			attribute.String("command.name", evt.Name),
			attribute.String("matrix.room_id", evt.Context.Message.RoomID.String()),
			attribute.String("matrix.event_id", evt.Context.Message.EventID.String()),
			attribute.String("matrix.sender", evt.Context.Message.Sender.String()),
		)
		c.mu.Lock()
		c.spans[evt.Context] = span
		c.mu.Unlock()

	case commands.EventInvoke:
		if span := c.lookup(evt.Context, false); span != nil {
			span.AddEvent("invoke")
		}

	case commands.EventComplete, commands.EventError:
		span := c.lookup(evt.Context, true)
		if span == nil {
			// Unknown commands fail before a span exists.
			_, span = c.tracer.Start(ctx, "command "+evt.Name, trace.SpanKindServer,
				attribute.String("command.name", evt.Name))
		}
		span.SetAttributes(attribute.Int64("command.duration_ms", evt.Duration.Milliseconds()))
		if evt.Err != nil {
			span.SetAttributes(attribute.String("command.error_code", string(evt.Err.Code)))
			c.tracer.RecordError(span, evt.Err)
		} else {
			span.SetStatus(codes.Ok, "")
		}
		span.End()
	}
}

func (c *commandTracer) lookup(inv *commands.Context, remove bool) trace.Span {
	if inv == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	span, ok := c.spans[inv]
	if !ok {
		return nil
	}
	if remove {
		delete(c.spans, inv)
	}
	return span
}

// GetTraceID returns the trace ID from the context as a string.
// Returns empty string if no trace is active.
func GetTraceID(ctx context.Context) string {
	span := trace.SpanFromContext(ctx)
	if !span.SpanContext().IsValid() {
		return ""
	}
	return span.SpanContext().TraceID().String()
}
