package observability

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/haasonsaas/mxbot/internal/commands"
)

func newRecordingTracer(t *testing.T) (*Tracer, *tracetest.SpanRecorder) {
	t.Helper()
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })
	return newTracerWithProvider(provider, "mxbot-test"), recorder
}

func attr(span sdktrace.ReadOnlySpan, key string) (attribute.Value, bool) {
	for _, kv := range span.Attributes() {
		if string(kv.Key) == key {
			return kv.Value, true
		}
	}
	return attribute.Value{}, false
}

func TestNewTracer(t *testing.T) {
	tests := []struct {
		name   string
		config TraceConfig
	}{
		{name: "without endpoint", config: TraceConfig{ServiceName: "mxbot"}},
		{name: "with endpoint", config: TraceConfig{Endpoint: "localhost:4317", EnableInsecure: true, SamplingRate: 0.5}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tracer, shutdown := NewTracer(tt.config)
			defer func() { _ = shutdown(context.Background()) }()
			if tracer == nil || tracer.tracer == nil {
				t.Fatal("NewTracer() returned no tracer")
			}
			if tracer.config.ServiceName != "mxbot" {
				t.Errorf("ServiceName = %q", tracer.config.ServiceName)
			}
		})
	}
}

func TestCommandObserver_Spans(t *testing.T) {
	tracer, recorder := newRecordingTracer(t)
	observer := tracer.CommandObserver()
	ctx := context.Background()

	ok := &commands.Context{
		Command:     &commands.Command{Name: "ping"},
		InvokedWith: "ping",
		Message:     &commands.Message{RoomID: "!room:example.org", EventID: "$1", Sender: "@alice:example.org"},
	}
	failed := &commands.Context{
		Command:     &commands.Command{Name: "save"},
		InvokedWith: "save",
		Message:     &commands.Message{RoomID: "!room:example.org", EventID: "$2", Sender: "@alice:example.org"},
	}

	observer.OnCommandEvent(ctx, commands.Event{Kind: commands.EventPrepare, Name: "ping", Context: ok})
	observer.OnCommandEvent(ctx, commands.Event{Kind: commands.EventInvoke, Name: "ping", Context: ok})
	observer.OnCommandEvent(ctx, commands.Event{Kind: commands.EventComplete, Name: "ping", Context: ok})

	observer.OnCommandEvent(ctx, commands.Event{Kind: commands.EventPrepare, Name: "save", Context: failed})
	observer.OnCommandEvent(ctx, commands.Event{Kind: commands.EventError, Name: "save", Context: failed, Err: commands.ErrInvocation("save", errors.New("disk full"))})

	observer.OnCommandEvent(ctx, commands.Event{Kind: commands.EventError, Name: "nope", Err: commands.ErrNotFound("nope")})

	spans := recorder.Ended()
	if len(spans) != 3 {
		t.Fatalf("ended %d spans, want 3", len(spans))
	}

	if spans[0].Name() != "command ping" || spans[0].Status().Code != codes.Ok {
		t.Errorf("ping span = %s %v", spans[0].Name(), spans[0].Status())
	}
	if len(spans[0].Events()) != 1 || spans[0].Events()[0].Name != "invoke" {
		t.Errorf("ping span events = %+v", spans[0].Events())
	}
	if v, found := attr(spans[0], "matrix.room_id"); !found || v.AsString() != "!room:example.org" {
		t.Errorf("matrix.room_id = %v", v)
	}

	if spans[1].Status().Code != codes.Error {
		t.Errorf("save span status = %v, want error", spans[1].Status())
	}
	if v, _ := attr(spans[1], "command.error_code"); v.AsString() != string(commands.CodeInvocation) {
		t.Errorf("command.error_code = %v", v)
	}

	if spans[2].Name() != "command nope" || spans[2].Status().Code != codes.Error {
		t.Errorf("unknown command span = %s %v", spans[2].Name(), spans[2].Status())
	}
}

func TestTraceSync(t *testing.T) {
	tracer, recorder := newRecordingTracer(t)

	ctx, span := tracer.TraceSync(context.Background(), "s1", 4)
	if GetTraceID(ctx) == "" {
		t.Error("GetTraceID() empty inside a span")
	}
	tracer.RecordError(span, errors.New("M_UNKNOWN_TOKEN"))
	tracer.RecordError(span, nil)
	span.End()

	spans := recorder.Ended()
	if len(spans) != 1 || spans[0].Name() != "matrix.sync" {
		t.Fatalf("spans = %v", spans)
	}
	if spans[0].Status().Code != codes.Error {
		t.Errorf("status = %v, want error", spans[0].Status())
	}
	if v, _ := attr(spans[0], "matrix.rooms"); v.AsInt64() != 4 {
		t.Errorf("matrix.rooms = %v", v)
	}
	if GetTraceID(context.Background()) != "" {
		t.Error("GetTraceID() without span should be empty")
	}
}
