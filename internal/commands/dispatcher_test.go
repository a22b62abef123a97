package commands

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

type recordingObserver struct {
	mu     sync.Mutex
	events []Event
}

func (o *recordingObserver) OnCommandEvent(_ context.Context, evt Event) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.events = append(o.events, evt)
}

func (o *recordingObserver) kinds() []EventKind {
	o.mu.Lock()
	defer o.mu.Unlock()
	kinds := make([]EventKind, len(o.events))
	for i, evt := range o.events {
		kinds[i] = evt.Kind
	}
	return kinds
}

func (o *recordingObserver) last() Event {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.events[len(o.events)-1]
}

type dispatcherFixture struct {
	session    *fakeSession
	registry   *Registry
	dispatcher *Dispatcher
	observer   *recordingObserver
	nextID     int
}

func newDispatcherFixture(t *testing.T, config DispatcherConfig) *dispatcherFixture {
	t.Helper()
	f := &dispatcherFixture{
		session:  newFakeSession(),
		registry: NewRegistry(nil),
		observer: &recordingObserver{},
	}
	d, err := NewDispatcher(f.session, f.registry, nil, config)
	if err != nil {
		t.Fatalf("NewDispatcher: %v", err)
	}
	d.AddObserver(f.observer)
	f.dispatcher = d
	return f
}

func (f *dispatcherFixture) message(body string) *Message {
	f.nextID++
	return &Message{
		RoomID:    testRoom,
		EventID:   id.EventID(fmt.Sprintf("$evt%d", f.nextID)),
		Sender:    testAlice,
		Body:      body,
		MsgType:   event.MsgText,
		Timestamp: time.Now(),
	}
}

func (f *dispatcherFixture) register(t *testing.T, cmd *Command) {
	t.Helper()
	if err := f.registry.Register(cmd); err != nil {
		t.Fatalf("Register(%s): %v", cmd.Name, err)
	}
}

func echoCommand() *Command {
	return &Command{
		Name:    "echo",
		Aliases: []string{"say"},
		Arguments: []Argument{
			{Name: "text", Kind: KindString, Greedy: true, Required: true},
		},
		Handler: func(_ context.Context, _ *Context, args *Args) (*Result, error) {
			return &Result{Text: args.String("text")}, nil
		},
	}
}

func TestDispatcher_Success(t *testing.T) {
	f := newDispatcherFixture(t, DispatcherConfig{})
	f.register(t, echoCommand())

	if err := f.dispatcher.HandleMessage(context.Background(), f.message("!echo hello 'big world'")); err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}

	sent := f.session.sentMessages()
	if len(sent) != 1 {
		t.Fatalf("sent %d messages, want 1", len(sent))
	}
	content := sent[0].Content
	if content.Body != "hello big world" {
		t.Errorf("Body = %q", content.Body)
	}
	if content.MsgType != event.MsgNotice {
		t.Errorf("MsgType = %s, want m.notice", content.MsgType)
	}
	if content.RelatesTo == nil || content.RelatesTo.InReplyTo == nil || content.RelatesTo.InReplyTo.EventID != "$evt1" {
		t.Errorf("response is not a reply to the trigger: %+v", content.RelatesTo)
	}

	want := []EventKind{EventPrepare, EventInvoke, EventComplete}
	if got := f.observer.kinds(); fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("events = %v, want %v", got, want)
	}
	if evt := f.observer.last(); evt.Result == nil || evt.Context.InvokedWith != "echo" {
		t.Errorf("complete event = %+v", evt)
	}
}

func TestDispatcher_TabAfterName(t *testing.T) {
	f := newDispatcherFixture(t, DispatcherConfig{})
	f.register(t, echoCommand())

	if err := f.dispatcher.HandleMessage(context.Background(), f.message("!echo\thi")); err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}
	sent := f.session.sentMessages()
	if len(sent) != 1 || sent[0].Content.Body != "hi" {
		t.Errorf("sent = %+v, want echo of hi", sent)
	}
}

func TestDispatcher_Alias(t *testing.T) {
	f := newDispatcherFixture(t, DispatcherConfig{})
	f.register(t, echoCommand())

	if err := f.dispatcher.HandleMessage(context.Background(), f.message("!SAY hi")); err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}
	if sent := f.session.sentMessages(); len(sent) != 1 || sent[0].Content.Body != "hi" {
		t.Errorf("sent = %+v", sent)
	}
}

func TestDispatcher_Ignored(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Message)
	}{
		{"no prefix", func(m *Message) { m.Body = "echo hi" }},
		{"own message", func(m *Message) { m.Sender = testBot }},
		{"old message", func(m *Message) { m.Timestamp = time.Now().Add(-time.Hour) }},
		{"notice", func(m *Message) { m.MsgType = event.MsgNotice }},
		{"prefix only", func(m *Message) { m.Body = "!" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newDispatcherFixture(t, DispatcherConfig{})
			f.register(t, echoCommand())
			msg := f.message("!echo hi")
			tt.mutate(msg)

			if err := f.dispatcher.HandleMessage(context.Background(), msg); err != nil {
				t.Fatalf("HandleMessage: %v", err)
			}
			if sent := f.session.sentMessages(); len(sent) != 0 {
				t.Errorf("sent %d messages, want none", len(sent))
			}
			if kinds := f.observer.kinds(); len(kinds) != 0 {
				t.Errorf("observer saw %v", kinds)
			}
		})
	}
}

func TestDispatcher_ProcessSelfAndOld(t *testing.T) {
	f := newDispatcherFixture(t, DispatcherConfig{ProcessSelf: true, ProcessOldEvents: true})
	f.register(t, echoCommand())

	msg := f.message("!echo hi")
	msg.Sender = testBot
	msg.Timestamp = time.Now().Add(-time.Hour)
	if err := f.dispatcher.HandleMessage(context.Background(), msg); err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}
	if sent := f.session.sentMessages(); len(sent) != 1 {
		t.Errorf("sent %d messages, want 1", len(sent))
	}
}

func TestDispatcher_Duplicate(t *testing.T) {
	f := newDispatcherFixture(t, DispatcherConfig{})
	f.register(t, echoCommand())

	msg := f.message("!echo once")
	for i := 0; i < 3; i++ {
		if err := f.dispatcher.HandleMessage(context.Background(), msg); err != nil {
			t.Fatalf("HandleMessage #%d: %v", i, err)
		}
	}
	if sent := f.session.sentMessages(); len(sent) != 1 {
		t.Errorf("sent %d messages, want 1", len(sent))
	}
}

func TestDispatcher_DedupEviction(t *testing.T) {
	f := newDispatcherFixture(t, DispatcherConfig{DedupSize: 2})
	f.register(t, echoCommand())

	first := f.message("!echo a")
	ctx := context.Background()
	_ = f.dispatcher.HandleMessage(ctx, first)
	_ = f.dispatcher.HandleMessage(ctx, f.message("!echo b"))
	_ = f.dispatcher.HandleMessage(ctx, f.message("!echo c"))
	// first has been evicted and is processed again
	_ = f.dispatcher.HandleMessage(ctx, first)

	if sent := f.session.sentMessages(); len(sent) != 4 {
		t.Errorf("sent %d messages, want 4", len(sent))
	}
}

func TestDispatcher_ReplyFallback(t *testing.T) {
	f := newDispatcherFixture(t, DispatcherConfig{})
	f.register(t, echoCommand())

	msg := f.message("> <@bob:example.org> earlier message\n\n!echo replied")
	if err := f.dispatcher.HandleMessage(context.Background(), msg); err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}
	if sent := f.session.sentMessages(); len(sent) != 1 || sent[0].Content.Body != "replied" {
		t.Errorf("sent = %+v", sent)
	}
}

func TestDispatcher_Failures(t *testing.T) {
	tests := []struct {
		name        string
		cmd         *Command
		body        string
		wantCode    ErrorCode
		wantInvoked bool
		wantKinds   []EventKind
	}{
		{
			name:      "not found",
			body:      "!missing",
			wantCode:  CodeNotFound,
			wantKinds: []EventKind{EventError},
		},
		{
			name:      "disabled",
			cmd:       &Command{Name: "off", Disabled: true, Handler: noopHandler},
			body:      "!off",
			wantCode:  CodeDisabled,
			wantKinds: []EventKind{EventError},
		},
		{
			name: "check failed",
			cmd: &Command{Name: "admin", Handler: noopHandler, Checks: []Check{
				func(context.Context, *Context) error { return &CheckFailure{Message: "nope"} },
			}},
			body:      "!admin",
			wantCode:  CodeCheckFailed,
			wantKinds: []EventKind{EventPrepare, EventError},
		},
		{
			name: "check panic",
			cmd: &Command{Name: "fragile", Handler: noopHandler, Checks: []Check{
				func(context.Context, *Context) error {
					var owners map[string]bool
					owners["alice"] = true
					return nil
				},
			}},
			body:      "!fragile",
			wantCode:  CodeCheckFailed,
			wantKinds: []EventKind{EventPrepare, EventError},
		},
		{
			name: "parser panic",
			cmd: &Command{
				Name: "convert",
				Arguments: []Argument{{
					Name: "value",
					Kind: KindCustom,
					Parser: ParserFunc(func(context.Context, *Context, *Argument, string) (any, error) {
						var cache map[string]int
						cache["value"] = 1
						return nil, nil
					}),
				}},
				Handler: noopHandler,
			},
			body:      "!convert 1",
			wantCode:  CodeParserFailed,
			wantKinds: []EventKind{EventPrepare, EventError},
		},
		{
			name:      "missing argument",
			cmd:       echoCommand(),
			body:      "!echo",
			wantCode:  CodeMissingArgument,
			wantKinds: []EventKind{EventPrepare, EventError},
		},
		{
			name:      "too many arguments",
			cmd:       &Command{Name: "bare", Handler: noopHandler},
			body:      "!bare extra",
			wantCode:  CodeTooManyArguments,
			wantKinds: []EventKind{EventPrepare, EventError},
		},
		{
			name: "handler error",
			cmd: &Command{Name: "boom", Handler: func(context.Context, *Context, *Args) (*Result, error) {
				return nil, errors.New("kaboom")
			}},
			body:        "!boom",
			wantCode:    CodeInvocation,
			wantInvoked: true,
			wantKinds:   []EventKind{EventPrepare, EventInvoke, EventError},
		},
		{
			name: "handler panic",
			cmd: &Command{Name: "panic", Handler: func(context.Context, *Context, *Args) (*Result, error) {
				panic("unexpected")
			}},
			body:        "!panic",
			wantCode:    CodeInvocation,
			wantInvoked: true,
			wantKinds:   []EventKind{EventPrepare, EventInvoke, EventError},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newDispatcherFixture(t, DispatcherConfig{})
			if tt.cmd != nil {
				f.register(t, tt.cmd)
			}

			err := f.dispatcher.HandleMessage(context.Background(), f.message(tt.body))
			if GetErrorCode(err) != tt.wantCode {
				t.Fatalf("HandleMessage error = %v, want code %s", err, tt.wantCode)
			}
			if got := f.observer.kinds(); fmt.Sprint(got) != fmt.Sprint(tt.wantKinds) {
				t.Errorf("events = %v, want %v", got, tt.wantKinds)
			}
			evt := f.observer.last()
			if evt.Err == nil || evt.Err.Code != tt.wantCode {
				t.Errorf("error event = %+v", evt)
			}
			if sent := f.session.sentMessages(); len(sent) != 0 {
				t.Errorf("sent %d messages without ReplyOnError", len(sent))
			}
		})
	}
}

func TestDispatcher_PrepareKeepsEventOrder(t *testing.T) {
	f := newDispatcherFixture(t, DispatcherConfig{})
	var ran []string
	f.register(t, &Command{
		Name:      "once",
		Arguments: []Argument{{Name: "tag", Kind: KindString}},
		Checks:    []Check{Cooldown(1, time.Minute)},
		Handler: func(_ context.Context, _ *Context, args *Args) (*Result, error) {
			ran = append(ran, args.String("tag"))
			return nil, nil
		},
	})

	ctx := context.Background()
	first, err := f.dispatcher.Prepare(ctx, f.message("!once first"))
	if err != nil || first == nil {
		t.Fatalf("Prepare(first) = %v, %v", first, err)
	}
	second, err := f.dispatcher.Prepare(ctx, f.message("!once second"))
	if GetErrorCode(err) != CodeCheckFailed || second != nil {
		t.Fatalf("Prepare(second) = %v, %v, want cooldown failure", second, err)
	}

	if err := f.dispatcher.Invoke(ctx, first); err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if fmt.Sprint(ran) != "[first]" {
		t.Errorf("ran = %v, want [first]", ran)
	}

	ignored, err := f.dispatcher.Prepare(ctx, f.message("not a command"))
	if ignored != nil || err != nil {
		t.Errorf("Prepare(plain text) = %v, %v, want nil, nil", ignored, err)
	}
}

func TestDispatcher_ReplyOnError(t *testing.T) {
	f := newDispatcherFixture(t, DispatcherConfig{ReplyOnError: true})
	f.register(t, echoCommand())

	_ = f.dispatcher.HandleMessage(context.Background(), f.message("!echo"))
	sent := f.session.sentMessages()
	if len(sent) != 1 {
		t.Fatalf("sent %d messages, want 1", len(sent))
	}
	if !strings.Contains(sent[0].Content.Body, `"text"`) {
		t.Errorf("error reply = %q", sent[0].Content.Body)
	}
}

func TestDispatcher_ObserverPanicIsContained(t *testing.T) {
	f := newDispatcherFixture(t, DispatcherConfig{})
	f.register(t, echoCommand())
	f.dispatcher.AddObserver(ObserverFunc(func(context.Context, Event) { panic("observer") }))
	after := &recordingObserver{}
	f.dispatcher.AddObserver(after)

	if err := f.dispatcher.HandleMessage(context.Background(), f.message("!echo hi")); err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}
	if got := len(after.kinds()); got != 3 {
		t.Errorf("later observer saw %d events, want 3", got)
	}
	if sent := f.session.sentMessages(); len(sent) != 1 {
		t.Errorf("sent %d messages, want 1", len(sent))
	}
}

func TestDispatcher_SuppressedResult(t *testing.T) {
	f := newDispatcherFixture(t, DispatcherConfig{})
	f.register(t, &Command{Name: "quiet", Handler: func(context.Context, *Context, *Args) (*Result, error) {
		return &Result{Text: "hidden", Suppress: true}, nil
	}})

	if err := f.dispatcher.HandleMessage(context.Background(), f.message("!quiet")); err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}
	if sent := f.session.sentMessages(); len(sent) != 0 {
		t.Errorf("sent %d messages, want none", len(sent))
	}
}

func TestDispatcher_ContextFields(t *testing.T) {
	f := newDispatcherFixture(t, DispatcherConfig{OwnerID: testAlice})
	var got *Context
	f.register(t, &Command{
		Name:      "inspect",
		Arguments: []Argument{{Name: "ctx", Kind: KindContext}, {Name: "rest", Kind: KindString, Variadic: true}},
		Handler: func(_ context.Context, inv *Context, _ *Args) (*Result, error) {
			got = inv
			return nil, nil
		},
	})

	if err := f.dispatcher.HandleMessage(context.Background(), f.message("!inspect a 'b c'")); err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}
	if got == nil {
		t.Fatal("handler not invoked")
	}
	if got.Prefix != "!" || got.InvokedWith != "inspect" || got.OwnerID != testAlice {
		t.Errorf("context = %+v", got)
	}
	if got.Room == nil || got.Room.ID != testRoom {
		t.Errorf("Room = %v", got.Room)
	}
	if fmt.Sprint(got.Tokens()) != "[a b c]" {
		t.Errorf("Tokens() = %q", got.Tokens())
	}
	if v, _ := got.Args().Get("ctx"); v != got {
		t.Error("context argument not bound")
	}
	if got.Latency() < 0 {
		t.Errorf("Latency() = %v", got.Latency())
	}
}

func TestNewDispatcher_Errors(t *testing.T) {
	if _, err := NewDispatcher(nil, NewRegistry(nil), nil, DispatcherConfig{}); err == nil {
		t.Error("expected error without session")
	}
	if _, err := NewDispatcher(newFakeSession(), nil, nil, DispatcherConfig{}); err == nil {
		t.Error("expected error without registry")
	}
}
