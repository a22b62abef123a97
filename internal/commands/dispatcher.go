package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// DefaultDedupSize is how many recent event ids the dispatcher remembers.
const DefaultDedupSize = 1000

// EventKind is a dispatch lifecycle stage.
type EventKind string

const (
	// EventPrepare fires once a command was matched and its context built.
	EventPrepare EventKind = "prepare"

	// EventInvoke fires right before the handler runs.
	EventInvoke EventKind = "invoke"

	// EventComplete fires after the handler returned without error.
	EventComplete EventKind = "complete"

	// EventError fires for every failure after a prefix matched.
	EventError EventKind = "error"
)

// Event is a dispatch lifecycle notification.
type Event struct {
	Kind EventKind

	// Name is the command name as typed
	Name string

	// Context is nil for EventError when no command matched
	Context *Context

	// Result is set for EventComplete
	Result *Result

	// Err is set for EventError
	Err *Error

	// Duration is the handler run time, set for EventComplete and EventError
	Duration time.Duration
}

// Observer receives dispatch lifecycle notifications.
type Observer interface {
	OnCommandEvent(ctx context.Context, evt Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ctx context.Context, evt Event)

// OnCommandEvent implements Observer.
func (f ObserverFunc) OnCommandEvent(ctx context.Context, evt Event) {
	f(ctx, evt)
}

// DispatcherConfig configures a Dispatcher.
type DispatcherConfig struct {
	// Prefix selects which messages are commands; defaults to DefaultPrefixes
	Prefix *Prefix

	// OwnerID is exposed to checks through Context.OwnerID
	OwnerID id.UserID

	// ProcessSelf handles messages sent by the bot's own user
	ProcessSelf bool

	// ProcessOldEvents handles messages sent before StartTime
	ProcessOldEvents bool

	// StartTime is the cut-off for old events; defaults to NewDispatcher time
	StartTime time.Time

	// ReplyOnError answers failed invocations with a short error message
	ReplyOnError bool

	// DedupSize bounds the duplicate event id cache
	DedupSize int

	Logger *slog.Logger
}

// Dispatcher routes inbound messages to registered commands.
type Dispatcher struct {
	session   Session
	registry  *Registry
	binder    *Binder
	config    DispatcherConfig
	logger    *slog.Logger
	seen      *eventIDCache
	observers []Observer

	mu sync.Mutex
}

// NewDispatcher creates a dispatcher for session.
func NewDispatcher(session Session, registry *Registry, binder *Binder, config DispatcherConfig) (*Dispatcher, error) {
	if session == nil {
		return nil, errors.New("session is required")
	}
	if registry == nil {
		return nil, errors.New("registry is required")
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if binder == nil {
		binder = NewBinder(NewParserRegistry(), config.Logger)
	}
	if config.Prefix == nil {
		prefix, err := NewPrefix(config.Logger, DefaultPrefixes...)
		if err != nil {
			return nil, err
		}
		config.Prefix = prefix
	}
	if config.StartTime.IsZero() {
		config.StartTime = time.Now()
	}
	if config.DedupSize <= 0 {
		config.DedupSize = DefaultDedupSize
	}
	return &Dispatcher{
		session:  session,
		registry: registry,
		binder:   binder,
		config:   config,
		logger:   config.Logger.With("component", "dispatcher"),
		seen:     newEventIDCache(config.DedupSize),
	}, nil
}

// AddObserver registers an observer. It is not safe to call concurrently
// with HandleMessage.
func (d *Dispatcher) AddObserver(o Observer) {
	d.observers = append(d.observers, o)
}

// Registry returns the command registry.
func (d *Dispatcher) Registry() *Registry {
	return d.registry
}

// Prefix returns the command prefix.
func (d *Dispatcher) Prefix() *Prefix {
	return d.config.Prefix
}

// HandleMessage processes one inbound message. Messages that are not
// commands return nil. A matched command that fails at any stage returns
// the *Error that was also delivered to observers.
func (d *Dispatcher) HandleMessage(ctx context.Context, msg *Message) error {
	inv, err := d.Prepare(ctx, msg)
	if err != nil || inv == nil {
		return err
	}
	return d.Invoke(ctx, inv)
}

// Prepare filters msg, matches a command, runs its checks and binds its
// arguments. It returns a nil Context when msg is not a command to run.
// Calls are serialized, so callers that need event order must call
// Prepare in that order; Invoke may then run concurrently.
func (d *Dispatcher) Prepare(ctx context.Context, msg *Message) (*Context, error) {
	inv, cmdErr := d.prepare(ctx, msg)
	if cmdErr != nil {
		return nil, cmdErr
	}
	return inv, nil
}

func (d *Dispatcher) prepare(ctx context.Context, msg *Message) (*Context, *Error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if msg == nil {
		return nil, nil
	}
	if msg.EventID != "" {
		if d.seen.Contains(msg.EventID) {
			d.logger.Warn("not processing duplicate message event", "event_id", msg.EventID)
			return nil, nil
		}
		d.seen.Add(msg.EventID)
	}
	if msg.MsgType != "" && msg.MsgType != event.MsgText {
		d.logger.Debug("ignoring non-text message", "event_id", msg.EventID, "msgtype", msg.MsgType)
		return nil, nil
	}
	if !d.config.ProcessSelf && msg.Sender == d.session.UserID() {
		d.logger.Debug("ignoring message sent by self", "event_id", msg.EventID)
		return nil, nil
	}
	if !d.config.ProcessOldEvents && !msg.Timestamp.IsZero() && msg.Timestamp.Before(d.config.StartTime) {
		d.logger.Debug("ignoring message sent before startup",
			"event_id", msg.EventID,
			"age", d.config.StartTime.Sub(msg.Timestamp))
		return nil, nil
	}

	body := msg.Body
	if stripped, ok := StripReplyFallback(body); ok {
		body = stripped
	} else if len(body) > 0 && body[0] == '>' {
		d.logger.Debug("could not split reply fallback", "event_id", msg.EventID)
	}

	parsed := d.config.Prefix.Parse(body)
	if parsed == nil {
		return nil, nil
	}

	cmd, ok := d.registry.Get(parsed.Name)
	if !ok {
		d.logger.Debug("command not found", "name", parsed.Name, "event_id", msg.EventID)
		cmdErr := ErrNotFound(parsed.Name)
		d.notify(ctx, Event{Kind: EventError, Name: parsed.Name, Err: cmdErr})
		return nil, cmdErr
	}

	room, _ := d.session.Room(msg.RoomID)
	inv := &Context{
		Session:     d.session,
		Room:        room,
		Message:     msg,
		Command:     cmd,
		Prefix:      parsed.Prefix,
		InvokedWith: parsed.Name,
		OwnerID:     d.config.OwnerID,
		tokens:      Tokenize(parsed.Args),
		receivedAt:  time.Now(),
	}

	if cmd.Disabled {
		return nil, d.fail(ctx, inv, ErrDisabled(cmd.Name), 0)
	}

	d.notify(ctx, Event{Kind: EventPrepare, Name: parsed.Name, Context: inv})

	if err := d.runChecks(ctx, inv); err != nil {
		return nil, d.fail(ctx, inv, ErrCheckFailed(cmd.Name, err), 0)
	}

	args, err := d.binder.Bind(ctx, inv, cmd.Name, cmd.Arguments, inv.tokens)
	if err != nil {
		var cmdErr *Error
		if !errors.As(err, &cmdErr) {
			cmdErr = ErrInvocation(cmd.Name, err)
		}
		return nil, d.fail(ctx, inv, cmdErr, 0)
	}
	inv.args = args
	return inv, nil
}

// runChecks runs the command's checks in order and stops at the first
// failure. A panicking check counts as a failure.
func (d *Dispatcher) runChecks(ctx context.Context, inv *Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("command check panicked",
				"command", inv.Command.Name,
				"panic", r,
				"stack", string(debug.Stack()))
			err = fmt.Errorf("check panicked: %v", r)
		}
	}()
	for _, check := range inv.Command.Checks {
		if err := check(ctx, inv); err != nil {
			return err
		}
	}
	return nil
}

// Invoke runs a prepared command and sends its response.
func (d *Dispatcher) Invoke(ctx context.Context, inv *Context) error {
	cmd := inv.Command
	d.notify(ctx, Event{Kind: EventInvoke, Name: inv.InvokedWith, Context: inv})
	d.logger.Debug("running command",
		"command", cmd.Name,
		"room_id", inv.RoomID(),
		"sender", inv.Sender(),
		"arguments", inv.args.Len())

	start := time.Now()
	result, err := d.run(ctx, inv)
	elapsed := time.Since(start)
	if err != nil {
		var cmdErr *Error
		if !errors.As(err, &cmdErr) {
			cmdErr = ErrInvocation(cmd.Name, err)
		}
		return d.fail(ctx, inv, cmdErr, elapsed)
	}

	if result != nil && !result.Suppress && result.Text != "" {
		if _, err := inv.Respond(ctx, result.Text); err != nil {
			d.logger.Warn("failed to send command response", "command", cmd.Name, "error", err)
		}
	}

	d.logger.Debug("command finished", "command", cmd.Name, "duration", elapsed)
	d.notify(ctx, Event{Kind: EventComplete, Name: inv.InvokedWith, Context: inv, Result: result, Duration: elapsed})
	return nil
}

func (d *Dispatcher) run(ctx context.Context, inv *Context) (result *Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("command panicked",
				"command", inv.Command.Name,
				"panic", r,
				"stack", string(debug.Stack()))
			result = nil
			err = ErrInvocation(inv.Command.Name, fmt.Errorf("panic: %v", r))
		}
	}()
	return inv.Command.Handler(ctx, inv, inv.args)
}

func (d *Dispatcher) fail(ctx context.Context, inv *Context, cmdErr *Error, elapsed time.Duration) *Error {
	level := slog.LevelDebug
	if cmdErr.Code == CodeInvocation {
		level = slog.LevelError
	}
	d.logger.Log(ctx, level, "command failed",
		"command", inv.Command.Name,
		"code", cmdErr.Code,
		"room_id", inv.RoomID(),
		"sender", inv.Sender(),
		"error", cmdErr)

	d.notify(ctx, Event{Kind: EventError, Name: inv.InvokedWith, Context: inv, Err: cmdErr, Duration: elapsed})

	if d.config.ReplyOnError && cmdErr.Code != CodeDisabled {
		if _, err := inv.Respond(ctx, FormatError(cmdErr)); err != nil {
			d.logger.Warn("failed to send error response", "command", inv.Command.Name, "error", err)
		}
	}
	return cmdErr
}

// notify delivers evt to every observer. A panicking observer is logged
// and does not affect the others.
func (d *Dispatcher) notify(ctx context.Context, evt Event) {
	for _, o := range d.observers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					d.logger.Error("command observer panicked", "event", evt.Kind, "panic", r)
				}
			}()
			o.OnCommandEvent(ctx, evt)
		}()
	}
}

// FormatError renders a dispatch error for the user who caused it.
func FormatError(err *Error) string {
	switch err.Code {
	case CodeMissingArgument:
		return fmt.Sprintf("Missing required argument %q.", err.Argument)
	case CodeTooManyArguments:
		return fmt.Sprintf("Too many arguments: %s", err.Input)
	case CodeParserFailed:
		var perr *ParserError
		if errors.As(err, &perr) {
			return fmt.Sprintf("Invalid value for %q: %s", err.Argument, perr.Message)
		}
		return fmt.Sprintf("Invalid value for %q.", err.Argument)
	case CodeCheckFailed:
		var failure *CheckFailure
		if errors.As(err, &failure) {
			return "You cannot run this command: " + failure.Message
		}
		return "You cannot run this command."
	case CodeNotFound:
		return fmt.Sprintf("Unknown command %q.", err.Command)
	}
	return fmt.Sprintf("Error while running %s: %v", err.Command, RootCause(err))
}

// eventIDCache remembers the most recent event ids in insertion order.
type eventIDCache struct {
	ids   []id.EventID
	index map[id.EventID]struct{}
	next  int
}

func newEventIDCache(size int) *eventIDCache {
	return &eventIDCache{
		ids:   make([]id.EventID, size),
		index: make(map[id.EventID]struct{}, size),
	}
}

func (c *eventIDCache) Contains(eventID id.EventID) bool {
	_, ok := c.index[eventID]
	return ok
}

func (c *eventIDCache) Add(eventID id.EventID) {
	if old := c.ids[c.next]; old != "" {
		delete(c.index, old)
	}
	c.ids[c.next] = eventID
	c.index[eventID] = struct{}{}
	c.next = (c.next + 1) % len(c.ids)
}
