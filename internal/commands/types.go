// Package commands turns chat messages into typed command invocations:
// prefix detection, tokenizing, argument binding and dispatch.
package commands

import (
	"context"
	"fmt"
	"io"
	"time"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/haasonsaas/mxbot/internal/rooms"
)

// Kind is the declared type of a command argument. The binder looks up the
// parser for an argument by its Kind.
type Kind string

const (
	// KindContext binds the live invocation context and never consumes input.
	KindContext Kind = "context"
	KindString  Kind = "string"
	KindBool    Kind = "bool"
	KindInt     Kind = "int"
	KindFloat   Kind = "float"
	KindJSON    Kind = "json"
	KindRoom    Kind = "room"
	KindEvent   Kind = "event"
	KindLink    Kind = "link"
	KindMXC     Kind = "mxc"
	KindUser    Kind = "user"
	// KindCustom requires Argument.Parser to be set.
	KindCustom Kind = "custom"
)

// Argument describes one declared command parameter.
type Argument struct {
	// Name identifies the argument within its command
	Name string

	// Kind selects the parser used for this argument
	Kind Kind

	// Required makes binding fail when no input is left for the argument
	Required bool

	// Default is bound when an optional argument receives no input
	Default any

	// Greedy consumes all remaining tokens joined by single spaces
	Greedy bool

	// Variadic consumes all remaining tokens as a list
	Variadic bool

	// Parser overrides the registry parser for Kind
	Parser Parser

	// Description is shown in help output
	Description string
}

// ValidateArguments checks a command's argument list.
func ValidateArguments(args []Argument) error {
	seen := make(map[string]bool, len(args))
	for i, arg := range args {
		if arg.Name == "" {
			return fmt.Errorf("argument %d has no name", i)
		}
		if seen[arg.Name] {
			return fmt.Errorf("duplicate argument %q", arg.Name)
		}
		seen[arg.Name] = true

		if arg.Kind == "" {
			return fmt.Errorf("argument %q has no kind", arg.Name)
		}
		if arg.Kind == KindCustom && arg.Parser == nil {
			return fmt.Errorf("argument %q is custom but has no parser", arg.Name)
		}
		if arg.Greedy && arg.Variadic {
			return fmt.Errorf("argument %q cannot be both greedy and variadic", arg.Name)
		}
		if (arg.Greedy || arg.Variadic) && i != len(args)-1 {
			return fmt.Errorf("greedy or variadic argument %q must be last", arg.Name)
		}
		if arg.Kind == KindContext && (arg.Greedy || arg.Variadic || arg.Required) {
			return fmt.Errorf("context argument %q cannot consume input", arg.Name)
		}
	}
	return nil
}

// Handler runs a command with its bound arguments.
type Handler func(ctx context.Context, inv *Context, args *Args) (*Result, error)

// Check decides whether an invocation may run. It returns a non-nil error,
// usually a *CheckFailure, to reject it.
type Check func(ctx context.Context, inv *Context) error

// Command represents a registered command.
type Command struct {
	// Name is the command name without prefix (e.g., "help")
	Name string

	// Aliases are alternative names for the command
	Aliases []string

	// Description is a short description of what the command does
	Description string

	// Usage shows how to use the command; generated from Arguments if empty
	Usage string

	// Arguments is the declared parameter list, bound in order
	Arguments []Argument

	// Handler is the function that executes the command
	Handler Handler

	// Checks must all pass before arguments are bound
	Checks []Check

	// Disabled commands are matched but never run
	Disabled bool

	// Hidden hides the command from help listings
	Hidden bool

	// Category groups commands in help output
	Category string
}

// Result is the output of a command execution.
type Result struct {
	// Text is the response message to send
	Text string

	// Suppress indicates no response should be sent
	Suppress bool

	// Data holds structured data for programmatic consumption
	Data map[string]any
}

// Message is an inbound text message that may carry a command.
type Message struct {
	RoomID    id.RoomID
	EventID   id.EventID
	Sender    id.UserID
	Body      string
	MsgType   event.MessageType
	Timestamp time.Time
}

// Session is the protocol client a dispatcher runs against.
type Session interface {
	// UserID returns the bot's own user id.
	UserID() id.UserID

	// Room returns a known room by id.
	Room(roomID id.RoomID) (*rooms.Room, bool)

	// FindRoomByAlias returns a known room carrying the alias.
	FindRoomByAlias(alias id.RoomAlias) (*rooms.Room, bool)

	// ResolveAlias asks the server which room an alias points at.
	ResolveAlias(ctx context.Context, alias id.RoomAlias) (id.RoomID, error)

	// GetEvent fetches a single event.
	GetEvent(ctx context.Context, roomID id.RoomID, eventID id.EventID) (*event.Event, error)

	// DirectRoom returns a direct-message room with user, creating one if needed.
	DirectRoom(ctx context.Context, user id.UserID) (id.RoomID, error)

	// SendMessage sends an m.room.message event.
	SendMessage(ctx context.Context, roomID id.RoomID, content *event.MessageEventContent) (id.EventID, error)

	// Redact removes the content of an event.
	Redact(ctx context.Context, roomID id.RoomID, eventID id.EventID, reason string) error

	// React annotates an event with key.
	React(ctx context.Context, roomID id.RoomID, eventID id.EventID, key string) (id.EventID, error)

	// SetTyping starts or stops the typing notification in a room.
	SetTyping(ctx context.Context, roomID id.RoomID, typing bool, timeout time.Duration) error

	// Upload stores media on the homeserver.
	Upload(ctx context.Context, r io.Reader, contentType, filename string, size int64) (id.ContentURI, error)
}
