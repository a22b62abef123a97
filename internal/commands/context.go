package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/haasonsaas/mxbot/internal/rooms"
)

// ErrNoResponse is returned when editing or deleting a response before
// one was sent.
var ErrNoResponse = errors.New("no response has been sent")

// Context is the invocation context handed to parsers, checks and handlers.
type Context struct {
	// Session is the client the command was received on
	Session Session

	// Room is the room the message was sent in, if it is known
	Room *rooms.Room

	// Message is the triggering message
	Message *Message

	// Command is the command being invoked
	Command *Command

	// Prefix is the prefix the message matched
	Prefix string

	// InvokedWith is the name or alias the user typed
	InvokedWith string

	// OwnerID is the configured bot owner, if any
	OwnerID id.UserID

	tokens     []string
	args       *Args
	receivedAt time.Time
	response   id.EventID
}

// Tokens returns the raw argument tokens following the command name.
func (c *Context) Tokens() []string {
	return c.tokens
}

// Args returns the bound arguments; nil until binding succeeded.
func (c *Context) Args() *Args {
	return c.args
}

// RoomID returns the id of the room the message was sent in.
func (c *Context) RoomID() id.RoomID {
	return c.Message.RoomID
}

// Sender returns the user that sent the triggering message.
func (c *Context) Sender() id.UserID {
	return c.Message.Sender
}

// Latency returns the delay between the server timestamp of the message
// and the moment the dispatcher received it.
func (c *Context) Latency() time.Duration {
	if c.Message.Timestamp.IsZero() {
		return 0
	}
	return c.receivedAt.Sub(c.Message.Timestamp)
}

// Response returns the id of the last message sent through Respond.
func (c *Context) Response() id.EventID {
	return c.response
}

// Respond replies to the triggering message with a notice that mentions
// the sender.
func (c *Context) Respond(ctx context.Context, text string) (id.EventID, error) {
	content := &event.MessageEventContent{
		MsgType: event.MsgNotice,
		Body:    text,
		RelatesTo: &event.RelatesTo{
			InReplyTo: &event.InReplyTo{EventID: c.Message.EventID},
		},
		Mentions: &event.Mentions{UserIDs: []id.UserID{c.Message.Sender}},
	}
	eventID, err := c.Session.SendMessage(ctx, c.Message.RoomID, content)
	if err != nil {
		return "", fmt.Errorf("respond in %s: %w", c.Message.RoomID, err)
	}
	c.response = eventID
	return eventID, nil
}

// EditResponse replaces the text of the last response sent through
// Respond.
func (c *Context) EditResponse(ctx context.Context, text string) error {
	if c.response == "" {
		return ErrNoResponse
	}
	content := &event.MessageEventContent{MsgType: event.MsgNotice, Body: text}
	content.SetEdit(c.response)
	if _, err := c.Session.SendMessage(ctx, c.Message.RoomID, content); err != nil {
		return fmt.Errorf("edit %s: %w", c.response, err)
	}
	return nil
}

// DeleteResponse redacts the last response sent through Respond.
func (c *Context) DeleteResponse(ctx context.Context, reason string) error {
	if c.response == "" {
		return ErrNoResponse
	}
	if err := c.Session.Redact(ctx, c.Message.RoomID, c.response, reason); err != nil {
		return fmt.Errorf("redact %s: %w", c.response, err)
	}
	c.response = ""
	return nil
}

// React adds a reaction to the triggering message.
func (c *Context) React(ctx context.Context, key string) (id.EventID, error) {
	eventID, err := c.Session.React(ctx, c.Message.RoomID, c.Message.EventID, key)
	if err != nil {
		return "", fmt.Errorf("react to %s: %w", c.Message.EventID, err)
	}
	return eventID, nil
}

// Respondf formats text and responds with it.
func (c *Context) Respondf(ctx context.Context, format string, args ...any) (id.EventID, error) {
	return c.Respond(ctx, fmt.Sprintf(format, args...))
}

// SendFile uploads r and posts it to the invoking room as an m.file message.
func (c *Context) SendFile(ctx context.Context, r io.Reader, contentType, filename string, size int64) (id.EventID, error) {
	uri, err := c.Session.Upload(ctx, r, contentType, filename, size)
	if err != nil {
		return "", fmt.Errorf("upload %s: %w", filename, err)
	}
	content := &event.MessageEventContent{
		MsgType:  event.MsgFile,
		Body:     filename,
		FileName: filename,
		URL:      uri.CUString(),
		Info: &event.FileInfo{
			MimeType: contentType,
			Size:     int(size),
		},
		RelatesTo: &event.RelatesTo{
			InReplyTo: &event.InReplyTo{EventID: c.Message.EventID},
		},
	}
	return c.Session.SendMessage(ctx, c.Message.RoomID, content)
}

// Typing starts a typing notification in the invoking room that is renewed
// until the returned stop function is called.
func (c *Context) Typing(ctx context.Context) (stop func()) {
	return StartTyping(ctx, c.Session, c.Message.RoomID, DefaultTypingTimeout)
}
