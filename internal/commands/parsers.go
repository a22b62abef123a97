package commands

import (
	"context"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"sync"

	jsoniter "github.com/json-iterator/go"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/haasonsaas/mxbot/internal/rooms"
)

// Parser converts one raw token (or the joined remainder, for greedy
// arguments) into a typed value. Parsers that need the network block on
// the Session and honour ctx.
type Parser interface {
	Parse(ctx context.Context, inv *Context, arg *Argument, value string) (any, error)
}

// ParserFunc adapts a function to the Parser interface.
type ParserFunc func(ctx context.Context, inv *Context, arg *Argument, value string) (any, error)

// Parse calls f.
func (f ParserFunc) Parse(ctx context.Context, inv *Context, arg *Argument, value string) (any, error) {
	return f(ctx, inv, arg, value)
}

// ParserRegistry maps argument kinds to parsers.
type ParserRegistry struct {
	mu      sync.RWMutex
	parsers map[Kind]Parser
}

// NewParserRegistry creates a registry preloaded with the built-in parsers.
func NewParserRegistry() *ParserRegistry {
	return &ParserRegistry{parsers: DefaultParsers()}
}

// DefaultParsers returns the built-in kind to parser mapping.
func DefaultParsers() map[Kind]Parser {
	return map[Kind]Parser{
		KindString: StringParser{},
		KindBool:   BooleanParser{},
		KindInt:    IntegerParser{},
		KindFloat:  FloatParser{},
		KindJSON:   JSONParser{},
		KindRoom:   RoomParser{},
		KindEvent:  EventParser{},
		KindLink:   MatrixToParser{RequireRoom: true, AllowUserAsRoom: true},
		KindMXC:    MXCParser{},
		KindUser:   UserParser{},
	}
}

// Register installs parser for kind, replacing any existing one.
func (r *ParserRegistry) Register(kind Kind, parser Parser) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.parsers[kind] = parser
}

// Lookup returns the parser for an argument: its own parser if set,
// otherwise the registered parser for its kind.
func (r *ParserRegistry) Lookup(arg *Argument) (Parser, bool) {
	if arg.Parser != nil {
		return arg.Parser, true
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.parsers[arg.Kind]
	return p, ok
}

// StringParser returns its input unchanged.
type StringParser struct{}

// Parse implements Parser.
func (StringParser) Parse(_ context.Context, _ *Context, _ *Argument, value string) (any, error) {
	return value, nil
}

// BooleanParser accepts 1/y/yes/true/on and 0/n/no/false/off, ignoring case.
type BooleanParser struct{}

// Parse implements Parser.
func (BooleanParser) Parse(_ context.Context, _ *Context, _ *Argument, value string) (any, error) {
	switch strings.ToLower(value) {
	case "1", "y", "yes", "true", "on":
		return true, nil
	case "0", "n", "no", "false", "off":
		return false, nil
	}
	return nil, parserErrorf(value, nil, "invalid boolean value: %s. Should be a sensible value, such as 1, yes, false", value)
}

// FloatParser parses decimal and exponential numerals.
type FloatParser struct{}

// Parse implements Parser.
func (FloatParser) Parse(_ context.Context, _ *Context, _ *Argument, value string) (any, error) {
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return nil, parserErrorf(value, err, "invalid float value: %s. Should be a number", value)
	}
	return f, nil
}

// IntegerParser parses an integer in Base (10 when zero). With AllowFloats
// set, values that are not integers fall back to float parsing.
type IntegerParser struct {
	Base        int
	AllowFloats bool
}

var basePrefixes = map[int]string{2: "0b", 8: "0o", 16: "0x"}

// Parse implements Parser.
func (p IntegerParser) Parse(_ context.Context, _ *Context, _ *Argument, value string) (any, error) {
	base := p.Base
	if base == 0 {
		base = 10
	}

	digits, negative := value, false
	if strings.HasPrefix(digits, "-") || strings.HasPrefix(digits, "+") {
		negative = digits[0] == '-'
		digits = digits[1:]
	}
	if prefix, ok := basePrefixes[base]; ok && len(digits) > len(prefix) && strings.EqualFold(digits[:len(prefix)], prefix) {
		digits = digits[len(prefix):]
	}
	if negative {
		digits = "-" + digits
	}

	n, err := strconv.ParseInt(digits, base, 64)
	if err == nil {
		return n, nil
	}
	if p.AllowFloats {
		f, ferr := strconv.ParseFloat(value, 64)
		if ferr == nil {
			return f, nil
		}
		err = ferr
	}
	return nil, parserErrorf(value, err, "invalid integer value: %s. Should be a number", value)
}

var fastJSON = jsoniter.ConfigFastest

// JSONParser decodes any JSON value.
type JSONParser struct{}

// Parse implements Parser.
func (JSONParser) Parse(_ context.Context, _ *Context, _ *Argument, value string) (any, error) {
	var out any
	if err := fastJSON.UnmarshalFromString(value, &out); err != nil {
		return nil, parserErrorf(value, err, "invalid JSON value: %s. Should be a valid JSON object", value)
	}
	return out, nil
}

// MatrixToRegex matches matrix.to links, capturing the room (or user), the
// optional event and the query string.
var MatrixToRegex = regexp.MustCompile(`^(?:https?://)?matrix\.to/#/(?P<room>[^/?]+)(?:/(?P<event>[^/?&#]+))?(?P<query>(?:[&?]via=[^&]+)*)?`)

type matrixToMatch struct {
	room  string
	event string
	query string
}

func matchMatrixTo(value string, re *regexp.Regexp) (matrixToMatch, bool) {
	m := re.FindStringSubmatch(value)
	if m == nil {
		return matrixToMatch{}, false
	}
	var out matrixToMatch
	for i, name := range re.SubexpNames() {
		switch name {
		case "room":
			out.room = unescape(m[i])
		case "event":
			out.event = unescape(m[i])
		case "query":
			out.query = m[i]
		}
	}
	return out, true
}

func unescape(s string) string {
	if u, err := url.PathUnescape(s); err == nil {
		return u
	}
	return s
}

// RoomParser resolves a room id, alias or matrix.to link to a known room.
// Aliases are looked up in the room cache first and resolved through the
// server otherwise.
type RoomParser struct{}

// Parse implements Parser.
func (RoomParser) Parse(ctx context.Context, inv *Context, _ *Argument, value string) (any, error) {
	var room *rooms.Room
	var ok bool

	switch {
	case strings.HasPrefix(value, "!"):
		room, ok = inv.Session.Room(id.RoomID(value))
	case strings.HasPrefix(value, "#"):
		alias := id.RoomAlias(value)
		room, ok = inv.Session.FindRoomByAlias(alias)
		if !ok {
			roomID, err := inv.Session.ResolveAlias(ctx, alias)
			if err != nil {
				return nil, parserErrorf(value, err, "invalid room alias: %s", value)
			}
			room, ok = inv.Session.Room(roomID)
		}
	default:
		link, matched := matchMatrixTo(value, MatrixToRegex)
		if !matched {
			return nil, parserErrorf(value, nil, "invalid room ID, alias, or matrix.to link: %q", value)
		}
		if link.room == "" {
			return nil, parserErrorf(value, nil, "invalid matrix.to link: %s (no room)", value)
		}
		room, ok = inv.Session.Room(id.RoomID(link.room))
	}

	if !ok {
		return nil, parserErrorf(value, nil, "no room with that ID, alias, or matrix.to link found")
	}
	return room, nil
}

// EventParser fetches an event by id or matrix.to link. If EventType is
// set, the event must be of that type.
type EventParser struct {
	EventType string
}

// Parse implements Parser.
func (p EventParser) Parse(ctx context.Context, inv *Context, _ *Argument, value string) (any, error) {
	roomID := inv.RoomID()
	eventID := value
	if link, ok := matchMatrixTo(value, MatrixToRegex); ok {
		if link.room == "" {
			return nil, parserErrorf(value, nil, "invalid matrix.to link: %s (no room)", value)
		}
		if link.event == "" {
			return nil, parserErrorf(value, nil, "invalid matrix.to link: %s (expected an event)", value)
		}
		roomID = id.RoomID(link.room)
		eventID = link.event
	}

	if !strings.HasPrefix(eventID, "$") {
		return nil, parserErrorf(value, nil, "invalid event ID or matrix.to link: %q", value)
	}
	evt, err := inv.Session.GetEvent(ctx, roomID, id.EventID(eventID))
	if err != nil {
		return nil, parserErrorf(value, err, "invalid event ID: %s", eventID)
	}
	if p.EventType != "" && evt.Type.Type != p.EventType {
		return nil, parserErrorf(value, nil, "invalid event ID: %s (expected %s, got %s)", eventID, p.EventType, evt.Type.Type)
	}
	return evt, nil
}

// MatrixToLink is a decomposed matrix.to link. Room and Event are only
// populated when the link was resolved.
type MatrixToLink struct {
	RoomID  string
	Room    *rooms.Room
	EventID string
	Event   *event.Event
	Query   string
}

// MatrixToParser decomposes a matrix.to link into room, event and query.
type MatrixToParser struct {
	// Domain replaces matrix.to when set
	Domain string

	// RequireRoom rejects links without a room part
	RequireRoom bool

	// RequireEvent rejects links without an event part
	RequireEvent bool

	// AllowUserAsRoom accepts user links, resolving them to a direct room
	AllowUserAsRoom bool

	// Stateless only splits the link without resolving rooms or events
	Stateless bool
}

func (p MatrixToParser) regex() *regexp.Regexp {
	if p.Domain == "" || p.Domain == "matrix.to" {
		return MatrixToRegex
	}
	pattern := strings.Replace(MatrixToRegex.String(), `matrix\.to`, regexp.QuoteMeta(p.Domain), 1)
	return regexp.MustCompile(pattern)
}

// Parse implements Parser.
func (p MatrixToParser) Parse(ctx context.Context, inv *Context, _ *Argument, value string) (any, error) {
	m, ok := matchMatrixTo(value, p.regex())
	if !ok {
		return nil, parserErrorf(value, nil, "invalid matrix.to link: %q", value)
	}
	if p.RequireRoom && m.room == "" {
		return nil, parserErrorf(value, nil, "invalid matrix.to link: %s (no room)", value)
	}
	if p.RequireEvent && m.event == "" {
		return nil, parserErrorf(value, nil, "invalid matrix.to link: %s (no event)", value)
	}
	isUser := strings.HasPrefix(m.room, "@")
	if isUser && !p.AllowUserAsRoom {
		return nil, parserErrorf(value, nil, "invalid matrix.to link: %s (expected room, got user)", value)
	}

	link := MatrixToLink{RoomID: m.room, EventID: m.event, Query: m.query}
	if p.Stateless {
		return link, nil
	}

	roomID := id.RoomID(m.room)
	if isUser {
		dm, err := inv.Session.DirectRoom(ctx, id.UserID(m.room))
		if err != nil {
			return nil, parserErrorf(value, err, "no direct room with %s", m.room)
		}
		roomID = dm
	}
	room, ok := inv.Session.Room(roomID)
	if !ok {
		return nil, parserErrorf(value, nil, "no room with that ID, alias, or matrix.to link found")
	}
	link.RoomID = string(roomID)
	link.Room = room

	if m.event != "" {
		evt, err := inv.Session.GetEvent(ctx, roomID, id.EventID(m.event))
		if err != nil {
			return nil, parserErrorf(value, err, "invalid event ID: %s", m.event)
		}
		link.Event = evt
	}
	return link, nil
}

// MXCParser validates an mxc:// URI without contacting the server.
type MXCParser struct{}

// Parse implements Parser.
func (MXCParser) Parse(_ context.Context, _ *Context, _ *Argument, value string) (any, error) {
	rest, ok := strings.CutPrefix(value, "mxc://")
	if !ok {
		return nil, parserErrorf(value, nil, "invalid MXC URL: %q", value)
	}
	server, mediaID, found := strings.Cut(rest, "/")
	if !found {
		return nil, parserErrorf(value, nil, "invalid MXC URL: %q (missing media ID)", value)
	}
	if mediaID == "" {
		return nil, parserErrorf(value, nil, "invalid MXC URL: %q (no media ID)", value)
	}
	if server == "" {
		return nil, parserErrorf(value, nil, "invalid MXC URL: %q (no server)", value)
	}
	return id.ContentURI{Homeserver: server, FileID: mediaID}, nil
}

// UserParser accepts a user id that is a member of the invoking room.
type UserParser struct{}

// Parse implements Parser.
func (UserParser) Parse(_ context.Context, inv *Context, _ *Argument, value string) (any, error) {
	if !strings.HasPrefix(value, "@") || !strings.Contains(value, ":") {
		return nil, parserErrorf(value, nil, "invalid matrix user ID: %q", value)
	}
	user := id.UserID(value)
	if inv.Room == nil || !inv.Room.IsMember(user) {
		return nil, parserErrorf(value, nil, "invalid matrix user ID: %q (not in room)", value)
	}
	return user, nil
}
