package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/haasonsaas/mxbot/internal/rooms"
	"github.com/haasonsaas/mxbot/internal/syncstore"
)

const (
	testBot   id.UserID = "@bot:example.org"
	testAlice id.UserID = "@alice:example.org"
	testBob   id.UserID = "@bob:example.org"
	testRoom  id.RoomID = "!room:example.org"
)

type sentMessage struct {
	RoomID  id.RoomID
	Content *event.MessageEventContent
}

type redaction struct {
	RoomID  id.RoomID
	EventID id.EventID
	Reason  string
}

type reaction struct {
	RoomID  id.RoomID
	EventID id.EventID
	Key     string
}

type typingCall struct {
	RoomID id.RoomID
	Typing bool
}

// fakeSession is an in-memory Session.
type fakeSession struct {
	mu      sync.Mutex
	userID  id.UserID
	rooms   map[id.RoomID]*rooms.Room
	aliases map[id.RoomAlias]id.RoomID
	events  map[id.EventID]*event.Event
	direct  map[id.UserID]id.RoomID
	sent    []sentMessage
	typing  []typingCall
	redacts []redaction
	reacts  []reaction
	sendErr error
}

func newFakeSession() *fakeSession {
	s := &fakeSession{
		userID:  testBot,
		rooms:   make(map[id.RoomID]*rooms.Room),
		aliases: make(map[id.RoomAlias]id.RoomID),
		events:  make(map[id.EventID]*event.Event),
		direct:  make(map[id.UserID]id.RoomID),
	}
	s.rooms[testRoom] = &rooms.Room{
		ID:             testRoom,
		Membership:     syncstore.MembershipJoin,
		Name:           "Test room",
		CanonicalAlias: "#test:example.org",
		Creator:        testAlice,
		Members: map[id.UserID]string{
			testBot:   "join",
			testAlice: "join",
			testBob:   "leave",
		},
		PowerLevels: rooms.PowerLevels{
			Users: map[id.UserID]int{testAlice: 100, testBot: 50},
		},
	}
	return s
}

func (s *fakeSession) UserID() id.UserID { return s.userID }

func (s *fakeSession) Room(roomID id.RoomID) (*rooms.Room, bool) {
	r, ok := s.rooms[roomID]
	return r, ok
}

func (s *fakeSession) FindRoomByAlias(alias id.RoomAlias) (*rooms.Room, bool) {
	for _, r := range s.rooms {
		if r.CanonicalAlias == alias {
			return r, true
		}
	}
	return nil, false
}

func (s *fakeSession) ResolveAlias(_ context.Context, alias id.RoomAlias) (id.RoomID, error) {
	if roomID, ok := s.aliases[alias]; ok {
		return roomID, nil
	}
	return "", fmt.Errorf("M_NOT_FOUND: alias %s not found", alias)
}

func (s *fakeSession) GetEvent(_ context.Context, roomID id.RoomID, eventID id.EventID) (*event.Event, error) {
	evt, ok := s.events[eventID]
	if !ok || evt.RoomID != roomID {
		return nil, errors.New("M_NOT_FOUND: event not found")
	}
	return evt, nil
}

func (s *fakeSession) DirectRoom(_ context.Context, user id.UserID) (id.RoomID, error) {
	if roomID, ok := s.direct[user]; ok {
		return roomID, nil
	}
	return "", fmt.Errorf("no direct room with %s", user)
}

func (s *fakeSession) SendMessage(_ context.Context, roomID id.RoomID, content *event.MessageEventContent) (id.EventID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendErr != nil {
		return "", s.sendErr
	}
	s.sent = append(s.sent, sentMessage{RoomID: roomID, Content: content})
	return id.EventID(fmt.Sprintf("$sent%d", len(s.sent))), nil
}

func (s *fakeSession) Redact(_ context.Context, roomID id.RoomID, eventID id.EventID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendErr != nil {
		return s.sendErr
	}
	s.redacts = append(s.redacts, redaction{RoomID: roomID, EventID: eventID, Reason: reason})
	return nil
}

func (s *fakeSession) React(_ context.Context, roomID id.RoomID, eventID id.EventID, key string) (id.EventID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendErr != nil {
		return "", s.sendErr
	}
	s.reacts = append(s.reacts, reaction{RoomID: roomID, EventID: eventID, Key: key})
	return id.EventID(fmt.Sprintf("$reaction%d", len(s.reacts))), nil
}

func (s *fakeSession) SetTyping(_ context.Context, roomID id.RoomID, typing bool, _ time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.typing = append(s.typing, typingCall{RoomID: roomID, Typing: typing})
	return nil
}

func (s *fakeSession) Upload(_ context.Context, r io.Reader, _ string, filename string, _ int64) (id.ContentURI, error) {
	if _, err := io.Copy(io.Discard, r); err != nil {
		return id.ContentURI{}, err
	}
	return id.ContentURI{Homeserver: "example.org", FileID: filename}, nil
}

func (s *fakeSession) sentMessages() []sentMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sentMessage(nil), s.sent...)
}

func (s *fakeSession) typingCalls() []typingCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]typingCall(nil), s.typing...)
}

// newTestContext builds an invocation context for a message from alice.
func newTestContext(s *fakeSession) *Context {
	room, _ := s.Room(testRoom)
	return &Context{
		Session: s,
		Room:    room,
		Message: &Message{
			RoomID:    testRoom,
			EventID:   "$trigger",
			Sender:    testAlice,
			Body:      "!test",
			MsgType:   event.MsgText,
			Timestamp: time.Now(),
		},
		Prefix:     "!",
		receivedAt: time.Now(),
	}
}
