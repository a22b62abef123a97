package syncstore

import (
	"encoding/json"
	"fmt"

	jsoniter "github.com/json-iterator/go"
	"maunium.net/go/mautrix"
)

// codec is the JSON implementation used for payloads and stored blobs.
var codec = jsoniter.ConfigCompatibleWithStandardLibrary

// Membership is the local account's relationship to a room.
type Membership string

const (
	MembershipInvite Membership = "invite"
	MembershipJoin   Membership = "join"
	MembershipKnock  Membership = "knock"
	MembershipLeave  Membership = "leave"
)

// Memberships lists every membership kind in replay order.
var Memberships = []Membership{MembershipJoin, MembershipInvite, MembershipKnock, MembershipLeave}

// Valid reports whether m is one of the four membership kinds.
func (m Membership) Valid() bool {
	switch m {
	case MembershipInvite, MembershipJoin, MembershipKnock, MembershipLeave:
		return true
	default:
		return false
	}
}

func (m Membership) table() string {
	return "rooms_" + string(m)
}

// EventList is a list of raw event objects.
type EventList struct {
	Events []json.RawMessage `json:"events"`
}

// Timeline is a room's timeline section.
type Timeline struct {
	Events    []json.RawMessage `json:"events"`
	Limited   bool              `json:"limited,omitempty"`
	PrevBatch string            `json:"prev_batch,omitempty"`
}

// Summary holds the lazy-loading room summary (heroes and member counts),
// keyed by its wire field names.
type Summary map[string]json.RawMessage

// JoinedRoom is a room in the join section of a sync payload.
type JoinedRoom struct {
	AccountData EventList `json:"account_data"`
	State       EventList `json:"state"`
	Summary     Summary   `json:"summary"`
	Timeline    Timeline  `json:"timeline"`
	Ephemeral   EventList `json:"ephemeral"`
}

// InvitedRoom is a room in the invite section of a sync payload.
type InvitedRoom struct {
	InviteState EventList `json:"invite_state"`
}

// KnockedRoom is a room in the knock section of a sync payload.
type KnockedRoom struct {
	KnockState EventList `json:"knock_state"`
}

// LeftRoom is a room in the leave section of a sync payload.
type LeftRoom struct {
	AccountData EventList `json:"account_data"`
	State       EventList `json:"state"`
	Timeline    Timeline  `json:"timeline"`
}

// Rooms groups the per-membership room maps of a payload.
type Rooms struct {
	Invite map[string]*InvitedRoom `json:"invite,omitempty"`
	Join   map[string]*JoinedRoom  `json:"join,omitempty"`
	Knock  map[string]*KnockedRoom `json:"knock,omitempty"`
	Leave  map[string]*LeftRoom    `json:"leave,omitempty"`
}

// Payload is a sync response reduced to what the store keeps: the cursor
// and per-room deltas.
type Payload struct {
	NextBatch string `json:"next_batch"`
	Rooms     Rooms  `json:"rooms"`
}

// NewPayload returns an empty payload with initialised room maps.
func NewPayload(nextBatch string) *Payload {
	return &Payload{
		NextBatch: nextBatch,
		Rooms: Rooms{
			Invite: make(map[string]*InvitedRoom),
			Join:   make(map[string]*JoinedRoom),
			Knock:  make(map[string]*KnockedRoom),
			Leave:  make(map[string]*LeftRoom),
		},
	}
}

// RoomCount returns the number of rooms across all sections.
func (p *Payload) RoomCount() int {
	return len(p.Rooms.Invite) + len(p.Rooms.Join) + len(p.Rooms.Knock) + len(p.Rooms.Leave)
}

// ParsePayload decodes a sync payload from its JSON wire form.
func ParsePayload(data []byte) (*Payload, error) {
	p := NewPayload("")
	if err := codec.Unmarshal(data, p); err != nil {
		return nil, fmt.Errorf("decode sync payload: %w", err)
	}
	return p, nil
}

// FromSync converts a mautrix sync response into a Payload.
func FromSync(resp *mautrix.RespSync) (*Payload, error) {
	if resp == nil {
		return nil, fmt.Errorf("sync response is nil")
	}
	data, err := codec.Marshal(resp)
	if err != nil {
		return nil, fmt.Errorf("encode sync response: %w", err)
	}
	return ParsePayload(data)
}

// ToSync converts the payload into a mautrix sync response suitable for
// feeding into a syncer.
func (p *Payload) ToSync() (*mautrix.RespSync, error) {
	data, err := codec.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	var resp mautrix.RespSync
	if err := codec.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("decode payload as sync response: %w", err)
	}
	return &resp, nil
}
