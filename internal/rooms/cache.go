// Package rooms keeps an in-memory view of the rooms an account knows
// about, built from sync payloads as they arrive or as they are replayed
// from the sync store.
package rooms

import (
	"encoding/json"
	"log/slog"
	"sort"
	"sync"

	"github.com/tidwall/gjson"
	"maunium.net/go/mautrix/id"

	"github.com/haasonsaas/mxbot/internal/syncstore"
)

// PowerLevels is the subset of m.room.power_levels the bot cares about.
type PowerLevels struct {
	Users        map[id.UserID]int
	UsersDefault int
}

// Level returns the power level of user.
func (p PowerLevels) Level(user id.UserID) int {
	if level, ok := p.Users[user]; ok {
		return level
	}
	return p.UsersDefault
}

// Room is a snapshot of a room's state.
type Room struct {
	ID             id.RoomID
	Membership     syncstore.Membership
	Name           string
	Topic          string
	CanonicalAlias id.RoomAlias
	AltAliases     []id.RoomAlias
	Creator        id.UserID
	Encrypted      bool
	Direct         bool
	Members        map[id.UserID]string
	PowerLevels    PowerLevels
}

// JoinedMembers returns the ids of members whose membership is "join",
// sorted for stable output.
func (r *Room) JoinedMembers() []id.UserID {
	members := make([]id.UserID, 0, len(r.Members))
	for user, membership := range r.Members {
		if membership == "join" {
			members = append(members, user)
		}
	}
	sort.Slice(members, func(i, j int) bool { return members[i] < members[j] })
	return members
}

// IsMember reports whether user has joined the room.
func (r *Room) IsMember(user id.UserID) bool {
	return r.Members[user] == "join"
}

func (r *Room) clone() *Room {
	c := *r
	c.Members = make(map[id.UserID]string, len(r.Members))
	for k, v := range r.Members {
		c.Members[k] = v
	}
	c.PowerLevels.Users = make(map[id.UserID]int, len(r.PowerLevels.Users))
	for k, v := range r.PowerLevels.Users {
		c.PowerLevels.Users[k] = v
	}
	c.AltAliases = append([]id.RoomAlias(nil), r.AltAliases...)
	return &c
}

// Cache holds the known rooms of one account.
type Cache struct {
	mu     sync.RWMutex
	rooms  map[id.RoomID]*Room
	logger *slog.Logger
}

// NewCache creates an empty room cache.
func NewCache(logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{
		rooms:  make(map[id.RoomID]*Room),
		logger: logger.With("component", "rooms"),
	}
}

// Apply folds a sync payload into the cache. Applying the same payload
// twice leaves the cache unchanged after the first application.
func (c *Cache) Apply(p *syncstore.Payload) {
	if p == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	for roomID, room := range p.Rooms.Join {
		r := c.ensure(id.RoomID(roomID), syncstore.MembershipJoin)
		c.applyEvents(r, room.State.Events)
		c.applyEvents(r, room.Timeline.Events)
	}
	for roomID, room := range p.Rooms.Invite {
		r := c.ensure(id.RoomID(roomID), syncstore.MembershipInvite)
		c.applyEvents(r, room.InviteState.Events)
	}
	for roomID, room := range p.Rooms.Knock {
		r := c.ensure(id.RoomID(roomID), syncstore.MembershipKnock)
		c.applyEvents(r, room.KnockState.Events)
	}
	for roomID, room := range p.Rooms.Leave {
		r := c.ensure(id.RoomID(roomID), syncstore.MembershipLeave)
		c.applyEvents(r, room.State.Events)
		c.applyEvents(r, room.Timeline.Events)
	}
}

func (c *Cache) ensure(roomID id.RoomID, membership syncstore.Membership) *Room {
	r, ok := c.rooms[roomID]
	if !ok {
		r = &Room{
			ID:          roomID,
			Members:     make(map[id.UserID]string),
			PowerLevels: PowerLevels{Users: make(map[id.UserID]int)},
		}
		c.rooms[roomID] = r
		c.logger.Debug("tracking room", "room_id", roomID, "membership", membership)
	}
	r.Membership = membership
	return r
}

func (c *Cache) applyEvents(r *Room, events []json.RawMessage) {
	for _, raw := range events {
		stateKey := gjson.GetBytes(raw, "state_key")
		if !stateKey.Exists() {
			continue
		}
		content := gjson.GetBytes(raw, "content")
		switch gjson.GetBytes(raw, "type").String() {
		case "m.room.name":
			r.Name = content.Get("name").String()
		case "m.room.topic":
			r.Topic = content.Get("topic").String()
		case "m.room.canonical_alias":
			r.CanonicalAlias = id.RoomAlias(content.Get("alias").String())
			r.AltAliases = r.AltAliases[:0]
			for _, alias := range content.Get("alt_aliases").Array() {
				r.AltAliases = append(r.AltAliases, id.RoomAlias(alias.String()))
			}
		case "m.room.create":
			creator := content.Get("creator").String()
			if creator == "" {
				creator = gjson.GetBytes(raw, "sender").String()
			}
			r.Creator = id.UserID(creator)
		case "m.room.encryption":
			r.Encrypted = content.Get("algorithm").String() != ""
		case "m.room.member":
			user := id.UserID(stateKey.String())
			if membership := content.Get("membership").String(); membership != "" {
				r.Members[user] = membership
			}
			if content.Get("is_direct").Bool() {
				r.Direct = true
			}
		case "m.room.power_levels":
			levels := PowerLevels{
				Users:        make(map[id.UserID]int),
				UsersDefault: int(content.Get("users_default").Int()),
			}
			content.Get("users").ForEach(func(key, value gjson.Result) bool {
				levels.Users[id.UserID(key.String())] = int(value.Int())
				return true
			})
			r.PowerLevels = levels
		}
	}
}

// Get returns a copy of the room with the given id.
func (c *Cache) Get(roomID id.RoomID) (*Room, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.rooms[roomID]
	if !ok {
		return nil, false
	}
	return r.clone(), true
}

// FindByAlias returns the room whose canonical or alternative alias matches.
func (c *Cache) FindByAlias(alias id.RoomAlias) (*Room, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, r := range c.rooms {
		if r.CanonicalAlias == alias {
			return r.clone(), true
		}
		for _, alt := range r.AltAliases {
			if alt == alias {
				return r.clone(), true
			}
		}
	}
	return nil, false
}

// DirectRoomWith returns a joined room whose only joined members are self
// and other.
func (c *Cache) DirectRoomWith(self, other id.UserID) (*Room, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, r := range c.sortedLocked() {
		if r.Membership != syncstore.MembershipJoin {
			continue
		}
		members := r.JoinedMembers()
		if len(members) == 2 && r.IsMember(self) && r.IsMember(other) {
			return r.clone(), true
		}
	}
	return nil, false
}

// Joined returns the ids of all joined rooms, sorted.
func (c *Cache) Joined() []id.RoomID {
	return c.withMembership(syncstore.MembershipJoin)
}

// Invited returns the ids of all rooms with a pending invite, sorted.
func (c *Cache) Invited() []id.RoomID {
	return c.withMembership(syncstore.MembershipInvite)
}

func (c *Cache) withMembership(m syncstore.Membership) []id.RoomID {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var ids []id.RoomID
	for _, r := range c.sortedLocked() {
		if r.Membership == m {
			ids = append(ids, r.ID)
		}
	}
	return ids
}

// Len returns the number of tracked rooms.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.rooms)
}

func (c *Cache) sortedLocked() []*Room {
	rooms := make([]*Room, 0, len(c.rooms))
	for _, r := range c.rooms {
		rooms = append(rooms, r)
	}
	sort.Slice(rooms, func(i, j int) bool { return rooms[i].ID < rooms[j].ID })
	return rooms
}
