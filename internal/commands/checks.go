package commands

import (
	"context"
	"fmt"
	"slices"

	"maunium.net/go/mautrix/id"
)

// IsOwner requires the sender to be the configured owner or one of extra.
func IsOwner(extra ...id.UserID) Check {
	return func(_ context.Context, inv *Context) error {
		sender := inv.Sender()
		if slices.Contains(extra, sender) {
			return nil
		}
		if inv.OwnerID == "" || sender != inv.OwnerID {
			return &CheckFailure{Check: "is_owner", Message: "you do not own this bot"}
		}
		return nil
	}
}

// IsDM requires the invoking room to be a direct message room. With
// allowDualMembership, any room whose only joined members are the bot and
// the sender passes as well.
func IsDM(allowDualMembership bool) Check {
	return func(_ context.Context, inv *Context) error {
		failure := &CheckFailure{Check: "is_dm", Message: "this command only works in direct messages"}
		if inv.Room == nil {
			return failure
		}
		if inv.Room.Direct {
			return nil
		}
		if allowDualMembership {
			members := inv.Room.JoinedMembers()
			if len(members) == 2 && inv.Room.IsMember(inv.Session.UserID()) && inv.Room.IsMember(inv.Sender()) {
				return nil
			}
		}
		return failure
	}
}

// SenderHasPower requires the sender to have at least level in the
// invoking room. With creatorBypass the room creator always passes.
func SenderHasPower(level int, creatorBypass bool) Check {
	return func(_ context.Context, inv *Context) error {
		if inv.Room == nil {
			return &CheckFailure{Check: "sender_has_power", Message: "room state is unknown"}
		}
		if creatorBypass && inv.Room.Creator != "" && inv.Room.Creator == inv.Sender() {
			return nil
		}
		if have := inv.Room.PowerLevels.Level(inv.Sender()); have < level {
			return &CheckFailure{
				Check:   "sender_has_power",
				Message: fmt.Sprintf("insufficient power level (need %d, have %d)", level, have),
			}
		}
		return nil
	}
}

// ClientHasPower requires the bot itself to have at least level in the
// invoking room.
func ClientHasPower(level int) Check {
	return func(_ context.Context, inv *Context) error {
		if inv.Room == nil {
			return &CheckFailure{Check: "client_has_power", Message: "room state is unknown"}
		}
		if have := inv.Room.PowerLevels.Level(inv.Session.UserID()); have < level {
			return &CheckFailure{
				Check:   "client_has_power",
				Message: fmt.Sprintf("bot has insufficient power level (need %d, have %d)", level, have),
			}
		}
		return nil
	}
}
