package syncstore

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"

	"github.com/tidwall/gjson"
)

// DefaultTimelineLimit is how many timeline events are kept per room.
const DefaultTimelineLimit = 10

// DefaultImportantEvents are the event types retained by default. They are
// the events needed to rebuild a room's structure: creation, membership,
// power levels and room metadata.
var DefaultImportantEvents = []string{
	"m.room.create",
	"m.room.join_rules",
	"m.room.name",
	"m.room.avatar",
	"m.room.canonical_alias",
	"m.room.history_visibility",
	"m.room.guest_access",
	"m.room.power_levels",
	"m.room.encryption",
	"m.room.topic",
	"m.room.member",
}

// Record is the stored form of one room.
type Record struct {
	RoomID      string
	Membership  Membership
	AccountData []json.RawMessage
	State       []json.RawMessage
	Summary     Summary
	Timeline    []json.RawMessage
}

func newRecord(roomID string, m Membership) *Record {
	return &Record{
		RoomID:      roomID,
		Membership:  m,
		AccountData: []json.RawMessage{},
		State:       []json.RawMessage{},
		Summary:     Summary{},
		Timeline:    []json.RawMessage{},
	}
}

// ValidationError rejects a single malformed event.
type ValidationError struct {
	Field string
	Event json.RawMessage
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "event is not valid JSON"
	}
	return fmt.Sprintf("event is missing required key %q", e.Field)
}

// eventMeta is the part of an event the store reasons about.
type eventMeta struct {
	Type          string
	EventID       string
	ReplacesState string
	IsState       bool
}

func validateEvent(raw json.RawMessage) (eventMeta, error) {
	if !gjson.ValidBytes(raw) {
		return eventMeta{}, &ValidationError{Event: raw}
	}
	fields := gjson.GetManyBytes(raw, "type", "event_id", "sender", "unsigned.replaces_state", "state_key")
	for i, name := range []string{"type", "event_id", "sender"} {
		if fields[i].Type != gjson.String || fields[i].String() == "" {
			return eventMeta{}, &ValidationError{Field: name, Event: raw}
		}
	}
	return eventMeta{
		Type:          fields[0].String(),
		EventID:       fields[1].String(),
		ReplacesState: fields[3].String(),
		IsState:       fields[4].Type == gjson.String,
	}, nil
}

func eventID(raw json.RawMessage) string {
	return gjson.GetBytes(raw, "event_id").String()
}

func indexOf(events []json.RawMessage, id string) int {
	for i, raw := range events {
		if eventID(raw) == id {
			return i
		}
	}
	return -1
}

// retention decides which events are kept and how state is superseded.
type retention struct {
	important     map[string]struct{}
	resolveState  bool
	timelineLimit int
	logger        *slog.Logger
}

func newRetention(important []string, resolveState bool, timelineLimit int, logger *slog.Logger) *retention {
	set := make(map[string]struct{}, len(important))
	for _, t := range important {
		set[t] = struct{}{}
	}
	if timelineLimit <= 0 {
		timelineLimit = DefaultTimelineLimit
	}
	return &retention{important: set, resolveState: resolveState, timelineLimit: timelineLimit, logger: logger}
}

func (r *retention) keep(meta eventMeta, force bool) bool {
	if force {
		return true
	}
	_, ok := r.important[meta.Type]
	return ok
}

// addState appends a state event to rec. It reports whether rec changed.
func (r *retention) addState(rec *Record, raw json.RawMessage, force bool) (bool, error) {
	meta, err := validateEvent(raw)
	if err != nil {
		return false, err
	}
	if !r.keep(meta, force) {
		r.logger.Debug("ignoring unimportant state event", "room_id", rec.RoomID, "event_id", meta.EventID, "type", meta.Type)
		return false, nil
	}
	return r.applyState(rec, meta, raw), nil
}

func (r *retention) applyState(rec *Record, meta eventMeta, raw json.RawMessage) bool {
	if r.resolveState {
		if indexOf(rec.State, meta.EventID) >= 0 {
			r.logger.Debug("state event already stored", "room_id", rec.RoomID, "event_id", meta.EventID)
			return false
		}
		if meta.ReplacesState != "" {
			if i := indexOf(rec.State, meta.ReplacesState); i >= 0 {
				r.logger.Debug("state event supersedes stored event",
					"room_id", rec.RoomID,
					"event_id", meta.EventID,
					"replaces", meta.ReplacesState)
				rec.State = slices.Delete(rec.State, i, i+1)
			} else {
				r.logger.Warn("state event replaces an event that is not stored",
					"room_id", rec.RoomID,
					"event_id", meta.EventID,
					"replaces", meta.ReplacesState)
			}
		}
	}

	rec.State = append(rec.State, raw)
	return true
}

// addTimeline appends a timeline event to rec, trimming the timeline to
// the newest timelineLimit events. State events in the timeline are also
// applied to rec.State so they outlive the trim. It reports whether rec
// changed.
func (r *retention) addTimeline(rec *Record, raw json.RawMessage, force bool) (bool, error) {
	meta, err := validateEvent(raw)
	if err != nil {
		return false, err
	}
	if !r.keep(meta, force) {
		r.logger.Debug("ignoring unimportant timeline event", "room_id", rec.RoomID, "event_id", meta.EventID, "type", meta.Type)
		return false, nil
	}

	changed := false
	if meta.IsState {
		changed = r.applyState(rec, meta, raw)
	}
	if r.resolveState && indexOf(rec.Timeline, meta.EventID) >= 0 {
		r.logger.Debug("timeline event already stored", "room_id", rec.RoomID, "event_id", meta.EventID)
		return changed, nil
	}

	rec.Timeline = append(rec.Timeline, raw)
	if over := len(rec.Timeline) - r.timelineLimit; over > 0 {
		rec.Timeline = append([]json.RawMessage(nil), rec.Timeline[over:]...)
	}
	return true, nil
}

// removeEvent drops the first event with the given id from events.
func removeEvent(events []json.RawMessage, id string) ([]json.RawMessage, bool) {
	i := indexOf(events, id)
	if i < 0 {
		return events, false
	}
	return append(events[:i], events[i+1:]...), true
}

// mergeSummary overlays the keys present in update onto rec's summary.
func mergeSummary(rec *Record, update Summary) {
	for k, v := range update {
		rec.Summary[k] = v
	}
}
