package matrix

import (
	"context"
	"runtime/debug"

	"maunium.net/go/mautrix/event"

	"github.com/haasonsaas/mxbot/internal/commands"
)

// Listener receives events from live syncs. Listeners run on the sync
// goroutine in timeline order and must return quickly.
type Listener func(ctx context.Context, evt *event.Event)

type listenerEntry struct {
	id        uint64
	eventType string
	fn        Listener
}

// AddListener registers fn for events of evtType. A zero evtType matches
// every event. Replayed events are not delivered. The returned function
// removes the listener.
func (b *Bot) AddListener(evtType event.Type, fn Listener) (remove func()) {
	b.listenerMu.Lock()
	b.nextListener++
	entryID := b.nextListener
	b.listeners = append(b.listeners, listenerEntry{id: entryID, eventType: evtType.Type, fn: fn})
	b.listenerMu.Unlock()

	return func() {
		b.listenerMu.Lock()
		defer b.listenerMu.Unlock()
		for i, entry := range b.listeners {
			if entry.id == entryID {
				b.listeners = append(b.listeners[:i:i], b.listeners[i+1:]...)
				return
			}
		}
	}
}

// ListenerCount returns the number of registered listeners.
func (b *Bot) ListenerCount() int {
	b.listenerMu.RLock()
	defer b.listenerMu.RUnlock()
	return len(b.listeners)
}

func (b *Bot) dispatchEvent(ctx context.Context, evt *event.Event) {
	if isReplay(ctx) || evt == nil {
		return
	}

	b.listenerMu.RLock()
	matched := make([]listenerEntry, 0, len(b.listeners))
	for _, entry := range b.listeners {
		if entry.eventType == "" || entry.eventType == evt.Type.Type {
			matched = append(matched, entry)
		}
	}
	b.listenerMu.RUnlock()

	for _, entry := range matched {
		b.callListener(ctx, entry, evt)
	}
}

func (b *Bot) callListener(ctx context.Context, entry listenerEntry, evt *event.Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event listener panicked",
				"event_type", evt.Type.Type,
				"event_id", evt.ID,
				"panic", r,
				"stack", string(debug.Stack()))
		}
	}()
	entry.fn(ctx, evt)
}

// WaitFor blocks until an event of evtType for which match returns true
// arrives, or ctx is done. A nil match accepts the first event.
func (b *Bot) WaitFor(ctx context.Context, evtType event.Type, match func(*event.Event) bool) (*event.Event, error) {
	found := make(chan *event.Event, 1)
	remove := b.AddListener(evtType, func(_ context.Context, evt *event.Event) {
		if match != nil && !match(evt) {
			return
		}
		select {
		case found <- evt:
		default:
		}
	})
	defer remove()

	select {
	case evt := <-found:
		return evt, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// WaitForMessage blocks until a text message for which match returns true
// arrives, or ctx is done.
func (b *Bot) WaitForMessage(ctx context.Context, match func(*commands.Message) bool) (*commands.Message, error) {
	evt, err := b.WaitFor(ctx, event.EventMessage, func(evt *event.Event) bool {
		msg, ok := MessageFromEvent(evt)
		return ok && (match == nil || match(msg))
	})
	if err != nil {
		return nil, err
	}
	msg, _ := MessageFromEvent(evt)
	return msg, nil
}
