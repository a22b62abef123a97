package commands

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"maunium.net/go/mautrix/id"
)

// DefaultTypingTimeout is how long a single typing notification lasts.
const DefaultTypingTimeout = 30 * time.Second

// typingRenewMargin is how long before expiry the notification is renewed.
const typingRenewMargin = time.Second

// StartTyping sends a typing notification to roomID and keeps renewing it
// in the background. The returned stop function cancels the renewal loop
// and sends a final "stopped typing" notification; it blocks until that
// cleanup call has completed and is safe to call more than once.
func StartTyping(ctx context.Context, session Session, roomID id.RoomID, timeout time.Duration) (stop func()) {
	if timeout <= typingRenewMargin {
		timeout = DefaultTypingTimeout
	}
	logger := slog.Default().With("component", "typing", "room_id", roomID)

	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	go func() {
		defer close(done)
		ticker := time.NewTicker(timeout - typingRenewMargin)
		defer ticker.Stop()
		for {
			if err := session.SetTyping(loopCtx, roomID, true, timeout); err != nil && loopCtx.Err() == nil {
				logger.Warn("failed to send typing notification", "error", err)
			}
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			<-done
			// The loop context is gone; the cleanup call must still go out.
			cleanupCtx, cleanupCancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
			defer cleanupCancel()
			if err := session.SetTyping(cleanupCtx, roomID, false, 0); err != nil {
				logger.Warn("failed to clear typing notification", "error", err)
			}
		})
	}
}
