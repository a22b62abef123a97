package commands

import (
	"context"
	"fmt"
	"sync"
	"time"

	"maunium.net/go/mautrix/id"
)

// maxCooldownKeys bounds the number of tracked senders per cooldown.
const maxCooldownKeys = 10000

// bucket is a token bucket refilled continuously at rate tokens per second.
type bucket struct {
	tokens     float64
	lastRefill time.Time
}

// cooldown holds one bucket per sender.
type cooldown struct {
	mu      sync.Mutex
	buckets map[id.UserID]*bucket
	burst   float64
	rate    float64
	now     func() time.Time
}

func newCooldown(uses int, per time.Duration) *cooldown {
	if uses <= 0 {
		uses = 1
	}
	if per <= 0 {
		per = time.Second
	}
	return &cooldown{
		buckets: make(map[id.UserID]*bucket),
		burst:   float64(uses),
		rate:    float64(uses) / per.Seconds(),
		now:     time.Now,
	}
}

// take consumes a token for user and returns zero, or how long user has
// to wait for the next token.
func (c *cooldown) take(user id.UserID) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	b, ok := c.buckets[user]
	if !ok {
		if len(c.buckets) >= maxCooldownKeys {
			c.evictFull(now)
		}
		b = &bucket{tokens: c.burst, lastRefill: now}
		c.buckets[user] = b
	}

	b.tokens += now.Sub(b.lastRefill).Seconds() * c.rate
	if b.tokens > c.burst {
		b.tokens = c.burst
	}
	b.lastRefill = now

	if b.tokens >= 1 {
		b.tokens--
		return 0
	}
	return time.Duration((1 - b.tokens) / c.rate * float64(time.Second))
}

// evictFull drops buckets that have refilled completely; they carry no
// state a fresh bucket would not. When none has, the least recently used
// bucket is dropped so the map never exceeds maxCooldownKeys.
func (c *cooldown) evictFull(now time.Time) {
	var (
		oldest     id.UserID
		oldestSeen time.Time
	)
	for user, b := range c.buckets {
		if b.tokens+now.Sub(b.lastRefill).Seconds()*c.rate >= c.burst {
			delete(c.buckets, user)
			continue
		}
		if oldest == "" || b.lastRefill.Before(oldestSeen) {
			oldest, oldestSeen = user, b.lastRefill
		}
	}
	if len(c.buckets) >= maxCooldownKeys && oldest != "" {
		delete(c.buckets, oldest)
	}
}

// Cooldown allows each sender uses invocations per period. Further
// invocations fail until the sender's allowance has refilled.
func Cooldown(uses int, per time.Duration) Check {
	cd := newCooldown(uses, per)
	return func(_ context.Context, inv *Context) error {
		if wait := cd.take(inv.Sender()); wait > 0 {
			return &CheckFailure{
				Check:   "cooldown",
				Message: fmt.Sprintf("you are on cooldown, try again in %s", wait.Round(100*time.Millisecond)),
			}
		}
		return nil
	}
}
