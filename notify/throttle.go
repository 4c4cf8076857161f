package notify

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const throttleIdle = 10 * time.Minute

type recipientBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Throttle caps deliveries per (channel, recipient) with a token bucket,
// protecting provider quotas independently of the persistent lockout
// policies.
type Throttle struct {
	next  Notifier
	limit rate.Limit
	burst int
	now   func() time.Time

	mu      sync.Mutex
	buckets map[string]*recipientBucket
}

func NewThrottle(next Notifier, every time.Duration, burst int) *Throttle {
	return &Throttle{
		next:    next,
		limit:   rate.Every(every),
		burst:   burst,
		now:     time.Now,
		buckets: make(map[string]*recipientBucket),
	}
}

func (t *Throttle) Send(ctx context.Context, ch Channel, recipient string, msg Message) error {
	if !t.allow(string(ch) + ":" + recipient) {
		return fmt.Errorf("%w: %s", ErrThrottled, MaskRecipient(recipient))
	}
	return t.next.Send(ctx, ch, recipient, msg)
}

func (t *Throttle) allow(key string) bool {
	now := t.now()

	t.mu.Lock()
	defer t.mu.Unlock()

	for k, b := range t.buckets {
		if now.Sub(b.lastSeen) > throttleIdle {
			delete(t.buckets, k)
		}
	}

	b, ok := t.buckets[key]
	if !ok {
		b = &recipientBucket{limiter: rate.NewLimiter(t.limit, t.burst)}
		t.buckets[key] = b
	}
	b.lastSeen = now
	return b.limiter.AllowN(now, 1)
}
