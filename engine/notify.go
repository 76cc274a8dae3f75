package engine

import (
	"time"

	"github.com/sprucehealth/ivrdialer/model"
)

// DefaultNotificationTTL is how long a notification stays listed
const DefaultNotificationTTL = 5 * time.Second

// NotificationBus is an ephemeral, self-expiring log of operator feedback.
// It is not safe for concurrent use; the Engine serializes access.
type NotificationBus struct {
	clock  Clock
	ttl    time.Duration
	items  []model.Notification
	lastID int64
}

// NewNotificationBus creates a bus whose entries expire after ttl
func NewNotificationBus(clock Clock, ttl time.Duration) *NotificationBus {
	if ttl <= 0 {
		ttl = DefaultNotificationTTL
	}
	return &NotificationBus{clock: clock, ttl: ttl}
}

// Push records a notification. IDs are creation timestamps in
// milliseconds, bumped when needed to stay unique.
func (b *NotificationBus) Push(kind model.NotificationKind, message string) model.Notification {
	now := b.clock.Now()
	b.expire(now)

	id := now.UnixMilli()
	if id <= b.lastID {
		id = b.lastID + 1
	}
	b.lastID = id

	n := model.Notification{
		ID:        id,
		Message:   message,
		Kind:      kind,
		CreatedAt: now,
	}
	b.items = append(b.items, n)
	return n
}

// List returns the unexpired notifications, oldest first
func (b *NotificationBus) List() []model.Notification {
	b.expire(b.clock.Now())
	out := make([]model.Notification, len(b.items))
	copy(out, b.items)
	return out
}

// Expire drops notifications older than the TTL and returns how many were removed
func (b *NotificationBus) Expire() int {
	return b.expire(b.clock.Now())
}

func (b *NotificationBus) expire(now time.Time) int {
	kept := b.items[:0]
	for _, n := range b.items {
		if now.Sub(n.CreatedAt) < b.ttl {
			kept = append(kept, n)
		}
	}
	removed := len(b.items) - len(kept)
	for i := len(kept); i < len(b.items); i++ {
		b.items[i] = model.Notification{}
	}
	b.items = kept
	return removed
}
