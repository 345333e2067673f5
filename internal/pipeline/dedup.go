package pipeline

import (
	"sync"
	"time"
)

// EventDeduper drops redelivered chat events. Keys are the transport's
// unique timestamp; entries expire after the TTL window.
type EventDeduper struct {
	mu   sync.Mutex
	seen map[string]time.Time
	ttl  time.Duration
	now  func() time.Time
}

func NewEventDeduper(ttl time.Duration) *EventDeduper {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &EventDeduper{
		seen: make(map[string]time.Time),
		ttl:  ttl,
		now:  time.Now,
	}
}

// Seen marks the key and reports whether it was already delivered within
// the TTL window. Expired entries are pruned opportunistically.
func (d *EventDeduper) Seen(key string) bool {
	if key == "" {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	if at, ok := d.seen[key]; ok && now.Sub(at) < d.ttl {
		return true
	}
	for k, at := range d.seen {
		if now.Sub(at) >= d.ttl {
			delete(d.seen, k)
		}
	}
	d.seen[key] = now
	return false
}
