package bus

import (
	"container/list"
	"context"
	"sync"
)

// SeenCache remembers recently processed (topic, event id) tuples so
// at-least-once redelivery does not double-apply state changes.
type SeenCache struct {
	mu    sync.Mutex
	max   int
	order *list.List
	keys  map[string]*list.Element
}

// NewSeenCache creates a bounded dedupe cache.
func NewSeenCache(max int) *SeenCache {
	if max <= 0 {
		max = 4096
	}
	return &SeenCache{
		max:   max,
		order: list.New(),
		keys:  make(map[string]*list.Element),
	}
}

// Seen records the key and reports whether it was already present.
func (c *SeenCache) Seen(topic, eventID string) bool {
	key := topic + "|" + eventID

	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.keys[key]; ok {
		c.order.MoveToFront(el)
		return true
	}

	c.keys[key] = c.order.PushFront(key)
	for c.order.Len() > c.max {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.keys, oldest.Value.(string))
	}
	return false
}

// Idempotent wraps a handler so redelivered envelopes are dropped.
func Idempotent(seen *SeenCache, h Handler) Handler {
	return func(ctx context.Context, env Envelope) error {
		if seen.Seen(env.Topic, env.ID) {
			return nil
		}
		return h(ctx, env)
	}
}
