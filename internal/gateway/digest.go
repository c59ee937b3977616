package gateway

import (
	"container/list"
	"time"
)

// digestCapacity bounds the per-mesh-id position digest cache; least recently
// used entries are evicted first.
const digestCapacity = 256

type digestEntry struct {
	meshID string
	digest string
	sentAt time.Time
}

// digestCache suppresses duplicate position uplinks: a report whose canonical
// fingerprint matches the last one sent for the same mesh id within the dedup
// window is dropped. Not safe for concurrent use; the orchestrator owns it.
type digestCache struct {
	entries map[string]*list.Element
	order   *list.List // front = most recently used
	cap     int
}

func newDigestCache(capacity int) *digestCache {
	if capacity <= 0 {
		capacity = digestCapacity
	}
	return &digestCache{
		entries: make(map[string]*list.Element, capacity),
		order:   list.New(),
		cap:     capacity,
	}
}

// shouldSend reports whether a position with this fingerprint may be uplinked
// for the given mesh id.
func (c *digestCache) shouldSend(meshID, digest string, now time.Time, window time.Duration) bool {
	el, ok := c.entries[meshID]
	if !ok {
		return true
	}

	entry := el.Value.(*digestEntry)
	if entry.digest != digest {
		return true
	}
	return now.Sub(entry.sentAt) >= window
}

// record remembers the fingerprint of a successfully sent position.
func (c *digestCache) record(meshID, digest string, now time.Time) {
	if el, ok := c.entries[meshID]; ok {
		entry := el.Value.(*digestEntry)
		entry.digest = digest
		entry.sentAt = now
		c.order.MoveToFront(el)
		return
	}

	if c.order.Len() >= c.cap {
		oldest := c.order.Back()
		if oldest != nil {
			c.order.Remove(oldest)
			delete(c.entries, oldest.Value.(*digestEntry).meshID)
		}
	}

	c.entries[meshID] = c.order.PushFront(&digestEntry{meshID: meshID, digest: digest, sentAt: now})
}
