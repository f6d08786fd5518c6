// Package seen remembers which message ids this node has already handled
// and whether it has relayed them.
package seen

import (
	"container/list"
	"sync"
	"time"

	"github.com/google/uuid"

	"meshrelay/internal/clock"
)

const (
	DefaultCap = 1000
	DefaultTTL = 60 * time.Second
)

type Entry struct {
	ID        uuid.UUID
	FirstSeen time.Time
	Forwarded bool
}

// Cache is ordered by first sighting, newest at the front. Its size never
// exceeds the cap: inserts evict the oldest entry when full.
type Cache struct {
	mu      sync.Mutex
	cap     int
	ttl     time.Duration
	clock   clock.Clock
	entries map[uuid.UUID]*list.Element
	order   *list.List
}

func New(capacity int, ttl time.Duration, c clock.Clock) *Cache {
	if capacity <= 0 {
		capacity = DefaultCap
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if c == nil {
		c = clock.Real{}
	}
	return &Cache{
		cap:     capacity,
		ttl:     ttl,
		clock:   c,
		entries: make(map[uuid.UUID]*list.Element),
		order:   list.New(),
	}
}

// RecordSeen adds id with forwarded=false. It reports true only for the
// first sighting; the check and the insert happen under one lock.
func (c *Cache) RecordSeen(id uuid.UUID) bool {
	now := c.clock.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.entries[id]; ok {
		if c.liveLocked(el.Value.(*Entry), now) {
			return false
		}
		delete(c.entries, id)
		c.order.Remove(el)
	}
	c.entries[id] = c.order.PushFront(&Entry{ID: id, FirstSeen: now})
	c.enforceCapLocked()
	return true
}

// MarkForwarded flips forwarded from false to true. Only the caller that
// wins the flip may retransmit.
func (c *Cache) MarkForwarded(id uuid.UUID) bool {
	now := c.clock.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.entries[id]
	if !ok {
		c.entries[id] = c.order.PushFront(&Entry{ID: id, FirstSeen: now, Forwarded: true})
		c.enforceCapLocked()
		return true
	}
	ent := el.Value.(*Entry)
	if ent.Forwarded {
		return false
	}
	ent.Forwarded = true
	return true
}

func (c *Cache) Has(id uuid.UUID) (Entry, bool) {
	now := c.clock.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.entries[id]
	if !ok {
		return Entry{}, false
	}
	ent := el.Value.(*Entry)
	if !c.liveLocked(ent, now) {
		return Entry{}, false
	}
	return *ent, true
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Sweep purges entries older than the ttl window, then trims to the cap.
func (c *Cache) Sweep() int {
	now := c.clock.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for el := c.order.Back(); el != nil; {
		prev := el.Prev()
		ent := el.Value.(*Entry)
		if c.liveLocked(ent, now) {
			break
		}
		delete(c.entries, ent.ID)
		c.order.Remove(el)
		removed++
		el = prev
	}
	return removed + c.enforceCapLocked()
}

func (c *Cache) liveLocked(ent *Entry, now time.Time) bool {
	return now.Sub(ent.FirstSeen) < c.ttl
}

func (c *Cache) enforceCapLocked() int {
	removed := 0
	for len(c.entries) > c.cap {
		back := c.order.Back()
		if back == nil {
			break
		}
		old := back.Value.(*Entry)
		delete(c.entries, old.ID)
		c.order.Remove(back)
		removed++
	}
	return removed
}
