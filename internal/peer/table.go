package peer

import (
	"container/list"
	"errors"
	"sync"
	"time"

	"meshrelay/internal/clock"
	"meshrelay/internal/proto"
)

const (
	DefaultCap      = 100
	DefaultExpiry   = 30 * time.Second
	DefaultThrottle = 500 * time.Millisecond
)

var (
	ErrEmptyID = errors.New("empty peer id")
	ErrSelfID  = errors.New("peer id is self")
)

// Neighbor is one recently sighted peer. Signal is nil when the link layer
// did not report a strength.
type Neighbor struct {
	PeerID   proto.PeerID `json:"peer_id"`
	LastSeen time.Time    `json:"last_seen"`
	Signal   *int         `json:"signal,omitempty"`
}

type Options struct {
	Self     proto.PeerID
	Cap      int
	Expiry   time.Duration
	Throttle time.Duration
	Clock    clock.Clock
	// OnEvict observes cap evictions.
	OnEvict func(proto.PeerID)
}

// Table tracks which peers are reachable now. Entries are ordered by
// last sighting, newest at the front.
type Table struct {
	mu       sync.Mutex
	self     proto.PeerID
	cap      int
	expiry   time.Duration
	throttle time.Duration
	clock    clock.Clock
	onEvict  func(proto.PeerID)
	hot      map[proto.PeerID]*list.Element
	order    *list.List

	subMu      sync.Mutex
	subs       map[uint64]func([]Neighbor)
	nextSub    uint64
	notifyAt   time.Time
	notifyWait clock.Timer
}

type entry struct {
	n Neighbor
}

func NewTable(opts Options) *Table {
	capacity := opts.Cap
	if capacity <= 0 {
		capacity = DefaultCap
	}
	expiry := opts.Expiry
	if expiry <= 0 {
		expiry = DefaultExpiry
	}
	throttle := opts.Throttle
	if throttle < 0 {
		throttle = DefaultThrottle
	}
	c := opts.Clock
	if c == nil {
		c = clock.Real{}
	}
	return &Table{
		self:     opts.Self,
		cap:      capacity,
		expiry:   expiry,
		throttle: throttle,
		clock:    c,
		onEvict:  opts.OnEvict,
		hot:      make(map[proto.PeerID]*list.Element),
		order:    list.New(),
		subs:     make(map[uint64]func([]Neighbor)),
	}
}

// SetSelf fixes the local identity once it is known; the table never holds
// it.
func (t *Table) SetSelf(self proto.PeerID) {
	t.mu.Lock()
	t.self = self
	if el, ok := t.hot[self]; ok {
		t.order.Remove(el)
		delete(t.hot, self)
	}
	t.mu.Unlock()
}

// Touch inserts or refreshes a peer. becameActive reports whether the peer
// was absent or expired before this call.
func (t *Table) Touch(id proto.PeerID, signal *int) (becameActive bool, err error) {
	if id == "" {
		return false, ErrEmptyID
	}
	var evicted []proto.PeerID
	t.mu.Lock()
	if id == t.self {
		t.mu.Unlock()
		return false, ErrSelfID
	}
	now := t.clock.Now()
	if el, ok := t.hot[id]; ok {
		ent := el.Value.(*entry)
		becameActive = !t.activeLocked(ent, now)
		ent.n.LastSeen = now
		if signal != nil {
			v := *signal
			ent.n.Signal = &v
		}
		t.order.MoveToFront(el)
	} else {
		if len(t.hot) >= t.cap {
			evicted = t.evictLocked(len(t.hot) - t.cap + 1)
		}
		n := Neighbor{PeerID: id, LastSeen: now}
		if signal != nil {
			v := *signal
			n.Signal = &v
		}
		t.hot[id] = t.order.PushFront(&entry{n: n})
		becameActive = true
	}
	t.mu.Unlock()
	if t.onEvict != nil {
		for _, e := range evicted {
			t.onEvict(e)
		}
	}
	if becameActive || len(evicted) > 0 {
		t.changed()
	}
	return becameActive, nil
}

// Active returns the peers sighted within the expiry window, newest first.
func (t *Table) Active() []Neighbor {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.clock.Now()
	out := make([]Neighbor, 0, len(t.hot))
	for el := t.order.Front(); el != nil; el = el.Next() {
		ent := el.Value.(*entry)
		if !t.activeLocked(ent, now) {
			break
		}
		out = append(out, copyNeighbor(ent.n))
	}
	return out
}

func (t *Table) ActiveCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.clock.Now()
	n := 0
	for el := t.order.Front(); el != nil; el = el.Next() {
		if !t.activeLocked(el.Value.(*entry), now) {
			break
		}
		n++
	}
	return n
}

func (t *Table) IsActive(id proto.PeerID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	el, ok := t.hot[id]
	if !ok {
		return false
	}
	return t.activeLocked(el.Value.(*entry), t.clock.Now())
}

func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.hot)
}

// Sweep deletes expired entries and notifies subscribers only when
// something was removed.
func (t *Table) Sweep() int {
	t.mu.Lock()
	now := t.clock.Now()
	removed := 0
	for el := t.order.Back(); el != nil; {
		prev := el.Prev()
		ent := el.Value.(*entry)
		if t.activeLocked(ent, now) {
			break
		}
		delete(t.hot, ent.n.PeerID)
		t.order.Remove(el)
		removed++
		el = prev
	}
	t.mu.Unlock()
	if removed > 0 {
		t.changed()
	}
	return removed
}

// Subscribe registers fn for neighbor-set changes. Calls are coalesced to
// at most one per throttle window.
func (t *Table) Subscribe(fn func([]Neighbor)) func() {
	t.subMu.Lock()
	t.nextSub++
	id := t.nextSub
	t.subs[id] = fn
	t.subMu.Unlock()
	return func() {
		t.subMu.Lock()
		delete(t.subs, id)
		t.subMu.Unlock()
	}
}

func (t *Table) activeLocked(ent *entry, now time.Time) bool {
	return now.Sub(ent.n.LastSeen) < t.expiry
}

func (t *Table) evictLocked(n int) []proto.PeerID {
	var out []proto.PeerID
	for n > 0 {
		el := t.order.Back()
		if el == nil {
			break
		}
		ent := el.Value.(*entry)
		delete(t.hot, ent.n.PeerID)
		t.order.Remove(el)
		out = append(out, ent.n.PeerID)
		n--
	}
	return out
}

func (t *Table) changed() {
	t.subMu.Lock()
	defer t.subMu.Unlock()
	if len(t.subs) == 0 || t.notifyWait != nil {
		return
	}
	delay := t.notifyAt.Add(t.throttle).Sub(t.clock.Now())
	if delay < 0 {
		delay = 0
	}
	t.notifyWait = t.clock.AfterFunc(delay, t.flush)
}

func (t *Table) flush() {
	active := t.Active()
	t.subMu.Lock()
	t.notifyWait = nil
	t.notifyAt = t.clock.Now()
	subs := make([]func([]Neighbor), 0, len(t.subs))
	for _, fn := range t.subs {
		subs = append(subs, fn)
	}
	t.subMu.Unlock()
	for _, fn := range subs {
		fn(active)
	}
}

func copyNeighbor(n Neighbor) Neighbor {
	if n.Signal != nil {
		v := *n.Signal
		n.Signal = &v
	}
	return n
}
