package network

import (
	"fmt"
	"sync"
	"sync/atomic"

	"meshrelay/internal/proto"
)

// Medium is an in-memory radio: a frame sent by one node reaches exactly
// the nodes connected to it. Delivery is synchronous on the sender's
// goroutine.
type Medium struct {
	mu    sync.RWMutex
	links map[proto.PeerID]*MediumLink
	adj   map[proto.PeerID]map[proto.PeerID]bool
}

func NewMedium() *Medium {
	return &Medium{
		links: make(map[proto.PeerID]*MediumLink),
		adj:   make(map[proto.PeerID]map[proto.PeerID]bool),
	}
}

// Attach returns the link for id, creating it on first use.
func (m *Medium) Attach(id proto.PeerID) *MediumLink {
	m.mu.Lock()
	defer m.mu.Unlock()
	if l, ok := m.links[id]; ok {
		return l
	}
	l := &MediumLink{id: id, medium: m}
	m.links[id] = l
	return l
}

// Connect makes a and b hear each other.
func (m *Medium) Connect(a, b proto.PeerID) {
	if a == b {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.adj[a] == nil {
		m.adj[a] = make(map[proto.PeerID]bool)
	}
	if m.adj[b] == nil {
		m.adj[b] = make(map[proto.PeerID]bool)
	}
	m.adj[a][b] = true
	m.adj[b][a] = true
}

func (m *Medium) Disconnect(a, b proto.PeerID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.adj[a], b)
	delete(m.adj[b], a)
}

// Line connects ids in order, each only to its direct neighbors.
func (m *Medium) Line(ids ...proto.PeerID) {
	for i := 1; i < len(ids); i++ {
		m.Connect(ids[i-1], ids[i])
	}
}

// InRange lists the nodes id can currently reach.
func (m *Medium) InRange(id proto.PeerID) []proto.PeerID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]proto.PeerID, 0, len(m.adj[id]))
	for p := range m.adj[id] {
		out = append(out, p)
	}
	return out
}

// Beacon emits a discovery sighting of id to every node in range.
func (m *Medium) Beacon(id proto.PeerID, signal *int) {
	for _, l := range m.receivers(id) {
		l.sighting(id, signal)
	}
}

func (m *Medium) receivers(from proto.PeerID) []*MediumLink {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*MediumLink, 0, len(m.adj[from]))
	for id := range m.adj[from] {
		if l, ok := m.links[id]; ok {
			out = append(out, l)
		}
	}
	return out
}

// MediumLink is one node's attachment to a Medium.
type MediumLink struct {
	id     proto.PeerID
	medium *Medium

	mu       sync.RWMutex
	handlers Handlers
	down     atomic.Bool
	closed   atomic.Bool
	sent     atomic.Uint64
}

func (l *MediumLink) ID() proto.PeerID { return l.id }

// SetDown simulates a radio failure: Send errors and nothing is heard.
func (l *MediumLink) SetDown(down bool) { l.down.Store(down) }

func (l *MediumLink) Sent() uint64 { return l.sent.Load() }

func (l *MediumLink) SetHandlers(h Handlers) {
	l.mu.Lock()
	l.handlers = h
	l.mu.Unlock()
}

func (l *MediumLink) Send(frame []byte) error {
	if l.closed.Load() {
		return ErrClosed
	}
	if l.down.Load() {
		return fmt.Errorf("%w: %s", ErrLinkDown, l.id)
	}
	if len(frame) > proto.MaxFrameSize {
		return fmt.Errorf("frame too large: %d", len(frame))
	}
	l.sent.Add(1)
	for _, r := range l.medium.receivers(l.id) {
		r.receive(frame)
	}
	return nil
}

func (l *MediumLink) Close() error {
	l.closed.Store(true)
	return nil
}

func (l *MediumLink) receive(frame []byte) {
	if l.down.Load() || l.closed.Load() {
		return
	}
	l.mu.RLock()
	fn := l.handlers.Frame
	l.mu.RUnlock()
	if fn != nil {
		fn(append([]byte(nil), frame...))
	}
}

func (l *MediumLink) sighting(id proto.PeerID, signal *int) {
	if l.down.Load() || l.closed.Load() {
		return
	}
	l.mu.RLock()
	fn := l.handlers.Sighting
	l.mu.RUnlock()
	if fn != nil {
		fn(id, signal)
	}
}
