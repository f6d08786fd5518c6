package metrics

import (
	"encoding/json"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

const (
	DropSelfEcho     = "self_echo"
	DropDuplicate    = "duplicate"
	DropTTLExhausted = "ttl_exhausted"
	DropMalformed    = "malformed"
)

type PacketHeader struct {
	ID     string `json:"id"`
	Source string `json:"src"`
	Dest   string `json:"dst"`
	TTL    int    `json:"ttl"`
	Flags  string `json:"flags"`
	Action string `json:"action"`
}

type Snapshot struct {
	GeneratedAt     time.Time         `json:"generated_at"`
	Routing         RoutingMetrics    `json:"routing"`
	Queue           QueueMetrics      `json:"queue"`
	DropByReason    map[string]uint64 `json:"drop_by_reason"`
	NeighborsActive int64             `json:"neighbors_active"`
	Recent          []PacketHeader    `json:"recent"`
}

type RoutingMetrics struct {
	Originated      uint64 `json:"originated"`
	RedundantTx     uint64 `json:"redundant_tx"`
	Forwarded       uint64 `json:"forwarded"`
	Delivered       uint64 `json:"delivered"`
	TransportErrors uint64 `json:"transport_errors"`
}

type QueueMetrics struct {
	Enqueued  uint64 `json:"enqueued"`
	Evicted   uint64 `json:"evicted"`
	Delivered uint64 `json:"delivered"`
	Dropped   uint64 `json:"dropped"`
}

type Metrics struct {
	originated      atomic.Uint64
	redundantTx     atomic.Uint64
	forwarded       atomic.Uint64
	delivered       atomic.Uint64
	transportErrors atomic.Uint64
	queueEnqueued   atomic.Uint64
	queueEvicted    atomic.Uint64
	queueDelivered  atomic.Uint64
	queueDropped    atomic.Uint64
	neighborsActive atomic.Int64

	dropMu       sync.Mutex
	dropByReason map[string]uint64

	recent *Recent
}

func New() *Metrics {
	return &Metrics{
		dropByReason: make(map[string]uint64),
		recent:       NewRecent(64),
	}
}

func (m *Metrics) Recent() *Recent {
	if m == nil {
		return nil
	}
	return m.recent
}

// All Inc* methods are nil-safe so components can run without metrics.

func (m *Metrics) IncOriginated() {
	if m != nil {
		m.originated.Add(1)
	}
}

func (m *Metrics) IncRedundantTx() {
	if m != nil {
		m.redundantTx.Add(1)
	}
}

func (m *Metrics) IncForwarded() {
	if m != nil {
		m.forwarded.Add(1)
	}
}

func (m *Metrics) IncDelivered() {
	if m != nil {
		m.delivered.Add(1)
	}
}

func (m *Metrics) IncTransportError() {
	if m != nil {
		m.transportErrors.Add(1)
	}
}

func (m *Metrics) IncQueueEnqueued() {
	if m != nil {
		m.queueEnqueued.Add(1)
	}
}

func (m *Metrics) IncQueueEvicted() {
	if m != nil {
		m.queueEvicted.Add(1)
	}
}

func (m *Metrics) IncQueueDelivered() {
	if m != nil {
		m.queueDelivered.Add(1)
	}
}

func (m *Metrics) IncQueueDropped() {
	if m != nil {
		m.queueDropped.Add(1)
	}
}

func (m *Metrics) SetNeighborsActive(n int) {
	if m != nil {
		m.neighborsActive.Store(int64(n))
	}
}

func (m *Metrics) IncDropByReason(reason string) {
	if m == nil || reason == "" {
		return
	}
	m.dropMu.Lock()
	m.dropByReason[reason]++
	m.dropMu.Unlock()
}

func (m *Metrics) Snapshot() Snapshot {
	recent := []PacketHeader{}
	if m.recent != nil {
		recent = m.recent.List()
	}
	m.dropMu.Lock()
	drops := make(map[string]uint64, len(m.dropByReason))
	for k, v := range m.dropByReason {
		drops[k] = v
	}
	m.dropMu.Unlock()
	return Snapshot{
		GeneratedAt: time.Now().UTC(),
		Routing: RoutingMetrics{
			Originated:      m.originated.Load(),
			RedundantTx:     m.redundantTx.Load(),
			Forwarded:       m.forwarded.Load(),
			Delivered:       m.delivered.Load(),
			TransportErrors: m.transportErrors.Load(),
		},
		Queue: QueueMetrics{
			Enqueued:  m.queueEnqueued.Load(),
			Evicted:   m.queueEvicted.Load(),
			Delivered: m.queueDelivered.Load(),
			Dropped:   m.queueDropped.Load(),
		},
		DropByReason:    drops,
		NeighborsActive: m.neighborsActive.Load(),
		Recent:          recent,
	}
}

func (m *Metrics) WriteSnapshot(path string) error {
	if path == "" {
		return nil
	}
	snap := m.Snapshot()
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

func ReadSnapshot(path string) (Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Snapshot{}, err
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return Snapshot{}, err
	}
	return snap, nil
}

// Recent is a bounded ring of the latest packet decisions.
type Recent struct {
	mu   sync.Mutex
	cap  int
	list []PacketHeader
}

func NewRecent(capacity int) *Recent {
	if capacity <= 0 {
		capacity = 64
	}
	return &Recent{cap: capacity}
}

func (r *Recent) Add(h PacketHeader) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.list) >= r.cap {
		copy(r.list, r.list[1:])
		r.list[len(r.list)-1] = h
		return
	}
	r.list = append(r.list, h)
}

func (r *Recent) List() []PacketHeader {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]PacketHeader, len(r.list))
	copy(out, r.list)
	return out
}
