// Package mesh wires the routing engine, neighbor table, seen cache and
// retry queues of one node behind a single API.
package mesh

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"meshrelay/internal/clock"
	"meshrelay/internal/config"
	"meshrelay/internal/debuglog"
	"meshrelay/internal/metrics"
	"meshrelay/internal/network"
	"meshrelay/internal/peer"
	"meshrelay/internal/proto"
	"meshrelay/internal/queue"
	"meshrelay/internal/router"
	"meshrelay/internal/seen"
	"meshrelay/internal/store"
)

var ErrNotInitialized = errors.New("mesh core not initialized")

const logInterval = 10 * time.Second

type Options struct {
	Config  config.Config
	Link    network.Link
	Clock   clock.Clock
	Rand    *rand.Rand
	Metrics *metrics.Metrics
	// Stores for the two retry queues; nil keeps them in memory only.
	PointToPointStore queue.Persistence
	BroadcastStore    queue.Persistence
	// Inbox, when set, records every delivered message.
	Inbox *store.Inbox
}

type Core struct {
	cfg     config.Config
	link    network.Link
	clock   clock.Clock
	metrics *metrics.Metrics
	inbox   *store.Inbox

	neighbors *peer.Table
	seen      *seen.Cache
	router    *router.Engine
	ptp       *queue.Queue
	bcast     *queue.Queue

	initialized atomic.Bool

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	tickers []*clock.Ticker
}

func New(opts Options) (*Core, error) {
	if opts.Link == nil {
		return nil, fmt.Errorf("mesh: missing link")
	}
	cfg := opts.Config
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("mesh: %w", err)
	}
	c := opts.Clock
	if c == nil {
		c = clock.Real{}
	}
	m := opts.Metrics
	if m == nil {
		m = metrics.New()
	}
	core := &Core{
		cfg:     cfg,
		link:    opts.Link,
		clock:   c,
		metrics: m,
		inbox:   opts.Inbox,
		ctx:     context.Background(),
	}
	core.neighbors = peer.NewTable(peer.Options{
		Cap:      cfg.NeighborCap,
		Expiry:   cfg.NeighborExpiry,
		Throttle: cfg.NotifyThrottle,
		Clock:    c,
		OnEvict: func(id proto.PeerID) {
			debuglog.Debugf("mesh neighbor evicted id=%s", id)
		},
	})
	core.seen = seen.New(cfg.SeenCap, cfg.SeenTTL, c)
	r, err := router.New(router.Options{
		Config:       cfg,
		Transport:    opts.Link,
		Neighbors:    core.neighbors,
		Seen:         core.seen,
		Clock:        c,
		Rand:         opts.Rand,
		Metrics:      m,
		OnPeerActive: core.peerActive,
	})
	if err != nil {
		return nil, err
	}
	core.router = r
	core.ptp, err = queue.New(queue.Options{
		Kind:         queue.PointToPoint,
		Cap:          cfg.PointToPointCap,
		MaxAttempts:  cfg.MaxAttempts,
		Backoff:      cfg.PointToPointBackoff,
		MaxBackoff:   cfg.MaxBackoff,
		TickInterval: cfg.QueueTick,
		Sender:       r,
		Neighbors:    core.neighbors,
		Store:        opts.PointToPointStore,
		Clock:        c,
		Metrics:      m,
	})
	if err != nil {
		return nil, err
	}
	core.bcast, err = queue.New(queue.Options{
		Kind:          queue.Broadcast,
		Cap:           cfg.BroadcastCap,
		MaxAttempts:   cfg.MaxAttempts,
		Backoff:       cfg.BroadcastBackoff,
		EmergencyBase: cfg.EmergencyBackoff,
		MaxBackoff:    cfg.MaxBackoff,
		TickInterval:  cfg.QueueTick,
		Sender:        r,
		Neighbors:     core.neighbors,
		Store:         opts.BroadcastStore,
		Clock:         c,
		Metrics:       m,
	})
	if err != nil {
		return nil, err
	}
	core.neighbors.Subscribe(func(active []peer.Neighbor) {
		m.SetNeighborsActive(len(active))
	})
	if core.inbox != nil {
		r.OnDelivered(core.record)
	}
	opts.Link.SetHandlers(network.Handlers{
		Frame: func(frame []byte) { _ = core.HandleFrame(frame) },
		Sighting: func(id proto.PeerID, signal *int) {
			if err := core.RegisterPhysicalNeighbor(id, signal); err != nil {
				debuglog.Debugf("mesh sighting %s ignored: %v", id, err)
			}
		},
	})
	return core, nil
}

// Init fixes the node identity and restores persisted queues. Every other
// operation fails with ErrNotInitialized until it succeeds.
func (c *Core) Init(self proto.PeerID) error {
	if err := c.router.Init(self); err != nil {
		return err
	}
	if err := c.ptp.Load(); err != nil {
		return err
	}
	if err := c.bcast.Load(); err != nil {
		return err
	}
	c.initialized.Store(true)
	debuglog.Logf("mesh init self=%s %s_queued=%d %s_queued=%d", self, c.ptp.Kind(), c.ptp.Len(), c.bcast.Kind(), c.bcast.Len())
	return nil
}

func (c *Core) Self() proto.PeerID { return c.router.Self() }

// Start runs the periodic sweeps and queue ticks until Stop or ctx ends.
func (c *Core) Start(ctx context.Context) error {
	if !c.initialized.Load() {
		return ErrNotInitialized
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		return nil
	}
	c.ctx, c.cancel = context.WithCancel(ctx)
	c.tickers = append(c.tickers,
		clock.Every(c.clock, "seen-sweep", c.cfg.SeenSweep, func() {
			if n := c.seen.Sweep(); n > 0 {
				debuglog.Debugf("mesh seen sweep removed=%d", n)
			}
		}),
		clock.Every(c.clock, "neighbor-sweep", c.cfg.NeighborSweep, func() {
			if n := c.neighbors.Sweep(); n > 0 {
				debuglog.Debugf("mesh neighbor sweep removed=%d", n)
			}
			c.metrics.SetNeighborsActive(c.neighbors.ActiveCount())
		}),
	)
	c.ptp.Start(c.ctx)
	c.bcast.Start(c.ctx)
	return nil
}

// Stop halts every background timer started by Start.
func (c *Core) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range c.tickers {
		t.Stop()
	}
	c.tickers = nil
	c.ptp.Stop()
	c.bcast.Stop()
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.ctx = context.Background()
}

// SendDirect sends now when any neighbor is active and queues otherwise,
// or when the link refuses the first transmission.
func (c *Core) SendDirect(dst proto.PeerID, payload []byte) (uuid.UUID, error) {
	if !c.initialized.Load() {
		return uuid.Nil, ErrNotInitialized
	}
	if dst == proto.Broadcast || !dst.Valid() {
		return uuid.Nil, fmt.Errorf("%w: bad destination %q", router.ErrInvalidPeer, dst)
	}
	return c.sendOrQueue(c.ptp, dst, payload, proto.FlagChat, false)
}

func (c *Core) SendBroadcast(payload []byte, emergency bool) (uuid.UUID, error) {
	if !c.initialized.Load() {
		return uuid.Nil, ErrNotInitialized
	}
	flags := proto.FlagBroadcast
	if emergency {
		flags |= proto.FlagEmergency
	}
	return c.sendOrQueue(c.bcast, proto.Broadcast, payload, flags, emergency)
}

func (c *Core) sendOrQueue(q *queue.Queue, dst proto.PeerID, payload []byte, flags proto.Flags, emergency bool) (uuid.UUID, error) {
	if dst == c.Self() {
		return uuid.Nil, fmt.Errorf("%w: destination is self", router.ErrInvalidPeer)
	}
	if len(payload) > c.cfg.MaxPayload {
		return uuid.Nil, fmt.Errorf("%w: %d > %d", router.ErrPayloadTooLarge, len(payload), c.cfg.MaxPayload)
	}
	id, err := uuid.NewRandom()
	if err != nil {
		return uuid.Nil, err
	}
	if c.neighbors.ActiveCount() == 0 {
		if err := q.EnqueueWithID(id, dst, payload, emergency); err != nil {
			return uuid.Nil, err
		}
		return id, nil
	}
	err = c.router.SendWithID(id, dst, payload, flags)
	if errors.Is(err, router.ErrTransport) {
		debuglog.RateLimitedf("mesh-send-fallback", logInterval, "mesh send id=%s failed, queued: %v", id, err)
		if qerr := q.EnqueueWithID(id, dst, payload, emergency); qerr != nil {
			return uuid.Nil, qerr
		}
		return id, nil
	}
	if err != nil {
		return uuid.Nil, err
	}
	return id, nil
}

func (c *Core) QueuePointToPoint(dst proto.PeerID, payload []byte) (uuid.UUID, error) {
	if !c.initialized.Load() {
		return uuid.Nil, ErrNotInitialized
	}
	if dst == c.Self() {
		return uuid.Nil, fmt.Errorf("%w: destination is self", router.ErrInvalidPeer)
	}
	return c.ptp.Enqueue(dst, payload, false)
}

func (c *Core) QueueBroadcast(payload []byte, emergency bool) (uuid.UUID, error) {
	if !c.initialized.Load() {
		return uuid.Nil, ErrNotInitialized
	}
	return c.bcast.Enqueue(proto.Broadcast, payload, emergency)
}

// GetQueueSize is the total across both retry queues.
func (c *Core) GetQueueSize() (int, error) {
	if !c.initialized.Load() {
		return 0, ErrNotInitialized
	}
	return c.ptp.Len() + c.bcast.Len(), nil
}

// Queued returns copies of both retry queues.
func (c *Core) Queued() (p2p, broadcast []queue.Message, err error) {
	if !c.initialized.Load() {
		return nil, nil, ErrNotInitialized
	}
	return c.ptp.List(), c.bcast.List(), nil
}

func (c *Core) GetActiveNeighbors() ([]peer.Neighbor, error) {
	if !c.initialized.Load() {
		return nil, ErrNotInitialized
	}
	return c.neighbors.Active(), nil
}

func (c *Core) RegisterPhysicalNeighbor(id proto.PeerID, signal *int) error {
	if !c.initialized.Load() {
		return ErrNotInitialized
	}
	return c.router.RegisterPhysicalNeighbor(id, signal)
}

// HandleFrame is the link receive path.
func (c *Core) HandleFrame(frame []byte) error {
	if !c.initialized.Load() {
		return ErrNotInitialized
	}
	return c.router.HandleFrame(frame)
}

func (c *Core) OnMessageDelivered(fn func(router.Delivery)) func() {
	return c.router.OnDelivered(fn)
}

// OnNeighborsChanged is throttled by the table's notify window.
func (c *Core) OnNeighborsChanged(fn func([]peer.Neighbor)) func() {
	return c.neighbors.Subscribe(fn)
}

// OnQueueChanged reports the combined size of both queues.
func (c *Core) OnQueueChanged(fn func(size int)) func() {
	total := func(int) { fn(c.ptp.Len() + c.bcast.Len()) }
	u1 := c.ptp.Subscribe(total)
	u2 := c.bcast.Subscribe(total)
	return func() {
		u1()
		u2()
	}
}

// OnDeliveryFailed reports messages dropped after max attempts; err wraps
// queue.ErrMaxAttempts.
func (c *Core) OnDeliveryFailed(fn func(queue.Message, error)) func() {
	u1 := c.ptp.OnDropped(fn)
	u2 := c.bcast.OnDropped(fn)
	return func() {
		u1()
		u2()
	}
}

func (c *Core) Metrics() *metrics.Metrics { return c.metrics }

func (c *Core) Inbox() *store.Inbox { return c.inbox }

// peerActive is the reconnect nudge: queued messages for the peer go out
// now instead of on the next tick.
func (c *Core) peerActive(id proto.PeerID) {
	if !c.initialized.Load() {
		return
	}
	c.mu.Lock()
	ctx := c.ctx
	c.mu.Unlock()
	sent := c.ptp.ProcessForPeer(ctx, id)
	sent += c.bcast.ProcessForPeer(ctx, id)
	if sent > 0 {
		debuglog.Debugf("mesh peer %s active: flushed %d queued", id, sent)
	}
}

func (c *Core) record(d router.Delivery) {
	err := c.inbox.Append(store.InboxRecord{
		ID:          d.ID.String(),
		Source:      string(d.Source),
		Destination: string(d.Destination),
		Flags:       d.Flags.String(),
		Payload:     d.Payload,
		CreatedAt:   d.CreatedAt,
		ReceivedAt:  d.ReceivedAt,
	})
	if err != nil {
		debuglog.RateLimitedf("mesh-inbox", logInterval, "mesh inbox append failed: %v", err)
	}
}
