// Package router is the flood routing core: it originates packets with
// send-side redundancy and decides, for every inbound packet, whether to
// deliver it locally, relay it once, or drop it.
package router

import (
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"meshrelay/internal/clock"
	"meshrelay/internal/config"
	"meshrelay/internal/debuglog"
	"meshrelay/internal/metrics"
	"meshrelay/internal/peer"
	"meshrelay/internal/proto"
	"meshrelay/internal/seen"
)

var (
	ErrNotInitialized  = errors.New("router not initialized")
	ErrPayloadTooLarge = errors.New("payload too large")
	ErrInvalidPeer     = errors.New("invalid peer id")
	ErrTransport       = errors.New("transport failure")
)

const transportLogInterval = 10 * time.Second

// Transport is the link layer as the router sees it: best-effort delivery
// of one serialized packet to whoever is in range.
type Transport interface {
	Send(frame []byte) error
}

// Delivery is a packet handed to the local application.
type Delivery struct {
	ID          uuid.UUID
	Source      proto.PeerID
	Destination proto.PeerID
	Flags       proto.Flags
	Payload     []byte
	CreatedAt   time.Time
	ReceivedAt  time.Time
	TTL         int
}

// Decision records what HandlePacket did with one packet.
type Decision struct {
	Delivered bool
	Forwarded bool
	Drop      string
}

type Options struct {
	Config    config.Config
	Transport Transport
	Neighbors *peer.Table
	Seen      *seen.Cache
	Clock     clock.Clock
	Rand      *rand.Rand
	Metrics   *metrics.Metrics
	// OnPeerActive runs after a peer that was absent or expired is sighted.
	OnPeerActive func(proto.PeerID)
}

type Engine struct {
	cfg          config.Config
	transport    Transport
	neighbors    *peer.Table
	seen         *seen.Cache
	clock        clock.Clock
	metrics      *metrics.Metrics
	onPeerActive func(proto.PeerID)

	selfMu sync.RWMutex
	self   proto.PeerID

	randMu sync.Mutex
	rng    *rand.Rand

	subMu   sync.Mutex
	subs    map[uint64]func(Delivery)
	nextSub uint64
}

func New(opts Options) (*Engine, error) {
	if opts.Transport == nil {
		return nil, fmt.Errorf("missing transport")
	}
	if opts.Neighbors == nil || opts.Seen == nil {
		return nil, fmt.Errorf("missing neighbor table or seen cache")
	}
	cfg := opts.Config
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	c := opts.Clock
	if c == nil {
		c = clock.Real{}
	}
	rng := opts.Rand
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Engine{
		cfg:          cfg,
		transport:    opts.Transport,
		neighbors:    opts.Neighbors,
		seen:         opts.Seen,
		clock:        c,
		metrics:      opts.Metrics,
		onPeerActive: opts.OnPeerActive,
		rng:          rng,
		subs:         make(map[uint64]func(Delivery)),
	}, nil
}

// Init fixes the local identity. Nothing is sent or accepted before it.
func (e *Engine) Init(self proto.PeerID) error {
	if !self.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidPeer, self)
	}
	e.selfMu.Lock()
	e.self = self
	e.selfMu.Unlock()
	e.neighbors.SetSelf(self)
	return nil
}

func (e *Engine) Self() proto.PeerID {
	e.selfMu.RLock()
	defer e.selfMu.RUnlock()
	return e.self
}

// TTLFor picks the hop budget for a new packet: emergencies spread the
// furthest, broadcasts one hop less, and unicast adapts to how crowded
// the neighborhood is.
func (e *Engine) TTLFor(flags proto.Flags) int {
	switch {
	case flags.Has(proto.FlagEmergency):
		return e.cfg.BaseTTLBroadcast
	case flags.Has(proto.FlagBroadcast):
		return min(e.cfg.BaseTTLBroadcast-1, e.cfg.MaxTTL)
	}
	if e.neighbors.ActiveCount() >= e.cfg.AdaptiveTTLThreshold {
		return e.cfg.AdaptiveTTLLow
	}
	return e.cfg.AdaptiveTTLHigh
}

// Send originates a packet and returns its id once the first copy is on
// the link. The remaining redundant copies go out in the background.
func (e *Engine) Send(dst proto.PeerID, payload []byte, flags proto.Flags) (uuid.UUID, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return uuid.Nil, err
	}
	if err := e.SendWithID(id, dst, payload, flags); err != nil {
		return uuid.Nil, err
	}
	return id, nil
}

// SendWithID is Send with a caller-chosen id, used when a queued message
// keeps the id it was given at enqueue time.
func (e *Engine) SendWithID(id uuid.UUID, dst proto.PeerID, payload []byte, flags proto.Flags) error {
	self := e.Self()
	if self == "" {
		return ErrNotInitialized
	}
	if dst == self || (dst != proto.Broadcast && !dst.Valid()) {
		return fmt.Errorf("%w: destination %q", ErrInvalidPeer, dst)
	}
	if len(payload) > e.cfg.MaxPayload {
		return fmt.Errorf("%w: %d > %d", ErrPayloadTooLarge, len(payload), e.cfg.MaxPayload)
	}
	pkt, err := proto.NewPacketWithID(id, self, dst, flags, e.TTLFor(flags), payload, e.clock.Now())
	if err != nil {
		return err
	}
	frame, err := proto.EncodePacket(pkt)
	if err != nil {
		return err
	}
	// Our own id never gets relayed: echoes are dropped as self_echo.
	e.seen.RecordSeen(pkt.ID)
	// The first copy goes out on the caller's goroutine so a link failure
	// surfaces as ErrTransport; links bound their own Send time.
	if err := e.transport.Send(frame); err != nil {
		e.metrics.IncTransportError()
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}
	e.metrics.IncOriginated()
	e.record(pkt, "originated")
	debuglog.Debugf("router send id=%s dst=%s ttl=%d flags=%s", pkt.ID, dst, pkt.TTL, flags)

	jitter := e.jitter()
	for k := 1; k < e.cfg.RedundancyCount; k++ {
		e.clock.AfterFunc(time.Duration(k)*jitter, func() {
			if err := e.transport.Send(frame); err != nil {
				e.metrics.IncTransportError()
				debuglog.RateLimitedf("router-redundant-tx", transportLogInterval, "router redundant send failed id=%s err=%v", pkt.ID, err)
				return
			}
			e.metrics.IncRedundantTx()
		})
	}
	return nil
}

// HandleFrame is the link-layer receive callback. A bad frame is counted
// and dropped without affecting later frames.
func (e *Engine) HandleFrame(frame []byte) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("router: panic handling frame: %v", r)
			debuglog.Logf("%v", err)
		}
	}()
	if e.Self() == "" {
		return ErrNotInitialized
	}
	typ, _ := proto.SniffType(frame)
	if typ == proto.MsgTypeBeacon {
		b, err := proto.DecodeBeacon(frame)
		if err != nil {
			e.metrics.IncDropByReason(metrics.DropMalformed)
			return err
		}
		return e.RegisterPhysicalNeighbor(proto.PeerID(b.PeerID), b.Signal)
	}
	pkt, err := proto.DecodePacket(frame)
	if err != nil {
		e.metrics.IncDropByReason(metrics.DropMalformed)
		debuglog.RateLimitedf("router-malformed", transportLogInterval, "router drop malformed frame len=%d err=%v", len(frame), err)
		return err
	}
	_, err = e.HandlePacket(pkt)
	return err
}

// HandlePacket runs the dedup, deliver and forward decision for one
// inbound packet. Local delivery always precedes the forward.
func (e *Engine) HandlePacket(p proto.Packet) (Decision, error) {
	self := e.Self()
	if self == "" {
		return Decision{}, ErrNotInitialized
	}
	if p.Source == self {
		return e.drop(p, metrics.DropSelfEcho), nil
	}
	if !e.seen.RecordSeen(p.ID) {
		if p.TTL > 0 && e.seen.MarkForwarded(p.ID) {
			e.forward(p)
			return Decision{Forwarded: true}, nil
		}
		return e.drop(p, metrics.DropDuplicate), nil
	}

	becameActive := false
	if p.Source.Valid() {
		became, err := e.neighbors.Touch(p.Source, nil)
		becameActive = err == nil && became
	}

	var d Decision
	if p.Destination == self || p.IsBroadcast() {
		e.deliver(p)
		d.Delivered = true
	}
	if p.TTL > 0 {
		if e.seen.MarkForwarded(p.ID) {
			e.forward(p)
			d.Forwarded = true
		}
	} else if !d.Delivered {
		d = e.drop(p, metrics.DropTTLExhausted)
	}

	if becameActive && e.onPeerActive != nil {
		e.onPeerActive(p.Source)
	}
	return d, nil
}

// RegisterPhysicalNeighbor records a link-layer sighting that carried no
// message.
func (e *Engine) RegisterPhysicalNeighbor(id proto.PeerID, signal *int) error {
	self := e.Self()
	if self == "" {
		return ErrNotInitialized
	}
	if id == "" || id == self {
		return fmt.Errorf("%w: %q", ErrInvalidPeer, id)
	}
	became, err := e.neighbors.Touch(id, signal)
	if err != nil {
		return err
	}
	if became && e.onPeerActive != nil {
		e.onPeerActive(id)
	}
	return nil
}

// OnDelivered subscribes to local deliveries. The returned func
// unsubscribes.
func (e *Engine) OnDelivered(fn func(Delivery)) func() {
	e.subMu.Lock()
	e.nextSub++
	id := e.nextSub
	e.subs[id] = fn
	e.subMu.Unlock()
	return func() {
		e.subMu.Lock()
		delete(e.subs, id)
		e.subMu.Unlock()
	}
}

func (e *Engine) deliver(p proto.Packet) {
	d := Delivery{
		ID:          p.ID,
		Source:      p.Source,
		Destination: p.Destination,
		Flags:       p.Flags,
		Payload:     append([]byte(nil), p.Payload...),
		CreatedAt:   p.CreatedAt,
		ReceivedAt:  e.clock.Now(),
		TTL:         p.TTL,
	}
	e.metrics.IncDelivered()
	e.record(p, "delivered")
	e.subMu.Lock()
	subs := make([]func(Delivery), 0, len(e.subs))
	for _, fn := range e.subs {
		subs = append(subs, fn)
	}
	e.subMu.Unlock()
	for _, fn := range subs {
		notify(fn, d)
	}
}

func notify(fn func(Delivery), d Delivery) {
	defer func() {
		if r := recover(); r != nil {
			debuglog.Logf("router: delivery listener panic id=%s: %v", d.ID, r)
		}
	}()
	fn(d)
}

// forward schedules the single jittered relay of p with one less hop.
// Callers must have won seen.MarkForwarded first.
func (e *Engine) forward(p proto.Packet) {
	relayed, ok := p.Relayed()
	if !ok {
		return
	}
	frame, err := proto.EncodePacket(relayed)
	if err != nil {
		debuglog.Logf("router: encode relay id=%s failed: %v", p.ID, err)
		return
	}
	e.record(relayed, "forwarded")
	e.clock.AfterFunc(e.jitter(), func() {
		if err := e.transport.Send(frame); err != nil {
			e.metrics.IncTransportError()
			debuglog.RateLimitedf("router-forward", transportLogInterval, "router forward failed id=%s err=%v", relayed.ID, err)
			return
		}
		e.metrics.IncForwarded()
	})
}

func (e *Engine) drop(p proto.Packet, reason string) Decision {
	e.metrics.IncDropByReason(reason)
	e.record(p, "drop_"+reason)
	debuglog.Debugf("router drop id=%s src=%s reason=%s", p.ID, p.Source, reason)
	return Decision{Drop: reason}
}

func (e *Engine) record(p proto.Packet, action string) {
	e.metrics.Recent().Add(metrics.PacketHeader{
		ID:     p.ID.String(),
		Source: string(p.Source),
		Dest:   string(p.Destination),
		TTL:    p.TTL,
		Flags:  p.Flags.String(),
		Action: action,
	})
}

func (e *Engine) jitter() time.Duration {
	span := int64(e.cfg.JitterMax - e.cfg.JitterMin)
	if span <= 0 {
		return e.cfg.JitterMin
	}
	e.randMu.Lock()
	n := e.rng.Int63n(span + 1)
	e.randMu.Unlock()
	return e.cfg.JitterMin + time.Duration(n)
}
