// Package queue holds messages that could not be sent immediately and
// retries them with exponential backoff once neighbors are reachable.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"meshrelay/internal/clock"
	"meshrelay/internal/debuglog"
	"meshrelay/internal/metrics"
	"meshrelay/internal/proto"
)

var (
	ErrMaxAttempts = errors.New("max delivery attempts exceeded")
	ErrInvalidDest = errors.New("invalid destination")
	ErrTooLarge    = errors.New("payload too large")
)

const logInterval = 10 * time.Second

type Kind int

const (
	PointToPoint Kind = iota
	Broadcast
)

func (k Kind) String() string {
	if k == Broadcast {
		return "broadcast"
	}
	return "p2p"
}

// Message is one queued send. Destination is proto.Broadcast for the
// broadcast queue.
type Message struct {
	ID            uuid.UUID    `json:"id"`
	Destination   proto.PeerID `json:"destination"`
	Payload       []byte       `json:"payload"`
	Emergency     bool         `json:"emergency,omitempty"`
	CreatedAt     time.Time    `json:"created_at"`
	Attempts      int          `json:"attempts"`
	MaxAttempts   int          `json:"max_attempts"`
	NextAttemptAt time.Time    `json:"next_attempt_at"`
	LastError     string       `json:"last_error,omitempty"`
}

func (m Message) Flags() proto.Flags {
	if m.Destination != proto.Broadcast {
		return proto.FlagChat
	}
	f := proto.FlagBroadcast
	if m.Emergency {
		f |= proto.FlagEmergency
	}
	return f
}

// Sender transmits a queued message under its original id.
type Sender interface {
	SendWithID(id uuid.UUID, dst proto.PeerID, payload []byte, flags proto.Flags) error
}

type Neighbors interface {
	IsActive(id proto.PeerID) bool
	ActiveCount() int
}

// Persistence stores the whole queue under one key; last write wins.
type Persistence interface {
	Load() ([]Message, error)
	Save([]Message) error
}

type Options struct {
	Kind          Kind
	Cap           int
	MaxAttempts   int
	Backoff       time.Duration
	EmergencyBase time.Duration
	MaxBackoff    time.Duration
	TickInterval  time.Duration
	Sender        Sender
	Neighbors     Neighbors
	Store         Persistence
	Clock         clock.Clock
	Metrics       *metrics.Metrics
}

type Queue struct {
	kind          Kind
	cap           int
	maxAttempts   int
	backoff       time.Duration
	emergencyBase time.Duration
	maxBackoff    time.Duration
	interval      time.Duration
	sender        Sender
	neighbors     Neighbors
	store         Persistence
	clock         clock.Clock
	metrics       *metrics.Metrics

	mu   sync.Mutex
	msgs []Message

	runMu   sync.Mutex
	running bool
	again   bool

	tickMu sync.Mutex
	ticker *clock.Ticker

	subMu     sync.Mutex
	nextSub   uint64
	sizeSubs  map[uint64]func(int)
	dropSubs  map[uint64]func(Message, error)
	deliverFn func(Message)
}

func New(opts Options) (*Queue, error) {
	if opts.Sender == nil || opts.Neighbors == nil {
		return nil, fmt.Errorf("queue: sender and neighbors are required")
	}
	if opts.Cap <= 0 || opts.MaxAttempts <= 0 {
		return nil, fmt.Errorf("queue: cap and max attempts must be positive")
	}
	c := opts.Clock
	if c == nil {
		c = clock.Real{}
	}
	q := &Queue{
		kind:          opts.Kind,
		cap:           opts.Cap,
		maxAttempts:   opts.MaxAttempts,
		backoff:       opts.Backoff,
		emergencyBase: opts.EmergencyBase,
		maxBackoff:    opts.MaxBackoff,
		interval:      opts.TickInterval,
		sender:        opts.Sender,
		neighbors:     opts.Neighbors,
		store:         opts.Store,
		clock:         c,
		metrics:       opts.Metrics,
		sizeSubs:      make(map[uint64]func(int)),
		dropSubs:      make(map[uint64]func(Message, error)),
	}
	if q.emergencyBase <= 0 {
		q.emergencyBase = q.backoff
	}
	return q, nil
}

func (q *Queue) Kind() Kind { return q.kind }

// Load replaces the in-memory queue with the persisted one, trimming to
// the cap if the stored copy is larger.
func (q *Queue) Load() error {
	if q.store == nil {
		return nil
	}
	msgs, err := q.store.Load()
	if err != nil {
		return fmt.Errorf("queue %s load: %w", q.kind, err)
	}
	q.mu.Lock()
	q.msgs = q.msgs[:0]
	for _, m := range msgs {
		if m.ID == uuid.Nil {
			continue
		}
		if m.MaxAttempts <= 0 {
			m.MaxAttempts = q.maxAttempts
		}
		if len(q.msgs) >= q.cap {
			q.evictLocked()
		}
		q.msgs = append(q.msgs, m)
	}
	size := len(q.msgs)
	q.mu.Unlock()
	q.notifySize(size)
	return nil
}

// Enqueue adds a message with a fresh id.
func (q *Queue) Enqueue(dst proto.PeerID, payload []byte, emergency bool) (uuid.UUID, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return uuid.Nil, err
	}
	if err := q.EnqueueWithID(id, dst, payload, emergency); err != nil {
		return uuid.Nil, err
	}
	return id, nil
}

// EnqueueWithID adds a message under an id the caller already handed out.
// A full queue evicts rather than refusing.
func (q *Queue) EnqueueWithID(id uuid.UUID, dst proto.PeerID, payload []byte, emergency bool) error {
	if q.kind == Broadcast {
		dst = proto.Broadcast
	} else {
		emergency = false
		if dst == proto.Broadcast || !dst.Valid() {
			return fmt.Errorf("%w: %q", ErrInvalidDest, dst)
		}
	}
	if len(payload) > proto.MaxPayload {
		return fmt.Errorf("%w: %d bytes", ErrTooLarge, len(payload))
	}
	now := q.clock.Now()
	m := Message{
		ID:            id,
		Destination:   dst,
		Payload:       append([]byte(nil), payload...),
		Emergency:     emergency,
		CreatedAt:     now,
		MaxAttempts:   q.maxAttempts,
		NextAttemptAt: now,
	}
	q.mu.Lock()
	if len(q.msgs) >= q.cap {
		q.evictLocked()
	}
	q.msgs = append(q.msgs, m)
	snapshot := q.copyLocked()
	q.mu.Unlock()

	q.metrics.IncQueueEnqueued()
	debuglog.Debugf("queue %s enqueue id=%s dst=%s emergency=%v", q.kind, id, dst, emergency)
	q.persist(snapshot)
	q.notifySize(len(snapshot))
	return nil
}

// evictLocked makes room for one message: the broadcast queue gives up
// its oldest non-emergency entry first, point-to-point is plain FIFO.
func (q *Queue) evictLocked() {
	if len(q.msgs) == 0 {
		return
	}
	idx := 0
	if q.kind == Broadcast {
		for i, m := range q.msgs {
			if !m.Emergency {
				idx = i
				break
			}
		}
	}
	victim := q.msgs[idx]
	q.msgs = append(q.msgs[:idx], q.msgs[idx+1:]...)
	q.metrics.IncQueueEvicted()
	debuglog.RateLimitedf("queue-evict-"+q.kind.String(), logInterval, "queue %s full: evicted id=%s dst=%s", q.kind, victim.ID, victim.Destination)
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.msgs)
}

// List returns a copy of the queued messages in insertion order.
func (q *Queue) List() []Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.copyLocked()
}

// Tick attempts every eligible message once, emergencies first, then
// oldest first. Ticks never overlap; a tick requested while one runs is
// folded into a single extra pass. It returns how many were delivered.
func (q *Queue) Tick(ctx context.Context) int {
	q.runMu.Lock()
	if q.running {
		q.again = true
		q.runMu.Unlock()
		return 0
	}
	q.running = true
	q.runMu.Unlock()
	delivered := 0
	for {
		delivered += q.tickOnce(ctx)
		q.runMu.Lock()
		if !q.again || ctx.Err() != nil {
			q.running = false
			q.again = false
			q.runMu.Unlock()
			return delivered
		}
		q.again = false
		q.runMu.Unlock()
	}
}

func (q *Queue) tickOnce(ctx context.Context) int {
	now := q.clock.Now()
	q.mu.Lock()
	if len(q.msgs) == 0 {
		q.mu.Unlock()
		return 0
	}
	var eligible []Message
	anyActive := q.kind == Broadcast && q.neighbors.ActiveCount() > 0
	for _, m := range q.msgs {
		if m.NextAttemptAt.After(now) {
			continue
		}
		if q.kind == Broadcast && !anyActive {
			continue
		}
		if q.kind == PointToPoint && !q.neighbors.IsActive(m.Destination) {
			continue
		}
		eligible = append(eligible, m)
	}
	q.mu.Unlock()
	if len(eligible) == 0 {
		return 0
	}
	sort.SliceStable(eligible, func(i, j int) bool {
		if eligible[i].Emergency != eligible[j].Emergency {
			return eligible[i].Emergency
		}
		return eligible[i].CreatedAt.Before(eligible[j].CreatedAt)
	})

	var (
		sent    []Message
		dropped []Message
		errs    []error
	)
	for _, m := range eligible {
		if ctx.Err() != nil {
			break
		}
		err := q.sender.SendWithID(m.ID, m.Destination, m.Payload, m.Flags())
		q.mu.Lock()
		idx := q.indexLocked(m.ID)
		if idx < 0 {
			// evicted while the send was in flight
			q.mu.Unlock()
			continue
		}
		if err == nil {
			q.msgs = append(q.msgs[:idx], q.msgs[idx+1:]...)
			q.mu.Unlock()
			sent = append(sent, m)
			continue
		}
		cur := &q.msgs[idx]
		cur.Attempts++
		cur.LastError = err.Error()
		cur.NextAttemptAt = q.clock.Now().Add(q.backoffFor(*cur))
		if cur.Attempts >= cur.MaxAttempts {
			gone := *cur
			q.msgs = append(q.msgs[:idx], q.msgs[idx+1:]...)
			dropped = append(dropped, gone)
			errs = append(errs, err)
		}
		q.mu.Unlock()
		debuglog.RateLimitedf("queue-send-"+q.kind.String(), logInterval, "queue %s send failed id=%s attempts=%d err=%v", q.kind, m.ID, m.Attempts+1, err)
	}

	q.mu.Lock()
	snapshot := q.copyLocked()
	q.mu.Unlock()
	q.persist(snapshot)
	for _, m := range sent {
		q.metrics.IncQueueDelivered()
		q.notifyDelivered(m)
	}
	for i, m := range dropped {
		q.metrics.IncQueueDropped()
		debuglog.Logf("queue %s dropped id=%s dst=%s after %d attempts", q.kind, m.ID, m.Destination, m.Attempts)
		q.notifyDropped(m, fmt.Errorf("%w: %v", ErrMaxAttempts, errs[i]))
	}
	q.notifySize(len(snapshot))
	return len(sent)
}

// ProcessForPeer is the reconnect nudge: messages for id become due now and
// a tick runs immediately. The broadcast queue has no per-peer state and
// just ticks.
func (q *Queue) ProcessForPeer(ctx context.Context, id proto.PeerID) int {
	if q.kind == PointToPoint {
		now := q.clock.Now()
		q.mu.Lock()
		for i := range q.msgs {
			if q.msgs[i].Destination == id {
				q.msgs[i].NextAttemptAt = now
			}
		}
		q.mu.Unlock()
	}
	return q.Tick(ctx)
}

// backoffFor returns min(base * 2^attempts, cap) for the already
// incremented attempt count.
func (q *Queue) backoffFor(m Message) time.Duration {
	base := q.backoff
	if m.Emergency {
		base = q.emergencyBase
	}
	shift := m.Attempts
	if shift > 30 {
		shift = 30
	}
	d := base * time.Duration(1<<shift)
	if q.maxBackoff > 0 && (d > q.maxBackoff || d <= 0) {
		return q.maxBackoff
	}
	return d
}

// Start runs Tick on the configured interval until Stop or ctx is done.
func (q *Queue) Start(ctx context.Context) {
	q.tickMu.Lock()
	defer q.tickMu.Unlock()
	if q.ticker != nil || q.interval <= 0 {
		return
	}
	q.ticker = clock.Every(q.clock, "queue-"+q.kind.String(), q.interval, func() {
		if ctx.Err() != nil {
			return
		}
		q.Tick(ctx)
	})
}

func (q *Queue) Stop() {
	q.tickMu.Lock()
	defer q.tickMu.Unlock()
	q.ticker.Stop()
	q.ticker = nil
}

// Subscribe observes queue size changes.
func (q *Queue) Subscribe(fn func(size int)) func() {
	q.subMu.Lock()
	q.nextSub++
	id := q.nextSub
	q.sizeSubs[id] = fn
	q.subMu.Unlock()
	return func() {
		q.subMu.Lock()
		delete(q.sizeSubs, id)
		q.subMu.Unlock()
	}
}

// OnDropped observes terminal failures. err wraps ErrMaxAttempts.
func (q *Queue) OnDropped(fn func(Message, error)) func() {
	q.subMu.Lock()
	q.nextSub++
	id := q.nextSub
	q.dropSubs[id] = fn
	q.subMu.Unlock()
	return func() {
		q.subMu.Lock()
		delete(q.dropSubs, id)
		q.subMu.Unlock()
	}
}

// SetDeliveredHook sets a single observer for messages the queue managed
// to hand to the sender.
func (q *Queue) SetDeliveredHook(fn func(Message)) {
	q.subMu.Lock()
	q.deliverFn = fn
	q.subMu.Unlock()
}

func (q *Queue) notifySize(size int) {
	q.subMu.Lock()
	fns := make([]func(int), 0, len(q.sizeSubs))
	for _, fn := range q.sizeSubs {
		fns = append(fns, fn)
	}
	q.subMu.Unlock()
	for _, fn := range fns {
		fn(size)
	}
}

func (q *Queue) notifyDropped(m Message, err error) {
	q.subMu.Lock()
	fns := make([]func(Message, error), 0, len(q.dropSubs))
	for _, fn := range q.dropSubs {
		fns = append(fns, fn)
	}
	q.subMu.Unlock()
	for _, fn := range fns {
		fn(m, err)
	}
}

func (q *Queue) notifyDelivered(m Message) {
	q.subMu.Lock()
	fn := q.deliverFn
	q.subMu.Unlock()
	if fn != nil {
		fn(m)
	}
}

func (q *Queue) persist(msgs []Message) {
	if q.store == nil {
		return
	}
	if err := q.store.Save(msgs); err != nil {
		debuglog.RateLimitedf("queue-save-"+q.kind.String(), logInterval, "queue %s save failed: %v", q.kind, err)
	}
}

func (q *Queue) indexLocked(id uuid.UUID) int {
	for i := range q.msgs {
		if q.msgs[i].ID == id {
			return i
		}
	}
	return -1
}

func (q *Queue) copyLocked() []Message {
	out := make([]Message, len(q.msgs))
	copy(out, q.msgs)
	return out
}
