package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"meshrelay/internal/clock"
	"meshrelay/internal/metrics"
	"meshrelay/internal/proto"
)

type fakeSender struct {
	mu    sync.Mutex
	fail  error
	sent  []uuid.UUID
	flags []proto.Flags
	hook  func()
}

func (f *fakeSender) SendWithID(id uuid.UUID, dst proto.PeerID, payload []byte, flags proto.Flags) error {
	f.mu.Lock()
	hook := f.hook
	f.hook = nil
	err := f.fail
	if err == nil {
		f.sent = append(f.sent, id)
		f.flags = append(f.flags, flags)
	}
	f.mu.Unlock()
	if hook != nil {
		hook()
	}
	return err
}

type fakeNeighbors map[proto.PeerID]bool

func (n fakeNeighbors) IsActive(id proto.PeerID) bool { return n[id] }
func (n fakeNeighbors) ActiveCount() int              { return len(n) }

type memStore struct {
	mu   sync.Mutex
	msgs []Message
	n    int
}

func (s *memStore) Load() ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Message(nil), s.msgs...), nil
}

func (s *memStore) Save(m []Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = append([]Message(nil), m...)
	s.n++
	return nil
}

func newQueue(t *testing.T, kind Kind, capacity int, s *fakeSender, n fakeNeighbors, clk *clock.Manual, st Persistence) *Queue {
	t.Helper()
	q, err := New(Options{
		Kind:          kind,
		Cap:           capacity,
		MaxAttempts:   5,
		Backoff:       5 * time.Second,
		EmergencyBase: 2 * time.Second,
		MaxBackoff:    60 * time.Second,
		TickInterval:  15 * time.Second,
		Sender:        s,
		Neighbors:     n,
		Store:         st,
		Clock:         clk,
		Metrics:       metrics.New(),
	})
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}
	return q
}

func TestBackoffGrowsAndDropsAtMaxAttempts(t *testing.T) {
	clk := clock.NewManual(time.Time{})
	s := &fakeSender{fail: errors.New("link down")}
	q := newQueue(t, PointToPoint, 10, s, fakeNeighbors{"b": true}, clk, nil)
	var dropped []Message
	var dropErr error
	q.OnDropped(func(m Message, err error) {
		dropped = append(dropped, m)
		dropErr = err
	})

	id, err := q.Enqueue("b", []byte("hi"), false)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if got := q.List()[0]; got.Attempts != 0 {
		t.Fatalf("expected attempts=0 on enqueue, got %d", got.Attempts)
	}
	wantBackoff := []time.Duration{10 * time.Second, 20 * time.Second, 40 * time.Second, 60 * time.Second}
	var prev time.Time
	for i, want := range wantBackoff {
		start := clk.Now()
		q.Tick(context.Background())
		msgs := q.List()
		if len(msgs) != 1 {
			t.Fatalf("attempt %d: expected message still queued", i+1)
		}
		m := msgs[0]
		if m.Attempts != i+1 {
			t.Fatalf("expected attempts=%d, got %d", i+1, m.Attempts)
		}
		if got := m.NextAttemptAt.Sub(start); got != want {
			t.Fatalf("attempt %d: backoff %s want %s", i+1, got, want)
		}
		if !m.NextAttemptAt.After(prev) {
			t.Fatalf("expected next attempt to move forward")
		}
		prev = m.NextAttemptAt
		// not yet due: no send
		q.Tick(context.Background())
		if q.List()[0].Attempts != i+1 {
			t.Fatalf("expected no attempt before backoff elapsed")
		}
		clk.Advance(want)
	}
	if len(dropped) != 0 {
		t.Fatalf("dropped too early")
	}
	q.Tick(context.Background())
	if q.Len() != 0 {
		t.Fatalf("expected drop on 5th failure, len=%d", q.Len())
	}
	if len(dropped) != 1 || dropped[0].ID != id || dropped[0].Attempts != 5 {
		t.Fatalf("unexpected drop event %+v", dropped)
	}
	if !errors.Is(dropErr, ErrMaxAttempts) {
		t.Fatalf("expected ErrMaxAttempts, got %v", dropErr)
	}
}

func TestEmergencyBackoffBase(t *testing.T) {
	clk := clock.NewManual(time.Time{})
	s := &fakeSender{fail: errors.New("link down")}
	q := newQueue(t, Broadcast, 10, s, fakeNeighbors{"b": true}, clk, nil)
	if _, err := q.Enqueue("", []byte("sos"), true); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	start := clk.Now()
	q.Tick(context.Background())
	if got := q.List()[0].NextAttemptAt.Sub(start); got != 4*time.Second {
		t.Fatalf("expected 2s*2^1 backoff, got %s", got)
	}
}

func TestTickEmergencyFirstThenOldest(t *testing.T) {
	clk := clock.NewManual(time.Time{})
	s := &fakeSender{}
	n := fakeNeighbors{}
	q := newQueue(t, Broadcast, 10, s, n, clk, nil)
	n1, _ := q.Enqueue("", []byte("n1"), false)
	clk.Advance(time.Second)
	e1, _ := q.Enqueue("", []byte("e1"), true)
	clk.Advance(time.Second)
	n2, _ := q.Enqueue("", []byte("n2"), false)

	if got := q.Tick(context.Background()); got != 0 {
		t.Fatalf("expected nothing sent without neighbors, got %d", got)
	}
	n["b"] = true
	if got := q.Tick(context.Background()); got != 3 {
		t.Fatalf("expected 3 sent, got %d", got)
	}
	want := []uuid.UUID{e1, n1, n2}
	for i, id := range want {
		if s.sent[i] != id {
			t.Fatalf("position %d: got %s want %s", i, s.sent[i], id)
		}
	}
	if !s.flags[0].Has(proto.FlagEmergency) || s.flags[1].Has(proto.FlagEmergency) {
		t.Fatalf("unexpected flags %v", s.flags)
	}
	if q.Len() != 0 {
		t.Fatalf("expected queue drained")
	}
}

func TestPointToPointOnlyActiveDestinations(t *testing.T) {
	clk := clock.NewManual(time.Time{})
	s := &fakeSender{}
	q := newQueue(t, PointToPoint, 10, s, fakeNeighbors{"b": true}, clk, nil)
	toB, _ := q.Enqueue("b", []byte("x"), false)
	if _, err := q.Enqueue("c", []byte("y"), false); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if got := q.Tick(context.Background()); got != 1 {
		t.Fatalf("expected 1 sent, got %d", got)
	}
	if len(s.sent) != 1 || s.sent[0] != toB {
		t.Fatalf("expected only b's message sent, got %v", s.sent)
	}
	if q.Len() != 1 || q.List()[0].Destination != "c" {
		t.Fatalf("expected c's message to stay queued")
	}
}

func TestEnqueueRejects(t *testing.T) {
	clk := clock.NewManual(time.Time{})
	q := newQueue(t, PointToPoint, 10, &fakeSender{}, fakeNeighbors{}, clk, nil)
	if _, err := q.Enqueue("", []byte("x"), false); !errors.Is(err, ErrInvalidDest) {
		t.Fatalf("expected ErrInvalidDest, got %v", err)
	}
	if _, err := q.Enqueue(proto.Broadcast, []byte("x"), false); !errors.Is(err, ErrInvalidDest) {
		t.Fatalf("expected ErrInvalidDest for broadcast, got %v", err)
	}
	if _, err := q.Enqueue("b", make([]byte, proto.MaxPayload+1), false); !errors.Is(err, ErrTooLarge) {
		t.Fatalf("expected ErrTooLarge, got %v", err)
	}
}

func TestPointToPointEvictsOldest(t *testing.T) {
	clk := clock.NewManual(time.Time{})
	q := newQueue(t, PointToPoint, 2, &fakeSender{}, fakeNeighbors{}, clk, nil)
	a1, _ := q.Enqueue("b", []byte("1"), false)
	a2, _ := q.Enqueue("b", []byte("2"), false)
	a3, _ := q.Enqueue("b", []byte("3"), false)
	msgs := q.List()
	if len(msgs) != 2 || msgs[0].ID != a2 || msgs[1].ID != a3 {
		t.Fatalf("expected [a2 a3], got %v", msgs)
	}
	for _, m := range msgs {
		if m.ID == a1 {
			t.Fatalf("expected a1 evicted")
		}
	}
	if q.metrics.Snapshot().Queue.Evicted != 1 {
		t.Fatalf("expected eviction counted")
	}
}

func TestBroadcastEvictsNonEmergencyFirst(t *testing.T) {
	clk := clock.NewManual(time.Time{})
	q := newQueue(t, Broadcast, 2, &fakeSender{}, fakeNeighbors{}, clk, nil)
	e1, _ := q.Enqueue("", []byte("e1"), true)
	if _, err := q.Enqueue("", []byte("n1"), false); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	e2, _ := q.Enqueue("", []byte("e2"), true)
	msgs := q.List()
	if len(msgs) != 2 || msgs[0].ID != e1 || msgs[1].ID != e2 {
		t.Fatalf("expected normal message evicted, got %v", msgs)
	}
	e3, _ := q.Enqueue("", []byte("e3"), true)
	msgs = q.List()
	if len(msgs) != 2 || msgs[0].ID != e2 || msgs[1].ID != e3 {
		t.Fatalf("expected oldest emergency evicted when no normal left, got %v", msgs)
	}
}

func TestPersistenceRoundTrip(t *testing.T) {
	clk := clock.NewManual(time.Time{})
	st := &memStore{}
	q := newQueue(t, PointToPoint, 10, &fakeSender{}, fakeNeighbors{}, clk, st)
	id, _ := q.Enqueue("b", []byte("keep me"), false)
	if st.n == 0 {
		t.Fatalf("expected enqueue to persist")
	}

	reloaded := newQueue(t, PointToPoint, 10, &fakeSender{}, fakeNeighbors{}, clk, st)
	if err := reloaded.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}
	msgs := reloaded.List()
	if len(msgs) != 1 || msgs[0].ID != id || string(msgs[0].Payload) != "keep me" || msgs[0].MaxAttempts != 5 {
		t.Fatalf("unexpected reloaded queue %+v", msgs)
	}
}

func TestProcessForPeerSkipsBackoff(t *testing.T) {
	clk := clock.NewManual(time.Time{})
	s := &fakeSender{fail: errors.New("down")}
	n := fakeNeighbors{"b": true}
	q := newQueue(t, PointToPoint, 10, s, n, clk, nil)
	var delivered []Message
	q.SetDeliveredHook(func(m Message) { delivered = append(delivered, m) })
	id, _ := q.Enqueue("b", []byte("x"), false)
	q.Tick(context.Background())
	if q.List()[0].NextAttemptAt.Sub(clk.Now()) <= 0 {
		t.Fatalf("expected message in backoff")
	}

	s.fail = nil
	if got := q.ProcessForPeer(context.Background(), "b"); got != 1 {
		t.Fatalf("expected immediate delivery, got %d", got)
	}
	if q.Len() != 0 || len(delivered) != 1 || delivered[0].ID != id {
		t.Fatalf("expected message delivered, len=%d delivered=%v", q.Len(), delivered)
	}
}

func TestStartTicksOnInterval(t *testing.T) {
	clk := clock.NewManual(time.Time{})
	s := &fakeSender{}
	q := newQueue(t, Broadcast, 10, s, fakeNeighbors{"b": true}, clk, nil)
	var sizes []int
	q.Subscribe(func(n int) { sizes = append(sizes, n) })
	q.Start(context.Background())
	if _, err := q.Enqueue("", []byte("x"), false); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	clk.Advance(14 * time.Second)
	if len(s.sent) != 0 {
		t.Fatalf("expected no send before interval")
	}
	clk.Advance(time.Second)
	if len(s.sent) != 1 {
		t.Fatalf("expected send on tick, got %d", len(s.sent))
	}
	if len(sizes) < 2 || sizes[0] != 1 || sizes[len(sizes)-1] != 0 {
		t.Fatalf("unexpected size notifications %v", sizes)
	}

	q.Stop()
	if _, err := q.Enqueue("", []byte("y"), false); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	clk.Advance(time.Minute)
	if len(s.sent) != 1 || q.Len() != 1 {
		t.Fatalf("expected no ticks after stop")
	}
}

func TestTickIsSerialized(t *testing.T) {
	clk := clock.NewManual(time.Time{})
	s := &fakeSender{}
	q := newQueue(t, Broadcast, 10, s, fakeNeighbors{"b": true}, clk, nil)
	inner := -1
	s.hook = func() { inner = q.Tick(context.Background()) }
	if _, err := q.Enqueue("", []byte("x"), false); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if got := q.Tick(context.Background()); got != 1 {
		t.Fatalf("expected 1 delivered, got %d", got)
	}
	if inner != 0 {
		t.Fatalf("expected nested tick to be a no-op, got %d", inner)
	}
	if len(s.sent) != 1 {
		t.Fatalf("expected exactly one send, got %d", len(s.sent))
	}
}

func TestTickRequestFromOtherGoroutineRunsExtraPass(t *testing.T) {
	clk := clock.NewManual(time.Time{})
	s := &fakeSender{}
	q := newQueue(t, Broadcast, 10, s, fakeNeighbors{"b": true}, clk, nil)
	if _, err := q.Enqueue("", []byte("first"), false); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	inner := -1
	s.hook = func() {
		if _, err := q.Enqueue("", []byte("second"), false); err != nil {
			t.Errorf("enqueue: %v", err)
		}
		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			inner = q.Tick(context.Background())
		}()
		wg.Wait()
	}
	if got := q.Tick(context.Background()); got != 2 {
		t.Fatalf("expected the folded request to deliver the second message, got %d", got)
	}
	if inner != 0 {
		t.Fatalf("expected concurrent tick to fold, got %d", inner)
	}
	if q.Len() != 0 || len(s.sent) != 2 {
		t.Fatalf("expected empty queue and 2 sends, len=%d sent=%d", q.Len(), len(s.sent))
	}
	if got := q.Tick(context.Background()); got != 0 {
		t.Fatalf("expected idle tick after fold, got %d", got)
	}
}
