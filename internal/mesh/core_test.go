package mesh

import (
	"context"
	"errors"
	"math/rand"
	"path/filepath"
	"testing"
	"time"

	"meshrelay/internal/clock"
	"meshrelay/internal/config"
	"meshrelay/internal/network"
	"meshrelay/internal/peer"
	"meshrelay/internal/proto"
	"meshrelay/internal/queue"
	"meshrelay/internal/router"
	"meshrelay/internal/store"
)

type testNode struct {
	core *Core
	link *network.MediumLink
	got  []router.Delivery
}

func newTestNode(t *testing.T, m *network.Medium, clk *clock.Manual, id proto.PeerID, mutate func(*Options)) *testNode {
	t.Helper()
	link := m.Attach(id)
	opts := Options{
		Config: config.Default(),
		Link:   link,
		Clock:  clk,
		Rand:   rand.New(rand.NewSource(int64(len(id)))),
	}
	if mutate != nil {
		mutate(&opts)
	}
	core, err := New(opts)
	if err != nil {
		t.Fatalf("new core %s: %v", id, err)
	}
	if err := core.Init(id); err != nil {
		t.Fatalf("init %s: %v", id, err)
	}
	n := &testNode{core: core, link: link}
	core.OnMessageDelivered(func(d router.Delivery) { n.got = append(n.got, d) })
	t.Cleanup(core.Stop)
	return n
}

func TestOperationsBeforeInit(t *testing.T) {
	m := network.NewMedium()
	core, err := New(Options{Config: config.Default(), Link: m.Attach("x"), Clock: clock.NewManual(time.Time{})})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	checks := map[string]error{}
	_, checks["SendDirect"] = core.SendDirect("y", []byte("hi"))
	_, checks["SendBroadcast"] = core.SendBroadcast([]byte("hi"), false)
	_, checks["QueuePointToPoint"] = core.QueuePointToPoint("y", []byte("hi"))
	_, checks["QueueBroadcast"] = core.QueueBroadcast([]byte("hi"), true)
	_, checks["GetQueueSize"] = core.GetQueueSize()
	_, checks["GetActiveNeighbors"] = core.GetActiveNeighbors()
	checks["RegisterPhysicalNeighbor"] = core.RegisterPhysicalNeighbor("y", nil)
	checks["HandleFrame"] = core.HandleFrame([]byte("{}"))
	checks["Start"] = core.Start(context.Background())
	for name, err := range checks {
		if !errors.Is(err, ErrNotInitialized) {
			t.Fatalf("%s: expected ErrNotInitialized, got %v", name, err)
		}
	}
}

func TestQueuedDirectMessageFlushesWhenPeerAppears(t *testing.T) {
	clk := clock.NewManual(time.Time{})
	m := network.NewMedium()
	x := newTestNode(t, m, clk, "X", nil)
	y := newTestNode(t, m, clk, "Y", nil)

	id, err := x.core.SendDirect("Y", []byte("hi"))
	if err != nil {
		t.Fatalf("send direct: %v", err)
	}
	p2p, _, _ := x.core.Queued()
	if len(p2p) != 1 || p2p[0].ID != id || p2p[0].Attempts != 0 {
		t.Fatalf("expected message queued with attempts=0, got %+v", p2p)
	}

	m.Connect("X", "Y")
	m.Beacon("Y", nil)

	if size, _ := x.core.GetQueueSize(); size != 0 {
		t.Fatalf("expected queue flushed on sighting, size=%d", size)
	}
	if len(y.got) != 1 || y.got[0].ID != id || string(y.got[0].Payload) != "hi" {
		t.Fatalf("expected Y to receive hi without a tick, got %+v", y.got)
	}
	clk.Advance(5 * time.Second)
	if len(y.got) != 1 {
		t.Fatalf("expected redundant copies deduplicated, got %d", len(y.got))
	}
	if x.core.Metrics().Snapshot().Queue.Delivered != 1 {
		t.Fatalf("expected queue delivery counted")
	}
}

func TestLineDestinationDeliversAndForwards(t *testing.T) {
	clk := clock.NewManual(time.Time{})
	m := network.NewMedium()
	a := newTestNode(t, m, clk, "A", nil)
	b := newTestNode(t, m, clk, "B", nil)
	c := newTestNode(t, m, clk, "C", nil)
	m.Line("A", "B", "C")
	m.Beacon("B", nil)

	active, _ := a.core.GetActiveNeighbors()
	if len(active) != 1 || active[0].PeerID != "B" {
		t.Fatalf("expected A to see only B, got %+v", active)
	}
	id, err := a.core.SendDirect("C", []byte("x"))
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	clk.Advance(5 * time.Second)

	if len(b.got) != 0 {
		t.Fatalf("relay must not deliver, got %+v", b.got)
	}
	if len(c.got) != 1 || c.got[0].ID != id || c.got[0].TTL != 2 {
		t.Fatalf("expected C to deliver once with ttl 2, got %+v", c.got)
	}
	if f := b.core.Metrics().Snapshot().Routing.Forwarded; f != 1 {
		t.Fatalf("expected B to forward once, got %d", f)
	}
	if f := c.core.Metrics().Snapshot().Routing.Forwarded; f != 1 {
		t.Fatalf("expected destination C to forward once, got %d", f)
	}
	var relayTTL int
	for _, h := range c.core.Metrics().Recent().List() {
		if h.ID == id.String() && h.Action == "forwarded" {
			relayTTL = h.TTL
		}
	}
	if relayTTL != 1 {
		t.Fatalf("expected C to relay with ttl 1, got %d", relayTTL)
	}
}

func TestEmergencyBroadcastQueuedAndSentFirst(t *testing.T) {
	clk := clock.NewManual(time.Time{})
	m := network.NewMedium()
	e := newTestNode(t, m, clk, "E", nil)
	f := newTestNode(t, m, clk, "F", nil)

	if _, err := e.core.QueueBroadcast([]byte("normal"), false); err != nil {
		t.Fatalf("queue broadcast: %v", err)
	}
	clk.Advance(time.Second)
	sosID, err := e.core.SendBroadcast([]byte("sos"), true)
	if err != nil {
		t.Fatalf("send broadcast: %v", err)
	}
	_, bcast, _ := e.core.Queued()
	if len(bcast) != 2 || bcast[1].ID != sosID || !bcast[1].Emergency {
		t.Fatalf("expected emergency queued, got %+v", bcast)
	}

	m.Connect("E", "F")
	m.Beacon("F", nil)
	if len(f.got) != 2 {
		t.Fatalf("expected both broadcasts delivered, got %d", len(f.got))
	}
	if string(f.got[0].Payload) != "sos" || string(f.got[1].Payload) != "normal" {
		t.Fatalf("expected emergency first, got %q then %q", f.got[0].Payload, f.got[1].Payload)
	}
	if !f.got[0].Flags.Has(proto.FlagEmergency) {
		t.Fatalf("expected emergency flag on delivery")
	}
}

func TestTransportFailureFallsBackToQueue(t *testing.T) {
	clk := clock.NewManual(time.Time{})
	m := network.NewMedium()
	x := newTestNode(t, m, clk, "X", nil)
	y := newTestNode(t, m, clk, "Y", nil)
	m.Connect("X", "Y")
	m.Beacon("Y", nil)

	x.link.SetDown(true)
	id, err := x.core.SendDirect("Y", []byte("retry me"))
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if size, _ := x.core.GetQueueSize(); size != 1 {
		t.Fatalf("expected fallback to queue, size=%d", size)
	}
	if x.core.Metrics().Snapshot().Routing.TransportErrors != 1 {
		t.Fatalf("expected transport error counted")
	}

	x.link.SetDown(false)
	if err := x.core.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	clk.Advance(15 * time.Second)
	if len(y.got) != 1 || y.got[0].ID != id {
		t.Fatalf("expected periodic tick to deliver, got %+v", y.got)
	}
	if size, _ := x.core.GetQueueSize(); size != 0 {
		t.Fatalf("expected queue empty, size=%d", size)
	}
}

func TestDeliveryFailedEvent(t *testing.T) {
	clk := clock.NewManual(time.Time{})
	m := network.NewMedium()
	x := newTestNode(t, m, clk, "X", func(o *Options) { o.Config.MaxAttempts = 1 })
	newTestNode(t, m, clk, "Y", nil)
	m.Connect("X", "Y")
	m.Beacon("Y", nil)

	var failed []queue.Message
	var failErr error
	x.core.OnDeliveryFailed(func(msg queue.Message, err error) {
		failed = append(failed, msg)
		failErr = err
	})
	x.link.SetDown(true)
	id, err := x.core.SendDirect("Y", []byte("doomed"))
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := x.core.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	clk.Advance(15 * time.Second)
	if len(failed) != 1 || failed[0].ID != id {
		t.Fatalf("expected one failure event, got %+v", failed)
	}
	if !errors.Is(failErr, queue.ErrMaxAttempts) {
		t.Fatalf("expected ErrMaxAttempts, got %v", failErr)
	}
	if size, _ := x.core.GetQueueSize(); size != 0 {
		t.Fatalf("expected dropped message removed, size=%d", size)
	}
}

func TestNeighborsChangedAndExpiry(t *testing.T) {
	clk := clock.NewManual(time.Time{})
	m := network.NewMedium()
	x := newTestNode(t, m, clk, "X", nil)
	newTestNode(t, m, clk, "Y", nil)
	var calls [][]peer.Neighbor
	x.core.OnNeighborsChanged(func(n []peer.Neighbor) { calls = append(calls, n) })

	m.Connect("X", "Y")
	m.Beacon("Y", nil)
	clk.Advance(0)
	if len(calls) != 1 || len(calls[0]) != 1 {
		t.Fatalf("expected one notification with Y, got %v", calls)
	}
	if err := x.core.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	clk.Advance(31 * time.Second)
	if len(calls) != 2 || len(calls[1]) != 0 {
		t.Fatalf("expected expiry notification, got %v", calls)
	}
	if got := x.core.Metrics().Snapshot().NeighborsActive; got != 0 {
		t.Fatalf("expected neighbor gauge 0, got %d", got)
	}
}

func TestQueueSurvivesRestartAndInboxRecords(t *testing.T) {
	dir := t.TempDir()
	clk := clock.NewManual(time.Time{})
	withStores := func(o *Options) {
		o.PointToPointStore = store.NewJSONFile[queue.Message](filepath.Join(dir, "p2p.json"))
		o.BroadcastStore = store.NewJSONFile[queue.Message](filepath.Join(dir, "bcast.json"))
	}

	first := newTestNode(t, network.NewMedium(), clk, "X", withStores)
	id, err := first.core.QueuePointToPoint("Y", []byte("later"))
	if err != nil {
		t.Fatalf("queue: %v", err)
	}
	var sizes []int
	first.core.OnQueueChanged(func(n int) { sizes = append(sizes, n) })
	if _, err := first.core.QueueBroadcast([]byte("all"), false); err != nil {
		t.Fatalf("queue broadcast: %v", err)
	}
	if len(sizes) != 1 || sizes[0] != 2 {
		t.Fatalf("expected combined size notification, got %v", sizes)
	}
	first.core.Stop()

	m := network.NewMedium()
	second := newTestNode(t, m, clk, "X", withStores)
	if size, _ := second.core.GetQueueSize(); size != 2 {
		t.Fatalf("expected 2 queued after restart, got %d", size)
	}
	inbox := store.NewInbox(filepath.Join(dir, "inbox.jsonl"))
	newTestNode(t, m, clk, "Y", func(o *Options) { o.Inbox = inbox })
	m.Connect("X", "Y")
	m.Beacon("Y", nil)

	recs, err := inbox.List(0)
	if err != nil {
		t.Fatalf("inbox list: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("expected 2 inbox records, got %d", len(recs))
	}
	found := false
	for _, r := range recs {
		if r.ID == id.String() && string(r.Payload) == "later" && r.Source == "X" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected direct message in inbox, got %+v", recs)
	}
}

func TestSendToSelfRejected(t *testing.T) {
	clk := clock.NewManual(time.Time{})
	x := newTestNode(t, network.NewMedium(), clk, "X", nil)
	if _, err := x.core.SendDirect("X", []byte("me")); !errors.Is(err, router.ErrInvalidPeer) {
		t.Fatalf("expected ErrInvalidPeer, got %v", err)
	}
	if _, err := x.core.SendDirect("Y", make([]byte, 501)); !errors.Is(err, router.ErrPayloadTooLarge) {
		t.Fatalf("expected ErrPayloadTooLarge, got %v", err)
	}
}

func TestSendDirectRejectsBroadcastDestination(t *testing.T) {
	clk := clock.NewManual(time.Time{})
	m := network.NewMedium()
	x := newTestNode(t, m, clk, "X", nil)
	y := newTestNode(t, m, clk, "Y", nil)

	check := func(stage string) {
		t.Helper()
		for _, dst := range []proto.PeerID{proto.Broadcast, ""} {
			if _, err := x.core.SendDirect(dst, []byte("hi")); !errors.Is(err, router.ErrInvalidPeer) {
				t.Fatalf("%s: SendDirect(%q) expected ErrInvalidPeer, got %v", stage, dst, err)
			}
		}
		if n, _ := x.core.GetQueueSize(); n != 0 {
			t.Fatalf("%s: expected nothing queued, got %d", stage, n)
		}
	}
	check("alone")

	m.Connect("X", "Y")
	m.Beacon("Y", nil)
	check("with neighbor")
	clk.Advance(time.Second)
	if len(y.got) != 0 || x.link.Sent() != 0 {
		t.Fatalf("expected nothing on the air, y got %d, x sent %d", len(y.got), x.link.Sent())
	}
}

func TestStopLeavesNoTimers(t *testing.T) {
	clk := clock.NewManual(time.Time{})
	x := newTestNode(t, network.NewMedium(), clk, "X", nil)
	if err := x.core.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if clk.Pending() == 0 {
		t.Fatalf("expected background timers while running")
	}
	x.core.Stop()
	if got := clk.Pending(); got != 0 {
		t.Fatalf("expected no timers after stop, got %d", got)
	}
}
