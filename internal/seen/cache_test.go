package seen

import (
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"meshrelay/internal/clock"
)

func TestRecordSeenOnce(t *testing.T) {
	c := New(10, time.Minute, clock.NewManual(time.Time{}))
	id := uuid.New()
	if !c.RecordSeen(id) {
		t.Fatalf("expected first sighting")
	}
	if c.RecordSeen(id) {
		t.Fatalf("expected duplicate sighting")
	}
	ent, ok := c.Has(id)
	if !ok || ent.Forwarded {
		t.Fatalf("expected entry not forwarded, got %+v ok=%v", ent, ok)
	}
}

func TestMarkForwardedFlipsOnce(t *testing.T) {
	c := New(10, time.Minute, clock.NewManual(time.Time{}))
	id := uuid.New()
	c.RecordSeen(id)
	if !c.MarkForwarded(id) {
		t.Fatalf("expected first flip to win")
	}
	if c.MarkForwarded(id) {
		t.Fatalf("expected second flip to lose")
	}
	ent, _ := c.Has(id)
	if !ent.Forwarded {
		t.Fatalf("expected forwarded state")
	}
}

func TestMarkForwardedConcurrentSingleWinner(t *testing.T) {
	c := New(10, time.Minute, nil)
	id := uuid.New()
	c.RecordSeen(id)
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if c.MarkForwarded(id) {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if wins != 1 {
		t.Fatalf("expected exactly one winner, got %d", wins)
	}
}

func TestSweepExpiresByTTL(t *testing.T) {
	clk := clock.NewManual(time.Time{})
	c := New(10, 60*time.Second, clk)
	old := uuid.New()
	c.RecordSeen(old)
	clk.Advance(30 * time.Second)
	fresh := uuid.New()
	c.RecordSeen(fresh)
	clk.Advance(31 * time.Second)
	if removed := c.Sweep(); removed != 1 {
		t.Fatalf("expected 1 expired entry, got %d", removed)
	}
	if _, ok := c.Has(old); ok {
		t.Fatalf("expected old entry gone")
	}
	if _, ok := c.Has(fresh); !ok {
		t.Fatalf("expected fresh entry kept")
	}
}

func TestCapKeepsNewest(t *testing.T) {
	clk := clock.NewManual(time.Time{})
	const capacity = 50
	c := New(capacity, time.Hour, clk)
	ids := make([]uuid.UUID, 0, capacity+7)
	for i := 0; i < capacity+7; i++ {
		id := uuid.New()
		ids = append(ids, id)
		c.RecordSeen(id)
		clk.Advance(time.Millisecond)
	}
	c.Sweep()
	if c.Len() > capacity {
		t.Fatalf("expected at most %d entries, got %d", capacity, c.Len())
	}
	for _, id := range ids[:7] {
		if _, ok := c.Has(id); ok {
			t.Fatalf("expected oldest ids evicted")
		}
	}
	for _, id := range ids[7:] {
		if _, ok := c.Has(id); !ok {
			t.Fatalf("expected newest ids kept")
		}
	}
}
