package clock

import (
	"testing"
	"time"
)

func TestManualFiresInDeadlineOrder(t *testing.T) {
	c := NewManual(time.Time{})
	var order []int
	c.AfterFunc(30*time.Millisecond, func() { order = append(order, 3) })
	c.AfterFunc(10*time.Millisecond, func() { order = append(order, 1) })
	c.AfterFunc(20*time.Millisecond, func() { order = append(order, 2) })
	c.Advance(15 * time.Millisecond)
	if len(order) != 1 || order[0] != 1 {
		t.Fatalf("expected only first timer, got %v", order)
	}
	c.Advance(time.Second)
	if len(order) != 3 || order[1] != 2 || order[2] != 3 {
		t.Fatalf("unexpected order %v", order)
	}
}

func TestManualStop(t *testing.T) {
	c := NewManual(time.Time{})
	fired := false
	tm := c.AfterFunc(time.Second, func() { fired = true })
	if !tm.Stop() {
		t.Fatalf("expected stop to report armed timer")
	}
	c.Advance(2 * time.Second)
	if fired {
		t.Fatalf("stopped timer fired")
	}
	if tm.Stop() {
		t.Fatalf("second stop should report false")
	}
}

func TestEveryRearmsAndRecovers(t *testing.T) {
	c := NewManual(time.Time{})
	calls := 0
	tk := Every(c, "test", time.Second, func() {
		calls++
		if calls == 2 {
			panic("boom")
		}
	})
	c.Advance(3500 * time.Millisecond)
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
	tk.Stop()
	c.Advance(5 * time.Second)
	if calls != 3 {
		t.Fatalf("expected no calls after stop, got %d", calls)
	}
	if c.Pending() != 0 {
		t.Fatalf("expected no pending timers, got %d", c.Pending())
	}
}
