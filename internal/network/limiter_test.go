package network

import "testing"

func TestIPLimiterConnCap(t *testing.T) {
	lim := newIPLimiter(1, 0)
	if !lim.acquireConn("10.0.0.1") {
		t.Fatalf("expected first conn acquire")
	}
	if lim.acquireConn("10.0.0.1") {
		t.Fatalf("expected conn cap")
	}
	lim.releaseConn("10.0.0.1")
	if !lim.acquireConn("10.0.0.1") {
		t.Fatalf("expected acquire after release")
	}
}

func TestIPLimiterStreamCap(t *testing.T) {
	lim := newIPLimiter(0, 2)
	if !lim.acquireStream("10.0.0.1") || !lim.acquireStream("10.0.0.1") {
		t.Fatalf("expected stream acquire")
	}
	if lim.acquireStream("10.0.0.1") {
		t.Fatalf("expected stream cap")
	}
	if got := lim.streamsInUse("10.0.0.1"); got != 2 {
		t.Fatalf("expected 2 streams in use, got %d", got)
	}
	lim.releaseStream("10.0.0.1")
	lim.releaseStream("10.0.0.1")
	if got := lim.streamsInUse("10.0.0.1"); got != 0 {
		t.Fatalf("expected counts cleared, got %d", got)
	}
}

func TestIPLimiterZeroDisablesCap(t *testing.T) {
	lim := newIPLimiter(0, 0)
	for i := 0; i < 100; i++ {
		if !lim.acquireConn("10.0.0.1") || !lim.acquireStream("10.0.0.1") {
			t.Fatalf("expected unlimited acquire")
		}
	}
}

func TestIPLimiterSeparateIPs(t *testing.T) {
	lim := newIPLimiter(1, 1)
	if !lim.acquireConn("10.0.0.1") || !lim.acquireConn("10.0.0.2") {
		t.Fatalf("expected separate ip conns")
	}
	if !lim.acquireStream("10.0.0.1") || !lim.acquireStream("10.0.0.2") {
		t.Fatalf("expected separate ip streams")
	}
}
