package network

import "sync"

// slots counts concurrent holders per remote host. max <= 0 disables the
// cap.
type slots struct {
	max    int
	counts map[string]int
}

func (s *slots) acquire(key string) bool {
	if s.max <= 0 {
		return true
	}
	if s.counts[key] >= s.max {
		return false
	}
	s.counts[key]++
	return true
}

func (s *slots) release(key string) {
	if s.max <= 0 {
		return
	}
	if s.counts[key] <= 1 {
		delete(s.counts, key)
		return
	}
	s.counts[key]--
}

// ipLimiter caps inbound connections and in-flight streams per remote IP
// so one noisy host cannot starve the relay.
type ipLimiter struct {
	mu      sync.Mutex
	conns   slots
	streams slots
}

func newIPLimiter(maxConns, maxStreams int) *ipLimiter {
	return &ipLimiter{
		conns:   slots{max: maxConns, counts: make(map[string]int)},
		streams: slots{max: maxStreams, counts: make(map[string]int)},
	}
}

func (l *ipLimiter) acquireConn(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.conns.acquire(ip)
}

func (l *ipLimiter) releaseConn(ip string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.conns.release(ip)
}

func (l *ipLimiter) acquireStream(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.streams.acquire(ip)
}

func (l *ipLimiter) releaseStream(ip string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.streams.release(ip)
}

func (l *ipLimiter) streamsInUse(ip string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.streams.counts[ip]
}
