package network

import "sync"

// ipLimiter caps concurrent peer connections per source address. A cap of
// zero or less disables it.
type ipLimiter struct {
	mu       sync.Mutex
	maxConns int
	counts   map[string]int
}

func newIPLimiter(maxConns int) *ipLimiter {
	return &ipLimiter{maxConns: maxConns, counts: make(map[string]int)}
}

// acquire reserves a slot for ip. The returned release is idempotent.
func (l *ipLimiter) acquire(ip string) (func(), bool) {
	if l.maxConns <= 0 {
		return func() {}, true
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.counts[ip] >= l.maxConns {
		return nil, false
	}
	l.counts[ip]++
	var once sync.Once
	return func() { once.Do(func() { l.release(ip) }) }, true
}

func (l *ipLimiter) release(ip string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.counts[ip] <= 1 {
		delete(l.counts, ip)
		return
	}
	l.counts[ip]--
}

func (l *ipLimiter) active(ip string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.counts[ip]
}
