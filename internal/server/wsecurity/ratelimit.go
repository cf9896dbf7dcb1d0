package wsecurity

import (
	"sync"
	"time"
)

// Connection and login throttling thresholds.
const (
	connectionWindow = 15 * time.Minute
	connectionLimit  = 20

	loginFailWindow = 5 * time.Minute
	loginFailLimit  = 5

	blockThreshold = 10
	blockDuration  = time.Hour
)

// Limiter tracks per-IP connection attempts and login failures over sliding
// windows and blocks abusive addresses.
type Limiter struct {
	mu sync.Mutex

	connections map[string][]time.Time
	loginFails  map[string][]time.Time
	failTotals  map[string]int
	blocked     map[string]time.Time

	now func() time.Time
}

func NewLimiter() *Limiter {
	return &Limiter{
		connections: make(map[string][]time.Time),
		loginFails:  make(map[string][]time.Time),
		failTotals:  make(map[string]int),
		blocked:     make(map[string]time.Time),
		now:         time.Now,
	}
}

// AllowConnection records a connection attempt from ip and reports whether it
// may proceed. Blocked IPs are refused outright; otherwise the attempt counts
// against the sliding window.
func (l *Limiter) AllowConnection(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if l.isBlockedLocked(ip, now) {
		return false
	}

	attempts := prune(l.connections[ip], now.Add(-connectionWindow))
	if len(attempts) >= connectionLimit {
		l.connections[ip] = attempts
		return false
	}
	l.connections[ip] = append(attempts, now)
	return true
}

// AllowLogin reports whether login attempts from ip are currently accepted.
func (l *Limiter) AllowLogin(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if l.isBlockedLocked(ip, now) {
		return false
	}
	fails := prune(l.loginFails[ip], now.Add(-loginFailWindow))
	l.loginFails[ip] = fails
	return len(fails) < loginFailLimit
}

// RecordLoginFailure counts a failed login from ip. Crossing the lifetime
// threshold blocks the address for blockDuration.
func (l *Limiter) RecordLoginFailure(ip string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.loginFails[ip] = append(prune(l.loginFails[ip], now.Add(-loginFailWindow)), now)
	l.failTotals[ip]++
	if l.failTotals[ip] >= blockThreshold {
		l.blocked[ip] = now.Add(blockDuration)
		l.failTotals[ip] = 0
	}
}

// RecordLoginSuccess clears an IP's failure history.
func (l *Limiter) RecordLoginSuccess(ip string) {
	l.mu.Lock()
	delete(l.loginFails, ip)
	delete(l.failTotals, ip)
	l.mu.Unlock()
}

// IsBlocked reports whether ip is currently blocked.
func (l *Limiter) IsBlocked(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.isBlockedLocked(ip, l.now())
}

// Unblock removes a block immediately.
func (l *Limiter) Unblock(ip string) {
	l.mu.Lock()
	delete(l.blocked, ip)
	l.mu.Unlock()
}

// Sweep drops expired blocks and stale attempt history. Called periodically
// so idle IPs do not accumulate state forever.
func (l *Limiter) Sweep() {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	for ip, until := range l.blocked {
		if now.After(until) {
			delete(l.blocked, ip)
		}
	}
	for ip, attempts := range l.connections {
		if kept := prune(attempts, now.Add(-connectionWindow)); len(kept) == 0 {
			delete(l.connections, ip)
		} else {
			l.connections[ip] = kept
		}
	}
	for ip, fails := range l.loginFails {
		if kept := prune(fails, now.Add(-loginFailWindow)); len(kept) == 0 {
			delete(l.loginFails, ip)
		} else {
			l.loginFails[ip] = kept
		}
	}
}

func (l *Limiter) isBlockedLocked(ip string, now time.Time) bool {
	until, ok := l.blocked[ip]
	if !ok {
		return false
	}
	if now.After(until) {
		delete(l.blocked, ip)
		return false
	}
	return true
}

// prune drops timestamps at or before cutoff, keeping order.
func prune(ts []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(ts) && !ts[i].After(cutoff) {
		i++
	}
	return ts[i:]
}
