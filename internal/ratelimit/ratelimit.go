// Package ratelimit implements the bridge's Rate Limit Adapter: per-IP
// connection ceilings, per-key command ceilings, and active
// connection tracking. The default implementation keeps its counters
// in memory with fixed-window TTL eviction, standing in for the
// external counting store the interface is written against.
package ratelimit

import (
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Adapter is the contract the bridge orchestrator consumes. All methods
// tolerate internal bookkeeping failure by degrading open: allow the
// operation, log a warning, never return an error that would make the
// caller refuse service.
type Adapter interface {
	// CheckConnection increments the per-IP connection counter inside a
	// 60s window and reports whether ip is still under the ceiling.
	CheckConnection(ip string) bool
	// CheckCommand increments the per-key command counter inside a 3600s
	// window and reports whether key is still under the ceiling.
	CheckCommand(key string) bool
	// Track records an active connection. Idempotent.
	Track(connID, ip, userAgent string)
	// Untrack removes the connection record. Idempotent.
	Untrack(connID string)
	// ActiveCount reports the number of tracked connections.
	ActiveCount() int
}

const (
	connectionWindow = 60 * time.Second
	commandWindow    = time.Hour
	evictInterval    = 5 * time.Minute
	staleAfter       = 2 * commandWindow
)

// window is a fixed-window counter keyed by resetAt; it resets the
// count rather than sliding once resetAt has passed, matching the
// spec's TTL-increment semantics.
type window struct {
	count   int
	resetAt time.Time
}

type trackedConn struct {
	ip        string
	userAgent string
	since     time.Time
}

// Limiter is the default in-memory Adapter. It also keeps a
// golang.org/x/time/rate limiter per IP as a smoothing pre-filter in
// front of the fixed-window ceiling, so a burst within the same second
// doesn't need to wait for the window to roll over to be throttled —
// the same layering the relay's per-IP limiter used for HTTP routes.
type Limiter struct {
	connCeiling int
	cmdCeiling  int

	mu    sync.Mutex
	conns map[string]*window
	cmds  map[string]*window
	burst map[string]*rate.Limiter

	trackMu sync.Mutex
	tracked map[string]trackedConn
}

// New creates a Limiter enforcing connCeiling connections/IP/60s and
// cmdCeiling commands/key/hour (the bridge keys commands by client IP),
// and starts its eviction loop.
func New(connCeiling, cmdCeiling int) *Limiter {
	l := &Limiter{
		connCeiling: connCeiling,
		cmdCeiling:  cmdCeiling,
		conns:       make(map[string]*window),
		cmds:        make(map[string]*window),
		burst:       make(map[string]*rate.Limiter),
		tracked:     make(map[string]trackedConn),
	}
	go l.evictLoop()
	return l
}

func (l *Limiter) evictLoop() {
	for range time.Tick(evictInterval) {
		now := time.Now()
		l.mu.Lock()
		for k, w := range l.conns {
			if now.Sub(w.resetAt) > staleAfter {
				delete(l.conns, k)
				delete(l.burst, k)
			}
		}
		for k, w := range l.cmds {
			if now.Sub(w.resetAt) > staleAfter {
				delete(l.cmds, k)
			}
		}
		l.mu.Unlock()
	}
}

func (l *Limiter) checkWindow(store map[string]*window, key string, windowDur time.Duration, ceiling int) bool {
	if ceiling <= 0 {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	w, ok := store[key]
	now := time.Now()
	if !ok || now.After(w.resetAt) {
		w = &window{count: 0, resetAt: now.Add(windowDur)}
		store[key] = w
	}
	w.count++
	return w.count <= ceiling
}

func (l *Limiter) CheckConnection(ip string) bool {
	if l.connCeiling <= 0 {
		return true
	}
	l.mu.Lock()
	lim, ok := l.burst[ip]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(float64(l.connCeiling)/connectionWindow.Seconds()), max(l.connCeiling, 1))
		l.burst[ip] = lim
	}
	l.mu.Unlock()
	if !lim.Allow() {
		slog.Warn("ratelimit: connection burst rejected", "ip", ip)
		return false
	}
	ok2 := l.checkWindow(l.conns, ip, connectionWindow, l.connCeiling)
	if !ok2 {
		slog.Warn("ratelimit: connection ceiling exceeded", "ip", ip)
	}
	return ok2
}

func (l *Limiter) CheckCommand(key string) bool {
	ok := l.checkWindow(l.cmds, key, commandWindow, l.cmdCeiling)
	if !ok {
		slog.Warn("ratelimit: command ceiling exceeded", "key", key)
	}
	return ok
}

func (l *Limiter) Track(connID, ip, userAgent string) {
	l.trackMu.Lock()
	defer l.trackMu.Unlock()
	l.tracked[connID] = trackedConn{ip: ip, userAgent: userAgent, since: time.Now()}
}

func (l *Limiter) Untrack(connID string) {
	l.trackMu.Lock()
	defer l.trackMu.Unlock()
	delete(l.tracked, connID)
}

func (l *Limiter) ActiveCount() int {
	l.trackMu.Lock()
	defer l.trackMu.Unlock()
	return len(l.tracked)
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
