// Package ratelimit implements the token-bucket + sliding-window composition
// of spec.md §4.3, grounded on the teacher's per-peer limiter shape in
// cmd/pulse-sensor-proxy/throttle.go: a map of per-key entries guarded by a
// mutex, golang.org/x/time/rate for the token bucket, and a periodic
// cleanup loop evicting idle entries.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Config configures a Limiter. Per-key rate/burst are supplied at Allow time
// (they come from the ApiKey's configured requests_per_minute); connection
// and global windows are fixed server-wide limits.
type Config struct {
	DefaultBurst         int
	PerConnectionPerMin  int
	GlobalPerMin         int
	IdleEvictAfter       time.Duration
}

func DefaultConfig() Config {
	return Config{
		DefaultBurst:        10,
		PerConnectionPerMin: 600,
		GlobalPerMin:        6000,
		IdleEvictAfter:      10 * time.Minute,
	}
}

type keyEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// slidingWindow counts requests in 60 one-second buckets, summed over the
// trailing 60s -- bounded memory regardless of request rate, unlike a
// bucket of raw timestamps.
type slidingWindow struct {
	mu      sync.Mutex
	buckets [60]int
	second  int64
	limit   int
}

func newSlidingWindow(limit int) *slidingWindow {
	return &slidingWindow{limit: limit, second: time.Now().Unix()}
}

func (w *slidingWindow) allow(now time.Time) bool {
	if w.limit <= 0 {
		return true
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	nowSec := now.Unix()
	if elapsed := nowSec - w.second; elapsed > 0 {
		if elapsed >= 60 {
			w.buckets = [60]int{}
		} else {
			for i := int64(1); i <= elapsed; i++ {
				w.buckets[(w.second+i)%60] = 0
			}
		}
		w.second = nowSec
	}

	total := 0
	for _, c := range w.buckets {
		total += c
	}
	if total >= w.limit {
		return false
	}
	w.buckets[nowSec%60]++
	return true
}

// Limiter composes a per-key token bucket with per-connection and global
// sliding windows. Per spec.md §9 (Open Question resolved): admission
// requires ALL scopes to allow -- this is an AND, not an OR.
type Limiter struct {
	mu      sync.Mutex
	byKey   map[string]*keyEntry
	byConn  map[string]*slidingWindow
	global  *slidingWindow
	cfg     Config
	quit    chan struct{}
}

func New(cfg Config) *Limiter {
	if cfg.DefaultBurst <= 0 {
		cfg.DefaultBurst = 10
	}
	if cfg.IdleEvictAfter <= 0 {
		cfg.IdleEvictAfter = 10 * time.Minute
	}
	l := &Limiter{
		byKey:  make(map[string]*keyEntry),
		byConn: make(map[string]*slidingWindow),
		global: newSlidingWindow(cfg.GlobalPerMin),
		cfg:    cfg,
		quit:   make(chan struct{}),
	}
	go l.cleanupLoop()
	return l
}

// Result is the outcome of an Allow check.
type Result struct {
	Allowed           bool
	RetryAfterSeconds float64
}

// Allow reports whether a request from keyID on connID is admitted right
// now, deterministically for a given monotonic instant (spec.md §4.3).
// requestsPerMinute is the ApiKey's configured limit; burst defaults to
// cfg.DefaultBurst when zero.
func (l *Limiter) Allow(keyID, connID string, requestsPerMinute, burst int) Result {
	if burst <= 0 {
		burst = l.cfg.DefaultBurst
	}
	now := time.Now()

	entry := l.entryFor(keyID, requestsPerMinute, burst)

	connWindow := l.connWindowFor(connID)

	// Evaluate all three scopes. Each scope that admits records the request
	// even when another scope rejects it, so a rejected request can still use
	// up key, connection or global budget.
	keyOK := entry.limiter.Allow()
	connOK := connWindow.allow(now)
	globalOK := l.global.allow(now)

	if keyOK && connOK && globalOK {
		return Result{Allowed: true}
	}

	retryAfter := 1.0
	if !keyOK {
		reservation := entry.limiter.Reserve()
		retryAfter = maxFloat(retryAfter, reservation.Delay().Seconds())
		reservation.Cancel()
	}
	return Result{Allowed: false, RetryAfterSeconds: retryAfter}
}

func (l *Limiter) entryFor(keyID string, requestsPerMinute, burst int) *keyEntry {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.byKey[keyID]
	if !ok {
		limit := rate.Limit(float64(requestsPerMinute) / 60.0)
		e = &keyEntry{limiter: rate.NewLimiter(limit, burst)}
		l.byKey[keyID] = e
	}
	e.lastSeen = time.Now()
	return e
}

func (l *Limiter) connWindowFor(connID string) *slidingWindow {
	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.byConn[connID]
	if !ok {
		w = newSlidingWindow(l.cfg.PerConnectionPerMin)
		l.byConn[connID] = w
	}
	return w
}

// DropConnection removes per-connection state when a connection closes.
func (l *Limiter) DropConnection(connID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.byConn, connID)
}

// ActiveKeys reports the number of API keys with tracked limiter state,
// for metrics export.
func (l *Limiter) ActiveKeys() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.byKey)
}

func (l *Limiter) cleanupLoop() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.mu.Lock()
			for k, e := range l.byKey {
				if time.Since(e.lastSeen) > l.cfg.IdleEvictAfter {
					delete(l.byKey, k)
				}
			}
			l.mu.Unlock()
		case <-l.quit:
			return
		}
	}
}

// Shutdown stops the cleanup loop.
func (l *Limiter) Shutdown() {
	close(l.quit)
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
