package signaling

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/andres-erbsen/clock"
)

// Limiter is a per-identity fixed-window rate limiter. It is handed to the
// server explicitly so it can be swapped for a shared store later.
type Limiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	limit    int
	window   time.Duration
	clock    clock.Clock
}

// visitor tracks calls within the current window for one identity.
type visitor struct {
	count         int
	windowResetAt time.Time
}

// NewLimiter allows limit calls per window for each identity.
func NewLimiter(limit int, window time.Duration, clk clock.Clock) *Limiter {
	if limit <= 0 {
		limit = 30
	}
	if window <= 0 {
		window = time.Minute
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Limiter{
		visitors: make(map[string]*visitor),
		limit:    limit,
		window:   window,
		clock:    clk,
	}
}

// Allow records one call for identity and reports whether it is within the limit.
func (l *Limiter) Allow(identity string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	v, exists := l.visitors[identity]
	if !exists || !now.Before(v.windowResetAt) {
		l.visitors[identity] = &visitor{count: 1, windowResetAt: now.Add(l.window)}
		return true
	}
	v.count++
	return v.count <= l.limit
}

// Prune drops identities whose window has ended and returns how many were removed.
func (l *Limiter) Prune() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	removed := 0
	for id, v := range l.visitors {
		if !now.Before(v.windowResetAt) {
			delete(l.visitors, id)
			removed++
		}
	}
	return removed
}

// Len returns the number of tracked identities.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.visitors)
}

// ClientIP extracts the caller identity from a request, respecting
// X-Forwarded-For for proxied deployments.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if idx := strings.Index(xff, ","); idx != -1 {
			return strings.TrimSpace(xff[:idx])
		}
		return strings.TrimSpace(xff)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
