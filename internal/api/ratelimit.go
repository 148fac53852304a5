package api

import (
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimit configures the per-client token bucket. A zero RequestsPerSecond
// disables limiting.
type RateLimit struct {
	RequestsPerSecond float64
	Burst             int
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// ClientLimiter keeps one token bucket per client address.
type ClientLimiter struct {
	mu       sync.Mutex
	limit    RateLimit
	visitors map[string]*visitor
	now      func() time.Time
	onReject func()
}

func NewClientLimiter(limit RateLimit, onReject func()) *ClientLimiter {
	if limit.Burst <= 0 {
		limit.Burst = 1
	}
	if onReject == nil {
		onReject = func() {}
	}
	return &ClientLimiter{
		limit:    limit,
		visitors: make(map[string]*visitor),
		now:      time.Now,
		onReject: onReject,
	}
}

// Allow reports whether client may make a request now.
func (l *ClientLimiter) Allow(client string) bool {
	if l.limit.RequestsPerSecond <= 0 {
		return true
	}
	l.mu.Lock()
	v, ok := l.visitors[client]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(rate.Limit(l.limit.RequestsPerSecond), l.limit.Burst)}
		l.visitors[client] = v
	}
	now := l.now()
	v.lastSeen = now
	l.mu.Unlock()
	return v.limiter.AllowN(now, 1)
}

// Prune forgets clients idle for longer than idle.
func (l *ClientLimiter) Prune(idle time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := l.now().Add(-idle)
	removed := 0
	for id, v := range l.visitors {
		if v.lastSeen.Before(cutoff) {
			delete(l.visitors, id)
			removed++
		}
	}
	return removed
}

func (l *ClientLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !l.Allow(clientID(r)) {
			l.onReject()
			writeJSON(w, http.StatusTooManyRequests, errorBody{Error: http.StatusText(http.StatusTooManyRequests), Kind: "throttled"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientID keys on the remote host. RealIP middleware has already applied
// forwarding headers by the time this runs.
func clientID(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
