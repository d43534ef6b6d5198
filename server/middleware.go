package server

import (
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ipLimiter hands out one token bucket per client IP. A bucket refills
// within one window, so buckets idle for longer are dropped.
type ipLimiter struct {
	mu        sync.Mutex
	clients   map[string]*client
	rate      rate.Limit
	burst     int
	idle      time.Duration
	lastSweep time.Time
	now       func() time.Time
}

type client struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newIPLimiter(requestsPerWindow int, window time.Duration) *ipLimiter {
	burst := requestsPerWindow / 2
	if burst < 1 {
		burst = 1
	}
	return &ipLimiter{
		clients: make(map[string]*client),
		rate:    rate.Limit(float64(requestsPerWindow) / window.Seconds()),
		burst:   burst,
		idle:    window,
		now:     time.Now,
	}
}

// allow takes a token from ip's bucket.
func (l *ipLimiter) allow(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if now.Sub(l.lastSweep) >= l.idle {
		for k, c := range l.clients {
			if now.Sub(c.lastSeen) >= l.idle {
				delete(l.clients, k)
			}
		}
		l.lastSweep = now
	}

	c, ok := l.clients[ip]
	if !ok {
		c = &client{limiter: rate.NewLimiter(l.rate, l.burst)}
		l.clients[ip] = c
	}
	c.lastSeen = now
	return c.limiter.AllowN(now, 1)
}

func (l *ipLimiter) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.clients)
}

func (l *ipLimiter) middleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := clientIP(r)
			if !l.allow(ip) {
				logger.Warn("Rate limit exceeded", "ip", ip, "path", r.URL.Path)
				w.Header().Set("Retry-After", "60")
				writeError(w, http.StatusTooManyRequests, "too many requests")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// clientIP returns the request's remote host. RealIP has already applied
// X-Forwarded-For when present.
func clientIP(r *http.Request) string {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}
