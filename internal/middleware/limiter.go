// Package middleware carries the HTTP middleware of the gateway mux.
package middleware

import (
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"
)

const (
	windowLength    = time.Minute
	cleanupInterval = 5 * time.Minute
)

// UpgradeLimiter caps WebSocket upgrade attempts per remote address using a
// fixed one-minute window per address. Expired windows are garbage-collected
// in the background.
type UpgradeLimiter struct {
	limit int
	log   *slog.Logger

	mu      sync.Mutex
	windows map[string]*window

	stopOnce sync.Once
	done     chan struct{}
}

type window struct {
	count int
	start time.Time
}

// NewUpgradeLimiter returns a limiter allowing perMinute upgrades per remote
// address.
func NewUpgradeLimiter(perMinute int, log *slog.Logger) *UpgradeLimiter {
	l := &UpgradeLimiter{
		limit:   perMinute,
		log:     log,
		windows: make(map[string]*window),
		done:    make(chan struct{}),
	}
	go l.cleanup()
	return l
}

// Allow reports whether another upgrade from addr fits its current window.
func (l *UpgradeLimiter) Allow(addr string) bool {
	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()
	w, ok := l.windows[addr]
	if !ok || now.Sub(w.start) > windowLength {
		l.windows[addr] = &window{count: 1, start: now}
		return true
	}
	w.count++
	return w.count <= l.limit
}

// Wrap rejects over-limit upgrade attempts with 429 before they reach next.
func (l *UpgradeLimiter) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		if !l.Allow(host) {
			l.log.Warn("upgrade rate limit exceeded", "remote", host)
			w.Header().Set("Retry-After", "60")
			http.Error(w, "too many connection attempts", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Close stops the background cleanup.
func (l *UpgradeLimiter) Close() {
	l.stopOnce.Do(func() { close(l.done) })
}

func (l *UpgradeLimiter) cleanup() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.done:
			return
		case <-ticker.C:
			now := time.Now()
			l.mu.Lock()
			for addr, w := range l.windows {
				if now.Sub(w.start) > 2*windowLength {
					delete(l.windows, addr)
				}
			}
			l.mu.Unlock()
		}
	}
}
