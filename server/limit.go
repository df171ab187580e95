package server

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"otp-notifier/clock"
)

const (
	maxAuthFailures   = 10
	authFailureWindow = 15 * time.Minute
)

// rateLimiter counts failed admin attempts per client over a sliding window.
type rateLimiter struct {
	clock   clock.Clock
	clients map[string][]time.Time
	mu      sync.Mutex
	max     int
	window  time.Duration
}

func newRateLimiter(clk clock.Clock, maxFailures int, window time.Duration) *rateLimiter {
	return &rateLimiter{
		clock:   clk,
		clients: make(map[string][]time.Time),
		max:     maxFailures,
		window:  window,
	}
}

// recent drops timestamps outside the window. Callers hold mu.
func (rl *rateLimiter) recent(ip string) []time.Time {
	cutoff := rl.clock.Now().Add(-rl.window)
	var kept []time.Time
	for _, ts := range rl.clients[ip] {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	if len(kept) == 0 {
		delete(rl.clients, ip)
	} else {
		rl.clients[ip] = kept
	}
	return kept
}

func (rl *rateLimiter) blocked(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.recent(ip)) >= rl.max
}

func (rl *rateLimiter) fail(ip string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.clients[ip] = append(rl.recent(ip), rl.clock.Now())
}

func clientIP(r *http.Request) string {
	// X-Forwarded-For is set by Cloud Run and most reverse proxies.
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
