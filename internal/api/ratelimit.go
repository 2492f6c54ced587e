package api

import (
	"context"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const limiterIdle = 5 * time.Minute

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// UploadLimiter keeps one token bucket per client IP for POST /ocr.
type UploadLimiter struct {
	mu      sync.Mutex
	clients map[string]*clientLimiter
	rps     rate.Limit
	burst   int
}

// NewUploadLimiter allows rps uploads per second per IP with a burst of rps.
// Idle clients are evicted until ctx is done.
func NewUploadLimiter(ctx context.Context, rps int) *UploadLimiter {
	ul := &UploadLimiter{
		clients: make(map[string]*clientLimiter),
		rps:     rate.Limit(rps),
		burst:   rps,
	}
	go ul.evictIdle(ctx)
	return ul
}

func (ul *UploadLimiter) allow(ip string, now time.Time) bool {
	ul.mu.Lock()
	defer ul.mu.Unlock()

	c, ok := ul.clients[ip]
	if !ok {
		c = &clientLimiter{limiter: rate.NewLimiter(ul.rps, ul.burst)}
		ul.clients[ip] = c
	}
	c.lastSeen = now
	return c.limiter.AllowN(now, 1)
}

func (ul *UploadLimiter) evictIdle(ctx context.Context) {
	ticker := time.NewTicker(limiterIdle)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			ul.evictBefore(now.Add(-limiterIdle))
		}
	}
}

func (ul *UploadLimiter) evictBefore(cutoff time.Time) int {
	ul.mu.Lock()
	defer ul.mu.Unlock()
	n := 0
	for ip, c := range ul.clients {
		if c.lastSeen.Before(cutoff) {
			delete(ul.clients, ip)
			n++
		}
	}
	return n
}

// Middleware rejects uploads over the limit with 429. Other routes pass through.
func (ul *UploadLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost && r.URL.Path == "/ocr" && !ul.allow(clientIP(r), time.Now()) {
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded, slow down")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RateLimit returns the upload limiter as a Middleware. If rps is 0 it is a no-op.
func RateLimit(ctx context.Context, rps int) Middleware {
	if rps <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	return NewUploadLimiter(ctx, rps).Middleware
}

// clientIP extracts the client IP, preferring the first X-Forwarded-For hop.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
