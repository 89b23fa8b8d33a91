package middleware

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"golang.org/x/time/rate"

	"github.com/darkden-lab/relay/internal/httputil"
)

const (
	limiterIdleTTL    = 3 * time.Minute
	limiterSweepEvery = time.Minute
)

type visitor struct {
	limiter  *rate.Limiter
	mu       sync.Mutex
	lastSeen time.Time
}

func (v *visitor) touch(now time.Time) {
	v.mu.Lock()
	v.lastSeen = now
	v.mu.Unlock()
}

func (v *visitor) idleSince(now time.Time) time.Duration {
	v.mu.Lock()
	defer v.mu.Unlock()
	return now.Sub(v.lastSeen)
}

// visitorTable keeps one token bucket per client address and evicts idle ones.
type visitorTable struct {
	visitors sync.Map
	rps      float64
	burst    int
}

func newVisitorTable(rps float64, burst int) *visitorTable {
	t := &visitorTable{rps: rps, burst: burst}
	go t.sweep()
	return t
}

func (t *visitorTable) limiterFor(ip string) *rate.Limiter {
	now := time.Now()
	if v, ok := t.visitors.Load(ip); ok {
		entry := v.(*visitor)
		entry.touch(now)
		return entry.limiter
	}

	fresh := &visitor{limiter: rate.NewLimiter(rate.Limit(t.rps), t.burst), lastSeen: now}
	actual, loaded := t.visitors.LoadOrStore(ip, fresh)
	entry := actual.(*visitor)
	if loaded {
		entry.touch(now)
	}
	return entry.limiter
}

func (t *visitorTable) sweep() {
	ticker := time.NewTicker(limiterSweepEvery)
	defer ticker.Stop()

	for now := range ticker.C {
		t.visitors.Range(func(key, value any) bool {
			if value.(*visitor).idleSince(now) > limiterIdleTTL {
				t.visitors.Delete(key)
			}
			return true
		})
	}
}

// clientIP prefers the first X-Forwarded-For hop, then RemoteAddr.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if idx := strings.IndexByte(xff, ','); idx != -1 {
			return strings.TrimSpace(xff[:idx])
		}
		return strings.TrimSpace(xff)
	}

	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

// RateLimitMiddleware enforces a per-IP token bucket: rps sustained requests
// per second with bursts of up to burst. Long-lived stream requests count once
// at connect time.
func RateLimitMiddleware(rps float64, burst int) mux.MiddlewareFunc {
	table := newVisitorTable(rps, burst)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !table.limiterFor(clientIP(r)).Allow() {
				w.Header().Set("Retry-After", "1")
				httputil.WriteError(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
