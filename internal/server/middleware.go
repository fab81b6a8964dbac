package server

import (
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5/middleware"
)

func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			level := slog.LevelInfo
			if status >= http.StatusInternalServerError {
				level = slog.LevelError
			}
			logger.LogAttrs(r.Context(), level, "http request",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", status),
				slog.Duration("duration", time.Since(start)),
				slog.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	}
}

// cors allows the listed origins, or every origin when the list holds "*".
// An empty list disables CORS headers.
func cors(origins []string) func(http.Handler) http.Handler {
	allowed := map[string]bool{}
	for _, o := range origins {
		allowed[strings.TrimSpace(o)] = true
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin == "" || len(allowed) == 0 || !(allowed["*"] || allowed[origin]) {
				next.ServeHTTP(w, r)
				return
			}
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Add("Vary", "Origin")
			w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
			w.Header().Set("Access-Control-Allow-Methods", "GET,POST,PATCH,DELETE,OPTIONS")
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type tokenBucket struct {
	mu     sync.Mutex
	tokens float64
	last   time.Time
}

// bucketIdle is how long an untouched bucket is kept. A bucket idle this long
// has refilled to capacity, so dropping it changes nothing.
const bucketIdle = time.Minute

// ipLimiter is a per-IP token bucket holding perMinute tokens and refilling
// continuously.
type ipLimiter struct {
	capacity  float64
	rate      float64
	mu        sync.Mutex
	buckets   map[string]*tokenBucket
	lastSweep time.Time
}

func newIPLimiter(perMinute int) *ipLimiter {
	capacity := float64(perMinute)
	return &ipLimiter{
		capacity: capacity,
		rate:     capacity / time.Minute.Seconds(),
		buckets:  make(map[string]*tokenBucket),
	}
}

func (l *ipLimiter) take(ip string, now time.Time) bool {
	l.mu.Lock()
	if now.Sub(l.lastSweep) >= bucketIdle {
		l.sweep(now)
	}
	b := l.buckets[ip]
	if b == nil {
		b = &tokenBucket{tokens: l.capacity, last: now}
		l.buckets[ip] = b
	}
	b.mu.Lock()
	l.mu.Unlock()
	defer b.mu.Unlock()
	b.tokens += now.Sub(b.last).Seconds() * l.rate
	if b.tokens > l.capacity {
		b.tokens = l.capacity
	}
	b.last = now
	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// sweep drops idle buckets. l.mu must be held.
func (l *ipLimiter) sweep(now time.Time) {
	for ip, b := range l.buckets {
		b.mu.Lock()
		idle := now.Sub(b.last) >= bucketIdle
		b.mu.Unlock()
		if idle {
			delete(l.buckets, ip)
		}
	}
	l.lastSweep = now
}

func (l *ipLimiter) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

func rateLimit(perMinute int) func(http.Handler) http.Handler {
	return newIPLimiter(perMinute).middleware
}

func (l *ipLimiter) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			ip = r.RemoteAddr
		}
		if !l.take(ip, time.Now()) {
			w.Header().Set("Retry-After", "1")
			respondStatusError(w, newAPIError(http.StatusTooManyRequests, "rate_limited", "too many requests", nil))
			return
		}
		next.ServeHTTP(w, r)
	})
}
