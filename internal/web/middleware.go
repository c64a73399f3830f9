package web

import (
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"slotcal/internal/metrics"
)

// maxTrackedClients bounds the limiter map; it is reset when exceeded.
const maxTrackedClients = 10_000

// instrument records per-endpoint request count and latency.
func instrument(m *metrics.Manager, endpoint string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		m.RecordHTTPRequest(endpoint, r.Method, strconv.Itoa(wrapped.status), time.Since(start))
	}
}

// statusRecorder captures the status code written by a handler.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (rw *statusRecorder) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// clientLimiter keeps one token bucket per client IP.
type clientLimiter struct {
	mu     sync.Mutex
	limits map[string]*rate.Limiter
	rps    rate.Limit
	burst  int
}

func newClientLimiter(rps float64, burst int) *clientLimiter {
	return &clientLimiter{
		limits: make(map[string]*rate.Limiter),
		rps:    rate.Limit(rps),
		burst:  burst,
	}
}

func (cl *clientLimiter) allow(key string) bool {
	cl.mu.Lock()
	l, ok := cl.limits[key]
	if !ok {
		if len(cl.limits) >= maxTrackedClients {
			cl.limits = make(map[string]*rate.Limiter)
		}
		l = rate.NewLimiter(cl.rps, cl.burst)
		cl.limits[key] = l
	}
	cl.mu.Unlock()
	return l.Allow()
}

// limit rejects requests over the per-client budget with 429.
func (cl *clientLimiter) limit(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !cl.allow(clientKey(r)) {
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusTooManyRequests, "Too Many Requests")
			return
		}
		next(w, r)
	}
}

func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
