package server

import (
	"math"
	"net"
	"net/http"
	"runtime/debug"
	"strconv"
	"sync"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"
	"golang.org/x/time/rate"

	"github.com/entrhq/charsnap/pkg/logging"
)

// requestLogger logs one line per request with its chi request id.
func requestLogger(log *logging.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			log.Infof("[%s] %s %s from %s -> %d (%d bytes) in %s",
				chimw.GetReqID(r.Context()), r.Method, r.URL.Path, r.RemoteAddr,
				ww.Status(), ww.BytesWritten(), time.Since(start).Round(time.Millisecond))
		})
	}
}

// recoverer turns a panic into a logged 500.
func recoverer(log *logging.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					if rec == http.ErrAbortHandler {
						panic(rec)
					}
					log.Errorf("[%s] panic recovered: %v\n%s", chimw.GetReqID(r.Context()), rec, debug.Stack())
					writeError(w, http.StatusInternalServerError, "internal_server_error", "internal server error")
				}
			}()

			next.ServeHTTP(w, r)
		})
	}
}

// maxBodySize caps request bodies at n bytes.
func maxBodySize(n int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r.Body = http.MaxBytesReader(w, r.Body, n)
			next.ServeHTTP(w, r)
		})
	}
}

// maxTrackedClients bounds the limiter registry; it is reset when full.
const maxTrackedClients = 10000

// clientLimiter keeps one token bucket per client address.
type clientLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	limit    rate.Limit
	burst    int
}

func newClientLimiter(perSecond float64, burst int) *clientLimiter {
	return &clientLimiter{
		limiters: make(map[string]*rate.Limiter),
		limit:    rate.Limit(perSecond),
		burst:    burst,
	}
}

func (c *clientLimiter) get(key string) *rate.Limiter {
	c.mu.Lock()
	defer c.mu.Unlock()

	if l, ok := c.limiters[key]; ok {
		return l
	}
	if len(c.limiters) >= maxTrackedClients {
		c.limiters = make(map[string]*rate.Limiter)
	}
	l := rate.NewLimiter(c.limit, c.burst)
	c.limiters[key] = l
	return l
}

// middleware rejects clients over their budget with 429.
func (c *clientLimiter) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		l := c.get(clientKey(r))
		if !l.Allow() {
			retry := 1
			if c.limit > 0 {
				retry = max(1, int(math.Ceil(1/float64(c.limit))))
			}
			w.Header().Set("Retry-After", strconv.Itoa(retry))
			writeError(w, http.StatusTooManyRequests, "rate_limited", "too many requests")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientKey(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
