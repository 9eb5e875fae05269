package middleware

import (
	"context"
	"math"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/juju/ratelimit"

	"github.com/drfirst/go-hpkb/internal/observability/metrics"
)

// DefaultIdleTimeout is how long a client may stay silent before its
// bucket is dropped by Evict
const DefaultIdleTimeout = 30 * time.Minute

type clientBucket struct {
	bucket   *ratelimit.Bucket
	lastSeen time.Time
}

// RateLimiter keeps one token bucket per client
type RateLimiter struct {
	rate     float64
	capacity int64
	idle     time.Duration
	metrics  *metrics.Metrics
	now      func() time.Time

	mu      sync.Mutex
	buckets map[string]*clientBucket
}

// NewRateLimiter allows each client rate requests per second with bursts of capacity
func NewRateLimiter(rate float64, capacity int64, m *metrics.Metrics) *RateLimiter {
	return &RateLimiter{
		rate:     rate,
		capacity: capacity,
		idle:     DefaultIdleTimeout,
		metrics:  m,
		now:      time.Now,
		buckets:  make(map[string]*clientBucket),
	}
}

func (l *RateLimiter) bucket(client string) *ratelimit.Bucket {
	l.mu.Lock()
	defer l.mu.Unlock()

	cb, ok := l.buckets[client]
	if !ok {
		cb = &clientBucket{bucket: ratelimit.NewBucketWithRate(l.rate, l.capacity)}
		l.buckets[client] = cb
	}
	cb.lastSeen = l.now()
	return cb.bucket
}

// Evict drops the buckets of clients that are idle or whose bucket has
// refilled. A full bucket holds no state a fresh one would not, so
// dropping it never loosens the limit. It matches maintenance.Job.
func (l *RateLimiter) Evict(context.Context) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-l.idle)
	var n int64
	for client, cb := range l.buckets {
		if cb.lastSeen.Before(cutoff) || cb.bucket.Available() == cb.bucket.Capacity() {
			delete(l.buckets, client)
			n++
		}
	}
	return n, nil
}

// Clients returns the number of clients currently tracked
func (l *RateLimiter) Clients() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

// Handler rejects requests beyond the client's budget with 429. Clients
// are identified by API key client, falling back to the remote address.
func (l *RateLimiter) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		client := GetClientID(r.Context())
		if client == "" {
			client = remoteHost(r.RemoteAddr)
		}
		b := l.bucket(client)

		taken := b.TakeAvailable(1)
		w.Header().Set("X-RateLimit-Limit", strconv.FormatInt(l.capacity, 10))
		w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(b.Available(), 10))

		if taken == 0 {
			if l.metrics != nil {
				l.metrics.RateLimited.Inc()
			}
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(1/l.rate))))
			writeError(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func remoteHost(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
