package bridge

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/hubmcp/hubbridge/internal/auth"
	"github.com/hubmcp/hubbridge/internal/config"
	"github.com/hubmcp/hubbridge/internal/errx"
	"github.com/hubmcp/hubbridge/internal/logging"
	"github.com/hubmcp/hubbridge/internal/metrics"
)

const (
	limiterSweepInterval = 10 * time.Minute
	limiterBucketIdle    = time.Hour
)

// tokenBucket refills continuously at rate tokens/second up to capacity.
// Bursts up to capacity are allowed; the long-term rate converges on the
// configured window limit.
type tokenBucket struct {
	tokens     float64
	lastRefill time.Time
}

// Limiter applies a per-user token bucket to the MCP surface. A zero or
// negative MaxRequests disables it.
type Limiter struct {
	cfg      config.RateConfig
	capacity float64
	rate     float64 // tokens per second
	clock    clockwork.Clock

	mu      sync.Mutex
	buckets map[int64]*tokenBucket

	done chan struct{}
	once sync.Once
}

// NewLimiter builds the limiter and starts its idle-bucket sweeper.
func NewLimiter(cfg config.RateConfig, clock clockwork.Clock) *Limiter {
	window := cfg.WindowSeconds
	if window <= 0 {
		window = 60
	}
	capacity := cfg.Burst
	if capacity <= 0 {
		capacity = cfg.MaxRequests
	}
	l := &Limiter{
		cfg:      cfg,
		capacity: float64(capacity),
		rate:     float64(cfg.MaxRequests) / float64(window),
		clock:    clock,
		buckets:  make(map[int64]*tokenBucket),
		done:     make(chan struct{}),
	}
	if l.enabled() {
		go l.sweep()
	}
	return l
}

func (l *Limiter) enabled() bool { return l.cfg.MaxRequests > 0 }

// Allow consumes one token for the user. On denial it reports how long
// until the next token; reset is when the bucket would be full again.
func (l *Limiter) Allow(userID int64) (allowed bool, remaining int, retryAfter time.Duration, reset time.Time) {
	now := l.clock.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[userID]
	if !ok {
		b = &tokenBucket{tokens: l.capacity, lastRefill: now}
		l.buckets[userID] = b
	}

	b.tokens += now.Sub(b.lastRefill).Seconds() * l.rate
	if b.tokens > l.capacity {
		b.tokens = l.capacity
	}
	b.lastRefill = now

	reset = now.Add(time.Duration((l.capacity - b.tokens) / l.rate * float64(time.Second)))
	if b.tokens >= 1 {
		b.tokens--
		return true, int(b.tokens), 0, reset
	}
	retryAfter = time.Duration((1 - b.tokens) / l.rate * float64(time.Second))
	return false, 0, retryAfter, reset
}

// Middleware enforces the limit for authenticated requests. Denials answer
// 429 with Retry-After and a JSON-RPC error body, since the limited surface
// speaks JSON-RPC.
func (l *Limiter) Middleware(next http.Handler) http.Handler {
	if !l.enabled() {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := auth.IdentityFrom(r.Context())
		if id == nil {
			next.ServeHTTP(w, r)
			return
		}

		allowed, remaining, retryAfter, reset := l.Allow(id.UserID)

		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(l.cfg.MaxRequests))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(reset.Unix(), 10))

		if !allowed {
			seconds := int(retryAfter.Seconds())
			if seconds < 1 {
				seconds = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(seconds))
			metrics.AuthFailuresTotal.WithLabelValues("rate_limited").Inc()
			logger := logging.For(logging.CategoryBridge)
			logger.Warn().
				Int64("user_id", id.UserID).
				Str("path", r.URL.Path).
				Int("retry_after_s", seconds).
				Msg("rate limit exceeded")
			writeRPCError(w, nil, errx.New(errx.KindRateLimited, "rate limit exceeded").
				With("retry_after_ms", retryAfter.Milliseconds()), nil)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Close stops the sweeper. Idempotent.
func (l *Limiter) Close() {
	l.once.Do(func() { close(l.done) })
}

// sweep drops buckets idle long enough to have refilled completely.
func (l *Limiter) sweep() {
	ticker := l.clock.NewTicker(limiterSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.done:
			return
		case <-ticker.Chan():
		}

		l.mu.Lock()
		now := l.clock.Now()
		for userID, b := range l.buckets {
			if now.Sub(b.lastRefill) > limiterBucketIdle {
				delete(l.buckets, userID)
			}
		}
		l.mu.Unlock()
	}
}
