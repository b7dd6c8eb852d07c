// Package breaker guards each upstream hub with a circuit breaker. A
// breaker trips after consecutive failures or a windowed failure rate,
// fails calls fast while open, and admits a single probe after the
// recovery timeout.
package breaker

import (
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/hubmcp/hubbridge/internal/errx"
	"github.com/hubmcp/hubbridge/internal/logging"
	"github.com/hubmcp/hubbridge/internal/metrics"
)

// State is the breaker position. The numeric values feed the state gauge.
type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateHalfOpen:
		return "HALF_OPEN"
	case StateOpen:
		return "OPEN"
	default:
		return fmt.Sprintf("STATE_%d", int(s))
	}
}

// Config holds breaker tuning for one upstream.
type Config struct {
	// Name identifies the guarded upstream in logs and metrics.
	Name string

	// FailureThreshold trips the breaker after this many consecutive
	// failures.
	FailureThreshold int

	// FailureRate trips the breaker when the rolling window is full and its
	// failure ratio reaches this value.
	FailureRate float64

	// WindowSize is how many recent results the rolling window holds.
	WindowSize int

	// RecoveryTimeout is how long the breaker stays open before admitting
	// one probe call.
	RecoveryTimeout time.Duration

	// IsSuccessful classifies a completed call. Nil means err == nil.
	IsSuccessful func(v any, err error) bool

	// Clock defaults to the real clock.
	Clock clockwork.Clock
}

func (c *Config) checkAndSetDefaults() error {
	if c.Name == "" {
		return fmt.Errorf("breaker name is required")
	}
	if c.FailureThreshold <= 0 {
		return fmt.Errorf("failure threshold must be positive, got %d", c.FailureThreshold)
	}
	if c.FailureRate <= 0 || c.FailureRate > 1 {
		return fmt.Errorf("failure rate must be in (0, 1], got %v", c.FailureRate)
	}
	if c.WindowSize <= 0 {
		return fmt.Errorf("window size must be positive, got %d", c.WindowSize)
	}
	if c.RecoveryTimeout <= 0 {
		return fmt.Errorf("recovery timeout must be positive, got %s", c.RecoveryTimeout)
	}
	if c.IsSuccessful == nil {
		c.IsSuccessful = func(_ any, err error) bool { return err == nil }
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Breaker is safe for concurrent use. Results from calls admitted under an
// earlier state generation are discarded, so a slow call finishing after a
// trip cannot corrupt the probe accounting.
type Breaker struct {
	cfg Config

	mu         sync.Mutex
	state      State
	generation uint64
	window     window
	streak     int // consecutive failures while closed
	openedAt   time.Time
	probeArmed bool
}

// New creates a closed breaker.
func New(cfg Config) (*Breaker, error) {
	if err := cfg.checkAndSetDefaults(); err != nil {
		return nil, err
	}
	b := &Breaker{
		cfg:    cfg,
		window: newWindow(cfg.WindowSize),
	}
	metrics.BreakerState.WithLabelValues(cfg.Name).Set(float64(StateClosed))
	return b, nil
}

// Execute runs fn if the breaker admits the call, recording the outcome.
// While open it fails fast with UPSTREAM_UNAVAILABLE carrying
// retry_after_ms.
func (b *Breaker) Execute(fn func() (any, error)) (any, error) {
	gen, err := b.before()
	if err != nil {
		return nil, err
	}

	v, fnErr := fn()
	b.after(gen, b.cfg.IsSuccessful(v, fnErr))
	return v, fnErr
}

// State returns the current position, applying the recovery timeout.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refresh()
	return b.state
}

// Snapshot describes the breaker for the status surface.
type Snapshot struct {
	Name           string  `json:"name"`
	State          string  `json:"state"`
	WindowFailures int     `json:"window_failures"`
	WindowSamples  int     `json:"window_samples"`
	FailureStreak  int     `json:"failure_streak"`
	RetryAfterMS   int64   `json:"retry_after_ms,omitempty"`
	FailureRatio   float64 `json:"failure_ratio"`
}

// Snapshot returns a point-in-time view.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refresh()

	s := Snapshot{
		Name:           b.cfg.Name,
		State:          b.state.String(),
		WindowFailures: b.window.failures,
		WindowSamples:  b.window.count,
		FailureStreak:  b.streak,
		FailureRatio:   b.window.failureRatio(),
	}
	if b.state == StateOpen {
		if remaining := b.cfg.RecoveryTimeout - b.cfg.Clock.Since(b.openedAt); remaining > 0 {
			s.RetryAfterMS = remaining.Milliseconds()
		}
	}
	return s
}

// before admits or rejects a call and returns the admission generation.
func (b *Breaker) before() (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refresh()

	switch b.state {
	case StateClosed:
		return b.generation, nil
	case StateHalfOpen:
		// Exactly one caller takes the armed probe; everyone else waits for
		// its verdict.
		if b.probeArmed {
			b.probeArmed = false
			return b.generation, nil
		}
		return 0, errx.New(errx.KindUpstreamUnavailable, "upstream probe in flight").
			With("hub", b.cfg.Name)
	default:
		remaining := b.cfg.RecoveryTimeout - b.cfg.Clock.Since(b.openedAt)
		if remaining < 0 {
			remaining = 0
		}
		return 0, errx.New(errx.KindUpstreamUnavailable, "circuit breaker is open").
			With("hub", b.cfg.Name).
			With("retry_after_ms", remaining.Milliseconds())
	}
}

// refresh moves OPEN to HALF_OPEN once the recovery timeout has elapsed.
// The caller observing the move becomes the probe. Callers must hold b.mu.
func (b *Breaker) refresh() {
	if b.state == StateOpen && b.cfg.Clock.Since(b.openedAt) >= b.cfg.RecoveryTimeout {
		b.transition(StateHalfOpen)
	}
}

// after records the outcome of a call admitted at gen. Results from an
// earlier generation are dropped.
func (b *Breaker) after(gen uint64, success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if gen != b.generation {
		return
	}

	switch b.state {
	case StateHalfOpen:
		// Probe verdict.
		if success {
			b.transition(StateClosed)
		} else {
			b.openedAt = b.cfg.Clock.Now()
			b.transition(StateOpen)
		}
	case StateClosed:
		b.window.push(success)
		if success {
			b.streak = 0
			return
		}
		b.streak++
		if b.streak >= b.cfg.FailureThreshold ||
			(b.window.full() && b.window.failureRatio() >= b.cfg.FailureRate) {
			b.openedAt = b.cfg.Clock.Now()
			b.transition(StateOpen)
		}
	}
}

// transition changes state, bumps the generation, and resets counters.
// Callers must hold b.mu.
func (b *Breaker) transition(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	b.generation++
	b.probeArmed = to == StateHalfOpen
	if to == StateClosed {
		b.window.reset()
		b.streak = 0
	}

	metrics.BreakerState.WithLabelValues(b.cfg.Name).Set(float64(to))
	metrics.BreakerTransitionsTotal.WithLabelValues(b.cfg.Name, to.String()).Inc()
	logger := logging.For(logging.CategoryBreaker)
	logger.Info().
		Str("hub", b.cfg.Name).
		Str("from", from.String()).
		Str("to", to.String()).
		Msg("breaker state changed")
}

// window is a fixed-size ring of call outcomes.
type window struct {
	results  []bool
	idx      int
	count    int
	failures int
}

func newWindow(size int) window {
	return window{results: make([]bool, size)}
}

func (w *window) push(success bool) {
	if w.count == len(w.results) {
		// Overwriting the oldest slot; retire its contribution.
		if !w.results[w.idx] {
			w.failures--
		}
	} else {
		w.count++
	}
	w.results[w.idx] = success
	if !success {
		w.failures++
	}
	w.idx = (w.idx + 1) % len(w.results)
}

func (w *window) full() bool {
	return w.count == len(w.results)
}

func (w *window) failureRatio() float64 {
	if w.count == 0 {
		return 0
	}
	return float64(w.failures) / float64(w.count)
}

func (w *window) reset() {
	for i := range w.results {
		w.results[i] = false
	}
	w.idx = 0
	w.count = 0
	w.failures = 0
}
