package breaker

import (
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/hubmcp/hubbridge/internal/errx"
)

var errBoom = errors.New("boom")

func failCall() (any, error) { return nil, errBoom }
func okCall() (any, error)   { return "ok", nil }

func newTestBreaker(t *testing.T, clock clockwork.Clock, cfg Config) *Breaker {
	t.Helper()
	if cfg.Name == "" {
		cfg.Name = "hub-test"
	}
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = 3
	}
	if cfg.FailureRate == 0 {
		cfg.FailureRate = 0.5
	}
	if cfg.WindowSize == 0 {
		cfg.WindowSize = 10
	}
	if cfg.RecoveryTimeout == 0 {
		cfg.RecoveryTimeout = 30 * time.Second
	}
	cfg.Clock = clock
	b, err := New(cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return b
}

func TestBreaker_TripsOnConsecutiveFailures(t *testing.T) {
	clock := clockwork.NewFakeClock()
	b := newTestBreaker(t, clock, Config{FailureThreshold: 3, WindowSize: 100})

	for i := 0; i < 2; i++ {
		if _, err := b.Execute(failCall); !errors.Is(err, errBoom) {
			t.Fatalf("Call %d: expected the upstream error, got %v", i, err)
		}
	}
	if b.State() != StateClosed {
		t.Fatalf("Breaker tripped before the threshold: %s", b.State())
	}

	if _, err := b.Execute(failCall); !errors.Is(err, errBoom) {
		t.Fatalf("Third failure: got %v", err)
	}
	if b.State() != StateOpen {
		t.Fatalf("Expected OPEN after 3 consecutive failures, got %s", b.State())
	}

	// Open breaker fails fast without invoking the call.
	invoked := false
	_, err := b.Execute(func() (any, error) {
		invoked = true
		return nil, nil
	})
	if err == nil {
		t.Fatal("Expected fast failure while open")
	}
	if !errx.Is(err, errx.KindUpstreamUnavailable) {
		t.Errorf("Expected UPSTREAM_UNAVAILABLE, got %s", errx.KindOf(err))
	}
	if invoked {
		t.Error("Open breaker must not invoke the call")
	}
	var e *errx.Error
	if errors.As(err, &e) {
		if _, ok := e.Data["retry_after_ms"]; !ok {
			t.Error("Fast failure should carry retry_after_ms")
		}
	}
}

func TestBreaker_TripsOnFailureRate(t *testing.T) {
	clock := clockwork.NewFakeClock()
	b := newTestBreaker(t, clock, Config{FailureThreshold: 100, FailureRate: 0.5, WindowSize: 4})

	// Alternating results keep the streak at 1 but fill the window to a
	// 50% failure ratio.
	calls := []func() (any, error){okCall, failCall, okCall, failCall}
	for _, fn := range calls {
		b.Execute(fn) //nolint:errcheck
	}

	if b.State() != StateOpen {
		t.Fatalf("Expected OPEN at 50%% windowed failures, got %s", b.State())
	}
}

func TestBreaker_RateNeedsFullWindow(t *testing.T) {
	clock := clockwork.NewFakeClock()
	b := newTestBreaker(t, clock, Config{FailureThreshold: 100, FailureRate: 0.5, WindowSize: 10})

	// 2 of 3 failed is over the rate, but the window is not full yet.
	b.Execute(failCall) //nolint:errcheck
	b.Execute(okCall)   //nolint:errcheck
	b.Execute(failCall) //nolint:errcheck

	if b.State() != StateClosed {
		t.Fatalf("Rate rule fired on a partial window: %s", b.State())
	}
}

func TestBreaker_RecoveryProbe(t *testing.T) {
	clock := clockwork.NewFakeClock()
	b := newTestBreaker(t, clock, Config{FailureThreshold: 1, RecoveryTimeout: 30 * time.Second})

	b.Execute(failCall) //nolint:errcheck
	if b.State() != StateOpen {
		t.Fatalf("Expected OPEN, got %s", b.State())
	}

	clock.Advance(29 * time.Second)
	if _, err := b.Execute(okCall); !errx.Is(err, errx.KindUpstreamUnavailable) {
		t.Fatalf("Expected fast failure before recovery timeout, got %v", err)
	}

	// Failed probe re-opens and resets the recovery timer.
	clock.Advance(2 * time.Second)
	if _, err := b.Execute(failCall); !errors.Is(err, errBoom) {
		t.Fatalf("Probe should reach the upstream, got %v", err)
	}
	if b.State() != StateOpen {
		t.Fatalf("Failed probe should re-open, got %s", b.State())
	}

	// Successful probe closes.
	clock.Advance(31 * time.Second)
	if _, err := b.Execute(okCall); err != nil {
		t.Fatalf("Probe failed: %v", err)
	}
	if b.State() != StateClosed {
		t.Fatalf("Expected CLOSED after successful probe, got %s", b.State())
	}

	// Recovered breaker starts from a clean window.
	snap := b.Snapshot()
	if snap.WindowSamples != 0 || snap.FailureStreak != 0 {
		t.Errorf("Expected reset counters after recovery: %+v", snap)
	}
}

func TestBreaker_SingleProbe(t *testing.T) {
	clock := clockwork.NewFakeClock()
	b := newTestBreaker(t, clock, Config{FailureThreshold: 1, RecoveryTimeout: time.Second})

	b.Execute(failCall) //nolint:errcheck
	clock.Advance(2 * time.Second)

	entered := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		_, err := b.Execute(func() (any, error) {
			close(entered)
			<-release
			return "ok", nil
		})
		done <- err
	}()

	<-entered
	// Second caller while the probe is in flight.
	if _, err := b.Execute(okCall); !errx.Is(err, errx.KindUpstreamUnavailable) {
		t.Fatalf("Expected rejection while probe in flight, got %v", err)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("Probe failed: %v", err)
	}
	if b.State() != StateClosed {
		t.Fatalf("Expected CLOSED after probe success, got %s", b.State())
	}
}

func TestBreaker_StaleResultIgnored(t *testing.T) {
	clock := clockwork.NewFakeClock()
	b := newTestBreaker(t, clock, Config{FailureThreshold: 3, RecoveryTimeout: time.Second})

	entered := make(chan struct{})
	release := make(chan struct{})
	done := make(chan struct{})
	go func() {
		b.Execute(func() (any, error) { //nolint:errcheck
			close(entered)
			<-release
			return nil, errBoom
		})
		close(done)
	}()
	<-entered

	// Trip the breaker while the slow call is still in flight.
	for i := 0; i < 3; i++ {
		b.Execute(failCall) //nolint:errcheck
	}
	if b.State() != StateOpen {
		t.Fatalf("Expected OPEN, got %s", b.State())
	}

	// Move to HALF_OPEN, then let the stale failure land. It must not be
	// taken as the probe verdict.
	clock.Advance(2 * time.Second)
	if b.State() != StateHalfOpen {
		t.Fatalf("Expected HALF_OPEN, got %s", b.State())
	}
	close(release)
	<-done
	if b.State() != StateHalfOpen {
		t.Fatalf("Stale result changed the state to %s", b.State())
	}

	if _, err := b.Execute(okCall); err != nil {
		t.Fatalf("Probe was not admitted: %v", err)
	}
	if b.State() != StateClosed {
		t.Fatalf("Expected CLOSED, got %s", b.State())
	}
}

func TestBreaker_IsSuccessful(t *testing.T) {
	clock := clockwork.NewFakeClock()
	cfg := Config{
		FailureThreshold: 1,
		IsSuccessful: func(v any, err error) bool {
			return err == nil && v != "degraded"
		},
	}
	b := newTestBreaker(t, clock, cfg)

	if _, err := b.Execute(func() (any, error) { return "degraded", nil }); err != nil {
		t.Fatalf("Call itself should succeed: %v", err)
	}
	if b.State() != StateOpen {
		t.Fatalf("Predicate failure should trip, got %s", b.State())
	}
}

func TestBreaker_ConfigValidation(t *testing.T) {
	cases := []struct {
		name string
		cfg  Config
	}{
		{"missing name", Config{FailureThreshold: 5, FailureRate: 0.5, WindowSize: 10, RecoveryTimeout: time.Second}},
		{"zero threshold", Config{Name: "h", FailureRate: 0.5, WindowSize: 10, RecoveryTimeout: time.Second}},
		{"rate above one", Config{Name: "h", FailureThreshold: 5, FailureRate: 1.5, WindowSize: 10, RecoveryTimeout: time.Second}},
		{"zero window", Config{Name: "h", FailureThreshold: 5, FailureRate: 0.5, RecoveryTimeout: time.Second}},
		{"negative recovery", Config{Name: "h", FailureThreshold: 5, FailureRate: 0.5, WindowSize: 10, RecoveryTimeout: -time.Second}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := New(tc.cfg); err == nil {
				t.Error("Expected config to be rejected")
			}
		})
	}
}

func TestSet_PerHubIsolation(t *testing.T) {
	clock := clockwork.NewFakeClock()
	set, err := NewSet(Config{
		FailureThreshold: 1,
		FailureRate:      0.5,
		WindowSize:       10,
		RecoveryTimeout:  time.Second,
		Clock:            clock,
	})
	if err != nil {
		t.Fatalf("NewSet failed: %v", err)
	}

	a := set.For("hub-a")
	bHub := set.For("hub-b")
	if set.For("hub-a") != a {
		t.Fatal("For should return the same breaker per name")
	}

	a.Execute(failCall) //nolint:errcheck
	if a.State() != StateOpen {
		t.Fatalf("hub-a should be OPEN, got %s", a.State())
	}
	if bHub.State() != StateClosed {
		t.Fatalf("hub-b should be unaffected, got %s", bHub.State())
	}

	snaps := set.Snapshots()
	if len(snaps) != 2 {
		t.Fatalf("Expected 2 snapshots, got %d", len(snaps))
	}
	if snaps[0].Name != "hub-a" || snaps[1].Name != "hub-b" {
		t.Errorf("Snapshots out of order: %s, %s", snaps[0].Name, snaps[1].Name)
	}

	set.Remove("hub-a")
	if len(set.Snapshots()) != 1 {
		t.Error("Removed breaker still listed")
	}
}
