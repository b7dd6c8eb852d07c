// Package pool maintains warm upstream MCP sessions per hub. A supervisor
// goroutine scales the pool between configured bounds, health-checks idle
// and suspect sessions out of band, and hands exclusive leases to callers.
package pool

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/hubmcp/hubbridge/internal/config"
	"github.com/hubmcp/hubbridge/internal/errx"
	"github.com/hubmcp/hubbridge/internal/logging"
	"github.com/hubmcp/hubbridge/internal/metrics"
)

// ErrClosed stops acquisition once the pool shuts down.
var ErrClosed = errors.New("session pool closed")

const (
	defaultDialTimeout = 15 * time.Second
	closeTimeout       = 5 * time.Second

	// latencySmoothing weighs new lease durations into the moving average.
	latencySmoothing = 0.2
)

// Config assembles a pool for one hub.
type Config struct {
	// HubID labels logs and gauges. Required.
	HubID string
	// Dial opens and initializes a fresh upstream session. Required.
	Dial DialFunc
	// Sizing bounds the pool and times its maintenance loops.
	Sizing config.PoolConfig
	// Pending reports queued work waiting for a session, typically the
	// dispatch queue depth. Optional.
	Pending func() int
	// DialTimeout bounds one dial attempt, handshake included.
	DialTimeout time.Duration
	// Clock is swapped for a fake in tests.
	Clock clockwork.Clock
}

// CheckAndSetDefaults validates the config and fills unset fields.
func (c *Config) CheckAndSetDefaults() error {
	if c.HubID == "" {
		return errx.New(errx.KindInvalidArgument, "pool: hub id required")
	}
	if c.Dial == nil {
		return errx.New(errx.KindInvalidArgument, "pool: dial func required")
	}
	if c.Pending == nil {
		c.Pending = func() int { return 0 }
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = defaultDialTimeout
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	s := &c.Sizing
	if s.Max <= 0 {
		s.Max = 8
	}
	if s.Target <= 0 {
		s.Target = 2
	}
	if s.Target > s.Max {
		s.Target = s.Max
	}
	if s.Min < 0 {
		s.Min = 0
	}
	if s.Min > s.Max {
		s.Min = s.Max
	}
	if s.IdleTimeout <= 0 {
		s.IdleTimeout = config.Duration(5 * time.Minute)
	}
	if s.HealthInterval <= 0 {
		s.HealthInterval = config.Duration(30 * time.Second)
	}
	if s.CheckTimeout <= 0 {
		s.CheckTimeout = config.Duration(3 * time.Second)
	}
	if s.ScaleInterval <= 0 {
		s.ScaleInterval = config.Duration(5 * time.Second)
	}
	if s.PendingFactor <= 0 {
		s.PendingFactor = 2
	}
	if s.LatencyThreshold <= 0 {
		s.LatencyThreshold = config.Duration(750 * time.Millisecond)
	}
	return nil
}

// Pool owns the sessions for a single hub.
type Pool struct {
	cfg Config
	log zerolog.Logger

	mu       sync.Mutex
	sessions []*session
	waiters  []chan *session
	// latencyS is a moving average of lease hold times in seconds.
	latencyS float64
	closed   bool

	notify chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New starts a pool and its supervisor. Close releases it.
func New(cfg Config) (*Pool, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		cfg:    cfg,
		log:    logging.For(logging.CategoryPool).With().Str("hub", cfg.HubID).Logger(),
		notify: make(chan struct{}, 1),
		ctx:    ctx,
		cancel: cancel,
	}
	p.wg.Add(1)
	go p.run()
	return p, nil
}

// Acquire leases one healthy session, waiting until one frees up, the
// context ends, or the pool closes. Waiters are served oldest first.
func (p *Pool) Acquire(ctx context.Context) (*Lease, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrClosed
	}
	if s := p.idleLocked(); s != nil {
		s.state = StateBusy
		p.updateGaugesLocked()
		p.mu.Unlock()
		return &Lease{pool: p, session: s, acquiredAt: p.cfg.Clock.Now()}, nil
	}
	w := make(chan *session, 1)
	p.waiters = append(p.waiters, w)
	p.mu.Unlock()
	p.poke()

	select {
	case s, ok := <-w:
		if !ok {
			return nil, ErrClosed
		}
		return &Lease{pool: p, session: s, acquiredAt: p.cfg.Clock.Now()}, nil
	case <-ctx.Done():
		p.abandonWaiter(w)
		return nil, errx.FromContext(ctx.Err())
	}
}

// Close retires every session and fails outstanding waiters. It waits for
// background dials and checks up to the given context.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	waiters := p.waiters
	p.waiters = nil
	var conns []Conn
	for _, s := range p.sessions {
		busy := s.state == StateBusy
		s.state = StateClosed
		if !busy && s.conn != nil {
			// Leased conns close on release instead.
			conns = append(conns, s.conn)
		}
	}
	p.sessions = nil
	p.updateGaugesLocked()
	p.mu.Unlock()

	p.cancel()
	for _, w := range waiters {
		close(w)
	}
	for _, c := range conns {
		p.closeConn(c)
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		metrics.SessionsActive.DeleteLabelValues(p.cfg.HubID)
		metrics.SessionsIdle.DeleteLabelValues(p.cfg.HubID)
		return nil
	case <-ctx.Done():
		return errx.FromContext(ctx.Err())
	}
}

// release is Lease.Release. The outcome drives the session's next state.
func (p *Pool) release(l *Lease, callErr error) {
	held := p.cfg.Clock.Since(l.acquiredAt)
	s := l.session

	p.mu.Lock()
	s.calls++
	s.lastUsed = p.cfg.Clock.Now()
	p.observeLatencyLocked(held)
	if p.closed || s.state == StateClosed {
		s.state = StateClosed
		conn := s.conn
		p.mu.Unlock()
		if conn != nil {
			p.closeConn(conn)
		}
		return
	}
	if suspectOutcome(callErr) {
		s.state = StateReconnecting
		p.updateGaugesLocked()
		p.mu.Unlock()
		p.log.Debug().
			Str("session_id", s.id).
			Str("kind", string(errx.KindOf(callErr))).
			Msg("session suspect, awaiting health check")
		p.poke()
		return
	}
	p.offerLocked(s)
	p.updateGaugesLocked()
	p.mu.Unlock()
	p.poke()
}

// idleLocked returns a leasable session, preferring the least recently used
// so checks and idle expiry see honest timestamps.
func (p *Pool) idleLocked() *session {
	var pick *session
	for _, s := range p.sessions {
		if s.state != StateHealthy || s.checking || s.conn == nil {
			continue
		}
		if pick == nil || s.lastUsed.Before(pick.lastUsed) {
			pick = s
		}
	}
	return pick
}

// offerLocked hands a servable session to the oldest waiter, or parks it
// idle when nobody is waiting.
func (p *Pool) offerLocked(s *session) {
	if len(p.waiters) > 0 {
		w := p.waiters[0]
		p.waiters = p.waiters[1:]
		s.state = StateBusy
		w <- s
		return
	}
	s.state = StateHealthy
}

// abandonWaiter withdraws a waiter whose context ended. When a grant raced
// the cancellation, the delivered session goes back into service.
func (p *Pool) abandonWaiter(w chan *session) {
	p.mu.Lock()
	for i, q := range p.waiters {
		if q == w {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			p.mu.Unlock()
			return
		}
	}
	var s *session
	select {
	case s = <-w:
	default:
	}
	if s != nil && !p.closed && s.state != StateClosed {
		p.offerLocked(s)
		p.updateGaugesLocked()
	}
	p.mu.Unlock()
	if s != nil {
		p.poke()
	}
}

func (p *Pool) run() {
	defer p.wg.Done()
	scale := p.cfg.Clock.NewTicker(p.cfg.Sizing.ScaleInterval.Std())
	defer scale.Stop()
	health := p.cfg.Clock.NewTicker(p.cfg.Sizing.HealthInterval.Std())
	defer health.Stop()

	p.reconcile()
	for {
		select {
		case <-p.ctx.Done():
			return
		case <-p.notify:
			p.reconcile()
		case <-scale.Chan():
			p.reconcile()
		case <-health.Chan():
			p.checkHealth()
		}
	}
}

// poke nudges the supervisor without blocking.
func (p *Pool) poke() {
	select {
	case p.notify <- struct{}{}:
	default:
	}
}

// reconcile grows the pool toward demand and retires idle excess. At most
// one session is retired per pass so load spikes keep their warm sessions.
func (p *Pool) reconcile() {
	pending := p.cfg.Pending()

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}

	live := len(p.sessions)
	var busy int
	for _, s := range p.sessions {
		if s.state == StateBusy {
			busy++
		}
	}
	demand := pending + len(p.waiters)

	need := 0
	switch {
	case live < p.cfg.Sizing.Min:
		need = p.cfg.Sizing.Min - live
	case demand > 0 && live < p.cfg.Sizing.Target:
		need = 1
	case p.overloadedLocked(demand, busy) && live < p.cfg.Sizing.Max:
		need = 1
	}
	for i := 0; i < need && live+i < p.cfg.Sizing.Max; i++ {
		p.spawnLocked()
	}
	if need > 0 {
		return
	}

	if live <= p.cfg.Sizing.Min {
		return
	}
	cutoff := p.cfg.Clock.Now().Add(-p.cfg.Sizing.IdleTimeout.Std())
	var idle *session
	for _, s := range p.sessions {
		if s.state != StateHealthy || s.checking {
			continue
		}
		if !s.lastUsed.After(cutoff) && (idle == nil || s.lastUsed.Before(idle.lastUsed)) {
			idle = s
		}
	}
	if idle == nil {
		return
	}
	p.removeLocked(idle)
	p.updateGaugesLocked()
	conn := idle.conn
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.closeConn(conn)
	}()
	p.log.Debug().Str("session_id", idle.id).Msg("idle session retired")
}

// overloadedLocked reports sustained pressure: demand well past the busy
// count while lease durations run above the configured threshold.
func (p *Pool) overloadedLocked(demand, busy int) bool {
	active := busy
	if active < 1 {
		active = 1
	}
	if float64(demand) <= p.cfg.Sizing.PendingFactor*float64(active) {
		return false
	}
	return p.latencyS > p.cfg.Sizing.LatencyThreshold.Std().Seconds()
}

// spawnLocked registers a dialing session and starts the dial off-loop.
func (p *Pool) spawnLocked() {
	s := &session{
		id:        uuid.NewString(),
		createdAt: p.cfg.Clock.Now(),
		state:     StateInitializing,
	}
	p.sessions = append(p.sessions, s)
	p.wg.Add(1)
	go p.dialSession(s)
}

// dialSession completes a spawn. Failures drop the placeholder; the next
// reconcile tick decides whether to try again, which spaces out redials
// against a down hub.
func (p *Pool) dialSession(s *session) {
	defer p.wg.Done()
	ctx, cancel := context.WithTimeout(p.ctx, p.cfg.DialTimeout)
	defer cancel()
	conn, err := p.cfg.Dial(ctx)

	p.mu.Lock()
	if err != nil {
		p.removeLocked(s)
		p.updateGaugesLocked()
		p.mu.Unlock()
		p.log.Warn().Err(err).Msg("session dial failed")
		return
	}
	if p.closed || s.state == StateClosed {
		p.mu.Unlock()
		p.closeConn(conn)
		return
	}
	s.conn = conn
	s.lastUsed = p.cfg.Clock.Now()
	p.offerLocked(s)
	p.updateGaugesLocked()
	p.mu.Unlock()
	p.log.Debug().
		Str("session_id", s.id).
		Str("upstream_session", conn.SessionID()).
		Msg("session established")
}

// checkHealth pings stale idle sessions and every suspect one. Checks run
// off-loop; a checking session is never leased.
func (p *Pool) checkHealth() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	stale := p.cfg.Clock.Now().Add(-p.cfg.Sizing.HealthInterval.Std())
	for _, s := range p.sessions {
		if s.checking || s.conn == nil {
			continue
		}
		switch s.state {
		case StateReconnecting:
		case StateHealthy:
			if s.lastUsed.After(stale) || s.lastCheck.After(stale) {
				continue
			}
		default:
			continue
		}
		s.checking = true
		p.wg.Add(1)
		go p.checkSession(s)
	}
}

// checkSession verifies one session with a bounded ping. A suspect session
// that answers goes back into service; any failure retires the session.
func (p *Pool) checkSession(s *session) {
	defer p.wg.Done()
	ctx, cancel := context.WithTimeout(p.ctx, p.cfg.Sizing.CheckTimeout.Std())
	err := s.conn.Ping(ctx)
	cancel()

	p.mu.Lock()
	s.checking = false
	s.lastCheck = p.cfg.Clock.Now()
	if p.closed || s.state == StateClosed {
		p.mu.Unlock()
		return
	}
	if err != nil {
		was := s.state
		p.removeLocked(s)
		p.updateGaugesLocked()
		conn := s.conn
		p.mu.Unlock()
		p.closeConn(conn)
		p.log.Warn().
			Err(err).
			Str("session_id", s.id).
			Str("state", was.String()).
			Msg("session failed health check")
		p.poke()
		return
	}
	if s.state == StateReconnecting {
		p.offerLocked(s)
		p.log.Info().Str("session_id", s.id).Msg("suspect session recovered")
	}
	p.updateGaugesLocked()
	p.mu.Unlock()
}

func (p *Pool) removeLocked(s *session) {
	s.state = StateClosed
	for i, q := range p.sessions {
		if q == s {
			p.sessions = append(p.sessions[:i], p.sessions[i+1:]...)
			return
		}
	}
}

// closeConn closes an upstream session on its own deadline. The pool
// context may already be gone by the time retirement happens.
func (p *Pool) closeConn(c Conn) {
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	if err := c.Close(ctx); err != nil {
		p.log.Debug().Err(err).Msg("session close")
	}
}

func (p *Pool) observeLatencyLocked(held time.Duration) {
	sec := held.Seconds()
	if p.latencyS == 0 {
		p.latencyS = sec
		return
	}
	p.latencyS = (1-latencySmoothing)*p.latencyS + latencySmoothing*sec
}

func (p *Pool) updateGaugesLocked() {
	var busy, idle float64
	for _, s := range p.sessions {
		switch s.state {
		case StateBusy:
			busy++
		case StateHealthy:
			idle++
		}
	}
	metrics.SessionsActive.WithLabelValues(p.cfg.HubID).Set(busy)
	metrics.SessionsIdle.WithLabelValues(p.cfg.HubID).Set(idle)
}

// SessionSnapshot describes one pooled session for the status surface.
type SessionSnapshot struct {
	ID        string    `json:"id"`
	State     string    `json:"state"`
	Calls     int64     `json:"calls"`
	CreatedAt time.Time `json:"created_at"`
	LastUsed  time.Time `json:"last_used,omitzero"`
	Upstream  string    `json:"upstream_session,omitempty"`
}

// Snapshot describes the pool for the status surface.
type Snapshot struct {
	HubID        string            `json:"hub_id"`
	Live         int               `json:"live"`
	Busy         int               `json:"busy"`
	Idle         int               `json:"idle"`
	Waiters      int               `json:"waiters"`
	AvgLatencyMS float64           `json:"avg_latency_ms"`
	Sessions     []SessionSnapshot `json:"sessions"`
}

// Snapshot reports current sessions and demand.
func (p *Pool) Snapshot() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	snap := Snapshot{
		HubID:        p.cfg.HubID,
		Live:         len(p.sessions),
		Waiters:      len(p.waiters),
		AvgLatencyMS: p.latencyS * 1000,
		Sessions:     make([]SessionSnapshot, 0, len(p.sessions)),
	}
	for _, s := range p.sessions {
		switch s.state {
		case StateBusy:
			snap.Busy++
		case StateHealthy:
			snap.Idle++
		}
		ss := SessionSnapshot{
			ID:        s.id,
			State:     s.state.String(),
			Calls:     s.calls,
			CreatedAt: s.createdAt,
			LastUsed:  s.lastUsed,
		}
		if s.conn != nil {
			ss.Upstream = s.conn.SessionID()
		}
		snap.Sessions = append(snap.Sessions, ss)
	}
	return snap
}
