package pool

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/hubmcp/hubbridge/internal/errx"
)

// Conn is one live upstream MCP session. hub.Client satisfies this; tests
// use fakes.
type Conn interface {
	CallTool(ctx context.Context, name string, args json.RawMessage) (json.RawMessage, error)
	Ping(ctx context.Context) error
	Close(ctx context.Context) error
	SessionID() string
}

// DialFunc opens and initializes a fresh upstream session.
type DialFunc func(ctx context.Context) (Conn, error)

// SessionState tracks a pooled session's lifecycle.
type SessionState int

const (
	StateInitializing SessionState = iota
	StateHealthy
	StateBusy
	StateReconnecting
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateInitializing:
		return "INITIALIZING"
	case StateHealthy:
		return "HEALTHY"
	case StateBusy:
		return "BUSY"
	case StateReconnecting:
		return "RECONNECTING"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// session is one pooled upstream connection. All fields past conn are
// guarded by the pool mutex.
type session struct {
	id        string
	conn      Conn // nil until the dial completes
	createdAt time.Time

	state     SessionState
	checking  bool // an out-of-band ping is in flight
	lastUsed  time.Time
	lastCheck time.Time
	calls     int64
}

// Lease is the exclusive grant of one session to one in-flight call. The
// caller must Release exactly once; the outcome decides whether the session
// returns to service or goes through a reconnect check.
type Lease struct {
	pool       *Pool
	session    *session
	acquiredAt time.Time
	once       sync.Once
}

// Conn returns the leased upstream session.
func (l *Lease) Conn() Conn { return l.session.conn }

// SessionID is the pool-local session id, stable across the session's life.
func (l *Lease) SessionID() string { return l.session.id }

// Release hands the session back. A nil error or an upstream protocol error
// leaves the session in service; timeouts, cancellations and transport
// failures leave the upstream in an unknown state, so the session goes to
// RECONNECTING until an out-of-band ping clears or retires it.
func (l *Lease) Release(err error) {
	l.once.Do(func() {
		l.pool.release(l, err)
	})
}

// suspectOutcome reports whether the call left the session unusable until
// verified. Upstream protocol errors mean the hub answered, so the session
// itself is fine.
func suspectOutcome(err error) bool {
	if err == nil {
		return false
	}
	switch errx.KindOf(err) {
	case errx.KindTimeout, errx.KindCancelled, errx.KindUpstreamUnavailable:
		return true
	default:
		return false
	}
}
