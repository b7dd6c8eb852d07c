package bridge

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/hubmcp/hubbridge/internal/errx"
	"github.com/hubmcp/hubbridge/internal/logging"
)

const (
	// clientSessionTTL expires bridge sessions whose client went away
	// without a DELETE. Matches the longest-lived access credential.
	clientSessionTTL = 24 * time.Hour

	sessionSweepInterval = 5 * time.Minute
)

// ClientSession is one MCP client's handle on the bridge, created by
// initialize and carried in the X-Session-ID header. It is the bridge-side
// session, unrelated to the pooled upstream sessions.
type ClientSession struct {
	ID        string
	UserID    int64
	Protocol  string
	CreatedAt time.Time

	// lastSeen is guarded by the owning registry's mutex.
	lastSeen time.Time
}

// Sessions tracks live client sessions and expires idle ones.
type Sessions struct {
	clock clockwork.Clock

	mu       sync.Mutex
	sessions map[string]*ClientSession

	done chan struct{}
	once sync.Once
}

// NewSessions starts the registry and its expiry sweeper.
func NewSessions(clock clockwork.Clock) *Sessions {
	s := &Sessions{
		clock:    clock,
		sessions: make(map[string]*ClientSession),
		done:     make(chan struct{}),
	}
	go s.sweep()
	return s
}

// Create opens a session for the user at the negotiated protocol version.
func (s *Sessions) Create(userID int64, protocol string) *ClientSession {
	now := s.clock.Now()
	sess := &ClientSession{
		ID:        uuid.NewString(),
		UserID:    userID,
		Protocol:  protocol,
		CreatedAt: now,
		lastSeen:  now,
	}

	s.mu.Lock()
	s.sessions[sess.ID] = sess
	s.mu.Unlock()

	logger := logging.For(logging.CategoryBridge)
	logger.Debug().
		Str("session_id", sess.ID).
		Int64("user_id", userID).
		Str("protocol", protocol).
		Msg("client session created")
	return sess
}

// Get returns the session and refreshes its idle clock.
func (s *Sessions) Get(id string) (*ClientSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return nil, errx.New(errx.KindNotFound, "session not found or expired; initialize again")
	}
	sess.lastSeen = s.clock.Now()
	return sess, nil
}

// Delete removes a session. Reports whether it existed.
func (s *Sessions) Delete(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[id]; !ok {
		return false
	}
	delete(s.sessions, id)
	return true
}

// Len returns the number of live sessions.
func (s *Sessions) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Close stops the sweeper. Idempotent.
func (s *Sessions) Close() {
	s.once.Do(func() { close(s.done) })
}

func (s *Sessions) sweep() {
	ticker := s.clock.NewTicker(sessionSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.Chan():
		}

		s.mu.Lock()
		now := s.clock.Now()
		expired := 0
		for id, sess := range s.sessions {
			if now.Sub(sess.lastSeen) > clientSessionTTL {
				delete(s.sessions, id)
				expired++
			}
		}
		s.mu.Unlock()

		if expired > 0 {
			logger := logging.For(logging.CategoryBridge)
			logger.Info().
				Int("count", expired).
				Msg("expired idle client sessions")
		}
	}
}
