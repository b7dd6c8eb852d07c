// Package queue provides the bounded priority queue in front of the
// session pool. Four classes, strict FIFO within a class, and admission
// only through a scheduler that pairs waiting tickets with session leases.
// A full queue rejects immediately; it never blocks the producer.
package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/hubmcp/hubbridge/internal/errx"
	"github.com/hubmcp/hubbridge/internal/logging"
	"github.com/hubmcp/hubbridge/internal/metrics"
)

// ErrClosed stops consumer loops once the queue shuts down.
var ErrClosed = errors.New("queue closed")

type ticketState int

const (
	statePending ticketState = iota
	stateGranted
	stateCancelled
	stateFailed
)

// Ticket is one queued request. The producer side waits on it; the
// scheduler side grants it a session lease.
type Ticket struct {
	q        *Queue
	priority Priority

	enqueuedAt time.Time
	position   int
	estimate   time.Duration

	ready chan struct{}

	// Guarded by q.mu.
	state     ticketState
	inClass   bool
	value     any
	err       error
	grantedAt time.Time
}

// Priority returns the class the ticket was enqueued at.
func (t *Ticket) Priority() Priority { return t.priority }

// EnqueuedAt returns the admission time.
func (t *Ticket) EnqueuedAt() time.Time { return t.enqueuedAt }

// Position reports how many live tickets were ahead at enqueue time.
func (t *Ticket) Position() int { return t.position }

// EstimatedWait reports the wait estimate computed at enqueue time.
func (t *Ticket) EstimatedWait() time.Duration { return t.estimate }

// Ready is closed once the ticket is granted or failed.
func (t *Ticket) Ready() <-chan struct{} { return t.ready }

// QueueWait returns how long the ticket waited for its grant. Zero until
// granted.
func (t *Ticket) QueueWait() time.Duration {
	t.q.mu.Lock()
	defer t.q.mu.Unlock()
	if t.grantedAt.IsZero() {
		return 0
	}
	return t.grantedAt.Sub(t.enqueuedAt)
}

// Wait blocks until the ticket is granted, then returns the granted value.
// If ctx ends first the ticket is cancelled and the context error is
// classified (TIMEOUT or CANCELLED).
func (t *Ticket) Wait(ctx context.Context) (any, error) {
	select {
	case <-ctx.Done():
		if t.Cancel() {
			return nil, errx.FromContext(ctx.Err())
		}
		// Granted in the same instant the context died; take the grant so
		// the value is not leaked and let the caller decide.
		<-t.ready
	case <-t.ready:
	}

	t.q.mu.Lock()
	defer t.q.mu.Unlock()
	if t.state == stateFailed {
		return nil, t.err
	}
	metrics.QueueWaitSeconds.WithLabelValues(t.priority.String()).
		Observe(t.grantedAt.Sub(t.enqueuedAt).Seconds())
	return t.value, nil
}

// Cancel withdraws a pending ticket. Reports whether the ticket was still
// pending; false means it was already granted or failed.
func (t *Ticket) Cancel() bool {
	t.q.mu.Lock()
	defer t.q.mu.Unlock()

	if t.state != statePending {
		return false
	}
	t.state = stateCancelled
	t.q.retire(t)
	return true
}

// Grant hands the value to the waiter. Reports false if the ticket was
// cancelled first; the caller keeps the value in that case.
func (t *Ticket) Grant(value any) bool {
	t.q.mu.Lock()
	defer t.q.mu.Unlock()

	if t.state != statePending {
		return false
	}
	t.state = stateGranted
	t.value = value
	t.grantedAt = t.q.clock.Now()
	close(t.ready)
	return true
}

// fail finishes the ticket with an error. Callers must hold q.mu.
func (t *Ticket) fail(err error) {
	if t.state != statePending {
		return
	}
	t.state = stateFailed
	t.err = err
	t.q.retire(t)
	close(t.ready)
}

// Queue is safe for concurrent use.
type Queue struct {
	capacity int
	clock    clockwork.Clock

	mu       sync.Mutex
	classes  [numClasses][]*Ticket
	size     int // live tickets still queued
	closed   bool
	avgExec  time.Duration
	parallel int

	// notify wakes a blocked Dequeue. Buffered so a signal sent with no
	// consumer waiting is not lost.
	notify chan struct{}
}

// Option tweaks queue construction.
type Option func(*Queue)

// WithClock substitutes the clock, for tests.
func WithClock(clock clockwork.Clock) Option {
	return func(q *Queue) { q.clock = clock }
}

// New creates a queue holding at most capacity live tickets across all
// classes.
func New(capacity int, opts ...Option) (*Queue, error) {
	if capacity <= 0 {
		return nil, errors.New("queue capacity must be positive")
	}
	q := &Queue{
		capacity: capacity,
		clock:    clockwork.NewRealClock(),
		parallel: 1,
		notify:   make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q, nil
}

// Enqueue admits a request at the given priority. It never blocks: a full
// or closed queue rejects with QUEUE_FULL.
func (q *Queue) Enqueue(priority Priority) (*Ticket, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil, errx.New(errx.KindQueueFull, "bridge is shutting down")
	}
	if q.size >= q.capacity {
		metrics.QueueRejectedTotal.WithLabelValues(priority.String()).Inc()
		return nil, errx.New(errx.KindQueueFull, "request queue is full").
			With("capacity", q.capacity)
	}

	t := &Ticket{
		q:          q,
		priority:   priority,
		enqueuedAt: q.clock.Now(),
		ready:      make(chan struct{}),
		inClass:    true,
	}
	t.position = q.livesAheadLocked(priority)
	t.estimate = q.estimateLocked(t.position)

	q.classes[priority] = append(q.classes[priority], t)
	q.size++
	metrics.QueueDepth.WithLabelValues(priority.String()).Set(float64(q.classDepthLocked(priority)))

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return t, nil
}

// Dequeue blocks until a live ticket is available and returns the highest
// priority one, FIFO within its class. Cancelled tickets are discarded on
// the way. Returns ErrClosed once the queue is closed and drained.
func (q *Queue) Dequeue(ctx context.Context) (*Ticket, error) {
	for {
		q.mu.Lock()
		if t := q.popLocked(); t != nil {
			// Leave a wakeup behind for other consumers if work remains.
			if q.size > 0 {
				select {
				case q.notify <- struct{}{}:
				default:
				}
			}
			q.mu.Unlock()
			return t, nil
		}
		if q.closed {
			q.mu.Unlock()
			// Cascade the wakeup so every blocked consumer sees the close.
			select {
			case q.notify <- struct{}{}:
			default:
			}
			return nil, ErrClosed
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, errx.FromContext(ctx.Err())
		case <-q.notify:
		}
	}
}

// Close rejects new work and fails every still-pending ticket. Idempotent.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true

	failed := 0
	for p := Critical; p >= Low; p-- {
		for _, t := range q.classes[p] {
			if t.state == statePending {
				t.fail(errx.New(errx.KindQueueFull, "bridge is shutting down"))
				failed++
			}
		}
		q.classes[p] = nil
	}
	q.size = 0
	for p := Critical; p >= Low; p-- {
		metrics.QueueDepth.WithLabelValues(p.String()).Set(0)
	}
	if failed > 0 {
		logger := logging.For(logging.CategoryQueue)
		logger.Info().
			Int("failed", failed).
			Msg("queue closed with pending tickets")
	}

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Depth returns the number of live queued tickets.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

// DepthByClass returns live counts per class, CRITICAL first.
func (q *Queue) DepthByClass() map[string]int {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make(map[string]int, numClasses)
	for p := Critical; p >= Low; p-- {
		out[p.String()] = q.classDepthLocked(p)
	}
	return out
}

// ObserveExecution feeds the moving service-time average behind wait
// estimates.
func (q *Queue) ObserveExecution(d time.Duration) {
	if d <= 0 {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.avgExec == 0 {
		q.avgExec = d
		return
	}
	q.avgExec = (q.avgExec*4 + d) / 5
}

// SetParallelism tells the estimator how many sessions serve the queue.
func (q *Queue) SetParallelism(n int) {
	if n < 1 {
		n = 1
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.parallel = n
}

// popLocked removes and returns the first live ticket in priority order,
// dropping cancelled tickets it walks over. Callers must hold q.mu.
func (q *Queue) popLocked() *Ticket {
	for p := Critical; p >= Low; p-- {
		class := q.classes[p]
		i := 0
		for ; i < len(class); i++ {
			if class[i].state == statePending {
				break
			}
		}
		if i == len(class) {
			if i > 0 {
				q.classes[p] = class[:0]
			}
			continue
		}
		t := class[i]
		q.classes[p] = class[i+1:]
		t.inClass = false
		q.size--
		metrics.QueueDepth.WithLabelValues(p.String()).Set(float64(q.classDepthLocked(p)))
		return t
	}
	return nil
}

// retire accounts for a ticket leaving the queue without being dequeued.
// Callers must hold q.mu.
func (q *Queue) retire(t *Ticket) {
	if !t.inClass {
		return
	}
	t.inClass = false
	q.size--
	metrics.QueueDepth.WithLabelValues(t.priority.String()).Set(float64(q.classDepthLocked(t.priority)))
}

// livesAheadLocked counts pending tickets that dequeue before a new
// arrival at the given priority. Callers must hold q.mu.
func (q *Queue) livesAheadLocked(priority Priority) int {
	ahead := 0
	for p := Critical; p >= priority; p-- {
		ahead += q.classDepthLocked(p)
	}
	return ahead
}

// classDepthLocked counts live tickets in one class. Callers must hold
// q.mu.
func (q *Queue) classDepthLocked(p Priority) int {
	n := 0
	for _, t := range q.classes[p] {
		if t.state == statePending {
			n++
		}
	}
	return n
}

// estimateLocked projects the wait for a ticket entering at the given
// position. Callers must hold q.mu.
func (q *Queue) estimateLocked(position int) time.Duration {
	if q.avgExec == 0 {
		return 0
	}
	return time.Duration(position+1) * q.avgExec / time.Duration(q.parallel)
}
