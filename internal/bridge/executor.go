package bridge

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/hubmcp/hubbridge/internal/auth"
	"github.com/hubmcp/hubbridge/internal/breaker"
	"github.com/hubmcp/hubbridge/internal/cache"
	"github.com/hubmcp/hubbridge/internal/errx"
	"github.com/hubmcp/hubbridge/internal/hub"
	"github.com/hubmcp/hubbridge/internal/logging"
	"github.com/hubmcp/hubbridge/internal/metrics"
	"github.com/hubmcp/hubbridge/internal/pool"
	"github.com/hubmcp/hubbridge/internal/queue"
	"github.com/hubmcp/hubbridge/internal/store"
	"github.com/hubmcp/hubbridge/internal/tools"
)

const (
	retryInitialInterval = 100 * time.Millisecond
	retryMaxInterval     = 2 * time.Second
)

// Executor runs one tool call through the full pipeline: authorization,
// cache, queue admission, session lease, circuit breaker, upstream call,
// and the audit record.
type Executor struct {
	authz    *auth.Service
	registry *tools.Registry
	cache    *cache.Cache
	queue    *queue.Queue
	pools    *pool.Set
	breakers *breaker.Set
	hubs     *hub.Manager
	rec      *store.Recorder

	maxRetries int
	clock      clockwork.Clock
	log        zerolog.Logger
}

// Call is one tool invocation as resolved by the HTTP layer.
type Call struct {
	Identity  *auth.Identity
	SessionID string // bridge client session
	RequestID string
	Priority  queue.Priority
	Request   tools.CallRequest
	Timeout   time.Duration
}

// Outcome is the upstream result plus the telemetry for bridge_info. On
// error the result is empty but the telemetry gathered up to the failure is
// still populated, so error envelopes carry it too.
type Outcome struct {
	Result json.RawMessage
	Info   Info
}

// callMeta accumulates telemetry as the call moves through the stages.
type callMeta struct {
	queueWait time.Duration
	exec      time.Duration
	sessionID string
	attempts  int
	cached    bool
	coalesced bool
}

// Execute runs the call to completion. Every invocation, including rejected
// ones, produces exactly one request record.
func (e *Executor) Execute(ctx context.Context, call *Call) (*Outcome, error) {
	start := e.clock.Now()
	m := &callMeta{}

	def, ok := e.registry.Lookup(call.Request.Name)
	if !ok {
		err := errx.Newf(errx.KindNotFound, "tool not found: %s", call.Request.Name)
		return e.finish(call, start, m, nil, err)
	}
	if err := e.authz.Authorize(ctx, call.Identity, def); err != nil {
		return e.finish(call, start, m, nil, err)
	}

	ctx, cancel := context.WithTimeout(ctx, call.Timeout)
	defer cancel()

	var result json.RawMessage
	var err error
	if def.Cacheable() {
		result, err = e.executeCached(ctx, call, def, m)
	} else {
		result, err = e.dispatch(ctx, call, def, m)
	}

	if err == nil && len(def.Invalidates) > 0 {
		if n := e.cache.Invalidate(def.Invalidates...); n > 0 {
			e.log.Debug().
				Str("tool", def.Name).
				Int("invalidated", n).
				Msg("flushed cached results after mutation")
		}
	}
	return e.finish(call, start, m, result, err)
}

// executeCached serves read-only calls from the cache, coalescing
// concurrent identical misses into a single upstream flight.
func (e *Executor) executeCached(ctx context.Context, call *Call, def tools.Definition, m *callMeta) (json.RawMessage, error) {
	fp, err := cache.NewFingerprint(call.Identity.UserID, def.Name, call.Request.Arguments)
	if err != nil {
		return nil, err
	}
	res, err := e.cache.GetOrCompute(ctx, fp, def.CacheTTL, func(cctx context.Context) (json.RawMessage, error) {
		return e.dispatch(cctx, call, def, m)
	})
	if err != nil {
		return nil, err
	}
	m.cached = res.Hit
	m.coalesced = res.Shared
	return res.Value, nil
}

// dispatch queues the call, waits for its execution slot, and runs it
// against the user's active hub.
func (e *Executor) dispatch(ctx context.Context, call *Call, def tools.Definition, m *callMeta) (json.RawMessage, error) {
	t, err := e.queue.Enqueue(call.Priority)
	if err != nil {
		return nil, err
	}

	granted, err := t.Wait(ctx)
	if err != nil {
		return nil, err
	}
	s, ok := granted.(*slot)
	if !ok {
		return nil, errx.New(errx.KindInternal, "queue granted an unexpected value")
	}
	defer s.Release()

	m.queueWait = t.QueueWait()
	// Wait hands over the slot even when the grant raced the deadline; give
	// it back instead of starting a doomed upstream call.
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, errx.FromContext(ctxErr)
	}

	h, err := e.hubs.Active(ctx, call.Identity.UserID)
	if err != nil {
		return nil, err
	}
	p, err := e.pools.For(h.ID)
	if err != nil {
		if errors.Is(err, pool.ErrClosed) {
			return nil, errx.New(errx.KindUpstreamUnavailable, "bridge is shutting down")
		}
		return nil, err
	}
	br := e.breakers.For(h.ID)

	execStart := e.clock.Now()
	result, err := e.callUpstream(ctx, p, br, def, call.Request, m)
	m.exec = e.clock.Since(execStart)

	e.queue.ObserveExecution(m.exec)
	metrics.UpstreamLatencySeconds.WithLabelValues(def.Name).Observe(m.exec.Seconds())
	return result, err
}

// callUpstream executes the tool through the breaker, leasing a fresh
// session per attempt so a connection that just failed is never reused.
// Only read-only tools retry, and only while the breaker stays closed.
func (e *Executor) callUpstream(ctx context.Context, p *pool.Pool, br *breaker.Breaker, def tools.Definition, req tools.CallRequest, m *callMeta) (json.RawMessage, error) {
	attempt := func() (json.RawMessage, error) {
		if m.attempts > 0 {
			metrics.UpstreamRetriesTotal.Inc()
		}
		m.attempts++

		lease, err := p.Acquire(ctx)
		if err != nil {
			if errors.Is(err, pool.ErrClosed) {
				err = errx.New(errx.KindUpstreamUnavailable, "bridge is shutting down")
			}
			return nil, backoff.Permanent(err)
		}
		m.sessionID = lease.SessionID()

		var ran bool
		out, callErr := br.Execute(func() (any, error) {
			ran = true
			return e.registry.Call(ctx, lease.Conn(), req)
		})
		if ran {
			lease.Release(callErr)
		} else {
			// Breaker rejected before the call started; the session is fine.
			lease.Release(nil)
		}

		if callErr == nil {
			msg, _ := out.(json.RawMessage)
			return msg, nil
		}
		if !def.Retryable() ||
			!errx.Is(callErr, errx.KindUpstreamUnavailable) ||
			br.State() != breaker.StateClosed {
			return nil, backoff.Permanent(callErr)
		}
		return nil, callErr
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = retryInitialInterval
	bo.MaxInterval = retryMaxInterval

	maxTries := 1
	if def.Retryable() {
		maxTries = e.maxRetries + 1
	}
	return backoff.Retry(ctx, attempt,
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(uint(maxTries)),
	)
}

// finish writes the audit record and assembles the outcome. The telemetry
// block is returned even on failure so the error envelope can carry it.
func (e *Executor) finish(call *Call, start time.Time, m *callMeta, result json.RawMessage, err error) (*Outcome, error) {
	now := e.clock.Now().UTC()
	total := now.Sub(start.UTC())
	status := statusOf(err)

	// The client correlation id keys the audit record so operators can look
	// a request up by the id they hold. A reused id only persists once.
	rec := &store.RequestRecord{
		ID:         call.RequestID,
		SessionID:  call.SessionID,
		UserID:     call.Identity.UserID,
		ToolName:   call.Request.Name,
		Priority:   call.Priority.String(),
		EnqueuedAt: start.UTC(),
		FinishedAt: &now,
		Status:     status,
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if m.queueWait > 0 {
		wait := m.queueWait.Milliseconds()
		startedAt := start.UTC().Add(m.queueWait)
		rec.QueueWaitMS = &wait
		rec.StartedAt = &startedAt
	}
	if m.exec > 0 {
		exec := m.exec.Milliseconds()
		rec.ExecMS = &exec
	}

	if err != nil {
		kind, message, _ := errx.Sanitized(err)
		rec.ErrorCode = string(kind)
		e.rec.RecordError(&store.ErrorRecord{
			RequestID:        &rec.ID,
			Kind:             string(kind),
			Message:          message,
			StacktraceDigest: errorDigest(err),
			TS:               now,
		})
	}
	e.rec.RecordRequest(rec)
	metrics.RequestsTotal.WithLabelValues(call.Request.Name, status).Inc()

	evt := e.log.Info()
	if err != nil {
		evt = e.log.Warn().Str("error_code", rec.ErrorCode)
	}
	evt.Str("request_id", call.RequestID).
		Str("session_id", call.SessionID).
		Int64("user_id", call.Identity.UserID).
		Str("tool", call.Request.Name).
		Str("priority", rec.Priority).
		Str("status", status).
		Dur("queue_wait", m.queueWait).
		Dur("exec", m.exec).
		Dur("total", total).
		Bool("cached", m.cached).
		Msg("tool call")

	return &Outcome{
		Result: result,
		Info: Info{
			RequestID:  call.RequestID,
			SessionID:  m.sessionID,
			Priority:   call.Priority.String(),
			QueueMS:    m.queueWait.Milliseconds(),
			UpstreamMS: m.exec.Milliseconds(),
			TotalMS:    total.Milliseconds(),
			Cached:     m.cached,
			Coalesced:  m.coalesced,
			Attempts:   m.attempts,
		},
	}, err
}

func statusOf(err error) string {
	switch {
	case err == nil:
		return store.RequestOK
	case errx.Is(err, errx.KindTimeout):
		return store.RequestTimeout
	case errx.Is(err, errx.KindCancelled):
		return store.RequestCancelled
	default:
		return store.RequestErr
	}
}

// errorDigest produces a short stable grouping key for an error without
// exposing its text.
func errorDigest(err error) string {
	sum := sha256.Sum256([]byte(err.Error()))
	return hex.EncodeToString(sum[:8])
}

// NewExecutor wires the pipeline stages together.
func NewExecutor(authz *auth.Service, registry *tools.Registry, c *cache.Cache, q *queue.Queue, pools *pool.Set, breakers *breaker.Set, hubs *hub.Manager, rec *store.Recorder, maxRetries int, clock clockwork.Clock) *Executor {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &Executor{
		authz:    authz,
		registry: registry,
		cache:    c,
		queue:    q,
		pools:    pools,
		breakers: breakers,
		hubs:     hubs,
		rec:      rec,

		maxRetries: maxRetries,
		clock:      clock,
		log:        logging.For(logging.CategoryBridge),
	}
}
