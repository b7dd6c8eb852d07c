package store

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hubmcp/hubbridge/internal/logging"
)

// Recorder decouples hot-path appends (request records, log entries, token
// touches) from store I/O. Writes are queued to a single worker; when the
// buffer is full the write is dropped and counted rather than blocking a
// request.
type Recorder struct {
	store   *Store
	ch      chan func(context.Context)
	done    chan struct{}
	dropped atomic.Int64

	mu     sync.RWMutex
	closed bool
}

// NewRecorder starts the recorder worker.
func NewRecorder(s *Store, buffer int) *Recorder {
	if buffer <= 0 {
		buffer = 256
	}
	r := &Recorder{
		store: s,
		ch:    make(chan func(context.Context), buffer),
		done:  make(chan struct{}),
	}
	go r.run()
	return r
}

func (r *Recorder) run() {
	defer close(r.done)
	for op := range r.ch {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		op(ctx)
		cancel()
	}
}

// Close stops accepting writes and flushes everything already buffered.
func (r *Recorder) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	close(r.ch)
	r.mu.Unlock()
	<-r.done
}

// Dropped reports how many writes were lost to a full buffer.
func (r *Recorder) Dropped() int64 {
	return r.dropped.Load()
}

func (r *Recorder) submit(op func(context.Context)) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		r.dropped.Add(1)
		return
	}
	select {
	case r.ch <- op:
	default:
		r.dropped.Add(1)
	}
}

// RecordRequest queues a request record append.
func (r *Recorder) RecordRequest(rec *RequestRecord) {
	r.submit(func(ctx context.Context) {
		if err := r.store.AppendRequest(ctx, rec); err != nil {
			// Debug level on purpose: WARN+ would route back through the
			// store sink.
			logger := logging.For(logging.CategoryStore)
			logger.Debug().Err(err).Msg("request record append failed")
		}
	})
}

// RecordError queues an error record append.
func (r *Recorder) RecordError(e *ErrorRecord) {
	r.submit(func(ctx context.Context) {
		if err := r.store.AppendError(ctx, e); err != nil {
			logger := logging.For(logging.CategoryStore)
			logger.Debug().Err(err).Msg("error record append failed")
		}
	})
}

// RecordLog queues a log entry append. Satisfies logging.Recorder.
func (r *Recorder) RecordLog(level, category, message, fieldsJSON string, ts time.Time) {
	entry := &LogEntry{
		Level:      level,
		Category:   category,
		Message:    message,
		FieldsJSON: fieldsJSON,
		TS:         ts,
	}
	r.submit(func(ctx context.Context) {
		if err := r.store.AppendLog(ctx, entry); err != nil {
			logger := logging.For(logging.CategoryStore)
			logger.Debug().Err(err).Msg("log entry append failed")
		}
	})
}

// RecordTokenUse queues a last_used_at stamp for an API token.
func (r *Recorder) RecordTokenUse(tokenID string, now time.Time) {
	r.submit(func(ctx context.Context) {
		if err := r.store.TouchAPIToken(ctx, tokenID, now); err != nil {
			logger := logging.For(logging.CategoryStore)
			logger.Debug().Err(err).Msg("token touch failed")
		}
	})
}
