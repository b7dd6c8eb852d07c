package bridge

import (
	"context"
	"errors"
	"sync"

	"github.com/hubmcp/hubbridge/internal/logging"
	"github.com/hubmcp/hubbridge/internal/queue"
)

// slot is the value a dequeued ticket is granted. Holding it admits the
// call to the execution stage; releasing it frees the worker for the next
// ticket, which is what bounds concurrent upstream work.
type slot struct {
	once sync.Once
	done chan struct{}
}

func newSlot() *slot {
	return &slot{done: make(chan struct{})}
}

// Release frees the slot. Safe to call more than once.
func (s *slot) Release() {
	s.once.Do(func() { close(s.done) })
}

// dispatcher runs the queue consumers. Each worker dequeues the next
// ticket in priority order, grants it a slot, and waits for the slot to be
// released before taking more work. Calls therefore start in dequeue order
// and at most `workers` of them execute at once; anything beyond that waits
// in the queue, never in the handler.
type dispatcher struct {
	queue   *queue.Queue
	workers int

	wg sync.WaitGroup
}

func newDispatcher(q *queue.Queue, workers int) *dispatcher {
	if workers < 1 {
		workers = 1
	}
	q.SetParallelism(workers)
	return &dispatcher{queue: q, workers: workers}
}

// start launches the workers. They exit once the queue is closed and
// drained.
func (d *dispatcher) start(ctx context.Context) {
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.run(ctx)
	}
	logger := logging.For(logging.CategoryQueue)
	logger.Info().
		Int("workers", d.workers).
		Msg("dispatcher started")
}

func (d *dispatcher) run(ctx context.Context) {
	defer d.wg.Done()
	for {
		t, err := d.queue.Dequeue(ctx)
		if err != nil {
			if !errors.Is(err, queue.ErrClosed) && ctx.Err() == nil {
				logger := logging.For(logging.CategoryQueue)
				logger.Error().
					Err(err).
					Msg("dequeue failed")
			}
			return
		}

		s := newSlot()
		if !t.Grant(s) {
			// The caller cancelled while queued; the slot was never handed
			// over.
			continue
		}
		// Wait for the call to finish before taking the next ticket. During
		// shutdown the in-flight call still owns the slot; it releases on
		// completion or when its request context dies.
		<-s.done
	}
}

// wait blocks until every worker has exited or ctx ends.
func (d *dispatcher) wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
