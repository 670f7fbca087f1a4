// Package asyncqueue provides the single-consumer work queue every mutating
// client operation runs on.
//
// All local store, sync engine and stream callbacks are serialized through
// one Queue, so code running inside a queued operation never needs its own
// locking. Delayed operations (backoff retries, idle and health timers, GC
// runs) are cancellable handles that enqueue their work when they fire.
package asyncqueue

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// TimerID names a class of delayed operation. Tests use it to fast-forward
// specific timers with RunDelayedOperationsEarly.
type TimerID string

const (
	// TimerAll matches every delayed operation in RunDelayedOperationsEarly.
	TimerAll TimerID = "all"

	TimerListenStreamIdle              TimerID = "listen_stream_idle"
	TimerListenStreamConnectionBackoff TimerID = "listen_stream_connection_backoff"
	TimerWriteStreamIdle               TimerID = "write_stream_idle"
	TimerWriteStreamConnectionBackoff  TimerID = "write_stream_connection_backoff"
	TimerHealthCheckTimeout            TimerID = "health_check_timeout"
	TimerOnlineStateTimeout            TimerID = "online_state_timeout"
	TimerGarbageCollection             TimerID = "garbage_collection"
	TimerTransactionRetry              TimerID = "transaction_retry"
	TimerAsyncQueueRetry               TimerID = "async_queue_retry"
	TimerLeaseRefresh                  TimerID = "client_metadata_refresh"
)

// ErrShutdown is returned by EnqueueAndWait once the queue stopped accepting
// work.
var ErrShutdown = errors.New("async queue is shut down")

// Queue runs operations one at a time, in enqueue order, on a single
// goroutine.
type Queue struct {
	mu       sync.Mutex
	pending  []func()
	delayed  []*DelayedOperation
	closing  bool
	failure  error
	wake     chan struct{}
	done     chan struct{}
	inFlight atomic.Bool

	// Retryable operations form a secondary chain: only the head runs, and
	// it is retried with backoff while it fails with a retryable error.
	retryable    []func() error
	retryBackoff *ExponentialBackoff

	logger *log.Logger
}

// New starts a queue. If logger is nil, a default logger writing to stderr is
// used.
func New(logger *log.Logger) *Queue {
	if logger == nil {
		logger = log.New(os.Stderr, "[queue] ", log.LstdFlags)
	}
	q := &Queue{
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
		logger: logger,
	}
	q.retryBackoff = NewExponentialBackoff(q, TimerAsyncQueueRetry, DefaultBackoffConfig())
	go q.run()
	return q
}

func (q *Queue) run() {
	defer close(q.done)
	for {
		q.mu.Lock()
		for len(q.pending) == 0 {
			if q.closing {
				q.mu.Unlock()
				return
			}
			q.mu.Unlock()
			<-q.wake
			q.mu.Lock()
		}
		op := q.pending[0]
		q.pending[0] = nil
		q.pending = q.pending[1:]
		q.mu.Unlock()

		q.execute(op)
	}
}

func (q *Queue) execute(op func()) {
	q.inFlight.Store(true)
	defer q.inFlight.Store(false)
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("internal unhandled error in queued operation: %v", r)
			q.logger.Printf("ERROR: %v", err)
			q.mu.Lock()
			if q.failure == nil {
				q.failure = err
			}
			q.mu.Unlock()
		}
	}()
	op()
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Enqueue adds op to the end of the queue. Operations enqueued after Shutdown
// are dropped.
func (q *Queue) Enqueue(op func()) {
	q.mu.Lock()
	if q.closing {
		q.mu.Unlock()
		return
	}
	q.pending = append(q.pending, op)
	q.mu.Unlock()
	q.signal()
}

// EnqueueAndWait runs op on the queue and waits for it to finish or for ctx
// to be cancelled. It must not be called from inside a queued operation.
func (q *Queue) EnqueueAndWait(ctx context.Context, op func() error) error {
	result := make(chan error, 1)
	q.mu.Lock()
	if q.closing {
		q.mu.Unlock()
		return ErrShutdown
	}
	if q.failure != nil {
		err := q.failure
		q.mu.Unlock()
		return err
	}
	q.pending = append(q.pending, func() {
		defer func() {
			if r := recover(); r != nil {
				result <- fmt.Errorf("queued operation panicked: %v", r)
				panic(r)
			}
		}()
		result <- op()
	})
	q.mu.Unlock()
	q.signal()

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// EnqueueRetryable adds op to the retryable chain. The head of the chain runs
// on the queue; while it fails with an error that reports itself retryable
// (see IsRetryable) it is retried after an exponential backoff. Regular
// operations keep running in the meantime.
func (q *Queue) EnqueueRetryable(op func() error) {
	q.mu.Lock()
	q.retryable = append(q.retryable, op)
	first := len(q.retryable) == 1
	q.mu.Unlock()
	if first {
		q.Enqueue(q.runNextRetryable)
	}
}

func (q *Queue) runNextRetryable() {
	q.mu.Lock()
	if len(q.retryable) == 0 {
		q.mu.Unlock()
		return
	}
	op := q.retryable[0]
	q.mu.Unlock()

	err := op()
	if err != nil && IsRetryable(err) {
		q.logger.Printf("Retryable operation failed, backing off: %v", err)
		q.retryBackoff.BackoffAndRun(q.runNextRetryable)
		return
	}
	if err != nil {
		q.logger.Printf("Retryable operation failed permanently: %v", err)
	}
	q.retryBackoff.Reset()

	q.mu.Lock()
	q.retryable[0] = nil
	q.retryable = q.retryable[1:]
	more := len(q.retryable) > 0
	q.mu.Unlock()
	if more {
		q.Enqueue(q.runNextRetryable)
	}
}

// IsRetryable reports whether err, or an error it wraps, has a
// Retryable() bool method returning true.
func IsRetryable(err error) bool {
	var r interface{ Retryable() bool }
	return errors.As(err, &r) && r.Retryable()
}

// EnqueueAfterDelay schedules op to be enqueued once delay has elapsed. The
// returned handle can cancel it until it starts running.
func (q *Queue) EnqueueAfterDelay(id TimerID, delay time.Duration, op func()) *DelayedOperation {
	d := &DelayedOperation{
		TimerID:  id,
		queue:    q,
		targetAt: time.Now().Add(delay),
		op:       op,
	}
	q.mu.Lock()
	if q.closing {
		q.mu.Unlock()
		d.finished.Store(true)
		return d
	}
	d.timer = time.AfterFunc(delay, d.fire)
	q.delayed = append(q.delayed, d)
	q.mu.Unlock()
	return d
}

// ContainsDelayedOperation reports whether an operation with the id is
// scheduled and not yet cancelled or run.
func (q *Queue) ContainsDelayedOperation(id TimerID) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, d := range q.delayed {
		if d.TimerID == id {
			return true
		}
	}
	return false
}

// RunDelayedOperationsEarly runs every scheduled delayed operation in target
// time order, stopping after the first one whose id is lastID (TimerAll runs
// them all). It waits until they have executed.
func (q *Queue) RunDelayedOperationsEarly(ctx context.Context, lastID TimerID) error {
	return q.EnqueueAndWait(ctx, func() error {
		q.mu.Lock()
		ops := append([]*DelayedOperation(nil), q.delayed...)
		q.mu.Unlock()
		sort.SliceStable(ops, func(i, j int) bool { return ops[i].targetAt.Before(ops[j].targetAt) })
		for _, d := range ops {
			d.skipDelay()
			if lastID != TimerAll && d.TimerID == lastID {
				break
			}
		}
		return nil
	})
}

func (q *Queue) removeDelayed(d *DelayedOperation) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, other := range q.delayed {
		if other == d {
			q.delayed = append(q.delayed[:i], q.delayed[i+1:]...)
			return
		}
	}
}

// VerifyOperationInProgress panics unless a queued operation is executing.
// Components that must only be touched from the queue call it as an
// assertion.
func (q *Queue) VerifyOperationInProgress() {
	if !q.inFlight.Load() {
		panic("asyncqueue: operation is not running on the async queue")
	}
}

// Failure returns the first panic recovered from a queued operation.
func (q *Queue) Failure() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.failure
}

// Shutdown runs op (if non-nil) as the final operation, cancels all delayed
// operations and stops accepting work. It waits for operations already in
// the queue to drain.
func (q *Queue) Shutdown(op func()) {
	q.mu.Lock()
	if q.closing {
		q.mu.Unlock()
		<-q.done
		return
	}
	if op != nil {
		q.pending = append(q.pending, op)
	}
	q.closing = true
	delayed := q.delayed
	q.delayed = nil
	q.mu.Unlock()

	for _, d := range delayed {
		d.finished.Store(true)
		if d.timer != nil {
			d.timer.Stop()
		}
	}
	q.signal()
	<-q.done
}

// IsShuttingDown reports whether Shutdown was called.
func (q *Queue) IsShuttingDown() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closing
}
