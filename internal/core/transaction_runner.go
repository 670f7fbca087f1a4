package core

import (
	"context"
	"errors"

	"github.com/steveyegge/docsync/internal/asyncqueue"
	"github.com/steveyegge/docsync/internal/remote"
	"github.com/steveyegge/docsync/internal/status"
)

// DefaultMaxTransactionAttempts is the number of times a transaction runs
// before its last error is returned.
const DefaultMaxTransactionAttempts = 5

// TransactionOptions configure RunTransaction.
type TransactionOptions struct {
	MaxAttempts int
	Backoff     asyncqueue.BackoffConfig
}

// DefaultTransactionOptions returns five attempts with the default
// backoff.
func DefaultTransactionOptions() TransactionOptions {
	return TransactionOptions{
		MaxAttempts: DefaultMaxTransactionAttempts,
		Backoff:     asyncqueue.DefaultBackoffConfig(),
	}
}

// TransactionRunner runs an update function in fresh transactions until
// one commits, backing off between attempts on the async queue.
type TransactionRunner struct {
	queue     *asyncqueue.Queue
	datastore *remote.Datastore
	updateFn  func(ctx context.Context, txn *Transaction) error
	opts      TransactionOptions
	backoff   *asyncqueue.ExponentialBackoff
}

// NewTransactionRunner returns a runner for updateFn.
func NewTransactionRunner(queue *asyncqueue.Queue, datastore *remote.Datastore,
	updateFn func(ctx context.Context, txn *Transaction) error, opts TransactionOptions) *TransactionRunner {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxTransactionAttempts
	}
	return &TransactionRunner{
		queue:     queue,
		datastore: datastore,
		updateFn:  updateFn,
		opts:      opts,
		backoff:   asyncqueue.NewExponentialBackoff(queue, asyncqueue.TimerTransactionRetry, opts.Backoff),
	}
}

// Run blocks until a transaction commits, fails permanently, runs out of
// attempts or ctx is done. It must not be called from the async queue.
func (r *TransactionRunner) Run(ctx context.Context) error {
	for attempt := 1; ; attempt++ {
		if err := r.waitForBackoff(ctx); err != nil {
			return err
		}
		txn := NewTransaction(r.datastore)
		err := r.updateFn(ctx, txn)
		if err == nil {
			err = txn.Commit(ctx)
		}
		if err == nil {
			return nil
		}
		if attempt >= r.opts.MaxAttempts || !isRetryableTransactionError(err) {
			return err
		}
	}
}

// waitForBackoff returns once the backoff lets the next attempt start.
func (r *TransactionRunner) waitForBackoff(ctx context.Context) error {
	if r.queue.IsShuttingDown() {
		return asyncqueue.ErrShutdown
	}
	ready := make(chan struct{})
	r.queue.Enqueue(func() {
		r.backoff.BackoffAndRun(func() { close(ready) })
	})
	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		r.queue.Enqueue(r.backoff.Cancel)
		return ctx.Err()
	}
}

// isRetryableTransactionError retries only backend errors; errors from the
// update function itself are returned as is.
func isRetryableTransactionError(err error) bool {
	var se *status.Error
	if !errors.As(err, &se) {
		return false
	}
	return status.IsRetryableTransactionError(err)
}
