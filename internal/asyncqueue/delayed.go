package asyncqueue

import (
	"sync/atomic"
	"time"
)

// DelayedOperation is a handle to an operation scheduled with
// EnqueueAfterDelay.
type DelayedOperation struct {
	TimerID TimerID

	queue    *Queue
	targetAt time.Time
	op       func()
	timer    *time.Timer
	// finished is set once the operation ran or was cancelled.
	finished atomic.Bool
}

// claim marks the operation finished and reports whether the caller won the
// race to do so.
func (d *DelayedOperation) claim() bool {
	return d.finished.CompareAndSwap(false, true)
}

func (d *DelayedOperation) fire() {
	d.queue.Enqueue(func() {
		if d.claim() {
			d.queue.removeDelayed(d)
			d.op()
		}
	})
}

// skipDelay runs the operation immediately. Must be called on the queue.
func (d *DelayedOperation) skipDelay() {
	if !d.claim() {
		return
	}
	if d.timer != nil {
		d.timer.Stop()
	}
	d.queue.removeDelayed(d)
	d.op()
}

// Cancel prevents the operation from running. It is safe to call more than
// once and after the operation already ran.
func (d *DelayedOperation) Cancel() {
	if !d.claim() {
		return
	}
	if d.timer != nil {
		d.timer.Stop()
	}
	d.queue.removeDelayed(d)
}
