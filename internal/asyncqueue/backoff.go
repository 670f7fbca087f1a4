package asyncqueue

import (
	"math/rand/v2"
	"time"
)

// BackoffConfig holds the parameters of an ExponentialBackoff.
type BackoffConfig struct {
	// InitialDelay is the first non-zero delay.
	InitialDelay time.Duration

	// Factor multiplies the delay after every attempt.
	Factor float64

	// MaxDelay caps the delay.
	MaxDelay time.Duration
}

// DefaultBackoffConfig returns 1s initial delay, factor 1.5, 60s cap.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialDelay: time.Second,
		Factor:       1.5,
		MaxDelay:     60 * time.Second,
	}
}

// ExponentialBackoff schedules retries on a Queue with a growing, jittered
// delay. The first attempt after Reset runs immediately.
//
// It is not safe for concurrent use; call it from queued operations.
type ExponentialBackoff struct {
	queue   *Queue
	timerID TimerID
	config  BackoffConfig

	currentBase time.Duration
	lastAttempt time.Time
	pending     *DelayedOperation

	// jitter returns a value in [-0.5, 0.5); replaceable in tests.
	jitter func() float64
}

// NewExponentialBackoff creates a backoff whose retries run on queue under
// timerID.
func NewExponentialBackoff(queue *Queue, timerID TimerID, config BackoffConfig) *ExponentialBackoff {
	if config.Factor < 1 {
		config.Factor = 1
	}
	return &ExponentialBackoff{
		queue:       queue,
		timerID:     timerID,
		config:      config,
		lastAttempt: time.Now(),
		jitter:      func() float64 { return rand.Float64() - 0.5 },
	}
}

// Reset makes the next attempt run without delay.
func (b *ExponentialBackoff) Reset() {
	b.currentBase = 0
}

// ResetToMax makes the next attempt wait the maximum delay.
func (b *ExponentialBackoff) ResetToMax() {
	b.currentBase = b.config.MaxDelay
}

// CurrentBase returns the un-jittered delay the next attempt will use.
func (b *ExponentialBackoff) CurrentBase() time.Duration {
	return b.currentBase
}

// BackoffAndRun cancels any pending attempt and schedules op after the
// current delay (plus up to ±50% jitter, minus time already elapsed since the
// last attempt), then grows the delay.
func (b *ExponentialBackoff) BackoffAndRun(op func()) {
	b.Cancel()

	desired := b.currentBase + time.Duration(b.jitter()*float64(b.currentBase))
	elapsed := time.Since(b.lastAttempt)
	if elapsed < 0 {
		elapsed = 0
	}
	remaining := desired - elapsed
	if remaining < 0 {
		remaining = 0
	}
	if b.currentBase > 0 {
		b.queue.logger.Printf("Backing off for %v (base delay %v, %v since last attempt)",
			remaining.Round(time.Millisecond), b.currentBase, elapsed.Round(time.Millisecond))
	}

	b.pending = b.queue.EnqueueAfterDelay(b.timerID, remaining, func() {
		b.lastAttempt = time.Now()
		b.pending = nil
		op()
	})

	b.currentBase = time.Duration(float64(b.currentBase) * b.config.Factor)
	if b.currentBase < b.config.InitialDelay {
		b.currentBase = b.config.InitialDelay
	}
	if b.currentBase > b.config.MaxDelay {
		b.currentBase = b.config.MaxDelay
	}
}

// SkipBackoff runs the pending attempt now, if any.
func (b *ExponentialBackoff) SkipBackoff() {
	if b.pending != nil {
		b.pending.skipDelay()
		b.pending = nil
	}
}

// Cancel drops the pending attempt, if any.
func (b *ExponentialBackoff) Cancel() {
	if b.pending != nil {
		b.pending.Cancel()
		b.pending = nil
	}
}
