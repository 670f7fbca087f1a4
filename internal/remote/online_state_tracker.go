package remote

import (
	"fmt"
	"log"
	"os"
	"time"

	"github.com/steveyegge/docsync/internal/asyncqueue"
)

// OnlineState is the client's belief about its connectivity.
type OnlineState int

const (
	// OnlineStateUnknown is the state before the first stream attempt
	// settles. Listeners wait before raising cached results.
	OnlineStateUnknown OnlineState = iota
	// OnlineStateOnline means the watch stream delivered data.
	OnlineStateOnline
	// OnlineStateOffline means the backend looks unreachable. Listeners
	// raise cached results marked as from cache.
	OnlineStateOffline
)

func (s OnlineState) String() string {
	switch s {
	case OnlineStateOnline:
		return "online"
	case OnlineStateOffline:
		return "offline"
	}
	return "unknown"
}

const (
	// maxWatchStreamFailures is how many failed attempts to open the watch
	// stream turn Unknown into Offline.
	maxWatchStreamFailures = 1

	// DefaultOnlineStateTimeout is how long a watch stream attempt may take
	// before the client reports itself offline.
	DefaultOnlineStateTimeout = 10 * time.Second
)

// OnlineStateTracker derives the OnlineState from watch stream events and
// reports changes to a handler. It must be used from the async queue.
type OnlineStateTracker struct {
	queue   *asyncqueue.Queue
	handler func(OnlineState)
	logger  *log.Logger
	timeout time.Duration

	state               OnlineState
	watchStreamFailures int
	timer               *asyncqueue.DelayedOperation
	shouldWarnOffline   bool
}

// NewOnlineStateTracker returns a tracker in the Unknown state.
func NewOnlineStateTracker(queue *asyncqueue.Queue, timeout time.Duration, logger *log.Logger, handler func(OnlineState)) *OnlineStateTracker {
	if logger == nil {
		logger = log.New(os.Stderr, "[online] ", log.LstdFlags)
	}
	if timeout <= 0 {
		timeout = DefaultOnlineStateTimeout
	}
	return &OnlineStateTracker{
		queue:             queue,
		handler:           handler,
		logger:            logger,
		timeout:           timeout,
		shouldWarnOffline: true,
	}
}

// State returns the current state.
func (t *OnlineStateTracker) State() OnlineState { return t.state }

// HandleWatchStreamStart is called when the watch stream starts. The first
// attempt from Unknown arms a timer that falls back to Offline.
func (t *OnlineStateTracker) HandleWatchStreamStart() {
	if t.watchStreamFailures != 0 {
		return
	}
	t.setAndBroadcast(OnlineStateUnknown)
	if t.timer != nil {
		return
	}
	t.timer = t.queue.EnqueueAfterDelay(asyncqueue.TimerOnlineStateTimeout, t.timeout, func() {
		t.timer = nil
		if t.state == OnlineStateUnknown {
			t.logOffline("backend didn't respond within " + t.timeout.String())
			t.setAndBroadcast(OnlineStateOffline)
		}
	})
}

// HandleWatchStreamFailure is called when the watch stream closes with an
// error.
func (t *OnlineStateTracker) HandleWatchStreamFailure(err error) {
	if t.state == OnlineStateOnline {
		t.setAndBroadcast(OnlineStateUnknown)
		return
	}
	t.watchStreamFailures++
	if t.watchStreamFailures >= maxWatchStreamFailures {
		t.clearTimer()
		t.logOffline(fmt.Sprintf("connection failed %d times; most recent error: %v", maxWatchStreamFailures, err))
		t.setAndBroadcast(OnlineStateOffline)
	}
}

// Set forces the state, for example Online once data arrives or Offline
// when the network is disabled.
func (t *OnlineStateTracker) Set(state OnlineState) {
	t.clearTimer()
	t.watchStreamFailures = 0
	if state == OnlineStateOnline {
		// Later outages are logged without the warning.
		t.shouldWarnOffline = false
	}
	t.setAndBroadcast(state)
}

func (t *OnlineStateTracker) setAndBroadcast(state OnlineState) {
	if state == t.state {
		return
	}
	t.state = state
	if t.handler != nil {
		t.handler(state)
	}
}

func (t *OnlineStateTracker) logOffline(details string) {
	msg := "Could not reach the backend: " + details + ". The client will operate in offline mode until it can connect."
	if t.shouldWarnOffline {
		t.logger.Printf("Warning: %s", msg)
		t.shouldWarnOffline = false
		return
	}
	t.logger.Print(msg)
}

func (t *OnlineStateTracker) clearTimer() {
	if t.timer != nil {
		t.timer.Cancel()
		t.timer = nil
	}
}
