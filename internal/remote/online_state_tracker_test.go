package remote

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log"
	"strings"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"

	"github.com/steveyegge/docsync/internal/asyncqueue"
)

var quietLogger = log.New(io.Discard, "", 0)

func newTestQueue(t *testing.T) *asyncqueue.Queue {
	t.Helper()
	q := asyncqueue.New(quietLogger)
	t.Cleanup(func() { q.Shutdown(nil) })
	return q
}

// onQueue runs fn on q and waits for it.
func onQueue(t *testing.T, q *asyncqueue.Queue, fn func()) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := q.EnqueueAndWait(ctx, func() error { fn(); return nil }); err != nil {
		t.Fatalf("EnqueueAndWait() failed: %v", err)
	}
}

type trackerFixture struct {
	queue   *asyncqueue.Queue
	tracker *OnlineStateTracker
	logs    *bytes.Buffer
	states  []OnlineState
}

func newTrackerFixture(t *testing.T) *trackerFixture {
	t.Helper()
	f := &trackerFixture{queue: newTestQueue(t), logs: &bytes.Buffer{}}
	f.tracker = NewOnlineStateTracker(f.queue, time.Hour, log.New(f.logs, "", 0), func(s OnlineState) {
		f.states = append(f.states, s)
	})
	return f
}

func TestOnlineStateTimeoutGoesOffline(t *testing.T) {
	f := newTrackerFixture(t)
	onQueue(t, f.queue, f.tracker.HandleWatchStreamStart)
	assert.Equal(t, f.queue.ContainsDelayedOperation(asyncqueue.TimerOnlineStateTimeout), true)

	if err := f.queue.RunDelayedOperationsEarly(context.Background(), asyncqueue.TimerOnlineStateTimeout); err != nil {
		t.Fatal(err)
	}
	onQueue(t, f.queue, func() {})
	assert.Equal(t, f.tracker.State(), OnlineStateOffline)
	assert.Equal(t, f.states, []OnlineState{OnlineStateOffline})
	assert.Equal(t, strings.Contains(f.logs.String(), "Warning:"), true)
}

func TestOnlineStateFailureGoesOffline(t *testing.T) {
	f := newTrackerFixture(t)
	onQueue(t, f.queue, func() {
		f.tracker.HandleWatchStreamStart()
		f.tracker.HandleWatchStreamFailure(errors.New("connection refused"))
	})
	assert.Equal(t, f.tracker.State(), OnlineStateOffline)
	assert.Equal(t, f.queue.ContainsDelayedOperation(asyncqueue.TimerOnlineStateTimeout), false)

	// Further restarts while failing do not flip back to Unknown.
	onQueue(t, f.queue, f.tracker.HandleWatchStreamStart)
	assert.Equal(t, f.tracker.State(), OnlineStateOffline)
}

func TestOnlineStateOnlineThenFailure(t *testing.T) {
	f := newTrackerFixture(t)
	onQueue(t, f.queue, func() {
		f.tracker.HandleWatchStreamStart()
		f.tracker.Set(OnlineStateOnline)
		f.tracker.HandleWatchStreamFailure(errors.New("reset"))
	})
	assert.Equal(t, f.states, []OnlineState{OnlineStateOnline, OnlineStateUnknown})

	onQueue(t, f.queue, func() {
		f.tracker.HandleWatchStreamFailure(errors.New("reset"))
	})
	assert.Equal(t, f.tracker.State(), OnlineStateOffline)
	// Once online, later outages are not warnings.
	assert.Equal(t, strings.Contains(f.logs.String(), "Warning:"), false)
}

func TestOnlineStateString(t *testing.T) {
	assert.Equal(t, OnlineStateUnknown.String(), "unknown")
	assert.Equal(t, OnlineStateOnline.String(), "online")
	assert.Equal(t, OnlineStateOffline.String(), "offline")
}
