package local

import (
	"testing"
	"time"

	"github.com/steveyegge/docsync/internal/asyncqueue"
	"github.com/steveyegge/docsync/internal/auth"
	"github.com/steveyegge/docsync/internal/logging"
	"github.com/steveyegge/docsync/internal/persistence"
)

func onQueue(t *testing.T, q *asyncqueue.Queue, fn func()) {
	t.Helper()
	if err := q.EnqueueAndWait(ctx, func() error { fn(); return nil }); err != nil {
		t.Fatal(err)
	}
}

func TestLruSchedulerReschedules(t *testing.T) {
	s := newMemoryStore(t)
	queue := asyncqueue.New(logging.Discard())
	t.Cleanup(func() { queue.Shutdown(nil) })
	sched := NewLruScheduler(s.persistence.GarbageCollector(), queue, s, logging.Discard())

	onQueue(t, queue, sched.Start)
	if !queue.ContainsDelayedOperation(asyncqueue.TimerGarbageCollection) {
		t.Fatal("no collection scheduled after Start")
	}
	if err := queue.RunDelayedOperationsEarly(ctx, asyncqueue.TimerGarbageCollection); err != nil {
		t.Fatal(err)
	}
	var hasRun bool
	var delay time.Duration
	onQueue(t, queue, func() {
		hasRun = sched.hasRun
		delay = sched.regularDelay
	})
	if !hasRun {
		t.Error("collection did not run")
	}
	if delay != LruRegularCollectionDelay {
		t.Errorf("regular delay = %v", delay)
	}
	if !queue.ContainsDelayedOperation(asyncqueue.TimerGarbageCollection) {
		t.Error("collection not rescheduled")
	}

	onQueue(t, queue, func() { sched.OnPrimaryStateChanged(false) })
	if queue.ContainsDelayedOperation(asyncqueue.TimerGarbageCollection) {
		t.Error("collection still scheduled after losing primary")
	}
	onQueue(t, queue, func() { sched.OnPrimaryStateChanged(true) })
	if !queue.ContainsDelayedOperation(asyncqueue.TimerGarbageCollection) {
		t.Error("collection not scheduled after regaining primary")
	}
}

func TestLruSchedulerDisabled(t *testing.T) {
	p := persistence.NewMemoryPersistence(persistence.MemoryConfig{
		GC:     persistence.GCLru,
		Lru:    persistence.LruParams{CacheSizeCollectionThreshold: persistence.CacheSizeUnlimited},
		Logger: logging.Discard(),
	})
	if err := p.Start(ctx); err != nil {
		t.Fatal(err)
	}
	s := NewLocalStore(p, auth.Unauthenticated, testConfig())
	queue := asyncqueue.New(logging.Discard())
	t.Cleanup(func() { queue.Shutdown(nil) })
	sched := NewLruScheduler(p.GarbageCollector(), queue, s, logging.Discard())
	onQueue(t, queue, sched.Start)
	if queue.ContainsDelayedOperation(asyncqueue.TimerGarbageCollection) {
		t.Error("collection scheduled with an unlimited cache")
	}
}
