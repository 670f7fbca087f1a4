package local

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/steveyegge/docsync/internal/asyncqueue"
	"github.com/steveyegge/docsync/internal/persistence"
)

const (
	// LruInitialCollectionDelay is how long after startup the first
	// collection runs.
	LruInitialCollectionDelay = time.Minute
	// LruRegularCollectionDelay separates later collections.
	LruRegularCollectionDelay = 5 * time.Minute
)

// LruScheduler periodically runs LRU garbage collection on the async queue
// while this client holds the primary lease.
type LruScheduler struct {
	gc     *persistence.LruGarbageCollector
	queue  *asyncqueue.Queue
	store  *LocalStore
	logger *log.Logger

	initialDelay time.Duration
	regularDelay time.Duration

	hasRun  bool
	pending *asyncqueue.DelayedOperation
}

// NewLruScheduler returns a stopped scheduler.
func NewLruScheduler(gc *persistence.LruGarbageCollector, queue *asyncqueue.Queue, store *LocalStore, logger *log.Logger) *LruScheduler {
	if logger == nil {
		logger = log.New(os.Stderr, "[gc] ", log.LstdFlags)
	}
	return &LruScheduler{
		gc:           gc,
		queue:        queue,
		store:        store,
		logger:       logger,
		initialDelay: LruInitialCollectionDelay,
		regularDelay: LruRegularCollectionDelay,
	}
}

// Started reports whether a collection is scheduled.
func (s *LruScheduler) Started() bool { return s.pending != nil }

// Start schedules collections. Called on the async queue.
func (s *LruScheduler) Start() {
	if s.gc.Params().CacheSizeCollectionThreshold == persistence.CacheSizeUnlimited {
		return
	}
	s.schedule()
}

// Stop cancels the next collection. Called on the async queue.
func (s *LruScheduler) Stop() {
	if s.pending != nil {
		s.pending.Cancel()
		s.pending = nil
	}
}

// OnPrimaryStateChanged starts collection when this client becomes primary
// and stops it otherwise.
func (s *LruScheduler) OnPrimaryStateChanged(isPrimary bool) {
	if isPrimary && s.pending == nil {
		s.Start()
	} else if !isPrimary {
		s.Stop()
	}
}

func (s *LruScheduler) schedule() {
	delay := s.regularDelay
	if !s.hasRun {
		delay = s.initialDelay
	}
	s.logger.Printf("Garbage collection scheduled in %v", delay)
	s.pending = s.queue.EnqueueAfterDelay(asyncqueue.TimerGarbageCollection, delay, func() {
		s.pending = nil
		s.hasRun = true
		results, err := s.store.CollectGarbage(context.Background(), s.gc)
		switch {
		case err != nil && persistence.IsPrimaryLeaseLost(err):
			s.logger.Printf("Ignoring primary lease loss during garbage collection")
		case err != nil:
			s.logger.Printf("Garbage collection failed: %v", err)
		case results.DidRun:
			s.logger.Printf("Garbage collection removed %d targets and %d documents", results.TargetsRemoved, results.DocumentsRemoved)
		}
		s.schedule()
	})
}
