package persistence

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// leaseDebounce coalesces bursts of file events from a single commit.
const leaseDebounce = 100 * time.Millisecond

// LeaseWatcher calls onChange after another process writes to the database
// files, so lease handoffs are noticed before the next periodic refresh.
type LeaseWatcher struct {
	watcher  *fsnotify.Watcher
	dir      string
	files    map[string]bool
	onChange func()
	logger   *log.Logger

	done    chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
	timer   *time.Timer
}

// NewLeaseWatcher returns a watcher for the database at dbPath and its WAL
// file. It must be started with Start.
func NewLeaseWatcher(dbPath string, onChange func(), logger *log.Logger) (*LeaseWatcher, error) {
	if logger == nil {
		logger = log.New(os.Stderr, "[lease] ", log.LstdFlags)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	base := filepath.Base(dbPath)
	return &LeaseWatcher{
		watcher:  watcher,
		dir:      filepath.Dir(dbPath),
		files:    map[string]bool{base: true, base + "-wal": true},
		onChange: onChange,
		logger:   logger,
		done:     make(chan struct{}),
	}, nil
}

// Start begins watching the database directory.
func (w *LeaseWatcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return fmt.Errorf("watcher already running")
	}
	if err := w.watcher.Add(w.dir); err != nil {
		return fmt.Errorf("failed to watch database directory %s: %w", w.dir, err)
	}
	w.running = true
	w.wg.Add(1)
	go w.processEvents()
	return nil
}

// Stop stops watching and waits for the event loop to exit. A pending
// debounced callback is dropped.
func (w *LeaseWatcher) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()

	close(w.done)
	if err := w.watcher.Close(); err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}
	w.wg.Wait()
	return nil
}

func (w *LeaseWatcher) processEvents() {
	defer w.wg.Done()

	for {
		select {
		case <-w.done:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !w.files[filepath.Base(event.Name)] {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				w.schedule()
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Printf("Watcher error: %v", err)
		}
	}
}

func (w *LeaseWatcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.running {
		return
	}
	if w.timer != nil {
		w.timer.Reset(leaseDebounce)
		return
	}
	w.timer = time.AfterFunc(leaseDebounce, func() {
		select {
		case <-w.done:
			return
		default:
		}
		w.onChange()
	})
}
