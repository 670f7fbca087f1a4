package core

import (
	"log"
	"os"
	"sync"
)

// AsyncObserver delivers values to user callbacks on its own goroutine, in
// the order they were posted. A callback that blocks or panics only
// affects its own observer, and callbacks may call back into the client
// without deadlocking the async queue.
type AsyncObserver[T any] struct {
	next    func(T)
	onError func(error)
	logger  *log.Logger

	mu      sync.Mutex
	mailbox []func()
	// muted stops new posts; unsubscribed also stops delivery of values
	// already taken from the mailbox.
	muted        bool
	unsubscribed bool
	wake         chan struct{}
	done         chan struct{}
}

// NewAsyncObserver starts an observer. onError may be nil, in which case
// errors are logged.
func NewAsyncObserver[T any](next func(T), onError func(error), logger *log.Logger) *AsyncObserver[T] {
	if logger == nil {
		logger = log.New(os.Stderr, "[listen] ", log.LstdFlags)
	}
	o := &AsyncObserver[T]{
		next:    next,
		onError: onError,
		logger:  logger,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	go o.run()
	return o
}

// Next schedules delivery of value.
func (o *AsyncObserver[T]) Next(value T) {
	o.post(func() {
		o.mu.Lock()
		skip := o.unsubscribed
		o.mu.Unlock()
		if !skip {
			o.next(value)
		}
	})
}

// Error schedules delivery of err after the values already posted.
// Nothing is delivered after an error.
func (o *AsyncObserver[T]) Error(err error) {
	o.mu.Lock()
	if o.muted {
		o.mu.Unlock()
		return
	}
	o.muted = true
	o.mailbox = append(o.mailbox, func() {
		if o.onError == nil {
			o.logger.Printf("Uncaught error in snapshot listener: %v", err)
			return
		}
		o.onError(err)
	})
	o.mu.Unlock()
	o.signal()
}

// Mute stops delivery and drops values not yet delivered. It is safe to
// call from inside a callback and more than once.
func (o *AsyncObserver[T]) Mute() {
	o.mu.Lock()
	o.muted = true
	o.unsubscribed = true
	o.mailbox = nil
	o.mu.Unlock()
	o.signal()
}

// Done is closed once the delivery goroutine exited.
func (o *AsyncObserver[T]) Done() <-chan struct{} { return o.done }

func (o *AsyncObserver[T]) post(fn func()) {
	o.mu.Lock()
	if o.muted {
		o.mu.Unlock()
		return
	}
	o.mailbox = append(o.mailbox, fn)
	o.mu.Unlock()
	o.signal()
}

func (o *AsyncObserver[T]) signal() {
	select {
	case o.wake <- struct{}{}:
	default:
	}
}

func (o *AsyncObserver[T]) run() {
	defer close(o.done)
	for {
		o.mu.Lock()
		if len(o.mailbox) == 0 {
			muted := o.muted
			o.mu.Unlock()
			if muted {
				return
			}
			<-o.wake
			continue
		}
		fn := o.mailbox[0]
		o.mailbox[0] = nil
		o.mailbox = o.mailbox[1:]
		o.mu.Unlock()
		o.deliver(fn)
	}
}

func (o *AsyncObserver[T]) deliver(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Printf("ERROR: snapshot listener panicked: %v", r)
		}
	}()
	fn()
}
