package core

import (
	"errors"
	"testing"
	"time"

	"github.com/steveyegge/docsync/internal/logging"
)

func TestAsyncObserverDeliversInOrder(t *testing.T) {
	got := make(chan int, 10)
	errs := make(chan error, 1)
	o := NewAsyncObserver(func(v int) { got <- v }, func(err error) { errs <- err }, logging.Discard())
	for i := 0; i < 5; i++ {
		o.Next(i)
	}
	want := errors.New("listen failed")
	o.Error(want)
	o.Next(99)

	for i := 0; i < 5; i++ {
		if v := receive(t, got); v != i {
			t.Fatalf("value %d = %d", i, v)
		}
	}
	if err := receive(t, errs); !errors.Is(err, want) {
		t.Errorf("error = %v, want %v", err, want)
	}
	waitClosed(t, o.Done())
	select {
	case v := <-got:
		t.Errorf("value %d delivered after error", v)
	default:
	}
}

func TestAsyncObserverSurvivesPanics(t *testing.T) {
	got := make(chan int, 2)
	o := NewAsyncObserver(func(v int) {
		if v == 0 {
			panic("listener bug")
		}
		got <- v
	}, nil, logging.Discard())
	o.Next(0)
	o.Next(1)
	if v := receive(t, got); v != 1 {
		t.Errorf("got %d after panic, want 1", v)
	}
	o.Mute()
	waitClosed(t, o.Done())
}

func TestAsyncObserverMuteFromCallback(t *testing.T) {
	got := make(chan int, 10)
	var o *AsyncObserver[int]
	release := make(chan struct{})
	o = NewAsyncObserver(func(v int) {
		if v == 0 {
			<-release
			o.Mute()
		}
		got <- v
	}, nil, logging.Discard())
	o.Next(0)
	o.Next(1)
	o.Next(2)
	close(release)

	if v := receive(t, got); v != 0 {
		t.Fatalf("got %d, want 0", v)
	}
	waitClosed(t, o.Done())
	if len(got) != 0 {
		t.Errorf("%d values delivered after Mute", len(got))
	}
}

func waitClosed(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(testTimeout):
		t.Fatal("timed out waiting for the observer to stop")
	}
}
