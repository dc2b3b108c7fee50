// Package eventloop provides the single execution context on which all chat
// state is mutated. Work is posted as closures and run one at a time in
// posting order; timers deliver their callbacks through the same queue.
package eventloop

import (
	"context"
	"errors"
	"sync"
	"time"
)

var ErrStopped = errors.New("event loop stopped")

type Timer interface {
	// Stop prevents the callback from running. It must be called on the
	// loop and reports whether the callback was still pending.
	Stop() bool
}

type Scheduler interface {
	AfterFunc(d time.Duration, fn func()) Timer
}

// Executor is what components that post their own results need.
type Executor interface {
	Scheduler
	Post(fn func()) bool
}

type Loop struct {
	mu      sync.Mutex
	pending []func()
	closed  bool
	wake    chan struct{}
	stopped chan struct{}
	running sync.Once
}

func New() *Loop {
	return &Loop{
		wake:    make(chan struct{}, 1),
		stopped: make(chan struct{}),
	}
}

// Run executes posted work until ctx is cancelled. Work still queued when
// the loop stops is discarded.
func (l *Loop) Run(ctx context.Context) error {
	err := ErrStopped
	l.running.Do(func() {
		defer l.shutdown()
		for {
			select {
			case <-ctx.Done():
				err = ctx.Err()
				return
			case <-l.wake:
			}
			for _, fn := range l.drain() {
				if ctx.Err() != nil {
					err = ctx.Err()
					return
				}
				fn()
			}
		}
	})
	return err
}

func (l *Loop) drain() []func() {
	l.mu.Lock()
	defer l.mu.Unlock()
	batch := l.pending
	l.pending = nil
	return batch
}

func (l *Loop) shutdown() {
	l.mu.Lock()
	l.closed = true
	l.pending = nil
	l.mu.Unlock()
	close(l.stopped)
}

// Post queues fn without blocking. It returns false once the loop has stopped.
func (l *Loop) Post(fn func()) bool {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return false
	}
	l.pending = append(l.pending, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// Call runs fn on the loop and waits for it. Never call it from the loop.
func (l *Loop) Call(fn func()) error {
	done := make(chan struct{})
	if !l.Post(func() {
		fn()
		close(done)
	}) {
		return ErrStopped
	}
	select {
	case <-done:
		return nil
	case <-l.stopped:
		return ErrStopped
	}
}

// Stopped is closed when Run returns.
func (l *Loop) Stopped() <-chan struct{} {
	return l.stopped
}

func (l *Loop) AfterFunc(d time.Duration, fn func()) Timer {
	lt := &loopTimer{}
	lt.t = time.AfterFunc(d, func() {
		l.Post(func() {
			if lt.stopped || lt.fired {
				return
			}
			lt.fired = true
			fn()
		})
	})
	return lt
}

// loopTimer state is only touched on the loop, so a Stop issued after the
// underlying timer fired but before its callback ran still wins.
type loopTimer struct {
	t       *time.Timer
	stopped bool
	fired   bool
}

func (lt *loopTimer) Stop() bool {
	if lt.stopped || lt.fired {
		return false
	}
	lt.stopped = true
	lt.t.Stop()
	return true
}
