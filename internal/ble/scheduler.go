package ble

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Timer is a pending callback scheduled with Scheduler.AfterFunc.
type Timer interface {
	// Stop cancels the callback. It reports whether the call stopped it.
	Stop() bool
}

// Scheduler serializes work onto a single execution context. Posted
// functions and timer callbacks never run concurrently with each other.
type Scheduler interface {
	Post(f func())
	AfterFunc(d time.Duration, f func()) Timer
	Now() time.Time
}

// Loop is the production Scheduler: an unbounded task queue drained by the
// goroutine running Run.
type Loop struct {
	mu      sync.Mutex
	pending []func()
	wake    chan struct{}
}

// NewLoop creates a Loop. Call Run to start processing.
func NewLoop() *Loop {
	return &Loop{wake: make(chan struct{}, 1)}
}

// Post queues f to run on the loop goroutine. Safe for concurrent use,
// including from inside a running task.
func (l *Loop) Post(f func()) {
	l.mu.Lock()
	l.pending = append(l.pending, f)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// AfterFunc runs f on the loop once d has elapsed.
func (l *Loop) AfterFunc(d time.Duration, f func()) Timer {
	lt := &loopTimer{}
	lt.t = time.AfterFunc(d, func() {
		l.Post(func() {
			// Stop may have been called after the timer fired but before
			// the task reached the front of the queue.
			if lt.stopped.Swap(true) {
				return
			}
			f()
		})
	})
	return lt
}

// Now returns the wall clock time.
func (l *Loop) Now() time.Time { return time.Now() }

// Run processes tasks until ctx is cancelled.
func (l *Loop) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-l.wake:
		}

		for {
			l.mu.Lock()
			tasks := l.pending
			l.pending = nil
			l.mu.Unlock()
			if len(tasks) == 0 {
				break
			}
			for _, f := range tasks {
				f()
			}
		}
	}
}

var _ Scheduler = (*Loop)(nil)

type loopTimer struct {
	t       *time.Timer
	stopped atomic.Bool
}

func (lt *loopTimer) Stop() bool {
	if lt.stopped.Swap(true) {
		return false
	}
	lt.t.Stop()
	return true
}
