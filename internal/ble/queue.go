package ble

import (
	"log/slog"
	"time"

	"github.com/chaz8081/ventpal/internal/ble/protocol"
)

// Request is a queued command. A request with WithResponse holds the queue
// until the transport acknowledges the write.
type Request struct {
	Command      protocol.Command
	WithResponse bool
}

// SubmitFunc hands an encoded frame to the transport.
type SubmitFunc func(frame []byte, withResponse bool) error

// WriteQueue serializes commands onto the single write characteristic.
// At most one acknowledged write is in flight at a time; unacknowledged
// writes are paced. Not safe for concurrent use: all calls happen on the
// Scheduler goroutine.
type WriteQueue struct {
	sched  Scheduler
	pacing time.Duration
	submit SubmitFunc

	items     []Request
	ready     bool
	inFlight  bool
	paceTimer Timer

	// An unacknowledged write that emptied the queue is given the pacing
	// delay to reach the device before idle waiters run.
	settleUntil time.Time
	settleTimer Timer

	idleWaiters []func()
}

// NewWriteQueue creates a queue that holds requests until Start is called.
func NewWriteQueue(sched Scheduler, pacing time.Duration, submit SubmitFunc) *WriteQueue {
	return &WriteQueue{
		sched:  sched,
		pacing: pacing,
		submit: submit,
	}
}

// Enqueue appends r. Draining starts immediately if the queue is ready and
// nothing is in flight or waiting out the pacing delay.
func (q *WriteQueue) Enqueue(r Request) {
	q.items = append(q.items, r)
	if q.ready && !q.inFlight && q.paceTimer == nil {
		q.drain()
	}
}

// Start marks the write characteristic as available and drains anything
// queued before it was.
func (q *WriteQueue) Start() {
	if q.ready {
		return
	}
	q.ready = true
	q.drain()
}

// Ack completes the in-flight write and resumes draining. The transport
// error, if any, is logged; the command is not retried.
func (q *WriteQueue) Ack(err error) {
	if !q.inFlight {
		slog.Debug("[BLE] write ack with nothing in flight")
		return
	}
	q.inFlight = false
	if err != nil {
		slog.Warn("[BLE] write not acknowledged", "error", err)
	}
	q.drain()
}

// Clear drops every queued request, forgets the in-flight write, and
// cancels idle waiters. The queue stops until Start is called again.
func (q *WriteQueue) Clear() {
	if n := len(q.items); n > 0 || q.inFlight {
		slog.Debug("[BLE] clearing write queue", "queued", n, "in_flight", q.inFlight)
	}
	q.items = nil
	q.inFlight = false
	q.ready = false
	if q.paceTimer != nil {
		q.paceTimer.Stop()
		q.paceTimer = nil
	}
	if q.settleTimer != nil {
		q.settleTimer.Stop()
		q.settleTimer = nil
	}
	q.settleUntil = time.Time{}
	q.idleWaiters = nil
}

// Len returns the number of queued requests, not counting the in-flight one.
func (q *WriteQueue) Len() int {
	return len(q.items)
}

// InFlight reports whether a write is awaiting acknowledgment.
func (q *WriteQueue) InFlight() bool {
	return q.inFlight
}

// Idle reports whether nothing is queued or in flight.
func (q *WriteQueue) Idle() bool {
	return len(q.items) == 0 && !q.inFlight
}

// OnIdle calls f once the queue next becomes idle and any pacing delay has
// elapsed, or immediately if that is already the case. Clear cancels pending
// waiters without calling them.
func (q *WriteQueue) OnIdle(f func()) {
	q.idleWaiters = append(q.idleWaiters, f)
	q.checkIdle()
}

func (q *WriteQueue) drain() {
	for q.ready && !q.inFlight && q.paceTimer == nil {
		if len(q.items) == 0 {
			q.checkIdle()
			return
		}

		r := q.items[0]
		q.items = q.items[1:]

		frame := protocol.Encode(r.Command)
		slog.Debug("[BLE] sending", "op", r.Command.Opcode(), "bytes", len(frame), "with_response", r.WithResponse)
		if err := q.submit(frame, r.WithResponse); err != nil {
			// Nothing will acknowledge a write the transport refused.
			slog.Warn("[BLE] write failed", "op", r.Command.Opcode(), "error", err)
			continue
		}

		if r.WithResponse {
			q.inFlight = true
			return
		}
		if len(q.items) == 0 {
			q.settleUntil = q.sched.Now().Add(q.pacing)
			q.checkIdle()
			return
		}
		q.paceTimer = q.sched.AfterFunc(q.pacing, func() {
			q.paceTimer = nil
			q.drain()
		})
	}
}

// checkIdle runs the idle waiters if the queue is idle and settled, or arms
// a timer for the rest of the settle delay.
func (q *WriteQueue) checkIdle() {
	if len(q.idleWaiters) == 0 || !q.Idle() || q.paceTimer != nil {
		return
	}
	if wait := q.settleUntil.Sub(q.sched.Now()); wait > 0 {
		if q.settleTimer == nil {
			q.settleTimer = q.sched.AfterFunc(wait, func() {
				q.settleTimer = nil
				q.checkIdle()
			})
		}
		return
	}
	q.notifyIdle()
}

func (q *WriteQueue) notifyIdle() {
	waiters := q.idleWaiters
	q.idleWaiters = nil
	for _, f := range waiters {
		f()
	}
}
