// Package bus implements the single-threaded cooperative event
// dispatcher the secure channel core runs on. Collaborators on other
// goroutines (socket manager, timers, services) post events with
// Enqueue; the core drains them in FIFO order on one goroutine.
// EnqueueNext is the priority lane used to transmit a locally
// originated CLO or ERR before the teardown event that follows it.
package bus

import (
	"context"
	"sync"
)

// Handler processes one event. Handlers run on the dispatch goroutine
// and must not block; they may enqueue further events but must never
// re-enter Run or Drain.
type Handler func(Event)

// Bus is the event queue plus its dispatch loop. The zero value is
// not usable; construct with New.
type Bus struct {
	mu      sync.Mutex
	queue   []Event
	next    []Event // priority lane, drained before queue, FIFO within itself
	wake    chan struct{}
	handler Handler

	dispatching bool
}

// New returns an empty Bus dispatching to handler.
func New(handler Handler) *Bus {
	return &Bus{
		handler: handler,
		wake:    make(chan struct{}, 1),
	}
}

// Enqueue appends ev to the back of the queue. Safe to call from any
// goroutine, including from inside a handler. The payload is owned by
// the receiver after a successful enqueue; the sender must not touch
// it again.
func (b *Bus) Enqueue(ev Event) {
	b.mu.Lock()
	b.queue = append(b.queue, ev)
	b.mu.Unlock()
	b.signal()
}

// EnqueueNext inserts ev ahead of every event enqueued with Enqueue.
// Two events inserted with EnqueueNext in sequence are dispatched in
// their insertion order, both ahead of the regular queue. This is the
// primitive that lets a connection transmit its closing CLO/ERR
// before the teardown event that releases the slot.
func (b *Bus) EnqueueNext(ev Event) {
	b.mu.Lock()
	b.next = append(b.next, ev)
	b.mu.Unlock()
	b.signal()
}

func (b *Bus) signal() {
	select {
	case b.wake <- struct{}{}:
	default:
	}
}

// pop removes and returns the next event to dispatch, preferring the
// priority lane. ok is false when both lanes are empty.
func (b *Bus) pop() (Event, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.next) > 0 {
		ev := b.next[0]
		b.next = b.next[1:]
		return ev, true
	}
	if len(b.queue) > 0 {
		ev := b.queue[0]
		b.queue = b.queue[1:]
		return ev, true
	}
	return Event{}, false
}

func (b *Bus) enterDispatch() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.dispatching {
		panic("bus: recursive dispatch")
	}
	b.dispatching = true
}

func (b *Bus) leaveDispatch() {
	b.mu.Lock()
	b.dispatching = false
	b.mu.Unlock()
}

// Run dispatches events until ctx is canceled. It is the only place
// handlers execute; calling Run from two goroutines, or from inside a
// handler, panics.
func (b *Bus) Run(ctx context.Context) {
	b.enterDispatch()
	defer b.leaveDispatch()
	for {
		for {
			ev, ok := b.pop()
			if !ok {
				break
			}
			b.handler(ev)
		}
		select {
		case <-ctx.Done():
			return
		case <-b.wake:
		}
	}
}

// Drain dispatches events until both lanes are empty, then returns.
// Intended for tests that need deterministic, run-to-quiescence
// stepping instead of a long-lived Run goroutine.
func (b *Bus) Drain() {
	b.enterDispatch()
	defer b.leaveDispatch()
	for {
		ev, ok := b.pop()
		if !ok {
			return
		}
		b.handler(ev)
	}
}

// Len reports how many events are queued across both lanes.
func (b *Bus) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.next) + len(b.queue)
}
