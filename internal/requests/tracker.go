// Package requests implements the per-connection pending-request
// table and the countdown timers the secure connection FSM arms for
// connection establishment, token renewal and request timeouts.
package requests

import (
	"sync"
	"time"

	"github.com/sigurd-ua/opcua-secchan/internal/sctcp"
)

// PendingRequest is a request awaiting a response or a timeout,
// indexed by requestId.
type PendingRequest struct {
	RequestID     uint32
	RequestHandle uint32
	MsgType       sctcp.MessageType
	ConnID        uint32
	TimerID       TimerID
	Deadline      time.Time
}

// Tracker owns the pending-request table for one connection. It is
// not safe for use by more than one connection, but is safe for
// concurrent Add/Match/Sweep calls from that connection's reader and
// timer goroutines.
type Tracker struct {
	mu      sync.Mutex
	pending map[uint32]PendingRequest
}

// NewTracker returns an empty Tracker.
func NewTracker() *Tracker {
	return &Tracker{pending: make(map[uint32]PendingRequest)}
}

// Add registers a new pending request. It overwrites any existing
// entry for the same requestId.
func (t *Tracker) Add(pr PendingRequest) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pending[pr.RequestID] = pr
}

// Match removes and returns the pending request for requestId, if
// any response just arrived for it. The second return value is false
// if no such request was pending (a late or spurious response).
func (t *Tracker) Match(requestID uint32) (PendingRequest, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	pr, ok := t.pending[requestID]
	if ok {
		delete(t.pending, requestID)
	}
	return pr, ok
}

// Sweep removes and returns every pending request whose deadline is
// at or before now, for the caller to report as timed out. Called
// periodically, analogous to GapTracker.CheckGaps.
func (t *Tracker) Sweep(now time.Time) []PendingRequest {
	t.mu.Lock()
	defer t.mu.Unlock()
	var expired []PendingRequest
	for id, pr := range t.pending {
		if !pr.Deadline.After(now) {
			expired = append(expired, pr)
			delete(t.pending, id)
		}
	}
	return expired
}

// Len reports how many requests are currently pending.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// DrainAll removes and returns every pending request, used on
// connection teardown so each in-flight request can have its timer
// canceled and its owner notified exactly once.
func (t *Tracker) DrainAll() []PendingRequest {
	t.mu.Lock()
	defer t.mu.Unlock()
	var all []PendingRequest
	for id, pr := range t.pending {
		all = append(all, pr)
		delete(t.pending, id)
	}
	return all
}

// Cancel removes a pending request without returning it, used when a
// connection tears down and its in-flight requests must be dropped
// rather than timed out individually.
func (t *Tracker) Cancel(requestID uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.pending, requestID)
}
