package requests

import (
	"testing"
	"time"

	"github.com/sigurd-ua/opcua-secchan/internal/sctcp"
)

func TestTracker_AddMatch(t *testing.T) {
	tr := NewTracker()
	tr.Add(PendingRequest{RequestID: 7, RequestHandle: 42, MsgType: sctcp.MsgSecure, ConnID: 1})

	pr, ok := tr.Match(7)
	if !ok {
		t.Fatal("Match(7): expected pending request")
	}
	if pr.RequestHandle != 42 || pr.ConnID != 1 {
		t.Fatalf("Match(7) = %+v, want handle 42 conn 1", pr)
	}
	if _, ok := tr.Match(7); ok {
		t.Fatal("Match(7): second match should fail, request already consumed")
	}
}

func TestTracker_MatchUnknownRequest(t *testing.T) {
	tr := NewTracker()
	if _, ok := tr.Match(99); ok {
		t.Fatal("Match(99): expected no pending request")
	}
}

func TestTracker_Sweep(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tr := NewTracker()
	tr.Add(PendingRequest{RequestID: 1, Deadline: now.Add(100 * time.Millisecond)})
	tr.Add(PendingRequest{RequestID: 2, Deadline: now.Add(10 * time.Second)})

	expired := tr.Sweep(now.Add(500 * time.Millisecond))
	if len(expired) != 1 || expired[0].RequestID != 1 {
		t.Fatalf("Sweep: expired = %+v, want only request 1", expired)
	}
	if tr.Len() != 1 {
		t.Fatalf("Len after sweep = %d, want 1", tr.Len())
	}
}

func TestTracker_DrainAll(t *testing.T) {
	tr := NewTracker()
	tr.Add(PendingRequest{RequestID: 1})
	tr.Add(PendingRequest{RequestID: 2})
	all := tr.DrainAll()
	if len(all) != 2 {
		t.Fatalf("DrainAll returned %d requests, want 2", len(all))
	}
	if tr.Len() != 0 {
		t.Fatalf("Len after drain = %d, want 0", tr.Len())
	}
}

func TestTimers_FireAndCancel(t *testing.T) {
	clock := NewManualClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	timers := NewTimers(clock)

	fired := 0
	id1 := timers.Arm(time.Second, func() { fired++ })
	id2 := timers.Arm(2*time.Second, func() { fired += 10 })

	timers.Cancel(id2)
	clock.Advance(3 * time.Second)

	if fired != 1 {
		t.Fatalf("fired = %d, want 1 (canceled timer must not fire)", fired)
	}
	if timers.Active() != 0 {
		t.Fatalf("Active = %d, want 0", timers.Active())
	}
	// Canceling an already-fired timer is a no-op.
	timers.Cancel(id1)
	timers.Cancel(0)
}

func TestTimers_FireOrderFollowsDeadlines(t *testing.T) {
	clock := NewManualClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	timers := NewTimers(clock)

	var order []int
	timers.Arm(3*time.Second, func() { order = append(order, 3) })
	timers.Arm(1*time.Second, func() { order = append(order, 1) })
	timers.Arm(2*time.Second, func() { order = append(order, 2) })

	clock.Advance(5 * time.Second)
	if len(order) != 3 || order[0] != 1 || order[1] != 2 || order[2] != 3 {
		t.Fatalf("fire order = %v, want [1 2 3]", order)
	}
}
