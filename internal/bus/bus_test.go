package bus

import (
	"context"
	"testing"
	"time"
)

func TestBus_FIFOOrder(t *testing.T) {
	var got []uint32
	b := New(func(ev Event) { got = append(got, ev.ElementID) })

	for i := uint32(1); i <= 5; i++ {
		b.Enqueue(Event{Kind: KindSCConnect, ElementID: i})
	}
	b.Drain()

	want := []uint32{1, 2, 3, 4, 5}
	if len(got) != len(want) {
		t.Fatalf("dispatched %d events, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("dispatch order %v, want %v", got, want)
		}
	}
}

func TestBus_EnqueueNextPairOrderedAheadOfQueue(t *testing.T) {
	var got []string
	var b *Bus
	b = New(func(ev Event) {
		got = append(got, ev.Kind.String())
		if ev.Kind == KindIntSCRcvFailure {
			// A failing connection emits its ERR then its teardown,
			// both ahead of anything else already queued.
			b.EnqueueNext(Event{Kind: KindIntSCSendError, ElementID: ev.ElementID})
			b.EnqueueNext(Event{Kind: KindIntSCClose, ElementID: ev.ElementID})
		}
	})

	b.Enqueue(Event{Kind: KindIntSCRcvFailure, ElementID: 1})
	b.Enqueue(Event{Kind: KindSCServiceSend, ElementID: 2})
	b.Enqueue(Event{Kind: KindSCServiceSend, ElementID: 3})
	b.Drain()

	want := []string{"INT_SC_RCV_FAILURE", "INT_SC_SND_ERR", "INT_SC_CLOSE", "SC_SERVICE_SND_MSG", "SC_SERVICE_SND_MSG"}
	if len(got) != len(want) {
		t.Fatalf("dispatched %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("dispatch order %v, want %v", got, want)
		}
	}
}

func TestBus_HandlerMayEnqueueDuringDispatch(t *testing.T) {
	count := 0
	var b *Bus
	b = New(func(ev Event) {
		count++
		if ev.ElementID < 3 {
			b.Enqueue(Event{Kind: ev.Kind, ElementID: ev.ElementID + 1})
		}
	})
	b.Enqueue(Event{Kind: KindSCConnect, ElementID: 1})
	b.Drain()
	if count != 3 {
		t.Fatalf("dispatched %d events, want 3", count)
	}
}

func TestBus_RecursiveDispatchPanics(t *testing.T) {
	var b *Bus
	b = New(func(ev Event) {
		defer func() {
			if recover() == nil {
				t.Error("nested Drain did not panic")
			}
		}()
		b.Drain()
	})
	b.Enqueue(Event{Kind: KindSCConnect, ElementID: 1})
	b.Drain()
}

func TestBus_RunStopsOnContextCancel(t *testing.T) {
	processed := make(chan struct{}, 1)
	b := New(func(ev Event) {
		select {
		case processed <- struct{}{}:
		default:
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		b.Run(ctx)
		close(done)
	}()

	b.Enqueue(Event{Kind: KindSCConnect, ElementID: 1})
	select {
	case <-processed:
	case <-time.After(2 * time.Second):
		t.Fatal("event was not dispatched by Run")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after context cancel")
	}
}
