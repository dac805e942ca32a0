package completion

import "testing"

func TestAgentQueue_InjectJumpsAheadOfQueuedNotInFlight(t *testing.T) {
	q := newAgentQueue("y")

	q.enqueueAsync(Request{RequestID: "async1"})
	first, ok := q.dequeue()
	if !ok || first.RequestID != "async1" {
		t.Fatalf("expected async1 dispatched first, got %+v ok=%v", first, ok)
	}

	q.enqueueAsync(Request{RequestID: "async2"})
	q.enqueueAsync(Request{RequestID: "async3"})
	q.enqueueInject(Request{RequestID: "inject1"})

	q.complete()

	order := []string{}
	for {
		r, ok := q.dequeue()
		if !ok {
			break
		}
		order = append(order, r.RequestID)
		q.complete()
	}

	want := []string{"inject1", "async2", "async3"}
	if len(order) != len(want) {
		t.Fatalf("got order %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("got order %v, want %v", order, want)
		}
	}
}

func TestAgentQueue_DequeueFailsWhileInFlight(t *testing.T) {
	q := newAgentQueue("a")
	q.enqueueAsync(Request{RequestID: "r1"})
	if _, ok := q.dequeue(); !ok {
		t.Fatal("expected first dequeue to succeed")
	}
	q.enqueueAsync(Request{RequestID: "r2"})
	if _, ok := q.dequeue(); ok {
		t.Fatal("dequeue should fail while a call is in flight")
	}
}

func TestAgentQueue_CompleteTransitionsToIdleOrQueued(t *testing.T) {
	q := newAgentQueue("a")
	q.enqueueAsync(Request{RequestID: "r1"})
	q.dequeue()
	q.complete()
	if q.state != stateIdle {
		t.Fatalf("expected Idle after draining, got %v", q.state)
	}

	q.enqueueAsync(Request{RequestID: "r2"})
	q.enqueueAsync(Request{RequestID: "r3"})
	q.dequeue()
	q.complete()
	if q.state != stateQueued {
		t.Fatalf("expected Queued with work still pending, got %v", q.state)
	}
}

func TestAgentQueue_CancelAllDropsPendingAndCancelsInFlight(t *testing.T) {
	q := newAgentQueue("a")
	q.enqueueAsync(Request{RequestID: "r1"})
	q.enqueueAsync(Request{RequestID: "r2"})
	q.dequeue()

	cancelled := false
	q.inFlightCancel = func() { cancelled = true }

	dropped, hadInFlight := q.cancelAll()
	if !hadInFlight {
		t.Fatal("expected hadInFlight true")
	}
	if !cancelled {
		t.Fatal("expected inFlightCancel to be invoked")
	}
	if len(dropped) != 1 || dropped[0].RequestID != "r2" {
		t.Fatalf("expected only r2 in dropped pending, got %+v", dropped)
	}
	if q.state != stateIdle {
		t.Fatalf("expected Idle after cancelAll, got %v", q.state)
	}
	if q.depth() != 0 {
		t.Fatalf("expected depth 0 after cancelAll, got %d", q.depth())
	}
}

func TestAgentQueue_Depth(t *testing.T) {
	q := newAgentQueue("a")
	if q.depth() != 0 {
		t.Fatalf("expected depth 0 on empty queue, got %d", q.depth())
	}
	q.enqueueAsync(Request{RequestID: "r1"})
	q.enqueueAsync(Request{RequestID: "r2"})
	if q.depth() != 2 {
		t.Fatalf("expected depth 2, got %d", q.depth())
	}
	q.dequeue()
	if q.depth() != 2 {
		t.Fatalf("expected depth 2 (1 in flight + 1 pending), got %d", q.depth())
	}
}
