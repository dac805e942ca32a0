package completion

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeCaller struct {
	mu        sync.Mutex
	calls     []string
	failTimes int
	err       error
	reply     Reply
}

func (f *fakeCaller) Call(ctx context.Context, provider, model string, messages []map[string]any) (Reply, error) {
	f.mu.Lock()
	f.calls = append(f.calls, provider)
	shouldFail := f.failTimes > 0
	if shouldFail {
		f.failTimes--
	}
	f.mu.Unlock()

	if shouldFail {
		return Reply{}, &RetryableError{Err: errors.New("transient failure")}
	}
	if f.err != nil {
		return Reply{}, f.err
	}
	return f.reply, nil
}

func collectResults(n int) (EmitFunc, func() []ResultEvent) {
	var mu sync.Mutex
	results := make([]ResultEvent, 0, n)
	done := make(chan struct{}, n)
	emit := func(r ResultEvent) {
		mu.Lock()
		results = append(results, r)
		mu.Unlock()
		done <- struct{}{}
	}
	wait := func() []ResultEvent {
		for i := 0; i < n; i++ {
			select {
			case <-done:
			case <-time.After(2 * time.Second):
			}
		}
		mu.Lock()
		defer mu.Unlock()
		out := make([]ResultEvent, len(results))
		copy(out, results)
		return out
	}
	return emit, wait
}

func TestManager_AsyncSucceedsOnFirstCall(t *testing.T) {
	caller := &fakeCaller{reply: Reply{Data: map[string]any{"text": "hi"}}}
	emit, wait := collectResults(1)
	m := New(Config{CallTimeout: time.Second}, caller, nil, nil, emit, nil)

	m.Async(Request{RequestID: "r1", AgentID: "agent1", Provider: "openai"})

	results := wait()
	if len(results) != 1 || !results[0].Success {
		t.Fatalf("expected one successful result, got %+v", results)
	}
}

func TestManager_RetriesRetryableErrorsThenSucceeds(t *testing.T) {
	caller := &fakeCaller{failTimes: 2, reply: Reply{Data: map[string]any{"text": "ok"}}}
	emit, wait := collectResults(1)
	m := New(Config{CallTimeout: time.Second, MaxRetries: 3, RetryBaseDelay: time.Millisecond}, caller, nil, nil, emit, nil)

	m.Async(Request{RequestID: "r1", AgentID: "agent1", Provider: "openai"})

	results := wait()
	if len(results) != 1 || !results[0].Success {
		t.Fatalf("expected eventual success after retries, got %+v", results)
	}
	if len(caller.calls) != 3 {
		t.Fatalf("expected 3 calls (2 failures + 1 success), got %d", len(caller.calls))
	}
}

func TestManager_CircuitBreakerOpensAfterThreshold(t *testing.T) {
	caller := &fakeCaller{failTimes: 999}
	emit, wait := collectResults(2)
	m := New(Config{
		CallTimeout: time.Second, MaxRetries: 0,
		CircuitFailureThreshold: 1, CircuitWindow: time.Minute, CircuitCooldown: time.Minute,
	}, caller, nil, nil, emit, nil)

	m.Async(Request{RequestID: "r1", AgentID: "agent1", Provider: "openai"})
	m.Async(Request{RequestID: "r2", AgentID: "agent1", Provider: "openai"})

	results := wait()
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	foundUnavailable := false
	for _, r := range results {
		if r.ErrorKind == "error:provider_unavailable" {
			foundUnavailable = true
		}
	}
	if !foundUnavailable {
		t.Fatalf("expected at least one error:provider_unavailable result, got %+v", results)
	}
}

func TestManager_InjectOrderingAheadOfQueuedAsync(t *testing.T) {
	release := make(chan struct{})
	order := []string{}
	var mu sync.Mutex

	blockingCaller := callerFunc(func(ctx context.Context, provider, model string, messages []map[string]any) (Reply, error) {
		mu.Lock()
		id, _ := messages[0]["request_id"].(string)
		if id == "async1" {
			mu.Unlock()
			<-release
			mu.Lock()
		}
		order = append(order, id)
		mu.Unlock()
		return Reply{}, nil
	})

	emit, wait := collectResults(4)
	m := New(Config{CallTimeout: time.Second}, blockingCaller, nil, nil, emit, nil)

	m.Async(Request{RequestID: "async1", AgentID: "y", Messages: []map[string]any{{"request_id": "async1"}}})
	time.Sleep(20 * time.Millisecond)
	m.Async(Request{RequestID: "async2", AgentID: "y", Messages: []map[string]any{{"request_id": "async2"}}})
	m.Inject(Request{RequestID: "inject1", AgentID: "y", Messages: []map[string]any{{"request_id": "inject1"}}})
	m.Async(Request{RequestID: "async3", AgentID: "y", Messages: []map[string]any{{"request_id": "async3"}}})

	close(release)
	wait()

	mu.Lock()
	defer mu.Unlock()
	want := []string{"async1", "inject1", "async2", "async3"}
	if len(order) != len(want) {
		t.Fatalf("got call order %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("got call order %v, want %v", order, want)
		}
	}
}

func TestManager_CancelDropsQueuedAndCancelsInFlight(t *testing.T) {
	release := make(chan struct{})
	blockingCaller := callerFunc(func(ctx context.Context, provider, model string, messages []map[string]any) (Reply, error) {
		select {
		case <-release:
			return Reply{}, nil
		case <-ctx.Done():
			return Reply{}, ctx.Err()
		}
	})

	emit, wait := collectResults(3)
	m := New(Config{CallTimeout: time.Second}, blockingCaller, nil, nil, emit, nil)

	m.Async(Request{RequestID: "r1", AgentID: "z"})
	time.Sleep(20 * time.Millisecond)
	m.Async(Request{RequestID: "r2", AgentID: "z"})
	m.Async(Request{RequestID: "r3", AgentID: "z"})

	m.Cancel("z")

	results := wait()
	cancelledCount := 0
	for _, r := range results {
		if r.ErrorKind == "error:cancelled" {
			cancelledCount++
		}
	}
	if cancelledCount != 3 {
		t.Fatalf("expected all 3 requests to settle as cancelled, got %d of %+v", cancelledCount, results)
	}
	close(release)
}

type callerFunc func(ctx context.Context, provider, model string, messages []map[string]any) (Reply, error)

func (f callerFunc) Call(ctx context.Context, provider, model string, messages []map[string]any) (Reply, error) {
	return f(ctx, provider, model, messages)
}
