package runtime

import (
	"context"
	"testing"
	"time"

	"github.com/ksi-run/ksid/internal/completion"
	"github.com/ksi-run/ksid/internal/kevent"
	"github.com/ksi-run/ksid/internal/originator"
	"github.com/ksi-run/ksid/internal/pattern"
	"github.com/ksi-run/ksid/internal/scheduler"
	"github.com/ksi-run/ksid/internal/transformer"
)

func newTestRuntime(t *testing.T) (*Router, *Builtins) {
	t.Helper()
	idx := pattern.New()
	engine := transformer.New()
	st := newTestStore(t)
	sched := scheduler.New(nil)
	sched.Start()
	t.Cleanup(sched.Stop)

	r := New(testConfig(), idx, engine, originator.New(originator.DefaultConfig(), nil), nil, st, nil)
	r.Start()
	t.Cleanup(r.Shutdown)

	b := NewBuiltins(r, engine, st, sched, nil, nil)
	b.Install()
	return r, b
}

func emitSync(t *testing.T, r *Router, name string, data map[string]any) map[string]any {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	resp, err := r.Emit(ctx, name, data, nil, "test", PriorityNormal)
	if err != nil {
		t.Fatalf("Emit(%s) error: %v", name, err)
	}
	if len(resp) == 0 {
		return nil
	}
	return resp[0]
}

func TestBuiltins_RoutingAddRuleAndApply(t *testing.T) {
	r, _ := newTestRuntime(t)

	resp := emitSync(t, r, "routing:add_rule", map[string]any{
		"rule_id":           "r1",
		"source_pattern":    "order:placed",
		"persistence_class": "ephemeral",
		"targets": []any{
			map[string]any{"event": "billing:charge", "mapping": map[string]any{"amount": "{{amount}}"}},
		},
	})
	if resp["rule_id"] != "r1" {
		t.Fatalf("expected rule_id r1, got %+v", resp)
	}

	captured := make(chan kevent.Event, 1)
	r.RegisterHandler(&Handler{ID: "watch", Pattern: "billing:charge", Fn: func(ctx context.Context, e kevent.Event) (map[string]any, error) {
		captured <- e
		return nil, nil
	}})

	emitSync(t, r, "order:placed", map[string]any{"amount": 42})

	select {
	case e := <-captured:
		if e.Data["amount"] != float64(42) && e.Data["amount"] != 42 {
			t.Fatalf("expected amount 42 in mapped event, got %+v", e.Data)
		}
	case <-time.After(time.Second):
		t.Fatal("expected billing:charge to be dispatched from routing rule")
	}
}

func TestBuiltins_RoutingAddRuleRejectsUnsafeUniversal(t *testing.T) {
	r, _ := newTestRuntime(t)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := r.Emit(ctx, "routing:add_rule", map[string]any{
		"rule_id":        "r_bad",
		"source_pattern": "*",
		"targets": []any{
			map[string]any{"event": "monitor:broadcast"},
		},
	}, nil, "test", PriorityNormal)
	if err == nil {
		t.Fatal("expected error registering an unsafe universal rule")
	}
}

func TestBuiltins_AsyncStatePushPop(t *testing.T) {
	r, _ := newTestRuntime(t)

	emitSync(t, r, "async_state:push", map[string]any{
		"namespace": "ns1", "key": "k1", "data": map[string]any{"x": 1},
	})
	resp := emitSync(t, r, "async_state:pop", map[string]any{
		"namespace": "ns1", "key": "k1", "count": 1,
	})
	items, ok := resp["items"].([]map[string]any)
	if !ok || len(items) != 1 {
		t.Fatalf("expected 1 popped item, got %+v", resp)
	}
}

func TestBuiltins_PubsubSubscribeDeliversToQueue(t *testing.T) {
	r, _ := newTestRuntime(t)

	resp := emitSync(t, r, "pubsub:subscribe", map[string]any{
		"subscriber_id": "s1", "topics": []any{"agent:*"}, "delivery": "queue",
	})
	subID, _ := resp["subscription_id"].(string)
	if subID == "" {
		t.Fatal("expected a subscription_id")
	}

	emitSync(t, r, "agent:log", map[string]any{"agent_id": "a", "text": "hi"})

	// The transformer rule's fan-out is enqueued as an independent
	// event, so give the dispatch loop a moment to land it before
	// draining the queue.
	var msgsResp map[string]any
	for i := 0; i < 20; i++ {
		msgsResp = emitSync(t, r, "pubsub:get_messages", map[string]any{"subscriber_id": "s1"})
		if msgs, _ := msgsResp["messages"].([]map[string]any); len(msgs) > 0 {
			break
		}
		time.Sleep(25 * time.Millisecond)
	}

	msgs, ok := msgsResp["messages"].([]map[string]any)
	if !ok || len(msgs) != 1 {
		t.Fatalf("expected 1 queued message, got %+v", msgsResp)
	}
	msg := msgs[0]
	if msg["subscriber_id"] != "s1" || msg["topic"] != "agent:*" {
		t.Fatalf("unexpected queued message shape: %+v", msg)
	}
	eventData, _ := msg["event_data"].(map[string]any)
	if eventData["agent_id"] != "a" || eventData["text"] != "hi" {
		t.Fatalf("expected event_data to carry the triggering event's payload, got %+v", eventData)
	}

	// The queue drains on get_messages.
	drained := emitSync(t, r, "pubsub:get_messages", map[string]any{"subscriber_id": "s1"})
	if msgs, _ := drained["messages"].([]map[string]any); len(msgs) != 0 {
		t.Fatalf("expected get_messages to drain the queue, got %+v", drained)
	}

	emitSync(t, r, "pubsub:unsubscribe", map[string]any{"subscription_id": subID})
	emitSync(t, r, "agent:log", map[string]any{"agent_id": "a", "text": "bye"})
	time.Sleep(50 * time.Millisecond)
	afterUnsub := emitSync(t, r, "pubsub:get_messages", map[string]any{"subscriber_id": "s1"})
	if msgs, _ := afterUnsub["messages"].([]map[string]any); len(msgs) != 0 {
		t.Fatalf("expected no deliveries after unsubscribe, got %+v", afterUnsub)
	}
}

func TestBuiltins_AgentTerminatedCancelsCompletionAndCleansUp(t *testing.T) {
	idx := pattern.New()
	engine := transformer.New()
	st := newTestStore(t)
	sched := scheduler.New(nil)
	sched.Start()
	t.Cleanup(sched.Stop)

	r := New(testConfig(), idx, engine, nil, nil, st, nil)
	r.Start()
	t.Cleanup(r.Shutdown)

	caller := callerFuncForTest(func(ctx context.Context) (completion.Reply, error) {
		<-ctx.Done()
		return completion.Reply{}, ctx.Err()
	})
	comp := completion.New(completion.Config{CallTimeout: time.Second}, caller, nil, st, func(completion.ResultEvent) {}, nil)

	b := NewBuiltins(r, engine, st, sched, comp, nil)
	b.Install()

	emitSync(t, r, "completion:async", map[string]any{"agent_id": "a1"})
	time.Sleep(20 * time.Millisecond)

	resp := emitSync(t, r, "agent:terminated", map[string]any{"agent_id": "a1"})
	if resp["cleaned_up"] != true {
		t.Fatalf("expected cleaned_up true, got %+v", resp)
	}
}

type callerFuncForTest func(ctx context.Context) (completion.Reply, error)

func (f callerFuncForTest) Call(ctx context.Context, provider, model string, messages []map[string]any) (completion.Reply, error) {
	return f(ctx)
}
