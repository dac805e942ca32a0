package store

import (
	"path/filepath"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "ksid.db")
	s, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestEntity_PutGetDelete(t *testing.T) {
	s := openTestStore(t)

	e := Entity{ID: "e1", Type: "subscription", Properties: map[string]any{"pattern": "agent:*"}}
	if err := s.PutEntity(e); err != nil {
		t.Fatalf("PutEntity() error = %v", err)
	}

	got, ok, err := s.GetEntity("e1")
	if err != nil || !ok {
		t.Fatalf("GetEntity() = %+v, %v, %v", got, ok, err)
	}
	if got.Properties["pattern"] != "agent:*" {
		t.Errorf("Properties[pattern] = %v, want agent:*", got.Properties["pattern"])
	}

	if err := s.DeleteEntity("e1"); err != nil {
		t.Fatalf("DeleteEntity() error = %v", err)
	}
	_, ok, err = s.GetEntity("e1")
	if err != nil || ok {
		t.Fatalf("expected entity gone after delete, ok=%v err=%v", ok, err)
	}
}

func TestEntity_ListByTypeExcludesExpired(t *testing.T) {
	s := openTestStore(t)

	past := time.Now().UTC().Add(-time.Hour)
	future := time.Now().UTC().Add(time.Hour)

	if err := s.PutEntity(Entity{ID: "live", Type: "routing_rule", Properties: map[string]any{}, ExpiresAt: &future}); err != nil {
		t.Fatalf("put live: %v", err)
	}
	if err := s.PutEntity(Entity{ID: "dead", Type: "routing_rule", Properties: map[string]any{}, ExpiresAt: &past}); err != nil {
		t.Fatalf("put dead: %v", err)
	}

	entities, err := s.ListEntitiesByType("routing_rule")
	if err != nil {
		t.Fatalf("ListEntitiesByType() error = %v", err)
	}
	if len(entities) != 1 || entities[0].ID != "live" {
		t.Fatalf("ListEntitiesByType() = %+v, want only [live]", entities)
	}
}

func TestQueue_PushPopFIFOAndDeletesOnDrain(t *testing.T) {
	s := openTestStore(t)
	id := QueueID{Namespace: "agent:alpha", Key: "pending"}

	for i := 0; i < 3; i++ {
		if _, err := s.Push(id, map[string]any{"n": float64(i)}, 0); err != nil {
			t.Fatalf("Push(%d) error = %v", i, err)
		}
	}

	depth, err := s.QueueDepth(id)
	if err != nil || depth != 3 {
		t.Fatalf("QueueDepth() = %d, %v, want 3", depth, err)
	}

	items, err := s.Pop(id, 3)
	if err != nil {
		t.Fatalf("Pop() error = %v", err)
	}
	if len(items) != 3 {
		t.Fatalf("Pop() returned %d items, want 3", len(items))
	}
	for i, it := range items {
		if it.Data["n"] != float64(i) {
			t.Errorf("item[%d].Data[n] = %v, want %d (FIFO order)", i, it.Data["n"], i)
		}
	}

	depth, err = s.QueueDepth(id)
	if err != nil || depth != 0 {
		t.Fatalf("QueueDepth() after drain = %d, %v, want 0", depth, err)
	}

	seq, err := s.Push(id, map[string]any{"n": float64(99)}, 0)
	if err != nil {
		t.Fatalf("re-push after drain: %v", err)
	}
	if seq != 0 {
		t.Errorf("re-push seq = %d, want 0 (fresh sequence after drain)", seq)
	}
}

func TestQueue_PeekDoesNotRemove(t *testing.T) {
	s := openTestStore(t)
	id := QueueID{Namespace: "agent:beta", Key: "inbox"}

	if _, err := s.Push(id, map[string]any{"x": "a"}, 0); err != nil {
		t.Fatalf("Push() error = %v", err)
	}

	peeked, err := s.Peek(id, 10)
	if err != nil || len(peeked) != 1 {
		t.Fatalf("Peek() = %+v, %v, want 1 item", peeked, err)
	}

	depth, err := s.QueueDepth(id)
	if err != nil || depth != 1 {
		t.Fatalf("QueueDepth() after peek = %d, %v, want 1 (peek must not remove)", depth, err)
	}
}

func TestQueue_ExpiredQueuesAndExpire(t *testing.T) {
	s := openTestStore(t)
	id := QueueID{Namespace: "agent:gamma", Key: "watch"}

	if _, err := s.Push(id, map[string]any{}, -time.Second); err != nil {
		t.Fatalf("Push() error = %v", err)
	}

	expired, err := s.ExpiredQueues(time.Now().UTC())
	if err != nil {
		t.Fatalf("ExpiredQueues() error = %v", err)
	}
	if len(expired) != 1 || expired[0] != id {
		t.Fatalf("ExpiredQueues() = %+v, want [%+v]", expired, id)
	}

	if err := s.ExpireQueue(id); err != nil {
		t.Fatalf("ExpireQueue() error = %v", err)
	}
	depth, err := s.QueueDepth(id)
	if err != nil || depth != 0 {
		t.Fatalf("QueueDepth() after expire = %d, %v, want 0", depth, err)
	}
}

func TestEventsLog_AppendAndQuery(t *testing.T) {
	s := openTestStore(t)

	base := time.Now().UTC()
	events := []LoggedEvent{
		{ID: "e1", ChainID: "chain1", Name: "agent:spawned", Payload: map[string]any{"n": float64(1)}, Time: base},
		{ID: "e2", ChainID: "chain1", ParentID: "e1", Name: "completion:result", Payload: map[string]any{"n": float64(2)}, Time: base.Add(time.Second)},
		{ID: "e3", ChainID: "chain2", Name: "agent:spawned", Payload: map[string]any{"n": float64(3)}, Time: base.Add(2 * time.Second)},
	}
	if err := s.AppendEvents(events); err != nil {
		t.Fatalf("AppendEvents() error = %v", err)
	}

	byChain, err := s.QueryEvents(EventQuery{ChainID: "chain1"})
	if err != nil || len(byChain) != 2 {
		t.Fatalf("QueryEvents(chain1) = %+v, %v, want 2 events", byChain, err)
	}
	if byChain[0].ID != "e1" || byChain[1].ID != "e2" {
		t.Errorf("QueryEvents(chain1) order = %v, %v, want e1 then e2", byChain[0].ID, byChain[1].ID)
	}

	byPrefix, err := s.QueryEvents(EventQuery{NamePrefix: "agent:"})
	if err != nil || len(byPrefix) != 2 {
		t.Fatalf("QueryEvents(prefix agent:) = %+v, %v, want 2 events", byPrefix, err)
	}
}

func TestSubscription_PutListAndCascadeDelete(t *testing.T) {
	s := openTestStore(t)

	sub1 := Subscription{
		ID: "sub1", SubscriberID: "s1", Topics: []string{"agent:*"}, Delivery: "queue",
		Active: true, RuleIDs: []string{"rule1"}, ParentScopeType: "agent", ParentScopeID: "alpha",
	}
	sub2 := Subscription{
		ID: "sub2", SubscriberID: "s2", Topics: []string{"completion:*"}, Delivery: "event",
		Active: true, ParentScopeType: "agent", ParentScopeID: "beta",
	}
	if err := s.PutSubscription(sub1); err != nil {
		t.Fatalf("PutSubscription() error = %v", err)
	}
	if err := s.PutSubscription(sub2); err != nil {
		t.Fatalf("PutSubscription() error = %v", err)
	}

	subs, err := s.ListSubscriptions()
	if err != nil || len(subs) != 2 {
		t.Fatalf("ListSubscriptions() = %+v, %v, want 2", subs, err)
	}

	got, ok, err := s.GetSubscription("sub1")
	if err != nil || !ok || len(got.Topics) != 1 || got.Topics[0] != "agent:*" || len(got.RuleIDs) != 1 || got.RuleIDs[0] != "rule1" {
		t.Fatalf("GetSubscription(sub1) = %+v, %v, %v", got, ok, err)
	}

	deleted, err := s.DeleteSubscriptionsForAgent("alpha")
	if err != nil {
		t.Fatalf("DeleteSubscriptionsForAgent() error = %v", err)
	}
	if len(deleted) != 1 || deleted[0].ID != "sub1" {
		t.Fatalf("DeleteSubscriptionsForAgent() = %+v, want [sub1]", deleted)
	}

	remaining, err := s.ListSubscriptions()
	if err != nil || len(remaining) != 1 || remaining[0].ID != "sub2" {
		t.Fatalf("ListSubscriptions() after cascade = %+v, %v, want only sub2", remaining, err)
	}
}

func TestEphemeralRule_PutListTTLAndCascadeDelete(t *testing.T) {
	s := openTestStore(t)

	rule := RuleRecord{
		RuleID:          "r1",
		Namespace:       "ns",
		SourcePattern:   "agent:*",
		Condition:       "true",
		Targets:         []RuleTarget{{EventName: "notify:x", Mapping: map[string]any{"k": "v"}}},
		ParentScopeType: "agent",
		ParentScopeID:   "alpha",
		Priority:        10,
	}
	if err := s.PutEphemeralRule(rule); err != nil {
		t.Fatalf("PutEphemeralRule() error = %v", err)
	}

	rules, err := s.ListEphemeralRules()
	if err != nil || len(rules) != 1 {
		t.Fatalf("ListEphemeralRules() = %+v, %v, want 1", rules, err)
	}
	got := rules[0]
	if got.RuleID != "r1" || got.SourcePattern != "agent:*" || len(got.Targets) != 1 || got.Targets[0].EventName != "notify:x" {
		t.Fatalf("round-tripped rule = %+v, want fields preserved", got)
	}

	deleted, err := s.DeleteEphemeralRulesForAgent("alpha")
	if err != nil || len(deleted) != 1 {
		t.Fatalf("DeleteEphemeralRulesForAgent() = %v, %v, want [r1]", deleted, err)
	}
}

func TestUsage_RecordAndSummarize(t *testing.T) {
	s := openTestStore(t)

	base := time.Now().UTC()
	for i := 0; i < 2; i++ {
		u := UsageRecord{
			AgentID:      "alpha",
			Provider:     "local",
			Model:        "qwen3:4b",
			PromptTokens: 100,
			ReplyTokens:  50,
			CostCents:    0.5,
			Time:         base.Add(time.Duration(i) * time.Millisecond),
		}
		if err := s.RecordUsage(u); err != nil {
			t.Fatalf("RecordUsage(%d) error = %v", i, err)
		}
	}

	summary, err := s.SummarizeUsage("alpha", time.Time{})
	if err != nil {
		t.Fatalf("SummarizeUsage() error = %v", err)
	}
	if summary.CallCount != 2 || summary.PromptTokens != 200 || summary.ReplyTokens != 100 {
		t.Fatalf("summary = %+v, want CallCount=2 PromptTokens=200 ReplyTokens=100", summary)
	}
}
