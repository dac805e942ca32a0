package runtime

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/ksi-run/ksid/internal/completion"
	"github.com/ksi-run/ksid/internal/kevent"
	"github.com/ksi-run/ksid/internal/originator"
	"github.com/ksi-run/ksid/internal/scheduler"
	"github.com/ksi-run/ksid/internal/store"
	"github.com/ksi-run/ksid/internal/transformer"
)

// Builtins registers every core event the boundary consumes (§6) as
// Router handlers: routing, async-state, pubsub, completion, agent
// lifecycle, system, and monitor. It owns the wiring between the
// transformer engine, the state store, the scheduler, and the
// completion manager, so main only has to call Install once.
type Builtins struct {
	router      *Router
	engine      *transformer.Engine
	store       *store.Store
	scheduler   *scheduler.Scheduler
	completion  *completion.Manager
	originators *originator.Registry

	persistentRoutesDir string
	systemRoutesDir     string
}

// NewBuiltins wires the core event handlers. The completion manager,
// scheduler and originator registry may be nil in a reduced deployment
// (e.g. no completion manager configured): completion events then
// respond with an error, and timer or mirror steps are skipped. The
// engine is always used without a nil check, and so is the store in
// the async-state, pub/sub and monitor handlers.
func NewBuiltins(router *Router, engine *transformer.Engine, st *store.Store, sched *scheduler.Scheduler, comp *completion.Manager, origins *originator.Registry) *Builtins {
	return &Builtins{router: router, engine: engine, store: st, scheduler: sched, completion: comp, originators: origins}
}

// SetRoutesDirs records where persistent/system rule files live on
// disk, enabling system:reload_routes. Optional: without it,
// system:reload_routes reports an error rather than panicking.
func (b *Builtins) SetRoutesDirs(persistentDir, systemDir string) {
	b.persistentRoutesDir = persistentDir
	b.systemRoutesDir = systemDir
}

// Install registers every builtin handler on the router.
func (b *Builtins) Install() {
	reg := func(id, pattern string, fn HandlerFunc) {
		b.router.RegisterHandler(&Handler{ID: id, Pattern: pattern, Fn: fn})
	}

	reg("builtin:routing_add_rule", "routing:add_rule", b.routingAddRule)
	reg("builtin:routing_remove_rule", "routing:remove_rule", b.routingRemoveRule)
	reg("builtin:routing_list_rules", "routing:list_rules", b.routingListRules)

	reg("builtin:async_state_push", "async_state:push", b.asyncStatePush)
	reg("builtin:async_state_pop", "async_state:pop", b.asyncStatePop)
	reg("builtin:async_state_get_queue", "async_state:get_queue", b.asyncStateGetQueue)
	reg("builtin:async_state_expire_queue", "async_state:expire_queue", b.asyncStateExpireQueue)

	reg("builtin:pubsub_subscribe", "pubsub:subscribe", b.pubsubSubscribe)
	reg("builtin:pubsub_unsubscribe", "pubsub:unsubscribe", b.pubsubUnsubscribe)
	reg("builtin:pubsub_get_messages", "pubsub:get_messages", b.pubsubGetMessages)

	reg("builtin:completion_async", "completion:async", b.completionAsync)
	reg("builtin:completion_inject", "completion:inject", b.completionInject)

	reg("builtin:agent_spawned", "agent:spawned", b.agentSpawned)
	reg("builtin:agent_terminated", "agent:terminated", b.agentTerminated)

	reg("builtin:system_discover", "system:discover", b.systemDiscover)
	reg("builtin:system_reload_routes", "system:reload_routes", b.systemReloadRoutes)

	reg("builtin:monitor_get_events", "monitor:get_events", b.monitorGetEvents)
}

func dataString(data map[string]any, key string) string {
	v, _ := data[key].(string)
	return v
}

func dataInt(data map[string]any, key string) int {
	switch v := data[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return 0
}

func dataBool(data map[string]any, key string) bool {
	v, _ := data[key].(bool)
	return v
}

// routingAddRule implements §4.4/§6's routing:add_rule: compiles and
// registers the rule. An ephemeral rule is also written to the state
// store and, if it declares a TTL, gets an expiry timer. Rules of other
// persistence classes are registered in memory only and are not
// written to disk.
func (b *Builtins) routingAddRule(ctx context.Context, e kevent.Event) (map[string]any, error) {
	rec, err := ruleRecordFromData(e.Data)
	if err != nil {
		return nil, err
	}

	if err := transformer.ValidateLoopSafety(rec); err != nil {
		return nil, err
	}
	if err := b.engine.Register(rec); err != nil {
		return nil, err
	}

	if rec.PersistenceClass == store.PersistenceEphemeral && b.store != nil {
		if err := b.store.PutEphemeralRule(rec); err != nil {
			return nil, fmt.Errorf("persist ephemeral rule: %w", err)
		}
		if rec.TTLSeconds > 0 && b.scheduler != nil {
			deadline := time.Now().Add(time.Duration(rec.TTLSeconds) * time.Second)
			b.scheduler.ScheduleOnce("rule:"+rec.RuleID, deadline, func() {
				b.engine.Unregister(rec.RuleID)
				_ = b.store.DeleteEphemeralRule(rec.RuleID)
			})
		}
	}

	return map[string]any{"rule_id": rec.RuleID}, nil
}

func ruleRecordFromData(data map[string]any) (store.RuleRecord, error) {
	ruleID := dataString(data, "rule_id")
	if ruleID == "" {
		ruleID = uuid.NewString()
	}
	sourcePattern := dataString(data, "source_pattern")
	if sourcePattern == "" {
		return store.RuleRecord{}, fmt.Errorf("routing:add_rule requires source_pattern")
	}

	rec := store.RuleRecord{
		RuleID:            ruleID,
		SourcePattern:     sourcePattern,
		Condition:         dataString(data, "condition"),
		Async:             dataBool(data, "async"),
		TTLSeconds:        dataInt(data, "ttl_seconds"),
		PersistenceClass:  store.PersistenceClass(dataString(data, "persistence_class")),
		Priority:          dataInt(data, "priority"),
		LoopSafe:          dataBool(data, "loop_safe"),
	}
	if rec.Priority == 0 {
		rec.Priority = 100
	}
	if rec.PersistenceClass == "" {
		rec.PersistenceClass = store.PersistenceEphemeral
	}

	if scope, ok := data["parent_scope"].(map[string]any); ok {
		rec.ParentScopeType = dataString(scope, "type")
		rec.ParentScopeID = dataString(scope, "id")
	}

	if raw, ok := data["exclude_patterns"].([]any); ok {
		for _, p := range raw {
			if s, ok := p.(string); ok {
				rec.ExcludePatterns = append(rec.ExcludePatterns, s)
			}
		}
	}

	targetsRaw, _ := data["targets"].([]any)
	for _, tr := range targetsRaw {
		tm, ok := tr.(map[string]any)
		if !ok {
			continue
		}
		target := store.RuleTarget{
			EventName: dataString(tm, "event"),
			Condition: dataString(tm, "condition"),
		}
		if mapping, ok := tm["mapping"].(map[string]any); ok {
			target.Mapping = mapping
		}
		rec.Targets = append(rec.Targets, target)
	}
	if len(rec.Targets) == 0 {
		return store.RuleRecord{}, fmt.Errorf("routing:add_rule requires at least one target")
	}

	return rec, nil
}

func (b *Builtins) routingRemoveRule(ctx context.Context, e kevent.Event) (map[string]any, error) {
	ruleID := dataString(e.Data, "rule_id")
	if ruleID == "" {
		return nil, fmt.Errorf("routing:remove_rule requires rule_id")
	}
	b.engine.Unregister(ruleID)
	if b.scheduler != nil {
		b.scheduler.Cancel("rule:" + ruleID)
	}
	if b.store != nil {
		_ = b.store.DeleteEphemeralRule(ruleID)
	}
	return map[string]any{"rule_id": ruleID, "removed": true}, nil
}

func (b *Builtins) routingListRules(ctx context.Context, e kevent.Event) (map[string]any, error) {
	rules := b.engine.List()
	out := make([]map[string]any, 0, len(rules))
	for _, r := range rules {
		out = append(out, map[string]any{
			"rule_id":        r.Record.RuleID,
			"source_pattern": r.Record.SourcePattern,
			"priority":       r.Record.Priority,
		})
	}
	return map[string]any{"rules": out}, nil
}

// asyncStatePush/Pop/GetQueue/ExpireQueue implement §3/§4.7's queue
// entity: push/pop/peek/expire with namespace:key addressing.
func (b *Builtins) asyncStatePush(ctx context.Context, e kevent.Event) (map[string]any, error) {
	id := store.QueueID{Namespace: dataString(e.Data, "namespace"), Key: dataString(e.Data, "key")}
	var ttl time.Duration
	if secs := dataInt(e.Data, "ttl_seconds"); secs > 0 {
		ttl = time.Duration(secs) * time.Second
	}
	payload, _ := e.Data["data"].(map[string]any)
	seq, err := b.store.Push(id, payload, ttl)
	if err != nil {
		return nil, err
	}
	return map[string]any{"seq": seq}, nil
}

func (b *Builtins) asyncStatePop(ctx context.Context, e kevent.Event) (map[string]any, error) {
	id := store.QueueID{Namespace: dataString(e.Data, "namespace"), Key: dataString(e.Data, "key")}
	count := dataInt(e.Data, "count")
	if count <= 0 {
		count = 1
	}
	items, err := b.store.Pop(id, count)
	if err != nil {
		return nil, err
	}
	return map[string]any{"items": queueItemsToAny(items)}, nil
}

func (b *Builtins) asyncStateGetQueue(ctx context.Context, e kevent.Event) (map[string]any, error) {
	id := store.QueueID{Namespace: dataString(e.Data, "namespace"), Key: dataString(e.Data, "key")}
	count := dataInt(e.Data, "count")
	if count <= 0 {
		count = 1000
	}
	items, err := b.store.Peek(id, count)
	if err != nil {
		return nil, err
	}
	return map[string]any{"items": queueItemsToAny(items)}, nil
}

func (b *Builtins) asyncStateExpireQueue(ctx context.Context, e kevent.Event) (map[string]any, error) {
	id := store.QueueID{Namespace: dataString(e.Data, "namespace"), Key: dataString(e.Data, "key")}
	if err := b.store.ExpireQueue(id); err != nil {
		return nil, err
	}
	return map[string]any{"expired": true}, nil
}

func queueItemsToAny(items []store.QueueItem) []map[string]any {
	out := make([]map[string]any, len(items))
	for i, it := range items {
		out[i] = map[string]any{"seq": it.Seq, "data": it.Data}
	}
	return out
}

// pubsubSubscribe/Unsubscribe/GetMessages implement the subscription
// entity from §3: a standing interest in topics, delivered by
// synthesizing one transformer rule per topic rather than by any
// separate dispatch path. A subscribe call is really sugar over
// routing:add_rule, one rule per (subscriber, topic, delivery mode);
// unsubscribing cascades to every rule it synthesized, the same
// cascade routingRemoveRule and agentTerminated already perform for
// directly-submitted rules.
func (b *Builtins) pubsubSubscribe(ctx context.Context, e kevent.Event) (map[string]any, error) {
	subscriberID := dataString(e.Data, "subscriber_id")
	if subscriberID == "" {
		return nil, fmt.Errorf("pubsub:subscribe requires subscriber_id")
	}
	var topics []string
	if raw, ok := e.Data["topics"].([]any); ok {
		for _, t := range raw {
			if s, ok := t.(string); ok {
				topics = append(topics, s)
			}
		}
	}
	if len(topics) == 0 {
		return nil, fmt.Errorf("pubsub:subscribe requires topics")
	}
	delivery := dataString(e.Data, "delivery")
	if delivery == "" {
		delivery = "event"
	}
	config, _ := e.Data["config"].(map[string]any)

	sub := store.Subscription{
		ID:           uuid.NewString(),
		SubscriberID: subscriberID,
		Topics:       topics,
		Delivery:     delivery,
		Config:       config,
		Active:       true,
	}
	if scope, ok := e.Data["parent_scope"].(map[string]any); ok {
		sub.ParentScopeType = dataString(scope, "type")
		sub.ParentScopeID = dataString(scope, "id")
	}

	for _, topic := range topics {
		rec, err := subscriptionRuleRecord(sub, topic)
		if err != nil {
			return nil, err
		}
		if err := b.engine.Register(rec); err != nil {
			b.unregisterSubscriptionRules(sub)
			return nil, fmt.Errorf("pubsub:subscribe register rule for topic %s: %w", topic, err)
		}
		if b.store != nil {
			if err := b.store.PutEphemeralRule(rec); err != nil {
				b.unregisterSubscriptionRules(sub)
				return nil, fmt.Errorf("persist subscription rule: %w", err)
			}
		}
		sub.RuleIDs = append(sub.RuleIDs, rec.RuleID)
	}

	if b.store != nil {
		if err := b.store.PutSubscription(sub); err != nil {
			b.unregisterSubscriptionRules(sub)
			return nil, err
		}
	}
	return map[string]any{"subscription_id": sub.ID, "rule_ids": sub.RuleIDs}, nil
}

// subscriptionRuleRecord builds the transformer rule that delivers
// events matching topic to sub's subscriber, per its delivery mode.
// topic and subscriber_id are baked in as literal mapping values
// rather than templated from the triggering event, since
// {{__source_event__}} resolves to the specific event name that
// matched (e.g. "agent:log"), not the subscribed pattern.
func subscriptionRuleRecord(sub store.Subscription, topic string) (store.RuleRecord, error) {
	rec := store.RuleRecord{
		RuleID:           "pubsub:" + sub.ID + ":" + uuid.NewString(),
		SourcePattern:    topic,
		PersistenceClass: store.PersistenceEphemeral,
		Priority:         100,
		ParentScopeType:  "subscription",
		ParentScopeID:    sub.ID,
		LoopSafe:         true,
	}

	switch sub.Delivery {
	case "queue":
		rec.Targets = []store.RuleTarget{{
			EventName: "async_state:push",
			Mapping: map[string]any{
				"namespace": "pubsub",
				"key":       sub.SubscriberID,
				"data": map[string]any{
					"subscriber_id": sub.SubscriberID,
					"topic":         topic,
					"event_data":    "{{$}}",
				},
			},
		}}
	case "stream":
		rec.Targets = []store.RuleTarget{{
			EventName: "monitor:broadcast",
			Mapping: map[string]any{
				"subscriber_id": sub.SubscriberID,
				"topic":         topic,
				"event_data":    "{{$}}",
			},
		}}
	case "inject":
		agentID := dataString(sub.Config, "agent_id")
		if agentID == "" {
			agentID = sub.SubscriberID
		}
		rec.Targets = []store.RuleTarget{{
			EventName: "completion:inject",
			Mapping: map[string]any{
				"request_id": "{{_ksi_context.event_id}}",
				"agent_id":   agentID,
				"provider":   dataString(sub.Config, "provider"),
				"model":      dataString(sub.Config, "model"),
				"messages": []any{
					map[string]any{"role": "system", "content": "pubsub:" + topic},
					map[string]any{"role": "user", "content": "{{$}}"},
				},
			},
		}}
	case "event":
		rec.Targets = []store.RuleTarget{{
			EventName: "pubsub:deliver",
			Mapping: map[string]any{
				"subscriber_id": sub.SubscriberID,
				"topic":         topic,
				"event_data":    "{{$}}",
			},
		}}
	default:
		return store.RuleRecord{}, fmt.Errorf("pubsub:subscribe: unknown delivery mode %q", sub.Delivery)
	}
	return rec, nil
}

func (b *Builtins) unregisterSubscriptionRules(sub store.Subscription) {
	for _, ruleID := range sub.RuleIDs {
		b.engine.Unregister(ruleID)
		if b.scheduler != nil {
			b.scheduler.Cancel("rule:" + ruleID)
		}
		if b.store != nil {
			_ = b.store.DeleteEphemeralRule(ruleID)
		}
	}
}

func (b *Builtins) pubsubUnsubscribe(ctx context.Context, e kevent.Event) (map[string]any, error) {
	var subs []store.Subscription
	switch {
	case dataString(e.Data, "subscription_id") != "":
		sub, ok, err := b.store.GetSubscription(dataString(e.Data, "subscription_id"))
		if err != nil {
			return nil, err
		}
		if ok {
			subs = append(subs, sub)
		}
	case dataString(e.Data, "subscriber_id") != "":
		found, err := b.store.ListSubscriptionsBySubscriber(dataString(e.Data, "subscriber_id"))
		if err != nil {
			return nil, err
		}
		subs = found
	default:
		return nil, fmt.Errorf("pubsub:unsubscribe requires subscription_id or subscriber_id")
	}

	removed := make([]string, 0, len(subs))
	for _, sub := range subs {
		b.unregisterSubscriptionRules(sub)
		if err := b.store.DeleteSubscription(sub.ID); err != nil {
			return nil, err
		}
		removed = append(removed, sub.ID)
	}
	return map[string]any{"subscription_ids": removed, "removed": true}, nil
}

// pubsubGetMessages drains the queue-delivery mailbox for subscriberID
// (namespace "pubsub", key subscriber_id), the same pop-empties-queue
// round trip asyncStatePop uses.
func (b *Builtins) pubsubGetMessages(ctx context.Context, e kevent.Event) (map[string]any, error) {
	subscriberID := dataString(e.Data, "subscriber_id")
	if subscriberID == "" {
		return nil, fmt.Errorf("pubsub:get_messages requires subscriber_id")
	}

	id := store.QueueID{Namespace: "pubsub", Key: subscriberID}
	depth, err := b.store.QueueDepth(id)
	if err != nil {
		return nil, err
	}
	if depth == 0 {
		return map[string]any{"messages": []map[string]any{}}, nil
	}

	items, err := b.store.Pop(id, depth)
	if err != nil {
		return nil, err
	}
	out := make([]map[string]any, len(items))
	for i, it := range items {
		out[i] = it.Data
	}
	return map[string]any{"messages": out}, nil
}

// completionAsync/Inject implement §4.6's entry points.
func (b *Builtins) completionAsync(ctx context.Context, e kevent.Event) (map[string]any, error) {
	if b.completion == nil {
		return nil, fmt.Errorf("completion queue not configured")
	}
	req := completionRequestFromEvent(e)
	b.completion.Async(req)
	return map[string]any{"request_id": req.RequestID}, nil
}

func (b *Builtins) completionInject(ctx context.Context, e kevent.Event) (map[string]any, error) {
	if b.completion == nil {
		return nil, fmt.Errorf("completion queue not configured")
	}
	req := completionRequestFromEvent(e)
	b.completion.Inject(req)
	return map[string]any{"request_id": req.RequestID}, nil
}

func completionRequestFromEvent(e kevent.Event) completion.Request {
	req := completion.Request{
		RequestID:  dataString(e.Data, "request_id"),
		AgentID:    dataString(e.Data, "agent_id"),
		Provider:   dataString(e.Data, "provider"),
		Model:      dataString(e.Data, "model"),
		NeedsTools: dataBool(e.Data, "needs_tools"),
	}
	if msgs, ok := e.Data["messages"].([]any); ok {
		for _, m := range msgs {
			if mm, ok := m.(map[string]any); ok {
				req.Messages = append(req.Messages, mm)
			}
		}
	}
	return req
}

// agentSpawned/Terminated implement §3's reactive lifecycle cleanup:
// an agent's own entities, ephemeral rules, and subscriptions are
// scoped by parent_scope and torn down on termination.
func (b *Builtins) agentSpawned(ctx context.Context, e kevent.Event) (map[string]any, error) {
	return nil, nil
}

func (b *Builtins) agentTerminated(ctx context.Context, e kevent.Event) (map[string]any, error) {
	agentID := dataString(e.Data, "agent_id")
	if agentID == "" {
		return nil, fmt.Errorf("agent:terminated requires agent_id")
	}
	if b.completion != nil {
		b.completion.Cancel(agentID)
	}
	if b.store != nil {
		removedSubs, _ := b.store.DeleteSubscriptionsForAgent(agentID)
		for _, sub := range removedSubs {
			b.unregisterSubscriptionRules(sub)
		}
		removedRules, _ := b.store.DeleteEphemeralRulesForAgent(agentID)
		for _, ruleID := range removedRules {
			b.engine.Unregister(ruleID)
			if b.scheduler != nil {
				b.scheduler.Cancel("rule:" + ruleID)
			}
		}
		if ids, err := b.store.DeleteEntitiesByParentScope("", "agent", agentID); err == nil {
			for _, id := range ids {
				if b.scheduler != nil {
					b.scheduler.Cancel(id)
				}
			}
		}
	}
	return map[string]any{"agent_id": agentID, "cleaned_up": true}, nil
}

// systemDiscover is the introspection surface backing `ksid discover`.
// queue_count/completion_depth are stubbed at 0: the store has no
// cross-namespace "how many queues exist" query and the completion
// manager doesn't expose its per-agent queue depths to callers outside
// itself, so there's nothing to aggregate yet.
func (b *Builtins) systemDiscover(ctx context.Context, e kevent.Event) (map[string]any, error) {
	rules := b.engine.List()
	return map[string]any{
		"rule_count":       len(rules),
		"queue_count":      0,
		"completion_depth": 0,
	}, nil
}

// systemReloadRoutes backs `ksid reload-routes`: re-reads every
// persistent and system rule file from disk and replaces the engine's
// current persistent/system rules with what's found, leaving ephemeral
// (runtime-registered) rules untouched.
func (b *Builtins) systemReloadRoutes(ctx context.Context, e kevent.Event) (map[string]any, error) {
	if b.persistentRoutesDir == "" && b.systemRoutesDir == "" {
		return nil, fmt.Errorf("system:reload_routes: no routes directories configured")
	}

	for _, r := range b.engine.List() {
		if r.Record.PersistenceClass == store.PersistencePersistent || r.Record.PersistenceClass == store.PersistenceSystem {
			b.engine.Unregister(r.Record.RuleID)
		}
	}

	loaded := 0
	for dir, class := range map[string]store.PersistenceClass{
		b.persistentRoutesDir: store.PersistencePersistent,
		b.systemRoutesDir:     store.PersistenceSystem,
	} {
		if dir == "" {
			continue
		}
		recs, err := store.LoadRuleFiles(dir, class)
		if err != nil {
			return nil, fmt.Errorf("reload routes from %s: %w", dir, err)
		}
		for _, rec := range recs {
			if err := b.engine.Register(rec); err != nil {
				return nil, fmt.Errorf("register rule %s: %w", rec.RuleID, err)
			}
			loaded++
		}
	}

	return map[string]any{"reloaded": loaded}, nil
}

// monitorGetEvents backs monitor:get_events with a direct event-log
// query. No monitor:subscribe_stream handler is registered; live
// streaming is served by the monitor websocket endpoint against the
// monitor bus.
func (b *Builtins) monitorGetEvents(ctx context.Context, e kevent.Event) (map[string]any, error) {
	q := store.EventQuery{
		ChainID:    dataString(e.Data, "chain_id"),
		NamePrefix: dataString(e.Data, "name_prefix"),
		Limit:      dataInt(e.Data, "limit"),
	}
	events, err := b.store.QueryEvents(q)
	if err != nil {
		return nil, err
	}
	out := make([]map[string]any, len(events))
	for i, ev := range events {
		out[i] = map[string]any{"id": ev.ID, "chain_id": ev.ChainID, "name": ev.Name, "data": ev.Payload, "ts": ev.Time}
	}
	return map[string]any{"events": out}, nil
}
