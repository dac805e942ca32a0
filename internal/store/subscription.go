package store

import "fmt"

const entityTypeSubscription = "subscription"

// Subscription records a subscriber's standing interest in a set of
// topics (§3): {id, subscriber_id, topics[], delivery, config, active,
// parent_scope?}. RuleIDs tracks the transformer rules synthesized for
// this subscription (one per topic) so unsubscribing or a parent-scope
// teardown can cascade-unregister them.
type Subscription struct {
	ID              string
	SubscriberID    string
	Topics          []string
	Delivery        string
	Config          map[string]any
	Active          bool
	ParentScopeType string
	ParentScopeID   string
	RuleIDs         []string
}

// PutSubscription creates or replaces a subscription.
func (s *Store) PutSubscription(sub Subscription) error {
	topics := make([]any, len(sub.Topics))
	for i, t := range sub.Topics {
		topics[i] = t
	}
	ruleIDs := make([]any, len(sub.RuleIDs))
	for i, id := range sub.RuleIDs {
		ruleIDs[i] = id
	}
	config := sub.Config
	if config == nil {
		config = map[string]any{}
	}

	e := Entity{
		ID:   sub.ID,
		Type: entityTypeSubscription,
		Properties: map[string]any{
			"subscriber_id": sub.SubscriberID,
			"topics":        topics,
			"delivery":      sub.Delivery,
			"config":        config,
			"active":        sub.Active,
			"rule_ids":      ruleIDs,
			"parent_scope": map[string]any{
				"type": sub.ParentScopeType,
				"id":   sub.ParentScopeID,
			},
		},
	}
	if err := s.PutEntity(e); err != nil {
		return fmt.Errorf("put subscription %s: %w", sub.ID, err)
	}
	return nil
}

// GetSubscription returns a subscription by id.
func (s *Store) GetSubscription(id string) (Subscription, bool, error) {
	e, ok, err := s.GetEntity(id)
	if err != nil || !ok {
		return Subscription{}, ok, err
	}
	return subscriptionFromEntity(e), true, nil
}

// ListSubscriptions returns every live subscription.
func (s *Store) ListSubscriptions() ([]Subscription, error) {
	entities, err := s.ListEntitiesByType(entityTypeSubscription)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}

	subs := make([]Subscription, 0, len(entities))
	for _, e := range entities {
		subs = append(subs, subscriptionFromEntity(e))
	}
	return subs, nil
}

// ListSubscriptionsBySubscriber returns every subscription owned by
// subscriberID, for pubsub:unsubscribe callers that only know the
// subscriber and not the individual subscription ids.
func (s *Store) ListSubscriptionsBySubscriber(subscriberID string) ([]Subscription, error) {
	all, err := s.ListSubscriptions()
	if err != nil {
		return nil, err
	}
	out := make([]Subscription, 0, len(all))
	for _, sub := range all {
		if sub.SubscriberID == subscriberID {
			out = append(out, sub)
		}
	}
	return out, nil
}

// DeleteSubscription removes a subscription by id.
func (s *Store) DeleteSubscription(id string) error {
	return s.DeleteEntity(id)
}

// DeleteSubscriptionsForAgent cascade-deletes every subscription owned
// by agentID, called when the agent terminates. Returns the deleted
// subscriptions (not just their ids) so the caller can unregister the
// transformer rules each one synthesized.
func (s *Store) DeleteSubscriptionsForAgent(agentID string) ([]Subscription, error) {
	all, err := s.ListSubscriptions()
	if err != nil {
		return nil, fmt.Errorf("cascade-delete subscriptions for agent %s: %w", agentID, err)
	}

	var deleted []Subscription
	for _, sub := range all {
		if sub.ParentScopeType != "agent" || sub.ParentScopeID != agentID {
			continue
		}
		if err := s.DeleteEntity(sub.ID); err != nil {
			return deleted, fmt.Errorf("cascade-delete subscription %s: %w", sub.ID, err)
		}
		deleted = append(deleted, sub)
	}
	return deleted, nil
}

func subscriptionFromEntity(e Entity) Subscription {
	sub := Subscription{
		ID:           e.ID,
		SubscriberID: fmt.Sprint(e.Properties["subscriber_id"]),
		Delivery:     fmt.Sprint(e.Properties["delivery"]),
	}
	if topics, ok := e.Properties["topics"].([]any); ok {
		for _, t := range topics {
			sub.Topics = append(sub.Topics, fmt.Sprint(t))
		}
	}
	if config, ok := e.Properties["config"].(map[string]any); ok {
		sub.Config = config
	}
	if active, ok := e.Properties["active"].(bool); ok {
		sub.Active = active
	}
	if ruleIDs, ok := e.Properties["rule_ids"].([]any); ok {
		for _, id := range ruleIDs {
			sub.RuleIDs = append(sub.RuleIDs, fmt.Sprint(id))
		}
	}
	if scope, ok := e.Properties["parent_scope"].(map[string]any); ok {
		sub.ParentScopeType = fmt.Sprint(scope["type"])
		sub.ParentScopeID = fmt.Sprint(scope["id"])
	}
	return sub
}
