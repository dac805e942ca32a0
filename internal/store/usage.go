package store

import (
	"fmt"
	"time"
)

// UsageRecord is one append-only ledger entry written by the
// completion queue after each successful provider call. SummarizeUsage
// aggregates the entries per agent; no event handler serves the summary
// and no quota is enforced from it.
type UsageRecord struct {
	AgentID      string
	Provider     string
	Model        string
	PromptTokens int
	ReplyTokens  int
	CostCents    float64
	Time         time.Time
}

// RecordUsage appends a usage entry. The events table doubles as the
// usage ledger: a usage record is just a normal logged event named
// "usage:recorded", keeping one append-only log instead of a second
// table with its own flush path.
func (s *Store) RecordUsage(u UsageRecord) error {
	payload := map[string]any{
		"agent_id":      u.AgentID,
		"provider":      u.Provider,
		"model":         u.Model,
		"prompt_tokens": u.PromptTokens,
		"reply_tokens":  u.ReplyTokens,
		"cost_cents":    u.CostCents,
	}
	err := s.AppendEvents([]LoggedEvent{{
		ID:      fmt.Sprintf("usage-%s-%d", u.AgentID, u.Time.UnixNano()),
		ChainID: u.AgentID,
		Name:    "usage:recorded",
		Payload: payload,
		Time:    u.Time,
	}})
	if err != nil {
		return fmt.Errorf("record usage for agent %s: %w", u.AgentID, err)
	}
	return nil
}

// UsageSummary aggregates ledger entries for one agent.
type UsageSummary struct {
	AgentID      string
	CallCount    int
	PromptTokens int
	ReplyTokens  int
	CostCents    float64
}

// SummarizeUsage aggregates recorded usage for agentID since the
// given time (zero value for all time).
func (s *Store) SummarizeUsage(agentID string, since time.Time) (UsageSummary, error) {
	events, err := s.QueryEvents(EventQuery{ChainID: agentID, NamePrefix: "usage:recorded", Since: since, Limit: 1_000_000})
	if err != nil {
		return UsageSummary{}, fmt.Errorf("summarize usage for agent %s: %w", agentID, err)
	}

	summary := UsageSummary{AgentID: agentID}
	for _, e := range events {
		summary.CallCount++
		if v, ok := e.Payload["prompt_tokens"].(float64); ok {
			summary.PromptTokens += int(v)
		}
		if v, ok := e.Payload["reply_tokens"].(float64); ok {
			summary.ReplyTokens += int(v)
		}
		if v, ok := e.Payload["cost_cents"].(float64); ok {
			summary.CostCents += v
		}
	}
	return summary, nil
}
