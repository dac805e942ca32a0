// Package kevent defines the immutable event value and the correlation
// context (_ksi_context) that propagates with every event dispatched
// through the runtime. Events are constructed only through [Derive];
// callers never build a Context by hand, which is what keeps chain_id,
// depth, and trace consistent across the whole system.
package kevent

import (
	"time"

	"github.com/google/uuid"
)

// OriginatorKind identifies who initiated a causal chain.
type OriginatorKind string

const (
	OriginatorAgent    OriginatorKind = "agent"
	OriginatorExternal OriginatorKind = "external"
	OriginatorSystem   OriginatorKind = "system"
)

// Originator is the entity that initiated a chain. ReturnPath, when
// set, is an event name that every downstream event on the chain
// mirrors to (see the originator/streaming layer).
type Originator struct {
	Kind       OriginatorKind `json:"kind"`
	ID         string         `json:"id"`
	ReturnPath string         `json:"return_path,omitempty"`
}

// TraceEntry records one hop of a chain for observability and loop
// prevention: which rule or component touched the event, and under
// what event name.
type TraceEntry struct {
	EventName string `json:"event_name"`
	Component string `json:"component"`
}

// Context is the correlation context embedded in every event crossing
// the socket as "_ksi_context". It is propagated, never mutated in
// place — each hop derives a new Context from its parent.
type Context struct {
	EventID       string      `json:"event_id"`
	ParentEventID string      `json:"parent_event_id,omitempty"`
	ChainID       string      `json:"chain_id"`
	Originator    Originator  `json:"originator"`
	AgentID       string      `json:"agent_id,omitempty"`
	Depth         int         `json:"depth"`
	Trace         []TraceEntry `json:"trace"`
}

// HasRuleID reports whether a transformer rule with the given id has
// already applied somewhere along this event's causal chain. Compared
// against TraceEntry.Component, which transformers set to "rule:<id>".
func (c Context) HasRuleID(ruleID string) bool {
	needle := "rule:" + ruleID
	for _, t := range c.Trace {
		if t.Component == needle {
			return true
		}
	}
	return false
}

// Event is an immutable, named, payload-bearing message dispatched
// through the router. Construct only via [Derive]; the zero value is
// not useful.
type Event struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Data      map[string]any `json:"data"`
	Context   Context        `json:"_ksi_context"`
	Timestamp time.Time      `json:"timestamp"`
	Monotonic int64          `json:"-"`
}

// rootOriginator is used when Derive is called with no parent context;
// the resulting event starts a brand new chain rooted at itself.
func rootOriginator(id string) Originator {
	return Originator{Kind: OriginatorSystem, ID: id}
}

// Derive builds the next event in a causal chain. When parent is nil,
// a new chain is started (chain_id = the new event's own id, depth 0,
// originator defaults to OriginatorSystem unless overridden by the
// caller via WithOriginator). When parent is non-nil, the new event
// inherits chain_id and originator, sets parent_event_id, and
// increments depth by one.
//
// component names the emitting hop for the trace (e.g. "router",
// "rule:<rule_id>", "handler:<pattern>"); it is appended to trace
// alongside name.
func Derive(name string, data map[string]any, parent *Context, component string) Event {
	id := uuid.NewString()
	now := time.Now()

	var ctx Context
	switch {
	case parent == nil:
		ctx = Context{
			EventID:    id,
			ChainID:    id,
			Originator: rootOriginator(id),
			Depth:      0,
		}
	default:
		ctx = Context{
			EventID:       id,
			ParentEventID: parent.EventID,
			ChainID:       parent.ChainID,
			Originator:    parent.Originator,
			AgentID:       parent.AgentID,
			Depth:         parent.Depth + 1,
			Trace:         append([]TraceEntry(nil), parent.Trace...),
		}
	}

	ctx.Trace = append(ctx.Trace, TraceEntry{EventName: name, Component: component})

	if data == nil {
		data = map[string]any{}
	}

	return Event{
		ID:        id,
		Name:      name,
		Data:      data,
		Context:   ctx,
		Timestamp: now,
		Monotonic: now.UnixNano(),
	}
}

// WithOriginator returns a copy of ctx with its originator replaced.
// Used by the transport layer when an inbound request declares
// originator.return_path, and has no parent context yet.
func (c Context) WithOriginator(o Originator) Context {
	c.Originator = o
	return c
}

// WithAgent returns a copy of ctx tagged with agentID. Used when an
// agent emits: the emission carries the agent's own id but still
// inherits the caller's originator (§4.5 "Agent chains").
func (c Context) WithAgent(agentID string) Context {
	c.AgentID = agentID
	return c
}
