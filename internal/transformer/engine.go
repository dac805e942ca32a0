// Package transformer is the declarative routing layer: it compiles
// routing_rule records into evaluable conditions and mapping
// templates, matches them against dispatched events through a pattern
// index, and renders the child events a rule's targets describe.
package transformer

import (
	"fmt"
	"sort"
	"strings"

	"github.com/ksi-run/ksid/internal/kevent"
	"github.com/ksi-run/ksid/internal/pattern"
	"github.com/ksi-run/ksid/internal/store"
)

// Target is a compiled fan-out destination.
type Target struct {
	EventName string
	Mapping   map[string]any
	Condition *Condition
}

// Rule is a compiled routing rule, ready for matching and application.
type Rule struct {
	Record    store.RuleRecord
	Condition *Condition
	Targets   []Target
}

// Engine indexes compiled rules by source pattern and applies them to
// dispatched events.
type Engine struct {
	idx   *pattern.Index
	rules map[string]*Rule
}

// New creates an empty transformer engine.
func New() *Engine {
	return &Engine{idx: pattern.New(), rules: make(map[string]*Rule)}
}

// Compile turns a stored rule record into a Rule, compiling its
// condition and every target's condition.
func Compile(rec store.RuleRecord) (*Rule, error) {
	cond, err := CompileCondition(rec.Condition)
	if err != nil {
		return nil, fmt.Errorf("rule %s: %w", rec.RuleID, err)
	}

	targets := make([]Target, len(rec.Targets))
	for i, t := range rec.Targets {
		tc, err := CompileCondition(t.Condition)
		if err != nil {
			return nil, fmt.Errorf("rule %s target %s: %w", rec.RuleID, t.EventName, err)
		}
		targets[i] = Target{EventName: t.EventName, Mapping: t.Mapping, Condition: tc}
	}

	return &Rule{Record: rec, Condition: cond, Targets: targets}, nil
}

// ValidateLoopSafety rejects a universal or self-matching rule unless
// it is declared loop_safe or excludes every target pattern that
// would otherwise re-match its own source (§4.2, scenario 5).
func ValidateLoopSafety(rec store.RuleRecord) error {
	if rec.LoopSafe {
		return nil
	}
	for _, t := range rec.Targets {
		if !patternMatches(rec.SourcePattern, t.EventName) {
			continue
		}
		if containsPattern(rec.ExcludePatterns, t.EventName) {
			continue
		}
		return fmt.Errorf(
			"rule %s: target %q matches its own source pattern %q; mark loop_safe or add it to exclude_patterns",
			rec.RuleID, t.EventName, rec.SourcePattern)
	}
	return nil
}

// Register validates and compiles rec, then installs it. Re-registering
// an existing rule id atomically replaces it.
func (e *Engine) Register(rec store.RuleRecord) error {
	if err := ValidateLoopSafety(rec); err != nil {
		return err
	}
	rule, err := Compile(rec)
	if err != nil {
		return err
	}

	e.idx.Register(rec.SourcePattern, pattern.Entry{ID: rec.RuleID, Priority: rec.Priority, Value: rule})
	e.rules[rec.RuleID] = rule
	return nil
}

// Unregister removes a rule by id.
func (e *Engine) Unregister(id string) {
	e.idx.Unregister(id)
	delete(e.rules, id)
}

// Get returns a registered rule by id.
func (e *Engine) Get(id string) (*Rule, bool) {
	r, ok := e.rules[id]
	return r, ok
}

// List returns every registered rule.
func (e *Engine) List() []*Rule {
	out := make([]*Rule, 0, len(e.rules))
	for _, r := range e.rules {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Record.RuleID < out[j].Record.RuleID })
	return out
}

// Emission is a child event synthesized by a transformer target,
// ready for the router to enqueue.
type Emission struct {
	EventName string
	Data      map[string]any
	Context   kevent.Context
	Async     bool
	RuleID    string
}

// Apply matches every rule registered against event's name and
// returns the emissions its targets produce, in priority-desc /
// registration-order (the order pattern.Index.LookupAll returns).
// Rules whose id already appears in event's trace are skipped and
// reported via the skipped-loop return slice.
func (e *Engine) Apply(event kevent.Event) (emissions []Emission, loopsSuppressed []string) {
	entries := e.idx.LookupAll(event.Name)

	ksiContext := contextToMap(event.Context)

	for _, entry := range entries {
		rule, ok := entry.Value.(*Rule)
		if !ok {
			continue
		}

		if event.Context.HasRuleID(rule.Record.RuleID) {
			loopsSuppressed = append(loopsSuppressed, rule.Record.RuleID)
			continue
		}

		matched, err := rule.Condition.Eval(event.Data, ksiContext)
		if err != nil || !matched {
			continue
		}

		for _, t := range rule.Targets {
			tMatched, err := t.Condition.Eval(event.Data, ksiContext)
			if err != nil || !tMatched {
				continue
			}

			rendered := RenderMapping(t.Mapping, event.Data, ksiContext, event.Name)
			renderedMap, ok := rendered.(map[string]any)
			if !ok {
				renderedMap = map[string]any{"value": rendered}
			}

			childCtx := kevent.Derive(t.EventName, renderedMap, &event.Context, "rule:"+rule.Record.RuleID).Context

			emissions = append(emissions, Emission{
				EventName: t.EventName,
				Data:      renderedMap,
				Context:   childCtx,
				Async:     rule.Record.Async,
				RuleID:    rule.Record.RuleID,
			})
		}
	}

	return emissions, loopsSuppressed
}

func contextToMap(c kevent.Context) map[string]any {
	return map[string]any{
		"event_id":        c.EventID,
		"parent_event_id": c.ParentEventID,
		"chain_id":        c.ChainID,
		"agent_id":        c.AgentID,
		"depth":           c.Depth,
		"originator": map[string]any{
			"kind":        string(c.Originator.Kind),
			"id":          c.Originator.ID,
			"return_path": c.Originator.ReturnPath,
		},
	}
}

// patternMatches reports whether name would be routed by pattern,
// using the same segment rules as the pattern index: a trailing "*"
// (including the bare universal pattern) matches the remainder, a
// mid-pattern "*" matches exactly one segment.
func patternMatches(ptn, name string) bool {
	pSegs := strings.Split(ptn, ":")
	nSegs := strings.Split(name, ":")

	for i, p := range pSegs {
		if p == "*" && i == len(pSegs)-1 {
			return i <= len(nSegs)
		}
		if i >= len(nSegs) {
			return false
		}
		if p == "*" {
			continue
		}
		if p != nSegs[i] {
			return false
		}
	}
	return len(pSegs) == len(nSegs)
}

func containsPattern(patterns []string, name string) bool {
	for _, p := range patterns {
		if patternMatches(p, name) {
			return true
		}
	}
	return false
}
