package store

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const entityTypeRule = "routing_rule"

// PersistenceClass controls where a transformer rule's definition
// lives. Ephemeral rules exist only in the state database and vanish
// on an agent's disconnect or TTL expiry; persistent and system rules
// are loaded from YAML files on disk at startup and survive restarts.
type PersistenceClass string

const (
	PersistenceEphemeral  PersistenceClass = "ephemeral"
	PersistencePersistent PersistenceClass = "persistent"
	PersistenceSystem     PersistenceClass = "system"
)

// RuleRecord is the storage-layer shape of a transformer rule. The
// transformer package owns compiling Condition/Mapping into an
// evaluable form; this package only persists and loads the raw
// fields.
type RuleRecord struct {
	RuleID            string
	Namespace         string
	SourcePattern     string
	Condition         string
	Targets           []RuleTarget
	Async             bool
	TTLSeconds        int
	ParentScopeType   string
	ParentScopeID     string
	PersistenceClass  PersistenceClass
	Priority          int
	Name              string
	Description       string
	ExcludePatterns   []string
	LoopSafe          bool
}

// RuleTarget is one fan-out destination of a rule.
type RuleTarget struct {
	EventName string         `yaml:"event"`
	Mapping   map[string]any `yaml:"mapping"`
	Condition string         `yaml:"condition"`
}

// PutEphemeralRule persists a rule created at runtime (e.g. via
// routing:add_rule with persistence_class "ephemeral") as an entity
// row. On the next process start every stored ephemeral rule whose TTL
// has not elapsed is registered again, with a new timer for its full
// TTL if it declares one; a rule without a TTL stays until it is removed.
func (s *Store) PutEphemeralRule(r RuleRecord) error {
	e := Entity{
		ID:         r.RuleID,
		Type:       entityTypeRule,
		Properties: ruleToProperties(r),
	}
	if r.TTLSeconds > 0 {
		t := time.Now().UTC().Add(time.Duration(r.TTLSeconds) * time.Second)
		e.ExpiresAt = &t
	}
	if err := s.PutEntity(e); err != nil {
		return fmt.Errorf("put ephemeral rule %s: %w", r.RuleID, err)
	}
	return nil
}

// ListEphemeralRules returns every live ephemeral rule.
func (s *Store) ListEphemeralRules() ([]RuleRecord, error) {
	entities, err := s.ListEntitiesByType(entityTypeRule)
	if err != nil {
		return nil, fmt.Errorf("list ephemeral rules: %w", err)
	}
	rules := make([]RuleRecord, 0, len(entities))
	for _, e := range entities {
		rules = append(rules, propertiesToRule(e.ID, e.Properties))
	}
	return rules, nil
}

// DeleteEphemeralRule removes a rule by id.
func (s *Store) DeleteEphemeralRule(id string) error {
	return s.DeleteEntity(id)
}

// DeleteEphemeralRulesForAgent cascade-deletes rules scoped to an
// agent that has terminated.
func (s *Store) DeleteEphemeralRulesForAgent(agentID string) ([]string, error) {
	return s.DeleteEntitiesByParentScope(entityTypeRule, "agent", agentID)
}

func ruleToProperties(r RuleRecord) map[string]any {
	targets := make([]any, len(r.Targets))
	for i, t := range r.Targets {
		targets[i] = map[string]any{
			"event":     t.EventName,
			"mapping":   t.Mapping,
			"condition": t.Condition,
		}
	}
	excludes := make([]any, len(r.ExcludePatterns))
	for i, p := range r.ExcludePatterns {
		excludes[i] = p
	}
	return map[string]any{
		"namespace":        r.Namespace,
		"source_pattern":   r.SourcePattern,
		"condition":        r.Condition,
		"targets":          targets,
		"async":            r.Async,
		"ttl_seconds":      r.TTLSeconds,
		"priority":         r.Priority,
		"name":             r.Name,
		"description":      r.Description,
		"exclude_patterns": excludes,
		"loop_safe":        r.LoopSafe,
		"parent_scope": map[string]any{
			"type": r.ParentScopeType,
			"id":   r.ParentScopeID,
		},
	}
}

func propertiesToRule(id string, p map[string]any) RuleRecord {
	r := RuleRecord{
		RuleID:           id,
		PersistenceClass: PersistenceEphemeral,
		Namespace:        fmt.Sprint(p["namespace"]),
		SourcePattern:    fmt.Sprint(p["source_pattern"]),
		Condition:        fmt.Sprint(p["condition"]),
		Name:             fmt.Sprint(p["name"]),
		Description:      fmt.Sprint(p["description"]),
	}
	if async, ok := p["async"].(bool); ok {
		r.Async = async
	}
	if pr, ok := p["priority"].(float64); ok {
		r.Priority = int(pr)
	}
	if ttl, ok := p["ttl_seconds"].(float64); ok {
		r.TTLSeconds = int(ttl)
	}
	if scope, ok := p["parent_scope"].(map[string]any); ok {
		r.ParentScopeType = fmt.Sprint(scope["type"])
		r.ParentScopeID = fmt.Sprint(scope["id"])
	}
	if loopSafe, ok := p["loop_safe"].(bool); ok {
		r.LoopSafe = loopSafe
	}
	if excludes, ok := p["exclude_patterns"].([]any); ok {
		for _, e := range excludes {
			r.ExcludePatterns = append(r.ExcludePatterns, fmt.Sprint(e))
		}
	}
	if targets, ok := p["targets"].([]any); ok {
		for _, t := range targets {
			tm, ok := t.(map[string]any)
			if !ok {
				continue
			}
			mapping, _ := tm["mapping"].(map[string]any)
			r.Targets = append(r.Targets, RuleTarget{
				EventName: fmt.Sprint(tm["event"]),
				Mapping:   mapping,
				Condition: fmt.Sprint(tm["condition"]),
			})
		}
	}
	return r
}

// ruleFile is the on-disk YAML shape described in §6: a named,
// versioned bundle of transformer definitions.
type ruleFile struct {
	Name         string         `yaml:"name"`
	Description  string         `yaml:"description"`
	Version      string         `yaml:"version"`
	Transformers []ruleFileItem `yaml:"transformers"`
}

type ruleFileItem struct {
	RuleID          string       `yaml:"rule_id"`
	SourcePattern   string       `yaml:"source_pattern"`
	Condition       string       `yaml:"condition"`
	Targets         []RuleTarget `yaml:"targets"`
	Async           bool         `yaml:"async"`
	TTLSeconds      int          `yaml:"ttl_seconds"`
	ExcludePatterns []string     `yaml:"exclude_patterns"`
	LoopSafe        bool         `yaml:"loop_safe"`
	ParentScope     struct {
		Type string `yaml:"type"`
		ID   string `yaml:"id"`
	} `yaml:"parent_scope"`
	Priority int `yaml:"priority"`
}

// LoadRuleFiles walks dir for *.yaml/*.yml files and returns every
// transformer they define, tagged with class. Persistent rules live
// under routes/persistent/{namespace}/, system rules anywhere under
// routes/system/ (including nested directories, so bundled rule packs
// can group by feature).
func LoadRuleFiles(dir string, class PersistenceClass) ([]RuleRecord, error) {
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return nil, nil
	}

	var out []RuleRecord
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		ext := strings.ToLower(filepath.Ext(path))
		if ext != ".yaml" && ext != ".yml" {
			return nil
		}

		raw, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read rule file %s: %w", path, err)
		}

		var rf ruleFile
		if err := yaml.Unmarshal(raw, &rf); err != nil {
			return fmt.Errorf("parse rule file %s: %w", path, err)
		}

		namespace := filepath.Base(filepath.Dir(path))
		for _, item := range rf.Transformers {
			out = append(out, RuleRecord{
				RuleID:           item.RuleID,
				Namespace:        namespace,
				SourcePattern:    item.SourcePattern,
				Condition:        item.Condition,
				Targets:          item.Targets,
				Async:            item.Async,
				TTLSeconds:       item.TTLSeconds,
				ParentScopeType:  item.ParentScope.Type,
				ParentScopeID:    item.ParentScope.ID,
				PersistenceClass: class,
				Priority:         item.Priority,
				ExcludePatterns:  item.ExcludePatterns,
				LoopSafe:         item.LoopSafe,
				Name:             rf.Name,
				Description:      rf.Description,
			})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load rule files from %s: %w", dir, err)
	}
	return out, nil
}
