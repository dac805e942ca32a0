// Package modelrouter picks which configured provider should service a
// completion:async or completion:inject request. It scores every
// provider eligible for the request (tool support, context window) and
// keeps a rolling audit log so Explain can report why a provider was
// chosen.
package modelrouter

import (
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Complexity categorizes how demanding a completion request is.
type Complexity int

const (
	ComplexitySimple Complexity = iota
	ComplexityModerate
	ComplexityComplex
)

// ParseComplexity maps the wire-level min_complexity string (as
// carried on config.ProviderConfig and completion requests) onto a
// Complexity. Unrecognized or empty values default to Moderate.
func ParseComplexity(s string) Complexity {
	switch strings.ToLower(s) {
	case "simple":
		return ComplexitySimple
	case "complex":
		return ComplexityComplex
	default:
		return ComplexityModerate
	}
}

func (c Complexity) String() string {
	switch c {
	case ComplexitySimple:
		return "simple"
	case ComplexityComplex:
		return "complex"
	default:
		return "moderate"
	}
}

// Hint keys a caller may set on a Request to steer selection.
const (
	HintQualityFloor    = "quality_floor"
	HintModelPreference = "model_preference"
	HintLocalOnly       = "local_only"
	HintPreferSpeed     = "prefer_speed"
)

// Priority indicates latency sensitivity: inject-lane completions are
// interactive, queued async completions are background.
type Priority int

const (
	PriorityInteractive Priority = iota
	PriorityBackground
)

// Request describes one completion call awaiting a provider.
type Request struct {
	AgentID     string
	PromptSize  int
	NeedsTools  bool
	Complexity  Complexity
	Priority    Priority
	Hints       map[string]string
}

// Provider is one entry from config.ProvidersConfig.Available.
type Provider struct {
	Name          string
	Model         string
	SupportsTools bool
	ContextWindow int
	Speed         int
	Quality       int
	CostTier      int
	MinComplexity Complexity
}

// Decision records why a provider was selected. Route returns it
// alongside the chosen provider name and keeps it in the audit log.
type Decision struct {
	RequestID      string         `json:"request_id"`
	Timestamp      time.Time      `json:"timestamp"`
	Complexity     string         `json:"complexity"`
	RulesMatched   []string       `json:"rules_matched"`
	Scores         map[string]int `json:"scores,omitempty"`
	ProviderPicked string         `json:"provider_picked"`
	Reasoning      string         `json:"reasoning"`

	LatencyMs int64 `json:"latency_ms,omitempty"`
	Success   *bool `json:"success,omitempty"`
}

// Config configures a Router.
type Config struct {
	Providers    []Provider
	DefaultName  string
	LocalFirst   bool
	MaxAuditLog  int
}

// Router selects a provider per request and tracks outcomes.
type Router struct {
	logger *slog.Logger
	config Config

	mu       sync.RWMutex
	auditLog []Decision
	seq      int64
}

// New creates a provider router.
func New(logger *slog.Logger, config Config) *Router {
	if config.MaxAuditLog <= 0 {
		config.MaxAuditLog = 1000
	}
	return &Router{logger: logger, config: config}
}

// Route picks a provider for req and records the decision.
func (r *Router) Route(req Request) (string, Decision) {
	r.mu.Lock()
	r.seq++
	requestID := req.AgentID + "-" + strconv.FormatInt(r.seq, 10)
	r.mu.Unlock()

	decision := Decision{
		RequestID:  requestID,
		Timestamp:  time.Now(),
		Complexity: req.Complexity.String(),
	}

	var candidates []Provider
	for _, p := range r.config.Providers {
		if req.NeedsTools && !p.SupportsTools {
			continue
		}
		if req.PromptSize > 0 && p.ContextWindow > 0 && req.PromptSize > p.ContextWindow {
			continue
		}
		candidates = append(candidates, p)
	}

	if len(candidates) == 0 {
		decision.ProviderPicked = r.config.DefaultName
		decision.Reasoning = "no eligible provider, using configured default"
		r.record(decision)
		return r.config.DefaultName, decision
	}

	scores := make(map[string]int)
	var matched []string
	for _, p := range candidates {
		score := 0

		if req.Complexity >= p.MinComplexity {
			score += 20
		}
		if req.Complexity == ComplexitySimple && p.Speed >= 7 {
			score += 15
			matched = append(matched, "speed_bonus_"+p.Name)
		}
		if req.Complexity == ComplexityComplex && p.Quality >= 7 {
			score += p.Quality * 2
			matched = append(matched, "quality_bonus_"+p.Name)
		}

		if p.CostTier > 0 {
			switch req.Complexity {
			case ComplexitySimple:
				score -= p.CostTier * 15
			case ComplexityModerate:
				score -= p.CostTier * 8
			case ComplexityComplex:
				score -= p.CostTier * 3
			}
		} else if req.Complexity < ComplexityComplex {
			score += 15
			matched = append(matched, "free_provider_bonus_"+p.Name)
		}

		if r.config.LocalFirst && p.CostTier == 0 {
			score += 10
			matched = append(matched, "local_first_"+p.Name)
		}
		if req.Priority == PriorityInteractive && p.Speed >= 7 {
			score += 10
			matched = append(matched, "interactive_speed_"+p.Name)
		}

		if req.Hints != nil {
			if floor, ok := req.Hints[HintQualityFloor]; ok {
				if f, err := strconv.Atoi(floor); err == nil && p.Quality < f {
					score -= 100
					matched = append(matched, "below_quality_floor_"+p.Name)
				}
			}
			if pref, ok := req.Hints[HintModelPreference]; ok && pref == p.Model {
				score += 25
				matched = append(matched, "model_preference_"+p.Name)
			}
			if req.Hints[HintLocalOnly] == "true" && p.CostTier > 0 {
				score -= 200
				matched = append(matched, "local_only_penalty_"+p.Name)
			}
			if req.Hints[HintPreferSpeed] == "true" && p.Speed >= 7 {
				score += 15
				matched = append(matched, "prefer_speed_bonus_"+p.Name)
			}
		}

		scores[p.Name] = score
	}
	decision.Scores = scores
	decision.RulesMatched = matched

	best := candidates[0]
	bestScore := scores[best.Name]
	for _, p := range candidates[1:] {
		s := scores[p.Name]
		if s > bestScore ||
			(s == bestScore && p.CostTier < best.CostTier) ||
			(s == bestScore && p.CostTier == best.CostTier && p.Quality > best.Quality) {
			best = p
			bestScore = s
		}
	}

	decision.ProviderPicked = best.Name
	decision.Reasoning = "selected " + best.Name + " (score=" + strconv.Itoa(bestScore) + ") for " + req.Complexity.String() + " request"

	r.record(decision)
	if r.logger != nil {
		r.logger.Info("provider routed",
			"request_id", requestID, "provider", best.Name, "complexity", req.Complexity.String())
	}
	return best.Name, decision
}

// RecordOutcome attaches completion latency/success to a prior decision.
func (r *Router) RecordOutcome(requestID string, latencyMs int64, success bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.auditLog) - 1; i >= 0; i-- {
		if r.auditLog[i].RequestID == requestID {
			r.auditLog[i].LatencyMs = latencyMs
			r.auditLog[i].Success = &success
			return
		}
	}
}

func (r *Router) record(d Decision) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.auditLog) >= r.config.MaxAuditLog {
		r.auditLog = r.auditLog[1:]
	}
	r.auditLog = append(r.auditLog, d)
}

// Explain returns the decision recorded for requestID, if any.
func (r *Router) Explain(requestID string) (Decision, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for i := len(r.auditLog) - 1; i >= 0; i-- {
		if r.auditLog[i].RequestID == requestID {
			return r.auditLog[i], true
		}
	}
	return Decision{}, false
}
