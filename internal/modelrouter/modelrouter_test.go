package modelrouter

import (
	"log/slog"
	"testing"
)

func newTestRouter(providers []Provider) *Router {
	return New(slog.Default(), Config{
		Providers:   providers,
		DefaultName: "fallback",
		MaxAuditLog: 10,
	})
}

func TestParseComplexity(t *testing.T) {
	tests := []struct {
		in   string
		want Complexity
	}{
		{"simple", ComplexitySimple},
		{"complex", ComplexityComplex},
		{"moderate", ComplexityModerate},
		{"", ComplexityModerate},
		{"nonsense", ComplexityModerate},
	}
	for _, tt := range tests {
		if got := ParseComplexity(tt.in); got != tt.want {
			t.Errorf("ParseComplexity(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestRoute_NoEligibleProviderUsesDefault(t *testing.T) {
	r := newTestRouter([]Provider{
		{Name: "local", SupportsTools: false},
	})

	picked, decision := r.Route(Request{NeedsTools: true})
	if picked != "fallback" {
		t.Errorf("picked = %q, want fallback", picked)
	}
	if decision.ProviderPicked != "fallback" {
		t.Errorf("decision.ProviderPicked = %q, want fallback", decision.ProviderPicked)
	}
}

func TestRoute_PrefersFreeProviderForSimpleRequest(t *testing.T) {
	r := newTestRouter([]Provider{
		{Name: "local", CostTier: 0, Speed: 8, Quality: 5, MinComplexity: ComplexitySimple},
		{Name: "cloud", CostTier: 3, Speed: 9, Quality: 10, MinComplexity: ComplexitySimple},
	})

	picked, _ := r.Route(Request{Complexity: ComplexitySimple})
	if picked != "local" {
		t.Errorf("picked = %q, want local (free provider should win simple requests)", picked)
	}
}

func TestRoute_PrefersHighQualityForComplexRequest(t *testing.T) {
	r := newTestRouter([]Provider{
		{Name: "local", CostTier: 0, Speed: 8, Quality: 4, MinComplexity: ComplexitySimple},
		{Name: "cloud", CostTier: 2, Speed: 5, Quality: 10, MinComplexity: ComplexitySimple},
	})

	picked, _ := r.Route(Request{Complexity: ComplexityComplex})
	if picked != "cloud" {
		t.Errorf("picked = %q, want cloud (quality should dominate for complex requests)", picked)
	}
}

func TestRoute_QualityFloorDisqualifies(t *testing.T) {
	r := newTestRouter([]Provider{
		{Name: "low", CostTier: 0, Quality: 3, MinComplexity: ComplexitySimple},
		{Name: "high", CostTier: 1, Quality: 9, MinComplexity: ComplexitySimple},
	})

	picked, _ := r.Route(Request{
		Complexity: ComplexityModerate,
		Hints:      map[string]string{HintQualityFloor: "8"},
	})
	if picked != "high" {
		t.Errorf("picked = %q, want high (quality floor should disqualify low)", picked)
	}
}

func TestRoute_LocalOnlyPenalizesPaidProviders(t *testing.T) {
	r := newTestRouter([]Provider{
		{Name: "local", CostTier: 0, Quality: 5, MinComplexity: ComplexitySimple},
		{Name: "cloud", CostTier: 2, Quality: 10, MinComplexity: ComplexitySimple},
	})

	picked, _ := r.Route(Request{
		Complexity: ComplexityComplex,
		Hints:      map[string]string{HintLocalOnly: "true"},
	})
	if picked != "local" {
		t.Errorf("picked = %q, want local (local_only should heavily penalize paid providers)", picked)
	}
}

func TestRoute_ContextWindowFiltersOutCandidates(t *testing.T) {
	r := newTestRouter([]Provider{
		{Name: "small", ContextWindow: 1000, MinComplexity: ComplexitySimple},
		{Name: "large", ContextWindow: 100000, MinComplexity: ComplexitySimple},
	})

	picked, _ := r.Route(Request{PromptSize: 5000})
	if picked != "large" {
		t.Errorf("picked = %q, want large (small provider's context window should exclude it)", picked)
	}
}

func TestRecordOutcomeAndExplain(t *testing.T) {
	r := newTestRouter([]Provider{{Name: "local", MinComplexity: ComplexitySimple}})

	_, decision := r.Route(Request{})
	r.RecordOutcome(decision.RequestID, 42, true)

	got, ok := r.Explain(decision.RequestID)
	if !ok {
		t.Fatalf("Explain(%q) not found", decision.RequestID)
	}
	if got.LatencyMs != 42 || got.Success == nil || !*got.Success {
		t.Errorf("recorded outcome = %+v, want LatencyMs=42 Success=true", got)
	}
}

func TestExplain_UnknownRequestIDReturnsFalse(t *testing.T) {
	r := newTestRouter(nil)
	if _, ok := r.Explain("nope"); ok {
		t.Error("Explain() found a decision for an id never routed")
	}
}
