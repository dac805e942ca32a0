package pattern

import "testing"

func TestLookup_ExactOnly(t *testing.T) {
	idx := New()
	idx.Register("agent:spawned", Entry{ID: "h1", Priority: 10})

	exact, wildcard := idx.Lookup("agent:spawned")
	if len(exact) != 1 || exact[0].ID != "h1" {
		t.Fatalf("exact = %+v, want [h1]", exact)
	}
	if len(wildcard) != 0 {
		t.Fatalf("wildcard = %+v, want empty", wildcard)
	}
}

func TestLookup_PrioritySortsDesc(t *testing.T) {
	idx := New()
	idx.Register("agent:spawned", Entry{ID: "low", Priority: 1})
	idx.Register("agent:spawned", Entry{ID: "high", Priority: 100})
	idx.Register("agent:spawned", Entry{ID: "mid", Priority: 50})

	all := idx.LookupAll("agent:spawned")
	want := []string{"high", "mid", "low"}
	if len(all) != len(want) {
		t.Fatalf("len = %d, want %d", len(all), len(want))
	}
	for i, id := range want {
		if all[i].ID != id {
			t.Errorf("all[%d].ID = %q, want %q", i, all[i].ID, id)
		}
	}
}

func TestLookup_TiesKeepRegistrationOrder(t *testing.T) {
	idx := New()
	idx.Register("x:y", Entry{ID: "first", Priority: 5})
	idx.Register("x:y", Entry{ID: "second", Priority: 5})

	all := idx.LookupAll("x:y")
	if all[0].ID != "first" || all[1].ID != "second" {
		t.Fatalf("order = %v, want [first second]", []string{all[0].ID, all[1].ID})
	}
}

func TestLookup_SingleSegmentWildcard(t *testing.T) {
	idx := New()
	idx.Register("agent:*", Entry{ID: "w1", Priority: 0})

	all := idx.LookupAll("agent:spawned")
	if len(all) != 1 || all[0].ID != "w1" {
		t.Fatalf("agent:spawned match = %+v", all)
	}

	// trailing * is documented as a remainder matcher, so it also
	// matches multi-segment names under the same namespace.
	all = idx.LookupAll("agent:spawned:extra")
	if len(all) != 1 || all[0].ID != "w1" {
		t.Fatalf("agent:spawned:extra match = %+v, want w1 (trailing * matches remainder)", all)
	}
}

func TestLookup_UniversalWildcard(t *testing.T) {
	idx := New()
	idx.Register("*", Entry{ID: "broadcast", Priority: 0})

	for _, name := range []string{"agent:spawned", "completion:result", "a:b:c"} {
		all := idx.LookupAll(name)
		if len(all) != 1 || all[0].ID != "broadcast" {
			t.Errorf("Lookup(%q) = %+v, want [broadcast]", name, all)
		}
	}
}

func TestUnregister(t *testing.T) {
	idx := New()
	idx.Register("agent:spawned", Entry{ID: "h1"})
	idx.Unregister("h1")

	all := idx.LookupAll("agent:spawned")
	if len(all) != 0 {
		t.Fatalf("after unregister, all = %+v, want empty", all)
	}
}

func TestUnregister_WildcardRoundTrip(t *testing.T) {
	idx := New()
	idx.Register("agent:*", Entry{ID: "w1"})
	idx.Unregister("w1")

	all := idx.LookupAll("agent:spawned")
	if len(all) != 0 {
		t.Fatalf("after unregister, all = %+v, want empty", all)
	}
}

func TestRegister_DuplicateIDReplacesAtomically(t *testing.T) {
	idx := New()
	idx.Register("agent:spawned", Entry{ID: "h1", Priority: 1})
	idx.Register("agent:terminated", Entry{ID: "h1", Priority: 99})

	if all := idx.LookupAll("agent:spawned"); len(all) != 0 {
		t.Errorf("old pattern should be empty after re-registration, got %+v", all)
	}
	all := idx.LookupAll("agent:terminated")
	if len(all) != 1 || all[0].Priority != 99 {
		t.Fatalf("new registration missing or stale: %+v", all)
	}
}

func TestRegisterUnregister_IsIdempotentOnState(t *testing.T) {
	idx := New()
	before := idx.LookupAll("agent:spawned")

	idx.Register("agent:spawned", Entry{ID: "h1"})
	idx.Unregister("h1")

	after := idx.LookupAll("agent:spawned")
	if len(before) != len(after) {
		t.Fatalf("register-then-unregister changed lookup result: before=%v after=%v", before, after)
	}
}
