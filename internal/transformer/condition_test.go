package transformer

import "testing"

func TestCompileCondition_EmptyIsAlwaysTrue(t *testing.T) {
	c, err := CompileCondition("")
	if err != nil {
		t.Fatalf("CompileCondition() error = %v", err)
	}
	ok, err := c.Eval(nil, nil)
	if err != nil || !ok {
		t.Fatalf("nil condition Eval() = %v, %v, want true, nil", ok, err)
	}
}

func TestCondition_Relational(t *testing.T) {
	c, err := CompileCondition("data.request_id == 'r42'")
	if err != nil {
		t.Fatalf("CompileCondition() error = %v", err)
	}
	ok, err := c.Eval(map[string]any{"request_id": "r42"}, nil)
	if err != nil || !ok {
		t.Fatalf("Eval() = %v, %v, want true", ok, err)
	}
	ok, err = c.Eval(map[string]any{"request_id": "other"}, nil)
	if err != nil || ok {
		t.Fatalf("Eval() = %v, %v, want false", ok, err)
	}
}

func TestCondition_LogicalAndShortCircuit(t *testing.T) {
	c, err := CompileCondition("data.a == 1 && data.b == 2")
	if err != nil {
		t.Fatalf("CompileCondition() error = %v", err)
	}
	ok, err := c.Eval(map[string]any{"a": float64(1), "b": float64(2)}, nil)
	if err != nil || !ok {
		t.Fatalf("Eval() = %v, %v, want true", ok, err)
	}
}

func TestCondition_Membership(t *testing.T) {
	c, err := CompileCondition(`data.status in ["ok", "done"]`)
	if err != nil {
		t.Fatalf("CompileCondition() error = %v", err)
	}
	ok, err := c.Eval(map[string]any{"status": "done"}, nil)
	if err != nil || !ok {
		t.Fatalf("Eval() = %v, %v, want true", ok, err)
	}
}

func TestCondition_OriginatorKindAccess(t *testing.T) {
	c, err := CompileCondition("_ksi_context.originator.kind == 'external'")
	if err != nil {
		t.Fatalf("CompileCondition() error = %v", err)
	}
	ctx := map[string]any{"originator": map[string]any{"kind": "external"}}
	ok, err := c.Eval(nil, ctx)
	if err != nil || !ok {
		t.Fatalf("Eval() = %v, %v, want true", ok, err)
	}
}

func TestCondition_FunctionCall(t *testing.T) {
	c, err := CompileCondition("startswith(data.name, 'agent')")
	if err != nil {
		t.Fatalf("CompileCondition() error = %v", err)
	}
	ok, err := c.Eval(map[string]any{"name": "agent-1"}, nil)
	if err != nil || !ok {
		t.Fatalf("Eval() = %v, %v, want true", ok, err)
	}
}

func TestCompileCondition_InvalidExpressionErrors(t *testing.T) {
	if _, err := CompileCondition("data.x ==="); err == nil {
		t.Fatal("expected a compile error for malformed expression")
	}
}
