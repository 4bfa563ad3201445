package graph

import "testing"

func TestEvaluate_Always(t *testing.T) {
	if !Evaluate(Always(), nil, nil) {
		t.Fatalf("Always must be true")
	}
}

func TestEvaluate_OnSuccess(t *testing.T) {
	rule := OnSuccess("a", "b")
	cases := []struct {
		name string
		dep  map[string]DepOutcome
		want bool
	}{
		{"all completed", map[string]DepOutcome{"a": DepCompleted, "b": DepCompleted}, true},
		{"one failed", map[string]DepOutcome{"a": DepCompleted, "b": DepFailed}, false},
		{"missing", map[string]DepOutcome{"a": DepCompleted}, false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := Evaluate(rule, c.dep, nil); got != c.want {
				t.Fatalf("got %v want %v", got, c.want)
			}
		})
	}
}

func TestEvaluate_OnFailure(t *testing.T) {
	rule := OnFailure("a")
	if !Evaluate(rule, map[string]DepOutcome{"a": DepFailed}, nil) {
		t.Fatalf("expected true")
	}
	if Evaluate(rule, map[string]DepOutcome{"a": DepCompleted}, nil) {
		t.Fatalf("expected false")
	}
}

func TestEvaluate_AllAnyNone(t *testing.T) {
	ctx := []byte(`{"ok": true, "n": 5}`)
	allRule := All(ContextValueRule("ok", OpEq, true), ContextValueRule("n", OpGte, 5))
	if !Evaluate(allRule, nil, ctx) {
		t.Fatalf("expected All true")
	}

	anyRule := Any(ContextValueRule("ok", OpEq, false), ContextValueRule("n", OpGte, 5))
	if !Evaluate(anyRule, nil, ctx) {
		t.Fatalf("expected Any true")
	}

	noneRule := None(ContextValueRule("ok", OpEq, false))
	if !Evaluate(noneRule, nil, ctx) {
		t.Fatalf("expected None true")
	}
}

func TestEvaluate_ContextValueOperators(t *testing.T) {
	ctx := []byte(`{"n": 3, "name": "alpha", "tags": ["x","y"]}`)

	if !Evaluate(ContextValueRule("n", OpEq, 3.0), nil, ctx) {
		t.Fatalf("Eq failed")
	}
	if !Evaluate(ContextValueRule("n", OpNotEq, 4.0), nil, ctx) {
		t.Fatalf("NotEq failed")
	}
	if !Evaluate(ContextValueRule("n", OpLt, 4.0), nil, ctx) {
		t.Fatalf("Lt failed")
	}
	if !Evaluate(ContextValueRule("n", OpLte, 3.0), nil, ctx) {
		t.Fatalf("Lte failed")
	}
	if !Evaluate(ContextValueRule("n", OpGt, 2.0), nil, ctx) {
		t.Fatalf("Gt failed")
	}
	if !Evaluate(ContextValueRule("n", OpGte, 3.0), nil, ctx) {
		t.Fatalf("Gte failed")
	}
	if !Evaluate(ContextValueRule("tags", OpContains, "x"), nil, ctx) {
		t.Fatalf("Contains failed")
	}
	if !Evaluate(ContextValueRule("name", OpExists, nil), nil, ctx) {
		t.Fatalf("Exists failed")
	}
	if Evaluate(ContextValueRule("missing", OpExists, nil), nil, ctx) {
		t.Fatalf("Exists on missing key must be false")
	}
}

func TestEvaluate_OrderingOperatorsOnNonNumericAreFalseNeverFail(t *testing.T) {
	ctx := []byte(`{"name": "alpha"}`)
	if Evaluate(ContextValueRule("name", OpLt, 5.0), nil, ctx) {
		t.Fatalf("expected false for non-numeric ordering comparison")
	}
	if Evaluate(ContextValueRule("missing", OpEq, 1.0), nil, ctx) {
		t.Fatalf("expected false for missing key under Eq")
	}
}
