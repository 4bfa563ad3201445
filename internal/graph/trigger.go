package graph

import (
	"fmt"
	"sort"

	"github.com/tidwall/gjson"
)

// RuleKind discriminates the trigger-rule algebra.
type RuleKind string

const (
	RuleAlways       RuleKind = "Always"
	RuleOnSuccess    RuleKind = "OnSuccess"
	RuleOnFailure    RuleKind = "OnFailure"
	RuleAll          RuleKind = "All"
	RuleAny          RuleKind = "Any"
	RuleNone         RuleKind = "None"
	RuleContextValue RuleKind = "ContextValue"
)

// Operator is a ContextValue comparison operator.
type Operator string

const (
	OpEq       Operator = "Eq"
	OpNotEq    Operator = "NotEq"
	OpLt       Operator = "Lt"
	OpLte      Operator = "Lte"
	OpGt       Operator = "Gt"
	OpGte      Operator = "Gte"
	OpContains Operator = "Contains"
	OpExists   Operator = "Exists"
)

// DepOutcome is the terminal outcome of a dependency, as observed by the
// trigger-rule evaluator. It is intentionally a narrow, standalone type so
// this package never imports the scheduler's task-state machine.
type DepOutcome string

const (
	DepCompleted DepOutcome = "Completed"
	DepFailed    DepOutcome = "Failed"
	DepSkipped   DepOutcome = "Skipped"
)

// Rule is a node in the trigger-rule algebra tree. Exactly one of the
// kind-specific field groups is meaningful for a given Kind:
//
//	Always                  -- no fields
//	OnSuccess, OnFailure    -- Deps
//	All, Any, None          -- Children
//	ContextValue            -- Key, Operator, Value
type Rule struct {
	Kind     RuleKind
	Deps     []string
	Children []Rule
	Key      string
	Operator Operator
	Value    any
}

// Always is the zero-configuration always-true rule.
func Always() Rule { return Rule{Kind: RuleAlways} }

// OnSuccess builds a rule requiring all named dependencies to have completed.
func OnSuccess(deps ...string) Rule { return Rule{Kind: RuleOnSuccess, Deps: deps} }

// OnFailure builds a rule requiring all named dependencies to have failed.
func OnFailure(deps ...string) Rule { return Rule{Kind: RuleOnFailure, Deps: deps} }

// All builds a conjunction of child rules.
func All(rules ...Rule) Rule { return Rule{Kind: RuleAll, Children: rules} }

// Any builds a disjunction of child rules.
func Any(rules ...Rule) Rule { return Rule{Kind: RuleAny, Children: rules} }

// None builds a negated disjunction: true iff no child rule is true.
func None(rules ...Rule) Rule { return Rule{Kind: RuleNone, Children: rules} }

// ContextValueRule builds a predicate over the merged predecessor context.
func ContextValueRule(key string, op Operator, value any) Rule {
	return Rule{Kind: RuleContextValue, Key: key, Operator: op, Value: value}
}

// Evaluate evaluates rule against the outcomes of the task's direct
// dependencies and the merged input context produced by those dependencies.
//
// Evaluation is total: an undefined key under Exists is false; ordering
// operators on non-numeric or missing values produce false, never an error.
func Evaluate(rule Rule, depOutcome map[string]DepOutcome, mergedContext []byte) bool {
	switch rule.Kind {
	case RuleAlways, "":
		return true
	case RuleOnSuccess:
		for _, d := range rule.Deps {
			if depOutcome[d] != DepCompleted {
				return false
			}
		}
		return true
	case RuleOnFailure:
		for _, d := range rule.Deps {
			if depOutcome[d] != DepFailed {
				return false
			}
		}
		return true
	case RuleAll:
		for _, c := range rule.Children {
			if !Evaluate(c, depOutcome, mergedContext) {
				return false
			}
		}
		return true
	case RuleAny:
		for _, c := range rule.Children {
			if Evaluate(c, depOutcome, mergedContext) {
				return true
			}
		}
		return false
	case RuleNone:
		for _, c := range rule.Children {
			if Evaluate(c, depOutcome, mergedContext) {
				return false
			}
		}
		return true
	case RuleContextValue:
		return evaluateContextValue(rule, mergedContext)
	default:
		return false
	}
}

func evaluateContextValue(rule Rule, mergedContext []byte) bool {
	result := gjson.GetBytes(mergedContext, rule.Key)

	if rule.Operator == OpExists {
		return result.Exists()
	}
	if !result.Exists() {
		return false
	}

	switch rule.Operator {
	case OpEq:
		return valuesEqual(result, rule.Value)
	case OpNotEq:
		return !valuesEqual(result, rule.Value)
	case OpLt, OpLte, OpGt, OpGte:
		rv, rok := toFloat(result)
		cv, cok := toFloat64Any(rule.Value)
		if !rok || !cok {
			return false
		}
		switch rule.Operator {
		case OpLt:
			return rv < cv
		case OpLte:
			return rv <= cv
		case OpGt:
			return rv > cv
		case OpGte:
			return rv >= cv
		}
		return false
	case OpContains:
		return containsValue(result, rule.Value)
	default:
		return false
	}
}

func valuesEqual(result gjson.Result, want any) bool {
	switch w := want.(type) {
	case string:
		return result.Type == gjson.String && result.Str == w
	case bool:
		if w {
			return result.Type == gjson.True
		}
		return result.Type == gjson.False
	case nil:
		return result.Type == gjson.Null
	default:
		if wf, ok := toFloat64Any(want); ok {
			if rf, rok := toFloat(result); rok {
				return rf == wf
			}
		}
		return fmt.Sprintf("%v", result.Value()) == fmt.Sprintf("%v", want)
	}
}

func toFloat(r gjson.Result) (float64, bool) {
	if r.Type != gjson.Number {
		return 0, false
	}
	return r.Num, true
}

func toFloat64Any(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

func containsValue(result gjson.Result, want any) bool {
	if result.IsArray() {
		found := false
		result.ForEach(func(_, v gjson.Result) bool {
			if valuesEqual(v, want) {
				found = true
				return false
			}
			return true
		})
		return found
	}
	if result.Type == gjson.String {
		ws, ok := want.(string)
		if !ok {
			return false
		}
		return containsSubstring(result.Str, ws)
	}
	return false
}

func containsSubstring(haystack, needle string) bool {
	return len(needle) == 0 || indexOf(haystack, needle) >= 0
}

func indexOf(haystack, needle string) int {
	n, m := len(haystack), len(needle)
	if m > n {
		return -1
	}
	for i := 0; i+m <= n; i++ {
		if haystack[i:i+m] == needle {
			return i
		}
	}
	return -1
}

// canonicalRule produces a deterministic byte encoding of a rule used as
// part of the workflow fingerprint. Field order is fixed; slices are sorted
// where order is not semantically meaningful (Deps).
func canonicalRule(r Rule) []byte {
	var buf []byte
	buf = append(buf, []byte(r.Kind)...)
	buf = append(buf, 0)

	deps := append([]string(nil), r.Deps...)
	sort.Strings(deps)
	for _, d := range deps {
		buf = append(buf, []byte(d)...)
		buf = append(buf, 0)
	}
	buf = append(buf, 1)

	for _, c := range r.Children {
		buf = append(buf, canonicalRule(c)...)
	}
	buf = append(buf, 2)

	buf = append(buf, []byte(r.Key)...)
	buf = append(buf, 0)
	buf = append(buf, []byte(r.Operator)...)
	buf = append(buf, 0)
	buf = append(buf, []byte(fmt.Sprintf("%v", r.Value))...)
	buf = append(buf, 3)
	return buf
}
