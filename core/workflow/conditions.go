package workflow

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Eval evaluates a condition tree against a payload by recursive
// descent. Evaluation is pure and total: missing fields compare false
// and unknown node types or operators never match. A nil condition
// matches everything.
func Eval(cond *Condition, payload map[string]any) bool {
	if cond == nil {
		return true
	}
	switch cond.Type {
	case ConditionComparison:
		return evalComparison(cond, payload)
	case ConditionAnd:
		for _, child := range cond.Children {
			if !Eval(child, payload) {
				return false
			}
		}
		return true
	case ConditionOr:
		for _, child := range cond.Children {
			if Eval(child, payload) {
				return true
			}
		}
		return false
	case ConditionNot:
		return !Eval(cond.Child, payload)
	default:
		return false
	}
}

func evalComparison(cond *Condition, payload map[string]any) bool {
	actual, present := lookupField(payload, cond.Field)
	if cond.Op == OpExists {
		return present
	}
	if !present {
		return false
	}
	switch cond.Op {
	case OpEq:
		return looselyEqual(actual, cond.Value)
	case OpNeq:
		return !looselyEqual(actual, cond.Value)
	case OpGt, OpGte, OpLt, OpLte:
		return compareOrdered(actual, cond.Value, cond.Op)
	case OpContains:
		return contains(actual, cond.Value)
	default:
		return false
	}
}

func lookupField(payload map[string]any, path string) (any, bool) {
	var cur any = payload
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func looselyEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == b
	}
	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			return af == bf
		}
	}
	return fmt.Sprint(a) == fmt.Sprint(b)
}

func compareOrdered(a, b any, op Operator) bool {
	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			return cmpFloat(af, bf, op)
		}
	}
	as, aok := a.(string)
	bs, bok := b.(string)
	if aok && bok {
		return cmpString(as, bs, op)
	}
	return false
}

func cmpFloat(a, b float64, op Operator) bool {
	switch op {
	case OpGt:
		return a > b
	case OpGte:
		return a >= b
	case OpLt:
		return a < b
	case OpLte:
		return a <= b
	default:
		return false
	}
}

func cmpString(a, b string, op Operator) bool {
	switch op {
	case OpGt:
		return a > b
	case OpGte:
		return a >= b
	case OpLt:
		return a < b
	case OpLte:
		return a <= b
	default:
		return false
	}
}

func contains(actual, want any) bool {
	switch v := actual.(type) {
	case string:
		return strings.Contains(v, fmt.Sprint(want))
	case []any:
		for _, item := range v {
			if looselyEqual(item, want) {
				return true
			}
		}
		return false
	case []string:
		for _, item := range v {
			if looselyEqual(item, want) {
				return true
			}
		}
		return false
	default:
		return false
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := strconv.ParseFloat(n.String(), 64)
		return f, err == nil
	}
	return 0, false
}
