package policy

import (
	"encoding/json"
	"fmt"
)

// Condition is one structured predicate over the belief context. All
// conditions of a policy must hold for the policy to trigger.
type Condition struct {
	Field string `json:"field"`
	Op    string `json:"op"`
	Value any    `json:"value,omitempty"`
}

// Supported operators.
const (
	OpEq        = "=="
	OpNe        = "!="
	OpIn        = "in"
	OpNotIn     = "not_in"
	OpGt        = ">"
	OpGte       = ">="
	OpLt        = "<"
	OpLte       = "<="
	OpExists    = "exists"
	OpNotExists = "not_exists"
)

// Conditions extracts the condition list from the stored policy shape
// {"all": [{field, op, value}, ...]}.
func Conditions(raw map[string]any) ([]Condition, error) {
	list, ok := raw["all"]
	if !ok {
		return nil, nil
	}
	// Round-trip through JSON regardless of whether the value came from
	// the seed literals or the database.
	data, err := json.Marshal(list)
	if err != nil {
		return nil, err
	}
	var out []Condition
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("malformed conditions: %w", err)
	}
	return out, nil
}

// conditionSet builds the stored shape from condition literals.
func conditionSet(conds ...Condition) map[string]any {
	anyConds := make([]any, len(conds))
	for i, c := range conds {
		anyConds[i] = map[string]any{"field": c.Field, "op": c.Op, "value": c.Value}
	}
	return map[string]any{"all": anyConds}
}

// Eval evaluates one condition against the belief context.
func (c Condition) Eval(ctx map[string]any) (bool, error) {
	val, present := ctx[c.Field]

	switch c.Op {
	case OpExists:
		return present && val != nil, nil
	case OpNotExists:
		return !present || val == nil, nil
	}
	if !present {
		return false, nil
	}

	switch c.Op {
	case OpEq:
		return looseEqual(val, c.Value), nil
	case OpNe:
		return !looseEqual(val, c.Value), nil
	case OpIn, OpNotIn:
		members, err := toSlice(c.Value)
		if err != nil {
			return false, fmt.Errorf("field %s: %w", c.Field, err)
		}
		found := false
		for _, m := range members {
			if looseEqual(val, m) {
				found = true
				break
			}
		}
		if c.Op == OpIn {
			return found, nil
		}
		return !found, nil
	case OpGt, OpGte, OpLt, OpLte:
		a, okA := toFloat(val)
		b, okB := toFloat(c.Value)
		if !okA || !okB {
			return false, fmt.Errorf("field %s: operator %s needs numeric operands", c.Field, c.Op)
		}
		switch c.Op {
		case OpGt:
			return a > b, nil
		case OpGte:
			return a >= b, nil
		case OpLt:
			return a < b, nil
		default:
			return a <= b, nil
		}
	}
	return false, fmt.Errorf("unknown operator %q", c.Op)
}

// looseEqual compares across the numeric types JSON round-trips produce.
func looseEqual(a, b any) bool {
	if fa, ok := toFloat(a); ok {
		if fb, ok := toFloat(b); ok {
			return fa == fb
		}
		return false
	}
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

func toSlice(v any) ([]any, error) {
	switch s := v.(type) {
	case []any:
		return s, nil
	case []string:
		out := make([]any, len(s))
		for i, e := range s {
			out[i] = e
		}
		return out, nil
	}
	return nil, fmt.Errorf("membership operator needs a list, got %T", v)
}
