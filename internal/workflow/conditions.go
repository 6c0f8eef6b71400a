package workflow

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Condition is one predicate over the event payload. A trigger's
// conditions are a JSON array of these; all must hold (AND semantics).
type Condition struct {
	Field string          `json:"field"` // dotted path into the payload
	Op    string          `json:"op"`
	Value json.RawMessage `json:"value,omitempty"`
}

// Supported condition operators.
const (
	OpEq       = "eq"
	OpNeq      = "neq"
	OpGt       = "gt"
	OpGte      = "gte"
	OpLt       = "lt"
	OpLte      = "lte"
	OpContains = "contains"
	OpExists   = "exists"
)

// EvaluateConditions reports whether the payload satisfies every condition.
// Empty or null conditions always match. A malformed conditions document or
// unknown operator is an error, not a silent non-match, so misconfigured
// triggers surface as failed executions instead of disappearing.
func EvaluateConditions(conditions, payload json.RawMessage) (bool, error) {
	if len(conditions) == 0 || string(conditions) == "null" {
		return true, nil
	}

	var parsed []Condition
	if err := json.Unmarshal(conditions, &parsed); err != nil {
		return false, fmt.Errorf("parse conditions: %w", err)
	}
	if len(parsed) == 0 {
		return true, nil
	}

	var doc map[string]any
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &doc); err != nil {
			return false, fmt.Errorf("parse payload: %w", err)
		}
	}

	for _, cond := range parsed {
		ok, err := evaluate(cond, doc)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

func evaluate(cond Condition, doc map[string]any) (bool, error) {
	value, found := lookup(doc, cond.Field)

	switch cond.Op {
	case OpExists:
		return found, nil
	case OpEq, OpNeq:
		var want any
		if err := json.Unmarshal(cond.Value, &want); err != nil {
			return false, fmt.Errorf("condition %s value: %w", cond.Field, err)
		}
		equal := found && valuesEqual(value, want)
		if cond.Op == OpNeq {
			return !equal, nil
		}
		return equal, nil
	case OpGt, OpGte, OpLt, OpLte:
		if !found {
			return false, nil
		}
		have, ok := asNumber(value)
		if !ok {
			return false, nil
		}
		var want float64
		if err := json.Unmarshal(cond.Value, &want); err != nil {
			return false, fmt.Errorf("condition %s value must be numeric: %w", cond.Field, err)
		}
		switch cond.Op {
		case OpGt:
			return have > want, nil
		case OpGte:
			return have >= want, nil
		case OpLt:
			return have < want, nil
		default:
			return have <= want, nil
		}
	case OpContains:
		if !found {
			return false, nil
		}
		haystack, ok := value.(string)
		if !ok {
			return false, nil
		}
		var needle string
		if err := json.Unmarshal(cond.Value, &needle); err != nil {
			return false, fmt.Errorf("condition %s value must be a string: %w", cond.Field, err)
		}
		return strings.Contains(haystack, needle), nil
	default:
		return false, fmt.Errorf("unknown condition operator %q", cond.Op)
	}
}

// lookup walks a dotted path through nested objects.
func lookup(doc map[string]any, path string) (any, bool) {
	if doc == nil || path == "" {
		return nil, false
	}
	parts := strings.Split(path, ".")
	var current any = doc
	for _, part := range parts {
		obj, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = obj[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

func valuesEqual(a, b any) bool {
	if na, ok := asNumber(a); ok {
		nb, ok := asNumber(b)
		return ok && na == nb
	}
	switch av := a.(type) {
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	case nil:
		return b == nil
	default:
		// Objects and arrays never compare equal.
		return false
	}
}

func asNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
