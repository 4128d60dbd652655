package workflow

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/conduitq/conduit/pkg/types"
)

// Evaluate resolves a condition against the mapping {parent-name -> result}.
// A nil condition is vacuously true. Missing fields make comparisons false;
// only the exists operator treats absence as its subject.
func Evaluate(c *types.Condition, results map[string]any) (bool, error) {
	if c == nil {
		return true, nil
	}

	switch c.Op {
	case types.OpAnd:
		for _, child := range c.Children {
			ok, err := Evaluate(child, results)
			if err != nil || !ok {
				return false, err
			}
		}
		return true, nil
	case types.OpOr:
		for _, child := range c.Children {
			ok, err := Evaluate(child, results)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	case types.OpExists:
		_, found := lookup(c.Field, results)
		return found, nil
	case types.OpEq, types.OpNeq, types.OpGt, types.OpLt, types.OpContains:
		value, found := lookup(c.Field, results)
		if !found {
			return false, nil
		}
		return compare(c.Op, value, c.Value)
	default:
		return false, fmt.Errorf("unknown condition operator %q", c.Op)
	}
}

// lookup walks a dot-separated path. The first segment names the parent
// task; the rest descend into its result object.
func lookup(path string, results map[string]any) (any, bool) {
	segments := strings.Split(path, ".")
	var current any = results
	for _, segment := range segments {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = m[segment]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

func compare(op types.ConditionOp, left, right any) (bool, error) {
	switch op {
	case types.OpEq:
		return equal(left, right), nil
	case types.OpNeq:
		return !equal(left, right), nil
	case types.OpGt, types.OpLt:
		lf, lok := toFloat(left)
		rf, rok := toFloat(right)
		if lok && rok {
			if op == types.OpGt {
				return lf > rf, nil
			}
			return lf < rf, nil
		}
		ls, lsok := left.(string)
		rs, rsok := right.(string)
		if lsok && rsok {
			if op == types.OpGt {
				return ls > rs, nil
			}
			return ls < rs, nil
		}
		return false, fmt.Errorf("%s: incomparable operands %T and %T", op, left, right)
	case types.OpContains:
		return contains(left, right)
	default:
		return false, fmt.Errorf("unknown comparison operator %q", op)
	}
}

// equal compares numerics by value so 3 and 3.0 match after a JSON round
// trip
func equal(left, right any) bool {
	lf, lok := toFloat(left)
	rf, rok := toFloat(right)
	if lok && rok {
		return lf == rf
	}
	return reflect.DeepEqual(left, right)
}

func contains(haystack, needle any) (bool, error) {
	switch h := haystack.(type) {
	case string:
		s, ok := needle.(string)
		if !ok {
			return false, fmt.Errorf("contains: needle %T against string", needle)
		}
		return strings.Contains(h, s), nil
	case []any:
		for _, element := range h {
			if equal(element, needle) {
				return true, nil
			}
		}
		return false, nil
	case map[string]any:
		key, ok := needle.(string)
		if !ok {
			return false, fmt.Errorf("contains: key %T against object", needle)
		}
		_, found := h[key]
		return found, nil
	default:
		return false, fmt.Errorf("contains: unsupported haystack %T", haystack)
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
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint64:
		return float64(n), true
	default:
		return 0, false
	}
}
