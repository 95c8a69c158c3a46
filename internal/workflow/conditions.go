package workflow

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Condition is a tagged expression tree evaluated against execution
// variables. Exactly one of All/Any/Not or the leaf form (Var+Op) may be
// set; Publish validates the tree so execution-time evaluation never sees
// an unknown shape.
//
// Leaf operators: eq, ne, gt, gte, lt, lte, in, contains.
type Condition struct {
	All []Condition `json:"all,omitempty" yaml:"all,omitempty"`
	Any []Condition `json:"any,omitempty" yaml:"any,omitempty"`
	Not *Condition  `json:"not,omitempty" yaml:"not,omitempty"`

	Var    string `json:"var,omitempty" yaml:"var,omitempty"`
	Op     string `json:"op,omitempty" yaml:"op,omitempty"`
	Value  any    `json:"value,omitempty" yaml:"value,omitempty"`
	Values []any  `json:"values,omitempty" yaml:"values,omitempty"`
}

// Condition operators.
const (
	OpEq       = "eq"
	OpNe       = "ne"
	OpGt       = "gt"
	OpGte      = "gte"
	OpLt       = "lt"
	OpLte      = "lte"
	OpIn       = "in"
	OpContains = "contains"
)

// Validate checks the tree shape. Called at definition publish time.
func (c *Condition) Validate() error {
	if c == nil {
		return nil
	}
	forms := 0
	if len(c.All) > 0 {
		forms++
	}
	if len(c.Any) > 0 {
		forms++
	}
	if c.Not != nil {
		forms++
	}
	leaf := c.Var != "" || c.Op != ""
	if leaf {
		forms++
	}
	if forms != 1 {
		return fmt.Errorf("condition must be exactly one of all/any/not or a var-op leaf")
	}

	switch {
	case len(c.All) > 0:
		for i := range c.All {
			if err := c.All[i].Validate(); err != nil {
				return fmt.Errorf("all[%d]: %w", i, err)
			}
		}
	case len(c.Any) > 0:
		for i := range c.Any {
			if err := c.Any[i].Validate(); err != nil {
				return fmt.Errorf("any[%d]: %w", i, err)
			}
		}
	case c.Not != nil:
		if err := c.Not.Validate(); err != nil {
			return fmt.Errorf("not: %w", err)
		}
	default:
		if c.Var == "" {
			return fmt.Errorf("leaf condition missing var")
		}
		switch c.Op {
		case OpEq, OpNe, OpGt, OpGte, OpLt, OpLte, OpContains:
			if c.Value == nil {
				return fmt.Errorf("operator %s requires a value", c.Op)
			}
		case OpIn:
			if len(c.Values) == 0 {
				return fmt.Errorf("operator in requires values")
			}
		default:
			return fmt.Errorf("unknown operator %q", c.Op)
		}
	}
	return nil
}

// Evaluate runs the condition against the variable map. A nil condition is
// vacuously true. Evaluation never panics: a missing variable or an operand
// that cannot be compared yields (false, err) so the engine degrades to the
// failure branch and records the fault for audit.
func Evaluate(c *Condition, vars map[string]any) (bool, error) {
	if c == nil {
		return true, nil
	}

	switch {
	case len(c.All) > 0:
		for i := range c.All {
			ok, err := Evaluate(&c.All[i], vars)
			if err != nil || !ok {
				return false, err
			}
		}
		return true, nil

	case len(c.Any) > 0:
		var firstErr error
		for i := range c.Any {
			ok, err := Evaluate(&c.Any[i], vars)
			if ok {
				return true, nil
			}
			if err != nil && firstErr == nil {
				firstErr = err
			}
		}
		return false, firstErr

	case c.Not != nil:
		ok, err := Evaluate(c.Not, vars)
		if err != nil {
			return false, err
		}
		return !ok, nil
	}

	got, present := vars[c.Var]
	if !present {
		return false, fmt.Errorf("variable %q not set", c.Var)
	}

	switch c.Op {
	case OpEq:
		return looseEqual(got, c.Value), nil
	case OpNe:
		return !looseEqual(got, c.Value), nil
	case OpGt, OpGte, OpLt, OpLte:
		a, aok := toFloat(got)
		b, bok := toFloat(c.Value)
		if !aok || !bok {
			return false, fmt.Errorf("variable %q: non-numeric comparison", c.Var)
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
	case OpIn:
		for _, v := range c.Values {
			if looseEqual(got, v) {
				return true, nil
			}
		}
		return false, nil
	case OpContains:
		switch gv := got.(type) {
		case string:
			want, ok := c.Value.(string)
			if !ok {
				return false, fmt.Errorf("variable %q: contains needs a string value", c.Var)
			}
			return strings.Contains(gv, want), nil
		case []any:
			for _, item := range gv {
				if looseEqual(item, c.Value) {
					return true, nil
				}
			}
			return false, nil
		case []string:
			for _, item := range gv {
				if looseEqual(item, c.Value) {
					return true, nil
				}
			}
			return false, nil
		default:
			return false, fmt.Errorf("variable %q: contains needs a string or list", c.Var)
		}
	default:
		return false, fmt.Errorf("unknown operator %q", c.Op)
	}
}

// looseEqual compares values with numeric coercion, so that a JSON-decoded
// float64(3) matches an int 3 from a YAML definition.
func looseEqual(a, b any) bool {
	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			return af == bf
		}
		return false
	}
	as, aok := a.(string)
	bs, bok := b.(string)
	if aok && bok {
		return as == bs
	}
	ab, aok2 := a.(bool)
	bb, bok2 := b.(bool)
	if aok2 && bok2 {
		return ab == bb
	}
	return a == b
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
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	return 0, false
}
