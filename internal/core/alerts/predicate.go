package alerts

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Op is a predicate comparison operator.
type Op string

const (
	OpEq          Op = "=="
	OpNe          Op = "!="
	OpLt          Op = "<"
	OpLe          Op = "<="
	OpGt          Op = ">"
	OpGe          Op = ">="
	OpContains    Op = "contains"
	OpNotContains Op = "not_contains"
	OpMatches     Op = "matches"
	OpIn          Op = "in"
	OpNotIn       Op = "not_in"
)

// Clause is one atomic field-op-value comparison. Clauses within a rule are
// AND-composed; OR is expressed as multiple rules sharing a category.
type Clause struct {
	Field string      `json:"field" yaml:"field"`
	Op    Op          `json:"op" yaml:"op"`
	Value interface{} `json:"value" yaml:"value"`
}

// Validate rejects clauses with unknown operators or uncompilable regexes at
// ingestion time rather than at evaluation time.
func (c *Clause) Validate() error {
	if c.Field == "" {
		return fmt.Errorf("clause field is required")
	}
	switch c.Op {
	case OpEq, OpNe, OpLt, OpLe, OpGt, OpGe, OpContains, OpNotContains, OpIn, OpNotIn:
	case OpMatches:
		pattern, ok := c.Value.(string)
		if !ok {
			return fmt.Errorf("matches operator requires a string pattern")
		}
		if _, err := regexp.Compile(pattern); err != nil {
			return fmt.Errorf("invalid regex %q: %w", pattern, err)
		}
	default:
		return fmt.Errorf("unknown operator %q", c.Op)
	}
	return nil
}

// Evaluate resolves the clause's field by dotted path and applies the
// operator. Missing fields and illegal type pairings yield false; warn is
// called with a reason so the engine can log once per rule.
func (c *Clause) Evaluate(fields map[string]interface{}, warn func(reason string)) bool {
	raw, ok := lookupPath(fields, c.Field)
	if !ok {
		return false
	}

	switch c.Op {
	case OpEq, OpNe:
		equal, ok := compareEqual(raw, c.Value)
		if !ok {
			warn(fmt.Sprintf("cannot compare %T with %T", raw, c.Value))
			return false
		}
		if c.Op == OpEq {
			return equal
		}
		return !equal

	case OpLt, OpLe, OpGt, OpGe:
		left, lok := toNumber(raw)
		right, rok := toNumber(c.Value)
		if !lok || !rok {
			warn(fmt.Sprintf("operator %s needs numeric operands, got %T and %T", c.Op, raw, c.Value))
			return false
		}
		switch c.Op {
		case OpLt:
			return left < right
		case OpLe:
			return left <= right
		case OpGt:
			return left > right
		default:
			return left >= right
		}

	case OpContains, OpNotContains:
		haystack, hok := raw.(string)
		needle, nok := c.Value.(string)
		if !hok || !nok {
			warn(fmt.Sprintf("operator %s needs string operands, got %T and %T", c.Op, raw, c.Value))
			return false
		}
		contains := strings.Contains(haystack, needle)
		if c.Op == OpContains {
			return contains
		}
		return !contains

	case OpMatches:
		subject, sok := raw.(string)
		pattern, pok := c.Value.(string)
		if !sok || !pok {
			warn(fmt.Sprintf("matches needs string operands, got %T and %T", raw, c.Value))
			return false
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			warn(fmt.Sprintf("invalid regex %q", pattern))
			return false
		}
		return re.MatchString(subject)

	case OpIn, OpNotIn:
		list, ok := toList(c.Value)
		if !ok {
			warn(fmt.Sprintf("operator %s needs a list value, got %T", c.Op, c.Value))
			return false
		}
		found := false
		for _, candidate := range list {
			if equal, ok := compareEqual(raw, candidate); ok && equal {
				found = true
				break
			}
		}
		if c.Op == OpIn {
			return found
		}
		return !found
	}

	warn(fmt.Sprintf("unknown operator %q", c.Op))
	return false
}

// lookupPath walks a dotted path through nested maps.
func lookupPath(fields map[string]interface{}, path string) (interface{}, bool) {
	parts := strings.Split(path, ".")
	var current interface{} = fields
	for _, part := range parts {
		m, ok := current.(map[string]interface{})
		if !ok {
			return nil, false
		}
		current, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// toNumber coerces the value variant's numeric shapes to float64. Numeric
// strings are accepted the way device metadata often delivers them.
func toNumber(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func toList(v interface{}) ([]interface{}, bool) {
	switch list := v.(type) {
	case []interface{}:
		return list, true
	case []string:
		out := make([]interface{}, len(list))
		for i, s := range list {
			out[i] = s
		}
		return out, true
	case []float64:
		out := make([]interface{}, len(list))
		for i, f := range list {
			out[i] = f
		}
		return out, true
	default:
		return nil, false
	}
}

// compareEqual equates values of compatible types: numbers with numbers,
// strings with strings, bools with bools. The bool result reports equality;
// the second return reports whether the pairing was legal.
func compareEqual(a, b interface{}) (bool, bool) {
	if ab, aok := a.(bool); aok {
		bb, bok := b.(bool)
		return aok && bok && ab == bb, bok
	}
	if _, bok := b.(bool); bok {
		return false, false
	}

	if an, aok := toNumber(a); aok {
		if bn, bok := toNumber(b); bok {
			return an == bn, true
		}
	}

	as, aok := a.(string)
	bs, bok := b.(string)
	if aok && bok {
		return as == bs, true
	}

	return false, false
}
