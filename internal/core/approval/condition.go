package approval

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// Operator is a whitelisted comparison. There is deliberately no general
// expression language: every policy condition is one field, one operator,
// one literal, and conditions AND together.
type Operator string

const (
	OpEQ      Operator = "EQ"
	OpNEQ     Operator = "NEQ"
	OpGT      Operator = "GT"
	OpGTE     Operator = "GTE"
	OpLT      Operator = "LT"
	OpLTE     Operator = "LTE"
	OpIn      Operator = "IN"
	OpNotIn   Operator = "NOT_IN"
	OpBetween Operator = "BETWEEN"
	OpMatches Operator = "MATCHES"
)

// ErrBadCondition reports a malformed condition row: unknown operator, a
// literal whose shape does not fit the operator, or an invalid pattern.
// Payload-side mismatches (missing field, wrong type) are not errors; the
// condition just evaluates false.
type ErrBadCondition struct {
	Field    string
	Operator Operator
	Reason   string
}

func (e *ErrBadCondition) Error() string {
	return fmt.Sprintf("approval: bad condition %s %s: %s", e.Field, e.Operator, e.Reason)
}

// PolicyCondition is one AND-ed predicate over the operation payload. Field
// is a dotted path ("amount_minor", "meta.channel", "entries.0.side");
// integer segments index arrays. Value holds the comparison literal as JSON.
type PolicyCondition struct {
	PolicyID string          `json:"policy_id"`
	Field    string          `json:"field"`
	Operator Operator        `json:"operator"`
	Value    json.RawMessage `json:"value_json"`
}

// Evaluate applies the condition to a JSON payload. Numeric comparisons are
// exact (no float round-trip); strings order lexicographically for the
// relational operators.
func (c PolicyCondition) Evaluate(payload []byte) (bool, error) {
	doc, err := decodeJSON(payload)
	if err != nil {
		return false, fmt.Errorf("approval: payload is not valid JSON: %w", err)
	}
	got, ok := lookupPath(doc, c.Field)
	if !ok {
		return false, nil
	}

	switch c.Operator {
	case OpEQ, OpNEQ:
		want, err := c.literal()
		if err != nil {
			return false, err
		}
		eq := jsonEqual(got, want)
		if c.Operator == OpNEQ {
			return !eq, nil
		}
		return eq, nil

	case OpGT, OpGTE, OpLT, OpLTE:
		want, err := c.literal()
		if err != nil {
			return false, err
		}
		cmp, ok := jsonCompare(got, want)
		if !ok {
			return false, nil
		}
		switch c.Operator {
		case OpGT:
			return cmp > 0, nil
		case OpGTE:
			return cmp >= 0, nil
		case OpLT:
			return cmp < 0, nil
		default:
			return cmp <= 0, nil
		}

	case OpIn, OpNotIn:
		set, err := c.literalList(1)
		if err != nil {
			return false, err
		}
		member := false
		for _, want := range set {
			if jsonEqual(got, want) {
				member = true
				break
			}
		}
		if c.Operator == OpNotIn {
			return !member, nil
		}
		return member, nil

	case OpBetween:
		bounds, err := c.literalList(2)
		if err != nil {
			return false, err
		}
		if len(bounds) != 2 {
			return false, &ErrBadCondition{c.Field, c.Operator, "literal must be a two-element array"}
		}
		lo, okLo := jsonCompare(got, bounds[0])
		hi, okHi := jsonCompare(got, bounds[1])
		if !okLo || !okHi {
			return false, nil
		}
		return lo >= 0 && hi <= 0, nil

	case OpMatches:
		var pattern string
		if err := json.Unmarshal(c.Value, &pattern); err != nil {
			return false, &ErrBadCondition{c.Field, c.Operator, "literal must be a string pattern"}
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return false, &ErrBadCondition{c.Field, c.Operator, "invalid pattern: " + err.Error()}
		}
		s, ok := got.(string)
		if !ok {
			if n, isNum := got.(json.Number); isNum {
				s = n.String()
			} else {
				return false, nil
			}
		}
		return re.MatchString(s), nil

	default:
		return false, &ErrBadCondition{c.Field, c.Operator, "unknown operator"}
	}
}

func (c PolicyCondition) literal() (any, error) {
	v, err := decodeJSON(c.Value)
	if err != nil {
		return nil, &ErrBadCondition{c.Field, c.Operator, "literal is not valid JSON"}
	}
	return v, nil
}

func (c PolicyCondition) literalList(min int) ([]any, error) {
	v, err := c.literal()
	if err != nil {
		return nil, err
	}
	list, ok := v.([]any)
	if !ok || len(list) < min {
		return nil, &ErrBadCondition{c.Field, c.Operator, "literal must be a JSON array"}
	}
	return list, nil
}

// decodeJSON parses with UseNumber so int64 amounts survive without a
// float64 round-trip.
func decodeJSON(raw []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return v, nil
}

// lookupPath walks a dotted path through nested objects and arrays.
func lookupPath(doc any, path string) (any, bool) {
	cur := doc
	for _, seg := range strings.Split(path, ".") {
		switch node := cur.(type) {
		case map[string]any:
			next, ok := node[seg]
			if !ok {
				return nil, false
			}
			cur = next
		case []any:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil, false
			}
			cur = node[idx]
		default:
			return nil, false
		}
	}
	return cur, true
}

// jsonEqual compares two decoded JSON scalars. Numbers compare numerically
// regardless of textual form; other types must match exactly.
func jsonEqual(a, b any) bool {
	if na, ok := toDecimal(a); ok {
		nb, ok := toDecimal(b)
		return ok && na.Equal(nb)
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
		return false
	}
}

// jsonCompare orders two scalars: numerically when both are numbers,
// lexicographically when both are strings. Mixed or non-orderable types
// report ok=false.
func jsonCompare(a, b any) (int, bool) {
	if na, ok := toDecimal(a); ok {
		if nb, ok := toDecimal(b); ok {
			return na.Cmp(nb), true
		}
		return 0, false
	}
	as, okA := a.(string)
	bs, okB := b.(string)
	if okA && okB {
		return strings.Compare(as, bs), true
	}
	return 0, false
}

func toDecimal(v any) (decimal.Decimal, bool) {
	n, ok := v.(json.Number)
	if !ok {
		return decimal.Decimal{}, false
	}
	d, err := decimal.NewFromString(n.String())
	if err != nil {
		return decimal.Decimal{}, false
	}
	return d, true
}
