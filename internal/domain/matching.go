package domain

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// OpEqual is the only operator the query grammar currently accepts.
// The set is deliberately enumerable: predicates are persisted and
// later evaluated against arbitrary transaction shapes, so anything
// outside the known variants is rejected up front.
const OpEqual = "$eq"

var supportedOperators = map[string]bool{
	OpEqual: true,
}

// Condition is one parsed clause of a matching rule: the field path
// (dot notation against a flattened transaction record), the operator,
// and the comparison value.
type Condition struct {
	Path  string
	Op    string
	Value any
}

// MatchingRule holds a validated query predicate. The original JSON
// shape is kept verbatim for persistence and API round-trips; the
// parsed condition list drives in-process evaluation. Both are built
// together at construction and never diverge.
type MatchingRule struct {
	raw        map[string]any
	conditions []Condition
}

// NewMatchingRule validates a query predicate and parses it into
// conditions. The value must be an object mapping field paths to
// operator objects, e.g. {"accountType": {"$eq": "credit"}}. Multiple
// field keys are AND-ed. Anything else fails with RuleIntegrityError.
func NewMatchingRule(query any) (MatchingRule, error) {
	obj, ok := query.(map[string]any)
	if !ok {
		return MatchingRule{}, invalidQuery(query)
	}

	paths := make([]string, 0, len(obj))
	for path := range obj {
		paths = append(paths, path)
	}
	// Map iteration order is random; sort so condition order, and the
	// programs compiled from it, are deterministic.
	sort.Strings(paths)

	var conds []Condition
	for _, path := range paths {
		predicate, ok := obj[path].(map[string]any)
		if !ok {
			return MatchingRule{}, invalidQuery(obj[path])
		}
		if len(predicate) == 0 {
			return MatchingRule{}, invalidQuery(predicate)
		}

		ops := make([]string, 0, len(predicate))
		for op := range predicate {
			ops = append(ops, op)
		}
		sort.Strings(ops)

		for _, op := range ops {
			if !supportedOperators[op] {
				return MatchingRule{}, &RuleIntegrityError{Message: op + " not supported."}
			}
			value := predicate[op]
			switch value.(type) {
			case []any, map[string]any:
				return MatchingRule{}, invalidQuery(value)
			}
			conds = append(conds, Condition{Path: path, Op: op, Value: value})
		}
	}

	return MatchingRule{raw: obj, conditions: conds}, nil
}

// ParseMatchingRuleJSON validates a raw JSON predicate, typically when
// hydrating a rule from storage.
func ParseMatchingRuleJSON(data []byte) (MatchingRule, error) {
	var query any
	if err := json.Unmarshal(data, &query); err != nil {
		return MatchingRule{}, &RuleIntegrityError{Message: fmt.Sprintf("%s is not a valid query.", data)}
	}
	return NewMatchingRule(query)
}

// Conditions returns the parsed clauses in deterministic (path) order.
func (m MatchingRule) Conditions() []Condition {
	return m.conditions
}

// Raw returns the original query object for persistence.
func (m MatchingRule) Raw() map[string]any {
	return m.raw
}

// MarshalJSON echoes the original predicate verbatim.
func (m MatchingRule) MarshalJSON() ([]byte, error) {
	if m.raw == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m.raw)
}

// UnmarshalJSON re-validates: a predicate never enters the system
// unparsed, whichever door it comes through.
func (m *MatchingRule) UnmarshalJSON(data []byte) error {
	parsed, err := ParseMatchingRuleJSON(data)
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

func invalidQuery(value any) *RuleIntegrityError {
	return &RuleIntegrityError{Message: fmt.Sprintf("%s is not a valid query.", formatQueryValue(value))}
}

// formatQueryValue renders the offending value for error messages.
// Strings are quoted; arrays list their comma-joined contents.
func formatQueryValue(value any) string {
	switch v := value.(type) {
	case string:
		return fmt.Sprintf("%q", v)
	case []any:
		parts := make([]string, len(v))
		for i, item := range v {
			parts[i] = formatQueryValue(item)
		}
		return strings.Join(parts, ", ")
	case map[string]any:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	case nil:
		return "null"
	default:
		return fmt.Sprintf("%v", v)
	}
}
