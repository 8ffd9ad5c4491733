package index

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Filter is a boolean tree of conditions attached to a query.
//
// Semantics (identical across backends):
//   - Must: every condition matches (AND)
//   - Should: at least one condition matches when any are present (OR)
//   - MustNot: no condition matches
//
// The zero Filter matches every point. Conditions are built through the
// constructors below; the vocabulary is closed so a filter can always be
// serialized, evaluated locally, and converted to backend form without
// encountering an unknown shape.
type Filter struct {
	Must    []Condition
	Should  []Condition
	MustNot []Condition
}

// IsZero reports whether the filter has no conditions at all.
func (f Filter) IsZero() bool {
	return len(f.Must) == 0 && len(f.Should) == 0 && len(f.MustNot) == 0
}

// Condition is one node of the tree. Exactly one variant is populated:
// Match, Range, or IsNull against Field, or Sub for a nested group.
type Condition struct {
	Field  string
	Match  *Match
	Range  *RangeCondition
	IsNull bool
	Sub    *Filter
}

// MatchKind discriminates the match variants.
type MatchKind uint8

const (
	matchKeyword MatchKind = iota + 1
	matchInteger
	matchAnyKeyword
	matchAnyInteger
)

// Match is an equality or membership test. For list-valued payload
// fields the test applies element-wise, so "any" against a tags list
// means a non-empty intersection.
type Match struct {
	Kind     MatchKind
	Keyword  string
	Integer  int64
	Keywords []string
	Integers []int64
}

// RangeCondition is a numeric range test. Nil bounds are open.
type RangeCondition struct {
	Gte *float64
	Lte *float64
	Gt  *float64
	Lt  *float64
}

// MatchKeyword matches a string field (or list element) exactly.
func MatchKeyword(field, value string) Condition {
	return Condition{Field: field, Match: &Match{Kind: matchKeyword, Keyword: value}}
}

// MatchInt matches an integer field (or list element) exactly.
func MatchInt(field string, value int64) Condition {
	return Condition{Field: field, Match: &Match{Kind: matchInteger, Integer: value}}
}

// MatchAnyKeyword matches when the field equals, or its list contains,
// any of the given strings.
func MatchAnyKeyword(field string, values ...string) Condition {
	return Condition{Field: field, Match: &Match{Kind: matchAnyKeyword, Keywords: values}}
}

// MatchAnyInt matches when the field equals, or its list contains, any
// of the given integers.
func MatchAnyInt(field string, values ...int64) Condition {
	return Condition{Field: field, Match: &Match{Kind: matchAnyInteger, Integers: values}}
}

// InRange matches a numeric field against the given bounds.
func InRange(field string, r RangeCondition) Condition {
	return Condition{Field: field, Range: &r}
}

// IsNull matches points where the field is null or absent.
func IsNull(field string) Condition {
	return Condition{Field: field, IsNull: true}
}

// Nested embeds a whole filter as a single condition, for grouping
// (an OR of ANDs is a Should list of Nested Must groups).
func Nested(f Filter) Condition {
	return Condition{Sub: &f}
}

// MarshalJSON renders the filter in the index wire shape:
//
//	{"must":[{"key":"project_id","match":{"value":7}}, ...]}
//
// Conditions render as {"key":...,"match":{"value":...}} or
// {"match":{"any":[...]}}, {"key":...,"range":{"gte":...,"lte":...}},
// {"is_null":{"key":...}}; nested groups render as inline filter
// objects.
func (f Filter) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	first := true
	writeClause := func(name string, conds []Condition) error {
		if len(conds) == 0 {
			return nil
		}
		if !first {
			buf.WriteByte(',')
		}
		first = false
		fmt.Fprintf(&buf, "%q:", name)
		raw, err := json.Marshal(conds)
		if err != nil {
			return err
		}
		buf.Write(raw)
		return nil
	}
	if err := writeClause("must", f.Must); err != nil {
		return nil, err
	}
	if err := writeClause("should", f.Should); err != nil {
		return nil, err
	}
	if err := writeClause("must_not", f.MustNot); err != nil {
		return nil, err
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// MarshalJSON renders one condition in wire shape.
func (c Condition) MarshalJSON() ([]byte, error) {
	switch {
	case c.Sub != nil:
		return json.Marshal(*c.Sub)
	case c.IsNull:
		return json.Marshal(map[string]any{"is_null": map[string]string{"key": c.Field}})
	case c.Match != nil:
		var match map[string]any
		switch c.Match.Kind {
		case matchKeyword:
			match = map[string]any{"value": c.Match.Keyword}
		case matchInteger:
			match = map[string]any{"value": c.Match.Integer}
		case matchAnyKeyword:
			match = map[string]any{"any": c.Match.Keywords}
		case matchAnyInteger:
			match = map[string]any{"any": c.Match.Integers}
		default:
			return nil, fmt.Errorf("condition %q: unknown match kind %d", c.Field, c.Match.Kind)
		}
		return json.Marshal(map[string]any{"key": c.Field, "match": match})
	case c.Range != nil:
		rng := map[string]any{}
		if c.Range.Gte != nil {
			rng["gte"] = *c.Range.Gte
		}
		if c.Range.Lte != nil {
			rng["lte"] = *c.Range.Lte
		}
		if c.Range.Gt != nil {
			rng["gt"] = *c.Range.Gt
		}
		if c.Range.Lt != nil {
			rng["lt"] = *c.Range.Lt
		}
		return json.Marshal(map[string]any{"key": c.Field, "range": rng})
	default:
		return nil, fmt.Errorf("condition %q has no variant set", c.Field)
	}
}

// Matches evaluates the filter against a payload. This is the local
// twin of backend-side filtering: the embedded backend post-filters
// with it, and tests use it to prove a compiled filter excludes what it
// must. Conditions on absent fields do not match (except IsNull).
func (f Filter) Matches(payload map[string]interface{}) bool {
	for _, c := range f.Must {
		if !c.matches(payload) {
			return false
		}
	}
	for _, c := range f.MustNot {
		if c.matches(payload) {
			return false
		}
	}
	if len(f.Should) > 0 {
		for _, c := range f.Should {
			if c.matches(payload) {
				return true
			}
		}
		return false
	}
	return true
}

func (c Condition) matches(payload map[string]interface{}) bool {
	if c.Sub != nil {
		return c.Sub.Matches(payload)
	}
	value, present := payload[c.Field]
	if c.IsNull {
		return !present || value == nil
	}
	if !present || value == nil {
		return false
	}
	switch {
	case c.Match != nil:
		return c.Match.matches(value)
	case c.Range != nil:
		n, ok := asFloat64(value)
		return ok && c.Range.contains(n)
	default:
		return false
	}
}

func (m *Match) matches(value interface{}) bool {
	// List-valued fields match element-wise.
	if list, ok := value.([]interface{}); ok {
		for _, elem := range list {
			if m.matchesScalar(elem) {
				return true
			}
		}
		return false
	}
	if list, ok := value.([]string); ok {
		for _, elem := range list {
			if m.matchesScalar(elem) {
				return true
			}
		}
		return false
	}
	return m.matchesScalar(value)
}

func (m *Match) matchesScalar(value interface{}) bool {
	switch m.Kind {
	case matchKeyword:
		s, ok := value.(string)
		return ok && s == m.Keyword
	case matchInteger:
		n, ok := asInt64(value)
		return ok && n == m.Integer
	case matchAnyKeyword:
		s, ok := value.(string)
		if !ok {
			return false
		}
		for _, want := range m.Keywords {
			if s == want {
				return true
			}
		}
		return false
	case matchAnyInteger:
		n, ok := asInt64(value)
		if !ok {
			return false
		}
		for _, want := range m.Integers {
			if n == want {
				return true
			}
		}
		return false
	default:
		return false
	}
}

func (r *RangeCondition) contains(n float64) bool {
	if r.Gte != nil && n < *r.Gte {
		return false
	}
	if r.Lte != nil && n > *r.Lte {
		return false
	}
	if r.Gt != nil && n <= *r.Gt {
		return false
	}
	if r.Lt != nil && n >= *r.Lt {
		return false
	}
	return true
}

// asInt64 normalizes the integer representations a payload can carry
// depending on which decoder produced it.
func asInt64(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case float64:
		if n == float64(int64(n)) {
			return int64(n), true
		}
		return 0, false
	default:
		return 0, false
	}
}

func asFloat64(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int64:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	default:
		return 0, false
	}
}
