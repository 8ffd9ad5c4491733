package search

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/mruwnik/memory-sub003/internal/access"
	"github.com/mruwnik/memory-sub003/internal/index"
	"github.com/mruwnik/memory-sub003/internal/logging"
)

// Reserved filter keys carrying compound values. The orchestrator pops
// these out of the caller filters before compilation; they are never
// forwarded to the index verbatim.
const (
	FilterKeyAccess = "access_filter"
	FilterKeyPerson = "person_id"
)

// Payload fields the compiled clauses match against.
const (
	fieldProjectID   = "project_id"
	fieldSensitivity = "sensitivity"
	fieldPeople      = "people"
	fieldSourceID    = "source_id"

	confidencePrefix = "confidence."
)

// Project ids are positive, so an equality against -1 is guaranteed to
// match zero points while still producing a real filter the index
// accepts.
const neverMatchProjectID = -1

// listMatchKeys match when the payload list intersects the given values.
var listMatchKeys = map[string]bool{
	"tags":              true,
	"recipients":        true,
	"observation_types": true,
	"authors":           true,
}

// exactMatchKeys match a scalar payload string exactly.
var exactMatchKeys = map[string]bool{
	"folder_path": true,
	"sender":      true,
	"domain":      true,
	"author":      true,
}

// Compiler translates caller-supplied filters and access decisions into
// the index filter tree. Caller filters are restricted to a closed
// vocabulary; anything outside it is dropped and logged, never passed
// through, since the index filter language is expressive enough to be
// abused by a hostile key.
type Compiler struct {
	logger *logging.Logger
}

// NewCompiler returns a compiler logging through the given logger. A
// nil logger disables logging.
func NewCompiler(logger *logging.Logger) *Compiler {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Compiler{logger: logger}
}

// NeverMatch is a condition no stored point satisfies.
func NeverMatch() index.Condition {
	return index.MatchInt(fieldProjectID, neverMatchProjectID)
}

// AccessConditions compiles an access filter into clauses for the
// assembled query filter.
//
// Unrestricted compiles to no clauses at all. A filter that matches
// nothing compiles to a never-matching Must condition rather than an
// omitted filter, so a bug upstream fails closed. Otherwise each grant
// becomes one Should branch requiring its project id and one of its
// readable sensitivity levels, and at least one branch must match.
func AccessConditions(af access.Filter) (must, should []index.Condition) {
	if af.IsUnrestricted() {
		return nil, nil
	}
	if af.IsEmpty() {
		return []index.Condition{NeverMatch()}, nil
	}
	for _, cond := range af.Conditions() {
		should = append(should, index.Nested(index.Filter{
			Must: []index.Condition{
				index.MatchInt(fieldProjectID, cond.ProjectID),
				index.MatchAnyKeyword(fieldSensitivity, cond.Levels.Names()...),
			},
		}))
	}
	return nil, should
}

// PersonCondition matches items associated with the given person or
// with nobody. Absence of the people field counts as a match, not an
// exclusion, so unattributed items stay visible.
func PersonCondition(personID int64) index.Condition {
	return index.Nested(index.Filter{Should: []index.Condition{
		index.IsNull(fieldPeople),
		index.MatchAnyInt(fieldPeople, personID),
	}})
}

// CallerConditions compiles the caller's filter mapping into index
// conditions. Recognized keys:
//
//   - tags, recipients, observation_types, authors: list membership
//   - folder_path, sender, domain, author: exact string match
//   - min_* / max_* numeric pairs: one range clause on the stripped name
//   - min_confidences: map of observation type to score floor
//   - source_ids: source id membership
//
// Unrecognized keys and unusable values are dropped and logged. Output
// order is deterministic for a given input.
func (c *Compiler) CallerConditions(ctx context.Context, filters map[string]interface{}) []index.Condition {
	if len(filters) == 0 {
		return nil
	}

	keys := make([]string, 0, len(filters))
	for k := range filters {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var conds []index.Condition
	ranges := map[string]*index.RangeCondition{}

	bound := func(field string) *index.RangeCondition {
		r, ok := ranges[field]
		if !ok {
			r = &index.RangeCondition{}
			ranges[field] = r
		}
		return r
	}

	for _, key := range keys {
		value := filters[key]
		switch {
		case key == FilterKeyAccess || key == FilterKeyPerson:
			// Already popped by the orchestrator; skip stragglers.

		case key == "min_confidences":
			thresholds, ok := toFloatMap(value)
			if !ok {
				c.dropValue(ctx, key, value)
				continue
			}
			types := make([]string, 0, len(thresholds))
			for typ := range thresholds {
				types = append(types, typ)
			}
			sort.Strings(types)
			for _, typ := range types {
				floor := thresholds[typ]
				conds = append(conds, index.InRange(confidencePrefix+typ, index.RangeCondition{Gte: &floor}))
			}

		case key == "source_ids":
			ids, ok := toInt64s(value)
			if !ok {
				c.dropValue(ctx, key, value)
				continue
			}
			if len(ids) == 0 {
				continue
			}
			conds = append(conds, index.MatchAnyInt(fieldSourceID, ids...))

		case listMatchKeys[key]:
			values, ok := toStrings(value)
			if !ok {
				c.dropValue(ctx, key, value)
				continue
			}
			if len(values) == 0 {
				continue
			}
			conds = append(conds, index.MatchAnyKeyword(key, values...))

		case exactMatchKeys[key]:
			s, ok := value.(string)
			if !ok {
				c.dropValue(ctx, key, value)
				continue
			}
			conds = append(conds, index.MatchKeyword(key, s))

		case strings.HasPrefix(key, "min_"):
			n, ok := toFloat(value)
			if !ok {
				c.dropValue(ctx, key, value)
				continue
			}
			bound(strings.TrimPrefix(key, "min_")).Gte = &n

		case strings.HasPrefix(key, "max_"):
			n, ok := toFloat(value)
			if !ok {
				c.dropValue(ctx, key, value)
				continue
			}
			bound(strings.TrimPrefix(key, "max_")).Lte = &n

		default:
			c.dropKey(ctx, key, value)
		}
	}

	// Paired bounds collapsed into one clause per field, after the
	// scalar conditions so output order stays stable.
	fields := make([]string, 0, len(ranges))
	for field := range ranges {
		fields = append(fields, field)
	}
	sort.Strings(fields)
	for _, field := range fields {
		conds = append(conds, index.InRange(field, *ranges[field]))
	}

	return conds
}

// Assemble builds the complete filter for one search: caller conditions
// and the optional person clause in Must, access branches in Should.
// Returns nil when nothing constrains the query.
func (c *Compiler) Assemble(ctx context.Context, filters map[string]interface{}, personID *int64, af access.Filter) *index.Filter {
	f := index.Filter{Must: c.CallerConditions(ctx, filters)}
	if personID != nil {
		f.Must = append(f.Must, PersonCondition(*personID))
	}
	must, should := AccessConditions(af)
	f.Must = append(f.Must, must...)
	f.Should = append(f.Should, should...)
	if f.IsZero() {
		return nil
	}
	return &f
}

func (c *Compiler) dropKey(ctx context.Context, key string, value interface{}) {
	DroppedFilterKeysTotal.Inc()
	c.logger.Warn(ctx, "Dropping unrecognized search filter key",
		zap.String("key", key),
		zap.String("value_type", fmt.Sprintf("%T", value)))
}

func (c *Compiler) dropValue(ctx context.Context, key string, value interface{}) {
	DroppedFilterKeysTotal.Inc()
	c.logger.Warn(ctx, "Dropping search filter with unusable value",
		zap.String("key", key),
		zap.String("value_type", fmt.Sprintf("%T", value)))
}

// Coercion helpers. Filter values arrive either as native Go values or
// as the generic shapes a JSON decode produces.

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

func toStrings(v interface{}) ([]string, bool) {
	switch list := v.(type) {
	case []string:
		return list, true
	case []interface{}:
		out := make([]string, 0, len(list))
		for _, elem := range list {
			s, ok := elem.(string)
			if !ok {
				return nil, false
			}
			out = append(out, s)
		}
		return out, true
	default:
		return nil, false
	}
}

func toInt64s(v interface{}) ([]int64, bool) {
	switch list := v.(type) {
	case []int64:
		return list, true
	case []int:
		out := make([]int64, 0, len(list))
		for _, n := range list {
			out = append(out, int64(n))
		}
		return out, true
	case []interface{}:
		out := make([]int64, 0, len(list))
		for _, elem := range list {
			n, ok := toFloat(elem)
			if !ok || n != float64(int64(n)) {
				return nil, false
			}
			out = append(out, int64(n))
		}
		return out, true
	default:
		return nil, false
	}
}

func toFloatMap(v interface{}) (map[string]float64, bool) {
	switch m := v.(type) {
	case map[string]float64:
		return m, true
	case map[string]interface{}:
		out := make(map[string]float64, len(m))
		for k, elem := range m {
			n, ok := toFloat(elem)
			if !ok {
				return nil, false
			}
			out[k] = n
		}
		return out, true
	default:
		return nil, false
	}
}
