package access

import "sort"

// Condition grants visibility into one project at a set of levels. A
// compiled search filter is the OR of a requester's conditions.
type Condition struct {
	ProjectID int64
	Levels    LevelSet
}

// Filter is the declarative output of the access model: which
// (project, levels) slices of the corpus a requester may see.
//
// Two states matter beyond the ordinary populated case, and both are
// values rather than errors:
//   - the unrestricted sentinel means "apply no access filter at all"
//     (superadmins); consumers must not emit any clause for it
//   - the empty filter means "matches nothing" (a requester with no
//     grants); consumers must emit a clause no item satisfies, never
//     drop the filter
//
// Mixing those up turns a denial into full corpus exposure, so the two
// predicates below are the only way to tell the states apart.
type Filter struct {
	unrestricted bool
	conditions   []Condition
}

// Unrestricted returns the sentinel filter that applies no restriction.
func Unrestricted() Filter {
	return Filter{unrestricted: true}
}

// NewFilter builds a restricted filter from explicit conditions.
// Conditions with empty level sets are dropped; the result is sorted by
// project id so compiled output is deterministic.
func NewFilter(conds ...Condition) Filter {
	kept := make([]Condition, 0, len(conds))
	for _, c := range conds {
		if !c.Levels.IsEmpty() {
			kept = append(kept, c)
		}
	}
	sort.Slice(kept, func(i, j int) bool { return kept[i].ProjectID < kept[j].ProjectID })
	return Filter{conditions: kept}
}

// IsUnrestricted reports whether f is the no-restriction sentinel.
func (f Filter) IsUnrestricted() bool {
	return f.unrestricted
}

// IsEmpty reports whether f matches nothing. The unrestricted sentinel
// is never empty.
func (f Filter) IsEmpty() bool {
	return !f.unrestricted && len(f.conditions) == 0
}

// Conditions returns the filter's conditions in project-id order. Nil
// for the unrestricted sentinel.
func (f Filter) Conditions() []Condition {
	return f.conditions
}

// ProjectIDs returns the project ids the filter grants visibility into,
// ascending. Nil for the unrestricted sentinel.
func (f Filter) ProjectIDs() []int64 {
	if f.unrestricted {
		return nil
	}
	out := make([]int64, len(f.conditions))
	for i, c := range f.conditions {
		out[i] = c.ProjectID
	}
	return out
}

// BuildFilter compiles a requester's grants into a Filter.
//
// Superadmins get the unrestricted sentinel. Everyone else gets one
// condition per project role; roles this version does not recognize
// contribute nothing (their level set is empty). A requester with no
// usable grants gets the empty, matches-nothing filter.
func BuildFilter(req Requester, roles RoleMap) Filter {
	if req.HasAdminScope() {
		return Unrestricted()
	}
	conds := make([]Condition, 0, len(roles))
	for projectID, role := range roles {
		conds = append(conds, Condition{ProjectID: projectID, Levels: role.Levels()})
	}
	return NewFilter(conds...)
}
