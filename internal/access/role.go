package access

import "fmt"

// Role is a per-project grant. Roles are cumulative: each role's level
// set strictly contains the sets of the roles below it, so promoting a
// member never removes visibility.
type Role string

const (
	// RoleContributor reads public and basic content.
	RoleContributor Role = "contributor"
	// RoleManager additionally reads internal content.
	RoleManager Role = "manager"
	// RoleAdmin reads everything in the project, confidential included.
	RoleAdmin Role = "admin"
)

var roleLevels = map[Role]LevelSet{
	RoleContributor: NewLevelSet(LevelPublic, LevelBasic),
	RoleManager:     NewLevelSet(LevelPublic, LevelBasic, LevelInternal),
	RoleAdmin:       NewLevelSet(LevelPublic, LevelBasic, LevelInternal, LevelConfidential),
}

// Levels returns the sensitivity levels r may read. Unknown roles get
// the empty set: a record with a role this version does not understand
// grants nothing rather than failing the whole request.
func (r Role) Levels() LevelSet {
	return roleLevels[r]
}

// Valid reports whether r is one of the defined roles.
func (r Role) Valid() bool {
	_, ok := roleLevels[r]
	return ok
}

// ParseRole validates a role name from an external source. Unlike
// evaluation, parsing surfaces unknown names so boundaries can log and
// drop them instead of silently granting nothing.
func ParseRole(s string) (Role, error) {
	r := Role(s)
	if !r.Valid() {
		return "", fmt.Errorf("unknown project role: %q", s)
	}
	return r, nil
}

// RoleMap is a requester's project grants, keyed by project id. It is
// assembled fresh for every request by the caller; this package never
// stores one.
type RoleMap map[int64]Role
