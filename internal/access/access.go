package access

// Superadmin scopes. Either grants unconditional access to every item,
// including items outside any project.
const (
	ScopeWildcard = "*"
	ScopeAdmin    = "admin"
)

// Requester is the caller identity an access decision runs against.
// It carries only what the decision needs: a stable id (matched against
// the people payload field) and the token scopes.
type Requester struct {
	ID     int64
	Scopes []string
}

// HasAdminScope reports whether the requester is a superadmin.
func (r Requester) HasAdminScope() bool {
	for _, s := range r.Scopes {
		if s == ScopeWildcard || s == ScopeAdmin {
			return true
		}
	}
	return false
}

// Item is the access-relevant view of a stored content item. A nil
// ProjectID marks system-level content outside any project.
type Item struct {
	ProjectID   *int64
	Sensitivity Level
}

// CanAccess decides whether req may read item given its current roles.
//
// Superadmins read everything. For everyone else the item must belong
// to a project, the requester must hold a role there, and that role's
// level set must include the item's sensitivity. Every failure mode
// denies; this function has no error path.
func CanAccess(req Requester, item Item, roles RoleMap) bool {
	if req.HasAdminScope() {
		return true
	}
	if item.ProjectID == nil {
		// Projectless items are system-level; only superadmins see them.
		return false
	}
	role, ok := roles[*item.ProjectID]
	if !ok {
		return false
	}
	return role.Levels().Contains(item.Sensitivity)
}

// CanCreateIn decides whether req may create content at the given
// sensitivity in the given project. Creation applies the same rule as
// reading, so a member can never write an item they could not read back.
func CanCreateIn(req Requester, projectID int64, level Level, roles RoleMap) bool {
	return CanAccess(req, Item{ProjectID: &projectID, Sensitivity: level}, roles)
}

// AllowedProjectIDs returns the projects req holds a usable role in,
// ascending. Superadmins are not limited to an enumerable set; they
// report nil ids and all true.
func AllowedProjectIDs(req Requester, roles RoleMap) (ids []int64, all bool) {
	if req.HasAdminScope() {
		return nil, true
	}
	return BuildFilter(req, roles).ProjectIDs(), false
}

// MaxLevelForProject returns the most sensitive level req may read in
// the project, for permission displays and preflight checks. The second
// return is false when the requester has no access at all. Superadmins
// report confidential for any project.
func MaxLevelForProject(req Requester, projectID int64, roles RoleMap) (Level, bool) {
	if req.HasAdminScope() {
		return LevelConfidential, true
	}
	role, ok := roles[projectID]
	if !ok {
		return 0, false
	}
	return role.Levels().Max()
}
