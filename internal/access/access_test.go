package access

import (
	"reflect"
	"testing"
)

func int64Ptr(v int64) *int64 { return &v }

func TestParseLevelRoundTrip(t *testing.T) {
	for _, l := range []Level{LevelPublic, LevelBasic, LevelInternal, LevelConfidential} {
		got, err := ParseLevel(l.String())
		if err != nil {
			t.Fatalf("ParseLevel(%q) returned error: %v", l.String(), err)
		}
		if got != l {
			t.Errorf("ParseLevel(%q) = %v, want %v", l.String(), got, l)
		}
	}
}

func TestParseLevelUnknown(t *testing.T) {
	for _, s := range []string{"", "secret", "PUBLIC", "Public ", "4"} {
		if _, err := ParseLevel(s); err == nil {
			t.Errorf("ParseLevel(%q) succeeded, want error", s)
		}
	}
}

func TestRoleLevelsAreCumulative(t *testing.T) {
	contributor := RoleContributor.Levels()
	manager := RoleManager.Levels()
	admin := RoleAdmin.Levels()

	if !manager.ContainsAll(contributor) || manager == contributor {
		t.Errorf("manager levels %v must strictly contain contributor levels %v", manager, contributor)
	}
	if !admin.ContainsAll(manager) || admin == manager {
		t.Errorf("admin levels %v must strictly contain manager levels %v", admin, manager)
	}
	if admin.Len() != 4 {
		t.Errorf("admin must read all four levels, got %v", admin)
	}
	if contributor.Contains(LevelInternal) || contributor.Contains(LevelConfidential) {
		t.Errorf("contributor must not read internal or confidential, got %v", contributor)
	}
	if manager.Contains(LevelConfidential) {
		t.Errorf("manager must not read confidential, got %v", manager)
	}
}

func TestRoleLevelsUnknownRole(t *testing.T) {
	if got := Role("owner").Levels(); !got.IsEmpty() {
		t.Errorf("unknown role levels = %v, want empty set", got)
	}
	if got := Role("").Levels(); !got.IsEmpty() {
		t.Errorf("empty role levels = %v, want empty set", got)
	}
}

func TestParseRole(t *testing.T) {
	if _, err := ParseRole("manager"); err != nil {
		t.Fatalf("ParseRole(manager) returned error: %v", err)
	}
	if _, err := ParseRole("owner"); err == nil {
		t.Error("ParseRole(owner) succeeded, want error")
	}
}

func TestLevelSetMax(t *testing.T) {
	if _, ok := LevelSet(0).Max(); ok {
		t.Error("empty set reported a max level")
	}
	max, ok := NewLevelSet(LevelPublic, LevelInternal).Max()
	if !ok || max != LevelInternal {
		t.Errorf("Max() = %v, %v; want internal, true", max, ok)
	}
}

func TestHasAdminScope(t *testing.T) {
	tests := []struct {
		name   string
		scopes []string
		want   bool
	}{
		{"no scopes", nil, false},
		{"ordinary scopes", []string{"read", "write"}, false},
		{"wildcard", []string{"*"}, true},
		{"admin", []string{"admin"}, true},
		{"admin among others", []string{"read", "admin"}, true},
		{"case sensitive", []string{"Admin", "ADMIN"}, false},
		{"substring is not a scope", []string{"administrator"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := Requester{ID: 1, Scopes: tt.scopes}
			if got := req.HasAdminScope(); got != tt.want {
				t.Errorf("HasAdminScope() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCanAccess(t *testing.T) {
	member := Requester{ID: 10, Scopes: []string{"read"}}
	super := Requester{ID: 11, Scopes: []string{"*"}}
	roles := RoleMap{1: RoleContributor, 2: RoleManager, 3: RoleAdmin}

	tests := []struct {
		name  string
		req   Requester
		item  Item
		roles RoleMap
		want  bool
	}{
		{"contributor reads public", member, Item{int64Ptr(1), LevelPublic}, roles, true},
		{"contributor reads basic", member, Item{int64Ptr(1), LevelBasic}, roles, true},
		{"contributor denied internal", member, Item{int64Ptr(1), LevelInternal}, roles, false},
		{"contributor denied confidential", member, Item{int64Ptr(1), LevelConfidential}, roles, false},
		{"manager reads internal", member, Item{int64Ptr(2), LevelInternal}, roles, true},
		{"manager denied confidential", member, Item{int64Ptr(2), LevelConfidential}, roles, false},
		{"admin reads confidential", member, Item{int64Ptr(3), LevelConfidential}, roles, true},
		{"no role in project", member, Item{int64Ptr(99), LevelPublic}, roles, false},
		{"nil project denied for member", member, Item{nil, LevelPublic}, roles, false},
		{"nil project allowed for superadmin", super, Item{nil, LevelConfidential}, nil, true},
		{"superadmin without roles", super, Item{int64Ptr(99), LevelConfidential}, nil, true},
		{"no roles at all", member, Item{int64Ptr(1), LevelPublic}, nil, false},
		{"unknown role grants nothing", member, Item{int64Ptr(4), LevelPublic}, RoleMap{4: "owner"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CanAccess(tt.req, tt.item, tt.roles); got != tt.want {
				t.Errorf("CanAccess() = %v, want %v", got, tt.want)
			}
		})
	}
}

// Creation must use the same rule as reading: anything a requester can
// write, they can read back, at every (role, level) combination.
func TestCreateMatchesRead(t *testing.T) {
	req := Requester{ID: 7}
	for _, role := range []Role{RoleContributor, RoleManager, RoleAdmin, "owner"} {
		roles := RoleMap{5: role}
		for l := LevelPublic; l <= LevelConfidential; l++ {
			canCreate := CanCreateIn(req, 5, l, roles)
			canRead := CanAccess(req, Item{int64Ptr(5), l}, roles)
			if canCreate != canRead {
				t.Errorf("role %s level %s: create=%v read=%v", role, l, canCreate, canRead)
			}
		}
	}
}

func TestSuperadminCanCreateAnywhere(t *testing.T) {
	super := Requester{ID: 1, Scopes: []string{"admin"}}
	if !CanCreateIn(super, 42, LevelConfidential, nil) {
		t.Error("superadmin denied creation without any role")
	}
}

func TestAllowedProjectIDs(t *testing.T) {
	roles := RoleMap{4: RoleContributor, 1: RoleManager, 8: "owner"}

	ids, all := AllowedProjectIDs(Requester{ID: 2}, roles)
	if all {
		t.Error("member reported unlimited project access")
	}
	if !reflect.DeepEqual(ids, []int64{1, 4}) {
		t.Errorf("AllowedProjectIDs() = %v, want [1 4]", ids)
	}

	ids, all = AllowedProjectIDs(Requester{Scopes: []string{"admin"}}, roles)
	if !all || ids != nil {
		t.Errorf("superadmin = (%v, %v), want (nil, true)", ids, all)
	}

	ids, all = AllowedProjectIDs(Requester{ID: 3}, nil)
	if all || len(ids) != 0 {
		t.Errorf("no grants = (%v, %v), want no projects", ids, all)
	}
}

func TestMaxLevelForProject(t *testing.T) {
	roles := RoleMap{1: RoleManager}
	req := Requester{ID: 2}

	max, ok := MaxLevelForProject(req, 1, roles)
	if !ok || max != LevelInternal {
		t.Errorf("MaxLevelForProject(manager) = %v, %v; want internal, true", max, ok)
	}
	if _, ok := MaxLevelForProject(req, 2, roles); ok {
		t.Error("MaxLevelForProject reported access to a project without a role")
	}
	max, ok = MaxLevelForProject(Requester{Scopes: []string{"*"}}, 9, nil)
	if !ok || max != LevelConfidential {
		t.Errorf("MaxLevelForProject(superadmin) = %v, %v; want confidential, true", max, ok)
	}
}

func TestBuildFilterSuperadmin(t *testing.T) {
	f := BuildFilter(Requester{Scopes: []string{"*"}}, RoleMap{1: RoleAdmin})
	if !f.IsUnrestricted() {
		t.Fatal("superadmin filter is not the unrestricted sentinel")
	}
	if f.IsEmpty() {
		t.Error("unrestricted filter must not report empty")
	}
	if f.Conditions() != nil {
		t.Errorf("unrestricted filter carries conditions: %v", f.Conditions())
	}
}

func TestBuildFilterNoGrants(t *testing.T) {
	f := BuildFilter(Requester{ID: 3}, nil)
	if f.IsUnrestricted() {
		t.Fatal("memberless filter must not be unrestricted")
	}
	if !f.IsEmpty() {
		t.Error("filter with no grants must be empty (matches nothing)")
	}
}

func TestBuildFilterConditions(t *testing.T) {
	f := BuildFilter(Requester{ID: 3}, RoleMap{
		7: RoleAdmin,
		2: RoleContributor,
		9: "owner", // unknown, must contribute nothing
	})
	if f.IsUnrestricted() || f.IsEmpty() {
		t.Fatalf("unexpected filter state: unrestricted=%v empty=%v", f.IsUnrestricted(), f.IsEmpty())
	}

	want := []Condition{
		{ProjectID: 2, Levels: RoleContributor.Levels()},
		{ProjectID: 7, Levels: RoleAdmin.Levels()},
	}
	if got := f.Conditions(); !reflect.DeepEqual(got, want) {
		t.Errorf("Conditions() = %v, want %v", got, want)
	}
	if got := f.ProjectIDs(); !reflect.DeepEqual(got, []int64{2, 7}) {
		t.Errorf("ProjectIDs() = %v, want [2 7]", got)
	}
}

// The filter a requester gets must agree with per-item decisions: an
// item passes some condition exactly when CanAccess allows it.
func TestBuildFilterAgreesWithCanAccess(t *testing.T) {
	req := Requester{ID: 4}
	roles := RoleMap{1: RoleContributor, 2: RoleAdmin}
	f := BuildFilter(req, roles)

	for _, projectID := range []int64{1, 2, 3} {
		for l := LevelPublic; l <= LevelConfidential; l++ {
			matched := false
			for _, c := range f.Conditions() {
				if c.ProjectID == projectID && c.Levels.Contains(l) {
					matched = true
				}
			}
			allowed := CanAccess(req, Item{int64Ptr(projectID), l}, roles)
			if matched != allowed {
				t.Errorf("project %d level %s: filter=%v access=%v", projectID, l, matched, allowed)
			}
		}
	}
}
