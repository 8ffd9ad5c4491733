package server

import (
	"context"
	"strconv"

	"go.uber.org/zap"

	"github.com/mruwnik/memory-sub003/internal/access"
	"github.com/mruwnik/memory-sub003/internal/config"
	"github.com/mruwnik/memory-sub003/internal/logging"
)

// Grants is an actor's authorization state at resolution time.
type Grants struct {
	Scopes []string
	Roles  access.RoleMap
}

// RoleSource resolves an actor's grants for one request. Lookups run
// fresh on every request so revocations take effect immediately; an
// unknown actor resolves to zero grants, not an error. Errors are
// reserved for lookup infrastructure failure, which the server turns
// into a 503 rather than an empty (and indistinguishable) result.
type RoleSource interface {
	GrantsFor(ctx context.Context, actorID int64) (Grants, error)
}

// StaticRoleSource serves grants from the config file. Production
// deployments resolve roles from an external directory; this source
// covers development and tests.
type StaticRoleSource struct {
	grants map[int64]Grants
}

// NewStaticRoleSource builds a role source from the roles config
// section. Project entries with unknown role names are skipped with a
// warning: the actor keeps no access to that project rather than
// failing startup, matching how the access model treats roles it does
// not recognize.
func NewStaticRoleSource(cfg config.RolesConfig, logger *logging.Logger) *StaticRoleSource {
	if logger == nil {
		logger = logging.NewNop()
	}
	ctx := context.Background()

	grants := make(map[int64]Grants, len(cfg.Actors))
	for _, actor := range cfg.Actors {
		g := Grants{
			Scopes: append([]string(nil), actor.Scopes...),
			Roles:  make(access.RoleMap, len(actor.Projects)),
		}
		for key, name := range actor.Projects {
			projectID, err := strconv.ParseInt(key, 10, 64)
			if err != nil {
				// Validate() rejects non-integer keys; be safe anyway.
				logger.Warn(ctx, "Skipping role grant with bad project key",
					zap.Int64("actor_id", actor.ID),
					zap.String("project_key", key))
				continue
			}
			role, err := access.ParseRole(name)
			if err != nil {
				logger.Warn(ctx, "Skipping role grant with unknown role",
					zap.Int64("actor_id", actor.ID),
					zap.Int64("project_id", projectID),
					zap.String("role", name))
				continue
			}
			g.Roles[projectID] = role
		}
		grants[actor.ID] = g
	}
	return &StaticRoleSource{grants: grants}
}

// GrantsFor implements RoleSource. Returned grants are copies; callers
// may extend them without affecting other requests.
func (s *StaticRoleSource) GrantsFor(_ context.Context, actorID int64) (Grants, error) {
	g, ok := s.grants[actorID]
	if !ok {
		return Grants{}, nil
	}
	out := Grants{
		Scopes: append([]string(nil), g.Scopes...),
		Roles:  make(access.RoleMap, len(g.Roles)),
	}
	for projectID, role := range g.Roles {
		out.Roles[projectID] = role
	}
	return out, nil
}

var _ RoleSource = (*StaticRoleSource)(nil)
