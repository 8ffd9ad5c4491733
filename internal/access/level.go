// Package access implements the project-scoped sensitivity model that
// gates every read and write against the knowledge base.
//
// The model has two axes:
//   - Sensitivity levels classify content (public < basic < internal < confidential)
//   - Project roles grant cumulative read sets per project (contributor < manager < admin)
//
// Decisions are pure functions over a per-request Requester and role map.
// Nothing here caches, loads, or persists authorization state; callers
// supply fresh roles on every request so revocation takes effect at once.
//
// Security: All evaluation is fail-closed. Unknown levels, unknown roles,
// and items outside any project deny for everyone except superadmins.
package access

import (
	"fmt"
	"math/bits"
)

// Level classifies how sensitive a piece of content is. Levels are
// ordered: a higher level implies stricter handling, but access is
// granted via explicit level sets rather than threshold comparison.
type Level uint8

const (
	// LevelPublic content is safe for any project member.
	LevelPublic Level = iota
	// LevelBasic content is day-to-day internal material.
	LevelBasic
	// LevelInternal content is restricted to trusted members.
	LevelInternal
	// LevelConfidential content is limited to project admins.
	LevelConfidential

	numLevels = 4
)

var levelNames = [numLevels]string{"public", "basic", "internal", "confidential"}

// String returns the canonical lowercase name of the level.
func (l Level) String() string {
	if int(l) < len(levelNames) {
		return levelNames[l]
	}
	return fmt.Sprintf("level(%d)", uint8(l))
}

// Valid reports whether l is one of the defined levels.
func (l Level) Valid() bool {
	return int(l) < numLevels
}

// ParseLevel converts a stored or transmitted level name back to a Level.
// Unknown names are an error: payloads carry levels this code wrote, so a
// mismatch means corrupt data or a version skew, not caller input.
func ParseLevel(s string) (Level, error) {
	for i, name := range levelNames {
		if s == name {
			return Level(i), nil
		}
	}
	return 0, fmt.Errorf("unknown sensitivity level: %q", s)
}

// LevelSet is an immutable set of sensitivity levels, the unit in which
// read permissions are granted. The zero value is the empty set.
type LevelSet uint8

// NewLevelSet builds a set from the given levels. Invalid levels are
// ignored rather than widening the set.
func NewLevelSet(levels ...Level) LevelSet {
	var s LevelSet
	for _, l := range levels {
		if l.Valid() {
			s |= 1 << l
		}
	}
	return s
}

// Contains reports whether the set includes l.
func (s LevelSet) Contains(l Level) bool {
	return l.Valid() && s&(1<<l) != 0
}

// ContainsAll reports whether s is a superset of other.
func (s LevelSet) ContainsAll(other LevelSet) bool {
	return s&other == other
}

// IsEmpty reports whether the set grants nothing.
func (s LevelSet) IsEmpty() bool {
	return s == 0
}

// Len returns the number of levels in the set.
func (s LevelSet) Len() int {
	return bits.OnesCount8(uint8(s))
}

// Levels returns the members in ascending sensitivity order.
func (s LevelSet) Levels() []Level {
	out := make([]Level, 0, s.Len())
	for l := Level(0); l < numLevels; l++ {
		if s.Contains(l) {
			out = append(out, l)
		}
	}
	return out
}

// Names returns the members as canonical strings in ascending order.
// This is the form that goes into index filters.
func (s LevelSet) Names() []string {
	levels := s.Levels()
	out := make([]string, len(levels))
	for i, l := range levels {
		out[i] = l.String()
	}
	return out
}

// Max returns the most sensitive level in the set. The second return is
// false for the empty set.
func (s LevelSet) Max() (Level, bool) {
	if s.IsEmpty() {
		return 0, false
	}
	return Level(7 - bits.LeadingZeros8(uint8(s))), true
}

// String renders the set for logs, e.g. "{public,basic}".
func (s LevelSet) String() string {
	names := s.Names()
	out := "{"
	for i, n := range names {
		if i > 0 {
			out += ","
		}
		out += n
	}
	return out + "}"
}
