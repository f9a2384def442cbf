package chat

import (
	"fmt"
	"strings"
)

// Role is one of the three fixed conversation spaces. Every per-role
// structure is a PerRole array, so there can never be a fourth partition.
type Role int

const (
	Companion Role = iota
	LocalGuide
	StudyGuide
)

const RoleCount = 3

// PerRole holds exactly one value per Role.
type PerRole[T any] [RoleCount]T

var Roles = [RoleCount]Role{Companion, LocalGuide, StudyGuide}

var roleNames = [RoleCount]string{"companion", "local_guide", "study_guide"}

var roleSlugs = [RoleCount]string{"companion", "guide", "study"}

var roleLabels = [RoleCount]string{"Companion", "Local Guide", "Study Guide"}

var roleHints = [RoleCount]string{
	"Start by sharing how you are feeling today.",
	"Tell me what area or activity you want to explore.",
	"Share what you want to study and your timeline.",
}

func (r Role) Valid() bool {
	return r >= 0 && int(r) < RoleCount
}

func (r Role) String() string {
	if !r.Valid() {
		return fmt.Sprintf("role(%d)", int(r))
	}
	return roleNames[r]
}

// Slug is the path segment the backend routes the role under.
func (r Role) Slug() string {
	if !r.Valid() {
		return ""
	}
	return roleSlugs[r]
}

func (r Role) Label() string {
	if !r.Valid() {
		return ""
	}
	return roleLabels[r]
}

// EmptyHint is the prompt shown for a role with no messages yet.
func (r Role) EmptyHint() string {
	if !r.Valid() {
		return ""
	}
	return roleHints[r]
}

// Next cycles through the roles; delta may be negative.
func (r Role) Next(delta int) Role {
	idx := (int(r) + delta) % RoleCount
	if idx < 0 {
		idx += RoleCount
	}
	return Role(idx)
}

func (r Role) MarshalText() ([]byte, error) {
	if !r.Valid() {
		return nil, fmt.Errorf("invalid role %d", int(r))
	}
	return []byte(r.String()), nil
}

func (r *Role) UnmarshalText(text []byte) error {
	parsed, err := ParseRole(string(text))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

// ParseRole accepts both the canonical name (local_guide) and the slug (guide).
func ParseRole(raw string) (Role, error) {
	value := strings.ToLower(strings.TrimSpace(raw))
	value = strings.ReplaceAll(value, "-", "_")
	for _, role := range Roles {
		if value == roleNames[role] || value == roleSlugs[role] {
			return role, nil
		}
	}
	return 0, fmt.Errorf("unknown role %q (expected companion|guide|study)", raw)
}

// DefaultThreadID is the deterministic thread id a role starts with before
// the server issues one.
func DefaultThreadID(userID string, role Role) string {
	return fmt.Sprintf("%s-%s-thread", userID, role)
}
