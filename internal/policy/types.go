// Package policy defines the role and policy data model for rolescope
// and the canonical text encoding used to embed policies.
//
// A Policy is an ordered list of statements. Statement order is meaningful
// (deny-before-allow precedence) and is never reordered; the unordered
// collections inside a statement (actions, resources and their not-variants)
// are normalized by sorting so that author-supplied ordering does not change
// the encoded text.
package policy

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Effect is the decision a statement applies to its matched actions.
type Effect string

const (
	EffectAllow Effect = "allow"
	EffectDeny  Effect = "deny"
)

// RoleType classifies a role. Built-in roles (admin, writer, reader) come
// from the source system; everything else is a custom role.
type RoleType string

const (
	RoleAdmin  RoleType = "admin"
	RoleWriter RoleType = "writer"
	RoleReader RoleType = "reader"
	RoleCustom RoleType = "custom"
)

// ParseRoleType maps a raw role-type string to a RoleType.
// Unknown values are treated as custom.
func ParseRoleType(s string) RoleType {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "admin":
		return RoleAdmin
	case "writer":
		return RoleWriter
	case "reader":
		return RoleReader
	default:
		return RoleCustom
	}
}

// Statement is a single allow/deny rule inside a policy.
// Actions/NotActions and Resources/NotResources are mutually exclusive pairs
// in well-formed policies, but the encoder tolerates both being present.
type Statement struct {
	Effect       Effect   `json:"effect"`
	Actions      []string `json:"actions,omitempty"`
	NotActions   []string `json:"notActions,omitempty"`
	Resources    []string `json:"resources,omitempty"`
	NotResources []string `json:"notResources,omitempty"`
}

// Policy is an ordered sequence of statements. Immutable once loaded
// for a given analysis run.
type Policy []Statement

// Role is a single access-control role with its policy document.
type Role struct {
	ID          string   `json:"key"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Type        RoleType `json:"type,omitempty"`
	Policy      Policy   `json:"policy"`
}

// rolesEnvelope matches the paginated API dump shape {"items": [...]}.
type rolesEnvelope struct {
	Items []Role `json:"items"`
}

// ParseRoles decodes a role dump produced by the external role-fetching
// collaborator. Both a bare JSON array and an {"items": [...]} envelope are
// accepted. The returned slice is sorted by role ID; duplicate IDs are an
// error because one embedding is derived per role ID. Role types are
// normalized through ParseRoleType.
func ParseRoles(data []byte) ([]Role, error) {
	var roles []Role
	if err := json.Unmarshal(data, &roles); err != nil {
		var env rolesEnvelope
		if err2 := json.Unmarshal(data, &env); err2 != nil {
			return nil, fmt.Errorf("parsing roles: %w", err)
		}
		roles = env.Items
	}

	seen := make(map[string]struct{}, len(roles))
	for i := range roles {
		r := &roles[i]
		if strings.TrimSpace(r.ID) == "" {
			return nil, fmt.Errorf("role at position %d has no key", i)
		}
		if _, dup := seen[r.ID]; dup {
			return nil, fmt.Errorf("duplicate role key %q", r.ID)
		}
		seen[r.ID] = struct{}{}
		r.Type = ParseRoleType(string(r.Type))
	}

	sort.Slice(roles, func(i, j int) bool { return roles[i].ID < roles[j].ID })
	return roles, nil
}

// SortRolesByID orders roles by ID ascending in place. The analysis pipeline
// requires a fixed traversal order for reproducible output.
func SortRolesByID(roles []Role) {
	sort.Slice(roles, func(i, j int) bool { return roles[i].ID < roles[j].ID })
}
