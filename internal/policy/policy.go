// Package policy maps topic resource types to the permission a caller needs
// on the topic subject, and names the roles treated as administrative.
package policy

import (
	"errors"
	"sort"
)

// ResourceType is the first level of a topic.
type ResourceType string

const (
	Action ResourceType = "action"
	Stream ResourceType = "stream"
	Device ResourceType = "device"
	Tree   ResourceType = "tree"
	Token  ResourceType = "token"
	User   ResourceType = "user"
	Role   ResourceType = "role"
)

var resourceTypes = [...]ResourceType{Action, Stream, Device, Tree, Token, User, Role}

// Known reports whether t is part of the resource type vocabulary.
// Matching is case-sensitive.
func (t ResourceType) Known() bool {
	for _, k := range resourceTypes {
		if t == k {
			return true
		}
	}
	return false
}

// Permission is the name of a permission checked by the identity provider.
type Permission string

const (
	Read    Permission = "read"
	Pull    Permission = "pull"
	Push    Permission = "push"
	Execute Permission = "execute"
	Admin   Permission = "admin"
	TreeP   Permission = "tree"
)

var permissions = [...]Permission{Read, Pull, Push, Execute, Admin, TreeP}

func (p Permission) Known() bool {
	for _, k := range permissions {
		if p == k {
			return true
		}
	}
	return false
}

// RoleName is a role carried by an identity-provider user profile.
type RoleName string

const (
	RoleAdmin      RoleName = "admin"
	RoleSuperAdmin RoleName = "super_admin"
	RoleService    RoleName = "service"
)

// Kind tells the authorizer how a resource type is checked.
type Kind uint8

const (
	// Unknown resource types are rejected.
	Unknown Kind = iota
	// Mapped resource types need a remote permission check.
	Mapped
	// AdminOnly resource types are reserved to administrative roles.
	AdminOnly
)

func (k Kind) String() string {
	switch k {
	case Mapped:
		return "mapped"
	case AdminOnly:
		return "admin-only"
	default:
		return "unknown"
	}
}

// Rule is the outcome of a table lookup.
type Rule struct {
	Kind       Kind
	Permission Permission // only set for Mapped
}

// Table is immutable once built and safe for concurrent use.
type Table struct {
	perms      map[ResourceType]Permission
	adminOnly  map[ResourceType]struct{}
	adminRoles map[RoleName]struct{}
}

// DefaultPermissions is the resource type to permission mapping used when
// none is configured.
func DefaultPermissions() map[ResourceType]Permission {
	return map[ResourceType]Permission{
		Action: Execute,
		Stream: Pull,
		Device: Admin,
		Tree:   TreeP,
	}
}

func DefaultAdminOnly() []ResourceType {
	return []ResourceType{Token, User}
}

func DefaultAdminRoles() []RoleName {
	return []RoleName{RoleAdmin, RoleSuperAdmin}
}

var (
	errUnknownResource   = errors.New("unknown resource type")
	errUnknownPermission = errors.New("unknown permission")
	errBothKinds         = errors.New("resource type both mapped and admin-only")
)

// New builds a Table. Nil arguments select the defaults.
func New(perms map[ResourceType]Permission, adminOnly []ResourceType, adminRoles []RoleName) (*Table, error) {
	if perms == nil {
		perms = DefaultPermissions()
	}
	if adminOnly == nil {
		adminOnly = DefaultAdminOnly()
	}
	if adminRoles == nil {
		adminRoles = DefaultAdminRoles()
	}

	t := Table{
		perms:      make(map[ResourceType]Permission, len(perms)),
		adminOnly:  make(map[ResourceType]struct{}, len(adminOnly)),
		adminRoles: make(map[RoleName]struct{}, len(adminRoles)),
	}

	for rt, p := range perms {
		if !rt.Known() {
			return nil, errors.New(errUnknownResource.Error() + ": " + string(rt))
		}
		if !p.Known() {
			return nil, errors.New(errUnknownPermission.Error() + ": " + string(p))
		}
		t.perms[rt] = p
	}
	for _, rt := range adminOnly {
		if !rt.Known() {
			return nil, errors.New(errUnknownResource.Error() + ": " + string(rt))
		}
		if _, ok := t.perms[rt]; ok {
			return nil, errors.New(errBothKinds.Error() + ": " + string(rt))
		}
		t.adminOnly[rt] = struct{}{}
	}
	for _, r := range adminRoles {
		t.adminRoles[r] = struct{}{}
	}

	return &t, nil
}

// Lookup returns how topics of resource type rt are authorized.
func (t *Table) Lookup(rt ResourceType) Rule {
	if p, ok := t.perms[rt]; ok {
		return Rule{Kind: Mapped, Permission: p}
	}
	if _, ok := t.adminOnly[rt]; ok {
		return Rule{Kind: AdminOnly}
	}
	return Rule{Kind: Unknown}
}

// IsAdmin reports whether any of roles is administrative.
func (t *Table) IsAdmin(roles []string) bool {
	for _, r := range roles {
		if _, ok := t.adminRoles[RoleName(r)]; ok {
			return true
		}
	}
	return false
}

// AdminRoles returns the administrative role names, sorted.
func (t *Table) AdminRoles() []string {
	out := make([]string, 0, len(t.adminRoles))
	for r := range t.adminRoles {
		out = append(out, string(r))
	}
	sort.Strings(out)
	return out
}
