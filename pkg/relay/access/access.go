// Package access implements feature access policies for Relay.
//
// A policy is a set of OR'd conditions: explicit user IDs, guild IDs, role
// IDs, and named groups whose platform-specific ID lists live in the group
// definitions. An empty policy grants access to everyone. Evaluation is a
// pure function of (policy, request context, group definitions) so it can be
// exercised without any runtime wiring.
package access

import "slices"

// Policy gates a capability, tool, or command. All sets are optional; a
// policy with no populated set is unrestricted.
type Policy struct {
	// Groups are named groups resolved through the group definitions.
	Groups []string `yaml:"groups,omitempty"`

	// Users are explicit user IDs.
	Users []string `yaml:"users,omitempty"`

	// Roles are explicit role IDs.
	Roles []string `yaml:"roles,omitempty"`

	// Guilds are guild/workspace IDs.
	Guilds []string `yaml:"guilds,omitempty"`

	// Subcommands are per-subcommand override policies. A subcommand
	// without an override inherits this policy.
	Subcommands map[string]*Policy `yaml:"subcommands,omitempty"`
}

// Empty reports whether the policy has no populated set.
func (p *Policy) Empty() bool {
	if p == nil {
		return true
	}
	return len(p.Groups) == 0 && len(p.Users) == 0 && len(p.Roles) == 0 && len(p.Guilds) == 0
}

// GroupDefinitions maps a group name to its per-platform member ID lists.
// IDs may be user IDs or role IDs; both are matched.
type GroupDefinitions map[string]map[string][]string

// Context describes the requester being checked.
type Context struct {
	// Platform identifies the source adapter (e.g. "discord").
	Platform string

	// UserID is the requesting user.
	UserID string

	// GuildID is the guild the request arrived from, empty for DMs.
	GuildID string

	// RoleIDs are the requester's role IDs.
	RoleIDs []string
}

// Check reports whether the context satisfies the policy. An unrestricted
// policy always grants access; otherwise the first matching condition wins,
// in the order: direct user ID, guild ID, role ID, group membership.
func Check(policy *Policy, ctx Context, groups GroupDefinitions) bool {
	if policy.Empty() {
		return true
	}

	if slices.Contains(policy.Users, ctx.UserID) {
		return true
	}

	if ctx.GuildID != "" && slices.Contains(policy.Guilds, ctx.GuildID) {
		return true
	}

	for _, role := range ctx.RoleIDs {
		if slices.Contains(policy.Roles, role) {
			return true
		}
	}

	for _, name := range policy.Groups {
		platforms, ok := groups[name]
		if !ok {
			continue
		}
		ids := platforms[ctx.Platform]
		if slices.Contains(ids, ctx.UserID) {
			return true
		}
		for _, role := range ctx.RoleIDs {
			if slices.Contains(ids, role) {
				return true
			}
		}
	}

	return false
}

// CheckSubcommand checks access for a specific subcommand, preferring the
// subcommand's override policy and falling back to the parent policy.
func CheckSubcommand(policy *Policy, subcommand string, ctx Context, groups GroupDefinitions) bool {
	if policy != nil {
		if override, ok := policy.Subcommands[subcommand]; ok && override != nil {
			return Check(override, ctx, groups)
		}
	}
	return Check(policy, ctx, groups)
}
