package authz

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Core platform permissions referenced directly in code.
const (
	PermUsersView = "users.view"
	PermUsersEdit = "users.edit"

	PermRolesView   = "roles.view"
	PermRolesEdit   = "roles.edit"
	PermRolesAssign = "roles.assign"

	PermPermissionsView   = "permissions.view"
	PermPermissionsGrant  = "permissions.grant"
	PermPermissionsRevoke = "permissions.revoke"
	PermPermissionsAudit  = "permissions.view_audit"

	PermContentModerate = "content.moderate"
	PermReviewsWrite    = "reviews.write"
)

// System role names seeded at bootstrap.
const (
	RoleSuperAdmin = "superadmin"
	RoleAdmin      = "admin"
	RoleModerator  = "moderator"
	RoleSupport    = "support"
	RoleUser       = "user"
)

type seedPermission struct {
	name        string
	displayName string
	category    string
}

func systemPermissions() []seedPermission {
	return []seedPermission{
		{PermUsersView, "View Users", "Users"},
		{"users.create", "Create Users", "Users"},
		{PermUsersEdit, "Edit Users", "Users"},
		{"users.delete", "Delete Users", "Users"},
		{"users.view_sessions", "View User Sessions", "Users"},
		{"users.manage_sessions", "Manage User Sessions", "Users"},
		{"users.export", "Export Users", "Users"},

		{PermRolesView, "View Roles", "Roles"},
		{"roles.create", "Create Roles", "Roles"},
		{PermRolesEdit, "Edit Roles", "Roles"},
		{"roles.delete", "Delete Roles", "Roles"},
		{PermRolesAssign, "Assign Roles", "Roles"},
		{"roles.unassign", "Unassign Roles", "Roles"},
		{"roles.manage_permissions", "Manage Role Permissions", "Roles"},

		{PermPermissionsView, "View Permissions", "Permissions"},
		{"permissions.create", "Create Permissions", "Permissions"},
		{"permissions.edit", "Edit Permissions", "Permissions"},
		{"permissions.delete", "Delete Permissions", "Permissions"},
		{PermPermissionsGrant, "Grant Permissions", "Permissions"},
		{PermPermissionsRevoke, "Revoke Permissions", "Permissions"},
		{PermPermissionsAudit, "View Permission Audit", "Permissions"},

		{"content.view", "View Content", "Content"},
		{"content.create", "Create Content", "Content"},
		{"content.edit", "Edit Content", "Content"},
		{"content.delete", "Delete Content", "Content"},
		{"content.publish", "Publish Content", "Content"},
		{PermContentModerate, "Moderate Content", "Content"},
		{"content.feature", "Feature Content", "Content"},
		{PermReviewsWrite, "Write Reviews", "Content"},

		{"community.view_groups", "View Groups", "Community"},
		{"community.manage_groups", "Manage Groups", "Community"},
		{"community.view_events", "View Events", "Community"},
		{"community.manage_events", "Manage Events", "Community"},
		{"community.moderate_comments", "Moderate Comments", "Community"},
		{"community.ban_users", "Ban Users", "Community"},
		{"community.handle_reports", "Handle Reports", "Community"},

		{"system.view_logs", "View System Logs", "System"},
		{"system.view_metrics", "View System Metrics", "System"},
		{"system.view_dashboard", "View Dashboard", "System"},
		{"system.manage_settings", "Manage Settings", "System"},
		{"system.manage_jobs", "Manage Jobs", "System"},

		{"security.view_logs", "View Security Logs", "Security"},
		{"security.manage_2fa", "Manage Two-Factor", "Security"},
		{"security.manage_sessions", "Manage Sessions", "Security"},
		{"security.unlock_accounts", "Unlock Accounts", "Security"},
		{"security.view_audit", "View Audit Trail", "Security"},

		{"analytics.view_basic", "View Basic Analytics", "Analytics"},
		{"analytics.view_advanced", "View Advanced Analytics", "Analytics"},
		{"analytics.export_reports", "Export Reports", "Analytics"},

		{"media.view", "View Media", "Media"},
		{"media.upload", "Upload Media", "Media"},
		{"media.delete", "Delete Media", "Media"},
	}
}

type seedRole struct {
	name        string
	description string
	priority    int
	permissions []string
}

func systemRoles() []seedRole {
	every := make([]string, 0, len(systemPermissions()))
	for _, p := range systemPermissions() {
		every = append(every, p.name)
	}
	return []seedRole{
		{RoleSuperAdmin, "Full platform control", 100, every},
		{RoleAdmin, "Platform administration", 90, []string{
			PermUsersView, "users.create", PermUsersEdit, "users.delete",
			PermRolesView, PermRolesEdit, PermRolesAssign, "roles.unassign",
			PermPermissionsView, PermPermissionsGrant, PermPermissionsRevoke, PermPermissionsAudit,
			PermContentModerate, "community.handle_reports",
			"system.view_dashboard", "system.view_metrics",
			"security.view_audit", "analytics.view_advanced",
		}},
		{RoleModerator, "Community moderation", 50, []string{
			PermUsersView, "content.view", PermContentModerate, "content.feature",
			"community.moderate_comments", "community.ban_users", "community.handle_reports",
		}},
		{RoleSupport, "Member support", 30, []string{
			PermUsersView, "users.view_sessions", "security.unlock_accounts",
		}},
		{RoleUser, "Regular member", 1, []string{
			"content.view", "content.create", PermReviewsWrite,
			"community.view_groups", "community.view_events", "media.upload",
		}},
	}
}

// Seed installs the system permission and role catalog. It is idempotent:
// existing entries are left untouched and role grants reuse the engine's
// idempotent grant path.
func Seed(ctx context.Context, catalog *Catalog, engine *Engine, seededBy string) error {
	for _, sp := range systemPermissions() {
		_, err := catalog.CreatePermission(ctx, CreatePermissionInput{
			Name:        sp.name,
			DisplayName: sp.displayName,
			Category:    sp.category,
			System:      true,
		})
		if err != nil && !errors.Is(err, ErrDuplicateName) {
			return fmt.Errorf("seed permission %s: %w", sp.name, err)
		}
	}
	for _, sr := range systemRoles() {
		_, err := catalog.CreateRole(ctx, CreateRoleInput{
			Name:        sr.name,
			Description: sr.description,
			Priority:    sr.priority,
			System:      true,
		})
		if err != nil && !errors.Is(err, ErrDuplicateName) {
			return fmt.Errorf("seed role %s: %w", sr.name, err)
		}
		for _, perm := range sr.permissions {
			if err := engine.GrantToRole(ctx, sr.name, perm, seededBy, "Bootstrap", time.Time{}); err != nil {
				return fmt.Errorf("seed role %s grant %s: %w", sr.name, perm, err)
			}
		}
	}
	return nil
}
