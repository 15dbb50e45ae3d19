package authz

import "errors"

var (
	// ErrDuplicateName indicates a permission or role name collision.
	ErrDuplicateName = errors.New("authz: name already in use")
	// ErrProtected indicates an attempt to delete a system entry.
	ErrProtected = errors.New("authz: system entry is protected")
	// ErrInUse indicates an entry still referenced by active grants.
	ErrInUse = errors.New("authz: entry referenced by active grants")
	// ErrPermissionNotFound indicates an unknown or inactive permission.
	ErrPermissionNotFound = errors.New("authz: permission not found")
	// ErrRoleNotFound indicates an unknown role.
	ErrRoleNotFound = errors.New("authz: role not found")
	// ErrGrantNotFound indicates no active grant for the subject/permission pair.
	ErrGrantNotFound = errors.New("authz: no active grant")
	// ErrValidation indicates invalid input such as a blank name or past-dated expiry.
	ErrValidation = errors.New("authz: validation failed")
	// ErrSubjectUnknown indicates the identity store cannot resolve the subject.
	ErrSubjectUnknown = errors.New("authz: unknown subject")
)
