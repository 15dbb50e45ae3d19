package shared

import "fmt"

// GrantLockKey builds the redis key for the per-(subject, permission)
// critical section used by grant and revoke.
func GrantLockKey(subjectKind, subjectID, permission string) string {
	return fmt.Sprintf("authz:grant:%s:%s:%s:lock", subjectKind, subjectID, permission)
}

// SyncLockKey builds the redis key for the wider per-subject critical
// section used by sync, covering all of the subject's direct grants.
func SyncLockKey(subjectKind, subjectID string) string {
	return fmt.Sprintf("authz:sync:%s:%s:lock", subjectKind, subjectID)
}

// RoleAssignmentLockKey builds the redis key serialising role assignment
// changes for one user.
func RoleAssignmentLockKey(userID string) string {
	return fmt.Sprintf("identity:roles:%s:lock", userID)
}
