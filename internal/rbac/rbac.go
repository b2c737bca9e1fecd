// Package rbac defines the closed actor-role set and the permission
// checks that gate stage transitions and privileged lock operations.
package rbac

import "strings"

type Role string

const (
	RoleAuditor Role = "auditor"
	RoleManager Role = "manager"
	RolePartner Role = "partner"
)

// Normalize maps a loosely formatted role string onto the closed role
// set: lowercase, strip non-letters, then match by substring containment.
// Unrecognized input falls back to auditor, the least privileged role.
func Normalize(raw string) Role {
	compact := compactLetters(raw)
	switch {
	case strings.Contains(compact, "partner"):
		return RolePartner
	case strings.Contains(compact, "manager"):
		return RoleManager
	case strings.Contains(compact, "auditor"):
		return RoleAuditor
	default:
		return RoleAuditor
	}
}

// Recognized reports whether the raw string maps to a known role without
// relying on the auditor fallback.
func Recognized(raw string) bool {
	compact := compactLetters(raw)
	return strings.Contains(compact, "partner") ||
		strings.Contains(compact, "manager") ||
		strings.Contains(compact, "auditor")
}

// CanForceReleaseLock reports whether the role may delete another
// actor's company lock.
func CanForceReleaseLock(role Role) bool {
	return role == RoleManager || role == RolePartner
}

// CanSetDueDate reports whether the role may change a company due date.
func CanSetDueDate(role Role) bool {
	return role == RoleManager || role == RolePartner
}

// CanSendToSigning reports whether the role may move a company from
// partner review into signing.
func CanSendToSigning(role Role) bool {
	return role == RolePartner
}

// CanEditSigningDocument reports whether the role may edit the signing
// memorandum draft.
func CanEditSigningDocument(role Role) bool {
	return role == RolePartner
}

func compactLetters(raw string) string {
	lowered := strings.ToLower(strings.TrimSpace(raw))
	var b strings.Builder
	for _, r := range lowered {
		if r >= 'a' && r <= 'z' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
