package auth

import (
	"fmt"
)

// ForbiddenError indicates missing permission.
type ForbiddenError struct {
	Permission string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("permission %s required", e.Permission)
}

const (
	PermDecide        = "decisions.create"
	PermReview        = "proposals.review"
	PermUndo          = "actions.undo"
	PermProfileRead   = "profiles.read"
	PermConsentWrite  = "consents.write"
	PermTelemetryLog  = "telemetry.write"
	PermJobsRun       = "jobs.run"
	PermAuditRead     = "events.read"
	PermPolicyRead    = "policy.read"
	PermProposalsRead = "proposals.read"
	// PermAnyUser lets a principal act on users other than itself.
	PermAnyUser = "users.any"
)

// rolePermissions is the built-in role table. Tokens may also carry explicit
// permissions.
var rolePermissions = map[string][]string{
	"user": {
		PermDecide, PermReview, PermUndo, PermProfileRead, PermConsentWrite, PermTelemetryLog, PermProposalsRead,
	},
	"coach": {
		PermDecide, PermReview, PermUndo, PermProfileRead, PermProposalsRead, PermPolicyRead, PermAnyUser,
	},
	"operator": {
		PermDecide, PermReview, PermUndo, PermProfileRead, PermConsentWrite, PermTelemetryLog,
		PermJobsRun, PermAuditRead, PermPolicyRead, PermProposalsRead, PermAnyUser,
	},
}

// Permissions expands roles and merges explicit grants, deduplicated in
// first-seen order.
func Permissions(roles, explicit []string) []string {
	seen := map[string]bool{}
	var out []string
	add := func(p string) {
		if p != "" && !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	for _, r := range roles {
		for _, p := range rolePermissions[r] {
			add(p)
		}
	}
	for _, p := range explicit {
		add(p)
	}
	return out
}

// Require fails with ForbiddenError unless perm is granted by roles or
// explicit permissions. "*" grants everything.
func Require(roles, explicit []string, perm string) error {
	for _, p := range Permissions(roles, explicit) {
		if p == perm || p == "*" {
			return nil
		}
	}
	return ForbiddenError{Permission: perm}
}

func KnownRole(role string) bool {
	_, ok := rolePermissions[role]
	return ok
}

// RequireFor is Require plus ownership: acting on another user's data also
// needs PermAnyUser.
func RequireFor(roles, explicit []string, perm, actorID, userID string) error {
	if err := Require(roles, explicit, perm); err != nil {
		return err
	}
	if actorID == userID {
		return nil
	}
	return Require(roles, explicit, PermAnyUser)
}
