// Package audit records account events (registration, password changes and
// resets, profile and role changes, deletions) to the audit_log table and
// exposes them to admins. It never modifies user data, only records
// observations about changes made by the auth plugin.
package audit

import "time"

// AuditEntry represents a single recorded account event. ActorID is the
// account that performed the action and SubjectID the account it affected;
// they are equal for self-service actions. Details holds action-specific
// metadata such as the old and new role.
type AuditEntry struct {
	ID        int64          `json:"id"`
	ActorID   string         `json:"actorId"`
	SubjectID string         `json:"subjectId"`
	Action    string         `json:"action"`
	Details   map[string]any `json:"details,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
}

// Page is one page of the audit feed.
type Page struct {
	Entries []AuditEntry `json:"entries"`
	Total   int          `json:"total"`
	Page    int          `json:"page"`
	PerPage int          `json:"perPage"`
}
