package models

import "time"

// AuditAction constants represent actions to be logged.
const (
	AuditActionLogin            = "LOGIN"
	AuditActionLogout           = "LOGOUT"
	AuditActionRunCreate        = "CONTINUATION_RUN_CREATE"
	AuditActionRunSend          = "CONTINUATION_RUN_SEND"
	AuditActionRunRemind        = "CONTINUATION_RUN_REMIND"
	AuditActionRunDeadline      = "CONTINUATION_RUN_DEADLINE"
	AuditActionRunProcess       = "CONTINUATION_RUN_PROCESSED"
	AuditActionResponseOverride = "CONTINUATION_RESPONSE_OVERRIDE"
)

// AuditLog represents an audit trail record.
type AuditLog struct {
	ID         string    `db:"id" json:"id"`
	SchoolID   string    `db:"school_id" json:"school_id"`
	UserID     *string   `db:"user_id" json:"user_id,omitempty"`
	Action     string    `db:"action" json:"action"`
	Resource   string    `db:"resource" json:"resource"`
	ResourceID *string   `db:"resource_id" json:"resource_id,omitempty"`
	OldValues  []byte    `db:"old_values" json:"old_values,omitempty"`
	NewValues  []byte    `db:"new_values" json:"new_values,omitempty"`
	IPAddress  string    `db:"ip_address" json:"ip_address"`
	UserAgent  string    `db:"user_agent" json:"user_agent"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
}
