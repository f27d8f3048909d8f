package models

import (
	"time"

	"github.com/lib/pq"
)

// RunStatus tracks the lifecycle of a continuation run.
type RunStatus string

const (
	RunStatusDraft          RunStatus = "DRAFT"
	RunStatusSent           RunStatus = "SENT"
	RunStatusReminding      RunStatus = "REMINDING"
	RunStatusDeadlinePassed RunStatus = "DEADLINE_PASSED"
	RunStatusCompleted      RunStatus = "COMPLETED"
)

// ContinuationRun represents one term-transition continuation workflow for a
// school. Its summary is never stored; it is aggregated from the run's
// response rows on demand.
type ContinuationRun struct {
	ID                string         `db:"id" json:"id"`
	SchoolID          string         `db:"school_id" json:"school_id"`
	CurrentTermID     string         `db:"current_term_id" json:"current_term_id"`
	NextTermID        string         `db:"next_term_id" json:"next_term_id"`
	NoticeDeadline    time.Time      `db:"notice_deadline" json:"notice_deadline"`
	ReminderSchedule  pq.Int64Array  `db:"reminder_schedule" json:"reminder_schedule"`
	AssumedContinuing bool           `db:"assumed_continuing" json:"assumed_continuing"`
	Status            RunStatus      `db:"status" json:"status"`
	SentAt            *time.Time     `db:"sent_at" json:"sent_at,omitempty"`
	DeadlinePassedAt  *time.Time     `db:"deadline_passed_at" json:"deadline_passed_at,omitempty"`
	CompletedAt       *time.Time     `db:"completed_at" json:"completed_at,omitempty"`
	CreatedBy         string         `db:"created_by" json:"created_by"`
	CreatedAt         time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time      `db:"updated_at" json:"updated_at"`
}

// RunSummary aggregates response distribution for a run.
type RunSummary struct {
	TotalStudents     int `db:"total_students" json:"total_students"`
	Confirmed         int `db:"confirmed" json:"confirmed"`
	Withdrawing       int `db:"withdrawing" json:"withdrawing"`
	Pending           int `db:"pending" json:"pending"`
	NoResponse        int `db:"no_response" json:"no_response"`
	AssumedContinuing int `db:"assumed_continuing" json:"assumed_continuing"`
	Processed         int `db:"processed" json:"processed"`
}

// RunFilter constrains run listing queries.
type RunFilter struct {
	SchoolID string
	Status   []RunStatus
	TermID   string
	Page     int
	PageSize int
}

// CanSendReminders reports whether reminder dispatch is valid for the status.
func (s RunStatus) CanSendReminders() bool {
	return s == RunStatusSent || s == RunStatusReminding
}

// CanProcessDeadline reports whether the deadline processor may run.
func (s RunStatus) CanProcessDeadline() bool {
	return s == RunStatusSent || s == RunStatusReminding
}
