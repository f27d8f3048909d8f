package dto

import (
	"time"

	"github.com/cadenza-hq/continuation-api/internal/models"
)

// CreateRunRequest is the staff payload for building a continuation run.
type CreateRunRequest struct {
	CurrentTermID     string `json:"current_term_id" binding:"required"`
	NextTermID        string `json:"next_term_id" binding:"required"`
	NoticeDeadline    string `json:"notice_deadline" binding:"required"` // YYYY-MM-DD
	AssumedContinuing bool   `json:"assumed_continuing"`
	ReminderSchedule  []int  `json:"reminder_schedule"`
}

// RunPreviewEntry is one family in the run creation preview.
type RunPreviewEntry struct {
	StudentID        string  `json:"student_id"`
	StudentName      string  `json:"student_name"`
	GuardianID       string  `json:"guardian_id"`
	GuardianName     string  `json:"guardian_name"`
	HasGuardianEmail bool    `json:"has_guardian_email"`
	LessonCount      int     `json:"lesson_count"`
	NextTermFee      float64 `json:"next_term_fee"`
}

// CreateRunResponse returns the draft run and its preview.
type CreateRunResponse struct {
	Run     *models.ContinuationRun `json:"run"`
	Preview []RunPreviewEntry       `json:"preview"`
}

// SendResult reports the outcome of dispatching notices or reminders.
type SendResult struct {
	SentCount int              `json:"sent_count"`
	Failed    []SendFailure    `json:"failed"`
	Summary   *models.RunSummary `json:"summary"`
}

// SendFailure identifies one family whose notice could not be delivered.
type SendFailure struct {
	ResponseID   string `json:"response_id"`
	StudentName  string `json:"student_name"`
	GuardianName string `json:"guardian_name"`
	Error        string `json:"error"`
}

// DeadlineResult reports the deadline reclassification outcome.
type DeadlineResult struct {
	Reclassified int64                `json:"reclassified"`
	NewState     models.ResponseState `json:"new_state,omitempty"`
	RunStatus    models.RunStatus     `json:"run_status"`
	Summary      *models.RunSummary   `json:"summary"`
}

// ProcessRequest selects which responses a bulk-processing pass targets.
type ProcessRequest struct {
	ProcessType models.ProcessType `json:"process_type" binding:"required"`
}

// ProcessResult is the bulk processor outcome surfaced to staff.
type ProcessResult struct {
	ProcessedCount int                  `json:"processed_count"`
	ExtendedCount  int                  `json:"extended_count"`
	WithdrawnCount int                  `json:"withdrawn_count"`
	Failures       []ProcessFailure     `json:"failures,omitempty"`
	RunStatus      models.RunStatus     `json:"run_status"`
	Summary        *models.RunSummary   `json:"summary"`
}

// ProcessFailure is one lesson-level failure collected during processing.
type ProcessFailure struct {
	ResponseID   string `json:"response_id"`
	StudentID    string `json:"student_id"`
	RecurrenceID string `json:"recurrence_id"`
	Stage        string `json:"stage"` // lookup | extend | preview | confirm | record
	Error        string `json:"error"`
}

// RunDetail combines a run with its derived summary.
type RunDetail struct {
	Run     *models.ContinuationRun `json:"run"`
	Summary *models.RunSummary      `json:"summary"`
}

// OverrideResponseRequest is the staff correction payload.
type OverrideResponseRequest struct {
	Response         models.ResponseState     `json:"response" binding:"required"`
	WithdrawalReason *models.WithdrawalReason `json:"withdrawal_reason,omitempty"`
	WithdrawalNotes  *string                  `json:"withdrawal_notes,omitempty"`
}

// ParseDeadline parses the YYYY-MM-DD notice deadline.
func (r CreateRunRequest) ParseDeadline() (time.Time, error) {
	return time.Parse("2006-01-02", r.NoticeDeadline)
}
