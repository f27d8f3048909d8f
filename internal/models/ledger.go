package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// ResponseState captures the guardian's decision for one student in one run.
type ResponseState string

const (
	ResponsePending           ResponseState = "PENDING"
	ResponseContinuing        ResponseState = "CONTINUING"
	ResponseWithdrawing       ResponseState = "WITHDRAWING"
	ResponseAssumedContinuing ResponseState = "ASSUMED_CONTINUING"
	ResponseNoResponse        ResponseState = "NO_RESPONSE"
)

// ResponseMethod records the channel a response arrived through.
type ResponseMethod string

const (
	ResponseMethodPortal      ResponseMethod = "PORTAL"
	ResponseMethodEmailToken  ResponseMethod = "EMAIL_TOKEN"
	ResponseMethodAdminManual ResponseMethod = "ADMIN_MANUAL"
	ResponseMethodDeadline    ResponseMethod = "DEADLINE"
)

// WithdrawalReason enumerates accepted withdrawal reasons.
type WithdrawalReason string

const (
	WithdrawalReasonMovingAway  WithdrawalReason = "MOVING_AWAY"
	WithdrawalReasonFinancial   WithdrawalReason = "FINANCIAL"
	WithdrawalReasonNotEnjoying WithdrawalReason = "NOT_ENJOYING"
	WithdrawalReasonScheduling  WithdrawalReason = "SCHEDULING"
	WithdrawalReasonOther       WithdrawalReason = "OTHER"
)

// ValidWithdrawalReason reports whether the reason belongs to the closed set.
func ValidWithdrawalReason(r WithdrawalReason) bool {
	switch r {
	case WithdrawalReasonMovingAway, WithdrawalReasonFinancial,
		WithdrawalReasonNotEnjoying, WithdrawalReasonScheduling, WithdrawalReasonOther:
		return true
	}
	return false
}

// ProcessType selects which response states a bulk-processing pass targets.
type ProcessType string

const (
	ProcessTypeConfirmed   ProcessType = "confirmed"
	ProcessTypeWithdrawals ProcessType = "withdrawals"
	ProcessTypeAll         ProcessType = "all"
)

// ResponseStates returns the ledger states matched by the process type.
func (t ProcessType) ResponseStates() []ResponseState {
	switch t {
	case ProcessTypeConfirmed:
		return []ResponseState{ResponseContinuing, ResponseAssumedContinuing}
	case ProcessTypeWithdrawals:
		return []ResponseState{ResponseWithdrawing}
	case ProcessTypeAll:
		return []ResponseState{ResponseContinuing, ResponseAssumedContinuing, ResponseWithdrawing}
	}
	return nil
}

// LessonSnapshot captures one recurring lesson as it stood when the run was
// created. The next-term fee shown to guardians is derived from this snapshot,
// never recomputed live.
type LessonSnapshot struct {
	RecurrenceID    string  `json:"recurrenceId"`
	Day             string  `json:"day"`
	Time            string  `json:"time"`
	TeacherName     string  `json:"teacherName"`
	Instrument      string  `json:"instrument"`
	DurationMinutes int     `json:"durationMinutes"`
	Rate            float64 `json:"rate"`
	LessonsNextTerm int     `json:"lessonsNextTerm"`
}

// LessonSummary is the ordered snapshot list persisted as JSONB.
type LessonSummary []LessonSnapshot

// Value marshals the snapshot list for persistence.
func (l LessonSummary) Value() (driver.Value, error) {
	if l == nil {
		return []byte("[]"), nil
	}
	raw, err := json.Marshal(l)
	if err != nil {
		return nil, fmt.Errorf("marshal lesson summary: %w", err)
	}
	return raw, nil
}

// Scan unmarshals the snapshot list from the database representation.
func (l *LessonSummary) Scan(src interface{}) error {
	if src == nil {
		*l = nil
		return nil
	}
	var raw []byte
	switch v := src.(type) {
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("unsupported lesson summary type %T", src)
	}
	if len(raw) == 0 {
		*l = nil
		return nil
	}
	return json.Unmarshal(raw, l)
}

// NextTermFee sums the projected fee across all snapshot lessons.
func (l LessonSummary) NextTermFee() float64 {
	var total float64
	for _, lesson := range l {
		total += lesson.Rate * float64(lesson.LessonsNextTerm)
	}
	return total
}

// ContinuationResponse is the per-student ledger entry for a run.
type ContinuationResponse struct {
	ID                string            `db:"id" json:"id"`
	RunID             string            `db:"run_id" json:"run_id"`
	SchoolID          string            `db:"school_id" json:"school_id"`
	StudentID         string            `db:"student_id" json:"student_id"`
	GuardianID        string            `db:"guardian_id" json:"guardian_id"`
	LessonSummary     LessonSummary     `db:"lesson_summary" json:"lesson_summary"`
	Response          ResponseState     `db:"response" json:"response"`
	ResponseAt        *time.Time        `db:"response_at" json:"response_at,omitempty"`
	ResponseMethod    *ResponseMethod   `db:"response_method" json:"response_method,omitempty"`
	WithdrawalReason  *WithdrawalReason `db:"withdrawal_reason" json:"withdrawal_reason,omitempty"`
	WithdrawalNotes   *string           `db:"withdrawal_notes" json:"withdrawal_notes,omitempty"`
	IsProcessed       bool              `db:"is_processed" json:"is_processed"`
	ProcessedAt       *time.Time        `db:"processed_at" json:"processed_at,omitempty"`
	TermAdjustmentIDs pq.StringArray    `db:"term_adjustment_ids" json:"term_adjustment_ids"`
	ReminderCount     int               `db:"reminder_count" json:"reminder_count"`
	InitialSentAt     *time.Time        `db:"initial_sent_at" json:"initial_sent_at,omitempty"`
	DispatchError     *string           `db:"dispatch_error" json:"dispatch_error,omitempty"`
	CreatedAt         time.Time         `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time         `db:"updated_at" json:"updated_at"`
}

// TermAdjustmentID returns the most recent confirmed adjustment id, matching
// the single-id shape older reporting consumers expect.
func (r *ContinuationResponse) TermAdjustmentID() string {
	if len(r.TermAdjustmentIDs) == 0 {
		return ""
	}
	return r.TermAdjustmentIDs[len(r.TermAdjustmentIDs)-1]
}

// ResponseDetail enriches a ledger entry with student and guardian info for
// staff-facing listings.
type ResponseDetail struct {
	ContinuationResponse
	StudentName   string  `db:"student_name" json:"student_name"`
	GuardianName  string  `db:"guardian_name" json:"guardian_name"`
	GuardianEmail *string `db:"guardian_email" json:"guardian_email,omitempty"`
}

// ResponseFilter constrains ledger queries.
type ResponseFilter struct {
	RunID       string
	SchoolID    string
	GuardianID  string
	States      []ResponseState
	Unprocessed bool
	Limit       int
}
