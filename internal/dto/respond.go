package dto

import "github.com/cadenza-hq/continuation-api/internal/models"

// TokenRespondRequest is the unauthenticated emailed-link submission.
type TokenRespondRequest struct {
	Token            string                   `json:"token" binding:"required"`
	Response         models.ResponseState     `json:"response" binding:"required"`
	WithdrawalReason *models.WithdrawalReason `json:"withdrawal_reason,omitempty"`
	WithdrawalNotes  *string                  `json:"withdrawal_notes,omitempty"`
}

// PortalRespondRequest is the authenticated guardian portal submission.
type PortalRespondRequest struct {
	ResponseID       string                   `json:"response_id" binding:"required"`
	Response         models.ResponseState     `json:"response" binding:"required"`
	WithdrawalReason *models.WithdrawalReason `json:"withdrawal_reason,omitempty"`
	WithdrawalNotes  *string                  `json:"withdrawal_notes,omitempty"`
}

// RespondResult is returned by both intake paths. AlreadyResponded means the
// entry had left PENDING before this submission; Response then carries the
// previously recorded decision.
type RespondResult struct {
	AlreadyResponded bool                 `json:"already_responded"`
	Response         models.ResponseState `json:"response"`
	StudentName      string               `json:"student_name"`
	NextTermName     string               `json:"next_term_name"`
}

// PortalEntry is one pending item in the guardian portal listing.
type PortalEntry struct {
	ResponseID     string               `json:"response_id"`
	StudentName    string               `json:"student_name"`
	RunID          string               `json:"run_id"`
	NextTermName   string               `json:"next_term_name"`
	NoticeDeadline string               `json:"notice_deadline"`
	Lessons        models.LessonSummary `json:"lessons"`
	NextTermFee    float64              `json:"next_term_fee"`
}
