package models

import "time"

// StudentStatus tracks enrolment standing.
type StudentStatus string

const (
	StudentStatusActive   StudentStatus = "ACTIVE"
	StudentStatusInactive StudentStatus = "INACTIVE"
	StudentStatusLeft     StudentStatus = "LEFT"
)

// Student is a pupil enrolled at a school. Roster management lives in the
// main platform; this service reads students to build run snapshots.
type Student struct {
	ID         string        `db:"id" json:"id"`
	SchoolID   string        `db:"school_id" json:"school_id"`
	FullName   string        `db:"full_name" json:"full_name"`
	GuardianID string        `db:"guardian_id" json:"guardian_id"`
	Status     StudentStatus `db:"status" json:"status"`
	CreatedAt  time.Time     `db:"created_at" json:"created_at"`
	UpdatedAt  time.Time     `db:"updated_at" json:"updated_at"`
}

// Guardian is the responsible adult receiving continuation notices.
type Guardian struct {
	ID       string  `db:"id" json:"id"`
	SchoolID string  `db:"school_id" json:"school_id"`
	FullName string  `db:"full_name" json:"full_name"`
	Email    *string `db:"email" json:"email,omitempty"`
	Phone    *string `db:"phone" json:"phone,omitempty"`
}

// StudentProjection pairs a student with their current recurring lessons and
// the derived next-term projection used in run previews.
type StudentProjection struct {
	Student          Student       `json:"student"`
	Guardian         Guardian      `json:"guardian"`
	Lessons          LessonSummary `json:"lessons"`
	NextTermFee      float64       `json:"next_term_fee"`
	HasGuardianEmail bool          `json:"has_guardian_email"`
}
