package models

import "time"

// Term models a teaching term in the school calendar.
type Term struct {
	ID        string    `db:"id" json:"id"`
	SchoolID  string    `db:"school_id" json:"school_id"`
	Name      string    `db:"name" json:"name"`
	StartDate time.Time `db:"start_date" json:"start_date"`
	EndDate   time.Time `db:"end_date" json:"end_date"`
	IsActive  bool      `db:"is_active" json:"is_active"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// StartsAfter reports whether the term begins strictly after the other ends.
func (t *Term) StartsAfter(other *Term) bool {
	return t.StartDate.After(other.EndDate)
}
