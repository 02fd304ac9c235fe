package models

import "time"

// Batch is a scheduled course offering with a fixed seat capacity and an
// enrollment window.
type Batch struct {
	ID          string    `db:"id" json:"id"`
	CourseName  string    `db:"course_name" json:"course_name"`
	Name        string    `db:"name" json:"name"`
	Description string    `db:"description" json:"description"`
	PriceMinor  int64     `db:"price_minor" json:"price_minor"`
	Currency    string    `db:"currency" json:"currency"`
	Seats       int       `db:"seats" json:"seats"`
	TotalSeats  int       `db:"total_seats" json:"total_seats"`
	IsOpen      bool      `db:"is_open" json:"is_open"`
	IsPublished bool      `db:"is_published" json:"is_published"`
	EnrollStart time.Time `db:"enroll_start" json:"enroll_start"`
	EnrollEnd   time.Time `db:"enroll_end" json:"enroll_end"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time `db:"updated_at" json:"updated_at"`
}

// Enrollable reports whether the batch accepts new enrollments at the
// given instant. Seat availability is checked separately by the ledger.
func (b *Batch) Enrollable(now time.Time) bool {
	return b.IsOpen && b.IsPublished && !now.Before(b.EnrollStart) && !now.After(b.EnrollEnd)
}

// BatchFilter provides filters for listing batches.
type BatchFilter struct {
	PublishedOnly bool
	OpenOnly      bool
	Search        string
	Page          int
	PageSize      int
	SortBy        string
	SortOrder     string
}
