package models

import "time"

// EnrollmentStatus represents the lifecycle of an enrollment.
type EnrollmentStatus string

// Possible enrollment statuses. PENDING, PAYMENT_SUBMITTED and ACTIVE hold a
// seat; the remaining statuses are terminal.
const (
	EnrollmentStatusPending          EnrollmentStatus = "PENDING"
	EnrollmentStatusPaymentSubmitted EnrollmentStatus = "PAYMENT_SUBMITTED"
	EnrollmentStatusActive           EnrollmentStatus = "ACTIVE"
	EnrollmentStatusRejected         EnrollmentStatus = "REJECTED"
	EnrollmentStatusExpired          EnrollmentStatus = "EXPIRED"
	EnrollmentStatusCancelled        EnrollmentStatus = "CANCELLED"
)

// ActiveTrackStatuses are the statuses that still consume a seat.
var ActiveTrackStatuses = []EnrollmentStatus{
	EnrollmentStatusPending,
	EnrollmentStatusPaymentSubmitted,
	EnrollmentStatusActive,
}

// allowedEnrollmentTransitions maps each status to the statuses it may move to.
// Terminal statuses have no outgoing edges.
var allowedEnrollmentTransitions = map[EnrollmentStatus][]EnrollmentStatus{
	EnrollmentStatusPending: {
		EnrollmentStatusPaymentSubmitted,
		EnrollmentStatusRejected,
		EnrollmentStatusExpired,
		EnrollmentStatusCancelled,
	},
	EnrollmentStatusPaymentSubmitted: {
		EnrollmentStatusActive,
		EnrollmentStatusRejected,
		EnrollmentStatusExpired,
		EnrollmentStatusCancelled,
	},
	EnrollmentStatusActive:    {},
	EnrollmentStatusRejected:  {},
	EnrollmentStatusExpired:   {},
	EnrollmentStatusCancelled: {},
}

// CanTransition reports whether moving from one status to another is allowed.
func (s EnrollmentStatus) CanTransition(to EnrollmentStatus) bool {
	for _, allowed := range allowedEnrollmentTransitions[s] {
		if allowed == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether the status admits no further transitions.
func (s EnrollmentStatus) IsTerminal() bool {
	return len(allowedEnrollmentTransitions[s]) == 0
}

// HoldsSeat reports whether an enrollment in this status consumes a seat.
func (s EnrollmentStatus) HoldsSeat() bool {
	switch s {
	case EnrollmentStatusPending, EnrollmentStatusPaymentSubmitted, EnrollmentStatusActive:
		return true
	}
	return false
}

// Enrollment is a student's claim on a seat in a batch. The fee is a snapshot
// of the batch price at enrollment time and never changes afterwards.
type Enrollment struct {
	ID           string           `db:"id" json:"id"`
	UserID       string           `db:"user_id" json:"user_id"`
	BatchID      string           `db:"batch_id" json:"batch_id"`
	FeeMinor     int64            `db:"fee_minor" json:"fee_minor"`
	Currency     string           `db:"currency" json:"currency"`
	Status       EnrollmentStatus `db:"status" json:"status"`
	CreatedAt    time.Time        `db:"created_at" json:"created_at"`
	PaidAt       *time.Time       `db:"paid_at" json:"paid_at,omitempty"`
	ApprovedAt   *time.Time       `db:"approved_at" json:"approved_at,omitempty"`
	RejectedAt   *time.Time       `db:"rejected_at" json:"rejected_at,omitempty"`
	RejectReason *string          `db:"reject_reason" json:"reject_reason,omitempty"`
}

// EnrollmentDetail enriches Enrollment with student and batch info.
type EnrollmentDetail struct {
	Enrollment
	StudentName  string `db:"student_name" json:"student_name"`
	StudentEmail string `db:"student_email" json:"student_email"`
	BatchName    string `db:"batch_name" json:"batch_name"`
	CourseName   string `db:"course_name" json:"course_name"`
}

// EnrollmentFilter provides filters for listing enrollments.
type EnrollmentFilter struct {
	UserID    string
	BatchID   string
	Status    EnrollmentStatus
	Page      int
	PageSize  int
	SortBy    string
	SortOrder string
}
