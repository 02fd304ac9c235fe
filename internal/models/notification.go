package models

import "time"

// NotificationKind classifies what triggered a notification.
type NotificationKind string

const (
	NotificationPaymentSubmitted  NotificationKind = "PAYMENT_SUBMITTED"
	NotificationPaymentApproved   NotificationKind = "PAYMENT_APPROVED"
	NotificationPaymentRejected   NotificationKind = "PAYMENT_REJECTED"
	NotificationEnrollmentExpired NotificationKind = "ENROLLMENT_EXPIRED"
)

// Notification is an in-app message for a single user. Rows are written in
// the same transaction as the state transition that caused them; email
// delivery is dispatched separately after commit.
type Notification struct {
	ID        string           `db:"id" json:"id"`
	UserID    string           `db:"user_id" json:"user_id"`
	Kind      NotificationKind `db:"kind" json:"kind"`
	Title     string           `db:"title" json:"title"`
	Body      string           `db:"body" json:"body"`
	BatchID   *string          `db:"batch_id" json:"batch_id,omitempty"`
	ReadAt    *time.Time       `db:"read_at" json:"read_at,omitempty"`
	CreatedAt time.Time        `db:"created_at" json:"created_at"`
}

// NotificationFilter lists notifications for a user.
type NotificationFilter struct {
	UserID     string
	UnreadOnly bool
	Page       int
	PageSize   int
}
