package models

import "time"

// PaymentStatus represents the verification state of a payment.
type PaymentStatus string

const (
	PaymentStatusPending  PaymentStatus = "PENDING"
	PaymentStatusApproved PaymentStatus = "APPROVED"
	PaymentStatusRejected PaymentStatus = "REJECTED"
)

// PaymentMethod enumerates the supported mobile-money and bank channels.
type PaymentMethod string

const (
	PaymentMethodBkash  PaymentMethod = "BKASH"
	PaymentMethodNagad  PaymentMethod = "NAGAD"
	PaymentMethodRocket PaymentMethod = "ROCKET"
	PaymentMethodBank   PaymentMethod = "BANK"
)

// ValidPaymentMethod reports whether the raw value is a known channel.
func ValidPaymentMethod(raw string) bool {
	switch PaymentMethod(raw) {
	case PaymentMethodBkash, PaymentMethodNagad, PaymentMethodRocket, PaymentMethodBank:
		return true
	}
	return false
}

// Payment is a manually submitted proof of an out-of-band money transfer,
// tied 1:1 to an enrollment. The trx_id is globally unique across payments.
// A nil verified_by_id on a finalized payment means the system decided
// automatically (time-window auto-rejection).
type Payment struct {
	ID           string        `db:"id" json:"id"`
	EnrollmentID string        `db:"enrollment_id" json:"enrollment_id"`
	TrxID        string        `db:"trx_id" json:"trx_id"`
	Method       PaymentMethod `db:"method" json:"method"`
	SenderNumber string        `db:"sender_number" json:"sender_number"`
	AmountMinor  int64         `db:"amount_minor" json:"amount_minor"`
	Currency     string        `db:"currency" json:"currency"`
	Status       PaymentStatus `db:"status" json:"status"`
	PaidAt       time.Time     `db:"paid_at" json:"paid_at"`
	VerifiedAt   *time.Time    `db:"verified_at" json:"verified_at,omitempty"`
	VerifiedByID *string       `db:"verified_by_id" json:"verified_by_id,omitempty"`
	RejectReason *string       `db:"reject_reason" json:"reject_reason,omitempty"`
}

// PaymentDetail enriches Payment with enrollment, student and batch context
// for the admin review surface.
type PaymentDetail struct {
	Payment
	UserID       string           `db:"user_id" json:"user_id"`
	StudentName  string           `db:"student_name" json:"student_name"`
	StudentEmail string           `db:"student_email" json:"student_email"`
	BatchID      string           `db:"batch_id" json:"batch_id"`
	BatchName    string           `db:"batch_name" json:"batch_name"`
	Enrollment   EnrollmentStatus `db:"enrollment_status" json:"enrollment_status"`
}

// PaymentFilter provides filters for the admin payment review list.
type PaymentFilter struct {
	Status    PaymentStatus
	Method    PaymentMethod
	BatchID   string
	Page      int
	PageSize  int
	SortBy    string
	SortOrder string
}
