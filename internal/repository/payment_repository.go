package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/cryptohub-academy/enrollment-api/internal/models"
)

// PaymentRepository handles persistence of payment proofs. A payment row is
// written once and finalized at most once; finalized rows are never updated.
type PaymentRepository struct {
	db *sqlx.DB
}

// NewPaymentRepository constructs the repository.
func NewPaymentRepository(db *sqlx.DB) *PaymentRepository {
	return &PaymentRepository{db: db}
}

func (r *PaymentRepository) exec(e sqlx.ExtContext) sqlx.ExtContext {
	if e != nil {
		return e
	}
	return r.db
}

// List returns payments with enrollment, student and batch context.
func (r *PaymentRepository) List(ctx context.Context, filter models.PaymentFilter) ([]models.PaymentDetail, int, error) {
	base := `FROM payments p
JOIN enrollments e ON e.id = p.enrollment_id
LEFT JOIN users u ON u.id = e.user_id
LEFT JOIN batches b ON b.id = e.batch_id`
	var conditions []string
	var args []interface{}

	if filter.Status != "" {
		conditions = append(conditions, fmt.Sprintf("p.status = $%d", len(args)+1))
		args = append(args, filter.Status)
	}
	if filter.Method != "" {
		conditions = append(conditions, fmt.Sprintf("p.method = $%d", len(args)+1))
		args = append(args, filter.Method)
	}
	if filter.BatchID != "" {
		conditions = append(conditions, fmt.Sprintf("e.batch_id = $%d", len(args)+1))
		args = append(args, filter.BatchID)
	}

	clause := ""
	if len(conditions) > 0 {
		clause = " WHERE " + strings.Join(conditions, " AND ")
	}

	allowedSorts := map[string]string{
		"paid_at":     "p.paid_at",
		"verified_at": "p.verified_at",
		"amount":      "p.amount_minor",
	}
	orderBy := allowedSorts[filter.SortBy]
	if orderBy == "" {
		orderBy = "p.paid_at"
	}
	order := strings.ToUpper(filter.SortOrder)
	if order != "ASC" && order != "DESC" {
		order = "DESC"
	}
	page := filter.Page
	if page < 1 {
		page = 1
	}
	size := filter.PageSize
	if size <= 0 || size > 100 {
		size = 20
	}
	offset := (page - 1) * size

	query := fmt.Sprintf(`SELECT p.id, p.enrollment_id, p.trx_id, p.method, p.sender_number, p.amount_minor, p.currency,
        p.status, p.paid_at, p.verified_at, p.verified_by_id, p.reject_reason,
        e.user_id, e.batch_id, e.status AS enrollment_status,
        u.full_name AS student_name, u.email AS student_email, b.name AS batch_name
        %s ORDER BY %s %s LIMIT %d OFFSET %d`, base+clause, orderBy, order, size, offset)

	var payments []models.PaymentDetail
	if err := r.db.SelectContext(ctx, &payments, query, args...); err != nil {
		return nil, 0, fmt.Errorf("list payments: %w", err)
	}

	countQuery := fmt.Sprintf("SELECT COUNT(*) %s", base+clause)
	var total int
	if err := r.db.GetContext(ctx, &total, countQuery, args...); err != nil {
		return nil, 0, fmt.Errorf("count payments: %w", err)
	}
	return payments, total, nil
}

// FindByID returns a payment by its ID.
func (r *PaymentRepository) FindByID(ctx context.Context, exec sqlx.ExtContext, id string) (*models.Payment, error) {
	const query = `SELECT id, enrollment_id, trx_id, method, sender_number, amount_minor, currency,
        status, paid_at, verified_at, verified_by_id, reject_reason
        FROM payments WHERE id = $1`
	var payment models.Payment
	if err := sqlx.GetContext(ctx, r.exec(exec), &payment, query, id); err != nil {
		return nil, err
	}
	return &payment, nil
}

// FindByEnrollmentID returns the payment bound to an enrollment, if any.
func (r *PaymentRepository) FindByEnrollmentID(ctx context.Context, exec sqlx.ExtContext, enrollmentID string) (*models.Payment, error) {
	const query = `SELECT id, enrollment_id, trx_id, method, sender_number, amount_minor, currency,
        status, paid_at, verified_at, verified_by_id, reject_reason
        FROM payments WHERE enrollment_id = $1`
	var payment models.Payment
	if err := sqlx.GetContext(ctx, r.exec(exec), &payment, query, enrollmentID); err != nil {
		return nil, err
	}
	return &payment, nil
}

// FindDetailByID returns a payment with student and batch context.
func (r *PaymentRepository) FindDetailByID(ctx context.Context, id string) (*models.PaymentDetail, error) {
	const query = `SELECT p.id, p.enrollment_id, p.trx_id, p.method, p.sender_number, p.amount_minor, p.currency,
        p.status, p.paid_at, p.verified_at, p.verified_by_id, p.reject_reason,
        e.user_id, e.batch_id, e.status AS enrollment_status,
        u.full_name AS student_name, u.email AS student_email, b.name AS batch_name
        FROM payments p
        JOIN enrollments e ON e.id = p.enrollment_id
        LEFT JOIN users u ON u.id = e.user_id
        LEFT JOIN batches b ON b.id = e.batch_id
        WHERE p.id = $1`
	var detail models.PaymentDetail
	if err := r.db.GetContext(ctx, &detail, query, id); err != nil {
		return nil, err
	}
	return &detail, nil
}

// TrxIDExists reports whether any payment already carries the transaction id.
// Called inside the submission transaction so the check and the insert cannot
// interleave with a concurrent submission of the same reference.
func (r *PaymentRepository) TrxIDExists(ctx context.Context, exec sqlx.ExtContext, trxID string) (bool, error) {
	var exists int
	if err := sqlx.GetContext(ctx, r.exec(exec), &exists, "SELECT 1 FROM payments WHERE trx_id = $1 LIMIT 1", trxID); err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, fmt.Errorf("check trx id: %w", err)
	}
	return true, nil
}

// ExistsForEnrollment reports whether the enrollment already owns a payment.
func (r *PaymentRepository) ExistsForEnrollment(ctx context.Context, exec sqlx.ExtContext, enrollmentID string) (bool, error) {
	var exists int
	if err := sqlx.GetContext(ctx, r.exec(exec), &exists, "SELECT 1 FROM payments WHERE enrollment_id = $1 LIMIT 1", enrollmentID); err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, fmt.Errorf("check enrollment payment: %w", err)
	}
	return true, nil
}

// Create persists a new payment record.
func (r *PaymentRepository) Create(ctx context.Context, exec sqlx.ExtContext, payment *models.Payment) error {
	if payment.ID == "" {
		payment.ID = uuid.NewString()
	}
	if payment.PaidAt.IsZero() {
		payment.PaidAt = time.Now().UTC()
	}
	if payment.Status == "" {
		payment.Status = models.PaymentStatusPending
	}
	const query = `INSERT INTO payments (id, enrollment_id, trx_id, method, sender_number, amount_minor, currency,
        status, paid_at, verified_at, verified_by_id, reject_reason)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`
	if _, err := r.exec(exec).ExecContext(ctx, query,
		payment.ID, payment.EnrollmentID, payment.TrxID, payment.Method, payment.SenderNumber,
		payment.AmountMinor, payment.Currency, payment.Status, payment.PaidAt,
		payment.VerifiedAt, payment.VerifiedByID, payment.RejectReason); err != nil {
		return fmt.Errorf("create payment: %w", err)
	}
	return nil
}

// Finalize moves a PENDING payment to APPROVED or REJECTED exactly once.
// Returns false when the payment was already finalized.
func (r *PaymentRepository) Finalize(ctx context.Context, exec sqlx.ExtContext, id string, status models.PaymentStatus, verifiedAt time.Time, verifiedByID *string, reason *string) (bool, error) {
	const query = `UPDATE payments SET status = $2, verified_at = $3, verified_by_id = $4, reject_reason = $5
        WHERE id = $1 AND status = $6`
	res, err := r.exec(exec).ExecContext(ctx, query, id, status, verifiedAt, verifiedByID, reason, models.PaymentStatusPending)
	if err != nil {
		return false, fmt.Errorf("finalize payment: %w", err)
	}
	return oneRowAffected(res)
}

// DeleteByEnrollment removes the payment bound to an enrollment. Only used
// by the admin bulk-delete path, which removes the enrollment in the same
// transaction.
func (r *PaymentRepository) DeleteByEnrollment(ctx context.Context, exec sqlx.ExtContext, enrollmentID string) error {
	const query = `DELETE FROM payments WHERE enrollment_id = $1`
	if _, err := r.exec(exec).ExecContext(ctx, query, enrollmentID); err != nil {
		return fmt.Errorf("delete payment: %w", err)
	}
	return nil
}
