package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/cryptohub-academy/enrollment-api/internal/models"
)

// EnrollmentRepository handles persistence of enrollments. Status changes use
// conditional updates (WHERE status = <expected>) so stale transitions fail
// instead of clobbering concurrent ones.
type EnrollmentRepository struct {
	db *sqlx.DB
}

// NewEnrollmentRepository constructs the repository.
func NewEnrollmentRepository(db *sqlx.DB) *EnrollmentRepository {
	return &EnrollmentRepository{db: db}
}

func (r *EnrollmentRepository) exec(e sqlx.ExtContext) sqlx.ExtContext {
	if e != nil {
		return e
	}
	return r.db
}

// List returns enrollments filtered by the provided criteria.
func (r *EnrollmentRepository) List(ctx context.Context, filter models.EnrollmentFilter) ([]models.EnrollmentDetail, int, error) {
	base := `FROM enrollments e
LEFT JOIN users u ON u.id = e.user_id
LEFT JOIN batches b ON b.id = e.batch_id`
	var conditions []string
	var args []interface{}

	if filter.UserID != "" {
		conditions = append(conditions, fmt.Sprintf("e.user_id = $%d", len(args)+1))
		args = append(args, filter.UserID)
	}
	if filter.BatchID != "" {
		conditions = append(conditions, fmt.Sprintf("e.batch_id = $%d", len(args)+1))
		args = append(args, filter.BatchID)
	}
	if filter.Status != "" {
		conditions = append(conditions, fmt.Sprintf("e.status = $%d", len(args)+1))
		args = append(args, filter.Status)
	}

	clause := ""
	if len(conditions) > 0 {
		clause = " WHERE " + strings.Join(conditions, " AND ")
	}

	allowedSorts := map[string]string{
		"created_at":   "e.created_at",
		"student_name": "u.full_name",
		"batch_name":   "b.name",
		"status":       "e.status",
	}
	orderBy := allowedSorts[filter.SortBy]
	if orderBy == "" {
		orderBy = "e.created_at"
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

	query := fmt.Sprintf(`SELECT e.id, e.user_id, e.batch_id, e.fee_minor, e.currency, e.status,
        e.created_at, e.paid_at, e.approved_at, e.rejected_at, e.reject_reason,
        u.full_name AS student_name, u.email AS student_email, b.name AS batch_name, b.course_name AS course_name
        %s ORDER BY %s %s LIMIT %d OFFSET %d`, base+clause, orderBy, order, size, offset)

	var enrollments []models.EnrollmentDetail
	if err := r.db.SelectContext(ctx, &enrollments, query, args...); err != nil {
		return nil, 0, fmt.Errorf("list enrollments: %w", err)
	}

	countQuery := fmt.Sprintf("SELECT COUNT(*) %s", base+clause)
	var total int
	if err := r.db.GetContext(ctx, &total, countQuery, args...); err != nil {
		return nil, 0, fmt.Errorf("count enrollments: %w", err)
	}
	return enrollments, total, nil
}

// FindByID returns an enrollment by its ID.
func (r *EnrollmentRepository) FindByID(ctx context.Context, exec sqlx.ExtContext, id string) (*models.Enrollment, error) {
	const query = `SELECT id, user_id, batch_id, fee_minor, currency, status, created_at, paid_at, approved_at, rejected_at, reject_reason
        FROM enrollments WHERE id = $1`
	var enrollment models.Enrollment
	if err := sqlx.GetContext(ctx, r.exec(exec), &enrollment, query, id); err != nil {
		return nil, err
	}
	return &enrollment, nil
}

// FindDetailByID returns an enrollment with student and batch context.
func (r *EnrollmentRepository) FindDetailByID(ctx context.Context, id string) (*models.EnrollmentDetail, error) {
	const query = `SELECT e.id, e.user_id, e.batch_id, e.fee_minor, e.currency, e.status,
        e.created_at, e.paid_at, e.approved_at, e.rejected_at, e.reject_reason,
        u.full_name AS student_name, u.email AS student_email, b.name AS batch_name, b.course_name AS course_name
        FROM enrollments e
        LEFT JOIN users u ON u.id = e.user_id
        LEFT JOIN batches b ON b.id = e.batch_id
        WHERE e.id = $1`
	var detail models.EnrollmentDetail
	if err := r.db.GetContext(ctx, &detail, query, id); err != nil {
		return nil, err
	}
	return &detail, nil
}

// ExistsActiveTrack checks whether the user already holds a seat in the batch
// through a PENDING, PAYMENT_SUBMITTED or ACTIVE enrollment.
func (r *EnrollmentRepository) ExistsActiveTrack(ctx context.Context, exec sqlx.ExtContext, userID, batchID string) (bool, error) {
	const query = `SELECT 1 FROM enrollments WHERE user_id = $1 AND batch_id = $2 AND status = ANY($3) LIMIT 1`
	statuses := make([]string, len(models.ActiveTrackStatuses))
	for i, s := range models.ActiveTrackStatuses {
		statuses[i] = string(s)
	}
	var exists int
	if err := sqlx.GetContext(ctx, r.exec(exec), &exists, query, userID, batchID, pq.Array(statuses)); err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, fmt.Errorf("check active-track enrollment: %w", err)
	}
	return true, nil
}

// Create persists a new enrollment record.
func (r *EnrollmentRepository) Create(ctx context.Context, exec sqlx.ExtContext, enrollment *models.Enrollment) error {
	if enrollment.ID == "" {
		enrollment.ID = uuid.NewString()
	}
	if enrollment.CreatedAt.IsZero() {
		enrollment.CreatedAt = time.Now().UTC()
	}
	if enrollment.Status == "" {
		enrollment.Status = models.EnrollmentStatusPending
	}
	const query = `INSERT INTO enrollments (id, user_id, batch_id, fee_minor, currency, status, created_at, paid_at, approved_at, rejected_at, reject_reason)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`
	if _, err := r.exec(exec).ExecContext(ctx, query,
		enrollment.ID, enrollment.UserID, enrollment.BatchID, enrollment.FeeMinor, enrollment.Currency,
		enrollment.Status, enrollment.CreatedAt, enrollment.PaidAt, enrollment.ApprovedAt,
		enrollment.RejectedAt, enrollment.RejectReason); err != nil {
		return fmt.Errorf("create enrollment: %w", err)
	}
	return nil
}

// MarkPaymentSubmitted moves PENDING to PAYMENT_SUBMITTED. Returns false when
// the enrollment was not in PENDING anymore.
func (r *EnrollmentRepository) MarkPaymentSubmitted(ctx context.Context, exec sqlx.ExtContext, id string, paidAt time.Time) (bool, error) {
	const query = `UPDATE enrollments SET status = $2, paid_at = $3 WHERE id = $1 AND status = $4`
	res, err := r.exec(exec).ExecContext(ctx, query, id, models.EnrollmentStatusPaymentSubmitted, paidAt, models.EnrollmentStatusPending)
	if err != nil {
		return false, fmt.Errorf("mark payment submitted: %w", err)
	}
	return oneRowAffected(res)
}

// MarkActive moves PAYMENT_SUBMITTED to ACTIVE. Returns false when the
// enrollment was not in PAYMENT_SUBMITTED anymore.
func (r *EnrollmentRepository) MarkActive(ctx context.Context, exec sqlx.ExtContext, id string, approvedAt time.Time) (bool, error) {
	const query = `UPDATE enrollments SET status = $2, approved_at = $3 WHERE id = $1 AND status = $4`
	res, err := r.exec(exec).ExecContext(ctx, query, id, models.EnrollmentStatusActive, approvedAt, models.EnrollmentStatusPaymentSubmitted)
	if err != nil {
		return false, fmt.Errorf("mark active: %w", err)
	}
	return oneRowAffected(res)
}

// MarkRejected moves the enrollment from the expected status to REJECTED.
func (r *EnrollmentRepository) MarkRejected(ctx context.Context, exec sqlx.ExtContext, id string, from models.EnrollmentStatus, rejectedAt time.Time, reason string) (bool, error) {
	const query = `UPDATE enrollments SET status = $2, rejected_at = $3, reject_reason = $4 WHERE id = $1 AND status = $5`
	res, err := r.exec(exec).ExecContext(ctx, query, id, models.EnrollmentStatusRejected, rejectedAt, reason, from)
	if err != nil {
		return false, fmt.Errorf("mark rejected: %w", err)
	}
	return oneRowAffected(res)
}

// MarkExpired moves the enrollment from the expected status to EXPIRED.
func (r *EnrollmentRepository) MarkExpired(ctx context.Context, exec sqlx.ExtContext, id string, from models.EnrollmentStatus) (bool, error) {
	const query = `UPDATE enrollments SET status = $2 WHERE id = $1 AND status = $3`
	res, err := r.exec(exec).ExecContext(ctx, query, id, models.EnrollmentStatusExpired, from)
	if err != nil {
		return false, fmt.Errorf("mark expired: %w", err)
	}
	return oneRowAffected(res)
}

// Delete removes an enrollment row.
func (r *EnrollmentRepository) Delete(ctx context.Context, exec sqlx.ExtContext, id string) error {
	if _, err := r.exec(exec).ExecContext(ctx, "DELETE FROM enrollments WHERE id = $1", id); err != nil {
		return fmt.Errorf("delete enrollment: %w", err)
	}
	return nil
}

// ListStale returns non-ACTIVE seat-holding enrollments whose batch window
// ended before the cutoff. Used by the expiry sweep.
func (r *EnrollmentRepository) ListStale(ctx context.Context, cutoff time.Time, limit int) ([]models.Enrollment, error) {
	if limit <= 0 {
		limit = 100
	}
	const query = `SELECT e.id, e.user_id, e.batch_id, e.fee_minor, e.currency, e.status,
        e.created_at, e.paid_at, e.approved_at, e.rejected_at, e.reject_reason
        FROM enrollments e
        JOIN batches b ON b.id = e.batch_id
        WHERE e.status = ANY($1) AND b.enroll_end < $2
        ORDER BY e.created_at ASC
        LIMIT $3`
	statuses := []string{string(models.EnrollmentStatusPending), string(models.EnrollmentStatusPaymentSubmitted)}
	var enrollments []models.Enrollment
	if err := r.db.SelectContext(ctx, &enrollments, query, pq.Array(statuses), cutoff, limit); err != nil {
		return nil, fmt.Errorf("list stale enrollments: %w", err)
	}
	return enrollments, nil
}

func oneRowAffected(res sql.Result) (bool, error) {
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return affected == 1, nil
}
