package repository

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/cryptohub-academy/enrollment-api/internal/models"
)

// BatchRepository handles persistence of course batches and owns the seat
// ledger over the seats column.
type BatchRepository struct {
	db *sqlx.DB
}

// NewBatchRepository constructs the repository.
func NewBatchRepository(db *sqlx.DB) *BatchRepository {
	return &BatchRepository{db: db}
}

func (r *BatchRepository) exec(e sqlx.ExtContext) sqlx.ExtContext {
	if e != nil {
		return e
	}
	return r.db
}

// List returns batches filtered by the provided criteria.
func (r *BatchRepository) List(ctx context.Context, filter models.BatchFilter) ([]models.Batch, int, error) {
	base := "FROM batches"
	var conditions []string
	var args []interface{}

	if filter.PublishedOnly {
		conditions = append(conditions, "is_published = TRUE")
	}
	if filter.OpenOnly {
		conditions = append(conditions, "is_open = TRUE")
	}
	if filter.Search != "" {
		conditions = append(conditions, fmt.Sprintf("(name ILIKE $%d OR course_name ILIKE $%d)", len(args)+1, len(args)+1))
		args = append(args, "%"+filter.Search+"%")
	}

	clause := ""
	if len(conditions) > 0 {
		clause = " WHERE " + strings.Join(conditions, " AND ")
	}

	allowedSorts := map[string]string{
		"name":         "name",
		"enroll_start": "enroll_start",
		"created_at":   "created_at",
	}
	orderBy := allowedSorts[filter.SortBy]
	if orderBy == "" {
		orderBy = "enroll_start"
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

	query := fmt.Sprintf(`SELECT id, course_name, name, description, price_minor, currency, seats, total_seats,
        is_open, is_published, enroll_start, enroll_end, created_at, updated_at
        %s ORDER BY %s %s LIMIT %d OFFSET %d`, base+clause, orderBy, order, size, offset)

	var batches []models.Batch
	if err := r.db.SelectContext(ctx, &batches, query, args...); err != nil {
		return nil, 0, fmt.Errorf("list batches: %w", err)
	}

	countQuery := fmt.Sprintf("SELECT COUNT(*) %s", base+clause)
	var total int
	if err := r.db.GetContext(ctx, &total, countQuery, args...); err != nil {
		return nil, 0, fmt.Errorf("count batches: %w", err)
	}
	return batches, total, nil
}

// FindByID returns a batch by its ID. Pass a transaction as exec to read the
// row inside an ongoing transaction; pass nil to read from the pool.
func (r *BatchRepository) FindByID(ctx context.Context, exec sqlx.ExtContext, id string) (*models.Batch, error) {
	const query = `SELECT id, course_name, name, description, price_minor, currency, seats, total_seats,
        is_open, is_published, enroll_start, enroll_end, created_at, updated_at
        FROM batches WHERE id = $1`
	var batch models.Batch
	if err := sqlx.GetContext(ctx, r.exec(exec), &batch, query, id); err != nil {
		return nil, err
	}
	return &batch, nil
}

// ReserveSeat claims one seat from the batch. The check and decrement happen
// in a single conditional UPDATE so concurrent reservations can never take
// the seat count below zero. Returns false when no seat was available.
func (r *BatchRepository) ReserveSeat(ctx context.Context, exec sqlx.ExtContext, id string) (bool, error) {
	const query = `UPDATE batches SET seats = seats - 1, updated_at = $2 WHERE id = $1 AND seats > 0`
	res, err := r.exec(exec).ExecContext(ctx, query, id, time.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("reserve seat: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("reserve seat result: %w", err)
	}
	return affected == 1, nil
}

// ReleaseSeat returns one seat to the batch. Called whenever an enrollment
// leaves a seat-holding status on a non-success path.
func (r *BatchRepository) ReleaseSeat(ctx context.Context, exec sqlx.ExtContext, id string) error {
	const query = `UPDATE batches SET seats = seats + 1, updated_at = $2 WHERE id = $1`
	if _, err := r.exec(exec).ExecContext(ctx, query, id, time.Now().UTC()); err != nil {
		return fmt.Errorf("release seat: %w", err)
	}
	return nil
}

// Create persists a new batch.
func (r *BatchRepository) Create(ctx context.Context, batch *models.Batch) error {
	if batch.ID == "" {
		batch.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if batch.CreatedAt.IsZero() {
		batch.CreatedAt = now
	}
	batch.UpdatedAt = now
	if batch.TotalSeats == 0 {
		batch.TotalSeats = batch.Seats
	}
	const query = `INSERT INTO batches (id, course_name, name, description, price_minor, currency, seats, total_seats,
        is_open, is_published, enroll_start, enroll_end, created_at, updated_at)
        VALUES (:id, :course_name, :name, :description, :price_minor, :currency, :seats, :total_seats,
        :is_open, :is_published, :enroll_start, :enroll_end, :created_at, :updated_at)`
	if _, err := r.db.NamedExecContext(ctx, query, batch); err != nil {
		return fmt.Errorf("create batch: %w", err)
	}
	return nil
}

// Update modifies an existing batch. The seats column is not touched here;
// capacity changes go through the ledger methods.
func (r *BatchRepository) Update(ctx context.Context, batch *models.Batch) error {
	batch.UpdatedAt = time.Now().UTC()
	const query = `UPDATE batches SET course_name = :course_name, name = :name, description = :description,
        price_minor = :price_minor, currency = :currency, is_open = :is_open, is_published = :is_published,
        enroll_start = :enroll_start, enroll_end = :enroll_end, updated_at = :updated_at
        WHERE id = :id`
	if _, err := r.db.NamedExecContext(ctx, query, batch); err != nil {
		return fmt.Errorf("update batch: %w", err)
	}
	return nil
}

// AdjustCapacity grows or shrinks the batch by delta seats, moving seats and
// total_seats together. A shrink that would take the free seat count below
// zero is refused; returns false in that case.
func (r *BatchRepository) AdjustCapacity(ctx context.Context, id string, delta int) (bool, error) {
	const query = `UPDATE batches SET seats = seats + $2, total_seats = total_seats + $2, updated_at = $3
        WHERE id = $1 AND seats + $2 >= 0 AND total_seats + $2 >= 0`
	res, err := r.db.ExecContext(ctx, query, id, delta, time.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("adjust capacity: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("adjust capacity result: %w", err)
	}
	return affected == 1, nil
}

// HasEnrollments reports whether any enrollment references the batch.
func (r *BatchRepository) HasEnrollments(ctx context.Context, id string) (bool, error) {
	var exists bool
	const query = `SELECT EXISTS (SELECT 1 FROM enrollments WHERE batch_id = $1)`
	if err := r.db.GetContext(ctx, &exists, query, id); err != nil {
		return false, fmt.Errorf("check batch enrollments: %w", err)
	}
	return exists, nil
}

// Delete removes a batch.
func (r *BatchRepository) Delete(ctx context.Context, id string) error {
	if _, err := r.db.ExecContext(ctx, "DELETE FROM batches WHERE id = $1", id); err != nil {
		return fmt.Errorf("delete batch: %w", err)
	}
	return nil
}
