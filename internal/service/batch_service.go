package service

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/cryptohub-academy/enrollment-api/internal/models"
	appErrors "github.com/cryptohub-academy/enrollment-api/pkg/errors"
)

const batchCachePattern = "batches:*"

type batchRepository interface {
	List(ctx context.Context, filter models.BatchFilter) ([]models.Batch, int, error)
	FindByID(ctx context.Context, exec sqlx.ExtContext, id string) (*models.Batch, error)
	Create(ctx context.Context, batch *models.Batch) error
	Update(ctx context.Context, batch *models.Batch) error
	AdjustCapacity(ctx context.Context, id string, delta int) (bool, error)
	HasEnrollments(ctx context.Context, id string) (bool, error)
	Delete(ctx context.Context, id string) error
}

// CreateBatchRequest describes a new course batch.
type CreateBatchRequest struct {
	CourseName  string    `json:"course_name" validate:"required,min=2,max=120"`
	Name        string    `json:"name" validate:"required,min=2,max=120"`
	Description string    `json:"description" validate:"max=2000"`
	PriceMinor  int64     `json:"price_minor" validate:"gte=0"`
	Currency    string    `json:"currency" validate:"omitempty,len=3"`
	TotalSeats  int       `json:"total_seats" validate:"required,gte=1,lte=10000"`
	IsOpen      bool      `json:"is_open"`
	IsPublished bool      `json:"is_published"`
	EnrollStart time.Time `json:"enroll_start" validate:"required"`
	EnrollEnd   time.Time `json:"enroll_end" validate:"required"`
}

// UpdateBatchRequest carries a partial batch update. Nil fields are left
// untouched. Capacity changes move seats and total_seats together so the
// ledger stays consistent.
type UpdateBatchRequest struct {
	CourseName  *string    `json:"course_name" validate:"omitempty,min=2,max=120"`
	Name        *string    `json:"name" validate:"omitempty,min=2,max=120"`
	Description *string    `json:"description" validate:"omitempty,max=2000"`
	PriceMinor  *int64     `json:"price_minor" validate:"omitempty,gte=0"`
	Currency    *string    `json:"currency" validate:"omitempty,len=3"`
	TotalSeats  *int       `json:"total_seats" validate:"omitempty,gte=1,lte=10000"`
	IsOpen      *bool      `json:"is_open"`
	IsPublished *bool      `json:"is_published"`
	EnrollStart *time.Time `json:"enroll_start"`
	EnrollEnd   *time.Time `json:"enroll_end"`
}

// BatchPage is the cached browse payload.
type BatchPage struct {
	Batches    []models.Batch     `json:"batches"`
	Pagination *models.Pagination `json:"pagination"`
}

// BatchService manages course batches. The public browse goes through the
// redis cache; every mutation invalidates it.
type BatchService struct {
	repo      batchRepository
	cache     *CacheService
	validator *validator.Validate
	logger    *zap.Logger
}

// NewBatchService constructs BatchService. cache may be nil.
func NewBatchService(repo batchRepository, cache *CacheService, validate *validator.Validate, logger *zap.Logger) *BatchService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BatchService{repo: repo, cache: cache, validator: validate, logger: logger}
}

// Browse returns published batches for the public catalog, served from cache
// when possible.
func (s *BatchService) Browse(ctx context.Context, filter models.BatchFilter) (*BatchPage, error) {
	filter.PublishedOnly = true
	key := browseCacheKey(filter)

	var page BatchPage
	if s.cache != nil {
		if hit, err := s.cache.Get(ctx, key, &page); err == nil && hit {
			return &page, nil
		}
	}

	batches, total, err := s.repo.List(ctx, filter)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list batches")
	}
	page = BatchPage{Batches: batches, Pagination: paginationFor(filter.Page, filter.PageSize, total)}
	if s.cache != nil {
		_ = s.cache.Set(ctx, key, page, 0)
	}
	return &page, nil
}

// List returns batches for the admin surface, unpublished included.
func (s *BatchService) List(ctx context.Context, filter models.BatchFilter) (*BatchPage, error) {
	batches, total, err := s.repo.List(ctx, filter)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list batches")
	}
	return &BatchPage{Batches: batches, Pagination: paginationFor(filter.Page, filter.PageSize, total)}, nil
}

// Get returns one batch. Unpublished batches are hidden unless
// includeUnpublished is set (admin callers).
func (s *BatchService) Get(ctx context.Context, id string, includeUnpublished bool) (*models.Batch, error) {
	batch, err := s.repo.FindByID(ctx, nil, id)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "batch not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load batch")
	}
	if !batch.IsPublished && !includeUnpublished {
		return nil, appErrors.Clone(appErrors.ErrNotFound, "batch not found")
	}
	return batch, nil
}

// Create registers a new batch with its full capacity free.
func (s *BatchService) Create(ctx context.Context, req CreateBatchRequest) (*models.Batch, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid batch payload")
	}
	if !req.EnrollEnd.After(req.EnrollStart) {
		return nil, appErrors.Clone(appErrors.ErrValidation, "enroll_end must be after enroll_start")
	}
	currency := req.Currency
	if currency == "" {
		currency = "BDT"
	}
	batch := &models.Batch{
		CourseName:  req.CourseName,
		Name:        req.Name,
		Description: req.Description,
		PriceMinor:  req.PriceMinor,
		Currency:    currency,
		Seats:       req.TotalSeats,
		TotalSeats:  req.TotalSeats,
		IsOpen:      req.IsOpen,
		IsPublished: req.IsPublished,
		EnrollStart: req.EnrollStart.UTC(),
		EnrollEnd:   req.EnrollEnd.UTC(),
	}
	if err := s.repo.Create(ctx, batch); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create batch")
	}
	s.invalidate(ctx)
	s.logger.Info("batch created", zap.String("batch_id", batch.ID), zap.String("name", batch.Name))
	return batch, nil
}

// Update applies a partial update. A total_seats change is applied as a
// capacity delta; shrinking below the number of held seats is refused.
func (s *BatchService) Update(ctx context.Context, id string, req UpdateBatchRequest) (*models.Batch, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid batch payload")
	}
	batch, err := s.repo.FindByID(ctx, nil, id)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "batch not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load batch")
	}

	if req.CourseName != nil {
		batch.CourseName = *req.CourseName
	}
	if req.Name != nil {
		batch.Name = *req.Name
	}
	if req.Description != nil {
		batch.Description = *req.Description
	}
	if req.PriceMinor != nil {
		batch.PriceMinor = *req.PriceMinor
	}
	if req.Currency != nil {
		batch.Currency = *req.Currency
	}
	if req.IsOpen != nil {
		batch.IsOpen = *req.IsOpen
	}
	if req.IsPublished != nil {
		batch.IsPublished = *req.IsPublished
	}
	if req.EnrollStart != nil {
		batch.EnrollStart = req.EnrollStart.UTC()
	}
	if req.EnrollEnd != nil {
		batch.EnrollEnd = req.EnrollEnd.UTC()
	}
	if !batch.EnrollEnd.After(batch.EnrollStart) {
		return nil, appErrors.Clone(appErrors.ErrValidation, "enroll_end must be after enroll_start")
	}

	if err := s.repo.Update(ctx, batch); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to update batch")
	}

	if req.TotalSeats != nil && *req.TotalSeats != batch.TotalSeats {
		delta := *req.TotalSeats - batch.TotalSeats
		ok, err := s.repo.AdjustCapacity(ctx, id, delta)
		if err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to adjust capacity")
		}
		if !ok {
			return nil, appErrors.Clone(appErrors.ErrConflict, "cannot shrink capacity below the number of held seats")
		}
		batch.TotalSeats += delta
		batch.Seats += delta
	}

	s.invalidate(ctx)
	s.logger.Info("batch updated", zap.String("batch_id", id))
	return batch, nil
}

// Delete removes a batch that has never been enrolled into.
func (s *BatchService) Delete(ctx context.Context, id string) error {
	if _, err := s.repo.FindByID(ctx, nil, id); err != nil {
		if err == sql.ErrNoRows {
			return appErrors.Clone(appErrors.ErrNotFound, "batch not found")
		}
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load batch")
	}
	has, err := s.repo.HasEnrollments(ctx, id)
	if err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to check batch enrollments")
	}
	if has {
		return appErrors.Clone(appErrors.ErrConflict, "batch has enrollments and cannot be deleted")
	}
	if err := s.repo.Delete(ctx, id); err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to delete batch")
	}
	s.invalidate(ctx)
	s.logger.Info("batch deleted", zap.String("batch_id", id))
	return nil
}

func (s *BatchService) invalidate(ctx context.Context) {
	if s.cache == nil {
		return
	}
	_ = s.cache.Invalidate(ctx, batchCachePattern)
}

func browseCacheKey(filter models.BatchFilter) string {
	return fmt.Sprintf("batches:browse:%d:%d:%s:%s:%s:%t",
		filter.Page, filter.PageSize, filter.Search, filter.SortBy, filter.SortOrder, filter.OpenOnly)
}

func paginationFor(page, size, total int) *models.Pagination {
	if page < 1 {
		page = 1
	}
	if size <= 0 {
		size = 20
	}
	return &models.Pagination{Page: page, PageSize: size, TotalCount: total}
}
