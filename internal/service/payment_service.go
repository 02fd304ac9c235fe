package service

import (
	"context"
	"database/sql"
	"errors"

	"go.uber.org/zap"

	"github.com/cryptohub-academy/enrollment-api/internal/models"
	appErrors "github.com/cryptohub-academy/enrollment-api/pkg/errors"
)

type paymentReviewRepository interface {
	List(ctx context.Context, filter models.PaymentFilter) ([]models.PaymentDetail, int, error)
	FindDetailByID(ctx context.Context, id string) (*models.PaymentDetail, error)
}

// PaymentService serves the admin payment review surface. Verdicts
// themselves go through the enrollment lifecycle service.
type PaymentService struct {
	repo   paymentReviewRepository
	logger *zap.Logger
}

// NewPaymentService constructs PaymentService.
func NewPaymentService(repo paymentReviewRepository, logger *zap.Logger) *PaymentService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PaymentService{repo: repo, logger: logger}
}

// List returns payments with enrollment and student context.
func (s *PaymentService) List(ctx context.Context, filter models.PaymentFilter) ([]models.PaymentDetail, *models.Pagination, error) {
	payments, total, err := s.repo.List(ctx, filter)
	if err != nil {
		return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list payments")
	}
	return payments, paginationFor(filter.Page, filter.PageSize, total), nil
}

// Get returns one payment with full context. Students may only read their
// own payments; callerID is empty for admin callers.
func (s *PaymentService) Get(ctx context.Context, id, callerID string) (*models.PaymentDetail, error) {
	detail, err := s.repo.FindDetailByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "payment not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load payment")
	}
	if callerID != "" && detail.UserID != callerID {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "payment belongs to another student")
	}
	return detail, nil
}
