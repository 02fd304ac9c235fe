package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/cryptohub-academy/enrollment-api/internal/models"
	"github.com/cryptohub-academy/enrollment-api/pkg/config"
	appErrors "github.com/cryptohub-academy/enrollment-api/pkg/errors"
	"github.com/cryptohub-academy/enrollment-api/pkg/export"
	"github.com/cryptohub-academy/enrollment-api/pkg/jobs"
	"github.com/cryptohub-academy/enrollment-api/pkg/storage"
)

type receiptPaymentReader interface {
	FindDetailByID(ctx context.Context, id string) (*models.PaymentDetail, error)
}

type receiptUserReader interface {
	FindByID(ctx context.Context, id string) (*models.User, error)
}

// SignedReceiptURL is a time-limited download grant for a rendered receipt.
type SignedReceiptURL struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// ReceiptService renders PDF receipts for approved payments on a background
// queue and issues HMAC-signed download tokens for them.
type ReceiptService struct {
	payments receiptPaymentReader
	users    receiptUserReader
	exporter *export.ReceiptExporter
	store    *storage.LocalStorage
	signer   *storage.SignedURLSigner
	queue    *jobs.Queue
	logger   *zap.Logger
	enabled  bool
}

// NewReceiptService constructs ReceiptService and its render queue.
func NewReceiptService(payments receiptPaymentReader, users receiptUserReader, exporter *export.ReceiptExporter, store *storage.LocalStorage, signer *storage.SignedURLSigner, cfg config.ReceiptsConfig, logger *zap.Logger) *ReceiptService {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &ReceiptService{
		payments: payments,
		users:    users,
		exporter: exporter,
		store:    store,
		signer:   signer,
		logger:   logger,
		enabled:  cfg.Enabled,
	}
	s.queue = jobs.NewQueue("receipt-pdf", s.handleRenderJob, jobs.QueueConfig{
		Workers:    1,
		MaxRetries: cfg.WorkerRetries,
		Logger:     logger,
	})
	return s
}

// Start launches the render worker.
func (s *ReceiptService) Start(ctx context.Context) {
	if !s.enabled {
		return
	}
	s.queue.Start(ctx)
}

// Stop drains the render worker.
func (s *ReceiptService) Stop() {
	if !s.enabled {
		return
	}
	s.queue.Stop()
}

// Schedule queues PDF generation for an approved payment. Safe to call from
// the lifecycle service after commit; a disabled service ignores the call.
func (s *ReceiptService) Schedule(paymentID string) {
	if !s.enabled {
		return
	}
	job := jobs.Job{ID: paymentID, Type: "receipt_pdf", Payload: paymentID}
	if err := s.queue.Enqueue(job); err != nil {
		s.logger.Warn("failed to enqueue receipt render",
			zap.String("payment_id", paymentID),
			zap.Error(err))
	}
}

func (s *ReceiptService) handleRenderJob(ctx context.Context, job jobs.Job) error {
	paymentID, ok := job.Payload.(string)
	if !ok {
		s.logger.Error("receipt job carries unexpected payload", zap.String("job_id", job.ID))
		return nil
	}
	_, err := s.render(ctx, paymentID)
	return err
}

// render produces and stores the PDF, returning the relative file path.
func (s *ReceiptService) render(ctx context.Context, paymentID string) (string, error) {
	detail, err := s.payments.FindDetailByID(ctx, paymentID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			s.logger.Warn("receipt requested for unknown payment", zap.String("payment_id", paymentID))
			return "", nil
		}
		return "", fmt.Errorf("load payment: %w", err)
	}
	if detail.Status != models.PaymentStatusApproved {
		s.logger.Warn("receipt requested for non-approved payment",
			zap.String("payment_id", paymentID),
			zap.String("status", string(detail.Status)))
		return "", nil
	}

	verifiedBy := "System"
	if detail.VerifiedByID != nil {
		if admin, err := s.users.FindByID(ctx, *detail.VerifiedByID); err == nil {
			verifiedBy = admin.FullName
		}
	}
	verifiedAt := detail.PaidAt
	if detail.VerifiedAt != nil {
		verifiedAt = *detail.VerifiedAt
	}

	pdf, err := s.exporter.Render(export.Receipt{
		ReceiptNo:    receiptNumber(detail.ID),
		StudentName:  detail.StudentName,
		StudentEmail: detail.StudentEmail,
		BatchName:    detail.BatchName,
		TrxID:        detail.TrxID,
		Method:       string(detail.Method),
		SenderNumber: detail.SenderNumber,
		AmountMinor:  detail.AmountMinor,
		Currency:     detail.Currency,
		PaidAt:       detail.PaidAt,
		VerifiedAt:   verifiedAt,
		VerifiedBy:   verifiedBy,
	})
	if err != nil {
		return "", fmt.Errorf("render receipt: %w", err)
	}

	relPath := receiptPath(detail)
	if _, err := s.store.Save(relPath, pdf); err != nil {
		return "", fmt.Errorf("store receipt: %w", err)
	}
	s.logger.Info("receipt rendered",
		zap.String("payment_id", paymentID),
		zap.String("path", relPath))
	return relPath, nil
}

// SignedURL issues a download token for the payment's receipt. Students can
// only sign their own receipts; callerID is empty for admin callers.
func (s *ReceiptService) SignedURL(ctx context.Context, paymentID, callerID string) (*SignedReceiptURL, error) {
	if !s.enabled {
		return nil, appErrors.Clone(appErrors.ErrNotFound, "receipts are disabled")
	}
	detail, err := s.payments.FindDetailByID(ctx, paymentID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "payment not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load payment")
	}
	if callerID != "" && detail.UserID != callerID {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "receipt belongs to another student")
	}
	if detail.Status != models.PaymentStatusApproved {
		return nil, appErrors.Clone(appErrors.ErrInvalidState, "receipt is only available for approved payments")
	}

	token, expiresAt, err := s.signer.Generate(paymentID, receiptPath(detail))
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to sign receipt url")
	}
	return &SignedReceiptURL{Token: token, ExpiresAt: expiresAt}, nil
}

// Open validates a download token and returns the receipt file. A receipt
// that was scheduled but not rendered yet (or cleaned up) is rendered on the
// spot.
func (s *ReceiptService) Open(ctx context.Context, token string) (*os.File, string, error) {
	if !s.enabled {
		return nil, "", appErrors.Clone(appErrors.ErrNotFound, "receipts are disabled")
	}
	paymentID, relPath, _, err := s.signer.Parse(token, false)
	if err != nil {
		return nil, "", appErrors.Wrap(err, appErrors.ErrUnauthorized.Code, appErrors.ErrUnauthorized.Status, "invalid receipt token")
	}

	file, err := s.store.Open(relPath)
	if err != nil {
		rendered, renderErr := s.render(ctx, paymentID)
		if renderErr != nil || rendered == "" {
			return nil, "", appErrors.Clone(appErrors.ErrNotFound, "receipt not found")
		}
		file, err = s.store.Open(rendered)
		if err != nil {
			return nil, "", appErrors.Clone(appErrors.ErrNotFound, "receipt not found")
		}
	}
	return file, fmt.Sprintf("receipt-%s.pdf", paymentID), nil
}

func receiptNumber(paymentID string) string {
	compact := strings.ToUpper(strings.ReplaceAll(paymentID, "-", ""))
	if len(compact) > 12 {
		compact = compact[:12]
	}
	return "RCP-" + compact
}

func receiptPath(detail *models.PaymentDetail) string {
	return fmt.Sprintf("%s/%s.pdf", detail.PaidAt.UTC().Format("2006/01"), detail.ID)
}
