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

type enrollmentStore interface {
	List(ctx context.Context, filter models.EnrollmentFilter) ([]models.EnrollmentDetail, int, error)
	FindByID(ctx context.Context, exec sqlx.ExtContext, id string) (*models.Enrollment, error)
	FindDetailByID(ctx context.Context, id string) (*models.EnrollmentDetail, error)
	ExistsActiveTrack(ctx context.Context, exec sqlx.ExtContext, userID, batchID string) (bool, error)
	Create(ctx context.Context, exec sqlx.ExtContext, enrollment *models.Enrollment) error
	MarkPaymentSubmitted(ctx context.Context, exec sqlx.ExtContext, id string, paidAt time.Time) (bool, error)
	MarkActive(ctx context.Context, exec sqlx.ExtContext, id string, approvedAt time.Time) (bool, error)
	MarkRejected(ctx context.Context, exec sqlx.ExtContext, id string, from models.EnrollmentStatus, rejectedAt time.Time, reason string) (bool, error)
	MarkExpired(ctx context.Context, exec sqlx.ExtContext, id string, from models.EnrollmentStatus) (bool, error)
	Delete(ctx context.Context, exec sqlx.ExtContext, id string) error
	ListStale(ctx context.Context, cutoff time.Time, limit int) ([]models.Enrollment, error)
}

type seatLedger interface {
	FindByID(ctx context.Context, exec sqlx.ExtContext, id string) (*models.Batch, error)
	ReserveSeat(ctx context.Context, exec sqlx.ExtContext, id string) (bool, error)
	ReleaseSeat(ctx context.Context, exec sqlx.ExtContext, id string) error
}

type paymentStore interface {
	FindByEnrollmentID(ctx context.Context, exec sqlx.ExtContext, enrollmentID string) (*models.Payment, error)
	TrxIDExists(ctx context.Context, exec sqlx.ExtContext, trxID string) (bool, error)
	ExistsForEnrollment(ctx context.Context, exec sqlx.ExtContext, enrollmentID string) (bool, error)
	Create(ctx context.Context, exec sqlx.ExtContext, payment *models.Payment) error
	Finalize(ctx context.Context, exec sqlx.ExtContext, id string, status models.PaymentStatus, verifiedAt time.Time, verifiedByID *string, reason *string) (bool, error)
	DeleteByEnrollment(ctx context.Context, exec sqlx.ExtContext, enrollmentID string) error
}

type notificationWriter interface {
	Create(ctx context.Context, exec sqlx.ExtContext, n *models.Notification) error
}

type enrollmentUserReader interface {
	FindByID(ctx context.Context, id string) (*models.User, error)
	ListAdmins(ctx context.Context) ([]models.User, error)
}

type txProvider interface {
	BeginTxx(ctx context.Context, opts *sql.TxOptions) (*sqlx.Tx, error)
}

// notificationDispatcher delivers notifications out of band (email jobs).
// Called after the owning transaction commits, never inside it.
type notificationDispatcher interface {
	Dispatch(ctx context.Context, notifications []models.Notification)
}

// receiptScheduler queues receipt generation for an approved payment.
type receiptScheduler interface {
	Schedule(paymentID string)
}

type lifecycleMetrics interface {
	ObserveTransition(event string)
}

// StartEnrollmentRequest describes an enrollment creation request.
type StartEnrollmentRequest struct {
	UserID  string `json:"user_id" validate:"required"`
	BatchID string `json:"batch_id" validate:"required"`
}

// SubmitPaymentRequest carries a manual payment proof.
type SubmitPaymentRequest struct {
	TrxID        string `json:"trx_id" validate:"required,min=4,max=64"`
	Method       string `json:"method" validate:"required"`
	SenderNumber string `json:"sender_number" validate:"required,min=6,max=20"`
}

// RejectPaymentRequest carries an admin's rejection reason.
type RejectPaymentRequest struct {
	Reason string `json:"reason" validate:"required,min=3,max=500"`
}

// SubmitPaymentResult reports the outcome of a payment submission. A
// submission outside the enrollment window is auto-rejected rather than
// refused, so the proof and the verdict are both recorded.
type SubmitPaymentResult struct {
	Enrollment   *models.EnrollmentDetail `json:"enrollment"`
	Payment      *models.Payment          `json:"payment"`
	AutoRejected bool                     `json:"auto_rejected"`
	Reason       string                   `json:"reason,omitempty"`
}

// VerdictResult reports the outcome of an admin approval or rejection.
type VerdictResult struct {
	Enrollment   *models.EnrollmentDetail `json:"enrollment"`
	Payment      *models.Payment          `json:"payment"`
	AutoRejected bool                     `json:"auto_rejected"`
	Reason       string                   `json:"reason,omitempty"`
}

// DeleteResult summarises an admin bulk delete.
type DeleteResult struct {
	Deleted       int      `json:"deleted"`
	SeatsReleased int      `json:"seats_released"`
	NotFound      []string `json:"not_found,omitempty"`
}

// EnrollmentService orchestrates the enrollment state machine. Every
// transition runs inside a single database transaction together with its
// seat ledger movement and notification rows.
type EnrollmentService struct {
	tx            txProvider
	enrollments   enrollmentStore
	batches       seatLedger
	payments      paymentStore
	notifications notificationWriter
	users         enrollmentUserReader
	dispatcher    notificationDispatcher
	receipts      receiptScheduler
	metrics       lifecycleMetrics
	validator     *validator.Validate
	logger        *zap.Logger
	now           func() time.Time
}

// NewEnrollmentService constructs EnrollmentService. dispatcher, receipts and
// metrics may be nil.
func NewEnrollmentService(tx txProvider, enrollments enrollmentStore, batches seatLedger, payments paymentStore, notifications notificationWriter, users enrollmentUserReader, dispatcher notificationDispatcher, receipts receiptScheduler, metrics lifecycleMetrics, validate *validator.Validate, logger *zap.Logger) *EnrollmentService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EnrollmentService{
		tx:            tx,
		enrollments:   enrollments,
		batches:       batches,
		payments:      payments,
		notifications: notifications,
		users:         users,
		dispatcher:    dispatcher,
		receipts:      receipts,
		metrics:       metrics,
		validator:     validate,
		logger:        logger,
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// List returns enrollments with pagination metadata.
func (s *EnrollmentService) List(ctx context.Context, filter models.EnrollmentFilter) ([]models.EnrollmentDetail, *models.Pagination, error) {
	enrollments, total, err := s.enrollments.List(ctx, filter)
	if err != nil {
		return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list enrollments")
	}
	page := filter.Page
	if page < 1 {
		page = 1
	}
	size := filter.PageSize
	if size <= 0 {
		size = 20
	}
	pagination := &models.Pagination{Page: page, PageSize: size, TotalCount: total}
	return enrollments, pagination, nil
}

// Get returns one enrollment with student and batch context. Students may
// only read their own rows; callerID is empty for admin callers.
func (s *EnrollmentService) Get(ctx context.Context, id, callerID string) (*models.EnrollmentDetail, error) {
	detail, err := s.enrollments.FindDetailByID(ctx, id)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "enrollment not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load enrollment")
	}
	if callerID != "" && detail.UserID != callerID {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "enrollment belongs to another student")
	}
	return detail, nil
}

// Start creates a PENDING enrollment, reserving a seat. The batch lookup,
// duplicate check, seat decrement and row insert share one transaction so
// two concurrent starts cannot both take the last seat.
func (s *EnrollmentService) Start(ctx context.Context, req StartEnrollmentRequest) (*models.EnrollmentDetail, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid enrollment payload")
	}
	user, err := s.users.FindByID(ctx, req.UserID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "user not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load user")
	}
	if !user.Active {
		return nil, appErrors.ErrInactiveAccount
	}
	if !user.Verified {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "account email not verified")
	}

	tx, err := s.tx.BeginTxx(ctx, nil)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to begin transaction")
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	batch, err := s.batches.FindByID(ctx, tx, req.BatchID)
	if err != nil {
		if err == sql.ErrNoRows {
			err = appErrors.Clone(appErrors.ErrNotFound, "batch not found")
			return nil, err
		}
		err = appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load batch")
		return nil, err
	}
	now := s.now()
	if !batch.IsOpen || !batch.IsPublished {
		err = appErrors.ErrBatchClosed
		return nil, err
	}
	if now.Before(batch.EnrollStart) || now.After(batch.EnrollEnd) {
		err = appErrors.ErrOutsideWindow
		return nil, err
	}

	exists, err := s.enrollments.ExistsActiveTrack(ctx, tx, req.UserID, req.BatchID)
	if err != nil {
		err = appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to check existing enrollment")
		return nil, err
	}
	if exists {
		err = appErrors.ErrAlreadyEnrolled
		return nil, err
	}

	reserved, err := s.batches.ReserveSeat(ctx, tx, req.BatchID)
	if err != nil {
		err = appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to reserve seat")
		return nil, err
	}
	if !reserved {
		err = appErrors.ErrNoSeatsLeft
		return nil, err
	}

	enrollment := &models.Enrollment{
		UserID:    req.UserID,
		BatchID:   req.BatchID,
		FeeMinor:  batch.PriceMinor,
		Currency:  batch.Currency,
		Status:    models.EnrollmentStatusPending,
		CreatedAt: now,
	}
	if err = s.enrollments.Create(ctx, tx, enrollment); err != nil {
		err = appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create enrollment")
		return nil, err
	}
	if err = tx.Commit(); err != nil {
		err = appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to commit enrollment")
		return nil, err
	}
	s.observe("enrollment_started")
	s.logger.Info("enrollment started",
		zap.String("enrollment_id", enrollment.ID),
		zap.String("user_id", req.UserID),
		zap.String("batch_id", req.BatchID))

	detail, err := s.enrollments.FindDetailByID(ctx, enrollment.ID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load enrollment detail")
	}
	return detail, nil
}

// SubmitPayment records a payment proof against a PENDING enrollment. When
// the submission instant falls outside the batch's enrollment window the
// proof is stored with an immediate REJECTED verdict, the enrollment is
// rejected and the seat released, all in one transaction.
func (s *EnrollmentService) SubmitPayment(ctx context.Context, enrollmentID, callerID string, req SubmitPaymentRequest) (*SubmitPaymentResult, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid payment payload")
	}
	if !models.ValidPaymentMethod(req.Method) {
		return nil, appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("unsupported payment method %q", req.Method))
	}

	// Admin recipients for the review notification are read before the
	// transaction opens; the fan-out rows are still written inside it.
	admins, err := s.users.ListAdmins(ctx)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load reviewers")
	}

	tx, err := s.tx.BeginTxx(ctx, nil)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to begin transaction")
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	enrollment, err := s.enrollments.FindByID(ctx, tx, enrollmentID)
	if err != nil {
		if err == sql.ErrNoRows {
			err = appErrors.Clone(appErrors.ErrNotFound, "enrollment not found")
			return nil, err
		}
		err = appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load enrollment")
		return nil, err
	}
	if callerID != "" && enrollment.UserID != callerID {
		err = appErrors.Clone(appErrors.ErrForbidden, "enrollment belongs to another student")
		return nil, err
	}
	if enrollment.Status != models.EnrollmentStatusPending {
		err = appErrors.Clone(appErrors.ErrInvalidState, fmt.Sprintf("cannot submit payment while enrollment is %s", enrollment.Status))
		return nil, err
	}

	batch, err := s.batches.FindByID(ctx, tx, enrollment.BatchID)
	if err != nil {
		err = appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load batch")
		return nil, err
	}
	if !batch.IsOpen {
		err = appErrors.ErrBatchClosed
		return nil, err
	}

	used, err := s.payments.TrxIDExists(ctx, tx, req.TrxID)
	if err != nil {
		err = appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to check transaction id")
		return nil, err
	}
	if used {
		err = appErrors.ErrTrxAlreadyUsed
		return nil, err
	}
	exists, err := s.payments.ExistsForEnrollment(ctx, tx, enrollmentID)
	if err != nil {
		err = appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to check existing payment")
		return nil, err
	}
	if exists {
		err = appErrors.ErrPaymentExists
		return nil, err
	}

	now := s.now()
	payment := &models.Payment{
		EnrollmentID: enrollmentID,
		TrxID:        req.TrxID,
		Method:       models.PaymentMethod(req.Method),
		SenderNumber: req.SenderNumber,
		AmountMinor:  enrollment.FeeMinor,
		Currency:     enrollment.Currency,
		Status:       models.PaymentStatusPending,
		PaidAt:       now,
	}

	var pending []models.Notification
	verdict := EvaluateSubmission(batch, now)
	if verdict.OK {
		if err = s.payments.Create(ctx, tx, payment); err != nil {
			err = appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to record payment")
			return nil, err
		}
		var ok bool
		ok, err = s.enrollments.MarkPaymentSubmitted(ctx, tx, enrollmentID, now)
		if err != nil {
			err = appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to update enrollment")
			return nil, err
		}
		if !ok {
			err = appErrors.Clone(appErrors.ErrInvalidState, "enrollment changed while submitting payment")
			return nil, err
		}
		for _, admin := range admins {
			n := models.Notification{
				UserID:  admin.ID,
				Kind:    models.NotificationPaymentSubmitted,
				Title:   "Payment awaiting review",
				Body:    fmt.Sprintf("A payment of %d %s for batch %s needs verification.", payment.AmountMinor, payment.Currency, batch.Name),
				BatchID: &enrollment.BatchID,
			}
			if err = s.notifications.Create(ctx, tx, &n); err != nil {
				err = appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to record notification")
				return nil, err
			}
			pending = append(pending, n)
		}
	} else {
		payment.Status = models.PaymentStatusRejected
		payment.VerifiedAt = &now
		payment.RejectReason = &verdict.Reason
		if err = s.payments.Create(ctx, tx, payment); err != nil {
			err = appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to record payment")
			return nil, err
		}
		var ok bool
		ok, err = s.enrollments.MarkRejected(ctx, tx, enrollmentID, models.EnrollmentStatusPending, now, verdict.Reason)
		if err != nil {
			err = appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to update enrollment")
			return nil, err
		}
		if !ok {
			err = appErrors.Clone(appErrors.ErrInvalidState, "enrollment changed while submitting payment")
			return nil, err
		}
		if err = s.batches.ReleaseSeat(ctx, tx, enrollment.BatchID); err != nil {
			err = appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to release seat")
			return nil, err
		}
		n := models.Notification{
			UserID:  enrollment.UserID,
			Kind:    models.NotificationPaymentRejected,
			Title:   "Payment rejected",
			Body:    verdict.Reason,
			BatchID: &enrollment.BatchID,
		}
		if err = s.notifications.Create(ctx, tx, &n); err != nil {
			err = appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to record notification")
			return nil, err
		}
		pending = append(pending, n)
	}

	if err = tx.Commit(); err != nil {
		err = appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to commit payment submission")
		return nil, err
	}
	if verdict.OK {
		s.observe("payment_submitted")
	} else {
		s.observe("payment_auto_rejected")
		s.logger.Warn("payment auto-rejected on submission",
			zap.String("enrollment_id", enrollmentID),
			zap.String("reason", verdict.Reason))
	}
	s.dispatch(ctx, pending)

	detail, err := s.enrollments.FindDetailByID(ctx, enrollmentID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load enrollment detail")
	}
	return &SubmitPaymentResult{
		Enrollment:   detail,
		Payment:      payment,
		AutoRejected: !verdict.OK,
		Reason:       verdict.Reason,
	}, nil
}

// Approve finalizes a submitted payment. The enrollment window is
// re-evaluated at this instant; a window that has since closed turns the
// approval into a system rejection that releases the seat.
func (s *EnrollmentService) Approve(ctx context.Context, enrollmentID, adminID string) (*VerdictResult, error) {
	tx, err := s.tx.BeginTxx(ctx, nil)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to begin transaction")
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	enrollment, payment, batch, err := s.loadReviewTarget(ctx, tx, enrollmentID)
	if err != nil {
		return nil, err
	}

	now := s.now()
	var pending []models.Notification
	verdict := EvaluateApproval(batch, now)
	if verdict.OK {
		var ok bool
		ok, err = s.payments.Finalize(ctx, tx, payment.ID, models.PaymentStatusApproved, now, &adminID, nil)
		if err != nil {
			err = appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to finalize payment")
			return nil, err
		}
		if !ok {
			err = appErrors.Clone(appErrors.ErrInvalidState, "payment already finalized")
			return nil, err
		}
		ok, err = s.enrollments.MarkActive(ctx, tx, enrollmentID, now)
		if err != nil {
			err = appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to activate enrollment")
			return nil, err
		}
		if !ok {
			err = appErrors.Clone(appErrors.ErrInvalidState, "enrollment changed while approving")
			return nil, err
		}
		payment.Status = models.PaymentStatusApproved
		payment.VerifiedAt = &now
		payment.VerifiedByID = &adminID
		n := models.Notification{
			UserID:  enrollment.UserID,
			Kind:    models.NotificationPaymentApproved,
			Title:   "Enrollment confirmed",
			Body:    fmt.Sprintf("Your payment for batch %s was approved. Welcome aboard.", batch.Name),
			BatchID: &enrollment.BatchID,
		}
		if err = s.notifications.Create(ctx, tx, &n); err != nil {
			err = appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to record notification")
			return nil, err
		}
		pending = append(pending, n)
	} else {
		if pending, err = s.rejectInTx(ctx, tx, enrollment, payment, batch, now, nil, verdict.Reason); err != nil {
			return nil, err
		}
		payment.Status = models.PaymentStatusRejected
		payment.VerifiedAt = &now
		payment.RejectReason = &verdict.Reason
	}

	if err = tx.Commit(); err != nil {
		err = appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to commit verdict")
		return nil, err
	}
	if verdict.OK {
		s.observe("payment_approved")
		s.scheduleReceipt(payment.ID)
	} else {
		s.observe("payment_auto_rejected")
		s.logger.Warn("payment auto-rejected at approval",
			zap.String("enrollment_id", enrollmentID),
			zap.String("admin_id", adminID),
			zap.String("reason", verdict.Reason))
	}
	s.dispatch(ctx, pending)

	detail, err := s.enrollments.FindDetailByID(ctx, enrollmentID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load enrollment detail")
	}
	return &VerdictResult{
		Enrollment:   detail,
		Payment:      payment,
		AutoRejected: !verdict.OK,
		Reason:       verdict.Reason,
	}, nil
}

// Reject records an admin rejection, releasing the seat.
func (s *EnrollmentService) Reject(ctx context.Context, enrollmentID, adminID string, req RejectPaymentRequest) (*VerdictResult, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid rejection payload")
	}

	tx, err := s.tx.BeginTxx(ctx, nil)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to begin transaction")
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	enrollment, payment, batch, err := s.loadReviewTarget(ctx, tx, enrollmentID)
	if err != nil {
		return nil, err
	}

	now := s.now()
	pending, err := s.rejectInTx(ctx, tx, enrollment, payment, batch, now, &adminID, req.Reason)
	if err != nil {
		return nil, err
	}
	if err = tx.Commit(); err != nil {
		err = appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to commit verdict")
		return nil, err
	}
	s.observe("payment_rejected")
	s.dispatch(ctx, pending)

	payment.Status = models.PaymentStatusRejected
	payment.VerifiedAt = &now
	payment.VerifiedByID = &adminID
	payment.RejectReason = &req.Reason

	detail, err := s.enrollments.FindDetailByID(ctx, enrollmentID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load enrollment detail")
	}
	return &VerdictResult{Enrollment: detail, Payment: payment, Reason: req.Reason}, nil
}

// loadReviewTarget fetches the enrollment, its pending payment and the batch
// for an admin verdict, enforcing the PAYMENT_SUBMITTED precondition.
func (s *EnrollmentService) loadReviewTarget(ctx context.Context, tx *sqlx.Tx, enrollmentID string) (*models.Enrollment, *models.Payment, *models.Batch, error) {
	enrollment, err := s.enrollments.FindByID(ctx, tx, enrollmentID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil, nil, appErrors.Clone(appErrors.ErrNotFound, "enrollment not found")
		}
		return nil, nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load enrollment")
	}
	if enrollment.Status != models.EnrollmentStatusPaymentSubmitted {
		return nil, nil, nil, appErrors.Clone(appErrors.ErrInvalidState, fmt.Sprintf("no payment awaiting verdict; enrollment is %s", enrollment.Status))
	}
	payment, err := s.payments.FindByEnrollmentID(ctx, tx, enrollmentID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil, nil, appErrors.Clone(appErrors.ErrInvalidState, "enrollment has no payment record")
		}
		return nil, nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load payment")
	}
	if payment.Status != models.PaymentStatusPending {
		return nil, nil, nil, appErrors.Clone(appErrors.ErrInvalidState, "payment already finalized")
	}
	batch, err := s.batches.FindByID(ctx, tx, enrollment.BatchID)
	if err != nil {
		return nil, nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load batch")
	}
	return enrollment, payment, batch, nil
}

// rejectInTx finalizes the payment as REJECTED, rejects the enrollment and
// releases the seat. A nil adminID records a system verdict.
func (s *EnrollmentService) rejectInTx(ctx context.Context, tx *sqlx.Tx, enrollment *models.Enrollment, payment *models.Payment, batch *models.Batch, now time.Time, adminID *string, reason string) ([]models.Notification, error) {
	ok, err := s.payments.Finalize(ctx, tx, payment.ID, models.PaymentStatusRejected, now, adminID, &reason)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to finalize payment")
	}
	if !ok {
		return nil, appErrors.Clone(appErrors.ErrInvalidState, "payment already finalized")
	}
	ok, err = s.enrollments.MarkRejected(ctx, tx, enrollment.ID, enrollment.Status, now, reason)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to reject enrollment")
	}
	if !ok {
		return nil, appErrors.Clone(appErrors.ErrInvalidState, "enrollment changed while rejecting")
	}
	if err := s.batches.ReleaseSeat(ctx, tx, enrollment.BatchID); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to release seat")
	}
	n := models.Notification{
		UserID:  enrollment.UserID,
		Kind:    models.NotificationPaymentRejected,
		Title:   "Payment rejected",
		Body:    fmt.Sprintf("Your payment for batch %s was rejected: %s", batch.Name, reason),
		BatchID: &enrollment.BatchID,
	}
	if err := s.notifications.Create(ctx, tx, &n); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to record notification")
	}
	return []models.Notification{n}, nil
}

// Delete removes enrollments in bulk. Each enrollment gets its own
// transaction; a failure on one does not roll back the others. An enrollment
// whose payment has been finalized cannot be deleted; a still-PENDING payment
// is removed with its enrollment. Seats are released for rows that still held
// one.
func (s *EnrollmentService) Delete(ctx context.Context, ids []string) (*DeleteResult, error) {
	if len(ids) == 0 {
		return nil, appErrors.Clone(appErrors.ErrValidation, "no enrollment ids provided")
	}
	result := &DeleteResult{}
	for _, id := range ids {
		released, err := s.deleteOne(ctx, id)
		if err != nil {
			if appErrors.Is(err, appErrors.ErrNotFound) {
				result.NotFound = append(result.NotFound, id)
				continue
			}
			return nil, err
		}
		result.Deleted++
		if released {
			result.SeatsReleased++
		}
	}
	s.logger.Info("enrollments deleted",
		zap.Int("deleted", result.Deleted),
		zap.Int("seats_released", result.SeatsReleased))
	return result, nil
}

func (s *EnrollmentService) deleteOne(ctx context.Context, id string) (released bool, err error) {
	tx, err := s.tx.BeginTxx(ctx, nil)
	if err != nil {
		return false, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to begin transaction")
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	enrollment, err := s.enrollments.FindByID(ctx, tx, id)
	if err != nil {
		if err == sql.ErrNoRows {
			err = appErrors.Clone(appErrors.ErrNotFound, "enrollment not found")
			return false, err
		}
		err = appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load enrollment")
		return false, err
	}
	payment, findErr := s.payments.FindByEnrollmentID(ctx, tx, id)
	if findErr != nil && findErr != sql.ErrNoRows {
		err = appErrors.Wrap(findErr, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load payment")
		return false, err
	}
	if payment != nil {
		if payment.Status != models.PaymentStatusPending {
			err = appErrors.Clone(appErrors.ErrInvalidState, fmt.Sprintf("enrollment has a finalized %s payment", payment.Status))
			return false, err
		}
		if err = s.payments.DeleteByEnrollment(ctx, tx, id); err != nil {
			err = appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to delete payment")
			return false, err
		}
	}
	if err = s.enrollments.Delete(ctx, tx, id); err != nil {
		err = appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to delete enrollment")
		return false, err
	}
	if enrollment.Status.HoldsSeat() {
		if err = s.batches.ReleaseSeat(ctx, tx, enrollment.BatchID); err != nil {
			err = appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to release seat")
			return false, err
		}
		released = true
	}
	if err = tx.Commit(); err != nil {
		err = appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to commit deletion")
		return false, err
	}
	return released, nil
}

// ExpireStale moves PENDING and PAYMENT_SUBMITTED enrollments of batches
// whose window ended before the grace period to EXPIRED, releasing their
// seats. ACTIVE enrollments are never touched. Returns the number expired.
func (s *EnrollmentService) ExpireStale(ctx context.Context, grace time.Duration, limit int) (int, error) {
	cutoff := s.now().Add(-grace)
	stale, err := s.enrollments.ListStale(ctx, cutoff, limit)
	if err != nil {
		return 0, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list stale enrollments")
	}

	expired := 0
	for _, enrollment := range stale {
		pending, err := s.expireOne(ctx, enrollment)
		if err != nil {
			s.logger.Error("failed to expire enrollment",
				zap.String("enrollment_id", enrollment.ID),
				zap.Error(err))
			continue
		}
		if pending == nil {
			// Lost the race to another transition; nothing expired.
			continue
		}
		expired++
		s.dispatch(ctx, pending)
	}
	if expired > 0 {
		s.observe("enrollment_expired")
		s.logger.Info("stale enrollments expired", zap.Int("count", expired))
	}
	return expired, nil
}

func (s *EnrollmentService) expireOne(ctx context.Context, enrollment models.Enrollment) (pending []models.Notification, err error) {
	tx, err := s.tx.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	ok, err := s.enrollments.MarkExpired(ctx, tx, enrollment.ID, enrollment.Status)
	if err != nil {
		return nil, fmt.Errorf("mark expired: %w", err)
	}
	if !ok {
		// Status moved between the sweep query and this transaction.
		err = tx.Commit()
		return nil, err
	}
	if enrollment.Status == models.EnrollmentStatusPaymentSubmitted {
		now := s.now()
		reason := "enrollment expired before the payment was verified"
		payment, findErr := s.payments.FindByEnrollmentID(ctx, tx, enrollment.ID)
		if findErr != nil && findErr != sql.ErrNoRows {
			err = fmt.Errorf("load payment: %w", findErr)
			return nil, err
		}
		if payment != nil && payment.Status == models.PaymentStatusPending {
			if _, err = s.payments.Finalize(ctx, tx, payment.ID, models.PaymentStatusRejected, now, nil, &reason); err != nil {
				return nil, fmt.Errorf("finalize payment: %w", err)
			}
		}
	}
	if err = s.batches.ReleaseSeat(ctx, tx, enrollment.BatchID); err != nil {
		return nil, fmt.Errorf("release seat: %w", err)
	}
	n := models.Notification{
		UserID:  enrollment.UserID,
		Kind:    models.NotificationEnrollmentExpired,
		Title:   "Enrollment expired",
		Body:    "Your enrollment expired because the batch's enrollment period ended.",
		BatchID: &enrollment.BatchID,
	}
	if err = s.notifications.Create(ctx, tx, &n); err != nil {
		return nil, fmt.Errorf("create notification: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return []models.Notification{n}, nil
}

func (s *EnrollmentService) dispatch(ctx context.Context, notifications []models.Notification) {
	if s.dispatcher == nil || len(notifications) == 0 {
		return
	}
	s.dispatcher.Dispatch(ctx, notifications)
}

func (s *EnrollmentService) scheduleReceipt(paymentID string) {
	if s.receipts == nil {
		return
	}
	s.receipts.Schedule(paymentID)
}

func (s *EnrollmentService) observe(event string) {
	if s.metrics == nil {
		return
	}
	s.metrics.ObserveTransition(event)
}
