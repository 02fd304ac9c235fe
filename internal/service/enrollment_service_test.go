package service

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-playground/validator/v10"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/cryptohub-academy/enrollment-api/internal/models"
	appErrors "github.com/cryptohub-academy/enrollment-api/pkg/errors"
)

type txProviderMock struct {
	db   *sqlx.DB
	mock sqlmock.Sqlmock
}

func newTxProviderMock(t *testing.T) (*txProviderMock, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	sqlxdb := sqlx.NewDb(db, "sqlmock")
	t.Cleanup(func() { db.Close() })
	return &txProviderMock{db: sqlxdb, mock: mock}, mock
}

func (t *txProviderMock) BeginTxx(ctx context.Context, opts *sql.TxOptions) (*sqlx.Tx, error) {
	return t.db.BeginTxx(ctx, opts)
}

type stubEnrollments struct {
	enrollments map[string]models.Enrollment
	stale       []models.Enrollment
	activeTrack bool
	created     *models.Enrollment
	submitted   []string
	activated   []string
	rejected    map[string]string
	expired     []string
	deleted     []string
}

func (m *stubEnrollments) List(ctx context.Context, filter models.EnrollmentFilter) ([]models.EnrollmentDetail, int, error) {
	var out []models.EnrollmentDetail
	for _, e := range m.enrollments {
		out = append(out, models.EnrollmentDetail{Enrollment: e})
	}
	return out, len(out), nil
}

func (m *stubEnrollments) FindByID(ctx context.Context, exec sqlx.ExtContext, id string) (*models.Enrollment, error) {
	if e, ok := m.enrollments[id]; ok {
		return &e, nil
	}
	return nil, sql.ErrNoRows
}

func (m *stubEnrollments) FindDetailByID(ctx context.Context, id string) (*models.EnrollmentDetail, error) {
	if e, ok := m.enrollments[id]; ok {
		return &models.EnrollmentDetail{Enrollment: e}, nil
	}
	return nil, sql.ErrNoRows
}

func (m *stubEnrollments) ExistsActiveTrack(ctx context.Context, exec sqlx.ExtContext, userID, batchID string) (bool, error) {
	return m.activeTrack, nil
}

func (m *stubEnrollments) Create(ctx context.Context, exec sqlx.ExtContext, enrollment *models.Enrollment) error {
	if m.enrollments == nil {
		m.enrollments = make(map[string]models.Enrollment)
	}
	if enrollment.ID == "" {
		enrollment.ID = "new-enrollment"
	}
	m.enrollments[enrollment.ID] = *enrollment
	m.created = enrollment
	return nil
}

func (m *stubEnrollments) MarkPaymentSubmitted(ctx context.Context, exec sqlx.ExtContext, id string, paidAt time.Time) (bool, error) {
	e, ok := m.enrollments[id]
	if !ok || e.Status != models.EnrollmentStatusPending {
		return false, nil
	}
	e.Status = models.EnrollmentStatusPaymentSubmitted
	e.PaidAt = &paidAt
	m.enrollments[id] = e
	m.submitted = append(m.submitted, id)
	return true, nil
}

func (m *stubEnrollments) MarkActive(ctx context.Context, exec sqlx.ExtContext, id string, approvedAt time.Time) (bool, error) {
	e, ok := m.enrollments[id]
	if !ok || e.Status != models.EnrollmentStatusPaymentSubmitted {
		return false, nil
	}
	e.Status = models.EnrollmentStatusActive
	e.ApprovedAt = &approvedAt
	m.enrollments[id] = e
	m.activated = append(m.activated, id)
	return true, nil
}

func (m *stubEnrollments) MarkRejected(ctx context.Context, exec sqlx.ExtContext, id string, from models.EnrollmentStatus, rejectedAt time.Time, reason string) (bool, error) {
	e, ok := m.enrollments[id]
	if !ok || e.Status != from {
		return false, nil
	}
	e.Status = models.EnrollmentStatusRejected
	e.RejectedAt = &rejectedAt
	e.RejectReason = &reason
	m.enrollments[id] = e
	if m.rejected == nil {
		m.rejected = make(map[string]string)
	}
	m.rejected[id] = reason
	return true, nil
}

func (m *stubEnrollments) MarkExpired(ctx context.Context, exec sqlx.ExtContext, id string, from models.EnrollmentStatus) (bool, error) {
	e, ok := m.enrollments[id]
	if !ok || e.Status != from {
		return false, nil
	}
	e.Status = models.EnrollmentStatusExpired
	m.enrollments[id] = e
	m.expired = append(m.expired, id)
	return true, nil
}

func (m *stubEnrollments) Delete(ctx context.Context, exec sqlx.ExtContext, id string) error {
	delete(m.enrollments, id)
	m.deleted = append(m.deleted, id)
	return nil
}

func (m *stubEnrollments) ListStale(ctx context.Context, cutoff time.Time, limit int) ([]models.Enrollment, error) {
	return m.stale, nil
}

type stubLedger struct {
	batches  map[string]models.Batch
	denySeat bool
	reserved int
	released int
}

func (m *stubLedger) FindByID(ctx context.Context, exec sqlx.ExtContext, id string) (*models.Batch, error) {
	if b, ok := m.batches[id]; ok {
		return &b, nil
	}
	return nil, sql.ErrNoRows
}

func (m *stubLedger) ReserveSeat(ctx context.Context, exec sqlx.ExtContext, id string) (bool, error) {
	if m.denySeat {
		return false, nil
	}
	m.reserved++
	return true, nil
}

func (m *stubLedger) ReleaseSeat(ctx context.Context, exec sqlx.ExtContext, id string) error {
	m.released++
	return nil
}

type finalizeCall struct {
	id           string
	status       models.PaymentStatus
	verifiedByID *string
	reason       *string
}

type stubPayments struct {
	byEnrollment map[string]models.Payment
	trxUsed      bool
	created      *models.Payment
	finalized    []finalizeCall
	deleted      []string
}

func (m *stubPayments) FindByEnrollmentID(ctx context.Context, exec sqlx.ExtContext, enrollmentID string) (*models.Payment, error) {
	if p, ok := m.byEnrollment[enrollmentID]; ok {
		return &p, nil
	}
	return nil, sql.ErrNoRows
}

func (m *stubPayments) TrxIDExists(ctx context.Context, exec sqlx.ExtContext, trxID string) (bool, error) {
	return m.trxUsed, nil
}

func (m *stubPayments) ExistsForEnrollment(ctx context.Context, exec sqlx.ExtContext, enrollmentID string) (bool, error) {
	_, ok := m.byEnrollment[enrollmentID]
	return ok, nil
}

func (m *stubPayments) Create(ctx context.Context, exec sqlx.ExtContext, payment *models.Payment) error {
	if m.byEnrollment == nil {
		m.byEnrollment = make(map[string]models.Payment)
	}
	if payment.ID == "" {
		payment.ID = "new-payment"
	}
	m.byEnrollment[payment.EnrollmentID] = *payment
	m.created = payment
	return nil
}

func (m *stubPayments) Finalize(ctx context.Context, exec sqlx.ExtContext, id string, status models.PaymentStatus, verifiedAt time.Time, verifiedByID *string, reason *string) (bool, error) {
	m.finalized = append(m.finalized, finalizeCall{id: id, status: status, verifiedByID: verifiedByID, reason: reason})
	for key, p := range m.byEnrollment {
		if p.ID == id {
			if p.Status != models.PaymentStatusPending {
				return false, nil
			}
			p.Status = status
			p.VerifiedAt = &verifiedAt
			p.VerifiedByID = verifiedByID
			p.RejectReason = reason
			m.byEnrollment[key] = p
		}
	}
	return true, nil
}

func (m *stubPayments) DeleteByEnrollment(ctx context.Context, exec sqlx.ExtContext, enrollmentID string) error {
	delete(m.byEnrollment, enrollmentID)
	m.deleted = append(m.deleted, enrollmentID)
	return nil
}

type stubNotifications struct {
	created []models.Notification
}

func (m *stubNotifications) Create(ctx context.Context, exec sqlx.ExtContext, n *models.Notification) error {
	if n.ID == "" {
		n.ID = "new-notification"
	}
	m.created = append(m.created, *n)
	return nil
}

type stubUsers struct {
	users  map[string]models.User
	admins []models.User
}

func (m *stubUsers) FindByID(ctx context.Context, id string) (*models.User, error) {
	if u, ok := m.users[id]; ok {
		return &u, nil
	}
	return nil, sql.ErrNoRows
}

func (m *stubUsers) ListAdmins(ctx context.Context) ([]models.User, error) {
	return m.admins, nil
}

type stubDispatcher struct {
	dispatched []models.Notification
}

func (m *stubDispatcher) Dispatch(ctx context.Context, notifications []models.Notification) {
	m.dispatched = append(m.dispatched, notifications...)
}

type stubReceipts struct {
	scheduled []string
}

func (m *stubReceipts) Schedule(paymentID string) {
	m.scheduled = append(m.scheduled, paymentID)
}

type lifecycleFixture struct {
	svc           *EnrollmentService
	mock          sqlmock.Sqlmock
	enrollments   *stubEnrollments
	ledger        *stubLedger
	payments      *stubPayments
	notifications *stubNotifications
	users         *stubUsers
	dispatcher    *stubDispatcher
	receipts      *stubReceipts
}

var fixedNow = time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)

func openBatch() models.Batch {
	return models.Batch{
		ID:          "b1",
		CourseName:  "Blockchain Fundamentals",
		Name:        "Batch 7",
		PriceMinor:  500000,
		Currency:    "BDT",
		Seats:       5,
		TotalSeats:  30,
		IsOpen:      true,
		IsPublished: true,
		EnrollStart: fixedNow.Add(-7 * 24 * time.Hour),
		EnrollEnd:   fixedNow.Add(7 * 24 * time.Hour),
	}
}

func newLifecycleFixture(t *testing.T) *lifecycleFixture {
	tx, mock := newTxProviderMock(t)
	f := &lifecycleFixture{
		mock: mock,
		enrollments: &stubEnrollments{
			enrollments: make(map[string]models.Enrollment),
		},
		ledger: &stubLedger{
			batches: map[string]models.Batch{"b1": openBatch()},
		},
		payments:      &stubPayments{byEnrollment: make(map[string]models.Payment)},
		notifications: &stubNotifications{},
		users: &stubUsers{
			users: map[string]models.User{
				"s1": {ID: "s1", Role: models.RoleStudent, Active: true, Verified: true},
			},
			admins: []models.User{
				{ID: "a1", Role: models.RoleAdmin, Active: true},
				{ID: "a2", Role: models.RoleSuperAdmin, Active: true},
			},
		},
		dispatcher: &stubDispatcher{},
		receipts:   &stubReceipts{},
	}
	f.svc = NewEnrollmentService(tx, f.enrollments, f.ledger, f.payments, f.notifications, f.users, f.dispatcher, f.receipts, nil, validator.New(), zap.NewNop())
	f.svc.now = func() time.Time { return fixedNow }
	return f
}

func TestStartEnrollmentReservesSeat(t *testing.T) {
	f := newLifecycleFixture(t)
	f.mock.ExpectBegin()
	f.mock.ExpectCommit()

	detail, err := f.svc.Start(context.Background(), StartEnrollmentRequest{UserID: "s1", BatchID: "b1"})
	require.NoError(t, err)
	assert.Equal(t, models.EnrollmentStatusPending, detail.Status)
	assert.Equal(t, int64(500000), detail.FeeMinor)
	assert.Equal(t, "BDT", detail.Currency)
	assert.Equal(t, 1, f.ledger.reserved)
	require.NoError(t, f.mock.ExpectationsWereMet())
}

func TestStartEnrollmentNoSeatsLeft(t *testing.T) {
	f := newLifecycleFixture(t)
	f.ledger.denySeat = true
	f.mock.ExpectBegin()
	f.mock.ExpectRollback()

	_, err := f.svc.Start(context.Background(), StartEnrollmentRequest{UserID: "s1", BatchID: "b1"})
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrNoSeatsLeft))
	assert.Nil(t, f.enrollments.created)
	require.NoError(t, f.mock.ExpectationsWereMet())
}

func TestStartEnrollmentAlreadyEnrolled(t *testing.T) {
	f := newLifecycleFixture(t)
	f.enrollments.activeTrack = true
	f.mock.ExpectBegin()
	f.mock.ExpectRollback()

	_, err := f.svc.Start(context.Background(), StartEnrollmentRequest{UserID: "s1", BatchID: "b1"})
	assert.True(t, appErrors.Is(err, appErrors.ErrAlreadyEnrolled))
	assert.Equal(t, 0, f.ledger.reserved)
}

func TestStartEnrollmentClosedBatch(t *testing.T) {
	f := newLifecycleFixture(t)
	batch := openBatch()
	batch.IsOpen = false
	f.ledger.batches["b1"] = batch
	f.mock.ExpectBegin()
	f.mock.ExpectRollback()

	_, err := f.svc.Start(context.Background(), StartEnrollmentRequest{UserID: "s1", BatchID: "b1"})
	assert.True(t, appErrors.Is(err, appErrors.ErrBatchClosed))
}

func TestStartEnrollmentOutsideWindow(t *testing.T) {
	f := newLifecycleFixture(t)
	batch := openBatch()
	batch.EnrollEnd = fixedNow.Add(-time.Hour)
	f.ledger.batches["b1"] = batch
	f.mock.ExpectBegin()
	f.mock.ExpectRollback()

	_, err := f.svc.Start(context.Background(), StartEnrollmentRequest{UserID: "s1", BatchID: "b1"})
	assert.True(t, appErrors.Is(err, appErrors.ErrOutsideWindow))
}

func pendingEnrollment() models.Enrollment {
	return models.Enrollment{
		ID:       "e1",
		UserID:   "s1",
		BatchID:  "b1",
		FeeMinor: 500000,
		Currency: "BDT",
		Status:   models.EnrollmentStatusPending,
	}
}

func TestSubmitPaymentHappyPath(t *testing.T) {
	f := newLifecycleFixture(t)
	f.enrollments.enrollments["e1"] = pendingEnrollment()
	f.mock.ExpectBegin()
	f.mock.ExpectCommit()

	result, err := f.svc.SubmitPayment(context.Background(), "e1", "s1", SubmitPaymentRequest{
		TrxID:        "TRX123456",
		Method:       "BKASH",
		SenderNumber: "01712345678",
	})
	require.NoError(t, err)
	assert.False(t, result.AutoRejected)
	assert.Equal(t, models.EnrollmentStatusPaymentSubmitted, result.Enrollment.Status)
	assert.Equal(t, models.PaymentStatusPending, result.Payment.Status)
	assert.Equal(t, int64(500000), result.Payment.AmountMinor)

	// Both admins get a review notification, written in-tx and dispatched after.
	assert.Len(t, f.notifications.created, 2)
	assert.Len(t, f.dispatcher.dispatched, 2)
	for _, n := range f.notifications.created {
		assert.Equal(t, models.NotificationPaymentSubmitted, n.Kind)
	}
	require.NoError(t, f.mock.ExpectationsWereMet())
}

func TestSubmitPaymentBeforeWindowAutoRejects(t *testing.T) {
	f := newLifecycleFixture(t)
	batch := openBatch()
	batch.EnrollStart = fixedNow.Add(24 * time.Hour)
	batch.EnrollEnd = fixedNow.Add(30 * 24 * time.Hour)
	f.ledger.batches["b1"] = batch
	f.enrollments.enrollments["e1"] = pendingEnrollment()
	f.mock.ExpectBegin()
	f.mock.ExpectCommit()

	result, err := f.svc.SubmitPayment(context.Background(), "e1", "s1", SubmitPaymentRequest{
		TrxID:        "TRX123456",
		Method:       "NAGAD",
		SenderNumber: "01712345678",
	})
	require.NoError(t, err)
	assert.True(t, result.AutoRejected)
	assert.Contains(t, result.Reason, "before the enrollment period opens")
	assert.Equal(t, models.EnrollmentStatusRejected, result.Enrollment.Status)
	assert.Equal(t, models.PaymentStatusRejected, result.Payment.Status)
	require.NotNil(t, result.Payment.VerifiedAt)
	assert.Nil(t, result.Payment.VerifiedByID)
	assert.Equal(t, 1, f.ledger.released)

	// The student is told, not the admins.
	require.Len(t, f.notifications.created, 1)
	assert.Equal(t, "s1", f.notifications.created[0].UserID)
	assert.Equal(t, models.NotificationPaymentRejected, f.notifications.created[0].Kind)
	require.NoError(t, f.mock.ExpectationsWereMet())
}

func TestSubmitPaymentDuplicateTrxID(t *testing.T) {
	f := newLifecycleFixture(t)
	f.enrollments.enrollments["e1"] = pendingEnrollment()
	f.payments.trxUsed = true
	f.mock.ExpectBegin()
	f.mock.ExpectRollback()

	_, err := f.svc.SubmitPayment(context.Background(), "e1", "s1", SubmitPaymentRequest{
		TrxID:        "TRX123456",
		Method:       "BKASH",
		SenderNumber: "01712345678",
	})
	assert.True(t, appErrors.Is(err, appErrors.ErrTrxAlreadyUsed))
	assert.Nil(t, f.payments.created)
}

func TestSubmitPaymentWrongState(t *testing.T) {
	f := newLifecycleFixture(t)
	e := pendingEnrollment()
	e.Status = models.EnrollmentStatusActive
	f.enrollments.enrollments["e1"] = e
	f.mock.ExpectBegin()
	f.mock.ExpectRollback()

	_, err := f.svc.SubmitPayment(context.Background(), "e1", "s1", SubmitPaymentRequest{
		TrxID:        "TRX123456",
		Method:       "BKASH",
		SenderNumber: "01712345678",
	})
	assert.True(t, appErrors.Is(err, appErrors.ErrInvalidState))
}

func TestSubmitPaymentForeignEnrollment(t *testing.T) {
	f := newLifecycleFixture(t)
	f.enrollments.enrollments["e1"] = pendingEnrollment()
	f.mock.ExpectBegin()
	f.mock.ExpectRollback()

	_, err := f.svc.SubmitPayment(context.Background(), "e1", "s2", SubmitPaymentRequest{
		TrxID:        "TRX123456",
		Method:       "BKASH",
		SenderNumber: "01712345678",
	})
	assert.True(t, appErrors.Is(err, appErrors.ErrForbidden))
}

func submittedEnrollment() (models.Enrollment, models.Payment) {
	e := pendingEnrollment()
	e.Status = models.EnrollmentStatusPaymentSubmitted
	paidAt := fixedNow.Add(-time.Hour)
	e.PaidAt = &paidAt
	p := models.Payment{
		ID:           "p1",
		EnrollmentID: "e1",
		TrxID:        "TRX123456",
		Method:       models.PaymentMethodBkash,
		SenderNumber: "01712345678",
		AmountMinor:  500000,
		Currency:     "BDT",
		Status:       models.PaymentStatusPending,
		PaidAt:       paidAt,
	}
	return e, p
}

func TestApproveActivatesEnrollment(t *testing.T) {
	f := newLifecycleFixture(t)
	e, p := submittedEnrollment()
	f.enrollments.enrollments["e1"] = e
	f.payments.byEnrollment["e1"] = p
	f.mock.ExpectBegin()
	f.mock.ExpectCommit()

	result, err := f.svc.Approve(context.Background(), "e1", "a1")
	require.NoError(t, err)
	assert.False(t, result.AutoRejected)
	assert.Equal(t, models.EnrollmentStatusActive, result.Enrollment.Status)
	assert.Equal(t, models.PaymentStatusApproved, result.Payment.Status)
	require.NotNil(t, result.Payment.VerifiedByID)
	assert.Equal(t, "a1", *result.Payment.VerifiedByID)
	assert.Equal(t, 0, f.ledger.released)
	assert.Equal(t, []string{"p1"}, f.receipts.scheduled)

	require.Len(t, f.notifications.created, 1)
	assert.Equal(t, models.NotificationPaymentApproved, f.notifications.created[0].Kind)
	require.NoError(t, f.mock.ExpectationsWereMet())
}

func TestApproveAfterWindowAutoRejects(t *testing.T) {
	f := newLifecycleFixture(t)
	batch := openBatch()
	batch.EnrollEnd = fixedNow.Add(-time.Hour)
	f.ledger.batches["b1"] = batch
	e, p := submittedEnrollment()
	f.enrollments.enrollments["e1"] = e
	f.payments.byEnrollment["e1"] = p
	f.mock.ExpectBegin()
	f.mock.ExpectCommit()

	result, err := f.svc.Approve(context.Background(), "e1", "a1")
	require.NoError(t, err)
	assert.True(t, result.AutoRejected)
	assert.Contains(t, result.Reason, "enrollment period ended")
	assert.Equal(t, models.EnrollmentStatusRejected, result.Enrollment.Status)
	assert.Equal(t, models.PaymentStatusRejected, result.Payment.Status)
	assert.Equal(t, 1, f.ledger.released)
	assert.Empty(t, f.receipts.scheduled)

	// A window rejection is a system verdict, not the admin's.
	require.Len(t, f.payments.finalized, 1)
	assert.Nil(t, f.payments.finalized[0].verifiedByID)
	require.NoError(t, f.mock.ExpectationsWereMet())
}

func TestApproveRequiresSubmittedState(t *testing.T) {
	f := newLifecycleFixture(t)
	f.enrollments.enrollments["e1"] = pendingEnrollment()
	f.mock.ExpectBegin()
	f.mock.ExpectRollback()

	_, err := f.svc.Approve(context.Background(), "e1", "a1")
	assert.True(t, appErrors.Is(err, appErrors.ErrInvalidState))
}

func TestRejectReleasesSeat(t *testing.T) {
	f := newLifecycleFixture(t)
	e, p := submittedEnrollment()
	f.enrollments.enrollments["e1"] = e
	f.payments.byEnrollment["e1"] = p
	f.mock.ExpectBegin()
	f.mock.ExpectCommit()

	result, err := f.svc.Reject(context.Background(), "e1", "a1", RejectPaymentRequest{Reason: "trx not found in statement"})
	require.NoError(t, err)
	assert.False(t, result.AutoRejected)
	assert.Equal(t, models.EnrollmentStatusRejected, result.Enrollment.Status)
	assert.Equal(t, 1, f.ledger.released)
	assert.Equal(t, "trx not found in statement", f.enrollments.rejected["e1"])

	require.Len(t, f.payments.finalized, 1)
	require.NotNil(t, f.payments.finalized[0].verifiedByID)
	assert.Equal(t, "a1", *f.payments.finalized[0].verifiedByID)
	require.NoError(t, f.mock.ExpectationsWereMet())
}

func TestDeleteReleasesHeldSeats(t *testing.T) {
	f := newLifecycleFixture(t)
	// A PENDING row still holds the seat it reserved at start; a REJECTED row
	// gave its seat back when it was rejected.
	f.enrollments.enrollments["e1"] = pendingEnrollment()
	rejected := pendingEnrollment()
	rejected.ID = "e2"
	rejected.Status = models.EnrollmentStatusRejected
	f.enrollments.enrollments["e2"] = rejected

	f.mock.ExpectBegin()
	f.mock.ExpectCommit()
	f.mock.ExpectBegin()
	f.mock.ExpectCommit()
	f.mock.ExpectBegin()
	f.mock.ExpectRollback()

	result, err := f.svc.Delete(context.Background(), []string{"e1", "e2", "missing"})
	require.NoError(t, err)
	assert.Equal(t, 2, result.Deleted)
	assert.Equal(t, 1, result.SeatsReleased)
	assert.Equal(t, []string{"missing"}, result.NotFound)
	assert.Equal(t, 1, f.ledger.released)
	assert.ElementsMatch(t, []string{"e1", "e2"}, f.enrollments.deleted)
	require.NoError(t, f.mock.ExpectationsWereMet())
}

func TestDeleteBlockedByFinalizedPayment(t *testing.T) {
	f := newLifecycleFixture(t)
	active := pendingEnrollment()
	active.Status = models.EnrollmentStatusActive
	f.enrollments.enrollments["e1"] = active
	_, p := submittedEnrollment()
	p.Status = models.PaymentStatusApproved
	verifiedAt := fixedNow.Add(-time.Hour)
	p.VerifiedAt = &verifiedAt
	f.payments.byEnrollment = map[string]models.Payment{"e1": p}

	f.mock.ExpectBegin()
	f.mock.ExpectRollback()

	_, err := f.svc.Delete(context.Background(), []string{"e1"})
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrInvalidState))
	assert.Empty(t, f.enrollments.deleted)
	assert.Empty(t, f.payments.deleted)
	assert.Equal(t, 0, f.ledger.released)
	require.NoError(t, f.mock.ExpectationsWereMet())
}

func TestDeleteRemovesPendingPaymentWithEnrollment(t *testing.T) {
	f := newLifecycleFixture(t)
	e, p := submittedEnrollment()
	f.enrollments.enrollments["e1"] = e
	f.payments.byEnrollment = map[string]models.Payment{"e1": p}

	f.mock.ExpectBegin()
	f.mock.ExpectCommit()

	result, err := f.svc.Delete(context.Background(), []string{"e1"})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Deleted)
	assert.Equal(t, 1, result.SeatsReleased)
	assert.Equal(t, []string{"e1"}, f.payments.deleted)
	assert.Equal(t, []string{"e1"}, f.enrollments.deleted)
	require.NoError(t, f.mock.ExpectationsWereMet())
}

func TestExpireStaleReleasesSeats(t *testing.T) {
	f := newLifecycleFixture(t)
	stalePending := pendingEnrollment()
	staleSubmitted, payment := submittedEnrollment()
	staleSubmitted.ID = "e2"
	payment.EnrollmentID = "e2"
	f.enrollments.enrollments["e1"] = stalePending
	f.enrollments.enrollments["e2"] = staleSubmitted
	f.payments.byEnrollment["e2"] = payment
	f.enrollments.stale = []models.Enrollment{stalePending, staleSubmitted}

	f.mock.ExpectBegin()
	f.mock.ExpectCommit()
	f.mock.ExpectBegin()
	f.mock.ExpectCommit()

	expired, err := f.svc.ExpireStale(context.Background(), time.Hour, 100)
	require.NoError(t, err)
	assert.Equal(t, 2, expired)
	assert.Equal(t, 2, f.ledger.released)
	assert.ElementsMatch(t, []string{"e1", "e2"}, f.enrollments.expired)

	// The dangling PENDING payment gets a system rejection.
	require.Len(t, f.payments.finalized, 1)
	assert.Equal(t, models.PaymentStatusRejected, f.payments.finalized[0].status)
	assert.Nil(t, f.payments.finalized[0].verifiedByID)

	// Every expired student is notified.
	assert.Len(t, f.notifications.created, 2)
	for _, n := range f.notifications.created {
		assert.Equal(t, models.NotificationEnrollmentExpired, n.Kind)
	}
	require.NoError(t, f.mock.ExpectationsWereMet())
}

func TestExpireStaleSkipsRacedEnrollments(t *testing.T) {
	f := newLifecycleFixture(t)
	raced := pendingEnrollment()
	f.enrollments.stale = []models.Enrollment{raced}
	// The stored row already moved on; MarkExpired's guard finds nothing.
	raced.Status = models.EnrollmentStatusActive
	f.enrollments.enrollments["e1"] = raced

	f.mock.ExpectBegin()
	f.mock.ExpectCommit()

	expired, err := f.svc.ExpireStale(context.Background(), time.Hour, 100)
	require.NoError(t, err)
	assert.Equal(t, 0, expired)
	assert.Equal(t, 0, f.ledger.released)
	assert.Empty(t, f.notifications.created)
}

func TestStartSubmitApproveSeatConservation(t *testing.T) {
	f := newLifecycleFixture(t)
	f.mock.ExpectBegin()
	f.mock.ExpectCommit()
	f.mock.ExpectBegin()
	f.mock.ExpectCommit()
	f.mock.ExpectBegin()
	f.mock.ExpectCommit()

	detail, err := f.svc.Start(context.Background(), StartEnrollmentRequest{UserID: "s1", BatchID: "b1"})
	require.NoError(t, err)

	_, err = f.svc.SubmitPayment(context.Background(), detail.ID, "s1", SubmitPaymentRequest{
		TrxID:        "TRX123456",
		Method:       "BKASH",
		SenderNumber: "01712345678",
	})
	require.NoError(t, err)

	result, err := f.svc.Approve(context.Background(), detail.ID, "a1")
	require.NoError(t, err)
	assert.Equal(t, models.EnrollmentStatusActive, result.Enrollment.Status)

	// One seat taken across the whole lifecycle, never given back.
	assert.Equal(t, 1, f.ledger.reserved)
	assert.Equal(t, 0, f.ledger.released)
	require.NoError(t, f.mock.ExpectationsWereMet())
}
