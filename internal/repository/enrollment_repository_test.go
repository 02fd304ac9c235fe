package repository

import (
	"context"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	"github.com/cryptohub-academy/enrollment-api/internal/models"
)

func TestEnrollmentRepositoryMarkPaymentSubmittedGuardsStatus(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewEnrollmentRepository(db)
	paidAt := time.Now().UTC()

	mock.ExpectExec(regexp.QuoteMeta("UPDATE enrollments SET status = $2, paid_at = $3 WHERE id = $1 AND status = $4")).
		WithArgs("e1", models.EnrollmentStatusPaymentSubmitted, paidAt, models.EnrollmentStatusPending).
		WillReturnResult(sqlmock.NewResult(0, 1))

	ok, err := repo.MarkPaymentSubmitted(context.Background(), nil, "e1", paidAt)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnrollmentRepositoryMarkActiveMissesRacedRow(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewEnrollmentRepository(db)
	approvedAt := time.Now().UTC()

	mock.ExpectExec(regexp.QuoteMeta("UPDATE enrollments SET status = $2, approved_at = $3 WHERE id = $1 AND status = $4")).
		WithArgs("e1", models.EnrollmentStatusActive, approvedAt, models.EnrollmentStatusPaymentSubmitted).
		WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err := repo.MarkActive(context.Background(), nil, "e1", approvedAt)
	require.NoError(t, err)
	require.False(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnrollmentRepositoryMarkRejectedFromExpectedStatus(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewEnrollmentRepository(db)
	rejectedAt := time.Now().UTC()

	mock.ExpectExec(regexp.QuoteMeta("UPDATE enrollments SET status = $2, rejected_at = $3, reject_reason = $4 WHERE id = $1 AND status = $5")).
		WithArgs("e1", models.EnrollmentStatusRejected, rejectedAt, "invalid reference", models.EnrollmentStatusPaymentSubmitted).
		WillReturnResult(sqlmock.NewResult(0, 1))

	ok, err := repo.MarkRejected(context.Background(), nil, "e1", models.EnrollmentStatusPaymentSubmitted, rejectedAt, "invalid reference")
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnrollmentRepositoryExistsActiveTrack(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewEnrollmentRepository(db)

	rows := sqlmock.NewRows([]string{"?column?"}).AddRow(1)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT 1 FROM enrollments WHERE user_id = $1 AND batch_id = $2 AND status = ANY($3) LIMIT 1")).
		WithArgs("u1", "b1", sqlmock.AnyArg()).
		WillReturnRows(rows)

	exists, err := repo.ExistsActiveTrack(context.Background(), nil, "u1", "b1")
	require.NoError(t, err)
	require.True(t, exists)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnrollmentRepositoryExistsActiveTrackNoRows(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewEnrollmentRepository(db)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT 1 FROM enrollments WHERE user_id = $1 AND batch_id = $2 AND status = ANY($3) LIMIT 1")).
		WithArgs("u1", "b1", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"?column?"}))

	exists, err := repo.ExistsActiveTrack(context.Background(), nil, "u1", "b1")
	require.NoError(t, err)
	require.False(t, exists)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnrollmentRepositoryListStaleQueriesWindowEnd(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewEnrollmentRepository(db)
	cutoff := time.Now().UTC().Add(-72 * time.Hour)

	rows := sqlmock.NewRows([]string{"id", "user_id", "batch_id", "fee_minor", "currency", "status", "created_at", "paid_at", "approved_at", "rejected_at", "reject_reason"}).
		AddRow("e1", "u1", "b1", int64(500000), "BDT", models.EnrollmentStatusPending, time.Now(), nil, nil, nil, nil)
	mock.ExpectQuery("SELECT (.+) FROM enrollments e\\s+JOIN batches b ON b.id = e.batch_id\\s+WHERE e.status = ANY").
		WithArgs(sqlmock.AnyArg(), cutoff, 200).
		WillReturnRows(rows)

	stale, err := repo.ListStale(context.Background(), cutoff, 200)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	require.Equal(t, "e1", stale[0].ID)
	require.NoError(t, mock.ExpectationsWereMet())
}
