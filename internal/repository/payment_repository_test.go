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

func TestPaymentRepositoryFinalizeOnlyTouchesPending(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewPaymentRepository(db)
	verifiedAt := time.Now().UTC()
	adminID := "a1"

	mock.ExpectExec(regexp.QuoteMeta("UPDATE payments SET status = $2, verified_at = $3, verified_by_id = $4, reject_reason = $5")).
		WithArgs("p1", models.PaymentStatusApproved, verifiedAt, adminID, nil, models.PaymentStatusPending).
		WillReturnResult(sqlmock.NewResult(0, 1))

	ok, err := repo.Finalize(context.Background(), nil, "p1", models.PaymentStatusApproved, verifiedAt, &adminID, nil)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPaymentRepositoryFinalizeAlreadyFinalized(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewPaymentRepository(db)
	verifiedAt := time.Now().UTC()
	reason := "duplicate reference"

	mock.ExpectExec(regexp.QuoteMeta("UPDATE payments SET status = $2, verified_at = $3, verified_by_id = $4, reject_reason = $5")).
		WithArgs("p1", models.PaymentStatusRejected, verifiedAt, nil, reason, models.PaymentStatusPending).
		WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err := repo.Finalize(context.Background(), nil, "p1", models.PaymentStatusRejected, verifiedAt, nil, &reason)
	require.NoError(t, err)
	require.False(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPaymentRepositoryTrxIDExists(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewPaymentRepository(db)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT 1 FROM payments WHERE trx_id = $1 LIMIT 1")).
		WithArgs("TRX123").
		WillReturnRows(sqlmock.NewRows([]string{"?column?"}).AddRow(1))

	exists, err := repo.TrxIDExists(context.Background(), nil, "TRX123")
	require.NoError(t, err)
	require.True(t, exists)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPaymentRepositoryTrxIDFree(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewPaymentRepository(db)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT 1 FROM payments WHERE trx_id = $1 LIMIT 1")).
		WithArgs("TRX123").
		WillReturnRows(sqlmock.NewRows([]string{"?column?"}))

	exists, err := repo.TrxIDExists(context.Background(), nil, "TRX123")
	require.NoError(t, err)
	require.False(t, exists)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPaymentRepositoryDeleteByEnrollment(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewPaymentRepository(db)

	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM payments WHERE enrollment_id = $1")).
		WithArgs("e1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.DeleteByEnrollment(context.Background(), nil, "e1"))
	require.NoError(t, mock.ExpectationsWereMet())
}
