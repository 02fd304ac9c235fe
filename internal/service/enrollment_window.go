package service

import (
	"fmt"
	"time"

	"github.com/cryptohub-academy/enrollment-api/internal/models"
)

const windowDateLayout = "02 Jan 2006 15:04 MST"

// WindowVerdict is the outcome of evaluating a batch's enrollment window at
// one of the two decision points (submission and approval).
type WindowVerdict struct {
	OK     bool
	Reason string
}

// EvaluateSubmission decides whether a payment submitted at the given instant
// falls inside the batch's enrollment window. Both boundaries are inclusive.
func EvaluateSubmission(batch *models.Batch, now time.Time) WindowVerdict {
	if now.Before(batch.EnrollStart) {
		return WindowVerdict{Reason: fmt.Sprintf("payment submitted before the enrollment period opens on %s", batch.EnrollStart.Format(windowDateLayout))}
	}
	if now.After(batch.EnrollEnd) {
		return WindowVerdict{Reason: fmt.Sprintf("payment submitted after the enrollment period ended on %s", batch.EnrollEnd.Format(windowDateLayout))}
	}
	return WindowVerdict{OK: true}
}

// EvaluateApproval re-checks the window at approval time. A submission that
// was valid when made is still auto-rejected here when the period has since
// ended; the cutoff is strict by design.
func EvaluateApproval(batch *models.Batch, now time.Time) WindowVerdict {
	if now.After(batch.EnrollEnd) {
		return WindowVerdict{Reason: fmt.Sprintf("enrollment period ended on %s before the payment was approved", batch.EnrollEnd.Format(windowDateLayout))}
	}
	return WindowVerdict{OK: true}
}
