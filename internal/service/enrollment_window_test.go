package service

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/cryptohub-academy/enrollment-api/internal/models"
)

func windowBatch(start, end time.Time) *models.Batch {
	return &models.Batch{ID: "b1", Name: "Batch 1", EnrollStart: start, EnrollEnd: end}
}

func TestEvaluateSubmission(t *testing.T) {
	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2026, 3, 31, 23, 59, 59, 0, time.UTC)
	batch := windowBatch(start, end)

	cases := []struct {
		name   string
		now    time.Time
		ok     bool
		reason string
	}{
		{name: "inside window", now: start.Add(24 * time.Hour), ok: true},
		{name: "exactly at start", now: start, ok: true},
		{name: "exactly at end", now: end, ok: true},
		{name: "before start", now: start.Add(-time.Second), reason: "before the enrollment period opens"},
		{name: "after end", now: end.Add(time.Second), reason: "after the enrollment period ended"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			verdict := EvaluateSubmission(batch, tc.now)
			assert.Equal(t, tc.ok, verdict.OK)
			if !tc.ok {
				assert.Contains(t, verdict.Reason, tc.reason)
				assert.Contains(t, verdict.Reason, "2026")
			}
		})
	}
}

func TestEvaluateApproval(t *testing.T) {
	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2026, 3, 31, 23, 59, 59, 0, time.UTC)
	batch := windowBatch(start, end)

	assert.True(t, EvaluateApproval(batch, end).OK)
	assert.True(t, EvaluateApproval(batch, start.Add(-time.Hour)).OK)

	verdict := EvaluateApproval(batch, end.Add(time.Minute))
	assert.False(t, verdict.OK)
	assert.Contains(t, verdict.Reason, "enrollment period ended")
}
