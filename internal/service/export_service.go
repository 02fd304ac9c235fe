package service

import (
	"context"
	"fmt"
	"strconv"

	"go.uber.org/zap"

	"github.com/cryptohub-academy/enrollment-api/internal/models"
	appErrors "github.com/cryptohub-academy/enrollment-api/pkg/errors"
	"github.com/cryptohub-academy/enrollment-api/pkg/export"
)

type exportEnrollmentLister interface {
	List(ctx context.Context, filter models.EnrollmentFilter) ([]models.EnrollmentDetail, int, error)
}

// ExportService renders admin CSV exports of filtered enrollments.
type ExportService struct {
	enrollments exportEnrollmentLister
	csv         *export.CSVExporter
	logger      *zap.Logger
}

// NewExportService constructs ExportService.
func NewExportService(enrollments exportEnrollmentLister, logger *zap.Logger) *ExportService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ExportService{enrollments: enrollments, csv: export.NewCSVExporter(), logger: logger}
}

// EnrollmentsCSV exports the filtered enrollments. Pagination is widened so
// one call covers the whole filtered set, capped at 10000 rows.
func (s *ExportService) EnrollmentsCSV(ctx context.Context, filter models.EnrollmentFilter) ([]byte, string, error) {
	filter.Page = 1
	filter.PageSize = 10000
	enrollments, _, err := s.enrollments.List(ctx, filter)
	if err != nil {
		return nil, "", appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list enrollments")
	}

	dataset := export.Dataset{
		Headers: []string{"id", "student_name", "student_email", "course", "batch", "status", "fee_minor", "currency", "created_at", "paid_at"},
	}
	for _, e := range enrollments {
		row := map[string]string{
			"id":            e.ID,
			"student_name":  e.StudentName,
			"student_email": e.StudentEmail,
			"course":        e.CourseName,
			"batch":         e.BatchName,
			"status":        string(e.Status),
			"fee_minor":     strconv.FormatInt(e.FeeMinor, 10),
			"currency":      e.Currency,
			"created_at":    e.CreatedAt.UTC().Format("2006-01-02 15:04:05"),
		}
		if e.PaidAt != nil {
			row["paid_at"] = e.PaidAt.UTC().Format("2006-01-02 15:04:05")
		}
		dataset.Rows = append(dataset.Rows, row)
	}

	payload, err := s.csv.Render(dataset)
	if err != nil {
		return nil, "", appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to render csv")
	}
	filename := fmt.Sprintf("enrollments-%d.csv", len(dataset.Rows))
	return payload, filename, nil
}
