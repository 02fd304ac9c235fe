package service

import (
	"context"
	"database/sql"
	"fmt"

	"go.uber.org/zap"

	"github.com/cryptohub-academy/enrollment-api/internal/models"
	"github.com/cryptohub-academy/enrollment-api/pkg/config"
	appErrors "github.com/cryptohub-academy/enrollment-api/pkg/errors"
	"github.com/cryptohub-academy/enrollment-api/pkg/jobs"
)

type notificationRepository interface {
	List(ctx context.Context, filter models.NotificationFilter) ([]models.Notification, int, error)
	CountUnread(ctx context.Context, userID string) (int, error)
	MarkRead(ctx context.Context, id, userID string) error
	MarkAllRead(ctx context.Context, userID string) error
}

type notificationUserReader interface {
	FindByID(ctx context.Context, id string) (*models.User, error)
}

// Mailer sends a single email. The repo ships a log-only implementation;
// a real SMTP or provider-backed one plugs in behind the same interface.
type Mailer interface {
	Send(ctx context.Context, to, subject, body string) error
}

// LogMailer writes emails to the log instead of sending them.
type LogMailer struct {
	logger *zap.Logger
}

// NewLogMailer constructs a LogMailer.
func NewLogMailer(logger *zap.Logger) *LogMailer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogMailer{logger: logger}
}

// Send logs the email instead of delivering it.
func (m *LogMailer) Send(ctx context.Context, to, subject, body string) error {
	m.logger.Info("email dispatched",
		zap.String("to", to),
		zap.String("subject", subject),
		zap.String("body", body))
	return nil
}

// NotificationService serves in-app notifications and fans out their email
// copies on a background queue. The rows themselves are written by the
// lifecycle service inside its transactions; this service only reads them
// and delivers the out-of-band copies after commit.
type NotificationService struct {
	repo   notificationRepository
	users  notificationUserReader
	mailer Mailer
	queue  *jobs.Queue
	logger *zap.Logger
}

// NewNotificationService constructs NotificationService and its email queue.
func NewNotificationService(repo notificationRepository, users notificationUserReader, mailer Mailer, cfg config.NotificationsConfig, logger *zap.Logger) *NotificationService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if mailer == nil {
		mailer = NewLogMailer(logger)
	}
	s := &NotificationService{repo: repo, users: users, mailer: mailer, logger: logger}
	s.queue = jobs.NewQueue("notification-email", s.handleEmailJob, jobs.QueueConfig{
		Workers:    cfg.Workers,
		BufferSize: cfg.BufferSize,
		MaxRetries: cfg.MaxRetries,
		RetryDelay: cfg.RetryDelay,
		Logger:     logger,
	})
	return s
}

// Start launches the email workers.
func (s *NotificationService) Start(ctx context.Context) {
	s.queue.Start(ctx)
}

// Stop drains the email workers.
func (s *NotificationService) Stop() {
	s.queue.Stop()
}

// Dispatch enqueues email delivery for notifications already committed to
// the database. Failures are logged, never propagated to the caller; the
// in-app copy is the source of truth.
func (s *NotificationService) Dispatch(ctx context.Context, notifications []models.Notification) {
	for _, n := range notifications {
		job := jobs.Job{ID: n.ID, Type: "notification_email", Payload: n}
		if err := s.queue.Enqueue(job); err != nil {
			s.logger.Warn("failed to enqueue notification email",
				zap.String("notification_id", n.ID),
				zap.Error(err))
		}
	}
}

func (s *NotificationService) handleEmailJob(ctx context.Context, job jobs.Job) error {
	n, ok := job.Payload.(models.Notification)
	if !ok {
		s.logger.Error("notification email job carries unexpected payload", zap.String("job_id", job.ID))
		return nil
	}
	user, err := s.users.FindByID(ctx, n.UserID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil
		}
		return fmt.Errorf("load notification recipient: %w", err)
	}
	return s.mailer.Send(ctx, user.Email, n.Title, n.Body)
}

// List returns the user's notifications with pagination metadata.
func (s *NotificationService) List(ctx context.Context, filter models.NotificationFilter) ([]models.Notification, *models.Pagination, error) {
	notifications, total, err := s.repo.List(ctx, filter)
	if err != nil {
		return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list notifications")
	}
	return notifications, paginationFor(filter.Page, filter.PageSize, total), nil
}

// UnreadCount returns the number of unread notifications for the user.
func (s *NotificationService) UnreadCount(ctx context.Context, userID string) (int, error) {
	count, err := s.repo.CountUnread(ctx, userID)
	if err != nil {
		return 0, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to count notifications")
	}
	return count, nil
}

// MarkRead marks one of the user's notifications as read.
func (s *NotificationService) MarkRead(ctx context.Context, id, userID string) error {
	if err := s.repo.MarkRead(ctx, id, userID); err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to mark notification read")
	}
	return nil
}

// MarkAllRead marks every unread notification for the user as read.
func (s *NotificationService) MarkAllRead(ctx context.Context, userID string) error {
	if err := s.repo.MarkAllRead(ctx, userID); err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to mark notifications read")
	}
	return nil
}
