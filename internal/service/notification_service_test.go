package service

import (
	"context"
	"database/sql"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cryptohub-academy/enrollment-api/internal/models"
	"github.com/cryptohub-academy/enrollment-api/pkg/config"
)

type stubNotificationRepo struct {
	notifications []models.Notification
	markedRead    []string
	markedAllFor  []string
}

func (m *stubNotificationRepo) List(ctx context.Context, filter models.NotificationFilter) ([]models.Notification, int, error) {
	var out []models.Notification
	for _, n := range m.notifications {
		if n.UserID != filter.UserID {
			continue
		}
		if filter.UnreadOnly && n.ReadAt != nil {
			continue
		}
		out = append(out, n)
	}
	return out, len(out), nil
}

func (m *stubNotificationRepo) CountUnread(ctx context.Context, userID string) (int, error) {
	count := 0
	for _, n := range m.notifications {
		if n.UserID == userID && n.ReadAt == nil {
			count++
		}
	}
	return count, nil
}

func (m *stubNotificationRepo) MarkRead(ctx context.Context, id, userID string) error {
	m.markedRead = append(m.markedRead, id)
	return nil
}

func (m *stubNotificationRepo) MarkAllRead(ctx context.Context, userID string) error {
	m.markedAllFor = append(m.markedAllFor, userID)
	return nil
}

type recordingMailer struct {
	mu   sync.Mutex
	sent []string
}

func (m *recordingMailer) Send(ctx context.Context, to, subject, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, to+"|"+subject)
	return nil
}

func (m *recordingMailer) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}

type stubMailUsers struct {
	users map[string]*models.User
}

func (m *stubMailUsers) FindByID(ctx context.Context, id string) (*models.User, error) {
	if u, ok := m.users[id]; ok {
		return u, nil
	}
	return nil, sql.ErrNoRows
}

func newNotificationFixture(t *testing.T) (*NotificationService, *stubNotificationRepo, *recordingMailer) {
	t.Helper()
	repo := &stubNotificationRepo{}
	mailer := &recordingMailer{}
	users := &stubMailUsers{users: map[string]*models.User{
		"s1": {ID: "s1", Email: "student@example.com", FullName: "Student One"},
	}}
	svc := NewNotificationService(repo, users, mailer, config.NotificationsConfig{
		Workers:    1,
		BufferSize: 8,
		MaxRetries: 1,
		RetryDelay: 10 * time.Millisecond,
	}, nil)
	return svc, repo, mailer
}

func TestDispatchDeliversEmailCopies(t *testing.T) {
	svc, _, mailer := newNotificationFixture(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	svc.Start(ctx)
	defer svc.Stop()

	svc.Dispatch(ctx, []models.Notification{
		{ID: "n1", UserID: "s1", Title: "Payment approved", Body: "Welcome aboard"},
		{ID: "n2", UserID: "s1", Title: "Payment submitted", Body: "Under review"},
	})

	assert.Eventually(t, func() bool { return mailer.count() == 2 }, time.Second, 10*time.Millisecond)
}

func TestDispatchSkipsUnknownRecipient(t *testing.T) {
	svc, _, mailer := newNotificationFixture(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	svc.Start(ctx)
	defer svc.Stop()

	svc.Dispatch(ctx, []models.Notification{
		{ID: "n1", UserID: "ghost", Title: "Hello", Body: "nobody home"},
		{ID: "n2", UserID: "s1", Title: "Payment approved", Body: "Welcome aboard"},
	})

	assert.Eventually(t, func() bool { return mailer.count() == 1 }, time.Second, 10*time.Millisecond)
}

func TestDispatchBeforeStartDoesNotPanic(t *testing.T) {
	svc, _, mailer := newNotificationFixture(t)

	// Enqueue failures are logged and swallowed.
	svc.Dispatch(context.Background(), []models.Notification{
		{ID: "n1", UserID: "s1", Title: "Hello", Body: "early"},
	})
	assert.Equal(t, 0, mailer.count())
}

func TestListFiltersUnread(t *testing.T) {
	svc, repo, _ := newNotificationFixture(t)
	readAt := time.Now().UTC()
	repo.notifications = []models.Notification{
		{ID: "n1", UserID: "s1"},
		{ID: "n2", UserID: "s1", ReadAt: &readAt},
		{ID: "n3", UserID: "other"},
	}

	notifications, pagination, err := svc.List(context.Background(), models.NotificationFilter{
		UserID: "s1", UnreadOnly: true, Page: 1, PageSize: 20,
	})
	require.NoError(t, err)
	require.Len(t, notifications, 1)
	assert.Equal(t, "n1", notifications[0].ID)
	assert.Equal(t, 1, pagination.TotalCount)

	count, err := svc.UnreadCount(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestMarkReadPassesThrough(t *testing.T) {
	svc, repo, _ := newNotificationFixture(t)

	require.NoError(t, svc.MarkRead(context.Background(), "n1", "s1"))
	require.NoError(t, svc.MarkAllRead(context.Background(), "s1"))
	assert.Equal(t, []string{"n1"}, repo.markedRead)
	assert.Equal(t, []string{"s1"}, repo.markedAllFor)
}
