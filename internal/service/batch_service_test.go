package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cryptohub-academy/enrollment-api/internal/models"
	appErrors "github.com/cryptohub-academy/enrollment-api/pkg/errors"
)

type stubBatchRepo struct {
	batches        map[string]models.Batch
	listCalls      int
	lastFilter     models.BatchFilter
	adjustDeltas   []int
	denyAdjust     bool
	hasEnrollments bool
	deleted        []string
}

func (m *stubBatchRepo) List(ctx context.Context, filter models.BatchFilter) ([]models.Batch, int, error) {
	m.listCalls++
	m.lastFilter = filter
	var out []models.Batch
	for _, b := range m.batches {
		if filter.PublishedOnly && !b.IsPublished {
			continue
		}
		out = append(out, b)
	}
	return out, len(out), nil
}

func (m *stubBatchRepo) FindByID(ctx context.Context, exec sqlx.ExtContext, id string) (*models.Batch, error) {
	if b, ok := m.batches[id]; ok {
		return &b, nil
	}
	return nil, sql.ErrNoRows
}

func (m *stubBatchRepo) Create(ctx context.Context, batch *models.Batch) error {
	if m.batches == nil {
		m.batches = make(map[string]models.Batch)
	}
	if batch.ID == "" {
		batch.ID = "new-batch"
	}
	m.batches[batch.ID] = *batch
	return nil
}

func (m *stubBatchRepo) Update(ctx context.Context, batch *models.Batch) error {
	m.batches[batch.ID] = *batch
	return nil
}

func (m *stubBatchRepo) AdjustCapacity(ctx context.Context, id string, delta int) (bool, error) {
	if m.denyAdjust {
		return false, nil
	}
	b, ok := m.batches[id]
	if !ok {
		return false, nil
	}
	b.Seats += delta
	b.TotalSeats += delta
	m.batches[id] = b
	m.adjustDeltas = append(m.adjustDeltas, delta)
	return true, nil
}

func (m *stubBatchRepo) HasEnrollments(ctx context.Context, id string) (bool, error) {
	return m.hasEnrollments, nil
}

func (m *stubBatchRepo) Delete(ctx context.Context, id string) error {
	delete(m.batches, id)
	m.deleted = append(m.deleted, id)
	return nil
}

// memoryCacheRepo is an in-process stand-in for the redis-backed repository.
type memoryCacheRepo struct {
	mu      sync.Mutex
	entries map[string][]byte
}

func newMemoryCacheRepo() *memoryCacheRepo {
	return &memoryCacheRepo{entries: make(map[string][]byte)}
}

func (m *memoryCacheRepo) Get(ctx context.Context, key string, dest interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	raw, ok := m.entries[key]
	if !ok {
		return appErrors.ErrCacheMiss
	}
	return json.Unmarshal(raw, dest)
}

func (m *memoryCacheRepo) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = raw
	return nil
}

func (m *memoryCacheRepo) DeleteByPattern(ctx context.Context, pattern string) error {
	prefix := strings.TrimSuffix(pattern, "*")
	m.mu.Lock()
	defer m.mu.Unlock()
	for key := range m.entries {
		if strings.HasPrefix(key, prefix) {
			delete(m.entries, key)
		}
	}
	return nil
}

func publishedBatch(id string) models.Batch {
	return models.Batch{
		ID:          id,
		CourseName:  "Blockchain Fundamentals",
		Name:        "Spring Cohort",
		PriceMinor:  500000,
		Currency:    "BDT",
		Seats:       20,
		TotalSeats:  30,
		IsOpen:      true,
		IsPublished: true,
		EnrollStart: fixedNow.Add(-7 * 24 * time.Hour),
		EnrollEnd:   fixedNow.Add(7 * 24 * time.Hour),
	}
}

func newBatchFixture() (*BatchService, *stubBatchRepo, *memoryCacheRepo) {
	repo := &stubBatchRepo{batches: map[string]models.Batch{"b1": publishedBatch("b1")}}
	cacheRepo := newMemoryCacheRepo()
	cacheSvc := NewCacheService(cacheRepo, nil, time.Minute, nil, true)
	return NewBatchService(repo, cacheSvc, nil, nil), repo, cacheRepo
}

func TestBrowseForcesPublishedOnly(t *testing.T) {
	svc, repo, _ := newBatchFixture()
	repo.batches["hidden"] = models.Batch{ID: "hidden", IsPublished: false}

	page, err := svc.Browse(context.Background(), models.BatchFilter{Page: 1, PageSize: 20})
	require.NoError(t, err)
	require.Len(t, page.Batches, 1)
	assert.True(t, repo.lastFilter.PublishedOnly)
}

func TestBrowseServesSecondReadFromCache(t *testing.T) {
	svc, repo, _ := newBatchFixture()
	filter := models.BatchFilter{Page: 1, PageSize: 20}

	first, err := svc.Browse(context.Background(), filter)
	require.NoError(t, err)
	second, err := svc.Browse(context.Background(), filter)
	require.NoError(t, err)

	assert.Equal(t, 1, repo.listCalls)
	assert.Equal(t, first.Batches[0].ID, second.Batches[0].ID)
}

func TestBrowseCacheInvalidatedOnMutation(t *testing.T) {
	svc, repo, cacheRepo := newBatchFixture()
	filter := models.BatchFilter{Page: 1, PageSize: 20}

	_, err := svc.Browse(context.Background(), filter)
	require.NoError(t, err)
	require.NotEmpty(t, cacheRepo.entries)

	open := true
	_, err = svc.Update(context.Background(), "b1", UpdateBatchRequest{IsOpen: &open})
	require.NoError(t, err)
	assert.Empty(t, cacheRepo.entries)

	_, err = svc.Browse(context.Background(), filter)
	require.NoError(t, err)
	assert.Equal(t, 2, repo.listCalls)
}

func TestCreateBatchDefaultsCurrencyAndSeats(t *testing.T) {
	svc, repo, _ := newBatchFixture()

	batch, err := svc.Create(context.Background(), CreateBatchRequest{
		CourseName:  "DeFi Deep Dive",
		Name:        "Summer Cohort",
		TotalSeats:  40,
		EnrollStart: fixedNow,
		EnrollEnd:   fixedNow.Add(30 * 24 * time.Hour),
	})
	require.NoError(t, err)
	assert.Equal(t, "BDT", batch.Currency)
	assert.Equal(t, 40, batch.Seats)
	assert.Equal(t, 40, batch.TotalSeats)
	assert.Contains(t, repo.batches, batch.ID)
}

func TestCreateBatchRejectsInvertedWindow(t *testing.T) {
	svc, _, _ := newBatchFixture()

	_, err := svc.Create(context.Background(), CreateBatchRequest{
		CourseName:  "DeFi Deep Dive",
		Name:        "Summer Cohort",
		TotalSeats:  40,
		EnrollStart: fixedNow,
		EnrollEnd:   fixedNow.Add(-time.Hour),
	})
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrValidation))
}

func TestUpdateBatchAppliesCapacityDelta(t *testing.T) {
	svc, repo, _ := newBatchFixture()

	seats := 40
	batch, err := svc.Update(context.Background(), "b1", UpdateBatchRequest{TotalSeats: &seats})
	require.NoError(t, err)
	assert.Equal(t, []int{10}, repo.adjustDeltas)
	assert.Equal(t, 40, batch.TotalSeats)
	assert.Equal(t, 30, batch.Seats)
}

func TestUpdateBatchRefusesShrinkBelowHeldSeats(t *testing.T) {
	svc, repo, _ := newBatchFixture()
	repo.denyAdjust = true

	seats := 5
	_, err := svc.Update(context.Background(), "b1", UpdateBatchRequest{TotalSeats: &seats})
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrConflict))
}

func TestDeleteBatchWithEnrollmentsRefused(t *testing.T) {
	svc, repo, _ := newBatchFixture()
	repo.hasEnrollments = true

	err := svc.Delete(context.Background(), "b1")
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrConflict))
	assert.Empty(t, repo.deleted)
}

func TestGetHidesUnpublishedFromStudents(t *testing.T) {
	svc, repo, _ := newBatchFixture()
	repo.batches["draft"] = models.Batch{ID: "draft", IsPublished: false}

	_, err := svc.Get(context.Background(), "draft", false)
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrNotFound))

	batch, err := svc.Get(context.Background(), "draft", true)
	require.NoError(t, err)
	assert.Equal(t, "draft", batch.ID)
}
