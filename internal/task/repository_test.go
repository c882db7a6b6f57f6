package task

import (
	"context"
	"database/sql"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRepository(t *testing.T) *SQLRepository {
	t.Helper()

	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	repo := NewSQLRepository(db)
	require.NoError(t, repo.Migrate(context.Background()))
	return repo
}

func newTestTask() *Task {
	return &Task{
		Items: []Item{
			{Brand: "bosch", SKU: "0986452041"},
			{Brand: "hyundai/kia", SKU: "2630035505"},
		},
		SupplierGroup: "west",
	}
}

func TestSQLRepository_CreateAndGet(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	created := newTestTask()
	require.NoError(t, repo.Create(ctx, created))
	require.NotEqual(t, uuid.Nil, created.ID)

	got, err := repo.GetByID(ctx, created.ID)
	require.NoError(t, err)

	assert.Equal(t, created.ID, got.ID)
	assert.Equal(t, StatusPending, got.Status)
	assert.Equal(t, "west", got.SupplierGroup)
	assert.Equal(t, created.Items, got.Items)
	assert.Empty(t, got.ResultLocation)
	assert.Nil(t, got.StartedAt)
	assert.Nil(t, got.CompletedAt)
	assert.False(t, got.Terminal())
}

func TestSQLRepository_GetMissingTask(t *testing.T) {
	repo := newTestRepository(t)

	_, err := repo.GetByID(context.Background(), uuid.New())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLRepository_Claim(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	created := newTestTask()
	require.NoError(t, repo.Create(ctx, created))

	require.NoError(t, repo.Claim(ctx, created.ID))

	got, err := repo.GetByID(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, got.Status)
	require.NotNil(t, got.StartedAt)
}

func TestSQLRepository_ClaimIsExclusive(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	created := newTestTask()
	require.NoError(t, repo.Create(ctx, created))

	require.NoError(t, repo.Claim(ctx, created.ID))
	assert.ErrorIs(t, repo.Claim(ctx, created.ID), ErrAlreadyClaimed)
}

func TestSQLRepository_ClaimMissingTask(t *testing.T) {
	repo := newTestRepository(t)

	err := repo.Claim(context.Background(), uuid.New())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLRepository_ConcurrentClaimsExactlyOneWins(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	created := newTestTask()
	require.NoError(t, repo.Create(ctx, created))

	const claimers = 8
	var wg sync.WaitGroup
	errs := make([]error, claimers)
	for i := 0; i < claimers; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			errs[slot] = repo.Claim(ctx, created.ID)
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
		} else {
			assert.ErrorIs(t, err, ErrAlreadyClaimed)
		}
	}
	assert.Equal(t, 1, wins)
}

func TestSQLRepository_MarkSuccess(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	created := newTestTask()
	require.NoError(t, repo.Create(ctx, created))
	require.NoError(t, repo.Claim(ctx, created.ID))

	require.NoError(t, repo.MarkSuccess(ctx, created.ID, "/media/exports/cross_dock_abc.xlsx"))

	got, err := repo.GetByID(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, got.Status)
	assert.Equal(t, "/media/exports/cross_dock_abc.xlsx", got.ResultLocation)
	require.NotNil(t, got.CompletedAt)
	assert.True(t, got.Terminal())
}

func TestSQLRepository_MarkFailure(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	created := newTestTask()
	require.NoError(t, repo.Create(ctx, created))
	require.NoError(t, repo.Claim(ctx, created.ID))

	require.NoError(t, repo.MarkFailure(ctx, created.ID, "export failed: disk full"))

	got, err := repo.GetByID(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailure, got.Status)
	assert.Equal(t, "export failed: disk full", got.ErrorDetail)
	assert.True(t, got.Terminal())
}

func TestSQLRepository_TerminalTransitionsRequireRunning(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	created := newTestTask()
	require.NoError(t, repo.Create(ctx, created))

	// Still PENDING: not claimable as finished.
	assert.ErrorIs(t, repo.MarkSuccess(ctx, created.ID, "x"), ErrNotRunning)

	require.NoError(t, repo.Claim(ctx, created.ID))
	require.NoError(t, repo.MarkSuccess(ctx, created.ID, "x"))

	// Already terminal: the second transition must not overwrite the first.
	assert.ErrorIs(t, repo.MarkFailure(ctx, created.ID, "late failure"), ErrNotRunning)

	got, err := repo.GetByID(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, got.Status)
	assert.Empty(t, got.ErrorDetail)
}

func TestSQLRepository_List(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		task := newTestTask()
		task.CreatedAt = time.Now().UTC().Add(time.Duration(i) * time.Second)
		require.NoError(t, repo.Create(ctx, task))
	}

	tasks, err := repo.List(ctx, 2)
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	assert.True(t, tasks[0].CreatedAt.After(tasks[1].CreatedAt), "newest first")
}
