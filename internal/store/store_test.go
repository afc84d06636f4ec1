package store

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"probeflow/internal/domain"
)

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	require.NoError(t, EnsureSchema(db))
	t.Cleanup(func() { db.Close() })
	return db
}

func sampleTask(owner, name string) domain.Task {
	return domain.Task{
		OwnerID:  owner,
		Name:     name,
		Method:   "GET",
		Endpoint: "https://example.com/health",
		Cron:     "*/5 * * * *",
		Timezone: "UTC",
	}
}

func TestTaskCreateGetRoundtrip(t *testing.T) {
	db := newTestDB(t)
	tasks := NewTaskStore(db)
	ctx := context.Background()

	created, err := tasks.Create(ctx, sampleTask("usr_1", "health"))
	require.NoError(t, err)
	require.NotEmpty(t, created.ID)

	got, err := tasks.GetByID(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, "health", got.Name)
	assert.Equal(t, "usr_1", got.OwnerID)
	assert.Empty(t, got.CronHistory)
	assert.False(t, got.IsEnable)

	_, err = tasks.GetForOwner(ctx, created.ID, "usr_2")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTaskNameUniquePerOwner(t *testing.T) {
	db := newTestDB(t)
	tasks := NewTaskStore(db)
	ctx := context.Background()

	_, err := tasks.Create(ctx, sampleTask("usr_1", "health"))
	require.NoError(t, err)

	_, err = tasks.Create(ctx, sampleTask("usr_1", "health"))
	assert.ErrorIs(t, err, ErrDuplicateName)

	// Same name under a different owner is fine.
	_, err = tasks.Create(ctx, sampleTask("usr_2", "health"))
	assert.NoError(t, err)
}

func TestTaskUpdatePersistsCronHistory(t *testing.T) {
	db := newTestDB(t)
	tasks := NewTaskStore(db)
	ctx := context.Background()

	created, err := tasks.Create(ctx, sampleTask("usr_1", "health"))
	require.NoError(t, err)

	created.CronHistory = []string{created.Cron}
	created.Cron = "0 * * * *"
	created.IsEnable = true
	_, err = tasks.Update(ctx, created)
	require.NoError(t, err)

	got, err := tasks.GetByID(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, "0 * * * *", got.Cron)
	assert.Equal(t, []string{"*/5 * * * *"}, got.CronHistory)
	assert.True(t, got.IsEnable)
}

func TestTaskUpdateMissing(t *testing.T) {
	db := newTestDB(t)
	tasks := NewTaskStore(db)

	missing := sampleTask("usr_1", "health")
	missing.ID = "tsk_missing"
	_, err := tasks.Update(context.Background(), missing)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTaskListFilters(t *testing.T) {
	db := newTestDB(t)
	tasks := NewTaskStore(db)
	ctx := context.Background()

	a := sampleTask("usr_1", "api-health")
	a.Method = "GET"
	b := sampleTask("usr_1", "checkout-ping")
	b.Method = "POST"
	b.Endpoint = "https://shop.example.com/ping"
	for _, task := range []domain.Task{a, b} {
		_, err := tasks.Create(ctx, task)
		require.NoError(t, err)
	}
	_, err := tasks.Create(ctx, sampleTask("usr_2", "other"))
	require.NoError(t, err)

	got, total, err := tasks.List(ctx, "usr_1", TaskQuery{})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Len(t, got, 2)

	got, total, err = tasks.List(ctx, "usr_1", TaskQuery{Search: "shop.example"})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, got, 1)
	assert.Equal(t, "checkout-ping", got[0].Name)

	got, _, err = tasks.List(ctx, "usr_1", TaskQuery{Methods: []string{"POST"}})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "POST", got[0].Method)

	got, total, err = tasks.List(ctx, "usr_1", TaskQuery{SortBy: "name", SortOrder: "asc", Page: 1, Limit: 1})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	require.Len(t, got, 1)
	assert.Equal(t, "api-health", got[0].Name)
}

func sampleLog(taskID string, status int) domain.TaskLog {
	now := time.Now().UTC()
	return domain.TaskLog{
		TaskID:            taskID,
		Endpoint:          "https://example.com/health",
		Method:            "GET",
		StatusCode:        status,
		Duration:          12,
		ResponseSizeBytes: 34,
		ScheduledAt:       now,
		ExecutedAt:        now,
	}
}

func TestInsertCappedEvictsOldest(t *testing.T) {
	db := newTestDB(t)
	logs := NewLogStore(db)
	ctx := context.Background()

	l1, err := logs.InsertCapped(ctx, sampleLog("tsk_1", 200), 2)
	require.NoError(t, err)
	l2, err := logs.InsertCapped(ctx, sampleLog("tsk_1", 201), 2)
	require.NoError(t, err)
	l3, err := logs.InsertCapped(ctx, sampleLog("tsk_1", 202), 2)
	require.NoError(t, err)

	got, total, err := logs.Find(ctx, "tsk_1", LogQuery{SortOrder: "asc"})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	require.Len(t, got, 2)
	assert.Equal(t, []string{l2.ID, l3.ID}, []string{got[0].ID, got[1].ID})
	for _, l := range got {
		assert.NotEqual(t, l1.ID, l.ID)
	}
}

func TestInsertCappedRecoversFromOvershoot(t *testing.T) {
	db := newTestDB(t)
	logs := NewLogStore(db)
	ctx := context.Background()

	// Five rows under a generous cap, then one insert under a tight cap must
	// bring the window back to exactly the tight cap.
	for i := 0; i < 5; i++ {
		_, err := logs.InsertCapped(ctx, sampleLog("tsk_1", 200+i), 10)
		require.NoError(t, err)
	}
	last, err := logs.InsertCapped(ctx, sampleLog("tsk_1", 299), 3)
	require.NoError(t, err)

	got, total, err := logs.Find(ctx, "tsk_1", LogQuery{SortOrder: "asc"})
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	require.Len(t, got, 3)
	assert.Equal(t, last.ID, got[2].ID)
	assert.Equal(t, 203, got[0].StatusCode)
}

func TestInsertCappedIsolatedPerTask(t *testing.T) {
	db := newTestDB(t)
	logs := NewLogStore(db)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := logs.InsertCapped(ctx, sampleLog("tsk_a", 200), 2)
		require.NoError(t, err)
		_, err = logs.InsertCapped(ctx, sampleLog("tsk_b", 200), 2)
		require.NoError(t, err)
	}
	_, totalA, err := logs.Find(ctx, "tsk_a", LogQuery{})
	require.NoError(t, err)
	_, totalB, err2 := logs.Find(ctx, "tsk_b", LogQuery{})
	require.NoError(t, err2)
	assert.Equal(t, 2, totalA)
	assert.Equal(t, 2, totalB)
}

func TestRecentNewestFirst(t *testing.T) {
	db := newTestDB(t)
	logs := NewLogStore(db)
	ctx := context.Background()

	var last domain.TaskLog
	for i := 0; i < 4; i++ {
		var err error
		last, err = logs.InsertCapped(ctx, sampleLog("tsk_1", 500), 10)
		require.NoError(t, err)
	}
	got, err := logs.Recent(ctx, "tsk_1", 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, last.ID, got[0].ID)
}
