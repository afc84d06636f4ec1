package api

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"probeflow/internal/config"
	"probeflow/internal/domain"
	"probeflow/internal/store"
)

type fakeScheduler struct {
	created []domain.Task
	updated [][2]domain.Task
	err     error
}

func (f *fakeScheduler) OnTaskCreated(_ context.Context, t domain.Task) error {
	if f.err != nil {
		return f.err
	}
	f.created = append(f.created, t)
	return nil
}

func (f *fakeScheduler) OnTaskUpdated(_ context.Context, oldTask, newTask domain.Task) error {
	if f.err != nil {
		return f.err
	}
	f.updated = append(f.updated, [2]domain.Task{oldTask, newTask})
	return nil
}

type testEnv struct {
	handler http.Handler
	tasks   *store.TaskStore
	logs    *store.LogStore
	sched   *fakeScheduler
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, store.EnsureSchema(db))

	tasks := store.NewTaskStore(db)
	logs := store.NewLogStore(db)
	sched := &fakeScheduler{}
	return &testEnv{
		handler: NewServer(tasks, logs, sched, config.Default()),
		tasks:   tasks,
		logs:    logs,
		sched:   sched,
	}
}

func (e *testEnv) do(t *testing.T, method, path, userID string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&v), "body: %s", rec.Body.String())
	return v
}

func validCreate() map[string]any {
	return map[string]any{
		"name":     "ping prod",
		"method":   "get",
		"endpoint": "https://example.com/health",
		"cron":     "*/5 * * * *",
		"isEnable": true,
	}
}

func TestMissingUserHeaderUnauthorized(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/api/tasks", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestCreateTask(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodPost, "/api/tasks", "usr_1", validCreate())
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	dto := decodeBody[taskDTO](t, rec)
	assert.NotEmpty(t, dto.ID)
	assert.Equal(t, "ping prod", dto.Name)
	assert.Equal(t, "GET", dto.Method, "method is normalized to upper case")
	assert.Equal(t, "*/5 * * * *", dto.Cron)
	assert.Empty(t, dto.CronHistory)
	assert.True(t, dto.IsEnable)

	require.Len(t, env.sched.created, 1)
	assert.Equal(t, dto.ID, env.sched.created[0].ID)
}

func TestCreateDisabledTaskSkipsScheduler(t *testing.T) {
	env := newTestEnv(t)
	body := validCreate()
	body["isEnable"] = false
	rec := env.do(t, http.MethodPost, "/api/tasks", "usr_1", body)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Empty(t, env.sched.created)
}

func TestCreateRejectsDuplicateName(t *testing.T) {
	env := newTestEnv(t)
	require.Equal(t, http.StatusCreated, env.do(t, http.MethodPost, "/api/tasks", "usr_1", validCreate()).Code)

	rec := env.do(t, http.MethodPost, "/api/tasks", "usr_1", validCreate())
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	resp := decodeBody[errorResponse](t, rec)
	assert.Equal(t, "taskNameExist", resp.Errors["task"])

	// Same name under a different owner is fine.
	rec = env.do(t, http.MethodPost, "/api/tasks", "usr_2", validCreate())
	assert.Equal(t, http.StatusCreated, rec.Code)
}

func TestCreateRejectsInvalidCron(t *testing.T) {
	env := newTestEnv(t)
	body := validCreate()
	body["cron"] = "not a cron"
	rec := env.do(t, http.MethodPost, "/api/tasks", "usr_1", body)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "invalidCron", decodeBody[errorResponse](t, rec).Errors["task"])
}

func TestCreateRejectsTooFrequentCron(t *testing.T) {
	env := newTestEnv(t)
	body := validCreate()
	body["cron"] = "*/10 * * * * *"
	rec := env.do(t, http.MethodPost, "/api/tasks", "usr_1", body)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "taskTooFrequent", decodeBody[errorResponse](t, rec).Errors["task"])
}

func TestCreateRejectsUnknownMethod(t *testing.T) {
	env := newTestEnv(t)
	body := validCreate()
	body["method"] = "SPY"
	rec := env.do(t, http.MethodPost, "/api/tasks", "usr_1", body)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateRejectsMalformedHeaders(t *testing.T) {
	env := newTestEnv(t)
	body := validCreate()
	body["headers"] = "{not json"
	rec := env.do(t, http.MethodPost, "/api/tasks", "usr_1", body)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "invalidHeaders", decodeBody[errorResponse](t, rec).Errors["task"])
}

func TestCreateSchedulerDownReturns503(t *testing.T) {
	env := newTestEnv(t)
	env.sched.err = errors.New("broker down")
	rec := env.do(t, http.MethodPost, "/api/tasks", "usr_1", validCreate())
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestGetTaskScopedToOwner(t *testing.T) {
	env := newTestEnv(t)
	created := decodeBody[taskDTO](t, env.do(t, http.MethodPost, "/api/tasks", "usr_1", validCreate()))

	rec := env.do(t, http.MethodGet, "/api/tasks/"+created.ID, "usr_1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, created.ID, decodeBody[taskDTO](t, rec).ID)

	rec = env.do(t, http.MethodGet, "/api/tasks/"+created.ID, "usr_2", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestUpdateCronAppendsHistory(t *testing.T) {
	env := newTestEnv(t)
	created := decodeBody[taskDTO](t, env.do(t, http.MethodPost, "/api/tasks", "usr_1", validCreate()))

	rec := env.do(t, http.MethodPatch, "/api/tasks/"+created.ID, "usr_1",
		map[string]any{"cron": "0 * * * *"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	dto := decodeBody[taskDTO](t, rec)
	assert.Equal(t, "0 * * * *", dto.Cron)
	assert.Equal(t, []string{"*/5 * * * *"}, dto.CronHistory)

	require.Len(t, env.sched.updated, 1)
	assert.Equal(t, "*/5 * * * *", env.sched.updated[0][0].Cron)
	assert.Equal(t, "0 * * * *", env.sched.updated[0][1].Cron)

	// Re-submitting the original expression must not duplicate the entry.
	rec = env.do(t, http.MethodPatch, "/api/tasks/"+created.ID, "usr_1",
		map[string]any{"cron": "*/5 * * * *"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"0 * * * *"}, decodeBody[taskDTO](t, rec).CronHistory)
}

func TestUpdatePartialFields(t *testing.T) {
	env := newTestEnv(t)
	created := decodeBody[taskDTO](t, env.do(t, http.MethodPost, "/api/tasks", "usr_1", validCreate()))

	rec := env.do(t, http.MethodPatch, "/api/tasks/"+created.ID, "usr_1",
		map[string]any{"note": "checked daily", "alert": map[string]any{"failure": 3}})
	require.Equal(t, http.StatusOK, rec.Code)

	dto := decodeBody[taskDTO](t, rec)
	assert.Equal(t, "checked daily", dto.Note)
	assert.Equal(t, 3, dto.Alert.Failure)
	assert.Equal(t, created.Cron, dto.Cron)
	// Name and alert edits don't touch the schedule, but the reconciler
	// still gets a chance to decide that.
	require.Len(t, env.sched.updated, 1)
}

func TestUpdateRejectsRenameToExistingName(t *testing.T) {
	env := newTestEnv(t)
	require.Equal(t, http.StatusCreated, env.do(t, http.MethodPost, "/api/tasks", "usr_1", validCreate()).Code)

	other := validCreate()
	other["name"] = "ping staging"
	second := decodeBody[taskDTO](t, env.do(t, http.MethodPost, "/api/tasks", "usr_1", other))

	rec := env.do(t, http.MethodPatch, "/api/tasks/"+second.ID, "usr_1",
		map[string]any{"name": "ping prod"})
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "taskNameExist", decodeBody[errorResponse](t, rec).Errors["task"])
}

func TestUpdateMissingTask(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodPatch, "/api/tasks/tsk_nope", "usr_1",
		map[string]any{"note": "x"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListTasksFiltersAndPages(t *testing.T) {
	env := newTestEnv(t)
	for i := 0; i < 5; i++ {
		body := validCreate()
		body["name"] = fmt.Sprintf("task-%d", i)
		if i%2 == 0 {
			body["method"] = "POST"
		}
		require.Equal(t, http.StatusCreated,
			env.do(t, http.MethodPost, "/api/tasks", "usr_1", body).Code)
	}

	rec := env.do(t, http.MethodGet, "/api/tasks?methods=post&sortBy=name&sortOrder=asc&page=1&limit=2", "usr_1", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Data  []taskDTO `json:"data"`
		Total int       `json:"total"`
		Page  int       `json:"page"`
		Limit int       `json:"limit"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, 3, resp.Total)
	require.Len(t, resp.Data, 2)
	assert.Equal(t, "task-0", resp.Data[0].Name)
	assert.Equal(t, "task-2", resp.Data[1].Name)
}

func TestGetTaskLogs(t *testing.T) {
	env := newTestEnv(t)
	created := decodeBody[taskDTO](t, env.do(t, http.MethodPost, "/api/tasks", "usr_1", validCreate()))

	for i := 0; i < 3; i++ {
		_, err := env.logs.InsertCapped(context.Background(), domain.TaskLog{
			TaskID:      created.ID,
			Endpoint:    "https://example.com/health",
			Method:      "GET",
			StatusCode:  200 + i,
			ScheduledAt: time.Now().UTC(),
			ExecutedAt:  time.Now().UTC(),
		}, 10)
		require.NoError(t, err)
	}

	rec := env.do(t, http.MethodGet, "/api/tasks/"+created.ID+"/logs?limit=2", "usr_1", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Data  []taskLogDTO `json:"data"`
		Total int          `json:"total"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, 3, resp.Total)
	require.Len(t, resp.Data, 2)
	// Newest first by default.
	assert.Equal(t, 202, resp.Data[0].StatusCode)

	rec = env.do(t, http.MethodGet, "/api/tasks/"+created.ID+"/logs", "usr_2", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetNextRuns(t *testing.T) {
	env := newTestEnv(t)
	created := decodeBody[taskDTO](t, env.do(t, http.MethodPost, "/api/tasks", "usr_1", validCreate()))

	rec := env.do(t, http.MethodGet, "/api/tasks/"+created.ID+"/next-runs?n=4", "usr_1", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Data []time.Time `json:"data"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.Len(t, resp.Data, 4)
	for i := 1; i < len(resp.Data); i++ {
		assert.True(t, resp.Data[i].After(resp.Data[i-1]))
	}
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}
