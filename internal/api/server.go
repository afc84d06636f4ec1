// Package api exposes the task and log HTTP surface. Authentication proper
// lives in front of this service; the owner identity arrives in the
// X-User-ID header.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/pprof"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"probeflow/internal/config"
	"probeflow/internal/cronexpr"
	"probeflow/internal/domain"
	"probeflow/internal/store"
)

// TaskScheduler reconciles queue state after task mutations.
type TaskScheduler interface {
	OnTaskCreated(ctx context.Context, task domain.Task) error
	OnTaskUpdated(ctx context.Context, oldTask, newTask domain.Task) error
}

type server struct {
	tasks *store.TaskStore
	logs  *store.LogStore
	sched TaskScheduler
	cfg   config.Config
	pol   cronexpr.Policy
}

// NewServer builds the router. The scheduler is injected so tests can
// observe queue reconciliation without a live broker.
func NewServer(tasks *store.TaskStore, logs *store.LogStore, sched TaskScheduler, cfg config.Config) http.Handler {
	return NewServerWithDebug(tasks, logs, sched, cfg, false)
}

func NewServerWithDebug(tasks *store.TaskStore, logs *store.LogStore, sched TaskScheduler, cfg config.Config, enableDebug bool) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)

	s := &server{
		tasks: tasks,
		logs:  logs,
		sched: sched,
		cfg:   cfg,
		pol: cronexpr.Policy{
			MinInterval: cfg.Cron.MinInterval.Std(),
			Samples:     cfg.Cron.Samples,
		},
	}

	r.Get("/health", s.health)
	r.Route("/api/tasks", func(r chi.Router) {
		r.Post("/", s.createTask)
		r.Get("/", s.listTasks)
		r.Get("/{id}", s.getTask)
		r.Patch("/{id}", s.updateTask)
		r.Get("/{id}/logs", s.getTaskLogs)
		r.Get("/{id}/next-runs", s.getNextRuns)
	})

	if enableDebug {
		r.HandleFunc("/debug/pprof/", pprof.Index)
		r.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		r.HandleFunc("/debug/pprof/profile", pprof.Profile)
		r.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		r.HandleFunc("/debug/pprof/trace", pprof.Trace)
		r.Handle("/debug/pprof/goroutine", pprof.Handler("goroutine"))
		r.Handle("/debug/pprof/heap", pprof.Handler("heap"))
	}

	return r
}

func (s *server) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// owner extracts the authenticated user id, or writes a 401.
func (s *server) owner(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := r.Header.Get("X-User-ID")
	if id == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized", "Missing X-User-ID header")
		return "", false
	}
	return id, true
}

type alertDTO struct {
	Failure int `json:"failure"`
}

type taskDTO struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Note        string    `json:"note"`
	Method      string    `json:"method"`
	Endpoint    string    `json:"endpoint"`
	Headers     string    `json:"headers,omitempty"`
	Body        string    `json:"body,omitempty"`
	Cron        string    `json:"cron"`
	CronHistory []string  `json:"cronHistory"`
	Timezone    string    `json:"timezone"`
	Alert       alertDTO  `json:"alert"`
	IsEnable    bool      `json:"isEnable"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

func toTaskDTO(t domain.Task) taskDTO {
	history := t.CronHistory
	if history == nil {
		history = []string{}
	}
	return taskDTO{
		ID: t.ID, Name: t.Name, Note: t.Note, Method: t.Method, Endpoint: t.Endpoint,
		Headers: t.Headers, Body: t.Body, Cron: t.Cron, CronHistory: history,
		Timezone: t.Timezone, Alert: alertDTO{Failure: t.Alert.Failure},
		IsEnable: t.IsEnable, CreatedAt: t.CreatedAt, UpdatedAt: t.UpdatedAt,
	}
}

var allowedMethods = map[string]bool{
	http.MethodGet: true, http.MethodHead: true, http.MethodPost: true,
	http.MethodPut: true, http.MethodPatch: true, http.MethodDelete: true,
	http.MethodOptions: true,
}

type createTaskReq struct {
	Name     string    `json:"name"`
	Note     string    `json:"note"`
	Method   string    `json:"method"`
	Endpoint string    `json:"endpoint"`
	Headers  string    `json:"headers"`
	Body     string    `json:"body"`
	Cron     string    `json:"cron"`
	Timezone string    `json:"timezone"`
	Alert    *alertDTO `json:"alert"`
	IsEnable bool      `json:"isEnable"`
}

func (s *server) createTask(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := s.owner(w, r)
	if !ok {
		return
	}
	var req createTaskReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "badRequest", err.Error())
		return
	}
	req.Method = strings.ToUpper(strings.TrimSpace(req.Method))
	if req.Name == "" || req.Endpoint == "" || req.Cron == "" {
		writeError(w, http.StatusBadRequest, "badRequest", "name, endpoint and cron are required")
		return
	}
	if !allowedMethods[req.Method] {
		writeError(w, http.StatusBadRequest, "invalidMethod", "Unsupported HTTP method")
		return
	}
	if !validHeaders(req.Headers) {
		writeError(w, http.StatusUnprocessableEntity, "invalidHeaders", "Headers must be a JSON object of strings")
		return
	}

	timezone := req.Timezone
	if timezone == "" {
		timezone = s.cfg.DefaultTimezone
	}
	if err := cronexpr.ValidateFrequency(req.Cron, timezone, s.pol); err != nil {
		writeCronError(w, err)
		return
	}

	if _, err := s.tasks.FindByName(r.Context(), ownerID, req.Name); err == nil {
		writeError(w, http.StatusUnprocessableEntity, "taskNameExist", "Task name already exists")
		return
	} else if !errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusInternalServerError, "taskErr", err.Error())
		return
	}

	task := domain.Task{
		OwnerID:     ownerID,
		Name:        req.Name,
		Note:        req.Note,
		Method:      req.Method,
		Endpoint:    req.Endpoint,
		Headers:     req.Headers,
		Body:        req.Body,
		Cron:        req.Cron,
		CronHistory: []string{},
		Timezone:    timezone,
		IsEnable:    req.IsEnable,
	}
	if req.Alert != nil {
		task.Alert.Failure = req.Alert.Failure
	}

	created, err := s.tasks.Create(r.Context(), task)
	if err != nil {
		if errors.Is(err, store.ErrDuplicateName) {
			writeError(w, http.StatusUnprocessableEntity, "taskNameExist", "Task name already exists")
			return
		}
		writeError(w, http.StatusInternalServerError, "taskErr", err.Error())
		return
	}

	if created.IsEnable {
		if err := s.sched.OnTaskCreated(r.Context(), created); err != nil {
			// The task is persisted but unscheduled; the client should retry
			// the mutation once the broker is back.
			writeError(w, http.StatusServiceUnavailable, "schedulerUnavailable", err.Error())
			return
		}
	}
	writeJSON(w, http.StatusCreated, toTaskDTO(created))
}

type updateTaskReq struct {
	Name     *string   `json:"name"`
	Note     *string   `json:"note"`
	Method   *string   `json:"method"`
	Endpoint *string   `json:"endpoint"`
	Headers  *string   `json:"headers"`
	Body     *string   `json:"body"`
	Cron     *string   `json:"cron"`
	Timezone *string   `json:"timezone"`
	Alert    *alertDTO `json:"alert"`
	IsEnable *bool     `json:"isEnable"`
}

func (s *server) updateTask(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := s.owner(w, r)
	if !ok {
		return
	}
	oldTask, err := s.tasks.GetForOwner(r.Context(), chi.URLParam(r, "id"), ownerID)
	if err != nil {
		writeError(w, http.StatusNotFound, "taskNotFound", "Task not found")
		return
	}

	var req updateTaskReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "badRequest", err.Error())
		return
	}

	newTask := oldTask
	if req.Name != nil {
		newTask.Name = *req.Name
	}
	if req.Note != nil {
		newTask.Note = *req.Note
	}
	if req.Method != nil {
		newTask.Method = strings.ToUpper(strings.TrimSpace(*req.Method))
		if !allowedMethods[newTask.Method] {
			writeError(w, http.StatusBadRequest, "invalidMethod", "Unsupported HTTP method")
			return
		}
	}
	if req.Endpoint != nil {
		newTask.Endpoint = *req.Endpoint
	}
	if req.Headers != nil {
		if !validHeaders(*req.Headers) {
			writeError(w, http.StatusUnprocessableEntity, "invalidHeaders", "Headers must be a JSON object of strings")
			return
		}
		newTask.Headers = *req.Headers
	}
	if req.Body != nil {
		newTask.Body = *req.Body
	}
	if req.Timezone != nil {
		newTask.Timezone = *req.Timezone
	}
	if req.Alert != nil {
		newTask.Alert.Failure = req.Alert.Failure
	}
	if req.IsEnable != nil {
		newTask.IsEnable = *req.IsEnable
	}

	if newTask.Name != oldTask.Name {
		if existing, err := s.tasks.FindByName(r.Context(), ownerID, newTask.Name); err == nil && existing.ID != oldTask.ID {
			writeError(w, http.StatusUnprocessableEntity, "taskNameExist", "Task name already exists")
			return
		} else if err != nil && !errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusInternalServerError, "taskErr", err.Error())
			return
		}
	}

	if req.Cron != nil {
		newTask.Cron = *req.Cron
		if err := cronexpr.ValidateFrequency(newTask.Cron, newTask.Timezone, s.pol); err != nil {
			writeCronError(w, err)
			return
		}
		// Remember the replaced expression so stale repeating jobs from
		// earlier edits can always be found and removed. The history never
		// contains the currently active expression.
		if oldTask.Cron != newTask.Cron {
			newTask.CronHistory = rotateHistory(oldTask.CronHistory, oldTask.Cron, newTask.Cron)
		}
	}

	updated, err := s.tasks.Update(r.Context(), newTask)
	if err != nil {
		if errors.Is(err, store.ErrDuplicateName) {
			writeError(w, http.StatusUnprocessableEntity, "taskNameExist", "Task name already exists")
			return
		}
		writeError(w, http.StatusInternalServerError, "taskErr", err.Error())
		return
	}

	if err := s.sched.OnTaskUpdated(r.Context(), oldTask, updated); err != nil {
		writeError(w, http.StatusServiceUnavailable, "schedulerUnavailable", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, toTaskDTO(updated))
}

func (s *server) getTask(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := s.owner(w, r)
	if !ok {
		return
	}
	task, err := s.tasks.GetForOwner(r.Context(), chi.URLParam(r, "id"), ownerID)
	if err != nil {
		writeError(w, http.StatusNotFound, "taskNotFound", "Task not found")
		return
	}
	writeJSON(w, http.StatusOK, toTaskDTO(task))
}

type pagedResponse struct {
	Data  any `json:"data"`
	Total int `json:"total"`
	Page  int `json:"page"`
	Limit int `json:"limit"`
}

func (s *server) listTasks(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := s.owner(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	page, _ := strconv.Atoi(q.Get("page"))
	limit, _ := strconv.Atoi(q.Get("limit"))

	var methods []string
	if raw := q.Get("methods"); raw != "" {
		for _, m := range strings.Split(raw, ",") {
			if m = strings.ToUpper(strings.TrimSpace(m)); m != "" {
				methods = append(methods, m)
			}
		}
	}

	tasks, total, err := s.tasks.List(r.Context(), ownerID, store.TaskQuery{
		Search:    q.Get("search"),
		Methods:   methods,
		SortBy:    q.Get("sortBy"),
		SortOrder: q.Get("sortOrder"),
		Page:      page,
		Limit:     limit,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "taskErr", err.Error())
		return
	}

	dtos := make([]taskDTO, 0, len(tasks))
	for _, t := range tasks {
		dtos = append(dtos, toTaskDTO(t))
	}
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = len(dtos)
	}
	writeJSON(w, http.StatusOK, pagedResponse{Data: dtos, Total: total, Page: page, Limit: limit})
}

type taskLogDTO struct {
	ID                string    `json:"id"`
	TaskID            string    `json:"taskId"`
	Endpoint          string    `json:"endpoint"`
	Method            string    `json:"method"`
	StatusCode        int       `json:"statusCode"`
	Duration          int64     `json:"duration"`
	ResponseSizeBytes int64     `json:"responseSizeBytes"`
	ScheduledAt       time.Time `json:"scheduledAt"`
	ExecutedAt        time.Time `json:"executedAt"`
	CreatedAt         time.Time `json:"createdAt"`
}

func (s *server) getTaskLogs(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := s.owner(w, r)
	if !ok {
		return
	}
	task, err := s.tasks.GetForOwner(r.Context(), chi.URLParam(r, "id"), ownerID)
	if err != nil {
		writeError(w, http.StatusNotFound, "taskNotFound", "Task not found")
		return
	}

	q := r.URL.Query()
	page, _ := strconv.Atoi(q.Get("page"))
	limit, _ := strconv.Atoi(q.Get("limit"))
	logs, total, err := s.logs.Find(r.Context(), task.ID, store.LogQuery{
		SortBy:    q.Get("sortBy"),
		SortOrder: q.Get("sortOrder"),
		Page:      page,
		Limit:     limit,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "taskErr", err.Error())
		return
	}

	dtos := make([]taskLogDTO, 0, len(logs))
	for _, l := range logs {
		dtos = append(dtos, taskLogDTO{
			ID: l.ID, TaskID: l.TaskID, Endpoint: l.Endpoint, Method: l.Method,
			StatusCode: l.StatusCode, Duration: l.Duration,
			ResponseSizeBytes: l.ResponseSizeBytes,
			ScheduledAt:       l.ScheduledAt, ExecutedAt: l.ExecutedAt, CreatedAt: l.CreatedAt,
		})
	}
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = len(dtos)
	}
	writeJSON(w, http.StatusOK, pagedResponse{Data: dtos, Total: total, Page: page, Limit: limit})
}

func (s *server) getNextRuns(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := s.owner(w, r)
	if !ok {
		return
	}
	task, err := s.tasks.GetForOwner(r.Context(), chi.URLParam(r, "id"), ownerID)
	if err != nil {
		writeError(w, http.StatusNotFound, "taskNotFound", "Task not found")
		return
	}
	n, _ := strconv.Atoi(r.URL.Query().Get("n"))
	if n < 1 {
		n = 3
	}
	if n > 10 {
		n = 10
	}
	times, err := cronexpr.NextRunTimes(task.Cron, task.Timezone, n)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "invalidCron", "Invalid cron expression")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": times})
}

// validHeaders accepts an empty string or a JSON object with string values.
func validHeaders(raw string) bool {
	if raw == "" {
		return true
	}
	var h map[string]string
	return json.Unmarshal([]byte(raw), &h) == nil
}

// rotateHistory appends the retired expression and drops the newly active
// one, keeping entries unique.
func rotateHistory(history []string, retired, active string) []string {
	out := make([]string, 0, len(history)+1)
	seen := map[string]struct{}{active: {}}
	for _, h := range append(append([]string{}, history...), retired) {
		if _, ok := seen[h]; ok {
			continue
		}
		seen[h] = struct{}{}
		out = append(out, h)
	}
	return out
}

func writeCronError(w http.ResponseWriter, err error) {
	var fe *cronexpr.FrequencyError
	if errors.As(err, &fe) {
		writeError(w, http.StatusUnprocessableEntity, "taskTooFrequent", fe.Error())
		return
	}
	writeError(w, http.StatusUnprocessableEntity, "invalidCron", "Invalid cron expression")
}

type errorResponse struct {
	Errors  map[string]string `json:"errors"`
	Message string            `json:"message"`
}

func writeError(w http.ResponseWriter, code int, errCode, message string) {
	writeJSON(w, code, errorResponse{
		Errors:  map[string]string{"task": errCode},
		Message: message,
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
