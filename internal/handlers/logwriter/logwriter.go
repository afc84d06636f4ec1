// Package logwriter consumes log-write jobs and persists one TaskLog per
// job while holding each task's history at the retention cap.
package logwriter

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog/log"

	"probeflow/internal/domain"
	"probeflow/internal/queue"
)

// DefaultMaxLogsPerTask bounds a task's log history unless configured
// otherwise.
const DefaultMaxLogsPerTask = 10

// Store persists log rows. InsertCapped must atomically evict the oldest
// rows above the cap and insert the new one, so concurrent writers cannot
// overshoot the window.
type Store interface {
	InsertCapped(ctx context.Context, l domain.TaskLog, maxPerTask int) (domain.TaskLog, error)
}

type Handler struct {
	store      Store
	maxPerTask int
}

func New(store Store, maxPerTask int) *Handler {
	if maxPerTask < 1 {
		maxPerTask = DefaultMaxLogsPerTask
	}
	return &Handler{store: store, maxPerTask: maxPerTask}
}

// Handle persists the job's log entry. A store failure is returned so the
// queue retries with backoff; once attempts are exhausted the entry is lost
// and only the worker pool's warning records that fact.
func (h *Handler) Handle(ctx context.Context, job queue.Job) error {
	var entry domain.LogWriteJob
	if err := json.Unmarshal(job.Payload, &entry); err != nil {
		return fmt.Errorf("decode log-write job: %w", err)
	}

	saved, err := h.store.InsertCapped(ctx, domain.TaskLog{
		TaskID:            entry.TaskID,
		Endpoint:          entry.Endpoint,
		Method:            entry.Method,
		StatusCode:        entry.StatusCode,
		Duration:          entry.Duration,
		ResponseSizeBytes: entry.ResponseSizeBytes,
		ScheduledAt:       entry.ScheduledAt,
		ExecutedAt:        entry.ExecutedAt,
	}, h.maxPerTask)
	if err != nil {
		return fmt.Errorf("save task log for %s: %w", entry.TaskID, err)
	}

	log.Debug().Str("task_id", entry.TaskID).Str("log_id", saved.ID).
		Int("status", entry.StatusCode).Msg("task log saved")
	return nil
}
