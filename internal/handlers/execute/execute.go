// Package execute consumes dispatched execution jobs: it performs the HTTP
// probe described by the job's task snapshot and always emits exactly one
// log-write job, whatever the probe's outcome.
package execute

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"probeflow/internal/domain"
	"probeflow/internal/probe"
	"probeflow/internal/queue"
)

// Log-write retry policy: 5 attempts, exponential backoff from 5s.
const (
	logWriteMaxAttempts = 5
	logWriteBackoff     = 5 * time.Second
)

// Prober performs the outbound HTTP call.
type Prober interface {
	Do(ctx context.Context, method, url string, headers map[string]string, body string) (probe.Result, error)
}

// Enqueuer is the slice of the job queue this handler needs.
type Enqueuer interface {
	Enqueue(ctx context.Context, q string, payload []byte, opts queue.EnqueueOptions) (string, error)
}

type Handler struct {
	client Prober
	broker Enqueuer
}

func New(client Prober, broker Enqueuer) *Handler {
	return &Handler{client: client, broker: broker}
}

// Handle never reports probe failures as errors: every HTTP-level outcome,
// including no response at all, becomes a log payload with the sentinel
// status code standing in for total failure. The only error path is failing
// to enqueue the log-write job, which requeues this job so the log record
// is not silently lost.
func (h *Handler) Handle(ctx context.Context, job queue.Job) error {
	var ej domain.ExecutionJob
	if err := json.Unmarshal(job.Payload, &ej); err != nil {
		return fmt.Errorf("decode execution job: %w", err)
	}
	task := ej.Task

	executedAt := time.Now()
	scheduledAt := ej.DueAt
	if scheduledAt.IsZero() {
		scheduledAt = executedAt
	}

	entry := domain.LogWriteJob{
		TaskID:      task.ID,
		Endpoint:    task.Endpoint,
		Method:      task.Method,
		StatusCode:  domain.FailureStatusCode,
		ScheduledAt: scheduledAt,
		ExecutedAt:  executedAt,
	}

	headers, err := task.ParsedHeaders()
	if err != nil {
		// Malformed stored headers count as an execution failure, not a
		// handler error: the sentinel log entry is still written.
		log.Error().Err(err).Str("task_id", task.ID).Msg("unparsable task headers")
	} else {
		res, perr := h.client.Do(ctx, task.Method, task.Endpoint, headers, task.Body)
		if perr != nil {
			log.Error().Err(perr).Str("task_id", task.ID).Str("endpoint", task.Endpoint).
				Msg("probe failed")
		} else {
			entry.StatusCode = res.StatusCode
			entry.Duration = res.Duration.Milliseconds()
			entry.ResponseSizeBytes = res.ResponseSizeBytes
			log.Debug().Str("task", task.Name).Int("status", res.StatusCode).
				Int64("duration_ms", entry.Duration).
				Int64("bytes", entry.ResponseSizeBytes).Msg("probe completed")
		}
	}

	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal log entry: %w", err)
	}
	if _, err := h.broker.Enqueue(ctx, queue.QueueWriteLog, payload, queue.EnqueueOptions{
		MaxAttempts: logWriteMaxAttempts,
		Backoff:     logWriteBackoff,
	}); err != nil {
		return fmt.Errorf("enqueue log write for task %s: %w", task.ID, err)
	}

	if entry.StatusCode >= 400 && task.Alert.Failure > 0 {
		h.enqueueNotify(ctx, task, entry.StatusCode)
	}
	return nil
}

// enqueueNotify is best-effort: a failed notification must not requeue the
// execution job, which would re-run the probe.
func (h *Handler) enqueueNotify(ctx context.Context, task domain.Task, statusCode int) {
	payload, err := json.Marshal(domain.NotifyJob{
		TaskID:     task.ID,
		OwnerID:    task.OwnerID,
		TaskName:   task.Name,
		Endpoint:   task.Endpoint,
		Method:     task.Method,
		StatusCode: statusCode,
		Threshold:  task.Alert.Failure,
	})
	if err != nil {
		log.Error().Err(err).Str("task_id", task.ID).Msg("marshal notify job")
		return
	}
	if _, err := h.broker.Enqueue(ctx, queue.QueueNotify, payload, queue.EnqueueOptions{}); err != nil {
		log.Warn().Err(err).Str("task_id", task.ID).Msg("enqueue notification failed")
	}
}
