// Package scheduler keeps the durable queue's repeating jobs consistent
// with user-edited task definitions and fans due repeating jobs out to the
// execution queue.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"probeflow/internal/cronexpr"
	"probeflow/internal/domain"
	"probeflow/internal/queue"
)

// Broker is the slice of the job queue the reconciler needs.
type Broker interface {
	AddRepeating(ctx context.Context, r queue.RepeatingJob) error
	RemoveRepeating(ctx context.Context, id, pattern string) (bool, error)
}

// Reconciler maintains a 1:1 correspondence between each enabled task and
// one active repeating job, keyed by task id.
type Reconciler struct {
	broker Broker
}

func NewReconciler(b Broker) *Reconciler { return &Reconciler{broker: b} }

// OnTaskCreated registers a repeating job for a newly created task if it is
// enabled. A registration failure is returned to the caller so the mutation
// API can surface it as retryable.
func (r *Reconciler) OnTaskCreated(ctx context.Context, task domain.Task) error {
	if !task.IsEnable {
		return nil
	}
	return r.register(ctx, task)
}

// OnTaskUpdated reconciles queue state after a task edit. When no
// schedule-relevant field changed, the queue is left untouched. Otherwise
// the old schedule identities (current cron plus every historical cron) are
// removed best-effort, and a fresh registration is made if the new task is
// enabled. Deregistration failures never abort the update: a stale schedule
// that could not be removed must not prevent activating the new one.
func (r *Reconciler) OnTaskUpdated(ctx context.Context, oldTask, newTask domain.Task) error {
	if !scheduleChanged(oldTask, newTask) {
		return nil
	}
	if oldTask.IsEnable {
		r.deregister(ctx, oldTask)
	}
	if newTask.IsEnable {
		return r.register(ctx, newTask)
	}
	return nil
}

func (r *Reconciler) register(ctx context.Context, task domain.Task) error {
	next, err := cronexpr.Next(task.Cron, task.Timezone, time.Now())
	if err != nil {
		return fmt.Errorf("compute first fire time for task %s: %w", task.ID, err)
	}
	payload, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshal task snapshot for %s: %w", task.ID, err)
	}
	err = r.broker.AddRepeating(ctx, queue.RepeatingJob{
		ID:       task.ID,
		Pattern:  task.Cron,
		Timezone: task.Timezone,
		Queue:    queue.QueueExecute,
		Payload:  payload,
		NextRun:  next,
	})
	if err != nil {
		return fmt.Errorf("register schedule for task %s: %w", task.ID, err)
	}
	log.Info().Str("task_id", task.ID).Str("pattern", task.Cron).
		Time("next_run", next).Msg("schedule registered")
	return nil
}

// deregister removes every known schedule identity of the task. Each
// removal is attempted independently; "not found" counts as success and
// broker errors are logged warnings only.
func (r *Reconciler) deregister(ctx context.Context, task domain.Task) {
	for _, pattern := range schedulePatterns(task) {
		found, err := r.broker.RemoveRepeating(ctx, task.ID, pattern)
		if err != nil {
			log.Warn().Err(err).Str("task_id", task.ID).Str("pattern", pattern).
				Msg("schedule removal failed, a stale job may remain")
			continue
		}
		if found {
			log.Info().Str("task_id", task.ID).Str("pattern", pattern).Msg("schedule removed")
		}
	}
}

// schedulePatterns returns the set of schedule identities ever active for
// the task: its current cron plus every entry of its cron history,
// deduplicated.
func schedulePatterns(task domain.Task) []string {
	seen := map[string]struct{}{task.Cron: {}}
	patterns := []string{task.Cron}
	for _, p := range task.CronHistory {
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		patterns = append(patterns, p)
	}
	return patterns
}

// scheduleChanged reports whether any field affecting the registered
// schedule or its dispatched snapshot differs between the two versions.
func scheduleChanged(a, b domain.Task) bool {
	return a.IsEnable != b.IsEnable ||
		a.Endpoint != b.Endpoint ||
		a.Method != b.Method ||
		a.Cron != b.Cron ||
		a.Headers != b.Headers ||
		a.Body != b.Body ||
		a.Timezone != b.Timezone
}
