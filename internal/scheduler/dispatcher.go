package scheduler

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog/log"

	"probeflow/internal/cronexpr"
	"probeflow/internal/domain"
	"probeflow/internal/queue"
)

// Execution jobs only retry when enqueueing their log-write job failed; the
// probe itself never errors the job.
const (
	executeMaxAttempts = 3
	executeBackoff     = 5 * time.Second
)

// DispatchBroker is the slice of the job queue the dispatcher needs.
type DispatchBroker interface {
	DueRepeating(ctx context.Context, now time.Time) ([]queue.RepeatingJob, error)
	AdvanceRepeating(ctx context.Context, id, pattern string, lastRun, nextRun time.Time) error
	Enqueue(ctx context.Context, q string, payload []byte, opts queue.EnqueueOptions) (string, error)
}

// Dispatcher polls the repeating-job table and enqueues one execution job
// per due fire time, then advances the schedule to its next fire time.
type Dispatcher struct {
	broker   DispatchBroker
	interval time.Duration
	stop     chan struct{}
}

func NewDispatcher(b DispatchBroker, checkInterval time.Duration) *Dispatcher {
	return &Dispatcher{
		broker:   b,
		interval: checkInterval,
		stop:     make(chan struct{}),
	}
}

func (d *Dispatcher) Start(ctx context.Context) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	log.Info().Dur("interval", d.interval).Msg("dispatcher started")

	for {
		select {
		case <-ctx.Done():
			return
		case <-d.stop:
			return
		case now := <-ticker.C:
			d.processDue(ctx, now)
		}
	}
}

func (d *Dispatcher) Stop() {
	close(d.stop)
}

func (d *Dispatcher) processDue(ctx context.Context, now time.Time) {
	due, err := d.broker.DueRepeating(ctx, now)
	if err != nil {
		log.Error().Err(err).Msg("failed to list due repeating jobs")
		return
	}
	for _, rj := range due {
		if err := d.dispatch(ctx, rj, now); err != nil {
			log.Error().Err(err).Str("task_id", rj.ID).Str("pattern", rj.Pattern).
				Msg("failed to dispatch repeating job")
		}
	}
}

// dispatch enqueues one execution job carrying the stored task snapshot and
// the fire time it was due at, then advances next_run. When enqueueing
// fails the schedule is left due so the next tick retries it.
func (d *Dispatcher) dispatch(ctx context.Context, rj queue.RepeatingJob, now time.Time) error {
	next, err := cronexpr.Next(rj.Pattern, rj.Timezone, now)
	if err != nil {
		// The pattern was validated at registration, so this row is corrupt.
		// Push it an hour out instead of re-dispatching it every tick.
		log.Error().Err(err).Str("task_id", rj.ID).Str("pattern", rj.Pattern).
			Msg("unparsable repeating job pattern, quarantining")
		return d.broker.AdvanceRepeating(ctx, rj.ID, rj.Pattern, now, now.Add(time.Hour))
	}

	var task domain.Task
	if err := json.Unmarshal(rj.Payload, &task); err != nil {
		log.Error().Err(err).Str("task_id", rj.ID).Str("pattern", rj.Pattern).
			Msg("undecodable task snapshot, quarantining")
		return d.broker.AdvanceRepeating(ctx, rj.ID, rj.Pattern, now, now.Add(time.Hour))
	}

	dueAt := rj.NextRun
	if dueAt.IsZero() {
		dueAt = now
	}
	payload, err := json.Marshal(domain.ExecutionJob{Task: task, DueAt: dueAt})
	if err != nil {
		return err
	}
	jobID, err := d.broker.Enqueue(ctx, rj.Queue, payload, queue.EnqueueOptions{
		MaxAttempts: executeMaxAttempts,
		Backoff:     executeBackoff,
	})
	if err != nil {
		return err
	}

	if err := d.broker.AdvanceRepeating(ctx, rj.ID, rj.Pattern, now, next); err != nil {
		return err
	}

	log.Debug().
		Str("task_id", rj.ID).
		Str("job_id", jobID).
		Time("due_at", dueAt).
		Time("next_run", next).
		Msg("execution job dispatched")
	return nil
}
