// Package worker runs a pool of goroutines consuming one queue of the
// durable broker. Each queue (execute, write_log, notify) gets its own pool
// with independently configurable concurrency.
package worker

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"probeflow/internal/queue"
)

// Handler processes one leased job. A returned error requeues the job with
// exponential backoff until its attempts are exhausted.
type Handler interface {
	Handle(ctx context.Context, job queue.Job) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, job queue.Job) error

func (f HandlerFunc) Handle(ctx context.Context, job queue.Job) error { return f(ctx, job) }

// Repo is the slice of the job queue a pool needs.
type Repo interface {
	LeaseNext(ctx context.Context, queueName string, now time.Time) (queue.Job, error)
	Succeed(ctx context.Context, id string) error
	Retry(ctx context.Context, id, errStr string, delay time.Duration) error
}

type Pool struct {
	repo      Repo
	queue     string
	handler   Handler
	sem       chan struct{}
	stop      chan struct{}
	pollEvery time.Duration
}

func NewPool(repo Repo, queueName string, h Handler, size int, pollEvery time.Duration) *Pool {
	if size < 1 {
		size = 1
	}
	return &Pool{
		repo:      repo,
		queue:     queueName,
		handler:   h,
		sem:       make(chan struct{}, size),
		stop:      make(chan struct{}),
		pollEvery: pollEvery,
	}
}

func (p *Pool) Run(ctx context.Context) {
	t := time.NewTicker(p.pollEvery)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stop:
			return
		case now := <-t.C:
			p.drain(ctx, now)
		}
	}
}

func (p *Pool) Stop() {
	close(p.stop)
}

// drain leases ready jobs until the queue is empty or every worker slot is
// busy.
func (p *Pool) drain(ctx context.Context, now time.Time) {
	for {
		job, err := p.repo.LeaseNext(ctx, p.queue, now)
		if err != nil {
			if err != queue.ErrEmpty {
				log.Error().Err(err).Str("queue", p.queue).Msg("lease failed")
			}
			return
		}
		select {
		case p.sem <- struct{}{}:
		case <-ctx.Done():
			return
		}
		go func(j queue.Job) {
			defer func() { <-p.sem }()
			p.handle(ctx, j)
		}(job)
	}
}

func (p *Pool) handle(ctx context.Context, j queue.Job) {
	c, cancel := context.WithTimeout(ctx, time.Duration(j.VisibilityTimeout)*time.Second)
	defer cancel()

	if err := p.handler.Handle(c, j); err != nil {
		if j.Attempts+1 >= j.MaxAttempts {
			log.Warn().Err(err).Str("queue", p.queue).Str("job_id", j.ID).
				Int("attempts", j.Attempts+1).Msg("job dropped after final attempt")
		}
		if rerr := p.repo.Retry(ctx, j.ID, err.Error(), backoffExp(j.Backoff, j.Attempts)); rerr != nil {
			log.Error().Err(rerr).Str("job_id", j.ID).Msg("retry bookkeeping failed")
		}
		return
	}
	if err := p.repo.Succeed(ctx, j.ID); err != nil {
		log.Error().Err(err).Str("job_id", j.ID).Msg("completion bookkeeping failed")
	}
}

// backoffExp doubles the base delay per completed attempt: base, 2x, 4x...
// capped at 5 minutes.
func backoffExp(base time.Duration, attempts int) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	d := base << uint(attempts)
	if d > 5*time.Minute || d < base {
		d = 5 * time.Minute
	}
	return d
}
