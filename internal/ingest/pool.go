package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/tbourn/go-pdf-chat/internal/domain"
	"github.com/tbourn/go-pdf-chat/internal/queue"
	"github.com/tbourn/go-pdf-chat/internal/repo"
)

// Handler processes one decoded job. *Processor satisfies it.
type Handler interface {
	Process(ctx context.Context, job queue.Job, attempt int, final bool) (Result, error)
}

// Pool runs Concurrency reservers against a queue.
type Pool struct {
	Queue       queue.Queue
	Handler     Handler
	Concurrency int
	MaxAttempts int
	RetryBase   time.Duration
	MaxBackoff  time.Duration // 0 means uncapped

	// OnInvalid is called for payloads that carry a file id but are
	// otherwise unusable, so the file can be failed instead of left
	// PROCESSING. Optional.
	OnInvalid func(ctx context.Context, job queue.Job, cause error)

	// ReapEvery is how often a queue.Recoverer is asked to requeue work
	// left by dead consumers. 0 means 30s.
	ReapEvery time.Duration
}

// Run blocks until ctx is cancelled. In-flight jobs finish with a context
// detached from ctx so a shutdown never strands a half-written status.
func (p *Pool) Run(ctx context.Context) error {
	n := p.Concurrency
	if n < 1 {
		n = 1
	}
	eg, ctx := errgroup.WithContext(ctx)
	for i := 0; i < n; i++ {
		worker := i
		eg.Go(func() error { return p.loop(ctx, worker) })
	}
	if r, ok := p.Queue.(queue.Recoverer); ok {
		eg.Go(func() error { return p.reap(ctx, r) })
	}
	err := eg.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (p *Pool) loop(ctx context.Context, worker int) error {
	lg := log.With().Int("worker", worker).Logger()
	for {
		d, err := p.Queue.Reserve(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			lg.Error().Err(err).Msg("ingest: reserve failed")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
			continue
		}
		p.Handle(context.WithoutCancel(ctx), d)
	}
}

// reap recovers stranded reservations on start and then every ReapEvery.
func (p *Pool) reap(ctx context.Context, r queue.Recoverer) error {
	every := p.ReapEvery
	if every <= 0 {
		every = 30 * time.Second
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		n, err := r.Recover(ctx)
		switch {
		case err != nil && ctx.Err() == nil:
			log.Warn().Err(err).Msg("ingest: recover stranded jobs failed")
		case n > 0:
			log.Info().Int("jobs", n).Msg("ingest: requeued stranded jobs")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
}

// Handle runs one delivery to completion and settles it on the queue.
func (p *Pool) Handle(ctx context.Context, d *queue.Delivery) {
	inflight.Inc()
	start := time.Now()
	defer func() {
		inflight.Dec()
		jobDuration.Observe(time.Since(start).Seconds())
	}()

	job, err := d.Job()
	if err != nil {
		jobsTotal.WithLabelValues(outcomeInvalid).Inc()
		log.Error().Err(err).Str("payload", d.Raw).Msg("ingest: dropping invalid job")
		if job.FileID != "" && p.OnInvalid != nil {
			p.OnInvalid(ctx, job, err)
		}
		p.settle(d, func() error { return p.Queue.Fail(ctx, d, err) })
		return
	}

	maxAttempts := p.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	final := d.Attempt >= maxAttempts

	res, err := p.Handler.Process(ctx, job, d.Attempt, final)
	switch {
	case err == nil:
		if res.Skipped {
			jobsTotal.WithLabelValues(outcomeSkipped).Inc()
		} else {
			jobsTotal.WithLabelValues(outcomeDone).Inc()
		}
		p.settle(d, func() error { return p.Queue.Ack(ctx, d) })
	case IsFatal(err) || final:
		jobsTotal.WithLabelValues(outcomeFailed).Inc()
		p.settle(d, func() error { return p.Queue.Fail(ctx, d, err) })
	default:
		jobsTotal.WithLabelValues(outcomeRetry).Inc()
		delay := p.backoff(d.Attempt)
		log.Info().Str("file_id", job.FileID).Int("attempt", d.Attempt).Dur("delay", delay).Msg("ingest: retry scheduled")
		p.settle(d, func() error { return p.Queue.Retry(ctx, d, delay) })
	}
}

func (p *Pool) settle(d *queue.Delivery, op func() error) {
	if err := op(); err != nil {
		log.Error().Err(err).Int("attempt", d.Attempt).Msg("ingest: queue settle failed")
	}
}

// backoff is RetryBase * 2^(attempt-1), capped by MaxBackoff.
func (p *Pool) backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := p.RetryBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if p.MaxBackoff > 0 && d >= p.MaxBackoff {
			return p.MaxBackoff
		}
	}
	if p.MaxBackoff > 0 && d > p.MaxBackoff {
		return p.MaxBackoff
	}
	return d
}

// FailInvalid returns an OnInvalid callback that marks the file ERROR.
func FailInvalid(proc *Processor) func(context.Context, queue.Job, error) {
	return func(ctx context.Context, job queue.Job, cause error) {
		if _, err := repo.TransitionFile(ctx, proc.DB, job.FileID, domain.FileError, fmt.Sprintf("invalid job: %v", cause)); err != nil {
			log.Warn().Err(err).Str("file_id", job.FileID).Msg("ingest: could not fail file for invalid job")
		}
	}
}
