package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/eldtechnologies/chatrelay/internal/metrics"
	"github.com/eldtechnologies/chatrelay/internal/queue"
)

// Config tunes a Pool. Zero values fall back to defaults.
type Config struct {
	Concurrency  int
	PollInterval time.Duration // idle wait when the queue is empty
	JobTimeout   time.Duration // upper bound on one Process call
}

func (c Config) withDefaults() Config {
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 250 * time.Millisecond
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = 10 * time.Second
	}
	return c
}

// Pool runs processors against a queue.
type Pool struct {
	queue  queue.Queue
	proc   *Processor
	cfg    Config
	logger zerolog.Logger
}

// NewPool creates a pool. Call Start to begin consuming.
func NewPool(q queue.Queue, proc *Processor, cfg Config, logger zerolog.Logger) *Pool {
	return &Pool{
		queue:  q,
		proc:   proc,
		cfg:    cfg.withDefaults(),
		logger: logger.With().Str("component", "worker").Logger(),
	}
}

// Start launches the workers and returns a stop function. Stop lets each
// worker finish its current job, then waits for them until ctx is done.
func (p *Pool) Start(ctx context.Context) func(context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup

	for i := 0; i < p.cfg.Concurrency; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			p.loop(runCtx, p.logger.With().Int("worker", n).Logger())
		}(i)
	}

	p.logger.Info().
		Int("concurrency", p.cfg.Concurrency).
		Dur("poll_interval", p.cfg.PollInterval).
		Msg("worker pool started")

	return func(stopCtx context.Context) error {
		cancel()
		done := make(chan struct{})
		go func() {
			wg.Wait()
			close(done)
		}()
		select {
		case <-done:
			p.logger.Info().Msg("worker pool stopped")
			return nil
		case <-stopCtx.Done():
			return stopCtx.Err()
		}
	}
}

func (p *Pool) loop(ctx context.Context, logger zerolog.Logger) {
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		worked, err := p.RunOnce(ctx)
		if err != nil && ctx.Err() == nil {
			logger.Error().Err(err).Msg("worker iteration failed")
		}

		// Drain the queue back to back; back off only when idle or failing.
		if worked && err == nil {
			timer.Reset(0)
		} else {
			timer.Reset(p.cfg.PollInterval)
		}
	}
}

// RunOnce reserves at most one job, processes it and reports the outcome to
// the queue. It returns false when no job was ready.
func (p *Pool) RunOnce(ctx context.Context) (bool, error) {
	job, err := p.queue.Reserve(ctx)
	if errors.Is(err, queue.ErrEmpty) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	start := time.Now()
	jobCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.JobTimeout)
	outcome, cause := p.proc.Process(jobCtx, job)
	cancel()
	metrics.JobDuration.Observe(time.Since(start).Seconds())

	// Settling must not be cut short by shutdown, or the job would only come
	// back after its lease expires.
	settleCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	return true, p.settle(settleCtx, job, outcome, cause)
}

func (p *Pool) settle(ctx context.Context, job *queue.Job, outcome Outcome, cause error) error {
	log := p.logger.With().
		Str("job_id", job.ID).
		Int("attempt", job.Attempts).
		Int("max_attempts", job.Policy.MaxAttempts).
		Logger()

	var err error
	switch outcome {
	case Completed:
		err = p.queue.Complete(ctx, job)

	case RetryableFailure:
		var res queue.FailResult
		res, err = p.queue.Fail(ctx, job, cause)
		if err == nil {
			if res.DeadLettered {
				log.Error().Err(cause).Msg("attempts exhausted, job dead-lettered")
			} else {
				log.Warn().Err(cause).Dur("retry_in", res.Delay).Msg("job failed, retry scheduled")
			}
		}

	case TerminalFailure:
		err = p.queue.Bury(ctx, job, cause)
		if err == nil {
			log.Error().Err(cause).Msg("terminal failure, job dead-lettered")
		}
	}

	if errors.Is(err, queue.ErrLeaseLost) {
		// Another worker owns the redelivered copy; its outcome wins.
		log.Warn().Str("outcome", outcome.String()).Msg("lease lost before settling job")
		return nil
	}
	return err
}
