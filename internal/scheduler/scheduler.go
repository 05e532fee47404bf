package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"vaultwatch/internal/retry"
)

// StepFunc checks for new work once. advanced reports that a cycle was processed.
type StepFunc func(ctx context.Context) (advanced bool, err error)

// Options tune scheduler behaviour.
type Options struct {
	// PollInterval is the wait after a check that found nothing new.
	PollInterval time.Duration
	// CycleInterval is the wait after a processed cycle.
	CycleInterval time.Duration
	// AlignToCycle ends the post-cycle wait on a CycleInterval boundary instead of a full interval later.
	AlignToCycle bool
	StartupDelay time.Duration
	// Backoff shapes the waits after failed checks.
	Backoff retry.Config
}

// Scheduler drives a StepFunc strictly sequentially: the next wait starts only after the step returned.
type Scheduler struct {
	opts   Options
	logger zerolog.Logger
	now    func() time.Time
}

// New constructs a Scheduler instance.
func New(opts Options, logger zerolog.Logger) *Scheduler {
	if opts.PollInterval <= 0 || opts.CycleInterval <= 0 {
		panic("scheduler intervals must be positive")
	}
	return &Scheduler{
		opts:   opts,
		logger: logger.With().Str("component", "scheduler").Logger(),
		now:    time.Now,
	}
}

// Run blocks, invoking step until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context, step StepFunc) error {
	if s.opts.StartupDelay > 0 {
		if err := sleep(ctx, s.opts.StartupDelay); err != nil {
			return err
		}
	}

	backoff := retry.NewBackoff(s.opts.Backoff)
	for {
		advanced, err := step(ctx)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		var delay time.Duration
		switch {
		case err != nil:
			delay = backoff.Next()
			s.logger.Error().Err(err).
				Int("attempt", backoff.Attempts()).
				Dur("retry_in", delay).
				Msg("step failed; backing off")
		case advanced:
			backoff.Reset()
			delay = s.afterCycle(s.now().UTC())
			s.logger.Info().Dur("next_in", delay).Msg("cycle processed; sleeping until next cycle")
		default:
			backoff.Reset()
			delay = s.opts.PollInterval
			s.logger.Debug().Dur("next_in", delay).Msg("no new cycle yet")
		}

		if err := sleep(ctx, delay); err != nil {
			return err
		}
	}
}

func (s *Scheduler) afterCycle(now time.Time) time.Duration {
	if !s.opts.AlignToCycle {
		return s.opts.CycleInterval
	}
	next := now.Truncate(s.opts.CycleInterval)
	if !next.After(now) {
		next = next.Add(s.opts.CycleInterval)
	}
	return next.Sub(now)
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
