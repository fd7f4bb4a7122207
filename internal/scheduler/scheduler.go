// Package scheduler runs the periodic risk jobs on cron schedules.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Jobs is the work the scheduler drives.
type Jobs interface {
	ObserveWallets(ctx context.Context) (int, error)
	RescoreWallets(ctx context.Context) (int, error)
	Sweep() int
}

// DailyResetter applies the breaker's daily loss reset.
type DailyResetter interface {
	ResetDailyIfDue() (bool, error)
}

// Specs are six-field cron expressions (with seconds).
type Specs struct {
	Observe           string
	Sweep             string
	Rescore           string
	DailyResetHourUTC int
}

// Scheduler manages all cron tasks.
type Scheduler struct {
	cron    *cron.Cron
	jobs    Jobs
	breaker DailyResetter
	logger  zerolog.Logger
	ctx     context.Context
	timeout time.Duration
}

// New creates a scheduler evaluating specs in UTC.
func New(ctx context.Context, jobs Jobs, breaker DailyResetter, logger zerolog.Logger) *Scheduler {
	logger = logger.With().Str("component", "scheduler").Logger()
	return &Scheduler{
		cron: cron.New(
			cron.WithSeconds(),
			cron.WithLocation(time.UTC),
			cron.WithChain(cron.SkipIfStillRunning(cronLogger{logger})),
		),
		jobs:    jobs,
		breaker: breaker,
		logger:  logger,
		ctx:     ctx,
		timeout: 2 * time.Minute,
	}
}

// RegisterAll registers the observe, rescore, sweep and daily reset tasks.
func (s *Scheduler) RegisterAll(specs Specs) error {
	if _, err := s.cron.AddFunc(specs.Observe, s.observeTask); err != nil {
		return fmt.Errorf("register observe task: %w", err)
	}
	if _, err := s.cron.AddFunc(specs.Rescore, s.rescoreTask); err != nil {
		return fmt.Errorf("register rescore task: %w", err)
	}
	if _, err := s.cron.AddFunc(specs.Sweep, s.sweepTask); err != nil {
		return fmt.Errorf("register sweep task: %w", err)
	}
	if s.breaker != nil {
		spec := fmt.Sprintf("0 0 %d * * *", specs.DailyResetHourUTC)
		if _, err := s.cron.AddFunc(spec, s.dailyResetTask); err != nil {
			return fmt.Errorf("register daily reset: %w", err)
		}
	}
	return nil
}

// Start starts the cron scheduler.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info().Int("jobs", len(s.cron.Entries())).Msg("Scheduler started")
}

// Stop stops the scheduler and waits for running tasks.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.logger.Info().Msg("Scheduler stopped")
}

func (s *Scheduler) taskContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(s.ctx, s.timeout)
}

func (s *Scheduler) observeTask() {
	ctx, cancel := s.taskContext()
	defer cancel()
	start := time.Now()
	changes, err := s.jobs.ObserveWallets(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("Behavior observation failed")
		return
	}
	s.logger.Info().Int("changes", changes).Dur("took", time.Since(start)).Msg("Behavior observation complete")
}

func (s *Scheduler) rescoreTask() {
	ctx, cancel := s.taskContext()
	defer cancel()
	removed, err := s.jobs.RescoreWallets(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("Rescore failed")
		return
	}
	s.logger.Info().Int("removed", removed).Msg("Rescore complete")
}

func (s *Scheduler) sweepTask() {
	if n := s.jobs.Sweep(); n > 0 {
		s.logger.Debug().Int("evicted", n).Msg("Cache sweep complete")
	}
}

func (s *Scheduler) dailyResetTask() {
	reset, err := s.breaker.ResetDailyIfDue()
	if err != nil {
		s.logger.Error().Err(err).Msg("Daily reset not persisted")
		return
	}
	if reset {
		s.logger.Info().Msg("Daily loss accounting reset")
	}
}

// cronLogger adapts zerolog to cron.Logger.
type cronLogger struct {
	logger zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
