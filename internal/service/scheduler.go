package service

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/teresa-solution/integration-service/internal/integrations"
	"github.com/teresa-solution/integration-service/internal/model"
)

// Refresher runs a token refresh batch.
type Refresher interface {
	RefreshDue(ctx context.Context) (*integrations.BatchResult, error)
}

// ProbeRunner runs every registered health probe.
type ProbeRunner interface {
	RunAll(ctx context.Context) []model.HealthResult
}

// SchedulerConfig holds cron specs for the background jobs.
type SchedulerConfig struct {
	RefreshSpec string
	ProbeSpec   string
	// JobTimeout bounds a single run of either job.
	JobTimeout time.Duration
}

// Scheduler runs token refresh and health probes on cron schedules. A job still
// running when its next tick arrives is skipped.
type Scheduler struct {
	cron      *cron.Cron
	refresher Refresher
	probes    ProbeRunner
	timeout   time.Duration
	logger    zerolog.Logger
}

// cronLogger adapts zerolog to cron.Logger.
type cronLogger struct{ l zerolog.Logger }

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debug().Fields(keysAndValues).Msg(msg)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Error().Err(err).Fields(keysAndValues).Msg(msg)
}

// NewScheduler registers both jobs; an empty spec disables that job.
func NewScheduler(refresher Refresher, probes ProbeRunner, cfg SchedulerConfig) (*Scheduler, error) {
	logger := log.With().Str("component", "scheduler").Logger()
	cl := cronLogger{l: logger}
	s := &Scheduler{
		cron:      cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl))),
		refresher: refresher,
		probes:    probes,
		timeout:   cfg.JobTimeout,
		logger:    logger,
	}
	if s.timeout <= 0 {
		s.timeout = 5 * time.Minute
	}

	if cfg.RefreshSpec != "" && refresher != nil {
		if _, err := s.cron.AddFunc(cfg.RefreshSpec, func() { s.RunRefresh(context.Background()) }); err != nil {
			return nil, fmt.Errorf("refresh schedule %q: %w", cfg.RefreshSpec, err)
		}
	}
	if cfg.ProbeSpec != "" && probes != nil {
		if _, err := s.cron.AddFunc(cfg.ProbeSpec, func() { s.RunProbes(context.Background()) }); err != nil {
			return nil, fmt.Errorf("probe schedule %q: %w", cfg.ProbeSpec, err)
		}
	}
	return s, nil
}

// ScheduleInterval returns the longest gap between the next few runs of spec after
// from, which for an @every spec is its period.
func ScheduleInterval(spec string, from time.Time) (time.Duration, error) {
	sched, err := cron.ParseStandard(spec)
	if err != nil {
		return 0, err
	}
	var longest time.Duration
	prev := sched.Next(from)
	for i := 0; i < 8; i++ {
		next := sched.Next(prev)
		if next.IsZero() {
			break
		}
		if gap := next.Sub(prev); gap > longest {
			longest = gap
		}
		prev = next
	}
	return longest, nil
}

// Jobs reports how many jobs are scheduled.
func (s *Scheduler) Jobs() int { return len(s.cron.Entries()) }

// Start runs the scheduler in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info().Int("jobs", s.Jobs()).Msg("Scheduler started")
}

// Stop stops scheduling and waits for running jobs until ctx is done.
func (s *Scheduler) Stop(ctx context.Context) {
	select {
	case <-s.cron.Stop().Done():
		s.logger.Info().Msg("Scheduler stopped")
	case <-ctx.Done():
		s.logger.Warn().Msg("Scheduler stop timed out with jobs still running")
	}
}

// RunRefresh runs one refresh batch.
func (s *Scheduler) RunRefresh(ctx context.Context) *integrations.BatchResult {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	batch, err := s.refresher.RefreshDue(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("Refresh batch failed")
		return nil
	}
	if batch.Failed > 0 {
		s.logger.Warn().Int("failed", batch.Failed).Int("attempted", batch.Attempted).Msg("Some token refreshes failed")
	}
	return batch
}

// RunProbes runs every health probe once.
func (s *Scheduler) RunProbes(ctx context.Context) []model.HealthResult {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	results := s.probes.RunAll(ctx)
	unhealthy := 0
	for _, r := range results {
		if r.Status != model.HealthOK {
			unhealthy++
		}
	}
	s.logger.Debug().Int("probes", len(results)).Int("unhealthy", unhealthy).Msg("Probe run finished")
	return results
}
