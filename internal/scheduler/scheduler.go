// Package scheduler runs the periodic reconciliation jobs: a short-interval
// poll of the crawler that repairs missed webhooks, and a slower sweep that
// fails stale sessions.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Default schedules.
const (
	DefaultPollSchedule  = "@every 5s"
	DefaultSweepSchedule = "@every 1h"
	defaultJobTimeout    = 30 * time.Second
)

// Reconciler is the subset of the reconciliation engine driven by cron.
type Reconciler interface {
	ReconcileSnapshot(ctx context.Context) error
	SweepStale(ctx context.Context) (int, error)
}

// Config controls the job schedules. An empty schedule disables that job.
type Config struct {
	PollSchedule  string
	SweepSchedule string
	JobTimeout    time.Duration
}

// Scheduler owns the cron instance.
type Scheduler struct {
	cron       *cron.Cron
	reconciler Reconciler
	logger     *zap.Logger
	timeout    time.Duration

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
}

// New registers the configured jobs. Jobs do not run until Start.
func New(cfg Config, reconciler Reconciler, logger *zap.Logger) (*Scheduler, error) {
	if reconciler == nil {
		return nil, errors.New("reconciler is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = defaultJobTimeout
	}
	cronLogger := zapCronLogger{logger: logger.Sugar()}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	s := &Scheduler{
		cron: cron.New(
			cron.WithParser(parser),
			cron.WithLogger(cronLogger),
			cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)),
		),
		reconciler: reconciler,
		logger:     logger,
		timeout:    cfg.JobTimeout,
		ctx:        context.Background(),
	}
	if cfg.PollSchedule != "" {
		if _, err := s.cron.AddFunc(cfg.PollSchedule, func() { s.Poll(s.jobContext()) }); err != nil {
			return nil, fmt.Errorf("schedule poll %q: %w", cfg.PollSchedule, err)
		}
	}
	if cfg.SweepSchedule != "" {
		if _, err := s.cron.AddFunc(cfg.SweepSchedule, func() { s.Sweep(s.jobContext()) }); err != nil {
			return nil, fmt.Errorf("schedule sweep %q: %w", cfg.SweepSchedule, err)
		}
	}
	return s, nil
}

// Start begins running jobs until ctx is canceled or Stop is called.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()
	s.cron.Start()
	s.logger.Info("scheduler started", zap.Int("jobs", len(s.cron.Entries())))
}

// Stop prevents new runs and waits for in-flight jobs or ctx, whichever
// comes first.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return fmt.Errorf("scheduler stop: %w", ctx.Err())
	}
}

// Poll reconciles the active session against the crawler's live status.
func (s *Scheduler) Poll(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if err := s.reconciler.ReconcileSnapshot(ctx); err != nil {
		s.logger.Warn("reconcile poll failed", zap.Error(err))
	}
}

// Sweep fails stale sessions.
func (s *Scheduler) Sweep(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	swept, err := s.reconciler.SweepStale(ctx)
	if err != nil {
		s.logger.Warn("stale session sweep failed", zap.Error(err))
		return
	}
	if swept > 0 {
		s.logger.Info("stale sessions swept", zap.Int("sessions", swept))
	}
}

func (s *Scheduler) jobContext() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctx
}

// zapCronLogger adapts zap to cron.Logger.
type zapCronLogger struct {
	logger *zap.SugaredLogger
}

func (l zapCronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debugw(msg, keysAndValues...)
}

func (l zapCronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Errorw(msg, append(keysAndValues, "error", err)...)
}
