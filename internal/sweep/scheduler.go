// Package sweep runs the SLA sweep and the notification relay on a cron
// schedule.
package sweep

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/pitabwire/kazi/internal/workflow"
)

// Sweeper is the part of the engine the scheduler drives.
type Sweeper interface {
	SweepDue(ctx context.Context) (workflow.SweepReport, error)
	RelayPendingIntents(ctx context.Context) (int, error)
}

// Result is the outcome of one scheduled run.
type Result struct {
	Sweep    workflow.SweepReport `json:"sweep"`
	Relayed  int                  `json:"relayed"`
	Duration time.Duration        `json:"duration"`
}

// Scheduler owns a cron runner with a single job. Overlapping runs are
// skipped rather than queued.
type Scheduler struct {
	sweeper Sweeper
	cron    *cron.Cron
	timeout time.Duration
	logger  *zap.Logger

	mu      sync.Mutex
	baseCtx context.Context
	cancel  context.CancelFunc
	started bool
	last    Result
}

// New validates schedule and registers the job. Start must be called to begin
// running it.
func New(sweeper Sweeper, schedule string, timeout time.Duration, logger *zap.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if schedule == "" {
		schedule = "@every 1m"
	}
	if _, err := cron.ParseStandard(schedule); err != nil {
		return nil, fmt.Errorf("invalid sweep schedule %q: %w", schedule, err)
	}

	cl := cronLogger{log: logger.Named("cron").Sugar()}
	s := &Scheduler{
		sweeper: sweeper,
		timeout: timeout,
		logger:  logger,
		baseCtx: context.Background(),
		cron: cron.New(
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
	}
	if _, err := s.cron.AddFunc(schedule, s.run); err != nil {
		return nil, fmt.Errorf("register sweep job: %w", err)
	}
	return s, nil
}

// Start begins running the job in the background. Runs receive a context
// derived from ctx.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.baseCtx, s.cancel = context.WithCancel(ctx)
	s.started = true
	s.cron.Start()
	s.logger.Info("sla sweep scheduler started", zap.Duration("run_timeout", s.timeout))
}

// Stop halts the schedule, cancels an in-flight run and waits for it to
// return or for ctx to expire.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = false
	cancel := s.cancel
	s.mu.Unlock()

	done := s.cron.Stop()
	cancel()
	select {
	case <-done.Done():
		s.logger.Info("sla sweep scheduler stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunOnce sweeps overdue instances and then relays pending intents. A relay
// failure does not hide the sweep report.
func (s *Scheduler) RunOnce(ctx context.Context) (Result, error) {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	started := time.Now()

	var res Result
	var errs []error

	report, err := s.sweeper.SweepDue(ctx)
	res.Sweep = report
	if err != nil {
		errs = append(errs, fmt.Errorf("sweep: %w", err))
	}

	if ctx.Err() == nil {
		relayed, err := s.sweeper.RelayPendingIntents(ctx)
		res.Relayed = relayed
		if err != nil {
			errs = append(errs, fmt.Errorf("relay: %w", err))
		}
	}

	res.Duration = time.Since(started)
	s.mu.Lock()
	s.last = res
	s.mu.Unlock()
	return res, errors.Join(errs...)
}

// Last returns the result of the most recent run.
func (s *Scheduler) Last() Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

func (s *Scheduler) run() {
	s.mu.Lock()
	ctx := s.baseCtx
	s.mu.Unlock()

	res, err := s.RunOnce(ctx)
	if err != nil {
		s.logger.Error("scheduled sweep failed", zap.Error(err))
		return
	}
	if res.Sweep.Scanned > 0 || res.Relayed > 0 {
		s.logger.Info("scheduled sweep finished",
			zap.Int("fired", res.Sweep.Fired),
			zap.Int("relayed", res.Relayed),
			zap.Duration("duration", res.Duration),
		)
	}
}

// cronLogger adapts zap to cron.Logger. Cron's info messages fire on every
// tick so they go to debug.
type cronLogger struct {
	log *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.log.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.Errorw(msg, append(keysAndValues, "error", err)...)
}
