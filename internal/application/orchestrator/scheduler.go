package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// SchedulerConfig holds the sweep cadences. Cron specs use the 6-field form
// (with seconds), daily entries fire at midnight UTC.
type SchedulerConfig struct {
	LifecycleCron    string
	DailyResetCron   string
	ReallocationCron string
	AnomalyInterval  time.Duration
}

// Scheduler drives the periodic sweeps. Cron covers the calendar-aligned
// entries (hourly lifecycle, midnight reset, daily reallocation); the
// sub-minute anomaly scan runs on its own ticker loop so it can be stopped
// cooperatively mid-interval. A stop lets the running iteration finish and
// starts no new one.
type Scheduler struct {
	svc  *Service
	cron *cron.Cron
	cfg  SchedulerConfig
	stop chan struct{}
	done chan struct{}

	stopOnce sync.Once
}

// NewScheduler builds the scheduler around the service.
func NewScheduler(svc *Service, cfg SchedulerConfig) *Scheduler {
	if cfg.AnomalyInterval <= 0 {
		cfg.AnomalyInterval = 30 * time.Second
	}
	return &Scheduler{
		svc:  svc,
		cron: cron.New(cron.WithSeconds(), cron.WithLocation(time.UTC)),
		cfg:  cfg,
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
}

// Start registers every entry and launches the loops. The context governs
// the anomaly loop and is passed to every sweep.
func (s *Scheduler) Start(ctx context.Context) error {
	if _, err := s.cron.AddFunc(s.cfg.LifecycleCron, func() {
		if err := s.svc.RunLifecycleSweep(ctx); err != nil {
			slog.Error("scheduler: lifecycle sweep failed", "err", err)
		}
	}); err != nil {
		return fmt.Errorf("orchestrator.Scheduler: register lifecycle: %w", err)
	}

	if _, err := s.cron.AddFunc(s.cfg.DailyResetCron, func() {
		if err := s.svc.RunDailyReset(ctx); err != nil {
			slog.Error("scheduler: daily reset failed", "err", err)
		}
	}); err != nil {
		return fmt.Errorf("orchestrator.Scheduler: register daily reset: %w", err)
	}

	if _, err := s.cron.AddFunc(s.cfg.ReallocationCron, func() {
		if err := s.svc.RunReallocation(ctx); err != nil {
			slog.Error("scheduler: reallocation failed", "err", err)
		}
	}); err != nil {
		return fmt.Errorf("orchestrator.Scheduler: register reallocation: %w", err)
	}

	s.cron.Start()
	go s.anomalyLoop(ctx)
	slog.Info("scheduler: started",
		"lifecycle", s.cfg.LifecycleCron,
		"daily_reset", s.cfg.DailyResetCron,
		"reallocation", s.cfg.ReallocationCron,
		"anomaly_every", s.cfg.AnomalyInterval)
	return nil
}

// Stop halts the cron entries and waits for the anomaly loop to drain. It
// does not depend on the Start context being cancelled, and is safe to call
// more than once.
func (s *Scheduler) Stop() {
	stopCtx := s.cron.Stop()
	<-stopCtx.Done()
	s.stopOnce.Do(func() { close(s.stop) })
	<-s.done
	slog.Info("scheduler: stopped")
}

func (s *Scheduler) anomalyLoop(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(s.cfg.AnomalyInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			if err := s.svc.RunAnomalySweep(ctx); err != nil && ctx.Err() == nil {
				slog.Error("scheduler: anomaly sweep failed", "err", err)
			}
		}
	}
}
