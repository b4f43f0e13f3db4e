// Package heartbeat drains queued wakes on a periodic schedule.
package heartbeat

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/openclaw/openclaw/internal/dispatch"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// Config holds the dependencies for the heartbeat scheduler.
type Config struct {
	Dispatcher *dispatch.Dispatcher
	Logger     *slog.Logger

	// Interval is the tick cadence. Ignored when Schedule is set.
	Interval time.Duration

	// Schedule is an optional cron expression overriding Interval.
	Schedule string
}

// Scheduler fires the heartbeat: each tick releases every wake queued with
// mode "next-heartbeat".
type Scheduler struct {
	dispatcher *dispatch.Dispatcher
	logger     *slog.Logger
	interval   time.Duration
	schedule   cronlib.Schedule

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewScheduler(cfg Config) (*Scheduler, error) {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 30 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		dispatcher: cfg.Dispatcher,
		logger:     logger.With("component", "heartbeat"),
		interval:   interval,
	}
	if cfg.Schedule != "" {
		sched, err := cronParser.Parse(cfg.Schedule)
		if err != nil {
			return nil, fmt.Errorf("parse heartbeat schedule %q: %w", cfg.Schedule, err)
		}
		s.schedule = sched
	}
	return s, nil
}

// Start begins the heartbeat loop in a background goroutine.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("heartbeat started", "interval", s.interval, "cron", s.schedule != nil)
}

// Stop cancels the loop and waits for it to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("heartbeat stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	for {
		var wakeAt <-chan time.Time
		if s.schedule != nil {
			wakeAt = time.After(time.Until(s.schedule.Next(time.Now())))
		} else {
			wakeAt = time.After(s.interval)
		}
		select {
		case <-ctx.Done():
			return
		case <-wakeAt:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	n, err := s.dispatcher.DrainQueued(ctx)
	if err != nil {
		s.logger.Error("heartbeat drain failed", "error", err)
		return
	}
	s.logger.Debug("heartbeat tick", "released", n)
}
