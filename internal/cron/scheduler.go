// Package cron runs the background maintenance sweeps: soft-deleting aged
// done tasks and rolling daily activity streaks into the streak badge.
package cron

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/opspipe/internal/config"
	"github.com/basket/opspipe/internal/persistence"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom,
// month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// NextRunTime computes the next firing after now for a cron expression.
func NextRunTime(expr string, now time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expr %q: %w", expr, err)
	}
	return sched.Next(now), nil
}

type job struct {
	name string
	expr string
	next time.Time
	run  func(ctx context.Context, now time.Time)
}

// Config holds the scheduler dependencies.
type Config struct {
	Store       *persistence.Store
	Logger      *slog.Logger
	Maintenance config.MaintenanceConfig
	Interval    time.Duration // tick interval; defaults to 1 minute
}

type Scheduler struct {
	store    *persistence.Store
	logger   *slog.Logger
	interval time.Duration
	jobs     []*job

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewScheduler(cfg Config) (*Scheduler, error) {
	interval := cfg.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		store:    cfg.Store,
		logger:   logger,
		interval: interval,
	}

	retentionDays := cfg.Maintenance.RetentionDays
	jobs := []struct {
		name string
		expr string
		run  func(ctx context.Context, now time.Time)
	}{
		{"retention_sweep", cfg.Maintenance.RetentionCron, func(ctx context.Context, now time.Time) {
			s.retentionSweep(ctx, now, retentionDays)
		}},
		{"streak_rollover", cfg.Maintenance.StreakCron, s.streakRollover},
	}
	now := time.Now()
	for _, j := range jobs {
		if j.expr == "" {
			continue
		}
		next, err := NextRunTime(j.expr, now)
		if err != nil {
			return nil, err
		}
		s.jobs = append(s.jobs, &job{name: j.name, expr: j.expr, next: next, run: j.run})
	}
	return s, nil
}

func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("maintenance scheduler started", "jobs", len(s.jobs), "interval", s.interval)
}

func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("maintenance scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.tick(ctx, now)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context, now time.Time) {
	for _, j := range s.jobs {
		if now.Before(j.next) {
			continue
		}
		j.run(ctx, now)
		next, err := NextRunTime(j.expr, now)
		if err != nil {
			s.logger.Error("cron: recompute next run", "job", j.name, "error", err)
			continue
		}
		j.next = next
	}
}

// retentionSweep soft-deletes done tasks past the retention window. Rows stay
// readable for analytics; nothing is hard-deleted.
func (s *Scheduler) retentionSweep(ctx context.Context, now time.Time, retentionDays int) {
	if retentionDays <= 0 {
		return
	}
	cutoff := now.AddDate(0, 0, -retentionDays)
	n, err := s.store.SoftDeleteDoneBefore(ctx, cutoff)
	if err != nil {
		s.logger.Error("retention sweep failed", "error", err)
		return
	}
	if n > 0 {
		s.logger.Info("retention sweep", "swept", n, "cutoff", cutoff.Format("2006-01-02"))
	}
}

// streakRollover recomputes the week-streak badge for every recently active
// user, so streaks broken by an idle day drop back without needing a step
// completion to trigger the recount.
func (s *Scheduler) streakRollover(ctx context.Context, now time.Time) {
	sinceDay := now.AddDate(0, 0, -14).Format("2006-01-02")
	users, err := s.store.ListActiveUsers(ctx, sinceDay)
	if err != nil {
		s.logger.Error("streak rollover: list users", "error", err)
		return
	}
	for _, userID := range users {
		streak, err := s.store.CurrentStreak(ctx, userID, now)
		if err != nil {
			s.logger.Warn("streak rollover: compute", "user", userID, "error", err)
			continue
		}
		if err := s.store.SetAchievementProgress(ctx, userID, persistence.BadgeWeekStreak, streak); err != nil {
			s.logger.Warn("streak rollover: update badge", "user", userID, "error", err)
		}
	}
	s.logger.Info("streak rollover", "users", len(users))
}
