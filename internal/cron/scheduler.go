// Package cron runs the retention sweep on a cron schedule, purging old
// task events, audit logs, and conversation history from the store.
package cron

import (
	"context"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/LinkFood/remix-of-james-brain-memory-sub000/internal/config"
	"github.com/LinkFood/remix-of-james-brain-memory-sub000/internal/persistence"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// Config holds the dependencies for the retention scheduler.
type Config struct {
	Store     *persistence.Store
	Retention config.RetentionConfig
	Logger    *slog.Logger
}

// Scheduler fires the retention sweep at the configured cron schedule.
type Scheduler struct {
	store  *persistence.Store
	logger *slog.Logger

	mu        sync.Mutex
	retention config.RetentionConfig

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler creates a new Scheduler with the given config.
func NewScheduler(cfg Config) (*Scheduler, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	// Validate the expression up front so a bad config fails at startup,
	// not at 3am.
	if _, err := cronParser.Parse(cfg.Retention.Schedule); err != nil {
		return nil, err
	}
	return &Scheduler{
		store:     cfg.Store,
		logger:    logger,
		retention: cfg.Retention,
	}, nil
}

// UpdateRetention swaps the retention windows on config reload. The schedule
// itself is fixed for the lifetime of the loop.
func (s *Scheduler) UpdateRetention(r config.RetentionConfig) {
	s.mu.Lock()
	s.retention = r
	s.mu.Unlock()
}

// Start begins the scheduler loop. It runs in a background goroutine
// and respects the provided context for shutdown.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.mu.Lock()
	schedule := s.retention.Schedule
	s.mu.Unlock()
	s.logger.Info("retention scheduler started", "schedule", schedule)
}

// Stop cancels the scheduler loop and waits for it to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("retention scheduler stopped")
}

// loop sleeps until the next scheduled run, sweeps, then schedules again.
func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	for {
		s.mu.Lock()
		schedule := s.retention.Schedule
		s.mu.Unlock()

		next, err := NextRunTime(schedule, time.Now())
		if err != nil {
			s.logger.Error("retention: bad cron expression", "schedule", schedule, "error", err)
			return
		}

		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			s.sweep(ctx)
		}
	}
}

// sweep runs one retention pass against the store.
func (s *Scheduler) sweep(ctx context.Context) {
	s.mu.Lock()
	r := s.retention
	s.mu.Unlock()

	result, err := s.store.RunRetention(ctx, r.TaskEventsDays, r.AuditLogDays, r.ConversationsDays)
	if err != nil {
		s.logger.Error("retention sweep failed", "error", err)
		return
	}
	s.logger.Info("retention sweep completed",
		"purged_task_events", result.PurgedTaskEvents,
		"purged_audit_logs", result.PurgedAuditLogs,
		"purged_conversations", result.PurgedConversations,
	)
}

// NextRunTime parses the cron expression and returns the next run time after the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}
