// Package governor enforces per-principal admission limits ahead of task
// creation: request rate, concurrent and daily task caps, stale-task reaping
// and runaway-loop detection with mass cancellation.
package governor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/LinkFood/remix-of-james-brain-memory-sub000/internal/audit"
	"github.com/LinkFood/remix-of-james-brain-memory-sub000/internal/bus"
	"github.com/LinkFood/remix-of-james-brain-memory-sub000/internal/persistence"
)

// Admission rejection codes surfaced to callers.
const (
	CodeRateLimited       = "rate_limited"
	CodeTooManyConcurrent = "too_many_concurrent"
	CodeDailyCapReached   = "daily_cap_reached"
	CodeLoopDetected      = "loop_detected"
)

// AdmissionError is a structured rejection. Count/Limit carry the observed
// value and the ceiling that produced the rejection.
type AdmissionError struct {
	Code    string `json:"code"`
	Message string `json:"error"`
	Count   int    `json:"count,omitempty"`
	Limit   int    `json:"limit,omitempty"`
}

func (e *AdmissionError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// HTTPStatus maps the rejection to a transport status: 429 for transient
// pushback (rate, loop), 409 for caps the principal must drain first.
func (e *AdmissionError) HTTPStatus() int {
	switch e.Code {
	case CodeTooManyConcurrent, CodeDailyCapReached:
		return 409
	default:
		return 429
	}
}

// Limits are the governor's ceilings, reloadable at runtime.
type Limits struct {
	MaxConcurrent int
	DailyCap      int
	RatePerMinute int
	LoopThreshold int
	LoopWindow    time.Duration
	StaleAfter    time.Duration
}

type Governor struct {
	store  *persistence.Store
	bus    *bus.Bus
	logger *slog.Logger
	rl     *rateLimiter

	mu     sync.RWMutex
	limits Limits
}

func New(store *persistence.Store, eventBus *bus.Bus, limits Limits, logger *slog.Logger) *Governor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Governor{
		store:  store,
		bus:    eventBus,
		logger: logger,
		rl:     newRateLimiter(limits.RatePerMinute),
		limits: limits,
	}
}

// UpdateLimits swaps the ceilings in place, for config hot reload.
func (g *Governor) UpdateLimits(limits Limits) {
	g.mu.Lock()
	g.limits = limits
	g.mu.Unlock()
	g.rl.setRate(limits.RatePerMinute)
	g.logger.Info("governor limits updated",
		"max_concurrent", limits.MaxConcurrent,
		"daily_cap", limits.DailyCap,
		"rate_per_minute", limits.RatePerMinute)
}

func (g *Governor) currentLimits() Limits {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.limits
}

// Admit runs the full admission pipeline for one inbound message. The rate
// limiter runs first so a hammering client is rejected before any DB work.
// Stale tasks are reaped next so abandoned work does not consume the caps.
// A loop verdict cancels everything the principal has in flight.
func (g *Governor) Admit(ctx context.Context, principalID string) error {
	limits := g.currentLimits()

	if !g.rl.allow(principalID) {
		audit.Record("deny", "governor.admit", CodeRateLimited, principalID)
		return &AdmissionError{
			Code:    CodeRateLimited,
			Message: "too many requests, slow down",
			Limit:   limits.RatePerMinute,
		}
	}

	reaped, err := g.store.ReapStale(ctx, principalID, limits.StaleAfter)
	if err != nil {
		return fmt.Errorf("reap stale tasks: %w", err)
	}
	if len(reaped) > 0 {
		g.logger.Warn("reaped stale tasks", "principal_id", principalID, "count", len(reaped))
	}

	active, err := g.store.CountActive(ctx, principalID)
	if err != nil {
		return fmt.Errorf("count active tasks: %w", err)
	}
	if active >= limits.MaxConcurrent {
		audit.Record("deny", "governor.admit", CodeTooManyConcurrent, principalID)
		return &AdmissionError{
			Code:    CodeTooManyConcurrent,
			Message: "too many tasks in flight, wait for some to finish",
			Count:   active,
			Limit:   limits.MaxConcurrent,
		}
	}

	today, err := g.store.CountCreatedToday(ctx, principalID)
	if err != nil {
		return fmt.Errorf("count tasks today: %w", err)
	}
	if today >= limits.DailyCap {
		audit.Record("deny", "governor.admit", CodeDailyCapReached, principalID)
		return &AdmissionError{
			Code:    CodeDailyCapReached,
			Message: "daily task cap reached, resets at midnight UTC",
			Count:   today,
			Limit:   limits.DailyCap,
		}
	}

	recent, err := g.store.CountCreatedSince(ctx, principalID, limits.LoopWindow)
	if err != nil {
		return fmt.Errorf("count tasks in window: %w", err)
	}
	if recent >= limits.LoopThreshold {
		cancelled, err := g.store.CancelAllForPrincipal(ctx, principalID, "loop detected")
		if err != nil {
			g.logger.Error("loop mass cancel failed", "principal_id", principalID, "error", err)
		}
		g.logger.Warn("runaway loop detected, cancelled all active tasks",
			"principal_id", principalID, "window_count", recent, "cancelled", len(cancelled))
		audit.Record("deny", "governor.loop", CodeLoopDetected, principalID)
		if g.bus != nil {
			g.bus.Publish(bus.TopicLoopDetected, bus.LoopEvent{
				PrincipalID:  principalID,
				CancelledIDs: cancelled,
				WindowCount:  recent,
			})
		}
		return &AdmissionError{
			Code:    CodeLoopDetected,
			Message: "runaway task loop detected, all active tasks cancelled",
			Count:   recent,
			Limit:   limits.LoopThreshold,
		}
	}

	return nil
}
