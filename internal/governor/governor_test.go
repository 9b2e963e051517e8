package governor_test

import (
	"context"
	"errors"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/LinkFood/remix-of-james-brain-memory-sub000/internal/bus"
	"github.com/LinkFood/remix-of-james-brain-memory-sub000/internal/governor"
	"github.com/LinkFood/remix-of-james-brain-memory-sub000/internal/persistence"
)

func testLimits() governor.Limits {
	return governor.Limits{
		MaxConcurrent: 3,
		DailyCap:      10,
		RatePerMinute: 100,
		LoopThreshold: 5,
		LoopWindow:    time.Minute,
		StaleAfter:    10 * time.Minute,
	}
}

func newTestGovernor(t *testing.T, eventBus *bus.Bus, limits governor.Limits) (*governor.Governor, *persistence.Store) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "jamesbrain.db")
	store, err := persistence.Open(dbPath, eventBus)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return governor.New(store, eventBus, limits, nil), store
}

func admissionCode(t *testing.T, err error) string {
	t.Helper()
	var admErr *governor.AdmissionError
	if !errors.As(err, &admErr) {
		t.Fatalf("err = %v, want AdmissionError", err)
	}
	return admErr.Code
}

func TestAdmit_AllowsUnderLimits(t *testing.T) {
	gov, _ := newTestGovernor(t, nil, testLimits())

	if err := gov.Admit(context.Background(), "alice"); err != nil {
		t.Fatalf("admit: %v", err)
	}
}

func TestAdmit_ConcurrentCap(t *testing.T) {
	gov, store := newTestGovernor(t, nil, testLimits())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := store.CreateTask(ctx, "alice", persistence.TaskTypeResearch, "s", "i"); err != nil {
			t.Fatalf("create: %v", err)
		}
	}

	err := gov.Admit(ctx, "alice")
	if code := admissionCode(t, err); code != governor.CodeTooManyConcurrent {
		t.Fatalf("code = %s, want %s", code, governor.CodeTooManyConcurrent)
	}
	var admErr *governor.AdmissionError
	errors.As(err, &admErr)
	if admErr.HTTPStatus() != http.StatusConflict {
		t.Errorf("status = %d, want 409", admErr.HTTPStatus())
	}
	if admErr.Count != 3 || admErr.Limit != 3 {
		t.Errorf("count/limit = %d/%d, want 3/3", admErr.Count, admErr.Limit)
	}

	// Other principals are unaffected.
	if err := gov.Admit(ctx, "bob"); err != nil {
		t.Errorf("bob rejected: %v", err)
	}
}

func TestAdmit_ConcurrentCapFreedByTerminalTasks(t *testing.T) {
	gov, store := newTestGovernor(t, nil, testLimits())
	ctx := context.Background()

	var last *persistence.Task
	for i := 0; i < 3; i++ {
		task, err := store.CreateTask(ctx, "alice", persistence.TaskTypeResearch, "s", "i")
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		last = task
	}
	if err := gov.Admit(ctx, "alice"); err == nil {
		t.Fatal("expected concurrent cap rejection")
	}

	if _, err := store.FinalizeTask(ctx, last.ID, "done"); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if err := gov.Admit(ctx, "alice"); err != nil {
		t.Errorf("rejected after draining: %v", err)
	}
}

func TestAdmit_DailyCap(t *testing.T) {
	limits := testLimits()
	limits.MaxConcurrent = 100
	limits.LoopThreshold = 100
	limits.DailyCap = 4
	gov, store := newTestGovernor(t, nil, limits)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		task, err := store.CreateTask(ctx, "alice", persistence.TaskTypeResearch, "s", "i")
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		// Terminal tasks still count against the daily cap.
		if _, err := store.FinalizeTask(ctx, task.ID, "done"); err != nil {
			t.Fatalf("finalize: %v", err)
		}
	}

	err := gov.Admit(ctx, "alice")
	if code := admissionCode(t, err); code != governor.CodeDailyCapReached {
		t.Fatalf("code = %s, want %s", code, governor.CodeDailyCapReached)
	}
}

func TestAdmit_RateLimited(t *testing.T) {
	limits := testLimits()
	limits.RatePerMinute = 2
	gov, _ := newTestGovernor(t, nil, limits)
	ctx := context.Background()

	gov.Admit(ctx, "alice")
	gov.Admit(ctx, "alice")

	err := gov.Admit(ctx, "alice")
	if code := admissionCode(t, err); code != governor.CodeRateLimited {
		t.Fatalf("code = %s, want %s", code, governor.CodeRateLimited)
	}
	var admErr *governor.AdmissionError
	errors.As(err, &admErr)
	if admErr.HTTPStatus() != http.StatusTooManyRequests {
		t.Errorf("status = %d, want 429", admErr.HTTPStatus())
	}
}

func TestAdmit_LoopDetectionMassCancels(t *testing.T) {
	limits := testLimits()
	limits.MaxConcurrent = 100
	limits.LoopThreshold = 5
	eventBus := bus.New()
	gov, store := newTestGovernor(t, eventBus, limits)
	ctx := context.Background()

	sub := eventBus.Subscribe(bus.TopicLoopDetected)
	defer eventBus.Unsubscribe(sub)

	var ids []string
	for i := 0; i < 5; i++ {
		task, err := store.CreateTask(ctx, "alice", persistence.TaskTypeResearch, "s", "i")
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		ids = append(ids, task.ID)
	}

	err := gov.Admit(ctx, "alice")
	if code := admissionCode(t, err); code != governor.CodeLoopDetected {
		t.Fatalf("code = %s, want %s", code, governor.CodeLoopDetected)
	}

	// Every in-flight task is cancelled.
	for _, id := range ids {
		task, err := store.GetTask(ctx, id)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if task.Status != persistence.TaskStatusCancelled {
			t.Errorf("task %s status = %s, want cancelled", id, task.Status)
		}
		if task.CancelReason != "loop detected" {
			t.Errorf("task %s cancel_reason = %q", id, task.CancelReason)
		}
	}

	// The loop event carries the cancelled ids.
	select {
	case ev := <-sub.Ch():
		loop, ok := ev.Payload.(bus.LoopEvent)
		if !ok {
			t.Fatalf("payload type %T", ev.Payload)
		}
		if loop.PrincipalID != "alice" {
			t.Errorf("principal = %s", loop.PrincipalID)
		}
		if len(loop.CancelledIDs) != 5 {
			t.Errorf("cancelled %d, want 5", len(loop.CancelledIDs))
		}
	case <-time.After(time.Second):
		t.Fatal("no loop event published")
	}
}

func TestAdmit_ReapsStaleBeforeCountingCaps(t *testing.T) {
	gov, store := newTestGovernor(t, nil, testLimits())
	ctx := context.Background()

	// Fill the concurrent cap with tasks that are all stale.
	var ids []string
	for i := 0; i < 3; i++ {
		task, err := store.CreateTask(ctx, "alice", persistence.TaskTypeResearch, "s", "i")
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		ids = append(ids, task.ID)
	}
	if _, err := store.DB().Exec(
		`UPDATE tasks SET created_at = datetime('now', '-30 minutes') WHERE principal_id = 'alice'`,
	); err != nil {
		t.Fatalf("backdate: %v", err)
	}

	// Stale tasks are reaped first, freeing the cap.
	if err := gov.Admit(ctx, "alice"); err != nil {
		t.Fatalf("admit after staleness: %v", err)
	}
	for _, id := range ids {
		task, _ := store.GetTask(ctx, id)
		if task.Status != persistence.TaskStatusFailed {
			t.Errorf("stale task %s status = %s, want failed", id, task.Status)
		}
	}
}

func TestUpdateLimits(t *testing.T) {
	limits := testLimits()
	limits.MaxConcurrent = 1
	gov, store := newTestGovernor(t, nil, limits)
	ctx := context.Background()

	if _, err := store.CreateTask(ctx, "alice", persistence.TaskTypeResearch, "s", "i"); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := gov.Admit(ctx, "alice"); err == nil {
		t.Fatal("expected rejection at cap 1")
	}

	limits.MaxConcurrent = 10
	gov.UpdateLimits(limits)
	if err := gov.Admit(ctx, "alice"); err != nil {
		t.Errorf("rejected after raising cap: %v", err)
	}
}
