package dispatcher

import (
	"context"
	"fmt"

	"github.com/LinkFood/remix-of-james-brain-memory-sub000/internal/persistence"
)

// The completion propagator: every terminal report on a child re-checks the
// parent, and the store's conditional transition makes the fan-in race-free.
// Whichever caller observes the last child landing wins the parent update;
// everyone else no-ops.

// StartTask is the worker's running report. Returns the task's current state
// so a worker whose start lost to a cancellation can stop cooperatively.
func (d *Dispatcher) StartTask(ctx context.Context, taskID, agent string) (*persistence.Task, bool, error) {
	changed, err := d.store.StartTask(ctx, taskID, agent)
	if err != nil {
		return nil, false, err
	}
	task, err := d.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, changed, err
	}
	return task, changed, nil
}

// CompleteTask is the worker's success report.
func (d *Dispatcher) CompleteTask(ctx context.Context, taskID, output string, tokensIn, tokensOut int, costUSD float64) (*persistence.Task, bool, error) {
	changed, err := d.store.CompleteTask(ctx, taskID, output, tokensIn, tokensOut, costUSD)
	if err != nil {
		return nil, false, err
	}
	task, err := d.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, changed, err
	}
	if changed {
		for _, leak := range d.leaks.Scan(output) {
			d.logger.Warn("possible secret in task output",
				"task_id", taskID, "pattern", leak.Pattern, "sample", leak.Sample)
		}
		d.indexKnowledge(ctx, task)
		d.propagate(ctx, task)
	}
	return task, changed, nil
}

// FailTask is the worker's failure report.
func (d *Dispatcher) FailTask(ctx context.Context, taskID, errMsg string) (*persistence.Task, bool, error) {
	changed, err := d.store.FailTask(ctx, taskID, errMsg)
	if err != nil {
		return nil, false, err
	}
	task, err := d.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, changed, err
	}
	if changed {
		d.propagate(ctx, task)
	}
	return task, changed, nil
}

// Cancel cancels a task and its whole subtree, then re-checks the parent:
// cancelled children count as settled for fan-in.
func (d *Dispatcher) Cancel(ctx context.Context, taskID, reason string) ([]string, error) {
	task, err := d.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	cancelled, err := d.store.CancelTaskTree(ctx, taskID, reason)
	if err != nil {
		return cancelled, err
	}
	if task.ParentID != "" {
		if _, err := d.finalizeParent(ctx, task.ParentID); err != nil {
			d.logger.Error("parent finalize after cancel failed", "task_id", task.ParentID, "error", err)
		}
	}
	return cancelled, nil
}

// CancelAll cancels every non-terminal task the principal owns. No parent
// finalization runs: parents are swept up in the cancellation themselves.
func (d *Dispatcher) CancelAll(ctx context.Context, principalID, reason string) ([]string, error) {
	cancelled, err := d.store.CancelAllForPrincipal(ctx, principalID, reason)
	if err != nil {
		return nil, err
	}
	if len(cancelled) > 0 {
		d.logger.Info("cancelled all tasks", "principal_id", principalID, "count", len(cancelled))
	}
	return cancelled, nil
}

// failAndPropagate fails a task and runs the fan-in check on its parent.
func (d *Dispatcher) failAndPropagate(ctx context.Context, taskID, errMsg string) {
	changed, err := d.store.FailTask(ctx, taskID, errMsg)
	if err != nil {
		d.logger.Error("fail task failed", "task_id", taskID, "error", err)
		return
	}
	if !changed {
		return
	}
	d.logger.Warn("task failed", "task_id", taskID, "error", errMsg)
	task, err := d.store.GetTask(ctx, taskID)
	if err == nil {
		d.propagate(ctx, task)
	}
}

// propagate runs after any terminal child transition.
func (d *Dispatcher) propagate(ctx context.Context, task *persistence.Task) {
	if task.ParentID == "" {
		return
	}
	if _, err := d.finalizeParent(ctx, task.ParentID); err != nil {
		d.logger.Error("parent finalize failed", "task_id", task.ParentID, "error", err)
	}
}

// finalizeParent completes the parent when no child remains pending, and
// records the assistant's closing conversation turn exactly once (guarded by
// the finalize transition itself).
func (d *Dispatcher) finalizeParent(ctx context.Context, parentID string) (bool, error) {
	changed, err := d.store.FinalizeParentIfDone(ctx, parentID)
	if err != nil || !changed {
		return changed, err
	}
	parent, err := d.store.GetTask(ctx, parentID)
	if err != nil {
		return changed, err
	}
	outcomes, err := d.store.ChildOutcomesFor(ctx, parentID)
	if err != nil {
		return changed, err
	}
	summary := fmt.Sprintf("All done: %d of %d tasks completed", outcomes.Completed, outcomes.Total)
	if outcomes.Failed > 0 {
		summary = fmt.Sprintf("Finished with errors: %d completed, %d failed of %d tasks",
			outcomes.Completed, outcomes.Failed, outcomes.Total)
	}
	if outcomes.Cancelled > 0 {
		summary += fmt.Sprintf(" (%d cancelled)", outcomes.Cancelled)
	}
	if err := d.store.AddConversation(ctx, parent.PrincipalID, "assistant", summary, parent.ID); err != nil {
		d.logger.Error("record fan-in summary failed", "task_id", parent.ID, "error", err)
	}
	d.logger.Info("parent task finalized",
		"task_id", parent.ID,
		"completed", outcomes.Completed,
		"failed", outcomes.Failed,
		"cancelled", outcomes.Cancelled)
	return changed, nil
}

// indexKnowledge offers durable task outputs to the knowledge sink.
func (d *Dispatcher) indexKnowledge(ctx context.Context, task *persistence.Task) {
	if d.knowledge == nil {
		return
	}
	switch task.Type {
	case persistence.TaskTypeSave, persistence.TaskTypeResearch:
	default:
		return
	}
	if err := d.knowledge.IndexTaskOutput(ctx, task); err != nil {
		d.logger.Warn("knowledge index failed", "task_id", task.ID, "error", err)
	}
}
