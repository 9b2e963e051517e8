package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/LinkFood/remix-of-james-brain-memory-sub000/internal/bus"
)

// ErrTaskNotFound is returned by lookups for an unknown task id.
var ErrTaskNotFound = errors.New("task not found")

// CreateTask inserts a root task in queued state and records the enqueue event.
func (s *Store) CreateTask(ctx context.Context, principalID, taskType, intentSummary, input string) (*Task, error) {
	return s.createTask(ctx, "", principalID, taskType, "", intentSummary, input)
}

// CreateChild inserts a child task bound to a parent and a worker agent.
func (s *Store) CreateChild(ctx context.Context, parentID, principalID, taskType, agent, intentSummary, input string) (*Task, error) {
	if parentID == "" {
		return nil, errors.New("child task requires parent id")
	}
	return s.createTask(ctx, parentID, principalID, taskType, agent, intentSummary, input)
}

func (s *Store) createTask(ctx context.Context, parentID, principalID, taskType, agent, intentSummary, input string) (*Task, error) {
	if principalID == "" {
		return nil, errors.New("task requires principal id")
	}
	if !ValidTaskType(taskType) {
		return nil, fmt.Errorf("invalid task type %q", taskType)
	}
	taskID := uuid.NewString()
	// Retry transient lock errors with bounded jitter.
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin create task tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO tasks (
				id, principal_id, type, status, agent, parent_id, intent_summary, input, created_at, updated_at
			)
			VALUES (?, ?, ?, ?, ?, NULLIF(?, ''), ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP);
		`, taskID, principalID, taskType, TaskStatusQueued, agent, parentID, intentSummary, input); err != nil {
			return fmt.Errorf("create task: %w", err)
		}
		if err := s.appendTaskEventTx(ctx, tx, taskID, principalID, "", TaskStatusQueued, "task.enqueued", ""); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return nil, err
	}
	task, err := s.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	s.publishTaskEvent(bus.TopicTaskDispatched, task)
	return task, nil
}

// StartTask transitions queued -> running and records the owning agent.
// Returns false without error when the task is missing or not queued,
// so a start racing a cancellation simply loses.
func (s *Store) StartTask(ctx context.Context, taskID, agent string) (bool, error) {
	var changed bool
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin start tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		changed, err = s.transitionTaskTx(ctx, tx, taskID,
			[]TaskStatus{TaskStatusQueued}, TaskStatusRunning,
			"task.started", "", nil, nil)
		if err != nil {
			return err
		}
		if changed && agent != "" {
			if _, err := tx.ExecContext(ctx, `UPDATE tasks SET agent = ? WHERE id = ?;`, agent, taskID); err != nil {
				return fmt.Errorf("record task agent: %w", err)
			}
		}
		return tx.Commit()
	})
	if err != nil {
		return false, err
	}
	if changed {
		task, err := s.GetTask(ctx, taskID)
		if err == nil {
			s.publishTaskEvent(bus.TopicTaskRunning, task)
		}
	}
	return changed, nil
}

// CompleteTask transitions running -> completed, recording output and usage.
// A completion arriving after cancellation is a silent no-op.
func (s *Store) CompleteTask(ctx context.Context, taskID, output string, tokensIn, tokensOut int, costUSD float64) (bool, error) {
	return s.completeTask(ctx, taskID, []TaskStatus{TaskStatusRunning}, output, tokensIn, tokensOut, costUSD)
}

// FinalizeTask completes a task from either queued or running. It exists for
// the orchestrator's own paths: zero-child roots that finish inline and
// parent fan-in, where the parent may never have entered running.
func (s *Store) FinalizeTask(ctx context.Context, taskID, output string) (bool, error) {
	return s.completeTask(ctx, taskID, []TaskStatus{TaskStatusQueued, TaskStatusRunning}, output, 0, 0, 0)
}

func (s *Store) completeTask(ctx context.Context, taskID string, allowedFrom []TaskStatus, output string, tokensIn, tokensOut int, costUSD float64) (bool, error) {
	var changed bool
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin complete tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		changed, err = s.transitionTaskTx(ctx, tx, taskID,
			allowedFrom, TaskStatusCompleted,
			"task.completed", "", &output, nil)
		if err != nil {
			return err
		}
		if changed && (tokensIn > 0 || tokensOut > 0 || costUSD > 0) {
			if _, err := tx.ExecContext(ctx, `
				UPDATE tasks SET tokens_in = ?, tokens_out = ?, cost_usd = ? WHERE id = ?;
			`, tokensIn, tokensOut, costUSD, taskID); err != nil {
				return fmt.Errorf("record task usage: %w", err)
			}
		}
		return tx.Commit()
	})
	if err != nil {
		return false, err
	}
	if changed {
		task, err := s.GetTask(ctx, taskID)
		if err == nil {
			s.publishTaskEvent(bus.TopicTaskCompleted, task)
			if task.ParentID == "" {
				s.publishTaskEvent(bus.TopicRootCompleted, task)
			}
		}
	}
	return changed, nil
}

// FailTask transitions queued|running -> failed with an error message.
func (s *Store) FailTask(ctx context.Context, taskID, errMsg string) (bool, error) {
	var changed bool
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin fail tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		changed, err = s.transitionTaskTx(ctx, tx, taskID,
			[]TaskStatus{TaskStatusQueued, TaskStatusRunning}, TaskStatusFailed,
			"task.failed", "", nil, &errMsg)
		if err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return false, err
	}
	if changed {
		task, err := s.GetTask(ctx, taskID)
		if err == nil {
			s.publishTaskEvent(bus.TopicTaskFailed, task)
		}
	}
	return changed, nil
}

// CancelTask transitions queued|running -> cancelled with a reason. The
// conditional write means a cancel racing a completion resolves to whichever
// committed first; the loser is a no-op.
func (s *Store) CancelTask(ctx context.Context, taskID, reason string) (bool, error) {
	var changed bool
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin cancel tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		changed, err = s.transitionTaskTx(ctx, tx, taskID,
			[]TaskStatus{TaskStatusQueued, TaskStatusRunning}, TaskStatusCancelled,
			"task.cancelled", "", nil, nil)
		if err != nil {
			return err
		}
		if changed && reason != "" {
			if _, err := tx.ExecContext(ctx, `UPDATE tasks SET cancel_reason = ? WHERE id = ?;`, reason, taskID); err != nil {
				return fmt.Errorf("record cancel reason: %w", err)
			}
		}
		return tx.Commit()
	})
	if err != nil {
		return false, err
	}
	if changed {
		task, err := s.GetTask(ctx, taskID)
		if err == nil {
			s.publishTaskEvent(bus.TopicTaskCancelled, task)
		}
	}
	return changed, nil
}

// CancelTaskTree cancels a task and all of its non-terminal descendants.
// Returns the ids that actually changed state.
func (s *Store) CancelTaskTree(ctx context.Context, taskID, reason string) ([]string, error) {
	var cancelled []string
	changed, err := s.CancelTask(ctx, taskID, reason)
	if err != nil {
		return cancelled, err
	}
	if changed {
		cancelled = append(cancelled, taskID)
	}
	children, err := s.ListChildren(ctx, taskID)
	if err != nil {
		return cancelled, err
	}
	for _, child := range children {
		if IsTerminal(child.Status) {
			continue
		}
		ids, err := s.CancelTaskTree(ctx, child.ID, reason)
		cancelled = append(cancelled, ids...)
		if err != nil {
			return cancelled, err
		}
	}
	return cancelled, nil
}

// CancelAllForPrincipal cancels every queued or running task owned by the
// principal. Used by the loop detector's mass cancel.
func (s *Store) CancelAllForPrincipal(ctx context.Context, principalID, reason string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM tasks
		WHERE principal_id = ? AND status IN ('queued', 'running');
	`, principalID)
	if err != nil {
		return nil, fmt.Errorf("list active tasks: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan active task id: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("active task rows: %w", err)
	}

	var cancelled []string
	for _, id := range ids {
		changed, err := s.CancelTask(ctx, id, reason)
		if err != nil {
			return cancelled, err
		}
		if changed {
			cancelled = append(cancelled, id)
		}
	}
	return cancelled, nil
}

// ReapStale fails every queued or running task owned by the principal whose
// creation is older than the threshold. Returns the ids that were reaped.
func (s *Store) ReapStale(ctx context.Context, principalID string, olderThan time.Duration) ([]string, error) {
	cutoff := fmt.Sprintf("-%d seconds", int(olderThan.Seconds()))
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM tasks
		WHERE principal_id = ?
		  AND status IN ('queued', 'running')
		  AND created_at <= datetime('now', ?);
	`, principalID, cutoff)
	if err != nil {
		return nil, fmt.Errorf("list stale tasks: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan stale task id: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("stale task rows: %w", err)
	}

	var reaped []string
	for _, id := range ids {
		changed, err := s.FailTask(ctx, id, "timed out")
		if err != nil {
			return reaped, err
		}
		if changed {
			reaped = append(reaped, id)
		}
	}
	return reaped, nil
}

// CountActive returns the number of queued or running tasks for a principal.
func (s *Store) CountActive(ctx context.Context, principalID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM tasks
		WHERE principal_id = ? AND status IN ('queued', 'running');
	`, principalID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count active tasks: %w", err)
	}
	return count, nil
}

// CountCreatedToday returns tasks created by the principal since UTC midnight.
// SQLite's 'now' is UTC, so 'start of day' is the UTC day boundary.
func (s *Store) CountCreatedToday(ctx context.Context, principalID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM tasks
		WHERE principal_id = ? AND created_at >= datetime('now', 'start of day');
	`, principalID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count tasks today: %w", err)
	}
	return count, nil
}

// CountCreatedSince returns tasks created by the principal in the trailing
// window. Feeds the runaway-loop detector.
func (s *Store) CountCreatedSince(ctx context.Context, principalID string, window time.Duration) (int, error) {
	cutoff := fmt.Sprintf("-%d seconds", int(window.Seconds()))
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM tasks
		WHERE principal_id = ? AND created_at >= datetime('now', ?);
	`, principalID, cutoff).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count tasks in window: %w", err)
	}
	return count, nil
}

func (s *Store) GetTask(ctx context.Context, taskID string) (*Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?;`, taskID)
	var task Task
	if err := scanTask(row.Scan, &task); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrTaskNotFound
		}
		return nil, fmt.Errorf("get task: %w", err)
	}
	return &task, nil
}

// ListTasks returns the principal's tasks, newest first.
func (s *Store) ListTasks(ctx context.Context, principalID string, limit int) ([]Task, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE principal_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?;
	`, principalID, limit)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()
	return collectTasks(rows)
}

// ListChildren returns the direct children of a task, oldest first.
func (s *Store) ListChildren(ctx context.Context, parentID string) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE parent_id = ?
		ORDER BY created_at ASC, id ASC;
	`, parentID)
	if err != nil {
		return nil, fmt.Errorf("list children: %w", err)
	}
	defer rows.Close()
	return collectTasks(rows)
}

func collectTasks(rows *sql.Rows) ([]Task, error) {
	var out []Task
	for rows.Next() {
		var task Task
		if err := scanTask(rows.Scan, &task); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("task rows: %w", err)
	}
	return out, nil
}

// ChildOutcomes summarizes the terminal states of a parent's children.
type ChildOutcomes struct {
	Total     int `json:"children_total"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
	Pending   int `json:"pending"`
}

func (s *Store) ChildOutcomesFor(ctx context.Context, parentID string) (ChildOutcomes, error) {
	var out ChildOutcomes
	rows, err := s.db.QueryContext(ctx, `
		SELECT status, COUNT(1) FROM tasks WHERE parent_id = ? GROUP BY status;
	`, parentID)
	if err != nil {
		return out, fmt.Errorf("child outcomes: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status TaskStatus
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return out, fmt.Errorf("scan child outcome: %w", err)
		}
		out.Total += count
		switch status {
		case TaskStatusCompleted:
			out.Completed += count
		case TaskStatusFailed:
			out.Failed += count
		case TaskStatusCancelled:
			out.Cancelled += count
		default:
			out.Pending += count
		}
	}
	if err := rows.Err(); err != nil {
		return out, fmt.Errorf("child outcome rows: %w", err)
	}
	return out, nil
}

// FinalizeParentIfDone completes the parent when no child remains pending.
// Safe to call from every child-completion path: the conditional transition
// makes concurrent fan-in idempotent, and a cancelled parent stays cancelled.
func (s *Store) FinalizeParentIfDone(ctx context.Context, parentID string) (bool, error) {
	outcomes, err := s.ChildOutcomesFor(ctx, parentID)
	if err != nil {
		return false, err
	}
	if outcomes.Total == 0 || outcomes.Pending > 0 {
		return false, nil
	}

	summary := "completed"
	if outcomes.Failed > 0 {
		summary = "completed with errors"
	}
	payload := struct {
		ChildOutcomes
		Summary string `json:"summary"`
	}{outcomes, summary}
	output, err := json.Marshal(payload)
	if err != nil {
		return false, fmt.Errorf("marshal parent output: %w", err)
	}
	return s.FinalizeTask(ctx, parentID, string(output))
}

// PendingChildren returns how many of a parent's children are not yet terminal.
func (s *Store) PendingChildren(ctx context.Context, parentID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM tasks
		WHERE parent_id = ? AND status IN ('queued', 'running');
	`, parentID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count pending children: %w", err)
	}
	return count, nil
}

// ListTaskEvents returns the append-only trail for a task, oldest first.
func (s *Store) ListTaskEvents(ctx context.Context, taskID string) ([]TaskEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, task_id, principal_id, COALESCE(trace_id, ''), event_type,
			COALESCE(state_from, ''), state_to, payload_json, created_at
		FROM task_events
		WHERE task_id = ?
		ORDER BY event_id ASC;
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list task events: %w", err)
	}
	defer rows.Close()

	var out []TaskEvent
	for rows.Next() {
		var ev TaskEvent
		var stateFrom string
		if err := rows.Scan(&ev.EventID, &ev.TaskID, &ev.PrincipalID, &ev.TraceID,
			&ev.EventType, &stateFrom, &ev.StateTo, &ev.Payload, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan task event: %w", err)
		}
		ev.StateFrom = TaskStatus(stateFrom)
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("task event rows: %w", err)
	}
	return out, nil
}
