package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/LinkFood/remix-of-james-brain-memory-sub000/internal/bus"
	"github.com/LinkFood/remix-of-james-brain-memory-sub000/internal/shared"
)

const (
	// Schema ledger constants used to gate startup safety.
	schemaVersionV1  = 1
	schemaChecksumV1 = "jb-v1-2026-08-task-orchestration"

	schemaVersionLatest  = schemaVersionV1
	schemaChecksumLatest = schemaChecksumV1
)

type TaskStatus string

const (
	TaskStatusQueued    TaskStatus = "queued"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusCancelled TaskStatus = "cancelled"
)

// Task kinds the router may emit. "general" is answered inline by the
// orchestrator; every other kind maps to a worker endpoint.
const (
	TaskTypeResearch = "research"
	TaskTypeSave     = "save"
	TaskTypeSearch   = "search"
	TaskTypeReport   = "report"
	TaskTypeCode     = "code"
	TaskTypeGeneral  = "general"
)

// ValidTaskType reports whether t is one of the dispatchable kinds.
func ValidTaskType(t string) bool {
	switch t {
	case TaskTypeResearch, TaskTypeSave, TaskTypeSearch, TaskTypeReport, TaskTypeCode, TaskTypeGeneral:
		return true
	}
	return false
}

// allowedTransitions is the single source of truth for the task lifecycle.
// queued may complete or fail directly: roots with zero children finalize
// without ever running, and dispatch failures fail tasks that never started.
var allowedTransitions = map[TaskStatus]map[TaskStatus]struct{}{
	TaskStatusQueued: {
		TaskStatusRunning:   {},
		TaskStatusCompleted: {},
		TaskStatusFailed:    {},
		TaskStatusCancelled: {},
	},
	TaskStatusRunning: {
		TaskStatusCompleted: {},
		TaskStatusFailed:    {},
		TaskStatusCancelled: {},
	},
}

func canTransition(from, to TaskStatus) bool {
	next, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}

// IsTerminal reports whether status admits no further transitions.
func IsTerminal(status TaskStatus) bool {
	_, ok := allowedTransitions[status]
	return !ok
}

type Task struct {
	ID            string     `json:"id"`
	PrincipalID   string     `json:"principal_id"`
	Type          string     `json:"type"`
	Status        TaskStatus `json:"status"`
	Agent         string     `json:"agent,omitempty"`
	ParentID      string     `json:"parent_id,omitempty"`
	IntentSummary string     `json:"intent_summary,omitempty"`
	Input         string     `json:"input"`
	Output        string     `json:"output,omitempty"`
	Error         string     `json:"error,omitempty"`
	CancelReason  string     `json:"cancel_reason,omitempty"`
	TokensIn      int        `json:"tokens_in"`
	TokensOut     int        `json:"tokens_out"`
	CostUSD       float64    `json:"cost_usd"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	CancelledAt   *time.Time `json:"cancelled_at,omitempty"`
}

type TaskEvent struct {
	EventID     int64      `json:"event_id"`
	TaskID      string     `json:"task_id"`
	PrincipalID string     `json:"principal_id"`
	TraceID     string     `json:"trace_id,omitempty"`
	EventType   string     `json:"event_type"`
	StateFrom   TaskStatus `json:"state_from"`
	StateTo     TaskStatus `json:"state_to"`
	Payload     string     `json:"payload"`
	CreatedAt   time.Time  `json:"created_at"`
}

type Store struct {
	db  *sql.DB
	bus *bus.Bus // may be nil in tests
}

func DefaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".jamesbrain", "jamesbrain.db")
}

func Open(path string, eventBus *bus.Bus) (*Store, error) {
	if path == "" {
		path = DefaultDBPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &Store{db: db, bus: eventBus}
	if err := store.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Close() error {
	return s.db.Close()
}

// retryOnBusy retries f when SQLite returns BUSY or LOCKED, using
// exponential backoff with bounded jitter. maxRetries=5 gives ~3s total
// wait on top of the driver's busy_timeout (5s).
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil {
			return nil
		}
		if !isSQLiteBusy(err) {
			return err
		}
		if attempt == maxRetries {
			return err
		}
		// Exponential backoff: 50ms, 100ms, 200ms, 400ms, 500ms (capped).
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		// Add jitter: ±25% of delay.
		jitter := time.Duration(rand.IntN(int(delay / 2)))
		delay = delay - delay/4 + jitter

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

// isSQLiteBusy checks if an error is a SQLite BUSY (5) or LOCKED (6) error.
func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	// mattn/go-sqlite3 wraps errors as sqlite3.Error with Code field.
	// Check the error string for the code to avoid a direct dependency
	// on the sqlite3 package in non-CGO-importing code paths.
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "(5)") || // SQLITE_BUSY
		strings.Contains(msg, "(6)") // SQLITE_LOCKED
}

func (s *Store) configurePragmas(ctx context.Context) error {
	pragma := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	}
	for _, q := range pragma {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

func (s *Store) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var maxVersion int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&maxVersion); err != nil {
		return fmt.Errorf("read migration max version: %w", err)
	}
	if maxVersion > schemaVersionLatest {
		return fmt.Errorf("db schema version %d is newer than supported %d", maxVersion, schemaVersionLatest)
	}
	if maxVersion == schemaVersionLatest {
		var existingChecksum string
		if err := tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, schemaVersionLatest).Scan(&existingChecksum); err != nil {
			return fmt.Errorf("read schema migration checksum: %w", err)
		}
		if existingChecksum != schemaChecksumLatest {
			return fmt.Errorf("schema checksum mismatch for version %d: got %q want %q", schemaVersionLatest, existingChecksum, schemaChecksumLatest)
		}
		return tx.Commit()
	}

	tableStatements := []string{
		`CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			principal_id TEXT NOT NULL,
			type TEXT NOT NULL CHECK(type IN ('research', 'save', 'search', 'report', 'code', 'general')),
			status TEXT NOT NULL CHECK(status IN ('queued', 'running', 'completed', 'failed', 'cancelled')),
			agent TEXT NOT NULL DEFAULT '',
			parent_id TEXT REFERENCES tasks(id),
			intent_summary TEXT NOT NULL DEFAULT '',
			input TEXT NOT NULL DEFAULT '',
			output TEXT,
			error TEXT,
			cancel_reason TEXT,
			tokens_in INTEGER NOT NULL DEFAULT 0,
			tokens_out INTEGER NOT NULL DEFAULT 0,
			cost_usd REAL NOT NULL DEFAULT 0.0,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			completed_at DATETIME,
			cancelled_at DATETIME
		);`,
		`CREATE TABLE IF NOT EXISTS task_events (
			event_id INTEGER PRIMARY KEY AUTOINCREMENT,
			task_id TEXT NOT NULL REFERENCES tasks(id),
			principal_id TEXT NOT NULL,
			trace_id TEXT,
			event_type TEXT NOT NULL,
			state_from TEXT,
			state_to TEXT NOT NULL,
			payload_json TEXT NOT NULL DEFAULT '{}',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS conversations (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			principal_id TEXT NOT NULL,
			role TEXT NOT NULL CHECK(role IN ('user', 'assistant')),
			content TEXT NOT NULL,
			task_id TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS projects (
			id TEXT PRIMARY KEY,
			principal_id TEXT NOT NULL,
			name TEXT NOT NULL,
			repo_path TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			UNIQUE(principal_id, name)
		);`,
		`CREATE TABLE IF NOT EXISTS kv_store (
			key TEXT PRIMARY KEY,
			value TEXT,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS audit_log (
			audit_id INTEGER PRIMARY KEY AUTOINCREMENT,
			trace_id TEXT,
			principal_id TEXT,
			action TEXT NOT NULL,
			decision TEXT NOT NULL,
			reason TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
	}
	for _, stmt := range tableStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec migration: %w", err)
		}
	}

	indexStatements := []string{
		`CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_principal_status ON tasks(principal_id, status);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_principal_created ON tasks(principal_id, created_at);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_parent ON tasks(parent_id);`,
		`CREATE INDEX IF NOT EXISTS idx_task_events_task ON task_events(task_id, event_id);`,
		`CREATE INDEX IF NOT EXISTS idx_task_events_principal ON task_events(principal_id, event_id);`,
		`CREATE INDEX IF NOT EXISTS idx_conversations_principal ON conversations(principal_id, id);`,
		`CREATE INDEX IF NOT EXISTS idx_projects_principal ON projects(principal_id);`,
		`CREATE INDEX IF NOT EXISTS idx_audit_log_principal ON audit_log(principal_id, created_at);`,
	}
	for _, stmt := range indexStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec migration index: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO schema_migrations (version, checksum)
		VALUES (?, ?);
	`, schemaVersionLatest, schemaChecksumLatest); err != nil {
		return fmt.Errorf("insert schema migration ledger: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration tx: %w", err)
	}
	return nil
}

func (s *Store) appendTaskEventTx(ctx context.Context, tx *sql.Tx, taskID, principalID string, from, to TaskStatus, eventType, payload string) error {
	if payload == "" {
		payload = "{}"
	}
	traceID := shared.TraceID(ctx)
	if traceID == "-" {
		traceID = ""
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO task_events (task_id, principal_id, trace_id, event_type, state_from, state_to, payload_json, created_at)
		VALUES (?, ?, NULLIF(?, ''), ?, NULLIF(?, ''), ?, ?, CURRENT_TIMESTAMP);
	`, taskID, principalID, traceID, eventType, string(from), string(to), payload)
	if err != nil {
		return fmt.Errorf("insert task_event: %w", err)
	}
	return nil
}

// transitionTaskTx moves a task to a new status if and only if its current
// status is in allowedFrom. The conditional UPDATE (id AND status) is the
// concurrency primitive: exactly one writer wins a race, the rest observe
// RowsAffected()==0 and return changed=false without error.
func (s *Store) transitionTaskTx(
	ctx context.Context,
	tx *sql.Tx,
	taskID string,
	allowedFrom []TaskStatus,
	to TaskStatus,
	eventType string,
	payload string,
	output *string,
	errMsg *string,
) (bool, error) {
	var current TaskStatus
	var principalID string
	if err := tx.QueryRowContext(ctx, `
		SELECT status, principal_id
		FROM tasks
		WHERE id = ?;
	`, taskID).Scan(&current, &principalID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("select task for transition: %w", err)
	}
	if !slices.Contains(allowedFrom, current) {
		return false, nil
	}
	if !canTransition(current, to) {
		return false, fmt.Errorf("illegal transition %s -> %s", current, to)
	}

	outValue := sql.NullString{}
	if output != nil {
		outValue.Valid = true
		outValue.String = *output
	}
	errValue := sql.NullString{}
	if errMsg != nil {
		errValue.Valid = true
		errValue.String = *errMsg
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE tasks
		SET status = ?,
			output = CASE WHEN ? THEN ? ELSE output END,
			error = CASE WHEN ? THEN ? ELSE error END,
			completed_at = CASE WHEN ? IN ('completed', 'failed') THEN CURRENT_TIMESTAMP ELSE completed_at END,
			cancelled_at = CASE WHEN ? = 'cancelled' THEN CURRENT_TIMESTAMP ELSE cancelled_at END,
			updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status = ?;
	`, to, outValue.Valid, outValue.String, errValue.Valid, errValue.String, string(to), string(to), taskID, current)
	if err != nil {
		return false, fmt.Errorf("update task transition: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("transition rows affected: %w", err)
	}
	if affected != 1 {
		return false, nil
	}
	if err := s.appendTaskEventTx(ctx, tx, taskID, principalID, current, to, eventType, payload); err != nil {
		return false, err
	}
	return true, nil
}

const taskColumns = `id, principal_id, type, status, agent, parent_id, intent_summary, input,
	output, error, cancel_reason, tokens_in, tokens_out, cost_usd,
	created_at, updated_at, completed_at, cancelled_at`

func scanTask(scanFn func(dest ...any) error, task *Task) error {
	var (
		parentID, output, errMsg, cancelReason sql.NullString
		completedAt, cancelledAt               sql.NullTime
	)
	if err := scanFn(
		&task.ID,
		&task.PrincipalID,
		&task.Type,
		&task.Status,
		&task.Agent,
		&parentID,
		&task.IntentSummary,
		&task.Input,
		&output,
		&errMsg,
		&cancelReason,
		&task.TokensIn,
		&task.TokensOut,
		&task.CostUSD,
		&task.CreatedAt,
		&task.UpdatedAt,
		&completedAt,
		&cancelledAt,
	); err != nil {
		return err
	}
	task.ParentID = parentID.String
	task.Output = output.String
	task.Error = errMsg.String
	task.CancelReason = cancelReason.String
	if completedAt.Valid {
		t := completedAt.Time
		task.CompletedAt = &t
	}
	if cancelledAt.Valid {
		t := cancelledAt.Time
		task.CancelledAt = &t
	}
	return nil
}

func (s *Store) publishTaskEvent(topic string, task *Task) {
	if s.bus == nil || task == nil {
		return
	}
	s.bus.Publish(topic, bus.TaskEvent{
		TaskID:      task.ID,
		ParentID:    task.ParentID,
		PrincipalID: task.PrincipalID,
		Type:        task.Type,
		Status:      string(task.Status),
		Error:       task.Error,
	})
}
