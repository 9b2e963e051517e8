package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

type ConversationEntry struct {
	ID          int64     `json:"id"`
	PrincipalID string    `json:"principal_id"`
	Role        string    `json:"role"`
	Content     string    `json:"content"`
	TaskID      string    `json:"task_id,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// AddConversation appends one turn to the principal's conversation record.
// taskID links the turn to the root task it produced or answered, if any.
func (s *Store) AddConversation(ctx context.Context, principalID, role, content, taskID string) error {
	role = strings.ToLower(strings.TrimSpace(role))
	switch role {
	case "user", "assistant":
	default:
		return fmt.Errorf("invalid role %q", role)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversations (principal_id, role, content, task_id, created_at)
		VALUES (?, ?, ?, NULLIF(?, ''), CURRENT_TIMESTAMP);
	`, principalID, role, content, taskID)
	if err != nil {
		return fmt.Errorf("insert conversation: %w", err)
	}
	return nil
}

// ListConversation returns the principal's most recent turns, oldest first.
func (s *Store) ListConversation(ctx context.Context, principalID string, limit int) ([]ConversationEntry, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, principal_id, role, content, COALESCE(task_id, ''), created_at
		FROM (
			SELECT id, principal_id, role, content, task_id, created_at
			FROM conversations
			WHERE principal_id = ?
			ORDER BY id DESC
			LIMIT ?
		)
		ORDER BY id ASC;
	`, principalID, limit)
	if err != nil {
		return nil, fmt.Errorf("query conversations: %w", err)
	}
	defer rows.Close()

	var out []ConversationEntry
	for rows.Next() {
		var entry ConversationEntry
		if err := rows.Scan(&entry.ID, &entry.PrincipalID, &entry.Role, &entry.Content, &entry.TaskID, &entry.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		out = append(out, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("conversation rows: %w", err)
	}
	return out, nil
}

// SetKV upserts a key in the kv_store scratch table.
func (s *Store) SetKV(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO kv_store (key, value, updated_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = CURRENT_TIMESTAMP;
	`, key, value)
	if err != nil {
		return fmt.Errorf("set kv: %w", err)
	}
	return nil
}

// GetKV returns the value for key, or "" when absent.
func (s *Store) GetKV(ctx context.Context, key string) (string, error) {
	var value sql.NullString
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv_store WHERE key = ?;`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get kv: %w", err)
	}
	return value.String, nil
}
