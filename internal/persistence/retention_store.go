package persistence

import (
	"context"
	"fmt"
	"time"
)

// RetentionResult holds counts of purged records from a retention run.
type RetentionResult struct {
	PurgedTaskEvents    int64 `json:"purged_task_events"`
	PurgedAuditLogs     int64 `json:"purged_audit_logs"`
	PurgedConversations int64 `json:"purged_conversations"`
}

// RunRetention deletes records older than the configured retention windows.
// Each category uses a separate DELETE with its own cutoff; the job is
// idempotent. Task rows are never purged here: the daily cap and the loop
// detector count against tasks, so their history stays.
func (s *Store) RunRetention(ctx context.Context, taskEventDays, auditLogDays, conversationDays int) (RetentionResult, error) {
	var result RetentionResult

	if taskEventDays > 0 {
		cutoff := time.Now().UTC().AddDate(0, 0, -taskEventDays)
		res, err := s.db.ExecContext(ctx, `DELETE FROM task_events WHERE created_at < ?;`, cutoff)
		if err != nil {
			return result, fmt.Errorf("purge task_events: %w", err)
		}
		result.PurgedTaskEvents, _ = res.RowsAffected()
	}

	if auditLogDays > 0 {
		cutoff := time.Now().UTC().AddDate(0, 0, -auditLogDays)
		res, err := s.db.ExecContext(ctx, `DELETE FROM audit_log WHERE created_at < ?;`, cutoff)
		if err != nil {
			return result, fmt.Errorf("purge audit_log: %w", err)
		}
		result.PurgedAuditLogs, _ = res.RowsAffected()
	}

	if conversationDays > 0 {
		cutoff := time.Now().UTC().AddDate(0, 0, -conversationDays)
		res, err := s.db.ExecContext(ctx, `DELETE FROM conversations WHERE created_at < ?;`, cutoff)
		if err != nil {
			return result, fmt.Errorf("purge conversations: %w", err)
		}
		result.PurgedConversations, _ = res.RowsAffected()
	}

	return result, nil
}
