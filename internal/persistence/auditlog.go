package persistence

import (
	"context"
	"fmt"
	"time"

	"github.com/basket/opspipe/internal/shared"
)

// ListAuditEntries returns the full trail for one task, oldest first.
func (s *Store) ListAuditEntries(ctx context.Context, taskID string) ([]AuditEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, action, old_values, new_values, changed_by,
			COALESCE(role, ''), COALESCE(device_info, ''), created_at
		FROM audit_log
		WHERE task_id = ?
		ORDER BY created_at ASC, id ASC;
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list audit entries: %w", err)
	}
	defer rows.Close()
	return collectAuditRows(rows.Next, rows.Scan, rows.Err)
}

// ListStatusChanges returns every status_changed entry across all tasks since
// the cutoff, ordered for replay: per task in time order. Analytics rebuilds
// stage timelines from these rows alone.
func (s *Store) ListStatusChanges(ctx context.Context, since time.Time) ([]AuditEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, action, old_values, new_values, changed_by,
			COALESCE(role, ''), COALESCE(device_info, ''), created_at
		FROM audit_log
		WHERE action IN (?, ?) AND created_at >= ?
		ORDER BY task_id ASC, created_at ASC, id ASC;
	`, ActionCreated, ActionStatusChanged, since.UTC())
	if err != nil {
		return nil, fmt.Errorf("list status changes: %w", err)
	}
	defer rows.Close()
	return collectAuditRows(rows.Next, rows.Scan, rows.Err)
}

// ListRecentChanges returns the newest entries across all tasks, for the
// activity feed. Limit caps the result; zero means 50.
func (s *Store) ListRecentChanges(ctx context.Context, limit int) ([]AuditEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, action, old_values, new_values, changed_by,
			COALESCE(role, ''), COALESCE(device_info, ''), created_at
		FROM audit_log
		ORDER BY created_at DESC, id DESC
		LIMIT ?;
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent changes: %w", err)
	}
	defer rows.Close()
	return collectAuditRows(rows.Next, rows.Scan, rows.Err)
}

// EnrichLatestDevice stamps the newest audit entry for a task with the device
// descriptor from the context. Best-effort: device info arrives on a separate
// request after the mutation, so a miss is not an error.
func (s *Store) EnrichLatestDevice(ctx context.Context, taskID string) error {
	device := shared.DeviceInfo(ctx)
	if device == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE audit_log SET device_info = ?
		WHERE id = (SELECT MAX(id) FROM audit_log WHERE task_id = ?)
			AND device_info IS NULL;
	`, device, taskID)
	if err != nil {
		return fmt.Errorf("enrich audit device: %w", err)
	}
	return nil
}

func collectAuditRows(next func() bool, scan func(...any) error, rowsErr func() error) ([]AuditEntry, error) {
	var out []AuditEntry
	for next() {
		var e AuditEntry
		if err := scan(&e.ID, &e.TaskID, &e.Action, &e.OldValues, &e.NewValues,
			&e.ChangedBy, &e.Role, &e.DeviceInfo, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		out = append(out, e)
	}
	if err := rowsErr(); err != nil {
		return nil, fmt.Errorf("audit rows: %w", err)
	}
	return out, nil
}
