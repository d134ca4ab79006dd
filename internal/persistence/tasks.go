package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/basket/opspipe/internal/audit"
	"github.com/basket/opspipe/internal/bus"
	"github.com/basket/opspipe/internal/shared"
)

var (
	ErrTaskNotFound   = errors.New("task not found")
	ErrStatusConflict = errors.New("task status changed concurrently")
)

// NewTask carries the fields for task insertion.
type NewTask struct {
	Title           string
	Type            TaskType
	Status          Status
	DesignState     DesignState
	AssignedTo      string
	CreatedBy       string
	ClientName      string
	Supplier        string
	Priority        int
	DueDate         *time.Time
	AdminRemarks    string
	DeliveryAddress string
	DeliveryNotes   string
	SiblingTaskID   string
	ClonedFromID    string
}

func mustJSON(v map[string]any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(b)
}

// appendAuditTx writes one audit_log row inside the mutating transaction.
// The actor, role and device descriptor ride in on the context.
func appendAuditTx(ctx context.Context, tx *sql.Tx, taskID, action, oldValues, newValues string) error {
	if oldValues == "" {
		oldValues = "{}"
	}
	if newValues == "" {
		newValues = "{}"
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO audit_log (task_id, action, old_values, new_values, changed_by, role, device_info, created_at)
		VALUES (?, ?, ?, ?, ?, NULLIF(?, ''), NULLIF(?, ''), CURRENT_TIMESTAMP);
	`, taskID, action, oldValues, newValues, shared.Actor(ctx), shared.Role(ctx), shared.DeviceInfo(ctx))
	if err != nil {
		return fmt.Errorf("insert audit_log: %w", err)
	}
	return nil
}

// mirrorAudit forwards the entry to the JSONL trail after commit. Best-effort.
func mirrorAudit(ctx context.Context, taskID, action, oldValues, newValues string) {
	audit.Record(audit.Entry{
		TaskID:    taskID,
		Action:    action,
		OldValues: oldValues,
		NewValues: newValues,
		ChangedBy: shared.Actor(ctx),
		Role:      shared.Role(ctx),
	})
}

func (s *Store) CreateTask(ctx context.Context, nt NewTask) (*Task, error) {
	if nt.Title == "" {
		return nil, fmt.Errorf("task title required")
	}
	if nt.Status == "" {
		nt.Status = StatusTodo
	}
	if !KnownStatus(nt.Status) {
		return nil, fmt.Errorf("unknown status %q", nt.Status)
	}
	if nt.Type == "" {
		nt.Type = TypeGeneral
	}
	if nt.DesignState == "" {
		nt.DesignState = DesignNone
	}

	taskID := uuid.NewString()
	newValues := mustJSON(map[string]any{"status": string(nt.Status), "type": string(nt.Type), "title": nt.Title})
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin create task tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO tasks (
				id, title, type, status, design_state, assigned_to, created_by,
				client_name, supplier, priority, due_date, admin_remarks,
				delivery_address, delivery_instructions, sibling_task_id,
				cloned_from_task_id, created_at, updated_at
			)
			VALUES (?, ?, ?, ?, ?, NULLIF(?, ''), ?, NULLIF(?, ''), NULLIF(?, ''), ?, ?,
				NULLIF(?, ''), NULLIF(?, ''), NULLIF(?, ''), NULLIF(?, ''), NULLIF(?, ''),
				CURRENT_TIMESTAMP, CURRENT_TIMESTAMP);
		`, taskID, nt.Title, nt.Type, nt.Status, nt.DesignState, nt.AssignedTo, nt.CreatedBy,
			nt.ClientName, nt.Supplier, nt.Priority, nt.DueDate, nt.AdminRemarks,
			nt.DeliveryAddress, nt.DeliveryNotes, nt.SiblingTaskID, nt.ClonedFromID); err != nil {
			return fmt.Errorf("create task: %w", err)
		}
		if err := appendAuditTx(ctx, tx, taskID, ActionCreated, "{}", newValues); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return nil, err
	}

	mirrorAudit(ctx, taskID, ActionCreated, "{}", newValues)
	s.publish(bus.TopicTaskCreated, bus.TaskChangedEvent{
		TaskID:     taskID,
		Pipeline:   string(nt.Type),
		AssignedTo: nt.AssignedTo,
		NewStatus:  string(nt.Status),
	})
	return s.GetTask(ctx, taskID)
}

func (s *Store) GetTask(ctx context.Context, taskID string) (*Task, error) {
	var task Task
	err := scanTask(s.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE id = ?;`, taskID).Scan, &task)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return &task, nil
}

// TaskFilter narrows ListTasks. Zero values mean "no filter".
type TaskFilter struct {
	Status         Status
	Type           TaskType
	AssignedTo     string
	IncludeDeleted bool
}

func (s *Store) ListTasks(ctx context.Context, f TaskFilter) ([]Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE 1=1`
	var args []any
	if !f.IncludeDeleted {
		query += ` AND deleted_at IS NULL`
	}
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, f.Status)
	}
	if f.Type != "" {
		query += ` AND type = ?`
		args = append(args, f.Type)
	}
	if f.AssignedTo != "" {
		query += ` AND assigned_to = ?`
		args = append(args, f.AssignedTo)
	}
	query += ` ORDER BY created_at DESC, id DESC;`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		var t Task
		if err := scanTask(rows.Scan, &t); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("task rows: %w", err)
	}
	return out, nil
}

// ChangeStatus moves a task to a new status, recording previous_status,
// status_changed_at and an audit entry in one transaction. When expectFrom is
// non-empty the update is conditional on the current status; a mismatch
// returns ErrStatusConflict so the caller can refetch and decide.
func (s *Store) ChangeStatus(ctx context.Context, taskID string, expectFrom []Status, to Status) (*Task, error) {
	if !KnownStatus(to) {
		return nil, fmt.Errorf("unknown status %q", to)
	}

	var oldStatus Status
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin status tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if err := tx.QueryRowContext(ctx, `
			SELECT status FROM tasks WHERE id = ? AND deleted_at IS NULL;
		`, taskID).Scan(&oldStatus); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrTaskNotFound
			}
			return fmt.Errorf("read status: %w", err)
		}
		if len(expectFrom) > 0 && !slices.Contains(expectFrom, oldStatus) {
			return ErrStatusConflict
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE tasks
			SET status = ?, previous_status = ?, status_changed_at = CURRENT_TIMESTAMP,
				updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status = ?;
		`, to, oldStatus, taskID, oldStatus)
		if err != nil {
			return fmt.Errorf("update status: %w", err)
		}
		if n, _ := res.RowsAffected(); n != 1 {
			return ErrStatusConflict
		}
		if err := appendAuditTx(ctx, tx, taskID, ActionStatusChanged,
			mustJSON(map[string]any{"status": string(oldStatus)}),
			mustJSON(map[string]any{"status": string(to)})); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return nil, err
	}

	mirrorAudit(ctx, taskID, ActionStatusChanged,
		mustJSON(map[string]any{"status": string(oldStatus)}),
		mustJSON(map[string]any{"status": string(to)}))
	task, err := s.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	s.publish(bus.TopicTaskStatusChanged, bus.TaskChangedEvent{
		TaskID:     taskID,
		Pipeline:   string(task.Type),
		AssignedTo: task.AssignedTo,
		OldStatus:  string(oldStatus),
		NewStatus:  string(to),
	})
	return task, nil
}

// SetDesignState moves the design overlay, independently of the primary status.
func (s *Store) SetDesignState(ctx context.Context, taskID string, to DesignState, designerID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin design state tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var old DesignState
	if err := tx.QueryRowContext(ctx, `
		SELECT design_state FROM tasks WHERE id = ? AND deleted_at IS NULL;
	`, taskID).Scan(&old); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrTaskNotFound
		}
		return fmt.Errorf("read design state: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE tasks
		SET design_state = ?, completed_by_designer = COALESCE(NULLIF(?, ''), completed_by_designer),
			updated_at = CURRENT_TIMESTAMP
		WHERE id = ?;
	`, to, designerID, taskID); err != nil {
		return fmt.Errorf("update design state: %w", err)
	}
	oldVals := mustJSON(map[string]any{"design_state": string(old)})
	newVals := mustJSON(map[string]any{"design_state": string(to)})
	if err := appendAuditTx(ctx, tx, taskID, ActionFlagsChanged, oldVals, newVals); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit design state tx: %w", err)
	}
	mirrorAudit(ctx, taskID, ActionFlagsChanged, oldVals, newVals)
	return nil
}

// RouteToEstimation performs the estimation leg of a dispatch in one
// transaction: production status, estimator assignment, design overlay marked
// returned, removed_from_production set, delivery fields merged when provided.
func (s *Store) RouteToEstimation(ctx context.Context, taskID, estimatorID, deliveryAddress, deliveryNotes string) (*Task, error) {
	var oldStatus Status
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin route estimation tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if err := tx.QueryRowContext(ctx, `
			SELECT status FROM tasks WHERE id = ? AND deleted_at IS NULL;
		`, taskID).Scan(&oldStatus); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrTaskNotFound
			}
			return fmt.Errorf("read status: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE tasks
			SET status = ?, previous_status = ?, status_changed_at = CURRENT_TIMESTAMP,
				assigned_to = ?, design_state = ?, removed_from_production = 1,
				delivery_address = COALESCE(NULLIF(?, ''), delivery_address),
				delivery_instructions = COALESCE(NULLIF(?, ''), delivery_instructions),
				updated_at = CURRENT_TIMESTAMP
			WHERE id = ?;
		`, StatusProduction, oldStatus, estimatorID, DesignReturned, deliveryAddress, deliveryNotes, taskID); err != nil {
			return fmt.Errorf("route to estimation: %w", err)
		}
		if err := appendAuditTx(ctx, tx, taskID, ActionStatusChanged,
			mustJSON(map[string]any{"status": string(oldStatus)}),
			mustJSON(map[string]any{"status": string(StatusProduction), "assigned_to": estimatorID})); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return nil, err
	}

	mirrorAudit(ctx, taskID, ActionStatusChanged,
		mustJSON(map[string]any{"status": string(oldStatus)}),
		mustJSON(map[string]any{"status": string(StatusProduction), "assigned_to": estimatorID}))
	s.publish(bus.TopicTaskStatusChanged, bus.TaskChangedEvent{
		TaskID:     taskID,
		AssignedTo: estimatorID,
		OldStatus:  string(oldStatus),
		NewStatus:  string(StatusProduction),
	})
	return s.GetTask(ctx, taskID)
}

// SiblingOf returns the most recently created live operations twin pointing at
// originalID, or nil when none exists.
func (s *Store) SiblingOf(ctx context.Context, originalID string) (*Task, error) {
	var task Task
	err := scanTask(s.db.QueryRowContext(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE sibling_task_id = ? AND deleted_at IS NULL
		ORDER BY created_at DESC, id DESC
		LIMIT 1;
	`, originalID).Scan, &task)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find sibling: %w", err)
	}
	return &task, nil
}

// TwinFields are the mutable fields a re-dispatch may refresh on an existing
// operations twin.
type TwinFields struct {
	AssignedTo      string
	DeliveryAddress string
	DeliveryNotes   string
	Priority        int
	DueDate         *time.Time
}

// UpsertOperationsTwin finds or creates the operations twin for original.
// The partial unique index on sibling_task_id makes the create race-safe: a
// concurrent insert surfaces as a UNIQUE violation, downgraded here to the
// update path. Returns the twin and whether it was created by this call.
func (s *Store) UpsertOperationsTwin(ctx context.Context, original *Task, tf TwinFields) (*Task, bool, error) {
	twin, err := s.SiblingOf(ctx, original.ID)
	if err != nil {
		return nil, false, err
	}
	if twin != nil {
		if err := s.updateTwin(ctx, twin.ID, tf); err != nil {
			return nil, false, err
		}
		twin, err = s.GetTask(ctx, twin.ID)
		return twin, false, err
	}

	created, err := s.insertTwin(ctx, original, tf)
	if err == nil {
		return created, true, nil
	}
	if !isUniqueViolation(err) {
		return nil, false, err
	}
	// Lost the race: another dispatch inserted the twin first. Update it.
	twin, err = s.SiblingOf(ctx, original.ID)
	if err != nil {
		return nil, false, err
	}
	if twin == nil {
		return nil, false, fmt.Errorf("twin vanished after unique conflict for task %s", original.ID)
	}
	if err := s.updateTwin(ctx, twin.ID, tf); err != nil {
		return nil, false, err
	}
	twin, err = s.GetTask(ctx, twin.ID)
	return twin, false, err
}

func (s *Store) insertTwin(ctx context.Context, original *Task, tf TwinFields) (*Task, error) {
	priority := tf.Priority
	if priority == 0 {
		priority = original.Priority
	}
	due := tf.DueDate
	if due == nil {
		due = original.DueDate
	}
	return s.CreateTask(ctx, NewTask{
		Title:           original.Title,
		Type:            TypeProduction,
		Status:          StatusProduction,
		AssignedTo:      tf.AssignedTo,
		CreatedBy:       shared.Actor(ctx),
		ClientName:      original.ClientName,
		Supplier:        original.Supplier,
		Priority:        priority,
		DueDate:         due,
		DeliveryAddress: tf.DeliveryAddress,
		DeliveryNotes:   tf.DeliveryNotes,
		SiblingTaskID:   original.ID,
	})
}

func (s *Store) updateTwin(ctx context.Context, twinID string, tf TwinFields) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin twin update tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		UPDATE tasks
		SET assigned_to = COALESCE(NULLIF(?, ''), assigned_to),
			delivery_address = COALESCE(NULLIF(?, ''), delivery_address),
			delivery_instructions = COALESCE(NULLIF(?, ''), delivery_instructions),
			priority = CASE WHEN ? != 0 THEN ? ELSE priority END,
			due_date = COALESCE(?, due_date),
			updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND deleted_at IS NULL;
	`, tf.AssignedTo, tf.DeliveryAddress, tf.DeliveryNotes, tf.Priority, tf.Priority, tf.DueDate, twinID); err != nil {
		return fmt.Errorf("update twin: %w", err)
	}
	newVals := mustJSON(map[string]any{"assigned_to": tf.AssignedTo})
	if err := appendAuditTx(ctx, tx, twinID, ActionDispatched, "{}", newVals); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit twin update tx: %w", err)
	}
	mirrorAudit(ctx, twinID, ActionDispatched, "{}", newVals)
	return nil
}

// CloneTask creates an independent copy of a task for a new owner, copying
// every product line with approval reset to pending. The clone insert is
// fatal on failure; product copying is best-effort and reported via copyErr
// so callers can log it without failing the operation.
func (s *Store) CloneTask(ctx context.Context, originalID, ownerID, remarks string) (clone *Task, copyErr error, err error) {
	original, err := s.GetTask(ctx, originalID)
	if err != nil {
		return nil, nil, err
	}
	clone, err = s.CreateTask(ctx, NewTask{
		Title:        original.Title,
		Type:         original.Type,
		Status:       StatusTodo,
		AssignedTo:   ownerID,
		CreatedBy:    shared.Actor(ctx),
		ClientName:   original.ClientName,
		Supplier:     original.Supplier,
		Priority:     original.Priority,
		DueDate:      original.DueDate,
		AdminRemarks: remarks,
		ClonedFromID: original.ID,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("insert clone: %w", err)
	}

	products, perr := s.ListProductLines(ctx, originalID)
	if perr != nil {
		return clone, fmt.Errorf("list products for clone: %w", perr), nil
	}
	for _, p := range products {
		if _, cerr := s.db.ExecContext(ctx, `
			INSERT INTO product_lines (id, task_id, product_name, quantity, unit, supplier_name, estimated_price, approval_status, position)
			VALUES (?, ?, ?, ?, NULLIF(?, ''), NULLIF(?, ''), ?, 'pending', ?);
		`, uuid.NewString(), clone.ID, p.ProductName, p.Quantity, p.Unit, p.SupplierName, p.EstimatedPrice, p.Position); cerr != nil {
			copyErr = errors.Join(copyErr, fmt.Errorf("copy product %s: %w", p.ProductName, cerr))
		}
	}
	return clone, copyErr, nil
}

// SoftDeleteDoneBefore marks done tasks older than cutoff as deleted. Rows are
// never hard-deleted; analytics keeps reading them within the reporting window.
func (s *Store) SoftDeleteDoneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin retention tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `
		SELECT id FROM tasks
		WHERE status = ? AND deleted_at IS NULL AND updated_at < ?;
	`, StatusDone, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("query retention candidates: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return 0, fmt.Errorf("scan retention candidate: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("retention rows: %w", err)
	}

	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, `
			UPDATE tasks SET deleted_at = CURRENT_TIMESTAMP, updated_at = CURRENT_TIMESTAMP
			WHERE id = ?;
		`, id); err != nil {
			return 0, fmt.Errorf("soft delete task %s: %w", id, err)
		}
		if err := appendAuditTx(ctx, tx, id, ActionDeleted, "{}",
			mustJSON(map[string]any{"deleted": true})); err != nil {
			return 0, err
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit retention tx: %w", err)
	}

	for _, id := range ids {
		s.publish(bus.TopicTaskDeleted, bus.TaskChangedEvent{TaskID: id, NewStatus: string(StatusDone)})
	}
	return int64(len(ids)), nil
}

// MetricsCounts is a point-in-time snapshot of pipeline load, served by the
// gateway's metrics endpoint.
type MetricsCounts struct {
	Todo           int64
	EstimationOpen int64
	Production     int64
	WithClient     int64
	Done           int64
	StepsPending   int64
	StepsCompleted int64
}

func (s *Store) MetricsCounts(ctx context.Context) (MetricsCounts, error) {
	var m MetricsCounts
	row := s.db.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(CASE WHEN status = 'todo' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status IN ('supplier_quotes', 'client_approval', 'admin_cost_approval', 'quotation_bill') THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'production' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'with_client' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'done' THEN 1 ELSE 0 END), 0)
		FROM tasks
		WHERE deleted_at IS NULL;
	`)
	if err := row.Scan(&m.Todo, &m.EstimationOpen, &m.Production, &m.WithClient, &m.Done); err != nil {
		return m, fmt.Errorf("metrics counts: %w", err)
	}
	row = s.db.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(CASE WHEN status = 'pending' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'completed' THEN 1 ELSE 0 END), 0)
		FROM workflow_steps;
	`)
	if err := row.Scan(&m.StepsPending, &m.StepsCompleted); err != nil {
		return m, fmt.Errorf("metrics step counts: %w", err)
	}
	return m, nil
}
