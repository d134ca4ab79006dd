package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/basket/opspipe/internal/bus"
)

var (
	ErrStepNotFound         = errors.New("workflow step not found")
	ErrStepAlreadyCompleted = errors.New("workflow step already completed")
)

// NewStep carries the fields for one step in a replacement batch. Order is
// the slice position; callers never number steps themselves.
type NewStep struct {
	StepType        StepType
	SupplierName    string
	LocationAddress string
	LocationNotes   string
	OriginSupplier  string
	OriginAddress   string
	DueDate         *time.Time
	Products        []NewProduct
}

type NewProduct struct {
	ProductName    string
	Quantity       float64
	Unit           string
	SupplierName   string
	EstimatedPrice float64
}

// ReplaceSteps swaps a task's workflow for the given batch in one transaction.
// With preserveCompleted, completed steps survive and the new batch is
// renumbered after them; otherwise everything is deleted first. Product lines
// attached to deleted steps go with them via the FK cascade.
func (s *Store) ReplaceSteps(ctx context.Context, taskID string, steps []NewStep, preserveCompleted bool) ([]WorkflowStep, error) {
	for _, ns := range steps {
		if !KnownStepType(ns.StepType) {
			return nil, fmt.Errorf("unknown step type %q", ns.StepType)
		}
	}

	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin replace steps tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var exists int
		if err := tx.QueryRowContext(ctx, `
			SELECT COUNT(1) FROM tasks WHERE id = ? AND deleted_at IS NULL;
		`, taskID).Scan(&exists); err != nil {
			return fmt.Errorf("check task: %w", err)
		}
		if exists == 0 {
			return ErrTaskNotFound
		}

		nextOrder := 0
		if preserveCompleted {
			var maxCompleted sql.NullInt64
			if err := tx.QueryRowContext(ctx, `
				SELECT MAX(step_order) FROM workflow_steps
				WHERE task_id = ? AND status = 'completed';
			`, taskID).Scan(&maxCompleted); err != nil {
				return fmt.Errorf("read completed step orders: %w", err)
			}
			if maxCompleted.Valid {
				nextOrder = int(maxCompleted.Int64) + 1
			}
			if _, err := tx.ExecContext(ctx, `
				DELETE FROM workflow_steps WHERE task_id = ? AND status = 'pending';
			`, taskID); err != nil {
				return fmt.Errorf("delete pending steps: %w", err)
			}
		} else {
			if _, err := tx.ExecContext(ctx, `
				DELETE FROM workflow_steps WHERE task_id = ?;
			`, taskID); err != nil {
				return fmt.Errorf("delete steps: %w", err)
			}
		}

		for i, ns := range steps {
			stepID := uuid.NewString()
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO workflow_steps (
					id, task_id, step_order, step_type, supplier_name,
					location_address, location_notes, origin_supplier, origin_address,
					due_date, status, created_at
				)
				VALUES (?, ?, ?, ?, NULLIF(?, ''), NULLIF(?, ''), NULLIF(?, ''),
					NULLIF(?, ''), NULLIF(?, ''), ?, 'pending', CURRENT_TIMESTAMP);
			`, stepID, taskID, nextOrder+i, ns.StepType, ns.SupplierName,
				ns.LocationAddress, ns.LocationNotes, ns.OriginSupplier, ns.OriginAddress,
				ns.DueDate); err != nil {
				return fmt.Errorf("insert step %d: %w", i, err)
			}
			for j, p := range ns.Products {
				if _, err := tx.ExecContext(ctx, `
					INSERT INTO product_lines (id, task_id, workflow_step_id, product_name, quantity, unit, supplier_name, estimated_price, approval_status, position)
					VALUES (?, ?, ?, ?, ?, NULLIF(?, ''), NULLIF(?, ''), ?, 'pending', ?);
				`, uuid.NewString(), taskID, stepID, p.ProductName, p.Quantity, p.Unit,
					p.SupplierName, p.EstimatedPrice, j); err != nil {
					return fmt.Errorf("insert product %d of step %d: %w", j, i, err)
				}
			}
		}

		if err := appendAuditTx(ctx, tx, taskID, ActionDispatched, "{}",
			mustJSON(map[string]any{"steps": len(steps), "preserve_completed": preserveCompleted})); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return nil, err
	}

	mirrorAudit(ctx, taskID, ActionDispatched, "{}",
		mustJSON(map[string]any{"steps": len(steps), "preserve_completed": preserveCompleted}))
	s.publish(bus.TopicStepReplaced, bus.StepChangedEvent{TaskID: taskID})
	return s.ListSteps(ctx, taskID)
}

func (s *Store) ListSteps(ctx context.Context, taskID string) ([]WorkflowStep, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+stepColumns+` FROM workflow_steps
		WHERE task_id = ?
		ORDER BY step_order ASC;
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list steps: %w", err)
	}
	defer rows.Close()

	var out []WorkflowStep
	for rows.Next() {
		var st WorkflowStep
		if err := scanStep(rows.Scan, &st); err != nil {
			return nil, fmt.Errorf("scan step: %w", err)
		}
		out = append(out, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("step rows: %w", err)
	}
	return out, nil
}

func (s *Store) GetStep(ctx context.Context, stepID string) (*WorkflowStep, error) {
	var st WorkflowStep
	err := scanStep(s.db.QueryRowContext(ctx,
		`SELECT `+stepColumns+` FROM workflow_steps WHERE id = ?;`, stepID).Scan, &st)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrStepNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get step: %w", err)
	}
	return &st, nil
}

// CompleteStep marks a pending step completed. The update is conditional on
// status='pending', so a repeat completion affects zero rows and comes back as
// ErrStepAlreadyCompleted with the unchanged row; completed_at and
// completed_by keep their first values.
func (s *Store) CompleteStep(ctx context.Context, stepID, userID string) (*WorkflowStep, error) {
	var completedNow bool
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin complete step tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		res, err := tx.ExecContext(ctx, `
			UPDATE workflow_steps
			SET status = 'completed', completed_at = CURRENT_TIMESTAMP, completed_by = ?
			WHERE id = ? AND status = 'pending';
		`, userID, stepID)
		if err != nil {
			return fmt.Errorf("complete step: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("complete step rows affected: %w", err)
		}
		completedNow = n == 1
		if !completedNow {
			return tx.Commit()
		}

		var taskID string
		if err := tx.QueryRowContext(ctx, `
			SELECT task_id FROM workflow_steps WHERE id = ?;
		`, stepID).Scan(&taskID); err != nil {
			return fmt.Errorf("read step task: %w", err)
		}
		if err := appendAuditTx(ctx, tx, taskID, ActionStepCompleted, "{}",
			mustJSON(map[string]any{"step_id": stepID, "completed_by": userID})); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return nil, err
	}

	st, err := s.GetStep(ctx, stepID)
	if err != nil {
		return nil, err
	}
	if !completedNow {
		return st, ErrStepAlreadyCompleted
	}

	mirrorAudit(ctx, st.TaskID, ActionStepCompleted, "{}",
		mustJSON(map[string]any{"step_id": stepID, "completed_by": userID}))
	s.publish(bus.TopicStepCompleted, bus.StepChangedEvent{
		TaskID:      st.TaskID,
		StepID:      st.ID,
		StepType:    string(st.StepType),
		Status:      string(st.Status),
		CompletedBy: userID,
	})
	return st, nil
}

func (s *Store) ListProductLines(ctx context.Context, taskID string) ([]ProductLine, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, COALESCE(workflow_step_id, ''), product_name, quantity,
			COALESCE(unit, ''), COALESCE(supplier_name, ''), estimated_price,
			approval_status, position
		FROM product_lines
		WHERE task_id = ?
		ORDER BY position ASC, id ASC;
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list product lines: %w", err)
	}
	defer rows.Close()

	var out []ProductLine
	for rows.Next() {
		var p ProductLine
		if err := rows.Scan(&p.ID, &p.TaskID, &p.WorkflowStepID, &p.ProductName, &p.Quantity,
			&p.Unit, &p.SupplierName, &p.EstimatedPrice, &p.ApprovalStatus, &p.Position); err != nil {
			return nil, fmt.Errorf("scan product line: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("product rows: %w", err)
	}
	return out, nil
}

// BoardRow is one line of the operations board: a live production task with
// its next pending step and the supplier the goods currently sit with.
type BoardRow struct {
	Task          Task          `json:"task"`
	NextStep      *WorkflowStep `json:"next_step,omitempty"`
	GoodsLocation string        `json:"goods_location"`
	PendingSteps  int           `json:"pending_steps"`
	TotalSteps    int           `json:"total_steps"`
}

// OperationsBoard lists live production tasks with their workflow position.
// GoodsLocation is derived at query time from the latest completed step:
// a completed transfer places goods at its destination supplier, not a
// stored field.
func (s *Store) OperationsBoard(ctx context.Context) ([]BoardRow, error) {
	tasks, err := s.ListTasks(ctx, TaskFilter{Status: StatusProduction, Type: TypeProduction})
	if err != nil {
		return nil, err
	}

	out := make([]BoardRow, 0, len(tasks))
	for _, t := range tasks {
		steps, err := s.ListSteps(ctx, t.ID)
		if err != nil {
			return nil, err
		}
		row := BoardRow{Task: t, TotalSteps: len(steps), GoodsLocation: "with_us"}
		var lastCompleted *WorkflowStep
		for i := range steps {
			switch steps[i].Status {
			case StepCompleted:
				lastCompleted = &steps[i]
			case StepPending:
				row.PendingSteps++
				if row.NextStep == nil {
					step := steps[i]
					row.NextStep = &step
				}
			}
		}
		if lastCompleted != nil {
			switch lastCompleted.StepType {
			case StepCollect:
				row.GoodsLocation = "with_us"
			case StepDeliverToSupplier, StepSupplierToSupplier:
				if lastCompleted.SupplierName != "" {
					row.GoodsLocation = lastCompleted.SupplierName
				}
			case StepDeliverToClient:
				row.GoodsLocation = "with_client"
			}
		}
		out = append(out, row)
	}
	return out, nil
}
