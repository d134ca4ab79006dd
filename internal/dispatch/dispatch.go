// Package dispatch routes tasks leaving the design stage into the estimation
// and operations pipelines, and handles mockup completion hand-back.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/basket/opspipe/internal/notify"
	"github.com/basket/opspipe/internal/otel"
	"github.com/basket/opspipe/internal/persistence"
)

var (
	// ErrNoDestination means the dispatch request selected neither pipeline.
	ErrNoDestination = errors.New("no destination selected")
	// ErrNoEstimatorConfigured means estimation was selected but no user
	// holds the estimator role. Fatal, with no partial mutation.
	ErrNoEstimatorConfigured = errors.New("no estimator configured")
)

// Destinations selects which pipelines receive the task.
type Destinations struct {
	Estimation bool `json:"estimation"`
	Operations bool `json:"operations"`
}

// OperationsDetails carries the operations-side payload of a dispatch: twin
// assignment, delivery fields and the full desired workflow for this round.
// Steps, when present, REPLACE the twin's workflow rather than appending.
type OperationsDetails struct {
	AssignedTo      string                `json:"assigned_to"`
	DeliveryAddress string                `json:"delivery_address"`
	DeliveryNotes   string                `json:"delivery_instructions"`
	Priority        int                   `json:"priority"`
	DueDate         *time.Time            `json:"due_date"`
	Steps           []persistence.NewStep `json:"steps"`
}

// Result reports what a dispatch actually did.
type Result struct {
	Notified    []string                   `json:"notified"`
	Estimator   *persistence.User          `json:"estimator,omitempty"`
	Twin        *persistence.Task          `json:"twin,omitempty"`
	TwinCreated bool                       `json:"twin_created"`
	Original    *persistence.Task          `json:"original"`
	Steps       []persistence.WorkflowStep `json:"steps,omitempty"`
}

// Engine executes dispatches against the store. Notification delivery is
// best-effort: a failed notify is logged, never rolled back.
type Engine struct {
	store             *persistence.Store
	notifier          notify.Notifier
	logger            *slog.Logger
	metrics           *otel.Metrics
	preserveCompleted bool
}

func NewEngine(store *persistence.Store, notifier notify.Notifier, logger *slog.Logger, metrics *otel.Metrics, preserveCompleted bool) *Engine {
	return &Engine{
		store:             store,
		notifier:          notifier,
		logger:            logger,
		metrics:           metrics,
		preserveCompleted: preserveCompleted,
	}
}

// Dispatch routes one task to the selected pipelines. Estimation resolves the
// assignee before any mutation so a missing estimator aborts cleanly. The
// operations leg is idempotent: repeat calls reuse the existing twin.
func (e *Engine) Dispatch(ctx context.Context, taskID string, dest Destinations, ops *OperationsDetails) (*Result, error) {
	if !dest.Estimation && !dest.Operations {
		return nil, ErrNoDestination
	}

	original, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		e.countDispatch(ctx, "error")
		return nil, err
	}
	if original.Deleted() {
		e.countDispatch(ctx, "error")
		return nil, persistence.ErrTaskNotFound
	}

	res := &Result{Original: original}

	var estimator *persistence.User
	if dest.Estimation {
		estimators, err := e.store.ListUsersWithRole(ctx, persistence.RoleEstimator)
		if err != nil {
			e.countDispatch(ctx, "error")
			return nil, fmt.Errorf("resolve estimator: %w", err)
		}
		if len(estimators) == 0 {
			e.countDispatch(ctx, "error")
			return nil, ErrNoEstimatorConfigured
		}
		estimator = &estimators[0]
	}

	if dest.Estimation {
		var addr, notes string
		if ops != nil {
			addr, notes = ops.DeliveryAddress, ops.DeliveryNotes
		}
		updated, err := e.store.RouteToEstimation(ctx, original.ID, estimator.ID, addr, notes)
		if err != nil {
			e.countDispatch(ctx, "error")
			return nil, fmt.Errorf("route to estimation: %w", err)
		}
		res.Original = updated
		res.Estimator = estimator
		e.send(ctx, notify.Notification{
			RecipientID: estimator.ID,
			Title:       "Task assigned for estimation",
			Message:     fmt.Sprintf("%s moved to your production queue", updated.Title),
			Priority:    notify.PriorityHigh,
		})
		res.Notified = append(res.Notified, "estimation")
	}

	if dest.Operations {
		var tf persistence.TwinFields
		if ops != nil {
			tf = persistence.TwinFields{
				AssignedTo:      ops.AssignedTo,
				DeliveryAddress: ops.DeliveryAddress,
				DeliveryNotes:   ops.DeliveryNotes,
				Priority:        ops.Priority,
				DueDate:         ops.DueDate,
			}
		}
		twin, created, err := e.store.UpsertOperationsTwin(ctx, res.Original, tf)
		if err != nil {
			e.countDispatch(ctx, "error")
			return nil, fmt.Errorf("upsert operations twin: %w", err)
		}
		res.Twin = twin
		res.TwinCreated = created

		if ops != nil && len(ops.Steps) > 0 {
			steps, err := e.store.ReplaceSteps(ctx, twin.ID, ops.Steps, e.preserveCompleted)
			if err != nil {
				e.countDispatch(ctx, "error")
				return nil, fmt.Errorf("replace workflow steps: %w", err)
			}
			res.Steps = steps
		}

		n := notify.Notification{
			RecipientID: notify.Broadcast,
			Title:       "Production order updated",
			Message:     fmt.Sprintf("%s dispatched to operations", res.Original.Title),
			Priority:    notify.PriorityNormal,
		}
		if twin.AssignedTo != "" {
			n.RecipientID = twin.AssignedTo
		}
		e.send(ctx, n)
		res.Notified = append(res.Notified, "operations")
	}

	e.countDispatch(ctx, "ok")
	return res, nil
}

// CompleteMockup finishes the design leg of a task. The clone is created
// first so a failed insert leaves the original untouched; product copying is
// best-effort. The original then moves to with_client with the design overlay
// marked returned.
func (e *Engine) CompleteMockup(ctx context.Context, taskID, designerID, remarks string) (original, clone *persistence.Task, err error) {
	orig, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, nil, err
	}
	if orig.Deleted() {
		return nil, nil, persistence.ErrTaskNotFound
	}

	owner := orig.AssignedTo
	if owner == "" {
		owner = orig.CreatedBy
	}
	clone, copyErr, err := e.store.CloneTask(ctx, orig.ID, owner, remarks)
	if err != nil {
		return nil, nil, fmt.Errorf("clone task on mockup completion: %w", err)
	}
	if copyErr != nil {
		e.logger.Warn("mockup clone product copy incomplete",
			"task_id", orig.ID, "clone_id", clone.ID, "error", copyErr)
	}

	if err := e.store.SetDesignState(ctx, orig.ID, persistence.DesignReturned, designerID); err != nil {
		return nil, nil, fmt.Errorf("mark design returned: %w", err)
	}
	var updated *persistence.Task
	if orig.Status == persistence.StatusWithClient {
		// Already with the client: skip the transition so the trail never
		// records a with_client -> with_client self-move.
		updated, err = e.store.GetTask(ctx, orig.ID)
		if err != nil {
			return nil, nil, err
		}
	} else {
		updated, err = e.store.ChangeStatus(ctx, orig.ID, nil, persistence.StatusWithClient)
		if err != nil {
			return nil, nil, fmt.Errorf("move original to with_client: %w", err)
		}
	}

	e.send(ctx, notify.Notification{
		RecipientID: owner,
		Title:       "Mockup completed",
		Message:     fmt.Sprintf("%s is back from design", updated.Title),
		Priority:    notify.PriorityNormal,
	})
	return updated, clone, nil
}

func (e *Engine) send(ctx context.Context, n notify.Notification) {
	if e.notifier == nil {
		return
	}
	if err := e.notifier.Notify(ctx, n); err != nil {
		e.logger.Warn("notification delivery failed",
			"recipient", n.RecipientID, "title", n.Title, "error", err)
		if e.metrics != nil {
			e.metrics.NotificationsDropped.Add(ctx, 1)
		}
	}
}

func (e *Engine) countDispatch(ctx context.Context, outcome string) {
	if e.metrics == nil {
		return
	}
	if outcome == "ok" {
		e.metrics.DispatchesTotal.Add(ctx, 1)
	} else {
		e.metrics.DispatchErrors.Add(ctx, 1)
	}
}
