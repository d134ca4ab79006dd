// Package fieldops serves the field crew: completing workflow steps and the
// operations board they work from.
package fieldops

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/basket/opspipe/internal/otel"
	"github.com/basket/opspipe/internal/persistence"
)

type Engine struct {
	store   *persistence.Store
	logger  *slog.Logger
	metrics *otel.Metrics
	now     func() time.Time
}

func NewEngine(store *persistence.Store, logger *slog.Logger, metrics *otel.Metrics) *Engine {
	return &Engine{store: store, logger: logger, metrics: metrics, now: time.Now}
}

// CompleteStep marks a step done for a user. A lost race against another
// completion is a quiet success: the step is done either way, only the first
// completer keeps the credit. Streak and badge bookkeeping are best-effort.
func (e *Engine) CompleteStep(ctx context.Context, stepID, userID string) (*persistence.WorkflowStep, error) {
	step, err := e.store.CompleteStep(ctx, stepID, userID)
	if errors.Is(err, persistence.ErrStepAlreadyCompleted) {
		return step, nil
	}
	if err != nil {
		return nil, err
	}

	if e.metrics != nil {
		e.metrics.StepsCompleted.Add(ctx, 1)
		if step.CompletedAt != nil {
			lag := step.CompletedAt.Sub(step.CreatedAt).Hours()
			if lag < 0 {
				lag = 0
			}
			e.metrics.StepCompletionLagH.Record(ctx, lag)
		}
	}

	e.recordProgress(ctx, step, userID)
	return step, nil
}

func (e *Engine) recordProgress(ctx context.Context, step *persistence.WorkflowStep, userID string) {
	day := e.now().Format("2006-01-02")
	if err := e.store.RecordDailyActivity(ctx, userID, day); err != nil {
		e.logger.Warn("record daily activity", "user", userID, "error", err)
	}

	badges := []string{persistence.BadgeTenSteps, persistence.BadgeFiftySteps}
	if step.StepType == persistence.StepDeliverToClient {
		badges = append(badges, persistence.BadgeFirstDelivery)
	}
	for _, badge := range badges {
		if _, err := e.store.BumpAchievement(ctx, userID, badge, 1); err != nil {
			e.logger.Warn("bump achievement", "user", userID, "badge", badge, "error", err)
		}
	}

	streak, err := e.store.CurrentStreak(ctx, userID, e.now())
	if err != nil {
		e.logger.Warn("compute streak", "user", userID, "error", err)
		return
	}
	if err := e.store.SetAchievementProgress(ctx, userID, persistence.BadgeWeekStreak, streak); err != nil {
		e.logger.Warn("update streak badge", "user", userID, "error", err)
	}
}

// Board returns the live production view with goods location per task.
func (e *Engine) Board(ctx context.Context) ([]persistence.BoardRow, error) {
	rows, err := e.store.OperationsBoard(ctx)
	if err != nil {
		return nil, fmt.Errorf("operations board: %w", err)
	}
	return rows, nil
}
