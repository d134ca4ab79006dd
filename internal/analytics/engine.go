package analytics

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/basket/opspipe/internal/otel"
	"github.com/basket/opspipe/internal/persistence"
)

// Engine runs audit-trail replays against the store and layers the badge and
// streak views on top.
type Engine struct {
	store   *persistence.Store
	logger  *slog.Logger
	metrics *otel.Metrics
	now     func() time.Time
}

func NewEngine(store *persistence.Store, logger *slog.Logger, metrics *otel.Metrics) *Engine {
	return &Engine{store: store, logger: logger, metrics: metrics, now: time.Now}
}

// StageDurations replays the trail and aggregates per-stage stay durations
// for the window.
func (e *Engine) StageDurations(ctx context.Context, window Window) ([]Aggregate, error) {
	now := e.now()
	started := now
	cutoff := window.Cutoff(now)

	// Replay needs the full trail: a stay counts toward the window by its end
	// time, and its opening entry can be arbitrarily far in the past.
	entries, err := e.store.ListStatusChanges(ctx, time.Time{})
	if err != nil {
		return nil, fmt.Errorf("load status changes: %w", err)
	}

	report := StageReport(Replay(entries, now), cutoff)
	if e.metrics != nil {
		e.metrics.ReplayDuration.Record(ctx, time.Since(started).Seconds())
	}
	return report, nil
}

// Activity returns the current position of every task, including tasks that
// never transitioned: those sit in their initial stage aged from creation.
func (e *Engine) Activity(ctx context.Context) ([]Activity, error) {
	now := e.now()
	entries, err := e.store.ListStatusChanges(ctx, time.Time{})
	if err != nil {
		return nil, fmt.Errorf("load status changes: %w", err)
	}
	timelines := Replay(entries, now)
	out := CurrentActivity(timelines)

	seen := make(map[string]struct{}, len(out))
	for _, a := range out {
		seen[a.TaskID] = struct{}{}
	}
	tasks, err := e.store.ListTasks(ctx, persistence.TaskFilter{})
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	for _, t := range tasks {
		if _, ok := seen[t.ID]; ok {
			continue
		}
		out = append(out, Activity{
			TaskID:      t.ID,
			Stage:       string(t.Status),
			AgeHours:    hoursBetween(t.CreatedAt, now),
			Description: "created at " + string(t.Status),
		})
	}
	return out, nil
}

// BadgeView is the user-facing achievement summary.
type BadgeView struct {
	Badge    string `json:"badge"`
	Target   int    `json:"target"`
	Progress int    `json:"progress"`
	Earned   bool   `json:"earned"`
}

// UserBadges reads the achievement counters and applies the threshold
// comparison, plus the live streak length.
func (e *Engine) UserBadges(ctx context.Context, userID string) ([]BadgeView, int, error) {
	achievements, err := e.store.ListAchievements(ctx, userID)
	if err != nil {
		return nil, 0, fmt.Errorf("list achievements: %w", err)
	}
	views := make([]BadgeView, 0, len(achievements))
	for _, a := range achievements {
		views = append(views, BadgeView{
			Badge:    a.Badge,
			Target:   a.Target,
			Progress: a.Progress,
			Earned:   a.Progress >= a.Target,
		})
	}
	streak, err := e.store.CurrentStreak(ctx, userID, e.now())
	if err != nil {
		// Streak is a garnish on the badge view; log and serve what we have.
		e.logger.Warn("compute streak", "user", userID, "error", err)
		streak = 0
	}
	return views, streak, nil
}
