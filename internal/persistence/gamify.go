package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Achievement badges with their completion targets.
const (
	BadgeFirstDelivery   = "first_delivery"
	BadgeTenSteps        = "ten_steps"
	BadgeFiftySteps      = "fifty_steps"
	BadgeWeekStreak      = "week_streak"
	BadgePerfectDispatch = "hundred_dispatches"
)

var badgeTargets = map[string]int{
	BadgeFirstDelivery:   1,
	BadgeTenSteps:        10,
	BadgeFiftySteps:      50,
	BadgeWeekStreak:      7,
	BadgePerfectDispatch: 100,
}

// BadgeTarget returns the progress target for a badge, zero when unknown.
func BadgeTarget(badge string) int { return badgeTargets[badge] }

type Achievement struct {
	ID       string     `json:"id"`
	UserID   string     `json:"user_id"`
	Badge    string     `json:"badge"`
	Target   int        `json:"target"`
	Progress int        `json:"progress"`
	EarnedAt *time.Time `json:"earned_at,omitempty"`
}

// Earned reports whether progress has reached the target.
func (a *Achievement) Earned() bool { return a.Progress >= a.Target }

// RecordDailyActivity bumps the per-day completion counter used for streaks.
// Day is the user's local date, formatted 2006-01-02 by the caller.
func (s *Store) RecordDailyActivity(ctx context.Context, userID, day string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO activity_streaks (user_id, day, completed_count)
		VALUES (?, ?, 1)
		ON CONFLICT(user_id, day) DO UPDATE SET completed_count = completed_count + 1;
	`, userID, day)
	if err != nil {
		return fmt.Errorf("record daily activity: %w", err)
	}
	return nil
}

// CurrentStreak counts consecutive active days ending today or yesterday.
// A gap of more than one day before "today" means the streak is broken.
func (s *Store) CurrentStreak(ctx context.Context, userID string, today time.Time) (int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT day FROM activity_streaks
		WHERE user_id = ? AND completed_count > 0
		ORDER BY day DESC
		LIMIT 366;
	`, userID)
	if err != nil {
		return 0, fmt.Errorf("query streak days: %w", err)
	}
	defer rows.Close()

	var days []string
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return 0, fmt.Errorf("scan streak day: %w", err)
		}
		days = append(days, d)
	}
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("streak rows: %w", err)
	}
	if len(days) == 0 {
		return 0, nil
	}

	cursor := time.Date(today.Year(), today.Month(), today.Day(), 0, 0, 0, 0, today.Location())
	// An idle today keeps yesterday's streak alive until midnight.
	if days[0] != cursor.Format("2006-01-02") {
		cursor = cursor.AddDate(0, 0, -1)
	}
	streak := 0
	for _, d := range days {
		if d != cursor.Format("2006-01-02") {
			break
		}
		streak++
		cursor = cursor.AddDate(0, 0, -1)
	}
	return streak, nil
}

// BumpAchievement advances progress for one badge, creating the row on first
// touch and stamping earned_at the moment progress reaches the target.
func (s *Store) BumpAchievement(ctx context.Context, userID, badge string, delta int) (*Achievement, error) {
	target, ok := badgeTargets[badge]
	if !ok {
		return nil, fmt.Errorf("unknown badge %q", badge)
	}
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO achievements (id, user_id, badge, target, progress, updated_at)
			VALUES (?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
			ON CONFLICT(user_id, badge) DO UPDATE SET
				progress = progress + excluded.progress,
				updated_at = CURRENT_TIMESTAMP;
		`, uuid.NewString(), userID, badge, target, delta)
		if err != nil {
			return fmt.Errorf("bump achievement: %w", err)
		}
		_, err = s.db.ExecContext(ctx, `
			UPDATE achievements SET earned_at = CURRENT_TIMESTAMP
			WHERE user_id = ? AND badge = ? AND earned_at IS NULL AND progress >= target;
		`, userID, badge)
		if err != nil {
			return fmt.Errorf("stamp achievement: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.getAchievement(ctx, userID, badge)
}

// SetAchievementProgress sets absolute progress, used by streak rollover where
// the value is recomputed rather than incremented.
func (s *Store) SetAchievementProgress(ctx context.Context, userID, badge string, progress int) error {
	target, ok := badgeTargets[badge]
	if !ok {
		return fmt.Errorf("unknown badge %q", badge)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO achievements (id, user_id, badge, target, progress, updated_at)
		VALUES (?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(user_id, badge) DO UPDATE SET
			progress = excluded.progress,
			updated_at = CURRENT_TIMESTAMP;
	`, uuid.NewString(), userID, badge, target, progress)
	if err != nil {
		return fmt.Errorf("set achievement progress: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE achievements SET earned_at = CURRENT_TIMESTAMP
		WHERE user_id = ? AND badge = ? AND earned_at IS NULL AND progress >= target;
	`, userID, badge)
	if err != nil {
		return fmt.Errorf("stamp achievement: %w", err)
	}
	return nil
}

// ListActiveUsers returns every user id with recorded activity since the
// given day (inclusive, 2006-01-02 format). Used by the streak rollover.
func (s *Store) ListActiveUsers(ctx context.Context, sinceDay string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT user_id FROM activity_streaks WHERE day >= ? ORDER BY user_id;
	`, sinceDay)
	if err != nil {
		return nil, fmt.Errorf("list active users: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan active user: %w", err)
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("active user rows: %w", err)
	}
	return out, nil
}

func (s *Store) getAchievement(ctx context.Context, userID, badge string) (*Achievement, error) {
	var a Achievement
	var earned sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, badge, target, progress, earned_at
		FROM achievements WHERE user_id = ? AND badge = ?;
	`, userID, badge).Scan(&a.ID, &a.UserID, &a.Badge, &a.Target, &a.Progress, &earned)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("achievement %s/%s not found", userID, badge)
	}
	if err != nil {
		return nil, fmt.Errorf("get achievement: %w", err)
	}
	if earned.Valid {
		t := earned.Time
		a.EarnedAt = &t
	}
	return &a, nil
}

func (s *Store) ListAchievements(ctx context.Context, userID string) ([]Achievement, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, badge, target, progress, earned_at
		FROM achievements WHERE user_id = ?
		ORDER BY badge ASC;
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list achievements: %w", err)
	}
	defer rows.Close()

	var out []Achievement
	for rows.Next() {
		var a Achievement
		var earned sql.NullTime
		if err := rows.Scan(&a.ID, &a.UserID, &a.Badge, &a.Target, &a.Progress, &earned); err != nil {
			return nil, fmt.Errorf("scan achievement: %w", err)
		}
		if earned.Valid {
			t := earned.Time
			a.EarnedAt = &t
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("achievement rows: %w", err)
	}
	return out, nil
}
