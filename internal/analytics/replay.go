// Package analytics rebuilds stage-duration metrics by replaying the audit
// trail. The replay is pure: it reads entries, never the live task rows, so
// historical reports survive task edits and soft deletes.
package analytics

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/basket/opspipe/internal/persistence"
)

// StageInterval is one stay in one stage. Open intervals (the task's current
// stage) have no successor entry; their Hours value is the age so far and they
// are excluded from historical aggregates.
type StageInterval struct {
	TaskID    string    `json:"task_id"`
	Stage     string    `json:"stage"`
	EnteredAt time.Time `json:"entered_at"`
	Hours     float64   `json:"hours"`
	Open      bool      `json:"open"`
}

// statusOf pulls the status string out of an audit snapshot. Snapshots are
// partial JSON; a missing or non-string status yields "".
func statusOf(snapshot string) string {
	var payload struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal([]byte(snapshot), &payload); err != nil {
		return ""
	}
	return payload.Status
}

func recognizedStage(stage string) bool {
	return persistence.KnownStatus(persistence.Status(stage))
}

// hoursBetween subtracts millisecond timestamps and clamps clock-skew
// negatives to zero. Anomalies degrade one interval, never the report.
func hoursBetween(from, to time.Time) float64 {
	ms := to.UnixMilli() - from.UnixMilli()
	if ms < 0 {
		ms = 0
	}
	return float64(ms) / 3_600_000
}

// Replay reconstructs every task's stage timeline from created/status_changed
// entries. Entries may arrive in any order; they are grouped by task and
// sorted by time. Unrecognized stage strings are skipped, not fatal.
func Replay(entries []persistence.AuditEntry, now time.Time) map[string][]StageInterval {
	byTask := make(map[string][]persistence.AuditEntry)
	for _, e := range entries {
		if e.Action != persistence.ActionCreated && e.Action != persistence.ActionStatusChanged {
			continue
		}
		byTask[e.TaskID] = append(byTask[e.TaskID], e)
	}

	out := make(map[string][]StageInterval, len(byTask))
	for taskID, group := range byTask {
		sort.Slice(group, func(i, j int) bool {
			if !group[i].CreatedAt.Equal(group[j].CreatedAt) {
				return group[i].CreatedAt.Before(group[j].CreatedAt)
			}
			return group[i].ID < group[j].ID
		})

		var timeline []StageInterval
		for i, e := range group {
			stage := statusOf(e.NewValues)
			if !recognizedStage(stage) {
				continue
			}
			iv := StageInterval{TaskID: taskID, Stage: stage, EnteredAt: e.CreatedAt}
			if i+1 < len(group) {
				iv.Hours = hoursBetween(e.CreatedAt, group[i+1].CreatedAt)
			} else {
				iv.Open = true
				iv.Hours = hoursBetween(e.CreatedAt, now)
			}
			timeline = append(timeline, iv)
		}
		if len(timeline) > 0 {
			out[taskID] = timeline
		}
	}
	return out
}

// Aggregate summarizes the completed intervals attributed to one stage.
type Aggregate struct {
	Stage    string  `json:"stage"`
	Count    int     `json:"count"`
	AvgHours float64 `json:"avg_hours"`
	MinHours float64 `json:"min_hours"`
	MaxHours float64 `json:"max_hours"`
}

// Window names a reporting cutoff.
type Window string

const (
	WindowToday    Window = "today"
	WindowThisWeek Window = "this_week"
	WindowAllTime  Window = "all_time"
)

// Cutoff returns the inclusive lower bound for the window at now. Weeks start
// Monday.
func (w Window) Cutoff(now time.Time) time.Time {
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	switch w {
	case WindowToday:
		return midnight
	case WindowThisWeek:
		offset := (int(now.Weekday()) + 6) % 7
		return midnight.AddDate(0, 0, -offset)
	default:
		return time.Time{}
	}
}

// StageReport aggregates completed intervals per stage, in canonical pipeline
// order followed by side branches that saw traffic. Intervals count toward a
// window when the stay ended at or after the cutoff.
func StageReport(timelines map[string][]StageInterval, cutoff time.Time) []Aggregate {
	acc := make(map[string]*Aggregate)
	for _, timeline := range timelines {
		for _, iv := range timeline {
			if iv.Open {
				continue
			}
			endedAt := iv.EnteredAt.Add(time.Duration(iv.Hours * float64(time.Hour)))
			if !cutoff.IsZero() && endedAt.Before(cutoff) {
				continue
			}
			a, ok := acc[iv.Stage]
			if !ok {
				a = &Aggregate{Stage: iv.Stage, MinHours: iv.Hours, MaxHours: iv.Hours}
				acc[iv.Stage] = a
			}
			a.Count++
			a.AvgHours += iv.Hours
			if iv.Hours < a.MinHours {
				a.MinHours = iv.Hours
			}
			if iv.Hours > a.MaxHours {
				a.MaxHours = iv.Hours
			}
		}
	}

	var out []Aggregate
	for _, stage := range persistence.PipelineStages {
		if a, ok := acc[string(stage)]; ok {
			a.AvgHours /= float64(a.Count)
			out = append(out, *a)
			delete(acc, string(stage))
		}
	}
	var rest []string
	for stage := range acc {
		rest = append(rest, stage)
	}
	sort.Strings(rest)
	for _, stage := range rest {
		a := acc[stage]
		a.AvgHours /= float64(a.Count)
		out = append(out, *a)
	}
	return out
}

// Activity is the per-task current view: where the task sits now and how it
// got there.
type Activity struct {
	TaskID      string          `json:"task_id"`
	Stage       string          `json:"stage"`
	AgeHours    float64         `json:"age_hours"`
	Description string          `json:"description"`
	History     []StageInterval `json:"history"`
}

// CurrentActivity derives the latest position of each task from its timeline.
func CurrentActivity(timelines map[string][]StageInterval) []Activity {
	var out []Activity
	for taskID, timeline := range timelines {
		last := timeline[len(timeline)-1]
		act := Activity{
			TaskID:      taskID,
			Stage:       last.Stage,
			AgeHours:    last.Hours,
			Description: "created at " + last.Stage,
			History:     timeline,
		}
		if len(timeline) > 1 {
			prev := timeline[len(timeline)-2]
			act.Description = "moved from " + prev.Stage + " to " + last.Stage
		}
		out = append(out, act)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TaskID < out[j].TaskID })
	return out
}
