package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all OpsPipe metric instruments.
type Metrics struct {
	DispatchesTotal      metric.Int64Counter
	DispatchErrors       metric.Int64Counter
	StepsCompleted       metric.Int64Counter
	StepCompletionLagH   metric.Float64Histogram
	ReplayDuration       metric.Float64Histogram
	FeedClients          metric.Int64UpDownCounter
	NotificationsDropped metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.DispatchesTotal, err = meter.Int64Counter("opspipe.dispatch.total",
		metric.WithDescription("Dispatch calls that committed"),
	)
	if err != nil {
		return nil, err
	}

	m.DispatchErrors, err = meter.Int64Counter("opspipe.dispatch.errors",
		metric.WithDescription("Dispatch calls rejected or failed"),
	)
	if err != nil {
		return nil, err
	}

	m.StepsCompleted, err = meter.Int64Counter("opspipe.step.completed",
		metric.WithDescription("Workflow steps completed"),
	)
	if err != nil {
		return nil, err
	}

	m.StepCompletionLagH, err = meter.Float64Histogram("opspipe.step.lag",
		metric.WithDescription("Hours between step creation and completion"),
		metric.WithUnit("h"),
	)
	if err != nil {
		return nil, err
	}

	m.ReplayDuration, err = meter.Float64Histogram("opspipe.analytics.replay.duration",
		metric.WithDescription("Stage-duration replay wall time in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.FeedClients, err = meter.Int64UpDownCounter("opspipe.feed.clients",
		metric.WithDescription("Connected change-feed websocket clients"),
	)
	if err != nil {
		return nil, err
	}

	m.NotificationsDropped, err = meter.Int64Counter("opspipe.notify.dropped",
		metric.WithDescription("Notifications that failed to hand off"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
