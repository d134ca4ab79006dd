// Package notify delivers fire-and-forget user notifications. Delivery is
// best-effort and at-most-once; callers never inspect success.
package notify

import (
	"context"
	"log/slog"

	"github.com/basket/opspipe/internal/bus"
)

// Broadcast as RecipientID addresses every connected user.
const Broadcast = "*"

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

type Notification struct {
	RecipientID string   `json:"recipient_id"`
	Title       string   `json:"title"`
	Message     string   `json:"message"`
	Priority    Priority `json:"priority"`
}

type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// BusNotifier publishes notifications onto the event bus, where the websocket
// feed picks them up for connected clients.
type BusNotifier struct {
	bus *bus.Bus
}

func NewBusNotifier(b *bus.Bus) *BusNotifier {
	return &BusNotifier{bus: b}
}

func (bn *BusNotifier) Notify(_ context.Context, n Notification) error {
	if n.Priority == "" {
		n.Priority = PriorityNormal
	}
	topic := bus.TopicNotifyUser
	if n.RecipientID == Broadcast {
		topic = bus.TopicNotifyBroadcast
	}
	bn.bus.Publish(topic, n)
	return nil
}

// LogNotifier writes notifications to the log. Used in tests and when no bus
// is wired.
type LogNotifier struct {
	logger *slog.Logger
}

func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (ln *LogNotifier) Notify(_ context.Context, n Notification) error {
	ln.logger.Info("notification",
		"recipient", n.RecipientID,
		"title", n.Title,
		"priority", string(n.Priority))
	return nil
}
