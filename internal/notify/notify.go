package notify

import (
	"context"
	"log"
	"time"
)

// Event is an order lifecycle notification. Delivery is best effort; order
// state never depends on it.
type Event struct {
	Type       string    `json:"type"`
	OrderID    string    `json:"order_id"`
	UserID     string    `json:"user_id"`
	Status     string    `json:"status,omitempty"`
	AmountCent int64     `json:"amount_cents,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

const (
	EventOrderPlaced     = "order.placed"
	EventOrderCancelled  = "order.cancelled"
	EventOrderShipped    = "order.shipped"
	EventOrderDelivered  = "order.delivered"
	EventOrderRefunded   = "order.refunded"
	EventReturnRequested = "order.return_requested"
	EventReturnResolved  = "order.return_resolved"
)

type Notifier interface {
	Publish(ctx context.Context, event Event) error
	Close() error
}

// LogNotifier writes events to the process log. It is the fallback when no
// broker is configured.
type LogNotifier struct{}

func (LogNotifier) Publish(_ context.Context, event Event) error {
	log.Printf("[notify] %s order=%s user=%s status=%s", event.Type, event.OrderID, event.UserID, event.Status)
	return nil
}

func (LogNotifier) Close() error { return nil }
