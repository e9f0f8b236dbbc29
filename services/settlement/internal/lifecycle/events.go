package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/Moxxcompany/LockbayPaymentFixing-sub000/libs/kafka"
	"github.com/Moxxcompany/LockbayPaymentFixing-sub000/services/settlement/internal/storage"
)

const (
	EventOrderStatusChanged = "settlement.order.status_changed"
	EventOrderAdminAlert    = "settlement.order.admin_alert"
)

// Topics names the kafka destinations for settlement notifications.
type Topics struct {
	OrderStatus string
	AdminAlerts string
}

type OrderStatusChangedEvent struct {
	kafka.Envelope
	OrderID    string `json:"order_id"`
	UserID     string `json:"user_id"`
	Kind       string `json:"kind"`
	FromStatus string `json:"from_status"`
	ToStatus   string `json:"to_status"`
	Reason     string `json:"reason,omitempty"`
	RetryCount int    `json:"retry_count"`
	OccurredAt string `json:"occurred_at"`
}

type OrderAdminAlertEvent struct {
	kafka.Envelope
	OrderID string `json:"order_id"`
	UserID  string `json:"user_id"`
	Kind    string `json:"kind"`
	Status  string `json:"status"`
	Reason  string `json:"reason"`
}

// Notifier fans settlement transitions out to kafka. Publish failures are
// logged and absorbed; a notification can be late or lost, a committed
// transition cannot be rolled back for it.
type Notifier struct {
	producer kafka.Publisher
	topics   Topics
	logger   *slog.Logger
}

func NewNotifier(producer kafka.Publisher, topics Topics, logger *slog.Logger) *Notifier {
	return &Notifier{producer: producer, topics: topics, logger: logger}
}

// OrderStatusChanged publishes one committed transition. The event id is
// deterministic over (order, from, to, retry cycle) so redelivered webhooks
// and poll races produce the same event, not a second one.
func (n *Notifier) OrderStatusChanged(ctx context.Context, order *storage.Order, res storage.TransitionResult) {
	if n == nil || n.producer == nil || order == nil {
		return
	}
	eventID := kafka.DeterministicEventID(
		EventOrderStatusChanged,
		order.ID.String(),
		string(res.From),
		string(res.To),
		fmt.Sprintf("%d", order.RetryCount),
	)
	env, err := kafka.NewEnvelopeWithID(eventID, EventOrderStatusChanged, 1, order.ID.String())
	if err != nil {
		n.logger.Error("build status changed envelope failed", "error", err)
		return
	}
	payload := OrderStatusChangedEvent{
		Envelope:   env,
		OrderID:    order.ID.String(),
		UserID:     order.UserID.String(),
		Kind:       string(order.Kind),
		FromStatus: string(res.From),
		ToStatus:   string(res.To),
		Reason:     res.Reason,
		RetryCount: order.RetryCount,
		OccurredAt: time.Now().UTC().Format(time.RFC3339),
	}
	if _, _, err := n.producer.PublishJSON(ctx, n.topics.OrderStatus, order.ID.String(), payload); err != nil {
		n.logger.Error("publish status changed failed", "order_id", order.ID, "error", err)
	}
}

// AdminAlert publishes an operator escalation.
func (n *Notifier) AdminAlert(ctx context.Context, order *storage.Order, reason string) {
	if n == nil || n.producer == nil || order == nil {
		return
	}
	eventID := kafka.DeterministicEventID(EventOrderAdminAlert, order.ID.String(), reason)
	env, err := kafka.NewEnvelopeWithID(eventID, EventOrderAdminAlert, 1, order.ID.String())
	if err != nil {
		n.logger.Error("build admin alert envelope failed", "error", err)
		return
	}
	payload := OrderAdminAlertEvent{
		Envelope: env,
		OrderID:  order.ID.String(),
		UserID:   order.UserID.String(),
		Kind:     string(order.Kind),
		Status:   string(storage.StatusAdminPending),
		Reason:   reason,
	}
	if _, _, err := n.producer.PublishJSON(ctx, n.topics.AdminAlerts, order.ID.String(), payload); err != nil {
		n.logger.Error("publish admin alert failed", "order_id", order.ID, "error", err)
	}
}
