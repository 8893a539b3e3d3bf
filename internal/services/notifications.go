package services

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/quicrefill/api/internal/domain"
)

// Notification types published on order transitions.
const (
	NotificationOrderCreated        = "order.created"
	NotificationOrderPaid           = "order.paid"
	NotificationOrderPaymentFailed  = "order.payment_failed"
	NotificationOrderApproved       = "order.approved"
	NotificationOrderRejected       = "order.rejected"
	NotificationOrderAgentAssigned  = "order.agent_assigned"
	NotificationOrderOutForDelivery = "order.out_for_delivery"
	NotificationOrderDelivered      = "order.delivered"
	NotificationOrderDisputed       = "order.disputed"
	NotificationOrderCancelled      = "order.cancelled"
	NotificationOrderRefunded       = "order.refunded"
)

const defaultNotificationPublishTimeout = 10 * time.Second

// OrderNotification is the payload handed to the notification dispatchers.
type OrderNotification struct {
	EventID          string             `json:"eventId"`
	Type             string             `json:"type"`
	OrderID          string             `json:"orderId"`
	ServiceID        string             `json:"serviceId"`
	Status           domain.OrderStatus `json:"status"`
	RecipientUserIDs []string           `json:"recipientUserIds"`
	RecipientRoles   []string           `json:"recipientRoles,omitempty"`
	Notes            string             `json:"notes,omitempty"`
	OccurredAt       time.Time          `json:"occurredAt"`
}

// OrderingKey keeps notifications for one order in publish order.
func (n OrderNotification) OrderingKey() string {
	return n.OrderID
}

// NotificationPublisher delivers order notifications to downstream channels.
type NotificationPublisher interface {
	PublishOrderNotification(ctx context.Context, event OrderNotification) (string, error)
}

// Notifier publishes notifications in the background. Failures are logged and never reach the caller.
type Notifier struct {
	publisher NotificationPublisher
	logger    func(context.Context, string, map[string]any)
	timeout   time.Duration

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// NotifierDeps bundles notifier collaborators.
type NotifierDeps struct {
	Publisher NotificationPublisher
	Timeout   time.Duration
	Logger    func(ctx context.Context, event string, fields map[string]any)
}

// NewNotifier builds a notifier. A nil publisher drops every notification.
func NewNotifier(deps NotifierDeps) *Notifier {
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	timeout := deps.Timeout
	if timeout <= 0 {
		timeout = defaultNotificationPublishTimeout
	}
	return &Notifier{publisher: deps.Publisher, logger: logger, timeout: timeout}
}

// Notify publishes event without blocking. The request context's values are kept but its
// cancellation is not, so a finished request does not abort the publish.
func (n *Notifier) Notify(ctx context.Context, event OrderNotification) {
	if n == nil || n.publisher == nil {
		return
	}
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		n.logger(ctx, "order.notification.dropped", map[string]any{"type": event.Type, "orderId": event.OrderID})
		return
	}
	n.wg.Add(1)
	n.mu.Unlock()

	go func() {
		defer n.wg.Done()
		publishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), n.timeout)
		defer cancel()
		if _, err := n.publisher.PublishOrderNotification(publishCtx, event); err != nil {
			n.logger(publishCtx, "order.notification.publish.failed", map[string]any{
				"type":    event.Type,
				"orderId": event.OrderID,
				"status":  string(event.Status),
				"error":   err.Error(),
			})
		}
	}()
}

// Wait blocks until in-flight notifications finish.
func (n *Notifier) Wait() {
	if n == nil {
		return
	}
	n.wg.Wait()
}

// Close stops accepting notifications and waits for in-flight ones until ctx expires.
func (n *Notifier) Close(ctx context.Context) error {
	if n == nil {
		return nil
	}
	n.mu.Lock()
	n.closed = true
	n.mu.Unlock()

	done := make(chan struct{})
	go func() {
		n.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.Join(errors.New("notifier: pending notifications abandoned"), ctx.Err())
	}
}
