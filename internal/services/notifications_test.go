package services

import (
	"context"
	"errors"
	"testing"
	"time"
)

type blockingPublisher struct {
	release chan struct{}
}

func (p *blockingPublisher) PublishOrderNotification(ctx context.Context, _ OrderNotification) (string, error) {
	select {
	case <-p.release:
		return "msg", nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func TestNotifierPublishesInBackground(t *testing.T) {
	publisher := &recordingPublisher{}
	notifier := NewNotifier(NotifierDeps{Publisher: publisher})

	ctx, cancel := context.WithCancel(context.Background())
	notifier.Notify(ctx, OrderNotification{Type: NotificationOrderCreated, OrderID: "ord_1"})
	cancel()
	notifier.Wait()

	if got := publisher.types(); len(got) != 1 || got[0] != NotificationOrderCreated {
		t.Fatalf("expected publish to survive request cancellation, got %v", got)
	}
}

func TestNotifierLogsPublishFailure(t *testing.T) {
	events := &eventRecorder{}
	notifier := NewNotifier(NotifierDeps{Publisher: &recordingPublisher{err: errBoom}, Logger: events.log})

	notifier.Notify(context.Background(), OrderNotification{Type: NotificationOrderPaid, OrderID: "ord_1"})
	notifier.Wait()

	if !events.has("order.notification.publish.failed") {
		t.Fatalf("expected failure to be logged, got %v", events.events)
	}
}

func TestNotifierCloseDropsLateNotifications(t *testing.T) {
	events := &eventRecorder{}
	publisher := &recordingPublisher{}
	notifier := NewNotifier(NotifierDeps{Publisher: publisher, Logger: events.log})

	if err := notifier.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	notifier.Notify(context.Background(), OrderNotification{Type: NotificationOrderPaid, OrderID: "ord_1"})
	notifier.Wait()

	if len(publisher.types()) != 0 {
		t.Fatalf("expected no publish after close")
	}
	if !events.has("order.notification.dropped") {
		t.Fatalf("expected drop to be logged")
	}
}

func TestNotifierCloseHonoursDeadline(t *testing.T) {
	publisher := &blockingPublisher{release: make(chan struct{})}
	notifier := NewNotifier(NotifierDeps{Publisher: publisher, Timeout: time.Minute})
	notifier.Notify(context.Background(), OrderNotification{Type: NotificationOrderCreated, OrderID: "ord_1"})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := notifier.Close(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}

	close(publisher.release)
	notifier.Wait()
}

func TestNilNotifierIsNoop(t *testing.T) {
	var notifier *Notifier
	notifier.Notify(context.Background(), OrderNotification{Type: NotificationOrderCreated})
	notifier.Wait()
	if err := notifier.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}

	NewNotifier(NotifierDeps{}).Notify(context.Background(), OrderNotification{Type: NotificationOrderCreated})
}
