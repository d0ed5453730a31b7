package status

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/notifyhub/courier/internal/bus"
	"github.com/notifyhub/courier/internal/domain"
	"github.com/notifyhub/courier/internal/repository"
)

func newSink(repo *repository.MockNotificationRepository) *Sink {
	client := NewWebhookClient(time.Second, 100, zap.NewNop())
	return NewSink(repo, client, nil, zap.NewNop())
}

func statusMessage(t *testing.T, sm domain.StatusMessage) bus.Message {
	t.Helper()
	payload, err := json.Marshal(&sm)
	if err != nil {
		t.Fatal(err)
	}
	return bus.Message{Topic: bus.StatusTopic, Key: []byte(sm.NotificationID), Value: payload}
}

func TestSink_RecordsDeliveredAndFiresWebhook(t *testing.T) {
	var received domain.WebhookPayload
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&received)
	}))
	defer hook.Close()

	repo := repository.NewMockNotificationRepository()
	repo.Seed(&domain.Notification{ID: "n1", Status: domain.StatusProcessing})

	d := newSink(repo).Handle(context.Background(), statusMessage(t, domain.StatusMessage{
		NotificationID: "n1",
		RequestID:      "r1",
		ClientID:       "c1",
		Channel:        "email",
		Status:         domain.StatusDelivered,
		WebhookURL:     hook.URL,
		CreatedAt:      time.Now().UTC(),
	}))
	if d != bus.Ack {
		t.Fatal("expected ack")
	}

	n, _ := repo.GetByID(context.Background(), "n1")
	if n.Status != domain.StatusDelivered {
		t.Fatalf("expected delivered, got %s", n.Status)
	}
	if received.NotificationID != "n1" || received.Status != domain.StatusDelivered {
		t.Fatalf("webhook payload wrong: %+v", received)
	}
}

func TestSink_RecordsFailureWithMessage(t *testing.T) {
	repo := repository.NewMockNotificationRepository()
	repo.Seed(&domain.Notification{ID: "n1", Status: domain.StatusProcessing})

	d := newSink(repo).Handle(context.Background(), statusMessage(t, domain.StatusMessage{
		NotificationID: "n1",
		Status:         domain.StatusFailed,
		Message:        "REJECTED: blocked recipient",
	}))
	if d != bus.Ack {
		t.Fatal("expected ack")
	}

	n, _ := repo.GetByID(context.Background(), "n1")
	if n.Status != domain.StatusFailed {
		t.Fatalf("expected failed, got %s", n.Status)
	}
	if n.ErrorMessage == nil || *n.ErrorMessage != "REJECTED: blocked recipient" {
		t.Fatalf("expected error message recorded, got %v", n.ErrorMessage)
	}
}

func TestSink_StoreFailureRedelivers(t *testing.T) {
	repo := repository.NewMockNotificationRepository()
	repo.MarkDeliveredErr = errors.New("db down")

	d := newSink(repo).Handle(context.Background(), statusMessage(t, domain.StatusMessage{
		NotificationID: "n1",
		Status:         domain.StatusDelivered,
	}))
	if d != bus.Redeliver {
		t.Fatal("store failure must redeliver the status event")
	}
}

func TestSink_WebhookFailureStillAcks(t *testing.T) {
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer hook.Close()

	repo := repository.NewMockNotificationRepository()
	repo.Seed(&domain.Notification{ID: "n1", Status: domain.StatusProcessing})

	d := newSink(repo).Handle(context.Background(), statusMessage(t, domain.StatusMessage{
		NotificationID: "n1",
		Status:         domain.StatusDelivered,
		WebhookURL:     hook.URL,
	}))
	if d != bus.Ack {
		t.Fatal("webhook failure must not block the commit")
	}
}

func TestSink_NoWebhookURLSkipsQuietly(t *testing.T) {
	repo := repository.NewMockNotificationRepository()
	repo.Seed(&domain.Notification{ID: "n1", Status: domain.StatusProcessing})

	d := newSink(repo).Handle(context.Background(), statusMessage(t, domain.StatusMessage{
		NotificationID: "n1",
		Status:         domain.StatusDelivered,
	}))
	if d != bus.Ack {
		t.Fatal("expected ack")
	}
}

func TestSink_PoisonPillAcked(t *testing.T) {
	repo := repository.NewMockNotificationRepository()
	d := newSink(repo).Handle(context.Background(), bus.Message{Value: []byte("{oops")})
	if d != bus.Ack {
		t.Fatal("malformed status event must be acked")
	}
}

func TestWebhookClient_BreakerOpensAfterConsecutiveFailures(t *testing.T) {
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer hook.Close()

	client := NewWebhookClient(time.Second, 1000, zap.NewNop())
	payload := &domain.WebhookPayload{NotificationID: "n1", Status: domain.StatusDelivered}

	for i := 0; i < 5; i++ {
		if err := client.Deliver(context.Background(), hook.URL, payload); err == nil {
			t.Fatal("expected delivery failure")
		}
	}

	// Breaker is now open: the request never reaches the endpoint.
	err := client.Deliver(context.Background(), hook.URL, payload)
	if !errors.Is(err, gobreaker.ErrOpenState) {
		t.Fatalf("expected open breaker error, got %v", err)
	}
}
