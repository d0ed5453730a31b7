package service

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/notifyhub/courier/internal/domain"
	"github.com/notifyhub/courier/internal/repository"
)

func newAlertFixture() (*AlertService, *repository.MockAlertRepository, *repository.MockNotificationRepository) {
	alerts := repository.NewMockAlertRepository()
	repo := repository.NewMockNotificationRepository()
	return NewAlertService(alerts, repo, zap.NewNop()), alerts, repo
}

func seedAlert(t *testing.T, alerts *repository.MockAlertRepository, notificationID *string) *domain.Alert {
	t.Helper()
	a := &domain.Alert{
		ID:             "alert-1",
		NotificationID: notificationID,
		Type:           domain.AlertStuckProcessing,
		Severity:       domain.SeverityWarning,
		Message:        "stuck",
		CreatedAt:      time.Now().UTC(),
	}
	if _, err := alerts.Upsert(context.Background(), a); err != nil {
		t.Fatal(err)
	}
	return a
}

func TestAlertResolve_WithoutRetry(t *testing.T) {
	svc, alerts, _ := newAlertFixture()
	seedAlert(t, alerts, nil)

	if err := svc.Resolve(context.Background(), "alert-1", false, ""); err != nil {
		t.Fatal(err)
	}

	got, _ := alerts.GetByID(context.Background(), "alert-1")
	if !got.Resolved {
		t.Fatal("expected alert resolved")
	}
}

func TestAlertResolve_AlreadyResolved(t *testing.T) {
	svc, alerts, _ := newAlertFixture()
	seedAlert(t, alerts, nil)
	_ = svc.Resolve(context.Background(), "alert-1", false, "")

	err := svc.Resolve(context.Background(), "alert-1", false, "")
	if !errors.Is(err, domain.ErrAlertResolved) {
		t.Fatalf("expected ErrAlertResolved, got %v", err)
	}
}

func TestAlertResolve_NotFound(t *testing.T) {
	svc, _, _ := newAlertFixture()
	err := svc.Resolve(context.Background(), "ghost", false, "")
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestAlertResolve_RetryResetsNotification(t *testing.T) {
	svc, alerts, repo := newAlertFixture()
	nid := "n1"
	seedAlert(t, alerts, &nid)
	repo.Seed(&domain.Notification{
		ID:      "n1",
		Channel: "email",
		Content: json.RawMessage(`{"email":{"subject":"s","message":"hello"}}`),
		Status:  domain.StatusFailed,
	})

	err := svc.Resolve(context.Background(), "alert-1", true, "delayed by an incident")
	if err != nil {
		t.Fatal(err)
	}

	n, _ := repo.GetByID(context.Background(), "n1")
	if n.Status != domain.StatusPending {
		t.Fatalf("expected reset to pending, got %s", n.Status)
	}
	if len(repo.OutboxRows()) != 1 {
		t.Fatal("expected a fresh outbox row")
	}

	// The warning lands inside the channel slot.
	var content map[string]map[string]string
	if err := json.Unmarshal(n.Content, &content); err != nil {
		t.Fatal(err)
	}
	if content["email"]["message"] != "hello\ndelayed by an incident" {
		t.Fatalf("warning not appended into channel slot: %q", content["email"]["message"])
	}
}

func TestAlertResolve_RetryFlatContentShape(t *testing.T) {
	svc, alerts, repo := newAlertFixture()
	nid := "n1"
	seedAlert(t, alerts, &nid)
	repo.Seed(&domain.Notification{
		ID:      "n1",
		Channel: "email",
		Content: json.RawMessage(`{"subject":"s","message":"hello"}`),
		Status:  domain.StatusFailed,
	})

	if err := svc.Resolve(context.Background(), "alert-1", true, "retried manually"); err != nil {
		t.Fatal(err)
	}

	n, _ := repo.GetByID(context.Background(), "n1")
	var content map[string]string
	if err := json.Unmarshal(n.Content, &content); err != nil {
		t.Fatal(err)
	}
	if content["message"] != "hello\nretried manually" {
		t.Fatalf("warning not appended to flat content: %q", content["message"])
	}
}

func TestAlertResolve_RetryWithoutWarningKeepsContent(t *testing.T) {
	svc, alerts, repo := newAlertFixture()
	nid := "n1"
	seedAlert(t, alerts, &nid)
	original := `{"subject":"s","message":"hello"}`
	repo.Seed(&domain.Notification{
		ID:      "n1",
		Channel: "email",
		Content: json.RawMessage(original),
		Status:  domain.StatusFailed,
	})

	if err := svc.Resolve(context.Background(), "alert-1", true, ""); err != nil {
		t.Fatal(err)
	}

	n, _ := repo.GetByID(context.Background(), "n1")
	if string(n.Content) != original {
		t.Fatalf("content changed without a warning: %s", n.Content)
	}
}
