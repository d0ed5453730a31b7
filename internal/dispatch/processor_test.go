package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/notifyhub/courier/internal/bus"
	"github.com/notifyhub/courier/internal/config"
	"github.com/notifyhub/courier/internal/domain"
	"github.com/notifyhub/courier/internal/idempotency"
	"github.com/notifyhub/courier/internal/provider"
	"github.com/notifyhub/courier/internal/ratelimit"
	"github.com/notifyhub/courier/internal/repository"
)

type fixture struct {
	processor *Processor
	repo      *repository.MockNotificationRepository
	producer  *bus.MockProducer
	provider  *provider.MockProvider
	idem      *idempotency.Store
}

func newFixture(t *testing.T, results ...provider.DeliveryResult) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	idem := idempotency.NewStore(rdb, 30*time.Second, 24*time.Hour)
	limiter := ratelimit.New(rdb, nil, config.RateLimitConfig{MaxTokens: 1000, RefillRate: 1000})

	mock := provider.NewMockProvider("email-main", "email", results...)
	reg := provider.NewRegistry()
	if err := reg.Register(mock, 10); err != nil {
		t.Fatal(err)
	}
	router := provider.NewRouter(reg, zap.NewNop())

	repo := repository.NewMockNotificationRepository()
	producer := bus.NewMockProducer()

	p := NewProcessor("email", router, idem, limiter, repo, producer,
		3, time.Second, nil, zap.NewNop())

	return &fixture{processor: p, repo: repo, producer: producer, provider: mock, idem: idem}
}

func seedNotification(f *fixture, id string) {
	f.repo.Seed(&domain.Notification{
		ID:        id,
		RequestID: "r1",
		ClientID:  "c1",
		Channel:   "email",
		Status:    domain.StatusProcessing,
	})
}

func busMessage(t *testing.T, msg domain.NotificationMessage) bus.Message {
	t.Helper()
	payload, err := json.Marshal(&msg)
	if err != nil {
		t.Fatal(err)
	}
	return bus.Message{Topic: bus.ChannelTopic(msg.Channel), Key: []byte(msg.NotificationID), Value: payload}
}

func validMessage(id string, retryCount int) domain.NotificationMessage {
	return domain.NotificationMessage{
		NotificationID: id,
		RequestID:      "r1",
		ClientID:       "c1",
		Channel:        "email",
		Recipient:      json.RawMessage(`{"email":"ada@example.com"}`),
		Content:        json.RawMessage(`{"subject":"s","message":"m"}`),
		WebhookURL:     "https://client.example.com/hook",
		RetryCount:     retryCount,
	}
}

func TestProcessor_DeliversAndPublishesStatus(t *testing.T) {
	f := newFixture(t)
	seedNotification(f, "n1")

	d := f.processor.Handle(context.Background(), busMessage(t, validMessage("n1", 0)))
	if d != bus.Ack {
		t.Fatal("expected ack")
	}

	n, _ := f.repo.GetByID(context.Background(), "n1")
	if n.Status != domain.StatusDelivered {
		t.Fatalf("expected delivered, got %s", n.Status)
	}

	statuses := f.producer.ByTopic(bus.StatusTopic)
	if len(statuses) != 1 {
		t.Fatalf("expected 1 status event, got %d", len(statuses))
	}
	var sm domain.StatusMessage
	if err := json.Unmarshal(statuses[0].Payload, &sm); err != nil {
		t.Fatal(err)
	}
	if sm.Status != domain.StatusDelivered || sm.NotificationID != "n1" {
		t.Fatalf("unexpected status event %+v", sm)
	}

	rec, err := f.idem.Get(context.Background(), "n1")
	if err != nil || rec == nil || rec.Status != "delivered" {
		t.Fatalf("expected delivered lock record, got %+v err=%v", rec, err)
	}
}

func TestProcessor_DuplicateDroppedWithoutSend(t *testing.T) {
	f := newFixture(t)
	seedNotification(f, "n1")

	msg := busMessage(t, validMessage("n1", 0))
	f.processor.Handle(context.Background(), msg)
	if f.provider.SendCalls() != 1 {
		t.Fatalf("expected 1 send, got %d", f.provider.SendCalls())
	}

	// Redelivery of the same notification must not send again.
	d := f.processor.Handle(context.Background(), msg)
	if d != bus.Ack {
		t.Fatal("duplicate should still ack")
	}
	if f.provider.SendCalls() != 1 {
		t.Fatalf("duplicate triggered a second send: %d", f.provider.SendCalls())
	}
}

func TestProcessor_RetryableFailureSchedulesRetry(t *testing.T) {
	f := newFixture(t, provider.DeliveryResult{
		Err: &provider.ErrorInfo{Code: provider.CodeUpstreamError, Message: "gateway 502", Retryable: true},
	})
	seedNotification(f, "n1")

	before := time.Now().UTC()
	d := f.processor.Handle(context.Background(), busMessage(t, validMessage("n1", 0)))
	if d != bus.Ack {
		t.Fatal("expected ack after scheduling the retry")
	}

	delayed := f.producer.ByTopic(bus.DelayedTopic)
	if len(delayed) != 1 {
		t.Fatalf("expected 1 delayed message, got %d", len(delayed))
	}
	var dm domain.DelayedMessage
	if err := json.Unmarshal(delayed[0].Payload, &dm); err != nil {
		t.Fatal(err)
	}
	if dm.TargetTopic != bus.ChannelTopic("email") {
		t.Fatalf("retry must target the channel topic, got %s", dm.TargetTopic)
	}

	// First retry backs off 2^1 seconds.
	wantDelay := 2 * time.Second
	gotDelay := dm.ScheduledAt.Sub(before)
	if gotDelay < wantDelay-time.Second || gotDelay > wantDelay+time.Second {
		t.Fatalf("expected ~%v backoff, got %v", wantDelay, gotDelay)
	}

	var retry domain.NotificationMessage
	if err := json.Unmarshal(dm.Payload, &retry); err != nil {
		t.Fatal(err)
	}
	if retry.RetryCount != 1 {
		t.Fatalf("expected retry_count 1, got %d", retry.RetryCount)
	}

	// The lock is released so the future attempt can acquire it.
	rec, _ := f.idem.Get(context.Background(), "n1")
	if rec == nil || rec.Status != "failed" {
		t.Fatalf("expected failed (released) lock record, got %+v", rec)
	}
}

func TestProcessor_RetryInFlightKeepsRowProcessing(t *testing.T) {
	f := newFixture(t, provider.DeliveryResult{
		Err: &provider.ErrorInfo{Code: provider.CodeUpstreamError, Message: "gateway 502", Retryable: true},
	})
	seedNotification(f, "n1")

	if d := f.processor.Handle(context.Background(), busMessage(t, validMessage("n1", 0))); d != bus.Ack {
		t.Fatal("expected ack after scheduling the retry")
	}

	// failed is terminal; a queued retry must leave the row processing
	// so its history stays truthful and uniqueness stays enforced.
	n, _ := f.repo.GetByID(context.Background(), "n1")
	if n.Status != domain.StatusProcessing {
		t.Fatalf("expected processing while the retry is queued, got %s", n.Status)
	}
	if n.RetryCount != 1 {
		t.Fatalf("expected retry_count 1, got %d", n.RetryCount)
	}

	// A re-submit of the same (request_id, channel) during the retry
	// window is still a duplicate.
	err := f.repo.CreateWithOutbox(context.Background(), &domain.Notification{
		ID:        "n2",
		RequestID: "r1",
		ClientID:  "c1",
		Channel:   "email",
		Status:    domain.StatusPending,
	}, bus.ChannelTopic("email"), json.RawMessage(`{}`))
	if !errors.Is(err, domain.ErrDuplicate) {
		t.Fatalf("duplicate ingest admitted during retry window: err=%v", err)
	}
}

func TestProcessor_NonRetryableFailureIsTerminal(t *testing.T) {
	f := newFixture(t, provider.DeliveryResult{
		Err: &provider.ErrorInfo{Code: provider.CodeRejected, Message: "blocked recipient", Retryable: false},
	})
	seedNotification(f, "n1")

	d := f.processor.Handle(context.Background(), busMessage(t, validMessage("n1", 0)))
	if d != bus.Ack {
		t.Fatal("expected ack")
	}

	n, _ := f.repo.GetByID(context.Background(), "n1")
	if n.Status != domain.StatusFailed {
		t.Fatalf("expected failed, got %s", n.Status)
	}
	if len(f.producer.ByTopic(bus.DelayedTopic)) != 0 {
		t.Fatal("non-retryable failure must not schedule a retry")
	}

	statuses := f.producer.ByTopic(bus.StatusTopic)
	if len(statuses) != 1 {
		t.Fatalf("expected terminal status event, got %d", len(statuses))
	}
}

func TestProcessor_RetriesExhaustedIsTerminal(t *testing.T) {
	f := newFixture(t, provider.DeliveryResult{
		Err: &provider.ErrorInfo{Code: provider.CodeUpstreamError, Message: "gateway 502", Retryable: true},
	})
	seedNotification(f, "n1")

	// retry_count already at the max: the next failure is terminal.
	d := f.processor.Handle(context.Background(), busMessage(t, validMessage("n1", 3)))
	if d != bus.Ack {
		t.Fatal("expected ack")
	}

	n, _ := f.repo.GetByID(context.Background(), "n1")
	if n.Status != domain.StatusFailed {
		t.Fatalf("expected failed, got %s", n.Status)
	}
	if len(f.producer.ByTopic(bus.DelayedTopic)) != 0 {
		t.Fatal("exhausted retries must not schedule another")
	}
}

func TestProcessor_InvalidMessageFailsWithoutSend(t *testing.T) {
	f := newFixture(t)
	f.provider.ValidateErr = errFixture("recipient is not email-shaped")
	seedNotification(f, "n1")

	d := f.processor.Handle(context.Background(), busMessage(t, validMessage("n1", 0)))
	if d != bus.Ack {
		t.Fatal("expected ack")
	}
	if f.provider.SendCalls() != 0 {
		t.Fatal("invalid message must not reach the provider")
	}
	n, _ := f.repo.GetByID(context.Background(), "n1")
	if n.Status != domain.StatusFailed {
		t.Fatalf("expected failed, got %s", n.Status)
	}
}

func TestProcessor_PoisonPillAcked(t *testing.T) {
	f := newFixture(t)
	d := f.processor.Handle(context.Background(), bus.Message{Value: []byte("{not json")})
	if d != bus.Ack {
		t.Fatal("malformed payload must be acked, not redelivered forever")
	}
}

func TestProcessor_RateLimitDefersViaDelayedTopic(t *testing.T) {
	f := newFixture(t)
	seedNotification(f, "n1")

	// Replace the limiter with an always-empty bucket.
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	f.processor.limiter = ratelimit.New(rdb, nil, config.RateLimitConfig{MaxTokens: 1, RefillRate: 0.001})

	// Drain the single token.
	if _, err := f.processor.limiter.ConsumeToken(context.Background(), "email"); err != nil {
		t.Fatal(err)
	}

	d := f.processor.Handle(context.Background(), busMessage(t, validMessage("n1", 0)))
	if d != bus.Ack {
		t.Fatal("expected ack")
	}
	if f.provider.SendCalls() != 0 {
		t.Fatal("rate-limited message must not be sent")
	}
	if len(f.producer.ByTopic(bus.DelayedTopic)) != 1 {
		t.Fatal("expected the message deferred to the delayed topic")
	}
}

type errFixture string

func (e errFixture) Error() string { return string(e) }
