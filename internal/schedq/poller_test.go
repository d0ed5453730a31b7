package schedq_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/notifyhub/courier/internal/bus"
	"github.com/notifyhub/courier/internal/config"
	"github.com/notifyhub/courier/internal/domain"
	"github.com/notifyhub/courier/internal/schedq"
)

func pollerCfg() config.ScheduledConfig {
	return config.ScheduledConfig{
		PollInterval:     10 * time.Millisecond,
		BatchSize:        10,
		ClaimTimeout:     30 * time.Second,
		MaxPollerRetries: 2,
	}
}

// pollOnce drives a single poll cycle through Run with a short-lived
// context, which is how the poller is exercised in production.
func pollOnce(p *schedq.Poller) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	p.Run(ctx)
}

func TestPoller_PublishesDueEntryAndConfirms(t *testing.T) {
	q, _, _ := newQueue(t, "w1")
	prod := bus.NewMockProducer()
	p := schedq.NewPoller(q, prod, pollerCfg(), zap.NewNop(), nil)
	ctx := context.Background()

	_ = q.Add(ctx, delayedMsg("n1", time.Now().Add(-time.Second)))

	pollOnce(p)

	msgs := prod.ByTopic("email_notification")
	if len(msgs) != 1 {
		t.Fatalf("expected 1 published message, got %d", len(msgs))
	}
	if msgs[0].Key != "n1" {
		t.Fatalf("expected message keyed by NID, got %q", msgs[0].Key)
	}

	depth, _ := q.Depth(ctx)
	if depth != 0 {
		t.Fatalf("entry should be confirmed out of the queue, depth=%d", depth)
	}
}

func TestPoller_PublishFailureReAddsWithBackoff(t *testing.T) {
	q, _, _ := newQueue(t, "w1")
	prod := bus.NewMockProducer()
	prod.TopicErrs["email_notification"] = errors.New("broker down")
	p := schedq.NewPoller(q, prod, pollerCfg(), zap.NewNop(), nil)
	ctx := context.Background()

	_ = q.Add(ctx, delayedMsg("n1", time.Now().Add(-time.Second)))

	pollOnce(p)

	// Entry stays queued (not due until its backoff passes) and no
	// channel-topic message exists.
	depth, _ := q.Depth(ctx)
	if depth != 1 {
		t.Fatalf("expected entry re-added, depth=%d", depth)
	}
	if due, _ := q.ClaimDue(ctx, 10); len(due) != 0 {
		t.Fatalf("re-added entry must not be immediately due")
	}
}

func TestPoller_AbandonsAfterMaxRetriesWithTerminalStatus(t *testing.T) {
	q, _, _ := newQueue(t, "w1")
	prod := bus.NewMockProducer()
	prod.TopicErrs["email_notification"] = errors.New("broker down")
	p := schedq.NewPoller(q, prod, pollerCfg(), zap.NewNop(), nil)
	ctx := context.Background()

	msg := delayedMsg("n1", time.Now().Add(-time.Second))
	msg.PollerRetries = 2 // already at the limit; next failure abandons
	_ = q.Add(ctx, msg)

	pollOnce(p)

	depth, _ := q.Depth(ctx)
	if depth != 0 {
		t.Fatalf("abandoned entry should be dropped, depth=%d", depth)
	}

	statuses := prod.ByTopic(bus.StatusTopic)
	if len(statuses) != 1 {
		t.Fatalf("expected 1 terminal status message, got %d", len(statuses))
	}
	var sm domain.StatusMessage
	if err := json.Unmarshal(statuses[0].Payload, &sm); err != nil {
		t.Fatal(err)
	}
	if sm.Status != domain.StatusFailed {
		t.Fatalf("expected failed status, got %s", sm.Status)
	}
	if sm.Channel != "email" {
		t.Fatalf("expected channel from payload, got %q", sm.Channel)
	}
}
