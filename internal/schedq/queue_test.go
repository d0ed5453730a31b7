package schedq_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/notifyhub/courier/internal/domain"
	"github.com/notifyhub/courier/internal/schedq"
)

func newQueue(t *testing.T, workerID string) (*schedq.Queue, *miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return schedq.New(rdb, workerID, 30*time.Second), mr, rdb
}

func delayedMsg(nid string, at time.Time) domain.DelayedMessage {
	payload, _ := json.Marshal(domain.NotificationMessage{
		NotificationID: nid,
		Channel:        "email",
		WebhookURL:     "http://client/hook",
	})
	return domain.DelayedMessage{
		NotificationID: nid,
		RequestID:      "r-" + nid,
		ClientID:       "c-" + nid,
		ScheduledAt:    at,
		TargetTopic:    "email_notification",
		Payload:        payload,
		CreatedAt:      time.Now().UTC(),
	}
}

func TestQueue_ClaimDue_OnlyReturnsDueEntries(t *testing.T) {
	q, _, _ := newQueue(t, "w1")
	ctx := context.Background()

	past := delayedMsg("due", time.Now().Add(-time.Second))
	future := delayedMsg("future", time.Now().Add(time.Hour))
	if err := q.Add(ctx, past); err != nil {
		t.Fatal(err)
	}
	if err := q.Add(ctx, future); err != nil {
		t.Fatal(err)
	}

	entries, err := q.ClaimDue(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 due entry, got %d", len(entries))
	}
	if entries[0].Msg.NotificationID != "due" {
		t.Fatalf("expected the due entry, got %s", entries[0].Msg.NotificationID)
	}
}

func TestQueue_ClaimDue_SecondWorkerIsExcluded(t *testing.T) {
	q1, mr, _ := newQueue(t, "w1")
	q2 := schedq.New(redisClient(t, mr), "w2", 30*time.Second)
	ctx := context.Background()

	if err := q1.Add(ctx, delayedMsg("n1", time.Now().Add(-time.Second))); err != nil {
		t.Fatal(err)
	}

	first, err := q1.ClaimDue(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(first) != 1 {
		t.Fatalf("w1 should claim the entry, got %d", len(first))
	}

	second, err := q2.ClaimDue(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(second) != 0 {
		t.Fatalf("w2 should be blocked by w1's claim, got %d entries", len(second))
	}
}

func TestQueue_ClaimExpiresAndIsRetaken(t *testing.T) {
	q1, mr, _ := newQueue(t, "w1")
	q2 := schedq.New(redisClient(t, mr), "w2", 30*time.Second)
	ctx := context.Background()

	_ = q1.Add(ctx, delayedMsg("n1", time.Now().Add(-time.Second)))
	if entries, _ := q1.ClaimDue(ctx, 10); len(entries) != 1 {
		t.Fatal("w1 should hold the claim")
	}

	// Simulate a dead worker: its claim TTL lapses.
	mr.FastForward(31 * time.Second)

	entries, err := q2.ClaimDue(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("w2 should retake after claim expiry, got %d", len(entries))
	}
}

func TestQueue_ConfirmProcessed_RemovesEntryAndClaim(t *testing.T) {
	q, _, _ := newQueue(t, "w1")
	ctx := context.Background()

	_ = q.Add(ctx, delayedMsg("n1", time.Now().Add(-time.Second)))
	entries, _ := q.ClaimDue(ctx, 10)
	if len(entries) != 1 {
		t.Fatal("expected one claimed entry")
	}

	ok, err := q.ConfirmProcessed(ctx, entries[0])
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected confirm to succeed while claim is held")
	}

	depth, _ := q.Depth(ctx)
	if depth != 0 {
		t.Fatalf("expected empty queue after confirm, depth=%d", depth)
	}

	// Second confirm must report the claim as lost.
	ok, _ = q.ConfirmProcessed(ctx, entries[0])
	if ok {
		t.Fatal("expected second confirm to fail")
	}
}

func TestQueue_ReleaseClaim_AllowsImmediateRetake(t *testing.T) {
	q1, mr, _ := newQueue(t, "w1")
	q2 := schedq.New(redisClient(t, mr), "w2", 30*time.Second)
	ctx := context.Background()

	_ = q1.Add(ctx, delayedMsg("n1", time.Now().Add(-time.Second)))
	if entries, _ := q1.ClaimDue(ctx, 10); len(entries) != 1 {
		t.Fatal("expected w1 to claim")
	}

	ok, err := q1.ReleaseClaim(ctx, "n1")
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected release to succeed")
	}

	if entries, _ := q2.ClaimDue(ctx, 10); len(entries) != 1 {
		t.Fatal("expected w2 to claim immediately after release")
	}
}

func TestQueue_ReAdd_ReschedulesWithNewScore(t *testing.T) {
	q, _, _ := newQueue(t, "w1")
	ctx := context.Background()

	_ = q.Add(ctx, delayedMsg("n1", time.Now().Add(-time.Second)))
	entries, _ := q.ClaimDue(ctx, 10)
	if len(entries) != 1 {
		t.Fatal("expected one claimed entry")
	}

	updated := entries[0].Msg
	updated.PollerRetries = 1
	if err := q.ReAdd(ctx, entries[0], updated, time.Hour); err != nil {
		t.Fatal(err)
	}

	// Entry exists but is no longer due, and the claim is gone.
	depth, _ := q.Depth(ctx)
	if depth != 1 {
		t.Fatalf("expected depth=1 after re-add, got %d", depth)
	}
	due, _ := q.ClaimDue(ctx, 10)
	if len(due) != 0 {
		t.Fatalf("re-added entry should not be due yet, got %d", len(due))
	}
}

func redisClient(t *testing.T, mr *miniredis.Miniredis) *redis.Client {
	t.Helper()
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return rdb
}
