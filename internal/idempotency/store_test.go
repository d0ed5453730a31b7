package idempotency_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/notifyhub/courier/internal/idempotency"
)

func newStore(t *testing.T) (*idempotency.Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return idempotency.NewStore(rdb, 30*time.Second, 24*time.Hour), mr
}

func TestStore_TryAcquire_Fresh(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()

	res, err := s.TryAcquire(ctx, "n1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res != idempotency.AcquiredFresh {
		t.Fatalf("expected AcquiredFresh, got %v", res)
	}
}

func TestStore_TryAcquire_RejectsWhileProcessing(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()

	if _, err := s.TryAcquire(ctx, "n1"); err != nil {
		t.Fatal(err)
	}

	res, err := s.TryAcquire(ctx, "n1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res != idempotency.Rejected {
		t.Fatalf("expected Rejected on concurrent acquire, got %v", res)
	}
}

func TestStore_TryAcquire_RejectsAfterDelivered(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()

	_, _ = s.TryAcquire(ctx, "n1")
	if err := s.SetDelivered(ctx, "n1"); err != nil {
		t.Fatal(err)
	}

	res, _ := s.TryAcquire(ctx, "n1")
	if res != idempotency.Rejected {
		t.Fatalf("expected Rejected after delivery, got %v", res)
	}
}

func TestStore_TryAcquire_RetryAfterFailed(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()

	_, _ = s.TryAcquire(ctx, "n1")
	if err := s.SetFailed(ctx, "n1"); err != nil {
		t.Fatal(err)
	}

	res, _ := s.TryAcquire(ctx, "n1")
	if res != idempotency.AcquiredRetry {
		t.Fatalf("expected AcquiredRetry after failure, got %v", res)
	}
}

// The processing lease must expire on its own so a crashed consumer
// does not block redelivery forever.
func TestStore_ProcessingLockExpires(t *testing.T) {
	s, mr := newStore(t)
	ctx := context.Background()

	_, _ = s.TryAcquire(ctx, "n1")
	mr.FastForward(31 * time.Second)

	res, _ := s.TryAcquire(ctx, "n1")
	if res != idempotency.AcquiredFresh {
		t.Fatalf("expected AcquiredFresh after lease expiry, got %v", res)
	}
}

func TestStore_Get(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()

	rec, err := s.Get(ctx, "missing")
	if err != nil {
		t.Fatal(err)
	}
	if rec != nil {
		t.Fatalf("expected nil record for missing key, got %+v", rec)
	}

	_, _ = s.TryAcquire(ctx, "n1")
	_ = s.SetDelivered(ctx, "n1")

	rec, err = s.Get(ctx, "n1")
	if err != nil {
		t.Fatal(err)
	}
	if rec == nil || rec.Status != "delivered" {
		t.Fatalf("expected delivered record, got %+v", rec)
	}
	if rec.UpdatedAt.IsZero() {
		t.Fatal("expected updated_at to be set")
	}
}
