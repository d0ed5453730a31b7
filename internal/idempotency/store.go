// Package idempotency implements the per-notification processing lock.
// A record lives in the coordination store keyed by notification ID and
// holds one of three states: processing (short TTL, a consumer owns the
// send), delivered or failed (long TTL, the de-duplication window).
package idempotency

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// AcquireResult is the outcome of TryAcquire.
type AcquireResult int

const (
	// Rejected: a processing or delivered record exists; the caller
	// must treat the message as a duplicate.
	Rejected AcquireResult = iota
	// AcquiredFresh: no record existed; this is the first attempt.
	AcquiredFresh
	// AcquiredRetry: a failed record was overwritten; this is a retry.
	AcquiredRetry
)

// Record is the stored idempotency state for one notification.
type Record struct {
	Status    string
	UpdatedAt time.Time
}

const keyPrefix = "idem:"

// All three acquire outcomes are decided in a single round-trip so
// concurrent consumers cannot interleave between read and write.
var acquireScript = redis.NewScript(`
local status = redis.call('HGET', KEYS[1], 'status')
if not status then
    redis.call('HSET', KEYS[1], 'status', 'processing', 'updated_at', ARGV[2])
    redis.call('PEXPIRE', KEYS[1], ARGV[1])
    return 'fresh'
end
if status == 'failed' then
    redis.call('HSET', KEYS[1], 'status', 'processing', 'updated_at', ARGV[2])
    redis.call('PEXPIRE', KEYS[1], ARGV[1])
    return 'retry'
end
return 'rejected'
`)

var setTerminalScript = redis.NewScript(`
redis.call('HSET', KEYS[1], 'status', ARGV[1], 'updated_at', ARGV[3])
redis.call('PEXPIRE', KEYS[1], ARGV[2])
return 1
`)

// Store wraps the coordination-store client with the lock operations.
type Store struct {
	rdb           *redis.Client
	processingTTL time.Duration
	terminalTTL   time.Duration
}

func NewStore(rdb *redis.Client, processingTTL, terminalTTL time.Duration) *Store {
	return &Store{rdb: rdb, processingTTL: processingTTL, terminalTTL: terminalTTL}
}

// TryAcquire attempts to take the processing lock for a notification.
func (s *Store) TryAcquire(ctx context.Context, notificationID string) (AcquireResult, error) {
	res, err := acquireScript.Run(ctx, s.rdb,
		[]string{keyPrefix + notificationID},
		s.processingTTL.Milliseconds(),
		time.Now().UnixMilli(),
	).Text()
	if err != nil {
		return Rejected, fmt.Errorf("acquire lock: %w", err)
	}

	switch res {
	case "fresh":
		return AcquiredFresh, nil
	case "retry":
		return AcquiredRetry, nil
	default:
		return Rejected, nil
	}
}

// SetDelivered overwrites the record with a long-TTL delivered entry.
func (s *Store) SetDelivered(ctx context.Context, notificationID string) error {
	return s.setTerminal(ctx, notificationID, "delivered")
}

// SetFailed overwrites the record with a long-TTL failed entry. A
// failed record releases the lock: the next TryAcquire succeeds as a
// retry.
func (s *Store) SetFailed(ctx context.Context, notificationID string) error {
	return s.setTerminal(ctx, notificationID, "failed")
}

func (s *Store) setTerminal(ctx context.Context, notificationID, status string) error {
	err := setTerminalScript.Run(ctx, s.rdb,
		[]string{keyPrefix + notificationID},
		status,
		s.terminalTTL.Milliseconds(),
		time.Now().UnixMilli(),
	).Err()
	if err != nil {
		return fmt.Errorf("set %s: %w", status, err)
	}
	return nil
}

// Get returns the current record, or nil if none exists. Used by the
// recovery reconciler to classify stuck notifications.
func (s *Store) Get(ctx context.Context, notificationID string) (*Record, error) {
	vals, err := s.rdb.HMGet(ctx, keyPrefix+notificationID, "status", "updated_at").Result()
	if err != nil {
		return nil, fmt.Errorf("get record: %w", err)
	}
	status, ok := vals[0].(string)
	if !ok || status == "" {
		return nil, nil
	}

	rec := &Record{Status: status}
	if raw, ok := vals[1].(string); ok {
		if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
			rec.UpdatedAt = time.UnixMilli(ms)
		}
	}
	return rec, nil
}
