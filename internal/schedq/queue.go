// Package schedq implements the scheduled-delivery queue: a
// time-ordered structure in the coordination store holding future and
// retried work, with two-phase claim/confirm so an entry is only
// removed after its downstream publish has been acknowledged.
package schedq

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/notifyhub/courier/internal/domain"
)

const (
	queueKey    = "scheduled:queue"
	claimPrefix = "scheduled:claim:"
)

// Entry pairs the parsed delayed message with the exact raw member
// bytes stored in the queue. Removal must use the raw bytes: the
// member is the serialized form, and re-serializing is not guaranteed
// to be byte-identical.
type Entry struct {
	Raw []byte
	Msg domain.DelayedMessage
}

var confirmScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) ~= ARGV[1] then
    return 0
end
redis.call('ZREM', KEYS[2], ARGV[2])
redis.call('DEL', KEYS[1])
return 1
`)

var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) ~= ARGV[1] then
    return 0
end
redis.call('DEL', KEYS[1])
return 1
`)

var reAddScript = redis.NewScript(`
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('ZADD', KEYS[2], ARGV[3], ARGV[2])
redis.call('DEL', KEYS[1])
return 1
`)

// Queue is the coordination-store scheduled queue shared by the
// scheduled consumer (writer) and the pollers (claimers).
type Queue struct {
	rdb      *redis.Client
	workerID string
	claimTTL time.Duration
}

func New(rdb *redis.Client, workerID string, claimTTL time.Duration) *Queue {
	return &Queue{rdb: rdb, workerID: workerID, claimTTL: claimTTL}
}

// Add inserts the message scored by its scheduled time (epoch ms).
func (q *Queue) Add(ctx context.Context, msg domain.DelayedMessage) error {
	raw, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal entry: %w", err)
	}
	err = q.rdb.ZAdd(ctx, queueKey, redis.Z{
		Score:  float64(msg.ScheduledAt.UnixMilli()),
		Member: raw,
	}).Err()
	if err != nil {
		return fmt.Errorf("add entry: %w", err)
	}
	return nil
}

// ClaimDue finds entries whose score has passed and claims each by
// setting claim:<NID> if absent. Entries stay in the queue; only the
// successfully claimed ones are returned. Unparseable members are
// removed outright so one bad entry cannot wedge the poller.
func (q *Queue) ClaimDue(ctx context.Context, limit int) ([]Entry, error) {
	members, err := q.rdb.ZRangeByScore(ctx, queueKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   fmt.Sprintf("%d", time.Now().UnixMilli()),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("range due entries: %w", err)
	}

	var claimed []Entry
	for _, m := range members {
		var msg domain.DelayedMessage
		if err := json.Unmarshal([]byte(m), &msg); err != nil {
			_ = q.rdb.ZRem(ctx, queueKey, m).Err()
			continue
		}

		ok, err := q.rdb.SetNX(ctx, claimPrefix+msg.NotificationID, q.workerID, q.claimTTL).Result()
		if err != nil {
			return claimed, fmt.Errorf("claim %s: %w", msg.NotificationID, err)
		}
		if !ok {
			continue // another worker owns it
		}
		claimed = append(claimed, Entry{Raw: []byte(m), Msg: msg})
	}
	return claimed, nil
}

// ConfirmProcessed removes the entry and its claim, atomically, but
// only if this worker still holds the claim. Returns false when the
// claim was lost (TTL expiry and retake by another worker).
func (q *Queue) ConfirmProcessed(ctx context.Context, e Entry) (bool, error) {
	res, err := confirmScript.Run(ctx, q.rdb,
		[]string{claimPrefix + e.Msg.NotificationID, queueKey},
		q.workerID, string(e.Raw),
	).Int64()
	if err != nil {
		return false, fmt.Errorf("confirm %s: %w", e.Msg.NotificationID, err)
	}
	return res == 1, nil
}

// ReleaseClaim drops this worker's claim without touching the entry,
// allowing immediate retake by any worker.
func (q *Queue) ReleaseClaim(ctx context.Context, notificationID string) (bool, error) {
	res, err := releaseScript.Run(ctx, q.rdb,
		[]string{claimPrefix + notificationID},
		q.workerID,
	).Int64()
	if err != nil {
		return false, fmt.Errorf("release %s: %w", notificationID, err)
	}
	return res == 1, nil
}

// ReAdd replaces the old entry with an updated one scheduled delay_ms
// into the future and deletes any claim, in one atomic step.
func (q *Queue) ReAdd(ctx context.Context, old Entry, updated domain.DelayedMessage, delay time.Duration) error {
	raw, err := json.Marshal(updated)
	if err != nil {
		return fmt.Errorf("marshal entry: %w", err)
	}
	err = reAddScript.Run(ctx, q.rdb,
		[]string{claimPrefix + old.Msg.NotificationID, queueKey},
		string(old.Raw), raw, time.Now().Add(delay).UnixMilli(),
	).Err()
	if err != nil {
		return fmt.Errorf("re-add %s: %w", old.Msg.NotificationID, err)
	}
	return nil
}

// Depth returns the total number of queued entries, for metrics.
func (q *Queue) Depth(ctx context.Context) (int64, error) {
	return q.rdb.ZCard(ctx, queueKey).Result()
}
