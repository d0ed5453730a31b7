package schedq

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/notifyhub/courier/internal/bus"
	"github.com/notifyhub/courier/internal/domain"
)

// Consumer moves delayed_notification messages into the queue. It is
// intentionally thin: once the entry is durably in the coordination
// store the offset can be committed, and the poller takes over.
type Consumer struct {
	queue  *Queue
	logger *zap.Logger
}

func NewConsumer(queue *Queue, logger *zap.Logger) *Consumer {
	return &Consumer{queue: queue, logger: logger.With(zap.String("component", "scheduled_consumer"))}
}

func (c *Consumer) Handle(ctx context.Context, msg bus.Message) bus.Disposition {
	var dm domain.DelayedMessage
	if err := json.Unmarshal(msg.Value, &dm); err != nil {
		// Poison pill: commit and drop so it cannot block the topic.
		c.logger.Warn("dropping unparseable delayed message",
			zap.Int64("offset", msg.Offset), zap.Error(err))
		return bus.Ack
	}

	if err := c.queue.Add(ctx, dm); err != nil {
		c.logger.Error("failed to queue delayed message",
			zap.String("notification_id", dm.NotificationID), zap.Error(err))
		return bus.Redeliver
	}

	c.logger.Debug("delayed message queued",
		zap.String("notification_id", dm.NotificationID),
		zap.Time("scheduled_at", dm.ScheduledAt))
	return bus.Ack
}
