package outbox

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/notifyhub/courier/internal/bus"
	"github.com/notifyhub/courier/internal/config"
	"github.com/notifyhub/courier/internal/metrics"
	"github.com/notifyhub/courier/internal/repository"
)

// Dispatcher drains the transactional outbox: it claims pending rows,
// publishes each payload to its topic, then marks the rows published
// and advances the notifications to processing in one transaction.
//
// A row whose publish fails stays claimed; once the claim lease
// expires any dispatcher picks it up again. Publishing is therefore
// at-least-once and downstream consumers deduplicate by notification
// ID.
type Dispatcher struct {
	repo     repository.OutboxRepository
	producer bus.Producer
	cfg      config.OutboxConfig
	workerID string
	metrics  *metrics.Metrics
	logger   *zap.Logger
}

func NewDispatcher(
	repo repository.OutboxRepository,
	producer bus.Producer,
	cfg config.OutboxConfig,
	workerID string,
	m *metrics.Metrics,
	logger *zap.Logger,
) *Dispatcher {
	return &Dispatcher{
		repo:     repo,
		producer: producer,
		cfg:      cfg,
		workerID: workerID,
		metrics:  m,
		logger:   logger.With(zap.String("component", "outbox_dispatcher")),
	}
}

// Run polls until ctx is cancelled. Retention cleanup runs on its own
// slower ticker inside the same loop.
func (d *Dispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()
	cleanup := time.NewTicker(d.cfg.CleanupInterval)
	defer cleanup.Stop()

	d.logger.Info("outbox dispatcher started",
		zap.Duration("poll_interval", d.cfg.PollInterval),
		zap.Int("batch_size", d.cfg.BatchSize))

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("outbox dispatcher stopping")
			return
		case <-ticker.C:
			d.poll(ctx)
		case <-cleanup.C:
			d.cleanup(ctx)
		}
	}
}

func (d *Dispatcher) poll(ctx context.Context) {
	rows, err := d.repo.ClaimBatch(ctx, d.workerID, d.cfg.BatchSize, d.cfg.ClaimTimeout)
	if err != nil {
		d.logger.Error("outbox claim error", zap.Error(err))
		return
	}
	if len(rows) == 0 {
		return
	}

	var publishedIDs []int64
	var processingNIDs []string

	for _, row := range rows {
		err := d.producer.Publish(ctx, row.Topic, row.NotificationID, row.Payload)
		if err != nil {
			// Leave the row claimed; the lease expiry retries it.
			d.logger.Warn("outbox publish failed",
				zap.Int64("outbox_id", row.ID),
				zap.String("notification_id", row.NotificationID),
				zap.String("topic", row.Topic),
				zap.Error(err))
			continue
		}
		publishedIDs = append(publishedIDs, row.ID)
		if advancesNotification(row.Topic) {
			processingNIDs = append(processingNIDs, row.NotificationID)
		}
		if d.metrics != nil {
			d.metrics.OutboxPublished.WithLabelValues(row.Topic).Inc()
		}
	}

	if len(publishedIDs) == 0 {
		return
	}
	if err := d.repo.MarkPublished(ctx, publishedIDs, processingNIDs); err != nil {
		// Rows will be re-published after the lease expires; consumers
		// drop the duplicates via the idempotency lock.
		d.logger.Error("outbox mark published error", zap.Error(err))
		return
	}

	d.logger.Info("outbox batch published",
		zap.Int("published", len(publishedIDs)),
		zap.Int("claimed", len(rows)))
}

// advancesNotification reports whether publishing to this topic moves
// the notification from pending to processing. Delayed rows stay
// pending until the scheduled queue releases them.
func advancesNotification(topic string) bool {
	return topic != bus.DelayedTopic && topic != bus.StatusTopic
}

func (d *Dispatcher) cleanup(ctx context.Context) {
	deleted, err := d.repo.DeleteOldPublished(ctx, time.Now().UTC().Add(-d.cfg.Retention))
	if err != nil {
		d.logger.Error("outbox cleanup error", zap.Error(err))
		return
	}
	if deleted > 0 {
		if d.metrics != nil {
			d.metrics.OutboxCleaned.Add(float64(deleted))
		}
		d.logger.Info("outbox retention cleanup", zap.Int64("deleted", deleted))
	}
}
