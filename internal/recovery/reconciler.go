// Package recovery reconciles divergence between the durable store and
// the coordination store: ghost deliveries are healed, orphaned rows
// re-enqueued, and anything it cannot repair becomes an alert.
package recovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/notifyhub/courier/internal/bus"
	"github.com/notifyhub/courier/internal/config"
	"github.com/notifyhub/courier/internal/domain"
	"github.com/notifyhub/courier/internal/idempotency"
	"github.com/notifyhub/courier/internal/metrics"
	"github.com/notifyhub/courier/internal/repository"
)

// PingFunc checks one backing store. The reconciler skips a run when
// either store is unreachable rather than raising alerts off stale
// reads.
type PingFunc func(ctx context.Context) error

type Reconciler struct {
	repo          repository.NotificationRepository
	alerts        repository.AlertRepository
	statusOutbox  repository.StatusOutboxRepository
	idem          *idempotency.Store
	producer      bus.Producer
	cfg           config.RecoveryConfig
	processingTTL time.Duration
	workerID      string
	storePing     PingFunc
	coordPing     PingFunc
	metrics       *metrics.Metrics
	logger        *zap.Logger
}

func NewReconciler(
	repo repository.NotificationRepository,
	alerts repository.AlertRepository,
	statusOutbox repository.StatusOutboxRepository,
	idem *idempotency.Store,
	producer bus.Producer,
	cfg config.RecoveryConfig,
	processingTTL time.Duration,
	workerID string,
	storePing, coordPing PingFunc,
	m *metrics.Metrics,
	logger *zap.Logger,
) *Reconciler {
	return &Reconciler{
		repo:          repo,
		alerts:        alerts,
		statusOutbox:  statusOutbox,
		idem:          idem,
		producer:      producer,
		cfg:           cfg,
		processingTTL: processingTTL,
		workerID:      workerID,
		storePing:     storePing,
		coordPing:     coordPing,
		metrics:       m,
		logger:        logger.With(zap.String("component", "recovery")),
	}
}

// Run reconciles on a fixed interval until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	r.logger.Info("reconciler started", zap.Duration("interval", r.cfg.Interval))

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("reconciler stopping")
			return
		case <-ticker.C:
			r.runOnce(ctx)
		}
	}
}

func (r *Reconciler) runOnce(ctx context.Context) {
	if !r.healthy(ctx) {
		return
	}
	r.stuckProcessingPass(ctx)
	r.orphanPass(ctx)
	r.drainStatusOutbox(ctx)
}

// healthy gates a run on both stores being reachable. Reconciling
// against a flapping store would misclassify rows and spam alerts.
func (r *Reconciler) healthy(ctx context.Context) bool {
	if err := r.storePing(ctx); err != nil {
		r.logger.Warn("skipping run: store unhealthy", zap.Error(err))
		return false
	}
	if err := r.coordPing(ctx); err != nil {
		r.logger.Warn("skipping run: coordination store unhealthy", zap.Error(err))
		return false
	}
	return true
}

// stuckProcessingPass classifies notifications stuck in processing for
// longer than twice the processing TTL by their lock record.
func (r *Reconciler) stuckProcessingPass(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-2 * r.processingTTL)
	stuck, err := r.repo.FindStuckProcessing(ctx, cutoff, r.cfg.BatchSize)
	if err != nil {
		r.logger.Error("find stuck processing failed", zap.Error(err))
		return
	}

	for _, n := range stuck {
		rec, err := r.idem.Get(ctx, n.ID)
		if err != nil {
			r.logger.Error("read lock record failed",
				zap.String("notification_id", n.ID), zap.Error(err))
			continue
		}

		switch {
		case rec != nil && rec.Status == "delivered":
			r.healGhost(ctx, n)
		case rec == nil || rec.Status == "failed":
			r.resetOrphan(ctx, n)
		default: // still processing, far past the lease
			r.raiseStuckAlert(ctx, n, rec)
		}
	}
}

// healGhost records the delivered state the consumer could not and
// queues the status event through the status outbox so the webhook
// still fires.
func (r *Reconciler) healGhost(ctx context.Context, n *domain.Notification) {
	err := r.repo.MarkDeliveredWithStatusOutbox(ctx, n.ID)
	if errors.Is(err, domain.ErrNotRecoverable) {
		// Another worker got there first.
		return
	}
	if err != nil {
		r.logger.Error("ghost heal failed", zap.String("notification_id", n.ID), zap.Error(err))
		return
	}

	r.raiseAlert(ctx, &domain.Alert{
		ID:             uuid.NewString(),
		NotificationID: &n.ID,
		Type:           domain.AlertGhostDelivery,
		Severity:       domain.SeverityWarning,
		Message:        "provider send succeeded but the terminal state was not recorded; healed to delivered",
		CreatedAt:      time.Now().UTC(),
	})
	r.countAction("ghost_heal")
	r.logger.Info("ghost delivery healed", zap.String("notification_id", n.ID))
}

// resetOrphan returns the notification to pending with a fresh outbox
// row so the pipeline picks it up again.
func (r *Reconciler) resetOrphan(ctx context.Context, n *domain.Notification) {
	payload, err := dispatchPayload(n)
	if err != nil {
		r.logger.Error("build redispatch payload failed",
			zap.String("notification_id", n.ID), zap.Error(err))
		return
	}

	err = r.repo.ResetToPending(ctx, n.ID, nil, bus.ChannelTopic(n.Channel), payload)
	if errors.Is(err, domain.ErrNotRecoverable) {
		return
	}
	if err != nil {
		r.logger.Error("orphan reset failed", zap.String("notification_id", n.ID), zap.Error(err))
		return
	}
	r.countAction("reset_pending")
	r.logger.Info("stuck notification reset to pending", zap.String("notification_id", n.ID))
}

func (r *Reconciler) raiseStuckAlert(ctx context.Context, n *domain.Notification, rec *idempotency.Record) {
	age := time.Since(n.UpdatedAt)
	severity := domain.SeverityWarning
	switch {
	case age > 8*r.processingTTL:
		severity = domain.SeverityCritical
	case age > 4*r.processingTTL:
		severity = domain.SeverityError
	}

	r.raiseAlert(ctx, &domain.Alert{
		ID:             uuid.NewString(),
		NotificationID: &n.ID,
		Type:           domain.AlertStuckProcessing,
		Severity:       severity,
		Message:        fmt.Sprintf("notification has held processing for %s", age.Round(time.Second)),
		Metadata: map[string]string{
			"age_seconds": strconv.FormatInt(int64(age.Seconds()), 10),
			"lock_status": rec.Status,
		},
		CreatedAt: time.Now().UTC(),
	})
}

// orphanPass raises a single system-wide alert when too many pending
// rows have outlived the outbox pipeline's plausible latency.
func (r *Reconciler) orphanPass(ctx context.Context) {
	count, err := r.repo.CountOldPending(ctx, time.Now().UTC().Add(-r.cfg.OrphanThreshold))
	if err != nil {
		r.logger.Error("count old pending failed", zap.Error(err))
		return
	}
	if count < r.cfg.OrphanAlertThreshold {
		return
	}

	severity := domain.SeverityWarning
	if count >= r.cfg.OrphanCriticalThreshold {
		severity = domain.SeverityCritical
	}

	r.raiseAlert(ctx, &domain.Alert{
		ID:       uuid.NewString(),
		Type:     domain.AlertOrphanedPending,
		Severity: severity,
		Message:  fmt.Sprintf("%d pending notifications older than %s", count, r.cfg.OrphanThreshold),
		Metadata: map[string]string{
			"count": strconv.Itoa(count),
		},
		CreatedAt: time.Now().UTC(),
	})
}

// drainStatusOutbox publishes terminal statuses written during heals.
// Rows are claimed under the outbox lease discipline; a row is only
// marked processed after the publish is acked.
func (r *Reconciler) drainStatusOutbox(ctx context.Context) {
	rows, err := r.statusOutbox.ClaimUnprocessed(ctx, r.workerID, r.cfg.BatchSize, r.cfg.Interval)
	if err != nil {
		r.logger.Error("claim status outbox failed", zap.Error(err))
		return
	}

	var processed []int64
	for _, row := range rows {
		n, err := r.repo.GetByID(ctx, row.NotificationID)
		if err != nil {
			r.logger.Error("load notification for status drain failed",
				zap.String("notification_id", row.NotificationID), zap.Error(err))
			continue
		}

		sm := domain.StatusMessage{
			NotificationID: n.ID,
			RequestID:      n.RequestID,
			ClientID:       n.ClientID,
			Channel:        n.Channel,
			Status:         row.Status,
			RetryCount:     n.RetryCount,
			WebhookURL:     n.WebhookURL,
			CreatedAt:      row.CreatedAt,
		}
		payload, err := json.Marshal(&sm)
		if err != nil {
			r.logger.Error("marshal drained status failed", zap.Error(err))
			continue
		}
		if err := r.producer.Publish(ctx, bus.StatusTopic, n.ID, payload); err != nil {
			// Claim expires and another run retries.
			r.logger.Warn("publish drained status failed",
				zap.String("notification_id", n.ID), zap.Error(err))
			continue
		}
		processed = append(processed, row.ID)
	}

	if len(processed) > 0 {
		if err := r.statusOutbox.MarkProcessed(ctx, processed); err != nil {
			r.logger.Error("mark status outbox processed failed", zap.Error(err))
		}
	}
}

func (r *Reconciler) raiseAlert(ctx context.Context, a *domain.Alert) {
	created, err := r.alerts.Upsert(ctx, a)
	if err != nil {
		r.logger.Error("raise alert failed", zap.String("type", string(a.Type)), zap.Error(err))
		return
	}
	if !created {
		return
	}
	if r.metrics != nil {
		r.metrics.AlertsRaised.WithLabelValues(string(a.Type)).Inc()
	}
	r.logger.Warn("alert raised",
		zap.String("type", string(a.Type)),
		zap.String("severity", string(a.Severity)),
		zap.String("message", a.Message))
}

func (r *Reconciler) countAction(action string) {
	if r.metrics != nil {
		r.metrics.RecoveryActions.WithLabelValues(action).Inc()
	}
}

// dispatchPayload rebuilds the channel-topic message for a stored
// notification.
func dispatchPayload(n *domain.Notification) (json.RawMessage, error) {
	providerID := ""
	if n.Provider != nil {
		providerID = *n.Provider
	}
	return json.Marshal(&domain.NotificationMessage{
		NotificationID: n.ID,
		RequestID:      n.RequestID,
		ClientID:       n.ClientID,
		Channel:        n.Channel,
		Provider:       providerID,
		Recipient:      n.Recipient,
		Content:        n.Content,
		Variables:      n.Variables,
		WebhookURL:     n.WebhookURL,
		RetryCount:     n.RetryCount,
		CreatedAt:      n.CreatedAt,
	})
}
