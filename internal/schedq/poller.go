package schedq

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/notifyhub/courier/internal/bus"
	"github.com/notifyhub/courier/internal/config"
	"github.com/notifyhub/courier/internal/domain"
)

const maxReAddBackoff = 30 * time.Second

// Poller claims due entries and publishes their payloads onto the
// target channel topics. An entry leaves the queue only after its
// publish is acknowledged; a poller crash between claim and publish
// leaves the claim to expire so another worker retakes the entry.
type Poller struct {
	queue    *Queue
	producer bus.Producer
	cfg      config.ScheduledConfig
	logger   *zap.Logger

	// Hook for metrics — optional.
	onReleased func(topic string)
}

func NewPoller(queue *Queue, producer bus.Producer, cfg config.ScheduledConfig, logger *zap.Logger, onReleased func(topic string)) *Poller {
	if onReleased == nil {
		onReleased = func(string) {}
	}
	return &Poller{
		queue:      queue,
		producer:   producer,
		cfg:        cfg,
		logger:     logger.With(zap.String("component", "scheduled_poller")),
		onReleased: onReleased,
	}
}

// Run ticks every poll interval until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	p.logger.Info("scheduled poller started", zap.Duration("interval", p.cfg.PollInterval))

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("scheduled poller stopping")
			return
		case <-ticker.C:
			p.poll(ctx)
		}
	}
}

func (p *Poller) poll(ctx context.Context) {
	entries, err := p.queue.ClaimDue(ctx, p.cfg.BatchSize)
	if err != nil {
		p.logger.Error("claim due entries failed", zap.Error(err))
	}

	for _, e := range entries {
		p.release(ctx, e)
	}
}

func (p *Poller) release(ctx context.Context, e Entry) {
	log := p.logger.With(zap.String("notification_id", e.Msg.NotificationID))

	err := p.producer.Publish(ctx, e.Msg.TargetTopic, e.Msg.NotificationID, e.Msg.Payload)
	if err == nil {
		confirmed, cErr := p.queue.ConfirmProcessed(ctx, e)
		if cErr != nil {
			log.Error("confirm failed; entry may be republished", zap.Error(cErr))
		} else if !confirmed {
			// Claim TTL expired mid-publish; another worker may publish
			// again. The dispatch idempotency lock absorbs the duplicate.
			log.Warn("claim lost before confirm")
		}
		p.onReleased(e.Msg.TargetTopic)
		return
	}

	retries := e.Msg.PollerRetries + 1
	if retries > p.cfg.MaxPollerRetries {
		log.Error("abandoning scheduled entry after repeated publish failures",
			zap.Int("attempts", retries), zap.Error(err))
		p.emitTerminalFailure(ctx, e, retries)
		if _, cErr := p.queue.ConfirmProcessed(ctx, e); cErr != nil {
			log.Error("failed to drop abandoned entry", zap.Error(cErr))
		}
		return
	}

	updated := e.Msg
	updated.PollerRetries = retries
	backoff := time.Duration(1<<uint(retries)) * time.Second
	if backoff > maxReAddBackoff {
		backoff = maxReAddBackoff
	}
	if rErr := p.queue.ReAdd(ctx, e, updated, backoff); rErr != nil {
		log.Error("re-add failed; claim TTL will recover the entry", zap.Error(rErr))
		return
	}
	log.Warn("publish failed; entry re-added",
		zap.Int("poller_retries", retries),
		zap.Duration("backoff", backoff),
		zap.Error(err))
}

// emitTerminalFailure best-effort publishes a failed status so the
// notification reaches a terminal row and the client webhook fires.
func (p *Poller) emitTerminalFailure(ctx context.Context, e Entry, attempts int) {
	var nm domain.NotificationMessage
	if err := json.Unmarshal(e.Msg.Payload, &nm); err != nil {
		p.logger.Error("cannot build failure status from payload",
			zap.String("notification_id", e.Msg.NotificationID), zap.Error(err))
		return
	}

	sm := domain.StatusMessage{
		NotificationID: e.Msg.NotificationID,
		RequestID:      e.Msg.RequestID,
		ClientID:       e.Msg.ClientID,
		Channel:        nm.Channel,
		Status:         domain.StatusFailed,
		Message:        fmt.Sprintf("scheduled delivery abandoned after %d failed publish attempts", attempts),
		RetryCount:     nm.RetryCount,
		WebhookURL:     nm.WebhookURL,
		CreatedAt:      time.Now().UTC(),
	}
	payload, _ := json.Marshal(sm)
	if err := p.producer.Publish(ctx, bus.StatusTopic, sm.NotificationID, payload); err != nil {
		p.logger.Error("failed to publish terminal failure status",
			zap.String("notification_id", sm.NotificationID), zap.Error(err))
	}
}
