// Package dispatch consumes channel topics and drives one notification
// through validation, the idempotency lock, the rate limiter and the
// provider router. Exactly-once delivery is approximated by taking the
// lock before the send and recording the terminal state after it; the
// unavoidable gap between a successful send and the terminal write is
// what the recovery reconciler watches for.
package dispatch

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/notifyhub/courier/internal/bus"
	"github.com/notifyhub/courier/internal/domain"
	"github.com/notifyhub/courier/internal/idempotency"
	"github.com/notifyhub/courier/internal/metrics"
	"github.com/notifyhub/courier/internal/provider"
	"github.com/notifyhub/courier/internal/ratelimit"
	"github.com/notifyhub/courier/internal/repository"
)

// Processor handles messages from one channel topic.
type Processor struct {
	channel    string
	router     *provider.Router
	idem       *idempotency.Store
	limiter    *ratelimit.Limiter
	repo       repository.NotificationRepository
	producer   bus.Producer
	maxRetries int
	baseDelay  time.Duration
	metrics    *metrics.Metrics
	logger     *zap.Logger
}

func NewProcessor(
	channel string,
	router *provider.Router,
	idem *idempotency.Store,
	limiter *ratelimit.Limiter,
	repo repository.NotificationRepository,
	producer bus.Producer,
	maxRetries int,
	baseDelay time.Duration,
	m *metrics.Metrics,
	logger *zap.Logger,
) *Processor {
	return &Processor{
		channel:    channel,
		router:     router,
		idem:       idem,
		limiter:    limiter,
		repo:       repo,
		producer:   producer,
		maxRetries: maxRetries,
		baseDelay:  baseDelay,
		metrics:    m,
		logger:     logger.With(zap.String("component", "dispatch"), zap.String("channel", channel)),
	}
}

func (p *Processor) Handle(ctx context.Context, m bus.Message) bus.Disposition {
	var msg domain.NotificationMessage
	if err := json.Unmarshal(m.Value, &msg); err != nil {
		// Poison pill: redelivery cannot fix a malformed payload.
		p.logger.Error("unparseable notification message", zap.Error(err))
		return bus.Ack
	}

	log := p.logger.With(zap.String("notification_id", msg.NotificationID))

	validator, ok := p.router.ValidatorFor(msg.Channel, msg.Provider)
	if !ok {
		return p.failTerminal(ctx, &msg, "no provider registered for channel "+msg.Channel, log)
	}
	if err := validator.ValidateMessage(&msg); err != nil {
		return p.failTerminal(ctx, &msg, "validation: "+err.Error(), log)
	}

	acquired, err := p.idem.TryAcquire(ctx, msg.NotificationID)
	if err != nil {
		log.Error("idempotency store unavailable", zap.Error(err))
		return bus.Redeliver
	}
	if acquired == idempotency.Rejected {
		// A concurrent consumer owns it, or it already reached a
		// delivered state inside the de-duplication window.
		p.count("duplicate")
		log.Info("duplicate delivery attempt dropped")
		return bus.Ack
	}

	decision, err := p.limiter.ConsumeToken(ctx, msg.Channel)
	if err != nil {
		p.releaseLock(ctx, msg.NotificationID, log)
		log.Error("rate limiter unavailable", zap.Error(err))
		return bus.Redeliver
	}
	if !decision.Allowed {
		return p.deferForRateLimit(ctx, &msg, decision.RetryAfter, log)
	}

	start := time.Now()
	res := p.router.SendWithFallback(ctx, msg.Channel, &msg)
	if p.metrics != nil {
		p.metrics.ProviderLatency.WithLabelValues(msg.Channel).Observe(time.Since(start).Seconds())
	}

	if res.Success {
		return p.succeed(ctx, &msg, res.MessageID, log)
	}
	return p.fail(ctx, &msg, res.Err, log)
}

func (p *Processor) succeed(ctx context.Context, msg *domain.NotificationMessage, providerMsgID string, log *zap.Logger) bus.Disposition {
	// The lock record is the first durable trace of success. If this
	// write fails the provider has sent but nothing recorded it: a
	// ghost delivery the reconciler must later detect.
	if err := p.idem.SetDelivered(ctx, msg.NotificationID); err != nil {
		log.Error("potential ghost delivery: provider sent but the lock record write failed",
			zap.Error(err))
	}
	if err := p.repo.MarkDelivered(ctx, msg.NotificationID); err != nil {
		// The store row stays processing; the reconciler heals it from
		// the delivered lock record.
		log.Error("potential ghost delivery: store update failed after send", zap.Error(err))
	}

	p.publishStatus(ctx, msg, domain.StatusDelivered, "", log)
	p.count("delivered")
	log.Info("notification delivered", zap.String("provider_message_id", providerMsgID))
	return bus.Ack
}

func (p *Processor) fail(ctx context.Context, msg *domain.NotificationMessage, errInfo *provider.ErrorInfo, log *zap.Logger) bus.Disposition {
	reason := "provider failure"
	retryable := false
	if errInfo != nil {
		reason = errInfo.Code + ": " + errInfo.Message
		retryable = errInfo.Retryable
	}

	nextRetry := msg.RetryCount + 1
	if !retryable || nextRetry > p.maxRetries {
		return p.failTerminal(ctx, msg, reason, log)
	}

	// Exponential backoff: 2^(retry_count+1) * base.
	backoff := time.Duration(1<<uint(nextRetry)) * p.baseDelay
	return p.scheduleRetry(ctx, msg, nextRetry, backoff, reason, log)
}

func (p *Processor) deferForRateLimit(ctx context.Context, msg *domain.NotificationMessage, retryAfter time.Duration, log *zap.Logger) bus.Disposition {
	p.count("rate_limited")
	if p.metrics != nil {
		p.metrics.RateLimitDeferred.WithLabelValues(msg.Channel).Inc()
	}

	nextRetry := msg.RetryCount + 1
	if nextRetry > p.maxRetries {
		return p.failTerminal(ctx, msg, "rate limit: retries exhausted", log)
	}
	return p.scheduleRetry(ctx, msg, nextRetry, retryAfter, "rate limited", log)
}

// scheduleRetry re-routes the message through the delayed pipeline and
// releases the lock so the future attempt can acquire it.
func (p *Processor) scheduleRetry(ctx context.Context, msg *domain.NotificationMessage, nextRetry int, delay time.Duration, reason string, log *zap.Logger) bus.Disposition {
	retryMsg := *msg
	retryMsg.RetryCount = nextRetry
	payload, err := json.Marshal(&retryMsg)
	if err != nil {
		log.Error("marshal retry payload", zap.Error(err))
		return p.failTerminal(ctx, msg, "internal: "+err.Error(), log)
	}

	delayed := domain.DelayedMessage{
		NotificationID: msg.NotificationID,
		RequestID:      msg.RequestID,
		ClientID:       msg.ClientID,
		ScheduledAt:    time.Now().UTC().Add(delay),
		TargetTopic:    bus.ChannelTopic(msg.Channel),
		Payload:        payload,
		CreatedAt:      time.Now().UTC(),
	}
	delayedPayload, err := json.Marshal(&delayed)
	if err != nil {
		log.Error("marshal delayed message", zap.Error(err))
		return p.failTerminal(ctx, msg, "internal: "+err.Error(), log)
	}

	if err := p.producer.Publish(ctx, bus.DelayedTopic, msg.NotificationID, delayedPayload); err != nil {
		// Nothing carries the retry yet; release the lock and let the
		// bus redeliver the original message.
		p.releaseLock(ctx, msg.NotificationID, log)
		log.Error("publish delayed retry failed", zap.Error(err))
		return bus.Redeliver
	}

	if err := p.repo.SetRetryCount(ctx, msg.NotificationID, nextRetry); err != nil {
		log.Warn("persist retry count failed", zap.Error(err))
	}
	// The row stays processing: failed is terminal, and the active row
	// keeps the (request_id, channel) uniqueness guard in force while
	// the retry is in flight. Only the lock record is released.
	p.releaseLock(ctx, msg.NotificationID, log)

	p.count("retried")
	log.Info("retry scheduled",
		zap.Int("retry_count", nextRetry),
		zap.Duration("delay", delay),
		zap.String("reason", reason))
	return bus.Ack
}

func (p *Processor) failTerminal(ctx context.Context, msg *domain.NotificationMessage, reason string, log *zap.Logger) bus.Disposition {
	if err := p.repo.MarkFailed(ctx, msg.NotificationID, reason); err != nil {
		log.Error("record terminal failure failed", zap.Error(err))
	}
	if err := p.idem.SetFailed(ctx, msg.NotificationID); err != nil {
		log.Warn("write failed lock record", zap.Error(err))
	}
	p.publishStatus(ctx, msg, domain.StatusFailed, reason, log)
	p.count("failed")
	log.Info("notification failed terminally", zap.String("reason", reason))
	return bus.Ack
}

// releaseLock writes a failed record, which the acquire script treats
// as retriable.
func (p *Processor) releaseLock(ctx context.Context, notificationID string, log *zap.Logger) {
	if err := p.idem.SetFailed(ctx, notificationID); err != nil {
		log.Warn("release processing lock failed", zap.Error(err))
	}
}

func (p *Processor) publishStatus(ctx context.Context, msg *domain.NotificationMessage, status domain.Status, reason string, log *zap.Logger) {
	sm := domain.StatusMessage{
		NotificationID: msg.NotificationID,
		RequestID:      msg.RequestID,
		ClientID:       msg.ClientID,
		Channel:        msg.Channel,
		Status:         status,
		Message:        reason,
		RetryCount:     msg.RetryCount,
		WebhookURL:     msg.WebhookURL,
		CreatedAt:      time.Now().UTC(),
	}
	payload, err := json.Marshal(&sm)
	if err != nil {
		log.Error("marshal status message", zap.Error(err))
		return
	}
	// Best effort: the store already holds the terminal state, so a
	// lost status event costs a webhook, not correctness.
	if err := p.producer.Publish(ctx, bus.StatusTopic, msg.NotificationID, payload); err != nil {
		log.Warn("publish status event failed", zap.Error(err))
	}
}

func (p *Processor) count(outcome string) {
	if p.metrics != nil {
		p.metrics.DispatchOutcomes.WithLabelValues(p.channel, outcome).Inc()
	}
}
