// Package status consumes terminal outcomes from the status topic,
// records them in the store and notifies clients over their webhooks.
package status

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/notifyhub/courier/internal/domain"
)

// WebhookClient POSTs status payloads to client-supplied URLs. Delivery
// is best effort: a global rate limiter paces outbound traffic and a
// per-host circuit breaker stops hammering endpoints that are down.
type WebhookClient struct {
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *zap.Logger

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

func NewWebhookClient(timeout time.Duration, ratePerSecond int, logger *zap.Logger) *WebhookClient {
	return &WebhookClient{
		httpClient: &http.Client{Timeout: timeout},
		limiter:    rate.NewLimiter(rate.Limit(ratePerSecond), ratePerSecond),
		logger:     logger.With(zap.String("component", "webhook_client")),
		breakers:   make(map[string]*gobreaker.CircuitBreaker),
	}
}

func (c *WebhookClient) breakerFor(host string) *gobreaker.CircuitBreaker {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cb, ok := c.breakers[host]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    host,
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.logger.Warn("webhook breaker state change",
				zap.String("host", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
	c.breakers[host] = cb
	return cb
}

// Deliver POSTs the payload to hookURL. The error is informational;
// callers never fail the pipeline over it.
func (c *WebhookClient) Deliver(ctx context.Context, hookURL string, payload *domain.WebhookPayload) error {
	u, err := url.Parse(hookURL)
	if err != nil || u.Host == "" {
		return fmt.Errorf("invalid webhook url: %s", hookURL)
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter wait: %w", err)
	}

	_, err = c.breakerFor(u.Host).Execute(func() (any, error) {
		return nil, c.post(ctx, hookURL, payload)
	})
	return err
}

func (c *WebhookClient) post(ctx context.Context, hookURL string, payload *domain.WebhookPayload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook endpoint returned %d", resp.StatusCode)
	}
	return nil
}
