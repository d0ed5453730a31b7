package provider

import (
	"context"

	"go.uber.org/zap"

	"github.com/notifyhub/courier/internal/domain"
)

// Router selects a provider for a notification and invokes its send
// operation, applying the fallback policy:
//
//  1. An explicit provider on the message is used as-is, never falling
//     back — the client asked for that provider specifically.
//  2. Otherwise the channel default is used; no default means the
//     channel is unroutable (NO_PROVIDER).
//  3. A retryable failure from the default is returned untouched: the
//     pipeline retries the same provider later, so switching now would
//     only blur attribution.
//  4. A non-retryable failure triggers the fallback, once. If it also
//     fails, ALL_PROVIDERS_FAILED.
type Router struct {
	reg    *Registry
	logger *zap.Logger
}

func NewRouter(reg *Registry, logger *zap.Logger) *Router {
	return &Router{reg: reg, logger: logger.With(zap.String("component", "provider_router"))}
}

// SendWithFallback routes and sends one notification message.
func (r *Router) SendWithFallback(ctx context.Context, channel string, msg *domain.NotificationMessage) DeliveryResult {
	log := r.logger.With(
		zap.String("notification_id", msg.NotificationID),
		zap.String("channel", channel),
	)

	if msg.Provider != "" {
		p, ok := r.reg.Get(msg.Provider)
		if !ok {
			return failure(CodeNoProvider, "requested provider is not registered: "+msg.Provider, false)
		}
		return p.Send(ctx, msg)
	}

	primary, ok := r.reg.Default(channel)
	if !ok {
		return failure(CodeNoProvider, "no provider registered for channel "+channel, false)
	}

	res := primary.Send(ctx, msg)
	if res.Success || res.Err == nil {
		return res
	}
	if res.Err.Retryable {
		return res
	}

	fallback, ok := r.reg.Fallback(channel)
	if !ok || fallback.Manifest().ID == primary.Manifest().ID {
		return res
	}

	log.Info("primary provider rejected, invoking fallback",
		zap.String("primary", primary.Manifest().ID),
		zap.String("fallback", fallback.Manifest().ID),
		zap.String("code", res.Err.Code),
	)

	fres := fallback.Send(ctx, msg)
	if fres.Success {
		return fres
	}
	if fres.Err == nil {
		fres.Err = res.Err
	}
	return failure(CodeAllProvidersFailed, fres.Err.Message, false)
}

// ValidatorFor returns the provider whose schema should validate the
// message: the explicit one when set, else the channel default.
func (r *Router) ValidatorFor(channel, explicitID string) (Provider, bool) {
	if explicitID != "" {
		return r.reg.Get(explicitID)
	}
	return r.reg.Default(channel)
}
