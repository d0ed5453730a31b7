package provider_test

import (
	"context"
	"testing"

	"go.uber.org/zap"

	"github.com/notifyhub/courier/internal/domain"
	"github.com/notifyhub/courier/internal/provider"
)

func msg(explicitProvider string) *domain.NotificationMessage {
	return &domain.NotificationMessage{
		NotificationID: "n1",
		Channel:        "email",
		Provider:       explicitProvider,
	}
}

func retryableErr() provider.DeliveryResult {
	return provider.DeliveryResult{Err: &provider.ErrorInfo{Code: provider.CodeTimeout, Message: "timeout", Retryable: true}}
}

func permanentErr() provider.DeliveryResult {
	return provider.DeliveryResult{Err: &provider.ErrorInfo{Code: "INVALID_ADDRESS", Message: "bad address", Retryable: false}}
}

func success() provider.DeliveryResult {
	return provider.DeliveryResult{Success: true, MessageID: "m1"}
}

func TestRouter_RetryableErrorDoesNotFallBack(t *testing.T) {
	reg := provider.NewRegistry()
	primary := provider.NewMockProvider("primary", "email", retryableErr())
	fallback := provider.NewMockProvider("fallback", "email", success())
	_ = reg.Register(primary, 10)
	_ = reg.Register(fallback, 1)
	_ = reg.Bind("email", "primary", "fallback")

	r := provider.NewRouter(reg, zap.NewNop())
	res := r.SendWithFallback(context.Background(), "email", msg(""))

	if res.Success {
		t.Fatal("expected the retryable error to propagate")
	}
	if !res.Err.Retryable {
		t.Fatal("expected retryable flag preserved")
	}
	if fallback.SendCalls() != 0 {
		t.Fatal("fallback must not be invoked for a retryable primary error")
	}
}

func TestRouter_NonRetryableErrorInvokesFallbackOnce(t *testing.T) {
	reg := provider.NewRegistry()
	primary := provider.NewMockProvider("primary", "email", permanentErr())
	fallback := provider.NewMockProvider("fallback", "email", success())
	_ = reg.Register(primary, 10)
	_ = reg.Register(fallback, 1)
	_ = reg.Bind("email", "primary", "fallback")

	r := provider.NewRouter(reg, zap.NewNop())
	res := r.SendWithFallback(context.Background(), "email", msg(""))

	if !res.Success {
		t.Fatalf("expected fallback success, got %+v", res.Err)
	}
	if primary.SendCalls() != 1 || fallback.SendCalls() != 1 {
		t.Fatalf("expected exactly one call each, got primary=%d fallback=%d",
			primary.SendCalls(), fallback.SendCalls())
	}
}

func TestRouter_BothFail_AllProvidersFailed(t *testing.T) {
	reg := provider.NewRegistry()
	primary := provider.NewMockProvider("primary", "email", permanentErr())
	fallback := provider.NewMockProvider("fallback", "email", permanentErr())
	_ = reg.Register(primary, 10)
	_ = reg.Register(fallback, 1)
	_ = reg.Bind("email", "primary", "fallback")

	r := provider.NewRouter(reg, zap.NewNop())
	res := r.SendWithFallback(context.Background(), "email", msg(""))

	if res.Success {
		t.Fatal("expected failure")
	}
	if res.Err.Code != provider.CodeAllProvidersFailed {
		t.Fatalf("expected ALL_PROVIDERS_FAILED, got %s", res.Err.Code)
	}
	if res.Err.Retryable {
		t.Fatal("ALL_PROVIDERS_FAILED must be non-retryable")
	}
}

func TestRouter_ExplicitProviderNeverFallsBack(t *testing.T) {
	reg := provider.NewRegistry()
	explicit := provider.NewMockProvider("explicit", "email", permanentErr())
	fallback := provider.NewMockProvider("fallback", "email", success())
	_ = reg.Register(explicit, 1)
	_ = reg.Register(fallback, 10)
	_ = reg.Bind("email", "fallback", "fallback")

	r := provider.NewRouter(reg, zap.NewNop())
	res := r.SendWithFallback(context.Background(), "email", msg("explicit"))

	if res.Success {
		t.Fatal("expected the explicit provider's failure to propagate")
	}
	if fallback.SendCalls() != 0 {
		t.Fatal("fallback must not run when a provider was requested explicitly")
	}
}

func TestRouter_NoProviderForChannel(t *testing.T) {
	reg := provider.NewRegistry()
	r := provider.NewRouter(reg, zap.NewNop())

	res := r.SendWithFallback(context.Background(), "email", msg(""))
	if res.Err == nil || res.Err.Code != provider.CodeNoProvider {
		t.Fatalf("expected NO_PROVIDER, got %+v", res)
	}
	if res.Err.Retryable {
		t.Fatal("NO_PROVIDER must be non-retryable")
	}
}

func TestRouter_ExplicitUnregisteredProvider(t *testing.T) {
	reg := provider.NewRegistry()
	_ = reg.Register(provider.NewMockProvider("primary", "email", success()), 10)

	r := provider.NewRouter(reg, zap.NewNop())
	res := r.SendWithFallback(context.Background(), "email", msg("ghost"))
	if res.Err == nil || res.Err.Code != provider.CodeNoProvider {
		t.Fatalf("expected NO_PROVIDER for unregistered explicit provider, got %+v", res)
	}
}
