package provider

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/notifyhub/courier/internal/config"
)

// factories maps plugin-config package names to constructors. Adding a
// provider means adding a constructor here; nothing in the core changes.
var factories = map[string]func() Provider{
	"email-gateway":    NewEmailProvider,
	"whatsapp-gateway": NewWhatsAppProvider,
}

// RateLimitBinder receives each provider's bucket configuration so the
// channel rate limiter matches what the provider declares.
type RateLimitBinder interface {
	SetLimit(channel string, rl config.RateLimitConfig)
}

// Load builds and registers every provider the plugin file activates,
// then applies the per-channel default/fallback bindings.
func Load(pf *config.PluginFile, timeout time.Duration, binder RateLimitBinder, logger *zap.Logger) (*Registry, error) {
	reg := NewRegistry()

	for _, entry := range pf.Plugins {
		factory, ok := factories[entry.Package]
		if !ok {
			return nil, fmt.Errorf("unknown provider package %q", entry.Package)
		}

		p := factory()
		err := p.Initialize(Settings{
			ID:          entry.ID,
			Credentials: entry.Credentials,
			RateLimit:   entry.Options.RateLimit,
			Timeout:     timeout,
		})
		if err != nil {
			return nil, fmt.Errorf("initialize provider %s: %w", entry.ID, err)
		}

		if err := reg.Register(p, entry.Options.Priority); err != nil {
			return nil, err
		}
		if binder != nil {
			binder.SetLimit(p.Manifest().Channel, entry.Options.RateLimit)
		}

		logger.Info("provider registered",
			zap.String("id", entry.ID),
			zap.String("package", entry.Package),
			zap.String("channel", p.Manifest().Channel),
			zap.Int("priority", entry.Options.Priority),
		)
	}

	for channel, binding := range pf.Defaults {
		if err := reg.Bind(channel, binding.Default, binding.Fallback); err != nil {
			return nil, fmt.Errorf("bind channel %s: %w", channel, err)
		}
	}

	return reg, nil
}
