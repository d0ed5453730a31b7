package provider

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	ErrDuplicateID     = errors.New("provider id already registered")
	ErrUnknownProvider = errors.New("provider id not registered")
)

type channelBinding struct {
	defaultID  string
	fallbackID string
}

// Registry holds the active providers keyed by ID and grouped by
// channel in descending priority order. It is populated once at
// startup and read-only afterwards, but is locked anyway so the admin
// surface can introspect it safely.
type Registry struct {
	mu         sync.RWMutex
	byID       map[string]Provider
	priority   map[string]int
	byChannel  map[string][]Provider
	bindings   map[string]channelBinding
}

func NewRegistry() *Registry {
	return &Registry{
		byID:      make(map[string]Provider),
		priority:  make(map[string]int),
		byChannel: make(map[string][]Provider),
		bindings:  make(map[string]channelBinding),
	}
}

// Register adds a provider. Registering the same ID twice fails.
func (r *Registry) Register(p Provider, priority int) error {
	m := p.Manifest()
	if m.ID == "" || m.Channel == "" {
		return fmt.Errorf("provider manifest must carry id and channel")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byID[m.ID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateID, m.ID)
	}
	r.byID[m.ID] = p
	r.priority[m.ID] = priority

	list := append(r.byChannel[m.Channel], p)
	sort.SliceStable(list, func(i, j int) bool {
		return r.priority[list[i].Manifest().ID] > r.priority[list[j].Manifest().ID]
	})
	r.byChannel[m.Channel] = list
	return nil
}

// Bind sets a channel's explicit default and optional fallback.
// Both IDs must already be registered for that channel.
func (r *Registry) Bind(channel, defaultID, fallbackID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, id := range []string{defaultID, fallbackID} {
		if id == "" {
			continue
		}
		p, ok := r.byID[id]
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownProvider, id)
		}
		if p.Manifest().Channel != channel {
			return fmt.Errorf("provider %s serves channel %s, not %s", id, p.Manifest().Channel, channel)
		}
	}
	r.bindings[channel] = channelBinding{defaultID: defaultID, fallbackID: fallbackID}
	return nil
}

// Get returns the provider with the given ID.
func (r *Registry) Get(id string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.byID[id]
	return p, ok
}

// Default returns the channel's default provider: the explicit binding
// if present, otherwise the highest-priority registered provider.
func (r *Registry) Default(channel string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if b, ok := r.bindings[channel]; ok && b.defaultID != "" {
		p, ok := r.byID[b.defaultID]
		return p, ok
	}
	list := r.byChannel[channel]
	if len(list) == 0 {
		return nil, false
	}
	return list[0], true
}

// Fallback returns the channel's explicitly bound fallback, if any.
func (r *Registry) Fallback(channel string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	b, ok := r.bindings[channel]
	if !ok || b.fallbackID == "" {
		return nil, false
	}
	p, ok := r.byID[b.fallbackID]
	return p, ok
}

// Channels lists every channel with at least one registered provider.
func (r *Registry) Channels() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.byChannel))
	for ch := range r.byChannel {
		out = append(out, ch)
	}
	sort.Strings(out)
	return out
}

// Providers returns the channel's providers in descending priority.
func (r *Registry) Providers(channel string) []Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Provider(nil), r.byChannel[channel]...)
}

// All returns every registered provider, for the admin surface.
func (r *Registry) All() []Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()

	channels := make([]string, 0, len(r.byChannel))
	for ch := range r.byChannel {
		channels = append(channels, ch)
	}
	sort.Strings(channels)

	out := make([]Provider, 0, len(r.byID))
	for _, ch := range channels {
		out = append(out, r.byChannel[ch]...)
	}
	return out
}
