package provider_test

import (
	"errors"
	"testing"

	"github.com/notifyhub/courier/internal/provider"
)

func TestRegistry_RegisterDuplicateIDFails(t *testing.T) {
	reg := provider.NewRegistry()

	if err := reg.Register(provider.NewMockProvider("smtp-1", "email"), 10); err != nil {
		t.Fatalf("first register: %v", err)
	}
	err := reg.Register(provider.NewMockProvider("smtp-1", "email"), 5)
	if !errors.Is(err, provider.ErrDuplicateID) {
		t.Fatalf("expected ErrDuplicateID, got %v", err)
	}
}

func TestRegistry_DefaultFallsBackToHighestPriority(t *testing.T) {
	reg := provider.NewRegistry()
	_ = reg.Register(provider.NewMockProvider("low", "email"), 1)
	_ = reg.Register(provider.NewMockProvider("high", "email"), 10)

	p, ok := reg.Default("email")
	if !ok {
		t.Fatal("expected a default provider")
	}
	if p.Manifest().ID != "high" {
		t.Fatalf("expected highest priority provider, got %s", p.Manifest().ID)
	}
}

func TestRegistry_ExplicitBindingWinsOverPriority(t *testing.T) {
	reg := provider.NewRegistry()
	_ = reg.Register(provider.NewMockProvider("low", "email"), 1)
	_ = reg.Register(provider.NewMockProvider("high", "email"), 10)

	if err := reg.Bind("email", "low", "high"); err != nil {
		t.Fatal(err)
	}

	p, _ := reg.Default("email")
	if p.Manifest().ID != "low" {
		t.Fatalf("expected bound default, got %s", p.Manifest().ID)
	}
	f, ok := reg.Fallback("email")
	if !ok || f.Manifest().ID != "high" {
		t.Fatal("expected bound fallback")
	}
}

func TestRegistry_BindRejectsWrongChannel(t *testing.T) {
	reg := provider.NewRegistry()
	_ = reg.Register(provider.NewMockProvider("wa", "whatsapp"), 1)

	if err := reg.Bind("email", "wa", ""); err == nil {
		t.Fatal("expected error binding a whatsapp provider to email")
	}
}

func TestRegistry_BindUnknownProvider(t *testing.T) {
	reg := provider.NewRegistry()
	err := reg.Bind("email", "ghost", "")
	if !errors.Is(err, provider.ErrUnknownProvider) {
		t.Fatalf("expected ErrUnknownProvider, got %v", err)
	}
}

func TestRegistry_NoProvidersForChannel(t *testing.T) {
	reg := provider.NewRegistry()
	if _, ok := reg.Default("carrier-pigeon"); ok {
		t.Fatal("expected no default for unregistered channel")
	}
	if _, ok := reg.Fallback("carrier-pigeon"); ok {
		t.Fatal("expected no fallback for unregistered channel")
	}
}
