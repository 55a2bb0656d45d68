package source

import (
	"errors"
	"testing"

	"github.com/vietddude/collector/internal/core/domain"
)

func TestRegistry_Resolve(t *testing.T) {
	orders := &mockClient{name: "order-service", types: []domain.InterfaceType{domain.InterfaceTypeOrder}}
	partner := &mockClient{name: "partner-order-service", types: []domain.InterfaceType{domain.InterfaceTypePartnerOrder}}

	r, err := NewRegistry(orders, partner)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	c, err := r.Resolve(domain.InterfaceTypeOrder)
	if err != nil || c.ServiceName() != "order-service" {
		t.Errorf("expected order-service, got %v %v", c, err)
	}
	c, err = r.ResolveString("partner_order")
	if err != nil || c.ServiceName() != "partner-order-service" {
		t.Errorf("expected partner-order-service, got %v %v", c, err)
	}
	if got := r.Types(); len(got) != 2 {
		t.Errorf("expected 2 registered types, got %v", got)
	}
}

func TestRegistry_UnknownTypeIsConfigError(t *testing.T) {
	r, _ := NewRegistry(&mockClient{name: "order-service", types: []domain.InterfaceType{domain.InterfaceTypeOrder}})

	_, err := r.Resolve(domain.InterfaceTypeDistribution)
	var cfgErr *ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected *ConfigError, got %T", err)
	}
	if !errors.Is(err, ErrUnknownInterfaceType) || cfgErr.InterfaceType != "DISTRIBUTION" {
		t.Errorf("unexpected error %v", err)
	}

	if _, err := r.ResolveString("bogus"); !errors.Is(err, ErrUnknownInterfaceType) {
		t.Errorf("expected ErrUnknownInterfaceType for unparseable name, got %v", err)
	}
}

func TestRegistry_DuplicateType(t *testing.T) {
	a := &mockClient{name: "a", types: []domain.InterfaceType{domain.InterfaceTypeCollection}}
	b := &mockClient{name: "b", types: []domain.InterfaceType{domain.InterfaceTypeCollection}}

	if _, err := NewRegistry(a, b); !errors.Is(err, ErrDuplicateClient) {
		t.Errorf("expected ErrDuplicateClient, got %v", err)
	}
}
