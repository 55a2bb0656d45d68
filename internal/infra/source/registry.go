package source

import (
	"errors"
	"fmt"
	"sort"

	"github.com/vietddude/collector/internal/core/domain"
)

var (
	// ErrUnknownInterfaceType is returned when no client serves an interface type.
	ErrUnknownInterfaceType = errors.New("no source client for interface type")

	// ErrDuplicateClient is returned when two clients claim the same interface type.
	ErrDuplicateClient = errors.New("duplicate source client for interface type")
)

// ConfigError reports a registry misconfiguration. It is distinct from call
// failures, which are reported inside results.
type ConfigError struct {
	InterfaceType string
	Err           error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("source configuration error: %v: %s", e.Err, e.InterfaceType)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// Registry maps interface types to their client. It is built once and read-only afterwards.
type Registry struct {
	clients map[domain.InterfaceType]Client
}

// NewRegistry assigns every known interface type to the client that supports it.
func NewRegistry(clients ...Client) (*Registry, error) {
	r := &Registry{clients: make(map[domain.InterfaceType]Client)}
	for _, c := range clients {
		for _, t := range domain.InterfaceTypes {
			if !c.Supports(t) {
				continue
			}
			if existing, ok := r.clients[t]; ok {
				return nil, &ConfigError{
					InterfaceType: string(t),
					Err: fmt.Errorf("%w (%s and %s)",
						ErrDuplicateClient, existing.ServiceName(), c.ServiceName()),
				}
			}
			r.clients[t] = c
		}
	}
	return r, nil
}

// Resolve returns the client for t.
func (r *Registry) Resolve(t domain.InterfaceType) (Client, error) {
	c, ok := r.clients[t]
	if !ok {
		return nil, &ConfigError{InterfaceType: string(t), Err: ErrUnknownInterfaceType}
	}
	return c, nil
}

// ResolveString parses name as an interface type and resolves it.
func (r *Registry) ResolveString(name string) (Client, error) {
	t, err := domain.ParseInterfaceType(name)
	if err != nil {
		return nil, &ConfigError{InterfaceType: name, Err: ErrUnknownInterfaceType}
	}
	return r.Resolve(t)
}

// Types returns the registered interface types in sorted order.
func (r *Registry) Types() []domain.InterfaceType {
	out := make([]domain.InterfaceType, 0, len(r.clients))
	for t := range r.clients {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// BreakerStates collects breaker states from every registered client that has one.
func (r *Registry) BreakerStates() map[string]string {
	out := make(map[string]string)
	seen := make(map[Client]bool)
	for _, c := range r.clients {
		if seen[c] {
			continue
		}
		seen[c] = true
		if b, ok := c.(*Breaker); ok {
			for name, state := range b.States() {
				out[name] = state
			}
		}
	}
	return out
}
