package gateway

import (
	"fmt"
	"sort"
	"sync"

	"storepay/internal/payment/domain"
)

// Registry resolves gateways by the provider type stored on a connection.
type Registry struct {
	mu          sync.RWMutex
	connectors  map[domain.ProviderType]Connector
	authorizers map[domain.ProviderType]Authorizer
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		connectors:  make(map[domain.ProviderType]Connector),
		authorizers: make(map[domain.ProviderType]Authorizer),
	}
}

// Register adds the connector for a provider type.
func (r *Registry) Register(provider domain.ProviderType, c Connector) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connectors[provider] = c
}

// RegisterAuthorizer adds the handshake implementation for a provider type.
func (r *Registry) RegisterAuthorizer(provider domain.ProviderType, a Authorizer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.authorizers[provider] = a
}

// Supports reports whether a connector is registered for provider.
func (r *Registry) Supports(provider domain.ProviderType) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.connectors[provider]
	return ok
}

// Providers lists the registered provider types.
func (r *Registry) Providers() []domain.ProviderType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.ProviderType, 0, len(r.connectors))
	for p := range r.connectors {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Connect builds the gateway for a store's connection.
func (r *Registry) Connect(conn *domain.ProviderConnection, creds Credentials) (Gateway, error) {
	r.mu.RLock()
	c, ok := r.connectors[conn.Provider]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnknownProvider, conn.Provider)
	}

	gw, err := c.Connect(conn.Environment, creds)
	if err != nil {
		return nil, fmt.Errorf("connecting %s gateway for store %s: %w", conn.Provider, conn.StoreID, err)
	}
	return gw, nil
}

// Authorizer returns the handshake implementation for provider.
func (r *Registry) Authorizer(provider domain.ProviderType) (Authorizer, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if _, ok := r.connectors[provider]; !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnknownProvider, provider)
	}
	a, ok := r.authorizers[provider]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrAuthorizationNotSupported, provider)
	}
	return a, nil
}
