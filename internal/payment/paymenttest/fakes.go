package paymenttest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	"storepay/internal/payment"
	"storepay/internal/payment/domain"
	"storepay/internal/payment/gateway"
	"storepay/internal/secrets"
)

// Gateway is a scripted gateway.Gateway that counts its calls. Unset funcs
// answer with an accepted, captured charge, an accepted refund, a lookup that
// finds nothing and a healthy probe.
type Gateway struct {
	mu sync.Mutex

	ChargeFunc func(ctx context.Context, req gateway.ChargeRequest) (*gateway.ChargeResult, error)
	RefundFunc func(ctx context.Context, req gateway.RefundRequest) (*gateway.RefundResult, error)
	LookupFunc func(ctx context.Context, ref domain.Reference) (*gateway.ChargeResult, error)
	HealthFunc func(ctx context.Context) (*gateway.Health, error)

	charges, refunds, lookups int
	chargeRequests            []gateway.ChargeRequest
}

// Charge implements gateway.Gateway.
func (g *Gateway) Charge(ctx context.Context, req gateway.ChargeRequest) (*gateway.ChargeResult, error) {
	g.mu.Lock()
	g.charges++
	g.chargeRequests = append(g.chargeRequests, req)
	fn := g.ChargeFunc
	g.mu.Unlock()

	if fn != nil {
		return fn(ctx, req)
	}
	return &gateway.ChargeResult{
		ProviderReference: "ch_" + req.Reference.String(),
		Accepted:          true,
		Captured:          true,
		Confirmation:      "auth-0001",
	}, nil
}

// Refund implements gateway.Gateway.
func (g *Gateway) Refund(ctx context.Context, req gateway.RefundRequest) (*gateway.RefundResult, error) {
	g.mu.Lock()
	g.refunds++
	fn := g.RefundFunc
	g.mu.Unlock()

	if fn != nil {
		return fn(ctx, req)
	}
	return &gateway.RefundResult{ProviderReference: "re_" + req.RefundID, Accepted: true}, nil
}

// LookupCharge implements gateway.Gateway.
func (g *Gateway) LookupCharge(ctx context.Context, ref domain.Reference) (*gateway.ChargeResult, error) {
	g.mu.Lock()
	g.lookups++
	fn := g.LookupFunc
	g.mu.Unlock()

	if fn != nil {
		return fn(ctx, ref)
	}
	return nil, fmt.Errorf("%w: %s", gateway.ErrChargeNotFound, ref)
}

// HealthCheck implements gateway.Gateway.
func (g *Gateway) HealthCheck(ctx context.Context) (*gateway.Health, error) {
	g.mu.Lock()
	fn := g.HealthFunc
	g.mu.Unlock()

	if fn != nil {
		return fn(ctx)
	}
	return &gateway.Health{Status: domain.HealthHealthy, Latency: 10 * time.Millisecond}, nil
}

// Script replaces the scripted funcs under the gateway's lock.
func (g *Gateway) Script(fn func(g *Gateway)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	fn(g)
}

// Charges returns the number of Charge calls.
func (g *Gateway) Charges() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.charges
}

// Refunds returns the number of Refund calls.
func (g *Gateway) Refunds() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.refunds
}

// Lookups returns the number of LookupCharge calls.
func (g *Gateway) Lookups() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.lookups
}

// ChargeRequests returns the requests passed to Charge.
func (g *Gateway) ChargeRequests() []gateway.ChargeRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]gateway.ChargeRequest(nil), g.chargeRequests...)
}

// HangUntilDeadline is a ChargeFunc that never answers, like a provider that
// stopped responding mid-request.
func HangUntilDeadline(ctx context.Context, req gateway.ChargeRequest) (*gateway.ChargeResult, error) {
	<-ctx.Done()
	return nil, fmt.Errorf("%w: %v", gateway.ErrProviderTimeout, ctx.Err())
}

// Connector hands out one Gateway and remembers the credentials it was given.
type Connector struct {
	Gateway *Gateway

	mu    sync.Mutex
	creds gateway.Credentials
}

// Connect implements gateway.Connector.
func (c *Connector) Connect(env domain.Environment, creds gateway.Credentials) (gateway.Gateway, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.creds = creds
	return c.Gateway, nil
}

// Credentials returns the credentials of the last Connect.
func (c *Connector) Credentials() gateway.Credentials {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.creds
}

// Authorizer is a gateway.Authorizer whose codes exchange to "token-<code>"
// unless ExchangeErr is set.
type Authorizer struct {
	ExchangeErr error

	mu        sync.Mutex
	exchanges int
}

// AuthorizationURL implements gateway.Authorizer.
func (a *Authorizer) AuthorizationURL(env domain.Environment, redirectTarget, state string) (string, error) {
	q := url.Values{"state": {state}, "redirect_uri": {redirectTarget}}
	return "https://connect." + string(env) + ".example/oauth2/authorize?" + q.Encode(), nil
}

// ExchangeCode implements gateway.Authorizer.
func (a *Authorizer) ExchangeCode(ctx context.Context, env domain.Environment, code, redirectTarget string) (gateway.Credentials, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.exchanges++
	if a.ExchangeErr != nil {
		return nil, a.ExchangeErr
	}
	return gateway.Credentials{"access_token": "token-" + code}, nil
}

// Exchanges returns the number of code exchanges.
func (a *Authorizer) Exchanges() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.exchanges
}

type stateEntry struct {
	value     []byte
	expiresAt time.Time
}

// StateStore is an in-memory gateway.StateStore.
type StateStore struct {
	mu      sync.Mutex
	entries map[string]stateEntry
}

// NewStateStore creates an empty state store.
func NewStateStore() *StateStore {
	return &StateStore{entries: make(map[string]stateEntry)}
}

// Put implements gateway.StateStore.
func (s *StateStore) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = stateEntry{value: value, expiresAt: time.Now().Add(ttl)}
	return nil
}

// Take implements gateway.StateStore.
func (s *StateStore) Take(ctx context.Context, key string, match func(value []byte) bool) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok || time.Now().After(e.expiresAt) {
		delete(s.entries, key)
		return nil, gateway.ErrStateNotFound
	}
	if !match(e.value) {
		return nil, gateway.ErrStateMismatch
	}
	delete(s.entries, key)
	return e.value, nil
}

// ConnectionStore is an in-memory payment.ConnectionStore.
type ConnectionStore struct {
	mu    sync.Mutex
	conns map[string]domain.ProviderConnection
}

// NewConnectionStore creates an empty connection store.
func NewConnectionStore() *ConnectionStore {
	return &ConnectionStore{conns: make(map[string]domain.ProviderConnection)}
}

func connKey(storeID string, provider domain.ProviderType) string {
	return storeID + "/" + string(provider)
}

// Active implements payment.ConnectionStore.
func (s *ConnectionStore) Active(ctx context.Context, storeID string, provider domain.ProviderType) (*domain.ProviderConnection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conns[connKey(storeID, provider)]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", domain.ErrProviderNotConnected, storeID, provider)
	}
	return &c, nil
}

// Save implements payment.ConnectionStore.
func (s *ConnectionStore) Save(ctx context.Context, conn *domain.ProviderConnection) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conns[connKey(conn.StoreID, conn.Provider)] = *conn
	return nil
}

// UpdateHealth implements payment.ConnectionStore.
func (s *ConnectionStore) UpdateHealth(ctx context.Context, storeID string, provider domain.ProviderType, status domain.HealthStatus, checkedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := connKey(storeID, provider)
	c, ok := s.conns[k]
	if !ok {
		return fmt.Errorf("%w: %s/%s", domain.ErrProviderNotConnected, storeID, provider)
	}
	c.HealthStatus = status
	c.LastCheckedAt = &checkedAt
	s.conns[k] = c
	return nil
}

// Connect seals creds with box and stores a sandbox connection.
func (s *ConnectionStore) Connect(box *secrets.Box, storeID string, provider domain.ProviderType, creds gateway.Credentials) error {
	return Connect(context.Background(), s, box, storeID, provider, creds)
}

// Connect seals creds with box and saves a sandbox connection in store.
func Connect(ctx context.Context, store payment.ConnectionStore, box *secrets.Box, storeID string, provider domain.ProviderType, creds gateway.Credentials) error {
	raw, err := json.Marshal(creds)
	if err != nil {
		return err
	}
	sealed, err := box.Seal(raw)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	return store.Save(ctx, &domain.ProviderConnection{
		StoreID:      storeID,
		Provider:     provider,
		Environment:  domain.EnvironmentSandbox,
		Credentials:  sealed,
		HealthStatus: domain.HealthUnknown,
		CreatedAt:    now,
		UpdatedAt:    now,
	})
}

// NewSecretBox returns a secrets.Box with a fixed test key.
func NewSecretBox() *secrets.Box {
	var key [32]byte
	copy(key[:], "storepay-test-key-0123456789abcd")
	return secrets.NewBox(key)
}
