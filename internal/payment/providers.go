package payment

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"storepay/internal/payment/domain"
	"storepay/internal/payment/gateway"
)

// CheckProviderHealth probes the store's connection to provider and records
// the observed status on the connection.
func (s *Service) CheckProviderHealth(ctx context.Context, storeID string, provider domain.ProviderType) (*HealthView, error) {
	gw, conn, err := s.openGateway(ctx, storeID, provider)
	if err != nil {
		return nil, err
	}

	health, err := callProvider(ctx, s, provider, "health",
		func(h *gateway.Health) bool { return h.Status != domain.HealthUnavailable },
		gw.HealthCheck,
	)

	view := &HealthView{
		StoreID:   storeID,
		Provider:  provider,
		CheckedAt: time.Now().UTC(),
	}
	switch {
	case err != nil:
		view.Status = domain.HealthUnavailable
		view.Detail = err.Error()
	default:
		view.Status = health.Status
		view.LatencyMS = health.Latency.Milliseconds()
		view.Detail = health.Detail
		if view.Status == domain.HealthHealthy && health.Latency > s.cfg.DegradedLatency {
			view.Status = domain.HealthDegraded
			view.Detail = fmt.Sprintf("latency %s above %s", health.Latency, s.cfg.DegradedLatency)
		}
	}

	if err := s.connections.UpdateHealth(ctx, conn.StoreID, conn.Provider, view.Status, view.CheckedAt); err != nil {
		s.logger.Warn("failed to record provider health",
			"store_id", storeID,
			"provider", provider,
			"error", err,
		)
	}

	return view, nil
}

// BeginProviderAuthorization starts the OAuth handshake of provider for a store.
func (s *Service) BeginProviderAuthorization(ctx context.Context, storeID string, provider domain.ProviderType, redirectTarget string) (*AuthorizationView, error) {
	if strings.TrimSpace(storeID) == "" {
		return nil, &domain.ValidationError{Field: "store_id", Message: "is required"}
	}
	u, err := url.Parse(redirectTarget)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, &domain.ValidationError{Field: "redirect_target", Message: "must be an absolute URL"}
	}

	env, err := domain.ParseEnvironment(s.cfg.ProviderEnvironment)
	if err != nil {
		return nil, err
	}

	auth, err := s.auth.Initiate(ctx, storeID, provider, env, redirectTarget)
	if err != nil {
		return nil, err
	}

	return &AuthorizationView{
		AuthorizationURL: auth.URL,
		StateToken:       auth.StateToken,
		ExpiresAt:        auth.ExpiresAt,
	}, nil
}

// CompleteProviderAuthorization validates the callback state, exchanges the
// code for credentials and stores them sealed on the store's connection.
func (s *Service) CompleteProviderAuthorization(ctx context.Context, storeID string, provider domain.ProviderType, code, state string) (*ConnectionView, error) {
	if strings.TrimSpace(code) == "" {
		return nil, &domain.ValidationError{Field: "code", Message: "is required"}
	}

	grant, err := s.auth.Complete(ctx, storeID, provider, code, state)
	if err != nil {
		return nil, err
	}

	raw, err := json.Marshal(grant.Credentials)
	if err != nil {
		return nil, fmt.Errorf("encoding credentials: %w", err)
	}
	sealed, err := s.secrets.Seal(raw)
	if err != nil {
		return nil, fmt.Errorf("sealing credentials: %w", err)
	}

	now := time.Now().UTC()
	conn := &domain.ProviderConnection{
		StoreID:      storeID,
		Provider:     provider,
		Environment:  grant.Environment,
		Credentials:  sealed,
		HealthStatus: domain.HealthUnknown,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.connections.Save(ctx, conn); err != nil {
		return nil, fmt.Errorf("saving provider connection: %w", err)
	}

	s.logger.Info("provider connected",
		"store_id", storeID,
		"provider", provider,
		"environment", grant.Environment,
	)

	return newConnectionView(conn), nil
}
