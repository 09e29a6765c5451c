package gateway

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"storepay/internal/payment/domain"
)

var (
	// ErrStateNotFound is returned by a StateStore when no value is held for a key.
	ErrStateNotFound = errors.New("authorization state not found")
	// ErrStateMismatch is returned by StateStore.Take when match rejects the
	// stored value. The value is kept.
	ErrStateMismatch = errors.New("authorization state rejected")
)

// StateStore keeps pending authorization state. Take removes the value only
// when match accepts it, atomically with the read, so a state token can be
// used once and a wrong token leaves the pending authorization in place.
type StateStore interface {
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Take(ctx context.Context, key string, match func(value []byte) bool) ([]byte, error)
}

// Authorization is what the caller needs to redirect the merchant.
type Authorization struct {
	URL        string    `json:"authorization_url"`
	StateToken string    `json:"state_token"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Grant is the outcome of a completed handshake.
type Grant struct {
	Credentials Credentials
	Environment domain.Environment
}

type pendingAuthorization struct {
	State          string             `json:"state"`
	RedirectTarget string             `json:"redirect_target"`
	Environment    domain.Environment `json:"environment"`
}

// AuthorizationFlow runs initiate/complete for providers that need an OAuth
// handshake, guarding the callback with a single-use state token.
type AuthorizationFlow struct {
	registry *Registry
	states   StateStore
	ttl      time.Duration
	logger   *slog.Logger
}

// NewAuthorizationFlow creates a flow whose state tokens live for ttl.
func NewAuthorizationFlow(registry *Registry, states StateStore, ttl time.Duration, logger *slog.Logger) *AuthorizationFlow {
	return &AuthorizationFlow{
		registry: registry,
		states:   states,
		ttl:      ttl,
		logger:   logger,
	}
}

func stateKey(storeID string, provider domain.ProviderType) string {
	return fmt.Sprintf("oauth_state:%s:%s", storeID, provider)
}

// Initiate stores a fresh state token and returns the provider consent URL.
// A newer initiation for the same store and provider replaces the older one.
func (f *AuthorizationFlow) Initiate(ctx context.Context, storeID string, provider domain.ProviderType, env domain.Environment, redirectTarget string) (*Authorization, error) {
	authorizer, err := f.registry.Authorizer(provider)
	if err != nil {
		return nil, err
	}

	state, err := newStateToken()
	if err != nil {
		return nil, err
	}

	url, err := authorizer.AuthorizationURL(env, redirectTarget, state)
	if err != nil {
		return nil, fmt.Errorf("building authorization url: %w", err)
	}

	value, err := json.Marshal(pendingAuthorization{
		State:          state,
		RedirectTarget: redirectTarget,
		Environment:    env,
	})
	if err != nil {
		return nil, fmt.Errorf("encoding authorization state: %w", err)
	}
	if err := f.states.Put(ctx, stateKey(storeID, provider), value, f.ttl); err != nil {
		return nil, fmt.Errorf("storing authorization state: %w", err)
	}

	f.logger.Info("provider authorization initiated",
		"store_id", storeID,
		"provider", provider,
		"environment", env,
	)

	return &Authorization{
		URL:        url,
		StateToken: state,
		ExpiresAt:  time.Now().UTC().Add(f.ttl),
	}, nil
}

// Complete checks the callback's state token against the stored state,
// consumes it on a match and exchanges the code for credentials. A wrong
// token leaves the pending authorization usable.
func (f *AuthorizationFlow) Complete(ctx context.Context, storeID string, provider domain.ProviderType, code, state string) (*Grant, error) {
	authorizer, err := f.registry.Authorizer(provider)
	if err != nil {
		return nil, err
	}

	if state == "" {
		f.logMismatch(storeID, provider, "state token missing")
		return nil, domain.ErrAuthorizationStateMismatch
	}

	var pending pendingAuthorization
	_, err = f.states.Take(ctx, stateKey(storeID, provider), func(raw []byte) bool {
		var p pendingAuthorization
		if json.Unmarshal(raw, &p) != nil {
			return false
		}
		if subtle.ConstantTimeCompare([]byte(p.State), []byte(state)) != 1 {
			return false
		}
		pending = p
		return true
	})
	switch {
	case errors.Is(err, ErrStateNotFound):
		f.logMismatch(storeID, provider, "no pending authorization")
		return nil, domain.ErrAuthorizationStateMismatch
	case errors.Is(err, ErrStateMismatch):
		f.logMismatch(storeID, provider, "state token does not match")
		return nil, domain.ErrAuthorizationStateMismatch
	case err != nil:
		return nil, fmt.Errorf("loading authorization state: %w", err)
	}

	creds, err := authorizer.ExchangeCode(ctx, pending.Environment, code, pending.RedirectTarget)
	if err != nil {
		return nil, fmt.Errorf("exchanging authorization code: %w", err)
	}

	f.logger.Info("provider authorization completed",
		"store_id", storeID,
		"provider", provider,
	)

	return &Grant{Credentials: creds, Environment: pending.Environment}, nil
}

func (f *AuthorizationFlow) logMismatch(storeID string, provider domain.ProviderType, detail string) {
	f.logger.Warn("authorization state mismatch",
		"store_id", storeID,
		"provider", provider,
		"detail", detail,
		"security_event", true,
	)
}

func newStateToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating state token: %w", err)
	}
	return hex.EncodeToString(b), nil
}
