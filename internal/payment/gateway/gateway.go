// Package gateway defines the contract every payment provider implements and
// the registry that selects an implementation by provider type.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"storepay/internal/common/money"
	"storepay/internal/payment/domain"
)

var (
	// ErrProviderRejected means the provider definitively refused the request.
	ErrProviderRejected = errors.New("provider rejected request")
	// ErrProviderTimeout and ErrProviderUnavailable are ambiguous: the
	// provider may have acted on the request.
	ErrProviderTimeout     = errors.New("provider timeout")
	ErrProviderUnavailable = errors.New("provider unavailable")
	// ErrChargeNotFound is returned by LookupCharge when the provider has no
	// charge for the reference.
	ErrChargeNotFound = errors.New("charge not found at provider")
)

// IsAmbiguous reports whether err leaves the provider-side outcome unknown.
func IsAmbiguous(err error) bool {
	return err != nil && !errors.Is(err, ErrProviderRejected)
}

// Credentials are the decrypted provider credentials of one connection.
type Credentials map[string]string

// Require returns the named values or an error naming the first missing one.
func (c Credentials) Require(keys ...string) error {
	for _, k := range keys {
		if c[k] == "" {
			return fmt.Errorf("missing credential %q", k)
		}
	}
	return nil
}

// PaymentMethod is the tokenized payment instrument presented at the terminal.
type PaymentMethod struct {
	Type  string `json:"type,omitempty"`
	Token string `json:"token"`
}

// ChargeRequest asks a provider to move funds. Reference doubles as the
// provider-side idempotency key, so a retried charge is deduplicated there too.
type ChargeRequest struct {
	Reference domain.Reference
	Amount    money.Money
	Method    PaymentMethod
}

// ChargeResult is the provider's answer to a charge.
type ChargeResult struct {
	ProviderReference string
	Accepted          bool
	// Captured is set when funds are confirmed captured in the same call.
	Captured      bool
	Confirmation  string
	FailureReason string
}

// RefundRequest returns funds of a previous charge.
type RefundRequest struct {
	RefundID          string
	ProviderReference string
	Amount            money.Money
	Reason            string
}

// RefundResult is the provider's answer to a refund.
type RefundResult struct {
	ProviderReference string
	Accepted          bool
	FailureReason     string
}

// Health is the result of a provider health probe.
type Health struct {
	Status  domain.HealthStatus
	Latency time.Duration
	Detail  string
}

// Gateway is one provider account ready to take calls.
type Gateway interface {
	Charge(ctx context.Context, req ChargeRequest) (*ChargeResult, error)
	Refund(ctx context.Context, req RefundRequest) (*RefundResult, error)
	// LookupCharge finds a charge by our reference; used to settle ambiguous outcomes.
	LookupCharge(ctx context.Context, reference domain.Reference) (*ChargeResult, error)
	HealthCheck(ctx context.Context) (*Health, error)
}

// Connector builds gateways for one provider type.
type Connector interface {
	Connect(env domain.Environment, creds Credentials) (Gateway, error)
}

// Authorizer runs the OAuth-style handshake of providers that need one.
type Authorizer interface {
	AuthorizationURL(env domain.Environment, redirectTarget, state string) (string, error)
	ExchangeCode(ctx context.Context, env domain.Environment, code, redirectTarget string) (Credentials, error)
}

// TransportError classifies a failed HTTP round trip.
func TransportError(provider domain.ProviderType, err error) error {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return fmt.Errorf("%w: %s: %v", ErrProviderTimeout, provider, err)
	}
	return fmt.Errorf("%w: %s: %v", ErrProviderUnavailable, provider, err)
}

// StatusError classifies an HTTP error status that carries no decline payload.
func StatusError(provider domain.ProviderType, status int, body []byte) error {
	switch {
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return fmt.Errorf("%w: %s: status=%d", ErrProviderTimeout, provider, status)
	case status == http.StatusTooManyRequests || status >= 500:
		return fmt.Errorf("%w: %s: status=%d", ErrProviderUnavailable, provider, status)
	default:
		return fmt.Errorf("%w: %s: status=%d body=%s", ErrProviderRejected, provider, status, truncate(body, 256))
	}
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n]) + "..."
	}
	return string(b)
}
