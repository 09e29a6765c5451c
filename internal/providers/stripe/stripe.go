// Package stripe is the gateway adapter for the Stripe PaymentIntents API.
package stripe

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"storepay/internal/payment/domain"
	"storepay/internal/payment/gateway"
)

// Config holds Stripe adapter configuration. Sandbox and production share
// one endpoint; the secret key selects the mode.
type Config struct {
	BaseURL    string        `envconfig:"STRIPE_BASE_URL" default:"https://api.stripe.com"`
	APIVersion string        `envconfig:"STRIPE_API_VERSION" default:"2023-10-16"`
	Timeout    time.Duration `envconfig:"STRIPE_TIMEOUT" default:"30s"`
}

// CredSecretKey is the credential key of a Stripe connection.
const CredSecretKey = "secret_key"

// Connector builds Stripe gateways.
type Connector struct {
	cfg Config
}

// NewConnector creates a Stripe connector.
func NewConnector(cfg Config) *Connector {
	return &Connector{cfg: cfg}
}

var _ gateway.Connector = (*Connector)(nil)

// Connect implements gateway.Connector. A live key is refused in the
// sandbox environment and a test key in production.
func (c *Connector) Connect(env domain.Environment, creds gateway.Credentials) (gateway.Gateway, error) {
	if err := creds.Require(CredSecretKey); err != nil {
		return nil, fmt.Errorf("stripe: %w", err)
	}
	key := creds[CredSecretKey]
	live := strings.HasPrefix(key, "sk_live_") || strings.HasPrefix(key, "rk_live_")
	if live != (env == domain.EnvironmentProduction) {
		return nil, fmt.Errorf("stripe: secret key mode does not match %s environment", env)
	}
	return &Gateway{
		http:       gateway.NewHTTPClient(domain.ProviderStripe, c.cfg.BaseURL, c.cfg.Timeout),
		secretKey:  key,
		apiVersion: c.cfg.APIVersion,
	}, nil
}

// Gateway is one Stripe account.
type Gateway struct {
	http       *gateway.HTTPClient
	secretKey  string
	apiVersion string
}

type paymentIntent struct {
	ID               string            `json:"id"`
	Status           string            `json:"status"`
	LatestCharge     string            `json:"latest_charge"`
	Metadata         map[string]string `json:"metadata"`
	LastPaymentError *apiError         `json:"last_payment_error"`
}

type refund struct {
	ID            string `json:"id"`
	Status        string `json:"status"`
	FailureReason string `json:"failure_reason"`
}

type apiError struct {
	Type          string         `json:"type"`
	Code          string         `json:"code"`
	DeclineCode   string         `json:"decline_code"`
	Message       string         `json:"message"`
	PaymentIntent *paymentIntent `json:"payment_intent"`
}

type errorResponse struct {
	Error apiError `json:"error"`
}

func (e *apiError) reason() string {
	code := e.DeclineCode
	if code == "" {
		code = e.Code
	}
	if code == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (%s)", e.Message, code)
}

// Charge creates and confirms a PaymentIntent. The reference is sent as the
// Idempotency-Key so a retried charge is not taken twice.
func (g *Gateway) Charge(ctx context.Context, req gateway.ChargeRequest) (*gateway.ChargeResult, error) {
	form := url.Values{}
	form.Set("amount", strconv.FormatInt(req.Amount.AmountMinor, 10))
	form.Set("currency", strings.ToLower(string(req.Amount.Currency)))
	form.Set("payment_method", req.Method.Token)
	form.Set("confirm", "true")
	form.Set("automatic_payment_methods[enabled]", "true")
	form.Set("automatic_payment_methods[allow_redirects]", "never")
	form.Set("metadata[reference]", req.Reference.String())

	resp, err := g.do(ctx, http.MethodPost, "/v1/payment_intents", form, req.Reference.String())
	if err != nil {
		return nil, err
	}

	if resp.Status == http.StatusPaymentRequired {
		var e errorResponse
		if err := json.Unmarshal(resp.Body, &e); err != nil {
			return nil, fmt.Errorf("%w: stripe: decoding card error: %v", gateway.ErrProviderUnavailable, err)
		}
		res := &gateway.ChargeResult{FailureReason: e.Error.reason()}
		if e.Error.PaymentIntent != nil {
			res.ProviderReference = e.Error.PaymentIntent.ID
		}
		return res, nil
	}
	if !resp.OK() {
		return nil, g.http.StatusError(resp)
	}

	var pi paymentIntent
	if err := json.Unmarshal(resp.Body, &pi); err != nil {
		return nil, fmt.Errorf("%w: stripe: decoding payment intent: %v", gateway.ErrProviderUnavailable, err)
	}
	return intentResult(&pi), nil
}

func intentResult(pi *paymentIntent) *gateway.ChargeResult {
	res := &gateway.ChargeResult{ProviderReference: pi.ID}
	switch pi.Status {
	case "succeeded":
		res.Accepted = true
		res.Captured = true
		res.Confirmation = pi.LatestCharge
	case "processing", "requires_capture", "requires_action", "requires_confirmation":
		res.Accepted = true
	default:
		res.FailureReason = "payment intent " + pi.Status
		if pi.LastPaymentError != nil {
			res.FailureReason = pi.LastPaymentError.reason()
		}
	}
	return res
}

// Refund implements gateway.Gateway.
func (g *Gateway) Refund(ctx context.Context, req gateway.RefundRequest) (*gateway.RefundResult, error) {
	form := url.Values{}
	form.Set("payment_intent", req.ProviderReference)
	form.Set("amount", strconv.FormatInt(req.Amount.AmountMinor, 10))
	form.Set("metadata[refund_id]", req.RefundID)
	if req.Reason != "" {
		form.Set("metadata[reason]", req.Reason)
	}

	resp, err := g.do(ctx, http.MethodPost, "/v1/refunds", form, req.RefundID)
	if err != nil {
		return nil, err
	}
	if !resp.OK() {
		if resp.Status == http.StatusBadRequest {
			var e errorResponse
			if json.Unmarshal(resp.Body, &e) == nil && e.Error.Type == "invalid_request_error" && e.Error.Code == "charge_already_refunded" {
				return &gateway.RefundResult{FailureReason: e.Error.reason()}, nil
			}
		}
		return nil, g.http.StatusError(resp)
	}

	var rf refund
	if err := json.Unmarshal(resp.Body, &rf); err != nil {
		return nil, fmt.Errorf("%w: stripe: decoding refund: %v", gateway.ErrProviderUnavailable, err)
	}
	switch rf.Status {
	case "failed", "canceled":
		return &gateway.RefundResult{ProviderReference: rf.ID, FailureReason: rf.FailureReason}, nil
	default:
		return &gateway.RefundResult{ProviderReference: rf.ID, Accepted: true}, nil
	}
}

type searchResult struct {
	Data []paymentIntent `json:"data"`
}

// LookupCharge searches PaymentIntents by the reference kept in metadata.
func (g *Gateway) LookupCharge(ctx context.Context, reference domain.Reference) (*gateway.ChargeResult, error) {
	q := url.Values{}
	q.Set("query", fmt.Sprintf("metadata['reference']:'%s'", reference))
	q.Set("limit", "1")

	resp, err := g.do(ctx, http.MethodGet, "/v1/payment_intents/search?"+q.Encode(), nil, "")
	if err != nil {
		return nil, err
	}
	if !resp.OK() {
		return nil, g.http.StatusError(resp)
	}

	var out searchResult
	if err := json.Unmarshal(resp.Body, &out); err != nil {
		return nil, fmt.Errorf("%w: stripe: decoding search: %v", gateway.ErrProviderUnavailable, err)
	}
	if len(out.Data) == 0 {
		return nil, fmt.Errorf("%w: stripe reference %s", gateway.ErrChargeNotFound, reference)
	}
	return intentResult(&out.Data[0]), nil
}

// HealthCheck reads the account balance, which needs only a valid key.
func (g *Gateway) HealthCheck(ctx context.Context) (*gateway.Health, error) {
	start := time.Now()
	resp, err := g.do(ctx, http.MethodGet, "/v1/balance", nil, "")
	if err != nil {
		return nil, err
	}
	latency := time.Since(start)

	switch {
	case resp.OK():
		return &gateway.Health{Status: domain.HealthHealthy, Latency: latency}, nil
	case resp.Status == http.StatusUnauthorized:
		return &gateway.Health{Status: domain.HealthUnavailable, Latency: latency, Detail: "secret key rejected"}, nil
	case resp.Status == http.StatusTooManyRequests:
		return &gateway.Health{Status: domain.HealthDegraded, Latency: latency, Detail: "rate limited"}, nil
	default:
		return nil, g.http.StatusError(resp)
	}
}

func (g *Gateway) do(ctx context.Context, method, path string, form url.Values, idempotencyKey string) (*gateway.HTTPResponse, error) {
	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}
	req, err := g.http.NewRequest(ctx, method, path, body)
	if err != nil {
		return nil, err
	}

	req.SetBasicAuth(g.secretKey, "")
	req.Header.Set("Stripe-Version", g.apiVersion)
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}
	return g.http.Do(req)
}
