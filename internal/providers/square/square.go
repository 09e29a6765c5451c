// Package square is the gateway adapter for the Square Payments API. Stores
// connect through the Square OAuth flow; the resulting access token is the
// only credential.
package square

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"storepay/internal/payment/domain"
	"storepay/internal/payment/gateway"
)

// Config holds Square adapter configuration.
type Config struct {
	ApplicationID     string        `envconfig:"SQUARE_APPLICATION_ID"`
	ApplicationSecret string        `envconfig:"SQUARE_APPLICATION_SECRET"`
	SandboxURL        string        `envconfig:"SQUARE_SANDBOX_URL" default:"https://connect.squareupsandbox.com"`
	ProductionURL     string        `envconfig:"SQUARE_PRODUCTION_URL" default:"https://connect.squareup.com"`
	APIVersion        string        `envconfig:"SQUARE_API_VERSION" default:"2024-01-18"`
	Scopes            []string      `envconfig:"SQUARE_SCOPES" default:"PAYMENTS_READ,PAYMENTS_WRITE,MERCHANT_PROFILE_READ"`
	Timeout           time.Duration `envconfig:"SQUARE_TIMEOUT" default:"30s"`
	// LookupPages bounds how many pages of recent payments LookupCharge scans.
	LookupPages int `envconfig:"SQUARE_LOOKUP_PAGES" default:"5"`
}

// Credential keys stored on a Square connection.
const (
	CredAccessToken  = "access_token"
	CredRefreshToken = "refresh_token"
	CredMerchantID   = "merchant_id"
	CredExpiresAt    = "expires_at"
	CredLocationID   = "location_id"
)

func (c Config) baseURL(env domain.Environment) string {
	if env == domain.EnvironmentProduction {
		return c.ProductionURL
	}
	return c.SandboxURL
}

// Connector builds Square gateways and runs the OAuth handshake.
type Connector struct {
	cfg Config
}

// NewConnector creates a Square connector.
func NewConnector(cfg Config) *Connector {
	return &Connector{cfg: cfg}
}

var (
	_ gateway.Connector  = (*Connector)(nil)
	_ gateway.Authorizer = (*Connector)(nil)
)

// Connect implements gateway.Connector.
func (c *Connector) Connect(env domain.Environment, creds gateway.Credentials) (gateway.Gateway, error) {
	if err := creds.Require(CredAccessToken); err != nil {
		return nil, fmt.Errorf("square: %w", err)
	}
	return &Gateway{
		http:        gateway.NewHTTPClient(domain.ProviderSquare, c.cfg.baseURL(env), c.cfg.Timeout),
		accessToken: creds[CredAccessToken],
		locationID:  creds[CredLocationID],
		apiVersion:  c.cfg.APIVersion,
		lookupPages: c.cfg.LookupPages,
	}, nil
}

// AuthorizationURL implements gateway.Authorizer.
func (c *Connector) AuthorizationURL(env domain.Environment, redirectTarget, state string) (string, error) {
	if c.cfg.ApplicationID == "" {
		return "", fmt.Errorf("%w: square application id not configured", domain.ErrAuthorizationNotSupported)
	}
	q := url.Values{}
	q.Set("client_id", c.cfg.ApplicationID)
	q.Set("scope", strings.Join(c.cfg.Scopes, " "))
	q.Set("session", "false")
	q.Set("state", state)
	q.Set("redirect_uri", redirectTarget)
	return c.cfg.baseURL(env) + "/oauth2/authorize?" + q.Encode(), nil
}

type tokenRequest struct {
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
	Code         string `json:"code"`
	GrantType    string `json:"grant_type"`
	RedirectURI  string `json:"redirect_uri,omitempty"`
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresAt    string `json:"expires_at"`
	MerchantID   string `json:"merchant_id"`
}

// ExchangeCode implements gateway.Authorizer.
func (c *Connector) ExchangeCode(ctx context.Context, env domain.Environment, code, redirectTarget string) (gateway.Credentials, error) {
	client := gateway.NewHTTPClient(domain.ProviderSquare, c.cfg.baseURL(env), c.cfg.Timeout)
	resp, err := postJSON(ctx, client, "/oauth2/token", c.cfg.APIVersion, "", tokenRequest{
		ClientID:     c.cfg.ApplicationID,
		ClientSecret: c.cfg.ApplicationSecret,
		Code:         code,
		GrantType:    "authorization_code",
		RedirectURI:  redirectTarget,
	})
	if err != nil {
		return nil, err
	}
	if !resp.OK() {
		return nil, client.StatusError(resp)
	}

	var tok tokenResponse
	if err := json.Unmarshal(resp.Body, &tok); err != nil {
		return nil, fmt.Errorf("%w: square: decoding token: %v", gateway.ErrProviderUnavailable, err)
	}
	if tok.AccessToken == "" {
		return nil, fmt.Errorf("%w: square: token response without access token", gateway.ErrProviderRejected)
	}
	return gateway.Credentials{
		CredAccessToken:  tok.AccessToken,
		CredRefreshToken: tok.RefreshToken,
		CredMerchantID:   tok.MerchantID,
		CredExpiresAt:    tok.ExpiresAt,
	}, nil
}

// Gateway is one Square seller account.
type Gateway struct {
	http        *gateway.HTTPClient
	accessToken string
	locationID  string
	apiVersion  string
	lookupPages int
}

type moneyAmount struct {
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
}

type createPaymentRequest struct {
	SourceID       string      `json:"source_id"`
	IdempotencyKey string      `json:"idempotency_key"`
	AmountMoney    moneyAmount `json:"amount_money"`
	ReferenceID    string      `json:"reference_id"`
	LocationID     string      `json:"location_id,omitempty"`
	Autocomplete   bool        `json:"autocomplete"`
}

type payment struct {
	ID          string `json:"id"`
	Status      string `json:"status"`
	ReferenceID string `json:"reference_id"`
	ReceiptNum  string `json:"receipt_number"`
	CardDetails *struct {
		Status string `json:"status"`
	} `json:"card_details"`
}

type squareError struct {
	Category string `json:"category"`
	Code     string `json:"code"`
	Detail   string `json:"detail"`
}

type paymentResponse struct {
	Payment *payment      `json:"payment"`
	Errors  []squareError `json:"errors"`
}

func declineReason(errs []squareError) string {
	if len(errs) == 0 {
		return "declined by square"
	}
	return fmt.Sprintf("%s (%s)", errs[0].Detail, errs[0].Code)
}

// Charge creates an autocompleted payment. The reference is both the
// idempotency key and the payment's reference_id.
func (g *Gateway) Charge(ctx context.Context, req gateway.ChargeRequest) (*gateway.ChargeResult, error) {
	resp, err := postJSON(ctx, g.http, "/v2/payments", g.apiVersion, g.accessToken, createPaymentRequest{
		SourceID:       req.Method.Token,
		IdempotencyKey: req.Reference.String(),
		AmountMoney:    moneyAmount{Amount: req.Amount.AmountMinor, Currency: string(req.Amount.Currency)},
		ReferenceID:    req.Reference.String(),
		LocationID:     g.locationID,
		Autocomplete:   true,
	})
	if err != nil {
		return nil, err
	}

	var out paymentResponse
	if len(resp.Body) > 0 {
		if err := json.Unmarshal(resp.Body, &out); err != nil && resp.OK() {
			return nil, fmt.Errorf("%w: square: decoding payment: %v", gateway.ErrProviderUnavailable, err)
		}
	}

	switch {
	case resp.Status == http.StatusPaymentRequired:
		res := &gateway.ChargeResult{FailureReason: declineReason(out.Errors)}
		if out.Payment != nil {
			res.ProviderReference = out.Payment.ID
		}
		return res, nil
	case !resp.OK():
		return nil, g.http.StatusError(resp)
	case out.Payment == nil:
		return nil, fmt.Errorf("%w: square: response without payment", gateway.ErrProviderUnavailable)
	}
	return paymentResult(out.Payment), nil
}

func paymentResult(p *payment) *gateway.ChargeResult {
	res := &gateway.ChargeResult{ProviderReference: p.ID}
	switch p.Status {
	case "COMPLETED":
		res.Accepted = true
		res.Captured = true
		res.Confirmation = p.ReceiptNum
	case "APPROVED", "PENDING":
		res.Accepted = true
	default:
		res.FailureReason = "payment " + strings.ToLower(p.Status)
	}
	return res
}

type refundPaymentRequest struct {
	IdempotencyKey string      `json:"idempotency_key"`
	PaymentID      string      `json:"payment_id"`
	AmountMoney    moneyAmount `json:"amount_money"`
	Reason         string      `json:"reason,omitempty"`
}

type refundResponse struct {
	Refund *struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	} `json:"refund"`
	Errors []squareError `json:"errors"`
}

// Refund implements gateway.Gateway.
func (g *Gateway) Refund(ctx context.Context, req gateway.RefundRequest) (*gateway.RefundResult, error) {
	resp, err := postJSON(ctx, g.http, "/v2/refunds", g.apiVersion, g.accessToken, refundPaymentRequest{
		IdempotencyKey: req.RefundID,
		PaymentID:      req.ProviderReference,
		AmountMoney:    moneyAmount{Amount: req.Amount.AmountMinor, Currency: string(req.Amount.Currency)},
		Reason:         req.Reason,
	})
	if err != nil {
		return nil, err
	}
	if !resp.OK() {
		return nil, g.http.StatusError(resp)
	}

	var out refundResponse
	if err := json.Unmarshal(resp.Body, &out); err != nil || out.Refund == nil {
		return nil, fmt.Errorf("%w: square: decoding refund: %v", gateway.ErrProviderUnavailable, err)
	}
	switch out.Refund.Status {
	case "REJECTED", "FAILED":
		return &gateway.RefundResult{ProviderReference: out.Refund.ID, FailureReason: "refund " + strings.ToLower(out.Refund.Status)}, nil
	default:
		return &gateway.RefundResult{ProviderReference: out.Refund.ID, Accepted: true}, nil
	}
}

type listPaymentsResponse struct {
	Payments []payment `json:"payments"`
	Cursor   string    `json:"cursor"`
}

// LookupCharge scans recent payments for the reference. Square has no
// lookup by reference_id, so only the newest LookupPages pages are searched.
func (g *Gateway) LookupCharge(ctx context.Context, reference domain.Reference) (*gateway.ChargeResult, error) {
	cursor := ""
	for page := 0; page < g.lookupPages; page++ {
		q := url.Values{}
		q.Set("sort_order", "DESC")
		if g.locationID != "" {
			q.Set("location_id", g.locationID)
		}
		if cursor != "" {
			q.Set("cursor", cursor)
		}

		resp, err := g.get(ctx, "/v2/payments?"+q.Encode())
		if err != nil {
			return nil, err
		}
		if !resp.OK() {
			return nil, g.http.StatusError(resp)
		}

		var out listPaymentsResponse
		if err := json.Unmarshal(resp.Body, &out); err != nil {
			return nil, fmt.Errorf("%w: square: decoding payments: %v", gateway.ErrProviderUnavailable, err)
		}
		for i := range out.Payments {
			if out.Payments[i].ReferenceID == reference.String() {
				return paymentResult(&out.Payments[i]), nil
			}
		}
		if out.Cursor == "" {
			break
		}
		cursor = out.Cursor
	}
	return nil, fmt.Errorf("%w: square reference %s", gateway.ErrChargeNotFound, reference)
}

// HealthCheck lists the seller's locations.
func (g *Gateway) HealthCheck(ctx context.Context) (*gateway.Health, error) {
	start := time.Now()
	resp, err := g.get(ctx, "/v2/locations")
	if err != nil {
		return nil, err
	}
	latency := time.Since(start)

	switch {
	case resp.OK():
		return &gateway.Health{Status: domain.HealthHealthy, Latency: latency}, nil
	case resp.Status == http.StatusUnauthorized:
		return &gateway.Health{Status: domain.HealthUnavailable, Latency: latency, Detail: "access token revoked or expired"}, nil
	default:
		return nil, g.http.StatusError(resp)
	}
}

func (g *Gateway) get(ctx context.Context, path string) (*gateway.HTTPResponse, error) {
	req, err := g.http.NewRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	setHeaders(req, g.apiVersion, g.accessToken)
	return g.http.Do(req)
}

func postJSON(ctx context.Context, client *gateway.HTTPClient, path, version, token string, body any) (*gateway.HTTPResponse, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("%w: square: encoding request: %v", gateway.ErrProviderRejected, err)
	}
	req, err := client.NewRequest(ctx, http.MethodPost, path, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	setHeaders(req, version, token)
	return client.Do(req)
}

func setHeaders(req *http.Request, version, token string) {
	req.Header.Set("Square-Version", version)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
}
