// Package moneris is the gateway adapter for the Moneris JSON gateway API.
// A store connects with its Moneris store ID and API token.
package moneris

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"storepay/internal/payment/domain"
	"storepay/internal/payment/gateway"
)

// Config holds Moneris adapter configuration.
type Config struct {
	SandboxURL    string        `envconfig:"MONERIS_SANDBOX_URL" default:"https://esqa.moneris.com"`
	ProductionURL string        `envconfig:"MONERIS_PRODUCTION_URL" default:"https://www3.moneris.com"`
	Timeout       time.Duration `envconfig:"MONERIS_TIMEOUT" default:"30s"`
	// CryptType is the e-commerce indicator sent with every purchase.
	CryptType string `envconfig:"MONERIS_CRYPT_TYPE" default:"7"`
}

// Credential keys stored on a Moneris connection.
const (
	CredStoreID  = "store_id"
	CredAPIToken = "api_token"
)

// approvedBelow is the first response code Moneris uses for declines.
const approvedBelow = 50

// Connector builds Moneris gateways.
type Connector struct {
	cfg Config
}

// NewConnector creates a Moneris connector.
func NewConnector(cfg Config) *Connector {
	return &Connector{cfg: cfg}
}

var _ gateway.Connector = (*Connector)(nil)

// Connect implements gateway.Connector.
func (c *Connector) Connect(env domain.Environment, creds gateway.Credentials) (gateway.Gateway, error) {
	if err := creds.Require(CredStoreID, CredAPIToken); err != nil {
		return nil, fmt.Errorf("moneris: %w", err)
	}
	base := c.cfg.SandboxURL
	if env == domain.EnvironmentProduction {
		base = c.cfg.ProductionURL
	}
	return &Gateway{
		http:      gateway.NewHTTPClient(domain.ProviderMoneris, base, c.cfg.Timeout),
		storeID:   creds[CredStoreID],
		apiToken:  creds[CredAPIToken],
		cryptType: c.cfg.CryptType,
	}, nil
}

// Gateway is one Moneris store account.
type Gateway struct {
	http      *gateway.HTTPClient
	storeID   string
	apiToken  string
	cryptType string
}

type purchaseRequest struct {
	OrderID   string `json:"order_id"`
	Amount    string `json:"amount"`
	Currency  string `json:"currency"`
	DataKey   string `json:"data_key"`
	CryptType string `json:"crypt_type"`
}

type refundRequest struct {
	OrderID   string `json:"order_id"`
	TxnNumber string `json:"txn_number"`
	Amount    string `json:"amount"`
	CryptType string `json:"crypt_type"`
	Memo      string `json:"memo,omitempty"`
}

// receipt is the common answer of every Moneris transaction call. A null
// response code means the transaction was not completed.
type receipt struct {
	OrderID      string `json:"order_id"`
	TxnNumber    string `json:"txn_number"`
	ResponseCode string `json:"response_code"`
	Message      string `json:"message"`
	AuthCode     string `json:"auth_code"`
	Complete     bool   `json:"complete"`
	TimedOut     bool   `json:"timed_out"`
	TransType    string `json:"trans_type"`
}

type receiptResponse struct {
	Receipt receipt `json:"receipt"`
}

func (r receipt) approved() (bool, error) {
	if r.TimedOut {
		return false, fmt.Errorf("%w: moneris: order %s timed out", gateway.ErrProviderTimeout, r.OrderID)
	}
	if r.ResponseCode == "" || r.ResponseCode == "null" {
		return false, fmt.Errorf("%w: moneris: order %s incomplete: %s", gateway.ErrProviderUnavailable, r.OrderID, r.Message)
	}
	code, err := strconv.Atoi(r.ResponseCode)
	if err != nil {
		return false, fmt.Errorf("%w: moneris: response code %q", gateway.ErrProviderUnavailable, r.ResponseCode)
	}
	return r.Complete && code < approvedBelow, nil
}

// Charge runs a purchase, which authorizes and captures in one step. The
// transaction reference is the Moneris order ID, which Moneris keeps unique
// per store.
func (g *Gateway) Charge(ctx context.Context, req gateway.ChargeRequest) (*gateway.ChargeResult, error) {
	if req.Method.Token == "" {
		return nil, fmt.Errorf("%w: moneris: payment token is required", gateway.ErrProviderRejected)
	}
	rec, err := g.post(ctx, "/gateway/v1/purchase", purchaseRequest{
		OrderID:   req.Reference.String(),
		Amount:    req.Amount.MajorString(),
		Currency:  string(req.Amount.Currency),
		DataKey:   req.Method.Token,
		CryptType: g.cryptType,
	})
	if err != nil {
		return nil, err
	}
	return chargeResult(rec)
}

func chargeResult(rec *receipt) (*gateway.ChargeResult, error) {
	ok, err := rec.approved()
	if err != nil {
		return nil, err
	}
	if !ok {
		return &gateway.ChargeResult{
			ProviderReference: rec.TxnNumber,
			FailureReason:     fmt.Sprintf("%s (code %s)", rec.Message, rec.ResponseCode),
		}, nil
	}
	return &gateway.ChargeResult{
		ProviderReference: rec.TxnNumber,
		Accepted:          true,
		Captured:          true,
		Confirmation:      rec.AuthCode,
	}, nil
}

// Refund implements gateway.Gateway.
func (g *Gateway) Refund(ctx context.Context, req gateway.RefundRequest) (*gateway.RefundResult, error) {
	rec, err := g.post(ctx, "/gateway/v1/refund", refundRequest{
		OrderID:   req.RefundID,
		TxnNumber: req.ProviderReference,
		Amount:    req.Amount.MajorString(),
		CryptType: g.cryptType,
		Memo:      req.Reason,
	})
	if err != nil {
		return nil, err
	}
	ok, err := rec.approved()
	if err != nil {
		return nil, err
	}
	if !ok {
		return &gateway.RefundResult{
			ProviderReference: rec.TxnNumber,
			FailureReason:     fmt.Sprintf("%s (code %s)", rec.Message, rec.ResponseCode),
		}, nil
	}
	return &gateway.RefundResult{ProviderReference: rec.TxnNumber, Accepted: true}, nil
}

// LookupCharge fetches the latest transaction of the order.
func (g *Gateway) LookupCharge(ctx context.Context, reference domain.Reference) (*gateway.ChargeResult, error) {
	req, err := g.http.NewRequest(ctx, http.MethodGet, "/gateway/v1/orders/"+url.PathEscape(reference.String()), nil)
	if err != nil {
		return nil, err
	}
	g.authorize(req)

	resp, err := g.http.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.Status == http.StatusNotFound {
		return nil, fmt.Errorf("%w: moneris order %s", gateway.ErrChargeNotFound, reference)
	}
	if !resp.OK() {
		return nil, g.http.StatusError(resp)
	}

	var out receiptResponse
	if err := json.Unmarshal(resp.Body, &out); err != nil {
		return nil, fmt.Errorf("%w: moneris: decoding order: %v", gateway.ErrProviderUnavailable, err)
	}
	return chargeResult(&out.Receipt)
}

// HealthCheck pings the gateway with the store's credentials.
func (g *Gateway) HealthCheck(ctx context.Context) (*gateway.Health, error) {
	req, err := g.http.NewRequest(ctx, http.MethodGet, "/gateway/v1/ping", nil)
	if err != nil {
		return nil, err
	}
	g.authorize(req)

	start := time.Now()
	resp, err := g.http.Do(req)
	if err != nil {
		return nil, err
	}
	latency := time.Since(start)

	switch {
	case resp.OK():
		return &gateway.Health{Status: domain.HealthHealthy, Latency: latency}, nil
	case resp.Status == http.StatusUnauthorized || resp.Status == http.StatusForbidden:
		return &gateway.Health{Status: domain.HealthUnavailable, Latency: latency, Detail: "credentials rejected"}, nil
	default:
		return nil, g.http.StatusError(resp)
	}
}

func (g *Gateway) authorize(req *http.Request) {
	req.Header.Set("X-Store-Id", g.storeID)
	req.Header.Set("X-Api-Token", g.apiToken)
}

func (g *Gateway) post(ctx context.Context, path string, body any) (*receipt, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("%w: moneris: encoding request: %v", gateway.ErrProviderRejected, err)
	}
	req, err := g.http.NewRequest(ctx, http.MethodPost, path, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	g.authorize(req)

	resp, err := g.http.Do(req)
	if err != nil {
		return nil, err
	}
	if !resp.OK() {
		return nil, g.http.StatusError(resp)
	}

	var out receiptResponse
	if err := json.Unmarshal(resp.Body, &out); err != nil {
		// the call may have gone through
		return nil, fmt.Errorf("%w: moneris: decoding receipt: %v", gateway.ErrProviderUnavailable, err)
	}
	return &out.Receipt, nil
}
