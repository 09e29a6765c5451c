package square

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storepay/internal/common/money"
	"storepay/internal/payment/domain"
	"storepay/internal/payment/gateway"
)

func newConnector(t *testing.T, handler http.HandlerFunc) *Connector {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewConnector(Config{
		ApplicationID:     "sq0idp-app",
		ApplicationSecret: "sq0csp-secret",
		SandboxURL:        srv.URL,
		ProductionURL:     "https://connect.squareup.invalid",
		APIVersion:        "2024-01-18",
		Scopes:            []string{"PAYMENTS_READ", "PAYMENTS_WRITE"},
		Timeout:           time.Second,
		LookupPages:       2,
	})
}

func connect(t *testing.T, handler http.HandlerFunc) *Gateway {
	t.Helper()
	gw, err := newConnector(t, handler).Connect(domain.EnvironmentSandbox, gateway.Credentials{CredAccessToken: "EAAA-token"})
	require.NoError(t, err)
	return gw.(*Gateway)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func TestAuthorizationURL(t *testing.T) {
	c := newConnector(t, func(w http.ResponseWriter, r *http.Request) {})

	raw, err := c.AuthorizationURL(domain.EnvironmentSandbox, "https://pos.example/callback", "state-1")
	require.NoError(t, err)
	u, err := url.Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "/oauth2/authorize", u.Path)
	assert.Equal(t, "sq0idp-app", u.Query().Get("client_id"))
	assert.Equal(t, "state-1", u.Query().Get("state"))
	assert.Equal(t, "https://pos.example/callback", u.Query().Get("redirect_uri"))
	assert.Equal(t, "PAYMENTS_READ PAYMENTS_WRITE", u.Query().Get("scope"))

	_, err = NewConnector(Config{}).AuthorizationURL(domain.EnvironmentSandbox, "https://pos.example/callback", "s")
	assert.ErrorIs(t, err, domain.ErrAuthorizationNotSupported)
}

func TestExchangeCode(t *testing.T) {
	c := newConnector(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/oauth2/token", r.URL.Path)
		var req tokenRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		if req.Code != "good-code" {
			writeJSON(w, http.StatusUnauthorized, map[string]any{"message": "invalid code"})
			return
		}
		assert.Equal(t, "authorization_code", req.GrantType)
		assert.Equal(t, "sq0csp-secret", req.ClientSecret)
		writeJSON(w, http.StatusOK, tokenResponse{AccessToken: "EAAA-new", RefreshToken: "EQAA-refresh", MerchantID: "M1", ExpiresAt: "2026-11-15T00:00:00Z"})
	})

	creds, err := c.ExchangeCode(context.Background(), domain.EnvironmentSandbox, "good-code", "https://pos.example/callback")
	require.NoError(t, err)
	assert.Equal(t, "EAAA-new", creds[CredAccessToken])
	assert.Equal(t, "M1", creds[CredMerchantID])

	_, err = c.ExchangeCode(context.Background(), domain.EnvironmentSandbox, "bad-code", "https://pos.example/callback")
	assert.ErrorIs(t, err, gateway.ErrProviderRejected)
}

func TestCharge(t *testing.T) {
	ref := domain.NewReference()

	tests := []struct {
		name         string
		status       int
		body         any
		wantAccepted bool
		wantCaptured bool
		wantErr      error
	}{
		{
			name:         "completed",
			status:       http.StatusOK,
			body:         paymentResponse{Payment: &payment{ID: "sq_1", Status: "COMPLETED", ReceiptNum: "R1"}},
			wantAccepted: true,
			wantCaptured: true,
		},
		{
			name:         "approved not captured",
			status:       http.StatusOK,
			body:         paymentResponse{Payment: &payment{ID: "sq_1", Status: "APPROVED"}},
			wantAccepted: true,
		},
		{
			name:   "card declined",
			status: http.StatusPaymentRequired,
			body: paymentResponse{
				Payment: &payment{ID: "sq_1", Status: "FAILED"},
				Errors:  []squareError{{Category: "PAYMENT_METHOD_ERROR", Code: "CARD_DECLINED", Detail: "Card declined."}},
			},
		},
		{
			name:    "server error",
			status:  http.StatusInternalServerError,
			body:    paymentResponse{},
			wantErr: gateway.ErrProviderUnavailable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gw := connect(t, func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/v2/payments", r.URL.Path)
				assert.Equal(t, "Bearer EAAA-token", r.Header.Get("Authorization"))
				assert.Equal(t, "2024-01-18", r.Header.Get("Square-Version"))
				var req createPaymentRequest
				require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
				assert.Equal(t, ref.String(), req.IdempotencyKey)
				assert.Equal(t, ref.String(), req.ReferenceID)
				assert.Equal(t, int64(2500), req.AmountMoney.Amount)
				assert.Equal(t, "CAD", req.AmountMoney.Currency)
				writeJSON(w, tt.status, tt.body)
			})

			res, err := gw.Charge(context.Background(), gateway.ChargeRequest{
				Reference: ref,
				Amount:    money.New(2500, money.CAD),
				Method:    gateway.PaymentMethod{Token: "cnon:card-nonce-ok"},
			})
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "sq_1", res.ProviderReference)
			assert.Equal(t, tt.wantAccepted, res.Accepted)
			assert.Equal(t, tt.wantCaptured, res.Captured)
			if !tt.wantAccepted {
				assert.Equal(t, "Card declined. (CARD_DECLINED)", res.FailureReason)
			}
		})
	}
}

func TestRefund(t *testing.T) {
	gw := connect(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v2/refunds", r.URL.Path)
		var req refundPaymentRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "sq_1", req.PaymentID)
		assert.Equal(t, "rf-1", req.IdempotencyKey)
		writeJSON(w, http.StatusOK, map[string]any{"refund": map[string]string{"id": "sqr_1", "status": "PENDING"}})
	})

	res, err := gw.Refund(context.Background(), gateway.RefundRequest{RefundID: "rf-1", ProviderReference: "sq_1", Amount: money.New(600, money.CAD)})
	require.NoError(t, err)
	assert.True(t, res.Accepted)
	assert.Equal(t, "sqr_1", res.ProviderReference)
}

func TestLookupChargeFollowsCursor(t *testing.T) {
	known := domain.NewReference()
	gw := connect(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v2/payments", r.URL.Path)
		if r.URL.Query().Get("cursor") == "" {
			writeJSON(w, http.StatusOK, listPaymentsResponse{
				Payments: []payment{{ID: "sq_0", Status: "COMPLETED", ReferenceID: "TXN-OTHER"}},
				Cursor:   "page-2",
			})
			return
		}
		writeJSON(w, http.StatusOK, listPaymentsResponse{
			Payments: []payment{{ID: "sq_7", Status: "COMPLETED", ReferenceID: known.String()}},
		})
	})

	res, err := gw.LookupCharge(context.Background(), known)
	require.NoError(t, err)
	assert.Equal(t, "sq_7", res.ProviderReference)
	assert.True(t, res.Captured)

	_, err = gw.LookupCharge(context.Background(), domain.NewReference())
	assert.ErrorIs(t, err, gateway.ErrChargeNotFound)
}

func TestHealthCheck(t *testing.T) {
	gw := connect(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v2/locations", r.URL.Path)
		writeJSON(w, http.StatusOK, map[string]any{"locations": []any{}})
	})

	h, err := gw.HealthCheck(context.Background())
	require.NoError(t, err)
	assert.Equal(t, domain.HealthHealthy, h.Status)
}
