package moneris

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storepay/internal/common/money"
	"storepay/internal/payment/domain"
	"storepay/internal/payment/gateway"
)

func connect(t *testing.T, handler http.HandlerFunc) *Gateway {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	gw, err := NewConnector(Config{SandboxURL: srv.URL, Timeout: time.Second, CryptType: "7"}).
		Connect(domain.EnvironmentSandbox, gateway.Credentials{CredStoreID: "monca0001", CredAPIToken: "tok"})
	require.NoError(t, err)
	return gw.(*Gateway)
}

func writeReceipt(w http.ResponseWriter, rec receipt) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(receiptResponse{Receipt: rec})
}

func TestConnectRequiresCredentials(t *testing.T) {
	_, err := NewConnector(Config{}).Connect(domain.EnvironmentSandbox, gateway.Credentials{CredStoreID: "monca0001"})
	assert.ErrorContains(t, err, "api_token")
}

func TestCharge(t *testing.T) {
	ref := domain.NewReference()

	tests := []struct {
		name         string
		rec          receipt
		status       int
		wantAccepted bool
		wantErr      error
	}{
		{
			name:         "approved",
			rec:          receipt{OrderID: ref.String(), TxnNumber: "660-0_10", ResponseCode: "027", Message: "APPROVED", AuthCode: "A1B2C3", Complete: true},
			wantAccepted: true,
		},
		{
			name: "declined",
			rec:  receipt{OrderID: ref.String(), TxnNumber: "660-0_11", ResponseCode: "481", Message: "DECLINED", Complete: true},
		},
		{
			name:    "incomplete is ambiguous",
			rec:     receipt{OrderID: ref.String(), ResponseCode: "null", Message: "Global Error Receipt"},
			wantErr: gateway.ErrProviderUnavailable,
		},
		{
			name:    "timed out",
			rec:     receipt{OrderID: ref.String(), TimedOut: true},
			wantErr: gateway.ErrProviderTimeout,
		},
		{
			name:    "server error",
			status:  http.StatusBadGateway,
			wantErr: gateway.ErrProviderUnavailable,
		},
		{
			name:    "bad request",
			status:  http.StatusBadRequest,
			wantErr: gateway.ErrProviderRejected,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got purchaseRequest
			gw := connect(t, func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/gateway/v1/purchase", r.URL.Path)
				assert.Equal(t, "monca0001", r.Header.Get("X-Store-Id"))
				assert.Equal(t, "tok", r.Header.Get("X-Api-Token"))
				require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
				if tt.status != 0 {
					w.WriteHeader(tt.status)
					return
				}
				writeReceipt(w, tt.rec)
			})

			res, err := gw.Charge(context.Background(), gateway.ChargeRequest{
				Reference: ref,
				Amount:    money.New(2500, money.CAD),
				Method:    gateway.PaymentMethod{Token: "dk_123"},
			})

			assert.Equal(t, ref.String(), got.OrderID)
			assert.Equal(t, "25.00", got.Amount)
			assert.Equal(t, "dk_123", got.DataKey)

			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantAccepted, res.Accepted)
			assert.Equal(t, tt.rec.TxnNumber, res.ProviderReference)
			if tt.wantAccepted {
				assert.True(t, res.Captured)
				assert.Equal(t, "A1B2C3", res.Confirmation)
			} else {
				assert.Contains(t, res.FailureReason, "DECLINED")
			}
		})
	}
}

func TestChargeWithoutTokenIsRejected(t *testing.T) {
	gw := connect(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("no request expected")
	})
	_, err := gw.Charge(context.Background(), gateway.ChargeRequest{Reference: domain.NewReference(), Amount: money.New(100, money.CAD)})
	assert.ErrorIs(t, err, gateway.ErrProviderRejected)
}

func TestRefund(t *testing.T) {
	gw := connect(t, func(w http.ResponseWriter, r *http.Request) {
		var req refundRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "/gateway/v1/refund", r.URL.Path)
		assert.Equal(t, "660-0_10", req.TxnNumber)
		assert.Equal(t, "6.00", req.Amount)
		writeReceipt(w, receipt{OrderID: req.OrderID, TxnNumber: "661-0_10", ResponseCode: "001", Complete: true})
	})

	res, err := gw.Refund(context.Background(), gateway.RefundRequest{
		RefundID:          "rf-1",
		ProviderReference: "660-0_10",
		Amount:            money.New(600, money.CAD),
	})
	require.NoError(t, err)
	assert.True(t, res.Accepted)
	assert.Equal(t, "661-0_10", res.ProviderReference)
}

func TestLookupCharge(t *testing.T) {
	known := domain.NewReference()
	gw := connect(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/gateway/v1/orders/"+known.String() {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		writeReceipt(w, receipt{OrderID: known.String(), TxnNumber: "660-0_10", ResponseCode: "027", Complete: true, AuthCode: "OK"})
	})

	res, err := gw.LookupCharge(context.Background(), known)
	require.NoError(t, err)
	assert.True(t, res.Accepted)
	assert.True(t, res.Captured)

	_, err = gw.LookupCharge(context.Background(), domain.NewReference())
	assert.ErrorIs(t, err, gateway.ErrChargeNotFound)
}

func TestHealthCheck(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusOK)
	gw := connect(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/gateway/v1/ping", r.URL.Path)
		w.WriteHeader(int(status.Load()))
	})

	h, err := gw.HealthCheck(context.Background())
	require.NoError(t, err)
	assert.Equal(t, domain.HealthHealthy, h.Status)

	status.Store(http.StatusUnauthorized)
	h, err = gw.HealthCheck(context.Background())
	require.NoError(t, err)
	assert.Equal(t, domain.HealthUnavailable, h.Status)

	status.Store(http.StatusServiceUnavailable)
	_, err = gw.HealthCheck(context.Background())
	assert.ErrorIs(t, err, gateway.ErrProviderUnavailable)
}
