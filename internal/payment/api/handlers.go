package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"storepay/internal/common/api"
	"storepay/internal/common/middleware"
	"storepay/internal/common/money"
	"storepay/internal/payment"
	"storepay/internal/payment/domain"
	"storepay/internal/payment/gateway"
)

// Handler handles payment HTTP requests
type Handler struct {
	service *payment.Service
	logger  *slog.Logger
}

// NewHandler creates a new payment handler
func NewHandler(service *payment.Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

// Routes returns the payment routes
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	// Provider redirects carry no store header; the store is in the path
	r.Get("/stores/{storeID}/providers/{provider}/callback", h.ProviderCallback)

	r.Group(func(r chi.Router) {
		r.Use(middleware.StoreExtractor)
		r.Use(middleware.RequireStore)

		r.Get("/transactions/{id}", h.GetTransaction)
		r.Get("/transactions/{id}/refunds", h.ListRefunds)

		r.Get("/providers/{provider}/health", h.ProviderHealth)
		r.Post("/providers/{provider}/authorizations", h.BeginAuthorization)

		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireIdempotencyKey)

			r.Post("/transactions", h.SubmitCharge)
			r.Post("/transactions/{id}/cancel", h.CancelTransaction)
			r.Post("/transactions/{id}/refunds", h.SubmitRefund)
		})
	})

	return r
}

// ChargeRequest is the API request for charging a payment method
type ChargeRequest struct {
	Amount        money.Money   `json:"amount" validate:"required"`
	Provider      string        `json:"provider" validate:"required,max=32"`
	PaymentMethod PaymentMethod `json:"payment_method" validate:"required"`
}

// PaymentMethod is the tokenized instrument presented at the terminal
type PaymentMethod struct {
	Type  string `json:"type" validate:"max=32"`
	Token string `json:"token" validate:"required,max=512"`
}

// SubmitCharge handles POST /transactions
func (h *Handler) SubmitCharge(w http.ResponseWriter, r *http.Request) {
	var req ChargeRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.WriteDecodeError(w, err)
		return
	}

	provider, err := domain.ParseProviderType(req.Provider)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	view, err := h.service.SubmitCharge(r.Context(), payment.SubmitChargeRequest{
		StoreID:        middleware.GetStoreID(r.Context()),
		Amount:         req.Amount,
		Provider:       provider,
		IdempotencyKey: middleware.GetIdempotencyKey(r.Context()),
		Method:         gateway.PaymentMethod{Type: req.PaymentMethod.Type, Token: req.PaymentMethod.Token},
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	api.WriteData(w, transactionStatusCode(view.Status), view)
}

// GetTransaction handles GET /transactions/{id}
func (h *Handler) GetTransaction(w http.ResponseWriter, r *http.Request) {
	view, ok := h.storeTransaction(w, r)
	if !ok {
		return
	}
	api.WriteData(w, http.StatusOK, view)
}

// CancelTransaction handles POST /transactions/{id}/cancel
func (h *Handler) CancelTransaction(w http.ResponseWriter, r *http.Request) {
	id, ok := transactionID(w, r)
	if !ok {
		return
	}

	view, err := h.service.CancelTransaction(r.Context(), id,
		middleware.GetStoreID(r.Context()),
		middleware.GetIdempotencyKey(r.Context()),
	)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	api.WriteData(w, http.StatusOK, view)
}

// RefundRequest is the API request for refunding a transaction
type RefundRequest struct {
	Amount money.Money `json:"amount" validate:"required"`
	Reason string      `json:"reason" validate:"max=500"`
}

// SubmitRefund handles POST /transactions/{id}/refunds
func (h *Handler) SubmitRefund(w http.ResponseWriter, r *http.Request) {
	id, ok := transactionID(w, r)
	if !ok {
		return
	}

	var req RefundRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.WriteDecodeError(w, err)
		return
	}

	view, err := h.service.SubmitRefund(r.Context(), payment.SubmitRefundRequest{
		StoreID:        middleware.GetStoreID(r.Context()),
		TransactionID:  id,
		Amount:         req.Amount,
		Reason:         req.Reason,
		IdempotencyKey: middleware.GetIdempotencyKey(r.Context()),
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	status := http.StatusCreated
	if view.Status == domain.RefundProcessing || view.Status == domain.RefundRequested {
		status = http.StatusAccepted
	}
	api.WriteData(w, status, view)
}

// ListRefunds handles GET /transactions/{id}/refunds
func (h *Handler) ListRefunds(w http.ResponseWriter, r *http.Request) {
	txn, ok := h.storeTransaction(w, r)
	if !ok {
		return
	}

	refunds, err := h.service.ListRefunds(r.Context(), txn.ID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if refunds == nil {
		refunds = []*payment.RefundView{}
	}

	api.WriteData(w, http.StatusOK, refunds)
}

// ProviderHealth handles GET /providers/{provider}/health
func (h *Handler) ProviderHealth(w http.ResponseWriter, r *http.Request) {
	provider, err := domain.ParseProviderType(chi.URLParam(r, "provider"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	view, err := h.service.CheckProviderHealth(r.Context(), middleware.GetStoreID(r.Context()), provider)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	api.WriteData(w, http.StatusOK, view)
}

// AuthorizationRequest is the API request for starting a provider handshake
type AuthorizationRequest struct {
	RedirectURL string `json:"redirect_url" validate:"required,url,max=2048"`
}

// BeginAuthorization handles POST /providers/{provider}/authorizations
func (h *Handler) BeginAuthorization(w http.ResponseWriter, r *http.Request) {
	provider, err := domain.ParseProviderType(chi.URLParam(r, "provider"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	var req AuthorizationRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.WriteDecodeError(w, err)
		return
	}

	view, err := h.service.BeginProviderAuthorization(r.Context(), middleware.GetStoreID(r.Context()), provider, req.RedirectURL)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	api.WriteData(w, http.StatusCreated, view)
}

// ProviderCallback handles GET /stores/{storeID}/providers/{provider}/callback
func (h *Handler) ProviderCallback(w http.ResponseWriter, r *http.Request) {
	provider, err := domain.ParseProviderType(chi.URLParam(r, "provider"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	q := r.URL.Query()
	if reason := q.Get("error"); reason != "" {
		api.BadRequest(w, "authorization denied: "+reason)
		return
	}

	view, err := h.service.CompleteProviderAuthorization(r.Context(),
		chi.URLParam(r, "storeID"), provider, q.Get("code"), q.Get("state"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	api.WriteData(w, http.StatusOK, view)
}

// storeTransaction loads the path transaction and hides other stores' transactions.
func (h *Handler) storeTransaction(w http.ResponseWriter, r *http.Request) (*payment.TransactionView, bool) {
	id, ok := transactionID(w, r)
	if !ok {
		return nil, false
	}

	view, err := h.service.GetTransaction(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return nil, false
	}
	if view.StoreID != middleware.GetStoreID(r.Context()) {
		api.NotFound(w, "transaction not found")
		return nil, false
	}
	return view, true
}

func transactionID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		api.BadRequest(w, "invalid transaction id")
		return uuid.Nil, false
	}
	return id, true
}

// transactionStatusCode reports 202 while the provider outcome is unknown.
func transactionStatusCode(status domain.PaymentStatus) int {
	if status == domain.StatusProcessing || status == domain.StatusPending {
		return http.StatusAccepted
	}
	return http.StatusCreated
}
