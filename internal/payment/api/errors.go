package api

import (
	"errors"
	"net/http"

	"storepay/internal/common/api"
	"storepay/internal/common/events"
	"storepay/internal/common/money"
	"storepay/internal/payment/domain"
	"storepay/internal/payment/gateway"
)

type errorMapping struct {
	target error
	status int
	code   string
}

// errorMappings is checked in order; the first match wins.
var errorMappings = []errorMapping{
	{domain.ErrValidation, http.StatusUnprocessableEntity, api.ErrCodeValidation},
	{money.ErrCurrencyMismatch, http.StatusUnprocessableEntity, api.ErrCodeValidation},
	{money.ErrUnsupportedCurrency, http.StatusUnprocessableEntity, api.ErrCodeValidation},
	{money.ErrInvalidAmount, http.StatusUnprocessableEntity, api.ErrCodeValidation},
	{domain.ErrNotFound, http.StatusNotFound, api.ErrCodeNotFound},
	{domain.ErrIdempotencyConflict, http.StatusConflict, api.ErrCodeIdempotencyConflict},
	{domain.ErrRequestInProgress, http.StatusConflict, api.ErrCodeRequestInProgress},
	{domain.ErrInvalidStateTransition, http.StatusConflict, api.ErrCodeConflict},
	{domain.ErrTransactionNotCompleted, http.StatusConflict, api.ErrCodeConflict},
	{domain.ErrRefundExceedsCaptured, http.StatusConflict, api.ErrCodeConflict},
	{domain.ErrConcurrentModification, http.StatusConflict, api.ErrCodeConflict},
	{domain.ErrAuthorizationStateMismatch, http.StatusBadRequest, api.ErrCodeBadRequest},
	{domain.ErrAuthorizationNotSupported, http.StatusBadRequest, api.ErrCodeBadRequest},
	{domain.ErrProviderNotConnected, http.StatusUnprocessableEntity, "PROVIDER_NOT_CONNECTED"},
	{gateway.ErrProviderRejected, http.StatusBadGateway, api.ErrCodeProviderRejected},
	{gateway.ErrProviderTimeout, http.StatusGatewayTimeout, api.ErrCodeProviderTimeout},
	{gateway.ErrProviderUnavailable, http.StatusServiceUnavailable, api.ErrCodeProviderUnavailable},
}

// writeError maps a service error onto a response. Unmapped errors are
// logged and reported without detail.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	for _, m := range errorMappings {
		if !errors.Is(err, m.target) {
			continue
		}
		if m.target == domain.ErrRequestInProgress {
			w.Header().Set("Retry-After", "1")
		}
		api.WriteError(w, m.status, m.code, err.Error())
		return
	}

	h.logger.Error("payment request failed",
		"method", r.Method,
		"path", r.URL.Path,
		"correlation_id", events.CorrelationID(r.Context()),
		"error", err,
	)
	api.InternalError(w, "failed to process payment request")
}
