package payment

import (
	"time"

	"github.com/google/uuid"

	"storepay/internal/common/money"
	"storepay/internal/payment/domain"
)

// TransactionView is the read model returned to callers and stored as the
// idempotent result of charge and cancel requests.
type TransactionView struct {
	ID                uuid.UUID            `json:"id"`
	StoreID           string               `json:"store_id"`
	Reference         string               `json:"reference"`
	Amount            money.Money          `json:"amount"`
	Provider          domain.ProviderType  `json:"provider"`
	ProviderReference string               `json:"provider_reference,omitempty"`
	Status            domain.PaymentStatus `json:"status"`
	Confirmation      string               `json:"confirmation,omitempty"`
	FailureReason     string               `json:"failure_reason,omitempty"`
	CreatedAt         time.Time            `json:"created_at"`
	UpdatedAt         time.Time            `json:"updated_at"`
}

func newTransactionView(t *domain.Transaction) *TransactionView {
	return &TransactionView{
		ID:                t.ID,
		StoreID:           t.StoreID,
		Reference:         t.Reference.String(),
		Amount:            t.Amount,
		Provider:          t.Provider,
		ProviderReference: t.ProviderReference,
		Status:            t.Status,
		Confirmation:      t.Confirmation,
		FailureReason:     t.FailureReason,
		CreatedAt:         t.CreatedAt,
		UpdatedAt:         t.UpdatedAt,
	}
}

// RefundView is the read model of a refund.
type RefundView struct {
	ID            uuid.UUID           `json:"id"`
	TransactionID uuid.UUID           `json:"transaction_id"`
	StoreID       string              `json:"store_id"`
	Amount        money.Money         `json:"amount"`
	Reason        string              `json:"reason,omitempty"`
	Status        domain.RefundStatus `json:"status"`
	Confirmation  string              `json:"confirmation,omitempty"`
	FailureReason string              `json:"failure_reason,omitempty"`
	CreatedAt     time.Time           `json:"created_at"`
	UpdatedAt     time.Time           `json:"updated_at"`
}

func newRefundView(r *domain.Refund) *RefundView {
	return &RefundView{
		ID:            r.ID,
		TransactionID: r.TransactionID,
		StoreID:       r.StoreID,
		Amount:        r.Amount,
		Reason:        r.Reason,
		Status:        r.Status,
		Confirmation:  r.Confirmation,
		FailureReason: r.FailureReason,
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
	}
}

// HealthView reports a provider health probe.
type HealthView struct {
	StoreID   string              `json:"store_id"`
	Provider  domain.ProviderType `json:"provider"`
	Status    domain.HealthStatus `json:"status"`
	LatencyMS int64               `json:"latency_ms"`
	Detail    string              `json:"detail,omitempty"`
	CheckedAt time.Time           `json:"checked_at"`
}

// AuthorizationView is returned when a provider handshake starts.
type AuthorizationView struct {
	AuthorizationURL string    `json:"authorization_url"`
	StateToken       string    `json:"state_token"`
	ExpiresAt        time.Time `json:"expires_at"`
}

// ConnectionView describes a provider connection without its credentials.
type ConnectionView struct {
	StoreID       string              `json:"store_id"`
	Provider      domain.ProviderType `json:"provider"`
	Environment   domain.Environment  `json:"environment"`
	HealthStatus  domain.HealthStatus `json:"health_status"`
	LastCheckedAt *time.Time          `json:"last_checked_at,omitempty"`
	ConnectedAt   time.Time           `json:"connected_at"`
}

func newConnectionView(c *domain.ProviderConnection) *ConnectionView {
	return &ConnectionView{
		StoreID:       c.StoreID,
		Provider:      c.Provider,
		Environment:   c.Environment,
		HealthStatus:  c.HealthStatus,
		LastCheckedAt: c.LastCheckedAt,
		ConnectedAt:   c.UpdatedAt,
	}
}
