package domain

import (
	"fmt"
	"strings"
	"time"
)

// ProviderType is the explicit tag used to select a gateway implementation.
type ProviderType string

const (
	ProviderMoneris ProviderType = "moneris"
	ProviderStripe  ProviderType = "stripe"
	ProviderSquare  ProviderType = "square"
)

// ParseProviderType normalizes a provider tag. Whether a gateway is
// registered for it is decided by the gateway registry.
func ParseProviderType(s string) (ProviderType, error) {
	p := ProviderType(strings.ToLower(strings.TrimSpace(s)))
	if p == "" {
		return "", &ValidationError{Field: "provider", Message: "is required"}
	}
	return p, nil
}

// Environment selects provider sandbox or production endpoints.
type Environment string

const (
	EnvironmentSandbox    Environment = "sandbox"
	EnvironmentProduction Environment = "production"
)

// ParseEnvironment validates an environment value.
func ParseEnvironment(s string) (Environment, error) {
	switch e := Environment(strings.ToLower(s)); e {
	case EnvironmentSandbox, EnvironmentProduction:
		return e, nil
	}
	return "", fmt.Errorf("%w: unknown environment %q", ErrValidation, s)
}

// HealthStatus is the last observed state of a provider connection.
type HealthStatus string

const (
	HealthUnknown     HealthStatus = "unknown"
	HealthHealthy     HealthStatus = "healthy"
	HealthDegraded    HealthStatus = "degraded"
	HealthUnavailable HealthStatus = "unavailable"
)

// ProviderConnection links a store to a provider account. Credentials are
// an encrypted blob; this package never sees them in clear text.
type ProviderConnection struct {
	StoreID       string
	Provider      ProviderType
	Environment   Environment
	Credentials   []byte
	HealthStatus  HealthStatus
	LastCheckedAt *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}
