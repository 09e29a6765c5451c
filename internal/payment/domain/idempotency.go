package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// Operation is the kind of mutating request guarded by an idempotency key.
type Operation string

const (
	OperationCharge Operation = "charge"
	OperationRefund Operation = "refund"
	OperationCancel Operation = "cancel"
)

// IdempotencyRecord maps a key to the single outcome of the request that
// first used it. A nil Result marks the request as still in flight.
type IdempotencyRecord struct {
	Key         string
	Operation   Operation
	Fingerprint string
	ResourceID  string
	Result      []byte
	CreatedAt   time.Time
	ExpiresAt   time.Time
}

// InFlight reports whether the outcome has not been committed yet.
func (r *IdempotencyRecord) InFlight() bool {
	return r.Result == nil
}

// Expired reports whether the record is past its retention window.
func (r *IdempotencyRecord) Expired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

// Fingerprint hashes the operation and request body. Struct bodies marshal
// with a fixed field order, which keeps the hash stable across retries.
func Fingerprint(op Operation, body any) (string, error) {
	data, err := json.Marshal(struct {
		Operation Operation `json:"operation"`
		Body      any       `json:"body"`
	}{op, body})
	if err != nil {
		return "", fmt.Errorf("encoding fingerprint: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
