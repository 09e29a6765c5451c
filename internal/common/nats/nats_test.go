package nats

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPaymentStreamConfig(t *testing.T) {
	cfg := PaymentStreamConfig(Config{Stream: "PAYMENTS", SubjectPrefix: "payments.events"})

	assert.Equal(t, "PAYMENTS", cfg.Name)
	assert.Equal(t, []string{"payments.events.>"}, cfg.Subjects)
	assert.NotZero(t, cfg.Duplicates)
	assert.Equal(t, "payments.events.PaymentCompleted", Subject("payments.events", "PaymentCompleted"))
}
