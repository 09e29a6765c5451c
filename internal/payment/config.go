package payment

import "time"

// Config holds payment core configuration
type Config struct {
	ProviderTimeout       time.Duration `envconfig:"PROVIDER_TIMEOUT" default:"15s"`
	ProviderEnvironment   string        `envconfig:"PROVIDER_ENVIRONMENT" default:"sandbox"`
	DegradedLatency       time.Duration `envconfig:"PROVIDER_DEGRADED_LATENCY" default:"2s"`
	AuthorizationStateTTL time.Duration `envconfig:"AUTHORIZATION_STATE_TTL" default:"10m"`

	IdempotencyTTL     time.Duration `envconfig:"IDEMPOTENCY_TTL" default:"24h"`
	InFlightWait       time.Duration `envconfig:"IDEMPOTENCY_INFLIGHT_WAIT" default:"2s"`
	InFlightPoll       time.Duration `envconfig:"IDEMPOTENCY_INFLIGHT_POLL" default:"100ms"`
	PurgeInterval      time.Duration `envconfig:"IDEMPOTENCY_PURGE_INTERVAL" default:"1h"`
	PurgeBatchSize     int           `envconfig:"IDEMPOTENCY_PURGE_BATCH" default:"1000"`
	ConflictRetryLimit int           `envconfig:"CONFLICT_RETRY_LIMIT" default:"3"`

	ReconcileInterval     time.Duration `envconfig:"RECONCILE_INTERVAL" default:"15s"`
	ReconcileBatchSize    int           `envconfig:"RECONCILE_BATCH_SIZE" default:"50"`
	ReconcileBaseDelay    time.Duration `envconfig:"RECONCILE_BASE_DELAY" default:"30s"`
	ReconcileMaxDelay     time.Duration `envconfig:"RECONCILE_MAX_DELAY" default:"30m"`
	ReconcileMaxAttempts  int           `envconfig:"RECONCILE_MAX_ATTEMPTS" default:"12"`
	ReconcilePendingGrace time.Duration `envconfig:"RECONCILE_PENDING_GRACE" default:"10m"`

	RelayInterval  time.Duration `envconfig:"RELAY_INTERVAL" default:"1s"`
	RelayBatchSize int           `envconfig:"RELAY_BATCH_SIZE" default:"100"`
}

// DefaultConfig returns the defaults used when no environment is processed.
func DefaultConfig() Config {
	return Config{
		ProviderTimeout:       15 * time.Second,
		ProviderEnvironment:   "sandbox",
		DegradedLatency:       2 * time.Second,
		AuthorizationStateTTL: 10 * time.Minute,
		IdempotencyTTL:        24 * time.Hour,
		InFlightWait:          2 * time.Second,
		InFlightPoll:          100 * time.Millisecond,
		PurgeInterval:         time.Hour,
		PurgeBatchSize:        1000,
		ConflictRetryLimit:    3,
		ReconcileInterval:     15 * time.Second,
		ReconcileBatchSize:    50,
		ReconcileBaseDelay:    30 * time.Second,
		ReconcileMaxDelay:     30 * time.Minute,
		ReconcileMaxAttempts:  12,
		ReconcilePendingGrace: 10 * time.Minute,
		RelayInterval:         time.Second,
		RelayBatchSize:        100,
	}
}

// reconcileDelay is the wait before lookup number attempt+1.
func (c Config) reconcileDelay(attempt int) time.Duration {
	d := c.ReconcileBaseDelay
	for i := 0; i < attempt && d < c.ReconcileMaxDelay; i++ {
		d *= 2
	}
	if d > c.ReconcileMaxDelay {
		d = c.ReconcileMaxDelay
	}
	return d
}
