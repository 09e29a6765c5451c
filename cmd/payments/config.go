package main

import (
	"fmt"

	"github.com/kelseyhightower/envconfig"

	"storepay/internal/common/cache"
	"storepay/internal/common/database"
	"storepay/internal/common/nats"
	"storepay/internal/common/tracing"
	"storepay/internal/payment"
	"storepay/internal/providers/moneris"
	"storepay/internal/providers/square"
	"storepay/internal/providers/stripe"
	"storepay/internal/secrets"
)

// ServerConfig holds the process-level settings
type ServerConfig struct {
	Port            int    `envconfig:"PAYMENTS_PORT" default:"8090"`
	Environment     string `envconfig:"ENVIRONMENT" default:"development"`
	LogLevel        string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat       string `envconfig:"LOG_FORMAT" default:"json"`
	ShutdownTimeout int    `envconfig:"SHUTDOWN_TIMEOUT_SECONDS" default:"30"`
}

// Config holds service configuration
type Config struct {
	Server   ServerConfig
	Database database.Config
	Redis    cache.Config
	NATS     nats.Config
	Tracing  tracing.Config
	Secrets  secrets.Config
	Payment  payment.Config
	Moneris  moneris.Config
	Stripe   stripe.Config
	Square   square.Config
}

// loadConfig reads every section from the environment. Each section carries
// fully qualified variable names, so sections are processed without a prefix.
func loadConfig() (Config, error) {
	var cfg Config
	sections := []any{
		&cfg.Server,
		&cfg.Database,
		&cfg.Redis,
		&cfg.NATS,
		&cfg.Tracing,
		&cfg.Secrets,
		&cfg.Payment,
		&cfg.Moneris,
		&cfg.Stripe,
		&cfg.Square,
	}
	for _, s := range sections {
		if err := envconfig.Process("", s); err != nil {
			return Config{}, fmt.Errorf("processing config: %w", err)
		}
	}
	return cfg, nil
}
