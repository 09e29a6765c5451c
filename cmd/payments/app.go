package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"storepay/internal/common/cache"
	"storepay/internal/common/database"
	"storepay/internal/common/nats"
	"storepay/internal/common/tracing"
	"storepay/internal/payment"
	"storepay/internal/payment/domain"
	"storepay/internal/payment/gateway"
	"storepay/internal/payment/store"
	"storepay/internal/providers/moneris"
	"storepay/internal/providers/square"
	"storepay/internal/providers/stripe"
	"storepay/internal/secrets"
)

// app holds the wired collaborators shared by the commands.
type app struct {
	cfg     Config
	logger  *slog.Logger
	db      *database.DB
	redis   *redis.Client
	store   *store.Store
	service *payment.Service

	closers []func(context.Context) error
}

func newApp(ctx context.Context, cfg Config, logger *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	shutdownTracing, err := tracing.Setup(ctx, cfg.Tracing, logger)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, shutdownTracing)

	box, err := secrets.New(cfg.Secrets)
	if err != nil {
		a.Close(ctx)
		return nil, fmt.Errorf("loading credentials key: %w", err)
	}

	a.db, err = database.New(ctx, cfg.Database, logger)
	if err != nil {
		a.Close(ctx)
		return nil, fmt.Errorf("connecting to database: %w", err)
	}
	a.closers = append(a.closers, func(context.Context) error {
		a.db.Close()
		return nil
	})

	a.redis, err = cache.New(ctx, cfg.Redis, logger)
	if err != nil {
		a.Close(ctx)
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}
	a.closers = append(a.closers, func(context.Context) error { return a.redis.Close() })

	a.store = store.New(a.db)
	a.service = payment.NewService(payment.Deps{
		UnitOfWork:  a.store,
		Registry:    newRegistry(cfg),
		States:      gateway.NewRedisStateStore(a.redis),
		Connections: store.NewConnections(a.db),
		Secrets:     box,
	}, cfg.Payment, logger)

	return a, nil
}

// newRegistry registers every supported provider.
func newRegistry(cfg Config) *gateway.Registry {
	registry := gateway.NewRegistry()
	registry.Register(domain.ProviderMoneris, moneris.NewConnector(cfg.Moneris))
	registry.Register(domain.ProviderStripe, stripe.NewConnector(cfg.Stripe))

	sq := square.NewConnector(cfg.Square)
	registry.Register(domain.ProviderSquare, sq)
	registry.RegisterAuthorizer(domain.ProviderSquare, sq)
	return registry
}

// connectNATS connects to NATS and makes sure the payment event stream exists.
func (a *app) connectNATS(ctx context.Context) (*nats.Client, *nats.Publisher, error) {
	client, err := nats.New(ctx, a.cfg.NATS, a.logger)
	if err != nil {
		return nil, nil, fmt.Errorf("connecting to nats: %w", err)
	}
	if _, err := client.EnsureStream(ctx, nats.PaymentStreamConfig(a.cfg.NATS)); err != nil {
		client.Close()
		return nil, nil, err
	}
	a.closers = append(a.closers, func(context.Context) error {
		client.Close()
		return nil
	})
	return client, nats.NewPublisher(client, a.cfg.NATS, a.logger), nil
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close(ctx context.Context) {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			a.logger.Error("shutdown error", "error", err)
		}
	}
	a.closers = nil
}
