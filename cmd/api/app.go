package main

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"subscription-reconciler/internal/auth"
	"subscription-reconciler/internal/catalog"
	"subscription-reconciler/internal/client"
	"subscription-reconciler/internal/config"
	"subscription-reconciler/internal/logger"
	"subscription-reconciler/internal/repository"
	"subscription-reconciler/internal/service"
)

// app holds the wired dependencies shared by every command.
type app struct {
	cfg    *config.Config
	db     *gorm.DB
	rdb    *redis.Client
	tokens *auth.Tokens

	subscriptionService service.SubscriptionService
	webhookService      service.WebhookService
}

func newApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	logger.Init(cfg.Log)

	plans, err := catalog.Load(cfg.PlansFile)
	if err != nil {
		return nil, fmt.Errorf("load plan catalog: %w", err)
	}

	db, err := client.InitDBClient(cfg.Database)
	if err != nil {
		return nil, err
	}

	a := &app{
		cfg:    cfg,
		db:     db,
		tokens: auth.NewTokens(cfg.JWTSecret),
	}

	var ledger repository.EventLedger
	switch cfg.Ledger.Backend {
	case "redis":
		rdb, err := client.InitRedisClient(ctx, cfg.Redis.URL)
		if err != nil {
			a.close()
			return nil, err
		}
		a.rdb = rdb
		ledger = repository.NewRedisEventLedger(rdb, cfg.Ledger.Retention)
	default:
		ledger = repository.NewWebhookEventRepository(db)
	}

	if cfg.Stripe.SecretKey == "" {
		log.Warn().Msg("STRIPE_SECRET_KEY not set, processor calls will fail as unavailable")
	}
	if cfg.Stripe.WebhookSecret == "" {
		log.Warn().Msg("STRIPE_WEBHOOK_SECRET not set, every webhook will be rejected")
	}
	if cfg.JWTSecret == "" {
		log.Warn().Msg("JWT_SECRET not set, authenticated routes will reject every request")
	}

	gateway := client.NewStripeGateway(&cfg.Stripe)
	users := repository.NewUserRepository(db)

	a.subscriptionService = service.NewSubscriptionService(users, gateway, plans)
	a.webhookService = service.NewWebhookService(users, gateway, plans, ledger)

	return a, nil
}

func (a *app) close() {
	if a.rdb != nil {
		if err := a.rdb.Close(); err != nil {
			log.Warn().Err(err).Msg("close redis")
		}
	}
	if sqlDB, err := a.db.DB(); err == nil {
		if err := sqlDB.Close(); err != nil {
			log.Warn().Err(err).Msg("close database")
		}
	}
}
