package main

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/smallbiznis/quotaledger/internal/audit"
	"github.com/smallbiznis/quotaledger/internal/billingperiod"
	"github.com/smallbiznis/quotaledger/internal/clock"
	"github.com/smallbiznis/quotaledger/internal/config"
	"github.com/smallbiznis/quotaledger/internal/logger"
	"github.com/smallbiznis/quotaledger/internal/observability"
	"github.com/smallbiznis/quotaledger/internal/quota"
	"github.com/smallbiznis/quotaledger/internal/subscription"
	subscriptionservice "github.com/smallbiznis/quotaledger/internal/subscription/service"
	"github.com/smallbiznis/quotaledger/internal/usage"
	usageservice "github.com/smallbiznis/quotaledger/internal/usage/service"
	"github.com/smallbiznis/quotaledger/pkg/entitystore"
)

func main() {
	app := fx.New(
		config.Module,
		logger.Module,
		observability.Module,
		clock.Module,
		billingperiod.Module,
		fx.Provide(RegisterSnowflake),

		// Storage
		fx.Provide(
			NewStoreClient,
			NewUsageStore,
			NewSubscriptionStore,
		),

		// Domain services. No server module: request routing and auth
		// live in the platform gateway, this process owns the core.
		usage.Module,
		subscription.Module,
		quota.Module,
		audit.Module,

		fx.Invoke(Announce),
	)
	app.Run()
}

func RegisterSnowflake(cfg config.Config) *snowflake.Node {
	node, err := snowflake.NewNode(cfg.SnowflakeNode)
	if err != nil {
		panic(err)
	}
	return node
}

func NewStoreClient(cfg config.Config) (entitystore.API, error) {
	return entitystore.NewClient(context.Background(), entitystore.ClientConfig{
		Region:   cfg.Store.Region,
		Endpoint: cfg.Store.Endpoint,
	})
}

func NewUsageStore(client entitystore.API, cfg config.Config) *usageservice.UsageStore {
	return usageservice.NewUsageStore(client, cfg.Store.Table)
}

func NewSubscriptionStore(client entitystore.API, cfg config.Config) *subscriptionservice.SubscriptionStore {
	return subscriptionservice.NewSubscriptionStore(client, cfg.Store.Table)
}

func Announce(log *zap.Logger, cfg config.Config) {
	log.Info("quotaledger core started",
		zap.String("service", cfg.AppName),
		zap.String("version", cfg.AppVersion),
		zap.String("environment", cfg.Environment),
		zap.String("table", cfg.Store.Table),
	)
}
