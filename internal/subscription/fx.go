package subscription

import (
	"go.uber.org/fx"

	"github.com/smallbiznis/quotaledger/internal/audit"
	"github.com/smallbiznis/quotaledger/internal/subscription/cache"
	"github.com/smallbiznis/quotaledger/internal/subscription/service"
)

func provideAuditRecorder(recorder *audit.Recorder) service.AuditRecorder {
	return recorder
}

var Module = fx.Module("subscription.service",
	fx.Provide(
		cache.NewRedisClient,
		cache.NewResolverCache,
		provideAuditRecorder,
		service.NewService,
	),
)
