package quota

import (
	"go.uber.org/fx"

	"github.com/smallbiznis/quotaledger/internal/quota/service"
)

var Module = fx.Module("quota.service",
	fx.Provide(service.NewService),
)
