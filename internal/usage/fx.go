package usage

import (
	"go.uber.org/fx"

	"github.com/smallbiznis/quotaledger/internal/usage/service"
)

var Module = fx.Module("usage.service",
	fx.Provide(service.NewService),
)
