package audit

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/smallbiznis/quotaledger/internal/clock"
	"github.com/smallbiznis/quotaledger/internal/config"
	"github.com/smallbiznis/quotaledger/internal/observability/metrics"
)

type Params struct {
	fx.In

	Config  config.Config
	Log     *zap.Logger
	GenID   *snowflake.Node
	Clock   clock.Clock
	Sink    Sink
	Metrics *metrics.Metrics `optional:"true"`
}

func provideRecorder(p Params) *Recorder {
	return NewRecorder(p.Config.Audit.BufferSize, p.GenID, p.Clock, p.Sink, p.Metrics, p.Log)
}

func registerHooks(lc fx.Lifecycle, recorder *Recorder) {
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			recorder.Start()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return recorder.Stop(ctx)
		},
	})
}

var Module = fx.Module("audit.recorder",
	fx.Provide(
		fx.Annotate(NewLogSink, fx.As(new(Sink))),
		provideRecorder,
	),
	fx.Invoke(registerHooks),
)
