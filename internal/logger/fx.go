package logger

import (
	"context"

	"github.com/smallbiznis/creditline/internal/config"
	"github.com/smallbiznis/creditline/pkg/log/ctxlogger"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// NewFromConfig builds the logger for the running service. Development
// environments get console output.
func NewFromConfig(cfg config.Config) (*zap.Logger, error) {
	ctxlogger.SetServiceName(cfg.AppName)
	return New(Options{
		Level:       cfg.Logger.Level,
		Version:     cfg.AppVersion,
		Environment: cfg.Environment,
		Console:     cfg.Environment == "development",
	})
}

func registerHooks(lc fx.Lifecycle, log *zap.Logger) {
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			// stderr sync fails on some terminals
			_ = log.Sync()
			return nil
		},
	})
}

var Module = fx.Module("logger",
	fx.Provide(NewFromConfig),
	fx.Invoke(registerHooks),
)
