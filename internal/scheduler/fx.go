package scheduler

import (
	"context"
	"strings"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/creditline/internal/config"
	"github.com/smallbiznis/creditline/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("scheduler",
	fx.Provide(ProvideConfig),
	fx.Provide(provideLease),
	fx.Provide(New),
	fx.Invoke(NewScheduler),
)

func provideLease(lc fx.Lifecycle, cfg config.Config, conn *gorm.DB, log *zap.Logger) (Lease, error) {
	switch cfg.Scheduler.Lease {
	case config.LeaseRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     strings.TrimSpace(cfg.Redis.Addr),
			Password: strings.TrimSpace(cfg.Redis.Password),
			DB:       cfg.Redis.DB,
		})
		lc.Append(fx.Hook{
			OnStop: func(context.Context) error { return client.Close() },
		})
		return NewRedisLease(client), nil
	case config.LeasePostgres:
		if !db.IsPostgres(conn) {
			log.Warn("postgres advisory lease needs a postgres database, using local lease")
			return LocalLease{}, nil
		}
		sqlDB, err := conn.DB()
		if err != nil {
			return nil, err
		}
		return NewPGAdvisoryLease(sqlDB), nil
	default:
		return LocalLease{}, nil
	}
}

func NewScheduler(lc fx.Lifecycle, cfg Config, sched *Scheduler) {
	if !cfg.Enabled {
		return
	}

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			ctx, cancel := context.WithCancel(context.Background())

			go sched.RunForever(ctx)

			lc.Append(fx.Hook{
				OnStop: func(context.Context) error {
					cancel()
					return nil
				},
			})

			return nil
		},
	})
}
