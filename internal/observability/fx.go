package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/smallbiznis/creditline/internal/config"
	"github.com/smallbiznis/creditline/internal/observability/metrics"
	"github.com/smallbiznis/creditline/pkg/telemetry"
	"go.uber.org/fx"
)

var Module = fx.Module("observability",
	telemetry.Module,
	fx.Provide(
		provideMetricsConfig,
		provideRegisterer,
		metrics.New,
		metrics.NewSchedulerMetrics,
	),
)

func provideMetricsConfig(cfg config.Config) metrics.Config {
	return metrics.ConfigFrom(cfg)
}

func provideRegisterer() prometheus.Registerer {
	return prometheus.DefaultRegisterer
}
