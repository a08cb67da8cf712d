package billingprovider

import (
	"github.com/smallbiznis/creditline/internal/billingprovider/domain"
	"github.com/smallbiznis/creditline/internal/billingprovider/stripe"
	"github.com/smallbiznis/creditline/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("billingprovider",
	fx.Provide(config.NewPricingConfigHolder),
	fx.Provide(NewPriceResolver),
	fx.Provide(provideClient),
	fx.Provide(provideWebhookParser),
)

// provideClient falls back to a client that rejects every call when no
// Stripe key is configured, so free plans keep working.
func provideClient(cfg config.Config, log *zap.Logger) domain.Client {
	c, err := stripe.NewClient(cfg.Stripe, nil, log)
	if err != nil {
		log.Warn("stripe disabled, priced plans are unavailable", zap.Error(err))
		return disabledClient{}
	}
	return c
}

func provideWebhookParser(cfg config.Config) domain.WebhookParser {
	return stripe.NewWebhookParser(cfg.Stripe.WebhookSecret)
}
