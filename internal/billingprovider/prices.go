// Package billingprovider wires the provider client, webhook parser and
// price mapping.
package billingprovider

import (
	"strings"

	"github.com/smallbiznis/creditline/internal/billingprovider/domain"
	"github.com/smallbiznis/creditline/internal/config"
)

// ConfigPriceResolver reads the hot-reloaded pricing configuration.
type ConfigPriceResolver struct {
	holder *config.PricingConfigHolder
}

func NewPriceResolver(holder *config.PricingConfigHolder) domain.PriceResolver {
	return &ConfigPriceResolver{holder: holder}
}

func (r *ConfigPriceResolver) PriceID(planCode string, period string) (string, error) {
	if r == nil || r.holder == nil {
		return "", domain.ErrPriceNotConfigured
	}
	priceID, ok := r.holder.Get().Lookup(strings.TrimSpace(planCode), strings.TrimSpace(period))
	if !ok || priceID == "" {
		return "", domain.ErrPriceNotConfigured
	}
	return priceID, nil
}
