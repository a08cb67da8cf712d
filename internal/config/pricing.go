package config

import (
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// PriceMapping binds a plan code and billing period to a provider price.
type PriceMapping struct {
	Plan    string `mapstructure:"plan"`
	Period  string `mapstructure:"period"`
	PriceID string `mapstructure:"price_id"`
}

type PricingConfig struct {
	Provider string         `mapstructure:"provider"`
	Prices   []PriceMapping `mapstructure:"prices"`
}

// Lookup returns the provider price configured for plan and period.
func (c PricingConfig) Lookup(planCode, period string) (string, bool) {
	planCode = strings.TrimSpace(planCode)
	period = strings.ToLower(strings.TrimSpace(period))
	for _, m := range c.Prices {
		if strings.EqualFold(m.Plan, planCode) && strings.EqualFold(m.Period, period) {
			return m.PriceID, true
		}
	}
	return "", false
}

type PricingConfigHolder struct {
	current atomic.Value // holds PricingConfig
}

// NewPricingConfigHolder loads billing.yml and keeps it fresh while the
// process runs. A missing file yields an empty mapping.
func NewPricingConfigHolder(cfg Config, log *zap.Logger) (*PricingConfigHolder, error) {
	v := viper.New()

	v.SetConfigName("billing")
	v.SetConfigType("yml")
	if cfg.PricingConfigPath != "" {
		v.AddConfigPath(cfg.PricingConfigPath)
	}
	v.AddConfigPath("/etc/creditline")
	v.AddConfigPath(".")

	v.SetEnvPrefix("CREDITLINE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	holder := &PricingConfigHolder{}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
		log.Warn("billing.yml not found, priced plans will fail checkout")
		holder.current.Store(PricingConfig{})
		return holder, nil
	}

	parsed, err := decodePricing(v)
	if err != nil {
		return nil, err
	}
	holder.current.Store(parsed)

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		updated, err := decodePricing(v)
		if err != nil {
			log.Warn("pricing config reload rejected", zap.String("file", e.Name), zap.Error(err))
			return
		}
		holder.current.Store(updated)
		log.Info("pricing config reloaded", zap.String("file", e.Name), zap.Int("prices", len(updated.Prices)))
	})

	return holder, nil
}

// NewStaticPricingConfigHolder wraps a fixed mapping.
func NewStaticPricingConfigHolder(cfg PricingConfig) (*PricingConfigHolder, error) {
	if err := validatePricingConfig(cfg); err != nil {
		return nil, err
	}
	holder := &PricingConfigHolder{}
	holder.current.Store(cfg)
	return holder, nil
}

func (h *PricingConfigHolder) Get() PricingConfig {
	return h.current.Load().(PricingConfig)
}

func decodePricing(v *viper.Viper) (PricingConfig, error) {
	var cfg PricingConfig
	if err := v.UnmarshalKey("pricing", &cfg); err != nil {
		return PricingConfig{}, err
	}
	if err := validatePricingConfig(cfg); err != nil {
		return PricingConfig{}, err
	}
	return cfg, nil
}

func validatePricingConfig(cfg PricingConfig) error {
	seen := make(map[string]struct{}, len(cfg.Prices))
	for i, m := range cfg.Prices {
		if strings.TrimSpace(m.Plan) == "" {
			return fmt.Errorf("pricing.prices[%d].plan cannot be empty", i)
		}
		switch strings.ToLower(strings.TrimSpace(m.Period)) {
		case "monthly", "annual":
		default:
			return fmt.Errorf("pricing.prices[%d].period %q must be monthly or annual", i, m.Period)
		}
		if strings.TrimSpace(m.PriceID) == "" {
			return fmt.Errorf("pricing.prices[%d].price_id cannot be empty", i)
		}
		key := strings.ToLower(m.Plan) + "/" + strings.ToLower(m.Period)
		if _, dup := seen[key]; dup {
			return fmt.Errorf("pricing.prices[%d] duplicates %s", i, key)
		}
		seen[key] = struct{}{}
	}
	return nil
}
