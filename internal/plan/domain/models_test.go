package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestAccessTierOrdering(t *testing.T) {
	assert.True(t, AccessTierAll.Covers(AccessTierPremium))
	assert.True(t, AccessTierStandard.Covers(AccessTierStandard))
	assert.False(t, AccessTierStandard.Covers(AccessTierPremium))
	assert.False(t, AccessTier("gold").Covers(AccessTierNone))
}

func TestBillingPeriodNextPeriodEnd(t *testing.T) {
	start := time.Date(2026, 1, 31, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2026, 3, 3, 12, 0, 0, 0, time.UTC), BillingPeriodMonthly.NextPeriodEnd(start))
	assert.Equal(t, time.Date(2027, 1, 31, 12, 0, 0, 0, time.UTC), BillingPeriodAnnual.NextPeriodEnd(start))
}

func TestParseBillingPeriod(t *testing.T) {
	p, err := ParseBillingPeriod(" Yearly ")
	assert.NoError(t, err)
	assert.Equal(t, BillingPeriodAnnual, p)

	_, err = ParseBillingPeriod("weekly")
	assert.ErrorIs(t, err, ErrInvalidBillingPeriod)
}

func TestPlanPriceFor(t *testing.T) {
	p := Plan{PriceMonthly: 9.99, PriceAnnual: 0}
	assert.False(t, p.IsFree(BillingPeriodMonthly))
	assert.True(t, p.IsFree(BillingPeriodAnnual))
}
