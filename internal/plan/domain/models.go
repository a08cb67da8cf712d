// Package domain contains the plan catalogue consumed by the credit ledger.
package domain

import (
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/creditline/internal/errs"
)

// AccessTier is an ordinal permission level: none < standard < premium < all.
type AccessTier string

const (
	AccessTierNone     AccessTier = "none"
	AccessTierStandard AccessTier = "standard"
	AccessTierPremium  AccessTier = "premium"
	AccessTierAll      AccessTier = "all"
)

// Rank orders tiers. Unknown tiers rank below none.
func (t AccessTier) Rank() int {
	switch t {
	case AccessTierNone:
		return 0
	case AccessTierStandard:
		return 1
	case AccessTierPremium:
		return 2
	case AccessTierAll:
		return 3
	default:
		return -1
	}
}

// Covers reports whether t grants access to resources requiring min.
func (t AccessTier) Covers(min AccessTier) bool {
	return t.Rank() >= min.Rank()
}

type BillingPeriod string

const (
	BillingPeriodMonthly BillingPeriod = "monthly"
	BillingPeriodAnnual  BillingPeriod = "annual"
)

var ErrInvalidBillingPeriod = errs.New(errs.ErrInvalidState, "invalid_billing_period")

func ParseBillingPeriod(raw string) (BillingPeriod, error) {
	switch BillingPeriod(strings.ToLower(strings.TrimSpace(raw))) {
	case BillingPeriodMonthly:
		return BillingPeriodMonthly, nil
	case BillingPeriodAnnual, "yearly":
		return BillingPeriodAnnual, nil
	default:
		return "", ErrInvalidBillingPeriod
	}
}

// NextPeriodEnd returns the end of a period starting at start.
func (p BillingPeriod) NextPeriodEnd(start time.Time) time.Time {
	if p == BillingPeriodAnnual {
		return start.AddDate(1, 0, 0)
	}
	return start.AddDate(0, 1, 0)
}

// Plan is an immutable-per-version pricing and credit policy record.
type Plan struct {
	ID              snowflake.ID `gorm:"primaryKey"`
	Code            string       `gorm:"type:text;not null;uniqueIndex"`
	Name            string       `gorm:"type:text;not null"`
	PriceMonthly    float64      `gorm:"not null;default:0"`
	PriceAnnual     float64      `gorm:"not null;default:0"`
	MonthlyCredits  int          `gorm:"not null;default:0"`
	RolloverEnabled bool         `gorm:"not null;default:false"`
	MaxRollover     int          `gorm:"not null;default:0"`
	AccessTier      AccessTier   `gorm:"type:text;not null"`
	TrialDays       int          `gorm:"not null;default:0"`
	CreatedAt       time.Time    `gorm:"not null"`
	UpdatedAt       time.Time    `gorm:"not null"`
}

// TableName sets the database table name.
func (Plan) TableName() string { return "plans" }

// PriceFor returns the list price charged per billing period.
func (p Plan) PriceFor(period BillingPeriod) float64 {
	if period == BillingPeriodAnnual {
		return p.PriceAnnual
	}
	return p.PriceMonthly
}

func (p Plan) IsFree(period BillingPeriod) bool {
	return p.PriceFor(period) <= 0
}

func (p Plan) HasTrial() bool {
	return p.TrialDays > 0
}
