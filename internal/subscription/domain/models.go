// Package domain contains persistence models and contracts for subscriptions.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	plandomain "github.com/smallbiznis/creditline/internal/plan/domain"
)

// SubscriptionStatus represents lifecycle states for a subscription.
type SubscriptionStatus string

const (
	SubscriptionStatusTrialing SubscriptionStatus = "TRIALING"
	SubscriptionStatusActive   SubscriptionStatus = "ACTIVE"
	SubscriptionStatusPastDue  SubscriptionStatus = "PAST_DUE"
	SubscriptionStatusPaused   SubscriptionStatus = "PAUSED"
	SubscriptionStatusCanceled SubscriptionStatus = "CANCELED"
	SubscriptionStatusExpired  SubscriptionStatus = "EXPIRED"
)

// LiveStatuses hold at most one subscription per user.
var LiveStatuses = []SubscriptionStatus{
	SubscriptionStatusTrialing,
	SubscriptionStatusActive,
	SubscriptionStatusPastDue,
	SubscriptionStatusPaused,
}

// RenewableStatuses are swept by the renewal scheduler.
var RenewableStatuses = []SubscriptionStatus{
	SubscriptionStatusActive,
	SubscriptionStatusTrialing,
}

func (s SubscriptionStatus) IsLive() bool {
	switch s {
	case SubscriptionStatusTrialing, SubscriptionStatusActive, SubscriptionStatusPastDue, SubscriptionStatusPaused:
		return true
	default:
		return false
	}
}

func (s SubscriptionStatus) IsTerminal() bool {
	return s == SubscriptionStatusCanceled || s == SubscriptionStatusExpired
}

// CanSpend reports whether credits may be consumed in this state.
func (s SubscriptionStatus) CanSpend() bool {
	return s == SubscriptionStatusActive || s == SubscriptionStatusTrialing
}

// Subscription is one subscriber's billing relationship and cached balance.
// CreditsRemaining always equals the balance recorded on the latest ledger entry.
type Subscription struct {
	ID                    snowflake.ID             `gorm:"primaryKey"`
	UserID                snowflake.ID             `gorm:"not null;index;uniqueIndex:ux_subscriptions_live_user,where:status <> 'CANCELED' AND status <> 'EXPIRED'"`
	PlanID                snowflake.ID             `gorm:"not null;index"`
	Status                SubscriptionStatus       `gorm:"type:text;not null;index"`
	BillingPeriod         plandomain.BillingPeriod `gorm:"type:text;not null"`
	CurrentPeriodStart    time.Time                `gorm:"not null"`
	CurrentPeriodEnd      time.Time                `gorm:"not null;index"`
	CreditsRemaining      int                      `gorm:"not null"`
	CreditsUsedThisPeriod int                      `gorm:"not null"`
	LifetimeCreditsUsed   int                      `gorm:"not null"`
	RolloverCredits       int                      `gorm:"not null"`
	CancelAtPeriodEnd     bool                     `gorm:"not null"`
	PausedAt              *time.Time
	TrialEndsAt           *time.Time
	CanceledAt            *time.Time
	LastGrantedAt         *time.Time
	ExternalID            *string `gorm:"type:text;uniqueIndex"`
	ExternalCustomerID    *string `gorm:"type:text"`
	ProviderSyncedAt      *time.Time
	CreatedAt             time.Time `gorm:"not null"`
	UpdatedAt             time.Time `gorm:"not null"`
}

// TableName sets the database table name.
func (Subscription) TableName() string { return "subscriptions" }

func (s Subscription) HasExternal() bool {
	return s.ExternalID != nil && *s.ExternalID != ""
}

// GrantAnchor is the instant the current credit allotment was granted.
func (s Subscription) GrantAnchor() time.Time {
	if s.LastGrantedAt != nil {
		return *s.LastGrantedAt
	}
	return s.CurrentPeriodStart
}

// RenewalDue reports whether the current allotment can be closed at now.
// That holds once the period end is within early of now, once a trial has
// run out, or once the provider has rolled the period past the last grant.
func (s Subscription) RenewalDue(now time.Time, early time.Duration) bool {
	if !now.Before(s.CurrentPeriodEnd.Add(-early)) {
		return true
	}
	if s.Status == SubscriptionStatusTrialing && s.TrialEndsAt != nil && !now.Before(*s.TrialEndsAt) {
		return true
	}
	return s.LastGrantedAt != nil && s.CurrentPeriodStart.After(s.LastGrantedAt.Add(early))
}

// BillingCustomer caches the provider customer created for a user.
type BillingCustomer struct {
	ID                 snowflake.ID `gorm:"primaryKey"`
	UserID             snowflake.ID `gorm:"not null;uniqueIndex:ux_billing_customers_user_provider,priority:1"`
	Provider           string       `gorm:"type:text;not null;uniqueIndex:ux_billing_customers_user_provider,priority:2"`
	ExternalCustomerID string       `gorm:"type:text;not null"`
	CreatedAt          time.Time    `gorm:"not null"`
}

// TableName sets the database table name.
func (BillingCustomer) TableName() string { return "billing_customers" }
