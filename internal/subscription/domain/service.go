package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	plandomain "github.com/smallbiznis/creditline/internal/plan/domain"
)

type SubscribeRequest struct {
	UserID        snowflake.ID
	PlanID        snowflake.ID
	BillingPeriod plandomain.BillingPeriod
	Email         string
	// SuccessURL and CancelURL override the configured checkout redirects.
	SuccessURL string
	CancelURL  string
}

// SubscribeResult carries the new subscription for free plans, or a hosted
// checkout URL for priced plans. Exactly one of the two is set.
type SubscribeResult struct {
	Subscription *Subscription
	CheckoutURL  string
	CheckoutID   string
}

type ChangePlanRequest struct {
	UserID    snowflake.ID
	NewPlanID snowflake.ID
	// BillingPeriod keeps the current period when empty.
	BillingPeriod plandomain.BillingPeriod
}

// Service is the user-facing subscription lifecycle.
type Service interface {
	Subscribe(ctx context.Context, req SubscribeRequest) (SubscribeResult, error)
	GetActiveSubscription(ctx context.Context, userID snowflake.ID) (*Subscription, error)
	ChangePlan(ctx context.Context, req ChangePlanRequest) (*Subscription, error)
	Cancel(ctx context.Context, userID snowflake.ID, immediate bool) (*Subscription, error)
	Pause(ctx context.Context, userID snowflake.ID) (*Subscription, error)
	Resume(ctx context.Context, userID snowflake.ID) (*Subscription, error)
}

// CheckoutActivation describes a completed provider checkout.
type CheckoutActivation struct {
	ExternalID         string
	ExternalCustomerID string
	UserID             snowflake.ID
	PlanID             snowflake.ID
	BillingPeriod      plandomain.BillingPeriod
	Status             SubscriptionStatus
	PeriodStart        *time.Time
	PeriodEnd          *time.Time
	TrialEndsAt        *time.Time
	OccurredAt         time.Time
}

// ProviderSync is a provider-reported snapshot of an existing subscription.
type ProviderSync struct {
	SubscriptionID    snowflake.ID
	Status            SubscriptionStatus
	PeriodStart       *time.Time
	PeriodEnd         *time.Time
	CancelAtPeriodEnd bool
	OccurredAt        time.Time
}

// Transitions are the lifecycle moves driven by provider notifications and
// the renewal sweep rather than by the subscriber.
type Transitions interface {
	FindByExternalID(ctx context.Context, externalID string) (*Subscription, error)
	// ActivateFromCheckout is idempotent by external id. The bool reports
	// whether a new subscription was created.
	ActivateFromCheckout(ctx context.Context, in CheckoutActivation) (*Subscription, bool, error)
	// SyncFromProvider applies the snapshot unless it is older than the last
	// one applied; the bool reports whether anything changed.
	SyncFromProvider(ctx context.Context, in ProviderSync) (*Subscription, bool, error)
	Lapse(ctx context.Context, subscriptionID snowflake.ID) (*Subscription, error)
	Reactivate(ctx context.Context, subscriptionID snowflake.ID) (*Subscription, error)
	MarkPastDue(ctx context.Context, subscriptionID snowflake.ID) (*Subscription, error)
}
