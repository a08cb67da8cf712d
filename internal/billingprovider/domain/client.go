// Package domain defines the billing provider contract the lifecycle and the
// reconciler depend on, independent of any concrete provider SDK.
package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/creditline/internal/errs"
)

// Metadata keys written on checkout sessions and provider subscriptions.
const (
	MetadataUserID        = "user_id"
	MetadataPlanID        = "plan_id"
	MetadataBillingPeriod = "billing_period"
)

var (
	ErrPriceNotConfigured    = errs.New(errs.ErrExternalConfiguration, "provider_price_not_configured")
	ErrProviderNotEnabled    = errs.New(errs.ErrExternalConfiguration, "provider_not_configured")
	ErrInvalidSignature      = errs.New(errs.ErrInvalidState, "invalid_webhook_signature")
	ErrMalformedNotification = errs.New(errs.ErrInvalidState, "malformed_notification")
)

type Customer struct {
	UserID snowflake.ID
	Email  string
}

type CheckoutRequest struct {
	CustomerID string
	PriceID    string
	Metadata   map[string]string
	SuccessURL string
	CancelURL  string
	TrialDays  int
}

type CheckoutSession struct {
	ID  string
	URL string
}

// SubscriptionPatch changes only the fields that are set.
type SubscriptionPatch struct {
	PriceID           *string
	CancelAtPeriodEnd *bool
	// PauseCollection pauses (true) or resumes (false) invoice collection.
	PauseCollection *bool
}

// SubscriptionView is the provider's snapshot of a subscription.
type SubscriptionView struct {
	ID                 string
	CustomerID         string
	Status             string
	PriceID            string
	CurrentPeriodStart *time.Time
	CurrentPeriodEnd   *time.Time
	CancelAtPeriodEnd  bool
	TrialEnd           *time.Time
	Metadata           map[string]string
}

// Client is the thin provider surface. Calls are made outside database
// transactions.
type Client interface {
	Name() string
	EnsureCustomer(ctx context.Context, customer Customer) (string, error)
	CreateCheckoutSession(ctx context.Context, req CheckoutRequest) (CheckoutSession, error)
	UpdateSubscription(ctx context.Context, externalID string, patch SubscriptionPatch) error
	CancelSubscription(ctx context.Context, externalID string) error
	GetSubscription(ctx context.Context, externalID string) (SubscriptionView, error)
}

// PriceResolver maps a plan and period to the provider price id.
type PriceResolver interface {
	PriceID(planCode string, period string) (string, error)
}
