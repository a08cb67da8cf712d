package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	subscriptiondomain "github.com/smallbiznis/creditline/internal/subscription/domain"
	"gorm.io/gorm"
)

// Reference describes what a deduction or refund is for.
type Reference struct {
	ResourceID  *snowflake.ID
	Description string
}

type GrantResult struct {
	SubscriptionID snowflake.ID
	Carried        int
	Expired        int
	Granted        int
	Balance        int
	PeriodStart    time.Time
	PeriodEnd      time.Time
}

type SpendResult struct {
	Grant            *AccessGrant
	CreditsCharged   int
	CreditsRemaining int
}

type ListRequest struct {
	UserID snowflake.ID
	Cursor string
	Limit  int
}

type CreditHistoryPage struct {
	Items       []*CreditTransaction
	NextCursor  string
	HasNextPage bool
}

type AccessHistoryPage struct {
	Items       []*AccessGrant
	NextCursor  string
	HasNextPage bool
}

// Service is the credit engine. Every mutation runs in a serializable
// transaction holding the subscription row lock.
type Service interface {
	Deduct(ctx context.Context, subscriptionID snowflake.ID, amount int, ref Reference) (*CreditTransaction, error)
	Refund(ctx context.Context, subscriptionID snowflake.ID, amount int, ref Reference) (*CreditTransaction, error)
	GrantMonthly(ctx context.Context, subscriptionID snowflake.ID) (GrantResult, error)
	SpendCreditsForResource(ctx context.Context, userID, resourceID snowflake.ID) (SpendResult, error)
	ListCreditHistory(ctx context.Context, req ListRequest) (CreditHistoryPage, error)
	ListAccessHistory(ctx context.Context, req ListRequest) (AccessHistoryPage, error)
}

// Ledger lets the subscription lifecycle write entries inside its own
// transaction. Callers must already hold the subscription row lock.
type Ledger interface {
	// OpenBalance records the allotment a new subscription starts with.
	OpenBalance(ctx context.Context, tx *gorm.DB, sub *subscriptiondomain.Subscription) (*CreditTransaction, error)
	// AdjustBalance applies delta floored at zero and persists the new
	// balance. It returns nil when the applied change is zero.
	AdjustBalance(ctx context.Context, tx *gorm.DB, sub *subscriptiondomain.Subscription, delta int, description string) (*CreditTransaction, error)
	SetAccessGrantsActive(ctx context.Context, tx *gorm.DB, subscriptionID snowflake.ID, active bool) (int64, error)
}
