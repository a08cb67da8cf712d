package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// Repository lookups return nil, nil when nothing matches.
type Repository interface {
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Subscription, error)
	// FindByIDForUpdate locks the row until the enclosing transaction ends.
	FindByIDForUpdate(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Subscription, error)
	FindByExternalID(ctx context.Context, db *gorm.DB, externalID string) (*Subscription, error)
	FindLiveByUserID(ctx context.Context, db *gorm.DB, userID snowflake.ID) (*Subscription, error)
	// ListDueForRenewal pages renewable subscriptions whose period ended at or
	// before now, ordered by id and strictly after afterID.
	ListDueForRenewal(ctx context.Context, db *gorm.DB, now time.Time, afterID snowflake.ID, limit int) ([]Subscription, error)
	Insert(ctx context.Context, db *gorm.DB, sub *Subscription) error
	UpdateFields(ctx context.Context, db *gorm.DB, id snowflake.ID, fields map[string]any) error

	FindBillingCustomer(ctx context.Context, db *gorm.DB, userID snowflake.ID, provider string) (*BillingCustomer, error)
	InsertBillingCustomer(ctx context.Context, db *gorm.DB, customer *BillingCustomer) error
}
