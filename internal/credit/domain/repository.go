package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/creditline/pkg/db/pagination"
	"gorm.io/gorm"
)

// Repository lookups return nil, nil when nothing matches.
type Repository interface {
	InsertTransactions(ctx context.Context, db *gorm.DB, entries []CreditTransaction) error
	// ListTransactionsByUser pages entries of every subscription the user held.
	ListTransactionsByUser(ctx context.Context, db *gorm.DB, userID snowflake.ID, cursor *pagination.Cursor, limit int) ([]*CreditTransaction, error)

	// FindActiveGrant skips grants that expired before at.
	FindActiveGrant(ctx context.Context, db *gorm.DB, userID, resourceID snowflake.ID, at time.Time) (*AccessGrant, error)
	InsertGrant(ctx context.Context, db *gorm.DB, grant *AccessGrant) error
	SetGrantsActiveBySubscription(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID, active bool, at time.Time) (int64, error)
	ListGrantsByUser(ctx context.Context, db *gorm.DB, userID snowflake.ID, cursor *pagination.Cursor, limit int) ([]*AccessGrant, error)

	FindResource(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Resource, error)
}
