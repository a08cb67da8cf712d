// Package domain contains the credit ledger models and contracts.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	plandomain "github.com/smallbiznis/creditline/internal/plan/domain"
	"gorm.io/datatypes"
)

// TransactionType classifies a ledger entry.
type TransactionType string

const (
	TransactionTypeGrant    TransactionType = "grant"
	TransactionTypeUsed     TransactionType = "used"
	TransactionTypeRollover TransactionType = "rollover"
	TransactionTypeExpired  TransactionType = "expired"
	TransactionTypeBonus    TransactionType = "bonus"
	TransactionTypeRefund   TransactionType = "refund"
)

// CreditTransaction is an append-only ledger entry. Balance is the
// subscription balance right after this entry was applied.
type CreditTransaction struct {
	ID             snowflake.ID    `gorm:"primaryKey"`
	SubscriptionID snowflake.ID    `gorm:"not null;index:idx_credit_transactions_subscription_created,priority:1"`
	Type           TransactionType `gorm:"type:text;not null"`
	Amount         int             `gorm:"not null"`
	Balance        int             `gorm:"not null"`
	ResourceID     *snowflake.ID   `gorm:"index"`
	Description    string          `gorm:"type:text;not null"`
	IdempotencyKey *string         `gorm:"type:text;uniqueIndex"`
	Metadata       datatypes.JSONMap
	CreatedAt      time.Time `gorm:"not null;index:idx_credit_transactions_subscription_created,priority:2"`
}

// TableName sets the database table name.
func (CreditTransaction) TableName() string { return "credit_transactions" }

// AccessGrant records a credit-funded access to a resource.
type AccessGrant struct {
	ID             snowflake.ID `gorm:"primaryKey"`
	SubscriptionID snowflake.ID `gorm:"not null;index"`
	UserID         snowflake.ID `gorm:"not null;index:idx_access_grants_user_resource,priority:1"`
	ResourceID     snowflake.ID `gorm:"not null;index:idx_access_grants_user_resource,priority:2"`
	CreditsCharged int          `gorm:"not null"`
	IssuedAt       time.Time    `gorm:"not null"`
	ExpiresAt      *time.Time
	Active         bool      `gorm:"not null"`
	CreatedAt      time.Time `gorm:"not null"`
	UpdatedAt      time.Time `gorm:"not null"`
}

// TableName sets the database table name.
func (AccessGrant) TableName() string { return "access_grants" }

// Resource is a priced item subscribers can spend credits on.
type Resource struct {
	ID        snowflake.ID          `gorm:"primaryKey"`
	Name      string                `gorm:"type:text;not null"`
	Price     float64               `gorm:"not null"`
	MinTier   plandomain.AccessTier `gorm:"type:text;not null"`
	CreatedAt time.Time             `gorm:"not null"`
	UpdatedAt time.Time             `gorm:"not null"`
}

// TableName sets the database table name.
func (Resource) TableName() string { return "resources" }
