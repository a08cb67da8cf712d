// Package domain holds the record of provider notifications already seen.
package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	billingdomain "github.com/smallbiznis/creditline/internal/billingprovider/domain"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Outcome is what a notification did to local state.
type Outcome string

const (
	// OutcomeApplied changed a subscription or the ledger.
	OutcomeApplied Outcome = "applied"
	// OutcomeNoop was valid but already reflected locally.
	OutcomeNoop Outcome = "noop"
	// OutcomeIgnored was malformed, unknown or referred to nothing we hold.
	OutcomeIgnored Outcome = "ignored"
	// OutcomeDuplicate was a redelivery of a processed notification.
	OutcomeDuplicate Outcome = "duplicate"
)

type ProcessedEvent struct {
	ID              snowflake.ID   `gorm:"primaryKey"`
	Provider        string         `gorm:"type:text;not null;uniqueIndex:ux_processed_events_provider_event,priority:1"`
	ProviderEventID string         `gorm:"type:text;not null;uniqueIndex:ux_processed_events_provider_event,priority:2"`
	EventType       string         `gorm:"type:text;not null"`
	Payload         datatypes.JSON `gorm:"not null"`
	Outcome         string         `gorm:"type:text"`
	ReceivedAt      time.Time      `gorm:"not null"`
	ProcessedAt     *time.Time
}

func (ProcessedEvent) TableName() string { return "processed_events" }

type Repository interface {
	FindEvent(ctx context.Context, db *gorm.DB, provider, providerEventID string) (*ProcessedEvent, error)
	// InsertEvent reports false when the event was already recorded.
	InsertEvent(ctx context.Context, db *gorm.DB, event *ProcessedEvent) (bool, error)
	MarkProcessed(ctx context.Context, db *gorm.DB, id snowflake.ID, outcome Outcome, processedAt time.Time) error
}

// Service applies provider notifications to subscriptions and the ledger.
// Delivering the same notification twice has the effect of delivering it
// once.
type Service interface {
	Handle(ctx context.Context, n billingdomain.Notification) (Outcome, error)
}
