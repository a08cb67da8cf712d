package repository

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	subscriptiondomain "github.com/smallbiznis/creditline/internal/subscription/domain"
	"github.com/smallbiznis/creditline/pkg/db"
	"github.com/smallbiznis/creditline/pkg/repository"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct {
	subscriptions repository.Repository[subscriptiondomain.Subscription]
	customers     repository.Repository[subscriptiondomain.BillingCustomer]
}

func Provide() subscriptiondomain.Repository {
	return &repo{
		subscriptions: repository.ProvideStore[subscriptiondomain.Subscription](),
		customers:     repository.ProvideStore[subscriptiondomain.BillingCustomer](),
	}
}

func (r *repo) FindByID(ctx context.Context, conn *gorm.DB, id snowflake.ID) (*subscriptiondomain.Subscription, error) {
	return r.subscriptions.FindByID(ctx, conn, id)
}

func (r *repo) FindByIDForUpdate(ctx context.Context, conn *gorm.DB, id snowflake.ID) (*subscriptiondomain.Subscription, error) {
	return r.subscriptions.FindByID(ctx, db.ForUpdate(conn), id)
}

func (r *repo) FindByExternalID(ctx context.Context, conn *gorm.DB, externalID string) (*subscriptiondomain.Subscription, error) {
	externalID = strings.TrimSpace(externalID)
	if externalID == "" {
		return nil, nil
	}
	return r.subscriptions.FindOne(ctx, conn, "external_id = ?", externalID)
}

func (r *repo) FindLiveByUserID(ctx context.Context, conn *gorm.DB, userID snowflake.ID) (*subscriptiondomain.Subscription, error) {
	return r.subscriptions.FindOne(ctx, conn, "user_id = ? AND status IN ?", userID, subscriptiondomain.LiveStatuses)
}

func (r *repo) ListDueForRenewal(ctx context.Context, conn *gorm.DB, now time.Time, afterID snowflake.ID, limit int) ([]subscriptiondomain.Subscription, error) {
	var items []subscriptiondomain.Subscription
	err := conn.WithContext(ctx).
		Where("status IN ?", subscriptiondomain.RenewableStatuses).
		Where("current_period_end <= ?", now).
		Where("id > ?", afterID).
		Order("id ASC").
		Limit(limit).
		Find(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) Insert(ctx context.Context, conn *gorm.DB, sub *subscriptiondomain.Subscription) error {
	return r.subscriptions.Create(ctx, conn, sub)
}

func (r *repo) UpdateFields(ctx context.Context, conn *gorm.DB, id snowflake.ID, fields map[string]any) error {
	affected, err := r.subscriptions.UpdateFields(ctx, conn, id, fields)
	if err != nil {
		return err
	}
	if affected == 0 && len(fields) > 0 {
		return subscriptiondomain.ErrSubscriptionNotFound
	}
	return nil
}

func (r *repo) FindBillingCustomer(ctx context.Context, conn *gorm.DB, userID snowflake.ID, provider string) (*subscriptiondomain.BillingCustomer, error) {
	return r.customers.FindOne(ctx, conn, "user_id = ? AND provider = ?", userID, provider)
}

func (r *repo) InsertBillingCustomer(ctx context.Context, conn *gorm.DB, customer *subscriptiondomain.BillingCustomer) error {
	return conn.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(customer).Error
}
