package repository

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	creditdomain "github.com/smallbiznis/creditline/internal/credit/domain"
	"github.com/smallbiznis/creditline/pkg/db/pagination"
	"github.com/smallbiznis/creditline/pkg/repository"
	"gorm.io/gorm"
)

type repo struct {
	resources repository.Repository[creditdomain.Resource]
}

func Provide() creditdomain.Repository {
	return &repo{resources: repository.ProvideStore[creditdomain.Resource]()}
}

func (r *repo) InsertTransactions(ctx context.Context, db *gorm.DB, entries []creditdomain.CreditTransaction) error {
	if len(entries) == 0 {
		return nil
	}
	return db.WithContext(ctx).Create(&entries).Error
}

func (r *repo) ListTransactionsByUser(ctx context.Context, db *gorm.DB, userID snowflake.ID, cursor *pagination.Cursor, limit int) ([]*creditdomain.CreditTransaction, error) {
	q := db.WithContext(ctx).
		Model(&creditdomain.CreditTransaction{}).
		Where("subscription_id IN (?)", db.Table("subscriptions").Select("id").Where("user_id = ?", userID))
	q, err := pagination.ApplyDescending(q, cursor, limit)
	if err != nil {
		return nil, err
	}

	var items []*creditdomain.CreditTransaction
	if err := q.Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) FindActiveGrant(ctx context.Context, db *gorm.DB, userID, resourceID snowflake.ID, at time.Time) (*creditdomain.AccessGrant, error) {
	var grant creditdomain.AccessGrant
	err := db.WithContext(ctx).
		Where("user_id = ? AND resource_id = ? AND active = ?", userID, resourceID, true).
		Where("expires_at IS NULL OR expires_at > ?", at).
		Order("created_at DESC").
		Take(&grant).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &grant, nil
}

func (r *repo) InsertGrant(ctx context.Context, db *gorm.DB, grant *creditdomain.AccessGrant) error {
	return db.WithContext(ctx).Create(grant).Error
}

func (r *repo) SetGrantsActiveBySubscription(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID, active bool, at time.Time) (int64, error) {
	result := db.WithContext(ctx).
		Model(&creditdomain.AccessGrant{}).
		Where("subscription_id = ? AND active = ?", subscriptionID, !active).
		Updates(map[string]any{"active": active, "updated_at": at})
	return result.RowsAffected, result.Error
}

func (r *repo) ListGrantsByUser(ctx context.Context, db *gorm.DB, userID snowflake.ID, cursor *pagination.Cursor, limit int) ([]*creditdomain.AccessGrant, error) {
	q := db.WithContext(ctx).Model(&creditdomain.AccessGrant{}).Where("user_id = ?", userID)
	q, err := pagination.ApplyDescending(q, cursor, limit)
	if err != nil {
		return nil, err
	}

	var items []*creditdomain.AccessGrant
	if err := q.Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) FindResource(ctx context.Context, db *gorm.DB, id snowflake.ID) (*creditdomain.Resource, error) {
	return r.resources.FindByID(ctx, db, id)
}
