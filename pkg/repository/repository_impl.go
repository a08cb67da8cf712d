package repository

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type store[T any] struct{}

func ProvideStore[T any]() Repository[T] {
	return &store[T]{}
}

func (r *store[T]) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*T, error) {
	return r.FindOne(ctx, db, "id = ?", id)
}

func (r *store[T]) FindOne(ctx context.Context, db *gorm.DB, query string, args ...any) (*T, error) {
	var result T
	err := db.WithContext(ctx).Where(query, args...).Take(&result).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &result, nil
}

func (r *store[T]) Create(ctx context.Context, db *gorm.DB, resource *T) error {
	return db.WithContext(ctx).Create(resource).Error
}

func (r *store[T]) Save(ctx context.Context, db *gorm.DB, resource *T) error {
	return db.WithContext(ctx).Save(resource).Error
}

func (r *store[T]) UpdateFields(ctx context.Context, db *gorm.DB, id snowflake.ID, fields map[string]any) (int64, error) {
	if len(fields) == 0 {
		return 0, nil
	}
	result := db.WithContext(ctx).Model(new(T)).Where("id = ?", id).Updates(fields)
	return result.RowsAffected, result.Error
}
