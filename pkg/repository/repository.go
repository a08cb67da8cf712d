// Package repository provides the find/save/updateFields primitives shared by
// entity repositories. Every call takes the *gorm.DB to run on so the same
// repository works inside and outside a transaction.
package repository

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository[T any] interface {
	// FindByID returns nil, nil when the row does not exist.
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*T, error)
	FindOne(ctx context.Context, db *gorm.DB, query string, args ...any) (*T, error)
	Create(ctx context.Context, db *gorm.DB, resource *T) error
	Save(ctx context.Context, db *gorm.DB, resource *T) error
	UpdateFields(ctx context.Context, db *gorm.DB, id snowflake.ID, fields map[string]any) (int64, error)
}
