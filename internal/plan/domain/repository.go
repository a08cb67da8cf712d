package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/creditline/internal/errs"
	"gorm.io/gorm"
)

var ErrPlanNotFound = errs.New(errs.ErrNotFound, "plan_not_found")

// Repository is read-only; plans are maintained outside this service.
type Repository interface {
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Plan, error)
	FindByCode(ctx context.Context, db *gorm.DB, code string) (*Plan, error)
}
