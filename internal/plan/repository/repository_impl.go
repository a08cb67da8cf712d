package repository

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	plandomain "github.com/smallbiznis/creditline/internal/plan/domain"
	"github.com/smallbiznis/creditline/pkg/repository"
	"gorm.io/gorm"
)

type repo struct {
	store repository.Repository[plandomain.Plan]
}

func Provide() plandomain.Repository {
	return &repo{store: repository.ProvideStore[plandomain.Plan]()}
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*plandomain.Plan, error) {
	return r.store.FindByID(ctx, db, id)
}

func (r *repo) FindByCode(ctx context.Context, db *gorm.DB, code string) (*plandomain.Plan, error) {
	return r.store.FindOne(ctx, db, "code = ?", strings.TrimSpace(code))
}
