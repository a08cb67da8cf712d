package migration

import (
	"github.com/smallbiznis/creditline/internal/config"
	creditdomain "github.com/smallbiznis/creditline/internal/credit/domain"
	plandomain "github.com/smallbiznis/creditline/internal/plan/domain"
	reconcilerdomain "github.com/smallbiznis/creditline/internal/reconciler/domain"
	subscriptiondomain "github.com/smallbiznis/creditline/internal/subscription/domain"
	"github.com/smallbiznis/creditline/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("migrations",
	fx.Invoke(Apply),
)

// Apply brings the schema up to date. Postgres uses the versioned SQL
// files; other dialects fall back to gorm AutoMigrate.
func Apply(conn *gorm.DB, cfg config.Config, log *zap.Logger) error {
	if !cfg.DBRunMigrations {
		return nil
	}
	if !db.IsPostgres(conn) {
		log.Warn("running AutoMigrate for non-postgres database", zap.String("dialect", conn.Dialector.Name()))
		return conn.AutoMigrate(Models()...)
	}

	sqlDB, err := conn.DB()
	if err != nil {
		return err
	}
	version, err := RunMigrations(sqlDB)
	if err != nil {
		return err
	}
	log.Info("schema migrated", zap.Uint("version", version))
	return nil
}

// Models lists every persisted type in dependency order.
func Models() []any {
	return []any{
		&plandomain.Plan{},
		&subscriptiondomain.Subscription{},
		&subscriptiondomain.BillingCustomer{},
		&creditdomain.CreditTransaction{},
		&creditdomain.Resource{},
		&creditdomain.AccessGrant{},
		&reconcilerdomain.ProcessedEvent{},
	}
}
