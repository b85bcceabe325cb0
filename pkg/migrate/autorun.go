package migrate

import (
	"context"
	"fmt"

	"github.com/angelmondragon/ringorder-backend/pkg/config"
	"github.com/angelmondragon/ringorder-backend/pkg/db"
	"github.com/angelmondragon/ringorder-backend/pkg/db/models"
	"github.com/angelmondragon/ringorder-backend/pkg/logger"
)

// pipelineModels are the tables AutoMigrateModels manages, in dependency
// order.
var pipelineModels = []any{
	&models.Order{},
	&models.LedgerEntry{},
	&models.OutboxEvent{},
	&models.OutboxDLQ{},
}

// MaybeRunDev migrates on boot only in dev with RINGORDER_AUTO_MIGRATE set.
// The goose files are Postgres SQL, so sqlite is migrated from the models.
func MaybeRunDev(ctx context.Context, cfg *config.Config, logg *logger.Logger, client *db.Client) error {
	if !cfg.App.IsDev() || !cfg.FeatureFlags.AutoMigrate {
		return nil
	}
	if client.Dialect() == db.DialectSQLite {
		return AutoMigrateModels(ctx, logg, client)
	}

	sqlDB, err := client.SQL()
	if err != nil {
		return fmt.Errorf("sql handle: %w", err)
	}
	if logg != nil {
		logg.Info(ctx, "migrate.dev_up")
	}
	return Run(ctx, sqlDB, "", "up", nil)
}

// AutoMigrateModels creates or widens the pipeline tables from the gorm
// models. It never drops columns.
func AutoMigrateModels(ctx context.Context, logg *logger.Logger, client *db.Client) error {
	if err := client.DB().WithContext(ctx).AutoMigrate(pipelineModels...); err != nil {
		return fmt.Errorf("auto-migrate models: %w", err)
	}
	if logg != nil {
		logg.Info(logg.WithField(ctx, "tables", len(pipelineModels)), "migrate.models_synced")
	}
	return nil
}
