package migration

import (
	"github.com/smallbiznis/loyalty/internal/config"
	"github.com/smallbiznis/loyalty/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("migrations", fx.Invoke(apply))

// apply runs the versioned SQL on postgres and falls back to gorm auto
// migration for the other dialects.
func apply(conn *gorm.DB, cfg config.Config, log *zap.Logger) error {
	dialect := db.DialectName(cfg)
	if dialect != db.DialectPostgres {
		log.Info("applying schema with auto migrate", zap.String("dialect", dialect))
		return AutoMigrate(conn)
	}

	sqlDB, err := conn.DB()
	if err != nil {
		return err
	}
	version, err := RunMigrations(sqlDB)
	if err != nil {
		return err
	}
	log.Info("schema migrated", zap.String("dialect", dialect), zap.Uint("version", version))
	return nil
}
