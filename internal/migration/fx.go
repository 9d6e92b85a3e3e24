package migration

import (
	"context"

	"github.com/smallbiznis/escrow/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("migrations",
	fx.Invoke(func(conn *gorm.DB, cfg config.Config, log *zap.Logger) error {
		if !cfg.MigrateOnStart {
			log.Info("schema migrations skipped", zap.String("dialect", conn.Dialector.Name()))
			return nil
		}
		if conn.Dialector.Name() == "mysql" {
			log.Warn("schema migrations are managed externally for mysql")
			return nil
		}
		if err := Migrate(context.Background(), conn); err != nil {
			return err
		}
		log.Info("schema migrations applied", zap.String("dialect", conn.Dialector.Name()))
		return nil
	}),
)
