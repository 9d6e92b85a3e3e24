package db

import (
	"context"
	"fmt"

	"github.com/smallbiznis/escrow/internal/config"
	"github.com/smallbiznis/escrow/internal/observability/logger"
	"github.com/uptrace/opentelemetry-go-extra/otelgorm"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormprometheus "gorm.io/plugin/prometheus"
)

var Module = fx.Module("db",
	fx.Provide(FromConfig),
	fx.Provide(NewDB),
	fx.Provide(NewRedis),
)

// Open connects with the configured dialect, applies pool limits and
// registers the tracing and metrics plugins.
func Open(cfg Config, gormLog *logger.GormLogger) (*gorm.DB, error) {
	dialector, err := Dialect(cfg)
	if err != nil {
		return nil, err
	}

	gormCfg := &gorm.Config{}
	if gormLog != nil {
		gormCfg.Logger = gormLog
	}
	conn, err := gorm.Open(dialector, gormCfg)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", dialector.Name(), err)
	}

	sqlDB, err := conn.DB()
	if err != nil {
		return nil, err
	}
	if cfg.MaxIdleConn > 0 {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConn)
	}
	if cfg.MaxOpenConn > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConn)
	}
	if cfg.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	if cfg.ConnMaxIdleTime > 0 {
		sqlDB.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	}

	if cfg.Plugins {
		if err := usePlugins(conn, cfg); err != nil {
			return nil, err
		}
	}
	return conn, nil
}

func usePlugins(conn *gorm.DB, cfg Config) error {
	name := cfg.Name
	if conn.Dialector.Name() == "sqlite" {
		name = cfg.Path
	}
	if err := conn.Use(otelgorm.NewPlugin(
		otelgorm.WithDBName(name),
		otelgorm.WithoutQueryVariables(),
	)); err != nil {
		return fmt.Errorf("otelgorm: %w", err)
	}
	if err := conn.Use(gormprometheus.New(gormprometheus.Config{
		DBName:          name,
		RefreshInterval: 15,
		StartServer:     false,
		Labels:          map[string]string{"service": "escrow"},
	})); err != nil {
		return fmt.Errorf("gorm prometheus: %w", err)
	}
	return nil
}

// NewDB is the fx provider. The pool is closed on shutdown.
func NewDB(lc fx.Lifecycle, cfg Config, appCfg config.Config, gormCfg logger.GormLoggerConfig, log *zap.Logger) (*gorm.DB, error) {
	conn, err := Open(cfg, logger.NewGormLogger(gormCfg))
	if err != nil {
		return nil, err
	}
	log.Info("database connected",
		zap.String("dialect", conn.Dialector.Name()),
		zap.String("environment", appCfg.Environment),
	)

	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			sqlDB, err := conn.DB()
			if err != nil {
				return err
			}
			return sqlDB.Close()
		},
	})
	return conn, nil
}
