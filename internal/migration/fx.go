package migration

import (
	"github.com/smallbiznis/dojoflow/pkg/db"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

var Module = fx.Module("migrations",
	fx.Invoke(func(conn *gorm.DB, cfg db.Config) error {
		// Embedded migrations target postgres. Other dialects (sqlite in
		// tests) build their schema with AutoMigrate instead.
		if cfg.Type != "postgres" {
			return nil
		}
		sqlDB, err := conn.DB()
		if err != nil {
			return err
		}
		return RunMigrations(sqlDB)
	}),
)
