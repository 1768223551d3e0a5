package migration

import (
	"fmt"
	"strings"

	"github.com/smallbiznis/entitle/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("migrations",
	fx.Invoke(func(conn *gorm.DB, cfg config.Config, log *zap.Logger) error {
		switch strings.ToLower(strings.TrimSpace(cfg.DBType)) {
		case "sqlite":
			if err := ApplySQLite(conn); err != nil {
				return err
			}
		case "postgres":
			sqlDB, err := conn.DB()
			if err != nil {
				return err
			}
			if err := RunMigrations(sqlDB); err != nil {
				return err
			}
		default:
			return fmt.Errorf("migrations: unsupported database type %q", cfg.DBType)
		}
		log.Info("schema ready", zap.String("type", cfg.DBType))
		return nil
	}),
)
