package storage

import (
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/Gopher0727/Cloak/config"
)

// InitPostgres 初始化 PostgreSQL 连接并迁移给定模型
func InitPostgres(cfg config.PostgresConfig, log *zap.Logger, models ...any) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(cfg.DSN()), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
		// 时间戳统一为 UTC
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		log.Error("连接数据库失败", zap.String("host", cfg.Host), zap.Error(err))
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	// 获取底层 sql.DB 对象以设置连接池
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("get sql.DB: %w", err)
	}
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if len(models) > 0 {
		if err := db.AutoMigrate(models...); err != nil {
			log.Error("模型迁移失败", zap.Error(err))
			return nil, fmt.Errorf("migrate: %w", err)
		}
	}

	log.Info("postgres connected", zap.String("host", cfg.Host), zap.String("db", cfg.DBName))
	return db, nil
}
