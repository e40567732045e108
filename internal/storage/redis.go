// Package storage opens connections to the shared backing services.
package storage

import (
	"context"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/Gopher0727/Cloak/config"
)

// InitRedis 初始化 Redis 连接，连接失败时返回错误
func InitRedis(ctx context.Context, cfg config.RedisConfig, log *zap.Logger) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr(),
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,     // 最大连接数
		MinIdleConns: cfg.MinIdleConns, // 最小空闲连接数
	})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		log.Error("连接 Redis 失败", zap.String("addr", cfg.Addr()), zap.Error(err))
		_ = client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", cfg.Addr(), err)
	}

	log.Info("redis connected", zap.String("addr", cfg.Addr()))
	return client, nil
}
