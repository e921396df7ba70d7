package storage

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"resume-feedback/internal/config"
)

// Storage 存储管理器，聚合所有存储相关依赖
type Storage struct {
	// 对象存储，minio 或 s3
	Objects ObjectStore

	// 关系型数据库
	MySQL *MySQL

	// 键值存储，未配置时为 nil，上传锁退化为进程内检查
	Redis *Redis

	// 事件发布，未启用时为 nil
	RabbitMQ *RabbitMQ
}

// NewObjectStore 根据 driver 创建对象存储客户端
func NewObjectStore(ctx context.Context, cfg *config.StorageConfig, logger *zerolog.Logger) (ObjectStore, error) {
	switch strings.ToLower(cfg.Driver) {
	case "", "minio":
		return NewMinIO(ctx, cfg, logger)
	case "s3":
		return NewS3(ctx, cfg, logger)
	default:
		return nil, fmt.Errorf("未知的对象存储驱动: %s", cfg.Driver)
	}
}

// NewStorage 创建存储管理器。对象存储和MySQL必须可用，Redis和RabbitMQ失败时只记录警告
func NewStorage(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) (*Storage, error) {
	if cfg == nil {
		return nil, fmt.Errorf("配置不能为空")
	}
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}

	storage := &Storage{}
	var err error
	var initErrors []string

	storage.Objects, err = NewObjectStore(ctx, &cfg.Storage, logger)
	if err != nil {
		return nil, fmt.Errorf("初始化对象存储失败: %w", err)
	}

	storage.MySQL, err = NewMySQL(&cfg.MySQL, logger)
	if err != nil {
		return nil, fmt.Errorf("初始化MySQL失败: %w", err)
	}

	// 初始化Redis (如果配置了)
	if cfg.Redis.Address != "" {
		logger.Info().Str("address", cfg.Redis.Address).Msg("初始化Redis...")
		storage.Redis, err = NewRedisAdapter(&cfg.Redis)
		if err != nil {
			logger.Warn().Err(err).Msg("初始化Redis失败")
			initErrors = append(initErrors, fmt.Sprintf("Redis: %v", err))
		}
	} else {
		logger.Info().Msg("Redis未配置, 跳过初始化")
	}

	// 初始化RabbitMQ（如果启用）
	if cfg.RabbitMQ.Enabled && cfg.RabbitMQ.URL != "" {
		storage.RabbitMQ, err = NewRabbitMQ(&cfg.RabbitMQ, logger)
		if err != nil {
			logger.Warn().Err(err).Msg("初始化RabbitMQ失败")
			initErrors = append(initErrors, fmt.Sprintf("RabbitMQ: %v", err))
		}
	}

	if len(initErrors) > 0 {
		logger.Warn().Str("failed", strings.Join(initErrors, "; ")).Msg("以下可选存储组件初始化失败")
	}
	return storage, nil
}

// Close 关闭所有连接
func (s *Storage) Close(logger *zerolog.Logger) {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	if s.RabbitMQ != nil {
		if err := s.RabbitMQ.Close(); err != nil {
			logger.Error().Err(err).Msg("关闭RabbitMQ连接失败")
		}
	}
	if s.MySQL != nil {
		if err := s.MySQL.Close(); err != nil {
			logger.Error().Err(err).Msg("关闭MySQL连接失败")
		}
	}
	if s.Redis != nil {
		if err := s.Redis.Close(); err != nil {
			logger.Error().Err(err).Msg("关闭Redis连接失败")
		}
	}
	// 对象存储客户端基于 http.Client，无需显式关闭
}
