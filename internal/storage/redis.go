package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/extra/redisotel/v9"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"

	"resume-feedback/internal/config"
	"resume-feedback/internal/constants"
	"resume-feedback/internal/tracing"
	"resume-feedback/internal/types"
)

// ErrNotFound is returned when a key is not found in Redis.
var ErrNotFound = redis.Nil

// 为Redis操作定义专用tracer
var redisTracer = otel.Tracer("resume-feedback/storage/redis")

// Redis操作前缀采样率配置，redisotel 已经记录了每条命令，这里只补充业务层 span
var redisKeySamplingRates = map[string]float64{
	"app:upload:lock:":         0.5,
	"app:upload:last_success:": 0.1,
}

// shouldSampleRedisOp 根据key前缀决定是否需要创建span
func shouldSampleRedisOp(key string) bool {
	if key == "" {
		return false
	}
	for prefix, rate := range redisKeySamplingRates {
		if strings.HasPrefix(key, prefix) {
			return rand.Float64() < rate
		}
	}
	return rand.Float64() < 0.05
}

// Redis wraps the Redis client
type Redis struct {
	Client *redis.Client
	config *config.RedisConfig
}

// NewRedisAdapter creates a new Redis client connection
func NewRedisAdapter(cfg *config.RedisConfig) (*Redis, error) {
	if cfg == nil {
		return nil, fmt.Errorf("redis config cannot be nil")
	}
	if cfg.Address == "" {
		return nil, fmt.Errorf("redis address is required")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,

		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,

		DialTimeout:  time.Duration(cfg.DialTimeoutSeconds) * time.Second,
		ReadTimeout:  time.Duration(cfg.ReadTimeoutSeconds) * time.Second,
		WriteTimeout: time.Duration(cfg.WriteTimeoutSeconds) * time.Second,

		MaxRetries:      cfg.MaxRetries,
		MinRetryBackoff: time.Duration(cfg.MinRetryBackoffMS) * time.Millisecond,
		MaxRetryBackoff: time.Duration(cfg.MaxRetryBackoffMS) * time.Millisecond,
	})

	// 添加OpenTelemetry钩子, 记录所有Redis操作
	if err := redisotel.InstrumentTracing(client); err != nil {
		return nil, fmt.Errorf("failed to instrument Redis with OpenTelemetry: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := client.Ping(ctx).Result(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", cfg.Address, err)
	}

	return &Redis{Client: client, config: cfg}, nil
}

// Close closes the Redis client connection
func (r *Redis) Close() error {
	if r.Client != nil {
		return r.Client.Close()
	}
	return nil
}

// Ping checks the Redis connection
func (r *Redis) Ping(ctx context.Context) error {
	if r.Client == nil {
		return fmt.Errorf("redis client is not initialized")
	}
	return r.Client.Ping(ctx).Err()
}

// Get 获取键的值
func (r *Redis) Get(ctx context.Context, key string) (string, error) {
	if r.Client == nil {
		return "", fmt.Errorf("redis客户端未初始化")
	}

	var span trace.Span
	if shouldSampleRedisOp(key) {
		ctx, span = redisTracer.Start(ctx, "Redis.Get", trace.WithSpanKind(trace.SpanKindClient))
		defer span.End()
		span.SetAttributes(
			semconv.DBSystemRedis,
			attribute.String("db.operation", "GET"),
			attribute.String("db.redis.key", tracing.SafeRedisKey(key)),
		)
	}

	val, err := r.Client.Get(ctx, key).Result()
	if span != nil {
		switch {
		case errors.Is(err, redis.Nil):
			// key不存在不算错误
			span.SetStatus(codes.Ok, "key not found")
			span.SetAttributes(attribute.Bool("db.redis.key_exists", false))
		case err != nil:
			tracing.RecordError(span, err, tracing.ErrorTypeRedis)
		default:
			span.SetAttributes(attribute.Bool("db.redis.key_exists", true))
			span.SetStatus(codes.Ok, "")
		}
	}
	return val, err
}

// Set 设置键的值
func (r *Redis) Set(ctx context.Context, key string, value string, expiration time.Duration) error {
	if r.Client == nil {
		return fmt.Errorf("redis客户端未初始化")
	}

	var span trace.Span
	if shouldSampleRedisOp(key) {
		ctx, span = redisTracer.Start(ctx, "Redis.Set", trace.WithSpanKind(trace.SpanKindClient))
		defer span.End()
		span.SetAttributes(
			semconv.DBSystemRedis,
			attribute.String("db.operation", "SET"),
			attribute.String("db.redis.key", tracing.SafeRedisKey(key)),
			attribute.Int64("db.redis.expiration_ms", expiration.Milliseconds()),
		)
	}

	err := r.Client.Set(ctx, key, value, expiration).Err()
	if span != nil {
		if err != nil {
			tracing.RecordError(span, err, tracing.ErrorTypeRedis)
		} else {
			span.SetStatus(codes.Ok, "")
		}
	}
	return err
}

// AcquireLock 尝试获取一个分布式锁，未获取到时返回空串
func (r *Redis) AcquireLock(ctx context.Context, lockKey string, expiration time.Duration) (string, error) {
	if r.Client == nil {
		return "", fmt.Errorf("redis client is not initialized")
	}
	lockValue := uuid.NewString()
	ok, err := r.Client.SetNX(ctx, lockKey, lockValue, expiration).Result()
	if err != nil {
		return "", err
	}
	if ok {
		return lockValue, nil
	}
	return "", nil
}

// ReleaseLock 释放一个分布式锁，使用Lua脚本保证只删除自己持有的锁
func (r *Redis) ReleaseLock(ctx context.Context, lockKey string, lockValue string) (bool, error) {
	if r.Client == nil {
		return false, fmt.Errorf("redis client is not initialized")
	}
	script := `
        if redis.call("get", KEYS[1]) == ARGV[1] then
            return redis.call("del", KEYS[1])
        else
            return 0
        end
    `
	res, err := r.Client.Eval(ctx, script, []string{lockKey}, lockValue).Result()
	if err != nil {
		return false, err
	}
	if released, ok := res.(int64); ok && released == 1 {
		return true, nil
	}
	return false, nil
}

// AcquireUploadLock 获取用户级上传锁，跨副本保证同一用户最多一个进行中的上传
func (r *Redis) AcquireUploadLock(ctx context.Context, userID string) (string, bool, error) {
	ttl := config.GetDuration(r.config.UploadLockTTL, 10*time.Minute)
	token, err := r.AcquireLock(ctx, fmt.Sprintf(constants.KeyUploadLock, userID), ttl)
	if err != nil {
		return "", false, err
	}
	return token, token != "", nil
}

// ReleaseUploadLock 释放用户级上传锁
func (r *Redis) ReleaseUploadLock(ctx context.Context, userID, token string) error {
	_, err := r.ReleaseLock(ctx, fmt.Sprintf(constants.KeyUploadLock, userID), token)
	return err
}

// SetLastUpload 记录最近一次成功上传
func (r *Redis) SetLastUpload(ctx context.Context, userID string, marker *types.LastUpload) error {
	data, err := json.Marshal(marker)
	if err != nil {
		return fmt.Errorf("序列化上传标记失败: %w", err)
	}
	ttl := config.GetDuration(r.config.LastUploadTTL, 30*24*time.Hour)
	return r.Set(ctx, fmt.Sprintf(constants.KeyLastSuccessfulUpload, userID), string(data), ttl)
}

// GetLastUpload 没有记录时返回 nil, nil
func (r *Redis) GetLastUpload(ctx context.Context, userID string) (*types.LastUpload, error) {
	val, err := r.Get(ctx, fmt.Sprintf(constants.KeyLastSuccessfulUpload, userID))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	var marker types.LastUpload
	if err := json.Unmarshal([]byte(val), &marker); err != nil {
		return nil, fmt.Errorf("解析上传标记失败: %w", err)
	}
	return &marker, nil
}
