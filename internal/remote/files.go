package remote

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"resume-feedback/internal/apperr"
	"resume-feedback/internal/config"
	"resume-feedback/internal/resilience"
	"resume-feedback/internal/storage"
	"resume-feedback/internal/tracing"
)

// 上传进度阶段
const (
	StageUploading = "uploading"
	StageRetrying  = "retrying"
)

// UploadProgress 上传过程中的进度回调参数
type UploadProgress struct {
	Stage       string
	Attempt     int
	MaxAttempts int
	Err         error // 仅 retrying 阶段有值
}

// UploadOptions 单次上传的选项
type UploadOptions struct {
	ContentType     string
	Overwrite       bool
	SkipHealthCheck bool
	OnProgress      func(UploadProgress)
}

// FileServiceConfig 文件服务的超时与重试设置
type FileServiceConfig struct {
	PDFBucket               string
	ImageBucket             string
	MaxFileSize             int64
	OperationTimeout        time.Duration
	UploadTimeout           time.Duration
	PresignExpiry           time.Duration
	HealthCheckBeforeUpload bool
	Retry                   resilience.RetryPolicy
}

// NewFileServiceConfig 从存储配置构造
func NewFileServiceConfig(cfg *config.StorageConfig) FileServiceConfig {
	retry := resilience.DefaultRetryPolicy()
	retry.MaxAttempts = cfg.MaxRetries
	retry.BaseDelay = config.GetDuration(cfg.RetryBaseDelay, retry.BaseDelay)
	retry.MaxDelay = config.GetDuration(cfg.RetryMaxDelay, retry.MaxDelay)
	return FileServiceConfig{
		PDFBucket:               cfg.PDFBucket,
		ImageBucket:             cfg.ImageBucket,
		MaxFileSize:             cfg.MaxFileSizeBytes(),
		OperationTimeout:        config.GetDuration(cfg.OperationTimeout, 10*time.Second),
		UploadTimeout:           config.GetDuration(cfg.UploadTimeout, 60*time.Second),
		PresignExpiry:           config.GetDuration(cfg.PresignExpiry, time.Hour),
		HealthCheckBeforeUpload: cfg.HealthCheckBeforeUpload,
		Retry:                   retry,
	}
}

// FileService 对象存储操作，统一加上超时、重试和错误分类
type FileService struct {
	store  storage.ObjectStore
	health *HealthChecker
	cfg    FileServiceConfig
	logger *zerolog.Logger
}

// NewFileService health 可以为 nil，此时跳过上传前的健康探测
func NewFileService(store storage.ObjectStore, health *HealthChecker, cfg FileServiceConfig, logger *zerolog.Logger) *FileService {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &FileService{store: store, health: health, cfg: cfg, logger: logger}
}

// PDFBucket 原始PDF存储桶
func (s *FileService) PDFBucket() string { return s.cfg.PDFBucket }

// ImageBucket 预览图存储桶
func (s *FileService) ImageBucket() string { return s.cfg.ImageBucket }

// MaxFileSize 单个文件的大小上限(字节)
func (s *FileService) MaxFileSize() int64 { return s.cfg.MaxFileSize }

// UploadFile 上传文件并返回存储路径。空文件和超限文件在任何网络调用之前直接拒绝
func (s *FileService) UploadFile(ctx context.Context, bucket, path string, data []byte, opts UploadOptions) (string, error) {
	const op = "uploadFile"
	if len(data) == 0 {
		return "", apperr.New(apperr.CodeValidation, op, "File cannot be empty")
	}
	if s.cfg.MaxFileSize > 0 && int64(len(data)) > s.cfg.MaxFileSize {
		return "", apperr.New(apperr.CodeValidation, op,
			fmt.Sprintf("File is too large (%d bytes, max %d bytes)", len(data), s.cfg.MaxFileSize))
	}
	if path == "" {
		return "", apperr.New(apperr.CodeValidation, op, "upload path cannot be empty")
	}

	ctx, span := tracing.Tracer().Start(ctx, "FileService.UploadFile", trace.WithAttributes(
		attribute.String("storage.bucket", bucket),
		attribute.String("storage.path", tracing.SafeObjectPath(path)),
		attribute.Int("storage.size", len(data)),
	))
	defer span.End()

	if s.cfg.HealthCheckBeforeUpload && !opts.SkipHealthCheck && s.health != nil {
		s.probeAsync(ctx)
	}

	policy := s.cfg.Retry
	maxAttempts := max(policy.MaxAttempts, 1)
	policy.OnRetry = func(attempt int, err error, delay time.Duration) {
		s.logger.Warn().Err(err).Str("bucket", bucket).Str("path", path).
			Int("attempt", attempt).Dur("delay", delay).Msg("上传失败，准备重试")
		notify(opts.OnProgress, UploadProgress{Stage: StageRetrying, Attempt: attempt, MaxAttempts: maxAttempts, Err: err})
	}

	_, err := resilience.RetryWithBackoff(ctx, policy, func(ctx context.Context, attempt int) (storage.ObjectInfo, error) {
		notify(opts.OnProgress, UploadProgress{Stage: StageUploading, Attempt: attempt, MaxAttempts: maxAttempts})
		info, err := resilience.WithTimeout(ctx, s.cfg.UploadTimeout, "upload timed out", func(ctx context.Context) (storage.ObjectInfo, error) {
			return s.store.PutObject(ctx, bucket, path, bytes.NewReader(data), int64(len(data)), storage.PutOptions{
				ContentType: opts.ContentType,
				Overwrite:   opts.Overwrite,
			})
		})
		return info, classify(op, err)
	})
	if err != nil {
		tracing.RecordAppError(span, err)
		return "", err
	}

	s.logger.Debug().Str("bucket", bucket).Str("path", path).Int("size", len(data)).Msg("文件上传成功")
	return path, nil
}

// probeAsync 不阻塞上传，只在存储不健康时记录警告
func (s *FileService) probeAsync(ctx context.Context) {
	detached := context.WithoutCancel(ctx)
	go func() {
		result := s.health.Check(detached, DependencyStorage)
		if !result.Healthy {
			s.logger.Warn().Str("circuit", string(result.Circuit)).Str("error", result.Error).
				Msg("上传前健康探测失败，继续尝试上传")
		}
	}()
}

func notify(fn func(UploadProgress), p UploadProgress) {
	if fn != nil {
		fn(p)
	}
}

// withPolicy 带超时和重试执行一次只读/删除类操作
func withPolicy[T any](ctx context.Context, s *FileService, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	policy := s.cfg.Retry
	policy.OnRetry = func(attempt int, err error, delay time.Duration) {
		s.logger.Warn().Err(err).Str("op", op).Int("attempt", attempt).Dur("delay", delay).Msg("存储操作失败，准备重试")
	}
	return resilience.RetryWithBackoff(ctx, policy, func(ctx context.Context, _ int) (T, error) {
		v, err := resilience.WithTimeout(ctx, s.cfg.OperationTimeout, op+" timed out", fn)
		return v, classify(op, err)
	})
}

// GetFileURL 生成预签名下载地址
func (s *FileService) GetFileURL(ctx context.Context, bucket, path string) (string, error) {
	return withPolicy(ctx, s, "getFileUrl", func(ctx context.Context) (string, error) {
		return s.store.PresignedGetURL(ctx, bucket, path, s.cfg.PresignExpiry)
	})
}

// DownloadFile 下载完整对象
func (s *FileService) DownloadFile(ctx context.Context, bucket, path string) ([]byte, error) {
	return withPolicy(ctx, s, "downloadFile", func(ctx context.Context) ([]byte, error) {
		return s.store.GetObject(ctx, bucket, path)
	})
}

// DeleteFile 目标不存在时视为成功
func (s *FileService) DeleteFile(ctx context.Context, bucket, path string) error {
	if path == "" {
		return nil
	}
	_, err := withPolicy(ctx, s, "deleteFile", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, s.store.RemoveObject(ctx, bucket, path)
	})
	if apperr.Is(err, apperr.CodeNotFound) {
		return nil
	}
	return err
}

// ListFiles 列出前缀下的对象
func (s *FileService) ListFiles(ctx context.Context, bucket, prefix string) ([]storage.ObjectInfo, error) {
	return withPolicy(ctx, s, "listFiles", func(ctx context.Context) ([]storage.ObjectInfo, error) {
		return s.store.ListObjects(ctx, bucket, prefix)
	})
}

// FileExists 不存在返回 false, nil
func (s *FileService) FileExists(ctx context.Context, bucket, path string) (bool, error) {
	_, err := s.GetFileMetadata(ctx, bucket, path)
	if err == nil {
		return true, nil
	}
	if apperr.Is(err, apperr.CodeNotFound) {
		return false, nil
	}
	return false, err
}

// GetFileMetadata 获取对象元数据
func (s *FileService) GetFileMetadata(ctx context.Context, bucket, path string) (storage.ObjectInfo, error) {
	return withPolicy(ctx, s, "getFileMetadata", func(ctx context.Context) (storage.ObjectInfo, error) {
		return s.store.StatObject(ctx, bucket, path)
	})
}
