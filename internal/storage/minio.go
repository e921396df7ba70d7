package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/minio/minio-go/v7/pkg/lifecycle"
	"github.com/rs/zerolog"

	"resume-feedback/internal/config"
)

// 确保MinIO实现了ObjectStore接口
var _ ObjectStore = (*MinIO)(nil)

// MinIO 基于 minio-go 的对象存储驱动
type MinIO struct {
	client *minio.Client
	cfg    *config.StorageConfig
	logger *zerolog.Logger
}

// NewMinIO 创建MinIO客户端，并确保PDF和预览图两个存储桶存在
func NewMinIO(ctx context.Context, cfg *config.StorageConfig, logger *zerolog.Logger) (*MinIO, error) {
	if cfg == nil {
		return nil, fmt.Errorf("MinIO配置不能为空")
	}
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	logger.Info().
		Str("endpoint", cfg.Endpoint).
		Str("pdf_bucket", cfg.PDFBucket).
		Str("image_bucket", cfg.ImageBucket).
		Msg("初始化MinIO客户端")

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("创建MinIO客户端失败: %w", err)
	}

	m := &MinIO{client: client, cfg: cfg, logger: logger}

	for _, bucket := range []string{cfg.PDFBucket, cfg.ImageBucket} {
		if err := m.ensureBucketExists(ctx, bucket); err != nil {
			return nil, err
		}
		if cfg.FileExpireDays > 0 {
			// 生命周期规则设置失败不影响启动
			if err := m.setupBucketLifecycle(ctx, bucket, cfg.FileExpireDays); err != nil {
				logger.Warn().Err(err).Str("bucket", bucket).Msg("设置存储桶生命周期失败")
			}
		}
	}

	logger.Info().Str("endpoint", cfg.Endpoint).Msg("MinIO客户端初始化成功")
	return m, nil
}

// ensureBucketExists 确保存储桶存在
func (m *MinIO) ensureBucketExists(ctx context.Context, bucketName string) error {
	exists, err := m.client.BucketExists(ctx, bucketName)
	if err != nil {
		return fmt.Errorf("检查存储桶 %s 是否存在时出错: %w", bucketName, err)
	}
	if exists {
		return nil
	}
	m.logger.Info().Str("bucket", bucketName).Msg("存储桶不存在，正在创建")
	if err := m.client.MakeBucket(ctx, bucketName, minio.MakeBucketOptions{Region: m.cfg.Region}); err != nil {
		return fmt.Errorf("创建存储桶 %s 失败: %w", bucketName, err)
	}
	return nil
}

// setupBucketLifecycle 为指定存储桶设置过期规则
func (m *MinIO) setupBucketLifecycle(ctx context.Context, bucketName string, expiryDays int) error {
	lc := lifecycle.NewConfiguration()
	lc.Rules = []lifecycle.Rule{
		{
			ID:     "expire-" + bucketName,
			Status: "Enabled",
			Expiration: lifecycle.Expiration{
				Days: lifecycle.ExpirationDays(expiryDays),
			},
		},
	}
	return m.client.SetBucketLifecycle(ctx, bucketName, lc)
}

// PutObject 上传对象。不允许覆盖时先检查目标是否存在
func (m *MinIO) PutObject(ctx context.Context, bucket, key string, reader io.Reader, size int64, opts PutOptions) (ObjectInfo, error) {
	if !opts.Overwrite {
		if _, err := m.StatObject(ctx, bucket, key); err == nil {
			return ObjectInfo{}, fmt.Errorf("上传对象 %s/%s 失败: %w", bucket, key, ErrObjectExists)
		} else if !errors.Is(err, ErrObjectNotFound) {
			return ObjectInfo{}, err
		}
	}

	contentType := opts.ContentType
	if contentType == "" {
		contentType = getContentType(key)
	}
	info, err := m.client.PutObject(ctx, bucket, key, reader, size, minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return ObjectInfo{}, fmt.Errorf("上传对象 %s/%s 失败: %w", bucket, key, translateMinIOError(err))
	}
	return ObjectInfo{
		Bucket:       bucket,
		Key:          key,
		Size:         info.Size,
		ContentType:  contentType,
		ETag:         info.ETag,
		LastModified: info.LastModified,
	}, nil
}

// GetObject 下载对象的全部内容
func (m *MinIO) GetObject(ctx context.Context, bucket, key string) ([]byte, error) {
	obj, err := m.client.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("获取对象 %s/%s 失败: %w", bucket, key, translateMinIOError(err))
	}
	defer obj.Close()

	// GetObject 是惰性的，Stat 才会真正发出请求，不存在的对象在这里报错
	if _, err := obj.Stat(); err != nil {
		return nil, fmt.Errorf("获取对象 %s/%s 状态失败: %w", bucket, key, translateMinIOError(err))
	}
	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, fmt.Errorf("读取对象 %s/%s 数据失败: %w", bucket, key, translateMinIOError(err))
	}
	return data, nil
}

// StatObject 获取对象元数据
func (m *MinIO) StatObject(ctx context.Context, bucket, key string) (ObjectInfo, error) {
	info, err := m.client.StatObject(ctx, bucket, key, minio.StatObjectOptions{})
	if err != nil {
		return ObjectInfo{}, fmt.Errorf("获取对象 %s/%s 元数据失败: %w", bucket, key, translateMinIOError(err))
	}
	return ObjectInfo{
		Bucket:       bucket,
		Key:          info.Key,
		Size:         info.Size,
		ContentType:  info.ContentType,
		ETag:         info.ETag,
		LastModified: info.LastModified,
	}, nil
}

// RemoveObject 删除对象，S3语义下删除不存在的对象本身就是成功
func (m *MinIO) RemoveObject(ctx context.Context, bucket, key string) error {
	err := m.client.RemoveObject(ctx, bucket, key, minio.RemoveObjectOptions{})
	if err != nil {
		translated := translateMinIOError(err)
		if translated == ErrObjectNotFound {
			return nil
		}
		return fmt.Errorf("删除对象 %s/%s 失败: %w", bucket, key, translated)
	}
	return nil
}

// ListObjects 列出前缀下的所有对象
func (m *MinIO) ListObjects(ctx context.Context, bucket, prefix string) ([]ObjectInfo, error) {
	var result []ObjectInfo
	for obj := range m.client.ListObjects(ctx, bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if obj.Err != nil {
			return nil, fmt.Errorf("列出 %s/%s 失败: %w", bucket, prefix, translateMinIOError(obj.Err))
		}
		result = append(result, ObjectInfo{
			Bucket:       bucket,
			Key:          obj.Key,
			Size:         obj.Size,
			ContentType:  obj.ContentType,
			ETag:         obj.ETag,
			LastModified: obj.LastModified,
		})
	}
	return result, nil
}

// PresignedGetURL 获取预签名下载URL
func (m *MinIO) PresignedGetURL(ctx context.Context, bucket, key string, expiry time.Duration) (string, error) {
	u, err := m.client.PresignedGetObject(ctx, bucket, key, expiry, nil)
	if err != nil {
		return "", fmt.Errorf("生成MinIO预签名URL失败: %w", translateMinIOError(err))
	}
	return u.String(), nil
}

// Ping 检查PDF存储桶是否可访问
func (m *MinIO) Ping(ctx context.Context) error {
	exists, err := m.client.BucketExists(ctx, m.cfg.PDFBucket)
	if err != nil {
		return fmt.Errorf("MinIO健康检查失败: %w", translateMinIOError(err))
	}
	if !exists {
		return fmt.Errorf("存储桶 %s 不存在", m.cfg.PDFBucket)
	}
	return nil
}

// translateMinIOError 把 minio 的错误响应映射到统一的存储错误
func translateMinIOError(err error) error {
	resp := minio.ToErrorResponse(err)
	switch resp.Code {
	case "NoSuchKey", "NoSuchObject", "NotFound":
		return ErrObjectNotFound
	case "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch":
		return ErrAccessDenied
	}
	switch resp.StatusCode {
	case http.StatusNotFound:
		if resp.Code != "NoSuchBucket" {
			return ErrObjectNotFound
		}
	case http.StatusForbidden, http.StatusUnauthorized:
		return ErrAccessDenied
	}
	return err
}
