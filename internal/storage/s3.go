package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/rs/zerolog"

	"resume-feedback/internal/config"
)

var _ ObjectStore = (*S3)(nil)

// S3 基于 aws-sdk-go-v2 的对象存储驱动，兼容 R2 等 S3 协议服务
type S3 struct {
	client  *s3.Client
	presign *s3.PresignClient
	cfg     *config.StorageConfig
	logger  *zerolog.Logger
}

// NewS3 创建S3客户端。endpoint 不带协议时根据 use_ssl 补全
func NewS3(ctx context.Context, cfg *config.StorageConfig, logger *zerolog.Logger) (*S3, error) {
	if cfg == nil {
		return nil, fmt.Errorf("S3配置不能为空")
	}
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")),
		awsconfig.WithRegion(cfg.Region),
	)
	if err != nil {
		return nil, fmt.Errorf("加载AWS配置失败: %w", err)
	}

	endpoint := cfg.Endpoint
	if endpoint != "" && !strings.Contains(endpoint, "://") {
		if cfg.UseSSL {
			endpoint = "https://" + endpoint
		} else {
			endpoint = "http://" + endpoint
		}
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
		o.UsePathStyle = true
	})

	logger.Info().Str("endpoint", endpoint).Str("region", cfg.Region).Msg("S3客户端初始化成功")
	return &S3{
		client:  client,
		presign: s3.NewPresignClient(client),
		cfg:     cfg,
		logger:  logger,
	}, nil
}

// PutObject 上传对象。不允许覆盖时先用 HeadObject 检查
func (s *S3) PutObject(ctx context.Context, bucket, key string, reader io.Reader, size int64, opts PutOptions) (ObjectInfo, error) {
	if !opts.Overwrite {
		if _, err := s.StatObject(ctx, bucket, key); err == nil {
			return ObjectInfo{}, fmt.Errorf("上传对象 %s/%s 失败: %w", bucket, key, ErrObjectExists)
		} else if !errors.Is(err, ErrObjectNotFound) {
			return ObjectInfo{}, err
		}
	}

	contentType := opts.ContentType
	if contentType == "" {
		contentType = getContentType(key)
	}
	// PutObject 需要可寻址的 body 以计算签名
	body, ok := reader.(io.ReadSeeker)
	if !ok {
		data, err := io.ReadAll(reader)
		if err != nil {
			return ObjectInfo{}, fmt.Errorf("读取上传内容失败: %w", err)
		}
		body = bytes.NewReader(data)
		size = int64(len(data))
	}

	out, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(bucket),
		Key:           aws.String(key),
		Body:          body,
		ContentLength: aws.Int64(size),
		ContentType:   aws.String(contentType),
	})
	if err != nil {
		return ObjectInfo{}, fmt.Errorf("上传对象 %s/%s 失败: %w", bucket, key, translateS3Error(err))
	}
	return ObjectInfo{
		Bucket:       bucket,
		Key:          key,
		Size:         size,
		ContentType:  contentType,
		ETag:         aws.ToString(out.ETag),
		LastModified: time.Now(),
	}, nil
}

func (s *S3) GetObject(ctx context.Context, bucket, key string) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("获取对象 %s/%s 失败: %w", bucket, key, translateS3Error(err))
	}
	defer out.Body.Close()

	buf := new(bytes.Buffer)
	if _, err := io.Copy(buf, out.Body); err != nil {
		return nil, fmt.Errorf("读取对象 %s/%s 数据失败: %w", bucket, key, err)
	}
	return buf.Bytes(), nil
}

func (s *S3) StatObject(ctx context.Context, bucket, key string) (ObjectInfo, error) {
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return ObjectInfo{}, fmt.Errorf("获取对象 %s/%s 元数据失败: %w", bucket, key, translateS3Error(err))
	}
	return ObjectInfo{
		Bucket:       bucket,
		Key:          key,
		Size:         aws.ToInt64(out.ContentLength),
		ContentType:  aws.ToString(out.ContentType),
		ETag:         aws.ToString(out.ETag),
		LastModified: aws.ToTime(out.LastModified),
	}, nil
}

// RemoveObject S3 的 DeleteObject 对不存在的对象同样返回成功
func (s *S3) RemoveObject(ctx context.Context, bucket, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		translated := translateS3Error(err)
		if translated == ErrObjectNotFound {
			return nil
		}
		return fmt.Errorf("删除对象 %s/%s 失败: %w", bucket, key, translated)
	}
	return nil
}

func (s *S3) ListObjects(ctx context.Context, bucket, prefix string) ([]ObjectInfo, error) {
	var result []ObjectInfo
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(bucket),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("列出 %s/%s 失败: %w", bucket, prefix, translateS3Error(err))
		}
		for _, obj := range page.Contents {
			result = append(result, ObjectInfo{
				Bucket:       bucket,
				Key:          aws.ToString(obj.Key),
				Size:         aws.ToInt64(obj.Size),
				ETag:         aws.ToString(obj.ETag),
				LastModified: aws.ToTime(obj.LastModified),
			})
		}
	}
	return result, nil
}

func (s *S3) PresignedGetURL(ctx context.Context, bucket, key string, expiry time.Duration) (string, error) {
	req, err := s.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(expiry))
	if err != nil {
		return "", fmt.Errorf("生成S3预签名URL失败: %w", err)
	}
	return req.URL, nil
}

// Ping 对PDF存储桶执行 HeadBucket
func (s *S3) Ping(ctx context.Context) error {
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.cfg.PDFBucket)})
	if err != nil {
		return fmt.Errorf("S3健康检查失败: %w", translateS3Error(err))
	}
	return nil
}

// translateS3Error 把 S3 的错误映射到统一的存储错误
func translateS3Error(err error) error {
	var noSuchKey *s3types.NoSuchKey
	var notFound *s3types.NotFound
	if errors.As(err, &noSuchKey) || errors.As(err, &notFound) {
		return ErrObjectNotFound
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return ErrObjectNotFound
		case "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch", "Forbidden":
			return ErrAccessDenied
		}
	}

	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) {
		switch respErr.HTTPStatusCode() {
		case http.StatusForbidden, http.StatusUnauthorized:
			return ErrAccessDenied
		}
	}
	return err
}
