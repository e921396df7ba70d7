package storage

import (
	"context"
	"errors"
	"io"
	"path"
	"strings"
	"time"
)

// 对象存储驱动统一返回的错误，由远程访问层转换为分类错误
var (
	ErrObjectNotFound = errors.New("object not found")
	ErrObjectExists   = errors.New("object already exists")
	ErrAccessDenied   = errors.New("access denied")
)

// ObjectInfo 对象元数据
type ObjectInfo struct {
	Bucket       string    `json:"bucket"`
	Key          string    `json:"key"`
	Size         int64     `json:"size"`
	ContentType  string    `json:"content_type"`
	ETag         string    `json:"etag"`
	LastModified time.Time `json:"last_modified"`
}

// PutOptions 上传选项
type PutOptions struct {
	ContentType string
	// Overwrite 为 false 时目标已存在返回 ErrObjectExists
	Overwrite bool
}

// ObjectStore 对象存储接口，按 bucket + key 寻址
type ObjectStore interface {
	PutObject(ctx context.Context, bucket, key string, reader io.Reader, size int64, opts PutOptions) (ObjectInfo, error)
	GetObject(ctx context.Context, bucket, key string) ([]byte, error)
	StatObject(ctx context.Context, bucket, key string) (ObjectInfo, error)
	// RemoveObject 目标不存在时不返回错误
	RemoveObject(ctx context.Context, bucket, key string) error
	ListObjects(ctx context.Context, bucket, prefix string) ([]ObjectInfo, error)
	PresignedGetURL(ctx context.Context, bucket, key string, expiry time.Duration) (string, error)
	// Ping 用于健康检查
	Ping(ctx context.Context) error
}

// 获取内容类型
func getContentType(key string) string {
	switch strings.ToLower(path.Ext(key)) {
	case ".pdf":
		return "application/pdf"
	case ".png":
		return "image/png"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".txt":
		return "text/plain"
	case ".json":
		return "application/json"
	default:
		return "application/octet-stream"
	}
}
