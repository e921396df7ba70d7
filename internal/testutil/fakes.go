// Package testutil 单元测试使用的内存实现
package testutil

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"resume-feedback/internal/storage"
	"resume-feedback/internal/types"
)

// MemoryObjectStore 内存对象存储。Fail* 字段用于注入故障
type MemoryObjectStore struct {
	mu      sync.Mutex
	objects map[string][]byte // key: bucket + "/" + key

	// PutHook 在每次 PutObject 前调用，返回非 nil 错误时上传失败
	PutHook func(ctx context.Context, bucket, key string, attempt int) error
	// RemoveErr 删除时返回的错误
	RemoveErr error
	// PingErr 健康检查返回的错误
	PingErr error

	PutCalls    atomic.Int32
	RemoveCalls atomic.Int32
	PingCalls   atomic.Int32
}

var _ storage.ObjectStore = (*MemoryObjectStore)(nil)

func NewMemoryObjectStore() *MemoryObjectStore {
	return &MemoryObjectStore{objects: make(map[string][]byte)}
}

func objectKey(bucket, key string) string { return bucket + "/" + key }

func (m *MemoryObjectStore) PutObject(ctx context.Context, bucket, key string, reader io.Reader, size int64, opts storage.PutOptions) (storage.ObjectInfo, error) {
	attempt := int(m.PutCalls.Add(1))
	if m.PutHook != nil {
		if err := m.PutHook(ctx, bucket, key, attempt); err != nil {
			return storage.ObjectInfo{}, err
		}
	}
	if err := ctx.Err(); err != nil {
		return storage.ObjectInfo{}, err
	}
	data, err := io.ReadAll(reader)
	if err != nil {
		return storage.ObjectInfo{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	k := objectKey(bucket, key)
	if _, exists := m.objects[k]; exists && !opts.Overwrite {
		return storage.ObjectInfo{}, fmt.Errorf("put %s: %w", k, storage.ErrObjectExists)
	}
	m.objects[k] = data
	return storage.ObjectInfo{Bucket: bucket, Key: key, Size: int64(len(data)), ContentType: opts.ContentType, LastModified: time.Now()}, nil
}

func (m *MemoryObjectStore) GetObject(ctx context.Context, bucket, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[objectKey(bucket, key)]
	if !ok {
		return nil, storage.ErrObjectNotFound
	}
	return bytes.Clone(data), nil
}

func (m *MemoryObjectStore) StatObject(ctx context.Context, bucket, key string) (storage.ObjectInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[objectKey(bucket, key)]
	if !ok {
		return storage.ObjectInfo{}, storage.ErrObjectNotFound
	}
	return storage.ObjectInfo{Bucket: bucket, Key: key, Size: int64(len(data))}, nil
}

func (m *MemoryObjectStore) RemoveObject(ctx context.Context, bucket, key string) error {
	m.RemoveCalls.Add(1)
	if m.RemoveErr != nil {
		return m.RemoveErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, objectKey(bucket, key))
	return nil
}

func (m *MemoryObjectStore) ListObjects(ctx context.Context, bucket, prefix string) ([]storage.ObjectInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []storage.ObjectInfo
	for k, data := range m.objects {
		b, key, _ := strings.Cut(k, "/")
		if b == bucket && strings.HasPrefix(key, prefix) {
			result = append(result, storage.ObjectInfo{Bucket: b, Key: key, Size: int64(len(data))})
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Key < result[j].Key })
	return result, nil
}

func (m *MemoryObjectStore) PresignedGetURL(ctx context.Context, bucket, key string, expiry time.Duration) (string, error) {
	return fmt.Sprintf("http://objects.test/%s/%s?expires=%d", bucket, key, int(expiry.Seconds())), nil
}

func (m *MemoryObjectStore) Ping(ctx context.Context) error {
	m.PingCalls.Add(1)
	return m.PingErr
}

// Has 对象是否存在
func (m *MemoryObjectStore) Has(bucket, key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.objects[objectKey(bucket, key)]
	return ok
}

// Count 存储中的对象总数
func (m *MemoryObjectStore) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.objects)
}

// MemoryResumeRepository 内存简历仓库
type MemoryResumeRepository struct {
	mu      sync.Mutex
	records map[string]*types.ResumeRecord

	CreateErr error
	UpdateErr error
	DeleteErr error
	// UpdateHook 在 UpdateFeedback 前调用
	UpdateHook func(ctx context.Context) error

	UpdateCalls atomic.Int32
	DeleteCalls atomic.Int32
}

var _ storage.ResumeRepository = (*MemoryResumeRepository)(nil)

func NewMemoryResumeRepository() *MemoryResumeRepository {
	return &MemoryResumeRepository{records: make(map[string]*types.ResumeRecord)}
}

func cloneRecord(r *types.ResumeRecord) *types.ResumeRecord {
	c := *r
	return &c
}

func (m *MemoryResumeRepository) CreateResume(ctx context.Context, rec *types.ResumeRecord) error {
	if m.CreateErr != nil {
		return m.CreateErr
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[rec.ID]; ok {
		return storage.ErrDuplicateRecord
	}
	m.records[rec.ID] = cloneRecord(rec)
	return nil
}

func (m *MemoryResumeRepository) ListResumes(ctx context.Context, userID string) ([]*types.ResumeRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []*types.ResumeRecord
	for _, r := range m.records {
		if r.UserID == userID {
			result = append(result, cloneRecord(r))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.After(result[j].CreatedAt) })
	return result, nil
}

func (m *MemoryResumeRepository) GetResume(ctx context.Context, userID, resumeID string) (*types.ResumeRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[resumeID]
	if !ok || r.UserID != userID {
		return nil, storage.ErrRecordNotFound
	}
	return cloneRecord(r), nil
}

func (m *MemoryResumeRepository) UpdateFeedback(ctx context.Context, userID, resumeID string, feedback *types.FeedbackResult) error {
	m.UpdateCalls.Add(1)
	if m.UpdateHook != nil {
		if err := m.UpdateHook(ctx); err != nil {
			return err
		}
	}
	if m.UpdateErr != nil {
		return m.UpdateErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[resumeID]
	if !ok || r.UserID != userID {
		return storage.ErrRecordNotFound
	}
	overall, ats := int(feedback.OverallScore), int(feedback.ATSScore)
	r.Feedback = feedback
	r.OverallScore = &overall
	r.ATSScore = &ats
	r.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryResumeRepository) DeleteResume(ctx context.Context, userID, resumeID string) error {
	m.DeleteCalls.Add(1)
	if m.DeleteErr != nil {
		return m.DeleteErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.records[resumeID]; ok && r.UserID == userID {
		delete(m.records, resumeID)
	}
	return nil
}

func (m *MemoryResumeRepository) Ping(ctx context.Context) error { return nil }

// Get 直接读取，不做用户过滤
func (m *MemoryResumeRepository) Get(resumeID string) (*types.ResumeRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[resumeID]
	if !ok {
		return nil, false
	}
	return cloneRecord(r), true
}

// Count 记录总数
func (m *MemoryResumeRepository) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

// MemoryMarkerStore 上传锁和最近上传标记的内存实现
type MemoryMarkerStore struct {
	mu      sync.Mutex
	locks   map[string]string
	markers map[string]*types.LastUpload
	seq     int

	SetErr error
}

func NewMemoryMarkerStore() *MemoryMarkerStore {
	return &MemoryMarkerStore{locks: make(map[string]string), markers: make(map[string]*types.LastUpload)}
}

func (m *MemoryMarkerStore) AcquireUploadLock(ctx context.Context, userID string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, held := m.locks[userID]; held {
		return "", false, nil
	}
	m.seq++
	token := fmt.Sprintf("token-%d", m.seq)
	m.locks[userID] = token
	return token, true, nil
}

func (m *MemoryMarkerStore) ReleaseUploadLock(ctx context.Context, userID, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.locks[userID] == token {
		delete(m.locks, userID)
	}
	return nil
}

func (m *MemoryMarkerStore) SetLastUpload(ctx context.Context, userID string, marker *types.LastUpload) error {
	if m.SetErr != nil {
		return m.SetErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *marker
	m.markers[userID] = &c
	return nil
}

func (m *MemoryMarkerStore) GetLastUpload(ctx context.Context, userID string) (*types.LastUpload, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if mk, ok := m.markers[userID]; ok {
		c := *mk
		return &c, nil
	}
	return nil, nil
}

// Locked 用户锁是否被持有
func (m *MemoryMarkerStore) Locked(userID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.locks[userID]
	return ok
}

// StubProber 可控的健康探测
type StubProber struct {
	Err   error
	Delay time.Duration
	Calls atomic.Int32
}

func (p *StubProber) Ping(ctx context.Context) error {
	p.Calls.Add(1)
	if p.Delay > 0 {
		select {
		case <-time.After(p.Delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return p.Err
}

// RecordingPublisher 记录发布的事件
type RecordingPublisher struct {
	mu     sync.Mutex
	Events []PublishedEvent
	Err    error
}

// PublishedEvent 一次发布
type PublishedEvent struct {
	RoutingKey string
	Event      storage.ResumeEvent
}

var _ storage.EventPublisher = (*RecordingPublisher)(nil)

func (p *RecordingPublisher) PublishResumeEvent(ctx context.Context, routingKey string, event *storage.ResumeEvent) error {
	if p.Err != nil {
		return p.Err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Events = append(p.Events, PublishedEvent{RoutingKey: routingKey, Event: *event})
	return nil
}

// Published 已发布事件的副本
func (p *RecordingPublisher) Published() []PublishedEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]PublishedEvent, len(p.Events))
	copy(out, p.Events)
	return out
}
