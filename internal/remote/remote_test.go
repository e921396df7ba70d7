package remote

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"resume-feedback/internal/apperr"
	"resume-feedback/internal/config"
	"resume-feedback/internal/resilience"
	"resume-feedback/internal/storage"
	"resume-feedback/internal/testutil"
	"resume-feedback/internal/types"
)

func fastPolicy(attempts int) resilience.RetryPolicy {
	return resilience.RetryPolicy{MaxAttempts: attempts, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Factor: 2}
}

func newTestFileService(store storage.ObjectStore) *FileService {
	return NewFileService(store, nil, FileServiceConfig{
		PDFBucket:        "resumes",
		ImageBucket:      "images",
		MaxFileSize:      1 << 20,
		OperationTimeout: time.Second,
		UploadTimeout:    time.Second,
		PresignExpiry:    time.Minute,
		Retry:            fastPolicy(3),
	}, nil)
}

func TestSanitizeFilename(t *testing.T) {
	assert.Equal(t, "Jane_Doe_resume.pdf", SanitizeFilename("Jane Doe resume.pdf"))
	assert.Equal(t, "passwd", SanitizeFilename("../../etc/passwd"))
	assert.Equal(t, "file", SanitizeFilename("简历"))
	assert.Equal(t, "evil.pdf", SanitizeFilename(`C:\Users\x\evil.pdf`))
	assert.Equal(t, "hidden", SanitizeFilename(".hidden"))

	long := strings.Repeat("a", 150) + ".pdf"
	got := SanitizeFilename(long)
	assert.Len(t, got, maxFilenameLength)
	assert.True(t, strings.HasSuffix(got, ".pdf"))
}

func TestPathBuilder_Build(t *testing.T) {
	fixed := time.UnixMilli(1700000000123)
	b := NewPathBuilder(func() time.Time { return fixed }, func() string { return "abcd1234" })

	p, err := b.Build("user-1", "pdf", "My Resume.pdf")
	require.NoError(t, err)
	assert.Equal(t, "user-1/pdf/1700000000123_abcd1234_My_Resume.pdf", p)

	p, err = b.Build("user-1", "image", PreviewFilename("My Resume.pdf"))
	require.NoError(t, err)
	assert.Equal(t, "user-1/image/1700000000123_abcd1234_My_Resume.png", p)

	_, err = b.Build("user-1", "video", "x.pdf")
	assert.Error(t, err)
	_, err = b.Build("../root", "pdf", "x.pdf")
	assert.Error(t, err)
}

func TestPathBuilder_RandomSuffixDiffers(t *testing.T) {
	b := NewPathBuilder(nil, nil)
	p1, err := b.Build("u", "pdf", "a.pdf")
	require.NoError(t, err)
	p2, err := b.Build("u", "pdf", "a.pdf")
	require.NoError(t, err)
	assert.NotEqual(t, p1, p2)
	assert.True(t, strings.HasPrefix(p1, UserPrefix("u", "pdf")))
}

func TestUploadFile_ValidatesBeforeNetwork(t *testing.T) {
	store := testutil.NewMemoryObjectStore()
	svc := newTestFileService(store)

	_, err := svc.UploadFile(context.Background(), "resumes", "u/pdf/a.pdf", nil, UploadOptions{})
	require.Error(t, err)
	assert.Equal(t, apperr.CodeValidation, apperr.CodeOf(err))
	assert.Contains(t, err.Error(), "File cannot be empty")

	_, err = svc.UploadFile(context.Background(), "resumes", "u/pdf/a.pdf", make([]byte, (1<<20)+1), UploadOptions{})
	require.Error(t, err)
	assert.Equal(t, apperr.CodeValidation, apperr.CodeOf(err))

	assert.Equal(t, int32(0), store.PutCalls.Load(), "校验失败时不应发起上传")
}

func TestUploadFile_RetriesTransientFailures(t *testing.T) {
	store := testutil.NewMemoryObjectStore()
	store.PutHook = func(ctx context.Context, bucket, key string, attempt int) error {
		if attempt < 3 {
			return errors.New("connection reset by peer")
		}
		return nil
	}
	svc := newTestFileService(store)

	var mu sync.Mutex
	var stages []string
	path, err := svc.UploadFile(context.Background(), "resumes", "u/pdf/a.pdf", []byte("%PDF-1.4"), UploadOptions{
		OnProgress: func(p UploadProgress) {
			mu.Lock()
			stages = append(stages, p.Stage)
			mu.Unlock()
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "u/pdf/a.pdf", path)
	assert.Equal(t, int32(3), store.PutCalls.Load())
	assert.True(t, store.Has("resumes", "u/pdf/a.pdf"))
	assert.Equal(t, []string{StageUploading, StageRetrying, StageUploading, StageRetrying, StageUploading}, stages)
}

func TestUploadFile_ExhaustedRetriesAreClassified(t *testing.T) {
	store := testutil.NewMemoryObjectStore()
	store.PutHook = func(ctx context.Context, bucket, key string, attempt int) error {
		return errors.New("503 service unavailable")
	}
	svc := newTestFileService(store)

	_, err := svc.UploadFile(context.Background(), "resumes", "u/pdf/a.pdf", []byte("x"), UploadOptions{})
	require.Error(t, err)
	assert.Equal(t, apperr.CodeTransport, apperr.CodeOf(err))
	assert.Equal(t, int32(3), store.PutCalls.Load())
}

func TestUploadFile_ConflictNotRetried(t *testing.T) {
	store := testutil.NewMemoryObjectStore()
	svc := newTestFileService(store)
	ctx := context.Background()

	_, err := svc.UploadFile(ctx, "resumes", "u/pdf/a.pdf", []byte("x"), UploadOptions{})
	require.NoError(t, err)
	_, err = svc.UploadFile(ctx, "resumes", "u/pdf/a.pdf", []byte("y"), UploadOptions{})
	require.Error(t, err)
	assert.Equal(t, apperr.CodeConflict, apperr.CodeOf(err))
	assert.Equal(t, int32(2), store.PutCalls.Load())

	_, err = svc.UploadFile(ctx, "resumes", "u/pdf/a.pdf", []byte("y"), UploadOptions{Overwrite: true})
	assert.NoError(t, err)
}

func TestUploadFile_PermissionNotRetried(t *testing.T) {
	store := testutil.NewMemoryObjectStore()
	store.PutHook = func(ctx context.Context, bucket, key string, attempt int) error {
		return storage.ErrAccessDenied
	}
	svc := newTestFileService(store)

	_, err := svc.UploadFile(context.Background(), "resumes", "u/pdf/a.pdf", []byte("x"), UploadOptions{})
	assert.Equal(t, apperr.CodePermission, apperr.CodeOf(err))
	assert.Equal(t, int32(1), store.PutCalls.Load())
}

func TestUploadFile_CancelledContext(t *testing.T) {
	store := testutil.NewMemoryObjectStore()
	svc := newTestFileService(store)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := svc.UploadFile(ctx, "resumes", "u/pdf/a.pdf", []byte("x"), UploadOptions{})
	assert.Equal(t, apperr.CodeCancelled, apperr.CodeOf(err))
	assert.False(t, store.Has("resumes", "u/pdf/a.pdf"))
}

func TestFileOperations(t *testing.T) {
	store := testutil.NewMemoryObjectStore()
	svc := newTestFileService(store)
	ctx := context.Background()

	_, err := svc.UploadFile(ctx, "resumes", "u/pdf/a.pdf", []byte("hello"), UploadOptions{})
	require.NoError(t, err)

	exists, err := svc.FileExists(ctx, "resumes", "u/pdf/a.pdf")
	require.NoError(t, err)
	assert.True(t, exists)

	meta, err := svc.GetFileMetadata(ctx, "resumes", "u/pdf/a.pdf")
	require.NoError(t, err)
	assert.Equal(t, int64(5), meta.Size)

	data, err := svc.DownloadFile(ctx, "resumes", "u/pdf/a.pdf")
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	url, err := svc.GetFileURL(ctx, "resumes", "u/pdf/a.pdf")
	require.NoError(t, err)
	assert.Contains(t, url, "u/pdf/a.pdf")

	files, err := svc.ListFiles(ctx, "resumes", "u/")
	require.NoError(t, err)
	assert.Len(t, files, 1)

	require.NoError(t, svc.DeleteFile(ctx, "resumes", "u/pdf/a.pdf"))
	// 重复删除不报错
	require.NoError(t, svc.DeleteFile(ctx, "resumes", "u/pdf/a.pdf"))

	exists, err = svc.FileExists(ctx, "resumes", "u/pdf/a.pdf")
	require.NoError(t, err)
	assert.False(t, exists)

	_, err = svc.DownloadFile(ctx, "resumes", "u/pdf/a.pdf")
	assert.Equal(t, apperr.CodeNotFound, apperr.CodeOf(err))
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestCircuitBreaker_OpensAndRecovers(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	prober := &testutil.StubProber{Err: errors.New("connection refused")}
	checker := NewHealthChecker(HealthCheckerOptions{
		FailureThreshold: 3,
		ResetTimeout:     30 * time.Second,
		ProbeTimeout:     time.Second,
		Now:              clock.Now,
	}, nil, NamedProbe{Name: DependencyStorage, Prober: prober})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		res := checker.Check(ctx, DependencyStorage)
		assert.False(t, res.Healthy)
		assert.False(t, res.ShortCircuited)
	}
	breaker := checker.Breaker(DependencyStorage)
	assert.Equal(t, CircuitOpen, breaker.State())
	assert.Equal(t, int32(3), prober.Calls.Load())

	// 重置窗口内不发起网络调用
	clock.Advance(10 * time.Second)
	res := checker.Check(ctx, DependencyStorage)
	assert.False(t, res.Healthy)
	assert.True(t, res.ShortCircuited)
	assert.Equal(t, int32(3), prober.Calls.Load())

	// 窗口结束后一次成功即关闭
	clock.Advance(21 * time.Second)
	prober.Err = nil
	res = checker.Check(ctx, DependencyStorage)
	assert.True(t, res.Healthy)
	assert.Equal(t, CircuitClosed, breaker.State())
	assert.Equal(t, 0, breaker.Failures())
	assert.Equal(t, int32(4), prober.Calls.Load())
}

func TestCircuitBreaker_FailedTrialReopens(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	b := NewCircuitBreaker("db", 2, time.Minute, clock.Now)
	b.RecordFailure()
	b.RecordFailure()
	require.False(t, b.Allow())

	clock.Advance(time.Minute)
	require.True(t, b.Allow())
	err := b.Execute(context.Background(), func(ctx context.Context) error { return errors.New("still down") })
	require.Error(t, err)
	assert.False(t, b.Allow(), "试探失败后重新计时")
	assert.ErrorIs(t, b.Execute(context.Background(), func(ctx context.Context) error { return nil }), ErrCircuitOpen)
}

func TestCircuitBreaker_CallerCancellationNotCounted(t *testing.T) {
	slow := &testutil.StubProber{Delay: time.Second}
	checker := NewHealthChecker(HealthCheckerOptions{FailureThreshold: 2, ResetTimeout: time.Minute, ProbeTimeout: time.Second}, nil,
		NamedProbe{Name: DependencyStorage, Prober: slow})

	for i := 0; i < 3; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		res := checker.Check(ctx, DependencyStorage)
		cancel()
		assert.False(t, res.Healthy)
		assert.False(t, res.ShortCircuited)
	}
	breaker := checker.Breaker(DependencyStorage)
	assert.Equal(t, CircuitClosed, breaker.State())
	assert.Equal(t, 0, breaker.Failures())

	// 探测自身超时仍然计入失败
	slow.Delay = 200 * time.Millisecond
	timing := NewHealthChecker(HealthCheckerOptions{FailureThreshold: 1, ResetTimeout: time.Minute, ProbeTimeout: 10 * time.Millisecond}, nil,
		NamedProbe{Name: DependencyStorage, Prober: slow})
	res := timing.Check(context.Background(), DependencyStorage)
	assert.False(t, res.Healthy)
	assert.Equal(t, CircuitOpen, timing.Breaker(DependencyStorage).State())
}

func TestBackendProbes_StorageCheckReachesObjectStore(t *testing.T) {
	store := testutil.NewMemoryObjectStore()
	db := &testutil.StubProber{}
	redis := &testutil.StubProber{}
	checker := NewHealthChecker(HealthCheckerOptions{FailureThreshold: 3, ResetTimeout: time.Minute, ProbeTimeout: time.Second}, nil,
		BackendProbes(store, db, NamedProbe{Name: DependencyRedis, Prober: redis})...)

	res := checker.Check(context.Background(), DependencyStorage)
	assert.True(t, res.Healthy)
	assert.Equal(t, int32(1), store.PingCalls.Load())
	assert.Equal(t, int32(0), db.Calls.Load())

	report := checker.TestAllConnections(context.Background())
	assert.True(t, report.Healthy)
	assert.Len(t, report.Dependencies, 3)
	for _, name := range []string{DependencyStorage, DependencyDatabase, DependencyRedis} {
		assert.Contains(t, report.Dependencies, name)
	}

	// 上传前探测按固定名称找到对象存储
	files := NewFileService(store, checker, FileServiceConfig{
		PDFBucket:               "resumes",
		ImageBucket:             "images",
		MaxFileSize:             1 << 20,
		OperationTimeout:        time.Second,
		UploadTimeout:           time.Second,
		PresignExpiry:           time.Minute,
		HealthCheckBeforeUpload: true,
		Retry:                   fastPolicy(1),
	}, nil)
	before := store.PingCalls.Load()
	_, err := files.UploadFile(context.Background(), "resumes", "u/pdf/a.pdf", []byte("%PDF-1.4"), UploadOptions{})
	require.NoError(t, err)
	assert.Eventually(t, func() bool { return store.PingCalls.Load() > before }, time.Second, 5*time.Millisecond)
}

func TestTestAllConnections_RunsConcurrently(t *testing.T) {
	db := &testutil.StubProber{Delay: 100 * time.Millisecond}
	objects := &testutil.StubProber{Delay: 100 * time.Millisecond, Err: errors.New("timeout")}
	checker := NewHealthChecker(HealthCheckerOptions{ProbeTimeout: time.Second}, nil,
		NamedProbe{Name: DependencyDatabase, Prober: db},
		NamedProbe{Name: DependencyStorage, Prober: objects},
	)

	start := time.Now()
	report := checker.TestAllConnections(context.Background())
	elapsed := time.Since(start)

	assert.Less(t, elapsed, 180*time.Millisecond)
	assert.False(t, report.Healthy)
	assert.True(t, report.Dependencies[DependencyDatabase].Healthy)
	assert.False(t, report.Dependencies[DependencyStorage].Healthy)
}

func TestTestAllConnections_ProbeTimeout(t *testing.T) {
	slow := &testutil.StubProber{Delay: time.Second}
	checker := NewHealthChecker(HealthCheckerOptions{ProbeTimeout: 30 * time.Millisecond}, nil,
		NamedProbe{Name: DependencyDatabase, Prober: slow})

	start := time.Now()
	report := checker.TestAllConnections(context.Background())
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.False(t, report.Healthy)
	assert.Contains(t, report.Dependencies[DependencyDatabase].Error, "timed out")
}

type stubConnectivity struct{ healthy atomic.Bool }

func (s *stubConnectivity) TestAllConnections(ctx context.Context) HealthReport {
	return HealthReport{Healthy: s.healthy.Load()}
}

func TestConnectionMonitor_DebouncesOnline(t *testing.T) {
	m := NewConnectionMonitor(&stubConnectivity{}, time.Hour, 50*time.Millisecond, nil)
	defer m.Stop()

	var mu sync.Mutex
	var events []bool
	m.Subscribe(func(online bool) {
		mu.Lock()
		events = append(events, online)
		mu.Unlock()
	})

	m.SetOnline(false)
	m.SetOnline(true)
	m.SetOnline(false)
	m.SetOnline(true)

	mu.Lock()
	assert.Equal(t, []bool{false, false}, events, "抖动期间的上线通知被合并")
	mu.Unlock()

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(events) == 3 && events[2]
	}, time.Second, 10*time.Millisecond)
	assert.True(t, m.IsOnline())
}

func TestConnectionMonitor_WaitForConnection(t *testing.T) {
	probe := &stubConnectivity{}
	m := NewConnectionMonitor(probe, time.Hour, 0, nil)
	defer m.Stop()

	require.NoError(t, m.WaitForConnection(context.Background(), time.Millisecond))

	m.Poll(context.Background())
	require.False(t, m.IsOnline())

	err := m.WaitForConnection(context.Background(), 20*time.Millisecond)
	assert.Equal(t, apperr.CodeTimeout, apperr.CodeOf(err))

	go func() {
		time.Sleep(20 * time.Millisecond)
		probe.healthy.Store(true)
		m.Poll(context.Background())
	}()
	assert.NoError(t, m.WaitForConnection(context.Background(), time.Second))
}

func TestConnectionMonitor_StartPolls(t *testing.T) {
	probe := &stubConnectivity{}
	m := NewConnectionMonitor(probe, 10*time.Millisecond, 0, nil)
	m.Start()
	defer m.Stop()

	assert.Eventually(t, func() bool { return !m.IsOnline() }, time.Second, 5*time.Millisecond)
	probe.healthy.Store(true)
	assert.Eventually(t, m.IsOnline, time.Second, 5*time.Millisecond)
}

func newTestResumeService(repo storage.ResumeRepository, files *FileService, pub storage.EventPublisher, bg *resilience.Background) *ResumeService {
	return NewResumeService(ResumeServiceDeps{
		Repo:       repo,
		Files:      files,
		Background: bg,
		Events:     pub,
		RabbitMQ:   &config.RabbitMQConfig{DeletedRoutingKey: "resume.deleted"},
		Retry:      fastPolicy(2),
		Timeout:    time.Second,
	})
}

func TestResumeService_CRUD(t *testing.T) {
	repo := testutil.NewMemoryResumeRepository()
	svc := newTestResumeService(repo, nil, nil, nil)
	ctx := context.Background()

	older := &types.ResumeRecord{ID: "r1", UserID: "u1", PDFPath: "u1/pdf/a.pdf", CreatedAt: time.Now().Add(-time.Hour)}
	newer := &types.ResumeRecord{ID: "r2", UserID: "u1", PDFPath: "u1/pdf/b.pdf"}
	other := &types.ResumeRecord{ID: "r3", UserID: "u2", PDFPath: "u2/pdf/c.pdf"}
	for _, r := range []*types.ResumeRecord{older, newer, other} {
		require.NoError(t, svc.Create(ctx, r))
	}

	list, err := svc.GetAll(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "r2", list[0].ID)
	assert.True(t, list[1].Pending())

	_, err = svc.GetByID(ctx, "u1", "r3")
	require.Error(t, err)
	assert.Equal(t, apperr.CodeNotFound, apperr.CodeOf(err))

	fb := types.PlaceholderFeedback("test")
	require.NoError(t, svc.UpdateFeedback(ctx, "u1", "r1", fb))
	got, err := svc.GetByID(ctx, "u1", "r1")
	require.NoError(t, err)
	require.NotNil(t, got.OverallScore)
	assert.Equal(t, 0, *got.OverallScore)

	err = svc.UpdateFeedback(ctx, "u1", "missing", fb)
	assert.Equal(t, apperr.CodeNotFound, apperr.CodeOf(err))

	err = svc.Create(ctx, &types.ResumeRecord{UserID: "u1"})
	assert.Equal(t, apperr.CodeValidation, apperr.CodeOf(err))
}

func TestResumeService_DeleteCleansBlobsBestEffort(t *testing.T) {
	store := testutil.NewMemoryObjectStore()
	files := newTestFileService(store)
	repo := testutil.NewMemoryResumeRepository()
	pub := &testutil.RecordingPublisher{}
	bg := resilience.NewBackground(nil, time.Second)
	svc := newTestResumeService(repo, files, pub, bg)
	ctx := context.Background()

	_, err := files.UploadFile(ctx, "resumes", "u1/pdf/a.pdf", []byte("pdf"), UploadOptions{})
	require.NoError(t, err)
	_, err = files.UploadFile(ctx, "images", "u1/image/a.png", []byte("png"), UploadOptions{})
	require.NoError(t, err)
	img := "u1/image/a.png"
	require.NoError(t, svc.Create(ctx, &types.ResumeRecord{ID: "r1", UserID: "u1", PDFPath: "u1/pdf/a.pdf", ImagePath: &img}))

	require.NoError(t, svc.Delete(ctx, "u1", "r1"))
	bg.Wait()

	assert.Equal(t, 0, repo.Count())
	assert.Equal(t, 0, store.Count())
	events := pub.Published()
	require.Len(t, events, 1)
	assert.Equal(t, "resume.deleted", events[0].RoutingKey)
	assert.Equal(t, "r1", events[0].Event.ResumeID)
}

func TestResumeService_DeleteSucceedsWhenBlobCleanupFails(t *testing.T) {
	store := testutil.NewMemoryObjectStore()
	store.RemoveErr = errors.New("access denied")
	files := newTestFileService(store)
	repo := testutil.NewMemoryResumeRepository()
	bg := resilience.NewBackground(nil, time.Second)
	svc := newTestResumeService(repo, files, nil, bg)
	ctx := context.Background()

	require.NoError(t, svc.Create(ctx, &types.ResumeRecord{ID: "r1", UserID: "u1", PDFPath: "u1/pdf/a.pdf"}))
	require.NoError(t, svc.Delete(ctx, "u1", "r1"))
	bg.Wait()

	assert.Equal(t, 0, repo.Count())
	assert.GreaterOrEqual(t, store.RemoveCalls.Load(), int32(1))

	err := svc.Delete(ctx, "u1", "r1")
	assert.Equal(t, apperr.CodeNotFound, apperr.CodeOf(err))
}
