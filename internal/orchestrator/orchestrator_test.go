package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"resume-feedback/internal/analysis"
	"resume-feedback/internal/apperr"
	"resume-feedback/internal/parser"
	"resume-feedback/internal/remote"
	"resume-feedback/internal/resilience"
	"resume-feedback/internal/storage"
	"resume-feedback/internal/testutil"
	"resume-feedback/internal/types"
	"resume-feedback/pkg/agent"
)

const aiFeedback = `{
  "overall_score": 78,
  "ats_score": 81,
  "categories": {
    "ats_compatibility": {"score": 85, "weight": 25, "tips": [{"tip": "Use standard headings", "explanation": "ATS looks for them", "priority": "medium"}]},
    "content_quality": {"score": 72, "weight": 25, "tips": []}
  },
  "suggestions": ["Quantify results"]
}`

var janeDoe = testutil.BuildPDF(
	[]string{
		"Jane Doe Resume",
		"Backend Engineer with eight years of experience building services",
		"Skills: Go, MySQL, Redis, Kubernetes",
	},
	[]string{
		"Experience: Acme Corp 2019 to 2024",
		"Led the migration of billing to an event driven design",
	},
)

func janeDoeSubmission() Submission {
	return Submission{
		UserID:   "user-1",
		Document: Document{Name: "jane_doe.pdf", ContentType: "application/pdf", Data: janeDoe},
		Job: types.JobContext{
			CompanyName:    "Acme",
			JobTitle:       "Backend Engineer",
			JobDescription: "Build and operate Go services backed by MySQL and Redis.",
		},
		Mode: types.ModeRecruiter,
	}
}

type stubPreview struct {
	png []byte
	err error
}

func (s stubPreview) RenderFirstPage(ctx context.Context, data []byte) ([]byte, error) {
	return s.png, s.err
}

// blockingProbe 健康检查一直挂起，直到上下文结束
type blockingProbe struct{}

func (blockingProbe) TestAllConnections(ctx context.Context) remote.HealthReport {
	<-ctx.Done()
	return remote.HealthReport{}
}

type harness struct {
	store   *testutil.MemoryObjectStore
	repo    *testutil.MemoryResumeRepository
	markers *testutil.MemoryMarkerStore
	events  *testutil.RecordingPublisher
	chat    *agent.MockChatClient
	orch    *Orchestrator
	mgr     *SessionManager

	mu     sync.Mutex
	states []State
	last   resilience.Progress
}

type harnessConfig struct {
	preview parser.PreviewRenderer
	chat    *agent.MockChatClient
	health  remote.ConnectivityProbe
	opts    []Option
}

func fastPolicy(attempts int) resilience.RetryPolicy {
	return resilience.RetryPolicy{MaxAttempts: attempts, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Factor: 2}
}

func newHarness(t *testing.T, cfg harnessConfig) *harness {
	t.Helper()
	h := &harness{
		store:   testutil.NewMemoryObjectStore(),
		repo:    testutil.NewMemoryResumeRepository(),
		markers: testutil.NewMemoryMarkerStore(),
		events:  &testutil.RecordingPublisher{},
		chat:    cfg.chat,
	}
	if h.chat == nil {
		h.chat = agent.NewMockChatClient(aiFeedback, nil)
	}
	if cfg.preview == nil {
		cfg.preview = stubPreview{png: []byte("\x89PNG fake")}
	}

	files := remote.NewFileService(h.store, nil, remote.FileServiceConfig{
		PDFBucket:        "resumes",
		ImageBucket:      "images",
		MaxFileSize:      10 << 20,
		OperationTimeout: 2 * time.Second,
		UploadTimeout:    5 * time.Second,
		PresignExpiry:    time.Minute,
		Retry:            fastPolicy(2),
	}, nil)
	records := remote.NewResumeService(remote.ResumeServiceDeps{
		Repo:    h.repo,
		Files:   files,
		Retry:   fastPolicy(2),
		Timeout: 2 * time.Second,
	})
	docs := parser.NewProcessor(parser.LedongthucPDFExtractor{}, cfg.preview,
		parser.ProcessorOptions{MaxFileSize: 10 << 20, ExtractTimeout: 2 * time.Second}, nil)
	analyzer := analysis.NewClient(h.chat, analysis.Options{MaxAttempts: 2, Timeout: time.Second, RetryDelay: time.Millisecond}, nil)

	opts := append([]Option{WithIDGenerator(func() string { return "resume-1" })}, cfg.opts...)
	orch, err := New(Deps{
		Documents:          docs,
		Files:              files,
		Records:            records,
		Analyzer:           analyzer,
		Health:             cfg.health,
		Markers:            h.markers,
		Events:             h.events,
		AnalyzedRoutingKey: "resume.analyzed",
	}, opts...)
	require.NoError(t, err)
	h.orch = orch
	h.mgr = NewSessionManager(orch, h.markers, h.markers, nil)
	return h
}

func (h *harness) observer() Observer {
	return Observer{
		OnState: func(_, to State) {
			h.mu.Lock()
			h.states = append(h.states, to)
			h.mu.Unlock()
		},
		OnProgress: func(p resilience.Progress) {
			h.mu.Lock()
			h.last = p
			h.mu.Unlock()
		},
	}
}

func (h *harness) visited() []State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]State(nil), h.states...)
}

func TestRun_JaneDoeEndToEnd(t *testing.T) {
	h := newHarness(t, harnessConfig{})

	res, err := h.orch.Run(context.Background(), janeDoeSubmission(), h.observer())
	require.NoError(t, err)
	h.orch.Wait()

	assert.Equal(t, "resume-1", res.ResumeID)
	assert.Equal(t, "/resume/resume-1", res.RedirectURL)
	assert.False(t, res.Degraded)
	assert.Equal(t, types.Score(78), res.Feedback.OverallScore)
	require.NotNil(t, res.ImagePath)

	assert.Equal(t, pipeline, h.visited(), "按顺序经过每个状态")
	assert.Equal(t, TotalSteps, h.last.Step)
	assert.Equal(t, 100, h.last.Percent)
	assert.Equal(t, "Analysis complete!", h.last.Message)

	assert.True(t, h.store.Has("resumes", res.PDFPath))
	assert.True(t, h.store.Has("images", *res.ImagePath))

	rec, ok := h.repo.Get("resume-1")
	require.True(t, ok)
	assert.Equal(t, "Acme", rec.CompanyName)
	require.NotNil(t, rec.Feedback)
	require.NotNil(t, rec.OverallScore)
	assert.Equal(t, 78, *rec.OverallScore)

	// 提示词里带着提取出来的简历文本
	msgs := h.chat.LastMessages()
	require.Len(t, msgs, 2)
	assert.Contains(t, msgs[1].Content, "Jane Doe Resume")
	assert.Contains(t, msgs[1].Content, "Acme Corp")

	marker, err := h.markers.GetLastUpload(context.Background(), "user-1")
	require.NoError(t, err)
	require.NotNil(t, marker)
	assert.Equal(t, "resume-1", marker.ResumeID)

	published := h.events.Published()
	require.Len(t, published, 1)
	assert.Equal(t, "resume.analyzed", published[0].RoutingKey)
	assert.Equal(t, 78, *published[0].Event.OverallScore)
	assert.False(t, published[0].Event.Placeholder)
}

func TestRun_PersistFeedbackFailureRollsBackEverything(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	h.repo.UpdateErr = errors.New("deadlock found when trying to get lock")

	_, err := h.orch.Run(context.Background(), janeDoeSubmission(), h.observer())
	require.Error(t, err)

	states := h.visited()
	assert.Equal(t, StateFailed, states[len(states)-1])
	assert.Contains(t, states, StatePersistFeedback)
	assert.Zero(t, h.store.Count(), "所有文件都应被删除")
	assert.Zero(t, h.repo.Count(), "记录应被删除")

	marker, err := h.markers.GetLastUpload(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Nil(t, marker)
	assert.Empty(t, h.events.Published())
}

func TestRun_PersistRecordFailureRollsBackBlobs(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	h.repo.CreateErr = errors.New("table resumes is read only")

	_, err := h.orch.Run(context.Background(), janeDoeSubmission(), h.observer())
	require.Error(t, err)
	assert.Equal(t, apperr.CodeStorage, apperr.CodeOf(err))

	states := h.visited()
	assert.Equal(t, StateFailed, states[len(states)-1])
	assert.Contains(t, states, StatePersistRecord)
	assert.NotContains(t, states, StateAnalyzeWithAI)
	assert.Equal(t, int32(2), h.store.PutCalls.Load(), "PDF和预览都已上传")
	assert.Zero(t, h.store.Count(), "上传的文件都应被删除")
	assert.Zero(t, h.repo.Count())
	assert.Zero(t, h.chat.Calls(), "建档失败后不调用AI")
	assert.Empty(t, h.events.Published())
}

func TestRun_UploadPdfFailureIsTerminal(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	h.store.PutHook = func(ctx context.Context, bucket, key string, attempt int) error {
		if bucket == "resumes" {
			return storage.ErrAccessDenied
		}
		return nil
	}

	_, err := h.orch.Run(context.Background(), janeDoeSubmission(), h.observer())
	require.Error(t, err)
	assert.Equal(t, apperr.CodePermission, apperr.CodeOf(err))
	assert.Equal(t, int32(1), h.store.PutCalls.Load(), "权限错误不重试")

	states := h.visited()
	assert.Equal(t, StateFailed, states[len(states)-1])
	assert.Contains(t, states, StateUploadPdf)
	assert.NotContains(t, states, StateGeneratePreview)
	assert.NotContains(t, states, StatePersistRecord)
	assert.Zero(t, h.store.Count())
	assert.Zero(t, h.repo.Count(), "不创建记录")
}

func TestRun_PreviewFailureStillCompletes(t *testing.T) {
	h := newHarness(t, harnessConfig{preview: stubPreview{err: errors.New("chrome not found")}})

	res, err := h.orch.Run(context.Background(), janeDoeSubmission(), h.observer())
	require.NoError(t, err)

	assert.Nil(t, res.ImagePath)
	assert.Contains(t, res.PreviewError, "chrome not found")
	assert.Equal(t, 1, h.store.Count(), "只有PDF")
	rec, ok := h.repo.Get(res.ResumeID)
	require.True(t, ok)
	assert.Nil(t, rec.ImagePath)
	assert.Equal(t, StateComplete, h.visited()[len(h.visited())-1])
}

func TestRun_PreviewUploadFailureIsCleanedUp(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	h.store.PutHook = func(ctx context.Context, bucket, key string, attempt int) error {
		if bucket == "images" {
			return errors.New("access denied")
		}
		return nil
	}

	res, err := h.orch.Run(context.Background(), janeDoeSubmission(), h.observer())
	require.NoError(t, err)
	h.orch.Wait()

	assert.Nil(t, res.ImagePath)
	assert.Equal(t, 1, h.store.Count())
	assert.True(t, h.store.Has("resumes", res.PDFPath))
}

func TestRun_AIFailureUsesPlaceholder(t *testing.T) {
	chat := agent.NewMockChatClient("", &agent.APIError{StatusCode: 401, Body: "invalid api key"})
	h := newHarness(t, harnessConfig{chat: chat})

	res, err := h.orch.Run(context.Background(), janeDoeSubmission(), h.observer())
	require.NoError(t, err)
	h.orch.Wait()

	assert.True(t, res.Degraded)
	assert.Equal(t, types.Score(0), res.Feedback.OverallScore)
	require.Len(t, res.Feedback.Categories, len(types.CategoryKeys()))
	for key, c := range res.Feedback.Categories {
		assert.NotEmpty(t, c.Tips, "维度 %s 应有说明", key)
	}

	rec, ok := h.repo.Get(res.ResumeID)
	require.True(t, ok)
	require.NotNil(t, rec.Feedback)
	assert.True(t, rec.Feedback.Placeholder)
	assert.True(t, h.store.Has("resumes", res.PDFPath), "降级不回滚")

	published := h.events.Published()
	require.Len(t, published, 1)
	assert.True(t, published[0].Event.Placeholder)
}

func TestRun_MalformedAIResponseUsesPlaceholder(t *testing.T) {
	chat := agent.NewMockChatClientSequential(
		agent.MockResponse{Content: "Great resume!"},
		agent.MockResponse{Content: "Still not JSON"},
	)
	h := newHarness(t, harnessConfig{chat: chat})

	res, err := h.orch.Run(context.Background(), janeDoeSubmission(), h.observer())
	require.NoError(t, err)
	assert.True(t, res.Degraded)
	assert.Equal(t, 2, chat.Calls())
}

func TestRun_ValidationFailsBeforeAnyStateChange(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	sub := janeDoeSubmission()
	sub.Job.CompanyName = " "
	sub.Document.Data = nil

	_, err := h.orch.Run(context.Background(), sub, h.observer())
	require.Error(t, err)
	assert.Equal(t, apperr.CodeValidation, apperr.CodeOf(err))
	assert.Contains(t, err.Error(), "Company name is required")
	assert.Contains(t, err.Error(), "File cannot be empty")
	assert.Empty(t, h.visited())
	assert.Zero(t, h.store.PutCalls.Load())
	assert.Zero(t, h.chat.Calls())

	sub = janeDoeSubmission()
	sub.UserID = ""
	_, err = h.orch.Run(context.Background(), sub, h.observer())
	assert.Equal(t, apperr.CodePermission, apperr.CodeOf(err))
}

func TestRun_ExtractionFailureIsTerminal(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	sub := janeDoeSubmission()
	sub.Document.Data = []byte("%PDF-1.4 not really a pdf")

	_, err := h.orch.Run(context.Background(), sub, h.observer())
	require.Error(t, err)
	assert.Equal(t, apperr.CodeExtraction, apperr.CodeOf(err))
	assert.Zero(t, h.store.PutCalls.Load(), "提取失败时不上传")
	assert.Equal(t, StateFailed, h.visited()[len(h.visited())-1])
}

func TestRun_StuckUploadFails(t *testing.T) {
	h := newHarness(t, harnessConfig{opts: []Option{WithMaxDwell(map[State]time.Duration{StateUploadPdf: 50 * time.Millisecond})}})
	h.store.PutHook = func(ctx context.Context, bucket, key string, attempt int) error {
		<-ctx.Done()
		return ctx.Err()
	}

	start := time.Now()
	_, err := h.orch.Run(context.Background(), janeDoeSubmission(), h.observer())
	require.Error(t, err)
	assert.Equal(t, apperr.CodeStepStuck, apperr.CodeOf(err))
	assert.Contains(t, err.Error(), "stuck")
	assert.Less(t, time.Since(start), 2*time.Second)

	states := h.visited()
	assert.Equal(t, StateFailed, states[len(states)-1])
	assert.Zero(t, h.store.Count())
	assert.Zero(t, h.repo.Count())
}

func TestRun_StuckPreflightAdvances(t *testing.T) {
	h := newHarness(t, harnessConfig{
		health: blockingProbe{},
		opts: []Option{
			WithPreflightTimeout(10 * time.Second),
			WithMaxDwell(map[State]time.Duration{StatePreflightCheck: 30 * time.Millisecond}),
		},
	})

	start := time.Now()
	res, err := h.orch.Run(context.Background(), janeDoeSubmission(), h.observer())
	require.NoError(t, err)
	assert.Equal(t, "resume-1", res.ResumeID)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestRun_ParentCancelBeforeStart(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := h.orch.Run(ctx, janeDoeSubmission(), h.observer())
	assert.Equal(t, apperr.CodeCancelled, apperr.CodeOf(err))
	assert.Zero(t, h.store.PutCalls.Load())
}

func TestRun_MarkerFailureDoesNotFailUpload(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	h.markers.SetErr = errors.New("redis: connection refused")

	_, err := h.orch.Run(context.Background(), janeDoeSubmission(), h.observer())
	assert.NoError(t, err)
}

func TestStateMachine_IllegalTransitions(t *testing.T) {
	sm := NewStateMachine(nil)

	err := sm.Transition(StateUploadPdf)
	require.Error(t, err)
	assert.Equal(t, apperr.CodeIllegalTransition, apperr.CodeOf(err))
	assert.Equal(t, StateIdle, sm.Current(), "非法迁移不改变状态")

	require.NoError(t, sm.Transition(StatePreflightCheck))
	require.NoError(t, sm.Transition(StateExtractText))
	assert.Error(t, sm.Transition(StatePreflightCheck), "不允许回退")
	assert.Error(t, sm.Transition(StateComplete), "不允许跳步")
	require.NoError(t, sm.Transition(StateCancelled))
	assert.Error(t, sm.Transition(StateFailed))
	require.NoError(t, sm.Transition(StateIdle))
}

func TestCanTransition(t *testing.T) {
	assert.True(t, CanTransition(StatePersistFeedback, StateComplete))
	assert.False(t, CanTransition(StateComplete, StateFailed))
	assert.False(t, CanTransition(StateIdle, StateFailed))
	for _, s := range pipeline[:len(pipeline)-1] {
		assert.True(t, CanTransition(s, StateCancelled), s)
		assert.True(t, CanTransition(s, StateFailed), s)
		assert.True(t, s.InProgress())
	}
	assert.True(t, StateComplete.Terminal())
	assert.False(t, StateIdle.InProgress())
}

func TestParseMaxDwell(t *testing.T) {
	dwell, err := ParseMaxDwell(map[string]string{"upload_pdf": "5m"})
	require.NoError(t, err)
	assert.Equal(t, 5*time.Minute, dwell[StateUploadPdf])
	assert.Equal(t, 3*time.Minute, dwell[StateAnalyzeWithAI])

	_, err = ParseMaxDwell(map[string]string{"complete": "1s"})
	assert.Error(t, err)
	_, err = ParseMaxDwell(map[string]string{"upload_pdf": "soon"})
	assert.Error(t, err)
}

func TestUploadTransaction(t *testing.T) {
	tx := NewUploadTransaction("r1")
	tx.RecordUpload("resumes", "a.pdf")
	tx.RecordUpload("resumes", "a.pdf")
	tx.RecordUpload("images", "a.png")
	assert.Len(t, tx.Uploaded(), 2)

	tx.ForgetUpload("images", "a.png")
	assert.Equal(t, []UploadedFile{{Bucket: "resumes", Path: "a.pdf"}}, tx.Uploaded())

	tx.MarkRecordCreated()
	tx.Reset()
	assert.Empty(t, tx.Uploaded())
	assert.False(t, tx.RecordCreated())
	assert.Equal(t, "r1", tx.ResumeID())
}
