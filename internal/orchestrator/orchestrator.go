package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"resume-feedback/internal/analysis"
	"resume-feedback/internal/apperr"
	"resume-feedback/internal/constants"
	"resume-feedback/internal/parser"
	"resume-feedback/internal/remote"
	"resume-feedback/internal/resilience"
	"resume-feedback/internal/storage"
	"resume-feedback/internal/tracing"
	"resume-feedback/internal/types"
)

// DocumentProcessor 文本提取、预览和文件校验
type DocumentProcessor interface {
	ValidateDocument(filename, contentType string, data []byte) parser.ValidationResult
	ExtractText(ctx context.Context, data []byte, filename string) (string, error)
	RenderFirstPagePreview(ctx context.Context, data []byte) ([]byte, error)
}

// FileStore 远程文件存储
type FileStore interface {
	PDFBucket() string
	ImageBucket() string
	UploadFile(ctx context.Context, bucket, path string, data []byte, opts remote.UploadOptions) (string, error)
	DeleteFile(ctx context.Context, bucket, path string) error
}

// RecordStore 简历记录存储
type RecordStore interface {
	Create(ctx context.Context, rec *types.ResumeRecord) error
	UpdateFeedback(ctx context.Context, userID, resumeID string, feedback *types.FeedbackResult) error
	DeleteRecord(ctx context.Context, userID, resumeID string) error
}

// MarkerStore 最近一次成功上传的标记
type MarkerStore interface {
	SetLastUpload(ctx context.Context, userID string, marker *types.LastUpload) error
}

// Document 待分析的PDF
type Document struct {
	Name        string
	ContentType string
	Data        []byte
}

// Submission 一次分析请求
type Submission struct {
	UserID   string
	Document Document
	Job      types.JobContext
	Mode     types.AnalysisMode
}

// Result 成功结束时的结果
type Result struct {
	ResumeID     string                `json:"resume_id"`
	PDFPath      string                `json:"pdf_path"`
	ImagePath    *string               `json:"image_path"`
	Feedback     *types.FeedbackResult `json:"feedback"`
	Degraded     bool                  `json:"degraded"` // 使用了占位反馈
	PreviewError string                `json:"preview_error,omitempty"`
	RedirectURL  string                `json:"redirect_url"`
}

// Observer 状态与进度回调，可以为空
type Observer struct {
	OnState    func(from, to State)
	OnProgress func(resilience.Progress)
}

// Deps 编排器依赖，Health、Markers 和 Events 可以为 nil
type Deps struct {
	Documents          DocumentProcessor
	Files              FileStore
	Records            RecordStore
	Analyzer           analysis.Analyzer
	Health             remote.ConnectivityProbe
	Markers            MarkerStore
	Events             storage.EventPublisher
	AnalyzedRoutingKey string
}

// Orchestrator 驱动 预检→提取→上传→预览→写库→AI分析→写反馈→完成 的流水线
type Orchestrator struct {
	deps             Deps
	logger           *zerolog.Logger
	paths            *remote.PathBuilder
	newID            func() string
	maxDwell         map[State]time.Duration
	preflightTimeout time.Duration
	cleanupTimeout   time.Duration
	defaultMode      types.AnalysisMode
	bg               *resilience.Background
}

// Option 编排器选项
type Option func(*Orchestrator)

func WithLogger(logger *zerolog.Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMaxDwell 覆盖部分状态的最长停留时间
func WithMaxDwell(dwell map[State]time.Duration) Option {
	return func(o *Orchestrator) {
		for s, d := range dwell {
			o.maxDwell[s] = d
		}
	}
}

func WithPreflightTimeout(d time.Duration) Option {
	return func(o *Orchestrator) { o.preflightTimeout = d }
}

func WithCleanupTimeout(d time.Duration) Option {
	return func(o *Orchestrator) { o.cleanupTimeout = d }
}

func WithPathBuilder(b *remote.PathBuilder) Option {
	return func(o *Orchestrator) { o.paths = b }
}

// WithIDGenerator 测试中固定简历ID
func WithIDGenerator(fn func() string) Option {
	return func(o *Orchestrator) { o.newID = fn }
}

func WithDefaultMode(m types.AnalysisMode) Option {
	return func(o *Orchestrator) { o.defaultMode = m }
}

// New 创建编排器
func New(deps Deps, opts ...Option) (*Orchestrator, error) {
	if deps.Documents == nil || deps.Files == nil || deps.Records == nil || deps.Analyzer == nil {
		return nil, errors.New("orchestrator 需要 Documents、Files、Records 和 Analyzer")
	}
	nop := zerolog.Nop()
	o := &Orchestrator{
		deps:             deps,
		logger:           &nop,
		paths:            remote.NewPathBuilder(nil, nil),
		newID:            newResumeID,
		maxDwell:         DefaultMaxDwell(),
		preflightTimeout: 8 * time.Second,
		cleanupTimeout:   30 * time.Second,
		defaultMode:      types.ModeRecruiter,
	}
	for _, opt := range opts {
		opt(o)
	}
	o.bg = resilience.NewBackground(o.logger, o.cleanupTimeout)
	return o, nil
}

func newResumeID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// Wait 等待后台清理和事件发布结束
func (o *Orchestrator) Wait() {
	o.bg.Wait()
}

// Validate 提交前的表单与文件校验，不发起任何网络调用
func (o *Orchestrator) Validate(sub Submission) error {
	const op = "orchestrator.validate"
	if strings.TrimSpace(sub.UserID) == "" {
		return apperr.New(apperr.CodePermission, op, "user id is required")
	}
	var reasons []string
	if strings.TrimSpace(sub.Job.CompanyName) == "" {
		reasons = append(reasons, "Company name is required")
	}
	if strings.TrimSpace(sub.Job.JobTitle) == "" {
		reasons = append(reasons, "Job title is required")
	}
	if strings.TrimSpace(sub.Job.JobDescription) == "" {
		reasons = append(reasons, "Job description is required")
	}
	v := o.deps.Documents.ValidateDocument(sub.Document.Name, sub.Document.ContentType, sub.Document.Data)
	reasons = append(reasons, v.Reasons...)
	if len(reasons) > 0 {
		return apperr.New(apperr.CodeValidation, op, strings.Join(reasons, "; "))
	}
	return nil
}

var errPreflightForced = errors.New("preflight exceeded its dwell time")

// run 单次执行的可变状态
type run struct {
	o        *Orchestrator
	sub      Submission
	tx       *UploadTransaction
	sm       *StateMachine
	progress *resilience.ProgressTracker
	watchdog *watchdog
	log      zerolog.Logger
	cancel   context.CancelCauseFunc

	mu              sync.Mutex
	preflightCancel context.CancelCauseFunc

	text       string
	feedback   *types.FeedbackResult
	degraded   bool
	previewErr error
}

// Run 同步执行整条流水线。失败或取消时先完成回滚再返回，
// 返回的错误带有稳定错误码
func (o *Orchestrator) Run(ctx context.Context, sub Submission, obs Observer) (*Result, error) {
	if err := o.Validate(sub); err != nil {
		return nil, err
	}
	if sub.Mode == "" {
		sub.Mode = o.defaultMode
	}

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	r := &run{
		o:      o,
		sub:    sub,
		tx:     NewUploadTransaction(o.newID()),
		cancel: cancel,
	}
	r.log = o.logger.With().Str("resume_id", r.tx.ResumeID()).Str("user_id", sub.UserID).Logger()
	r.sm = NewStateMachine(func(from, to State) {
		r.log.Debug().Str("from", string(from)).Str("state", string(to)).Msg("状态迁移")
		if obs.OnState != nil {
			obs.OnState(from, to)
		}
	})
	r.progress = resilience.NewProgressTracker(TotalSteps, obs.OnProgress)
	r.watchdog = newWatchdog(o.maxDwell, r.onStuck)
	defer r.watchdog.stop()

	spanCtx, span := tracing.Tracer().Start(runCtx, "orchestrator.Run", trace.WithAttributes(
		attribute.String("resume.id", r.tx.ResumeID()),
		attribute.String("user.id", sub.UserID),
		attribute.String("analysis.mode", string(sub.Mode)),
	))
	defer span.End()

	res, err := r.execute(spanCtx)
	if err == nil {
		return res, nil
	}

	r.watchdog.stop()
	// 取消或卡住时，以上下文的原因为准
	if cerr := apperr.FromContext(runCtx, "orchestrator.run"); cerr != nil {
		err = cerr
	}
	failedAt := r.sm.Current()
	r.rollback(spanCtx)

	final := StateFailed
	if apperr.Is(err, apperr.CodeCancelled) {
		final = StateCancelled
	}
	if failedAt.InProgress() {
		_ = r.sm.Transition(final)
	}

	tracing.RecordAppError(span, err, attribute.String("state", string(failedAt)))
	level := zerolog.ErrorLevel
	if final == StateCancelled {
		level = zerolog.InfoLevel
	}
	r.log.WithLevel(level).Err(err).Str("state", string(failedAt)).Str("code", string(apperr.CodeOf(err))).Msg("上传流程结束，已回滚")
	return nil, err
}

func (r *run) execute(ctx context.Context) (*Result, error) {
	steps := []struct {
		state State
		fn    func(ctx context.Context) error
	}{
		{StatePreflightCheck, r.preflight},
		{StateExtractText, r.extractText},
		{StateUploadPdf, r.uploadPDF},
		{StateGeneratePreview, r.generatePreview},
		{StatePersistRecord, r.persistRecord},
		{StateAnalyzeWithAI, r.analyze},
		{StatePersistFeedback, r.persistFeedback},
	}
	for _, s := range steps {
		if err := r.step(ctx, s.state, s.fn); err != nil {
			return nil, err
		}
	}
	return r.complete(ctx)
}

// step 检查取消、迁移状态、启动卡住检测，然后在独立 span 中执行
func (r *run) step(ctx context.Context, s State, fn func(ctx context.Context) error) error {
	op := "orchestrator." + string(s)
	if err := apperr.FromContext(ctx, op); err != nil {
		return err
	}
	if err := r.sm.Transition(s); err != nil {
		return err
	}
	r.watchdog.arm(s)
	r.progress.Increment(s.StepMessage())

	sctx, span := tracing.Tracer().Start(ctx, op)
	defer span.End()

	start := time.Now()
	err := fn(sctx)
	r.log.Debug().Str("state", string(s)).Dur("elapsed", time.Since(start)).AnErr("error", err).Msg("步骤结束")
	if err != nil {
		tracing.RecordAppError(span, err, attribute.String("state", string(s)))
	}
	return err
}

// 预检失败只记录警告，永远不阻塞
func (r *run) preflight(ctx context.Context) error {
	if r.o.deps.Health == nil {
		return nil
	}
	pctx, pcancel := context.WithCancelCause(ctx)
	r.mu.Lock()
	r.preflightCancel = pcancel
	r.mu.Unlock()
	defer pcancel(nil)

	report, err := resilience.WithTimeout(pctx, r.o.preflightTimeout, "preflight health check timed out",
		func(ctx context.Context) (remote.HealthReport, error) {
			return r.o.deps.Health.TestAllConnections(ctx), nil
		})

	if ctx.Err() != nil {
		return apperr.FromContext(ctx, "orchestrator.preflight")
	}
	switch {
	case errors.Is(context.Cause(pctx), errPreflightForced):
		r.log.Warn().Msg("预检超过最长停留时间，强制进入下一步")
	case err != nil:
		r.log.Warn().Err(err).Msg("预检超时，继续执行")
	case !report.Healthy:
		ev := r.log.Warn()
		for name, dep := range report.Dependencies {
			if !dep.Healthy {
				ev = ev.Str(name, dep.Error)
			}
		}
		ev.Msg("预检发现依赖不健康，继续执行")
	}
	return nil
}

func (r *run) extractText(ctx context.Context) error {
	doc := r.sub.Document
	text, err := r.o.deps.Documents.ExtractText(ctx, doc.Data, doc.Name)
	if err != nil {
		return err
	}
	r.text = text
	r.log.Debug().Int("chars", len(text)).Msg("文本提取完成")
	return nil
}

func (r *run) uploadPDF(ctx context.Context) error {
	const op = "orchestrator.uploadPdf"
	files := r.o.deps.Files
	path, err := r.o.paths.Build(r.sub.UserID, constants.PathTypePDF, r.sub.Document.Name)
	if err != nil {
		return apperr.Wrap(apperr.CodeValidation, op, err, "invalid upload path")
	}
	r.tx.RecordUpload(files.PDFBucket(), path)
	r.tx.SetPDFPath(path)

	_, err = files.UploadFile(ctx, files.PDFBucket(), path, r.sub.Document.Data, remote.UploadOptions{
		ContentType:     constants.ContentTypePDF,
		SkipHealthCheck: true,
		OnProgress: func(p remote.UploadProgress) {
			if p.Stage == remote.StageRetrying {
				r.log.Warn().Err(p.Err).Int("attempt", p.Attempt).Int("max_attempts", p.MaxAttempts).Msg("PDF上传重试")
			}
		},
	})
	return err
}

// 预览失败被吞掉，imagePath 保持为空
func (r *run) generatePreview(ctx context.Context) error {
	err := r.renderAndUploadPreview(ctx)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return apperr.FromContext(ctx, "orchestrator.generatePreview")
	}
	r.previewErr = err
	r.tx.SetImagePath(nil)
	r.log.Warn().Err(err).Msg("预览图生成失败，继续执行")
	return nil
}

func (r *run) renderAndUploadPreview(ctx context.Context) error {
	files := r.o.deps.Files
	png, err := r.o.deps.Documents.RenderFirstPagePreview(ctx, r.sub.Document.Data)
	if err != nil {
		return err
	}
	path, err := r.o.paths.Build(r.sub.UserID, constants.PathTypeImage, remote.PreviewFilename(r.sub.Document.Name))
	if err != nil {
		return err
	}
	bucket := files.ImageBucket()
	r.tx.RecordUpload(bucket, path)
	if _, err := files.UploadFile(ctx, bucket, path, png, remote.UploadOptions{
		ContentType:     constants.ContentTypePNG,
		SkipHealthCheck: true,
	}); err != nil {
		if ctx.Err() == nil {
			// 流程会继续，单独清理可能残留的预览图
			r.tx.ForgetUpload(bucket, path)
			r.o.bg.Go(ctx, resilience.Task{
				Name: "delete preview " + path,
				Run:  func(ctx context.Context) error { return files.DeleteFile(ctx, bucket, path) },
			})
		}
		return err
	}
	r.tx.SetImagePath(&path)
	return nil
}

func (r *run) persistRecord(ctx context.Context) error {
	rec := &types.ResumeRecord{
		ID:             r.tx.ResumeID(),
		UserID:         r.sub.UserID,
		CompanyName:    strings.TrimSpace(r.sub.Job.CompanyName),
		JobTitle:       strings.TrimSpace(r.sub.Job.JobTitle),
		JobDescription: strings.TrimSpace(r.sub.Job.JobDescription),
		PDFPath:        r.tx.PDFPath(),
		ImagePath:      r.tx.ImagePath(),
	}
	r.tx.MarkRecordCreated()
	return r.o.deps.Records.Create(ctx, rec)
}

// AI失败不回滚，改用占位反馈
func (r *run) analyze(ctx context.Context) error {
	fb, err := r.o.deps.Analyzer.Analyze(ctx, analysis.Request{
		ResumeText: r.text,
		Job:        r.sub.Job,
		Mode:       r.sub.Mode,
	})
	if err != nil {
		if ctx.Err() != nil {
			return apperr.FromContext(ctx, "orchestrator.analyze")
		}
		r.log.Warn().Err(err).Str("code", string(apperr.CodeOf(err))).Msg("AI分析失败，使用占位反馈")
		trace.SpanFromContext(ctx).SetAttributes(attribute.Bool("analysis.degraded", true))
		fb = types.PlaceholderFeedback("")
		r.degraded = true
	}
	r.feedback = fb
	return nil
}

func (r *run) persistFeedback(ctx context.Context) error {
	return r.o.deps.Records.UpdateFeedback(ctx, r.sub.UserID, r.tx.ResumeID(), r.feedback)
}

func (r *run) complete(ctx context.Context) (*Result, error) {
	if err := apperr.FromContext(ctx, "orchestrator.complete"); err != nil {
		return nil, err
	}
	if err := r.sm.Transition(StateComplete); err != nil {
		return nil, err
	}
	r.watchdog.stop()
	r.progress.Complete(StateComplete.StepMessage())

	id := r.tx.ResumeID()
	res := &Result{
		ResumeID:    id,
		PDFPath:     r.tx.PDFPath(),
		ImagePath:   r.tx.ImagePath(),
		Feedback:    r.feedback,
		Degraded:    r.degraded,
		RedirectURL: fmt.Sprintf(constants.ResumeDetailPathFormat, id),
	}
	if r.previewErr != nil {
		res.PreviewError = r.previewErr.Error()
	}

	r.recordMarker(ctx, res)
	r.publishAnalyzed(ctx, res)

	r.log.Info().Int("overall_score", int(res.Feedback.OverallScore)).Bool("degraded", res.Degraded).
		Bool("has_preview", res.ImagePath != nil).Msg("上传流程完成")
	return res, nil
}

func (r *run) recordMarker(ctx context.Context, res *Result) {
	if r.o.deps.Markers == nil {
		return
	}
	mctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 3*time.Second)
	defer cancel()
	err := r.o.deps.Markers.SetLastUpload(mctx, r.sub.UserID, &types.LastUpload{
		ResumeID:    res.ResumeID,
		CompanyName: r.sub.Job.CompanyName,
		JobTitle:    r.sub.Job.JobTitle,
		Degraded:    res.Degraded,
		CompletedAt: time.Now().UTC(),
	})
	if err != nil {
		r.log.Warn().Err(err).Msg("写入最近上传标记失败")
	}
}

func (r *run) publishAnalyzed(ctx context.Context, res *Result) {
	if r.o.deps.Events == nil || r.o.deps.AnalyzedRoutingKey == "" {
		return
	}
	overall, ats := int(res.Feedback.OverallScore), int(res.Feedback.ATSScore)
	event := &storage.ResumeEvent{
		EventType:    constants.EventResumeAnalyzed,
		ResumeID:     res.ResumeID,
		UserID:       r.sub.UserID,
		CompanyName:  r.sub.Job.CompanyName,
		JobTitle:     r.sub.Job.JobTitle,
		OverallScore: &overall,
		ATSScore:     &ats,
		Placeholder:  res.Degraded,
		OccurredAt:   time.Now().UTC(),
	}
	events, key := r.o.deps.Events, r.o.deps.AnalyzedRoutingKey
	r.o.bg.Go(ctx, resilience.Task{
		Name: "publish " + constants.EventResumeAnalyzed,
		Run:  func(ctx context.Context) error { return events.PublishResumeEvent(ctx, key, event) },
	})
}

// rollback 并行删除事务记录的所有文件和数据库行，失败只记日志
func (r *run) rollback(ctx context.Context) {
	defer r.tx.Reset()

	files := r.o.deps.Files
	var tasks []resilience.Task
	for _, f := range r.tx.Uploaded() {
		tasks = append(tasks, resilience.Task{
			Name: "delete " + f.Bucket + "/" + f.Path,
			Run:  func(ctx context.Context) error { return files.DeleteFile(ctx, f.Bucket, f.Path) },
		})
	}
	if r.tx.RecordCreated() {
		userID, id := r.sub.UserID, r.tx.ResumeID()
		tasks = append(tasks, resilience.Task{
			Name: "delete record " + id,
			Run: func(ctx context.Context) error {
				err := r.o.deps.Records.DeleteRecord(ctx, userID, id)
				if apperr.Is(err, apperr.CodeNotFound) {
					return nil
				}
				return err
			},
		})
	}
	if len(tasks) == 0 {
		return
	}

	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.o.cleanupTimeout)
	defer cancel()
	failed := 0
	for _, out := range resilience.RunBestEffort(cctx, &r.log, tasks) {
		if out.Err != nil {
			failed++
		}
	}
	r.log.Info().Int("tasks", len(tasks)).Int("failed", failed).Msg("回滚完成")
}

func (r *run) onStuck(s State) {
	if r.sm.Current() != s {
		return
	}
	if s == StatePreflightCheck {
		r.mu.Lock()
		cancel := r.preflightCancel
		r.mu.Unlock()
		if cancel != nil {
			cancel(errPreflightForced)
		}
		return
	}
	r.log.Warn().Str("state", string(s)).Msg("步骤超过最长停留时间，取消上传")
	r.cancel(apperr.New(apperr.CodeStepStuck, "orchestrator."+string(s),
		fmt.Sprintf("The upload appears stuck (%s). Please try again.", strings.TrimSuffix(s.StepMessage(), "..."))).
		WithResume(r.tx.ResumeID()))
}

// watchdog 每个状态一个计时器，进入新状态时重置
type watchdog struct {
	mu      sync.Mutex
	timer   *time.Timer
	gen     uint64
	stopped bool
	dwell   map[State]time.Duration
	onStuck func(State)
}

func newWatchdog(dwell map[State]time.Duration, onStuck func(State)) *watchdog {
	return &watchdog{dwell: dwell, onStuck: onStuck}
}

func (w *watchdog) arm(s State) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	w.gen++
	d := w.dwell[s]
	if d <= 0 {
		return
	}
	gen := w.gen
	w.timer = time.AfterFunc(d, func() {
		w.mu.Lock()
		current := gen == w.gen && !w.stopped
		w.mu.Unlock()
		if current {
			w.onStuck(s)
		}
	})
}

func (w *watchdog) stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stopped = true
	w.gen++
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
}
