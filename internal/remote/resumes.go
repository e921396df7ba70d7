package remote

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"resume-feedback/internal/apperr"
	"resume-feedback/internal/config"
	"resume-feedback/internal/constants"
	"resume-feedback/internal/resilience"
	"resume-feedback/internal/storage"
	"resume-feedback/internal/tracing"
	"resume-feedback/internal/types"
)

// ResumeServiceDeps ResumeService 的依赖
type ResumeServiceDeps struct {
	Repo       storage.ResumeRepository
	Files      *FileService
	Background *resilience.Background // 尽力而为的文件清理与事件发布
	Events     storage.EventPublisher // 可以为 nil
	RabbitMQ   *config.RabbitMQConfig // 路由键，Events 为 nil 时可不填
	Retry      resilience.RetryPolicy
	Timeout    time.Duration
	Logger     *zerolog.Logger
}

// ResumeService 简历记录的增删改查，所有操作都按用户ID隔离
type ResumeService struct {
	repo    storage.ResumeRepository
	files   *FileService
	bg      *resilience.Background
	events  storage.EventPublisher
	mqCfg   *config.RabbitMQConfig
	retry   resilience.RetryPolicy
	timeout time.Duration
	logger  *zerolog.Logger
}

// NewResumeService 创建简历服务
func NewResumeService(deps ResumeServiceDeps) *ResumeService {
	logger := deps.Logger
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	bg := deps.Background
	if bg == nil {
		bg = resilience.NewBackground(logger, 30*time.Second)
	}
	if deps.Timeout <= 0 {
		deps.Timeout = 10 * time.Second
	}
	if deps.Retry.MaxAttempts == 0 {
		deps.Retry = resilience.DefaultRetryPolicy()
	}
	return &ResumeService{
		repo:    deps.Repo,
		files:   deps.Files,
		bg:      bg,
		events:  deps.Events,
		mqCfg:   deps.RabbitMQ,
		retry:   deps.Retry,
		timeout: deps.Timeout,
		logger:  logger,
	}
}

// Files 关联的文件服务
func (s *ResumeService) Files() *FileService { return s.files }

func runRepo[T any](ctx context.Context, s *ResumeService, op string, fn func(ctx context.Context, attempt int) (T, error)) (T, error) {
	policy := s.retry
	policy.OnRetry = func(attempt int, err error, delay time.Duration) {
		s.logger.Warn().Err(err).Str("op", op).Int("attempt", attempt).Dur("delay", delay).Msg("数据库操作失败，准备重试")
	}
	return resilience.RetryWithBackoff(ctx, policy, func(ctx context.Context, attempt int) (T, error) {
		v, err := resilience.WithTimeout(ctx, s.timeout, op+" timed out", func(ctx context.Context) (T, error) {
			return fn(ctx, attempt)
		})
		return v, classify(op, err)
	})
}

// Create 创建一条反馈为空的记录，ID 由调用方预先生成
func (s *ResumeService) Create(ctx context.Context, rec *types.ResumeRecord) error {
	const op = "resumeService.create"
	if rec == nil || rec.ID == "" || rec.UserID == "" {
		return apperr.New(apperr.CodeValidation, op, "resume id and user id are required")
	}
	if strings.TrimSpace(rec.PDFPath) == "" {
		return apperr.New(apperr.CodeValidation, op, "pdf path is required")
	}
	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = rec.CreatedAt

	_, err := runRepo(ctx, s, op, func(ctx context.Context, attempt int) (struct{}, error) {
		err := s.repo.CreateResume(ctx, rec)
		// 上一次尝试可能已经写入，只是响应丢失
		if attempt > 1 && errors.Is(err, storage.ErrDuplicateRecord) {
			return struct{}{}, nil
		}
		return struct{}{}, err
	})
	if err != nil {
		return withResume(err, rec.ID)
	}
	return nil
}

// GetAll 按创建时间倒序列出用户的所有记录
func (s *ResumeService) GetAll(ctx context.Context, userID string) ([]*types.ResumeRecord, error) {
	return runRepo(ctx, s, "resumeService.getAll", func(ctx context.Context, _ int) ([]*types.ResumeRecord, error) {
		return s.repo.ListResumes(ctx, userID)
	})
}

// GetByID 记录不存在时返回 NOT_FOUND
func (s *ResumeService) GetByID(ctx context.Context, userID, resumeID string) (*types.ResumeRecord, error) {
	const op = "resumeService.getById"
	rec, err := runRepo(ctx, s, op, func(ctx context.Context, _ int) (*types.ResumeRecord, error) {
		return s.repo.GetResume(ctx, userID, resumeID)
	})
	if err != nil {
		if apperr.Is(err, apperr.CodeNotFound) {
			nf := apperr.New(apperr.CodeNotFound, op, "resume not found").WithResume(resumeID)
			nf.Cause = err
			return nil, nf
		}
		return nil, withResume(err, resumeID)
	}
	return rec, nil
}

// UpdateFeedback 写入反馈，同时更新两个冗余分数
func (s *ResumeService) UpdateFeedback(ctx context.Context, userID, resumeID string, feedback *types.FeedbackResult) error {
	const op = "resumeService.updateFeedback"
	if feedback == nil {
		return apperr.New(apperr.CodeValidation, op, "feedback cannot be nil").WithResume(resumeID)
	}
	_, err := runRepo(ctx, s, op, func(ctx context.Context, _ int) (struct{}, error) {
		return struct{}{}, s.repo.UpdateFeedback(ctx, userID, resumeID, feedback)
	})
	return withResume(err, resumeID)
}

// DeleteRecord 只删除数据库行，回滚时使用
func (s *ResumeService) DeleteRecord(ctx context.Context, userID, resumeID string) error {
	_, err := runRepo(ctx, s, "resumeService.deleteRecord", func(ctx context.Context, _ int) (struct{}, error) {
		return struct{}{}, s.repo.DeleteResume(ctx, userID, resumeID)
	})
	return withResume(err, resumeID)
}

// Delete 先读出文件路径，删除数据库行，再在后台尽力删除两个文件。
// 文件清理失败只记录日志，不影响删除结果
func (s *ResumeService) Delete(ctx context.Context, userID, resumeID string) error {
	ctx, span := tracing.Tracer().Start(ctx, "ResumeService.Delete", trace.WithAttributes(
		attribute.String("resume.id", resumeID),
	))
	defer span.End()

	rec, err := s.GetByID(ctx, userID, resumeID)
	if err != nil {
		tracing.RecordAppError(span, err)
		return err
	}
	if err := s.DeleteRecord(ctx, userID, resumeID); err != nil {
		tracing.RecordAppError(span, err)
		return err
	}

	tasks := s.blobCleanupTasks(rec)
	if s.events != nil && s.mqCfg != nil {
		event := &storage.ResumeEvent{
			EventType:  constants.EventResumeDeleted,
			ResumeID:   rec.ID,
			UserID:     rec.UserID,
			OccurredAt: time.Now().UTC(),
		}
		tasks = append(tasks, resilience.Task{
			Name: "publish " + constants.EventResumeDeleted,
			Run: func(ctx context.Context) error {
				return s.events.PublishResumeEvent(ctx, s.mqCfg.DeletedRoutingKey, event)
			},
		})
	}
	s.bg.Go(ctx, tasks...)

	s.logger.Info().Str("resume_id", resumeID).Str("user_id", userID).Msg("简历记录已删除")
	return nil
}

func (s *ResumeService) blobCleanupTasks(rec *types.ResumeRecord) []resilience.Task {
	if s.files == nil {
		return nil
	}
	var tasks []resilience.Task
	if rec.PDFPath != "" {
		path := rec.PDFPath
		tasks = append(tasks, resilience.Task{
			Name: "delete pdf " + path,
			Run: func(ctx context.Context) error {
				return s.files.DeleteFile(ctx, s.files.PDFBucket(), path)
			},
		})
	}
	if rec.ImagePath != nil && *rec.ImagePath != "" {
		path := *rec.ImagePath
		tasks = append(tasks, resilience.Task{
			Name: "delete image " + path,
			Run: func(ctx context.Context) error {
				return s.files.DeleteFile(ctx, s.files.ImageBucket(), path)
			},
		})
	}
	return tasks
}

func withResume(err error, resumeID string) error {
	var appErr *apperr.Error
	if errors.As(err, &appErr) && appErr.ResumeID == "" {
		appErr.ResumeID = resumeID
	}
	return err
}
