package orchestrator

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"resume-feedback/internal/apperr"
	"resume-feedback/internal/parser"
	"resume-feedback/internal/resilience"
	"resume-feedback/internal/types"
)

// UploadLocker 跨实例的单用户上传锁，Redis 实现
type UploadLocker interface {
	AcquireUploadLock(ctx context.Context, userID string) (token string, ok bool, err error)
	ReleaseUploadLock(ctx context.Context, userID, token string) error
}

// MarkerReader 读取最近一次成功上传的标记
type MarkerReader interface {
	GetLastUpload(ctx context.Context, userID string) (*types.LastUpload, error)
}

// SubmitForm 提交分析的表单，File 为空时使用已暂存的文件
type SubmitForm struct {
	Job  types.JobContext
	Mode types.AnalysisMode
	File *Document
}

// StagedFile 暂存文件的摘要
type StagedFile struct {
	Name string `json:"name"`
	Size int    `json:"size"`
}

// Snapshot 会话当前状态，供状态查询接口返回
type Snapshot struct {
	RunID        string              `json:"run_id,omitempty"`
	State        State               `json:"state"`
	Progress     resilience.Progress `json:"progress"`
	ResumeID     string              `json:"resume_id,omitempty"`
	RedirectURL  string              `json:"redirect_url,omitempty"`
	Degraded     bool                `json:"degraded"`
	ErrorCode    apperr.Code         `json:"error_code,omitempty"`
	ErrorMessage string              `json:"error_message,omitempty"`
	StagedFile   *StagedFile         `json:"staged_file,omitempty"`
	CanRetry     bool                `json:"can_retry"`
	UpdatedAt    time.Time           `json:"updated_at"`
}

// session 一个用户的上传会话，最多一个进行中的事务
type session struct {
	mu         sync.Mutex
	generation uint64
	running    bool
	cancel     context.CancelCauseFunc
	staged     *Document
	last       *Submission
	snap       Snapshot
}

// SessionManager 按用户管理上传会话
type SessionManager struct {
	orch    *Orchestrator
	locks   UploadLocker
	markers MarkerReader
	logger  *zerolog.Logger

	mu       sync.Mutex
	sessions map[string]*session
}

// NewSessionManager locks 和 markers 可以为 nil（单实例部署）
func NewSessionManager(orch *Orchestrator, locks UploadLocker, markers MarkerReader, logger *zerolog.Logger) *SessionManager {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &SessionManager{
		orch:     orch,
		locks:    locks,
		markers:  markers,
		logger:   logger,
		sessions: make(map[string]*session),
	}
}

func (m *SessionManager) get(userID string) *session {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[userID]
	if !ok {
		s = &session{snap: Snapshot{State: StateIdle, UpdatedAt: time.Now().UTC()}}
		m.sessions[userID] = s
	}
	return s
}

// SelectFile 校验文件，通过后暂存在会话中。校验从不返回错误
func (m *SessionManager) SelectFile(userID string, doc Document) parser.ValidationResult {
	res := m.orch.deps.Documents.ValidateDocument(doc.Name, doc.ContentType, doc.Data)
	s := m.get(userID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if res.Valid {
		d := doc
		s.staged = &d
		s.snap.StagedFile = &StagedFile{Name: doc.Name, Size: len(doc.Data)}
	} else {
		s.staged = nil
		s.snap.StagedFile = nil
	}
	s.snap.UpdatedAt = time.Now().UTC()
	return res
}

// SubmitAnalysis 同步执行一次上传分析。同一用户已有进行中的上传时返回 ALREADY_EXISTS
func (m *SessionManager) SubmitAnalysis(ctx context.Context, userID string, form SubmitForm) (*Result, error) {
	const op = "session.submitAnalysis"
	s := m.get(userID)

	s.mu.Lock()
	doc := form.File
	if doc == nil {
		doc = s.staged
	}
	if doc == nil {
		s.mu.Unlock()
		return nil, apperr.New(apperr.CodeValidation, op, "Please select a PDF file first")
	}
	sub := Submission{UserID: userID, Document: *doc, Job: form.Job, Mode: form.Mode}
	s.mu.Unlock()

	return m.start(ctx, s, sub)
}

// Retry 重新执行最近一次提交，只能在失败或取消之后调用
func (m *SessionManager) Retry(ctx context.Context, userID string) (*Result, error) {
	const op = "session.retry"
	s := m.get(userID)

	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil, apperr.New(apperr.CodeConflict, op, "An upload is already in progress")
	}
	if s.last == nil || (s.snap.State != StateFailed && s.snap.State != StateCancelled) {
		s.mu.Unlock()
		return nil, apperr.New(apperr.CodeValidation, op, "There is no failed or cancelled upload to retry")
	}
	sub := *s.last
	s.mu.Unlock()

	return m.start(ctx, s, sub)
}

func (m *SessionManager) start(ctx context.Context, s *session, sub Submission) (*Result, error) {
	const op = "session.start"
	if err := m.orch.Validate(sub); err != nil {
		return nil, err
	}

	// 先在本地占位，再去拿跨实例的锁
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil, apperr.New(apperr.CodeConflict, op, "An upload is already in progress")
	}
	s.running = true
	s.mu.Unlock()

	log := m.logger.With().Str("user_id", sub.UserID).Logger()
	if m.locks != nil {
		token, ok, err := m.locks.AcquireUploadLock(ctx, sub.UserID)
		switch {
		case err != nil:
			log.Warn().Err(err).Msg("获取上传锁失败，按单实例继续")
		case !ok:
			s.mu.Lock()
			s.running = false
			s.mu.Unlock()
			return nil, apperr.New(apperr.CodeConflict, op, "An upload is already in progress")
		default:
			defer func() {
				rctx, rcancel := context.WithTimeout(context.WithoutCancel(ctx), 3*time.Second)
				defer rcancel()
				if err := m.locks.ReleaseUploadLock(rctx, sub.UserID, token); err != nil {
					log.Warn().Err(err).Msg("释放上传锁失败")
				}
			}()
		}
	}

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	s.mu.Lock()
	s.generation++
	gen := s.generation
	s.cancel = cancel
	last := sub
	s.last = &last
	// 终态回到空闲，再开始新的一轮
	s.snap = Snapshot{
		RunID:      uuid.NewString(),
		State:      StateIdle,
		Progress:   resilience.Progress{TotalSteps: TotalSteps},
		StagedFile: s.snap.StagedFile,
		UpdatedAt:  time.Now().UTC(),
	}
	log = log.With().Str("run_id", s.snap.RunID).Logger()
	s.mu.Unlock()

	log.Info().Uint64("generation", gen).Msg("开始上传分析")
	res, err := m.orch.Run(runCtx, sub, Observer{
		OnState: func(_, to State) {
			s.update(gen, func(snap *Snapshot) { snap.State = to })
		},
		OnProgress: func(p resilience.Progress) {
			s.update(gen, func(snap *Snapshot) { snap.Progress = p })
		},
	})
	m.finish(s, gen, res, err)
	return res, err
}

// finish 只有仍是当前这一轮时才写回结果
func (m *SessionManager) finish(s *session, gen uint64, res *Result, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.generation != gen {
		return
	}
	s.running = false
	s.cancel = nil
	s.snap.UpdatedAt = time.Now().UTC()
	if err != nil {
		s.snap.ErrorCode = apperr.CodeOf(err)
		s.snap.ErrorMessage = userMessage(err)
		if !s.snap.State.Terminal() {
			// 在进入第一步之前就失败了
			s.snap.State = StateFailed
			if apperr.Is(err, apperr.CodeCancelled) {
				s.snap.State = StateCancelled
			}
		}
		s.snap.CanRetry = s.last != nil
		return
	}
	s.snap.ResumeID = res.ResumeID
	s.snap.RedirectURL = res.RedirectURL
	s.snap.Degraded = res.Degraded
	s.snap.CanRetry = false
	// 成功后清空暂存文件
	s.staged = nil
	s.snap.StagedFile = nil
}

func (s *session) update(gen uint64, fn func(*Snapshot)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.generation != gen {
		return
	}
	fn(&s.snap)
	s.snap.UpdatedAt = time.Now().UTC()
}

// Cancel 取消进行中的上传，没有进行中的上传时返回 false。可重复调用
func (m *SessionManager) Cancel(userID string) bool {
	s := m.get(userID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running || s.cancel == nil {
		return false
	}
	s.cancel(apperr.New(apperr.CodeCancelled, "session.cancel", "Upload cancelled."))
	return true
}

// Snapshot 当前会话状态
func (m *SessionManager) Snapshot(userID string) Snapshot {
	s := m.get(userID)
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := s.snap
	if s.snap.StagedFile != nil {
		sf := *s.snap.StagedFile
		snap.StagedFile = &sf
	}
	return snap
}

// Running 是否有进行中的上传
func (m *SessionManager) Running(userID string) bool {
	s := m.get(userID)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// LastUpload 最近一次成功上传，没有时返回 NOT_FOUND
func (m *SessionManager) LastUpload(ctx context.Context, userID string) (*types.LastUpload, error) {
	const op = "session.lastUpload"
	if m.markers == nil {
		return nil, apperr.New(apperr.CodeNotFound, op, "no recent upload")
	}
	marker, err := m.markers.GetLastUpload(ctx, userID)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeStorage, op, err, "failed to read last upload")
	}
	if marker == nil {
		return nil, apperr.New(apperr.CodeNotFound, op, "no recent upload")
	}
	return marker, nil
}

func userMessage(err error) string {
	var appErr *apperr.Error
	if errors.As(err, &appErr) {
		return appErr.Message()
	}
	return apperr.UserMessage(apperr.CodeOf(err))
}
