package handler

import (
	"context"
	"io"
	"mime/multipart"
	"time"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/protocol/consts"
	"github.com/rs/zerolog"

	"resume-feedback/internal/api/middleware"
	"resume-feedback/internal/apperr"
	"resume-feedback/internal/orchestrator"
	"resume-feedback/internal/parser"
	"resume-feedback/internal/types"
)

// UploadSessions 上传会话操作，由 orchestrator.SessionManager 实现
type UploadSessions interface {
	SelectFile(userID string, doc orchestrator.Document) parser.ValidationResult
	SubmitAnalysis(ctx context.Context, userID string, form orchestrator.SubmitForm) (*orchestrator.Result, error)
	Retry(ctx context.Context, userID string) (*orchestrator.Result, error)
	Cancel(userID string) bool
	Snapshot(userID string) orchestrator.Snapshot
	LastUpload(ctx context.Context, userID string) (*types.LastUpload, error)
}

// ConnectionWaiter 由 remote.ConnectionMonitor 实现
type ConnectionWaiter interface {
	IsOnline() bool
	WaitForConnection(ctx context.Context, timeout time.Duration) error
}

// UploadHandler 选择文件、提交分析、取消、重试和状态查询
type UploadHandler struct {
	sessions    UploadSessions
	defaultMode types.AnalysisMode
	logger      *zerolog.Logger

	waiter      ConnectionWaiter
	offlineWait time.Duration
}

// NewUploadHandler 创建上传处理器
func NewUploadHandler(sessions UploadSessions, defaultMode types.AnalysisMode, logger *zerolog.Logger) *UploadHandler {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	if defaultMode == "" {
		defaultMode = types.ModeRecruiter
	}
	return &UploadHandler{sessions: sessions, defaultMode: defaultMode, logger: logger}
}

// WithConnectionWait 离线时提交和重试先等待连接恢复，最多 timeout
func (h *UploadHandler) WithConnectionWait(waiter ConnectionWaiter, timeout time.Duration) *UploadHandler {
	h.waiter = waiter
	h.offlineWait = timeout
	return h
}

// awaitBackend 等不到连接也继续提交，由流水线的预检和重试处理
func (h *UploadHandler) awaitBackend(ctx context.Context, userID string) {
	if h.waiter == nil || h.offlineWait <= 0 || h.waiter.IsOnline() {
		return
	}
	start := time.Now()
	if err := h.waiter.WaitForConnection(ctx, h.offlineWait); err != nil {
		h.logger.Warn().Err(err).Str("user_id", userID).Dur("waited", time.Since(start)).Msg("后端仍离线，继续提交")
		return
	}
	h.logger.Info().Str("user_id", userID).Dur("waited", time.Since(start)).Msg("后端连接已恢复，开始提交")
}

// CancelResponse 取消结果
type CancelResponse struct {
	Cancelled bool               `json:"cancelled"`
	State     orchestrator.State `json:"state"`
}

// SelectFile POST /uploads/file
func (h *UploadHandler) SelectFile(ctx context.Context, c *app.RequestContext) {
	doc, ok, err := readDocument(c)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	if !ok {
		writeError(c, h.logger, apperr.New(apperr.CodeValidation, "upload.selectFile", "File is required"))
		return
	}
	res := h.sessions.SelectFile(middleware.UserID(c), *doc)
	c.JSON(consts.StatusOK, res)
}

// Submit POST /uploads，同步执行整条流水线
func (h *UploadHandler) Submit(ctx context.Context, c *app.RequestContext) {
	const op = "upload.submit"
	mode, err := types.ParseAnalysisMode(c.PostForm("mode"), h.defaultMode)
	if err != nil {
		writeError(c, h.logger, apperr.Wrap(apperr.CodeValidation, op, err, "Unknown analysis mode"))
		return
	}
	doc, ok, err := readDocument(c)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	form := orchestrator.SubmitForm{
		Job: types.JobContext{
			CompanyName:    c.PostForm("company_name"),
			JobTitle:       c.PostForm("job_title"),
			JobDescription: c.PostForm("job_description"),
		},
		Mode: mode,
	}
	if ok {
		form.File = doc
	}

	userID := middleware.UserID(c)
	h.awaitBackend(ctx, userID)
	res, err := h.sessions.SubmitAnalysis(ctx, userID, form)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(consts.StatusOK, res)
}

// Cancel POST /uploads/cancel，可重复调用
func (h *UploadHandler) Cancel(ctx context.Context, c *app.RequestContext) {
	userID := middleware.UserID(c)
	cancelled := h.sessions.Cancel(userID)
	c.JSON(consts.StatusOK, CancelResponse{Cancelled: cancelled, State: h.sessions.Snapshot(userID).State})
}

// Retry POST /uploads/retry
func (h *UploadHandler) Retry(ctx context.Context, c *app.RequestContext) {
	userID := middleware.UserID(c)
	h.awaitBackend(ctx, userID)
	res, err := h.sessions.Retry(ctx, userID)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(consts.StatusOK, res)
}

// Status GET /uploads/status
func (h *UploadHandler) Status(ctx context.Context, c *app.RequestContext) {
	c.JSON(consts.StatusOK, h.sessions.Snapshot(middleware.UserID(c)))
}

// LastUpload GET /uploads/last
func (h *UploadHandler) LastUpload(ctx context.Context, c *app.RequestContext) {
	marker, err := h.sessions.LastUpload(ctx, middleware.UserID(c))
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(consts.StatusOK, marker)
}

// readDocument 读取 multipart 中的 file 字段，没有文件时 ok 为 false
func readDocument(c *app.RequestContext) (*orchestrator.Document, bool, error) {
	const op = "upload.readDocument"
	form, err := c.MultipartForm()
	if err != nil {
		// 不是 multipart 请求，当作没有文件
		return nil, false, nil
	}
	headers := form.File["file"]
	if len(headers) == 0 {
		return nil, false, nil
	}
	data, err := readFileHeader(headers[0])
	if err != nil {
		return nil, false, apperr.Wrap(apperr.CodeValidation, op, err, "Could not read the uploaded file")
	}
	return &orchestrator.Document{
		Name:        headers[0].Filename,
		ContentType: headers[0].Header.Get("Content-Type"),
		Data:        data,
	}, true, nil
}

func readFileHeader(fh *multipart.FileHeader) ([]byte, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}
