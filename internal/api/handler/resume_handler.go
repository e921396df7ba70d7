package handler

import (
	"context"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/protocol/consts"
	"github.com/rs/zerolog"

	"resume-feedback/internal/api/middleware"
	"resume-feedback/internal/types"
)

// ResumeStore 按用户隔离的简历记录，由 remote.ResumeService 实现
type ResumeStore interface {
	GetAll(ctx context.Context, userID string) ([]*types.ResumeRecord, error)
	GetByID(ctx context.Context, userID, resumeID string) (*types.ResumeRecord, error)
	Delete(ctx context.Context, userID, resumeID string) error
}

// FileLinker 生成文件的下载地址，由 remote.FileService 实现
type FileLinker interface {
	PDFBucket() string
	ImageBucket() string
	GetFileURL(ctx context.Context, bucket, path string) (string, error)
}

// ResumeHandler 简历列表、详情和删除
type ResumeHandler struct {
	resumes ResumeStore
	files   FileLinker
	logger  *zerolog.Logger
}

// NewResumeHandler files 为 nil 时不生成下载地址
func NewResumeHandler(resumes ResumeStore, files FileLinker, logger *zerolog.Logger) *ResumeHandler {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &ResumeHandler{resumes: resumes, files: files, logger: logger}
}

// ResumeView 带预签名地址的简历记录
type ResumeView struct {
	*types.ResumeRecord
	PDFURL   string `json:"pdf_url,omitempty"`
	ImageURL string `json:"image_url,omitempty"`
	Pending  bool   `json:"pending"`
}

// ResumeListResponse 列表响应
type ResumeListResponse struct {
	Resumes []ResumeView `json:"resumes"`
	Total   int          `json:"total"`
}

// List GET /resumes，按创建时间倒序
func (h *ResumeHandler) List(ctx context.Context, c *app.RequestContext) {
	records, err := h.resumes.GetAll(ctx, middleware.UserID(c))
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	views := make([]ResumeView, 0, len(records))
	for _, rec := range records {
		views = append(views, h.view(ctx, rec))
	}
	c.JSON(consts.StatusOK, ResumeListResponse{Resumes: views, Total: len(views)})
}

// Get GET /resumes/:id
func (h *ResumeHandler) Get(ctx context.Context, c *app.RequestContext) {
	rec, err := h.resumes.GetByID(ctx, middleware.UserID(c), c.Param("id"))
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(consts.StatusOK, h.view(ctx, rec))
}

// Delete DELETE /resumes/:id，文件在后台尽力删除
func (h *ResumeHandler) Delete(ctx context.Context, c *app.RequestContext) {
	id := c.Param("id")
	if err := h.resumes.Delete(ctx, middleware.UserID(c), id); err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(consts.StatusOK, map[string]any{"deleted": true, "id": id})
}

// view 下载地址生成失败不影响返回记录本身
func (h *ResumeHandler) view(ctx context.Context, rec *types.ResumeRecord) ResumeView {
	v := ResumeView{ResumeRecord: rec, Pending: rec.Pending()}
	if h.files == nil {
		return v
	}
	if rec.PDFPath != "" {
		if url, err := h.files.GetFileURL(ctx, h.files.PDFBucket(), rec.PDFPath); err == nil {
			v.PDFURL = url
		} else {
			h.logger.Warn().Err(err).Str("resume_id", rec.ID).Msg("生成PDF下载地址失败")
		}
	}
	if rec.ImagePath != nil && *rec.ImagePath != "" {
		if url, err := h.files.GetFileURL(ctx, h.files.ImageBucket(), *rec.ImagePath); err == nil {
			v.ImageURL = url
		} else {
			h.logger.Warn().Err(err).Str("resume_id", rec.ID).Msg("生成预览图下载地址失败")
		}
	}
	return v
}
