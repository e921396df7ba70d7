package router

import (
	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/route"

	"resume-feedback/internal/api/handler"
)

// Handlers 路由需要的处理器
type Handlers struct {
	Uploads *handler.UploadHandler
	Resumes *handler.ResumeHandler
	Health  *handler.HealthHandler
	Auth    app.HandlerFunc
}

// RegisterRoutes 注册 API 路由，/api/v1/health 之外的接口都需要认证
func RegisterRoutes(r route.IRouter, h Handlers) {
	api := r.Group("/api/v1")

	// 健康检查
	api.GET("/health", h.Health.Check)

	authed := api.Group("")
	if h.Auth != nil {
		authed.Use(h.Auth)
	}

	uploads := authed.Group("/uploads")
	{
		uploads.POST("/file", h.Uploads.SelectFile)
		uploads.POST("", h.Uploads.Submit)
		uploads.POST("/cancel", h.Uploads.Cancel)
		uploads.POST("/retry", h.Uploads.Retry)
		uploads.GET("/status", h.Uploads.Status)
		uploads.GET("/last", h.Uploads.LastUpload)
	}

	resumes := authed.Group("/resumes")
	{
		resumes.GET("", h.Resumes.List)
		resumes.GET("/:id", h.Resumes.Get)
		resumes.DELETE("/:id", h.Resumes.Delete)
	}
}
