package handler

import (
	"context"
	"time"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/protocol/consts"

	"resume-feedback/internal/remote"
)

// OnlineStatus 连接监视器的当前状态
type OnlineStatus interface {
	Status() (online bool, since time.Time)
}

// HealthHandler GET /health，不需要认证
type HealthHandler struct {
	probe   remote.ConnectivityProbe
	monitor OnlineStatus
}

// NewHealthHandler monitor 可以为 nil
func NewHealthHandler(probe remote.ConnectivityProbe, monitor OnlineStatus) *HealthHandler {
	return &HealthHandler{probe: probe, monitor: monitor}
}

// HealthResponse 依赖探测结果和监视器状态
type HealthResponse struct {
	Status      string               `json:"status"`
	Report      *remote.HealthReport `json:"report,omitempty"`
	Online      *bool                `json:"online,omitempty"`
	OnlineSince *time.Time           `json:"online_since,omitempty"`
}

// Check 任一依赖不健康时返回 503
func (h *HealthHandler) Check(ctx context.Context, c *app.RequestContext) {
	resp := HealthResponse{Status: "ok"}
	status := consts.StatusOK
	if h.probe != nil {
		report := h.probe.TestAllConnections(ctx)
		resp.Report = &report
		if !report.Healthy {
			resp.Status = "degraded"
			status = consts.StatusServiceUnavailable
		}
	}
	if h.monitor != nil {
		online, since := h.monitor.Status()
		resp.Online = &online
		resp.OnlineSince = &since
	}
	c.JSON(status, resp)
}
