package handler

import (
	"context"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cloudwego/hertz/pkg/app/server"
	"github.com/cloudwego/hertz/pkg/common/ut"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"resume-feedback/internal/orchestrator"
	"resume-feedback/internal/parser"
	"resume-feedback/internal/remote"
	"resume-feedback/internal/types"
)

type fakeSessions struct {
	submits atomic.Int32
	retries atomic.Int32
}

func (f *fakeSessions) SelectFile(string, orchestrator.Document) parser.ValidationResult {
	return parser.ValidationResult{Valid: true}
}

func (f *fakeSessions) SubmitAnalysis(context.Context, string, orchestrator.SubmitForm) (*orchestrator.Result, error) {
	f.submits.Add(1)
	return &orchestrator.Result{ResumeID: "resume-1"}, nil
}

func (f *fakeSessions) Retry(context.Context, string) (*orchestrator.Result, error) {
	f.retries.Add(1)
	return &orchestrator.Result{ResumeID: "resume-1"}, nil
}

func (f *fakeSessions) Cancel(string) bool { return false }

func (f *fakeSessions) Snapshot(string) orchestrator.Snapshot { return orchestrator.Snapshot{} }

func (f *fakeSessions) LastUpload(context.Context, string) (*types.LastUpload, error) {
	return nil, nil
}

type switchableHealth struct{ healthy atomic.Bool }

func (p *switchableHealth) TestAllConnections(context.Context) remote.HealthReport {
	return remote.HealthReport{Healthy: p.healthy.Load()}
}

func newOfflineMonitor(t *testing.T) (*remote.ConnectionMonitor, *switchableHealth) {
	t.Helper()
	backend := &switchableHealth{}
	m := remote.NewConnectionMonitor(backend, time.Hour, 0, nil)
	t.Cleanup(m.Stop)
	m.Poll(context.Background())
	require.False(t, m.IsOnline())
	return m, backend
}

func newUploadServer(sessions UploadSessions, waiter ConnectionWaiter, wait time.Duration) *server.Hertz {
	h := server.New()
	uh := NewUploadHandler(sessions, types.ModeRecruiter, nil).WithConnectionWait(waiter, wait)
	h.POST("/uploads", uh.Submit)
	h.POST("/uploads/retry", uh.Retry)
	return h
}

func TestSubmit_WaitsForConnectionWhileOffline(t *testing.T) {
	monitor, backend := newOfflineMonitor(t)
	sessions := &fakeSessions{}
	h := newUploadServer(sessions, monitor, time.Second)

	go func() {
		time.Sleep(50 * time.Millisecond)
		backend.healthy.Store(true)
		monitor.Poll(context.Background())
	}()

	start := time.Now()
	resp := ut.PerformRequest(h.Engine, "POST", "/uploads", nil)
	elapsed := time.Since(start)

	assert.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, int32(1), sessions.submits.Load())
	assert.GreaterOrEqual(t, elapsed, 40*time.Millisecond, "恢复前不提交")
	assert.Less(t, elapsed, 900*time.Millisecond, "恢复后立即提交")
}

func TestSubmit_StillOfflineProceedsAfterTimeout(t *testing.T) {
	monitor, _ := newOfflineMonitor(t)
	sessions := &fakeSessions{}
	h := newUploadServer(sessions, monitor, 30*time.Millisecond)

	start := time.Now()
	resp := ut.PerformRequest(h.Engine, "POST", "/uploads/retry", nil)

	assert.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, int32(1), sessions.retries.Load())
	assert.GreaterOrEqual(t, time.Since(start), 25*time.Millisecond)
}

func TestSubmit_OnlineDoesNotWait(t *testing.T) {
	backend := &switchableHealth{}
	backend.healthy.Store(true)
	monitor := remote.NewConnectionMonitor(backend, time.Hour, 0, nil)
	t.Cleanup(monitor.Stop)
	sessions := &fakeSessions{}
	h := newUploadServer(sessions, monitor, time.Hour)

	start := time.Now()
	resp := ut.PerformRequest(h.Engine, "POST", "/uploads", nil)

	assert.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, int32(1), sessions.submits.Load())
	assert.Less(t, time.Since(start), time.Second)
}
