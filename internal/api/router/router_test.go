package router

import (
	"bytes"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"testing"
	"time"

	"github.com/cloudwego/hertz/pkg/app/server"
	"github.com/cloudwego/hertz/pkg/common/ut"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"resume-feedback/internal/analysis"
	"resume-feedback/internal/api/handler"
	"resume-feedback/internal/api/middleware"
	"resume-feedback/internal/apperr"
	"resume-feedback/internal/orchestrator"
	"resume-feedback/internal/parser"
	"resume-feedback/internal/remote"
	"resume-feedback/internal/resilience"
	"resume-feedback/internal/testutil"
	"resume-feedback/internal/types"
	"resume-feedback/pkg/agent"
)

const (
	testToken  = "token-jane"
	otherToken = "token-john"
)

const aiFeedback = `{"overall_score": 74, "ats_score": 80, "categories": {"ats_compatibility": {"score": 80, "tips": []}}}`

var janeDoe = testutil.BuildPDF(
	[]string{"Jane Doe Resume", "Backend Engineer with eight years of experience building services"},
	[]string{"Experience: Acme Corp 2019 to 2024"},
)

type testServer struct {
	h     *server.Hertz
	store *testutil.MemoryObjectStore
	repo  *testutil.MemoryResumeRepository
	orch  *orchestrator.Orchestrator
}

func fastPolicy() resilience.RetryPolicy {
	return resilience.RetryPolicy{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Factor: 2}
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	store := testutil.NewMemoryObjectStore()
	repo := testutil.NewMemoryResumeRepository()
	markers := testutil.NewMemoryMarkerStore()

	files := remote.NewFileService(store, nil, remote.FileServiceConfig{
		PDFBucket:        "resumes",
		ImageBucket:      "images",
		MaxFileSize:      10 << 20,
		OperationTimeout: time.Second,
		UploadTimeout:    time.Second,
		PresignExpiry:    time.Minute,
		Retry:            fastPolicy(),
	}, nil)
	bg := resilience.NewBackground(nil, time.Second)
	records := remote.NewResumeService(remote.ResumeServiceDeps{Repo: repo, Files: files, Background: bg, Retry: fastPolicy(), Timeout: time.Second})
	docs := parser.NewProcessor(parser.LedongthucPDFExtractor{}, nil, parser.ProcessorOptions{MaxFileSize: 10 << 20}, nil)
	analyzer := analysis.NewClient(agent.NewMockChatClient(aiFeedback, nil),
		analysis.Options{MaxAttempts: 1, Timeout: time.Second, RetryDelay: time.Millisecond}, nil)
	health := remote.NewHealthChecker(remote.HealthCheckerOptions{FailureThreshold: 3, ResetTimeout: time.Second, ProbeTimeout: time.Second},
		nil, remote.BackendProbes(store, &testutil.StubProber{})...)

	orch, err := orchestrator.New(orchestrator.Deps{
		Documents: docs,
		Files:     files,
		Records:   records,
		Analyzer:  analyzer,
		Markers:   markers,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		orch.Wait()
		bg.Wait()
	})
	sessions := orchestrator.NewSessionManager(orch, markers, markers, nil)

	h := server.New()
	RegisterRoutes(h, Handlers{
		Uploads: handler.NewUploadHandler(sessions, types.ModeRecruiter, nil),
		Resumes: handler.NewResumeHandler(records, files, nil),
		Health:  handler.NewHealthHandler(health, nil),
		Auth:    middleware.BearerAuth(map[string]string{testToken: "user-1", otherToken: "user-2"}, nil),
	})
	return &testServer{h: h, store: store, repo: repo, orch: orch}
}

func bearer(token string) ut.Header {
	return ut.Header{Key: "Authorization", Value: "Bearer " + token}
}

func multipartBody(t *testing.T, fields map[string]string, filename string, content []byte) (*bytes.Buffer, string) {
	t.Helper()
	body := new(bytes.Buffer)
	w := multipart.NewWriter(body)
	for k, v := range fields {
		require.NoError(t, w.WriteField(k, v))
	}
	if filename != "" {
		part, err := w.CreateFormFile("file", filename)
		require.NoError(t, err)
		_, err = part.Write(content)
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	return body, w.FormDataContentType()
}

func jobFields() map[string]string {
	return map[string]string{
		"company_name":    "Acme",
		"job_title":       "Backend Engineer",
		"job_description": "Build and operate Go services backed by MySQL and Redis.",
	}
}

func (s *testServer) do(method, path, token string, body *bytes.Buffer, contentType string) *ut.ResponseRecorder {
	headers := []ut.Header{}
	if token != "" {
		headers = append(headers, bearer(token))
	}
	var b *ut.Body
	if body != nil {
		b = &ut.Body{Body: body, Len: body.Len()}
		headers = append(headers, ut.Header{Key: "Content-Type", Value: contentType})
	}
	return ut.PerformRequest(s.h.Engine, method, path, b, headers...)
}

func decodeError(t *testing.T, resp *ut.ResponseRecorder) handler.ErrorResponse {
	t.Helper()
	var e handler.ErrorResponse
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &e), resp.Body.String())
	return e
}

func TestHealth_NoAuthRequired(t *testing.T) {
	s := newTestServer(t)
	resp := s.do("GET", "/api/v1/health", "", nil, "")
	require.Equal(t, http.StatusOK, resp.Code)

	var body handler.HealthResponse
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
	assert.Equal(t, "ok", body.Status)
	require.NotNil(t, body.Report)
	assert.True(t, body.Report.Dependencies[remote.DependencyStorage].Healthy)
	assert.True(t, body.Report.Dependencies[remote.DependencyDatabase].Healthy)
}

func TestHealth_Degraded(t *testing.T) {
	s := newTestServer(t)
	s.store.PingErr = apperr.New(apperr.CodeTransport, "ping", "connection refused")

	resp := s.do("GET", "/api/v1/health", "", nil, "")
	assert.Equal(t, http.StatusServiceUnavailable, resp.Code)
}

func TestAuth_RejectsMissingAndUnknownTokens(t *testing.T) {
	s := newTestServer(t)

	resp := s.do("GET", "/api/v1/resumes", "", nil, "")
	require.Equal(t, http.StatusUnauthorized, resp.Code)
	assert.Equal(t, apperr.CodePermission, decodeError(t, resp).Code)

	resp = s.do("GET", "/api/v1/resumes", "not-a-token", nil, "")
	assert.Equal(t, http.StatusUnauthorized, resp.Code)
}

func TestSelectFile(t *testing.T) {
	s := newTestServer(t)

	body, ct := multipartBody(t, nil, "photo.png", []byte("\x89PNG"))
	resp := s.do("POST", "/api/v1/uploads/file", testToken, body, ct)
	require.Equal(t, http.StatusOK, resp.Code)
	var res parser.ValidationResult
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &res))
	assert.False(t, res.Valid)
	assert.Contains(t, res.Reasons, "File must be a PDF")

	body, ct = multipartBody(t, nil, "jane_doe.pdf", janeDoe)
	resp = s.do("POST", "/api/v1/uploads/file", testToken, body, ct)
	require.Equal(t, http.StatusOK, resp.Code)
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &res))
	assert.True(t, res.Valid)

	// 使用暂存的文件提交
	body, ct = multipartBody(t, jobFields(), "", nil)
	resp = s.do("POST", "/api/v1/uploads", testToken, body, ct)
	assert.Equal(t, http.StatusOK, resp.Code, resp.Body.String())
}

func TestSubmitListGetDelete(t *testing.T) {
	s := newTestServer(t)

	body, ct := multipartBody(t, jobFields(), "jane_doe.pdf", janeDoe)
	resp := s.do("POST", "/api/v1/uploads", testToken, body, ct)
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())

	var result orchestrator.Result
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &result))
	require.NotEmpty(t, result.ResumeID)
	assert.Equal(t, "/resume/"+result.ResumeID, result.RedirectURL)
	assert.Equal(t, types.Score(74), result.Feedback.OverallScore)
	assert.Nil(t, result.ImagePath, "预览关闭时没有图片")

	resp = s.do("GET", "/api/v1/uploads/status", testToken, nil, "")
	var snap orchestrator.Snapshot
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &snap))
	assert.Equal(t, orchestrator.StateComplete, snap.State)

	resp = s.do("GET", "/api/v1/uploads/last", testToken, nil, "")
	require.Equal(t, http.StatusOK, resp.Code)
	var marker types.LastUpload
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &marker))
	assert.Equal(t, result.ResumeID, marker.ResumeID)

	resp = s.do("GET", "/api/v1/resumes", testToken, nil, "")
	require.Equal(t, http.StatusOK, resp.Code)
	var list handler.ResumeListResponse
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &list))
	require.Equal(t, 1, list.Total)
	assert.Contains(t, list.Resumes[0].PDFURL, "resumes/")
	assert.False(t, list.Resumes[0].Pending)

	// 其他用户看不到
	resp = s.do("GET", "/api/v1/resumes/"+result.ResumeID, otherToken, nil, "")
	assert.Equal(t, http.StatusNotFound, resp.Code)

	resp = s.do("GET", "/api/v1/resumes/"+result.ResumeID, testToken, nil, "")
	require.Equal(t, http.StatusOK, resp.Code)

	resp = s.do("DELETE", "/api/v1/resumes/"+result.ResumeID, testToken, nil, "")
	require.Equal(t, http.StatusOK, resp.Code)

	resp = s.do("GET", "/api/v1/resumes/"+result.ResumeID, testToken, nil, "")
	require.Equal(t, http.StatusNotFound, resp.Code)
	assert.Equal(t, apperr.CodeNotFound, decodeError(t, resp).Code)
}

func TestSubmit_ValidationErrors(t *testing.T) {
	s := newTestServer(t)

	fields := jobFields()
	delete(fields, "job_title")
	body, ct := multipartBody(t, fields, "jane_doe.pdf", janeDoe)
	resp := s.do("POST", "/api/v1/uploads", testToken, body, ct)
	require.Equal(t, http.StatusBadRequest, resp.Code)
	e := decodeError(t, resp)
	assert.Equal(t, apperr.CodeValidation, e.Code)
	assert.Contains(t, e.Message, "Job title is required")

	fields = jobFields()
	fields["mode"] = "fancy"
	body, ct = multipartBody(t, fields, "jane_doe.pdf", janeDoe)
	resp = s.do("POST", "/api/v1/uploads", testToken, body, ct)
	assert.Equal(t, http.StatusBadRequest, resp.Code)

	body, ct = multipartBody(t, jobFields(), "", nil)
	resp = s.do("POST", "/api/v1/uploads", testToken, body, ct)
	assert.Equal(t, http.StatusBadRequest, resp.Code, "没有文件也没有暂存文件")
	assert.Zero(t, s.store.PutCalls.Load())
}

func TestCancelAndRetryWithoutRun(t *testing.T) {
	s := newTestServer(t)

	resp := s.do("POST", "/api/v1/uploads/cancel", testToken, nil, "")
	require.Equal(t, http.StatusOK, resp.Code)
	var c handler.CancelResponse
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &c))
	assert.False(t, c.Cancelled)
	assert.Equal(t, orchestrator.StateIdle, c.State)

	resp = s.do("POST", "/api/v1/uploads/retry", testToken, nil, "")
	assert.Equal(t, http.StatusBadRequest, resp.Code)

	resp = s.do("GET", "/api/v1/uploads/last", testToken, nil, "")
	assert.Equal(t, http.StatusNotFound, resp.Code)
}

func TestStatusOf(t *testing.T) {
	cases := []struct {
		code apperr.Code
		want int
	}{
		{apperr.CodeValidation, 400},
		{apperr.CodePermission, 403},
		{apperr.CodeNotFound, 404},
		{apperr.CodeConflict, 409},
		{apperr.CodeTimeout, 504},
		{apperr.CodeStepStuck, 504},
		{apperr.CodeTransport, 502},
		{apperr.CodeCancelled, 499},
		{apperr.CodeInvalidResponse, 500},
		{apperr.CodeStorage, 500},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, handler.StatusOf(tc.code), string(tc.code))
	}
}
