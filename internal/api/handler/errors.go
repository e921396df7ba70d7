package handler

import (
	"errors"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/protocol/consts"
	"github.com/rs/zerolog"

	"resume-feedback/internal/apperr"
)

// StatusClientClosedRequest 客户端取消，沿用 nginx 的 499
const StatusClientClosedRequest = 499

// ErrorResponse 所有接口统一的错误体
type ErrorResponse struct {
	Code    apperr.Code `json:"code"`
	Message string      `json:"message"`
}

// StatusOf 错误码到HTTP状态码
func StatusOf(code apperr.Code) int {
	switch code {
	case apperr.CodeValidation:
		return consts.StatusBadRequest
	case apperr.CodePermission:
		return consts.StatusForbidden
	case apperr.CodeNotFound:
		return consts.StatusNotFound
	case apperr.CodeConflict:
		return consts.StatusConflict
	case apperr.CodeTimeout, apperr.CodeStepStuck:
		return consts.StatusGatewayTimeout
	case apperr.CodeTransport:
		return consts.StatusBadGateway
	case apperr.CodeCancelled:
		return StatusClientClosedRequest
	default:
		return consts.StatusInternalServerError
	}
}

// NewErrorResponse 优先使用错误自带的说明
func NewErrorResponse(err error) ErrorResponse {
	code := apperr.CodeOf(err)
	var appErr *apperr.Error
	if errors.As(err, &appErr) {
		return ErrorResponse{Code: code, Message: appErr.Message()}
	}
	return ErrorResponse{Code: code, Message: apperr.UserMessage(code)}
}

// writeError 写错误响应。取消和客户端错误不按 error 级别记录
func writeError(c *app.RequestContext, logger *zerolog.Logger, err error) {
	resp := NewErrorResponse(err)
	status := StatusOf(resp.Code)

	level := zerolog.ErrorLevel
	switch {
	case resp.Code == apperr.CodeCancelled:
		level = zerolog.InfoLevel
	case status < consts.StatusInternalServerError:
		level = zerolog.WarnLevel
	}
	logger.WithLevel(level).Err(err).
		Str("method", string(c.Method())).
		Str("path", string(c.Path())).
		Int("status", status).
		Str("code", string(resp.Code)).
		Msg("请求失败")

	c.JSON(status, resp)
}
