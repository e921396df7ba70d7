package apperr

import (
	"context"
	"errors"
	"fmt"
)

// Code 稳定的错误码，跨越远程访问层、编排器和HTTP层
type Code string

const (
	CodeValidation        Code = "VALIDATION_ERROR"
	CodeTransport         Code = "TRANSPORT_ERROR"
	CodeTimeout           Code = "TIMEOUT"
	CodePermission        Code = "PERMISSION_DENIED"
	CodeNotFound          Code = "NOT_FOUND"
	CodeConflict          Code = "ALREADY_EXISTS"
	CodeServiceDegraded   Code = "EXTERNAL_SERVICE_DEGRADED"
	CodeCancelled         Code = "CANCELLED"
	CodeInvalidResponse   Code = "INVALID_RESPONSE"
	CodeExtraction        Code = "EXTRACTION_FAILED"
	CodeStepStuck         Code = "STEP_STUCK"
	CodeIllegalTransition Code = "ILLEGAL_TRANSITION"
	CodeStorage           Code = "STORAGE_ERROR"
	CodeConfig            Code = "CONFIG_ERROR"
	CodeInternal          Code = "INTERNAL_ERROR"
)

// 基础错误类型，每个错误码一个哨兵值，errors.Is 通过它们匹配
var (
	ErrValidation        = errors.New("validation failed")
	ErrTransport         = errors.New("transport failure")
	ErrTimeout           = errors.New("operation timed out")
	ErrPermission        = errors.New("permission denied")
	ErrNotFound          = errors.New("not found")
	ErrConflict          = errors.New("already exists")
	ErrServiceDegraded   = errors.New("external service degraded")
	ErrCancelled         = errors.New("cancelled")
	ErrInvalidResponse   = errors.New("invalid response structure")
	ErrExtraction        = errors.New("text extraction failed")
	ErrStepStuck         = errors.New("step appears stuck")
	ErrIllegalTransition = errors.New("illegal state transition")
	ErrStorage           = errors.New("storage operation failed")
	ErrConfig            = errors.New("invalid configuration")
	ErrInternal          = errors.New("internal error")
)

var baseErrors = map[Code]error{
	CodeValidation:        ErrValidation,
	CodeTransport:         ErrTransport,
	CodeTimeout:           ErrTimeout,
	CodePermission:        ErrPermission,
	CodeNotFound:          ErrNotFound,
	CodeConflict:          ErrConflict,
	CodeServiceDegraded:   ErrServiceDegraded,
	CodeCancelled:         ErrCancelled,
	CodeInvalidResponse:   ErrInvalidResponse,
	CodeExtraction:        ErrExtraction,
	CodeStepStuck:         ErrStepStuck,
	CodeIllegalTransition: ErrIllegalTransition,
	CodeStorage:           ErrStorage,
	CodeConfig:            ErrConfig,
	CodeInternal:          ErrInternal,
}

// Error 带错误码和上下文的分类错误
type Error struct {
	Code     Code
	Op       string
	ResumeID string
	BaseErr  error
	Detail   string
	Cause    error
}

func (e *Error) Error() string {
	msg := e.BaseErr.Error()
	if e.Detail != "" {
		msg = e.Detail
	}
	prefix := string(e.Code)
	if e.Op != "" {
		prefix += " (操作:" + e.Op
		if e.ResumeID != "" {
			prefix += ", ID:" + e.ResumeID
		}
		prefix += ")"
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, msg, e.Cause)
	}
	return fmt.Sprintf("%s: %s", prefix, msg)
}

// Unwrap 同时暴露哨兵错误和底层原因
func (e *Error) Unwrap() []error {
	if e.Cause != nil {
		return []error{e.BaseErr, e.Cause}
	}
	return []error{e.BaseErr}
}

// Message 返回适合展示给用户的文本
func (e *Error) Message() string {
	if e.Detail != "" {
		return e.Detail
	}
	return UserMessage(e.Code)
}

// New 创建一个分类错误
func New(code Code, op, detail string) *Error {
	return &Error{Code: code, Op: op, BaseErr: base(code), Detail: detail}
}

// Wrap 用错误码包装底层错误，cause 为 nil 时返回 nil
func Wrap(code Code, op string, cause error, detail string) error {
	if cause == nil {
		return nil
	}
	return &Error{Code: code, Op: op, BaseErr: base(code), Detail: detail, Cause: cause}
}

// WithResume 附加简历ID，便于日志排查
func (e *Error) WithResume(resumeID string) *Error {
	e.ResumeID = resumeID
	return e
}

func base(code Code) error {
	if b, ok := baseErrors[code]; ok {
		return b
	}
	return ErrInternal
}

// CodeOf 返回最外层分类错误的错误码
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	switch {
	case errors.Is(err, context.Canceled):
		return CodeCancelled
	case errors.Is(err, context.DeadlineExceeded):
		return CodeTimeout
	}
	for code, b := range baseErrors {
		if errors.Is(err, b) {
			return code
		}
	}
	return CodeInternal
}

// Is 判断错误是否属于某个错误码
func Is(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}

// FromContext 将上下文的结束原因转换为分类错误
func FromContext(ctx context.Context, op string) error {
	if ctx.Err() == nil {
		return nil
	}
	cause := context.Cause(ctx)
	var appErr *Error
	if errors.As(cause, &appErr) {
		return cause
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return Wrap(CodeTimeout, op, cause, "")
	}
	return Wrap(CodeCancelled, op, cause, "")
}

// UserMessage 错误码到用户可读文案的映射
func UserMessage(code Code) string {
	switch code {
	case CodeValidation:
		return "The submitted file or form is invalid."
	case CodeTransport:
		return "Network problem while talking to the storage service. Please try again."
	case CodeTimeout:
		return "The operation took too long. Please try again."
	case CodePermission:
		return "Your session is no longer valid. Please sign in again."
	case CodeNotFound:
		return "The requested resume could not be found."
	case CodeConflict:
		return "A file with the same name already exists."
	case CodeServiceDegraded:
		return "AI analysis is temporarily unavailable. Your resume was saved without detailed feedback."
	case CodeCancelled:
		return "Upload cancelled."
	case CodeInvalidResponse:
		return "The AI service returned an unexpected response."
	case CodeExtraction:
		return "We could not read text from this PDF. Please upload a text-based PDF."
	case CodeStepStuck:
		return "The upload appears stuck. Please try again."
	case CodeConfig:
		return "The service is misconfigured."
	default:
		return "Something went wrong. Please try again."
	}
}
