package tracing

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"resume-feedback/internal/apperr"
)

// ErrorType 定义错误类型，便于分类和过滤
type ErrorType string

const (
	ErrorTypeHTTP          ErrorType = "http"
	ErrorTypeDB            ErrorType = "db"
	ErrorTypeRedis         ErrorType = "redis"
	ErrorTypeRabbitMQ      ErrorType = "rabbitmq"
	ErrorTypeObjectStorage ErrorType = "object_storage"
	ErrorTypeValidation    ErrorType = "validation"
	ErrorTypeInternal      ErrorType = "internal"
	ErrorTypeExternal      ErrorType = "external_system"
	ErrorTypeTimeout       ErrorType = "timeout"
	ErrorTypePermission    ErrorType = "permission"
	ErrorTypeCancelled     ErrorType = "cancelled"
)

// ErrorTypeOf 根据分类错误码推断错误类型
func ErrorTypeOf(err error) ErrorType {
	switch apperr.CodeOf(err) {
	case apperr.CodeValidation, apperr.CodeExtraction:
		return ErrorTypeValidation
	case apperr.CodeTimeout, apperr.CodeStepStuck:
		return ErrorTypeTimeout
	case apperr.CodePermission:
		return ErrorTypePermission
	case apperr.CodeCancelled:
		return ErrorTypeCancelled
	case apperr.CodeTransport, apperr.CodeStorage, apperr.CodeNotFound, apperr.CodeConflict:
		return ErrorTypeObjectStorage
	case apperr.CodeServiceDegraded, apperr.CodeInvalidResponse:
		return ErrorTypeExternal
	default:
		return ErrorTypeInternal
	}
}

// RecordError 记录错误，添加统一的错误类型和详情
func RecordError(span trace.Span, err error, errorType ErrorType, attributes ...attribute.KeyValue) {
	if span == nil || err == nil {
		return
	}

	span.RecordError(err)
	span.SetAttributes(
		attribute.String("error.type", string(errorType)),
		attribute.String("error.code", string(apperr.CodeOf(err))),
		attribute.String("error.message", TruncateString(err.Error(), DefaultMaxLength)),
	)
	if len(attributes) > 0 {
		span.SetAttributes(attributes...)
	}

	// 取消不是错误，不把 span 标红
	if errorType == ErrorTypeCancelled {
		return
	}
	span.SetStatus(codes.Error, err.Error())
}

// RecordAppError 按错误码自动选择错误类型
func RecordAppError(span trace.Span, err error, attributes ...attribute.KeyValue) {
	RecordError(span, err, ErrorTypeOf(err), attributes...)
}

// RecordHTTPError 专门记录HTTP错误
func RecordHTTPError(span trace.Span, err error, statusCode int) {
	if span == nil || err == nil {
		return
	}

	var errorCategory string
	switch {
	case statusCode >= 400 && statusCode < 500:
		errorCategory = "client_error"
	case statusCode >= 500:
		errorCategory = "server_error"
	default:
		errorCategory = "unknown"
	}

	RecordError(span, err, ErrorTypeHTTP,
		attribute.Int("http.status_code", statusCode),
		attribute.String("error.category", errorCategory),
	)
}

// RecordPublishFailure 记录事件发布失败，发布是尽力而为的，不影响主流程
func RecordPublishFailure(span trace.Span, routingKey string, err error) {
	if span == nil || err == nil {
		return
	}
	span.RecordError(err)
	span.SetAttributes(
		attribute.String("error.type", string(ErrorTypeRabbitMQ)),
		attribute.String("messaging.rabbitmq.routing_key", routingKey),
		attribute.Bool("messaging.published", false),
	)
}
