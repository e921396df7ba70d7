package resilience

import (
	"context"
	"errors"
	"net"
	"strings"

	"resume-feedback/internal/apperr"
)

// 明确不可重试的关键字，优先于可重试关键字匹配
var terminalKeywords = []string{
	"validation",
	"invalid",
	"permission",
	"unauthorized",
	"forbidden",
	"access denied",
	"not found",
	"nosuchkey",
	"already exists",
	"duplicate",
	"too large",
}

var retryableKeywords = []string{
	"network",
	"timeout",
	"timed out",
	"deadline exceeded",
	"connection",
	"reset by peer",
	"broken pipe",
	"eof",
	"no such host",
	"temporarily unavailable",
	"service unavailable",
	"bad gateway",
	"gateway timeout",
	"internal server error",
	"status 500",
	"status 502",
	"status 503",
	"status 504",
	"429",
	"too many requests",
	"rate limit",
	"服务器繁忙",
	"请求超过限额",
	"超时",
	"连接",
}

// IsRetryable 判断一次失败是否值得重试：网络、超时、连接、5xx类错误可重试；
// 校验、权限、不存在、已存在等终态错误立即返回
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var appErr *apperr.Error
	if errors.As(err, &appErr) {
		switch appErr.Code {
		case apperr.CodeTransport, apperr.CodeTimeout:
			return true
		default:
			return false
		}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	msg := strings.ToLower(err.Error())
	if containsAny(msg, terminalKeywords) {
		return false
	}
	return containsAny(msg, retryableKeywords)
}

func containsAny(s string, substrs []string) bool {
	for _, sub := range substrs {
		if sub != "" && strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
