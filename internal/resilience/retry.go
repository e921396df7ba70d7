package resilience

import (
	"context"
	"math"
	"math/rand/v2"
	"time"

	"resume-feedback/internal/apperr"
)

// RetryPolicy 重试策略
type RetryPolicy struct {
	MaxAttempts int           // 最大尝试次数（含第一次）
	BaseDelay   time.Duration // 第一次重试前的等待
	MaxDelay    time.Duration // 单次等待上限
	Factor      float64       // 指数因子
	Jitter      time.Duration // 随机抖动上限，0 表示不抖动

	// Retryable 为 nil 时使用 IsRetryable
	Retryable func(error) bool
	// OnRetry 在每次等待前回调，attempt 为刚失败的尝试序号
	OnRetry func(attempt int, err error, delay time.Duration)
}

// DefaultRetryPolicy 存储操作使用的默认策略
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    5 * time.Second,
		Factor:      2,
		Jitter:      100 * time.Millisecond,
	}
}

// Backoff 计算第 n 次失败后的等待：min(base*factor^(n-1) + jitter, max)
func (p RetryPolicy) Backoff(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	factor := p.Factor
	if factor < 1 {
		factor = 1
	}
	delay := float64(p.BaseDelay) * math.Pow(factor, float64(n-1))
	if p.Jitter > 0 {
		delay += float64(rand.Int64N(int64(p.Jitter)))
	}
	if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(delay)
}

// RetryWithBackoff 以 attempt 序号（从1开始）调用 op，直到成功、遇到不可重试错误或用尽次数。
// 用尽后原样返回最后一次的错误
func RetryWithBackoff[T any](ctx context.Context, p RetryPolicy, op func(ctx context.Context, attempt int) (T, error)) (T, error) {
	var zero T
	maxAttempts := p.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	retryable := p.Retryable
	if retryable == nil {
		retryable = IsRetryable
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if ctx.Err() != nil {
			return zero, apperr.FromContext(ctx, "retry")
		}

		result, err := op(ctx, attempt)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if attempt == maxAttempts || !retryable(err) {
			break
		}

		delay := p.Backoff(attempt)
		if p.OnRetry != nil {
			p.OnRetry(attempt, err, delay)
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, apperr.FromContext(ctx, "retry")
		case <-timer.C:
		}
	}
	return zero, lastErr
}

// Retry 无返回值版本
func Retry(ctx context.Context, p RetryPolicy, op func(ctx context.Context, attempt int) error) error {
	_, err := RetryWithBackoff(ctx, p, func(ctx context.Context, attempt int) (struct{}, error) {
		return struct{}{}, op(ctx, attempt)
	})
	return err
}
