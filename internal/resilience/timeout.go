package resilience

import (
	"context"
	"errors"
	"time"

	"resume-feedback/internal/apperr"
)

type outcome[T any] struct {
	val T
	err error
}

// WithTimeout 让 op 与计时器竞争；计时器先到时返回带 message 的超时错误。
// 无论哪一方先结束，计时器都会被释放
func WithTimeout[T any](ctx context.Context, d time.Duration, message string, op func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if d <= 0 {
		return op(ctx)
	}

	tctx, cancel := context.WithTimeoutCause(ctx, d, apperr.New(apperr.CodeTimeout, "timeout", message))
	defer cancel()

	// 带缓冲，op 在超时之后返回也不会阻塞 goroutine
	done := make(chan outcome[T], 1)
	go func() {
		v, err := op(tctx)
		done <- outcome[T]{val: v, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil && errors.Is(tctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return zero, apperr.Wrap(apperr.CodeTimeout, "timeout", res.err, message)
		}
		return res.val, res.err
	case <-tctx.Done():
		if ctx.Err() != nil {
			return zero, apperr.FromContext(ctx, "timeout")
		}
		return zero, apperr.New(apperr.CodeTimeout, "timeout", message)
	}
}

// RunWithTimeout 无返回值版本
func RunWithTimeout(ctx context.Context, d time.Duration, message string, op func(ctx context.Context) error) error {
	_, err := WithTimeout(ctx, d, message, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}
