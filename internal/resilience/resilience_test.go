package resilience

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"resume-feedback/internal/apperr"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastPolicy(attempts int) RetryPolicy {
	return RetryPolicy{MaxAttempts: attempts, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Factor: 2}
}

// 可重试错误应当恰好调用 maxAttempts 次
func TestRetryWithBackoff_RetryableExhaustsAttempts(t *testing.T) {
	var calls int32
	retryErr := apperr.New(apperr.CodeTransport, "upload", "connection reset")

	_, err := RetryWithBackoff(context.Background(), fastPolicy(3), func(ctx context.Context, attempt int) (string, error) {
		atomic.AddInt32(&calls, 1)
		return "", retryErr
	})

	require.Error(t, err)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
	assert.Same(t, retryErr, err, "用尽次数后应原样返回最后一次的错误")
}

// 不可重试错误只调用一次
func TestRetryWithBackoff_NonRetryableShortCircuits(t *testing.T) {
	var calls int32
	_, err := RetryWithBackoff(context.Background(), fastPolicy(3), func(ctx context.Context, attempt int) (int, error) {
		atomic.AddInt32(&calls, 1)
		return 0, apperr.New(apperr.CodePermission, "upload", "row level security violation")
	})

	require.Error(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	assert.True(t, apperr.Is(err, apperr.CodePermission))
}

func TestRetryWithBackoff_SucceedsAfterFailures(t *testing.T) {
	var seen []int
	v, err := RetryWithBackoff(context.Background(), fastPolicy(3), func(ctx context.Context, attempt int) (string, error) {
		seen = append(seen, attempt)
		if attempt < 3 {
			return "", errors.New("dial tcp: connection refused")
		}
		return "ok", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "ok", v)
	assert.Equal(t, []int{1, 2, 3}, seen)
}

func TestRetryWithBackoff_OnRetryCallback(t *testing.T) {
	var retries []int
	p := fastPolicy(3)
	p.OnRetry = func(attempt int, err error, delay time.Duration) {
		retries = append(retries, attempt)
		assert.LessOrEqual(t, delay, p.MaxDelay)
	}
	_ = Retry(context.Background(), p, func(ctx context.Context, attempt int) error {
		return errors.New("i/o timeout")
	})
	assert.Equal(t, []int{1, 2}, retries)
}

func TestRetryWithBackoff_ContextCancelledDuringWait(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := RetryPolicy{MaxAttempts: 5, BaseDelay: time.Hour, MaxDelay: time.Hour, Factor: 1}

	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	err := Retry(ctx, p, func(ctx context.Context, attempt int) error {
		return errors.New("network unreachable")
	})

	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.CodeCancelled))
}

func TestBackoff_CappedAtMaxDelay(t *testing.T) {
	p := RetryPolicy{BaseDelay: 100 * time.Millisecond, MaxDelay: 300 * time.Millisecond, Factor: 2}
	assert.Equal(t, 100*time.Millisecond, p.Backoff(1))
	assert.Equal(t, 200*time.Millisecond, p.Backoff(2))
	assert.Equal(t, 300*time.Millisecond, p.Backoff(3))
	assert.Equal(t, 300*time.Millisecond, p.Backoff(10))

	p.Jitter = 50 * time.Millisecond
	for i := 0; i < 20; i++ {
		d := p.Backoff(1)
		assert.GreaterOrEqual(t, d, 100*time.Millisecond)
		assert.Less(t, d, 150*time.Millisecond)
	}
}

func TestIsRetryable(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"transport code", apperr.New(apperr.CodeTransport, "op", ""), true},
		{"timeout code", apperr.New(apperr.CodeTimeout, "op", ""), true},
		{"validation code", apperr.New(apperr.CodeValidation, "op", ""), false},
		{"not found code", apperr.New(apperr.CodeNotFound, "op", ""), false},
		{"conflict code", apperr.New(apperr.CodeConflict, "op", ""), false},
		{"deadline", context.DeadlineExceeded, true},
		{"canceled", context.Canceled, false},
		{"connection refused", errors.New("dial tcp 127.0.0.1:9000: connection refused"), true},
		{"5xx", errors.New("API 请求失败，status 503 Service Unavailable"), true},
		{"rate limited", errors.New("429 Too Many Requests"), true},
		{"already exists", errors.New("The resource already exists"), false},
		{"permission", errors.New("permission denied for bucket"), false},
		{"plain", errors.New("something odd"), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, IsRetryable(tc.err))
		})
	}
}

func TestWithTimeout_TimerFires(t *testing.T) {
	start := time.Now()
	_, err := WithTimeout(context.Background(), 20*time.Millisecond, "upload timed out", func(ctx context.Context) (int, error) {
		<-ctx.Done()
		return 0, ctx.Err()
	})

	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.CodeTimeout))
	assert.Contains(t, err.Error(), "upload timed out")
	assert.Less(t, time.Since(start), time.Second)
}

func TestWithTimeout_OperationWins(t *testing.T) {
	v, err := WithTimeout(context.Background(), time.Second, "never", func(ctx context.Context) (string, error) {
		return "done", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "done", v)
}

func TestWithTimeout_ParentCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := RunWithTimeout(ctx, time.Second, "never", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.CodeCancelled))
}

func TestProgressTracker(t *testing.T) {
	var reports []Progress
	tracker := NewProgressTracker(4, func(p Progress) { reports = append(reports, p) })

	tracker.Increment("step one")
	tracker.Increment("step two")
	p := tracker.Complete("done")

	assert.Equal(t, 4, p.Step)
	assert.Equal(t, 100, p.Percent)
	require.Len(t, reports, 3)
	assert.Equal(t, Progress{Step: 1, TotalSteps: 4, Percent: 25, Message: "step one"}, reports[0])
	assert.Equal(t, 50, reports[1].Percent)

	// 已完成后继续递增不会越界
	p = tracker.Increment("extra")
	assert.Equal(t, 4, p.Step)
}

func TestRunBestEffort_CollectsAllOutcomes(t *testing.T) {
	var ran int32
	tasks := []Task{
		{Name: "ok", Run: func(ctx context.Context) error { atomic.AddInt32(&ran, 1); return nil }},
		{Name: "fail", Run: func(ctx context.Context) error { atomic.AddInt32(&ran, 1); return fmt.Errorf("boom") }},
		{Name: "panic", Run: func(ctx context.Context) error { atomic.AddInt32(&ran, 1); panic("bad") }},
	}

	outcomes := RunBestEffort(context.Background(), nil, tasks)

	assert.Equal(t, int32(3), atomic.LoadInt32(&ran))
	require.Len(t, outcomes, 3)
	assert.NoError(t, outcomes[0].Err)
	assert.Error(t, outcomes[1].Err)
	assert.ErrorContains(t, outcomes[2].Err, "bad")
}

func TestBackground_IgnoresCallerCancellation(t *testing.T) {
	bg := NewBackground(nil, time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var ran int32
	bg.Go(ctx, Task{Name: "cleanup", Run: func(ctx context.Context) error {
		if ctx.Err() == nil {
			atomic.AddInt32(&ran, 1)
		}
		return nil
	}})
	bg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&ran))
}
