package resilience

import "sync"

// Progress 一次进度报告
type Progress struct {
	Step       int    `json:"step"`
	TotalSteps int    `json:"total_steps"`
	Percent    int    `json:"progress_percent"`
	Message    string `json:"message"`
}

// ProgressTracker 单调递增的步骤计数器
type ProgressTracker struct {
	mu         sync.Mutex
	step       int
	total      int
	message    string
	onProgress func(Progress)
}

// NewProgressTracker totalSteps 小于1时按1处理
func NewProgressTracker(totalSteps int, onProgress func(Progress)) *ProgressTracker {
	if totalSteps < 1 {
		totalSteps = 1
	}
	return &ProgressTracker{total: totalSteps, onProgress: onProgress}
}

// Increment 前进一步并上报，不会超过 totalSteps
func (t *ProgressTracker) Increment(message string) Progress {
	t.mu.Lock()
	if t.step < t.total {
		t.step++
	}
	t.message = message
	p := t.snapshotLocked()
	t.mu.Unlock()

	t.report(p)
	return p
}

// Complete 直接置为 totalSteps
func (t *ProgressTracker) Complete(message string) Progress {
	t.mu.Lock()
	t.step = t.total
	t.message = message
	p := t.snapshotLocked()
	t.mu.Unlock()

	t.report(p)
	return p
}

// Current 返回当前进度，不触发回调
func (t *ProgressTracker) Current() Progress {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotLocked()
}

func (t *ProgressTracker) snapshotLocked() Progress {
	return Progress{
		Step:       t.step,
		TotalSteps: t.total,
		Percent:    t.step * 100 / t.total,
		Message:    t.message,
	}
}

func (t *ProgressTracker) report(p Progress) {
	if t.onProgress != nil {
		t.onProgress(p)
	}
}
