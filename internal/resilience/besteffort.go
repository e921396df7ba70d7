package resilience

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Task 一个尽力而为的清理任务
type Task struct {
	Name string
	Run  func(ctx context.Context) error
}

// Outcome 任务的执行结果
type Outcome struct {
	Name string
	Err  error
}

// RunBestEffort 并行执行所有任务并等待全部结束。失败只记录日志，不向调用方传播
func RunBestEffort(ctx context.Context, logger *zerolog.Logger, tasks []Task) []Outcome {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	outcomes := make([]Outcome, len(tasks))

	var wg sync.WaitGroup
	for i, task := range tasks {
		wg.Add(1)
		go func(i int, task Task) {
			defer wg.Done()
			err := safeRun(ctx, task)
			outcomes[i] = Outcome{Name: task.Name, Err: err}
			if err != nil {
				logger.Warn().Err(err).Str("task", task.Name).Msg("清理任务失败，已忽略")
			}
		}(i, task)
	}
	wg.Wait()
	return outcomes
}

func safeRun(ctx context.Context, task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &panicError{value: r}
		}
	}()
	return task.Run(ctx)
}

type panicError struct{ value any }

func (p *panicError) Error() string { return fmt.Sprintf("task panicked: %v", p.value) }

// Background 后台发起的清理批次，调用方不等待结果
type Background struct {
	logger  *zerolog.Logger
	timeout time.Duration
	wg      sync.WaitGroup
}

// NewBackground timeout 是每个批次的上限
func NewBackground(logger *zerolog.Logger, timeout time.Duration) *Background {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Background{logger: logger, timeout: timeout}
}

// Go 在脱离调用方取消信号的上下文中运行任务批次
func (b *Background) Go(ctx context.Context, tasks ...Task) {
	if len(tasks) == 0 {
		return
	}
	detached := context.WithoutCancel(ctx)
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		runCtx, cancel := context.WithTimeout(detached, b.timeout)
		defer cancel()
		RunBestEffort(runCtx, b.logger, tasks)
	}()
}

// Wait 等待所有已发起的批次结束，用于优雅退出和测试
func (b *Background) Wait() {
	b.wg.Wait()
}
