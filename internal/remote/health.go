package remote

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"resume-feedback/internal/config"
	"resume-feedback/internal/resilience"
)

// 被检查的依赖名称
const (
	DependencyDatabase = "database"
	DependencyStorage  = "storage"
	DependencyRedis    = "redis"
	DependencyRabbitMQ = "rabbitmq"
)

// BackendProbes 对象存储和数据库使用固定名称注册，FileService 的上传前探测按 DependencyStorage 查找。
// 可选依赖由调用方判空后追加
func BackendProbes(objects, database Prober, optional ...NamedProbe) []NamedProbe {
	probes := []NamedProbe{
		{Name: DependencyStorage, Prober: objects},
		{Name: DependencyDatabase, Prober: database},
	}
	return append(probes, optional...)
}

// ErrCircuitOpen 熔断器打开期间的探测直接失败
var ErrCircuitOpen = errors.New("circuit breaker is open")

// CircuitState 熔断器状态
type CircuitState string

const (
	CircuitClosed CircuitState = "closed"
	CircuitOpen   CircuitState = "open"
)

// CircuitBreaker 连续失败达到阈值后打开，重置窗口结束后下一次成功即关闭
type CircuitBreaker struct {
	mu           sync.Mutex
	name         string
	threshold    int
	resetTimeout time.Duration
	failures     int
	state        CircuitState
	openedAt     time.Time
	now          func() time.Time
}

// NewCircuitBreaker now 为 nil 时使用 time.Now
func NewCircuitBreaker(name string, threshold int, resetTimeout time.Duration, now func() time.Time) *CircuitBreaker {
	if threshold < 1 {
		threshold = 1
	}
	if now == nil {
		now = time.Now
	}
	return &CircuitBreaker{
		name:         name,
		threshold:    threshold,
		resetTimeout: resetTimeout,
		state:        CircuitClosed,
		now:          now,
	}
}

// Allow 是否允许发起一次探测。打开状态下重置窗口未过则拒绝
func (b *CircuitBreaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == CircuitClosed {
		return true
	}
	return b.now().Sub(b.openedAt) >= b.resetTimeout
}

// RecordSuccess 关闭熔断器并清零失败计数
func (b *CircuitBreaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.state = CircuitClosed
	b.openedAt = time.Time{}
}

// RecordFailure 累加失败；已打开时重新计时
func (b *CircuitBreaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	if b.state == CircuitOpen || b.failures >= b.threshold {
		b.state = CircuitOpen
		b.openedAt = b.now()
	}
}

// Execute 在熔断器保护下执行 fn。调用方的 ctx 已结束时不计入失败
func (b *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if !b.Allow() {
		return ErrCircuitOpen
	}
	if err := fn(ctx); err != nil {
		if ctx.Err() == nil {
			b.RecordFailure()
		}
		return err
	}
	b.RecordSuccess()
	return nil
}

// State 当前状态
func (b *CircuitBreaker) State() CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Failures 当前连续失败次数
func (b *CircuitBreaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

// Prober 可探测的依赖，storage.ObjectStore 和 storage.MySQL 都满足
type Prober interface {
	Ping(ctx context.Context) error
}

// ProbeFunc 函数适配为 Prober
type ProbeFunc func(ctx context.Context) error

func (f ProbeFunc) Ping(ctx context.Context) error { return f(ctx) }

// NamedProbe 带名称的探测目标
type NamedProbe struct {
	Name   string
	Prober Prober
}

// DependencyHealth 单个依赖的探测结果
type DependencyHealth struct {
	Name           string       `json:"name"`
	Healthy        bool         `json:"healthy"`
	Circuit        CircuitState `json:"circuit"`
	ShortCircuited bool         `json:"short_circuited"` // 熔断打开，未发起网络调用
	LatencyMS      int64        `json:"latency_ms"`
	Error          string       `json:"error,omitempty"`
}

// HealthReport 所有依赖的汇总结果
type HealthReport struct {
	Healthy      bool                        `json:"healthy"`
	Dependencies map[string]DependencyHealth `json:"dependencies"`
	CheckedAt    time.Time                   `json:"checked_at"`
}

type probeEntry struct {
	prober  Prober
	breaker *CircuitBreaker
}

// HealthChecker 每个依赖一个熔断器，由组合根创建后按引用传递
type HealthChecker struct {
	probes       map[string]*probeEntry
	order        []string
	probeTimeout time.Duration
	now          func() time.Time
	logger       *zerolog.Logger
}

// HealthCheckerOptions 熔断参数
type HealthCheckerOptions struct {
	FailureThreshold int
	ResetTimeout     time.Duration
	ProbeTimeout     time.Duration
	Now              func() time.Time
}

// NewHealthCheckerOptions 从健康检查配置构造
func NewHealthCheckerOptions(cfg *config.HealthConfig) HealthCheckerOptions {
	return HealthCheckerOptions{
		FailureThreshold: cfg.FailureThreshold,
		ResetTimeout:     config.GetDuration(cfg.ResetTimeout, 30*time.Second),
		ProbeTimeout:     config.GetDuration(cfg.ProbeTimeout, 5*time.Second),
	}
}

// NewHealthChecker 创建健康检查器
func NewHealthChecker(opts HealthCheckerOptions, logger *zerolog.Logger, probes ...NamedProbe) *HealthChecker {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	if opts.FailureThreshold <= 0 {
		opts.FailureThreshold = 3
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = 5 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	h := &HealthChecker{
		probes:       make(map[string]*probeEntry, len(probes)),
		probeTimeout: opts.ProbeTimeout,
		now:          opts.Now,
		logger:       logger,
	}
	for _, p := range probes {
		h.probes[p.Name] = &probeEntry{
			prober:  p.Prober,
			breaker: NewCircuitBreaker(p.Name, opts.FailureThreshold, opts.ResetTimeout, opts.Now),
		}
		h.order = append(h.order, p.Name)
	}
	return h
}

// Breaker 返回某个依赖的熔断器，不存在时为 nil
func (h *HealthChecker) Breaker(name string) *CircuitBreaker {
	if e, ok := h.probes[name]; ok {
		return e.breaker
	}
	return nil
}

// Check 探测单个依赖。熔断打开时不发起网络调用
func (h *HealthChecker) Check(ctx context.Context, name string) DependencyHealth {
	entry, ok := h.probes[name]
	if !ok {
		return DependencyHealth{Name: name, Healthy: false, Error: "unknown dependency"}
	}

	if !entry.breaker.Allow() {
		return DependencyHealth{
			Name:           name,
			Healthy:        false,
			Circuit:        CircuitOpen,
			ShortCircuited: true,
			Error:          ErrCircuitOpen.Error(),
		}
	}

	start := h.now()
	err := entry.breaker.Execute(ctx, func(ctx context.Context) error {
		return resilience.RunWithTimeout(ctx, h.probeTimeout, name+" health probe timed out", entry.prober.Ping)
	})
	result := DependencyHealth{
		Name:      name,
		Healthy:   err == nil,
		Circuit:   entry.breaker.State(),
		LatencyMS: h.now().Sub(start).Milliseconds(),
	}
	if err != nil {
		result.Error = err.Error()
		h.logger.Debug().Err(err).Str("dependency", name).Int("failures", entry.breaker.Failures()).Msg("健康探测失败")
	}
	return result
}

// TestAllConnections 并发探测所有依赖，每个探测有独立的超时
func (h *HealthChecker) TestAllConnections(ctx context.Context) HealthReport {
	report := HealthReport{
		Healthy:      true,
		Dependencies: make(map[string]DependencyHealth, len(h.order)),
		CheckedAt:    h.now(),
	}

	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, name := range h.order {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			res := h.Check(ctx, name)
			mu.Lock()
			report.Dependencies[name] = res
			if !res.Healthy {
				report.Healthy = false
			}
			mu.Unlock()
		}(name)
	}
	wg.Wait()
	return report
}
