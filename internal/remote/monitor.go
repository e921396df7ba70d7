package remote

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"resume-feedback/internal/apperr"
	"resume-feedback/internal/config"
)

// ConnectivityProbe 连接监视器使用的探测接口，HealthChecker 满足
type ConnectivityProbe interface {
	TestAllConnections(ctx context.Context) HealthReport
}

// ConnectionMonitor 周期性探测后端，维护在线/离线状态。
// 离线通知立即发出，上线通知经过防抖，避免网络抖动时反复通知
type ConnectionMonitor struct {
	probe    ConnectivityProbe
	interval time.Duration
	debounce time.Duration
	logger   *zerolog.Logger

	mu          sync.Mutex
	online      bool
	changedAt   time.Time
	onlineCh    chan struct{} // 上线时关闭，离线时重建
	pending     *time.Timer   // 尚未发出的上线通知
	subscribers []func(online bool)

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewConnectionMonitor 初始状态视为在线
func NewConnectionMonitor(probe ConnectivityProbe, interval, debounce time.Duration, logger *zerolog.Logger) *ConnectionMonitor {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	if interval <= 0 {
		interval = 15 * time.Second
	}
	onlineCh := make(chan struct{})
	close(onlineCh)
	return &ConnectionMonitor{
		probe:     probe,
		interval:  interval,
		debounce:  debounce,
		logger:    logger,
		online:    true,
		changedAt: time.Now(),
		onlineCh:  onlineCh,
		done:      make(chan struct{}),
	}
}

// NewConnectionMonitorFromConfig 从健康检查配置创建
func NewConnectionMonitorFromConfig(probe ConnectivityProbe, cfg *config.HealthConfig, logger *zerolog.Logger) *ConnectionMonitor {
	return NewConnectionMonitor(probe,
		config.GetDuration(cfg.MonitorInterval, 15*time.Second),
		config.GetDuration(cfg.OnlineDebounce, 2*time.Second),
		logger)
}

// Subscribe 注册状态变化回调
func (m *ConnectionMonitor) Subscribe(fn func(online bool)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscribers = append(m.subscribers, fn)
}

// Start 启动后台轮询
func (m *ConnectionMonitor) Start() {
	m.logger.Info().Dur("interval", m.interval).Msg("连接监视器启动")
	ticker := time.NewTicker(m.interval)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		for {
			select {
			case <-m.done:
				ticker.Stop()
				m.logger.Info().Msg("连接监视器已停止")
				return
			case <-ticker.C:
				m.Poll(context.Background())
			}
		}
	}()
}

// Stop 停止轮询并取消尚未发出的上线通知
func (m *ConnectionMonitor) Stop() {
	m.stopOnce.Do(func() {
		close(m.done)
		m.wg.Wait()
		m.mu.Lock()
		if m.pending != nil {
			m.pending.Stop()
			m.pending = nil
		}
		m.mu.Unlock()
	})
}

// Poll 执行一次探测并更新状态
func (m *ConnectionMonitor) Poll(ctx context.Context) HealthReport {
	report := m.probe.TestAllConnections(ctx)
	m.SetOnline(report.Healthy)
	return report
}

// SetOnline 记录一次状态转换，状态不变时什么也不做
func (m *ConnectionMonitor) SetOnline(online bool) {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	m.changedAt = time.Now()

	if m.pending != nil {
		m.pending.Stop()
		m.pending = nil
	}

	if !online {
		m.onlineCh = make(chan struct{})
		subs := m.snapshotSubscribersLocked()
		m.mu.Unlock()
		m.logger.Warn().Msg("后端连接中断")
		m.notify(subs, false)
		return
	}

	// 等待者立即放行，订阅者的通知需要防抖
	close(m.onlineCh)
	if m.debounce <= 0 {
		subs := m.snapshotSubscribersLocked()
		m.mu.Unlock()
		m.logger.Info().Msg("后端连接恢复")
		m.notify(subs, true)
		return
	}
	var timer *time.Timer
	timer = time.AfterFunc(m.debounce, func() {
		m.mu.Lock()
		if m.pending != timer || !m.online {
			m.mu.Unlock()
			return
		}
		m.pending = nil
		subs := m.snapshotSubscribersLocked()
		m.mu.Unlock()
		m.logger.Info().Msg("后端连接恢复")
		m.notify(subs, true)
	})
	m.pending = timer
	m.mu.Unlock()
}

func (m *ConnectionMonitor) snapshotSubscribersLocked() []func(bool) {
	subs := make([]func(bool), len(m.subscribers))
	copy(subs, m.subscribers)
	return subs
}

func (m *ConnectionMonitor) notify(subs []func(bool), online bool) {
	for _, fn := range subs {
		fn(online)
	}
}

// IsOnline 当前是否在线
func (m *ConnectionMonitor) IsOnline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Status 在线状态及最近一次变化时间
func (m *ConnectionMonitor) Status() (bool, time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online, m.changedAt
}

// WaitForConnection 阻塞直到在线、超时或上下文结束
func (m *ConnectionMonitor) WaitForConnection(ctx context.Context, timeout time.Duration) error {
	m.mu.Lock()
	ch := m.onlineCh
	m.mu.Unlock()

	select {
	case <-ch:
		return nil
	default:
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-ch:
		return nil
	case <-timer.C:
		return apperr.New(apperr.CodeTimeout, "waitForConnection", "connection was not restored in time")
	case <-ctx.Done():
		return apperr.FromContext(ctx, "waitForConnection")
	}
}
