package interfaces

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"livedata-service/pkg/common"
)

// HealthCheckFunc 健康检查函数
type HealthCheckFunc func(context.Context) error

// HealthStatus 健康状态
type HealthStatus struct {
	Status    string                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Checks    map[string]CheckResult `json:"checks"`
}

// CheckResult 检查结果
type CheckResult struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
	Latency string `json:"latency"`
}

const (
	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"
)

// HealthChecker 按名称注册的健康检查集合
type HealthChecker struct {
	logger  common.Logger
	timeout time.Duration
	checks  map[string]HealthCheckFunc
	mu      sync.RWMutex
}

// NewHealthChecker 创建健康检查器，timeout 为单项检查的超时
func NewHealthChecker(logger common.Logger, timeout time.Duration) *HealthChecker {
	if logger == nil {
		logger = common.NewLogger("HealthChecker")
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HealthChecker{
		logger:  logger,
		timeout: timeout,
		checks:  make(map[string]HealthCheckFunc),
	}
}

// RegisterCheck 注册健康检查，同名覆盖
func (h *HealthChecker) RegisterCheck(name string, check HealthCheckFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.checks[name] = check
	h.logger.Debug("Registered health check: %s", name)
}

// UnregisterCheck 注销健康检查
func (h *HealthChecker) UnregisterCheck(name string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	delete(h.checks, name)
}

// Names 已注册的检查名称
func (h *HealthChecker) Names() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Check 执行所有检查，任一失败则整体 unhealthy
func (h *HealthChecker) Check(ctx context.Context) *HealthStatus {
	h.mu.RLock()
	checks := make(map[string]HealthCheckFunc, len(h.checks))
	for name, fn := range h.checks {
		checks[name] = fn
	}
	h.mu.RUnlock()

	status := &HealthStatus{
		Status:    StatusHealthy,
		Timestamp: time.Now(),
		Checks:    make(map[string]CheckResult, len(checks)),
	}

	for name, check := range checks {
		start := time.Now()
		err := h.run(ctx, check)
		result := CheckResult{
			Status:  StatusHealthy,
			Latency: time.Since(start).String(),
		}
		if err != nil {
			result.Status = StatusUnhealthy
			result.Message = err.Error()
			status.Status = StatusUnhealthy
			h.logger.Warn("Health check failed: %s - %v", name, err)
		}
		status.Checks[name] = result
	}

	return status
}

func (h *HealthChecker) run(ctx context.Context, check HealthCheckFunc) (err error) {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("check panicked: %v", r)
		}
	}()
	return check(ctx)
}

// IsHealthy 判断系统是否健康
func (h *HealthChecker) IsHealthy(ctx context.Context) bool {
	return h.Check(ctx).Status == StatusHealthy
}
