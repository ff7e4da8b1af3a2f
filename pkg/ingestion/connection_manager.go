package ingestion

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"livedata-service/pkg/common"
)

// SourceManager 管理所有数据源的运行与健康检查
type SourceManager struct {
	logger        common.Logger
	sources       map[string]FeedSource
	mu            sync.RWMutex
	checkInterval time.Duration
}

// NewSourceManager 创建数据源管理器
func NewSourceManager(logger common.Logger, checkInterval time.Duration) *SourceManager {
	if logger == nil {
		logger = common.NewLogger("SourceManager")
	}
	if checkInterval <= 0 {
		checkInterval = 30 * time.Second
	}
	return &SourceManager{
		logger:        logger,
		sources:       make(map[string]FeedSource),
		checkInterval: checkInterval,
	}
}

// Register 注册数据源
func (m *SourceManager) Register(source FeedSource) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	name := source.Name()
	if _, exists := m.sources[name]; exists {
		return fmt.Errorf("source %s already registered", name)
	}

	m.sources[name] = source
	m.logger.Info("Registered data source: %s (%s)", name, source.Type())
	return nil
}

// Source 按名称获取数据源
func (m *SourceManager) Source(name string) (FeedSource, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	source, exists := m.sources[name]
	if !exists {
		return nil, fmt.Errorf("source %s not found", name)
	}
	return source, nil
}

// RunAll 运行所有数据源和健康检查，直到 ctx 结束或某个数据源返回错误
func (m *SourceManager) RunAll(ctx context.Context) error {
	m.mu.RLock()
	sources := make([]FeedSource, 0, len(m.sources))
	for _, source := range m.sources {
		sources = append(sources, source)
	}
	m.mu.RUnlock()

	if len(sources) == 0 {
		return fmt.Errorf("no data source registered")
	}

	group, gctx := errgroup.WithContext(ctx)
	for _, source := range sources {
		source := source
		group.Go(func() error {
			m.logger.Info("Starting source: %s", source.Name())
			if err := source.Run(gctx); err != nil {
				return fmt.Errorf("source %s: %w", source.Name(), err)
			}
			m.logger.Info("Source stopped: %s", source.Name())
			return nil
		})
	}
	group.Go(func() error {
		m.healthCheck(gctx)
		return nil
	})

	return group.Wait()
}

// Status 获取所有数据源的连接状态，按名称排序
func (m *SourceManager) Status() []ConnectionStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := time.Now()
	status := make([]ConnectionStatus, 0, len(m.sources))
	for name, source := range m.sources {
		status = append(status, ConnectionStatus{
			Name:      name,
			Type:      string(source.Type()),
			Connected: source.IsConnected(),
			LastCheck: now,
		})
	}
	sort.Slice(status, func(i, j int) bool { return status[i].Name < status[j].Name })
	return status
}

// Connected 是否至少有一个数据源已连接
func (m *SourceManager) Connected() bool {
	for _, s := range m.Status() {
		if s.Connected {
			return true
		}
	}
	return false
}

func (m *SourceManager) healthCheck(ctx context.Context) {
	ticker := time.NewTicker(m.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("Health check stopped")
			return
		case <-ticker.C:
			for _, s := range m.Status() {
				if !s.Connected {
					m.logger.Warn("Source %s is disconnected", s.Name)
				}
			}
		}
	}
}
