package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"livedata-service/logger"
)

// FeedMonitor 监控数据流是否持续有记录到达，长时间无记录时告警
type FeedMonitor struct {
	records   func() uint64
	notifier  *LarkNotifier
	threshold time.Duration
	now       func() time.Time

	mu         sync.Mutex
	lastCount  uint64
	lastChange time.Time
	down       bool
}

// FeedStatus 数据流活跃状态
type FeedStatus struct {
	Down      bool          `json:"down"`
	Records   uint64        `json:"records"`
	IdleFor   time.Duration `json:"idle_for"`
	Threshold time.Duration `json:"threshold"`
}

// NewFeedMonitor 创建数据流监控器，records 返回累计收到的记录数
func NewFeedMonitor(records func() uint64, notifier *LarkNotifier, threshold time.Duration) *FeedMonitor {
	return &FeedMonitor{
		records:    records,
		notifier:   notifier,
		threshold:  threshold,
		now:        time.Now,
		lastChange: time.Now(),
	}
}

// Check 检查一次，状态变化时发送告警或恢复通知
func (m *FeedMonitor) Check(ctx context.Context) FeedStatus {
	m.mu.Lock()
	now := m.now()
	count := m.records()
	if count != m.lastCount {
		m.lastCount = count
		m.lastChange = now
	}
	idle := now.Sub(m.lastChange)

	wasDown := m.down
	m.down = idle > m.threshold
	status := FeedStatus{Down: m.down, Records: count, IdleFor: idle, Threshold: m.threshold}
	m.mu.Unlock()

	switch {
	case status.Down && !wasDown:
		logger.Printf("[FeedMonitor] ⚠️  No records for %v", idle.Round(time.Second))
		m.notify(ctx, fmt.Sprintf("🚨 Live data feed is idle\n\nNo records for %v (total received: %d)",
			idle.Round(time.Second), count))
	case !status.Down && wasDown:
		logger.Printf("[FeedMonitor] ✅ Records flowing again")
		m.notify(ctx, fmt.Sprintf("✅ Live data feed recovered\n\nTotal received: %d", count))
	}
	return status
}

func (m *FeedMonitor) notify(ctx context.Context, text string) {
	if m.notifier == nil {
		return
	}
	if err := m.notifier.SendText(ctx, text); err != nil {
		logger.Printf("[FeedMonitor] Failed to send notification: %v", err)
	}
}

// Healthy 作为健康检查使用，数据流空闲超过阈值时返回错误
func (m *FeedMonitor) Healthy(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.down {
		return fmt.Errorf("no records for %v", m.now().Sub(m.lastChange).Round(time.Second))
	}
	return nil
}

// Run 每 5 秒检查一次，直到 ctx 结束
func (m *FeedMonitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	logger.Printf("[FeedMonitor] Started (idle threshold %v)", m.threshold)
	for {
		select {
		case <-ticker.C:
			m.Check(ctx)
		case <-ctx.Done():
			return nil
		}
	}
}
