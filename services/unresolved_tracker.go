package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"livedata-service/logger"
	"livedata-service/pkg/models"
)

// UnresolvedTracker 统计未结算施法和未匹配结算，定期推送到飞书
type UnresolvedTracker struct {
	mu           sync.Mutex
	stats        map[string]int
	totalCount   int
	lastReported time.Time
	notifier     *LarkNotifier
	interval     time.Duration
	firstReport  bool
	now          func() time.Time
}

// NewUnresolvedTracker 创建统计追踪器
func NewUnresolvedTracker(notifier *LarkNotifier, interval time.Duration) *UnresolvedTracker {
	return &UnresolvedTracker{
		stats:        make(map[string]int),
		lastReported: time.Now(),
		notifier:     notifier,
		interval:     interval,
		firstReport:  true,
		now:          time.Now,
	}
}

// UnresolvedCast 实现 processing.UnresolvedReporter
func (t *UnresolvedTracker) UnresolvedCast(_ models.ActiveCast, reason models.UnresolvedReason) {
	t.record("unresolved:" + string(reason))
}

// UnmatchedResolution 实现 processing.UnresolvedReporter
func (t *UnresolvedTracker) UnmatchedResolution(event models.RawEvent, _ error) {
	kind := "unknown"
	if event != nil {
		kind = string(event.Kind())
	}
	t.record("unmatched:" + kind)
}

func (t *UnresolvedTracker) record(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.stats[key]++
	t.totalCount++
}

// Snapshot 当前统计周期内的计数
func (t *UnresolvedTracker) Snapshot() (map[string]int, int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	statsCopy := make(map[string]int, len(t.stats))
	for k, v := range t.stats {
		statsCopy[k] = v
	}
	return statsCopy, t.totalCount
}

// CheckAndReport 到期时发送统计并开始新周期；返回是否发送
func (t *UnresolvedTracker) CheckAndReport(ctx context.Context) bool {
	t.mu.Lock()

	now := t.now()
	elapsed := now.Sub(t.lastReported)
	if t.totalCount == 0 || (!t.firstReport && elapsed < t.interval) {
		t.mu.Unlock()
		return false
	}

	statsCopy := make(map[string]int, len(t.stats))
	for k, v := range t.stats {
		statsCopy[k] = v
	}
	total := t.totalCount

	period := "启动至今"
	if !t.firstReport {
		period = fmt.Sprintf("过去 %.0f 分钟", elapsed.Minutes())
	}

	t.stats = make(map[string]int)
	t.totalCount = 0
	t.lastReported = now
	t.firstReport = false
	t.mu.Unlock()

	if err := t.notifier.NotifyUnresolvedStats(ctx, statsCopy, total, period); err != nil {
		logger.Printf("[UnresolvedTracker] Failed to send notification: %v", err)
	}
	return true
}

// Run 每 30 秒检查一次是否需要报告，直到 ctx 结束
func (t *UnresolvedTracker) Run(ctx context.Context) error {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			t.CheckAndReport(ctx)
		case <-ctx.Done():
			return nil
		}
	}
}
