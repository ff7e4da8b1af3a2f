package processing

import (
	"context"
	"sync"
	"sync/atomic"

	"livedata-service/pkg/common"
	"livedata-service/pkg/models"
)

// report 一条待转交的上报，cast 与 event 只有一个非空
type report struct {
	cast   *models.ActiveCast
	reason models.UnresolvedReason
	event  models.RawEvent
	err    error
}

// ReportQueue 未结算上报的有界转交队列
//
// 实现 UnresolvedReporter，入队后立即返回；单个协程 (Run) 按顺序调用下游，
// 下游可以做数据库写入等阻塞操作。队列满时丢弃最旧的上报。
type ReportQueue struct {
	queue   chan report
	next    UnresolvedReporter
	logger  common.Logger
	mu      sync.RWMutex
	closed  bool
	dropped atomic.Uint64
}

// NewReportQueue 创建上报队列，capacity <= 0 时使用 1
func NewReportQueue(next UnresolvedReporter, capacity int, logger common.Logger) *ReportQueue {
	if capacity <= 0 {
		capacity = 1
	}
	if logger == nil {
		logger = common.NewLogger("ReportQueue")
	}
	return &ReportQueue{
		queue:  make(chan report, capacity),
		next:   next,
		logger: logger,
	}
}

// UnresolvedCast 实现 UnresolvedReporter
func (q *ReportQueue) UnresolvedCast(cast models.ActiveCast, reason models.UnresolvedReason) {
	c := cast.Clone()
	q.enqueue(report{cast: &c, reason: reason})
}

// UnmatchedResolution 实现 UnresolvedReporter
func (q *ReportQueue) UnmatchedResolution(event models.RawEvent, err error) {
	q.enqueue(report{event: event, err: err})
}

func (q *ReportQueue) enqueue(r report) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.closed {
		q.dropped.Add(1)
		return
	}

	for {
		select {
		case q.queue <- r:
			return
		default:
		}

		select {
		case <-q.queue:
			q.dropped.Add(1)
			q.logger.Warn("Queue full, dropped oldest report")
		default:
		}
	}
}

// Run 把上报交给下游，直到 Close 后队列清空或 ctx 结束
func (q *ReportQueue) Run(ctx context.Context) error {
	for {
		select {
		case r, ok := <-q.queue:
			if !ok {
				q.logger.Info("Queue flushed (dropped: %d)", q.dropped.Load())
				return nil
			}
			if r.cast != nil {
				q.next.UnresolvedCast(*r.cast, r.reason)
			} else {
				q.next.UnmatchedResolution(r.event, r.err)
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Close 停止接收，已入队的上报由 Run 继续处理
func (q *ReportQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	close(q.queue)
}

// Dropped 被丢弃的上报数
func (q *ReportQueue) Dropped() uint64 {
	return q.dropped.Load()
}

// Pending 等待处理的上报数
func (q *ReportQueue) Pending() int {
	return len(q.queue)
}
